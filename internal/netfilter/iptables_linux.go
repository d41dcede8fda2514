//go:build linux

package netfilter

import (
	"fmt"
	"strings"
	"sync"

	"github.com/coreos/go-iptables/iptables"
	"github.com/micrictor/appwall/internal/rules"
)

// IPTables programs both the IPv4 and IPv6 tables through go-iptables.
type IPTables struct {
	cfg Config
	o   options

	mu   sync.Mutex
	ipt4 *iptables.IPTables
	ipt6 *iptables.IPTables
}

func newIPTables(cfg Config, o options) (Table, error) {
	t := &IPTables{cfg: cfg, o: o}
	if _, err := t.getOrCreateIpt(iptables.ProtocolIPv4); err != nil {
		return nil, fmt.Errorf("failed to open iptables: %w", err)
	}
	// IPv6 is optional: some kernels ship without ip6tables.
	if _, err := t.getOrCreateIpt(iptables.ProtocolIPv6); err != nil {
		t.o.log.Warnf("ip6tables unavailable, ipv6 traffic is not filtered: %v", err)
	}
	return t, nil
}

func (t *IPTables) getOrCreateIpt(protocol iptables.Protocol) (*iptables.IPTables, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch protocol {
	case iptables.ProtocolIPv4:
		if t.ipt4 != nil {
			return t.ipt4, nil
		}
		ipt, err := iptables.NewWithProtocol(protocol)
		if err == nil {
			t.ipt4 = ipt
		}
		return ipt, err
	case iptables.ProtocolIPv6:
		if t.ipt6 != nil {
			return t.ipt6, nil
		}
		ipt, err := iptables.NewWithProtocol(protocol)
		if err == nil {
			t.ipt6 = ipt
		}
		return ipt, err
	default:
		return nil, fmt.Errorf("invalid protocol: %v", protocol)
	}
}

// handles returns the tables a spec of the given family applies to.
func (t *IPTables) handles(f Family) []*iptables.IPTables {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*iptables.IPTables
	if f != FamilyIPv6 && t.ipt4 != nil {
		out = append(out, t.ipt4)
	}
	if f != FamilyIPv4 && t.ipt6 != nil {
		out = append(out, t.ipt6)
	}
	return out
}

func cmdline(ipt *iptables.IPTables, op, table, chain string, args []string) string {
	bin := "iptables"
	if ipt.Proto() == iptables.ProtocolIPv6 {
		bin = "ip6tables"
	}
	return fmt.Sprintf("%s -t %s %s %s %s", bin, table, op, chain, strings.Join(args, " "))
}

func (t *IPTables) appendUnique(s Spec) error {
	for _, ipt := range t.handles(s.Family) {
		err := ipt.AppendUnique(s.Table, s.Chain, s.Args...)
		t.o.trace(cmdline(ipt, "-A", s.Table, s.Chain, s.Args), err)
		if err != nil {
			return fmt.Errorf("failed to add rule: %w", err)
		}
	}
	return nil
}

func (t *IPTables) insertUnique(s Spec, pos int) error {
	for _, ipt := range t.handles(s.Family) {
		exists, err := ipt.Exists(s.Table, s.Chain, s.Args...)
		if err != nil {
			return fmt.Errorf("failed to check rule: %w", err)
		}
		if exists {
			continue
		}
		err = ipt.Insert(s.Table, s.Chain, pos, s.Args...)
		t.o.trace(cmdline(ipt, fmt.Sprintf("-I %d", pos), s.Table, s.Chain, s.Args), err)
		if err != nil {
			return fmt.Errorf("failed to insert rule: %w", err)
		}
	}
	return nil
}

func (t *IPTables) deleteIfExists(s Spec) error {
	for _, ipt := range t.handles(s.Family) {
		err := ipt.DeleteIfExists(s.Table, s.Chain, s.Args...)
		t.o.trace(cmdline(ipt, "-D", s.Table, s.Chain, s.Args), err)
		if err != nil {
			return fmt.Errorf("failed to delete rule: %w", err)
		}
	}
	return nil
}

// Setup (re)creates the appwall filter chains with their fixed rules.
func (t *IPTables) Setup() error {
	for _, ipt := range t.handles(FamilyAny) {
		for _, chain := range []string{ChainOut, ChainIn, ChainRulesOut, ChainRulesIn, ChainQueue} {
			err := ipt.ClearChain(TableFilter, chain)
			t.o.trace(cmdline(ipt, "-N", TableFilter, chain, nil), err)
			if err != nil {
				return fmt.Errorf("failed to create chain %s: %w", chain, err)
			}
		}
	}
	specs := append(BridgeExceptions(t.cfg.BridgePort), Dispatch(t.cfg.QueueNum)...)
	for _, s := range specs {
		if err := t.appendUnique(s); err != nil {
			return err
		}
	}
	return nil
}

func (t *IPTables) EnableRedirection() error {
	for _, ipt := range t.handles(FamilyAny) {
		err := ipt.ClearChain(TableNAT, ChainRedirect)
		t.o.trace(cmdline(ipt, "-N", TableNAT, ChainRedirect, nil), err)
		if err != nil {
			return fmt.Errorf("failed to create chain %s: %w", ChainRedirect, err)
		}
	}
	return t.insertUnique(RedirectJump(), 1)
}

func (t *IPTables) SetMainJumpsEnabled(enabled bool) error {
	for _, s := range MainJumps() {
		var err error
		if enabled {
			err = t.insertUnique(s, 1)
		} else {
			err = t.deleteIfExists(s)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *IPTables) SetUserWatched(uid int, watched bool) error {
	s := OwnerMark(uid, t.cfg.UIDMarkOffset)
	if !watched {
		return t.deleteIfExists(s)
	}
	// Owner marks go after the bridge exceptions and before the dispatch tail.
	pos := 1
	for _, e := range BridgeExceptions(t.cfg.BridgePort) {
		if e.Chain == ChainOut {
			pos++
		}
	}
	return t.insertUnique(s, pos)
}

func (t *IPTables) Commit(r rules.Rule) error {
	specs, err := RuleSpecs(r, t.cfg)
	if err != nil {
		return err
	}
	for _, s := range specs {
		if err := t.appendUnique(s); err != nil {
			return err
		}
	}
	return nil
}

func (t *IPTables) Revoke(r rules.Rule) error {
	specs, err := RuleSpecs(r, t.cfg)
	if err != nil {
		return err
	}
	for _, s := range specs {
		if err := t.deleteIfExists(s); err != nil {
			return err
		}
	}
	return nil
}

func (t *IPTables) Teardown() error {
	if err := t.SetMainJumpsEnabled(false); err != nil {
		return err
	}
	if err := t.deleteIfExists(RedirectJump()); err != nil {
		return err
	}
	for _, ipt := range t.handles(FamilyAny) {
		for _, tc := range [][2]string{
			{TableFilter, ChainOut}, {TableFilter, ChainIn},
			{TableFilter, ChainRulesOut}, {TableFilter, ChainRulesIn},
			{TableFilter, ChainQueue}, {TableNAT, ChainRedirect},
		} {
			exists, err := ipt.ChainExists(tc[0], tc[1])
			if err != nil || !exists {
				continue
			}
			err = ipt.ClearAndDeleteChain(tc[0], tc[1])
			t.o.trace(cmdline(ipt, "-X", tc[0], tc[1], nil), err)
			if err != nil {
				return fmt.Errorf("failed to delete chain %s: %w", tc[1], err)
			}
		}
	}
	return nil
}
