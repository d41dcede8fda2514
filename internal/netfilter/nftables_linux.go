//go:build linux

package netfilter

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/micrictor/appwall/internal/rules"
	"golang.org/x/sys/unix"
)

const nftTableName = "appwall"

// NFTables keeps the desired table state in memory and replaces the whole
// inet appwall table in one netlink batch on every change.
type NFTables struct {
	cfg Config
	o   options

	mu        sync.Mutex
	conn      *nftables.Conn
	installed bool
	redirect  bool
	jumps     bool
	watched   map[int]bool
	committed []rules.Rule
}

func newNFTables(cfg Config, o options) (Table, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open nftables: %w", err)
	}
	return &NFTables{cfg: cfg, o: o, conn: conn, watched: make(map[int]bool)}, nil
}

func (t *NFTables) Setup() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.installed = true
	return t.apply("setup")
}

func (t *NFTables) EnableRedirection() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.redirect = true
	return t.apply("enable redirection")
}

func (t *NFTables) SetMainJumpsEnabled(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jumps = enabled
	return t.apply(fmt.Sprintf("main jumps enabled=%t", enabled))
}

func (t *NFTables) SetUserWatched(uid int, watched bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if watched {
		t.watched[uid] = true
	} else {
		delete(t.watched, uid)
	}
	return t.apply(fmt.Sprintf("uid %d watched=%t", uid, watched))
}

func (t *NFTables) Commit(r rules.Rule) error {
	if _, err := RuleSpecs(r, t.cfg); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.committed {
		if c == r {
			return nil
		}
	}
	t.committed = append(t.committed, r)
	if err := t.apply("commit " + r.String()); err != nil {
		t.committed = t.committed[:len(t.committed)-1]
		return err
	}
	return nil
}

func (t *NFTables) Revoke(r rules.Rule) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, c := range t.committed {
		if c == r {
			t.committed = append(t.committed[:i:i], t.committed[i+1:]...)
			return t.apply("revoke " + r.String())
		}
	}
	return nil
}

func (t *NFTables) Teardown() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.installed, t.redirect, t.jumps = false, false, false
	t.watched = make(map[int]bool)
	t.committed = nil

	table := &nftables.Table{Family: nftables.TableFamilyINet, Name: nftTableName}
	t.conn.AddTable(table)
	t.conn.DelTable(table)
	err := t.conn.Flush()
	t.o.trace("nft delete table inet "+nftTableName, err)
	return err
}

// apply rebuilds the table from the desired state. Callers hold t.mu.
func (t *NFTables) apply(op string) error {
	if !t.installed {
		t.o.trace("nft "+op+" (deferred until setup)", nil)
		return nil
	}
	c := t.conn
	table := &nftables.Table{Family: nftables.TableFamilyINet, Name: nftTableName}
	c.AddTable(table)
	c.DelTable(table)
	table = c.AddTable(table)

	chain := func(name string) *nftables.Chain {
		return c.AddChain(&nftables.Chain{Name: strings.ToLower(name), Table: table})
	}
	out, in := chain(ChainOut), chain(ChainIn)
	rulesOut, rulesIn := chain(ChainRulesOut), chain(ChainRulesIn)
	queue := chain(ChainQueue)

	if t.jumps {
		for _, base := range []struct {
			name   string
			hook   *nftables.ChainHook
			target *nftables.Chain
		}{
			{"output", nftables.ChainHookOutput, out},
			{"input", nftables.ChainHookInput, in},
		} {
			bc := c.AddChain(&nftables.Chain{
				Name:     base.name,
				Table:    table,
				Type:     nftables.ChainTypeFilter,
				Hooknum:  base.hook,
				Priority: nftables.ChainPriorityFilter,
			})
			c.AddRule(&nftables.Rule{Table: table, Chain: bc, Exprs: []expr.Any{jump(base.target)}})
		}
	}

	// Bridge exceptions.
	port := binaryutil.BigEndian.PutUint16(t.cfg.BridgePort)
	for _, ex := range []struct {
		chain  *nftables.Chain
		key    expr.MetaKey
		offset uint32
	}{
		{out, expr.MetaKeyOIFNAME, 2}, {out, expr.MetaKeyOIFNAME, 0},
		{in, expr.MetaKeyIIFNAME, 2}, {in, expr.MetaKeyIIFNAME, 0},
	} {
		exprs := ifnameExprs(ex.key, loopback+"\x00")
		exprs = append(exprs, l4protoExprs(unix.IPPROTO_TCP)...)
		exprs = append(exprs, portExprs(ex.offset, port)...)
		exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictReturn})
		c.AddRule(&nftables.Rule{Table: table, Chain: ex.chain, Exprs: exprs})
	}

	// Owner marks.
	uids := make([]int, 0, len(t.watched))
	for uid := range t.watched {
		uids = append(uids, uid)
	}
	sort.Ints(uids)
	for _, uid := range uids {
		c.AddRule(&nftables.Rule{Table: table, Chain: out, Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeySKUID, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(uint32(uid))},
			&expr.Immediate{Register: 1, Data: binaryutil.NativeEndian.PutUint32(uint32(uid + t.cfg.UIDMarkOffset))},
			&expr.Ct{Key: expr.CtKeyMARK, Register: 1, SourceRegister: true},
		}})
	}

	// Dispatch tail.
	c.AddRule(&nftables.Rule{Table: table, Chain: out, Exprs: []expr.Any{jump(rulesOut)}})
	c.AddRule(&nftables.Rule{Table: table, Chain: out, Exprs: []expr.Any{jump(queue)}})
	c.AddRule(&nftables.Rule{Table: table, Chain: in, Exprs: []expr.Any{jump(rulesIn)}})
	c.AddRule(&nftables.Rule{Table: table, Chain: in, Exprs: []expr.Any{jump(queue)}})
	c.AddRule(&nftables.Rule{Table: table, Chain: queue, Exprs: []expr.Any{
		&expr.Ct{Key: expr.CtKeyMARK, Register: 1},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(0)},
		&expr.Queue{Num: t.cfg.QueueNum, Flag: expr.QueueFlagBypass},
	}})

	var redirect *nftables.Chain
	if t.redirect {
		redirect = c.AddChain(&nftables.Chain{
			Name:     strings.ToLower(ChainRedirect),
			Table:    table,
			Type:     nftables.ChainTypeNAT,
			Hooknum:  nftables.ChainHookOutput,
			Priority: nftables.ChainPriorityNATDest,
		})
	}

	for _, r := range t.committed {
		for _, e := range t.ruleExprs(r, rulesOut, rulesIn, queue, redirect) {
			c.AddRule(&nftables.Rule{Table: table, Chain: e.chain, Exprs: e.exprs})
		}
	}

	err := c.Flush()
	t.o.trace("nft "+op, err)
	return err
}

type chainExprs struct {
	chain *nftables.Chain
	exprs []expr.Any
}

func (t *NFTables) ruleExprs(r rules.Rule, rulesOut, rulesIn, queue, redirect *nftables.Chain) []chainExprs {
	var verdict expr.Any
	switch {
	case r.Kind == rules.KindRedirect || r.Policy == rules.Allow:
		verdict = &expr.Verdict{Kind: expr.VerdictAccept}
	case r.Policy == rules.Block:
		verdict = &expr.Verdict{Kind: expr.VerdictDrop}
	default:
		verdict = jump(queue)
	}
	mark := binaryutil.NativeEndian.PutUint32(uint32(r.UserID + t.cfg.UIDMarkOffset))

	var out []chainExprs
	for _, proto := range nftProtocols(r.Protocols) {
		for _, dev := range nftDevicePrefixes(r.Devices, t.cfg) {
			for _, h := range []hook{hookOut, hookIn} {
				exprs := []expr.Any{
					&expr.Ct{Key: expr.CtKeyMARK, Register: 1},
					&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: mark},
				}
				exprs = append(exprs, matchExprs(r, proto, dev, h)...)
				exprs = append(exprs, verdict)
				chain := rulesOut
				if h == hookIn {
					chain = rulesIn
				}
				out = append(out, chainExprs{chain: chain, exprs: exprs})
			}
			if r.Kind == rules.KindRedirect && redirect != nil {
				exprs := []expr.Any{
					&expr.Meta{Key: expr.MetaKeySKUID, Register: 1},
					&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(uint32(r.UserID))},
				}
				exprs = append(exprs, matchExprs(r, proto, dev, hookOut)...)
				exprs = append(exprs, dnatExprs(r.Redirect.IP, r.Redirect.Port)...)
				out = append(out, chainExprs{chain: redirect, exprs: exprs})
			}
		}
	}
	return out
}

func matchExprs(r rules.Rule, proto byte, dev string, h hook) []expr.Any {
	var exprs []expr.Any
	if dev != "" {
		key := expr.MetaKeyOIFNAME
		if h == hookIn {
			key = expr.MetaKeyIIFNAME
		}
		exprs = append(exprs, ifnameExprs(key, dev)...)
	}
	if r.Remote.IP != "" {
		exprs = append(exprs, ipExprs(r.Remote.IP, h == hookOut)...)
	}
	exprs = append(exprs, l4protoExprs(proto)...)

	// Transport header offsets: source port at 0, destination port at 2.
	localOff, remoteOff := uint32(0), uint32(2)
	if h == hookIn {
		localOff, remoteOff = 2, 0
	}
	if r.Local.Port != 0 {
		exprs = append(exprs, portExprs(localOff, binaryutil.BigEndian.PutUint16(r.Local.Port))...)
	}
	if r.Remote.Port != 0 {
		exprs = append(exprs, portExprs(remoteOff, binaryutil.BigEndian.PutUint16(r.Remote.Port))...)
	}

	if proto == unix.IPPROTO_TCP && r.Direction != rules.DirectionAny {
		original := (r.Direction == rules.DirectionLocal) == (h == hookOut)
		dir := byte(1)
		if original {
			dir = 0
		}
		exprs = append(exprs,
			&expr.Ct{Key: expr.CtKeyDIRECTION, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{dir}},
		)
	}
	return exprs
}

func jump(c *nftables.Chain) expr.Any {
	return &expr.Verdict{Kind: expr.VerdictJump, Chain: c.Name}
}

// ifnameExprs compares the interface name; data without a trailing NUL
// matches as a prefix.
func ifnameExprs(key expr.MetaKey, name string) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: key, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte(name)},
	}
}

func l4protoExprs(proto byte) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
	}
}

func portExprs(offset uint32, port []byte) []expr.Any {
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: offset, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: port},
	}
}

// ipExprs matches the remote address: the destination of outgoing packets
// and the source of incoming ones.
func ipExprs(s string, outgoing bool) []expr.Any {
	ip := net.ParseIP(s)
	nfproto, offset, data := byte(unix.NFPROTO_IPV6), uint32(24), []byte(ip.To16())
	if !outgoing {
		offset = 8
	}
	if v4 := ip.To4(); v4 != nil {
		nfproto, offset, data = unix.NFPROTO_IPV4, 16, []byte(v4)
		if !outgoing {
			offset = 12
		}
	}
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{nfproto}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: offset, Len: uint32(len(data))},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: data},
	}
}

func dnatExprs(s string, port uint16) []expr.Any {
	ip := net.ParseIP(s)
	family, nfproto, data := uint32(unix.NFPROTO_IPV6), byte(unix.NFPROTO_IPV6), []byte(ip.To16())
	if v4 := ip.To4(); v4 != nil {
		family, nfproto, data = unix.NFPROTO_IPV4, unix.NFPROTO_IPV4, []byte(v4)
	}
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{nfproto}},
		&expr.Immediate{Register: 1, Data: data},
		&expr.Immediate{Register: 2, Data: binaryutil.BigEndian.PutUint16(port)},
		&expr.NAT{Type: expr.NATTypeDestNAT, Family: family, RegAddrMin: 1, RegProtoMin: 2},
	}
}

func nftProtocols(f rules.ProtocolFilter) []byte {
	var out []byte
	if f&rules.FilterTCP != 0 {
		out = append(out, unix.IPPROTO_TCP)
	}
	if f&rules.FilterUDP != 0 {
		out = append(out, unix.IPPROTO_UDP)
	}
	return out
}

func nftDevicePrefixes(f rules.DeviceFilter, cfg Config) []string {
	patterns := devicePatterns(f, cfg)
	for i, p := range patterns {
		patterns[i] = strings.TrimSuffix(p, "+")
	}
	return patterns
}
