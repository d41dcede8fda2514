package netfilter

import (
	"fmt"
	"net"
	"strconv"

	"github.com/micrictor/appwall/internal/rules"
)

// Chain names used by the iptables backend. The nftables backend uses the
// same names in lower case.
const (
	ChainOut      = "APPWALL_OUT"
	ChainIn       = "APPWALL_IN"
	ChainRulesOut = "APPWALL_RULES_OUT"
	ChainRulesIn  = "APPWALL_RULES_IN"
	ChainQueue    = "APPWALL_QUEUE"
	ChainRedirect = "APPWALL_REDIRECT"

	TableFilter = "filter"
	TableNAT    = "nat"

	loopback = "lo"
)

type Family int

const (
	FamilyAny Family = iota
	FamilyIPv4
	FamilyIPv6
)

// Spec is one iptables rule: table, chain and match/target arguments.
type Spec struct {
	Family Family
	Table  string
	Chain  string
	Args   []string
}

func (s Spec) String() string {
	return fmt.Sprintf("-t %s -A %s %v", s.Table, s.Chain, s.Args)
}

// hook is the builtin chain a rule chain is reached from. It decides which
// packet side is the device side.
type hook int

const (
	hookOut hook = iota
	hookIn
)

// MainJumps returns the jumps from the builtin chains into the appwall chains.
func MainJumps() []Spec {
	return []Spec{
		{Table: TableFilter, Chain: "OUTPUT", Args: []string{"-j", ChainOut}},
		{Table: TableFilter, Chain: "INPUT", Args: []string{"-j", ChainIn}},
	}
}

func RedirectJump() Spec {
	return Spec{Table: TableNAT, Chain: "OUTPUT", Args: []string{"-j", ChainRedirect}}
}

// BridgeExceptions keeps the loopback connection between inspector and
// daemon out of the queue.
func BridgeExceptions(port uint16) []Spec {
	p := strconv.Itoa(int(port))
	return []Spec{
		{Table: TableFilter, Chain: ChainOut, Args: []string{"-o", loopback, "-p", "tcp", "--dport", p, "-j", "RETURN"}},
		{Table: TableFilter, Chain: ChainOut, Args: []string{"-o", loopback, "-p", "tcp", "--sport", p, "-j", "RETURN"}},
		{Table: TableFilter, Chain: ChainIn, Args: []string{"-i", loopback, "-p", "tcp", "--dport", p, "-j", "RETURN"}},
		{Table: TableFilter, Chain: ChainIn, Args: []string{"-i", loopback, "-p", "tcp", "--sport", p, "-j", "RETURN"}},
	}
}

// Dispatch returns the fixed tail of the appwall chains: evaluate committed
// rules, then queue whatever carries an owner mark.
func Dispatch(queueNum uint16) []Spec {
	return []Spec{
		{Table: TableFilter, Chain: ChainOut, Args: []string{"-j", ChainRulesOut}},
		{Table: TableFilter, Chain: ChainOut, Args: []string{"-j", ChainQueue}},
		{Table: TableFilter, Chain: ChainIn, Args: []string{"-j", "CONNMARK", "--restore-mark"}},
		{Table: TableFilter, Chain: ChainIn, Args: []string{"-j", ChainRulesIn}},
		{Table: TableFilter, Chain: ChainIn, Args: []string{"-j", ChainQueue}},
		{Table: TableFilter, Chain: ChainQueue, Args: []string{"-j", "CONNMARK", "--restore-mark"}},
		{Table: TableFilter, Chain: ChainQueue, Args: []string{
			"-m", "mark", "!", "--mark", "0",
			"-j", "NFQUEUE", "--queue-num", strconv.Itoa(int(queueNum)), "--queue-bypass",
		}},
	}
}

// OwnerMark tags every connection opened by uid with the owner mark the
// inspector reports back as nf.mark.
func OwnerMark(uid, offset int) Spec {
	return Spec{Table: TableFilter, Chain: ChainOut, Args: []string{
		"-m", "owner", "--uid-owner", strconv.Itoa(uid),
		"-j", "CONNMARK", "--set-mark", strconv.Itoa(uid + offset),
	}}
}

// RuleSpecs translates r into the kernel rules enforcing it. Interactive
// rules send matching packets to the queue.
func RuleSpecs(r rules.Rule, cfg Config) ([]Spec, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	family, err := ruleFamily(r)
	if err != nil {
		return nil, err
	}

	var target []string
	switch {
	case r.Kind == rules.KindRedirect:
		target = []string{"-j", "ACCEPT"}
	case r.Policy == rules.Allow:
		target = []string{"-j", "ACCEPT"}
	case r.Policy == rules.Block:
		target = []string{"-j", "DROP"}
	default:
		target = []string{"-j", ChainQueue}
	}
	mark := strconv.Itoa(r.UserID + cfg.UIDMarkOffset)

	var specs []Spec
	for _, proto := range protocols(r.Protocols) {
		for _, dev := range devicePatterns(r.Devices, cfg) {
			for _, h := range []hook{hookOut, hookIn} {
				args := []string{"-p", proto, "-m", "connmark", "--mark", mark}
				args = append(args, matchArgs(r, proto, dev, h)...)
				args = append(args, target...)
				chain := ChainRulesOut
				if h == hookIn {
					chain = ChainRulesIn
				}
				specs = append(specs, Spec{Family: family, Table: TableFilter, Chain: chain, Args: args})
			}
			if r.Kind == rules.KindRedirect {
				// nat OUTPUT runs before the owner mark is set, so match the owner directly.
				args := []string{"-p", proto, "-m", "owner", "--uid-owner", strconv.Itoa(r.UserID)}
				args = append(args, matchArgs(r, proto, dev, hookOut)...)
				args = append(args, "-j", "DNAT", "--to-destination", r.Redirect.String())
				specs = append(specs, Spec{Family: family, Table: TableNAT, Chain: ChainRedirect, Args: args})
			}
		}
	}
	return specs, nil
}

func matchArgs(r rules.Rule, proto, dev string, h hook) []string {
	var args []string
	if dev != "" {
		if h == hookOut {
			args = append(args, "-o", dev)
		} else {
			args = append(args, "-i", dev)
		}
	}

	localPort, remoteIP, remotePort := "--sport", "-d", "--dport"
	if h == hookIn {
		localPort, remoteIP, remotePort = "--dport", "-s", "--sport"
	}
	if r.Remote.IP != "" {
		args = append(args, remoteIP, r.Remote.IP)
	}
	if r.Local.Port != 0 {
		args = append(args, localPort, strconv.Itoa(int(r.Local.Port)))
	}
	if r.Remote.Port != 0 {
		args = append(args, remotePort, strconv.Itoa(int(r.Remote.Port)))
	}

	if proto == "tcp" && r.Direction != rules.DirectionAny {
		// Outgoing packets of a locally opened connection travel in the
		// original direction; incoming ones in the reply direction.
		original := (r.Direction == rules.DirectionLocal) == (h == hookOut)
		dir := "REPLY"
		if original {
			dir = "ORIGINAL"
		}
		args = append(args, "-m", "conntrack", "--ctdir", dir)
	}
	return args
}

func protocols(f rules.ProtocolFilter) []string {
	var out []string
	if f&rules.FilterTCP != 0 {
		out = append(out, "tcp")
	}
	if f&rules.FilterUDP != 0 {
		out = append(out, "udp")
	}
	return out
}

// devicePatterns returns iptables interface wildcards for f. A single empty
// pattern means no interface match.
func devicePatterns(f rules.DeviceFilter, cfg Config) []string {
	if f == rules.DeviceAny {
		return []string{""}
	}
	var prefixes []string
	if f&rules.DeviceWiFi != 0 {
		prefixes = append(prefixes, cfg.WiFiPrefixes...)
	}
	if f&rules.DeviceCellular != 0 {
		prefixes = append(prefixes, cfg.CellularPrefixes...)
	}
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, p+"+")
	}
	return out
}

// ruleFamily picks the ip family addressed by the rule's concrete ips.
func ruleFamily(r rules.Rule) (Family, error) {
	family := FamilyAny
	for _, ip := range []string{r.Remote.IP, r.Redirect.IP} {
		if ip == "" {
			continue
		}
		f := FamilyIPv6
		if net.ParseIP(ip).To4() != nil {
			f = FamilyIPv4
		}
		if family != FamilyAny && family != f {
			return FamilyAny, fmt.Errorf("%w: mixed ip families in %s", rules.ErrInvalidRule, r)
		}
		family = f
	}
	return family, nil
}
