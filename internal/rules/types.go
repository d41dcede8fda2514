package rules

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/micrictor/appwall/internal/conntrack"
	"github.com/micrictor/appwall/internal/iface"
	"github.com/micrictor/appwall/internal/packet"
)

var (
	ErrInvalidRule   = errors.New("invalid rule")
	ErrDuplicateRule = errors.New("rule already exists")
	ErrRuleNotFound  = errors.New("rule not found")
)

type Kind int

const (
	KindPolicy Kind = iota + 1
	KindRedirect
)

type Policy int

const (
	Allow Policy = iota + 1
	Block
	Interactive
)

// ProtocolFilter and DeviceFilter are bit sets; the zero value selects nothing
// and is rejected by Validate.
type ProtocolFilter uint8

const (
	FilterTCP ProtocolFilter = 1 << iota
	FilterUDP

	FilterTCPUDP = FilterTCP | FilterUDP
)

type DeviceFilter uint8

const (
	DeviceWiFi DeviceFilter = 1 << iota
	DeviceCellular

	DeviceAny = DeviceWiFi | DeviceCellular
)

type DirectionFilter int

const (
	DirectionAny DirectionFilter = iota
	DirectionLocal
	DirectionRemote
)

// Rule is a tagged variant: Policy is used by KindPolicy rules, Redirect by
// KindRedirect rules. Rules are values; the RuleSet stores copies.
type Rule struct {
	Kind      Kind
	UserID    int
	Protocols ProtocolFilter
	Devices   DeviceFilter
	Local     packet.Endpoint
	Remote    packet.Endpoint
	Direction DirectionFilter
	Policy    Policy
	Redirect  packet.Endpoint
}

func NewPolicyRule(uid int, protocols ProtocolFilter, devices DeviceFilter, local, remote packet.Endpoint, policy Policy) (Rule, error) {
	r := Rule{
		Kind:      KindPolicy,
		UserID:    uid,
		Protocols: protocols,
		Devices:   devices,
		Local:     local,
		Remote:    remote,
		Policy:    policy,
	}
	return r, r.Validate()
}

func NewRedirectRule(uid int, protocols ProtocolFilter, devices DeviceFilter, local, remote, target packet.Endpoint) (Rule, error) {
	r := Rule{
		Kind:      KindRedirect,
		UserID:    uid,
		Protocols: protocols,
		Devices:   devices,
		Local:     local,
		Remote:    remote,
		Redirect:  target,
	}
	return r, r.Validate()
}

// Validate rejects rules the matching engine must never see.
func (r Rule) Validate() error {
	if r.UserID < 0 {
		return fmt.Errorf("%w: negative owner uid %d", ErrInvalidRule, r.UserID)
	}
	if r.Protocols == 0 || r.Protocols&^FilterTCPUDP != 0 {
		return fmt.Errorf("%w: at least one protocol has to be specified", ErrInvalidRule)
	}
	if r.Devices == 0 || r.Devices&^DeviceAny != 0 {
		return fmt.Errorf("%w: at least one device has to be specified", ErrInvalidRule)
	}
	if r.Direction < DirectionAny || r.Direction > DirectionRemote {
		return fmt.Errorf("%w: unknown direction filter %d", ErrInvalidRule, r.Direction)
	}
	if r.Local.IP != "" && net.ParseIP(r.Local.IP) == nil {
		return fmt.Errorf("%w: local ip %q", ErrInvalidRule, r.Local.IP)
	}
	if r.Remote.IP != "" && net.ParseIP(r.Remote.IP) == nil {
		return fmt.Errorf("%w: remote ip %q", ErrInvalidRule, r.Remote.IP)
	}

	switch r.Kind {
	case KindPolicy:
		if r.Policy < Allow || r.Policy > Interactive {
			return fmt.Errorf("%w: unknown policy %d", ErrInvalidRule, r.Policy)
		}
		if r.Redirect != (packet.Endpoint{}) {
			return fmt.Errorf("%w: policy rule carries a redirect target", ErrInvalidRule)
		}
	case KindRedirect:
		if r.Redirect.IP == "" || r.Redirect.Port == 0 {
			return fmt.Errorf("%w: ip or port missing for redirection target %s", ErrInvalidRule, r.Redirect)
		}
		if net.ParseIP(r.Redirect.IP) == nil {
			return fmt.Errorf("%w: redirection target ip %q", ErrInvalidRule, r.Redirect.IP)
		}
		if r.Policy != 0 {
			return fmt.Errorf("%w: redirect rule carries a policy", ErrInvalidRule)
		}
	default:
		return fmt.Errorf("%w: unknown rule kind %d", ErrInvalidRule, r.Kind)
	}
	return nil
}

// Matches reports whether every filter of r accepts the packet seen through v.
// The local ip is ignored: the device's own address is not a stable
// discriminator.
func (r Rule) Matches(p *packet.Packet, v conntrack.View, class iface.Class) bool {
	if p.UserID != r.UserID {
		return false
	}
	if !r.Protocols.Includes(p.Protocol) {
		return false
	}
	if !r.Devices.Includes(class) {
		return false
	}
	if !endpointMatches(r.Local, v.Local, true) || !endpointMatches(r.Remote, v.Remote, false) {
		return false
	}
	return r.directionMatches(p, v.Direction)
}

func (r Rule) directionMatches(p *packet.Packet, dir conntrack.Direction) bool {
	if r.Direction == DirectionAny || p.Protocol != packet.TCP {
		return true
	}
	// Flows whose handshake was never observed cannot be attributed.
	switch dir {
	case conntrack.LocalInitiated:
		return r.Direction == DirectionLocal
	case conntrack.RemoteInitiated:
		return r.Direction == DirectionRemote
	default:
		return true
	}
}

func endpointMatches(filter, e packet.Endpoint, ignoreIP bool) bool {
	if !ignoreIP && filter.IP != "" && filter.IP != e.IP {
		a, b := net.ParseIP(filter.IP), net.ParseIP(e.IP)
		if a == nil || b == nil || !a.Equal(b) {
			return false
		}
	}
	return filter.Port == 0 || filter.Port == e.Port
}

func (r Rule) String() string {
	s := fmt.Sprintf("%s -> %s { [%s] uid=%d device=%s direction=%s }", r.Local, r.Remote, r.Protocols, r.UserID, r.Devices, r.Direction)
	if r.Kind == KindRedirect {
		return s + fmt.Sprintf(" { redirect=%s }", r.Redirect)
	}
	return s + fmt.Sprintf(" { policy=%s }", r.Policy)
}

func (f ProtocolFilter) Includes(p packet.Protocol) bool {
	switch p {
	case packet.TCP:
		return f&FilterTCP != 0
	case packet.UDP:
		return f&FilterUDP != 0
	}
	return false
}

// Includes treats DeviceAny as "no device constraint", so it also admits
// interfaces that are neither wifi nor cellular.
func (f DeviceFilter) Includes(c iface.Class) bool {
	switch {
	case f == DeviceAny:
		return true
	case c == iface.ClassWiFi:
		return f&DeviceWiFi != 0
	case c == iface.ClassCellular:
		return f&DeviceCellular != 0
	}
	return false
}

// ProtocolFilterOf builds a filter from two switches; selecting neither is an error.
func ProtocolFilterOf(tcp, udp bool) (ProtocolFilter, error) {
	var f ProtocolFilter
	if tcp {
		f |= FilterTCP
	}
	if udp {
		f |= FilterUDP
	}
	if f == 0 {
		return 0, fmt.Errorf("%w: at least one protocol has to be specified", ErrInvalidRule)
	}
	return f, nil
}

func DeviceFilterOf(wifi, cellular bool) (DeviceFilter, error) {
	var f DeviceFilter
	if wifi {
		f |= DeviceWiFi
	}
	if cellular {
		f |= DeviceCellular
	}
	if f == 0 {
		return 0, fmt.Errorf("%w: at least one device has to be specified", ErrInvalidRule)
	}
	return f, nil
}

func (k Kind) String() string {
	switch k {
	case KindPolicy:
		return "policy"
	case KindRedirect:
		return "redirect"
	}
	return "unknown"
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "policy", "":
		return KindPolicy, nil
	case "redirect":
		return KindRedirect, nil
	}
	return 0, fmt.Errorf("%w: unknown rule kind %q", ErrInvalidRule, s)
}

func (p Policy) String() string {
	switch p {
	case Allow:
		return "allow"
	case Block:
		return "block"
	case Interactive:
		return "interactive"
	}
	return "unknown"
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "allow", "accept":
		return Allow, nil
	case "block", "drop":
		return Block, nil
	case "interactive", "ask":
		return Interactive, nil
	}
	return 0, fmt.Errorf("%w: unknown policy %q", ErrInvalidRule, s)
}

func (f ProtocolFilter) String() string {
	switch f {
	case FilterTCP:
		return "tcp"
	case FilterUDP:
		return "udp"
	case FilterTCPUDP:
		return "tcp+udp"
	}
	return "none"
}

func ParseProtocolFilter(s string) (ProtocolFilter, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return FilterTCP, nil
	case "udp":
		return FilterUDP, nil
	case "tcp+udp", "both", "any", "":
		return FilterTCPUDP, nil
	}
	return 0, fmt.Errorf("%w: unknown protocol filter %q", ErrInvalidRule, s)
}

func (f DeviceFilter) String() string {
	switch f {
	case DeviceWiFi:
		return "wifi"
	case DeviceCellular:
		return "cellular"
	case DeviceAny:
		return "any"
	}
	return "none"
}

func ParseDeviceFilter(s string) (DeviceFilter, error) {
	switch strings.ToLower(s) {
	case "wifi":
		return DeviceWiFi, nil
	case "cellular", "umts":
		return DeviceCellular, nil
	case "any", "either", "":
		return DeviceAny, nil
	}
	return 0, fmt.Errorf("%w: unknown device filter %q", ErrInvalidRule, s)
}

func (d DirectionFilter) String() string {
	switch d {
	case DirectionLocal:
		return "local"
	case DirectionRemote:
		return "remote"
	}
	return "any"
}

func ParseDirectionFilter(s string) (DirectionFilter, error) {
	switch strings.ToLower(s) {
	case "any", "":
		return DirectionAny, nil
	case "local", "local-initiated":
		return DirectionLocal, nil
	case "remote", "remote-initiated":
		return DirectionRemote, nil
	}
	return 0, fmt.Errorf("%w: unknown direction filter %q", ErrInvalidRule, s)
}
