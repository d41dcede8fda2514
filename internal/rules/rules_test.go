package rules

import (
	"errors"
	"sync"
	"testing"

	"github.com/micrictor/appwall/internal/conntrack"
	"github.com/micrictor/appwall/internal/iface"
	"github.com/micrictor/appwall/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = 1000

func httpPacket() *packet.Packet {
	p := &packet.Packet{
		Protocol:     packet.TCP,
		Source:       packet.Endpoint{IP: "10.0.0.2", Port: 35251},
		Destination:  packet.Endpoint{IP: "93.184.216.34", Port: 80},
		InputDevice:  packet.NoDevice,
		OutputDevice: 1,
	}
	p.Attach("wlan0", owner)
	return p
}

func mustPolicy(t *testing.T, remote packet.Endpoint, policy Policy) Rule {
	t.Helper()
	r, err := NewPolicyRule(owner, FilterTCPUDP, DeviceAny, packet.Endpoint{}, remote, policy)
	require.NoError(t, err)
	return r
}

func TestValidate(t *testing.T) {
	valid := Rule{Kind: KindPolicy, UserID: owner, Protocols: FilterTCP, Devices: DeviceAny, Policy: Block}
	require.NoError(t, valid.Validate())

	testCases := []struct {
		name   string
		mutate func(r *Rule)
	}{
		{"no protocol", func(r *Rule) { r.Protocols = 0 }},
		{"no device", func(r *Rule) { r.Devices = 0 }},
		{"bad policy", func(r *Rule) { r.Policy = 0 }},
		{"bad kind", func(r *Rule) { r.Kind = 0 }},
		{"bad remote ip", func(r *Rule) { r.Remote.IP = "google.de" }},
		{"bad direction", func(r *Rule) { r.Direction = 7 }},
		{"policy with redirect", func(r *Rule) { r.Redirect = packet.Endpoint{IP: "10.0.0.1", Port: 1} }},
		{"redirect without port", func(r *Rule) {
			r.Kind, r.Policy = KindRedirect, 0
			r.Redirect = packet.Endpoint{IP: "10.0.0.1"}
		}},
		{"redirect without ip", func(r *Rule) {
			r.Kind, r.Policy = KindRedirect, 0
			r.Redirect = packet.Endpoint{Port: 8080}
		}},
	}
	for _, tc := range testCases {
		r := valid
		tc.mutate(&r)
		err := r.Validate()
		assert.ErrorIs(t, err, ErrInvalidRule, tc.name)
	}
}

func TestNewRedirectRule(t *testing.T) {
	_, err := NewRedirectRule(owner, FilterTCP, DeviceWiFi, packet.Endpoint{}, packet.Endpoint{Port: 80}, packet.Endpoint{IP: "10.0.0.9"})
	assert.ErrorIs(t, err, ErrInvalidRule)

	r, err := NewRedirectRule(owner, FilterTCP, DeviceWiFi, packet.Endpoint{}, packet.Endpoint{Port: 80}, packet.Endpoint{IP: "10.0.0.9", Port: 8080})
	require.NoError(t, err)
	assert.Equal(t, KindRedirect, r.Kind)
}

func TestFilterConstructors(t *testing.T) {
	_, err := ProtocolFilterOf(false, false)
	assert.ErrorIs(t, err, ErrInvalidRule)
	f, err := ProtocolFilterOf(true, true)
	require.NoError(t, err)
	assert.Equal(t, FilterTCPUDP, f)

	_, err = DeviceFilterOf(false, false)
	assert.ErrorIs(t, err, ErrInvalidRule)
	d, err := DeviceFilterOf(false, true)
	require.NoError(t, err)
	assert.Equal(t, DeviceCellular, d)
}

func TestMatches(t *testing.T) {
	p := httpPacket()
	base := mustPolicy(t, packet.Endpoint{}, Block)

	testCases := []struct {
		name   string
		mutate func(r *Rule)
		class  iface.Class
		want   bool
	}{
		{"match all", func(r *Rule) {}, iface.ClassWiFi, true},
		{"other owner", func(r *Rule) { r.UserID = 1001 }, iface.ClassWiFi, false},
		{"udp only", func(r *Rule) { r.Protocols = FilterUDP }, iface.ClassWiFi, false},
		{"cellular only on wifi", func(r *Rule) { r.Devices = DeviceCellular }, iface.ClassWiFi, false},
		{"wifi only on wifi", func(r *Rule) { r.Devices = DeviceWiFi }, iface.ClassWiFi, true},
		{"wifi only on other", func(r *Rule) { r.Devices = DeviceWiFi }, iface.ClassOther, false},
		{"any device on other", func(r *Rule) {}, iface.ClassOther, true},
		{"remote port", func(r *Rule) { r.Remote.Port = 80 }, iface.ClassWiFi, true},
		{"remote port mismatch", func(r *Rule) { r.Remote.Port = 443 }, iface.ClassWiFi, false},
		{"remote ip", func(r *Rule) { r.Remote.IP = "93.184.216.34" }, iface.ClassWiFi, true},
		{"remote ip mismatch", func(r *Rule) { r.Remote.IP = "1.1.1.1" }, iface.ClassWiFi, false},
		{"local ip ignored", func(r *Rule) { r.Local.IP = "127.0.0.1" }, iface.ClassWiFi, true},
		{"local port", func(r *Rule) { r.Local.Port = 35251 }, iface.ClassWiFi, true},
		{"local port mismatch", func(r *Rule) { r.Local.Port = 1 }, iface.ClassWiFi, false},
	}
	for _, tc := range testCases {
		r := base
		tc.mutate(&r)
		assert.Equal(t, tc.want, r.Matches(p, conntrack.ViewOf(p), tc.class), tc.name)
	}
}

func TestMatchesInboundUsesDeviceSide(t *testing.T) {
	p := httpPacket()
	p.Source, p.Destination = p.Destination, p.Source
	p.InputDevice, p.OutputDevice = 1, packet.NoDevice

	r := mustPolicy(t, packet.Endpoint{IP: "93.184.216.34", Port: 80}, Block)
	r.Local.Port = 35251
	assert.True(t, r.Matches(p, conntrack.ViewOf(p), iface.ClassWiFi))
}

func view(p *packet.Packet, dir conntrack.Direction) conntrack.View {
	v := conntrack.ViewOf(p)
	v.Direction = dir
	return v
}

func TestDirectionFilter(t *testing.T) {
	tcp := httpPacket()
	udp := httpPacket()
	udp.Protocol = packet.UDP

	remote := mustPolicy(t, packet.Endpoint{}, Block)
	remote.Direction = DirectionRemote
	local := remote
	local.Direction = DirectionLocal

	assert.True(t, remote.Matches(tcp, view(tcp, conntrack.RemoteInitiated), iface.ClassWiFi))
	assert.False(t, remote.Matches(tcp, view(tcp, conntrack.LocalInitiated), iface.ClassWiFi))
	assert.True(t, local.Matches(tcp, view(tcp, conntrack.LocalInitiated), iface.ClassWiFi))
	assert.False(t, local.Matches(tcp, view(tcp, conntrack.RemoteInitiated), iface.ClassWiFi))
	assert.True(t, remote.Matches(tcp, view(tcp, conntrack.DirectionUnknown), iface.ClassWiFi))
	assert.True(t, remote.Matches(udp, view(udp, conntrack.LocalInitiated), iface.ClassWiFi), "udp has no direction")
}

func TestDirectionThroughTracker(t *testing.T) {
	tr := conntrack.NewTracker(0)
	engine := NewEngine(nil, Allow)
	r := mustPolicy(t, packet.Endpoint{}, Block)
	r.Direction = DirectionRemote
	require.NoError(t, engine.Rules().Add(r))

	// Device opens the connection: SYN out, SYN-ACK in.
	syn := httpPacket()
	syn.TCP.Flags.SYN = true
	c := tr.Resolve(syn)
	tr.Update(c, syn)
	assert.Equal(t, Allow, engine.Decide(syn, c, iface.ClassWiFi).Policy)

	synAck := httpPacket()
	synAck.Source, synAck.Destination = syn.Destination, syn.Source
	synAck.InputDevice, synAck.OutputDevice = 1, packet.NoDevice
	synAck.TCP.Flags.SYN, synAck.TCP.Flags.ACK = true, true
	tr.Update(c, synAck)
	assert.Equal(t, Allow, engine.Decide(synAck, c, iface.ClassWiFi).Policy)

	// Remote opens a connection to a listening port on the device.
	in := httpPacket()
	in.Source = packet.Endpoint{IP: "93.184.216.34", Port: 5555}
	in.Destination = packet.Endpoint{IP: "10.0.0.2", Port: 8080}
	in.InputDevice, in.OutputDevice = 1, packet.NoDevice
	in.TCP.Flags.SYN = true
	c2 := tr.Resolve(in)
	tr.Update(c2, in)
	assert.Equal(t, Block, engine.Decide(in, c2, iface.ClassWiFi).Policy)
}

func TestRuleSetDuplicate(t *testing.T) {
	rs := NewRuleSet()
	r := mustPolicy(t, packet.Endpoint{Port: 80}, Block)
	require.NoError(t, rs.Add(r))
	err := rs.Add(r)
	assert.True(t, errors.Is(err, ErrDuplicateRule))
	assert.Equal(t, 1, rs.Len())

	other := r
	other.Policy = Allow
	require.NoError(t, rs.Add(other))
	assert.Equal(t, []Rule{r, other}, rs.Rules(owner))
}

func TestRuleSetRejectsInvalid(t *testing.T) {
	rs := NewRuleSet()
	err := rs.Add(Rule{Kind: KindPolicy, UserID: owner, Policy: Block})
	assert.ErrorIs(t, err, ErrInvalidRule)
	assert.Zero(t, rs.Len())
}

func TestRuleSetRemove(t *testing.T) {
	rs := NewRuleSet()
	a := mustPolicy(t, packet.Endpoint{Port: 80}, Block)
	b := mustPolicy(t, packet.Endpoint{Port: 443}, Allow)
	require.NoError(t, rs.Add(a))
	require.NoError(t, rs.Add(b))

	require.NoError(t, rs.Remove(a))
	assert.Equal(t, []Rule{b}, rs.Rules(owner))
	assert.ErrorIs(t, rs.Remove(a), ErrRuleNotFound)

	require.NoError(t, rs.Remove(b))
	assert.Empty(t, rs.Users())
}

func TestRuleSetUsersAndAll(t *testing.T) {
	rs := NewRuleSet()
	r2 := mustPolicy(t, packet.Endpoint{}, Allow)
	r2.UserID = 2000
	r1 := mustPolicy(t, packet.Endpoint{}, Block)
	require.NoError(t, rs.Add(r2))
	require.NoError(t, rs.Add(r1))
	assert.Equal(t, []int{owner, 2000}, rs.Users())
	assert.Equal(t, []Rule{r1, r2}, rs.All())
}

func TestDecideDefaultPolicy(t *testing.T) {
	for _, policy := range []Policy{Allow, Block, Interactive} {
		engine := NewEngine(nil, policy)
		res := engine.Decide(httpPacket(), nil, iface.ClassWiFi)
		assert.Nil(t, res.Rule)
		assert.Equal(t, policy, res.Policy)
	}

	// Rules of other owners are never consulted.
	engine := NewEngine(nil, Allow)
	r := mustPolicy(t, packet.Endpoint{}, Block)
	r.UserID = 2000
	require.NoError(t, engine.Rules().Add(r))
	assert.Equal(t, Allow, engine.Decide(httpPacket(), nil, iface.ClassWiFi).Policy)
}

func TestDecideFirstMatchWins(t *testing.T) {
	engine := NewEngine(nil, Allow)
	require.NoError(t, engine.Rules().Add(mustPolicy(t, packet.Endpoint{Port: 443}, Allow)))
	block := mustPolicy(t, packet.Endpoint{Port: 80}, Block)
	require.NoError(t, engine.Rules().Add(block))
	require.NoError(t, engine.Rules().Add(mustPolicy(t, packet.Endpoint{}, Allow)))

	res := engine.Decide(httpPacket(), nil, iface.ClassWiFi)
	require.NotNil(t, res.Rule)
	assert.Equal(t, block, *res.Rule)
	v, ok := res.Verdict()
	require.True(t, ok)
	assert.Equal(t, packet.Block, v.Action)
}

func TestDecideRedirect(t *testing.T) {
	engine := NewEngine(nil, Block)
	target := packet.Endpoint{IP: "10.0.0.9", Port: 8080}
	r, err := NewRedirectRule(owner, FilterTCP, DeviceAny, packet.Endpoint{}, packet.Endpoint{Port: 80}, target)
	require.NoError(t, err)
	require.NoError(t, engine.Rules().Add(r))

	res := engine.Decide(httpPacket(), nil, iface.ClassWiFi)
	v, ok := res.Verdict()
	require.True(t, ok)
	assert.Equal(t, packet.Accept, v.Action)
	require.NotNil(t, v.Redirect)
	assert.Equal(t, target, *v.Redirect)
}

func TestDecideInteractiveHasNoVerdict(t *testing.T) {
	engine := NewEngine(nil, Interactive)
	res := engine.Decide(httpPacket(), nil, iface.ClassWiFi)
	assert.True(t, res.Interactive())
	_, ok := res.Verdict()
	assert.False(t, ok)
}

func TestSetDefaultPolicy(t *testing.T) {
	engine := NewEngine(nil, Allow)
	require.NoError(t, engine.SetDefaultPolicy(Block))
	assert.Equal(t, Block, engine.DefaultPolicy())
	assert.ErrorIs(t, engine.SetDefaultPolicy(9), ErrInvalidRule)
	assert.Equal(t, Block, engine.DefaultPolicy())
}

func TestConcurrentAddAndDecide(t *testing.T) {
	engine := NewEngine(nil, Allow)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for port := uint16(1); port <= 200; port++ {
			r, _ := NewPolicyRule(owner, FilterTCPUDP, DeviceAny, packet.Endpoint{}, packet.Endpoint{Port: port}, Block)
			_ = engine.Rules().Add(r)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			engine.Decide(httpPacket(), nil, iface.ClassWiFi)
		}
	}()
	wg.Wait()
	assert.Equal(t, Block, engine.Decide(httpPacket(), nil, iface.ClassWiFi).Policy)
}

func TestParseRoundTrip(t *testing.T) {
	for _, p := range []Policy{Allow, Block, Interactive} {
		got, err := ParsePolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	for _, f := range []ProtocolFilter{FilterTCP, FilterUDP, FilterTCPUDP} {
		got, err := ParseProtocolFilter(f.String())
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}
	for _, f := range []DeviceFilter{DeviceWiFi, DeviceCellular, DeviceAny} {
		got, err := ParseDeviceFilter(f.String())
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}
	for _, d := range []DirectionFilter{DirectionAny, DirectionLocal, DirectionRemote} {
		got, err := ParseDirectionFilter(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
	_, err := ParsePolicy("maybe")
	assert.ErrorIs(t, err, ErrInvalidRule)
}
