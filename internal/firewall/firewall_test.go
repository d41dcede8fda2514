package firewall

import (
	"bufio"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/micrictor/appwall/internal/bridge"
	"github.com/micrictor/appwall/internal/gate"
	"github.com/micrictor/appwall/internal/iface"
	"github.com/micrictor/appwall/internal/netfilter"
	"github.com/micrictor/appwall/internal/packet"
	"github.com/micrictor/appwall/internal/rules"
	"github.com/micrictor/appwall/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOffset = 10000

type wifiResolver struct{}

func (wifiResolver) Resolve(index int) iface.Info {
	return iface.Info{Index: index, Name: "wlan0", Class: iface.ClassWiFi}
}

func testConfig() Config {
	return Config{
		BridgeAddr:    "127.0.0.1:0",
		Reconnect:     true,
		UIDMarkOffset: testOffset,
		DefaultPolicy: rules.Allow,
		Timeout:       time.Second,
		Fallback:      packet.Accept,
	}
}

func startFirewall(t *testing.T, cfg Config, table netfilter.Table, opts ...Option) *Firewall {
	t.Helper()
	opts = append([]Option{WithInterfaceResolver(wifiResolver{})}, opts...)
	f := New(cfg, table, opts...)
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(func() { f.Stop() })
	return f
}

type inspector struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialInspector(t *testing.T, f *Firewall) *inspector {
	t.Helper()
	conn, err := net.DialTimeout("tcp", f.BridgeAddr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	in := &inspector{t: t, conn: conn, r: bufio.NewReader(conn)}
	in.send("hello")
	assert.Equal(t, bridge.EncodeComment(bridge.DefaultGreeting), in.read())
	return in
}

func (in *inspector) send(line string) {
	in.t.Helper()
	_, err := in.conn.Write([]byte(line + "\n"))
	require.NoError(in.t, err)
}

func (in *inspector) read() string {
	in.t.Helper()
	require.NoError(in.t, in.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := in.r.ReadString('\n')
	require.NoError(in.t, err)
	return strings.TrimRight(line, "\n")
}

func outgoingSYN(uid int, dstPort uint16) *packet.Packet {
	return &packet.Packet{
		Protocol:     packet.TCP,
		Source:       packet.Endpoint{IP: "192.168.1.20", Port: 40000},
		Destination:  packet.Endpoint{IP: "93.184.216.34", Port: dstPort},
		InputDevice:  packet.NoDevice,
		OutputDevice: 3,
		Mark:         testOffset + uid,
		Length:       60,
		TCP:          packet.TCPHeader{Seq: 1, Flags: packet.Flags{SYN: true}},
	}
}

func TestDefaultPolicyAccepts(t *testing.T) {
	f := startFirewall(t, testConfig(), netfilter.NewNop())
	in := dialInspector(t, f)

	in.send(bridge.EncodeQuery(outgoingSYN(1000, 443)))
	assert.Equal(t, bridge.EncodeResponse(packet.Accept), in.read())
}

func TestBlockRuleDrops(t *testing.T) {
	f := startFirewall(t, testConfig(), netfilter.NewNop())
	r, err := rules.NewPolicyRule(1000, rules.FilterTCP, rules.DeviceAny, packet.Endpoint{}, packet.Endpoint{Port: 80}, rules.Block)
	require.NoError(t, err)
	require.NoError(t, f.AddRule(r))

	in := dialInspector(t, f)
	in.send(bridge.EncodeQuery(outgoingSYN(1000, 80)))
	assert.Equal(t, bridge.EncodeResponse(packet.Block), in.read())

	// Another app is not affected.
	in.send(bridge.EncodeQuery(outgoingSYN(1001, 80)))
	assert.Equal(t, bridge.EncodeResponse(packet.Accept), in.read())
}

func TestInteractiveFallback(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultPolicy = rules.Interactive
	cfg.Timeout = 50 * time.Millisecond
	f := startFirewall(t, cfg, netfilter.NewNop())
	in := dialInspector(t, f)

	start := time.Now()
	in.send(bridge.EncodeQuery(outgoingSYN(1000, 443)))
	assert.Equal(t, bridge.EncodeResponse(packet.Accept), in.read())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Empty(t, f.Pending())
}

// httpQuery is a web request of uid 1000 queued on the input hook of device 1.
func httpQuery() *packet.Packet {
	return &packet.Packet{
		Protocol:     packet.TCP,
		Source:       packet.Endpoint{IP: "10.0.0.2", Port: 35251},
		Destination:  packet.Endpoint{IP: "93.184.216.34", Port: 80},
		InputDevice:  1,
		OutputDevice: packet.NoDevice,
		Mark:         testOffset + 1000,
	}
}

func TestHTTPQueryVerdicts(t *testing.T) {
	t.Run("default allow", func(t *testing.T) {
		f := startFirewall(t, testConfig(), netfilter.NewNop())
		in := dialInspector(t, f)
		in.send(bridge.EncodeQuery(httpQuery()))
		assert.Equal(t, bridge.EncodeResponse(packet.Accept), in.read())
	})

	t.Run("block remote port", func(t *testing.T) {
		f := startFirewall(t, testConfig(), netfilter.NewNop())
		r, err := rules.NewPolicyRule(1000, rules.FilterTCP, rules.DeviceAny, packet.Endpoint{}, packet.Endpoint{Port: 80}, rules.Block)
		require.NoError(t, err)
		require.NoError(t, f.AddRule(r))

		in := dialInspector(t, f)
		in.send(bridge.EncodeQuery(httpQuery()))
		assert.Equal(t, bridge.EncodeResponse(packet.Block), in.read())
	})

	t.Run("interactive timeout", func(t *testing.T) {
		cfg := testConfig()
		cfg.Timeout = 50 * time.Millisecond
		f := startFirewall(t, cfg, netfilter.NewNop())
		r, err := rules.NewPolicyRule(1000, rules.FilterTCPUDP, rules.DeviceAny, packet.Endpoint{}, packet.Endpoint{}, rules.Interactive)
		require.NoError(t, err)
		require.NoError(t, f.AddRule(r))

		in := dialInspector(t, f)
		start := time.Now()
		in.send(bridge.EncodeQuery(httpQuery()))
		assert.Equal(t, bridge.EncodeResponse(packet.Accept), in.read())
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})
}

func TestMalformedQueryIsReported(t *testing.T) {
	f := startFirewall(t, testConfig(), netfilter.NewNop())
	in := dialInspector(t, f)

	in.send("#Packet.QueryAction##ip.protocol=6#")
	assert.Equal(t, bridge.EncodeResponse(packet.Accept), in.read())
	reports := f.Diagnostics().Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "bridge", reports[0].Component)
}

func TestAnswerCreatesRule(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultPolicy = rules.Interactive
	cfg.Timeout = time.Minute
	st := store.NewFileStore(filepath.Join(t.TempDir(), "rules.yaml"))
	opened := make(chan *gate.Pending, 1)
	f := startFirewall(t, cfg, netfilter.NewNop(), WithStore(st), WithPendingHook(func(p *gate.Pending) { opened <- p }))
	in := dialInspector(t, f)

	in.send(bridge.EncodeQuery(outgoingSYN(1000, 443)))
	var pd *gate.Pending
	select {
	case pd = <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("no pending decision")
	}
	require.NoError(t, f.Answer(pd.ID, false, true, nil))
	assert.Equal(t, bridge.EncodeResponse(packet.Block), in.read())
	assert.ErrorIs(t, f.Answer(pd.ID, true, false, nil), gate.ErrUnknownDecision)

	got := f.Rules(1000)
	require.Len(t, got, 1)
	assert.Equal(t, rules.Block, got[0].Policy)
	assert.Equal(t, packet.Endpoint{IP: "93.184.216.34", Port: 443}, got[0].Remote)
	assert.Equal(t, packet.Endpoint{Port: 40000}, got[0].Local)

	// The created rule now answers without asking.
	in.send(bridge.EncodeQuery(outgoingSYN(1000, 443)))
	assert.Equal(t, bridge.EncodeResponse(packet.Block), in.read())

	saved, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, got, saved.Rules)
}

func TestAnswerRedirectRequiresAccept(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultPolicy = rules.Interactive
	cfg.Timeout = time.Minute
	opened := make(chan *gate.Pending, 1)
	f := startFirewall(t, cfg, netfilter.NewNop(), WithPendingHook(func(p *gate.Pending) { opened <- p }))
	in := dialInspector(t, f)
	in.send(bridge.EncodeQuery(outgoingSYN(1000, 443)))
	pd := <-opened

	target := &packet.Endpoint{IP: "127.0.0.1", Port: 8443}
	assert.ErrorIs(t, f.Answer(pd.ID, false, true, target), rules.ErrInvalidRule)
	assert.False(t, pd.Answered())

	require.NoError(t, f.Answer(pd.ID, true, true, target))
	assert.Equal(t, bridge.EncodeResponse(packet.Accept), in.read())
	got := f.Rules(1000)
	require.Len(t, got, 1)
	assert.Equal(t, rules.KindRedirect, got[0].Kind)
}

func TestStateMachine(t *testing.T) {
	table := netfilter.NewNop()
	f := New(testConfig(), table, WithInterfaceResolver(wifiResolver{}))

	err := f.SetPaused(true)
	assert.ErrorIs(t, err, ErrInvalidState)
	var ise *InvalidStateError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, Stopped, ise.State)
	assert.NoError(t, f.Stop())

	require.NoError(t, f.Start(context.Background()))
	assert.Equal(t, Running, f.State())
	assert.True(t, table.IsSetup())
	assert.True(t, table.RedirectionEnabled())
	assert.True(t, table.JumpsEnabled())
	require.NoError(t, f.Start(context.Background()))

	require.NoError(t, f.SetPaused(true))
	assert.Equal(t, Paused, f.State())
	assert.False(t, table.JumpsEnabled())
	require.NoError(t, f.SetPaused(false))
	assert.Equal(t, Running, f.State())
	assert.True(t, table.JumpsEnabled())

	require.NoError(t, f.Stop())
	assert.Equal(t, Stopped, f.State())
	assert.False(t, table.IsSetup())
	assert.Nil(t, f.BridgeAddr())

	// A stopped firewall can be started again.
	require.NoError(t, f.Start(context.Background()))
	require.NoError(t, f.Stop())
}

func TestStartRestoresStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	block, err := rules.NewPolicyRule(1000, rules.FilterTCP, rules.DeviceAny, packet.Endpoint{}, packet.Endpoint{Port: 80}, rules.Block)
	require.NoError(t, err)
	ask, err := rules.NewPolicyRule(1000, rules.FilterUDP, rules.DeviceAny, packet.Endpoint{}, packet.Endpoint{Port: 53}, rules.Interactive)
	require.NoError(t, err)
	require.NoError(t, store.NewFileStore(path).Save(store.State{
		Policy:  rules.Block,
		Watched: []int{1000},
		Rules:   []rules.Rule{block, ask},
	}))

	table := netfilter.NewNop()
	f := startFirewall(t, testConfig(), table, WithStore(store.NewFileStore(path)))
	assert.Equal(t, rules.Block, f.DefaultPolicy())
	assert.Equal(t, []int{1000}, f.Watched())
	assert.True(t, table.Watched(1000))
	assert.Len(t, f.Rules(-1), 2)
	assert.Equal(t, []rules.Rule{block}, table.Committed(), "interactive rules stay out of the table")
}

func TestMirrorInteractiveRules(t *testing.T) {
	cfg := testConfig()
	cfg.MirrorInteractiveRules = true
	table := netfilter.NewNop()
	f := startFirewall(t, cfg, table)

	ask, err := rules.NewPolicyRule(1000, rules.FilterUDP, rules.DeviceAny, packet.Endpoint{}, packet.Endpoint{Port: 53}, rules.Interactive)
	require.NoError(t, err)
	require.NoError(t, f.AddRule(ask))
	assert.Equal(t, []rules.Rule{ask}, table.Committed())

	require.NoError(t, f.RemoveRule(ask))
	assert.Empty(t, table.Committed())
	assert.ErrorIs(t, f.RemoveRule(ask), rules.ErrRuleNotFound)
}

func TestAddRuleRollsBackFailedCommit(t *testing.T) {
	table := netfilter.NewNop()
	table.FailCommit = errors.New("iptables: exit status 1")
	f := startFirewall(t, testConfig(), table)

	r, err := rules.NewPolicyRule(1000, rules.FilterTCP, rules.DeviceAny, packet.Endpoint{}, packet.Endpoint{Port: 80}, rules.Block)
	require.NoError(t, err)
	assert.Error(t, f.AddRule(r))
	assert.Empty(t, f.Rules(1000))
	assert.Equal(t, 1, f.Diagnostics().Len())
}

type flakyStore struct {
	mu    sync.Mutex
	fail  error
	saved store.State
}

func (s *flakyStore) Load() (store.State, error) {
	return store.State{}, nil
}

func (s *flakyStore) Save(st store.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.saved = st
	return nil
}

func (s *flakyStore) setFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func TestRuleChangesRollBackFailedSave(t *testing.T) {
	table := netfilter.NewNop()
	st := &flakyStore{}
	f := startFirewall(t, testConfig(), table, WithStore(st))

	block := func(port uint16) rules.Rule {
		r, err := rules.NewPolicyRule(1000, rules.FilterTCP, rules.DeviceAny, packet.Endpoint{}, packet.Endpoint{Port: port}, rules.Block)
		require.NoError(t, err)
		return r
	}
	r80, r443, r22 := block(80), block(443), block(22)
	require.NoError(t, f.AddRule(r80))
	require.NoError(t, f.AddRule(r443))

	st.setFail(errors.New("disk full"))
	assert.Error(t, f.AddRule(r22))
	assert.Equal(t, []rules.Rule{r80, r443}, f.Rules(1000))
	assert.ElementsMatch(t, []rules.Rule{r80, r443}, table.Committed())

	assert.Error(t, f.RemoveRule(r80))
	assert.Equal(t, []rules.Rule{r80, r443}, f.Rules(1000), "order is kept")
	assert.ElementsMatch(t, []rules.Rule{r80, r443}, table.Committed())

	st.setFail(nil)
	require.NoError(t, f.AddRule(r22))
	require.NoError(t, f.RemoveRule(r80))
	assert.Equal(t, []rules.Rule{r443, r22}, st.saved.Rules)
}

type hostAddrs map[string]bool

func (h hostAddrs) IsLocal(ip string) bool {
	return h[ip]
}

func TestInboundFirstPacketUsesHostAddresses(t *testing.T) {
	f := startFirewall(t, testConfig(), netfilter.NewNop(), WithLocalAddrs(hostAddrs{"10.0.0.2": true}))
	r, err := rules.NewPolicyRule(1000, rules.FilterTCP, rules.DeviceAny, packet.Endpoint{}, packet.Endpoint{Port: 80}, rules.Block)
	require.NoError(t, err)
	require.NoError(t, f.AddRule(r))

	// A reply of a flow that was already open when the app became watched.
	p := httpQuery()
	p.Source, p.Destination = p.Destination, p.Source
	p.TCP = packet.TCPHeader{Seq: 7, Ack: 3, Flags: packet.Flags{ACK: true, PSH: true}}

	in := dialInspector(t, f)
	in.send(bridge.EncodeQuery(p))
	assert.Equal(t, bridge.EncodeResponse(packet.Block), in.read())
}

func TestStopAppliesFallback(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultPolicy = rules.Interactive
	cfg.Timeout = time.Minute
	cfg.Fallback = packet.Block
	opened := make(chan *gate.Pending, 1)
	f := New(cfg, netfilter.NewNop(), WithInterfaceResolver(wifiResolver{}), WithPendingHook(func(p *gate.Pending) { opened <- p }))
	require.NoError(t, f.Start(context.Background()))
	in := dialInspector(t, f)

	in.send(bridge.EncodeQuery(outgoingSYN(1000, 443)))
	pd := <-opened
	require.NoError(t, f.Stop())

	o, ok := pd.Outcome()
	require.True(t, ok)
	assert.Equal(t, packet.Block, o.Action)
	assert.Equal(t, gate.SourceShutdown, o.Source)
}

func TestSetUserWatched(t *testing.T) {
	table := netfilter.NewNop()
	st := store.NewFileStore(filepath.Join(t.TempDir(), "rules.yaml"))
	f := startFirewall(t, testConfig(), table, WithStore(st))

	require.NoError(t, f.SetUserWatched(1005, true))
	assert.True(t, table.Watched(1005))
	require.NoError(t, f.SetDefaultPolicy(rules.Block))

	saved, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, []int{1005}, saved.Watched)
	assert.Equal(t, rules.Block, saved.Policy)

	require.NoError(t, f.SetUserWatched(1005, false))
	assert.False(t, table.Watched(1005))
	assert.Empty(t, f.Watched())
}

func TestDiagnosticsRing(t *testing.T) {
	d := NewDiagnostics(2)
	r := d.For("bridge")
	r.ReportError("one", errors.New("a"))
	r.ReportError("two", nil)
	r.ReportError("three", errors.New("c"))

	got := d.Reports()
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Message)
	assert.Empty(t, got[0].Error)
	assert.Equal(t, "three", got[1].Message)
	assert.Equal(t, "c", got[1].Error)
}
