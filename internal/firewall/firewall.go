// Package firewall wires the bridge, rule engine, connection tracker,
// decision gate and table layer into one running firewall.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/micrictor/appwall/internal/bridge"
	"github.com/micrictor/appwall/internal/config"
	"github.com/micrictor/appwall/internal/conntrack"
	"github.com/micrictor/appwall/internal/gate"
	"github.com/micrictor/appwall/internal/iface"
	"github.com/micrictor/appwall/internal/metrics"
	"github.com/micrictor/appwall/internal/netfilter"
	"github.com/micrictor/appwall/internal/packet"
	"github.com/micrictor/appwall/internal/rules"
	"github.com/micrictor/appwall/internal/store"
	"github.com/sirupsen/logrus"
)

var ErrInvalidState = errors.New("invalid firewall state")

type State int

const (
	Stopped State = iota
	Running
	Paused
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	}
	return "stopped"
}

type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s while %s", e.Op, e.State)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// Store persists rules, watched users and the default policy.
type Store interface {
	Load() (store.State, error)
	Save(st store.State) error
}

type InterfaceResolver interface {
	Resolve(index int) iface.Info
}

type Config struct {
	BridgeAddr             string
	Greeting               string
	Reconnect              bool
	UIDMarkOffset          int
	DefaultPolicy          rules.Policy
	Timeout                time.Duration
	Fallback               packet.Action
	TrackerIdle            time.Duration
	MirrorInteractiveRules bool
	Watched                []int
	DiagnosticsSize        int
}

// ConfigFrom maps the application config onto the firewall config.
func ConfigFrom(c *config.AppConfig) Config {
	return Config{
		BridgeAddr:             c.Bridge.Addr(),
		Greeting:               c.Bridge.Greeting,
		Reconnect:              c.Bridge.Reconnect,
		UIDMarkOffset:          c.Firewall.UIDMarkOffset,
		DefaultPolicy:          c.DefaultPolicy,
		Timeout:                c.Interactive.Timeout,
		Fallback:               c.Fallback,
		TrackerIdle:            c.Tracker.IdleTimeout,
		MirrorInteractiveRules: c.Firewall.MirrorInteractiveRules,
		Watched:                c.Firewall.Watched,
	}
}

type Option func(f *Firewall)

func WithStore(s Store) Option {
	return func(f *Firewall) {
		f.store = s
	}
}

func WithInterfaceResolver(r InterfaceResolver) Option {
	return func(f *Firewall) {
		f.ifaces = r
	}
}

func WithApps(apps map[int]config.AppIdentity) Option {
	return func(f *Firewall) {
		f.apps = apps
	}
}

// WithBridgeHooks is called when an inspector connects or disconnects.
func WithBridgeHooks(onConnect, onDisconnect func()) Option {
	return func(f *Firewall) {
		f.onConnect = onConnect
		f.onDisconnect = onDisconnect
	}
}

// WithLocalAddrs sets the host address set the tracker uses to tell the
// device side of a flow.
func WithLocalAddrs(a conntrack.LocalAddrs) Option {
	return func(f *Firewall) {
		f.localAddrs = a
	}
}

// WithPendingHook is called for every packet held for an interactive decision.
func WithPendingHook(fn func(p *gate.Pending)) Option {
	return func(f *Firewall) {
		f.onPending = fn
	}
}

type Firewall struct {
	cfg        Config
	engine     *rules.Engine
	tracker    *conntrack.Tracker
	gate       *gate.Gate
	table      netfilter.Table
	ifaces     InterfaceResolver
	store      Store
	localAddrs conntrack.LocalAddrs
	apps       map[int]config.AppIdentity
	diag       *Diagnostics
	log        *logrus.Entry

	onConnect    func()
	onDisconnect func()
	onPending    func(p *gate.Pending)

	mu        sync.Mutex
	state     State
	restored  bool
	watched   map[int]bool
	bridge    *bridge.Bridge
	cancel    context.CancelFunc
	serveDone chan struct{}
}

func New(cfg Config, table netfilter.Table, opts ...Option) *Firewall {
	if cfg.DefaultPolicy == 0 {
		cfg.DefaultPolicy = rules.Allow
	}
	if cfg.Greeting == "" {
		cfg.Greeting = bridge.DefaultGreeting
	}
	if table == nil {
		table = netfilter.NewNop()
	}
	f := &Firewall{
		cfg:        cfg,
		engine:     rules.NewEngine(rules.NewRuleSet(), cfg.DefaultPolicy),
		table:      table,
		ifaces:     iface.NewResolver(nil, nil),
		localAddrs: iface.NewAddrs(iface.DefaultAddrsRefresh),
		apps:       map[int]config.AppIdentity{},
		diag:       NewDiagnostics(cfg.DiagnosticsSize),
		log:        logrus.WithField("component", "firewall"),
		watched:    make(map[int]bool),
	}
	for _, opt := range opts {
		opt(f)
	}
	for _, uid := range cfg.Watched {
		f.watched[uid] = true
	}
	f.tracker = conntrack.NewTracker(cfg.TrackerIdle, conntrack.WithLocalAddrs(f.localAddrs))
	f.gate = gate.New(cfg.Timeout, cfg.Fallback,
		gate.WithOpenHook(f.pendingOpened),
		gate.WithAnswerHook(f.pendingAnswered),
	)
	return f
}

// HandlePacket classifies one decoded query and answers it, either at once
// or through the decision gate.
func (f *Firewall) HandlePacket(p *packet.Packet, r bridge.Responder) {
	info := f.ifaces.Resolve(p.DeviceIndex())
	p.Attach(info.Name, p.Mark-f.cfg.UIDMarkOffset)

	conn := f.tracker.Resolve(p)
	f.tracker.Update(conn, p)

	res := f.engine.Decide(p, conn, info.Class)
	f.log.Debugf("%s on %s (%s): %s", p, info.Name, info.Class, res)

	v, ok := res.Verdict()
	if !ok {
		f.gate.Open(p, conn, r)
		return
	}
	source := metrics.SourceDefault
	if res.Rule != nil {
		source = metrics.SourceRule
	}
	if v.Action == packet.Block {
		r.Block()
	} else {
		r.Accept()
	}
	metrics.VerdictsTotal.WithLabelValues(v.Action.String(), source).Inc()
}

func (f *Firewall) pendingOpened(p *gate.Pending) {
	f.log.Infof("decision %s pending for uid %d: %s", p.ID, p.Packet.UserID, p.Packet)
	if f.onPending != nil {
		f.onPending(p)
	}
}

func (f *Firewall) pendingAnswered(p *gate.Pending, o gate.Outcome) {
	source := metrics.SourceInteractive
	if o.Source != gate.SourceUser {
		source = metrics.SourceTimeout
	}
	metrics.VerdictsTotal.WithLabelValues(o.Action.String(), source).Inc()
}

// Start programs the table layer and starts the bridge. Starting a running
// firewall does nothing.
func (f *Firewall) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Stopped {
		return nil
	}

	if !f.restored {
		if err := f.restore(); err != nil {
			return err
		}
		f.restored = true
	}
	if err := f.program(); err != nil {
		if terr := f.table.Teardown(); terr != nil {
			f.log.Warnf("teardown after failed start: %v", terr)
		}
		return err
	}

	b, err := bridge.New(f.cfg.BridgeAddr, f,
		bridge.WithGreeting(f.cfg.Greeting),
		bridge.WithReconnect(f.cfg.Reconnect),
		bridge.WithErrorReporter(f.diag.For("bridge")),
		bridge.WithConnectHooks(f.connected, f.disconnected),
	)
	if err == nil {
		err = b.Listen()
	}
	if err != nil {
		if terr := f.table.Teardown(); terr != nil {
			f.log.Warnf("teardown after failed start: %v", terr)
		}
		return err
	}

	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := b.Serve(serveCtx); err != nil {
			f.log.Errorf("bridge failed: %v", err)
			f.diag.For("bridge").ReportError("bridge failed", err)
		}
	}()

	f.bridge = b
	f.cancel = cancel
	f.serveDone = done
	f.state = Running
	f.log.Infof("firewall running, bridge on %s", b.Addr())
	return nil
}

func (f *Firewall) restore() error {
	if f.store == nil {
		return nil
	}
	st, err := f.store.Load()
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	if st.Policy != 0 {
		if err := f.engine.SetDefaultPolicy(st.Policy); err != nil {
			return err
		}
	}
	for _, uid := range st.Watched {
		f.watched[uid] = true
	}
	for _, r := range st.Rules {
		if err := f.engine.Rules().Add(r); err != nil {
			f.log.Warnf("skipping stored rule %s: %v", r, err)
		}
	}
	f.log.Infof("restored %d rules and %d watched apps", f.engine.Rules().Len(), len(f.watched))
	return nil
}

func (f *Firewall) program() error {
	if err := f.table.Setup(); err != nil {
		return fmt.Errorf("table setup: %w", err)
	}
	if err := f.table.EnableRedirection(); err != nil {
		return fmt.Errorf("enable redirection: %w", err)
	}
	for _, uid := range f.watchedLocked() {
		if err := f.table.SetUserWatched(uid, true); err != nil {
			return fmt.Errorf("watch uid %d: %w", uid, err)
		}
	}
	for _, r := range f.engine.Rules().All() {
		if !f.mirrored(r) {
			continue
		}
		if err := f.table.Commit(r); err != nil {
			return fmt.Errorf("commit %s: %w", r, err)
		}
	}
	return f.table.SetMainJumpsEnabled(true)
}

// mirrored reports whether r is programmed into the table layer.
func (f *Firewall) mirrored(r rules.Rule) bool {
	return r.Kind == rules.KindRedirect || r.Policy != rules.Interactive || f.cfg.MirrorInteractiveRules
}

// Stop removes the table rules, disconnects the bridge and applies the
// fallback to every pending decision.
func (f *Firewall) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == Stopped {
		return nil
	}

	err := f.table.Teardown()
	if err != nil {
		f.log.Errorf("teardown: %v", err)
		f.diag.For("netfilter").ReportError("teardown failed", err)
	}
	if derr := f.bridge.Disconnect(); derr != nil {
		f.log.Warnf("bridge disconnect: %v", derr)
	}
	f.cancel()
	<-f.serveDone
	f.gate.Drain()

	f.bridge = nil
	f.state = Stopped
	f.log.Info("firewall stopped")
	return err
}

// SetPaused toggles the main jumps without touching rules or the bridge.
func (f *Firewall) SetPaused(paused bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := "resume"
	if paused {
		op = "pause"
	}
	if f.state == Stopped {
		return &InvalidStateError{Op: op, State: f.state}
	}
	if err := f.table.SetMainJumpsEnabled(!paused); err != nil {
		return err
	}
	if paused {
		f.state = Paused
	} else {
		f.state = Running
	}
	f.log.Infof("firewall %s", f.state)
	return nil
}

func (f *Firewall) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// BridgeAddr returns the bound bridge address, or nil while stopped.
func (f *Firewall) BridgeAddr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bridge == nil {
		return nil
	}
	return f.bridge.Addr()
}

func (f *Firewall) BridgeConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bridge != nil && f.bridge.Connected()
}

func (f *Firewall) connected() {
	if f.onConnect != nil {
		f.onConnect()
	}
}

func (f *Firewall) disconnected() {
	if f.onDisconnect != nil {
		f.onDisconnect()
	}
}

func (f *Firewall) active() bool {
	return f.state != Stopped
}

// AddRule adds r to the rule set, programs it when the firewall is active and
// persists the result. On failure the rule set and table are left unchanged.
func (f *Firewall) AddRule(r rules.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.engine.Rules().Add(r); err != nil {
		return err
	}
	if f.active() && f.mirrored(r) {
		if err := f.table.Commit(r); err != nil {
			if rerr := f.engine.Rules().Remove(r); rerr != nil {
				f.log.Warnf("rollback of %s: %v", r, rerr)
			}
			f.log.Errorf("commit %s: %v", r, err)
			f.diag.For("netfilter").ReportError("commit failed", err)
			return fmt.Errorf("commit %s: %w", r, err)
		}
	}
	if err := f.persist(); err != nil {
		if rerr := f.engine.Rules().Remove(r); rerr != nil {
			f.log.Warnf("rollback of %s: %v", r, rerr)
		}
		if f.active() && f.mirrored(r) {
			if rerr := f.table.Revoke(r); rerr != nil {
				f.log.Warnf("rollback of %s: %v", r, rerr)
			}
		}
		return err
	}
	f.log.Infof("added rule for uid %d: %s", r.UserID, r)
	return nil
}

// RemoveRule is the inverse of AddRule and restores the rule, in place, when
// saving fails.
func (f *Firewall) RemoveRule(r rules.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.engine.Rules().Rules(r.UserID)
	if err := f.engine.Rules().Remove(r); err != nil {
		return err
	}
	revoked := false
	if f.active() && f.mirrored(r) {
		if err := f.table.Revoke(r); err != nil {
			f.log.Errorf("revoke %s: %v", r, err)
			f.diag.For("netfilter").ReportError("revoke failed", err)
		} else {
			revoked = true
		}
	}
	if err := f.persist(); err != nil {
		f.engine.Rules().Replace(r.UserID, prev)
		if revoked {
			if rerr := f.table.Commit(r); rerr != nil {
				f.log.Warnf("rollback of %s: %v", r, rerr)
			}
		}
		return err
	}
	f.log.Infof("removed rule for uid %d: %s", r.UserID, r)
	return nil
}

// Rules returns the rules of uid, or every rule when uid is negative.
func (f *Firewall) Rules(uid int) []rules.Rule {
	if uid < 0 {
		return f.engine.Rules().All()
	}
	return f.engine.Rules().Rules(uid)
}

func (f *Firewall) DefaultPolicy() rules.Policy {
	return f.engine.DefaultPolicy()
}

func (f *Firewall) SetDefaultPolicy(p rules.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.engine.SetDefaultPolicy(p); err != nil {
		return err
	}
	f.log.Infof("default policy %s", p)
	return f.persist()
}

func (f *Firewall) SetUserWatched(uid int, watched bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watched[uid] == watched {
		return nil
	}
	if f.active() {
		if err := f.table.SetUserWatched(uid, watched); err != nil {
			return fmt.Errorf("watch uid %d: %w", uid, err)
		}
	}
	if watched {
		f.watched[uid] = true
	} else {
		delete(f.watched, uid)
	}
	return f.persist()
}

func (f *Firewall) Watched() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watchedLocked()
}

func (f *Firewall) watchedLocked() []int {
	uids := make([]int, 0, len(f.watched))
	for uid := range f.watched {
		uids = append(uids, uid)
	}
	sort.Ints(uids)
	return uids
}

func (f *Firewall) persist() error {
	if f.store == nil {
		return nil
	}
	st := store.State{
		Policy:  f.engine.DefaultPolicy(),
		Watched: f.watchedLocked(),
		Rules:   f.engine.Rules().All(),
	}
	if err := f.store.Save(st); err != nil {
		f.log.Errorf("saving rules: %v", err)
		f.diag.For("store").ReportError("saving rules failed", err)
		return fmt.Errorf("save rules: %w", err)
	}
	return nil
}

func (f *Firewall) Pending() []*gate.Pending {
	return f.gate.List()
}

func (f *Firewall) Identity(uid int) (config.AppIdentity, bool) {
	id, ok := f.apps[uid]
	return id, ok
}

func (f *Firewall) Diagnostics() *Diagnostics {
	return f.diag
}

// ReportError records an error reported by a collaborator.
func (f *Firewall) ReportError(msg string, err error) {
	f.log.WithError(err).Error(msg)
	f.diag.For("firewall").ReportError(msg, err)
}

// Answer resolves a pending decision. With createRule set, a rule for the
// packet's local port and remote endpoint is added after the verdict was
// delivered; redirect turns that rule into a redirect rule.
func (f *Firewall) Answer(id string, accept, createRule bool, redirect *packet.Endpoint) error {
	pd, err := f.gate.Get(id)
	if err != nil {
		return err
	}
	var r rules.Rule
	if createRule {
		if redirect != nil && !accept {
			return fmt.Errorf("%w: redirect requires accept", rules.ErrInvalidRule)
		}
		if r, err = ruleFor(pd, accept, redirect); err != nil {
			return err
		}
	}

	if accept {
		err = pd.Accept()
	} else {
		err = pd.Block()
	}
	if err != nil || !createRule {
		return err
	}
	if err := f.AddRule(r); err != nil && !errors.Is(err, rules.ErrDuplicateRule) {
		return err
	}
	return nil
}

func ruleFor(pd *gate.Pending, accept bool, redirect *packet.Endpoint) (rules.Rule, error) {
	p := pd.Packet
	protocols := rules.FilterTCP
	if p.Protocol == packet.UDP {
		protocols = rules.FilterUDP
	}
	v := conntrack.ViewOf(p)
	if pd.Conn != nil {
		v = pd.Conn.View(p)
	}
	local := packet.Endpoint{Port: v.Local.Port}
	remote := v.Remote
	if redirect != nil {
		return rules.NewRedirectRule(p.UserID, protocols, rules.DeviceAny, local, remote, *redirect)
	}
	policy := rules.Block
	if accept {
		policy = rules.Allow
	}
	return rules.NewPolicyRule(p.UserID, protocols, rules.DeviceAny, local, remote, policy)
}

// Status is a snapshot of the firewall for the control API.
type Status struct {
	State           string `json:"state"`
	Policy          string `json:"policy"`
	BridgeConnected bool   `json:"bridge_connected"`
	Rules           int    `json:"rules"`
	Watched         []int  `json:"watched"`
	Pending         int    `json:"pending"`
	Connections     int    `json:"connections"`
}

func (f *Firewall) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Status{
		State:           f.state.String(),
		Policy:          f.engine.DefaultPolicy().String(),
		BridgeConnected: f.bridge != nil && f.bridge.Connected(),
		Rules:           f.engine.Rules().Len(),
		Watched:         f.watchedLocked(),
		Pending:         f.gate.Len(),
		Connections:     f.tracker.Len(),
	}
}
