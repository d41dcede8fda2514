// Package netfilter programs the packet filter so that traffic of watched
// applications is marked with its owner and queued to the inspector, and so
// that committed rules are enforced in the kernel without a round trip.
package netfilter

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/micrictor/appwall/internal/rules"
	"github.com/sirupsen/logrus"
)

const (
	BackendIPTables = "iptables"
	BackendNFTables = "nftables"
	BackendNone     = "none"
)

var ErrUnsupported = errors.New("table backend not supported on this platform")

// Table is the table-programming collaborator of the firewall.
type Table interface {
	// Setup creates the appwall chains. It is idempotent.
	Setup() error
	EnableRedirection() error
	// SetMainJumpsEnabled hooks the appwall chains into the builtin chains.
	// Disabling them pauses filtering without losing state.
	SetMainJumpsEnabled(enabled bool) error
	SetUserWatched(uid int, watched bool) error
	Commit(r rules.Rule) error
	Revoke(r rules.Rule) error
	// Teardown removes every chain and jump Setup created.
	Teardown() error
}

// Tracer observes each privileged table command and its result.
type Tracer func(cmd string, err error)

type Config struct {
	QueueNum         uint16
	BridgePort       uint16
	UIDMarkOffset    int
	WiFiPrefixes     []string
	CellularPrefixes []string
}

type Option func(o *options)

type options struct {
	tracer Tracer
	log    *logrus.Entry
}

func WithTracer(t Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

func buildOptions(opts []Option) options {
	o := options{log: logrus.WithField("component", "netfilter")}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) trace(cmd string, err error) {
	if err != nil {
		o.log.Errorf("%s: %v", cmd, err)
	} else {
		o.log.Debug(cmd)
	}
	if o.tracer != nil {
		o.tracer(cmd, err)
	}
}

// New returns the table backend named by backend.
func New(backend string, cfg Config, opts ...Option) (Table, error) {
	switch strings.ToLower(backend) {
	case BackendIPTables, "":
		return newIPTables(cfg, buildOptions(opts))
	case BackendNFTables:
		return newNFTables(cfg, buildOptions(opts))
	case BackendNone:
		return NewNop(opts...), nil
	}
	return nil, fmt.Errorf("unknown table backend %q", backend)
}

// Nop keeps the requested table state in memory without touching the
// kernel. It backs the "none" backend and tests.
type Nop struct {
	// FailCommit, when set, is returned by Commit.
	FailCommit error

	o options

	mu        sync.Mutex
	setup     bool
	redirect  bool
	jumps     bool
	watched   map[int]bool
	committed []rules.Rule
}

func NewNop(opts ...Option) *Nop {
	return &Nop{o: buildOptions(opts), watched: make(map[int]bool)}
}

func (n *Nop) Setup() error {
	n.mu.Lock()
	n.setup = true
	n.mu.Unlock()
	n.o.trace("setup", nil)
	return nil
}

func (n *Nop) EnableRedirection() error {
	n.mu.Lock()
	n.redirect = true
	n.mu.Unlock()
	n.o.trace("enable redirection", nil)
	return nil
}

func (n *Nop) SetMainJumpsEnabled(enabled bool) error {
	n.mu.Lock()
	n.jumps = enabled
	n.mu.Unlock()
	n.o.trace(fmt.Sprintf("main jumps enabled=%t", enabled), nil)
	return nil
}

func (n *Nop) SetUserWatched(uid int, watched bool) error {
	n.mu.Lock()
	if watched {
		n.watched[uid] = true
	} else {
		delete(n.watched, uid)
	}
	n.mu.Unlock()
	n.o.trace(fmt.Sprintf("uid %d watched=%t", uid, watched), nil)
	return nil
}

func (n *Nop) Commit(r rules.Rule) error {
	n.mu.Lock()
	err := n.FailCommit
	if err == nil {
		n.committed = append(n.committed, r)
	}
	n.mu.Unlock()
	n.o.trace("commit "+r.String(), err)
	return err
}

func (n *Nop) Revoke(r rules.Rule) error {
	n.mu.Lock()
	for i, c := range n.committed {
		if c == r {
			n.committed = append(n.committed[:i:i], n.committed[i+1:]...)
			break
		}
	}
	n.mu.Unlock()
	n.o.trace("revoke "+r.String(), nil)
	return nil
}

func (n *Nop) Teardown() error {
	n.mu.Lock()
	n.setup, n.redirect, n.jumps = false, false, false
	n.watched = make(map[int]bool)
	n.committed = nil
	n.mu.Unlock()
	n.o.trace("teardown", nil)
	return nil
}

func (n *Nop) JumpsEnabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.jumps
}

func (n *Nop) Watched(uid int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.watched[uid]
}

func (n *Nop) Committed() []rules.Rule {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]rules.Rule(nil), n.committed...)
}

func (n *Nop) IsSetup() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.setup
}

func (n *Nop) RedirectionEnabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.redirect
}
