// Package gate holds packets whose verdict needs a human decision. Each
// pending decision is answered exactly once, either by a caller or by the
// fallback timer.
package gate

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/micrictor/appwall/internal/conntrack"
	"github.com/micrictor/appwall/internal/metrics"
	"github.com/micrictor/appwall/internal/packet"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownDecision = errors.New("unknown pending decision")
	ErrAlreadyAnswered = errors.New("decision already answered")
)

// Responder delivers the verdict for the held packet.
type Responder interface {
	Accept() bool
	Block() bool
}

type Source int

const (
	SourceUser Source = iota + 1
	SourceTimeout
	SourceShutdown
)

func (s Source) String() string {
	switch s {
	case SourceUser:
		return "user"
	case SourceTimeout:
		return "timeout"
	case SourceShutdown:
		return "shutdown"
	}
	return "unknown"
}

type Outcome struct {
	Action packet.Action
	Source Source
	Waited time.Duration
}

type Option func(g *Gate)

// WithOpenHook registers fn to be called for every new pending decision,
// before its timer is armed.
func WithOpenHook(fn func(p *Pending)) Option {
	return func(g *Gate) {
		g.onOpen = fn
	}
}

// WithAnswerHook registers fn to be called once per decision after its
// verdict was delivered.
func WithAnswerHook(fn func(p *Pending, o Outcome)) Option {
	return func(g *Gate) {
		g.onAnswer = fn
	}
}

type Gate struct {
	timeout  time.Duration
	fallback packet.Action
	onOpen   func(p *Pending)
	onAnswer func(p *Pending, o Outcome)
	log      *logrus.Entry

	mu      sync.Mutex
	pending map[string]*Pending
}

func New(timeout time.Duration, fallback packet.Action, opts ...Option) *Gate {
	if fallback != packet.Block {
		fallback = packet.Accept
	}
	g := &Gate{
		timeout:  timeout,
		fallback: fallback,
		log:      logrus.WithField("component", "gate"),
		pending:  make(map[string]*Pending),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) Timeout() time.Duration {
	return g.timeout
}

func (g *Gate) Fallback() packet.Action {
	return g.fallback
}

// Open registers a pending decision for p and arms its fallback timer. It
// does not block.
func (g *Gate) Open(p *packet.Packet, conn *conntrack.Connection, r Responder) *Pending {
	now := time.Now()
	pd := &Pending{
		ID:       uuid.NewString(),
		Packet:   p,
		Conn:     conn,
		Fallback: g.fallback,
		Created:  now,
		Deadline: now.Add(g.timeout),
		g:        g,
		resp:     r,
		done:     make(chan struct{}),
	}

	g.mu.Lock()
	g.pending[pd.ID] = pd
	g.mu.Unlock()
	metrics.PendingDecisions.Inc()
	g.log.Debugf("decision %s pending for %s, fallback %s in %s", pd.ID, p, pd.Fallback, g.timeout)

	if g.onOpen != nil {
		g.onOpen(pd)
	}

	pd.mu.Lock()
	pd.timer = time.AfterFunc(g.timeout, pd.expire)
	pd.mu.Unlock()
	return pd
}

func (g *Gate) Get(id string) (*Pending, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pd, ok := g.pending[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDecision, id)
	}
	return pd, nil
}

// List returns the outstanding decisions, oldest first.
func (g *Gate) List() []*Pending {
	g.mu.Lock()
	list := make([]*Pending, 0, len(g.pending))
	for _, pd := range g.pending {
		list = append(list, pd)
	}
	g.mu.Unlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].Created.Before(list[j].Created)
	})
	return list
}

func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gate) Accept(id string) error {
	pd, err := g.Get(id)
	if err != nil {
		return err
	}
	return pd.Accept()
}

func (g *Gate) Block(id string) error {
	pd, err := g.Get(id)
	if err != nil {
		return err
	}
	return pd.Block()
}

// Drain answers every outstanding decision with its fallback.
func (g *Gate) Drain() {
	for _, pd := range g.List() {
		_ = pd.answer(pd.Fallback, SourceShutdown)
	}
}

func (g *Gate) remove(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}

// Pending is one held packet. The exported fields are fixed at creation.
type Pending struct {
	ID       string
	Packet   *packet.Packet
	Conn     *conntrack.Connection
	Fallback packet.Action
	Created  time.Time
	Deadline time.Time

	g        *Gate
	resp     Responder
	answered atomic.Bool
	done     chan struct{}
	outcome  Outcome

	mu    sync.Mutex
	timer *time.Timer
}

func (p *Pending) Accept() error {
	return p.answer(packet.Accept, SourceUser)
}

func (p *Pending) Block() error {
	return p.answer(packet.Block, SourceUser)
}

func (p *Pending) Answered() bool {
	return p.answered.Load()
}

// Done is closed once the verdict was delivered.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Outcome reports how the decision was answered; ok is false while pending.
func (p *Pending) Outcome() (o Outcome, ok bool) {
	select {
	case <-p.done:
		return p.outcome, true
	default:
		return Outcome{}, false
	}
}

func (p *Pending) expire() {
	if err := p.answer(p.Fallback, SourceTimeout); err == nil {
		p.g.log.Infof("decision %s timed out, applied %s", p.ID, p.Fallback)
	}
}

func (p *Pending) answer(a packet.Action, src Source) error {
	if !p.answered.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrAlreadyAnswered, p.ID)
	}

	// Blocks until Open has stored the timer, so a timer that fires
	// immediately still finds it set.
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	p.outcome = Outcome{Action: a, Source: src, Waited: time.Since(p.Created)}
	if p.resp != nil {
		if a == packet.Block {
			p.resp.Block()
		} else {
			p.resp.Accept()
		}
	}

	p.g.remove(p.ID)
	metrics.PendingDecisions.Dec()
	metrics.InteractiveWaitSeconds.Observe(p.outcome.Waited.Seconds())
	close(p.done)

	if p.g.onAnswer != nil {
		p.g.onAnswer(p, p.outcome)
	}
	return nil
}
