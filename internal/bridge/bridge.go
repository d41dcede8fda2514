// Package bridge speaks the line protocol of the netfilter queue inspector.
// It accepts one inspector connection at a time, decodes packet queries and
// writes one verdict per query.
package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/micrictor/appwall/internal/metrics"
	"github.com/micrictor/appwall/internal/packet"
	"github.com/sirupsen/logrus"
)

const DefaultGreeting = "appwall says hello."

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

var (
	ErrPortUnavailable = errors.New("bridge port unavailable")
	ErrSessionClosed   = errors.New("bridge session closed")
	ErrStopped         = errors.New("bridge stopped")
)

// Responder answers a single packet query. Only the first Accept or Block
// call writes a verdict; later calls return false.
type Responder interface {
	Accept() bool
	Block() bool
	Answered() bool
}

type PacketHandler interface {
	HandlePacket(p *packet.Packet, r Responder)
}

type PacketHandlerFunc func(p *packet.Packet, r Responder)

func (f PacketHandlerFunc) HandlePacket(p *packet.Packet, r Responder) {
	f(p, r)
}

// ErrorReporter receives decode failures.
type ErrorReporter interface {
	ReportError(msg string, err error)
}

type Option func(b *Bridge)

func WithGreeting(text string) Option {
	return func(b *Bridge) {
		b.greeting = text
	}
}

// WithReconnect controls whether the bridge listens for a new inspector after
// the current one disconnects. Enabled by default.
func WithReconnect(reconnect bool) Option {
	return func(b *Bridge) {
		b.reconnect = reconnect
	}
}

func WithErrorReporter(r ErrorReporter) Option {
	return func(b *Bridge) {
		b.reporter = r
	}
}

func WithConnectHooks(onConnect, onDisconnect func()) Option {
	return func(b *Bridge) {
		b.onConnect = onConnect
		b.onDisconnect = onDisconnect
	}
}

type Bridge struct {
	addr         string
	handler      PacketHandler
	greeting     string
	reconnect    bool
	reporter     ErrorReporter
	onConnect    func()
	onDisconnect func()
	log          *logrus.Entry
	listen       func(addr string) (net.Listener, error)

	mu      sync.Mutex
	ln      net.Listener
	session *session
	stopped bool

	connected atomic.Bool
}

// New checks that addr can be bound and returns an unstarted bridge.
func New(addr string, handler PacketHandler, opts ...Option) (*Bridge, error) {
	b := &Bridge{
		addr:      addr,
		handler:   handler,
		greeting:  DefaultGreeting,
		reconnect: true,
		log:       logrus.WithField("component", "bridge"),
		listen:    listenTCP,
	}
	for _, opt := range opts {
		opt(b)
	}

	probe, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPortUnavailable, addr, err)
	}
	if err := probe.Close(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPortUnavailable, addr, err)
	}
	return b, nil
}

func listenTCP(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// Listen binds the listening socket. Serve calls it if needed.
func (b *Bridge) Listen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrStopped
	}
	if b.ln != nil {
		return nil
	}
	ln, err := b.listen(b.addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPortUnavailable, b.addr, err)
	}
	b.ln = ln
	b.log.Infof("listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (b *Bridge) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

func (b *Bridge) Connected() bool {
	return b.connected.Load()
}

// Serve accepts inspector connections one at a time until ctx is done,
// Disconnect is called, or, with reconnect disabled, the first session ends.
// Accept failures are retried with backoff until the bridge is stopped.
func (b *Bridge) Serve(ctx context.Context) error {
	if err := b.Listen(); err != nil {
		if errors.Is(err, ErrStopped) {
			return nil
		}
		return err
	}
	b.mu.Lock()
	ln := b.ln
	b.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			b.Disconnect()
		case <-done:
		}
	}()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if b.isStopped() {
				return nil
			}
			delay *= 2
			if delay == 0 {
				delay = minAcceptDelay
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			b.log.Warnf("accept: %v; retrying in %s", err, delay)
			if b.reporter != nil {
				b.reporter.ReportError("accept failed", err)
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				b.Disconnect()
				return nil
			}
			continue
		}
		delay = 0

		s := b.open(conn)
		if s == nil {
			return nil
		}
		s.run()
		b.close(s)

		if !b.reconnect || b.isStopped() {
			b.log.Debug("communication loop terminated")
			b.Disconnect()
			return nil
		}
		b.log.Debug("client disconnected, waiting for a new inspector")
	}
}

func (b *Bridge) open(conn net.Conn) *session {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		conn.Close()
		return nil
	}
	s := newSession(b, conn)
	b.session = s
	b.mu.Unlock()

	b.connected.Store(true)
	metrics.BridgeConnected.Set(1)
	b.log.Infof("inspector connected from %s", conn.RemoteAddr())
	if b.onConnect != nil {
		b.onConnect()
	}
	return s
}

func (b *Bridge) close(s *session) {
	s.close()
	b.mu.Lock()
	if b.session == s {
		b.session = nil
	}
	b.mu.Unlock()

	b.connected.Store(false)
	metrics.BridgeConnected.Set(0)
	b.log.Infof("inspector %s disconnected", s.conn.RemoteAddr())
	if b.onDisconnect != nil {
		b.onDisconnect()
	}
}

func (b *Bridge) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// Disconnect closes the active session and the listener. The bridge does not
// accept connections afterwards.
func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil
	}
	b.stopped = true

	var err error
	if b.session != nil {
		b.session.close()
	}
	if b.ln != nil {
		err = b.ln.Close()
	}
	return err
}

type session struct {
	b    *Bridge
	conn net.Conn
	log  *logrus.Entry

	wmu    sync.Mutex
	w      *bufio.Writer
	closed atomic.Bool
}

func newSession(b *Bridge, conn net.Conn) *session {
	return &session{
		b:    b,
		conn: conn,
		log:  b.log.WithField("peer", conn.RemoteAddr().String()),
		w:    bufio.NewWriter(conn),
	}
}

func (s *session) run() {
	scanner := bufio.NewScanner(s.conn)
	first := true
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		s.log.Tracef("raw message received: %s", line)

		if first {
			first = false
			if err := s.send(EncodeComment(s.b.greeting)); err != nil {
				s.log.Warnf("sending greeting: %v", err)
				return
			}
			continue
		}
		s.handle(line)
	}
	if err := scanner.Err(); err != nil && !s.closed.Load() {
		s.log.Warnf("connection closed with error: %v", err)
	}
}

func (s *session) handle(line string) {
	switch Classify(line) {
	case KindQuery:
		p, err := DecodeQuery(line)
		if err != nil {
			s.log.Errorf("error while decoding message: %v", err)
			metrics.DecodeErrorsTotal.Inc()
			if s.b.reporter != nil {
				s.b.reporter.ReportError("error while decoding message: "+line, err)
			}
			// Never leave the inspector blocked on a query it sent.
			r := &responder{s: s}
			if r.answer(packet.Accept) {
				metrics.VerdictsTotal.WithLabelValues(packet.Accept.String(), metrics.SourceError).Inc()
			}
			return
		}
		metrics.PacketsTotal.WithLabelValues(p.Protocol.String()).Inc()
		s.log.Debugf("decoded packet: %s", p)
		s.b.handler.HandlePacket(p, &responder{s: s})
	case KindComment:
		s.log.Debugf("comment received: %s", strings.TrimPrefix(line, PrefixComment))
	default:
		s.log.Errorf("unknown message format: %s", line)
	}
}

func (s *session) send(line string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.log.Tracef("send: %s", line)
	if _, err := s.w.WriteString(line + "\n"); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *session) close() {
	if s.closed.CompareAndSwap(false, true) {
		s.conn.Close()
	}
}

type responder struct {
	s        *session
	answered atomic.Bool
}

func (r *responder) Accept() bool {
	return r.answer(packet.Accept)
}

func (r *responder) Block() bool {
	return r.answer(packet.Block)
}

func (r *responder) Answered() bool {
	return r.answered.Load()
}

func (r *responder) answer(a packet.Action) bool {
	if !r.answered.CompareAndSwap(false, true) {
		return false
	}
	if err := r.s.send(EncodeResponse(a)); err != nil {
		r.s.log.Warnf("verdict %s lost: %v", a, err)
	}
	return true
}
