// Package conntrack maps packets onto per-flow connections so that rules can
// reason about which side opened a TCP connection.
package conntrack

import (
	"fmt"
	"sync"
	"time"

	"github.com/micrictor/appwall/internal/packet"
	"github.com/patrickmn/go-cache"
)

type Direction int

const (
	DirectionUnknown Direction = iota
	LocalInitiated
	RemoteInitiated
)

func (d Direction) String() string {
	switch d {
	case LocalInitiated:
		return "local-initiated"
	case RemoteInitiated:
		return "remote-initiated"
	default:
		return "unknown"
	}
}

// Key identifies a flow independent of packet direction: the endpoints are
// stored in sorted order.
type Key struct {
	Protocol packet.Protocol
	A, B     packet.Endpoint
}

func KeyOf(p *packet.Packet) Key {
	a, b := p.Source, p.Destination
	if b.Less(a) {
		a, b = b, a
	}
	return Key{Protocol: p.Protocol, A: a, B: b}
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Protocol, k.A, k.B)
}

// Connection is the accumulated state of one flow.
type Connection struct {
	key Key

	mu        sync.RWMutex
	initiator *packet.Endpoint
	device    *packet.Endpoint
	packets   uint64
}

func (c *Connection) Key() Key {
	return c.key
}

func (c *Connection) Protocol() packet.Protocol {
	return c.key.Protocol
}

// Initiator returns the endpoint that sent the opening SYN, if one was seen.
func (c *Connection) Initiator() (packet.Endpoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.initiator == nil {
		return packet.Endpoint{}, false
	}
	return *c.initiator, true
}

// Device returns the endpoint on the device side, once a packet was seen.
func (c *Connection) Device() (packet.Endpoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.device == nil {
		return packet.Endpoint{}, false
	}
	return *c.device, true
}

// Endpoints orients p to the device side of the connection. Packets of a
// connection with no device side yet fall back to the packet's own hook.
func (c *Connection) Endpoints(p *packet.Packet) (local, remote packet.Endpoint) {
	if dev, ok := c.Device(); ok {
		switch dev {
		case p.Source:
			return p.Source, p.Destination
		case p.Destination:
			return p.Destination, p.Source
		}
	}
	return p.Local(), p.Remote()
}

// Direction classifies the connection relative to the device side of p.
// UDP connections and TCP connections whose SYN was never observed are unknown.
func (c *Connection) Direction(p *packet.Packet) Direction {
	ini, ok := c.Initiator()
	if !ok {
		return DirectionUnknown
	}
	if local, _ := c.Endpoints(p); ini == local {
		return LocalInitiated
	}
	return RemoteInitiated
}

// View is a packet seen from the device side of its connection.
type View struct {
	Local     packet.Endpoint
	Remote    packet.Endpoint
	Direction Direction
}

// View orients p with the state of c.
func (c *Connection) View(p *packet.Packet) View {
	local, remote := c.Endpoints(p)
	return View{Local: local, Remote: remote, Direction: c.Direction(p)}
}

// ViewOf orients a packet without connection state.
func ViewOf(p *packet.Packet) View {
	return View{Local: p.Local(), Remote: p.Remote(), Direction: DirectionUnknown}
}

func (c *Connection) Packets() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.packets
}

func (c *Connection) update(p *packet.Packet, local LocalAddrs) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets++
	if c.device == nil {
		dev := deviceSide(p, local)
		c.device = &dev
	}
	if c.initiator == nil && p.IsConnectSYN() {
		src := p.Source
		c.initiator = &src
	}
}

func (c *Connection) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ini := "?"
	if c.initiator != nil {
		ini = c.initiator.String()
	}
	return fmt.Sprintf("%s initiator=%s packets=%d", c.key, ini, c.packets)
}

// deviceSide picks the endpoint of p that belongs to the device. Host
// addresses decide when exactly one endpoint carries one. Otherwise owner
// marks originate on outgoing traffic, so the sender is the device unless a
// remote host opens the flow.
func deviceSide(p *packet.Packet, local LocalAddrs) packet.Endpoint {
	if local != nil {
		src, dst := local.IsLocal(p.Source.IP), local.IsLocal(p.Destination.IP)
		switch {
		case src && !dst:
			return p.Source
		case dst && !src:
			return p.Destination
		}
	}
	if p.Incoming() && p.IsConnectSYN() {
		return p.Destination
	}
	return p.Source
}

// LocalAddrs reports whether an IP address is assigned to the device.
type LocalAddrs interface {
	IsLocal(ip string) bool
}

type Option func(t *Tracker)

func WithLocalAddrs(a LocalAddrs) Option {
	return func(t *Tracker) {
		t.local = a
	}
}

// Tracker owns the key to connection mapping. With a zero idle timeout entries
// live for the life of the process.
type Tracker struct {
	conns *cache.Cache
	local LocalAddrs
}

func NewTracker(idle time.Duration, opts ...Option) *Tracker {
	t := &Tracker{conns: cache.New(cache.NoExpiration, 0)}
	if idle > 0 {
		t.conns = cache.New(idle, idle/2)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Resolve returns the connection for p, creating it on first sight.
func (t *Tracker) Resolve(p *packet.Packet) *Connection {
	key := KeyOf(p)
	k := key.String()
	if v, ok := t.conns.Get(k); ok {
		return v.(*Connection)
	}
	c := &Connection{key: key}
	if err := t.conns.Add(k, c, cache.DefaultExpiration); err != nil {
		// Lost a race with another decode loop.
		if v, ok := t.conns.Get(k); ok {
			return v.(*Connection)
		}
		t.conns.Set(k, c, cache.DefaultExpiration)
	}
	return c
}

// Update folds p into c and refreshes its idle deadline.
func (t *Tracker) Update(c *Connection, p *packet.Packet) {
	c.update(p, t.local)
	t.conns.Set(c.key.String(), c, cache.DefaultExpiration)
}

func (t *Tracker) Len() int {
	return t.conns.ItemCount()
}
