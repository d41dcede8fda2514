// Package iface resolves interface indexes reported by the inspector into
// interface names and the device class rules filter on.
package iface

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

// DefaultMissTTL is how long a failed lookup is remembered.
const DefaultMissTTL = 5 * time.Second

type Class int

const (
	ClassOther Class = iota
	ClassWiFi
	ClassCellular
)

func (c Class) String() string {
	switch c {
	case ClassWiFi:
		return "wifi"
	case ClassCellular:
		return "cellular"
	default:
		return "other"
	}
}

var (
	DefaultWiFiPrefixes     = []string{"wlan", "wlp", "wlx", "wifi"}
	DefaultCellularPrefixes = []string{"rmnet", "ccmni", "pdp", "ppp", "wwan", "v4-rmnet"}
)

type Info struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Class Class  `json:"class"`
}

// LookupFunc maps an interface index to its name.
type LookupFunc func(index int) (string, error)

type Option func(r *Resolver)

func WithLookup(fn LookupFunc) Option {
	return func(r *Resolver) {
		r.lookup = fn
	}
}

// WithMissTTL sets how long failed lookups are remembered; zero disables it.
func WithMissTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		r.missTTL = ttl
	}
}

// Resolver caches index to name lookups. Failed lookups are remembered for
// the miss TTL so a link that appears later is still picked up.
type Resolver struct {
	lookup   LookupFunc
	wifi     []string
	cellular []string
	missTTL  time.Duration
	log      *logrus.Entry

	mu     sync.RWMutex
	cache  map[int]Info
	misses *cache.Cache
}

func NewResolver(wifi, cellular []string, opts ...Option) *Resolver {
	if len(wifi) == 0 {
		wifi = DefaultWiFiPrefixes
	}
	if len(cellular) == 0 {
		cellular = DefaultCellularPrefixes
	}
	r := &Resolver{
		lookup:   netlinkLookup,
		wifi:     wifi,
		cellular: cellular,
		missTTL:  DefaultMissTTL,
		log:      logrus.WithField("component", "iface"),
		cache:    make(map[int]Info),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.missTTL > 0 {
		r.misses = cache.New(r.missTTL, 2*r.missTTL)
	}
	return r
}

func netlinkLookup(index int) (string, error) {
	link, err := netlink.LinkByIndex(index)
	if err != nil {
		return "", fmt.Errorf("link %d: %w", index, err)
	}
	return link.Attrs().Name, nil
}

func (r *Resolver) Resolve(index int) Info {
	r.mu.RLock()
	info, ok := r.cache[index]
	r.mu.RUnlock()
	if ok {
		return info
	}
	unknown := Info{Index: index, Class: ClassOther}
	key := strconv.Itoa(index)
	if r.misses != nil {
		if _, missed := r.misses.Get(key); missed {
			return unknown
		}
	}

	name, err := r.lookup(index)
	if err != nil {
		r.log.Debugf("interface lookup failed: %v", err)
		if r.misses != nil {
			r.misses.SetDefault(key, struct{}{})
		}
		return unknown
	}
	info = Info{Index: index, Name: name, Class: r.Classify(name)}

	r.mu.Lock()
	r.cache[index] = info
	r.mu.Unlock()
	return info
}

func (r *Resolver) Classify(name string) Class {
	for _, p := range r.wifi {
		if strings.HasPrefix(name, p) {
			return ClassWiFi
		}
	}
	for _, p := range r.cellular {
		if strings.HasPrefix(name, p) {
			return ClassCellular
		}
	}
	return ClassOther
}
