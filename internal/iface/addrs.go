package iface

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

const DefaultAddrsRefresh = 10 * time.Second

// AddrListFunc returns the addresses assigned to the host's links.
type AddrListFunc func() ([]net.IP, error)

type AddrsOption func(a *Addrs)

func WithAddrList(fn AddrListFunc) AddrsOption {
	return func(a *Addrs) {
		a.list = fn
	}
}

// Addrs answers whether an IP address belongs to the host. The address list
// is reloaded at most once per refresh interval; a failed reload keeps the
// previous list.
type Addrs struct {
	list    AddrListFunc
	refresh time.Duration
	log     *logrus.Entry

	mu     sync.Mutex
	set    map[string]bool
	loaded time.Time
}

func NewAddrs(refresh time.Duration, opts ...AddrsOption) *Addrs {
	if refresh <= 0 {
		refresh = DefaultAddrsRefresh
	}
	a := &Addrs{
		list:    netlinkAddrs,
		refresh: refresh,
		log:     logrus.WithField("component", "iface"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func netlinkAddrs() ([]net.IP, error) {
	addrs, err := netlink.AddrList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("address list: %w", err)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		if addr.IPNet != nil {
			ips = append(ips, addr.IP)
		}
	}
	return ips, nil
}

func (a *Addrs) IsLocal(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.set == nil || time.Since(a.loaded) >= a.refresh {
		a.reload()
	}
	return a.set[parsed.String()]
}

func (a *Addrs) reload() {
	a.loaded = time.Now()
	ips, err := a.list()
	if err != nil {
		a.log.Debugf("host addresses unavailable: %v", err)
		if a.set == nil {
			a.set = map[string]bool{}
		}
		return
	}
	set := make(map[string]bool, len(ips))
	for _, ip := range ips {
		set[ip.String()] = true
	}
	a.set = set
}
