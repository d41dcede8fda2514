// Package packet describes the transport-layer packets the inspector asks about
// and the verdicts returned for them.
package packet

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

type Protocol int

const (
	TCP Protocol = iota + 1
	UDP
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "unknown"
	}
}

func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	}
	return 0, fmt.Errorf("unknown protocol %q", s)
}

// Endpoint is an ip/port pair. An empty IP or a zero port is used by filters
// to mean "any".
type Endpoint struct {
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

func (e Endpoint) String() string {
	ip, port := e.IP, "*"
	if ip == "" {
		ip = "*"
	}
	if e.Port != 0 {
		port = strconv.Itoa(int(e.Port))
	}
	return net.JoinHostPort(ip, port)
}

// Less orders endpoints by ip, then port.
func (e Endpoint) Less(o Endpoint) bool {
	if e.IP != o.IP {
		return e.IP < o.IP
	}
	return e.Port < o.Port
}

// ParseEndpoint reads "ip:port". Either part may be "*" or empty to leave it unset.
func ParseEndpoint(s string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint %q: %w", s, err)
	}
	var e Endpoint
	if host != "*" {
		e.IP = host
	}
	if port != "" && port != "*" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return Endpoint{}, fmt.Errorf("endpoint %q: invalid port: %w", s, err)
		}
		e.Port = uint16(n)
	}
	return e, nil
}

// NoDevice marks an absent interface index.
const NoDevice = -1

type Flags struct {
	ACK bool `json:"ack"`
	FIN bool `json:"fin"`
	SYN bool `json:"syn"`
	PSH bool `json:"psh"`
	RST bool `json:"rst"`
	URG bool `json:"urg"`
}

type TCPHeader struct {
	Seq   uint32 `json:"seq"`
	Ack   uint32 `json:"ack"`
	Flags Flags  `json:"flags"`
}

// Packet is one observed transport-layer packet. The Protocol tag selects the
// variant: TCP fields are only meaningful for TCP packets.
type Packet struct {
	Protocol     Protocol  `json:"protocol"`
	Source       Endpoint  `json:"source"`
	Destination  Endpoint  `json:"destination"`
	InputDevice  int       `json:"input_device"`
	OutputDevice int       `json:"output_device"`
	Mark         int       `json:"mark"`
	Length       uint32    `json:"length"`
	Checksum     uint32    `json:"checksum"`
	TCP          TCPHeader `json:"tcp,omitempty"`

	// Set once after decoding.
	Interface string `json:"interface,omitempty"`
	UserID    int    `json:"uid"`
}

// Incoming reports whether the packet was received on an input device.
func (p *Packet) Incoming() bool {
	return p.InputDevice != NoDevice
}

// DeviceIndex returns the index of the interface the packet crossed.
func (p *Packet) DeviceIndex() int {
	if p.Incoming() {
		return p.InputDevice
	}
	return p.OutputDevice
}

// Local returns the device-side endpoint regardless of direction.
func (p *Packet) Local() Endpoint {
	if p.Incoming() {
		return p.Destination
	}
	return p.Source
}

func (p *Packet) Remote() Endpoint {
	if p.Incoming() {
		return p.Source
	}
	return p.Destination
}

// IsConnectSYN reports a TCP SYN without ACK, i.e. the first packet of a handshake.
func (p *Packet) IsConnectSYN() bool {
	return p.Protocol == TCP && p.TCP.Flags.SYN && !p.TCP.Flags.ACK
}

// Attach records the resolved interface name and the owner user-id.
func (p *Packet) Attach(iface string, uid int) {
	p.Interface = iface
	p.UserID = uid
}

func (p *Packet) String() string {
	dir := "out"
	if p.Incoming() {
		dir = "in"
	}
	s := fmt.Sprintf("%s %s -> %s %s dev=%d uid=%d len=%d", p.Protocol, p.Source, p.Destination, dir, p.DeviceIndex(), p.UserID, p.Length)
	if p.Protocol == TCP {
		f := p.TCP.Flags
		s += fmt.Sprintf(" seq=%d ack=%d flags=%s", p.TCP.Seq, p.TCP.Ack, flagString(f))
	}
	return s
}

func flagString(f Flags) string {
	var b strings.Builder
	for _, v := range []struct {
		set  bool
		name byte
	}{{f.SYN, 'S'}, {f.ACK, 'A'}, {f.FIN, 'F'}, {f.PSH, 'P'}, {f.RST, 'R'}, {f.URG, 'U'}} {
		if v.set {
			b.WriteByte(v.name)
		}
	}
	if b.Len() == 0 {
		return "-"
	}
	return b.String()
}
