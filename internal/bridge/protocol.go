package bridge

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/micrictor/appwall/internal/packet"
)

// Line prefixes of the inspector protocol.
const (
	PrefixQuery    = "#Packet.QueryAction#"
	PrefixResponse = "#Packet.QueryActionResponse#"
	PrefixComment  = "#Comment#"

	ResponseAccept = "ACCEPT"
	ResponseDrop   = "DROP"

	fieldSeparator = "##"
	fieldBound     = "#"
	keyDelim       = "="
)

// Query field names.
const (
	FieldProtocol     = "protocol"
	FieldSourceIP     = "ip.src"
	FieldDestIP       = "ip.dst"
	FieldMark         = "nf.mark"
	FieldInputDevice  = "nf.in_dev"
	FieldOutputDevice = "nf.out_dev"
	FieldTCPSeq       = "tcp.seq"
	FieldTCPAck       = "tcp.ack"
	FieldFlagACK      = "tcp.flag.ack"
	FieldFlagFIN      = "tcp.flag.fin"
	FieldFlagSYN      = "tcp.flag.syn"
	FieldFlagPSH      = "tcp.flag.psh"
	FieldFlagRST      = "tcp.flag.rst"
	FieldFlagURG      = "tcp.flag.urg"
)

// Transport fields are prefixed with the protocol name, e.g. tcp.src.port.
const (
	suffixSourcePort = ".src.port"
	suffixDestPort   = ".dst.port"
	suffixLength     = ".length"
	suffixChecksum   = ".checksum"
)

var (
	ErrMalformed       = errors.New("malformed message")
	ErrValueMissing    = errors.New("value missing")
	ErrValueType       = errors.New("invalid value")
	ErrUnknownProtocol = errors.New("unknown transport protocol")
	ErrDeviceMissing   = errors.New("exactly one of input or output device required")
)

// ProtocolError describes a query line that could not be decoded.
type ProtocolError struct {
	Line  string
	Field string
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode %q: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("decode %q: field %s: %v", e.Line, e.Field, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindQuery
	KindResponse
	KindComment
)

func Classify(line string) MessageKind {
	switch {
	case strings.HasPrefix(line, PrefixQuery):
		return KindQuery
	case strings.HasPrefix(line, PrefixResponse):
		return KindResponse
	case strings.HasPrefix(line, PrefixComment):
		return KindComment
	}
	return KindUnknown
}

type fields map[string]string

func parseFields(line string) (fields, error) {
	if !strings.HasPrefix(line, PrefixQuery) {
		return nil, &ProtocolError{Line: line, Err: ErrMalformed}
	}
	body := strings.TrimPrefix(line, PrefixQuery)
	if len(body) < 2 || !strings.HasPrefix(body, fieldBound) || !strings.HasSuffix(body, fieldBound) {
		return nil, &ProtocolError{Line: line, Err: ErrMalformed}
	}
	body = body[1 : len(body)-1]

	f := make(fields)
	for _, kv := range strings.Split(body, fieldSeparator) {
		if kv == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, keyDelim)
		if !ok || k == "" {
			return nil, &ProtocolError{Line: line, Field: kv, Err: ErrMalformed}
		}
		f[k] = v
	}
	return f, nil
}

type decoder struct {
	line string
	f    fields
	err  error
}

func (d *decoder) fail(field string, err error) {
	if d.err == nil {
		d.err = &ProtocolError{Line: d.line, Field: field, Err: err}
	}
}

func (d *decoder) str(key string) string {
	v, ok := d.f[key]
	if !ok {
		d.fail(key, ErrValueMissing)
	}
	return v
}

func (d *decoder) uint(key string, bits int) uint64 {
	v, ok := d.f[key]
	if !ok {
		d.fail(key, ErrValueMissing)
		return 0
	}
	n, err := strconv.ParseUint(v, 10, bits)
	if err != nil {
		d.fail(key, fmt.Errorf("%w: %q is not an unsigned %d-bit integer", ErrValueType, v, bits))
	}
	return n
}

func (d *decoder) int(key string) int {
	v, ok := d.f[key]
	if !ok {
		d.fail(key, ErrValueMissing)
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		d.fail(key, fmt.Errorf("%w: %q is not an integer", ErrValueType, v))
	}
	return n
}

func (d *decoder) bit(key string) bool {
	v, ok := d.f[key]
	if !ok {
		d.fail(key, ErrValueMissing)
		return false
	}
	switch v {
	case "0":
		return false
	case "1":
		return true
	}
	d.fail(key, fmt.Errorf("%w: %q is not a bit", ErrValueType, v))
	return false
}

func (d *decoder) ip(key string) string {
	v := d.str(key)
	if d.err == nil && net.ParseIP(v) == nil {
		d.fail(key, fmt.Errorf("%w: %q is not an ip address", ErrValueType, v))
	}
	return v
}

func (d *decoder) device(key string) int {
	if _, ok := d.f[key]; !ok {
		return packet.NoDevice
	}
	n := d.int(key)
	if n < 0 {
		d.fail(key, fmt.Errorf("%w: negative interface index %d", ErrValueType, n))
	}
	return n
}

// DecodeQuery parses a #Packet.QueryAction# line. Field order is not
// significant. Every error is a *ProtocolError.
func DecodeQuery(line string) (*packet.Packet, error) {
	f, err := parseFields(line)
	if err != nil {
		return nil, err
	}
	d := &decoder{line: line, f: f}

	proto := d.str(FieldProtocol)
	if d.err != nil {
		return nil, d.err
	}
	p := &packet.Packet{}
	switch strings.ToLower(proto) {
	case "tcp":
		p.Protocol = packet.TCP
	case "udp":
		p.Protocol = packet.UDP
	default:
		return nil, &ProtocolError{Line: line, Field: FieldProtocol, Err: fmt.Errorf("%w: %q", ErrUnknownProtocol, proto)}
	}

	_, hasIn := f[FieldInputDevice]
	_, hasOut := f[FieldOutputDevice]
	if hasIn == hasOut {
		return nil, &ProtocolError{Line: line, Field: FieldInputDevice + "/" + FieldOutputDevice, Err: ErrDeviceMissing}
	}
	p.InputDevice = d.device(FieldInputDevice)
	p.OutputDevice = d.device(FieldOutputDevice)

	name := p.Protocol.String()
	p.Source = packet.Endpoint{IP: d.ip(FieldSourceIP), Port: uint16(d.uint(name+suffixSourcePort, 16))}
	p.Destination = packet.Endpoint{IP: d.ip(FieldDestIP), Port: uint16(d.uint(name+suffixDestPort, 16))}
	p.Length = uint32(d.uint(name+suffixLength, 32))
	p.Checksum = uint32(d.uint(name+suffixChecksum, 32))
	p.Mark = d.int(FieldMark)

	if p.Protocol == packet.TCP {
		p.TCP.Seq = uint32(d.uint(FieldTCPSeq, 32))
		p.TCP.Ack = uint32(d.uint(FieldTCPAck, 32))
		p.TCP.Flags = packet.Flags{
			ACK: d.bit(FieldFlagACK),
			FIN: d.bit(FieldFlagFIN),
			SYN: d.bit(FieldFlagSYN),
			PSH: d.bit(FieldFlagPSH),
			RST: d.bit(FieldFlagRST),
			URG: d.bit(FieldFlagURG),
		}
	}

	if d.err != nil {
		return nil, d.err
	}
	return p, nil
}

// EncodeQuery renders p the way the inspector does. It is used by the probe
// command and by tests.
func EncodeQuery(p *packet.Packet) string {
	name := p.Protocol.String()
	kv := []string{
		FieldProtocol + keyDelim + name,
		FieldSourceIP + keyDelim + p.Source.IP,
		FieldDestIP + keyDelim + p.Destination.IP,
		name + suffixSourcePort + keyDelim + strconv.Itoa(int(p.Source.Port)),
		name + suffixDestPort + keyDelim + strconv.Itoa(int(p.Destination.Port)),
		name + suffixLength + keyDelim + strconv.FormatUint(uint64(p.Length), 10),
		name + suffixChecksum + keyDelim + strconv.FormatUint(uint64(p.Checksum), 10),
		FieldMark + keyDelim + strconv.Itoa(p.Mark),
	}
	if p.InputDevice != packet.NoDevice {
		kv = append(kv, FieldInputDevice+keyDelim+strconv.Itoa(p.InputDevice))
	}
	if p.OutputDevice != packet.NoDevice {
		kv = append(kv, FieldOutputDevice+keyDelim+strconv.Itoa(p.OutputDevice))
	}
	if p.Protocol == packet.TCP {
		fl := p.TCP.Flags
		kv = append(kv,
			FieldTCPSeq+keyDelim+strconv.FormatUint(uint64(p.TCP.Seq), 10),
			FieldTCPAck+keyDelim+strconv.FormatUint(uint64(p.TCP.Ack), 10),
			FieldFlagACK+keyDelim+bitString(fl.ACK),
			FieldFlagFIN+keyDelim+bitString(fl.FIN),
			FieldFlagSYN+keyDelim+bitString(fl.SYN),
			FieldFlagPSH+keyDelim+bitString(fl.PSH),
			FieldFlagRST+keyDelim+bitString(fl.RST),
			FieldFlagURG+keyDelim+bitString(fl.URG),
		)
	}
	return PrefixQuery + fieldBound + strings.Join(kv, fieldSeparator) + fieldBound
}

func bitString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func EncodeResponse(a packet.Action) string {
	if a == packet.Block {
		return PrefixResponse + ResponseDrop
	}
	return PrefixResponse + ResponseAccept
}

func DecodeResponse(line string) (packet.Action, error) {
	if !strings.HasPrefix(line, PrefixResponse) {
		return 0, &ProtocolError{Line: line, Err: ErrMalformed}
	}
	switch strings.TrimPrefix(line, PrefixResponse) {
	case ResponseAccept:
		return packet.Accept, nil
	case ResponseDrop:
		return packet.Block, nil
	}
	return 0, &ProtocolError{Line: line, Err: fmt.Errorf("%w: unknown verdict", ErrValueType)}
}

func EncodeComment(text string) string {
	return PrefixComment + text
}
