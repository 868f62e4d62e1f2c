// Package endpoint defines the network endpoints tunnels are built over.
//
// An Endpoint is a comparable value: a transport protocol plus an address
// and port. It can be used directly as a map key, and a Pair of a local and
// a remote endpoint identifies one physical path attempt.
//
// The text form is "<L|W><4|6><tcp|udp><addr:port>", where W marks a static
// WAN address:
//
//	ep, err := endpoint.Parse("W4udp203.0.113.7:8050")
package endpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Protocol is the transport protocol of an endpoint.
type Protocol uint8

const (
	Unknown Protocol = iota
	TCP
	UDP
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "unk"
	}
}

// Endpoint is an immutable protocol/address/port triple.
type Endpoint struct {
	Protocol  Protocol
	Addr      netip.AddrPort
	StaticWan bool
}

// ErrInvalidEndpoint is returned by Parse and Decode on malformed input.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// New builds an endpoint from a protocol and address.
func New(proto Protocol, addr netip.AddrPort) Endpoint {
	return Endpoint{Protocol: proto, Addr: netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())}
}

// FromNetAddr converts a *net.UDPAddr or *net.TCPAddr.
func FromNetAddr(addr net.Addr) (Endpoint, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return New(UDP, a.AddrPort()), nil
	case *net.TCPAddr:
		return New(TCP, a.AddrPort()), nil
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported address type %T", ErrInvalidEndpoint, addr)
	}
}

// Parse parses the text form produced by String.
func Parse(s string) (Endpoint, error) {
	if len(s) < 6 {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidEndpoint, s)
	}

	var ep Endpoint
	switch s[0] {
	case 'W':
		ep.StaticWan = true
	case 'L':
	default:
		return Endpoint{}, fmt.Errorf("%w: bad area prefix in %q", ErrInvalidEndpoint, s)
	}

	version := s[1]
	switch strings.ToLower(s[2:5]) {
	case "tcp":
		ep.Protocol = TCP
	case "udp":
		ep.Protocol = UDP
	default:
		return Endpoint{}, fmt.Errorf("%w: bad protocol in %q", ErrInvalidEndpoint, s)
	}

	addr, err := netip.ParseAddrPort(s[5:])
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	ep.Addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	if (version == '4') != ep.IsIPv4() {
		return Endpoint{}, fmt.Errorf("%w: version mismatch in %q", ErrInvalidEndpoint, s)
	}
	return ep, nil
}

// String returns the text form.
func (e Endpoint) String() string {
	area := "L"
	if e.StaticWan {
		area = "W"
	}
	version := "6"
	if e.IsIPv4() {
		version = "4"
	}
	return area + version + e.Protocol.String() + e.Addr.String()
}

// MarshalText implements encoding.TextMarshaler.
func (e Endpoint) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Endpoint) UnmarshalText(text []byte) error {
	ep, err := Parse(string(text))
	if err != nil {
		return err
	}
	*e = ep
	return nil
}

// IsIPv4 reports whether the address is IPv4.
func (e Endpoint) IsIPv4() bool {
	return e.Addr.Addr().Is4()
}

// IsSameIPVersion reports whether both endpoints are in the same address family.
func (e Endpoint) IsSameIPVersion(other Endpoint) bool {
	return e.IsIPv4() == other.IsIPv4()
}

// IsUnspecified reports whether the address is 0.0.0.0 or ::.
func (e Endpoint) IsUnspecified() bool {
	return e.Addr.Addr().IsUnspecified()
}

// IsValid reports whether the endpoint has a protocol and an address.
func (e Endpoint) IsValid() bool {
	return e.Protocol != Unknown && e.Addr.IsValid()
}

// Network returns the net package network name, e.g. "udp4".
func (e Endpoint) Network() string {
	if e.IsIPv4() {
		return e.Protocol.String() + "4"
	}
	return e.Protocol.String() + "6"
}

// UDPAddr converts the endpoint to a *net.UDPAddr.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(e.Addr)
}

// TCPAddr converts the endpoint to a *net.TCPAddr.
func (e Endpoint) TCPAddr() *net.TCPAddr {
	return net.TCPAddrFromAddrPort(e.Addr)
}

// WithProtocol returns a copy with a different protocol.
func (e Endpoint) WithProtocol(p Protocol) Endpoint {
	e.Protocol = p
	return e
}

const (
	flagIPv6      = 0x04
	flagStaticWan = 0x08
	protocolMask  = 0x03
)

// EncodedLen returns the wire size of e.
func (e Endpoint) EncodedLen() int {
	if e.IsIPv4() {
		return 1 + 4 + 2
	}
	return 1 + 16 + 2
}

// AppendBinary appends the wire form [flags u8][ip 4|16][port u16].
func (e Endpoint) AppendBinary(b []byte) []byte {
	flags := byte(e.Protocol) & protocolMask
	if e.StaticWan {
		flags |= flagStaticWan
	}
	if e.IsIPv4() {
		b = append(b, flags)
		ip := e.Addr.Addr().As4()
		b = append(b, ip[:]...)
	} else {
		b = append(b, flags|flagIPv6)
		ip := e.Addr.Addr().As16()
		b = append(b, ip[:]...)
	}
	return binary.BigEndian.AppendUint16(b, e.Addr.Port())
}

// Decode reads one endpoint from b and returns the bytes consumed.
func Decode(b []byte) (Endpoint, int, error) {
	if len(b) < 1 {
		return Endpoint{}, 0, ErrInvalidEndpoint
	}
	flags := b[0]
	ep := Endpoint{
		Protocol:  Protocol(flags & protocolMask),
		StaticWan: flags&flagStaticWan != 0,
	}
	if ep.Protocol > UDP {
		return Endpoint{}, 0, fmt.Errorf("%w: protocol %d", ErrInvalidEndpoint, ep.Protocol)
	}

	ipLen := 4
	if flags&flagIPv6 != 0 {
		ipLen = 16
	}
	n := 1 + ipLen + 2
	if len(b) < n {
		return Endpoint{}, 0, ErrInvalidEndpoint
	}

	var addr netip.Addr
	if ipLen == 4 {
		addr = netip.AddrFrom4([4]byte(b[1:5]))
	} else {
		addr = netip.AddrFrom16([16]byte(b[1:17]))
	}
	ep.Addr = netip.AddrPortFrom(addr, binary.BigEndian.Uint16(b[1+ipLen:n]))
	return ep, n, nil
}

// Pair is a (local, remote) endpoint pair.
type Pair struct {
	Local  Endpoint
	Remote Endpoint
}

// NewPair builds a pair.
func NewPair(local, remote Endpoint) Pair {
	return Pair{Local: local, Remote: remote}
}

// Protocol returns the pair's protocol, taken from the remote side.
func (p Pair) Protocol() Protocol {
	return p.Remote.Protocol
}

func (p Pair) String() string {
	return p.Local.String() + "->" + p.Remote.String()
}
