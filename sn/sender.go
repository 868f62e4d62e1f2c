package sn

import (
	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/protocol"
	"github.com/opd-ai/bdt/transport"
)

// MessageSender replies to the peer a box came from.
type MessageSender interface {
	// Remote is the endpoint the box was received from.
	Remote() endpoint.Endpoint
	// SendBox sends box back over the same socket.
	SendBox(box *protocol.PackageBox) error
}

// UDPSender answers over the UDP socket a box arrived on.
type UDPSender struct {
	iface  *transport.UDPInterface
	remote endpoint.Endpoint
}

// NewUDPSender returns a sender replying to remote through iface.
func NewUDPSender(iface *transport.UDPInterface, remote endpoint.Endpoint) *UDPSender {
	return &UDPSender{iface: iface, remote: remote}
}

func (s *UDPSender) Remote() endpoint.Endpoint { return s.remote }

// SendBox sends a keyed box. The peer already holds the key, so no sealed
// key is attached.
func (s *UDPSender) SendBox(box *protocol.PackageBox) error {
	return s.iface.SendBoxTo(box, protocol.FirstBoxContext(nil).IgnoreExchange(), s.remote)
}

// TCPSender answers over an accepted TCP connection.
type TCPSender struct {
	conn   *transport.PackageInterface
	remote endpoint.Endpoint
}

// NewTCPSender returns a sender replying over conn.
func NewTCPSender(conn *transport.PackageInterface) *TCPSender {
	return &TCPSender{conn: conn, remote: conn.Remote()}
}

func (s *TCPSender) Remote() endpoint.Endpoint { return s.remote }

func (s *TCPSender) SendBox(box *protocol.PackageBox) error {
	return s.conn.SendPackages(box.Packages()...)
}
