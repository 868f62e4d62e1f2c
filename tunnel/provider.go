package tunnel

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bdt/errs"
	"github.com/opd-ai/bdt/protocol"
	"github.com/opd-ai/bdt/stream"
	"github.com/opd-ai/bdt/transport"
)

// TcpProvider carries stream data as raw frames on a TCP connection.
type TcpProvider struct {
	conn   *transport.PackageInterface
	stream *stream.Stream
	once   sync.Once
}

// NewTcpProvider binds conn to s. Start begins delivering inbound frames.
func NewTcpProvider(conn *transport.PackageInterface, s *stream.Stream) *TcpProvider {
	return &TcpProvider{conn: conn, stream: s}
}

func (p *TcpProvider) Kind() string { return "tcp" }

// Send writes data in frames of at most transport.MaxRawDataSize bytes.
func (p *TcpProvider) Send(data []byte) error {
	for len(data) > 0 {
		n := min(len(data), transport.MaxRawDataSize)
		if err := p.conn.SendRawData(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (p *TcpProvider) Close() error {
	p.conn.Close()
	return nil
}

// Start runs the receive loop until the connection fails.
func (p *TcpProvider) Start() {
	p.once.Do(func() { go p.recvLoop() })
}

func (p *TcpProvider) recvLoop() {
	buf := make([]byte, transport.TCPRecvBufferSize)
	for {
		recv, err := p.conn.ReceivePackage(buf)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "TcpProvider.recvLoop",
				"remote":   p.conn.Remote().String(),
				"error":    err.Error(),
			}).Debug("TCP stream receive ended")
			p.stream.Close()
			return
		}
		if recv.IsRawData() {
			p.stream.Deliver(recv.RawData)
			continue
		}
		for _, pkg := range recv.Package.Packages() {
			if data, ok := pkg.(*protocol.SessionData); ok {
				p.stream.Deliver(data.Payload)
			}
		}
	}
}

// packageChunk keeps one SessionData box inside a UDP datagram.
const packageChunk = 1024

// PackageProvider carries stream data as SessionData payloads over a UDP
// tunnel. Delivery is best effort.
type PackageProvider struct {
	tunnel        *UDPTunnel
	remoteSession uint32

	mu     sync.Mutex
	pos    uint64
	closed bool
}

// NewPackageProvider sends to remoteSession through t.
func NewPackageProvider(t *UDPTunnel, remoteSession uint32) *PackageProvider {
	return &PackageProvider{tunnel: t, remoteSession: remoteSession}
}

func (p *PackageProvider) Kind() string { return "package" }

// Tunnel returns the UDP tunnel the provider sends on.
func (p *PackageProvider) Tunnel() *UDPTunnel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tunnel
}

// SetTunnel moves the provider to t, e.g. when the remote confirmed the
// stream over another pair.
func (p *PackageProvider) SetTunnel(t *UDPTunnel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tunnel = t
}

// send must be called with mu held.
func (p *PackageProvider) send(flags uint16, payload []byte) error {
	fk, err := p.tunnel.container.Key()
	if err != nil {
		return err
	}
	box := protocol.NewPackageBox(p.tunnel.container.Remote(), fk.Key).Push(&protocol.SessionData{
		SessionID: p.remoteSession,
		StreamPos: p.pos,
		SendTime:  protocol.NowMicros(),
		Flags:     flags,
		Payload:   payload,
	})
	if err := p.tunnel.Send(box); err != nil {
		return err
	}
	p.pos += uint64(len(payload))
	return nil
}

func (p *PackageProvider) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errs.New(errs.CodeErrorState, "package provider closed")
	}
	for len(data) > 0 {
		n := min(len(data), packageChunk)
		if err := p.send(0, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Close sends a best-effort reset to the remote session.
func (p *PackageProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.send(protocol.SessionFlagReset, nil)
}
