// Package tunnel turns "connect a stream to device X" into an
// authenticated path. A Container holds the tunnels to one remote device;
// a ConnectStreamBuilder races connect actions over those tunnels, calls
// rendezvous peers when no direct candidate works, and falls back to relay
// proxies through a ProxyBuilder.
package tunnel

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/errs"
	"github.com/opd-ai/bdt/keystore"
	"github.com/opd-ai/bdt/protocol"
	"github.com/opd-ai/bdt/stream"
	"github.com/opd-ai/bdt/transport"
)

// Tunnel is one endpoint pair toward the remote device.
type Tunnel interface {
	Pair() endpoint.Pair
	// IsProxy reports whether the remote endpoint is a relay.
	IsProxy() bool
}

// UDPTunnel sends keyed boxes over a local UDP interface.
type UDPTunnel struct {
	container *Container
	pair      endpoint.Pair
	iface     *transport.UDPInterface
	proxy     bool
}

func (t *UDPTunnel) Pair() endpoint.Pair { return t.pair }

func (t *UDPTunnel) IsProxy() bool { return t.proxy }

// Interface returns the local UDP interface.
func (t *UDPTunnel) Interface() *transport.UDPInterface { return t.iface }

// Send sends box to the remote endpoint. The sealed key is attached when
// the box opens with an Exchange.
func (t *UDPTunnel) Send(box *protocol.PackageBox) error {
	return t.iface.SendBoxTo(box, protocol.FirstBoxContext(t.container.RemoteDevice()), t.pair.Remote)
}

// TCPTunnel records a TCP pair; connections are opened per stream.
type TCPTunnel struct {
	container *Container
	pair      endpoint.Pair
}

func (t *TCPTunnel) Pair() endpoint.Pair { return t.pair }

func (t *TCPTunnel) IsProxy() bool { return false }

// Container holds the tunnels to one remote device.
type Container struct {
	deps   *Deps
	remote device.DeviceId

	mu           sync.Mutex
	remoteDevice *device.Device
	tunnels      map[endpoint.Pair]Tunnel
}

// NewContainer creates an empty container for remote. remoteDevice may be
// nil until the device is learned.
func NewContainer(deps *Deps, remote device.DeviceId, remoteDevice *device.Device) *Container {
	return &Container{
		deps:         deps,
		remote:       remote,
		remoteDevice: remoteDevice,
		tunnels:      make(map[endpoint.Pair]Tunnel),
	}
}

// Remote returns the remote device id.
func (c *Container) Remote() device.DeviceId { return c.remote }

// RemoteDevice returns the latest known remote device.
func (c *Container) RemoteDevice() *device.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDevice
}

// UpdateRemoteDevice replaces the remote device when d is at least as new.
func (c *Container) UpdateRemoteDevice(d *device.Device) bool {
	if d == nil || d.ID() != c.remote {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteDevice != nil && d.Body.UpdateTime < c.remoteDevice.Body.UpdateTime {
		return false
	}
	c.remoteDevice = d
	if c.deps.Devices != nil {
		c.deps.Devices.Add(d)
	}
	return true
}

// isLocal reports whether ep is one of our own endpoints.
func (c *Container) isLocal(ep endpoint.Endpoint) bool {
	candidates := c.deps.LocalEndpoints()
	if local := c.deps.Local(); local != nil {
		candidates = append(candidates, local.Endpoints()...)
	}
	for _, l := range candidates {
		if l.Protocol == ep.Protocol && l.Addr == ep.Addr {
			return true
		}
	}
	return false
}

func (c *Container) udpInterface(local endpoint.Endpoint) (*transport.UDPInterface, bool) {
	for _, iface := range c.deps.UDP {
		if iface.Local().Addr == local.Addr {
			return iface, true
		}
	}
	return nil, false
}

// CreateTunnel returns the tunnel for pair, creating it when absent. The
// boolean reports whether it was created by this call.
func (c *Container) CreateTunnel(pair endpoint.Pair, proxy bool) (Tunnel, bool, error) {
	if c.isLocal(pair.Remote) {
		return nil, false, errs.Newf(errs.CodeErrorState, "remote endpoint %s is local", pair.Remote)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tunnels[pair]; ok {
		return t, false, nil
	}

	var t Tunnel
	switch pair.Protocol() {
	case endpoint.UDP:
		iface, ok := c.udpInterface(pair.Local)
		if !ok {
			return nil, false, errs.Newf(errs.CodeNotFound, "no udp interface on %s", pair.Local)
		}
		t = &UDPTunnel{container: c, pair: pair, iface: iface, proxy: proxy}
	case endpoint.TCP:
		t = &TCPTunnel{container: c, pair: pair}
	default:
		return nil, false, errs.Newf(errs.CodeInvalidParam, "pair %s has no protocol", pair)
	}
	c.tunnels[pair] = t

	logrus.WithFields(logrus.Fields{
		"function": "Container.CreateTunnel",
		"remote":   c.remote.String(),
		"pair":     pair.String(),
		"proxy":    proxy,
	}).Debug("Tunnel created")
	return t, true, nil
}

// Tunnels returns the tunnels of proto.
func (c *Container) Tunnels(proto endpoint.Protocol) []Tunnel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Tunnel, 0, len(c.tunnels))
	for pair, t := range c.tunnels {
		if pair.Protocol() == proto {
			out = append(out, t)
		}
	}
	return out
}

// UDPTunnels returns the UDP tunnels.
func (c *Container) UDPTunnels() []*UDPTunnel {
	var out []*UDPTunnel
	for _, t := range c.Tunnels(endpoint.UDP) {
		out = append(out, t.(*UDPTunnel))
	}
	return out
}

// Key returns the key for the remote device, creating one if needed.
func (c *Container) Key() (keystore.FoundKey, error) {
	return c.deps.Keys.CreateKey(c.remote)
}

// FirstBox builds the box that opens a package stream: an Exchange while
// the key is unconfirmed, then SynTunnel and the stream's syn.
func (c *Container) FirstBox(s *stream.Stream) (*protocol.PackageBox, error) {
	fk, err := c.Key()
	if err != nil {
		return nil, err
	}
	local := c.deps.Local()
	box := protocol.NewPackageBox(c.remote, fk.Key)
	if !fk.Confirmed {
		exchange := protocol.NewExchange(s.Sequence(), fk.Key, local, c.remote)
		if err := exchange.SignWith(c.deps.Keys.Signer()); err != nil {
			return nil, err
		}
		box.Push(exchange)
	}
	box.Push(&protocol.SynTunnel{
		ProtocolVersion: protocol.ProtocolVersion,
		Sequence:        s.Sequence(),
		FromDeviceID:    local.ID(),
		ToDeviceID:      c.remote,
		FromDevice:      local,
		SendTime:        protocol.NowMicros(),
	}, s.SynSessionData())
	return box, nil
}
