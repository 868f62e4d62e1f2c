package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/errs"
	"github.com/opd-ai/bdt/protocol"
)

// ProxyType tells where a relay came from.
type ProxyType int

const (
	// ProxyActive relays are trusted by the local device.
	ProxyActive ProxyType = iota
	// ProxyPassive relays were advertised by the remote.
	ProxyPassive
)

func (t ProxyType) String() string {
	if t == ProxyActive {
		return "active"
	}
	return "passive"
}

type proxyState int

const (
	proxyInit proxyState = iota
	proxySynProxy
	proxySynTunnel
	proxyCanceled
)

type synProxyTunnel struct {
	pn    *device.Device
	kind  ProxyType
	state proxyState
}

// TunnelHandler receives each proxied UDP tunnel.
type TunnelHandler func(t *UDPTunnel)

// ProxyBuilder negotiates relayed paths to the container's remote. Both
// sides send SynProxy carrying the same key hash so the relay can pair
// them.
type ProxyBuilder struct {
	deps      *Deps
	container *Container
	seq       protocol.TempSeq
	onTunnel  TunnelHandler
	onIdle    func()

	mu      sync.Mutex
	tunnels map[device.DeviceId]*synProxyTunnel
	closed  bool
}

// NewProxyBuilder creates a proxy builder. onIdle, if set, runs whenever a
// relay negotiation ends without a tunnel.
func NewProxyBuilder(deps *Deps, c *Container, seq protocol.TempSeq, onTunnel TunnelHandler, onIdle func()) *ProxyBuilder {
	return &ProxyBuilder{
		deps:      deps,
		container: c,
		seq:       seq,
		onTunnel:  onTunnel,
		onIdle:    onIdle,
		tunnels:   make(map[device.DeviceId]*synProxyTunnel),
	}
}

// SynProxy starts negotiating with pn. It resends every
// HolepunchInterval until an AckProxy arrives or ConnectTimeout passes.
func (b *ProxyBuilder) SynProxy(ctx context.Context, kind ProxyType, pn *device.Device) error {
	pnID := pn.ID()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errs.New(errs.CodeErrorState, "proxy builder closed")
	}
	if _, ok := b.tunnels[pnID]; ok {
		b.mu.Unlock()
		return errs.Newf(errs.CodeAlreadyExists, "proxy %s already tried", pnID)
	}
	t := &synProxyTunnel{pn: pn, kind: kind, state: proxyInit}
	b.tunnels[pnID] = t
	b.mu.Unlock()

	box, err := b.synProxyBox(pn)
	if err != nil {
		b.cancel(pnID)
		return err
	}

	b.mu.Lock()
	t.state = proxySynProxy
	b.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "ProxyBuilder.SynProxy",
		"remote":   b.container.Remote().String(),
		"pn":       pnID.String(),
		"type":     kind.String(),
	}).Debug("Negotiating relay")

	go b.resend(ctx, pnID, box)
	return nil
}

func (b *ProxyBuilder) synProxyBox(pn *device.Device) (*protocol.PackageBox, error) {
	tunnelKey, err := b.container.Key()
	if err != nil {
		return nil, err
	}
	local := b.deps.Local()
	syn := &protocol.SynProxy{
		Seq:          b.seq,
		ToPeerID:     b.container.Remote(),
		FromPeerID:   local.ID(),
		FromPeerInfo: local,
		KeyHash:      tunnelKey.Key.MixHash(0),
	}
	if remote := b.container.RemoteDevice(); remote != nil {
		syn.ToPeerTimestamp = remote.Body.UpdateTime
	}

	pnKey, err := b.deps.Keys.CreateKey(pn.ID())
	if err != nil {
		return nil, err
	}
	box := protocol.NewPackageBox(pn.ID(), pnKey.Key)
	if !pnKey.Confirmed {
		exchange := protocol.NewExchange(b.seq, pnKey.Key, local, pn.ID())
		if err := exchange.SignWith(b.deps.Keys.Signer()); err != nil {
			return nil, err
		}
		box.Push(exchange)
	}
	return box.Push(syn), nil
}

func (b *ProxyBuilder) sendTo(pn *device.Device, box *protocol.PackageBox) error {
	var sendErr error
	sent := 0
	for _, iface := range b.deps.UDP {
		for _, ep := range pn.Endpoints() {
			if ep.Protocol != endpoint.UDP || !ep.IsSameIPVersion(iface.Local()) {
				continue
			}
			if err := iface.SendBoxTo(box, protocol.FirstBoxContext(pn), ep); err != nil {
				sendErr = multierr.Append(sendErr, err)
				continue
			}
			sent++
		}
	}
	if sent == 0 && sendErr == nil {
		return errs.Newf(errs.CodeNotFound, "no reachable endpoint for %s", pn.ID())
	}
	return sendErr
}

func (b *ProxyBuilder) resend(ctx context.Context, pnID device.DeviceId, box *protocol.PackageBox) {
	deadline := time.NewTimer(b.deps.Config.ConnectTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.deps.Config.HolepunchInterval)
	defer ticker.Stop()

	for {
		b.mu.Lock()
		t := b.tunnels[pnID]
		state := t.state
		b.mu.Unlock()
		if state != proxySynProxy {
			return
		}
		if err := b.sendTo(t.pn, box); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ProxyBuilder.resend",
				"pn":       pnID.String(),
				"error":    err.Error(),
			}).Debug("SynProxy send failed")
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			b.cancel(pnID)
			return
		case <-ctx.Done():
			b.cancel(pnID)
			return
		}
	}
}

func (b *ProxyBuilder) cancel(pnID device.DeviceId) {
	b.mu.Lock()
	t, ok := b.tunnels[pnID]
	if !ok || t.state == proxySynTunnel || t.state == proxyCanceled {
		b.mu.Unlock()
		return
	}
	t.state = proxyCanceled
	b.mu.Unlock()

	if b.onIdle != nil {
		b.onIdle()
	}
}

// OnAckProxy consumes a relay's answer. On success a proxied UDP tunnel to
// the relay endpoint is created and handed to the tunnel handler.
func (b *ProxyBuilder) OnAckProxy(pnID device.DeviceId, ack *protocol.AckProxy) error {
	if ack.Seq != b.seq {
		return errs.Newf(errs.CodeInvalidData, "AckProxy seq %d, want %d", ack.Seq, b.seq)
	}

	b.mu.Lock()
	t, ok := b.tunnels[pnID]
	if !ok {
		b.mu.Unlock()
		return errs.Newf(errs.CodeNotFound, "no SynProxy sent to %s", pnID)
	}
	if t.state != proxySynProxy {
		state := t.state
		b.mu.Unlock()
		return errs.Newf(errs.CodeErrorState, "AckProxy in state %d", state)
	}

	log := logrus.WithFields(logrus.Fields{
		"function": "ProxyBuilder.OnAckProxy",
		"remote":   b.container.Remote().String(),
		"pn":       pnID.String(),
	})

	if ack.Err != nil || ack.ProxyEndpoint == nil {
		t.state = proxyCanceled
		b.mu.Unlock()
		code := errs.CodeFailed
		if ack.Err != nil {
			code = errs.Code(*ack.Err)
		}
		log.WithField("code", code.String()).Warn("Relay refused proxy")
		if b.onIdle != nil {
			b.onIdle()
		}
		return errs.New(code, "relay refused proxy")
	}
	t.state = proxySynTunnel
	b.mu.Unlock()

	proxyEp := *ack.ProxyEndpoint
	var created error
	for _, iface := range b.deps.UDP {
		if !iface.Local().IsSameIPVersion(proxyEp) {
			continue
		}
		tun, _, err := b.container.CreateTunnel(endpoint.NewPair(iface.Local(), proxyEp), true)
		if err != nil {
			created = multierr.Append(created, err)
			continue
		}
		log.WithField("proxy", proxyEp.String()).Info("Proxied tunnel created")
		if b.onTunnel != nil {
			b.onTunnel(tun.(*UDPTunnel))
		}
	}
	return created
}

// Pending reports whether any relay negotiation is still in flight.
func (b *ProxyBuilder) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.tunnels {
		if t.state == proxyInit || t.state == proxySynProxy {
			return true
		}
	}
	return false
}

// Close stops all negotiations.
func (b *ProxyBuilder) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, t := range b.tunnels {
		if t.state == proxyInit || t.state == proxySynProxy {
			t.state = proxyCanceled
		}
	}
}
