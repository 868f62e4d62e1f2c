package tunnel

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/errs"
	"github.com/opd-ai/bdt/protocol"
	"github.com/opd-ai/bdt/sn"
	"github.com/opd-ai/bdt/stream"
	"github.com/opd-ai/bdt/transport"
)

// BuilderState is the state of a ConnectStreamBuilder.
type BuilderState int

const (
	BuilderConnecting BuilderState = iota
	BuilderEstablish
	BuilderClosed
)

func (s BuilderState) String() string {
	switch s {
	case BuilderConnecting:
		return "connecting"
	case BuilderEstablish:
		return "establish"
	default:
		return "closed"
	}
}

// BuildParams carries connect hints beyond the remote device descriptor.
type BuildParams struct {
	// Endpoints are tried alongside the remote device's endpoints.
	Endpoints []endpoint.Endpoint
	// PassivePNs are relays the remote is known to use.
	PassivePNs []*device.Device
}

// ConnectStreamBuilder drives one stream from Connecting to Established or
// Closed. It races connect actions, calls rendezvous peers when no
// candidate is left, and negotiates relays after a successful call.
type ConnectStreamBuilder struct {
	deps      *Deps
	container *Container
	stream    *stream.Stream
	params    BuildParams

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.RWMutex
	state    BuilderState
	actions  map[endpoint.Pair]Action
	pre      []Action
	driving  bool
	tried    map[endpoint.Endpoint]bool
	calling  bool
	called   bool
	proxy    *ProxyBuilder
	failures error
	lastErr  error
}

// NewConnectStreamBuilder creates a builder for s toward the container's
// remote.
func NewConnectStreamBuilder(deps *Deps, c *Container, s *stream.Stream, params BuildParams) *ConnectStreamBuilder {
	return &ConnectStreamBuilder{
		deps:      deps,
		container: c,
		stream:    s,
		params:    params,
		done:      make(chan struct{}),
		actions:   make(map[endpoint.Pair]Action),
		tried:     make(map[endpoint.Endpoint]bool),
	}
}

// Stream returns the stream being built.
func (b *ConnectStreamBuilder) Stream() *stream.Stream { return b.stream }

// Container returns the remote's tunnel container.
func (b *ConnectStreamBuilder) Container() *Container { return b.container }

// Build starts connecting. It returns once the candidates are launched;
// use WaitEstablish for the result. ctx bounds the whole attempt.
func (b *ConnectStreamBuilder) Build(ctx context.Context) error {
	b.mu.Lock()
	if b.ctx != nil {
		b.mu.Unlock()
		return errs.New(errs.CodeErrorState, "builder already started")
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	// create the key now so every candidate shares it
	if _, err := b.container.Key(); err != nil {
		b.stream.CancelConnectingWith(err)
		b.SyncStateWithStream()
		return err
	}

	go b.watchStream()

	var eps []endpoint.Endpoint
	if remote := b.container.RemoteDevice(); remote != nil {
		eps = append(eps, remote.Endpoints()...)
	}
	eps = append(eps, b.params.Endpoints...)

	logrus.WithFields(logrus.Fields{
		"function":  "ConnectStreamBuilder.Build",
		"remote":    b.container.Remote().String(),
		"seq":       b.stream.Sequence(),
		"endpoints": len(eps),
	}).Debug("Building stream")

	b.explore(eps)
	b.checkExhausted()
	return nil
}

func (b *ConnectStreamBuilder) watchStream() {
	select {
	case <-b.stream.Done():
	case <-b.ctx.Done():
		b.stream.CancelConnectingWith(errs.Wrap(errs.CodeInterrupted, "build cancelled", b.ctx.Err()))
	}
	b.SyncStateWithStream()
}

// unspecified returns the wildcard local endpoint for remote's family.
func unspecified(remote endpoint.Endpoint) endpoint.Endpoint {
	addr := netip.IPv4Unspecified()
	if !remote.IsIPv4() {
		addr = netip.IPv6Unspecified()
	}
	return endpoint.New(remote.Protocol, netip.AddrPortFrom(addr, 0))
}

// explore creates tunnels and actions for endpoints not tried yet.
func (b *ConnectStreamBuilder) explore(eps []endpoint.Endpoint) {
	udp := false
	for _, remote := range eps {
		b.mu.Lock()
		seen := b.tried[remote]
		b.tried[remote] = true
		b.mu.Unlock()
		if seen || !remote.IsValid() || remote.IsUnspecified() {
			continue
		}

		switch remote.Protocol {
		case endpoint.UDP:
			for _, iface := range b.deps.UDP {
				if !iface.Local().IsSameIPVersion(remote) {
					continue
				}
				if _, _, err := b.container.CreateTunnel(endpoint.NewPair(iface.Local(), remote), false); err != nil {
					b.recordErr(err)
					continue
				}
				udp = true
			}
		case endpoint.TCP:
			t, _, err := b.container.CreateTunnel(endpoint.NewPair(unspecified(remote), remote), false)
			if err != nil {
				b.recordErr(err)
				continue
			}
			if err := b.AddAction(newConnectTcpStream(b.deps, b.container, b.stream, t.(*TCPTunnel))); err != nil {
				b.recordErr(err)
			}
		}
	}
	if udp {
		b.ensurePackageAction()
	}
}

// ensurePackageAction starts the package action unless a live one exists.
func (b *ConnectStreamBuilder) ensurePackageAction() *ConnectPackageStream {
	b.mu.RLock()
	existing, ok := b.actions[packagePair]
	b.mu.RUnlock()
	if ok && existing.State() != ActionClosed {
		return existing.(*ConnectPackageStream)
	}

	action, err := newConnectPackageStream(b.deps, b.container, b.stream)
	if err != nil {
		b.recordErr(err)
		return nil
	}
	if err := b.AddAction(action); err != nil {
		if errs.CodeOf(err) == errs.CodeAlreadyExists {
			b.mu.RLock()
			existing = b.actions[packagePair]
			b.mu.RUnlock()
			return existing.(*ConnectPackageStream)
		}
		b.recordErr(err)
		return nil
	}
	return action
}

// AddAction registers and starts an action. Only one live action may exist
// per pair.
func (b *ConnectStreamBuilder) AddAction(a Action) error {
	b.mu.Lock()
	if b.state != BuilderConnecting {
		state := b.state
		b.mu.Unlock()
		return errs.Newf(errs.CodeErrorState, "add action in state %s", state)
	}
	if b.ctx == nil {
		b.mu.Unlock()
		return errs.New(errs.CodeErrorState, "builder not started")
	}
	if old, ok := b.actions[a.Pair()]; ok && old.State() != ActionClosed {
		b.mu.Unlock()
		return errs.Newf(errs.CodeAlreadyExists, "action for %s exists", a.Pair())
	}
	b.actions[a.Pair()] = a
	ctx := b.ctx
	b.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "ConnectStreamBuilder.AddAction",
		"remote":   b.container.Remote().String(),
		"pair":     a.Pair().String(),
	}).Debug("Action added")

	a.begin(ctx)
	go b.runAction(ctx, a)
	return nil
}

func (b *ConnectStreamBuilder) runAction(ctx context.Context, a Action) {
	if err := a.WaitPreEstablish(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ConnectStreamBuilder.runAction",
			"pair":     a.Pair().String(),
			"error":    err.Error(),
		}).Debug("Action failed")
		b.recordErr(err)
		b.checkExhausted()
		return
	}

	b.mu.Lock()
	if b.state != BuilderConnecting {
		b.mu.Unlock()
		a.Close()
		return
	}
	b.pre = append(b.pre, a)
	drive := !b.driving
	b.driving = true
	b.mu.Unlock()

	if drive {
		b.driveHead()
	}
}

// driveHead continues pre-established actions in arrival order until one
// establishes the stream.
func (b *ConnectStreamBuilder) driveHead() {
	for {
		b.mu.Lock()
		if b.state != BuilderConnecting || len(b.pre) == 0 {
			b.driving = false
			b.mu.Unlock()
			b.checkExhausted()
			return
		}
		head := b.pre[0]
		b.pre = b.pre[1:]
		ctx := b.ctx
		b.mu.Unlock()

		err := head.ContinueConnect(ctx)
		if err == nil {
			b.mu.Lock()
			b.driving = false
			b.mu.Unlock()
			b.SyncStateWithStream()
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "ConnectStreamBuilder.driveHead",
			"pair":     head.Pair().String(),
			"error":    err.Error(),
		}).Debug("Continue connect failed")
		b.recordErr(err)
	}
}

func (b *ConnectStreamBuilder) recordErr(err error) {
	if err == nil || errs.CodeOf(err) == errs.CodeInterrupted {
		return
	}
	b.mu.Lock()
	b.failures = multierr.Append(b.failures, err)
	b.lastErr = err
	b.mu.Unlock()
}

// alive must be called with mu held.
func (b *ConnectStreamBuilder) alive() bool {
	if len(b.pre) > 0 || b.driving || b.calling {
		return true
	}
	if b.proxy != nil && b.proxy.Pending() {
		return true
	}
	for _, a := range b.actions {
		if a.State() != ActionClosed {
			return true
		}
	}
	return false
}

// checkExhausted falls back to a rendezvous call once, then cancels the
// stream when nothing is left to try.
func (b *ConnectStreamBuilder) checkExhausted() {
	b.mu.Lock()
	if b.state != BuilderConnecting || b.ctx == nil || b.alive() {
		b.mu.Unlock()
		return
	}
	if !b.called && b.deps.SN != nil && len(b.deps.SN.SNs()) > 0 {
		b.called = true
		b.calling = true
		b.mu.Unlock()
		go b.callLoop()
		return
	}
	cause := b.lastErr
	failures := b.failures
	b.mu.Unlock()

	if cause == nil {
		cause = errs.New(errs.CodeConnectFailed, "no connect candidate")
	}
	logrus.WithFields(logrus.Fields{
		"function": "ConnectStreamBuilder.checkExhausted",
		"remote":   b.container.Remote().String(),
		"failures": len(multierr.Errors(failures)),
		"error":    cause.Error(),
	}).Info("All connect candidates failed")
	b.stream.CancelConnectingWith(cause)
}

// callPayload encodes the first box for the callee.
func (b *ConnectStreamBuilder) callPayload() []byte {
	remote := b.container.RemoteDevice()
	if remote == nil {
		return nil
	}
	box, err := b.container.FirstBox(b.stream)
	if err != nil {
		return nil
	}
	buf := make([]byte, transport.MTU)
	n, err := protocol.EncodeBox(box, buf, protocol.FirstBoxContext(remote))
	if err != nil {
		return nil
	}
	return buf[:n]
}

// callLoop calls rendezvous peers one after another. Each call has its own
// timeout; an established stream cancels the call in flight.
func (b *ConnectStreamBuilder) callLoop() {
	defer func() {
		b.mu.Lock()
		b.calling = false
		b.mu.Unlock()
		b.checkExhausted()
	}()

	cfg := b.deps.Config
	params := sn.CallParams{
		To:               b.container.Remote(),
		ReverseEndpoints: b.deps.ReverseEndpoints(),
		ActivePnList:     b.deps.activePnIDs(),
		Payload:          b.callPayload(),
	}

	for i, peer := range b.deps.SN.SNs() {
		if i > 0 {
			backoff := time.NewTimer(cfg.CallBackoff)
			select {
			case <-backoff.C:
			case <-b.stream.Done():
				backoff.Stop()
				return
			case <-b.ctx.Done():
				backoff.Stop()
				return
			}
		}

		log := logrus.WithFields(logrus.Fields{
			"function": "ConnectStreamBuilder.callLoop",
			"remote":   b.container.Remote().String(),
			"sn":       peer.ID().String(),
		})

		callCtx, cancel := context.WithTimeout(b.ctx, cfg.CallTimeout)
		params.SN = peer
		remote, err := b.deps.SN.Call(callCtx, params)
		cancel()
		if err != nil {
			if b.ctx.Err() != nil {
				log.Debug("Call cancelled")
				return
			}
			log.WithField("error", err.Error()).Warn("Rendezvous call failed")
			b.recordErr(err)
			continue
		}

		log.Debug("Rendezvous call answered")
		b.onCallSuccess(remote)
		return
	}
}

// onCallSuccess explores the descriptor the rendezvous peer answered with,
// even when the cached one is newer: the answer carries the endpoints the
// callee last pinged from.
func (b *ConnectStreamBuilder) onCallSuccess(remote *device.Device) {
	if remote != nil && remote.ID() == b.container.Remote() {
		b.container.UpdateRemoteDevice(remote)
	} else {
		remote = nil
	}
	cached := b.container.RemoteDevice()

	var passive []*device.Device
	switch {
	case remote != nil:
		passive = b.resolvePNs(remote.Body.PassivePnList)
	case cached != nil:
		passive = b.resolvePNs(cached.Body.PassivePnList)
	}
	passive = append(passive, b.params.PassivePNs...)
	b.startProxy(passive)

	var candidates []endpoint.Endpoint
	if remote != nil {
		candidates = append(candidates, remote.Endpoints()...)
	}
	if cached != nil {
		candidates = append(candidates, cached.Endpoints()...)
	}
	b.explore(candidates)
}

func (b *ConnectStreamBuilder) resolvePNs(ids []device.DeviceId) []*device.Device {
	var out []*device.Device
	for _, id := range ids {
		if d, ok := b.deps.Devices.Get(id); ok {
			out = append(out, d)
		}
	}
	return out
}

// startProxy sends SynProxy to our active relays and the given passive
// ones. The proxy builder is created once.
func (b *ConnectStreamBuilder) startProxy(passive []*device.Device) {
	b.mu.Lock()
	if b.state != BuilderConnecting {
		b.mu.Unlock()
		return
	}
	if b.proxy == nil {
		b.proxy = NewProxyBuilder(b.deps, b.container, b.stream.Sequence(), b.onProxyTunnel, b.checkExhausted)
	}
	proxy, ctx := b.proxy, b.ctx
	b.mu.Unlock()

	for _, pn := range b.deps.ActivePNs {
		if err := proxy.SynProxy(ctx, ProxyActive, pn); err != nil && errs.CodeOf(err) != errs.CodeAlreadyExists {
			b.recordErr(err)
		}
	}
	for _, pn := range passive {
		if err := proxy.SynProxy(ctx, ProxyPassive, pn); err != nil && errs.CodeOf(err) != errs.CodeAlreadyExists {
			b.recordErr(err)
		}
	}
}

func (b *ConnectStreamBuilder) onProxyTunnel(t *UDPTunnel) {
	b.ensurePackageAction()
}

// OnCalled takes a call notification from the remote: its reverse
// endpoints are explored and its relays negotiated.
func (b *ConnectStreamBuilder) OnCalled(called *protocol.SnCalled, caller *device.Device) {
	if b.State() != BuilderConnecting {
		return
	}
	if caller != nil {
		b.container.UpdateRemoteDevice(caller)
	}
	b.startProxy(b.resolvePNs(called.ActivePnList))
	b.explore(called.ReverseEndpointArray)
}

// OnAckProxy forwards a relay answer to the proxy builder.
func (b *ConnectStreamBuilder) OnAckProxy(pnID device.DeviceId, ack *protocol.AckProxy) {
	b.mu.RLock()
	state, proxy := b.state, b.proxy
	b.mu.RUnlock()
	log := logrus.WithFields(logrus.Fields{
		"function": "ConnectStreamBuilder.OnAckProxy",
		"pn":       pnID.String(),
		"state":    state.String(),
	})
	if state != BuilderConnecting || proxy == nil {
		log.Debug("AckProxy ignored")
		return
	}
	if err := proxy.OnAckProxy(pnID, ack); err != nil {
		log.WithField("error", err.Error()).Debug("AckProxy rejected")
		b.recordErr(err)
		b.checkExhausted()
	}
}

// OnSessionData routes a syn-ack received from on iface to the package
// action. It reports whether the package was consumed.
func (b *ConnectStreamBuilder) OnSessionData(iface *transport.UDPInterface, from endpoint.Endpoint, pkg *protocol.SessionData) bool {
	if b.State() != BuilderConnecting || !pkg.IsSynAck() {
		return false
	}
	t, _, err := b.container.CreateTunnel(endpoint.NewPair(iface.Local(), from), false)
	if err != nil {
		return false
	}
	action := b.ensurePackageAction()
	if action == nil {
		return false
	}
	return action.onSynAck(t.(*UDPTunnel), pkg)
}

// OnTcpAckConnection adopts a reverse TCP connection the remote opened.
func (b *ConnectStreamBuilder) OnTcpAckConnection(iface *transport.AcceptInterface, pkg *protocol.TcpAckConnection) error {
	if state := b.State(); state != BuilderConnecting {
		return errs.Newf(errs.CodeErrorState, "reverse tcp in state %s", state)
	}
	if pkg.ToDevice != nil {
		b.container.UpdateRemoteDevice(pkg.ToDevice)
	}
	return b.AddAction(newAcceptReverseTcpStream(b.stream, iface, pkg))
}

// SyncStateWithStream follows the stream once it left Connecting: the
// builder turns terminal, the call in flight is cancelled and the losing
// actions are closed.
func (b *ConnectStreamBuilder) SyncStateWithStream() {
	var next BuilderState
	switch b.stream.State() {
	case stream.StateEstablished:
		next = BuilderEstablish
	case stream.StateClosed:
		next = BuilderClosed
	default:
		return
	}

	b.mu.Lock()
	if b.state != BuilderConnecting {
		b.mu.Unlock()
		return
	}
	b.state = next
	actions := make([]Action, 0, len(b.actions))
	for _, a := range b.actions {
		actions = append(actions, a)
	}
	b.pre = nil
	proxy, cancel := b.proxy, b.cancel
	close(b.done)
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, a := range actions {
		if a.State() != ActionEstablish {
			a.Close()
		}
	}
	if proxy != nil {
		proxy.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "ConnectStreamBuilder.SyncStateWithStream",
		"remote":   b.container.Remote().String(),
		"seq":      b.stream.Sequence(),
		"state":    next.String(),
	}).Debug("Builder finished")
}

// WaitEstablish blocks until the builder is terminal. It returns at once
// when it already is.
func (b *ConnectStreamBuilder) WaitEstablish(ctx context.Context) error {
	select {
	case <-b.done:
	case <-ctx.Done():
		return errs.Wrap(errs.CodeInterrupted, "wait establish", ctx.Err())
	}
	if b.State() == BuilderEstablish {
		return nil
	}
	if err := b.stream.Err(); err != nil {
		return err
	}
	return errs.New(errs.CodeFailed, "stream closed")
}

// State returns the builder state.
func (b *ConnectStreamBuilder) State() BuilderState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}
