package tunnel

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/errs"
	"github.com/opd-ai/bdt/protocol"
	"github.com/opd-ai/bdt/stream"
	"github.com/opd-ai/bdt/transport"
)

// ActionState is the state of one connect action.
type ActionState int

const (
	ActionConnecting ActionState = iota
	ActionPreEstablish
	ActionEstablish
	ActionClosed
)

func (s ActionState) String() string {
	switch s {
	case ActionConnecting:
		return "connecting"
	case ActionPreEstablish:
		return "pre-establish"
	case ActionEstablish:
		return "establish"
	default:
		return "closed"
	}
}

// Action is one candidate path for a stream. The variants are
// ConnectTcpStream, ConnectPackageStream and AcceptReverseTcpStream.
type Action interface {
	Local() endpoint.Endpoint
	Remote() endpoint.Endpoint
	Pair() endpoint.Pair
	State() ActionState
	// WaitPreEstablish blocks until the remote answered or the action
	// failed.
	WaitPreEstablish(ctx context.Context) error
	// ContinueConnect completes a pre-established action and establishes
	// the stream over it.
	ContinueConnect(ctx context.Context) error
	Close()

	begin(ctx context.Context)
}

// packagePair keys the single package action of a builder.
var packagePair = endpoint.NewPair(
	endpoint.New(endpoint.UDP, netip.AddrPortFrom(netip.IPv4Unspecified(), 0)),
	endpoint.New(endpoint.UDP, netip.AddrPortFrom(netip.IPv4Unspecified(), 0)),
)

type actionBase struct {
	pair endpoint.Pair

	mu    sync.Mutex
	state ActionState
	err   error
	// pre is closed when the action leaves Connecting.
	pre chan struct{}
}

func newActionBase(pair endpoint.Pair) actionBase {
	return actionBase{pair: pair, pre: make(chan struct{})}
}

func (a *actionBase) Local() endpoint.Endpoint { return a.pair.Local }

func (a *actionBase) Remote() endpoint.Endpoint { return a.pair.Remote }

func (a *actionBase) Pair() endpoint.Pair { return a.pair }

func (a *actionBase) State() ActionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *actionBase) WaitPreEstablish(ctx context.Context) error {
	select {
	case <-a.pre:
	case <-ctx.Done():
		return errs.Wrap(errs.CodeInterrupted, "wait pre-establish", ctx.Err())
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == ActionClosed {
		return a.err
	}
	return nil
}

// toPreEstablish reports whether the action moved out of Connecting.
func (a *actionBase) toPreEstablish() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != ActionConnecting {
		return false
	}
	a.state = ActionPreEstablish
	close(a.pre)
	return true
}

// establish moves a pre-established action to Establish and then runs
// commit. The action is Establish before the stream can observe the win,
// so the builder never closes it as a loser. A failed commit closes it.
func (a *actionBase) establish(commit func() error) error {
	a.mu.Lock()
	if a.state != ActionPreEstablish {
		state := a.state
		a.mu.Unlock()
		return errs.Newf(errs.CodeErrorState, "establish in state %s", state)
	}
	a.state = ActionEstablish
	a.mu.Unlock()

	if err := commit(); err != nil {
		a.mu.Lock()
		a.state = ActionClosed
		a.err = err
		a.mu.Unlock()
		return err
	}
	return nil
}

// fail closes the action unless it already established or closed.
func (a *actionBase) fail(err error) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case ActionEstablish, ActionClosed:
		return false
	case ActionConnecting:
		close(a.pre)
	}
	a.state = ActionClosed
	a.err = err
	return true
}

func (a *actionBase) expectPreEstablish() error {
	if state := a.State(); state != ActionPreEstablish {
		return errs.Newf(errs.CodeErrorState, "continue connect in state %s", state)
	}
	return nil
}

// ConnectTcpStream dials one TCP endpoint of the remote and sends
// TcpSynConnection as the first box.
type ConnectTcpStream struct {
	actionBase
	deps      *Deps
	container *Container
	stream    *stream.Stream

	iface *transport.Interface
	ack   *protocol.TcpAckConnection
}

func newConnectTcpStream(deps *Deps, c *Container, s *stream.Stream, t *TCPTunnel) *ConnectTcpStream {
	return &ConnectTcpStream{
		actionBase: newActionBase(t.Pair()),
		deps:       deps,
		container:  c,
		stream:     s,
	}
}

func (a *ConnectTcpStream) begin(ctx context.Context) {
	go a.connect(ctx)
}

func (a *ConnectTcpStream) connect(ctx context.Context) {
	timeout := a.deps.Config.ConnectTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := logrus.WithFields(logrus.Fields{
		"function": "ConnectTcpStream.connect",
		"remote":   a.pair.Remote.String(),
		"seq":      a.stream.Sequence(),
	})

	fk, err := a.container.Key()
	if err != nil {
		a.fail(err)
		return
	}
	remoteDevice := a.container.RemoteDevice()
	if remoteDevice == nil {
		a.fail(errs.New(errs.CodeErrorState, "remote device unknown"))
		return
	}

	iface, err := transport.Connect(ctx, a.pair.Remote, remoteDevice, fk.Key, timeout)
	if err != nil {
		log.WithField("error", err.Error()).Debug("TCP dial failed")
		a.fail(err)
		return
	}

	local := a.deps.Local()
	syn := a.stream.SynTcpConnection(local, a.deps.ReverseEndpoints())
	reply, err := iface.ConfirmConnect(ctx, transport.ConnectConfig{
		Keystore: a.deps.Keys,
		Local:    local,
		Timeout:  timeout,
	}, a.stream.Sequence(), syn)
	if err != nil {
		iface.Close()
		log.WithField("error", err.Error()).Debug("TCP confirm failed")
		a.fail(err)
		return
	}

	var ack *protocol.TcpAckConnection
	for _, pkg := range reply.Packages() {
		if p, ok := pkg.(*protocol.TcpAckConnection); ok && p.Sequence == a.stream.Sequence() {
			ack = p
			break
		}
	}
	switch {
	case ack == nil:
		iface.Close()
		a.fail(errs.New(errs.CodeInvalidData, "reply without TcpAckConnection"))
		return
	case ack.Result != protocol.ResultOK:
		iface.Close()
		a.fail(errs.Newf(errs.CodeConnectFailed, "remote refused tcp stream: result %d", ack.Result))
		return
	}

	a.mu.Lock()
	a.iface = iface
	a.ack = ack
	a.mu.Unlock()
	if !a.toPreEstablish() {
		iface.Close()
		return
	}
	log.Debug("TCP stream pre-established")
}

func (a *ConnectTcpStream) ContinueConnect(ctx context.Context) error {
	if err := a.expectPreEstablish(); err != nil {
		return err
	}
	a.mu.Lock()
	iface, ack := a.iface, a.ack
	a.mu.Unlock()

	conn := iface.PackageInterface()
	// the acceptor commits its side only on this ack-ack
	ackAck := &protocol.TcpAckAckConnection{Sequence: a.stream.Sequence(), Result: protocol.ResultOK}
	if err := conn.SendPackages(ackAck); err != nil {
		a.fail(err)
		iface.Close()
		return err
	}
	provider := NewTcpProvider(conn, a.stream)
	if err := a.establish(func() error {
		return a.stream.EstablishWith(provider, ack.ToSessionID)
	}); err != nil {
		iface.Close()
		return err
	}
	provider.Start()
	return nil
}

func (a *ConnectTcpStream) Close() {
	if !a.fail(errs.New(errs.CodeInterrupted, "action closed")) {
		return
	}
	a.mu.Lock()
	iface := a.iface
	a.mu.Unlock()
	if iface != nil {
		iface.Close()
	}
}

// ConnectPackageStream resends the first box over every UDP tunnel of the
// container until a syn-ack comes back.
type ConnectPackageStream struct {
	actionBase
	deps      *Deps
	container *Container
	stream    *stream.Stream

	box    *protocol.PackageBox
	tunnel *UDPTunnel
	synAck *protocol.SessionData
	stop   chan struct{}
}

func newConnectPackageStream(deps *Deps, c *Container, s *stream.Stream) (*ConnectPackageStream, error) {
	box, err := c.FirstBox(s)
	if err != nil {
		return nil, err
	}
	return &ConnectPackageStream{
		actionBase: newActionBase(packagePair),
		deps:       deps,
		container:  c,
		stream:     s,
		box:        box,
		stop:       make(chan struct{}),
	}, nil
}

func (a *ConnectPackageStream) begin(ctx context.Context) {
	go a.holepunch(ctx)
}

func (a *ConnectPackageStream) holepunch(ctx context.Context) {
	deadline := time.NewTimer(a.deps.Config.ConnectTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(a.deps.Config.HolepunchInterval)
	defer ticker.Stop()

	for {
		for _, t := range a.container.UDPTunnels() {
			if err := t.Send(a.box); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "ConnectPackageStream.holepunch",
					"pair":     t.Pair().String(),
					"error":    err.Error(),
				}).Debug("First box send failed")
			}
		}

		select {
		case <-ticker.C:
			if a.State() != ActionConnecting {
				return
			}
		case <-deadline.C:
			a.fail(errs.New(errs.CodeTimeout, "no syn-ack on any udp tunnel"))
			return
		case <-a.stop:
			return
		case <-ctx.Done():
			a.fail(errs.Wrap(errs.CodeInterrupted, "holepunch", ctx.Err()))
			return
		}
	}
}

// onSynAck takes a syn-ack received on t.
func (a *ConnectPackageStream) onSynAck(t *UDPTunnel, pkg *protocol.SessionData) bool {
	if !pkg.IsSynAck() || pkg.ToSessionID != a.stream.SessionID() {
		return false
	}
	if pkg.SynInfo != nil && pkg.SynInfo.Sequence != a.stream.Sequence() {
		return false
	}
	a.mu.Lock()
	if a.state != ActionConnecting {
		a.mu.Unlock()
		return false
	}
	a.tunnel = t
	a.synAck = pkg
	a.mu.Unlock()
	if !a.toPreEstablish() {
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function": "ConnectPackageStream.onSynAck",
		"pair":     t.Pair().String(),
		"proxy":    t.IsProxy(),
		"seq":      a.stream.Sequence(),
	}).Debug("Package stream pre-established")
	return true
}

func (a *ConnectPackageStream) ContinueConnect(ctx context.Context) error {
	if err := a.expectPreEstablish(); err != nil {
		return err
	}
	a.mu.Lock()
	t, synAck := a.tunnel, a.synAck
	a.mu.Unlock()

	fk, err := a.container.Key()
	if err != nil {
		a.fail(err)
		a.halt()
		return err
	}
	remoteSession := synAck.SessionID
	box := protocol.NewPackageBox(a.container.Remote(), fk.Key).Push(
		&protocol.AckAckTunnel{Sequence: a.stream.Sequence(), Result: protocol.ResultOK},
		&protocol.SessionData{
			SessionID: remoteSession,
			SendTime:  protocol.NowMicros(),
			Flags:     protocol.SessionFlagAck,
		},
	)
	if err := t.Send(box); err != nil {
		a.fail(err)
		a.halt()
		return err
	}

	provider := NewPackageProvider(t, remoteSession)
	err = a.establish(func() error {
		return a.stream.EstablishWith(provider, remoteSession)
	})
	a.halt()
	return err
}

func (a *ConnectPackageStream) halt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
}

func (a *ConnectPackageStream) Close() {
	a.fail(errs.New(errs.CodeInterrupted, "action closed"))
	a.halt()
}

// AcceptReverseTcpStream wraps a TCP connection the remote opened toward
// us in answer to a call.
type AcceptReverseTcpStream struct {
	actionBase
	stream *stream.Stream
	iface  *transport.AcceptInterface
	ack    *protocol.TcpAckConnection
}

func newAcceptReverseTcpStream(s *stream.Stream, iface *transport.AcceptInterface, ack *protocol.TcpAckConnection) *AcceptReverseTcpStream {
	return &AcceptReverseTcpStream{
		actionBase: newActionBase(endpoint.NewPair(iface.Local(), iface.Remote())),
		stream:     s,
		iface:      iface,
		ack:        ack,
	}
}

func (a *AcceptReverseTcpStream) begin(context.Context) {
	a.toPreEstablish()
}

func (a *AcceptReverseTcpStream) ContinueConnect(ctx context.Context) error {
	if err := a.expectPreEstablish(); err != nil {
		return err
	}
	ackAck := &protocol.TcpAckAckConnection{Sequence: a.stream.Sequence(), Result: protocol.ResultOK}
	if err := a.iface.ConfirmAccept(ackAck); err != nil {
		a.fail(err)
		a.iface.Close()
		return err
	}
	provider := NewTcpProvider(a.iface.PackageInterface(), a.stream)
	if err := a.establish(func() error {
		return a.stream.EstablishWith(provider, a.ack.ToSessionID)
	}); err != nil {
		a.iface.Close()
		return err
	}
	provider.Start()
	return nil
}

func (a *AcceptReverseTcpStream) Close() {
	if a.fail(errs.New(errs.CodeInterrupted, "action closed")) {
		a.iface.Close()
	}
}
