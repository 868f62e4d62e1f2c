package bdt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/bdt/crypto"
	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/errs"
	"github.com/opd-ai/bdt/keystore"
	"github.com/opd-ai/bdt/protocol"
	"github.com/opd-ai/bdt/sn"
	"github.com/opd-ai/bdt/stream"
	"github.com/opd-ai/bdt/transport"
	"github.com/opd-ai/bdt/tunnel"
)

// connectKey identifies one connect attempt on both sides.
type connectKey struct {
	remote device.DeviceId
	seq    protocol.TempSeq
}

// Stack is one local device: its sockets, keys, known devices and the
// streams connected through them.
type Stack struct {
	options  *Options
	identity *crypto.Identity
	keys     *keystore.Keystore
	devices  *device.Cache
	udp      []*transport.UDPInterface
	tcp      []*transport.Listener
	snClient *sn.Client
	deps     *tunnel.Deps
	seq      *protocol.TempSeqGenerator
	session  atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	containers map[device.DeviceId]*tunnel.Container
	builders   map[connectKey]*tunnel.ConnectStreamBuilder
	accepting  map[connectKey]*acceptor
	callees    map[connectKey]*tunnel.ProxyBuilder
	streams    map[uint32]*stream.Stream
	listeners  map[uint16]chan *stream.Stream
	closed     bool
}

// New creates a stack for identity and starts its receive loops. ctx bounds
// startup only: binding and outer endpoint discovery.
func New(ctx context.Context, identity *crypto.Identity, options *Options) (*Stack, error) {
	if options == nil {
		options = NewOptions()
	}
	options = options.withDefaults()

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"udp":      len(options.UDP),
		"tcp":      len(options.TCP),
		"sns":      len(options.SNs),
	}).Info("Creating stack")

	keys, err := keystore.New(identity, options.Keystore)
	if err != nil {
		return nil, err
	}

	udp, tcp, err := bind(ctx, options)
	if err != nil {
		return nil, err
	}

	s := &Stack{
		options:    options,
		identity:   identity,
		keys:       keys,
		udp:        udp,
		tcp:        tcp,
		seq:        protocol.NewTempSeqGenerator(),
		containers: make(map[device.DeviceId]*tunnel.Container),
		builders:   make(map[connectKey]*tunnel.ConnectStreamBuilder),
		accepting:  make(map[connectKey]*acceptor),
		callees:    make(map[connectKey]*tunnel.ProxyBuilder),
		streams:    make(map[uint32]*stream.Stream),
		listeners:  make(map[uint16]chan *stream.Stream),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	local := device.New(identity, options.Category, s.boundEndpoints())
	for _, d := range options.SNs {
		local.Body.SnList = append(local.Body.SnList, d.ID())
	}
	for _, d := range options.ActivePNs {
		local.Body.PassivePnList = append(local.Body.PassivePnList, d.ID())
	}
	if err := local.Sign(identity); err != nil {
		s.cancel()
		s.closeSockets()
		return nil, err
	}
	s.devices, err = device.NewCache(local, options.DeviceCacheSize)
	if err != nil {
		s.cancel()
		s.closeSockets()
		return nil, err
	}
	for _, d := range append(append([]*device.Device(nil), options.SNs...), options.ActivePNs...) {
		s.devices.Add(d)
	}

	tcpLocal := make([]endpoint.Endpoint, 0, len(tcp))
	for _, l := range tcp {
		tcpLocal = append(tcpLocal, l.Local())
	}
	s.deps = &tunnel.Deps{
		Config:    options.Tunnel,
		Keys:      keys,
		Devices:   s.devices,
		UDP:       udp,
		TCPLocal:  tcpLocal,
		ActivePNs: options.ActivePNs,
	}
	if len(options.SNs) > 0 {
		s.snClient = sn.NewClient(options.SN, keys, s.devices, udp, options.SNs)
		s.snClient.SetCalledHandler(s.onCalled)
		s.snClient.SetOuterHandler(func(*transport.UDPInterface, endpoint.Endpoint) {
			s.refreshLocal()
		})
		s.deps.SN = s.snClient
	}

	for _, iface := range udp {
		iface.Start(transport.UDPConfig{Keystore: keys, LocalID: local.ID()}, s.onUDPBox)
	}
	s.discoverOuter(ctx)
	for _, l := range tcp {
		l.Start(transport.AcceptConfig{
			Keystore: keys,
			LocalID:  local.ID(),
			Timeout:  options.AcceptTimeout,
		}, s.onAccept)
	}
	if s.snClient != nil {
		s.snClient.Start(s.ctx)
	}
	go s.sweep()

	logrus.WithFields(logrus.Fields{
		"function":  "New",
		"device":    local.ID().String(),
		"endpoints": len(local.Endpoints()),
	}).Info("Stack started")
	return s, nil
}

// bind opens every configured socket concurrently. On failure the sockets
// already bound are closed.
func bind(ctx context.Context, options *Options) ([]*transport.UDPInterface, []*transport.Listener, error) {
	udp := make([]*transport.UDPInterface, len(options.UDP))
	tcp := make([]*transport.Listener, len(options.TCP))

	g, _ := errgroup.WithContext(ctx)
	for i, ep := range options.UDP {
		i, ep := i, ep
		g.Go(func() error {
			iface, err := transport.BindUDP(ep.WithProtocol(endpoint.UDP), nil)
			udp[i] = iface
			return err
		})
	}
	for i, ep := range options.TCP {
		i, ep := i, ep
		g.Go(func() error {
			l, err := transport.BindListener(ep.WithProtocol(endpoint.TCP), 0)
			tcp[i] = l
			return err
		})
	}
	if err := g.Wait(); err != nil {
		for _, iface := range udp {
			if iface != nil {
				iface.Close()
			}
		}
		for _, l := range tcp {
			if l != nil {
				l.Close()
			}
		}
		return nil, nil, err
	}
	return udp, tcp, nil
}

func (s *Stack) boundEndpoints() []endpoint.Endpoint {
	var eps []endpoint.Endpoint
	for _, iface := range s.udp {
		eps = append(eps, iface.Local())
		if outer, ok := iface.Outer(); ok && outer != iface.Local() {
			eps = append(eps, outer)
		}
	}
	for _, l := range s.tcp {
		eps = append(eps, l.Local())
		if outer, ok := l.Outer(); ok && outer != l.Local() {
			eps = append(eps, outer)
		}
	}
	return eps
}

// refreshLocal re-signs the local device with the current endpoints.
func (s *Stack) refreshLocal() {
	local := s.devices.Local()
	local.UpdateEndpoints(s.boundEndpoints())
	if err := local.Sign(s.identity); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Stack.refreshLocal",
			"error":    err.Error(),
		}).Error("Failed to sign local device")
		return
	}
	s.devices.SetLocal(local)
}

// discoverOuter asks the STUN servers for the outer endpoint of each UDP
// interface. Failures only cost reachability.
func (s *Stack) discoverOuter(ctx context.Context) {
	if len(s.options.STUNServers) == 0 {
		return
	}
	var g errgroup.Group
	for _, iface := range s.udp {
		iface := iface
		g.Go(func() error {
			for _, server := range s.options.STUNServers {
				if !server.IsSameIPVersion(iface.Local()) {
					continue
				}
				outer, err := iface.DiscoverOuter(ctx, server, s.options.DiscoverTimeout)
				if err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "Stack.discoverOuter",
						"local":    iface.Local().String(),
						"server":   server.String(),
						"error":    err.Error(),
					}).Warn("STUN discovery failed")
					continue
				}
				iface.UpdateOuter(outer)
				return nil
			}
			return nil
		})
	}
	g.Wait()
	s.refreshLocal()
}

// Local returns the signed local device descriptor.
func (s *Stack) Local() *device.Device {
	return s.devices.Local()
}

// Keystore returns the key store.
func (s *Stack) Keystore() *keystore.Keystore {
	return s.keys
}

// Devices returns the device cache.
func (s *Stack) Devices() *device.Cache {
	return s.devices
}

func (s *Stack) nextSession() uint32 {
	for {
		if id := s.session.Add(1); id != 0 {
			return id
		}
	}
}

// container returns the container for remote, creating it if absent.
func (s *Stack) container(remote device.DeviceId, remoteDevice *device.Device) *tunnel.Container {
	if remoteDevice != nil {
		s.devices.Add(remoteDevice)
	}
	s.mu.Lock()
	c, ok := s.containers[remote]
	if !ok {
		if remoteDevice == nil {
			remoteDevice, _ = s.devices.Get(remote)
		}
		c = tunnel.NewContainer(s.deps, remote, remoteDevice)
		s.containers[remote] = c
	}
	s.mu.Unlock()
	if ok && remoteDevice != nil {
		c.UpdateRemoteDevice(remoteDevice)
	}
	return c
}

// ConnectParams carries connect hints.
type ConnectParams struct {
	// Endpoints are tried alongside the remote device's own.
	Endpoints []endpoint.Endpoint
	// PassivePNs are relays the remote is known to use.
	PassivePNs []*device.Device
}

// Connect opens a stream to port on remote and waits until it is
// established or the attempt fails.
func (s *Stack) Connect(ctx context.Context, remote *device.Device, port uint16, params ConnectParams) (*stream.Stream, error) {
	remoteID := remote.ID()
	if remoteID == s.devices.LocalID() {
		return nil, errs.New(errs.CodeInvalidParam, "connect to the local device")
	}
	c := s.container(remoteID, remote)
	st := stream.New(s.seq.Generate(), remoteID, port, s.nextSession())
	b := tunnel.NewConnectStreamBuilder(s.deps, c, st, tunnel.BuildParams{
		Endpoints:  params.Endpoints,
		PassivePNs: params.PassivePNs,
	})
	key := connectKey{remote: remoteID, seq: st.Sequence()}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errs.New(errs.CodeErrorState, "stack closed")
	}
	s.builders[key] = b
	s.streams[st.SessionID()] = st
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.builders, key)
		s.mu.Unlock()
	}()

	log := logrus.WithFields(logrus.Fields{
		"function": "Stack.Connect",
		"remote":   remoteID.String(),
		"port":     port,
		"seq":      st.Sequence(),
	})
	log.Debug("Connecting stream")

	if err := b.Build(s.ctx); err != nil {
		s.dropStream(st)
		return nil, err
	}
	if err := b.WaitEstablish(ctx); err != nil {
		st.Close()
		s.dropStream(st)
		log.WithField("error", err.Error()).Info("Connect failed")
		return nil, err
	}
	log.WithField("provider", st.Provider().Kind()).Info("Stream connected")
	return st, nil
}

// Listen returns the queue of streams accepted on port.
func (s *Stack) Listen(port uint16) (<-chan *stream.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.New(errs.CodeErrorState, "stack closed")
	}
	if _, ok := s.listeners[port]; ok {
		return nil, errs.Newf(errs.CodeAlreadyExists, "port %d already listened", port)
	}
	ch := make(chan *stream.Stream, s.options.AcceptQueue)
	s.listeners[port] = ch
	return ch, nil
}

func (s *Stack) listening(port uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.listeners[port]
	return ok
}

// deliver hands an established stream to its listener. A full queue
// closes the stream.
func (s *Stack) deliver(st *stream.Stream) {
	s.mu.RLock()
	queued := false
	if ch, ok := s.listeners[st.Port()]; ok && !s.closed {
		select {
		case ch <- st:
			queued = true
		default:
		}
	}
	s.mu.RUnlock()
	if queued {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Stack.deliver",
		"remote":   st.RemoteID().String(),
		"port":     st.Port(),
	}).Warn("Accept queue unavailable, stream closed")
	st.Close()
}

func (s *Stack) dropStream(st *stream.Stream) {
	s.mu.Lock()
	if cur, ok := s.streams[st.SessionID()]; ok && cur == st {
		delete(s.streams, st.SessionID())
	}
	s.mu.Unlock()
}

// sweep forgets closed streams and finished accept attempts.
func (s *Stack) sweep() {
	interval := s.deps.Config.ConnectTimeout
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		s.mu.Lock()
		for id, st := range s.streams {
			if st.State() == stream.StateClosed {
				delete(s.streams, id)
			}
		}
		for key, acc := range s.accepting {
			if acc.stream.State() != stream.StateConnecting && now.Sub(acc.created) > interval {
				delete(s.accepting, key)
			}
		}
		for key, proxy := range s.callees {
			if !proxy.Pending() {
				proxy.Close()
				delete(s.callees, key)
			}
		}
		s.mu.Unlock()
	}
}

// Close stops the stack and closes every stream and socket.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	streams := make([]*stream.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	for port, ch := range s.listeners {
		close(ch)
		delete(s.listeners, port)
	}
	for _, proxy := range s.callees {
		proxy.Close()
	}
	s.mu.Unlock()

	s.cancel()
	for _, st := range streams {
		st.Close()
	}
	err := s.closeSockets()

	logrus.WithFields(logrus.Fields{
		"function": "Stack.Close",
		"streams":  len(streams),
	}).Info("Stack closed")
	return err
}

func (s *Stack) closeSockets() error {
	var err error
	for _, iface := range s.udp {
		err = multierr.Append(err, iface.Close())
	}
	for _, l := range s.tcp {
		err = multierr.Append(err, l.Close())
	}
	return err
}
