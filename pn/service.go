// Package pn implements the relay proxy: two peers that cannot reach each
// other directly send SynProxy with the same key hash, receive the same
// proxy endpoint in AckProxy, and exchange datagrams through it.
//
// The service plugs into a rendezvous listener:
//
//	relay := pn.NewService(pn.DefaultConfig(), nil)
//	mux := sn.NewMux(peers).Route(relay, protocol.CmdSynProxy)
//	ln, _, _, err := sn.Listen(ctx, listenerConfig, mux, keys)
package pn

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bdt/crypto"
	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/errs"
	"github.com/opd-ai/bdt/protocol"
	"github.com/opd-ai/bdt/sn"
)

const (
	DefaultPairTimeout = 5 * time.Minute
	DefaultMaxPairs    = 1024

	relayBufferSize = 2048
)

// Config configures the relay.
type Config struct {
	// ListenAddr is the address proxy sockets bind; zero binds all IPv4
	// addresses.
	ListenAddr netip.Addr `yaml:"listen_addr"`
	// PublicAddr, when set, is advertised instead of the bound address.
	PublicAddr  netip.Addr    `yaml:"public_addr"`
	PairTimeout time.Duration `yaml:"pair_timeout"`
	MaxPairs    int           `yaml:"max_pairs"`
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		PairTimeout: DefaultPairTimeout,
		MaxPairs:    DefaultMaxPairs,
	}
}

// Service answers SynProxy and relays datagrams between paired peers.
type Service struct {
	config  Config
	metrics *Metrics

	mu     sync.Mutex
	pairs  map[crypto.MixHash]*proxyPair
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewService creates a relay and starts its idle pair janitor.
func NewService(config Config, metrics *Metrics) *Service {
	if config.PairTimeout <= 0 {
		config.PairTimeout = DefaultPairTimeout
	}
	if config.MaxPairs <= 0 {
		config.MaxPairs = DefaultMaxPairs
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	s := &Service{
		config:  config,
		metrics: metrics,
		pairs:   make(map[crypto.MixHash]*proxyPair),
		stop:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.janitor()
	return s
}

var _ sn.Service = (*Service)(nil)

// Handle answers one SynProxy. Other packages are ignored.
func (s *Service) Handle(box *protocol.PackageBox, pkg protocol.Package, sender sn.MessageSender) {
	syn, ok := pkg.(*protocol.SynProxy)
	if !ok {
		return
	}

	ack := &protocol.AckProxy{Seq: syn.Seq, ToPeerID: syn.ToPeerID}
	var err error
	if syn.FromPeerID != box.Remote() {
		err = errs.New(errs.CodeInvalidParam, "syn proxy from another device")
	} else {
		var pair *proxyPair
		pair, err = s.pairFor(syn)
		if err == nil {
			ep := pair.endpoint
			ack.ProxyEndpoint = &ep
		}
	}

	result := "ok"
	if err != nil {
		code := uint16(errs.CodeOf(err))
		ack.Err = &code
		result = errs.CodeOf(err).String()
		logrus.WithFields(logrus.Fields{
			"function": "Service.Handle",
			"from":     syn.FromPeerID.String(),
			"to":       syn.ToPeerID.String(),
			"error":    err.Error(),
		}).Debug("SynProxy refused")
	}
	s.metrics.SynProxy.WithLabelValues(result).Inc()

	out := protocol.NewPackageBox(box.Remote(), box.Key()).Push(ack)
	if err := sender.SendBox(out); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Service.Handle",
			"remote":   box.Remote().String(),
			"error":    err.Error(),
		}).Debug("AckProxy send failed")
	}
}

// pairFor returns the pair for the SynProxy key hash, allocating a proxy
// socket for the first side.
func (s *Service) pairFor(syn *protocol.SynProxy) (*proxyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.New(errs.CodeErrorState, "relay closed")
	}

	if pair, ok := s.pairs[syn.KeyHash]; ok {
		if !pair.matches(syn.FromPeerID, syn.ToPeerID) {
			return nil, errs.New(errs.CodeAlreadyExists, "key hash bound to other devices")
		}
		return pair, nil
	}
	if len(s.pairs) >= s.config.MaxPairs {
		return nil, errs.Newf(errs.CodeOutOfLimit, "relay full: %d pairs", len(s.pairs))
	}

	pair, err := s.newPair(syn)
	if err != nil {
		return nil, err
	}
	s.pairs[syn.KeyHash] = pair
	s.metrics.Pairs.Set(float64(len(s.pairs)))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		pair.relay(s.metrics)
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Service.pairFor",
		"from":     syn.FromPeerID.String(),
		"to":       syn.ToPeerID.String(),
		"proxy":    pair.endpoint.String(),
	}).Info("Relay pair allocated")
	return pair, nil
}

func (s *Service) newPair(syn *protocol.SynProxy) (*proxyPair, error) {
	listen := s.config.ListenAddr
	if !listen.IsValid() {
		listen = netip.IPv4Unspecified()
	}
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(listen, 0)))
	if err != nil {
		return nil, errs.Wrap(errs.CodeFailed, "bind proxy socket", err)
	}
	bound, err := endpoint.FromNetAddr(conn.LocalAddr())
	if err != nil {
		conn.Close()
		return nil, err
	}
	if s.config.PublicAddr.IsValid() {
		bound = endpoint.New(endpoint.UDP, netip.AddrPortFrom(s.config.PublicAddr, bound.Addr.Port()))
	}

	pair := &proxyPair{
		hash:     syn.KeyHash,
		conn:     conn,
		endpoint: bound,
		a:        syn.FromPeerID,
		b:        syn.ToPeerID,
	}
	pair.touch()
	return pair, nil
}

// PairCount returns the number of allocated pairs.
func (s *Service) PairCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairs)
}

func (s *Service) janitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.PairTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.expire(now)
		}
	}
}

// expire closes pairs idle for longer than PairTimeout.
func (s *Service) expire(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, pair := range s.pairs {
		if now.Sub(pair.lastActive()) > s.config.PairTimeout {
			pair.conn.Close()
			delete(s.pairs, hash)
		}
	}
	s.metrics.Pairs.Set(float64(len(s.pairs)))
}

// Close releases every proxy socket.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for hash, pair := range s.pairs {
		pair.conn.Close()
		delete(s.pairs, hash)
	}
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
	return nil
}

// proxyPair is one relay socket shared by two devices. The first two
// source addresses seen on the socket become its sides.
type proxyPair struct {
	hash     crypto.MixHash
	conn     *net.UDPConn
	endpoint endpoint.Endpoint
	a, b     device.DeviceId
	active   atomic.Int64

	mu    sync.Mutex
	addrs [2]netip.AddrPort
	count int
}

func (p *proxyPair) matches(from, to device.DeviceId) bool {
	return (p.a == from && p.b == to) || (p.a == to && p.b == from)
}

func (p *proxyPair) touch() {
	p.active.Store(time.Now().UnixNano())
}

func (p *proxyPair) lastActive() time.Time {
	return time.Unix(0, p.active.Load())
}

// peer returns where a datagram from from is forwarded.
func (p *proxyPair) peer(from netip.AddrPort) (netip.AddrPort, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.count; i++ {
		if p.addrs[i] == from {
			if p.count == 2 {
				return p.addrs[1-i], true
			}
			return netip.AddrPort{}, false
		}
	}
	if p.count < 2 {
		p.addrs[p.count] = from
		p.count++
		if p.count == 2 {
			return p.addrs[0], true
		}
	}
	return netip.AddrPort{}, false
}

func (p *proxyPair) relay(metrics *Metrics) {
	buf := make([]byte, relayBufferSize)
	for {
		n, from, err := p.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		p.touch()

		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		to, ok := p.peer(from)
		if !ok {
			metrics.Dropped.Inc()
			continue
		}
		if _, err := p.conn.WriteToUDPAddrPort(buf[:n], to); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "proxyPair.relay",
				"proxy":    p.endpoint.String(),
				"to":       to.String(),
				"error":    err.Error(),
			}).Debug("Relay write failed")
			continue
		}
		metrics.RelayedBytes.Add(float64(n))
	}
}
