package sn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/errs"
	"github.com/opd-ai/bdt/protocol"
	"github.com/opd-ai/bdt/transport"
)

const (
	DefaultPoolSize        = 4
	DefaultFirstBoxTimeout = 2 * time.Second
	DefaultTCPIdleTimeout  = time.Minute

	jobQueueSize = 1024
)

// ListenerConfig lists the endpoints a rendezvous listener binds.
type ListenerConfig struct {
	V6 []endpoint.Endpoint `yaml:"v6"`
	V4 []endpoint.Endpoint `yaml:"v4"`
	// PoolSize is the number of workers shared by all sockets.
	PoolSize        int           `yaml:"pool_size"`
	FirstBoxTimeout time.Duration `yaml:"first_box_timeout"`
	TCPIdleTimeout  time.Duration `yaml:"tcp_idle_timeout"`

	// LocalID is the device id Exchange packages must be addressed to.
	LocalID device.DeviceId `yaml:"-"`
	Metrics *Metrics        `yaml:"-"`
}

func (c ListenerConfig) withDefaults() ListenerConfig {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.FirstBoxTimeout <= 0 {
		c.FirstBoxTimeout = DefaultFirstBoxTimeout
	}
	if c.TCPIdleTimeout <= 0 {
		c.TCPIdleTimeout = DefaultTCPIdleTimeout
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	return c
}

// Service handles one command package from an authenticated box.
type Service interface {
	Handle(box *protocol.PackageBox, pkg protocol.Package, sender MessageSender)
}

type job struct {
	box    *protocol.PackageBox
	sender MessageSender
	proto  endpoint.Protocol
}

// NetListener serves a rendezvous Service on a set of UDP and TCP sockets.
type NetListener struct {
	config  ListenerConfig
	service Service
	keys    transport.Keystore

	udp []*transport.UDPInterface
	tcp []*transport.Listener

	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type bound struct {
	udp *transport.UDPInterface
	tcp *transport.Listener
}

// Listen binds every configured endpoint concurrently and starts the
// worker pool. It fails only when nothing could be bound; the counts of
// bound UDP and TCP sockets are returned.
func Listen(ctx context.Context, config ListenerConfig, service Service, keys transport.Keystore) (*NetListener, int, int, error) {
	config = config.withDefaults()
	endpoints := make([]endpoint.Endpoint, 0, len(config.V6)+len(config.V4))
	endpoints = append(endpoints, config.V6...)
	endpoints = append(endpoints, config.V4...)

	var (
		mu      sync.Mutex
		bindErr error
		g       errgroup.Group
	)
	results := make([]bound, len(endpoints))
	for i, ep := range endpoints {
		i, ep := i, ep
		g.Go(func() error {
			var err error
			switch ep.Protocol {
			case endpoint.UDP:
				results[i].udp, err = transport.BindUDP(ep, nil)
			case endpoint.TCP:
				results[i].tcp, err = transport.BindListener(ep, 0)
			default:
				err = errs.Newf(errs.CodeInvalidParam, "endpoint %s has no protocol", ep)
			}
			if err != nil {
				mu.Lock()
				bindErr = multierr.Append(bindErr, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	lctx, cancel := context.WithCancel(ctx)
	l := &NetListener{
		config:  config,
		service: service,
		keys:    keys,
		jobs:    make(chan job, jobQueueSize),
		ctx:     lctx,
		cancel:  cancel,
	}
	for _, r := range results {
		if r.udp != nil {
			l.udp = append(l.udp, r.udp)
		}
		if r.tcp != nil {
			l.tcp = append(l.tcp, r.tcp)
		}
	}

	if len(l.udp)+len(l.tcp) == 0 {
		cancel()
		if bindErr == nil {
			return nil, 0, 0, errs.New(errs.CodeInvalidParam, "no rendezvous endpoint configured")
		}
		return nil, 0, 0, errs.Wrap(errs.CodeConnectFailed, "bind rendezvous listener", bindErr)
	}
	if bindErr != nil {
		for _, err := range multierr.Errors(bindErr) {
			logrus.WithFields(logrus.Fields{
				"function": "Listen",
				"error":    err.Error(),
			}).Warn("Rendezvous endpoint not bound")
		}
	}

	l.start()

	logrus.WithFields(logrus.Fields{
		"function":  "Listen",
		"udp_count": len(l.udp),
		"tcp_count": len(l.tcp),
		"pool_size": config.PoolSize,
	}).Info("Rendezvous listener started")

	return l, len(l.udp), len(l.tcp), nil
}

func (l *NetListener) start() {
	for i := 0; i < l.config.PoolSize; i++ {
		l.wg.Add(1)
		go l.worker()
	}

	for _, iface := range l.udp {
		iface.Start(transport.UDPConfig{Keystore: l.keys, LocalID: l.config.LocalID}, l.onUDPBox)
	}
	for _, ln := range l.tcp {
		ln.Start(transport.AcceptConfig{
			Keystore: l.keys,
			LocalID:  l.config.LocalID,
			Timeout:  l.config.FirstBoxTimeout,
		}, l.onAccept)
	}
}

// Endpoints returns every bound endpoint.
func (l *NetListener) Endpoints() []endpoint.Endpoint {
	eps := make([]endpoint.Endpoint, 0, len(l.udp)+len(l.tcp))
	for _, iface := range l.udp {
		eps = append(eps, iface.Local())
	}
	for _, ln := range l.tcp {
		eps = append(eps, ln.Local())
	}
	return eps
}

func (l *NetListener) enqueue(j job) {
	l.config.Metrics.Received.WithLabelValues(j.proto.String()).Inc()
	select {
	case l.jobs <- j:
	case <-l.ctx.Done():
	}
}

func (l *NetListener) onUDPBox(iface *transport.UDPInterface, box *protocol.PackageBox, from endpoint.Endpoint) {
	l.enqueue(job{box: box, sender: NewUDPSender(iface, from), proto: endpoint.UDP})
}

// onAccept queues the first box, then every later box on the connection
// until it idles out.
func (l *NetListener) onAccept(iface *transport.AcceptInterface, first *protocol.PackageBox) {
	conn := iface.PackageInterface()
	sender := NewTCPSender(conn)
	l.enqueue(job{box: first, sender: sender, proto: endpoint.TCP})

	defer conn.Close()
	for l.ctx.Err() == nil {
		if err := conn.SetReadDeadline(time.Now().Add(l.config.TCPIdleTimeout)); err != nil {
			return
		}
		recv, err := conn.ReceivePackage(make([]byte, transport.TCPRecvBufferSize))
		if err != nil {
			if !errors.Is(err, errs.ErrTimeout) {
				logrus.WithFields(logrus.Fields{
					"function": "NetListener.onAccept",
					"remote":   conn.Remote().String(),
					"error":    err.Error(),
				}).Debug("Rendezvous TCP connection closed")
			}
			return
		}
		if recv.IsRawData() {
			l.config.Metrics.Dropped.WithLabelValues("raw_data").Inc()
			continue
		}
		l.enqueue(job{box: recv.Package, sender: sender, proto: endpoint.TCP})
	}
}

func (l *NetListener) worker() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case j := <-l.jobs:
			l.process(j)
		}
	}
}

// process picks the command package (the one after a leading Exchange)
// and hands it to the service.
func (l *NetListener) process(j job) {
	pkgs := j.box.CommandPackages()
	if len(pkgs) == 0 {
		l.config.Metrics.Dropped.WithLabelValues("no_command").Inc()
		return
	}
	pkg := pkgs[0]

	if ping, ok := pkg.(*protocol.SnPing); ok && ping.PeerInfo != nil && ping.PeerInfo.HasSignature() {
		if !ping.PeerInfo.VerifyBody() {
			l.config.Metrics.Dropped.WithLabelValues("peer_signature").Inc()
			logrus.WithFields(logrus.Fields{
				"function": "NetListener.process",
				"remote":   j.box.Remote().String(),
				"from":     j.sender.Remote().String(),
			}).Warn("Dropped ping with invalid peer signature")
			return
		}
	}

	l.config.Metrics.Handled.WithLabelValues(pkg.Cmd().String()).Inc()
	l.service.Handle(j.box, pkg, j.sender)
}

// Close stops the workers and closes every socket.
func (l *NetListener) Close() error {
	l.cancel()
	var err error
	for _, iface := range l.udp {
		err = multierr.Append(err, iface.Close())
	}
	for _, ln := range l.tcp {
		err = multierr.Append(err, ln.Close())
	}
	l.wg.Wait()
	return err
}
