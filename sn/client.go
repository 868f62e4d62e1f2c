package sn

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/bdt/crypto"
	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/errs"
	"github.com/opd-ai/bdt/keystore"
	"github.com/opd-ai/bdt/protocol"
	"github.com/opd-ai/bdt/transport"
)

const (
	DefaultPingInterval   = 25 * time.Second
	DefaultResendInterval = 500 * time.Millisecond
)

// ClientConfig tunes the rendezvous client.
type ClientConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval"`
	ResendInterval time.Duration `yaml:"resend_interval"`
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ResendInterval <= 0 {
		c.ResendInterval = DefaultResendInterval
	}
	return c
}

// ClientKeystore is the key store the client needs.
type ClientKeystore interface {
	CreateKey(remote device.DeviceId) (keystore.FoundKey, error)
	AddKey(key crypto.AesKey, remote device.DeviceId, confirmed bool)
	Signer() crypto.Signer
}

// LocalDevice provides the current local device descriptor.
type LocalDevice interface {
	Local() *device.Device
}

// CalledHandler receives SnCalled packages addressed to the local device.
type CalledHandler func(called *protocol.SnCalled)

// OuterHandler is told when a ping response changed an interface's outer
// endpoint.
type OuterHandler func(iface *transport.UDPInterface, outer endpoint.Endpoint)

// CallParams describes one rendezvous call.
type CallParams struct {
	SN               *device.Device
	To               device.DeviceId
	ReverseEndpoints []endpoint.Endpoint
	ActivePnList     []device.DeviceId
	// Payload is handed to the callee verbatim.
	Payload    []byte
	AlwaysCall bool
}

// Client registers the local device with rendezvous peers and places
// calls through them.
type Client struct {
	config ClientConfig
	keys   ClientKeystore
	local  LocalDevice
	udp    []*transport.UDPInterface
	sns    []*device.Device
	seq    *protocol.TempSeqGenerator

	mu       sync.Mutex
	pings    map[protocol.TempSeq]chan *protocol.SnPingResp
	calls    map[protocol.TempSeq]chan *protocol.SnCallResp
	onCalled CalledHandler
	onOuter  OuterHandler
}

// NewClient creates a client. sns is ordered by preference.
func NewClient(config ClientConfig, keys ClientKeystore, local LocalDevice, udp []*transport.UDPInterface, sns []*device.Device) *Client {
	return &Client{
		config: config.withDefaults(),
		keys:   keys,
		local:  local,
		udp:    udp,
		sns:    sns,
		seq:    protocol.NewTempSeqGenerator(),
		pings:  make(map[protocol.TempSeq]chan *protocol.SnPingResp),
		calls:  make(map[protocol.TempSeq]chan *protocol.SnCallResp),
	}
}

// SetCalledHandler installs the SnCalled handler.
func (c *Client) SetCalledHandler(h CalledHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCalled = h
}

// SetOuterHandler installs the outer endpoint change handler.
func (c *Client) SetOuterHandler(h OuterHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOuter = h
}

// DefaultLocal returns the preferred rendezvous peer.
func (c *Client) DefaultLocal() (*device.Device, bool) {
	if len(c.sns) == 0 {
		return nil, false
	}
	return c.sns[0], true
}

func (c *Client) isSN(id device.DeviceId) bool {
	for _, sn := range c.sns {
		if sn.ID() == id {
			return true
		}
	}
	return false
}

// SNs returns every configured rendezvous peer.
func (c *Client) SNs() []*device.Device {
	return c.sns
}

// send boxes pkg to every UDP endpoint of sn reachable from a local
// interface of the same IP family.
func (c *Client) send(sn *device.Device, seq protocol.TempSeq, pkg protocol.Package) error {
	snID := sn.ID()
	fk, err := c.keys.CreateKey(snID)
	if err != nil {
		return err
	}
	box := protocol.NewPackageBox(snID, fk.Key)
	if !fk.Confirmed {
		exchange := protocol.NewExchange(seq, fk.Key, c.local.Local(), snID)
		if err := exchange.SignWith(c.keys.Signer()); err != nil {
			return err
		}
		box.Push(exchange)
	}
	box.Push(pkg)

	sent := 0
	var sendErr error
	for _, iface := range c.udp {
		for _, ep := range sn.Endpoints() {
			if ep.Protocol != endpoint.UDP || !ep.IsSameIPVersion(iface.Local()) {
				continue
			}
			if err := iface.SendBoxTo(box, protocol.FirstBoxContext(sn), ep); err != nil {
				sendErr = multierr.Append(sendErr, err)
				continue
			}
			sent++
		}
	}
	if sent == 0 {
		if sendErr != nil {
			return sendErr
		}
		return errs.Newf(errs.CodeNotFound, "no reachable endpoint for %s", snID)
	}
	return nil
}

// Ping registers the local device with sn and waits for the response,
// resending until ctx ends.
func (c *Client) Ping(ctx context.Context, sn *device.Device) (*protocol.SnPingResp, error) {
	seq := c.seq.Generate()
	local := c.local.Local()
	localID := local.ID()
	ping := &protocol.SnPing{
		Seq:        seq,
		SnPeerID:   sn.ID(),
		FromPeerID: &localID,
		PeerInfo:   local,
		SendTime:   protocol.NowMicros(),
	}

	ch := make(chan *protocol.SnPingResp, 1)
	c.mu.Lock()
	c.pings[seq] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pings, seq)
		c.mu.Unlock()
	}()

	resp, err := resendUntil(ctx, c.config.ResendInterval, ch, func() error {
		return c.send(sn, seq, ping)
	})
	if err != nil {
		return nil, err
	}
	if resp.Result != protocol.ResultOK {
		return resp, resultError(resp.Result, "ping")
	}
	return resp, nil
}

// Call asks params.SN to introduce the local device to params.To and
// returns the callee's device. The call is resent until ctx ends.
func (c *Client) Call(ctx context.Context, params CallParams) (*device.Device, error) {
	seq := c.seq.Generate()
	local := c.local.Local()
	call := &protocol.SnCall{
		Seq:                  seq,
		SnPeerID:             params.SN.ID(),
		ToPeerID:             params.To,
		FromPeerID:           local.ID(),
		ReverseEndpointArray: params.ReverseEndpoints,
		ActivePnList:         params.ActivePnList,
		PeerInfo:             local,
		SendTime:             protocol.NowMicros(),
		Payload:              params.Payload,
		IsAlwaysCall:         params.AlwaysCall,
	}

	ch := make(chan *protocol.SnCallResp, 1)
	c.mu.Lock()
	c.calls[seq] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.calls, seq)
		c.mu.Unlock()
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Client.Call",
		"sn":       params.SN.ID().String(),
		"to":       params.To.String(),
		"seq":      seq,
	}).Debug("Calling through rendezvous peer")

	resp, err := resendUntil(ctx, c.config.ResendInterval, ch, func() error {
		return c.send(params.SN, seq, call)
	})
	if err != nil {
		return nil, err
	}
	if resp.Result != protocol.ResultOK {
		return nil, resultError(resp.Result, "call")
	}
	if resp.ToPeerInfo == nil || resp.ToPeerInfo.ID() != params.To {
		return nil, errs.New(errs.CodeInvalidData, "call response without callee device")
	}
	return resp.ToPeerInfo, nil
}

func resendUntil[T any](ctx context.Context, interval time.Duration, ch <-chan T, send func() error) (T, error) {
	var zero T
	if err := send(); err != nil {
		return zero, err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case resp := <-ch:
			return resp, nil
		case <-ticker.C:
			if err := send(); err != nil {
				return zero, err
			}
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return zero, errs.Wrap(errs.CodeTimeout, "rendezvous", ctx.Err())
			}
			return zero, errs.Wrap(errs.CodeInterrupted, "rendezvous", ctx.Err())
		}
	}
}

func resultError(result uint8, op string) error {
	switch result {
	case protocol.ResultNotFound:
		return errs.Newf(errs.CodeNotFound, "%s: peer not found", op)
	case protocol.ResultRefused:
		return errs.Newf(errs.CodeConnectFailed, "%s: refused", op)
	default:
		return errs.Newf(errs.CodeFailed, "%s: result %d", op, result)
	}
}

// Start pings the preferred rendezvous peer every PingInterval until ctx
// ends.
func (c *Client) Start(ctx context.Context) {
	sn, ok := c.DefaultLocal()
	if !ok {
		return
	}
	go func() {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		for {
			pctx, cancel := context.WithTimeout(ctx, c.config.PingInterval)
			if _, err := c.Ping(pctx, sn); err != nil && ctx.Err() == nil {
				logrus.WithFields(logrus.Fields{
					"function": "Client.Start",
					"sn":       sn.ID().String(),
					"error":    err.Error(),
				}).Warn("Ping failed")
			}
			cancel()

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Handle consumes rendezvous responses arriving on iface. It reports
// whether pkg was a rendezvous package.
// Packages from devices that are not configured rendezvous peers are
// dropped.
func (c *Client) Handle(iface *transport.UDPInterface, box *protocol.PackageBox, pkg protocol.Package, from endpoint.Endpoint) bool {
	switch pkg.(type) {
	case *protocol.SnPingResp, *protocol.SnCallResp, *protocol.SnCalled:
		if !c.isSN(box.Remote()) {
			logrus.WithFields(logrus.Fields{
				"function": "Client.Handle",
				"remote":   box.Remote().String(),
				"from":     from.String(),
				"cmd":      pkg.Cmd(),
			}).Debug("Rendezvous package from unknown peer dropped")
			return true
		}
	}

	switch p := pkg.(type) {
	case *protocol.SnPingResp:
		c.keys.AddKey(box.Key(), box.Remote(), true)
		if p.Result == protocol.ResultOK && len(p.EndpointArray) > 0 {
			observed := p.EndpointArray[0]
			if iface.UpdateOuter(observed) == transport.UpdateOuterUpdate {
				c.mu.Lock()
				h := c.onOuter
				c.mu.Unlock()
				if h != nil {
					h(iface, observed)
				}
			}
		}
		c.mu.Lock()
		ch, ok := c.pings[p.Seq]
		c.mu.Unlock()
		if ok {
			deliver(ch, p)
		}
	case *protocol.SnCallResp:
		c.keys.AddKey(box.Key(), box.Remote(), true)
		c.mu.Lock()
		ch, ok := c.calls[p.Seq]
		c.mu.Unlock()
		if ok {
			deliver(ch, p)
		}
	case *protocol.SnCalled:
		c.keys.AddKey(box.Key(), box.Remote(), true)
		resp := &protocol.SnCalledResp{Seq: p.Seq, SnPeerID: p.SnPeerID, Result: protocol.ResultOK}
		out := protocol.NewPackageBox(box.Remote(), box.Key()).Push(resp)
		if err := iface.SendBoxTo(out, protocol.FirstBoxContext(nil), from); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Client.Handle",
				"sn":       box.Remote().String(),
				"error":    err.Error(),
			}).Debug("Failed to answer SnCalled")
		}

		c.mu.Lock()
		h := c.onCalled
		c.mu.Unlock()
		if h != nil {
			h(p)
		}
	default:
		return false
	}
	return true
}

func deliver[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}
