package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/errs"
	"github.com/opd-ai/bdt/protocol"
)

// MTU is the largest datagram an interface sends.
const MTU = 1472

// udpRecvBufferSize fits any datagram the kernel hands back.
const udpRecvBufferSize = 2048

// UDPHandler receives every authenticated box with the endpoint it came
// from. Each call runs on its own goroutine and owns the box.
type UDPHandler func(iface *UDPInterface, box *protocol.PackageBox, from endpoint.Endpoint)

// UDPConfig configures the receive path of a UDP interface.
type UDPConfig struct {
	Keystore Keystore
	LocalID  device.DeviceId
}

// UDPInterface is one bound UDP socket carrying keyed boxes and STUN
// messages.
type UDPInterface struct {
	conn  *net.UDPConn
	local endpoint.Endpoint

	mu    sync.RWMutex
	outer *endpoint.Endpoint

	stunMu  sync.Mutex
	pending map[[stun.TransactionIDSize]byte]chan endpoint.Endpoint

	once sync.Once
	done chan struct{}
}

// BindUDP binds a UDP socket. outer, when set, is a statically known
// external endpoint.
func BindUDP(local endpoint.Endpoint, outer *endpoint.Endpoint) (*UDPInterface, error) {
	conn, err := net.ListenUDP(local.Network(), local.UDPAddr())
	if err != nil {
		return nil, errs.Wrap(errs.CodeConnectFailed, "bind udp "+local.String(), err)
	}
	bound, err := endpoint.FromNetAddr(conn.LocalAddr())
	if err != nil {
		conn.Close()
		return nil, err
	}
	bound.StaticWan = local.StaticWan

	u := &UDPInterface{
		conn:    conn,
		local:   bound,
		pending: make(map[[stun.TransactionIDSize]byte]chan endpoint.Endpoint),
		done:    make(chan struct{}),
	}
	if outer != nil {
		o := outer.WithProtocol(endpoint.UDP)
		u.outer = &o
	}
	return u, nil
}

// Local returns the bound endpoint.
func (u *UDPInterface) Local() endpoint.Endpoint {
	return u.local
}

// Outer returns the externally observed endpoint, if known.
func (u *UDPInterface) Outer() (endpoint.Endpoint, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.outer == nil {
		return endpoint.Endpoint{}, false
	}
	return *u.outer, true
}

// UpdateOuter records the externally observed endpoint.
func (u *UDPInterface) UpdateOuter(outer endpoint.Endpoint) UpdateOuterResult {
	outer.Protocol = endpoint.UDP
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.outer != nil && *u.outer == outer {
		return UpdateOuterNone
	}
	u.outer = &outer

	logrus.WithFields(logrus.Fields{
		"function": "UDPInterface.UpdateOuter",
		"local":    u.local.String(),
		"outer":    outer.String(),
	}).Info("UDP outer endpoint updated")
	return UpdateOuterUpdate
}

// SendBoxTo encodes box with ctx and sends it to to.
func (u *UDPInterface) SendBoxTo(box *protocol.PackageBox, ctx *protocol.BoxEncodeContext, to endpoint.Endpoint) error {
	buf := make([]byte, MTU)
	n, err := protocol.EncodeBox(box, buf, ctx)
	if err != nil {
		return err
	}
	return u.SendTo(buf[:n], to)
}

// SendTo sends one datagram.
func (u *UDPInterface) SendTo(data []byte, to endpoint.Endpoint) error {
	if _, err := u.conn.WriteToUDPAddrPort(data, to.Addr); err != nil {
		return errs.Wrap(errs.CodeConnectFailed, "send to "+to.String(), err)
	}
	return nil
}

// Start runs the receive loop. Datagrams are STUN messages or keyed boxes;
// boxes whose Exchange fails verification are dropped.
func (u *UDPInterface) Start(config UDPConfig, handler UDPHandler) {
	u.once.Do(func() {
		go u.recvLoop(config, handler)
	})
}

func (u *UDPInterface) recvLoop(config UDPConfig, handler UDPHandler) {
	defer close(u.done)
	buf := make([]byte, udpRecvBufferSize)

	for {
		n, addr, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "UDPInterface.recvLoop",
				"local":    u.local.String(),
				"error":    err.Error(),
			}).Debug("UDP read failed")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		from := endpoint.New(endpoint.UDP, addr)

		if stun.IsMessage(data) {
			u.handleSTUN(data, from)
			continue
		}
		go u.handleBox(config, handler, data, from)
	}
}

func (u *UDPInterface) handleBox(config UDPConfig, handler UDPHandler, data []byte, from endpoint.Endpoint) {
	box, err := protocol.DecodeKeyedBox(data, config.Keystore)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "UDPInterface.handleBox",
			"from":     from.String(),
			"error":    err.Error(),
		}).Debug("Dropped undecodable datagram")
		return
	}
	if exchange, ok := box.Exchange(); ok {
		if !exchange.Verify(config.LocalID, box.Key()) {
			logrus.WithFields(logrus.Fields{
				"function": "UDPInterface.handleBox",
				"from":     from.String(),
				"remote":   box.Remote().String(),
			}).Warn("Dropped box with invalid exchange")
			return
		}
		config.Keystore.AddKey(box.Key(), box.Remote(), true)
	}
	handler(u, box, from)
}

// handleSTUN answers binding requests and completes pending discoveries.
func (u *UDPInterface) handleSTUN(data []byte, from endpoint.Endpoint) {
	msg := &stun.Message{Raw: data}
	if err := msg.Decode(); err != nil {
		return
	}

	switch msg.Type {
	case stun.BindingRequest:
		resp, err := BindingResponse(msg, from)
		if err != nil {
			return
		}
		_ = u.SendTo(resp, from)
	case stun.BindingSuccess:
		var mapped stun.XORMappedAddress
		if err := mapped.GetFrom(msg); err != nil {
			return
		}
		addr, ok := netip.AddrFromSlice(mapped.IP)
		if !ok {
			return
		}
		observed := endpoint.New(endpoint.UDP, netip.AddrPortFrom(addr.Unmap(), uint16(mapped.Port)))

		u.stunMu.Lock()
		ch, ok := u.pending[msg.TransactionID]
		delete(u.pending, msg.TransactionID)
		u.stunMu.Unlock()
		if ok {
			ch <- observed
		}
	}
}

// BindingResponse builds a STUN binding success carrying from as the
// mapped address.
func BindingResponse(req *stun.Message, from endpoint.Endpoint) ([]byte, error) {
	resp, err := stun.Build(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: from.Addr.Addr().AsSlice(), Port: int(from.Addr.Port())},
		stun.Fingerprint,
	)
	if err != nil {
		return nil, err
	}
	return resp.Raw, nil
}

// DiscoverOuter sends a STUN binding request to server and records the
// mapped address it reports as the outer endpoint.
func (u *UDPInterface) DiscoverOuter(ctx context.Context, server endpoint.Endpoint, timeout time.Duration) (endpoint.Endpoint, error) {
	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return endpoint.Endpoint{}, err
	}

	ch := make(chan endpoint.Endpoint, 1)
	u.stunMu.Lock()
	u.pending[req.TransactionID] = ch
	u.stunMu.Unlock()
	defer func() {
		u.stunMu.Lock()
		delete(u.pending, req.TransactionID)
		u.stunMu.Unlock()
	}()

	if err := u.SendTo(req.Raw, server); err != nil {
		return endpoint.Endpoint{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case observed := <-ch:
		u.UpdateOuter(observed)
		return observed, nil
	case <-timer.C:
		return endpoint.Endpoint{}, errs.New(errs.CodeTimeout, "stun binding to "+server.String())
	case <-ctx.Done():
		return endpoint.Endpoint{}, errs.Wrap(errs.CodeInterrupted, "stun binding", ctx.Err())
	}
}

// Close stops the receive loop and closes the socket.
func (u *UDPInterface) Close() error {
	err := u.conn.Close()
	u.once.Do(func() { close(u.done) })
	select {
	case <-u.done:
	case <-time.After(time.Second):
	}
	return err
}
