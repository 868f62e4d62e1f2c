package bdt

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bdt/crypto"
	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/errs"
	"github.com/opd-ai/bdt/protocol"
	"github.com/opd-ai/bdt/stream"
	"github.com/opd-ai/bdt/transport"
	"github.com/opd-ai/bdt/tunnel"
)

// acceptor is the passive side of one connect attempt. Package and TCP
// candidates for the same (remote, sequence) share its stream; the first
// to be confirmed by the initiator establishes it.
type acceptor struct {
	stream        *stream.Stream
	container     *tunnel.Container
	remoteSession uint32
	created       time.Time
}

func (s *Stack) builder(key connectKey) *tunnel.ConnectStreamBuilder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.builders[key]
}

func (s *Stack) lookupStream(session uint32) (*stream.Stream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[session]
	return st, ok
}

func (s *Stack) lookupAcceptor(key connectKey) (*acceptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accepting[key]
	return acc, ok
}

// acceptFor returns the acceptor for (remote, seq), creating it when port
// is listened.
func (s *Stack) acceptFor(remote device.DeviceId, remoteDevice *device.Device, seq protocol.TempSeq, port uint16, remoteSession uint32) (*acceptor, error) {
	key := connectKey{remote: remote, seq: seq}
	if acc, ok := s.lookupAcceptor(key); ok {
		return acc, nil
	}
	c := s.container(remote, remoteDevice)

	s.mu.Lock()
	if acc, ok := s.accepting[key]; ok {
		s.mu.Unlock()
		return acc, nil
	}
	if _, ok := s.listeners[port]; !ok || s.closed {
		s.mu.Unlock()
		return nil, errs.Newf(errs.CodeNotFound, "no listener on port %d", port)
	}
	acc := &acceptor{
		stream:        stream.New(seq, remote, port, s.nextSession()),
		container:     c,
		remoteSession: remoteSession,
		created:       time.Now(),
	}
	s.accepting[key] = acc
	s.streams[acc.stream.SessionID()] = acc.stream
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Stack.acceptFor",
		"remote":   remote.String(),
		"port":     port,
		"seq":      seq,
	}).Debug("Accepting stream")

	go s.expireAccept(acc)
	return acc, nil
}

// expireAccept cancels an accepted stream nobody confirmed in time.
func (s *Stack) expireAccept(acc *acceptor) {
	timer := time.NewTimer(s.deps.Config.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-acc.stream.Done():
	case <-timer.C:
		acc.stream.CancelConnectingWith(errs.New(errs.CodeTimeout, "accepted stream not confirmed"))
	case <-s.ctx.Done():
		acc.stream.CancelConnectingWith(errs.New(errs.CodeInterrupted, "stack closed"))
	}
}

// commit establishes the accepted stream over p.
func (s *Stack) commit(acc *acceptor, p stream.Provider) bool {
	if err := acc.stream.EstablishWith(p, acc.remoteSession); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Stack.commit",
			"remote":   acc.stream.RemoteID().String(),
			"provider": p.Kind(),
			"error":    err.Error(),
		}).Debug("Accepted stream already decided")
		return false
	}
	return true
}

func (s *Stack) onUDPBox(iface *transport.UDPInterface, box *protocol.PackageBox, from endpoint.Endpoint) {
	remote := box.Remote()
	var synTunnel *protocol.SynTunnel
	for _, pkg := range box.CommandPackages() {
		switch p := pkg.(type) {
		case *protocol.SynTunnel:
			synTunnel = p
		case *protocol.AckTunnel:
			if p.ToDevice != nil && p.ToDevice.ID() == remote {
				s.devices.Add(p.ToDevice)
			}
		case *protocol.AckAckTunnel:
			s.onAckAckTunnel(iface, box, from, p)
		case *protocol.SessionData:
			var remoteDevice *device.Device
			if synTunnel != nil && synTunnel.FromDevice != nil && synTunnel.FromDevice.ID() == remote {
				remoteDevice = synTunnel.FromDevice
			}
			s.onSessionData(iface, box, from, remoteDevice, p)
		case *protocol.PingTunnel:
			resp := &protocol.PingTunnelResp{AckPackageID: p.PackageID, SendTime: protocol.NowMicros(), RecvData: p.RecvData}
			out := protocol.NewPackageBox(remote, box.Key()).Push(resp)
			if err := iface.SendBoxTo(out, protocol.FirstBoxContext(nil), from); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Stack.onUDPBox",
					"to":       from.String(),
					"error":    err.Error(),
				}).Debug("PingTunnel reply failed")
			}
		case *protocol.PingTunnelResp:
			logrus.WithFields(logrus.Fields{
				"function": "Stack.onUDPBox",
				"remote":   remote.String(),
				"from":     from.String(),
			}).Debug("Tunnel ping answered")
		case *protocol.AckProxy:
			s.onAckProxy(remote, p)
		default:
			if s.snClient != nil && s.snClient.Handle(iface, box, pkg, from) {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "Stack.onUDPBox",
				"remote":   remote.String(),
				"cmd":      pkg.Cmd().String(),
			}).Debug("Unhandled package")
		}
	}
}

func (s *Stack) onSessionData(iface *transport.UDPInterface, box *protocol.PackageBox, from endpoint.Endpoint, remoteDevice *device.Device, p *protocol.SessionData) {
	remote := box.Remote()
	log := logrus.WithFields(logrus.Fields{
		"function": "Stack.onSessionData",
		"remote":   remote.String(),
		"session":  p.SessionID,
	})

	switch {
	case p.IsSyn():
		s.acceptPackage(iface, box.Key(), remote, remoteDevice, from, p)
	case p.IsSynAck():
		var seq protocol.TempSeq
		if p.SynInfo != nil {
			seq = p.SynInfo.Sequence
		} else if st, ok := s.lookupStream(p.ToSessionID); ok {
			seq = st.Sequence()
		}
		b := s.builder(connectKey{remote: remote, seq: seq})
		if b == nil || !b.OnSessionData(iface, from, p) {
			log.Debug("Unmatched syn-ack")
		}
	default:
		st, ok := s.lookupStream(p.SessionID)
		if !ok || st.RemoteID() != remote {
			log.Debug("Session data for unknown stream")
			return
		}
		if p.IsReset() {
			if st.State() == stream.StateConnecting {
				st.CancelConnectingWith(errs.New(errs.CodeConnectFailed, "reset by remote"))
			} else {
				st.Close()
			}
			s.dropStream(st)
			return
		}
		if st.State() == stream.StateConnecting {
			// data implies the ack-ack, which may have been lost
			s.onAckAckTunnel(iface, box, from, &protocol.AckAckTunnel{Sequence: st.Sequence(), Result: protocol.ResultOK})
		}
		s.follow(st, iface, from)
		st.Deliver(p.Payload)
	}
}

// follow moves a package stream to the pair its remote now sends from.
func (s *Stack) follow(st *stream.Stream, iface *transport.UDPInterface, from endpoint.Endpoint) {
	pp, ok := st.Provider().(*tunnel.PackageProvider)
	if !ok {
		return
	}
	pair := endpoint.NewPair(iface.Local(), from)
	if pp.Tunnel().Pair() == pair {
		return
	}
	t, _, err := s.container(st.RemoteID(), nil).CreateTunnel(pair, false)
	if err != nil {
		return
	}
	pp.SetTunnel(t.(*tunnel.UDPTunnel))
	logrus.WithFields(logrus.Fields{
		"function": "Stack.follow",
		"remote":   st.RemoteID().String(),
		"pair":     pair.String(),
	}).Debug("Package stream moved")
}

// acceptPackage answers a syn received from (or punched toward) to with
// AckTunnel and a syn-ack. Resent syns get the same answer.
func (s *Stack) acceptPackage(iface *transport.UDPInterface, key crypto.AesKey, remote device.DeviceId, remoteDevice *device.Device, to endpoint.Endpoint, syn *protocol.SessionData) {
	info := syn.SynInfo
	if info == nil {
		return
	}
	log := logrus.WithFields(logrus.Fields{
		"function": "Stack.acceptPackage",
		"remote":   remote.String(),
		"to":       to.String(),
		"seq":      info.Sequence,
	})

	acc, err := s.acceptFor(remote, remoteDevice, info.Sequence, info.ToVPort, info.FromSessionID)
	if err != nil {
		log.WithField("error", err.Error()).Debug("Refusing stream")
		refuse := protocol.NewPackageBox(remote, key).Push(
			&protocol.AckTunnel{
				ProtocolVersion: protocol.ProtocolVersion,
				Sequence:        info.Sequence,
				Result:          protocol.ResultRefused,
				SendTime:        protocol.NowMicros(),
				ToDevice:        s.devices.Local(),
			},
			&protocol.SessionData{
				SessionID:   info.FromSessionID,
				SendTime:    protocol.NowMicros(),
				Flags:       protocol.SessionFlagReset,
				ToSessionID: info.FromSessionID,
			})
		if err := iface.SendBoxTo(refuse, protocol.FirstBoxContext(nil), to); err != nil {
			log.WithField("error", err.Error()).Debug("Refusal send failed")
		}
		return
	}

	t, _, err := acc.container.CreateTunnel(endpoint.NewPair(iface.Local(), to), false)
	if err != nil {
		log.WithField("error", err.Error()).Debug("No tunnel for syn-ack")
		return
	}
	resp := protocol.NewPackageBox(remote, key).Push(
		&protocol.AckTunnel{
			ProtocolVersion: protocol.ProtocolVersion,
			Sequence:        info.Sequence,
			Result:          protocol.ResultOK,
			SendTime:        protocol.NowMicros(),
			Mtu:             transport.MTU,
			ToDevice:        s.devices.Local(),
		},
		&protocol.SessionData{
			SessionID:   acc.stream.SessionID(),
			SendTime:    protocol.NowMicros(),
			Flags:       protocol.SessionFlagSyn | protocol.SessionFlagAck,
			SynInfo:     info,
			ToSessionID: info.FromSessionID,
		})
	if err := t.(*tunnel.UDPTunnel).Send(resp); err != nil {
		log.WithField("error", err.Error()).Debug("Syn-ack send failed")
	}
}

func (s *Stack) onAckAckTunnel(iface *transport.UDPInterface, box *protocol.PackageBox, from endpoint.Endpoint, p *protocol.AckAckTunnel) {
	acc, ok := s.lookupAcceptor(connectKey{remote: box.Remote(), seq: p.Sequence})
	if !ok || p.Result != protocol.ResultOK || acc.stream.State() != stream.StateConnecting {
		return
	}
	t, _, err := acc.container.CreateTunnel(endpoint.NewPair(iface.Local(), from), false)
	if err != nil {
		return
	}
	if s.commit(acc, tunnel.NewPackageProvider(t.(*tunnel.UDPTunnel), acc.remoteSession)) {
		s.deliver(acc.stream)
	}
}

func (s *Stack) onAckProxy(pnID device.DeviceId, p *protocol.AckProxy) {
	key := connectKey{remote: p.ToPeerID, seq: p.Seq}
	if b := s.builder(key); b != nil {
		b.OnAckProxy(pnID, p)
		return
	}
	s.mu.RLock()
	proxy, ok := s.callees[key]
	s.mu.RUnlock()
	if !ok {
		return
	}
	if err := proxy.OnAckProxy(pnID, p); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Stack.onAckProxy",
			"pn":       pnID.String(),
			"error":    err.Error(),
		}).Debug("AckProxy rejected")
	}
}

func (s *Stack) onAccept(iface *transport.AcceptInterface, first *protocol.PackageBox) {
	if d := iface.RemoteDevice(); d != nil {
		s.devices.Add(d)
	}
	for _, pkg := range first.CommandPackages() {
		switch p := pkg.(type) {
		case *protocol.TcpSynConnection:
			s.acceptTcp(iface, p)
			return
		case *protocol.TcpAckConnection:
			b := s.builder(connectKey{remote: iface.RemoteID(), seq: p.Sequence})
			if b == nil {
				break
			}
			if err := b.OnTcpAckConnection(iface, p); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Stack.onAccept",
					"remote":   iface.RemoteID().String(),
					"error":    err.Error(),
				}).Debug("Reverse connection rejected")
				break
			}
			return
		}
	}
	iface.Close()
}

// acceptTcp answers a TcpSynConnection and establishes the accepted stream
// once the initiator confirms this connection with an ack-ack.
func (s *Stack) acceptTcp(iface *transport.AcceptInterface, syn *protocol.TcpSynConnection) {
	log := logrus.WithFields(logrus.Fields{
		"function": "Stack.acceptTcp",
		"remote":   iface.RemoteID().String(),
		"seq":      syn.Sequence,
	})
	var remoteDevice *device.Device
	if syn.FromDevice != nil && syn.FromDevice.ID() == iface.RemoteID() {
		remoteDevice = syn.FromDevice
	}

	acc, err := s.acceptFor(iface.RemoteID(), remoteDevice, syn.Sequence, syn.ToVPort, syn.FromSessionID)
	if err != nil {
		log.WithField("error", err.Error()).Debug("Refusing stream")
		if err := iface.ConfirmAccept(&protocol.TcpAckConnection{
			Sequence: syn.Sequence,
			Result:   protocol.ResultRefused,
			ToDevice: s.devices.Local(),
		}); err != nil {
			log.WithField("error", err.Error()).Debug("Refusal send failed")
		}
		iface.Close()
		return
	}
	if err := iface.ConfirmAccept(&protocol.TcpAckConnection{
		Sequence:    syn.Sequence,
		ToSessionID: acc.stream.SessionID(),
		Result:      protocol.ResultOK,
		ToDevice:    s.devices.Local(),
	}); err != nil {
		log.WithField("error", err.Error()).Debug("Confirm accept failed")
		iface.Close()
		return
	}

	conn := iface.PackageInterface()
	conn.SetReadDeadline(time.Now().Add(s.deps.Config.ConnectTimeout))
	buf := make([]byte, transport.TCPRecvBufferSize)
	recv, err := conn.ReceivePackage(buf)
	if err != nil || recv.IsRawData() || !hasAckAck(recv.Package, syn.Sequence) {
		log.Debug("Connection not chosen by initiator")
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	provider := tunnel.NewTcpProvider(conn, acc.stream)
	if !s.commit(acc, provider) {
		conn.Close()
		return
	}
	provider.Start()
	s.deliver(acc.stream)
}

func hasAckAck(box *protocol.PackageBox, seq protocol.TempSeq) bool {
	for _, pkg := range box.Packages() {
		if p, ok := pkg.(*protocol.TcpAckAckConnection); ok && p.Sequence == seq && p.Result == protocol.ResultOK {
			return true
		}
	}
	return false
}

// onCalled takes a call relayed by a rendezvous peer: the caller's first
// box is accepted and answered toward each of its reverse endpoints.
func (s *Stack) onCalled(called *protocol.SnCalled) {
	caller := called.PeerInfo
	log := logrus.WithFields(logrus.Fields{
		"function": "Stack.onCalled",
		"from":     called.FromPeerID.String(),
		"sn":       called.SnPeerID.String(),
	})
	if caller == nil || caller.ID() != called.FromPeerID {
		log.Warn("Call without caller device")
		return
	}
	s.devices.Add(caller)

	s.mu.RLock()
	var ours []*tunnel.ConnectStreamBuilder
	for key, b := range s.builders {
		if key.remote == called.FromPeerID {
			ours = append(ours, b)
		}
	}
	s.mu.RUnlock()
	for _, b := range ours {
		b.OnCalled(called, caller)
	}

	if len(called.Payload) == 0 {
		return
	}
	box, err := protocol.DecodeKeyedBox(called.Payload, s.keys)
	if err != nil {
		log.WithField("error", err.Error()).Warn("Undecodable call payload")
		return
	}
	if box.Remote() != caller.ID() {
		log.Warn("Call payload from another device")
		return
	}
	if exchange, ok := box.Exchange(); ok {
		if !exchange.Verify(s.devices.LocalID(), box.Key()) {
			log.Warn("Call payload with invalid exchange")
			return
		}
		s.keys.AddKey(box.Key(), caller.ID(), true)
	}

	var syn *protocol.SessionData
	for _, pkg := range box.CommandPackages() {
		if p, ok := pkg.(*protocol.SessionData); ok && p.IsSyn() && p.SynInfo != nil {
			syn = p
		}
	}
	if syn == nil {
		return
	}
	info := syn.SynInfo
	acc, err := s.acceptFor(caller.ID(), caller, info.Sequence, info.ToVPort, info.FromSessionID)
	if err != nil {
		log.WithField("error", err.Error()).Debug("Call not accepted")
		return
	}

	for _, ep := range called.ReverseEndpointArray {
		switch ep.Protocol {
		case endpoint.UDP:
			for _, iface := range s.udp {
				if iface.Local().IsSameIPVersion(ep) {
					s.acceptPackage(iface, box.Key(), caller.ID(), caller, ep, syn)
				}
			}
		case endpoint.TCP:
			go s.reverseConnect(acc, ep, box.Key())
		}
	}
	s.startCalleeProxy(acc, called, box.Key())
}

// reverseConnect dials the caller's TCP endpoint and offers it as a path
// for the accepted stream.
func (s *Stack) reverseConnect(acc *acceptor, ep endpoint.Endpoint, key crypto.AesKey) {
	timeout := s.deps.Config.ConnectTimeout
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	seq := acc.stream.Sequence()
	log := logrus.WithFields(logrus.Fields{
		"function": "Stack.reverseConnect",
		"remote":   ep.String(),
		"seq":      seq,
	})

	caller := acc.container.RemoteDevice()
	if caller == nil {
		return
	}
	iface, err := transport.Connect(ctx, ep, caller, key, timeout)
	if err != nil {
		log.WithField("error", err.Error()).Debug("Reverse dial failed")
		return
	}
	local := s.devices.Local()
	reply, err := iface.ConfirmConnect(ctx, transport.ConnectConfig{
		Keystore: s.keys,
		Local:    local,
		Timeout:  timeout,
	}, seq, &protocol.TcpAckConnection{
		Sequence:    seq,
		ToSessionID: acc.stream.SessionID(),
		Result:      protocol.ResultOK,
		ToDevice:    local,
	})
	if err != nil || !hasAckAck(reply, seq) {
		iface.Close()
		log.Debug("Reverse connection not chosen")
		return
	}

	provider := tunnel.NewTcpProvider(iface.PackageInterface(), acc.stream)
	if !s.commit(acc, provider) {
		iface.Close()
		return
	}
	provider.Start()
	s.deliver(acc.stream)
}

// startCalleeProxy negotiates the relays both sides know so the caller's
// first box can reach us through one of them.
func (s *Stack) startCalleeProxy(acc *acceptor, called *protocol.SnCalled, key crypto.AesKey) {
	var passive []*device.Device
	for _, id := range called.ActivePnList {
		if d, ok := s.devices.Get(id); ok {
			passive = append(passive, d)
		}
	}
	if len(passive) == 0 && len(s.options.ActivePNs) == 0 {
		return
	}

	remote := acc.container.Remote()
	ck := connectKey{remote: remote, seq: acc.stream.Sequence()}
	s.mu.Lock()
	if _, ok := s.callees[ck]; ok || s.closed {
		s.mu.Unlock()
		return
	}
	proxy := tunnel.NewProxyBuilder(s.deps, acc.container, ck.seq, func(t *tunnel.UDPTunnel) {
		// open our side of the relay toward the caller
		ping := protocol.NewPackageBox(remote, key).Push(&protocol.PingTunnel{
			PackageID: uint32(ck.seq),
			SendTime:  protocol.NowMicros(),
		})
		if err := t.Send(ping); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Stack.startCalleeProxy",
				"pair":     t.Pair().String(),
				"error":    err.Error(),
			}).Debug("Relay ping failed")
		}
	}, nil)
	s.callees[ck] = proxy
	s.mu.Unlock()

	for _, pn := range s.options.ActivePNs {
		if err := proxy.SynProxy(s.ctx, tunnel.ProxyActive, pn); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Stack.startCalleeProxy",
				"pn":       pn.ID().String(),
				"error":    err.Error(),
			}).Debug("SynProxy failed")
		}
	}
	for _, pn := range passive {
		if err := proxy.SynProxy(s.ctx, tunnel.ProxyPassive, pn); err != nil && errs.CodeOf(err) != errs.CodeAlreadyExists {
			logrus.WithFields(logrus.Fields{
				"function": "Stack.startCalleeProxy",
				"pn":       pn.ID().String(),
				"error":    err.Error(),
			}).Debug("SynProxy failed")
		}
	}
}
