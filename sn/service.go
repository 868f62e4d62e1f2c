package sn

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bdt/crypto"
	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/protocol"
)

// DefaultPeerTimeout is how long a peer stays registered without pinging.
const DefaultPeerTimeout = 3 * time.Minute

type peerEntry struct {
	device   *device.Device
	key      crypto.AesKey
	sender   MessageSender
	lastPing time.Time
}

// PeerService is the rendezvous service: peers register with SnPing and
// are introduced to callers with SnCalled.
type PeerService struct {
	local   *device.Device
	timeout time.Duration
	metrics *Metrics
	seq     *protocol.TempSeqGenerator
	now     func() time.Time

	mu    sync.RWMutex
	peers map[device.DeviceId]*peerEntry
}

// NewPeerService creates a service answering as local. A zero timeout
// selects DefaultPeerTimeout; nil metrics are not registered.
func NewPeerService(local *device.Device, timeout time.Duration, metrics *Metrics) *PeerService {
	if timeout <= 0 {
		timeout = DefaultPeerTimeout
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &PeerService{
		local:   local,
		timeout: timeout,
		metrics: metrics,
		seq:     protocol.NewTempSeqGenerator(),
		now:     time.Now,
		peers:   make(map[device.DeviceId]*peerEntry),
	}
}

// Handle dispatches one command package.
func (s *PeerService) Handle(box *protocol.PackageBox, pkg protocol.Package, sender MessageSender) {
	switch p := pkg.(type) {
	case *protocol.SnPing:
		s.handlePing(box, p, sender)
	case *protocol.SnCall:
		s.handleCall(box, p, sender)
	case *protocol.SnCalledResp:
		logrus.WithFields(logrus.Fields{
			"function": "PeerService.Handle",
			"remote":   box.Remote().String(),
			"seq":      p.Seq,
			"result":   p.Result,
		}).Debug("Called peer answered")
	default:
		logrus.WithFields(logrus.Fields{
			"function": "PeerService.Handle",
			"remote":   box.Remote().String(),
			"cmd":      pkg.Cmd().String(),
		}).Debug("Ignored package")
	}
}

// Peer returns the registered device of id, if it is still live.
func (s *PeerService) Peer(id device.DeviceId) (*device.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.live(id)
	if !ok {
		return nil, false
	}
	return e.device, true
}

// PeerCount returns the number of live peers.
func (s *PeerService) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for id := range s.peers {
		if _, ok := s.live(id); ok {
			n++
		}
	}
	return n
}

// live must be called with mu held.
func (s *PeerService) live(id device.DeviceId) (*peerEntry, bool) {
	e, ok := s.peers[id]
	if !ok || e.device == nil || s.now().Sub(e.lastPing) > s.timeout {
		return nil, false
	}
	return e, true
}

// purge must be called with mu held.
func (s *PeerService) purge() {
	now := s.now()
	for id, e := range s.peers {
		if now.Sub(e.lastPing) > s.timeout {
			delete(s.peers, id)
		}
	}
	s.metrics.Peers.Set(float64(len(s.peers)))
}

func (s *PeerService) handlePing(box *protocol.PackageBox, ping *protocol.SnPing, sender MessageSender) {
	remote := box.Remote()
	result := protocol.ResultOK

	s.mu.Lock()
	s.purge()
	e, ok := s.peers[remote]
	if !ok {
		e = &peerEntry{}
	}
	if ping.PeerInfo != nil && ping.PeerInfo.ID() == remote {
		if e.device == nil || ping.PeerInfo.Body.UpdateTime >= e.device.Body.UpdateTime {
			e.device = ping.PeerInfo
		}
	}
	if e.device == nil {
		result = protocol.ResultNotFound
	} else {
		e.key = box.Key()
		e.sender = sender
		e.lastPing = s.now()
		s.peers[remote] = e
	}
	s.metrics.Peers.Set(float64(len(s.peers)))
	s.mu.Unlock()

	resp := &protocol.SnPingResp{
		Seq:           ping.Seq,
		SnPeerID:      s.local.ID(),
		Result:        result,
		EndpointArray: []endpoint.Endpoint{sender.Remote()},
	}
	if !ok {
		resp.PeerInfo = s.local
	}
	s.reply(box, sender, resp)

	logrus.WithFields(logrus.Fields{
		"function": "PeerService.handlePing",
		"remote":   remote.String(),
		"observed": sender.Remote().String(),
		"result":   result,
	}).Debug("Ping answered")
}

func (s *PeerService) handleCall(box *protocol.PackageBox, call *protocol.SnCall, sender MessageSender) {
	caller := box.Remote()

	s.mu.Lock()
	callee, found := s.live(call.ToPeerID)
	callerDevice := call.PeerInfo
	if callerDevice == nil {
		if e, ok := s.peers[caller]; ok {
			callerDevice = e.device
		}
	}
	s.mu.Unlock()

	resp := &protocol.SnCallResp{Seq: call.Seq, SnPeerID: s.local.ID()}
	switch {
	case !found:
		resp.Result = protocol.ResultNotFound
	case callerDevice == nil || callerDevice.ID() != caller:
		resp.Result = protocol.ResultRefused
	default:
		called := &protocol.SnCalled{
			Seq:                  s.seq.Generate(),
			SnPeerID:             s.local.ID(),
			ToPeerID:             call.ToPeerID,
			FromPeerID:           caller,
			ReverseEndpointArray: appendObserved(call.ReverseEndpointArray, sender.Remote()),
			ActivePnList:         call.ActivePnList,
			PeerInfo:             callerDevice,
			CallSeq:              call.Seq,
			CallSendTime:         call.SendTime,
			Payload:              call.Payload,
		}
		calledBox := protocol.NewPackageBox(call.ToPeerID, callee.key).Push(called)
		if err := callee.sender.SendBox(calledBox); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "PeerService.handleCall",
				"callee":   call.ToPeerID.String(),
				"error":    err.Error(),
			}).Warn("Failed to forward call")
			resp.Result = protocol.ResultFailed
			break
		}
		resp.Result = protocol.ResultOK
		resp.ToPeerInfo = callee.device
	}
	s.metrics.Calls.WithLabelValues(resultLabel(resp.Result)).Inc()
	s.reply(box, sender, resp)

	logrus.WithFields(logrus.Fields{
		"function": "PeerService.handleCall",
		"caller":   caller.String(),
		"callee":   call.ToPeerID.String(),
		"result":   resp.Result,
	}).Info("Call answered")
}

func (s *PeerService) reply(box *protocol.PackageBox, sender MessageSender, pkg protocol.Package) {
	out := protocol.NewPackageBox(box.Remote(), box.Key()).Push(pkg)
	if err := sender.SendBox(out); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "PeerService.reply",
			"remote":   box.Remote().String(),
			"cmd":      pkg.Cmd().String(),
			"error":    err.Error(),
		}).Debug("Reply failed")
	}
}

// appendObserved adds the endpoint the call arrived from unless the caller
// already listed it.
func appendObserved(eps []endpoint.Endpoint, observed endpoint.Endpoint) []endpoint.Endpoint {
	for _, ep := range eps {
		if ep.Protocol == observed.Protocol && ep.Addr == observed.Addr {
			return eps
		}
	}
	out := make([]endpoint.Endpoint, 0, len(eps)+1)
	out = append(out, eps...)
	return append(out, observed)
}

func resultLabel(result uint8) string {
	switch result {
	case protocol.ResultOK:
		return "ok"
	case protocol.ResultNotFound:
		return "not_found"
	case protocol.ResultRefused:
		return "refused"
	default:
		return "failed"
	}
}
