// Package stream holds the stream object whose establishment a connect
// builder drives. A stream starts Connecting and moves exactly once to
// Established or Closed.
//
//	s := stream.New(seq, remoteID, 80, sessionID)
//	// hand s to a builder, then
//	if err := s.WaitEstablish(ctx); err != nil {
//	    return err
//	}
//	s.Write([]byte("hello"))
package stream

import (
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/errs"
	"github.com/opd-ai/bdt/protocol"
)

// State is the establishment state of a stream.
type State int

const (
	StateConnecting State = iota
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	default:
		return "closed"
	}
}

// Provider is the transport an established stream writes through.
type Provider interface {
	// Kind names the path, e.g. "tcp" or "package".
	Kind() string
	Send(data []byte) error
	Close() error
}

const recvQueueSize = 64

// Stream is one logical connection to a virtual port on a remote device.
type Stream struct {
	seq       protocol.TempSeq
	remote    device.DeviceId
	port      uint16
	sessionID uint32

	mu              sync.RWMutex
	state           State
	provider        Provider
	remoteSessionID uint32
	err             error
	done            chan struct{}

	recv       chan []byte
	recvClosed bool
	pending    []byte
}

// New creates a connecting stream.
func New(seq protocol.TempSeq, remote device.DeviceId, port uint16, sessionID uint32) *Stream {
	return &Stream{
		seq:       seq,
		remote:    remote,
		port:      port,
		sessionID: sessionID,
		done:      make(chan struct{}),
		recv:      make(chan []byte, recvQueueSize),
	}
}

// Sequence returns the connect sequence shared by every package of the
// handshake.
func (s *Stream) Sequence() protocol.TempSeq { return s.seq }

// RemoteID returns the remote device id.
func (s *Stream) RemoteID() device.DeviceId { return s.remote }

// Port returns the remote virtual port.
func (s *Stream) Port() uint16 { return s.port }

// SessionID returns the local session id.
func (s *Stream) SessionID() uint32 { return s.sessionID }

// RemoteSessionID returns the remote session id once established.
func (s *Stream) RemoteSessionID() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteSessionID
}

// SynSessionData builds the syn sent over package tunnels.
func (s *Stream) SynSessionData() *protocol.SessionData {
	return &protocol.SessionData{
		SessionID: s.sessionID,
		SendTime:  protocol.NowMicros(),
		Flags:     protocol.SessionFlagSyn,
		SynInfo: &protocol.SessionSynInfo{
			Sequence:      s.seq,
			FromSessionID: s.sessionID,
			ToVPort:       s.port,
		},
	}
}

// SynTcpConnection builds the syn sent as the first box of a TCP stream.
// reverse lists endpoints the remote may dial back.
func (s *Stream) SynTcpConnection(local *device.Device, reverse []endpoint.Endpoint) *protocol.TcpSynConnection {
	return &protocol.TcpSynConnection{
		Sequence:        s.seq,
		ToVPort:         s.port,
		FromSessionID:   s.sessionID,
		FromDeviceID:    local.ID(),
		ToDeviceID:      s.remote,
		FromDevice:      local,
		ReverseEndpoint: reverse,
	}
}

// EstablishWith moves the stream to Established over p.
func (s *Stream) EstablishWith(p Provider, remoteSessionID uint32) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		state := s.state
		s.mu.Unlock()
		return errs.Newf(errs.CodeErrorState, "establish stream in state %s", state)
	}
	s.state = StateEstablished
	s.provider = p
	s.remoteSessionID = remoteSessionID
	close(s.done)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Stream.EstablishWith",
		"remote":   s.remote.String(),
		"seq":      s.seq,
		"provider": p.Kind(),
	}).Info("Stream established")
	return nil
}

// CancelConnectingWith closes a connecting stream with err.
func (s *Stream) CancelConnectingWith(err error) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		state := s.state
		s.mu.Unlock()
		return errs.Newf(errs.CodeErrorState, "cancel stream in state %s", state)
	}
	if err == nil {
		err = errs.New(errs.CodeFailed, "connect cancelled")
	}
	s.state = StateClosed
	s.err = err
	close(s.done)
	s.closeRecv()
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Stream.CancelConnectingWith",
		"remote":   s.remote.String(),
		"seq":      s.seq,
		"error":    err.Error(),
	}).Info("Stream connect cancelled")
	return nil
}

// Done is closed when the stream leaves Connecting.
func (s *Stream) Done() <-chan struct{} { return s.done }

// WaitEstablish blocks until the stream leaves Connecting and returns the
// cancel error, if any.
func (s *Stream) WaitEstablish(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return errs.Wrap(errs.CodeInterrupted, "wait establish", ctx.Err())
	}
}

// State returns the current state.
func (s *Stream) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Provider returns the established provider, or nil.
func (s *Stream) Provider() Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provider
}

// Err returns the error the stream was closed with.
func (s *Stream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Deliver queues inbound data for Read. Data is dropped when the queue is
// full.
func (s *Stream) Deliver(data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.recvClosed {
		return
	}
	select {
	case s.recv <- append([]byte(nil), data...):
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Stream.Deliver",
			"remote":   s.remote.String(),
			"size":     len(data),
		}).Warn("Receive queue full, data dropped")
	}
}

// Write sends p through the provider.
func (s *Stream) Write(p []byte) (int, error) {
	provider := s.Provider()
	if provider == nil {
		return 0, errs.New(errs.CodeErrorState, "stream not established")
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := provider.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read returns delivered data in order. It returns io.EOF once the stream
// is closed and drained.
func (s *Stream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		data, ok := <-s.recv
		if !ok {
			return 0, io.EOF
		}
		s.pending = data
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Close closes the stream. A connecting stream is cancelled.
func (s *Stream) Close() error {
	s.mu.Lock()
	switch s.state {
	case StateConnecting:
		s.mu.Unlock()
		return s.CancelConnectingWith(errs.New(errs.CodeInterrupted, "stream closed"))
	case StateClosed:
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	provider := s.provider
	s.closeRecv()
	s.mu.Unlock()
	return provider.Close()
}

// closeRecv must be called with mu held.
func (s *Stream) closeRecv() {
	if !s.recvClosed {
		s.recvClosed = true
		close(s.recv)
	}
}
