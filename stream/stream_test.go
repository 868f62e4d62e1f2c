package stream

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/errs"
	"github.com/opd-ai/bdt/protocol"
)

type fakeProvider struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (p *fakeProvider) Kind() string { return "fake" }

func (p *fakeProvider) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, append([]byte(nil), data...))
	return nil
}

func (p *fakeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestEstablishIsOneWay(t *testing.T) {
	s := New(1, device.DeviceId{1}, 80, 9)
	provider := &fakeProvider{}

	require.NoError(t, s.EstablishWith(provider, 12))
	assert.Equal(t, StateEstablished, s.State())
	assert.Equal(t, uint32(12), s.RemoteSessionID())
	assert.NoError(t, s.WaitEstablish(context.Background()))

	assert.ErrorIs(t, s.EstablishWith(provider, 13), errs.ErrErrorState)
	assert.ErrorIs(t, s.CancelConnectingWith(errs.ErrConnectFailed), errs.ErrErrorState)
	assert.Equal(t, uint32(12), s.RemoteSessionID())
}

func TestCancelConnecting(t *testing.T) {
	s := New(1, device.DeviceId{1}, 80, 9)

	waitErr := make(chan error, 1)
	go func() { waitErr <- s.WaitEstablish(context.Background()) }()

	cause := errs.New(errs.CodeConnectFailed, "no path")
	require.NoError(t, s.CancelConnectingWith(cause))

	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, errs.ErrConnectFailed)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
	assert.Equal(t, StateClosed, s.State())

	_, err := s.Read(make([]byte, 4))
	assert.Equal(t, io.EOF, err)
	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, errs.ErrErrorState)
}

func TestWaitEstablishHonoursContext(t *testing.T) {
	s := New(1, device.DeviceId{1}, 80, 9)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitEstablish(ctx), errs.ErrInterrupted)
	assert.Equal(t, StateConnecting, s.State())
}

func TestReadWriteThroughProvider(t *testing.T) {
	s := New(1, device.DeviceId{1}, 80, 9)
	provider := &fakeProvider{}
	require.NoError(t, s.EstablishWith(provider, 12))

	n, err := s.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, [][]byte{[]byte("hello")}, provider.sent)

	// an empty write sends nothing
	n, err = s.Write(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, provider.sent, 1)

	s.Deliver([]byte("world"))
	buf := make([]byte, 3)
	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "wor", string(buf[:n]))
	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ld", string(buf[:n]))

	require.NoError(t, s.Close())
	assert.True(t, provider.closed)
	s.Deliver([]byte("late"))
	_, err = s.Read(buf)
	assert.Equal(t, io.EOF, err)
}

func TestSynPackages(t *testing.T) {
	local := &device.Device{}
	s := New(7, device.DeviceId{2}, 443, 99)

	syn := s.SynSessionData()
	assert.True(t, syn.IsSyn())
	assert.Equal(t, protocol.SessionSynInfo{Sequence: 7, FromSessionID: 99, ToVPort: 443}, *syn.SynInfo)

	tcpSyn := s.SynTcpConnection(local, nil)
	assert.Equal(t, protocol.TempSeq(7), tcpSyn.Sequence)
	assert.Equal(t, device.DeviceId{2}, tcpSyn.ToDeviceID)
	assert.Equal(t, uint16(443), tcpSyn.ToVPort)
}
