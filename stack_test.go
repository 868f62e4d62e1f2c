package bdt

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/bdt/crypto"
	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/errs"
	"github.com/opd-ai/bdt/keystore"
	"github.com/opd-ai/bdt/sn"
	"github.com/opd-ai/bdt/stream"
	"github.com/opd-ai/bdt/transport"
	"github.com/opd-ai/bdt/tunnel"
)

func loopback(proto endpoint.Protocol) endpoint.Endpoint {
	return endpoint.New(proto, netip.MustParseAddrPort("127.0.0.1:0"))
}

func testOptions() *Options {
	opts := NewOptions()
	opts.Tunnel = tunnel.Config{
		ConnectTimeout:    2 * time.Second,
		HolepunchInterval: 50 * time.Millisecond,
		CallTimeout:       time.Second,
		CallBackoff:       50 * time.Millisecond,
	}
	opts.SN.ResendInterval = 100 * time.Millisecond
	return opts
}

func newTestStack(t *testing.T, configure func(*Options)) *Stack {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	opts := testOptions()
	configure(opts)
	s, err := New(context.Background(), id, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func udpOnly(opts *Options) {
	opts.UDP = []endpoint.Endpoint{loopback(endpoint.UDP)}
}

func tcpOnly(opts *Options) {
	opts.TCP = []endpoint.Endpoint{loopback(endpoint.TCP)}
}

func acceptOne(t *testing.T, ch <-chan *stream.Stream) *stream.Stream {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("no stream accepted")
		return nil
	}
}

func readWithin(t *testing.T, s *stream.Stream, d time.Duration) string {
	t.Helper()
	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 256)
		n, err := s.Read(buf)
		if err != nil {
			got <- ""
			return
		}
		got <- string(buf[:n])
	}()
	select {
	case v := <-got:
		return v
	case <-time.After(d):
		t.Fatal("read timed out")
		return ""
	}
}

func connectCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnectOverUDP(t *testing.T) {
	alice := newTestStack(t, udpOnly)
	bob := newTestStack(t, udpOnly)
	accepted, err := bob.Listen(80)
	require.NoError(t, err)

	s, err := alice.Connect(connectCtx(t), bob.Local(), 80, ConnectParams{})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, stream.StateEstablished, s.State())
	assert.Equal(t, "package", s.Provider().Kind())

	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)

	remote := acceptOne(t, accepted)
	assert.Equal(t, alice.Local().ID(), remote.RemoteID())
	assert.Equal(t, uint16(80), remote.Port())
	assert.Equal(t, s.SessionID(), remote.RemoteSessionID())
	assert.Equal(t, "hello", readWithin(t, remote, 2*time.Second))

	_, err = remote.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, "world", readWithin(t, s, 2*time.Second))

	fk, ok := bob.Keystore().GetKeyByRemote(alice.Local().ID(), false)
	require.True(t, ok)
	assert.True(t, fk.Confirmed)
}

func TestConnectOverTCP(t *testing.T) {
	alice := newTestStack(t, tcpOnly)
	bob := newTestStack(t, tcpOnly)
	accepted, err := bob.Listen(443)
	require.NoError(t, err)

	s, err := alice.Connect(connectCtx(t), bob.Local(), 443, ConnectParams{})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "tcp", s.Provider().Kind())

	remote := acceptOne(t, accepted)
	assert.Equal(t, s.SessionID(), remote.RemoteSessionID())
	assert.Equal(t, remote.SessionID(), s.RemoteSessionID())

	_, err = s.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ping", readWithin(t, remote, 2*time.Second))

	_, err = remote.Write([]byte("pong"))
	require.NoError(t, err)
	assert.Equal(t, "pong", readWithin(t, s, 2*time.Second))
}

func TestConnectRefusedWithoutListener(t *testing.T) {
	alice := newTestStack(t, udpOnly)
	bob := newTestStack(t, udpOnly)

	start := time.Now()
	_, err := alice.Connect(connectCtx(t), bob.Local(), 81, ConnectParams{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConnectFailed)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConnectOverTCPRefusedWithoutListener(t *testing.T) {
	alice := newTestStack(t, tcpOnly)
	bob := newTestStack(t, tcpOnly)
	_, err := bob.Listen(443)
	require.NoError(t, err)

	start := time.Now()
	_, err = alice.Connect(connectCtx(t), bob.Local(), 444, ConnectParams{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConnectFailed)
	// the acceptor answers with a refusal instead of letting the dial time out
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnectToSelfIsRejected(t *testing.T) {
	alice := newTestStack(t, udpOnly)
	_, err := alice.Connect(connectCtx(t), alice.Local(), 80, ConnectParams{})
	assert.ErrorIs(t, err, errs.ErrInvalidParam)
}

func TestConnectThroughRendezvousCall(t *testing.T) {
	snID, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	snDevice := device.New(snID, device.CategorySN, nil)
	snKeys, err := keystore.New(snID, keystore.DefaultConfig())
	require.NoError(t, err)
	service := sn.NewPeerService(snDevice, 0, nil)
	ln, _, _, err := sn.Listen(context.Background(), sn.ListenerConfig{
		V4:      []endpoint.Endpoint{loopback(endpoint.UDP)},
		LocalID: snDevice.ID(),
	}, service, snKeys)
	require.NoError(t, err)
	defer ln.Close()
	snDevice.UpdateEndpoints(ln.Endpoints())
	require.NoError(t, snDevice.Sign(snID))

	withSN := func(opts *Options) {
		udpOnly(opts)
		opts.SNs = []*device.Device{snDevice}
	}
	alice := newTestStack(t, withSN)
	bob := newTestStack(t, withSN)
	accepted, err := bob.Listen(80)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := service.Peer(bob.Local().ID())
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	// a descriptor without endpoints leaves the call as the only way in
	stale := bob.Local()
	stale.Body.Endpoints = nil

	s, err := alice.Connect(connectCtx(t), stale, 80, ConnectParams{})
	require.NoError(t, err)
	defer s.Close()

	remote := acceptOne(t, accepted)
	assert.Equal(t, alice.Local().ID(), remote.RemoteID())

	_, err = s.Write([]byte("via sn"))
	require.NoError(t, err)
	assert.Equal(t, "via sn", readWithin(t, remote, 2*time.Second))

	cached, ok := alice.Devices().Get(bob.Local().ID())
	require.True(t, ok)
	assert.NotEmpty(t, cached.Endpoints())
}

func TestListenTwiceFails(t *testing.T) {
	s := newTestStack(t, udpOnly)
	_, err := s.Listen(80)
	require.NoError(t, err)
	_, err = s.Listen(80)
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)
	_, err = s.Listen(81)
	assert.NoError(t, err)
}

func TestCloseEndsListenQueues(t *testing.T) {
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	opts := testOptions()
	udpOnly(opts)
	s, err := New(context.Background(), id, opts)
	require.NoError(t, err)

	ch, err := s.Listen(80)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	_, open := <-ch
	assert.False(t, open)

	_, err = s.Listen(81)
	assert.ErrorIs(t, err, errs.ErrErrorState)
	assert.NoError(t, s.Close())
}

func TestNewFailsOnBusyPort(t *testing.T) {
	busy, err := transport.BindListener(loopback(endpoint.TCP), 0)
	require.NoError(t, err)
	defer busy.Close()

	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	opts := testOptions()
	udpOnly(opts)
	opts.TCP = []endpoint.Endpoint{busy.Local()}
	_, err = New(context.Background(), id, opts)
	assert.ErrorIs(t, err, errs.ErrConnectFailed)
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bdt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
udp: [L4udp127.0.0.1:8050]
category: 1
accept_timeout: 3s
tunnel:
  connect_timeout: 7s
keystore:
  capacity: 10
`), 0o600))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	require.Len(t, opts.UDP, 1)
	assert.Equal(t, endpoint.UDP, opts.UDP[0].Protocol)
	assert.Equal(t, uint16(8050), opts.UDP[0].Addr.Port())
	assert.Equal(t, device.CategoryServer, opts.Category)
	assert.Equal(t, 3*time.Second, opts.AcceptTimeout)
	assert.Equal(t, 7*time.Second, opts.Tunnel.ConnectTimeout)
	assert.Equal(t, tunnel.DefaultConfig().HolepunchInterval, opts.Tunnel.HolepunchInterval)
	assert.Equal(t, 10, opts.Keystore.Capacity)
	assert.Equal(t, keystore.DefaultConfig().ActiveTime, opts.Keystore.ActiveTime)
	assert.Equal(t, device.DefaultCacheCapacity, opts.DeviceCacheSize)

	_, err = LoadOptions(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("udp: [nonsense]\n"), 0o600))
	_, err = LoadOptions(bad)
	assert.Error(t, err)
}
