package pn

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/bdt/crypto"
	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/errs"
	"github.com/opd-ai/bdt/protocol"
)

type recordSender struct {
	mu    sync.Mutex
	boxes []*protocol.PackageBox
}

func (s *recordSender) Remote() endpoint.Endpoint { return endpoint.Endpoint{} }

func (s *recordSender) SendBox(box *protocol.PackageBox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boxes = append(s.boxes, box)
	return nil
}

func (s *recordSender) lastAck(t *testing.T) *protocol.AckProxy {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.boxes)
	ack, ok := s.boxes[len(s.boxes)-1].Packages()[0].(*protocol.AckProxy)
	require.True(t, ok)
	return ack
}

func newTestService(t *testing.T, config Config) (*Service, *Metrics) {
	t.Helper()
	config.ListenAddr = netip.MustParseAddr("127.0.0.1")
	metrics := NewMetrics(prometheus.NewRegistry())
	s := NewService(config, metrics)
	t.Cleanup(func() { s.Close() })
	return s, metrics
}

func synProxy(from, to device.DeviceId, hash crypto.MixHash) (*protocol.PackageBox, *protocol.SynProxy) {
	syn := &protocol.SynProxy{Seq: 1, FromPeerID: from, ToPeerID: to, KeyHash: hash}
	return protocol.NewPackageBox(from, crypto.AesKey{1}), syn
}

func TestBothSidesGetTheSameProxyEndpoint(t *testing.T) {
	s, metrics := newTestService(t, DefaultConfig())
	alice, bob := device.DeviceId{1}, device.DeviceId{2}
	hash := crypto.MixHash{7}

	aliceSender, bobSender := &recordSender{}, &recordSender{}
	box, syn := synProxy(alice, bob, hash)
	s.Handle(box, syn, aliceSender)
	box, syn = synProxy(bob, alice, hash)
	s.Handle(box, syn, bobSender)

	aliceAck, bobAck := aliceSender.lastAck(t), bobSender.lastAck(t)
	require.NotNil(t, aliceAck.ProxyEndpoint)
	require.NotNil(t, bobAck.ProxyEndpoint)
	assert.Nil(t, aliceAck.Err)
	assert.Equal(t, *aliceAck.ProxyEndpoint, *bobAck.ProxyEndpoint)
	assert.Equal(t, 1, s.PairCount())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SynProxy.WithLabelValues("ok")))
}

func TestSynProxyRefusals(t *testing.T) {
	config := DefaultConfig()
	config.MaxPairs = 1
	s, _ := newTestService(t, config)
	alice, bob, carol := device.DeviceId{1}, device.DeviceId{2}, device.DeviceId{3}
	sender := &recordSender{}

	// sender is not the box remote
	box, syn := synProxy(alice, bob, crypto.MixHash{1})
	syn.FromPeerID = carol
	s.Handle(box, syn, sender)
	ack := sender.lastAck(t)
	require.NotNil(t, ack.Err)
	assert.Equal(t, uint16(errs.CodeInvalidParam), *ack.Err)

	box, syn = synProxy(alice, bob, crypto.MixHash{1})
	s.Handle(box, syn, sender)
	assert.Nil(t, sender.lastAck(t).Err)

	// same hash, unrelated devices
	box, syn = synProxy(carol, bob, crypto.MixHash{1})
	s.Handle(box, syn, sender)
	ack = sender.lastAck(t)
	require.NotNil(t, ack.Err)
	assert.Equal(t, uint16(errs.CodeAlreadyExists), *ack.Err)

	box, syn = synProxy(carol, bob, crypto.MixHash{2})
	s.Handle(box, syn, sender)
	ack = sender.lastAck(t)
	require.NotNil(t, ack.Err)
	assert.Equal(t, uint16(errs.CodeOutOfLimit), *ack.Err)
}

func readWithin(t *testing.T, conn *net.UDPConn, d time.Duration) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestRelayForwardsBetweenSides(t *testing.T) {
	s, metrics := newTestService(t, DefaultConfig())
	sender := &recordSender{}
	box, syn := synProxy(device.DeviceId{1}, device.DeviceId{2}, crypto.MixHash{5})
	s.Handle(box, syn, sender)
	proxy := sender.lastAck(t).ProxyEndpoint
	require.NotNil(t, proxy)

	a, err := net.DialUDP("udp", nil, proxy.UDPAddr())
	require.NoError(t, err)
	defer a.Close()
	b, err := net.DialUDP("udp", nil, proxy.UDPAddr())
	require.NoError(t, err)
	defer b.Close()

	// a is alone on the pair; its datagram has nowhere to go
	_, err = a.Write([]byte("early"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.Dropped) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = b.Write([]byte("from-b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("from-b"), readWithin(t, a, 2*time.Second))

	_, err = a.Write([]byte("from-a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("from-a"), readWithin(t, b, 2*time.Second))
}

func TestExpireClosesIdlePairs(t *testing.T) {
	s, _ := newTestService(t, DefaultConfig())
	box, syn := synProxy(device.DeviceId{1}, device.DeviceId{2}, crypto.MixHash{5})
	s.Handle(box, syn, &recordSender{})
	require.Equal(t, 1, s.PairCount())

	s.expire(time.Now())
	assert.Equal(t, 1, s.PairCount())

	s.expire(time.Now().Add(2 * DefaultPairTimeout))
	assert.Equal(t, 0, s.PairCount())
}
