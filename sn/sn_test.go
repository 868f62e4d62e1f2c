package sn

import (
	"context"
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
	"github.com/opd-ai/bdt/keystore"
	"github.com/opd-ai/bdt/protocol"
	"github.com/opd-ai/bdt/transport"
)

type testNode struct {
	identity *crypto.Identity
	device   *device.Device
	keys     *keystore.Keystore
}

func (n *testNode) Local() *device.Device { return n.device }

func newTestNode(t *testing.T, category device.Category) *testNode {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	dev := device.New(id, category, nil)
	require.NoError(t, dev.Sign(id))
	ks, err := keystore.New(id, keystore.DefaultConfig())
	require.NoError(t, err)
	return &testNode{identity: id, device: dev, keys: ks}
}

func loopback(proto endpoint.Protocol) endpoint.Endpoint {
	return endpoint.New(proto, netip.MustParseAddrPort("127.0.0.1:0"))
}

type recordSender struct {
	remote endpoint.Endpoint
	mu     sync.Mutex
	boxes  []*protocol.PackageBox
}

func (s *recordSender) Remote() endpoint.Endpoint { return s.remote }

func (s *recordSender) SendBox(box *protocol.PackageBox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boxes = append(s.boxes, box)
	return nil
}

func (s *recordSender) last() protocol.Package {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.boxes) == 0 {
		return nil
	}
	return s.boxes[len(s.boxes)-1].Packages()[0]
}

type recordService struct {
	mu   sync.Mutex
	pkgs []protocol.Package
}

func (s *recordService) Handle(_ *protocol.PackageBox, pkg protocol.Package, _ MessageSender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pkgs = append(s.pkgs, pkg)
}

func (s *recordService) handled() []protocol.Package {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Package(nil), s.pkgs...)
}

// startSN binds a rendezvous peer on loopback and publishes its endpoints
// in its device.
func startSN(t *testing.T) (*testNode, *NetListener, *PeerService) {
	t.Helper()
	node := newTestNode(t, device.CategorySN)
	service := NewPeerService(node.device, 0, nil)
	ln, udpCount, tcpCount, err := Listen(context.Background(), ListenerConfig{
		V4:      []endpoint.Endpoint{loopback(endpoint.UDP), loopback(endpoint.TCP)},
		LocalID: node.device.ID(),
	}, service, node.keys)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	assert.Equal(t, 1, udpCount)
	assert.Equal(t, 1, tcpCount)

	node.device.UpdateEndpoints(ln.Endpoints())
	require.NoError(t, node.device.Sign(node.identity))
	return node, ln, service
}

func startClient(t *testing.T, node *testNode, sn *device.Device) *Client {
	t.Helper()
	iface, err := transport.BindUDP(loopback(endpoint.UDP), nil)
	require.NoError(t, err)
	t.Cleanup(func() { iface.Close() })

	client := NewClient(ClientConfig{ResendInterval: 100 * time.Millisecond}, node.keys, node, []*transport.UDPInterface{iface}, []*device.Device{sn})
	iface.Start(transport.UDPConfig{Keystore: node.keys, LocalID: node.device.ID()},
		func(iface *transport.UDPInterface, box *protocol.PackageBox, from endpoint.Endpoint) {
			for _, pkg := range box.CommandPackages() {
				client.Handle(iface, box, pkg, from)
			}
		})
	return client
}

func TestListenFailsWhenNothingBinds(t *testing.T) {
	node := newTestNode(t, device.CategorySN)
	_, _, _, err := Listen(context.Background(), ListenerConfig{LocalID: node.device.ID()}, &recordService{}, node.keys)
	assert.ErrorIs(t, err, errs.ErrInvalidParam)

	_, _, _, err = Listen(context.Background(), ListenerConfig{
		V4:      []endpoint.Endpoint{endpoint.New(endpoint.Unknown, netip.MustParseAddrPort("127.0.0.1:0"))},
		LocalID: node.device.ID(),
	}, &recordService{}, node.keys)
	assert.ErrorIs(t, err, errs.ErrConnectFailed)
}

func TestListenToleratesPartialBindFailure(t *testing.T) {
	node := newTestNode(t, device.CategorySN)
	ln, udpCount, tcpCount, err := Listen(context.Background(), ListenerConfig{
		V4: []endpoint.Endpoint{
			loopback(endpoint.UDP),
			endpoint.New(endpoint.Unknown, netip.MustParseAddrPort("127.0.0.1:0")),
		},
		LocalID: node.device.ID(),
	}, &recordService{}, node.keys)
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, 1, udpCount)
	assert.Equal(t, 0, tcpCount)
}

func TestProcessSelectsCommandAfterExchange(t *testing.T) {
	alice := newTestNode(t, device.CategoryPC)
	service := &recordService{}
	l := &NetListener{config: ListenerConfig{}.withDefaults(), service: service}
	sender := &recordSender{}

	key, err := crypto.GenerateAesKey()
	require.NoError(t, err)
	exchange := protocol.NewExchange(1, key, alice.device, device.DeviceId{9})
	ping := &protocol.SnPing{Seq: 1, PeerInfo: alice.device}

	l.process(job{box: protocol.NewPackageBox(alice.device.ID(), key).Push(exchange, ping), sender: sender})
	l.process(job{box: protocol.NewPackageBox(alice.device.ID(), key).Push(ping), sender: sender})

	handled := service.handled()
	require.Len(t, handled, 2)
	assert.Same(t, ping, handled[0])
	assert.Same(t, ping, handled[1])
}

func TestProcessDropsPingWithForgedBody(t *testing.T) {
	alice := newTestNode(t, device.CategoryPC)
	service := &recordService{}
	metrics := NewMetrics(prometheus.NewRegistry())
	l := &NetListener{config: ListenerConfig{Metrics: metrics}.withDefaults(), service: service}

	forged := alice.device.Clone()
	forged.Body.UpdateTime++
	require.True(t, forged.HasSignature())

	l.process(job{box: protocol.NewPackageBox(alice.device.ID(), crypto.AesKey{1}).Push(&protocol.SnPing{Seq: 1, PeerInfo: forged}), sender: &recordSender{}})
	assert.Empty(t, service.handled())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Dropped.WithLabelValues("peer_signature")))
}

func TestPeerServiceExpiresPeers(t *testing.T) {
	snNode, alice, bob := newTestNode(t, device.CategorySN), newTestNode(t, device.CategoryPC), newTestNode(t, device.CategoryPC)
	metrics := NewMetrics(prometheus.NewRegistry())
	service := NewPeerService(snNode.device, time.Minute, metrics)
	base := time.Now()
	service.now = func() time.Time { return base }

	bobSender := &recordSender{remote: endpoint.New(endpoint.UDP, netip.MustParseAddrPort("198.51.100.2:5000"))}
	service.Handle(protocol.NewPackageBox(bob.device.ID(), crypto.AesKey{2}), &protocol.SnPing{Seq: 1, PeerInfo: bob.device}, bobSender)

	resp, ok := bobSender.last().(*protocol.SnPingResp)
	require.True(t, ok)
	assert.Equal(t, protocol.ResultOK, resp.Result)
	assert.Equal(t, []endpoint.Endpoint{bobSender.remote}, resp.EndpointArray)
	assert.Equal(t, 1, service.PeerCount())

	aliceSender := &recordSender{remote: endpoint.New(endpoint.UDP, netip.MustParseAddrPort("198.51.100.1:5000"))}
	call := &protocol.SnCall{Seq: 7, ToPeerID: bob.device.ID(), FromPeerID: alice.device.ID(), PeerInfo: alice.device, Payload: []byte("box")}
	service.Handle(protocol.NewPackageBox(alice.device.ID(), crypto.AesKey{1}), call, aliceSender)

	callResp, ok := aliceSender.last().(*protocol.SnCallResp)
	require.True(t, ok)
	assert.Equal(t, protocol.ResultOK, callResp.Result)
	assert.Equal(t, bob.device.ID(), callResp.ToPeerInfo.ID())

	called, ok := bobSender.last().(*protocol.SnCalled)
	require.True(t, ok)
	assert.Equal(t, alice.device.ID(), called.FromPeerID)
	assert.Equal(t, protocol.TempSeq(7), called.CallSeq)
	assert.Equal(t, []byte("box"), called.Payload)
	assert.Contains(t, called.ReverseEndpointArray, aliceSender.remote)

	service.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, ok = service.Peer(bob.device.ID())
	assert.False(t, ok)

	service.Handle(protocol.NewPackageBox(alice.device.ID(), crypto.AesKey{1}), call, aliceSender)
	callResp = aliceSender.last().(*protocol.SnCallResp)
	assert.Equal(t, protocol.ResultNotFound, callResp.Result)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Calls.WithLabelValues("not_found")))
}

func TestPingWithoutDeviceIsNotRegistered(t *testing.T) {
	snNode, alice := newTestNode(t, device.CategorySN), newTestNode(t, device.CategoryPC)
	service := NewPeerService(snNode.device, 0, nil)
	sender := &recordSender{}

	service.Handle(protocol.NewPackageBox(alice.device.ID(), crypto.AesKey{1}), &protocol.SnPing{Seq: 1}, sender)
	resp := sender.last().(*protocol.SnPingResp)
	assert.Equal(t, protocol.ResultNotFound, resp.Result)
	assert.Equal(t, 0, service.PeerCount())
}

func TestClientPingAndCallOverUDP(t *testing.T) {
	snNode, _, service := startSN(t)
	alice, bob := newTestNode(t, device.CategoryPC), newTestNode(t, device.CategoryPC)

	aliceClient := startClient(t, alice, snNode.device)
	bobClient := startClient(t, bob, snNode.device)

	calledCh := make(chan *protocol.SnCalled, 1)
	bobClient.SetCalledHandler(func(called *protocol.SnCalled) { calledCh <- called })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := bobClient.Ping(ctx, snNode.device)
	require.NoError(t, err)
	require.Len(t, resp.EndpointArray, 1)
	assert.Equal(t, bobClient.udp[0].Local().Addr, resp.EndpointArray[0].Addr)

	outer, ok := bobClient.udp[0].Outer()
	require.True(t, ok)
	assert.Equal(t, resp.EndpointArray[0].Addr, outer.Addr)

	_, ok = service.Peer(bob.device.ID())
	assert.True(t, ok)

	got, err := aliceClient.Call(ctx, CallParams{SN: snNode.device, To: bob.device.ID(), Payload: []byte("first box")})
	require.NoError(t, err)
	assert.Equal(t, bob.device.ID(), got.ID())

	select {
	case called := <-calledCh:
		assert.Equal(t, alice.device.ID(), called.FromPeerID)
		assert.Equal(t, alice.device.ID(), called.PeerInfo.ID())
		assert.Equal(t, []byte("first box"), called.Payload)
	case <-ctx.Done():
		t.Fatal("callee was not called")
	}
}

func TestClientCallUnknownPeer(t *testing.T) {
	snNode, _, _ := startSN(t)
	alice := newTestNode(t, device.CategoryPC)
	client := startClient(t, alice, snNode.device)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Call(ctx, CallParams{SN: snNode.device, To: device.DeviceId{7}})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestClientCallTimesOutWithoutRendezvous(t *testing.T) {
	snNode := newTestNode(t, device.CategorySN)
	// a bound socket nobody answers on
	silent, err := transport.BindUDP(loopback(endpoint.UDP), nil)
	require.NoError(t, err)
	defer silent.Close()
	snNode.device.UpdateEndpoints([]endpoint.Endpoint{silent.Local()})

	alice := newTestNode(t, device.CategoryPC)
	client := startClient(t, alice, snNode.device)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = client.Call(ctx, CallParams{SN: snNode.device, To: device.DeviceId{7}})
	assert.ErrorIs(t, err, errs.ErrTimeout)
}

func TestPingOverTCP(t *testing.T) {
	snNode, ln, service := startSN(t)
	alice := newTestNode(t, device.CategoryPC)

	var tcpEp endpoint.Endpoint
	for _, ep := range ln.Endpoints() {
		if ep.Protocol == endpoint.TCP {
			tcpEp = ep
		}
	}
	require.True(t, tcpEp.IsValid())

	fk, err := alice.keys.CreateKey(snNode.device.ID())
	require.NoError(t, err)

	ctx := context.Background()
	iface, err := transport.Connect(ctx, tcpEp, snNode.device, fk.Key, time.Second)
	require.NoError(t, err)
	defer iface.Close()

	reply, err := iface.ConfirmConnect(ctx, transport.ConnectConfig{Keystore: alice.keys, Local: alice.device, Timeout: 2 * time.Second},
		3, &protocol.SnPing{Seq: 3, PeerInfo: alice.device, SendTime: protocol.NowMicros()})
	require.NoError(t, err)

	resp, ok := reply.Packages()[0].(*protocol.SnPingResp)
	require.True(t, ok)
	assert.Equal(t, protocol.TempSeq(3), resp.Seq)
	assert.Equal(t, protocol.ResultOK, resp.Result)
	assert.Equal(t, iface.Local().Addr, resp.EndpointArray[0].Addr)

	_, ok = service.Peer(alice.device.ID())
	assert.True(t, ok)
}

func TestClientDropsRendezvousPackagesFromStrangers(t *testing.T) {
	snNode := newTestNode(t, device.CategorySN)
	alice := newTestNode(t, device.CategoryPC)
	stranger := newTestNode(t, device.CategoryPC)

	iface, err := transport.BindUDP(loopback(endpoint.UDP), nil)
	require.NoError(t, err)
	defer iface.Close()
	sink, err := transport.BindUDP(loopback(endpoint.UDP), nil)
	require.NoError(t, err)
	defer sink.Close()

	client := NewClient(ClientConfig{}, alice.keys, alice, []*transport.UDPInterface{iface}, []*device.Device{snNode.device})
	var called []*protocol.SnCalled
	client.SetCalledHandler(func(p *protocol.SnCalled) { called = append(called, p) })

	key, err := crypto.GenerateAesKey()
	require.NoError(t, err)
	spoofed := endpoint.New(endpoint.UDP, netip.MustParseAddrPort("198.51.100.9:4000"))

	ping := protocol.NewPackageBox(stranger.device.ID(), key)
	assert.True(t, client.Handle(iface, ping, &protocol.SnPingResp{
		Result:        protocol.ResultOK,
		EndpointArray: []endpoint.Endpoint{spoofed},
	}, sink.Local()))
	_, ok := iface.Outer()
	assert.False(t, ok)

	calledPkg := &protocol.SnCalled{FromPeerID: stranger.device.ID(), PeerInfo: stranger.device}
	assert.True(t, client.Handle(iface, protocol.NewPackageBox(stranger.device.ID(), key), calledPkg, sink.Local()))
	assert.Empty(t, called)
	_, ok = alice.keys.GetKeyByRemote(stranger.device.ID(), false)
	assert.False(t, ok)

	assert.True(t, client.Handle(iface, protocol.NewPackageBox(snNode.device.ID(), key), calledPkg, sink.Local()))
	assert.Len(t, called, 1)
	fk, ok := alice.keys.GetKeyByRemote(snNode.device.ID(), false)
	require.True(t, ok)
	assert.Equal(t, key, fk.Key)
}
