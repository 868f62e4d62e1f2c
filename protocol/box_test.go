package protocol

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/bdt/crypto"
	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/errs"
	"github.com/opd-ai/bdt/keystore"
)

type testPeer struct {
	identity *crypto.Identity
	device   *device.Device
	keys     *keystore.Keystore
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	dev := device.New(id, device.CategoryPC, []endpoint.Endpoint{
		endpoint.New(endpoint.UDP, netip.MustParseAddrPort("127.0.0.1:8050")),
	})
	require.NoError(t, dev.Sign(id))
	ks, err := keystore.New(id, keystore.DefaultConfig())
	require.NoError(t, err)
	return &testPeer{identity: id, device: dev, keys: ks}
}

func synPackages(from, to *testPeer, seq TempSeq) (*SynTunnel, *SessionData) {
	now := NowMicros()
	syn := &SynTunnel{
		ProtocolVersion: ProtocolVersion,
		Sequence:        seq,
		FromDeviceID:    from.device.ID(),
		ToDeviceID:      to.device.ID(),
		FromContainerID: 7,
		FromDevice:      from.device,
		SendTime:        now,
	}
	data := &SessionData{
		SendTime: now,
		Flags:    SessionFlagSyn,
		SynInfo:  &SessionSynInfo{Sequence: seq, FromSessionID: 11, ToVPort: 80},
		Payload:  []byte("hello"),
	}
	return syn, data
}

func TestKeyedBoxRoundTripWithExchange(t *testing.T) {
	alice, bob := newTestPeer(t), newTestPeer(t)

	fk, err := alice.keys.CreateKey(bob.device.ID())
	require.NoError(t, err)

	exchange := NewExchange(1, fk.Key, alice.device, bob.device.ID())
	require.NoError(t, exchange.SignWith(alice.identity))
	syn, data := synPackages(alice, bob, 1)

	box := NewPackageBox(bob.device.ID(), fk.Key).Push(exchange, syn, data)
	buf := make([]byte, 2048)
	n, err := EncodeBox(box, buf, FirstBoxContext(bob.device))
	require.NoError(t, err)

	decoded, err := DecodeKeyedBox(buf[:n], bob.keys)
	require.NoError(t, err)
	assert.True(t, decoded.IsNewKey())
	assert.Equal(t, alice.device.ID(), decoded.Remote())
	assert.Equal(t, fk.Key, decoded.Key())
	require.Len(t, decoded.Packages(), 3)

	gotExchange, ok := decoded.Exchange()
	require.True(t, ok)
	assert.True(t, gotExchange.Verify(bob.device.ID(), decoded.Key()))
	assert.Equal(t, syn, decoded.Packages()[1])
	assert.Equal(t, data, decoded.Packages()[2])
	assert.Len(t, decoded.CommandPackages(), 2)
}

func TestKeyedBoxResolvedByMixHash(t *testing.T) {
	alice, bob := newTestPeer(t), newTestPeer(t)

	key, err := crypto.GenerateAesKey()
	require.NoError(t, err)
	alice.keys.AddKey(key, bob.device.ID(), true)
	bob.keys.AddKey(key, alice.device.ID(), true)

	ping := &PingTunnel{PackageID: 3, SendTime: NowMicros(), RecvData: 99}
	box := NewPackageBox(bob.device.ID(), key).Push(ping)
	buf := make([]byte, 512)
	n, err := EncodeBox(box, buf, FirstBoxContext(bob.device))
	require.NoError(t, err)
	assert.Equal(t, crypto.MixHashSize+crypto.BoxOverhead+3+4+8+8, n, "no sealed key without exchange")

	decoded, err := DecodeKeyedBox(buf[:n], bob.keys)
	require.NoError(t, err)
	assert.False(t, decoded.IsNewKey())
	assert.True(t, decoded.IsKeyConfirmed())
	assert.Equal(t, alice.device.ID(), decoded.Remote())
	assert.Equal(t, []Package{ping}, decoded.Packages())
}

func TestPlainBoxRoundTrip(t *testing.T) {
	bob := newTestPeer(t)
	key, err := crypto.GenerateAesKey()
	require.NoError(t, err)
	remote := device.DeviceId{4}

	pkgs := []Package{
		&TcpAckConnection{Sequence: 5, ToSessionID: 9, Result: ResultOK, ToDevice: bob.device},
		&TcpAckAckConnection{Sequence: 5, Result: ResultOK},
		&SessionData{SessionID: 9, StreamPos: 100, Flags: SessionFlagAck, Payload: []byte{1, 2, 3}},
	}
	box := NewPackageBox(remote, key).Push(pkgs...)

	buf := make([]byte, 512)
	n, err := EncodeBox(box, buf, OtherBoxContext())
	require.NoError(t, err)

	decoded, err := DecodePlainBox(buf[:n], remote, key)
	require.NoError(t, err)
	assert.Equal(t, pkgs, decoded.Packages())
}

func TestMergeOmitsRepeatedFields(t *testing.T) {
	alice, bob := newTestPeer(t), newTestPeer(t)
	syn, _ := synPackages(alice, bob, 1)

	encodeLen := func(pkgs ...Package) int {
		w := NewWriter(make([]byte, 4096))
		mctx := NewMergeContext()
		for i, p := range pkgs {
			require.NoError(t, EncodePackage(w, mctx, i == 0, p))
		}
		return w.Len()
	}

	single := encodeLen(syn)
	twice := encodeLen(syn, syn)
	assert.Equal(t, 3, twice-single, "a repeated package costs only its header")
}

func TestDecodeMissingMergeValue(t *testing.T) {
	w := NewWriter(make([]byte, 64))
	w.U8(uint8(CmdTcpAckAckConnection))
	w.U16(0x0001) // sequence present, result omitted

	w.U32(5)
	_, err := DecodePackage(NewReader(w.Bytes()), NewMergeContext(), false)
	assert.ErrorIs(t, err, errs.ErrInvalidData)
}

func TestEncodeOutOfLimit(t *testing.T) {
	alice, bob := newTestPeer(t), newTestPeer(t)
	key, err := crypto.GenerateAesKey()
	require.NoError(t, err)
	syn, data := synPackages(alice, bob, 1)

	box := NewPackageBox(bob.device.ID(), key).Push(syn, data)
	for _, size := range []int{0, 4, crypto.BoxOverhead + 10} {
		_, err := EncodeBox(box, make([]byte, size), FirstBoxContext(bob.device))
		assert.ErrorIs(t, err, errs.ErrOutOfLimit, "size %d", size)
	}
}

func TestEncodeEmptyBox(t *testing.T) {
	_, err := EncodeBox(NewPackageBox(device.DeviceId{}, crypto.AesKey{}), make([]byte, 64), OtherBoxContext())
	assert.ErrorIs(t, err, errs.ErrInvalidParam)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	bob := newTestPeer(t)
	key, err := crypto.GenerateAesKey()
	require.NoError(t, err)

	_, err = DecodeKeyedBox([]byte{1, 2, 3}, bob.keys)
	assert.ErrorIs(t, err, errs.ErrInvalidData)

	_, err = DecodeKeyedBox(make([]byte, 200), bob.keys)
	assert.ErrorIs(t, err, errs.ErrInvalidData)

	_, err = DecodePlainBox(make([]byte, 40), device.DeviceId{}, key)
	assert.ErrorIs(t, err, errs.ErrInvalidData)
}

func TestDecodeRejectsTruncatedDevice(t *testing.T) {
	key, err := crypto.GenerateAesKey()
	require.NoError(t, err)

	// an AckTunnel whose to_device_desc length prefix claims more than the
	// nested device actually encodes
	plain := NewWriter(make([]byte, 256))
	plain.U8(uint8(CmdAckTunnel))
	plain.U16(0x003f)
	plain.U8(ProtocolVersion)
	plain.U32(1)
	plain.U8(ResultOK)
	plain.U64(1)
	plain.U16(1400)
	plain.Bytes16(make([]byte, 10))

	region := make([]byte, plain.Len()+crypto.BoxOverhead)
	copy(region[crypto.BoxNonceSize:], plain.Bytes())
	n, err := key.EncryptInPlace(region, plain.Len())
	require.NoError(t, err)

	_, err = DecodePlainBox(region[:n], device.DeviceId{}, key)
	assert.ErrorIs(t, err, errs.ErrInvalidData)
}

func TestExchangeVerify(t *testing.T) {
	alice, bob := newTestPeer(t), newTestPeer(t)
	key, err := crypto.GenerateAesKey()
	require.NoError(t, err)

	exchange := NewExchange(1, key, alice.device, bob.device.ID())
	require.NoError(t, exchange.SignWith(alice.identity))
	assert.True(t, exchange.Verify(bob.device.ID(), key))

	other, err := crypto.GenerateAesKey()
	require.NoError(t, err)
	assert.False(t, exchange.Verify(bob.device.ID(), other), "box key mismatch")
	assert.False(t, exchange.Verify(alice.device.ID(), key), "wrong recipient")

	forged := *exchange
	require.NoError(t, forged.SignWith(bob.identity))
	assert.False(t, forged.Verify(bob.device.ID(), key), "signed by a key the desc does not declare")
}

func TestAllPackagesRoundTrip(t *testing.T) {
	alice := newTestPeer(t)
	ep := endpoint.New(endpoint.UDP, netip.MustParseAddrPort("10.0.0.1:9"))
	errCode := uint16(4)
	pnID := device.DeviceId{8}

	pkgs := []Package{
		&AckTunnel{ProtocolVersion: 1, Sequence: 2, Result: ResultOK, SendTime: 3, Mtu: 1400, ToDevice: alice.device},
		&AckAckTunnel{Sequence: 2},
		&PingTunnelResp{AckPackageID: 1, SendTime: 2, RecvData: 3},
		&Datagram{Sequence: 3, FromPort: 1, ToPort: 2, SendTime: 4, Payload: []byte("dg")},
		&SnPing{Seq: 1, SnPeerID: device.DeviceId{1}, FromPeerID: &pnID, PeerInfo: alice.device, SendTime: 5},
		&SnPingResp{Seq: 1, SnPeerID: device.DeviceId{1}, EndpointArray: []endpoint.Endpoint{ep}},
		&SnCall{Seq: 2, ToPeerID: device.DeviceId{2}, ReverseEndpointArray: []endpoint.Endpoint{ep}, ActivePnList: []device.DeviceId{pnID}, PeerInfo: alice.device, Payload: []byte("box"), IsAlwaysCall: true},
		&SnCallResp{Seq: 2, Result: ResultNotFound},
		&SnCalled{Seq: 3, PeerInfo: alice.device, CallSeq: 2, Payload: []byte("box")},
		&SnCalledResp{Seq: 3},
		&TcpSynConnection{Sequence: 4, ToVPort: 80, FromDevice: alice.device, ProxyDeviceID: &pnID, ReverseEndpoint: []endpoint.Endpoint{ep}},
		&SynProxy{Seq: 5, ToPeerID: device.DeviceId{2}, FromPeerInfo: alice.device, KeyHash: crypto.MixHash{1}},
		&AckProxy{Seq: 5, ProxyEndpoint: &ep},
		&AckProxy{Seq: 6, Err: &errCode},
	}

	for _, pkg := range pkgs {
		t.Run(pkg.Cmd().String(), func(t *testing.T) {
			w := NewWriter(make([]byte, 4096))
			require.NoError(t, EncodePackage(w, NewMergeContext(), true, pkg))

			got, err := DecodePackage(NewReader(w.Bytes()), NewMergeContext(), true)
			require.NoError(t, err)
			assert.Equal(t, pkg, got)
		})
	}
}

func TestTempSeqGenerator(t *testing.T) {
	g := NewTempSeqGenerator()
	a, b := g.Generate(), g.Generate()
	assert.NotZero(t, a)
	assert.Greater(t, uint32(b), uint32(a))
}

func TestUnknownCmd(t *testing.T) {
	_, err := DecodePackage(NewReader([]byte{0x7f, 0, 0}), NewMergeContext(), true)
	assert.ErrorIs(t, err, errs.ErrInvalidData)
	assert.Equal(t, "Cmd(0x7f)", CmdCode(0x7f).String())
}
