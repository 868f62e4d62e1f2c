package device

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/bdt/crypto"
	"github.com/opd-ai/bdt/endpoint"
)

func newTestDevice(t *testing.T) (*crypto.Identity, *Device) {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	d := New(id, CategoryPC, []endpoint.Endpoint{
		endpoint.New(endpoint.UDP, netip.MustParseAddrPort("192.168.1.2:8050")),
		endpoint.New(endpoint.TCP, netip.MustParseAddrPort("[2001:db8::2]:8050")),
	})
	return id, d
}

func TestDeviceIDIsStable(t *testing.T) {
	_, d := newTestDevice(t)

	before := d.ID()
	d.UpdateEndpoints(nil)
	assert.Equal(t, before, d.ID(), "body changes must not change the id")

	parsed, err := ParseDeviceID(before.String())
	require.NoError(t, err)
	assert.Equal(t, before, parsed)
}

func TestParseDeviceIDRejectsBadInput(t *testing.T) {
	_, err := ParseDeviceID("0OIl")
	assert.Error(t, err)
	_, err = ParseDeviceID("abc")
	assert.Error(t, err)
}

func TestSignAndVerifyBody(t *testing.T) {
	id, d := newTestDevice(t)
	assert.False(t, d.VerifyBody())

	require.NoError(t, d.Sign(id))
	assert.True(t, d.VerifyBody())

	d.Body.UpdateTime++
	assert.False(t, d.VerifyBody(), "tampered body must fail")

	other, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	assert.Error(t, d.Sign(other))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	id, d := newTestDevice(t)
	d.Body.SnList = []DeviceId{{1}, {2}}
	d.Body.PassivePnList = []DeviceId{{3}}
	require.NoError(t, d.Sign(id))

	encoded := d.Encode()
	decoded, n, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, d, decoded)
	assert.True(t, decoded.VerifyBody())
}

func TestDecodeTruncated(t *testing.T) {
	_, d := newTestDevice(t)
	encoded := d.Encode()

	for _, cut := range []int{0, 10, len(encoded) - 1} {
		_, _, err := Decode(encoded[:cut])
		assert.ErrorIs(t, err, ErrInvalidDevice)
	}
}

func TestCacheKeepsNewest(t *testing.T) {
	_, local := newTestDevice(t)
	_, remote := newTestDevice(t)

	cache, err := NewCache(local, 8)
	require.NoError(t, err)

	assert.True(t, cache.Add(remote))
	older := remote.Clone()
	older.Body.UpdateTime--
	older.Body.Endpoints = nil
	assert.False(t, cache.Add(older))

	got, ok := cache.Get(remote.ID())
	require.True(t, ok)
	assert.Len(t, got.Endpoints(), 2)

	self, ok := cache.Get(local.ID())
	require.True(t, ok)
	assert.Equal(t, local.ID(), self.ID())
	assert.False(t, cache.Add(local))

	cache.Remove(remote.ID())
	_, ok = cache.Get(remote.ID())
	assert.False(t, ok)
}
