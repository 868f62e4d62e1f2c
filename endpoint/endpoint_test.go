package endpoint

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndString(t *testing.T) {
	tests := []struct {
		text      string
		proto     Protocol
		staticWan bool
		ipv4      bool
	}{
		{"L4udp127.0.0.1:8050", UDP, false, true},
		{"W4tcp203.0.113.7:443", TCP, true, true},
		{"L6udp[::1]:9000", UDP, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			ep, err := Parse(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.proto, ep.Protocol)
			assert.Equal(t, tt.staticWan, ep.StaticWan)
			assert.Equal(t, tt.ipv4, ep.IsIPv4())
			assert.Equal(t, tt.text, ep.String())
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, text := range []string{"", "X4udp1.2.3.4:1", "L4sctp1.2.3.4:1", "L6udp1.2.3.4:1", "L4udpnot-an-ip"} {
		_, err := Parse(text)
		assert.ErrorIs(t, err, ErrInvalidEndpoint, text)
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	endpoints := []Endpoint{
		New(UDP, netip.MustParseAddrPort("10.0.0.1:1000")),
		{Protocol: TCP, Addr: netip.MustParseAddrPort("[2001:db8::1]:443"), StaticWan: true},
	}

	for _, ep := range endpoints {
		b := ep.AppendBinary(nil)
		assert.Len(t, b, ep.EncodedLen())

		decoded, n, err := Decode(b)
		require.NoError(t, err)
		assert.Equal(t, len(b), n)
		assert.Equal(t, ep, decoded)
	}
}

func TestDecodeTruncated(t *testing.T) {
	b := New(UDP, netip.MustParseAddrPort("10.0.0.1:1000")).AppendBinary(nil)
	_, _, err := Decode(b[:len(b)-1])
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestEndpointIsMapKey(t *testing.T) {
	a := New(UDP, netip.MustParseAddrPort("127.0.0.1:1"))
	b := New(UDP, netip.MustParseAddrPort("127.0.0.1:2"))

	pairs := map[Pair]int{NewPair(a, b): 1}
	pairs[NewPair(a, b)]++
	assert.Equal(t, 2, pairs[NewPair(a, b)])
	assert.Len(t, pairs, 1)
}

func TestFromNetAddr(t *testing.T) {
	ep, err := FromNetAddr(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5})
	require.NoError(t, err)
	assert.Equal(t, UDP, ep.Protocol)
	assert.True(t, ep.IsIPv4())
	assert.Equal(t, "udp4", ep.Network())

	_, err = FromNetAddr(&net.IPAddr{})
	assert.Error(t, err)
}
