package driver

import (
	"testing"

	"github.com/scionproto/scion/go/lib/snet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsys-lab/homa/protocol"
)

func TestSCIONAddressRawRoundTrip(t *testing.T) {
	addr, err := snet.ParseUDPAddr("1-ff00:0:110,[127.0.0.1]:31000")
	require.NoError(t, err)
	a, err := NewSCIONAddress(addr)
	require.NoError(t, err)

	raw := a.Raw()
	end := 0
	for end < len(raw) && raw[end] != 0 {
		end++
	}
	parsed, err := snet.ParseUDPAddr(string(raw[:end]))
	require.NoError(t, err)
	assert.Equal(t, a.String(), parsed.String())
}

func TestSCIONAddressTooLongRejected(t *testing.T) {
	// Maximal ISD, hex AS and an uncompressed IPv6 host overflow the
	// fixed raw size; interning must fail instead of truncating.
	text := "65535-ffff:ffff:ffff,[ffff:ffff:ffff:ffff:ffff:ffff:ffff:ffff]:65535"
	require.Greater(t, len(text), protocol.ADDRESS_RAW_LEN)
	addr, err := snet.ParseUDPAddr(text)
	require.NoError(t, err)

	_, err = NewSCIONAddress(addr)
	assert.Error(t, err)
}
