package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderLengths(t *testing.T) {
	assert.Equal(t, 1, COMMON_HEADER_LEN)
	assert.Equal(t, 25, CONTROL_HEADER_LEN)
	assert.Equal(t, 33, DATA_HEADER_LEN)
	assert.Equal(t, 29, GRANT_HEADER_LEN)
	assert.Equal(t, 33, RESEND_HEADER_LEN)
	assert.Equal(t, ADDRESS_RAW_LEN, MESSAGE_HEADER_LEN)
}

func TestDataHeaderRoundTrip(t *testing.T) {
	id := MessageId{OpId: OpId{TransportId: 42, Sequence: 7}, Tag: INITIAL_REQUEST_TAG}
	buf := make([]byte, DATA_HEADER_LEN)
	h := DataHeader{Id: id, TotalLength: 5000, Offset: 2000}
	h.Pack(buf)

	opcode, err := PeekOpcode(buf)
	require.NoError(t, err)
	assert.Equal(t, byte(OPCODE_DATA), opcode)

	got, err := UnpackDataHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, *got)
}

func TestDataHeaderLittleEndian(t *testing.T) {
	id := MessageId{OpId: OpId{TransportId: 1, Sequence: 0}, Tag: 0}
	buf := make([]byte, DATA_HEADER_LEN)
	h := DataHeader{Id: id, TotalLength: 0x01020304}
	h.Pack(buf)
	assert.Equal(t, byte(1), buf[1])
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, buf[25:29])
}

func TestResendHeaderRoundTrip(t *testing.T) {
	id := MessageId{OpId: OpId{TransportId: 42, Sequence: 7}, Tag: 3}
	buf := make([]byte, RESEND_HEADER_LEN)
	h := ResendHeader{Id: id, Offset: 2000, Length: 1000}
	h.Pack(buf)

	got, err := UnpackResendHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, *got)
}

func TestControlHeaderRoundTrip(t *testing.T) {
	id := MessageId{OpId: OpId{TransportId: 42, Sequence: 7}, Tag: ULTIMATE_RESPONSE_TAG}
	buf := make([]byte, CONTROL_HEADER_LEN)
	h := ControlHeader{Opcode: OPCODE_PING, Id: id}
	h.Pack(buf)

	got, err := UnpackControlHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, *got)
}

func TestRuntPacketsRejected(t *testing.T) {
	_, err := PeekOpcode(nil)
	assert.Equal(t, ErrHeaderTooShort, err)
	_, err = UnpackDataHeader(make([]byte, DATA_HEADER_LEN-1))
	assert.Equal(t, ErrHeaderTooShort, err)
	_, err = UnpackGrantHeader(make([]byte, COMMON_HEADER_LEN))
	assert.Equal(t, ErrHeaderTooShort, err)
}
