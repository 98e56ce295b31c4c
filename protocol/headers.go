package protocol

import (
	"encoding/binary"
	"errors"
)

// All headers are fixed-size little-endian structs packed at explicit
// offsets. They are interpreted in place in the datagram payload prefix.
const (
	COMMON_HEADER_LEN  = 1
	MESSAGE_ID_LEN     = 24
	CONTROL_HEADER_LEN = COMMON_HEADER_LEN + MESSAGE_ID_LEN
	DATA_HEADER_LEN    = CONTROL_HEADER_LEN + 8
	GRANT_HEADER_LEN   = CONTROL_HEADER_LEN + 4
	RESEND_HEADER_LEN  = CONTROL_HEADER_LEN + 8

	// MESSAGE_HEADER_LEN is the size of the message-level header occupying
	// the first bytes of every message payload. It carries the raw reply
	// address and is stripped before the payload reaches the application.
	MESSAGE_HEADER_LEN = ADDRESS_RAW_LEN
)

var ErrHeaderTooShort = errors.New("packet too short for header")

// PeekOpcode returns the opcode of the CommonHeader at the start of buf.
func PeekOpcode(buf []byte) (byte, error) {
	if len(buf) < COMMON_HEADER_LEN {
		return 0, ErrHeaderTooShort
	}
	return buf[0], nil
}

func packMessageId(buf []byte, id MessageId) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(id.TransportId))
	binary.LittleEndian.PutUint64(buf[8:16], id.Sequence)
	binary.LittleEndian.PutUint64(buf[16:24], id.Tag)
}

func unpackMessageId(buf []byte) MessageId {
	return MessageId{
		OpId: OpId{
			TransportId: TransportId(binary.LittleEndian.Uint64(buf[0:8])),
			Sequence:    binary.LittleEndian.Uint64(buf[8:16]),
		},
		Tag: binary.LittleEndian.Uint64(buf[16:24]),
	}
}

// DataHeader prefixes every DATA packet; the fragment payload follows it.
type DataHeader struct {
	Id          MessageId
	TotalLength uint32
	Offset      uint32
}

func (h *DataHeader) Pack(buf []byte) {
	buf[0] = OPCODE_DATA
	packMessageId(buf[1:], h.Id)
	binary.LittleEndian.PutUint32(buf[25:29], h.TotalLength)
	binary.LittleEndian.PutUint32(buf[29:33], h.Offset)
}

func UnpackDataHeader(buf []byte) (*DataHeader, error) {
	if len(buf) < DATA_HEADER_LEN {
		return nil, ErrHeaderTooShort
	}
	h := DataHeader{
		Id:          unpackMessageId(buf[1:]),
		TotalLength: binary.LittleEndian.Uint32(buf[25:29]),
		Offset:      binary.LittleEndian.Uint32(buf[29:33]),
	}
	return &h, nil
}

// GrantHeader raises the sender's permitted transmit offset.
type GrantHeader struct {
	Id     MessageId
	Offset uint32
}

func (h *GrantHeader) Pack(buf []byte) {
	buf[0] = OPCODE_GRANT
	packMessageId(buf[1:], h.Id)
	binary.LittleEndian.PutUint32(buf[25:29], h.Offset)
}

func UnpackGrantHeader(buf []byte) (*GrantHeader, error) {
	if len(buf) < GRANT_HEADER_LEN {
		return nil, ErrHeaderTooShort
	}
	h := GrantHeader{
		Id:     unpackMessageId(buf[1:]),
		Offset: binary.LittleEndian.Uint32(buf[25:29]),
	}
	return &h, nil
}

// ResendHeader demands retransmission of a byte range.
type ResendHeader struct {
	Id     MessageId
	Offset uint32
	Length uint32
}

func (h *ResendHeader) Pack(buf []byte) {
	buf[0] = OPCODE_RESEND
	packMessageId(buf[1:], h.Id)
	binary.LittleEndian.PutUint32(buf[25:29], h.Offset)
	binary.LittleEndian.PutUint32(buf[29:33], h.Length)
}

func UnpackResendHeader(buf []byte) (*ResendHeader, error) {
	if len(buf) < RESEND_HEADER_LEN {
		return nil, ErrHeaderTooShort
	}
	h := ResendHeader{
		Id:     unpackMessageId(buf[1:]),
		Offset: binary.LittleEndian.Uint32(buf[25:29]),
		Length: binary.LittleEndian.Uint32(buf[29:33]),
	}
	return &h, nil
}

// ControlHeader covers DONE, BUSY, PING, UNKNOWN and ERROR packets, which
// carry nothing but the opcode and the message id.
type ControlHeader struct {
	Opcode byte
	Id     MessageId
}

func (h *ControlHeader) Pack(buf []byte) {
	buf[0] = h.Opcode
	packMessageId(buf[1:], h.Id)
}

func UnpackControlHeader(buf []byte) (*ControlHeader, error) {
	if len(buf) < CONTROL_HEADER_LEN {
		return nil, ErrHeaderTooShort
	}
	h := ControlHeader{
		Opcode: buf[0],
		Id:     unpackMessageId(buf[1:]),
	}
	return &h, nil
}
