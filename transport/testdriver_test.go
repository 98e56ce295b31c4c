package transport

import (
	"sync"

	"github.com/netsys-lab/homa/driver"
	"github.com/netsys-lab/homa/protocol"
)

// captureDriver records every sent packet and feeds injected packets back
// to the transport, so Sender and Receiver are testable in isolation.
type capturedPacket struct {
	payload []byte
	dst     driver.Address
}

type captureDriver struct {
	sync.Mutex
	local      driver.Address
	sent       []capturedPacket
	queue      []*driver.Packet
	maxPayload int
}

var _ driver.Driver = &captureDriver{}

func newCaptureDriver(name string, maxPayload int) *captureDriver {
	return &captureDriver{
		local:      &driver.LoopbackAddress{Name: name},
		maxPayload: maxPayload,
	}
}

func (d *captureDriver) ReceivePackets(max int, out []*driver.Packet) int {
	d.Lock()
	defer d.Unlock()
	n := 0
	for n < max && len(d.queue) > 0 {
		out[n] = d.queue[0]
		d.queue = d.queue[1:]
		n++
	}
	return n
}

func (d *captureDriver) SendPacket(payload []byte, dst driver.Address) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	d.Lock()
	defer d.Unlock()
	d.sent = append(d.sent, capturedPacket{payload: buf, dst: dst})
	return nil
}

func (d *captureDriver) ReleasePackets(pkts []*driver.Packet) {}

func (d *captureDriver) LocalAddress() driver.Address {
	return d.local
}

func (d *captureDriver) GetAddress(raw protocol.RawAddress) (driver.Address, error) {
	end := 0
	for end < len(raw) && raw[end] != 0 {
		end++
	}
	return &driver.LoopbackAddress{Name: string(raw[:end])}, nil
}

func (d *captureDriver) MaxPayloadSize() int {
	return d.maxPayload
}

func (d *captureDriver) inject(payload []byte, source driver.Address) {
	d.Lock()
	defer d.Unlock()
	d.queue = append(d.queue, &driver.Packet{Payload: payload, Source: source})
}

func (d *captureDriver) sentPackets() []capturedPacket {
	d.Lock()
	defer d.Unlock()
	out := make([]capturedPacket, len(d.sent))
	copy(out, d.sent)
	return out
}

func (d *captureDriver) sentByOpcode(opcode byte) []capturedPacket {
	var out []capturedPacket
	for _, pkt := range d.sentPackets() {
		if pkt.payload[0] == opcode {
			out = append(out, pkt)
		}
	}
	return out
}

func (d *captureDriver) clearSent() {
	d.Lock()
	defer d.Unlock()
	d.sent = nil
}

func testMessageId(sequence, tag uint64) protocol.MessageId {
	return protocol.MessageId{
		OpId: protocol.OpId{TransportId: 42, Sequence: sequence},
		Tag:  tag,
	}
}

// grantPacket builds an injectable GRANT.
func grantPacket(id protocol.MessageId, offset uint32) []byte {
	buf := make([]byte, protocol.GRANT_HEADER_LEN)
	h := protocol.GrantHeader{Id: id, Offset: offset}
	h.Pack(buf)
	return buf
}

// controlPacket builds an injectable DONE, BUSY, PING, UNKNOWN or ERROR.
func controlPacket(opcode byte, id protocol.MessageId) []byte {
	buf := make([]byte, protocol.CONTROL_HEADER_LEN)
	h := protocol.ControlHeader{Opcode: opcode, Id: id}
	h.Pack(buf)
	return buf
}

// resendPacket builds an injectable RESEND.
func resendPacket(id protocol.MessageId, offset, length uint32) []byte {
	buf := make([]byte, protocol.RESEND_HEADER_LEN)
	h := protocol.ResendHeader{Id: id, Offset: offset, Length: length}
	h.Pack(buf)
	return buf
}

// dataPacket builds an injectable DATA fragment.
func dataPacket(id protocol.MessageId, totalLength, offset uint32, payload []byte) []byte {
	buf := make([]byte, protocol.DATA_HEADER_LEN+len(payload))
	h := protocol.DataHeader{Id: id, TotalLength: totalLength, Offset: offset}
	h.Pack(buf)
	copy(buf[protocol.DATA_HEADER_LEN:], payload)
	return buf
}
