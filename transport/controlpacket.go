package transport

import (
	"github.com/netsys-lab/homa/driver"
	"github.com/netsys-lab/homa/protocol"
	log "github.com/sirupsen/logrus"
)

// Helpers to construct and emit the small control headers. Failures are
// logged and swallowed: a lost control packet is recovered by the timeout
// machinery like any other loss.

func sendControlPacket(drv driver.Driver, dst driver.Address, opcode byte, id protocol.MessageId, metrics *TransportMetrics) {
	buf := make([]byte, protocol.CONTROL_HEADER_LEN)
	h := protocol.ControlHeader{Opcode: opcode, Id: id}
	h.Pack(buf)
	if err := drv.SendPacket(buf, dst); err != nil {
		log.Errorf("failed to send control packet (opcode %d) for %s to %s: %v", opcode, id, dst, err)
		return
	}
	metrics.addTx(len(buf))
}

func sendGrantPacket(drv driver.Driver, dst driver.Address, id protocol.MessageId, offset uint32, metrics *TransportMetrics) {
	buf := make([]byte, protocol.GRANT_HEADER_LEN)
	h := protocol.GrantHeader{Id: id, Offset: offset}
	h.Pack(buf)
	if err := drv.SendPacket(buf, dst); err != nil {
		log.Errorf("failed to send GRANT for %s to %s: %v", id, dst, err)
		return
	}
	metrics.addTx(len(buf))
}

func sendResendPacket(drv driver.Driver, dst driver.Address, id protocol.MessageId, offset, length uint32, metrics *TransportMetrics) {
	buf := make([]byte, protocol.RESEND_HEADER_LEN)
	h := protocol.ResendHeader{Id: id, Offset: offset, Length: length}
	h.Pack(buf)
	if err := drv.SendPacket(buf, dst); err != nil {
		log.Errorf("failed to send RESEND for %s to %s: %v", id, dst, err)
		return
	}
	metrics.addTx(len(buf))
}

// sendDonePacket acknowledges an incoming request message to its sender.
func sendDonePacket(message *InboundMessage, drv driver.Driver, metrics *TransportMetrics) {
	message.Lock()
	source := message.source
	id := message.id
	message.Unlock()
	sendControlPacket(drv, source, protocol.OPCODE_DONE, id, metrics)
}
