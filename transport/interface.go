package transport

import (
	"github.com/netsys-lab/homa/driver"
	"github.com/netsys-lab/homa/protocol"
)

// DataSender is the capability set the Transport requires from a sender
// implementation.
type DataSender interface {
	SendMessage(id protocol.MessageId, destination driver.Address, message *OutboundMessage)
	HandleGrantPacket(pkt *driver.Packet)
	HandleDonePacket(pkt *driver.Packet)
	HandleResendPacket(pkt *driver.Packet)
	HandleUnknownPacket(pkt *driver.Packet)
	HandleErrorPacket(pkt *driver.Packet)
	DropMessage(message *OutboundMessage)
	Poll()
}

// DataReceiver is the capability set the Transport requires from a
// receiver implementation.
type DataReceiver interface {
	HandleDataPacket(pkt *driver.Packet)
	HandleBusyPacket(pkt *driver.Packet)
	HandlePingPacket(pkt *driver.Packet)
	ReceiveMessage() *InboundMessage
	DropMessage(message *InboundMessage)
	Poll()
}

// opHinter flags an Op as possibly needing state advancement. The
// Transport implements it; Sender and Receiver stay constructible without
// one for isolated testing.
type opHinter interface {
	hintUpdatedOp(op *Op)
}
