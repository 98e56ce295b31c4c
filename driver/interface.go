package driver

import (
	"github.com/netsys-lab/homa/protocol"
)

// Packet is one received datagram. Payload and Source stay owned by the
// driver until the packet is released.
type Packet struct {
	Payload []byte
	Source  Address
}

// Address is an opaque network address handle with a bit-exact wire
// serialization.
type Address interface {
	Raw() protocol.RawAddress
	String() string
}

// Driver sends and receives datagrams on behalf of a transport. All methods
// must be safe for concurrent use.
type Driver interface {
	// ReceivePackets yields up to max packets into out without blocking and
	// returns how many were filled in.
	ReceivePackets(max int, out []*Packet) int
	// SendPacket transmits one datagram to dst. The buffer is not retained.
	SendPacket(payload []byte, dst Address) error
	// ReleasePackets returns received packets to the driver.
	ReleasePackets(pkts []*Packet)
	LocalAddress() Address
	// GetAddress interns the address serialized in raw.
	GetAddress(raw protocol.RawAddress) (Address, error)
	MaxPayloadSize() int
}
