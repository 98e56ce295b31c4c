package driver

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/netsys-lab/homa/protocol"
	log "github.com/sirupsen/logrus"
)

// Ensuring interface compatability at compile time.
var _ Driver = &LoopbackDriver{}
var _ Address = &LoopbackAddress{}

type LoopbackAddress struct {
	Name string
}

func (a *LoopbackAddress) Raw() protocol.RawAddress {
	var raw protocol.RawAddress
	copy(raw[:], a.Name)
	return raw
}

func (a *LoopbackAddress) String() string {
	return a.Name
}

// LoopbackFabric connects loopback drivers by name in memory. Optional
// uniform loss makes retransmission paths testable without a network.
type LoopbackFabric struct {
	sync.Mutex
	endpoints      map[string]*LoopbackDriver
	LossRate       float64
	rng            *rand.Rand
	MaxPayload     int
	DroppedPackets int
}

func NewLoopbackFabric() *LoopbackFabric {
	return &LoopbackFabric{
		endpoints:  make(map[string]*LoopbackDriver),
		rng:        rand.New(rand.NewSource(0)),
		MaxPayload: UDP_PACKET_SIZE,
	}
}

// NewDriver registers a new endpoint on the fabric under the given name.
func (f *LoopbackFabric) NewDriver(name string) *LoopbackDriver {
	f.Lock()
	defer f.Unlock()
	d := &LoopbackDriver{
		fabric:    f,
		localAddr: &LoopbackAddress{Name: name},
	}
	f.endpoints[name] = d
	return d
}

func (f *LoopbackFabric) deliver(payload []byte, src Address, dst Address) error {
	f.Lock()
	target, ok := f.endpoints[dst.String()]
	if !ok {
		f.Unlock()
		return fmt.Errorf("loopback fabric has no endpoint %s", dst)
	}
	if f.LossRate > 0 && f.rng.Float64() < f.LossRate {
		f.DroppedPackets++
		f.Unlock()
		log.Debugf("loopback fabric dropping packet %s -> %s", src, dst)
		return nil
	}
	f.Unlock()

	buf := make([]byte, len(payload))
	copy(buf, payload)
	target.Lock()
	target.queue = append(target.queue, &Packet{Payload: buf, Source: src})
	target.Unlock()
	return nil
}

// LoopbackDriver is one endpoint of a LoopbackFabric.
type LoopbackDriver struct {
	sync.Mutex
	fabric    *LoopbackFabric
	localAddr *LoopbackAddress
	queue     []*Packet
}

func (d *LoopbackDriver) ReceivePackets(max int, out []*Packet) int {
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

func (d *LoopbackDriver) SendPacket(payload []byte, dst Address) error {
	return d.fabric.deliver(payload, d.localAddr, dst)
}

func (d *LoopbackDriver) ReleasePackets(pkts []*Packet) {
	// Buffers are plain allocations, nothing to recycle.
}

func (d *LoopbackDriver) LocalAddress() Address {
	return d.localAddr
}

func (d *LoopbackDriver) GetAddress(raw protocol.RawAddress) (Address, error) {
	end := 0
	for end < len(raw) && raw[end] != 0 {
		end++
	}
	if end == 0 {
		return nil, fmt.Errorf("invalid raw loopback address")
	}
	return &LoopbackAddress{Name: string(raw[:end])}, nil
}

func (d *LoopbackDriver) MaxPayloadSize() int {
	return d.fabric.MaxPayload
}

// QueueLen returns how many packets wait to be received.
func (d *LoopbackDriver) QueueLen() int {
	d.Lock()
	defer d.Unlock()
	return len(d.queue)
}
