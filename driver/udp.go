package driver

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/netsys-lab/homa/protocol"
	log "github.com/sirupsen/logrus"
)

// Ensuring interface compatability at compile time.
var _ Driver = &UDPDriver{}
var _ Address = &UDPAddress{}

const (
	UDP_PACKET_SIZE = 1400
	// Received packets queue up here until the transport drains them.
	UDP_RECV_QUEUE_LEN = 1024
)

type UDPAddress struct {
	Addr *net.UDPAddr
}

func (a *UDPAddress) Raw() protocol.RawAddress {
	var raw protocol.RawAddress
	copy(raw[0:16], a.Addr.IP.To16())
	binary.LittleEndian.PutUint16(raw[16:18], uint16(a.Addr.Port))
	return raw
}

func (a *UDPAddress) String() string {
	return a.Addr.String()
}

// UDPDriver sends and receives datagrams over a single UDP socket. A
// background reader feeds received packets into a buffered channel; the
// transport drains it without blocking.
type UDPDriver struct {
	Conn       *net.UDPConn
	localAddr  *UDPAddress
	packetChan chan *Packet
	bufPool    sync.Pool
	closed     int32
}

func NewUDPDriver(local string) (*UDPDriver, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, err
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	d := &UDPDriver{
		Conn:       udpConn,
		localAddr:  &UDPAddress{Addr: udpConn.LocalAddr().(*net.UDPAddr)},
		packetChan: make(chan *Packet, UDP_RECV_QUEUE_LEN),
	}
	d.bufPool.New = func() interface{} {
		return make([]byte, UDP_PACKET_SIZE)
	}
	go d.readLoop()
	return d, nil
}

func (d *UDPDriver) readLoop() {
	for atomic.LoadInt32(&d.closed) == 0 {
		buf := d.bufPool.Get().([]byte)
		buf = buf[:UDP_PACKET_SIZE]
		n, addr, err := d.Conn.ReadFromUDP(buf)
		if err != nil {
			if atomic.LoadInt32(&d.closed) != 0 {
				return
			}
			log.Errorf("udp driver read failed: %v", err)
			continue
		}
		pkt := &Packet{
			Payload: buf[:n],
			Source:  &UDPAddress{Addr: addr},
		}
		select {
		case d.packetChan <- pkt:
		default:
			// Queue full, the transport is not polling fast enough.
			log.Warnf("udp driver receive queue full, dropping packet from %s", addr)
			d.bufPool.Put(buf[:cap(buf)])
		}
	}
}

func (d *UDPDriver) ReceivePackets(max int, out []*Packet) int {
	n := 0
	for n < max {
		select {
		case pkt := <-d.packetChan:
			out[n] = pkt
			n++
		default:
			return n
		}
	}
	return n
}

func (d *UDPDriver) SendPacket(payload []byte, dst Address) error {
	udpDst, ok := dst.(*UDPAddress)
	if !ok {
		return fmt.Errorf("udp driver cannot send to address %s", dst)
	}
	_, err := d.Conn.WriteToUDP(payload, udpDst.Addr)
	return err
}

func (d *UDPDriver) ReleasePackets(pkts []*Packet) {
	for _, pkt := range pkts {
		if pkt == nil {
			continue
		}
		d.bufPool.Put(pkt.Payload[:cap(pkt.Payload)])
	}
}

func (d *UDPDriver) LocalAddress() Address {
	return d.localAddr
}

func (d *UDPDriver) GetAddress(raw protocol.RawAddress) (Address, error) {
	ip := net.IP(raw[0:16])
	port := binary.LittleEndian.Uint16(raw[16:18])
	if ip.Equal(net.IPv6zero) {
		return nil, fmt.Errorf("invalid raw udp address")
	}
	return &UDPAddress{Addr: &net.UDPAddr{IP: ip, Port: int(port)}}, nil
}

func (d *UDPDriver) MaxPayloadSize() int {
	return UDP_PACKET_SIZE
}

func (d *UDPDriver) Close() error {
	atomic.StoreInt32(&d.closed, 1)
	return d.Conn.Close()
}
