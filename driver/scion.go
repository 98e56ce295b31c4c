package driver

import (
	"fmt"
	"sync/atomic"

	optimizedconn "github.com/johannwagner/scion-optimized-connection/pkg"
	"github.com/netsec-ethz/scion-apps/pkg/appnet"
	"github.com/scionproto/scion/go/lib/snet"

	"github.com/netsys-lab/homa/protocol"
	log "github.com/sirupsen/logrus"
)

// Ensuring interface compatability at compile time.
var _ Driver = &SCIONDriver{}
var _ Address = &SCIONAddress{}

const SCION_PACKET_SIZE = 1200

// SCIONAddress serializes in its textual snet form, NUL padded. The
// textual form is the only representation snet can parse back without a
// path lookup.
type SCIONAddress struct {
	addr *snet.UDPAddr
	text string
}

// NewSCIONAddress interns a snet address. Addresses whose textual form
// does not fit the fixed raw size are rejected so Raw can never truncate.
func NewSCIONAddress(addr *snet.UDPAddr) (*SCIONAddress, error) {
	text := addr.String()
	if len(text) > protocol.ADDRESS_RAW_LEN {
		return nil, fmt.Errorf("scion address %s does not fit %d raw bytes",
			text, protocol.ADDRESS_RAW_LEN)
	}
	return &SCIONAddress{addr: addr, text: text}, nil
}

func (a *SCIONAddress) Raw() protocol.RawAddress {
	var raw protocol.RawAddress
	copy(raw[:], a.text)
	return raw
}

func (a *SCIONAddress) String() string {
	return a.text
}

// SCIONDriver runs the transport over a SCION optimized connection. The
// connection is point-to-point: one driver instance talks to exactly one
// remote transport.
type SCIONDriver struct {
	Conn       *optimizedconn.OptimizedSCIONConn
	localAddr  *SCIONAddress
	remoteAddr *SCIONAddress
	packetChan chan *Packet
	closed     int32
}

func NewSCIONDriver(local, remote string) (*SCIONDriver, error) {
	localAddr, err := snet.ParseUDPAddr(local)
	if err != nil {
		return nil, err
	}
	localAddress, err := NewSCIONAddress(localAddr)
	if err != nil {
		return nil, err
	}
	remoteAddr, err := snet.ParseUDPAddr(remote)
	if err != nil {
		return nil, err
	}
	remoteAddress, err := NewSCIONAddress(remoteAddr)
	if err != nil {
		return nil, err
	}
	if remoteAddr.Path.IsEmpty() {
		if err := appnet.SetDefaultPath(remoteAddr); err != nil {
			return nil, err
		}
	}
	conn, err := optimizedconn.Dial(localAddr.Host, remoteAddr)
	if err != nil {
		return nil, err
	}
	d := &SCIONDriver{
		Conn:       conn,
		localAddr:  localAddress,
		remoteAddr: remoteAddress,
		packetChan: make(chan *Packet, UDP_RECV_QUEUE_LEN),
	}
	go d.readLoop()
	return d, nil
}

func (d *SCIONDriver) readLoop() {
	for atomic.LoadInt32(&d.closed) == 0 {
		buf := make([]byte, SCION_PACKET_SIZE)
		n, err := d.Conn.Read(buf)
		if err != nil {
			if atomic.LoadInt32(&d.closed) != 0 {
				return
			}
			log.Errorf("scion driver read failed: %v", err)
			continue
		}
		pkt := &Packet{Payload: buf[:n], Source: d.remoteAddr}
		select {
		case d.packetChan <- pkt:
		default:
			log.Warnf("scion driver receive queue full, dropping packet from %s", d.remoteAddr)
		}
	}
}

func (d *SCIONDriver) ReceivePackets(max int, out []*Packet) int {
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

func (d *SCIONDriver) SendPacket(payload []byte, dst Address) error {
	if _, ok := dst.(*SCIONAddress); !ok {
		return fmt.Errorf("scion driver cannot send to address %s", dst)
	}
	_, err := d.Conn.Write(payload)
	return err
}

func (d *SCIONDriver) ReleasePackets(pkts []*Packet) {
	// Buffers are plain allocations, nothing to recycle.
}

func (d *SCIONDriver) LocalAddress() Address {
	return d.localAddr
}

func (d *SCIONDriver) RemoteAddress() Address {
	return d.remoteAddr
}

func (d *SCIONDriver) GetAddress(raw protocol.RawAddress) (Address, error) {
	end := 0
	for end < len(raw) && raw[end] != 0 {
		end++
	}
	addr, err := snet.ParseUDPAddr(string(raw[:end]))
	if err != nil {
		return nil, err
	}
	return NewSCIONAddress(addr)
}

func (d *SCIONDriver) MaxPayloadSize() int {
	return SCION_PACKET_SIZE
}

func (d *SCIONDriver) Close() error {
	atomic.StoreInt32(&d.closed, 1)
	return d.Conn.Close()
}
