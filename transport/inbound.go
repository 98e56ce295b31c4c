package transport

import (
	"sync"
	"time"

	"github.com/netsys-lab/homa/driver"
	"github.com/netsys-lab/homa/protocol"
	"github.com/netsys-lab/homa/utils"
)

// InboundMessage owns received fragments plus their assembly state. It is
// owned by the Receiver's pool until RegisterOp transfers it to an Op;
// DropMessage releases it back.
type InboundMessage struct {
	sync.Mutex
	id            protocol.MessageId
	source        driver.Address
	totalLength   int
	packetDataLen int
	data          []byte
	received      []bool
	receivedBytes int
	// contiguousOffset is the lowest byte offset not yet covered by a
	// contiguous prefix of fragments.
	contiguousOffset int
	// furthestOffset is the end of the highest fragment received so far.
	furthestOffset int
	grantOffset    int
	state          MessageState
	headerStripped bool
	op             *Op
	lastActivity   time.Time
	lastResend     time.Time
}

func (m *InboundMessage) reset(id protocol.MessageId, source driver.Address, totalLength, packetDataLen int) {
	m.id = id
	m.source = source
	m.totalLength = totalLength
	m.packetDataLen = packetDataLen
	if cap(m.data) >= totalLength {
		m.data = m.data[:totalLength]
		for i := range m.data {
			m.data[i] = 0
		}
	} else {
		m.data = make([]byte, totalLength)
	}
	numPackets := utils.CeilForceInt(totalLength, packetDataLen)
	m.received = make([]bool, numPackets)
	m.receivedBytes = 0
	m.contiguousOffset = 0
	m.furthestOffset = 0
	m.grantOffset = 0
	m.state = MSG_STATE_IN_PROGRESS
	m.headerStripped = false
	m.op = nil
	m.lastActivity = time.Now()
	m.lastResend = time.Time{}
}

func (m *InboundMessage) Id() protocol.MessageId {
	m.Lock()
	defer m.Unlock()
	return m.id
}

func (m *InboundMessage) Source() driver.Address {
	m.Lock()
	defer m.Unlock()
	return m.source
}

// IsReady reports whether contiguous coverage reached the total length.
func (m *InboundMessage) IsReady() bool {
	m.Lock()
	defer m.Unlock()
	return m.state == MSG_STATE_COMPLETED
}

func (m *InboundMessage) Failed() bool {
	m.Lock()
	defer m.Unlock()
	return m.state == MSG_STATE_FAILED
}

// Payload returns the assembled message bytes. Once the message header has
// been stripped it returns only the application payload; before that the
// header bytes are included.
func (m *InboundMessage) Payload() []byte {
	m.Lock()
	defer m.Unlock()
	if m.headerStripped {
		return m.data[protocol.MESSAGE_HEADER_LEN:]
	}
	return m.data
}

func (m *InboundMessage) PayloadLen() int {
	return len(m.Payload())
}

// RegisterOp attaches the Op owning this message, for update hints during
// packet handling.
func (m *InboundMessage) RegisterOp(op *Op) {
	m.Lock()
	defer m.Unlock()
	m.op = op
}

// replyAddress reads the raw reply address out of the message header. The
// header bytes stay in place even after stripping.
func (m *InboundMessage) replyAddress() protocol.RawAddress {
	m.Lock()
	defer m.Unlock()
	var raw protocol.RawAddress
	copy(raw[:], m.data[0:protocol.MESSAGE_HEADER_LEN])
	return raw
}

// stripHeader hides the message header from the payload view. Idempotent.
func (m *InboundMessage) stripHeader() {
	m.Lock()
	defer m.Unlock()
	m.headerStripped = true
}

// insertFragment integrates one DATA fragment. Duplicate arrivals are
// discarded. Returns true when the insert completed the message. Callers
// hold the mutex.
func (m *InboundMessage) insertFragment(offset int, payload []byte) bool {
	if m.packetDataLen == 0 || offset%m.packetDataLen != 0 || offset >= m.totalLength {
		return false
	}
	idx := offset / m.packetDataLen
	if m.received[idx] {
		// Duplicate fragment, drop it.
		return false
	}
	end := utils.Min(offset+len(payload), m.totalLength)
	copy(m.data[offset:end], payload)
	m.received[idx] = true
	m.receivedBytes += end - offset
	if end > m.furthestOffset {
		m.furthestOffset = end
	}
	for m.contiguousOffset < m.totalLength {
		i := m.contiguousOffset / m.packetDataLen
		if !m.received[i] {
			break
		}
		_, fragEnd := m.fragmentBounds(i)
		m.contiguousOffset = fragEnd
	}
	m.lastActivity = time.Now()
	if m.contiguousOffset == m.totalLength && m.state == MSG_STATE_IN_PROGRESS {
		m.state = MSG_STATE_COMPLETED
		return true
	}
	return false
}

// fragmentBounds returns the byte range of fragment i. Callers hold the
// mutex.
func (m *InboundMessage) fragmentBounds(i int) (int, int) {
	start := i * m.packetDataLen
	end := utils.Min(start+m.packetDataLen, m.totalLength)
	return start, end
}

// missingRange returns the first uncovered byte range, for RESEND
// requests. Callers hold the mutex.
func (m *InboundMessage) missingRange() (int, int) {
	if m.contiguousOffset >= m.totalLength {
		return 0, 0
	}
	limit := utils.Max(m.furthestOffset, utils.Min(m.grantOffset, m.totalLength))
	length := 0
	for off := m.contiguousOffset; off < limit; {
		i := off / m.packetDataLen
		if m.received[i] {
			break
		}
		_, fragEnd := m.fragmentBounds(i)
		length += fragEnd - off
		off = fragEnd
	}
	return m.contiguousOffset, length
}
