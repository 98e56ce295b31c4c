package transport

import (
	"sync"
	"time"

	"github.com/netsys-lab/homa/driver"
	"github.com/netsys-lab/homa/protocol"
	"github.com/netsys-lab/homa/utils"
)

// OutboundMessage owns an assembled payload plus its transmission state.
// The first MESSAGE_HEADER_LEN bytes of the buffer hold the message-level
// header carrying the raw reply address; the application payload follows.
//
// The message belongs to exactly one Op for the Op's lifetime. The Sender
// drives all transmission state under the message's own mutex.
type OutboundMessage struct {
	sync.Mutex
	id            protocol.MessageId
	op            *Op
	destination   driver.Address
	data          []byte
	packetDataLen int
	sent          []bool
	numSent       int
	grantOffset   int
	state         MessageState
	started       bool
	queued        bool
	lastActivity  time.Time
	lastPing      time.Time
}

func newOutboundMessage(op *Op, packetDataLen int) *OutboundMessage {
	return &OutboundMessage{
		op:            op,
		packetDataLen: packetDataLen,
		data:          make([]byte, protocol.MESSAGE_HEADER_LEN),
		state:         MSG_STATE_NOT_STARTED,
	}
}

// Append adds payload bytes to the end of the message. Only valid before
// the message is handed to the Sender.
func (m *OutboundMessage) Append(p []byte) {
	m.Lock()
	defer m.Unlock()
	m.data = append(m.data, p...)
}

// PayloadLen returns the number of application payload bytes.
func (m *OutboundMessage) PayloadLen() int {
	m.Lock()
	defer m.Unlock()
	return len(m.data) - protocol.MESSAGE_HEADER_LEN
}

func (m *OutboundMessage) Id() protocol.MessageId {
	m.Lock()
	defer m.Unlock()
	return m.id
}

func (m *OutboundMessage) State() MessageState {
	m.Lock()
	defer m.Unlock()
	return m.state
}

// GrantOffset returns the granted byte bound, for observation.
func (m *OutboundMessage) GrantOffset() int {
	m.Lock()
	defer m.Unlock()
	return m.grantOffset
}

func (m *OutboundMessage) setReplyAddress(raw protocol.RawAddress) {
	m.Lock()
	defer m.Unlock()
	copy(m.data[0:protocol.MESSAGE_HEADER_LEN], raw[:])
}

// numPackets returns the fragment count. Callers hold the mutex.
func (m *OutboundMessage) numPackets() int {
	return utils.CeilForceInt(len(m.data), m.packetDataLen)
}

// fragmentBounds returns the byte range of fragment i. Callers hold the
// mutex.
func (m *OutboundMessage) fragmentBounds(i int) (int, int) {
	start := i * m.packetDataLen
	end := utils.Min(start+m.packetDataLen, len(m.data))
	return start, end
}

// nextEligibleFragment returns the first untransmitted fragment that fits
// completely under the granted offset, or -1. Callers hold the mutex.
func (m *OutboundMessage) nextEligibleFragment() int {
	for i := 0; i < m.numPackets(); i++ {
		if m.sent[i] {
			continue
		}
		_, end := m.fragmentBounds(i)
		if end <= m.grantOffset {
			return i
		}
		// Fragments are granted in order; nothing later fits either.
		return -1
	}
	return -1
}

// markUnsent clears the transmitted marks for every fragment overlapping
// [offset, offset+length). Callers hold the mutex.
func (m *OutboundMessage) markUnsent(offset, length int) {
	if m.packetDataLen == 0 || length <= 0 {
		return
	}
	first := offset / m.packetDataLen
	last := utils.Min((offset+length-1)/m.packetDataLen, m.numPackets()-1)
	for i := first; i <= last; i++ {
		if m.sent[i] {
			m.sent[i] = false
			m.numSent--
		}
	}
}
