package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/netsys-lab/homa/driver"
	"github.com/netsys-lab/homa/protocol"
	"github.com/netsys-lab/homa/utils"
	log "github.com/sirupsen/logrus"
)

// Ensuring interface compatability at compile time.
var _ DataSender = &Sender{}

// Sender paces outbound message fragments under receiver-issued grants and
// keeps stalled messages alive with pings.
//
// Lock order: Sender mutex, then message mutex.
type Sender struct {
	mutex     sync.Mutex
	driver    driver.Driver
	messages  map[protocol.MessageId]*OutboundMessage
	sendQueue []*OutboundMessage
	sending   int32

	messageTimeout time.Duration
	pingInterval   time.Duration

	// UnscheduledByteLimit is the self-granted window a new message may
	// transmit before the first GRANT arrives.
	UnscheduledByteLimit int

	hinter  opHinter
	metrics *TransportMetrics
}

func NewSender(drv driver.Driver, messageTimeout, pingInterval time.Duration, hinter opHinter, metrics *TransportMetrics) *Sender {
	return &Sender{
		driver:               drv,
		messages:             make(map[protocol.MessageId]*OutboundMessage),
		messageTimeout:       messageTimeout,
		pingInterval:         pingInterval,
		UnscheduledByteLimit: DEFAULT_UNSCHEDULED_BYTES,
		hinter:               hinter,
		metrics:              metrics,
	}
}

// SendMessage stamps the id into the message and begins transmission.
func (s *Sender) SendMessage(id protocol.MessageId, destination driver.Address, message *OutboundMessage) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	message.Lock()
	defer message.Unlock()

	if message.started {
		log.Warnf("duplicate call to SendMessage for message %s; send request dropped", message.id)
		return
	}
	if len(message.data) <= protocol.MESSAGE_HEADER_LEN {
		log.Errorf("message %s has no payload; send request dropped", id)
		return
	}

	message.id = id
	message.destination = destination
	message.started = true
	message.state = MSG_STATE_IN_PROGRESS
	message.sent = make([]bool, message.numPackets())
	message.numSent = 0
	message.grantOffset = utils.Min(len(message.data), s.UnscheduledByteLimit)
	message.lastActivity = time.Now()

	s.messages[id] = message
	s.sendQueue = append(s.sendQueue, message)
	message.queued = true
	log.Debugf("sending message %s (%d bytes, %d packets) to %s",
		id, len(message.data), message.numPackets(), destination)
}

// HandleGrantPacket raises the message's granted offset. Grants never
// shrink.
func (s *Sender) HandleGrantPacket(pkt *driver.Packet) {
	h, err := protocol.UnpackGrantHeader(pkt.Payload)
	if err != nil {
		log.Warnf("dropping runt GRANT packet: %v", err)
		return
	}
	message := s.lookup(h.Id)
	if message == nil {
		log.Debugf("GRANT for unknown message %s", h.Id)
		return
	}
	message.Lock()
	defer message.Unlock()
	offset := utils.Min(int(h.Offset), len(message.data))
	if offset > message.grantOffset {
		message.grantOffset = offset
	} else {
		log.Debugf("stale GRANT (%d) for message %s", h.Offset, h.Id)
	}
	message.lastActivity = time.Now()
}

// HandleDonePacket marks the message as acknowledged by the receiver.
func (s *Sender) HandleDonePacket(pkt *driver.Packet) {
	h, err := protocol.UnpackControlHeader(pkt.Payload)
	if err != nil {
		log.Warnf("dropping runt DONE packet: %v", err)
		return
	}
	message := s.lookup(h.Id)
	if message == nil {
		log.Debugf("DONE for unknown message %s", h.Id)
		return
	}
	message.Lock()
	if message.state != MSG_STATE_FAILED {
		message.state = MSG_STATE_COMPLETED
	}
	message.lastActivity = time.Now()
	op := message.op
	message.Unlock()
	s.hint(op)
}

// HandleResendPacket marks the requested range for retransmission. If the
// range lies beyond the current grant there is nothing to retransmit yet;
// a BUSY tells the receiver the message is alive but rate-limited.
func (s *Sender) HandleResendPacket(pkt *driver.Packet) {
	h, err := protocol.UnpackResendHeader(pkt.Payload)
	if err != nil {
		log.Warnf("dropping runt RESEND packet: %v", err)
		return
	}
	message := s.lookup(h.Id)
	if message == nil {
		sendControlPacket(s.driver, pkt.Source, protocol.OPCODE_UNKNOWN, h.Id, s.metrics)
		return
	}
	message.Lock()
	if message.state == MSG_STATE_COMPLETED || message.state == MSG_STATE_FAILED {
		message.Unlock()
		return
	}
	message.lastActivity = time.Now()
	if int(h.Offset) >= message.grantOffset {
		message.Unlock()
		sendControlPacket(s.driver, pkt.Source, protocol.OPCODE_BUSY, h.Id, s.metrics)
		return
	}
	message.markUnsent(int(h.Offset), int(h.Length))
	if message.state == MSG_STATE_SENT {
		message.state = MSG_STATE_IN_PROGRESS
	}
	requeue := !message.queued
	if requeue {
		message.queued = true
	}
	message.Unlock()
	if requeue {
		s.mutex.Lock()
		s.sendQueue = append(s.sendQueue, message)
		s.mutex.Unlock()
	}
}

// HandleUnknownPacket restarts transmission from offset 0; the current
// grant stays in effect.
func (s *Sender) HandleUnknownPacket(pkt *driver.Packet) {
	h, err := protocol.UnpackControlHeader(pkt.Payload)
	if err != nil {
		log.Warnf("dropping runt UNKNOWN packet: %v", err)
		return
	}
	message := s.lookup(h.Id)
	if message == nil {
		log.Debugf("UNKNOWN for unknown message %s", h.Id)
		return
	}
	message.Lock()
	if message.state == MSG_STATE_COMPLETED || message.state == MSG_STATE_FAILED {
		message.Unlock()
		return
	}
	log.Warnf("receiver does not know message %s, restarting from offset 0", h.Id)
	for i := range message.sent {
		message.sent[i] = false
	}
	message.numSent = 0
	message.state = MSG_STATE_IN_PROGRESS
	message.lastActivity = time.Now()
	requeue := !message.queued
	if requeue {
		message.queued = true
	}
	message.Unlock()
	if requeue {
		s.mutex.Lock()
		s.sendQueue = append(s.sendQueue, message)
		s.mutex.Unlock()
	}
}

// HandleErrorPacket marks the message as permanently failed by the peer.
func (s *Sender) HandleErrorPacket(pkt *driver.Packet) {
	h, err := protocol.UnpackControlHeader(pkt.Payload)
	if err != nil {
		log.Warnf("dropping runt ERROR packet: %v", err)
		return
	}
	message := s.lookup(h.Id)
	if message == nil {
		log.Debugf("ERROR for unknown message %s", h.Id)
		return
	}
	message.Lock()
	message.state = MSG_STATE_FAILED
	op := message.op
	message.Unlock()
	log.Warnf("peer declared message %s failed", h.Id)
	s.hint(op)
}

// DropMessage dequeues and releases the message.
func (s *Sender) DropMessage(message *OutboundMessage) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	message.Lock()
	defer message.Unlock()
	if message.started {
		delete(s.messages, message.id)
	}
	if message.queued {
		s.removeFromQueue(message)
		message.queued = false
	}
}

// Poll emits eligible fragments and performs ping/timeout maintenance.
func (s *Sender) Poll() {
	s.trySend()
	s.checkTimeouts()
}

// trySend transmits fragments in a deterministic round-robin over ready
// messages, one fragment per message per round. Only one thread sends at a
// time; concurrent callers return immediately.
func (s *Sender) trySend() {
	if !atomic.CompareAndSwapInt32(&s.sending, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&s.sending, 0)

	for {
		s.mutex.Lock()
		queue := make([]*OutboundMessage, len(s.sendQueue))
		copy(queue, s.sendQueue)
		s.mutex.Unlock()

		progress := false
		for _, message := range queue {
			if s.sendOneFragment(message) {
				progress = true
			}
		}
		if !progress {
			break
		}
	}
	s.cleanup()
}

// sendOneFragment transmits at most one eligible fragment of the message.
func (s *Sender) sendOneFragment(message *OutboundMessage) bool {
	message.Lock()
	defer message.Unlock()
	if message.state != MSG_STATE_IN_PROGRESS {
		return false
	}
	i := message.nextEligibleFragment()
	if i < 0 {
		return false
	}
	start, end := message.fragmentBounds(i)
	buf := make([]byte, protocol.DATA_HEADER_LEN+end-start)
	h := protocol.DataHeader{
		Id:          message.id,
		TotalLength: uint32(len(message.data)),
		Offset:      uint32(start),
	}
	h.Pack(buf)
	copy(buf[protocol.DATA_HEADER_LEN:], message.data[start:end])
	if err := s.driver.SendPacket(buf, message.destination); err != nil {
		log.Errorf("failed to send DATA %s offset %d: %v", message.id, start, err)
		return false
	}
	s.metrics.addTx(len(buf))
	message.sent[i] = true
	message.numSent++
	message.lastActivity = time.Now()
	if message.numSent == message.numPackets() {
		message.state = MSG_STATE_SENT
		s.hint(message.op)
	}
	return true
}

// cleanup sweeps messages that no longer need the send queue.
func (s *Sender) cleanup() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	remaining := s.sendQueue[:0]
	for _, message := range s.sendQueue {
		message.Lock()
		if message.state == MSG_STATE_IN_PROGRESS {
			remaining = append(remaining, message)
		} else {
			message.queued = false
		}
		message.Unlock()
	}
	s.sendQueue = remaining
}

// checkTimeouts pings stalled messages and fails dead ones.
func (s *Sender) checkTimeouts() {
	now := time.Now()
	s.mutex.Lock()
	messages := make([]*OutboundMessage, 0, len(s.messages))
	for _, message := range s.messages {
		messages = append(messages, message)
	}
	s.mutex.Unlock()

	for _, message := range messages {
		message.Lock()
		if message.state == MSG_STATE_COMPLETED || message.state == MSG_STATE_FAILED {
			message.Unlock()
			continue
		}
		elapsed := now.Sub(message.lastActivity)
		if elapsed > s.messageTimeout {
			log.Warnf("message %s timed out after %v", message.id, elapsed)
			message.state = MSG_STATE_FAILED
			op := message.op
			message.Unlock()
			s.hint(op)
			continue
		}
		if elapsed > s.pingInterval && now.Sub(message.lastPing) > s.pingInterval {
			message.lastPing = now
			id := message.id
			destination := message.destination
			message.Unlock()
			sendControlPacket(s.driver, destination, protocol.OPCODE_PING, id, s.metrics)
			continue
		}
		message.Unlock()
	}
}

func (s *Sender) lookup(id protocol.MessageId) *OutboundMessage {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.messages[id]
}

// removeFromQueue drops the message from the send queue. Callers hold the
// Sender mutex.
func (s *Sender) removeFromQueue(message *OutboundMessage) {
	for i, queued := range s.sendQueue {
		if queued == message {
			s.sendQueue = append(s.sendQueue[:i], s.sendQueue[i+1:]...)
			return
		}
	}
}

func (s *Sender) hint(op *Op) {
	if s.hinter != nil && op != nil {
		s.hinter.hintUpdatedOp(op)
	}
}
