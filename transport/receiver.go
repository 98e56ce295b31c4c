package transport

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netsys-lab/homa/driver"
	"github.com/netsys-lab/homa/protocol"
	"github.com/netsys-lab/homa/utils"
	log "github.com/sirupsen/logrus"
)

// Ensuring interface compatability at compile time.
var _ DataReceiver = &Receiver{}

// Receiver assembles inbound DATA fragments into messages, runs the
// scheduled grant loop and surfaces completed messages to the transport.
//
// Lock order: Receiver mutex, then message mutex.
type Receiver struct {
	mutex            sync.Mutex
	driver           driver.Driver
	messages         map[protocol.MessageId]*InboundMessage
	receivedMessages []*InboundMessage
	pool             sync.Pool
	scheduling       int32

	messageTimeout time.Duration
	resendInterval time.Duration

	// GrantWindow is the target unmet-grant window of an actively granted
	// message, in bytes.
	GrantWindow int
	// ActiveMessageLimit bounds how many messages are granted at once.
	ActiveMessageLimit int

	hinter  opHinter
	metrics *TransportMetrics
}

func NewReceiver(drv driver.Driver, messageTimeout, resendInterval time.Duration, hinter opHinter, metrics *TransportMetrics) *Receiver {
	r := &Receiver{
		driver:             drv,
		messages:           make(map[protocol.MessageId]*InboundMessage),
		messageTimeout:     messageTimeout,
		resendInterval:     resendInterval,
		GrantWindow:        DEFAULT_GRANT_WINDOW,
		ActiveMessageLimit: MAX_ACTIVE_MESSAGES,
		hinter:             hinter,
		metrics:            metrics,
	}
	r.pool.New = func() interface{} {
		return &InboundMessage{}
	}
	return r
}

// HandleDataPacket integrates one DATA fragment, creating the inbound
// message on first sight. Duplicate fragments are discarded.
func (r *Receiver) HandleDataPacket(pkt *driver.Packet) {
	h, err := protocol.UnpackDataHeader(pkt.Payload)
	if err != nil {
		log.Warnf("dropping runt DATA packet: %v", err)
		return
	}
	payload := pkt.Payload[protocol.DATA_HEADER_LEN:]

	r.mutex.Lock()
	message, ok := r.messages[h.Id]
	if !ok {
		message = r.pool.Get().(*InboundMessage)
		message.reset(h.Id, pkt.Source, int(h.TotalLength),
			r.driver.MaxPayloadSize()-protocol.DATA_HEADER_LEN)
		r.messages[h.Id] = message
		log.Debugf("new inbound message %s (%d bytes) from %s", h.Id, h.TotalLength, pkt.Source)
	}
	r.mutex.Unlock()

	message.Lock()
	completed := message.insertFragment(int(h.Offset), payload)
	message.Unlock()

	if completed {
		log.Debugf("inbound message %s complete", h.Id)
		r.mutex.Lock()
		r.receivedMessages = append(r.receivedMessages, message)
		r.mutex.Unlock()
	}
}

// HandleBusyPacket refreshes the message's last-activity timestamp; the
// sender is alive but rate-limited.
func (r *Receiver) HandleBusyPacket(pkt *driver.Packet) {
	h, err := protocol.UnpackControlHeader(pkt.Payload)
	if err != nil {
		log.Warnf("dropping runt BUSY packet: %v", err)
		return
	}
	message := r.lookup(h.Id)
	if message == nil {
		log.Debugf("BUSY for unknown message %s", h.Id)
		return
	}
	message.Lock()
	message.lastActivity = time.Now()
	message.Unlock()
}

// HandlePingPacket answers a sender's liveness probe: UNKNOWN if we have
// no record of the message, a RESEND for the first gap, or a GRANT when
// the sender simply ran out of window.
func (r *Receiver) HandlePingPacket(pkt *driver.Packet) {
	h, err := protocol.UnpackControlHeader(pkt.Payload)
	if err != nil {
		log.Warnf("dropping runt PING packet: %v", err)
		return
	}
	message := r.lookup(h.Id)
	if message == nil {
		sendControlPacket(r.driver, pkt.Source, protocol.OPCODE_UNKNOWN, h.Id, r.metrics)
		return
	}
	message.Lock()
	message.lastActivity = time.Now()
	if message.state != MSG_STATE_IN_PROGRESS {
		message.Unlock()
		return
	}
	offset, length := message.missingRange()
	if length > 0 {
		id, source := message.id, message.source
		message.Unlock()
		sendResendPacket(r.driver, source, id, uint32(offset), uint32(length), r.metrics)
		return
	}
	desired := utils.Min(message.contiguousOffset+r.GrantWindow, message.totalLength)
	if desired > message.grantOffset {
		message.grantOffset = desired
	}
	id, source, grant := message.id, message.source, message.grantOffset
	message.Unlock()
	sendGrantPacket(r.driver, source, id, uint32(grant), r.metrics)
}

// ReceiveMessage pops the next ready inbound message in completion order.
func (r *Receiver) ReceiveMessage() *InboundMessage {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if len(r.receivedMessages) == 0 {
		return nil
	}
	message := r.receivedMessages[0]
	r.receivedMessages = r.receivedMessages[1:]
	return message
}

// DropMessage releases the inbound message back to the pool.
func (r *Receiver) DropMessage(message *InboundMessage) {
	r.mutex.Lock()
	message.Lock()
	delete(r.messages, message.id)
	for i, queued := range r.receivedMessages {
		if queued == message {
			r.receivedMessages = append(r.receivedMessages[:i], r.receivedMessages[i+1:]...)
			break
		}
	}
	message.op = nil
	message.source = nil
	message.Unlock()
	r.mutex.Unlock()
	r.pool.Put(message)
}

// Poll advances grant scheduling and resend/timeout maintenance.
func (r *Receiver) Poll() {
	r.schedule()
	r.checkTimeouts()
}

// schedule recomputes the actively granted set and raises grants so each
// active message keeps a full unmet-grant window. At most one thread runs
// the body at a time; concurrent callers return immediately and must not
// rely on having scheduled themselves.
func (r *Receiver) schedule() {
	if !atomic.CompareAndSwapInt32(&r.scheduling, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&r.scheduling, 0)

	r.mutex.Lock()
	candidates := make([]*InboundMessage, 0, len(r.messages))
	for _, message := range r.messages {
		candidates = append(candidates, message)
	}
	r.mutex.Unlock()

	type entry struct {
		message   *InboundMessage
		remaining int
		id        protocol.MessageId
	}
	active := make([]entry, 0, len(candidates))
	for _, message := range candidates {
		message.Lock()
		if message.state == MSG_STATE_IN_PROGRESS {
			active = append(active, entry{
				message:   message,
				remaining: message.totalLength - message.receivedBytes,
				id:        message.id,
			})
		}
		message.Unlock()
	}
	// Shortest remaining processing time first; ties broken by id so the
	// grant set is deterministic.
	sort.Slice(active, func(i, j int) bool {
		if active[i].remaining != active[j].remaining {
			return active[i].remaining < active[j].remaining
		}
		return active[i].id.String() < active[j].id.String()
	})
	limit := utils.Min(len(active), r.ActiveMessageLimit)
	for _, e := range active[:limit] {
		message := e.message
		message.Lock()
		desired := utils.Min(message.contiguousOffset+r.GrantWindow, message.totalLength)
		if desired <= message.grantOffset {
			message.Unlock()
			continue
		}
		message.grantOffset = desired
		id, source := message.id, message.source
		message.Unlock()
		sendGrantPacket(r.driver, source, id, uint32(desired), r.metrics)
	}
}

// checkTimeouts emits RESENDs for stalled messages and fails dead ones.
func (r *Receiver) checkTimeouts() {
	now := time.Now()
	r.mutex.Lock()
	messages := make([]*InboundMessage, 0, len(r.messages))
	for _, message := range r.messages {
		messages = append(messages, message)
	}
	r.mutex.Unlock()

	var failed []*InboundMessage
	for _, message := range messages {
		message.Lock()
		if message.state != MSG_STATE_IN_PROGRESS {
			message.Unlock()
			continue
		}
		elapsed := now.Sub(message.lastActivity)
		if elapsed > r.messageTimeout {
			log.Warnf("inbound message %s timed out after %v", message.id, elapsed)
			message.state = MSG_STATE_FAILED
			op := message.op
			id, source := message.id, message.source
			message.Unlock()
			if op != nil {
				r.hint(op)
			} else {
				sendControlPacket(r.driver, source, protocol.OPCODE_ERROR, id, r.metrics)
				failed = append(failed, message)
			}
			continue
		}
		if elapsed > r.resendInterval && now.Sub(message.lastResend) > r.resendInterval {
			offset, length := message.missingRange()
			if length > 0 {
				message.lastResend = now
				id, source := message.id, message.source
				message.Unlock()
				sendResendPacket(r.driver, source, id, uint32(offset), uint32(length), r.metrics)
				continue
			}
		}
		message.Unlock()
	}

	// Failed messages nobody registered an Op for go straight back to the
	// pool.
	for _, message := range failed {
		r.DropMessage(message)
	}
}

func (r *Receiver) lookup(id protocol.MessageId) *InboundMessage {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.messages[id]
}

func (r *Receiver) hint(op *Op) {
	if r.hinter != nil && op != nil {
		r.hinter.hintUpdatedOp(op)
	}
}
