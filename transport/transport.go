package transport

import (
	"sync"
	"sync/atomic"

	"github.com/netsys-lab/homa/driver"
	"github.com/netsys-lab/homa/protocol"
	log "github.com/sirupsen/logrus"
)

// Transport multiplexes many in-flight Ops over a single packet driver. It
// binds request and response legs into Ops, advances their state machines
// and garbage collects released ones. Progress happens only inside Poll.
//
// Lock order: Transport mutex, then Op mutex; Op mutex, then queue mutex
// (the Op state machine pushes onto the queues while holding its Op's
// mutex, and no queue mutex is held while an Op mutex is taken). A thread
// holding an Op mutex must not take the Transport mutex.
type Transport struct {
	driver               driver.Driver
	transportId          protocol.TransportId
	sender               DataSender
	receiver             DataReceiver
	mutex                sync.Mutex
	nextOpSequenceNumber uint64
	activeOps            map[*Op]struct{}
	remoteOps            map[protocol.OpId]*Op
	opPool               sync.Pool

	pendingServerOps struct {
		sync.Mutex
		queue []*Op
	}
	updateHints struct {
		sync.Mutex
		ops   map[*Op]struct{}
		order []*Op
	}
	unusedOps struct {
		sync.Mutex
		queue []*Op
	}

	Metrics *TransportMetrics
}

// NewTransport builds a transport with the default Sender and Receiver and
// the standard timeout constants.
func NewTransport(drv driver.Driver, transportId protocol.TransportId) *Transport {
	t := newTransportShell(drv, transportId)
	t.sender = NewSender(drv, MESSAGE_TIMEOUT, PING_INTERVAL, t, t.Metrics)
	t.receiver = NewReceiver(drv, MESSAGE_TIMEOUT, RESEND_INTERVAL, t, t.Metrics)
	return t
}

// NewTransportWith builds a transport over caller-provided sender and
// receiver implementations.
func NewTransportWith(drv driver.Driver, transportId protocol.TransportId, sender DataSender, receiver DataReceiver) *Transport {
	t := newTransportShell(drv, transportId)
	t.sender = sender
	t.receiver = receiver
	return t
}

func newTransportShell(drv driver.Driver, transportId protocol.TransportId) *Transport {
	t := &Transport{
		driver:               drv,
		transportId:          transportId,
		nextOpSequenceNumber: 1,
		activeOps:            make(map[*Op]struct{}),
		remoteOps:            make(map[protocol.OpId]*Op),
		Metrics:              &TransportMetrics{},
	}
	t.updateHints.ops = make(map[*Op]struct{})
	t.opPool.New = func() interface{} {
		return &Op{}
	}
	return t
}

// newOp takes an Op shell from the pool and resets it. Callers hold the
// Transport mutex.
func (t *Transport) newOp(opId protocol.OpId, isServerOp bool) *Op {
	op := t.opPool.Get().(*Op)
	*op = Op{
		transport:  t,
		opId:       opId,
		isServerOp: isServerOp,
	}
	op.outMessage = newOutboundMessage(op, t.driver.MaxPayloadSize()-protocol.DATA_HEADER_LEN)
	return op
}

// AllocOp allocates a client Op with the next OpId. The caller fills the
// outbound message and issues SendRequest.
func (t *Transport) AllocOp() *Op {
	t.mutex.Lock()
	opId := protocol.OpId{TransportId: t.transportId, Sequence: t.nextOpSequenceNumber}
	t.nextOpSequenceNumber++
	op := t.newOp(opId, false)
	t.activeOps[op] = struct{}{}
	t.remoteOps[opId] = op

	// Lock handoff so nothing can destroy the Op while we finish it.
	op.mutex.Lock()
	t.mutex.Unlock()

	op.outMessage.setReplyAddress(t.driver.LocalAddress().Raw())
	atomic.StoreInt32(&op.retained, 1)
	op.mutex.Unlock()
	t.Metrics.add(&t.Metrics.OpsAllocated)
	return op
}

// ReceiveOp dequeues one server Op whose request is ready, or returns nil.
func (t *Transport) ReceiveOp() *Op {
	t.pendingServerOps.Lock()
	if len(t.pendingServerOps.queue) == 0 {
		t.pendingServerOps.Unlock()
		return nil
	}
	op := t.pendingServerOps.queue[0]
	t.pendingServerOps.queue = t.pendingServerOps.queue[1:]
	t.pendingServerOps.Unlock()

	op.mutex.Lock()
	op.outMessage.setReplyAddress(op.inMessage.replyAddress())
	atomic.StoreInt32(&op.retained, 1)
	op.mutex.Unlock()
	t.Metrics.add(&t.Metrics.OpsReceived)
	return op
}

// ReleaseOp signals that the application no longer holds the Op. The next
// state advancement drops a client Op; a server Op is dropped once it is
// COMPLETED or FAILED.
func (t *Transport) ReleaseOp(op *Op) {
	atomic.StoreInt32(&op.retained, 0)
	t.hintUpdatedOp(op)
}

// SendRequest transmits the Op's outbound message as a request. On a
// server Op the request is a delegated leg tagged one past the inbound
// leg.
func (t *Transport) SendRequest(op *Op, destination driver.Address) {
	op.mutex.Lock()
	defer op.mutex.Unlock()
	if op.isServerOp {
		requestId := op.inMessage.Id()
		delegationId := protocol.MessageId{OpId: requestId.OpId, Tag: requestId.Tag + 1}
		t.sender.SendMessage(delegationId, destination, op.outMessage)
		return
	}
	op.setState(OP_STATE_IN_PROGRESS)
	t.sender.SendMessage(protocol.MessageId{OpId: op.opId, Tag: protocol.INITIAL_REQUEST_TAG},
		destination, op.outMessage)
}

// SendReply transmits the Op's outbound message as the ultimate response,
// back to the reply address carried in the inbound request.
func (t *Transport) SendReply(op *Op) {
	op.mutex.Lock()
	defer op.mutex.Unlock()
	if !op.isServerOp {
		panic("SendReply called on a client op")
	}
	replyAddress, err := t.driver.GetAddress(op.inMessage.replyAddress())
	if err != nil {
		log.Errorf("op %s carries an unusable reply address: %v", op.opId, err)
		op.fail()
		return
	}
	opId := op.inMessage.Id().OpId
	op.setState(OP_STATE_IN_PROGRESS)
	t.sender.SendMessage(protocol.MessageId{OpId: opId, Tag: protocol.ULTIMATE_RESPONSE_TAG},
		replyAddress, op.outMessage)
}

// Poll is the single progress engine: drain incoming packets, tick sender
// and receiver, bind completed messages to Ops, advance hinted Ops and
// garbage collect.
func (t *Transport) Poll() {
	t.processPackets()
	t.sender.Poll()
	t.receiver.Poll()
	t.processInboundMessages()
	t.checkForUpdates()
	t.cleanupOps()
}

// processPackets receives a burst of incoming packets and dispatches them
// by opcode.
func (t *Transport) processPackets() {
	var pkts [MAX_BURST]*driver.Packet
	n := t.driver.ReceivePackets(MAX_BURST, pkts[:])
	for i := 0; i < n; i++ {
		pkt := pkts[i]
		opcode, err := protocol.PeekOpcode(pkt.Payload)
		if err != nil {
			log.Warnf("dropping runt packet from %s", pkt.Source)
			continue
		}
		t.Metrics.addRx(len(pkt.Payload))
		switch opcode {
		case protocol.OPCODE_DATA:
			t.receiver.HandleDataPacket(pkt)
		case protocol.OPCODE_GRANT:
			t.sender.HandleGrantPacket(pkt)
		case protocol.OPCODE_DONE:
			t.sender.HandleDonePacket(pkt)
		case protocol.OPCODE_RESEND:
			t.sender.HandleResendPacket(pkt)
		case protocol.OPCODE_BUSY:
			t.receiver.HandleBusyPacket(pkt)
		case protocol.OPCODE_PING:
			t.receiver.HandlePingPacket(pkt)
		case protocol.OPCODE_UNKNOWN:
			t.sender.HandleUnknownPacket(pkt)
		case protocol.OPCODE_ERROR:
			t.sender.HandleErrorPacket(pkt)
		default:
			log.Warnf("dropping packet with unknown opcode %d from %s", opcode, pkt.Source)
		}
	}
	t.driver.ReleasePackets(pkts[:n])
}

// processInboundMessages binds completed inbound messages to their Ops:
// responses attach to the waiting client Op, everything else becomes a new
// server Op.
func (t *Transport) processInboundMessages() {
	for message := t.receiver.ReceiveMessage(); message != nil; message = t.receiver.ReceiveMessage() {
		id := message.Id()
		if id.Tag == protocol.ULTIMATE_RESPONSE_TAG {
			t.mutex.Lock()
			op, ok := t.remoteOps[id.OpId]
			if !ok {
				t.mutex.Unlock()
				// Legal race with ReleaseOp: nobody is waiting anymore.
				log.Debugf("no client op waiting for response %s, dropping", id)
				t.receiver.DropMessage(message)
				continue
			}
			op.mutex.Lock()
			t.mutex.Unlock()
			if op.inMessage != nil {
				// At most one inbound message per op; a reassembled
				// duplicate of the response is dropped.
				op.mutex.Unlock()
				t.receiver.DropMessage(message)
				continue
			}
			message.RegisterOp(op)
			op.inMessage = message
			op.mutex.Unlock()
			t.hintUpdatedOp(op)
			continue
		}

		t.mutex.Lock()
		op := t.newOp(id.OpId, true)
		t.activeOps[op] = struct{}{}

		// Lock handoff
		op.mutex.Lock()
		t.mutex.Unlock()

		message.RegisterOp(op)
		op.inMessage = message
		op.mutex.Unlock()
		t.hintUpdatedOp(op)
	}
}

// checkForUpdates runs the state machine of a bounded prefix of hinted
// Ops.
func (t *Transport) checkForUpdates() {
	t.updateHints.Lock()
	hints := len(t.updateHints.order)
	t.updateHints.Unlock()

	for i := 0; i < hints; i++ {
		t.updateHints.Lock()
		if len(t.updateHints.order) == 0 {
			t.updateHints.Unlock()
			break
		}
		op := t.updateHints.order[0]
		t.updateHints.order = t.updateHints.order[1:]
		delete(t.updateHints.ops, op)
		t.updateHints.Unlock()

		// Only Ops still in activeOps are safe to touch.
		t.mutex.Lock()
		if _, ok := t.activeOps[op]; !ok {
			t.mutex.Unlock()
			continue
		}

		// Lock handoff
		op.mutex.Lock()
		t.mutex.Unlock()

		op.processUpdates()
		op.mutex.Unlock()
	}
}

// cleanupOps garbage collects a bounded prefix of dropped Ops.
func (t *Transport) cleanupOps() {
	t.unusedOps.Lock()
	count := len(t.unusedOps.queue)
	t.unusedOps.Unlock()

	for i := 0; i < count; i++ {
		t.unusedOps.Lock()
		if len(t.unusedOps.queue) == 0 {
			t.unusedOps.Unlock()
			break
		}
		op := t.unusedOps.queue[0]
		t.unusedOps.queue = t.unusedOps.queue[1:]
		t.unusedOps.Unlock()

		t.mutex.Lock()
		if _, ok := t.activeOps[op]; !ok {
			t.mutex.Unlock()
			continue
		}
		t.sender.DropMessage(op.outMessage)

		op.mutex.Lock()
		inMessage := op.inMessage
		op.inMessage = nil
		if !op.isServerOp {
			delete(t.remoteOps, op.opId)
		}
		delete(t.activeOps, op)
		op.mutex.Unlock()
		t.mutex.Unlock()

		if inMessage != nil {
			t.receiver.DropMessage(inMessage)
		}
		t.opPool.Put(op)
	}
}

// hintUpdatedOp enqueues the Op for state advancement. Duplicate hints are
// deduplicated.
func (t *Transport) hintUpdatedOp(op *Op) {
	t.updateHints.Lock()
	defer t.updateHints.Unlock()
	if _, ok := t.updateHints.ops[op]; ok {
		return
	}
	t.updateHints.ops[op] = struct{}{}
	t.updateHints.order = append(t.updateHints.order, op)
}

// Shutdown drops every active Op's messages from the sender and receiver.
// The transport must not be polled afterwards.
func (t *Transport) Shutdown() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	for op := range t.activeOps {
		t.sender.DropMessage(op.outMessage)
		op.mutex.Lock()
		if op.inMessage != nil {
			t.receiver.DropMessage(op.inMessage)
			op.inMessage = nil
		}
		op.destroy = true
		op.mutex.Unlock()
		delete(t.activeOps, op)
	}
	t.remoteOps = make(map[protocol.OpId]*Op)
}
