package transport

import (
	"sync"
	"sync/atomic"

	"github.com/netsys-lab/homa/protocol"
)

// Op represents one logical remote operation: exactly one outbound message
// plus at most one registered inbound message. Client Ops (isServerOp
// false) carry a request and wait for the ultimate response; server Ops
// handle an inbound request and may send delegated requests and a reply.
type Op struct {
	mutex      sync.Mutex
	transport  *Transport
	opId       protocol.OpId
	isServerOp bool
	outMessage *OutboundMessage
	inMessage  *InboundMessage
	state      int32
	retained   int32
	destroy    bool
}

func (op *Op) OpId() protocol.OpId {
	return op.opId
}

func (op *Op) IsServerOp() bool {
	return op.isServerOp
}

// State returns the coordinator state. It never regresses out of
// COMPLETED or FAILED.
func (op *Op) State() OpState {
	return OpState(atomic.LoadInt32(&op.state))
}

// OutMessage is the outbound message buffer the application fills before
// SendRequest or SendReply.
func (op *Op) OutMessage() *OutboundMessage {
	return op.outMessage
}

// InMessage returns the registered inbound message, or nil. For a client
// Op this is the response, valid once State is COMPLETED; for a server Op
// it is the request.
func (op *Op) InMessage() *InboundMessage {
	op.mutex.Lock()
	defer op.mutex.Unlock()
	return op.inMessage
}

// setState moves the Op to state unless it already reached COMPLETED or
// FAILED, which are terminal. Callers hold the Op's mutex.
func (op *Op) setState(state OpState) {
	if cur := op.State(); cur == OP_STATE_COMPLETED || cur == OP_STATE_FAILED {
		return
	}
	atomic.StoreInt32(&op.state, int32(state))
}

// processUpdates checks for state changes and performs any pending
// actions. Callers hold the Op's mutex.
func (op *Op) processUpdates() {
	if op.destroy {
		return
	}
	state := op.State()
	outState := op.outMessage.State()

	if op.isServerOp {
		switch state {
		case OP_STATE_NOT_STARTED:
			if op.inMessage.Failed() {
				op.fail()
			} else if op.inMessage.IsReady() {
				op.inMessage.stripHeader()
				op.transport.pendingServerOps.Lock()
				op.transport.pendingServerOps.queue = append(op.transport.pendingServerOps.queue, op)
				op.transport.pendingServerOps.Unlock()
				op.setState(OP_STATE_IN_PROGRESS)
			}
		case OP_STATE_IN_PROGRESS:
			replyLegSent := op.outMessage.Id().Tag == protocol.ULTIMATE_RESPONSE_TAG &&
				outState == MSG_STATE_SENT
			if outState == MSG_STATE_COMPLETED || replyLegSent {
				op.setState(OP_STATE_COMPLETED)
				op.transport.Metrics.add(&op.transport.Metrics.OpsCompleted)
				// The initial request leg needs no DONE: completion of the
				// reply is acknowledgement enough for the original caller.
				if op.inMessage.Id().Tag != protocol.INITIAL_REQUEST_TAG {
					sendDonePacket(op.inMessage, op.transport.driver, op.transport.Metrics)
				}
				op.transport.hintUpdatedOp(op)
			} else if outState == MSG_STATE_FAILED || op.inMessage.Failed() {
				op.fail()
			}
		case OP_STATE_COMPLETED, OP_STATE_FAILED:
			if atomic.LoadInt32(&op.retained) == 0 {
				op.drop()
			}
		}
		return
	}

	if atomic.LoadInt32(&op.retained) == 0 {
		// The client is no longer interested, the Op can go away.
		op.drop()
		return
	}
	switch state {
	case OP_STATE_IN_PROGRESS:
		if op.inMessage != nil && op.inMessage.IsReady() {
			op.inMessage.stripHeader()
			op.setState(OP_STATE_COMPLETED)
			op.transport.Metrics.add(&op.transport.Metrics.OpsCompleted)
			op.transport.hintUpdatedOp(op)
		} else if outState == MSG_STATE_FAILED || (op.inMessage != nil && op.inMessage.Failed()) {
			op.fail()
		}
	case OP_STATE_NOT_STARTED, OP_STATE_COMPLETED, OP_STATE_FAILED:
		// Nothing to do.
	}
}

// fail moves the Op to FAILED. Callers hold the Op's mutex.
func (op *Op) fail() {
	if cur := op.State(); cur == OP_STATE_COMPLETED || cur == OP_STATE_FAILED {
		return
	}
	op.setState(OP_STATE_FAILED)
	op.transport.Metrics.add(&op.transport.Metrics.OpsFailed)
	op.transport.hintUpdatedOp(op)
}

// drop queues the Op for garbage collection. Idempotent. Callers hold the
// Op's mutex.
func (op *Op) drop() {
	if op.destroy {
		return
	}
	op.destroy = true
	op.transport.unusedOps.Lock()
	op.transport.unusedOps.queue = append(op.transport.unusedOps.queue, op)
	op.transport.unusedOps.Unlock()
}
