package transport

import "time"

// Timeout constants, in multiples of the basic timeout unit.
const (
	BASE_TIMEOUT    = 2000 * time.Microsecond
	MESSAGE_TIMEOUT = 20 * BASE_TIMEOUT
	PING_INTERVAL   = 3 * BASE_TIMEOUT
	RESEND_INTERVAL = BASE_TIMEOUT
)

const (
	// MAX_BURST bounds how many packets one poll drains from the driver.
	MAX_BURST = 32
	// MAX_ACTIVE_MESSAGES bounds how many inbound messages hold an open
	// grant window at once.
	MAX_ACTIVE_MESSAGES = 4
	// DEFAULT_GRANT_WINDOW is the target for the unmet-grant window of an
	// actively granted inbound message, in bytes.
	DEFAULT_GRANT_WINDOW = 10000
	// DEFAULT_UNSCHEDULED_BYTES is how much of a new outbound message may
	// be sent before the first GRANT arrives.
	DEFAULT_UNSCHEDULED_BYTES = 10000
)

// MessageState tracks the transmission or assembly progress of a message.
type MessageState int32

const (
	MSG_STATE_NOT_STARTED MessageState = iota
	MSG_STATE_IN_PROGRESS
	MSG_STATE_SENT
	MSG_STATE_COMPLETED
	MSG_STATE_FAILED
)

func (s MessageState) String() string {
	switch s {
	case MSG_STATE_NOT_STARTED:
		return "NOT_STARTED"
	case MSG_STATE_IN_PROGRESS:
		return "IN_PROGRESS"
	case MSG_STATE_SENT:
		return "SENT"
	case MSG_STATE_COMPLETED:
		return "COMPLETED"
	case MSG_STATE_FAILED:
		return "FAILED"
	}
	return "UNKNOWN"
}

// OpState is the coordinator state of an Op. Terminal states are sticky.
type OpState int32

const (
	OP_STATE_NOT_STARTED OpState = iota
	OP_STATE_IN_PROGRESS
	OP_STATE_COMPLETED
	OP_STATE_FAILED
)

func (s OpState) String() string {
	switch s {
	case OP_STATE_NOT_STARTED:
		return "NOT_STARTED"
	case OP_STATE_IN_PROGRESS:
		return "IN_PROGRESS"
	case OP_STATE_COMPLETED:
		return "COMPLETED"
	case OP_STATE_FAILED:
		return "FAILED"
	}
	return "UNKNOWN"
}
