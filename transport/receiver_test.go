package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/netsys-lab/homa/driver"
	"github.com/netsys-lab/homa/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReceiver(messageTimeout, resendInterval time.Duration) (*Receiver, *captureDriver) {
	drv := newCaptureDriver("receiver", testPacketDataLen+protocol.DATA_HEADER_LEN)
	return NewReceiver(drv, messageTimeout, resendInterval, nil, nil), drv
}

// injectFragments feeds DATA fragments for the given offsets of a message
// covering totalLength bytes.
func injectFragments(r *Receiver, id protocol.MessageId, totalLength int, offsets ...int) {
	src := &driver.LoopbackAddress{Name: "sender"}
	for _, offset := range offsets {
		end := offset + testPacketDataLen
		if end > totalLength {
			end = totalLength
		}
		payload := make([]byte, end-offset)
		for i := range payload {
			payload[i] = byte(offset + i)
		}
		r.HandleDataPacket(&driver.Packet{
			Payload: dataPacket(id, uint32(totalLength), uint32(offset), payload),
			Source:  src,
		})
	}
}

func TestAssemblyInOrder(t *testing.T) {
	r, _ := newTestReceiver(time.Second, time.Second)
	id := testMessageId(1, protocol.INITIAL_REQUEST_TAG)
	injectFragments(r, id, 3000, 0, 1000, 2000)

	m := r.ReceiveMessage()
	require.NotNil(t, m)
	assert.Equal(t, id, m.Id())
	assert.True(t, m.IsReady())
	assert.Equal(t, 3000, len(m.Payload()))
	// Completion order FIFO yields each message at most once.
	assert.Nil(t, r.ReceiveMessage())
}

func TestAssemblyOutOfOrder(t *testing.T) {
	r, _ := newTestReceiver(time.Second, time.Second)
	id := testMessageId(1, protocol.INITIAL_REQUEST_TAG)
	injectFragments(r, id, 3000, 2000, 0, 1000)

	m := r.ReceiveMessage()
	require.NotNil(t, m)
	require.True(t, m.IsReady())
	payload := m.Payload()
	for i, b := range payload {
		require.Equal(t, byte(i), b)
	}
}

func TestDuplicateFragmentIdempotent(t *testing.T) {
	r, _ := newTestReceiver(time.Second, time.Second)
	id := testMessageId(1, protocol.INITIAL_REQUEST_TAG)
	injectFragments(r, id, 3000, 0, 1000, 1000, 2000, 2000)

	m := r.ReceiveMessage()
	require.NotNil(t, m)
	assert.True(t, m.IsReady())
	// A duplicate after completion changes nothing and surfaces nothing.
	injectFragments(r, id, 3000, 1000)
	assert.Nil(t, r.ReceiveMessage())
}

func TestScheduleIssuesGrants(t *testing.T) {
	r, drv := newTestReceiver(time.Second, time.Second)
	r.GrantWindow = 2000
	id := testMessageId(1, protocol.INITIAL_REQUEST_TAG)
	injectFragments(r, id, 20000, 0)

	r.Poll()
	grants := drv.sentByOpcode(protocol.OPCODE_GRANT)
	require.Len(t, grants, 1)
	h, err := protocol.UnpackGrantHeader(grants[0].payload)
	require.NoError(t, err)
	assert.Equal(t, id, h.Id)
	assert.Equal(t, uint32(3000), h.Offset)

	// Without new fragments the grant target is unchanged; no packet goes
	// out on the next poll.
	drv.clearSent()
	r.Poll()
	assert.Empty(t, drv.sentByOpcode(protocol.OPCODE_GRANT))

	// More contiguous data moves the window forward.
	injectFragments(r, id, 20000, 1000, 2000)
	drv.clearSent()
	r.Poll()
	grants = drv.sentByOpcode(protocol.OPCODE_GRANT)
	require.Len(t, grants, 1)
	h, err = protocol.UnpackGrantHeader(grants[0].payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(5000), h.Offset)
}

func TestScheduleActiveMessageLimit(t *testing.T) {
	r, drv := newTestReceiver(time.Second, time.Second)
	r.GrantWindow = 2000
	r.ActiveMessageLimit = 1

	big := testMessageId(1, protocol.INITIAL_REQUEST_TAG)
	small := testMessageId(2, protocol.INITIAL_REQUEST_TAG)
	injectFragments(r, big, 50000, 0)
	injectFragments(r, small, 10000, 0)

	r.Poll()
	grants := drv.sentByOpcode(protocol.OPCODE_GRANT)
	require.Len(t, grants, 1)
	h, err := protocol.UnpackGrantHeader(grants[0].payload)
	require.NoError(t, err)
	// Shortest remaining bytes wins the only grant slot.
	assert.Equal(t, small, h.Id)
}

func TestSchedulingFlag(t *testing.T) {
	r, drv := newTestReceiver(time.Second, time.Second)
	id := testMessageId(1, protocol.INITIAL_REQUEST_TAG)
	injectFragments(r, id, 20000, 0)

	// A concurrent scheduler is already running: this caller returns
	// without granting.
	r.scheduling = 1
	r.schedule()
	assert.Empty(t, drv.sentByOpcode(protocol.OPCODE_GRANT))

	// The next poll picks the work back up.
	r.scheduling = 0
	r.schedule()
	assert.Len(t, drv.sentByOpcode(protocol.OPCODE_GRANT), 1)
}

func TestConcurrentSchedulersDontLoseGrants(t *testing.T) {
	r, drv := newTestReceiver(time.Second, time.Second)
	id := testMessageId(1, protocol.INITIAL_REQUEST_TAG)
	injectFragments(r, id, 20000, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.schedule()
		}()
	}
	wg.Wait()
	r.schedule()

	grants := drv.sentByOpcode(protocol.OPCODE_GRANT)
	require.NotEmpty(t, grants)
	h, err := protocol.UnpackGrantHeader(grants[len(grants)-1].payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(1000+DEFAULT_GRANT_WINDOW), h.Offset)
}

func TestHandlePingUnknownMessage(t *testing.T) {
	r, drv := newTestReceiver(time.Second, time.Second)
	id := testMessageId(9, protocol.INITIAL_REQUEST_TAG)
	src := &driver.LoopbackAddress{Name: "sender"}

	r.HandlePingPacket(&driver.Packet{Payload: controlPacket(protocol.OPCODE_PING, id), Source: src})
	unknown := drv.sentByOpcode(protocol.OPCODE_UNKNOWN)
	require.Len(t, unknown, 1)
	h, err := protocol.UnpackControlHeader(unknown[0].payload)
	require.NoError(t, err)
	assert.Equal(t, id, h.Id)
}

func TestHandlePingWithGap(t *testing.T) {
	r, drv := newTestReceiver(time.Second, time.Second)
	id := testMessageId(1, protocol.INITIAL_REQUEST_TAG)
	injectFragments(r, id, 5000, 0, 1000, 3000, 4000)
	src := &driver.LoopbackAddress{Name: "sender"}

	r.HandlePingPacket(&driver.Packet{Payload: controlPacket(protocol.OPCODE_PING, id), Source: src})
	resends := drv.sentByOpcode(protocol.OPCODE_RESEND)
	require.Len(t, resends, 1)
	h, err := protocol.UnpackResendHeader(resends[0].payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(2000), h.Offset)
	assert.Equal(t, uint32(1000), h.Length)
}

func TestHandlePingWithoutGap(t *testing.T) {
	r, drv := newTestReceiver(time.Second, time.Second)
	r.GrantWindow = 2000
	id := testMessageId(1, protocol.INITIAL_REQUEST_TAG)
	injectFragments(r, id, 5000, 0, 1000)
	src := &driver.LoopbackAddress{Name: "sender"}

	r.HandlePingPacket(&driver.Packet{Payload: controlPacket(protocol.OPCODE_PING, id), Source: src})
	grants := drv.sentByOpcode(protocol.OPCODE_GRANT)
	require.Len(t, grants, 1)
	h, err := protocol.UnpackGrantHeader(grants[0].payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(4000), h.Offset)
}

func TestResendTimeout(t *testing.T) {
	r, drv := newTestReceiver(time.Second, 5*time.Millisecond)
	id := testMessageId(1, protocol.INITIAL_REQUEST_TAG)
	injectFragments(r, id, 5000, 0, 1000, 3000, 4000)

	time.Sleep(10 * time.Millisecond)
	r.Poll()
	resends := drv.sentByOpcode(protocol.OPCODE_RESEND)
	require.Len(t, resends, 1)
	h, err := protocol.UnpackResendHeader(resends[0].payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(2000), h.Offset)
	assert.Equal(t, uint32(1000), h.Length)

	// The retransmitted fragment completes the message.
	injectFragments(r, id, 5000, 2000)
	m := r.ReceiveMessage()
	require.NotNil(t, m)
	assert.True(t, m.IsReady())
}

func TestInboundMessageTimeout(t *testing.T) {
	r, drv := newTestReceiver(5*time.Millisecond, time.Millisecond)
	id := testMessageId(1, protocol.INITIAL_REQUEST_TAG)
	injectFragments(r, id, 5000, 0)

	time.Sleep(10 * time.Millisecond)
	r.Poll()
	// An unregistered dead message tells the sender and goes away.
	errors := drv.sentByOpcode(protocol.OPCODE_ERROR)
	require.Len(t, errors, 1)
	assert.Empty(t, r.messages)
	assert.Nil(t, r.ReceiveMessage())
}

func TestHandleBusyRefreshesActivity(t *testing.T) {
	r, _ := newTestReceiver(time.Second, time.Second)
	id := testMessageId(1, protocol.INITIAL_REQUEST_TAG)
	injectFragments(r, id, 5000, 0)
	m := r.lookup(id)
	require.NotNil(t, m)

	m.Lock()
	m.lastActivity = time.Now().Add(-time.Minute)
	m.Unlock()
	src := &driver.LoopbackAddress{Name: "sender"}
	r.HandleBusyPacket(&driver.Packet{Payload: controlPacket(protocol.OPCODE_BUSY, id), Source: src})

	m.Lock()
	stale := time.Since(m.lastActivity) > time.Second
	m.Unlock()
	assert.False(t, stale)
}

func TestDropInboundMessage(t *testing.T) {
	r, _ := newTestReceiver(time.Second, time.Second)
	id := testMessageId(1, protocol.INITIAL_REQUEST_TAG)
	injectFragments(r, id, 3000, 0, 1000, 2000)

	m := r.ReceiveMessage()
	require.NotNil(t, m)
	r.DropMessage(m)
	assert.Empty(t, r.messages)
}
