package transport

import "sync/atomic"

// TransportMetrics counts packets and ops flowing through a transport.
// Counters are updated with atomic adds; Snapshot loads each counter
// atomically, one after the other, so the copy is not taken at a single
// instant.
type TransportMetrics struct {
	RxPackets    uint64
	TxPackets    uint64
	RxBytes      uint64
	TxBytes      uint64
	OpsAllocated uint64
	OpsReceived  uint64
	OpsCompleted uint64
	OpsFailed    uint64
}

func (m *TransportMetrics) addRx(bytes int) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.RxPackets, 1)
	atomic.AddUint64(&m.RxBytes, uint64(bytes))
}

func (m *TransportMetrics) addTx(bytes int) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.TxPackets, 1)
	atomic.AddUint64(&m.TxBytes, uint64(bytes))
}

func (m *TransportMetrics) add(counter *uint64) {
	if m == nil {
		return
	}
	atomic.AddUint64(counter, 1)
}

func (m *TransportMetrics) Snapshot() TransportMetrics {
	if m == nil {
		return TransportMetrics{}
	}
	return TransportMetrics{
		RxPackets:    atomic.LoadUint64(&m.RxPackets),
		TxPackets:    atomic.LoadUint64(&m.TxPackets),
		RxBytes:      atomic.LoadUint64(&m.RxBytes),
		TxBytes:      atomic.LoadUint64(&m.TxBytes),
		OpsAllocated: atomic.LoadUint64(&m.OpsAllocated),
		OpsReceived:  atomic.LoadUint64(&m.OpsReceived),
		OpsCompleted: atomic.LoadUint64(&m.OpsCompleted),
		OpsFailed:    atomic.LoadUint64(&m.OpsFailed),
	}
}
