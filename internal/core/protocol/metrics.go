package protocol

import "sync/atomic"

// Metrics holds channel counters. All fields are updated atomically.
type Metrics struct {
	sent      atomic.Uint64
	sendFails atomic.Uint64
	received  atomic.Uint64
	malformed atomic.Uint64
	unhandled atomic.Uint64
	rejected  atomic.Uint64
}

type MetricsSnapshot struct {
	Sent      uint64
	SendFails uint64
	Received  uint64
	Malformed uint64
	Unhandled uint64
	Rejected  uint64
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Sent:      m.sent.Load(),
		SendFails: m.sendFails.Load(),
		Received:  m.received.Load(),
		Malformed: m.malformed.Load(),
		Unhandled: m.unhandled.Load(),
		Rejected:  m.rejected.Load(),
	}
}
