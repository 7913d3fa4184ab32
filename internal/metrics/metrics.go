// Package metrics implements the runtime's lock-free atomic counters and
// 8-bucket sink-latency histogram described in SPEC_FULL.md §4.10, mirrored
// into a prometheus registry so a host process can expose them alongside
// the zero-allocation internal snapshot.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// sinkLatencyBucketUpperUs are the upper bounds, in microseconds, of the
// 8-bucket sink-latency histogram. The final bucket is unbounded.
var sinkLatencyBucketUpperUs = [8]uint64{100, 250, 500, 1_000, 2_500, 5_000, 10_000, ^uint64(0)}

// Snapshot is an immutable point-in-time read of every counter.
type Snapshot struct {
	UptimeMillis               uint64
	IngressTotal               uint64
	IngressRatePerSec          float64
	PendingRPCCount            uint64
	PendingServerRequestCount  uint64
	EventSinkQueueDepth        uint64
	EventSinkQueueDropped      uint64
	BroadcastSendFailed        uint64
	SinkWriteCount             uint64
	SinkWriteErrorCount        uint64
	SinkLatencyAvgMicros       float64
	SinkLatencyP95Micros       uint64
	SinkLatencyMaxMicros       uint64
	UnmatchedResponsesTotal    uint64
}

// Metrics holds every counter as a lock-free atomic. The zero value is
// usable; call New to additionally register prometheus collectors.
type Metrics struct {
	startUnixMillis int64

	ingressTotal              atomic.Uint64
	pendingRPCCount           atomic.Uint64
	pendingServerRequestCount atomic.Uint64
	eventSinkQueueDepth       atomic.Uint64
	eventSinkQueueDropped     atomic.Uint64
	broadcastSendFailed       atomic.Uint64
	sinkWriteCount            atomic.Uint64
	sinkWriteErrorCount       atomic.Uint64
	sinkLatencyTotalMicros    atomic.Uint64
	sinkLatencyMaxMicros      atomic.Uint64
	sinkLatencyBuckets        [8]atomic.Uint64
	unmatchedResponsesTotal   atomic.Uint64

	prom *promCollectors
}

// New creates Metrics anchored at startUnixMillis, with prometheus
// collectors registered under reg (nil skips prometheus registration).
func New(startUnixMillis int64, reg prometheus.Registerer) *Metrics {
	m := &Metrics{startUnixMillis: startUnixMillis}
	if reg != nil {
		m.prom = newPromCollectors(reg)
	}
	return m
}

// NowUnixMillis is a small helper for call sites that need a timestamp to
// pass to Snapshot; it is not used internally so tests can supply their own
// deterministic clock.
func NowUnixMillis() int64 { return time.Now().UnixMilli() }

func (m *Metrics) RecordIngress() {
	m.ingressTotal.Add(1)
}

func (m *Metrics) IncPendingRPC() {
	m.pendingRPCCount.Add(1)
	if m.prom != nil {
		m.prom.pendingRPC.Inc()
	}
}

func (m *Metrics) DecPendingRPC() {
	saturatingDec(&m.pendingRPCCount)
	if m.prom != nil {
		m.prom.pendingRPC.Dec()
	}
}

func (m *Metrics) SetPendingRPCCount(count uint64) {
	m.pendingRPCCount.Store(count)
}

func (m *Metrics) IncPendingServerRequest() {
	m.pendingServerRequestCount.Add(1)
	if m.prom != nil {
		m.prom.pendingServerRequest.Inc()
	}
}

func (m *Metrics) DecPendingServerRequest() {
	saturatingDec(&m.pendingServerRequestCount)
	if m.prom != nil {
		m.prom.pendingServerRequest.Dec()
	}
}

func (m *Metrics) SetPendingServerRequestCount(count uint64) {
	m.pendingServerRequestCount.Store(count)
}

func (m *Metrics) IncEventSinkQueueDepth() {
	m.eventSinkQueueDepth.Add(1)
}

func (m *Metrics) DecEventSinkQueueDepth() {
	saturatingDec(&m.eventSinkQueueDepth)
}

func (m *Metrics) RecordEventSinkDrop() {
	m.eventSinkQueueDropped.Add(1)
	if m.prom != nil {
		m.prom.eventSinkDropped.Inc()
	}
}

func (m *Metrics) RecordBroadcastSendFailed() {
	m.broadcastSendFailed.Add(1)
	if m.prom != nil {
		m.prom.broadcastSendFailed.Inc()
	}
}

func (m *Metrics) RecordUnmatchedResponse() {
	m.unmatchedResponsesTotal.Add(1)
	if m.prom != nil {
		m.prom.unmatchedResponses.Inc()
	}
}

// RecordSinkWrite records one sink write attempt with its latency.
func (m *Metrics) RecordSinkWrite(latencyMicros uint64, isError bool) {
	m.sinkWriteCount.Add(1)
	if isError {
		m.sinkWriteErrorCount.Add(1)
	}
	m.sinkLatencyTotalMicros.Add(latencyMicros)
	maxUpdate(&m.sinkLatencyMaxMicros, latencyMicros)

	idx := sinkLatencyBucketIndex(latencyMicros)
	m.sinkLatencyBuckets[idx].Add(1)

	if m.prom != nil {
		m.prom.sinkLatency.Observe(float64(latencyMicros) / 1e6)
		if isError {
			m.prom.sinkWriteErrors.Inc()
		}
	}
}

// Snapshot builds an immutable read of every counter as of nowUnixMillis.
func (m *Metrics) Snapshot(nowUnixMillis int64) Snapshot {
	uptimeMillis := uint64(0)
	if nowUnixMillis > m.startUnixMillis {
		uptimeMillis = uint64(nowUnixMillis - m.startUnixMillis)
	}

	ingressTotal := m.ingressTotal.Load()
	ingressRate := 0.0
	if uptimeMillis != 0 {
		ingressRate = float64(ingressTotal) / (float64(uptimeMillis) / 1000.0)
	}

	sinkWriteCount := m.sinkWriteCount.Load()
	sinkLatencyTotal := m.sinkLatencyTotalMicros.Load()
	sinkLatencyAvg := 0.0
	if sinkWriteCount != 0 {
		sinkLatencyAvg = float64(sinkLatencyTotal) / float64(sinkWriteCount)
	}

	return Snapshot{
		UptimeMillis:              uptimeMillis,
		IngressTotal:              ingressTotal,
		IngressRatePerSec:         ingressRate,
		PendingRPCCount:           m.pendingRPCCount.Load(),
		PendingServerRequestCount: m.pendingServerRequestCount.Load(),
		EventSinkQueueDepth:       m.eventSinkQueueDepth.Load(),
		EventSinkQueueDropped:     m.eventSinkQueueDropped.Load(),
		BroadcastSendFailed:       m.broadcastSendFailed.Load(),
		SinkWriteCount:            sinkWriteCount,
		SinkWriteErrorCount:       m.sinkWriteErrorCount.Load(),
		SinkLatencyAvgMicros:      sinkLatencyAvg,
		SinkLatencyP95Micros:      m.sinkLatencyP95Micros(),
		SinkLatencyMaxMicros:      m.sinkLatencyMaxMicros.Load(),
		UnmatchedResponsesTotal:   m.unmatchedResponsesTotal.Load(),
	}
}

func (m *Metrics) sinkLatencyP95Micros() uint64 {
	total := m.sinkWriteCount.Load()
	if total == 0 {
		return 0
	}
	threshold := ceilDiv(total*95, 100)
	var cumulative uint64
	for i, upper := range sinkLatencyBucketUpperUs {
		cumulative += m.sinkLatencyBuckets[i].Load()
		if cumulative >= threshold {
			return upper
		}
	}
	return ^uint64(0)
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func sinkLatencyBucketIndex(latencyMicros uint64) int {
	for i, upper := range sinkLatencyBucketUpperUs {
		if latencyMicros <= upper {
			return i
		}
	}
	return len(sinkLatencyBucketUpperUs) - 1
}

func saturatingDec(v *atomic.Uint64) {
	for {
		current := v.Load()
		if current == 0 {
			return
		}
		if v.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func maxUpdate(v *atomic.Uint64, candidate uint64) {
	for {
		current := v.Load()
		if candidate <= current {
			return
		}
		if v.CompareAndSwap(current, candidate) {
			return
		}
	}
}
