package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotComputesP95FromHistogram(t *testing.T) {
	m := New(0, nil)
	for i := 0; i < 95; i++ {
		m.RecordSinkWrite(80, false)
	}
	for i := 0; i < 5; i++ {
		m.RecordSinkWrite(8000, false)
	}

	snap := m.Snapshot(1000)
	assert.EqualValues(t, 100, snap.SinkWriteCount)
	assert.EqualValues(t, 100, snap.SinkLatencyP95Micros)
	assert.EqualValues(t, 8000, snap.SinkLatencyMaxMicros)
}

func TestPendingCountersDoNotUnderflow(t *testing.T) {
	m := New(0, nil)
	m.DecPendingRPC()
	m.DecPendingServerRequest()

	snap := m.Snapshot(0)
	assert.EqualValues(t, 0, snap.PendingRPCCount)
	assert.EqualValues(t, 0, snap.PendingServerRequestCount)
}

func TestIngressRateIsZeroBeforeAnyUptime(t *testing.T) {
	m := New(1_000, nil)
	m.RecordIngress()

	snap := m.Snapshot(1_000)
	assert.EqualValues(t, 0, snap.UptimeMillis)
	assert.EqualValues(t, 1, snap.IngressTotal)
	assert.Zero(t, snap.IngressRatePerSec)
}

func TestSinkLatencyAvgIsZeroWithoutWrites(t *testing.T) {
	m := New(0, nil)
	snap := m.Snapshot(0)
	assert.Zero(t, snap.SinkLatencyAvgMicros)
	assert.EqualValues(t, 0, snap.SinkLatencyP95Micros)
}

func TestRecordSinkWriteTracksErrorsSeparately(t *testing.T) {
	m := New(0, nil)
	m.RecordSinkWrite(50, false)
	m.RecordSinkWrite(50, true)

	snap := m.Snapshot(0)
	assert.EqualValues(t, 2, snap.SinkWriteCount)
	assert.EqualValues(t, 1, snap.SinkWriteErrorCount)
}

func TestUnmatchedResponseCounterIncrements(t *testing.T) {
	m := New(0, nil)
	m.RecordUnmatchedResponse()
	m.RecordUnmatchedResponse()

	assert.EqualValues(t, 2, m.Snapshot(0).UnmatchedResponsesTotal)
}

func TestPrometheusRegistrationDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(0, reg)
	require.NotNil(t, m)

	m.IncPendingRPC()
	m.DecPendingRPC()
	m.RecordEventSinkDrop()
	m.RecordBroadcastSendFailed()
	m.RecordSinkWrite(500, true)
	m.RecordUnmatchedResponse()

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
