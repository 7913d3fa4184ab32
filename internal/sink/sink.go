// Package sink implements the optional event persistence hook of
// SPEC_FULL.md §6: one JSON envelope appended per line, fsync-on-flush,
// fire-and-forget from the Dispatcher's point of view.
package sink

import (
	"bufio"
	"encoding/json"
	"os"
	"sync/atomic"
	"time"

	"github.com/corerun/agentcore/internal/agenterr"
	"github.com/corerun/agentcore/internal/envelope"
	"github.com/corerun/agentcore/internal/metrics"
	"github.com/corerun/agentcore/internal/obslog"
)

// Sink consumes envelopes from a bounded channel and appends each as one
// JSONL line, fsyncing after every write. Queue overflow drops the envelope
// and is recorded as a metric, never blocking the Dispatcher.
type Sink struct {
	tx      chan envelope.Envelope
	metrics *metrics.Metrics
	logger  obslog.Logger

	done   chan struct{}
	closed atomic.Bool
}

// Open creates or appends to the JSONL file at path and starts the sink's
// drain goroutine, buffered up to channelCapacity envelopes.
func Open(path string, channelCapacity int, m *metrics.Metrics) (*Sink, error) {
	if channelCapacity <= 0 {
		return nil, agenterr.InvalidConfig("sink channel capacity must be > 0")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, agenterr.SinkIO(err)
	}

	s := &Sink{
		tx:      make(chan envelope.Envelope, channelCapacity),
		metrics: m,
		logger:  obslog.GetLogger("sink"),
		done:    make(chan struct{}),
	}
	go s.run(f)
	return s, nil
}

// Enqueue offers env to the sink's write queue, dropping it (and recording
// the drop) rather than blocking the caller when the queue is full or the
// sink has already been closed.
func (s *Sink) Enqueue(env envelope.Envelope) {
	if s.closed.Load() {
		if s.metrics != nil {
			s.metrics.RecordEventSinkDrop()
		}
		return
	}
	select {
	case s.tx <- env:
		if s.metrics != nil {
			s.metrics.IncEventSinkQueueDepth()
		}
	default:
		s.logger.Warn("sink queue full, dropping envelope", "seq", env.Seq)
		if s.metrics != nil {
			s.metrics.RecordEventSinkDrop()
		}
	}
}

// Close stops accepting new envelopes, drains and flushes what remains, and
// closes the underlying file.
func (s *Sink) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.tx)
	<-s.done
}

func (s *Sink) run(f *os.File) {
	defer close(s.done)
	defer f.Close()

	writer := bufio.NewWriter(f)
	for env := range s.tx {
		if s.metrics != nil {
			s.metrics.DecEventSinkQueueDepth()
		}
		start := time.Now()
		err := s.writeOne(writer, f, env)
		latency := uint64(time.Since(start).Microseconds())
		if s.metrics != nil {
			s.metrics.RecordSinkWrite(latency, err != nil)
		}
		if err != nil {
			s.logger.Error("sink write failed", "seq", env.Seq, "error", err)
		}
	}
}

func (s *Sink) writeOne(writer *bufio.Writer, f *os.File, env envelope.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return agenterr.SinkSerialize(err)
	}
	if _, err := writer.Write(raw); err != nil {
		return agenterr.SinkIO(err)
	}
	if err := writer.WriteByte('\n'); err != nil {
		return agenterr.SinkIO(err)
	}
	if err := writer.Flush(); err != nil {
		return agenterr.SinkIO(err)
	}
	if err := f.Sync(); err != nil {
		return agenterr.SinkIO(err)
	}
	return nil
}
