// Package dispatcher implements the single inbound demux loop of
// SPEC_FULL.md §4.6: it classifies every line the transport reads, resolves
// pending calls, routes approvals, and fans each envelope out to the state
// projector, live subscribers, and the optional sink.
package dispatcher

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/corerun/agentcore/internal/approval"
	"github.com/corerun/agentcore/internal/envelope"
	"github.com/corerun/agentcore/internal/metrics"
	"github.com/corerun/agentcore/internal/obslog"
	"github.com/corerun/agentcore/internal/rpcio"
	"github.com/corerun/agentcore/internal/sink"
	"github.com/corerun/agentcore/internal/state"
	"github.com/corerun/agentcore/internal/wire"
)

// Dispatcher owns one co-process generation's inbound side: it drains a
// transport's read channel and, for every value, assigns seq/timestamp
// before resolving it against the pending-call table, the approval queue,
// the state projector, the live broadcaster, and the sink, in that order,
// so seq is always assigned before any fan-out.
type Dispatcher struct {
	readRx      <-chan json.RawMessage
	rpcio       *rpcio.Client
	approvals   *approval.Queue
	projector   *state.Projector
	broadcaster *Broadcaster
	sink        *sink.Sink
	metrics     *metrics.Metrics
	logger      obslog.Logger

	seq atomic.Uint64
}

// New constructs a Dispatcher reading from readRx. sink may be nil when no
// sink is configured; broadcaster and metrics may also be nil in tests.
func New(readRx <-chan json.RawMessage, rc *rpcio.Client, approvals *approval.Queue, projector *state.Projector, broadcaster *Broadcaster, sk *sink.Sink, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		readRx:      readRx,
		rpcio:       rc,
		approvals:   approvals,
		projector:   projector,
		broadcaster: broadcaster,
		sink:        sk,
		metrics:     m,
		logger:      obslog.GetLogger("dispatcher"),
	}
}

// Run drains readRx until it is closed (the transport's generation ended)
// or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case raw, ok := <-d.readRx:
			if !ok {
				return nil
			}
			d.handle(raw)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) handle(raw json.RawMessage) {
	if d.metrics != nil {
		d.metrics.RecordIngress()
	}

	obj, ok := decodeObject(raw)
	if !ok {
		obj = map[string]json.RawMessage{}
	}

	method, _ := decodeString(obj["method"])
	env := envelope.Envelope{
		Seq:       d.seq.Add(1),
		Timestamp: time.Now(),
		Direction: envelope.Inbound,
		Kind:      envelope.Classify(obj),
		RPCID:     obj["id"],
		Method:    method,
		Ids:       envelope.ExtractIds(obj),
		Raw:       raw,
	}

	switch env.Kind {
	case envelope.Response:
		d.handleResponse(obj, env)
	case envelope.ServerRequest:
		d.handleServerRequest(obj, env)
	}

	if d.projector != nil {
		d.projector.ApplyEnvelope(&env)
	}
	if d.broadcaster != nil {
		d.broadcaster.Publish(env)
	}
	if d.sink != nil {
		d.sink.Enqueue(env)
	}
}

func (d *Dispatcher) handleResponse(obj map[string]json.RawMessage, env envelope.Envelope) {
	resp := &wire.Response{JSONRPC: wire.Version, ID: env.RPCID, Result: obj["result"]}
	if raw, present := obj["error"]; present && len(raw) > 0 {
		var werr wire.Error
		if err := json.Unmarshal(raw, &werr); err == nil {
			resp.Error = &werr
		}
	}

	resolved := d.rpcio != nil && d.rpcio.Resolve(resp)
	if !resolved {
		d.logger.Debug("dropping unmatched response", "id", string(env.RPCID))
		if d.metrics != nil {
			d.metrics.RecordUnmatchedResponse()
		}
	}
}

func (d *Dispatcher) handleServerRequest(obj map[string]json.RawMessage, env envelope.Envelope) {
	if d.approvals == nil {
		return
	}
	d.approvals.Handle(env.RPCID, env.Method, obj["params"])
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return m, true
}

func decodeString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
