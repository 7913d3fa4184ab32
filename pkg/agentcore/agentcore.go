// Package agentcore is the public construct-then-run entry point of
// SPEC_FULL.md §6: Spawn boots the Schema Guard, Transport, Dispatcher, and
// Supervisor for a co-process conversation and returns a Runtime exposing
// outbound RPCs, live envelope subscription, the approval queue, state and
// metrics snapshots, and a graceful Shutdown.
package agentcore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/corerun/agentcore/internal/agenterr"
	"github.com/corerun/agentcore/internal/approval"
	"github.com/corerun/agentcore/internal/compat"
	"github.com/corerun/agentcore/internal/config"
	"github.com/corerun/agentcore/internal/dispatcher"
	"github.com/corerun/agentcore/internal/envelope"
	"github.com/corerun/agentcore/internal/metrics"
	"github.com/corerun/agentcore/internal/obslog"
	"github.com/corerun/agentcore/internal/rpcio"
	"github.com/corerun/agentcore/internal/schemaguard"
	"github.com/corerun/agentcore/internal/sink"
	"github.com/corerun/agentcore/internal/state"
	"github.com/corerun/agentcore/internal/supervisor"
	"github.com/corerun/agentcore/internal/transport"
	"github.com/corerun/agentcore/internal/wire"
)

// Envelope is re-exported so callers of SubscribeLive never need to import
// internal/envelope directly.
type Envelope = envelope.Envelope

// ServerRequest is re-exported so callers of TakeServerRequestRx never need
// to import internal/approval directly.
type ServerRequest = approval.ServerRequest

// Runtime is a live conversation with one agent-server co-process, spanning
// every generation its Supervisor spawns.
type Runtime struct {
	logger  obslog.Logger
	metrics *metrics.Metrics

	rc          *rpcio.Client
	approvals   *approval.Queue
	projector   *state.Projector
	broadcaster *dispatcher.Broadcaster
	sink        *sink.Sink
	supervisor  *supervisor.Supervisor

	rpcResponseTimeout time.Duration
	startedAtMillis    int64
}

// Spawn validates the Schema Guard exactly once, then constructs every
// long-lived component and hands them to a Supervisor whose first
// generation it starts synchronously; Spawn returns only once the
// co-process has completed its handshake and is Running.
func Spawn(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := schemaguard.Validate(cfg.SchemaDir); err != nil {
		return nil, err
	}

	startedAtMillis := metrics.NowUnixMillis()
	m := metrics.New(startedAtMillis, nil)

	projector := state.NewProjector(state.Limits{
		MaxThreads:            cfg.StateProjectionLimits.MaxThreads,
		MaxTurnsPerThread:     cfg.StateProjectionLimits.MaxTurnsPerThread,
		MaxItemsPerTurn:       cfg.StateProjectionLimits.MaxItemsPerTurn,
		MaxTextBytesPerItem:   cfg.StateProjectionLimits.MaxTextBytesPerItem,
		MaxStdoutBytesPerItem: cfg.StateProjectionLimits.MaxStdoutBytesPerItem,
		MaxStderrBytesPerItem: cfg.StateProjectionLimits.MaxStderrBytesPerItem,
	})
	rc := rpcio.New(nil, cfg.RPCResponseTimeout, m)
	approvals := approval.NewQueue(cfg.ServerRequestConfig, cfg.ServerRequestChannelCapacity, nil, projector, m)
	broadcaster := dispatcher.NewBroadcaster(cfg.LiveChannelCapacity, m)

	var evSink *sink.Sink
	if cfg.EventSinkPath != "" {
		s, err := sink.Open(cfg.EventSinkPath, cfg.EventSinkChannelCapacity, m)
		if err != nil {
			return nil, err
		}
		evSink = s
	}

	supCfg := supervisor.Config{
		Spec:               transport.Spec{Bin: cfg.CLIBin, Args: cfg.CLIArgs},
		Transport:          transport.Config{ReadChannelCapacity: cfg.TransportReadChannelCapacity, WriteChannelCapacity: cfg.TransportWriteChannelCapacity},
		RPCResponseTimeout: cfg.RPCResponseTimeout,
		InitializeParams:   json.RawMessage(`{}`),
		CompatGuard: compat.Guard{
			RequireInitializeUserAgent: cfg.CompatibilityGuard.RequireInitializeUserAgent,
			MinCodexVersion:            parseMinCodexVersion(cfg.CompatibilityGuard.MinCodexVersion),
		},
		Restart:                cfg.Restart,
		ShutdownFlushTimeout:   time.Duration(cfg.ShutdownFlushTimeoutMs) * time.Millisecond,
		ShutdownTerminateGrace: time.Duration(cfg.ShutdownTerminateGraceMs) * time.Millisecond,
	}

	sup, err := supervisor.New(supCfg, rc, approvals, projector, broadcaster, evSink, m)
	if err != nil {
		return nil, err
	}
	if err := sup.Start(ctx); err != nil {
		if evSink != nil {
			evSink.Close()
		}
		return nil, err
	}

	return &Runtime{
		logger:             obslog.GetLogger("agentcore"),
		metrics:            m,
		rc:                 rc,
		approvals:          approvals,
		projector:          projector,
		broadcaster:        broadcaster,
		sink:               evSink,
		supervisor:         sup,
		rpcResponseTimeout: cfg.RPCResponseTimeout,
		startedAtMillis:    startedAtMillis,
	}, nil
}

func parseMinCodexVersion(value string) *compat.Version {
	if value == "" {
		return nil
	}
	_, version, ok := compat.ParseUserAgent("Codex /" + value)
	if !ok {
		return nil
	}
	return &version
}

// CallRaw issues an outbound call without contract validation.
func (r *Runtime) CallRaw(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return r.rc.CallRaw(ctx, method, params, r.resolveTimeout(timeout))
}

// CallValidated issues an outbound call with §4.4 contract validation.
func (r *Runtime) CallValidated(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return r.rc.CallValidated(ctx, method, params, r.resolveTimeout(timeout))
}

// CallTyped issues a validated call, marshaling params and unmarshaling the
// result into result.
func (r *Runtime) CallTyped(ctx context.Context, method string, params any, result any, timeout time.Duration) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	out, err := r.rc.CallValidated(ctx, method, raw, r.resolveTimeout(timeout))
	if err != nil {
		return err
	}
	if len(out) == 0 || result == nil {
		return nil
	}
	if err := json.Unmarshal(out, result); err != nil {
		return agenterr.RPCInvalidRequest("agentcore: result for " + method + " does not match expected shape: " + err.Error())
	}
	return nil
}

// NotifyRaw sends a fire-and-forget notification without contract validation.
func (r *Runtime) NotifyRaw(ctx context.Context, method string, params json.RawMessage) error {
	return r.rc.NotifyRaw(ctx, method, params)
}

// NotifyValidated sends a fire-and-forget notification with validation.
func (r *Runtime) NotifyValidated(ctx context.Context, method string, params json.RawMessage) error {
	return r.rc.NotifyValidated(ctx, method, params)
}

// NotifyTyped marshals params and sends a validated notification.
func (r *Runtime) NotifyTyped(ctx context.Context, method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return r.rc.NotifyValidated(ctx, method, raw)
}

// SubscribeLive registers a new lossy live-envelope subscriber. The
// returned func unsubscribes; calling it more than once is a no-op.
func (r *Runtime) SubscribeLive() (<-chan Envelope, func()) {
	return r.broadcaster.Subscribe()
}

// TakeServerRequestRx hands over the single-consumer approval receiver.
// A second call returns ServerRequestReceiverTaken.
func (r *Runtime) TakeServerRequestRx() (<-chan ServerRequest, error) {
	return r.approvals.TakeReceiver()
}

// RespondApprovalOk answers a queued server request with a successful result.
func (r *Runtime) RespondApprovalOk(approvalID string, value any) error {
	return r.approvals.RespondOk(approvalID, value)
}

// RespondApprovalErr answers a queued server request with an error.
func (r *Runtime) RespondApprovalErr(approvalID string, errObj *wire.Error) error {
	return r.approvals.RespondErr(approvalID, errObj)
}

// StateSnapshot returns a cheap, immutable clone of the current state tree.
func (r *Runtime) StateSnapshot() *state.RuntimeState {
	return r.projector.Snapshot()
}

// MetricsSnapshot returns the current metrics snapshot.
func (r *Runtime) MetricsSnapshot() metrics.Snapshot {
	return r.metrics.Snapshot(metrics.NowUnixMillis())
}

// Shutdown idempotently stops the Supervisor (preventing further restarts,
// detaching and terminating the current generation) and closes the event
// sink if one is configured. Safe to call from any goroutine.
func (r *Runtime) Shutdown(ctx context.Context) error {
	err := r.supervisor.Shutdown(ctx)
	if r.sink != nil {
		r.sink.Close()
	}
	return err
}

func (r *Runtime) resolveTimeout(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return r.rpcResponseTimeout
}

func marshalParams(paramsObj any) (json.RawMessage, error) {
	if paramsObj == nil {
		return nil, nil
	}
	raw, err := json.Marshal(paramsObj)
	if err != nil {
		return nil, agenterr.RPCInvalidRequest("agentcore: failed to marshal params: " + err.Error())
	}
	return raw, nil
}
