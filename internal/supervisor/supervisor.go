// Package supervisor drives the connection-generation lifecycle of
// SPEC_FULL.md §4.9: spawning the co-process, handshaking, and restarting it
// with exponential backoff across generations, while the long-lived
// rpcio.Client and approval.Queue it installs a write handle onto survive
// every respawn.
package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	lfsm "github.com/looplab/fsm"

	"github.com/corerun/agentcore/internal/agenterr"
	"github.com/corerun/agentcore/internal/approval"
	"github.com/corerun/agentcore/internal/compat"
	"github.com/corerun/agentcore/internal/config"
	"github.com/corerun/agentcore/internal/dispatcher"
	"github.com/corerun/agentcore/internal/metrics"
	"github.com/corerun/agentcore/internal/obslog"
	"github.com/corerun/agentcore/internal/rpcio"
	"github.com/corerun/agentcore/internal/sink"
	"github.com/corerun/agentcore/internal/state"
	"github.com/corerun/agentcore/internal/transport"
)

// connectionState is one node of the connection-generation lifecycle.
type connectionState string

// connectionEvent drives a transition between connectionStates.
type connectionEvent string

// Connection states, matching state.ConnectionPhase one-for-one.
const (
	StateNotConnected connectionState = "not_connected"
	StateStarting     connectionState = "starting"
	StateHandshaking  connectionState = "handshaking"
	StateRunning      connectionState = "running"
	StateRestarting   connectionState = "restarting"
	StateDead         connectionState = "dead"
)

const (
	eventSpawn       connectionEvent = "spawn"
	eventTransportUp connectionEvent = "transport_up"
	eventHandshakeOk connectionEvent = "handshake_ok"
	eventRestart     connectionEvent = "restart"
	eventStop        connectionEvent = "stop"
)

// Config bundles everything a generation's spawn needs beyond the
// long-lived objects passed to New.
type Config struct {
	Spec               transport.Spec
	Transport          transport.Config
	RPCResponseTimeout time.Duration
	InitializeParams   json.RawMessage
	CompatGuard        compat.Guard
	Restart            config.RestartPolicy

	ShutdownFlushTimeout   time.Duration
	ShutdownTerminateGrace time.Duration
}

// Supervisor owns the generation counter and the looplab/fsm-modeled
// connection state machine directly; the generation number is carried as
// transition data rather than folded into state names, since looplab/fsm
// states are static strings.
type Supervisor struct {
	cfg     Config
	logger  obslog.Logger
	metrics *metrics.Metrics

	rc          *rpcio.Client
	approvals   *approval.Queue
	projector   *state.Projector
	broadcaster *dispatcher.Broadcaster
	sink        *sink.Sink

	machine      *lfsm.FSM
	generation   atomic.Uint64
	shuttingDown atomic.Bool
	restarts     atomic.Uint32

	mu        sync.Mutex
	transport *transport.Transport

	generationDone chan error
	rootCancel     context.CancelFunc
	loopDone       chan struct{}
}

// New constructs a Supervisor. The rc/approvals/projector/broadcaster/sink
// arguments are long-lived across every generation this Supervisor spawns.
func New(cfg Config, rc *rpcio.Client, approvals *approval.Queue, projector *state.Projector, broadcaster *dispatcher.Broadcaster, sk *sink.Sink, m *metrics.Metrics) (*Supervisor, error) {
	logger := obslog.GetLogger("supervisor")
	s := &Supervisor{
		cfg:            cfg,
		logger:         logger,
		metrics:        m,
		rc:             rc,
		approvals:      approvals,
		projector:      projector,
		broadcaster:    broadcaster,
		sink:           sk,
		generationDone: make(chan error, 1),
		loopDone:       make(chan struct{}),
	}
	s.machine = buildMachine(logger)
	return s, nil
}

// buildMachine wires the five connection-generation transitions directly
// onto a looplab/fsm instance: spawning a fresh co-process (from either a
// cold start or a prior restart), the transport coming up, the initialize
// handshake completing, a running generation being torn down for restart,
// and any in-flight generation being stopped outright.
func buildMachine(logger obslog.Logger) *lfsm.FSM {
	return lfsm.NewFSM(string(StateNotConnected), []lfsm.EventDesc{
		{Name: string(eventSpawn), Src: []string{string(StateNotConnected), string(StateRestarting)}, Dst: string(StateStarting)},
		{Name: string(eventTransportUp), Src: []string{string(StateStarting)}, Dst: string(StateHandshaking)},
		{Name: string(eventHandshakeOk), Src: []string{string(StateHandshaking)}, Dst: string(StateRunning)},
		{Name: string(eventRestart), Src: []string{string(StateRunning)}, Dst: string(StateRestarting)},
		{Name: string(eventStop), Src: []string{string(StateStarting), string(StateHandshaking), string(StateRunning), string(StateRestarting)}, Dst: string(StateDead)},
	}, lfsm.Callbacks{
		"enter_state": func(_ context.Context, e *lfsm.Event) {
			var generation uint64
			if len(e.Args) > 0 {
				if g, ok := e.Args[0].(uint64); ok {
					generation = g
				}
			}
			logger.Debug("connection state transition", "event", e.Event, "from", e.Src, "to", e.Dst, "generation", generation)
		},
	})
}

// transition fires event against the connection state machine, logging and
// wrapping the handful of looplab/fsm error shapes a caller can hit: the
// event not being permitted from the current state, or (should two
// generations ever race on the same machine) a transition already in
// progress.
func (s *Supervisor) transition(ctx context.Context, event connectionEvent, generation uint64) error {
	err := s.machine.Event(ctx, string(event), generation)
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, &lfsm.NoTransitionError{}), errors.Is(err, &lfsm.InvalidEventError{}), errors.Is(err, &lfsm.UnknownEventError{}):
		s.logger.Warn("connection state transition not possible", "event", event, "from", s.CurrentState(), "error", err)
	case errors.Is(err, &lfsm.InTransitionError{}):
		s.logger.Error("concurrent connection state transition", "event", event, "error", err)
	default:
		s.logger.Error("connection state transition failed", "event", event, "from", s.CurrentState(), "error", err)
	}
	return agenterr.Internal("supervisor: connection state transition failed", err)
}

// Start runs the first generation's startup sequence (steps 2-6 of
// SPEC_FULL.md §4.9; Schema Guard validation, step 1, is the caller's
// responsibility and runs once before Start is ever called) and, once
// Running, launches the background watch loop that restarts future
// generations per the configured restart policy.
func (s *Supervisor) Start(ctx context.Context) error {
	rootCtx, cancel := context.WithCancel(ctx)
	s.rootCancel = cancel

	if err := s.spawnGeneration(rootCtx, 1); err != nil {
		cancel()
		close(s.loopDone)
		return err
	}

	go s.watchLoop(rootCtx)
	return nil
}

// CurrentState reports the connection state machine's current state.
func (s *Supervisor) CurrentState() connectionState {
	return connectionState(s.machine.Current())
}

// Generation reports the currently installed generation number.
func (s *Supervisor) Generation() uint64 {
	return s.generation.Load()
}

func (s *Supervisor) watchLoop(rootCtx context.Context) {
	defer close(s.loopDone)

	for {
		var genErr error
		select {
		case genErr = <-s.generationDone:
		case <-rootCtx.Done():
			return
		}

		if s.shuttingDown.Load() {
			s.detachGeneration(rootCtx)
			return
		}

		generation := s.generation.Load()
		s.logger.Warn("co-process generation ended, evaluating restart", "generation", generation, "error", genErr)
		s.detachGeneration(rootCtx)

		if s.cfg.Restart.Mode != config.RestartOnCrash {
			_ = s.transition(rootCtx, eventStop, generation)
			if s.projector != nil {
				s.projector.SetConnection(state.Connection{Phase: state.Dead, Generation: generation})
			}
			return
		}

		attempt := s.restarts.Load()
		if attempt >= s.cfg.Restart.MaxRestarts {
			s.logger.Error("max restarts exhausted, giving up", "attempts", attempt)
			_ = s.transition(rootCtx, eventStop, generation)
			if s.projector != nil {
				s.projector.SetConnection(state.Connection{Phase: state.Dead, Generation: generation})
			}
			return
		}

		_ = s.transition(rootCtx, eventRestart, generation)
		if s.projector != nil {
			s.projector.SetConnection(state.Connection{Phase: state.Restarting, Generation: generation})
		}

		delay := computeRestartDelay(attempt, s.cfg.Restart.BaseBackoffMs, s.cfg.Restart.MaxBackoffMs)
		s.restarts.Add(1)

		select {
		case <-time.After(delay):
		case <-rootCtx.Done():
			return
		}

		if s.shuttingDown.Load() {
			return
		}

		if err := s.spawnGeneration(rootCtx, generation+1); err != nil {
			s.logger.Error("respawn failed, giving up", "error", err)
			_ = s.transition(rootCtx, eventStop, generation+1)
			if s.projector != nil {
				s.projector.SetConnection(state.Connection{Phase: state.Dead, Generation: generation + 1})
			}
			return
		}
		// loop continues, now watching the freshly spawned generation
	}
}

// spawnGeneration runs the startup sequence of SPEC_FULL.md §4.9 steps 2-6.
func (s *Supervisor) spawnGeneration(ctx context.Context, generation uint64) error {
	if s.shuttingDown.Load() {
		return agenterr.TransportClosed()
	}

	if err := s.transition(ctx, eventSpawn, generation); err != nil {
		return err
	}
	if s.projector != nil {
		s.projector.SetConnection(state.Connection{Phase: state.Starting, Generation: generation})
	}

	t, err := transport.Spawn(ctx, s.cfg.Spec, s.cfg.Transport)
	if err != nil {
		return err
	}
	readRx, err := t.TakeReadRx()
	if err != nil {
		t.TerminateAndJoin(ctx, s.cfg.ShutdownFlushTimeout, s.cfg.ShutdownTerminateGrace)
		return err
	}

	s.rc.SetWriteTx(t.WriteTx())
	s.approvals.SetWriteTx(t.WriteTx())

	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()

	d := dispatcher.New(readRx, s.rc, s.approvals, s.projector, s.broadcaster, s.sink, s.metrics)
	genCtx, genCancel := context.WithCancel(ctx)
	go func() {
		defer genCancel()
		err := d.Run(genCtx)
		select {
		case s.generationDone <- err:
		default:
		}
	}()

	if err := s.transition(ctx, eventTransportUp, generation); err != nil {
		return err
	}
	if s.projector != nil {
		s.projector.SetConnection(state.Connection{Phase: state.Handshaking, Generation: generation})
	}

	result, err := s.rc.CallValidated(ctx, "initialize", s.cfg.InitializeParams, s.cfg.RPCResponseTimeout)
	if err != nil {
		s.detachGeneration(ctx)
		return agenterr.Internal("supervisor: initialize handshake failed", err)
	}
	if err := s.rc.NotifyValidated(ctx, "initialized", nil); err != nil {
		s.detachGeneration(ctx)
		return err
	}

	if err := compat.Validate(extractUserAgent(result), s.cfg.CompatGuard); err != nil {
		s.detachGeneration(ctx)
		return err
	}

	if err := s.transition(ctx, eventHandshakeOk, generation); err != nil {
		return err
	}
	s.generation.Store(generation)
	if s.projector != nil {
		s.projector.SetConnection(state.Connection{Phase: state.Running, Generation: generation})
	}
	return nil
}

// detachGeneration runs the failure/shutdown drain sequence: detach the
// outbound handle from the long-lived clients, terminate and join the
// transport, await the dispatcher goroutine, then drain every pending call
// and server request with TransportClosed.
func (s *Supervisor) detachGeneration(ctx context.Context) {
	s.rc.ClearWriteTx()
	s.approvals.ClearWriteTx()

	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.mu.Unlock()

	if t != nil {
		t.TerminateAndJoin(ctx, s.cfg.ShutdownFlushTimeout, s.cfg.ShutdownTerminateGrace)
	}

	s.rc.DrainClosed()
	s.approvals.DeclineAll()
}

// Shutdown sets shuttingDown, preventing further restarts, then runs the
// same detach sequence and waits for the watch loop to exit. Idempotent and
// safe to call from any goroutine.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		<-s.loopDone
		return nil
	}
	s.detachGeneration(ctx)
	if s.rootCancel != nil {
		s.rootCancel()
	}
	<-s.loopDone
	return nil
}

// extractUserAgent reads the "userAgent" field the agent server advertises
// in its initialize result, or "" if absent or unparseable.
func extractUserAgent(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}
	var obj struct {
		UserAgent string `json:"userAgent"`
	}
	if err := json.Unmarshal(result, &obj); err != nil {
		return ""
	}
	return obj.UserAgent
}

// computeRestartDelay is the exact exponential-backoff-with-bounded-jitter
// formula of SPEC_FULL.md §4.9, ported from the original implementation's
// compute_restart_delay/pseudo_random_u64.
func computeRestartDelay(attempt uint32, baseBackoffMs, maxBackoffMs uint64) time.Duration {
	exp := attempt
	if exp > 20 {
		exp = 20
	}
	scaled := saturatingMul(baseBackoffMs, uint64(1)<<exp)
	baseDelayMs := scaled
	if baseDelayMs > maxBackoffMs {
		baseDelayMs = maxBackoffMs
	}
	jitterCapMs := baseDelayMs / 10
	if jitterCapMs > 1000 {
		jitterCapMs = 1000
	}
	var jitterMs uint64
	if jitterCapMs != 0 {
		jitterMs = pseudoRandomU64() % (jitterCapMs + 1)
	}
	return time.Duration(baseDelayMs+jitterMs) * time.Millisecond
}

func saturatingMul(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	product := a * b
	if product/b != a {
		return ^uint64(0)
	}
	return product
}

// pseudoRandomU64 is a tiny xorshift seeded from the wall clock, matching
// the original implementation's jitter source exactly: a dedicated
// math/rand draw would pull global-lock contention into the restart path
// for no benefit, since this jitter need not be cryptographically strong.
func pseudoRandomU64() uint64 {
	t := uint64(time.Now().UnixMilli())
	x := t ^ rotateLeft64(t, 13) ^ 0x9E3779B97F4A7C15
	x ^= x << 7
	x ^= x >> 9
	return x
}

func rotateLeft64(x uint64, k uint) uint64 {
	return (x << k) | (x >> (64 - k))
}
