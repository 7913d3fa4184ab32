package supervisor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corerun/agentcore/internal/approval"
	"github.com/corerun/agentcore/internal/compat"
	"github.com/corerun/agentcore/internal/config"
	"github.com/corerun/agentcore/internal/dispatcher"
	"github.com/corerun/agentcore/internal/metrics"
	"github.com/corerun/agentcore/internal/rpcio"
	"github.com/corerun/agentcore/internal/state"
	"github.com/corerun/agentcore/internal/transport"
)

// loopingFakeServer answers every id-bearing inbound line with a fixed
// userAgent and keeps running until its stdin is closed, standing in for a
// well-behaved co-process across a Start/Shutdown cycle.
const loopingFakeServer = `while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  if [ -n "$id" ]; then
    printf '{"jsonrpc":"2.0","id":%s,"result":{"userAgent":"Codex CLI/0.105.0"}}\n' "$id"
  fi
done`

// crashingFakeServer answers exactly one inbound line, then exits, standing
// in for a co-process that dies immediately after the handshake.
const crashingFakeServer = `while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  if [ -n "$id" ]; then
    printf '{"jsonrpc":"2.0","id":%s,"result":{"userAgent":"Codex CLI/0.105.0"}}\n' "$id"
  fi
  break
done`

type harness struct {
	rc          *rpcio.Client
	approvals   *approval.Queue
	projector   *state.Projector
	broadcaster *dispatcher.Broadcaster
	metrics     *metrics.Metrics
}

func newHarness() *harness {
	m := metrics.New(0, nil)
	proj := state.NewProjector(state.Limits{MaxThreads: 8, MaxTurnsPerThread: 8, MaxItemsPerTurn: 8,
		MaxTextBytesPerItem: 1024, MaxStdoutBytesPerItem: 1024, MaxStderrBytesPerItem: 1024})
	approvals := approval.NewQueue(config.ServerRequestConfig{DefaultTimeoutMs: 30_000, OnTimeout: config.TimeoutDecline, AutoDeclineUnknown: true}, 8, nil, proj, m)
	return &harness{
		rc:          rpcio.New(nil, 2*time.Second, m),
		approvals:   approvals,
		projector:   proj,
		broadcaster: dispatcher.NewBroadcaster(8, m),
		metrics:     m,
	}
}

func baseConfig(script string) Config {
	minVersion := compat.Version{Major: 0, Minor: 100, Patch: 0}
	return Config{
		Spec:               transport.Spec{Bin: "/bin/sh", Args: []string{"-c", script}},
		Transport:          transport.Config{ReadChannelCapacity: 8, WriteChannelCapacity: 8},
		RPCResponseTimeout: 2 * time.Second,
		InitializeParams:   json.RawMessage(`{}`),
		CompatGuard: compat.Guard{
			RequireInitializeUserAgent: true,
			MinCodexVersion:            &minVersion,
		},
		Restart:                config.RestartPolicy{Mode: config.RestartNever},
		ShutdownFlushTimeout:   200 * time.Millisecond,
		ShutdownTerminateGrace: 200 * time.Millisecond,
	}
}

func TestNewBuildsStateMachineInNotConnectedState(t *testing.T) {
	h := newHarness()
	s, err := New(baseConfig(loopingFakeServer), h.rc, h.approvals, h.projector, h.broadcaster, nil, h.metrics)
	require.NoError(t, err)
	assert.Equal(t, StateNotConnected, s.CurrentState())
}

func TestSupervisorStartReachesRunningAndServesCalls(t *testing.T) {
	h := newHarness()
	s, err := New(baseConfig(loopingFakeServer), h.rc, h.approvals, h.projector, h.broadcaster, nil, h.metrics)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	assert.Equal(t, StateRunning, s.CurrentState())
	assert.Equal(t, uint64(1), s.Generation())

	result, err := h.rc.CallRaw(context.Background(), "noop", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"userAgent":"Codex CLI/0.105.0"}`, string(result))

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, 0, h.rc.PendingCount())

	_, err = h.rc.CallRaw(context.Background(), "noop", nil, time.Second)
	assert.Error(t, err)
}

func TestSupervisorRestartsOnCrashThenDies(t *testing.T) {
	h := newHarness()
	cfg := baseConfig(crashingFakeServer)
	cfg.Restart = config.RestartPolicy{Mode: config.RestartOnCrash, MaxRestarts: 2, BaseBackoffMs: 5, MaxBackoffMs: 50}
	s, err := New(cfg, h.rc, h.approvals, h.projector, h.broadcaster, nil, h.metrics)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool {
		return s.CurrentState() == StateDead
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, uint64(3), s.Generation())
}

func TestComputeRestartDelayBounds(t *testing.T) {
	const base, max = uint64(100), uint64(10_000)
	for _, attempt := range []uint32{0, 1, 5, 20, 25} {
		exp := attempt
		if exp > 20 {
			exp = 20
		}
		scaled := base << exp
		if scaled > max {
			scaled = max
		}
		jitterCap := scaled / 10
		if jitterCap > 1000 {
			jitterCap = 1000
		}

		delay := computeRestartDelay(attempt, base, max)
		assert.GreaterOrEqual(t, delay, time.Duration(scaled)*time.Millisecond, "attempt %d", attempt)
		assert.LessOrEqual(t, delay, time.Duration(scaled+jitterCap)*time.Millisecond, "attempt %d", attempt)
	}
}

func TestComputeRestartDelayZeroBaseHasNoJitter(t *testing.T) {
	assert.Equal(t, time.Duration(0), computeRestartDelay(0, 0, 1000))
}

func TestTransitionWalksConnectionLifecycle(t *testing.T) {
	h := newHarness()
	s, err := New(baseConfig(loopingFakeServer), h.rc, h.approvals, h.projector, h.broadcaster, nil, h.metrics)
	require.NoError(t, err)

	assert.Equal(t, StateNotConnected, s.CurrentState())
	require.NoError(t, s.transition(context.Background(), eventSpawn, 1))
	assert.Equal(t, StateStarting, s.CurrentState())
	require.NoError(t, s.transition(context.Background(), eventTransportUp, 1))
	assert.Equal(t, StateHandshaking, s.CurrentState())
	require.NoError(t, s.transition(context.Background(), eventHandshakeOk, 1))
	assert.Equal(t, StateRunning, s.CurrentState())
	require.NoError(t, s.transition(context.Background(), eventStop, 1))
	assert.Equal(t, StateDead, s.CurrentState())
}

func TestTransitionRejectsEventNotPermittedFromCurrentState(t *testing.T) {
	h := newHarness()
	s, err := New(baseConfig(loopingFakeServer), h.rc, h.approvals, h.projector, h.broadcaster, nil, h.metrics)
	require.NoError(t, err)

	// eventHandshakeOk is only permitted from StateHandshaking, not from the
	// initial StateNotConnected.
	err = s.transition(context.Background(), eventHandshakeOk, 1)
	require.Error(t, err)
	assert.Equal(t, StateNotConnected, s.CurrentState())
}
