package approval

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corerun/agentcore/internal/config"
	"github.com/corerun/agentcore/internal/state"
	"github.com/corerun/agentcore/internal/wire"
)

func newTestQueue(t *testing.T, cfg config.ServerRequestConfig) (*Queue, chan json.RawMessage, *state.Projector) {
	t.Helper()
	writeTx := make(chan json.RawMessage, 16)
	proj := state.NewProjector(state.Limits{MaxThreads: 8, MaxTurnsPerThread: 8, MaxItemsPerTurn: 8,
		MaxTextBytesPerItem: 1024, MaxStdoutBytesPerItem: 1024, MaxStderrBytesPerItem: 1024})
	return NewQueue(cfg, 8, writeTx, proj, nil), writeTx, proj
}

func TestHandleQueuesKnownMethodForConsumer(t *testing.T) {
	q, _, proj := newTestQueue(t, config.ServerRequestConfig{DefaultTimeoutMs: 30_000, OnTimeout: config.TimeoutDecline, AutoDeclineUnknown: true})
	rx, err := q.TakeReceiver()
	require.NoError(t, err)

	q.Handle(json.RawMessage(`77`), "item/fileChange/requestApproval", json.RawMessage(`{"approvalId":"appr_a"}`))

	select {
	case req := <-rx:
		assert.Equal(t, "appr_a", req.ApprovalID)
		assert.Equal(t, "item/fileChange/requestApproval", req.Method)
	case <-time.After(time.Second):
		t.Fatal("expected request on receiver")
	}
	assert.Equal(t, 1, q.PendingCount())
	snap := proj.Snapshot()
	_, present := snap.PendingServerRequests["appr_a"]
	assert.True(t, present)
}

func TestHandleAutoDeclinesLegacyMethod(t *testing.T) {
	q, writeTx, _ := newTestQueue(t, config.ServerRequestConfig{DefaultTimeoutMs: 30_000, OnTimeout: config.TimeoutDecline, AutoDeclineUnknown: true})

	q.Handle(json.RawMessage(`5`), "execCommandApproval", json.RawMessage(`{}`))

	select {
	case raw := <-writeTx:
		var resp wire.Response
		require.NoError(t, json.Unmarshal(raw, &resp))
		assert.Equal(t, DeclineCode, resp.Error.Code)
	case <-time.After(time.Second):
		t.Fatal("expected an auto-decline response")
	}
	assert.Equal(t, 0, q.PendingCount())
}

func TestRespondOkSendsResponseAndClearsPending(t *testing.T) {
	q, writeTx, proj := newTestQueue(t, config.ServerRequestConfig{DefaultTimeoutMs: 30_000, OnTimeout: config.TimeoutDecline, AutoDeclineUnknown: true})
	_, err := q.TakeReceiver()
	require.NoError(t, err)

	q.Handle(json.RawMessage(`77`), "item/fileChange/requestApproval", json.RawMessage(`{"approvalId":"appr_a"}`))

	require.NoError(t, q.RespondOk("appr_a", map[string]string{"decision": "accept"}))

	raw := <-writeTx
	var resp wire.Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.JSONEq(t, `77`, string(resp.ID))
	assert.Nil(t, resp.Error)

	assert.Equal(t, 0, q.PendingCount())
	snap := proj.Snapshot()
	_, present := snap.PendingServerRequests["appr_a"]
	assert.False(t, present)
}

func TestRespondOkOnUnknownApprovalErrors(t *testing.T) {
	q, _, _ := newTestQueue(t, config.ServerRequestConfig{DefaultTimeoutMs: 30_000, OnTimeout: config.TimeoutDecline, AutoDeclineUnknown: true})
	err := q.RespondOk("does-not-exist", nil)
	assert.Error(t, err)
}

func TestTakeReceiverSecondCallErrors(t *testing.T) {
	q, _, _ := newTestQueue(t, config.ServerRequestConfig{DefaultTimeoutMs: 30_000, OnTimeout: config.TimeoutDecline, AutoDeclineUnknown: true})
	_, err := q.TakeReceiver()
	require.NoError(t, err)
	_, err = q.TakeReceiver()
	assert.Error(t, err)
}

func TestTimeoutDeclineSendsSyntheticResponse(t *testing.T) {
	q, writeTx, _ := newTestQueue(t, config.ServerRequestConfig{DefaultTimeoutMs: 10, OnTimeout: config.TimeoutDecline, AutoDeclineUnknown: true})
	_, err := q.TakeReceiver()
	require.NoError(t, err)

	q.Handle(json.RawMessage(`9`), "item/fileChange/requestApproval", json.RawMessage(`{"approvalId":"appr_timeout"}`))

	select {
	case raw := <-writeTx:
		var resp wire.Response
		require.NoError(t, json.Unmarshal(raw, &resp))
		assert.Equal(t, DeclineCode, resp.Error.Code)
	case <-time.After(time.Second):
		t.Fatal("expected a timeout decline response")
	}
	assert.Eventually(t, func() bool { return q.PendingCount() == 0 }, time.Second, time.Millisecond)
}

func TestHandleSynthesizesApprovalIDWhenMissing(t *testing.T) {
	q, _, _ := newTestQueue(t, config.ServerRequestConfig{DefaultTimeoutMs: 30_000, OnTimeout: config.TimeoutDecline, AutoDeclineUnknown: true})
	rx, err := q.TakeReceiver()
	require.NoError(t, err)

	q.Handle(json.RawMessage(`1`), "item/tool/call", json.RawMessage(`{}`))

	req := <-rx
	assert.NotEmpty(t, req.ApprovalID)
}

func TestDeclineAllClearsPendingWithoutResponding(t *testing.T) {
	q, writeTx, proj := newTestQueue(t, config.ServerRequestConfig{DefaultTimeoutMs: 30_000, OnTimeout: config.TimeoutDecline, AutoDeclineUnknown: true})
	_, err := q.TakeReceiver()
	require.NoError(t, err)

	q.Handle(json.RawMessage(`1`), "item/tool/call", json.RawMessage(`{"approvalId":"appr_x"}`))
	q.DeclineAll()

	assert.Equal(t, 0, q.PendingCount())
	snap := proj.Snapshot()
	_, present := snap.PendingServerRequests["appr_x"]
	assert.False(t, present)

	select {
	case <-writeTx:
		t.Fatal("DeclineAll must not send a response")
	default:
	}
}
