package approval

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/corerun/agentcore/internal/agenterr"
	"github.com/corerun/agentcore/internal/config"
	"github.com/corerun/agentcore/internal/metrics"
	"github.com/corerun/agentcore/internal/obslog"
	"github.com/corerun/agentcore/internal/state"
	"github.com/corerun/agentcore/internal/wire"
)

type reqState string

const (
	stateQueued    reqState = "queued"
	stateResponded reqState = "responded"
	stateTimedOut  reqState = "timed_out"
	stateDeclined  reqState = "declined"
)

type reqEvent string

const (
	eventRespond reqEvent = "respond"
	eventTimeout reqEvent = "timeout"
	eventDecline reqEvent = "decline"
)

type pendingEntry struct {
	requestID json.RawMessage
	method    string
	params    json.RawMessage
	sm        *stateless.StateMachine
	timer     *time.Timer
}

// Queue is the Approval Queue of SPEC_FULL.md §4.8: it routes inbound
// server-initiated requests by allowlist, hands queued ones to a single
// consumer, and answers respond-ok/respond-err/timeout/auto-decline by
// writing a JSON-RPC response keyed by the original request id.
type Queue struct {
	cfg       config.ServerRequestConfig
	projector *state.Projector
	metrics   *metrics.Metrics
	logger    obslog.Logger

	txMu    sync.RWMutex
	writeTx chan<- json.RawMessage

	rx      chan ServerRequest
	rxTaken atomic.Bool

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewQueue constructs an Approval Queue with writeTx as its initial outbound
// handle; SetWriteTx/ClearWriteTx install and detach later generations'
// handles onto the same long-lived Queue.
func NewQueue(cfg config.ServerRequestConfig, channelCapacity int, writeTx chan<- json.RawMessage, projector *state.Projector, m *metrics.Metrics) *Queue {
	return &Queue{
		cfg:       cfg,
		writeTx:   writeTx,
		projector: projector,
		metrics:   m,
		logger:    obslog.GetLogger("approval"),
		rx:        make(chan ServerRequest, channelCapacity),
		pending:   make(map[string]*pendingEntry),
	}
}

// SetWriteTx installs the current generation's outbound channel.
func (q *Queue) SetWriteTx(writeTx chan<- json.RawMessage) {
	q.txMu.Lock()
	q.writeTx = writeTx
	q.txMu.Unlock()
}

// ClearWriteTx detaches the outbound channel; subsequent responses are
// dropped until a new one is installed.
func (q *Queue) ClearWriteTx() {
	q.txMu.Lock()
	q.writeTx = nil
	q.txMu.Unlock()
}

func (q *Queue) currentWriteTx() chan<- json.RawMessage {
	q.txMu.RLock()
	defer q.txMu.RUnlock()
	return q.writeTx
}

// TakeReceiver hands over the consumer channel exactly once.
func (q *Queue) TakeReceiver() (<-chan ServerRequest, error) {
	if !q.rxTaken.CompareAndSwap(false, true) {
		return nil, agenterr.ServerRequestReceiverTaken()
	}
	return q.rx, nil
}

// parseApprovalID reads params.approvalId, synthesizing one via uuid when
// the co-process omitted it.
func parseApprovalID(params json.RawMessage) string {
	var obj struct {
		ApprovalID string `json:"approvalId"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &obj); err == nil && obj.ApprovalID != "" {
			return obj.ApprovalID
		}
	}
	return uuid.NewString()
}

// Handle processes one inbound server-initiated request: it routes by
// allowlist, then either queues it for the consumer (subject to a bounded
// channel and a timeout) or auto-declines immediately.
func (q *Queue) Handle(requestID json.RawMessage, method string, params json.RawMessage) {
	approvalID := parseApprovalID(params)
	route := RouteServerRequest(method, q.cfg.AutoDeclineUnknown)
	if route == RouteAutoDecline {
		q.sendDeclineResponse(requestID, method, "method is not eligible for the approval queue")
		return
	}

	entry := q.newPendingEntry(approvalID, requestID, method, params)

	q.mu.Lock()
	q.pending[approvalID] = entry
	q.mu.Unlock()

	deadline := time.Now().Add(time.Duration(q.cfg.DefaultTimeoutMs) * time.Millisecond)
	if q.projector != nil {
		q.projector.InsertPendingServerRequest(approvalID, state.PendingServerRequest{
			ApprovalID: approvalID,
			Method:     method,
			Params:     params,
			Deadline:   deadline,
		})
	}
	if q.metrics != nil {
		q.metrics.IncPendingServerRequest()
	}

	select {
	case q.rx <- ServerRequest{ApprovalID: approvalID, Method: method, Params: params}:
	default:
		q.logger.Warn("approval queue full or no consumer, auto-declining", "method", method, "approval_id", approvalID)
		q.removePending(approvalID)
		q.sendDeclineResponse(requestID, method, "server request queue full")
	}
}

func (q *Queue) newPendingEntry(approvalID string, requestID json.RawMessage, method string, params json.RawMessage) *pendingEntry {
	entry := &pendingEntry{requestID: requestID, method: method, params: params}
	entry.sm = stateless.NewStateMachine(stateQueued)
	entry.sm.Configure(stateQueued).
		Permit(eventRespond, stateResponded).
		Permit(eventTimeout, stateTimedOut).
		Permit(eventDecline, stateDeclined)
	entry.sm.Configure(stateResponded)
	entry.sm.Configure(stateTimedOut).
		OnEntry(func(ctx context.Context, _ ...any) error {
			q.handleTimeoutEntry(approvalID)
			return nil
		})
	entry.sm.Configure(stateDeclined)

	timeout := time.Duration(q.cfg.DefaultTimeoutMs) * time.Millisecond
	entry.timer = time.AfterFunc(timeout, func() {
		q.fireTimeout(approvalID)
	})
	return entry
}

func (q *Queue) fireTimeout(approvalID string) {
	q.mu.Lock()
	entry, ok := q.pending[approvalID]
	q.mu.Unlock()
	if !ok {
		return
	}
	_ = entry.sm.Fire(eventTimeout)
}

func (q *Queue) handleTimeoutEntry(approvalID string) {
	entry := q.removePending(approvalID)
	if entry == nil {
		return
	}
	switch q.cfg.OnTimeout {
	case config.TimeoutDecline:
		q.sendDeclineResponse(entry.requestID, entry.method, "server request timed out")
	case config.TimeoutCancel:
		// Drop silently; no response is sent for a cancelled request.
	case config.TimeoutError:
		q.logger.Error("server request timed out", "method", entry.method, "approval_id", approvalID)
	}
}

func (q *Queue) sendDeclineResponse(requestID json.RawMessage, method, reason string) {
	resp, err := wire.NewResponse(requestID, nil, &wire.Error{
		Code:    DeclineCode,
		Message: declineMessage(reason),
	})
	if err != nil {
		q.logger.Error("failed to build decline response", "method", method, "error", err)
		return
	}
	q.send(resp)
}

func (q *Queue) send(resp *wire.Response) {
	writeTx := q.currentWriteTx()
	if writeTx == nil {
		q.logger.Warn("dropped approval response: no transport generation installed")
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		q.logger.Error("failed to marshal approval response", "error", err)
		return
	}
	select {
	case writeTx <- raw:
	default:
		q.logger.Warn("dropped approval response: outbound queue full or transport closed")
	}
}

// removePending stops the entry's timer, deletes it from the pending table,
// clears its projector/metrics bookkeeping, and returns it (nil if absent).
func (q *Queue) removePending(approvalID string) *pendingEntry {
	q.mu.Lock()
	entry, ok := q.pending[approvalID]
	if ok {
		delete(q.pending, approvalID)
	}
	q.mu.Unlock()
	if !ok {
		return nil
	}
	entry.timer.Stop()
	if q.projector != nil {
		q.projector.RemovePendingServerRequest(approvalID)
	}
	if q.metrics != nil {
		q.metrics.DecPendingServerRequest()
	}
	return entry
}

// RespondOk answers a queued request with a successful result.
func (q *Queue) RespondOk(approvalID string, value any) error {
	entry := q.removePending(approvalID)
	if entry == nil {
		return agenterr.ApprovalNotFound(approvalID)
	}
	_ = entry.sm.Fire(eventRespond)

	resp, err := wire.NewResponse(entry.requestID, value, nil)
	if err != nil {
		return err
	}
	q.send(resp)
	return nil
}

// RespondErr answers a queued request with an error.
func (q *Queue) RespondErr(approvalID string, errObj *wire.Error) error {
	entry := q.removePending(approvalID)
	if entry == nil {
		return agenterr.ApprovalNotFound(approvalID)
	}
	_ = entry.sm.Fire(eventRespond)

	resp, err := wire.NewResponse(entry.requestID, nil, errObj)
	if err != nil {
		return err
	}
	q.send(resp)
	return nil
}

// DeclineAll clears every pending request without sending a response,
// for use when the transport has already closed and no reply can be sent.
func (q *Queue) DeclineAll() {
	q.mu.Lock()
	ids := make([]string, 0, len(q.pending))
	for id := range q.pending {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	for _, id := range ids {
		entry := q.removePending(id)
		if entry != nil {
			_ = entry.sm.Fire(eventDecline)
		}
	}
}

// PendingCount reports the number of currently queued requests.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
