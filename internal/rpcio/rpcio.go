// Package rpcio implements the outbound half of the conversation: issuing
// Call/Notify against the co-process and resolving pending calls when the
// Dispatcher hands back a matching response, per SPEC_FULL.md §4.5.
package rpcio

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corerun/agentcore/internal/agenterr"
	"github.com/corerun/agentcore/internal/contract"
	"github.com/corerun/agentcore/internal/metrics"
	"github.com/corerun/agentcore/internal/obslog"
	"github.com/corerun/agentcore/internal/wire"
)

// Client issues outbound JSON-RPC calls and notifications over whichever
// transport generation currently holds the write handle, and resolves them
// as the Dispatcher feeds back matching responses via Resolve. The write
// handle is installed and cleared by the Supervisor as generations come and
// go, so a Client outlives any one co-process generation.
type Client struct {
	defaultTimeout time.Duration
	metrics        *metrics.Metrics
	logger         obslog.Logger

	nextID atomic.Int64

	txMu    sync.RWMutex
	writeTx chan<- json.RawMessage

	mu      sync.Mutex
	pending map[int64]chan *wire.Response
}

// New constructs a Client with writeTx as its initial outbound handle (nil
// for none); SetWriteTx and ClearWriteTx install and detach later
// generations' handles on the same Client.
func New(writeTx chan<- json.RawMessage, defaultTimeout time.Duration, m *metrics.Metrics) *Client {
	return &Client{
		writeTx:        writeTx,
		defaultTimeout: defaultTimeout,
		metrics:        m,
		logger:         obslog.GetLogger("rpcio"),
		pending:        make(map[int64]chan *wire.Response),
	}
}

// SetWriteTx installs the current generation's outbound channel.
func (c *Client) SetWriteTx(writeTx chan<- json.RawMessage) {
	c.txMu.Lock()
	c.writeTx = writeTx
	c.txMu.Unlock()
}

// ClearWriteTx detaches the outbound channel, e.g. when a generation ends;
// subsequent calls observe TransportClosed until a new one is installed.
func (c *Client) ClearWriteTx() {
	c.txMu.Lock()
	c.writeTx = nil
	c.txMu.Unlock()
}

func (c *Client) currentWriteTx() chan<- json.RawMessage {
	c.txMu.RLock()
	defer c.txMu.RUnlock()
	return c.writeTx
}

// Resolve delivers an inbound response to its matching pending call, if any.
// It reports whether a pending call was found, so the Dispatcher can count
// unmatched responses otherwise.
func (c *Client) Resolve(resp *wire.Response) bool {
	var id int64
	if err := json.Unmarshal(resp.ID, &id); err != nil {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if c.metrics != nil {
		c.metrics.DecPendingRPC()
	}
	ch <- resp
	return true
}

// PendingCount reports the number of calls awaiting a response.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// DrainClosed resolves every pending call with TransportClosed, for use when
// the co-process generation has ended and no further responses will arrive.
func (c *Client) DrainClosed() {
	c.mu.Lock()
	chans := make([]chan *wire.Response, 0, len(c.pending))
	for id, ch := range c.pending {
		chans = append(chans, ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if c.metrics != nil {
		for range chans {
			c.metrics.DecPendingRPC()
		}
	}
	for _, ch := range chans {
		close(ch)
	}
}

func (c *Client) resolveTimeout(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return c.defaultTimeout
}

// CallRaw issues method/params without contract validation and awaits a
// response, following the exact sequence of SPEC_FULL.md §4.5.
func (c *Client) CallRaw(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	writeTx := c.currentWriteTx()
	if writeTx == nil {
		return nil, agenterr.RPCTransportClosed()
	}

	id := c.nextID.Add(1)

	idJSON, err := json.Marshal(id)
	if err != nil {
		return nil, agenterr.Internal("rpcio: failed to marshal request id", err)
	}
	req := &wire.Request{JSONRPC: wire.Version, ID: idJSON, Method: method}
	if len(params) > 0 {
		req.Params = params
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, agenterr.Internal("rpcio: failed to marshal request", err)
	}

	ch := make(chan *wire.Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.IncPendingRPC()
	}

	select {
	case writeTx <- raw:
	default:
		c.removePending(id)
		return nil, agenterr.RPCTransportClosed()
	}

	timer := time.NewTimer(c.resolveTimeout(timeout))
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, agenterr.RPCTransportClosed()
		}
		if resp.Error != nil {
			return nil, agenterr.RPCServerError(resp.Error.Code, resp.Error.Message, resp.Error.Data)
		}
		return resp.Result, nil
	case <-timer.C:
		c.removePending(id)
		return nil, agenterr.RPCTimeout()
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

func (c *Client) removePending(id int64) {
	c.mu.Lock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok && c.metrics != nil {
		c.metrics.DecPendingRPC()
	}
}

// NotifyRaw sends a fire-and-forget notification without contract
// validation.
func (c *Client) NotifyRaw(_ context.Context, method string, params json.RawMessage) error {
	writeTx := c.currentWriteTx()
	if writeTx == nil {
		return agenterr.RPCTransportClosed()
	}

	notif := &wire.Notification{JSONRPC: wire.Version, Method: method}
	if len(params) > 0 {
		notif.Params = params
	}
	raw, err := json.Marshal(notif)
	if err != nil {
		return agenterr.Internal("rpcio: failed to marshal notification", err)
	}
	select {
	case writeTx <- raw:
		return nil
	default:
		return agenterr.RPCTransportClosed()
	}
}

// CallValidated applies §4.4 request/response contract checks around CallRaw.
func (c *Client) CallValidated(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if err := contract.ValidateRequest(method, params, contract.KnownMethods); err != nil {
		return nil, err
	}
	result, err := c.CallRaw(ctx, method, params, timeout)
	if err != nil {
		return nil, err
	}
	if err := contract.ValidateResponse(method, result, contract.KnownMethods); err != nil {
		return nil, err
	}
	return result, nil
}

// NotifyValidated applies §4.4 request validation around NotifyRaw.
func (c *Client) NotifyValidated(ctx context.Context, method string, params json.RawMessage) error {
	if err := contract.ValidateRequest(method, params, contract.KnownMethods); err != nil {
		return err
	}
	return c.NotifyRaw(ctx, method, params)
}

// CallTyped marshals paramsObj, calls method with validation, and unmarshals
// the result into T, returning a descriptive InvalidRequest on shape
// mismatch rather than a bare JSON error.
func CallTyped[T any](ctx context.Context, c *Client, method string, paramsObj any, timeout time.Duration) (T, error) {
	var zero T
	params, err := marshalTypedParams(paramsObj)
	if err != nil {
		return zero, err
	}
	raw, err := c.CallValidated(ctx, method, params, timeout)
	if err != nil {
		return zero, err
	}
	var result T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return zero, agenterr.RPCInvalidRequest("rpcio: result for " + method + " does not match expected shape: " + err.Error())
		}
	}
	return result, nil
}

// NotifyTyped marshals paramsObj and sends method as a validated notification.
func NotifyTyped(ctx context.Context, c *Client, method string, paramsObj any) error {
	params, err := marshalTypedParams(paramsObj)
	if err != nil {
		return err
	}
	return c.NotifyValidated(ctx, method, params)
}

func marshalTypedParams(paramsObj any) (json.RawMessage, error) {
	if paramsObj == nil {
		return nil, nil
	}
	raw, err := json.Marshal(paramsObj)
	if err != nil {
		return nil, agenterr.RPCInvalidRequest("rpcio: failed to marshal typed params: " + err.Error())
	}
	return raw, nil
}
