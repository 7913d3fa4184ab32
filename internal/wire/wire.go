// Package wire defines the JSON-RPC 2.0-style message shapes carried over
// the newline-delimited transport: requests, responses, notifications, and
// the error object embedded in a response.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/corerun/agentcore/internal/agenterr"
	"github.com/sourcegraph/jsonrpc2"
)

// Version is the JSON-RPC version string carried on every message.
const Version = "2.0"

// Error is the JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// FromJSONRPC2 adapts a jsonrpc2.Error into our wire Error.
func FromJSONRPC2(err *jsonrpc2.Error) *Error {
	if err == nil {
		return nil
	}
	e := &Error{Code: int(err.Code), Message: err.Message}
	if err.Data != nil {
		e.Data = json.RawMessage(*err.Data)
	}
	return e
}

// Message is the superset shape of any JSON-RPC line, covering the fields of
// Request, Response, and Notification at once. The dispatcher does not
// decode into it; it classifies inbound lines from a generic key map.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Request is an outbound call awaiting a response, or an inbound
// server-initiated request awaiting our reply.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request by ID.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification carries no ID and expects no response.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest marshals id and params into a Request.
func NewRequest(id int64, method string, params interface{}) (*Request, error) {
	idJSON, err := json.Marshal(id)
	if err != nil {
		return nil, agenterr.Internal("failed to marshal request id", err)
	}
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: Version, ID: idJSON, Method: method, Params: paramsJSON}, nil
}

// NewNotification marshals params into a Notification.
func NewNotification(method string, params interface{}) (*Notification, error) {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Notification{JSONRPC: Version, Method: method, Params: paramsJSON}, nil
}

// NewResponse builds an id-keyed Response carrying either result or err,
// used by the Approval Queue to answer a server-initiated request.
func NewResponse(id json.RawMessage, result interface{}, respErr *Error) (*Response, error) {
	var resultJSON json.RawMessage
	if result != nil && respErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, agenterr.Internal("failed to marshal response result", err)
		}
		resultJSON = raw
	}
	return &Response{JSONRPC: Version, ID: id, Result: resultJSON, Error: respErr}, nil
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, agenterr.Internal("failed to marshal params", err)
	}
	return raw, nil
}

// ParseParams decodes raw into dst, if raw is non-empty.
func ParseParams(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return agenterr.RPCInvalidRequest("failed to unmarshal params: " + err.Error())
	}
	return nil
}
