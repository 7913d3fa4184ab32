// Package envelope classifies raw inbound JSON objects into Response,
// ServerRequest, Notification, or Unknown, extracts thread/turn/item ids
// from the known shallow slots, and maps JSON-RPC error objects into typed
// errors. Every function here is pure: no I/O and no locking. Id extraction
// decodes each candidate slot into a map, so it allocates whether or not an
// id is found.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/corerun/agentcore/internal/agenterr"
)

// Kind classifies one inbound JSON-RPC message.
type Kind int

const (
	Unknown Kind = iota
	Response
	ServerRequest
	Notification
)

func (k Kind) String() string {
	switch k {
	case Response:
		return "response"
	case ServerRequest:
		return "server_request"
	case Notification:
		return "notification"
	default:
		return "unknown"
	}
}

// Direction of an envelope relative to this process.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// Ids is the result of best-effort id extraction from known shallow slots.
type Ids struct {
	ThreadID string
	TurnID   string
	ItemID   string
}

// Envelope is the normalized, immutable record the classifier produces for
// every inbound JSON object. Seq and Timestamp are assigned by the
// dispatcher before any fan-out, never by the classifier itself.
type Envelope struct {
	Seq       uint64
	Timestamp time.Time
	Direction Direction
	Kind      Kind
	RPCID     json.RawMessage
	Method    string
	Ids       Ids
	Raw       json.RawMessage
}

// Classify applies the constant-time key-presence table of SPEC_FULL.md §4.2.
func Classify(obj map[string]json.RawMessage) Kind {
	_, hasID := obj["id"]
	_, hasMethod := obj["method"]
	_, hasResult := obj["result"]
	_, hasError := obj["error"]

	switch {
	case hasID && !hasMethod && (hasResult || hasError):
		return Response
	case hasID && hasMethod && !hasResult && !hasError:
		return ServerRequest
	case hasMethod && !hasID:
		return Notification
	default:
		return Unknown
	}
}

// ExtractIds searches params, result, error.data, then the root object, in
// that order, for threadId/turnId/itemId in both their flat and
// {thread|turn|item}.id nested shapes. The legacy conversationId slot is
// never consulted.
func ExtractIds(root map[string]json.RawMessage) Ids {
	roots := candidateRoots(root)

	return Ids{
		ThreadID: findFirst(roots, "threadId", "thread"),
		TurnID:   findFirst(roots, "turnId", "turn"),
		ItemID:   findFirst(roots, "itemId", "item"),
	}
}

func candidateRoots(root map[string]json.RawMessage) []map[string]json.RawMessage {
	var roots []map[string]json.RawMessage
	if params, ok := decodeObject(root["params"]); ok {
		roots = append(roots, params)
	}
	if result, ok := decodeObject(root["result"]); ok {
		roots = append(roots, result)
	}
	if errObj, ok := decodeObject(root["error"]); ok {
		if data, ok := decodeObject(errObj["data"]); ok {
			roots = append(roots, data)
		}
	}
	roots = append(roots, root)
	return roots
}

func findFirst(roots []map[string]json.RawMessage, flatKey, nestedKey string) string {
	for _, r := range roots {
		if r == nil {
			continue
		}
		if s, ok := decodeString(r[flatKey]); ok {
			return s
		}
		if nested, ok := decodeObject(r[nestedKey]); ok {
			if s, ok := decodeString(nested["id"]); ok {
				return s
			}
		}
	}
	return ""
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

// rpcErrorObject mirrors the wire shape of a JSON-RPC error object, used
// only to decode an inbound error for MapRPCError.
type rpcErrorObject struct {
	Code    *int64          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// MapRPCError maps a raw JSON-RPC error object into a typed agenterr RPC
// error, per the code table of SPEC_FULL.md §4.2.
func MapRPCError(raw json.RawMessage) error {
	var obj rpcErrorObject
	if err := json.Unmarshal(raw, &obj); err != nil || obj.Code == nil {
		return agenterr.RPCInvalidRequest("invalid rpc error payload")
	}
	message := obj.Message
	if message == "" {
		message = "unknown rpc error"
	}
	switch *obj.Code {
	case -32001:
		return agenterr.RPCOverloaded()
	case -32600:
		return agenterr.RPCInvalidRequest(message)
	case -32601:
		return agenterr.RPCMethodNotFound(message)
	default:
		var data interface{}
		if len(obj.Data) > 0 {
			_ = json.Unmarshal(obj.Data, &data)
		}
		return agenterr.RPCServerError(int(*obj.Code), message, data)
	}
}
