// Package contract validates outgoing request params and inbound result
// payloads against the closed set of methods this runtime knows about,
// per SPEC_FULL.md §4.4.
package contract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/corerun/agentcore/internal/agenterr"
	"github.com/corerun/agentcore/internal/state"
)

// Canonical method catalog.
const (
	MethodThreadStart      = "thread/start"
	MethodThreadResume     = "thread/resume"
	MethodThreadFork       = "thread/fork"
	MethodThreadArchive    = "thread/archive"
	MethodThreadRead       = "thread/read"
	MethodThreadList       = "thread/list"
	MethodThreadLoadedList = "thread/loaded/list"
	MethodThreadRollback   = "thread/rollback"
	MethodTurnStart        = "turn/start"
	MethodTurnInterrupt    = "turn/interrupt"
)

// Known is the closed set of methods this validator recognizes.
var Known = map[string]bool{
	MethodThreadStart:      true,
	MethodThreadResume:     true,
	MethodThreadFork:       true,
	MethodThreadArchive:    true,
	MethodThreadRead:       true,
	MethodThreadList:       true,
	MethodThreadLoadedList: true,
	MethodThreadRollback:   true,
	MethodTurnStart:        true,
	MethodTurnInterrupt:    true,
}

// Mode selects whether validation runs at all.
type Mode int

const (
	// KnownMethods validates request/response shape for the Known set. Default.
	KnownMethods Mode = iota
	// None skips all contract checks beyond a non-empty method name.
	None
)

// ValidateRequest checks an outbound request's method and params.
func ValidateRequest(method string, params json.RawMessage, mode Mode) error {
	if err := validateMethodName(method); err != nil {
		return err
	}
	if mode == None {
		return nil
	}

	obj, isObj := decodeObject(params)
	if Known[method] && !isObj {
		return invalidRequest(method, "params must be an object", params)
	}

	switch method {
	case MethodThreadStart:
		return validateThreadStartRequest(obj, method, params)
	case MethodThreadResume, MethodThreadFork, MethodThreadArchive, MethodThreadRead, MethodThreadRollback:
		return requireString(obj, method, "threadId", "params", params)
	case MethodTurnStart:
		return requireString(obj, method, "threadId", "params", params)
	case MethodTurnInterrupt:
		if err := requireString(obj, method, "threadId", "params", params); err != nil {
			return err
		}
		return requireString(obj, method, "turnId", "params", params)
	default:
		return nil
	}
}

// ValidateResponse checks an inbound result payload for one method.
func ValidateResponse(method string, result json.RawMessage, mode Mode) error {
	if err := validateMethodName(method); err != nil {
		return err
	}
	if mode == None {
		return nil
	}

	switch method {
	case MethodThreadStart, MethodThreadResume, MethodThreadFork, MethodThreadRead, MethodThreadRollback:
		if state.ParseThreadID(result) == "" {
			return invalidResponse(method, "result is missing thread id", result)
		}
		return nil
	case MethodTurnStart:
		if state.ParseTurnID(result) == "" {
			return invalidResponse(method, "result is missing turn id", result)
		}
		return nil
	case MethodThreadList, MethodThreadLoadedList:
		obj, isObj := decodeObject(result)
		if !isObj {
			return invalidResponse(method, "result must be an object", result)
		}
		if !isArray(obj["data"]) {
			return invalidResponse(method, "result.data must be an array", result)
		}
		return nil
	case MethodThreadArchive, MethodTurnInterrupt:
		if _, isObj := decodeObject(result); !isObj {
			return invalidResponse(method, "result must be an object", result)
		}
		return nil
	default:
		return nil
	}
}

func validateMethodName(method string) error {
	if strings.TrimSpace(method) == "" {
		return agenterr.RPCInvalidRequest("json-rpc method must not be empty")
	}
	return nil
}

func validateThreadStartRequest(obj map[string]json.RawMessage, method string, params json.RawMessage) error {
	if obj == nil {
		return invalidRequest(method, "params must be an object", params)
	}
	if _, present := obj["sandboxPolicy"]; present {
		return invalidRequest(method, "params.sandboxPolicy is not valid for thread/start; use params.sandbox", params)
	}
	if raw, present := obj["sandbox"]; present {
		s, ok := decodeString(raw)
		if !ok || strings.TrimSpace(s) == "" {
			return invalidRequest(method, "params.sandbox must be a non-empty string when provided", params)
		}
	}
	return nil
}

func requireString(obj map[string]json.RawMessage, method, key, fieldName string, payload json.RawMessage) error {
	if obj == nil {
		return invalidRequest(method, fieldName+" must be an object", payload)
	}
	s, ok := decodeString(obj[key])
	if !ok || strings.TrimSpace(s) == "" {
		return invalidRequest(method, fmt.Sprintf("%s.%s must be a non-empty string", fieldName, key), payload)
	}
	return nil
}

func invalidRequest(method, reason string, payload json.RawMessage) error {
	return agenterr.RPCInvalidRequest(fmt.Sprintf("invalid json-rpc request for %s: %s; payload=%s", method, reason, string(payload)))
}

func invalidResponse(method, reason string, payload json.RawMessage) error {
	return agenterr.RPCInvalidRequest(fmt.Sprintf("invalid json-rpc response for %s: %s; payload=%s", method, reason, string(payload)))
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
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

func isArray(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var arr []json.RawMessage
	return json.Unmarshal(raw, &arr) == nil
}
