package agenterr

import (
	"encoding/json"

	"github.com/sourcegraph/jsonrpc2"
)

var sensitiveKeywords = []string{"token", "password", "secret", "key", "auth", "credential", "session", "cookie"}

func looksSensitive(key string) bool {
	lower := key
	for _, kw := range sensitiveKeywords {
		if len(lower) >= len(kw) && contains(lower, kw) {
			return true
		}
	}
	return false
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		match := true
		for j := 0; j < len(sub); j++ {
			a, b := s[i+j], sub[j]
			if 'A' <= a && a <= 'Z' {
				a += 'a' - 'A'
			}
			if 'A' <= b && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// ToWireError converts an internal error into the jsonrpc2.Error shape used
// on the wire, dropping any detail whose key looks like it might carry a
// credential.
func ToWireError(err error) *jsonrpc2.Error {
	if err == nil {
		return nil
	}

	code := Code(err)
	rpcErr := &jsonrpc2.Error{
		Code:    int64(code),
		Message: err.Error(),
	}

	props := Properties(err)
	safe := make(map[string]interface{}, len(props))
	for k, v := range props {
		if looksSensitive(k) {
			continue
		}
		safe[k] = v
	}
	if len(safe) > 0 {
		if raw, marshalErr := json.Marshal(safe); marshalErr == nil {
			rm := json.RawMessage(raw)
			rpcErr.Data = &rm
		}
	}
	return rpcErr
}
