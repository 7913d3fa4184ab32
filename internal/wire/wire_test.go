package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestMarshalsIDAndParams(t *testing.T) {
	req, err := NewRequest(42, "thread/start", map[string]string{"cwd": "/w"})
	require.NoError(t, err)
	assert.Equal(t, Version, req.JSONRPC)
	assert.Equal(t, "thread/start", req.Method)

	var id int64
	require.NoError(t, json.Unmarshal(req.ID, &id))
	assert.Equal(t, int64(42), id)
}

func TestNewResponseOmitsResultOnError(t *testing.T) {
	resp, err := NewResponse(json.RawMessage(`1`), map[string]string{"should": "not appear"}, &Error{Code: -32001, Message: "overloaded"})
	require.NoError(t, err)
	assert.Nil(t, resp.Result)
	assert.Equal(t, -32001, resp.Error.Code)
}

func TestParseParamsRoundTrips(t *testing.T) {
	type payload struct {
		ThreadID string `json:"threadId"`
	}
	raw, err := json.Marshal(payload{ThreadID: "thr_1"})
	require.NoError(t, err)

	var out payload
	require.NoError(t, ParseParams(raw, &out))
	assert.Equal(t, "thr_1", out.ThreadID)
}
