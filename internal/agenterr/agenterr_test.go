package agenterr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithDetailsRoundTrip(t *testing.T) {
	err := RPCMethodNotFound("turn/bogus")
	require.Error(t, err)
	assert.Equal(t, CategoryRPC, Category(err))
	assert.Equal(t, CodeMethodNotFound, Code(err))
	props := Properties(err)
	assert.Equal(t, "turn/bogus", props["method"])
}

func TestDefaultCodeWhenUntagged(t *testing.T) {
	assert.Equal(t, CodeInternalError, Code(assertPlainError()))
}

func assertPlainError() error {
	return &plainError{"boom"}
}

type plainError struct{ msg string }

func (p *plainError) Error() string { return p.msg }

func TestToWireErrorRedactsSensitiveKeys(t *testing.T) {
	err := Client(CodeInvalidInitializeUserAgent, "bad agent", map[string]interface{}{
		"user_agent":   "Codex CLI/1.0.0",
		"auth_token":   "sekrit",
		"request_size": 12,
	})
	wireErr := ToWireError(err)
	require.NotNil(t, wireErr)
	assert.Equal(t, int64(CodeInvalidInitializeUserAgent), wireErr.Code)
	require.NotNil(t, wireErr.Data)
	assert.NotContains(t, string(*wireErr.Data), "sekrit")
	assert.Contains(t, string(*wireErr.Data), "request_size")
}

func TestIncompatibleCodexVersionCarriesFields(t *testing.T) {
	err := IncompatibleCodexVersion("0.99.0", "0.104.0", "Codex CLI/0.99.0")
	props := Properties(err)
	assert.Equal(t, "0.99.0", props["detected"])
	assert.Equal(t, "0.104.0", props["required"])
}
