package compat

import (
	"testing"

	"github.com/corerun/agentcore/internal/agenterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUserAgentSplitsProductAndVersion(t *testing.T) {
	product, version, ok := ParseUserAgent("Codex CLI/0.104.2")
	require.True(t, ok)
	assert.Equal(t, "Codex CLI", product)
	assert.Equal(t, Version{0, 104, 2}, version)
}

func TestParseUserAgentRejectsMissingSlash(t *testing.T) {
	_, _, ok := ParseUserAgent("nota-valid-agent")
	assert.False(t, ok)
}

func TestParseUserAgentRejectsNonTripletVersion(t *testing.T) {
	_, _, ok := ParseUserAgent("Codex CLI/1.2")
	assert.False(t, ok)
}

func TestParseUserAgentIgnoresTrailingVersionComponents(t *testing.T) {
	product, version, ok := ParseUserAgent("Codex CLI/0.104.0.1")
	assert.True(t, ok)
	assert.Equal(t, "Codex CLI", product)
	assert.Equal(t, Version{Major: 0, Minor: 104, Patch: 0}, version)
}

func TestValidateRejectsOlderCodexVersion(t *testing.T) {
	err := Validate("Codex CLI/0.99.0", DefaultGuard())
	require.Error(t, err)
	assert.Equal(t, agenterr.CodeIncompatibleCodexVersion, agenterr.Code(err))
}

func TestValidateAcceptsNewerCodexVersion(t *testing.T) {
	require.NoError(t, Validate("Codex CLI/0.104.0", DefaultGuard()))
	require.NoError(t, Validate("Codex CLI/1.0.0", DefaultGuard()))
}

func TestValidateIgnoresNonCodexProduct(t *testing.T) {
	require.NoError(t, Validate("OtherAgent/0.0.1", DefaultGuard()))
}

func TestValidateRequiresUserAgentWhenConfigured(t *testing.T) {
	err := Validate("", DefaultGuard())
	require.Error(t, err)
	assert.Equal(t, agenterr.CodeMissingInitializeUserAgent, agenterr.Code(err))
}

func TestValidateNoopWhenGuardFullyDisabled(t *testing.T) {
	guard := Guard{RequireInitializeUserAgent: false, MinCodexVersion: nil}
	require.NoError(t, Validate("", guard))
}
