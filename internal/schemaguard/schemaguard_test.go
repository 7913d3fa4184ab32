package schemaguard

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/corerun/agentcore/internal/agenterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeValidFixture(t *testing.T, dir string) {
	t.Helper()
	schemaDir := filepath.Join(dir, schemaSubdirectory)
	require.NoError(t, os.MkdirAll(schemaDir, 0o755))

	schemaBytes := []byte(`{"type":"object"}`)
	require.NoError(t, os.WriteFile(filepath.Join(schemaDir, "thread_start.json"), schemaBytes, 0o644))

	sum := sha256.Sum256(schemaBytes)
	digest := hex.EncodeToString(sum[:])
	manifest := digest + "  ./json-schema/thread_start.json"
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFileName), []byte(manifest), 0o644))

	metadata := `{"schemaName":"app-server","generatedAtUtc":"2026-01-01T00:00:00Z","generatorCommand":"gen --out x","sourceOfTruth":"active/json-schema"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, metadataFileName), []byte(metadata), 0o644))
}

func TestValidateAcceptsConsistentFixture(t *testing.T) {
	dir := t.TempDir()
	writeValidFixture(t, dir)

	result, err := Validate(dir)
	require.NoError(t, err)
	assert.Equal(t, "app-server", result.Metadata.SchemaName)
	assert.Equal(t, 1, result.FileCount)
	assert.Len(t, result.CompiledIDs, 1)
}

func TestValidateRejectsMissingDir(t *testing.T) {
	_, err := Validate(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, agenterr.CodeSchemaDirNotFound, agenterr.Code(err))
}

func TestValidateRejectsMissingMetadataField(t *testing.T) {
	dir := t.TempDir()
	writeValidFixture(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, metadataFileName), []byte(`{"schemaName":"app-server"}`), 0o644))

	_, err := Validate(dir)
	require.Error(t, err)
	assert.Equal(t, agenterr.CodeSchemaInvalidMetadata, agenterr.Code(err))
}

func TestValidateRejectsEmptyMetadataField(t *testing.T) {
	dir := t.TempDir()
	writeValidFixture(t, dir)
	metadata := `{"schemaName":"app-server","generatedAtUtc":" ","generatorCommand":"x","sourceOfTruth":"y"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, metadataFileName), []byte(metadata), 0o644))

	_, err := Validate(dir)
	require.Error(t, err)
	assert.Equal(t, agenterr.CodeSchemaInvalidMetadata, agenterr.Code(err))
}

func TestValidateRejectsManifestMismatch(t *testing.T) {
	dir := t.TempDir()
	writeValidFixture(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFileName), []byte("deadbeef  ./json-schema/thread_start.json"), 0o644))

	_, err := Validate(dir)
	require.Error(t, err)
	assert.Equal(t, agenterr.CodeSchemaManifestMismatch, agenterr.Code(err))
}

func TestValidateRejectsMalformedSchemaFile(t *testing.T) {
	dir := t.TempDir()
	schemaDir := filepath.Join(dir, schemaSubdirectory)
	require.NoError(t, os.MkdirAll(schemaDir, 0o755))

	badSchema := []byte(`{"type": 12345}`)
	require.NoError(t, os.WriteFile(filepath.Join(schemaDir, "bad.json"), badSchema, 0o644))

	sum := sha256.Sum256(badSchema)
	digest := hex.EncodeToString(sum[:])
	manifest := digest + "  ./json-schema/bad.json"
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFileName), []byte(manifest), 0o644))

	metadata := `{"schemaName":"app-server","generatedAtUtc":"2026-01-01T00:00:00Z","generatorCommand":"gen","sourceOfTruth":"active/json-schema"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, metadataFileName), []byte(metadata), 0o644))

	_, err := Validate(dir)
	require.Error(t, err)
	assert.Equal(t, agenterr.CodeSchemaCompileFailed, agenterr.Code(err))
}

func TestValidateNewlineNormalizesManifestComparison(t *testing.T) {
	dir := t.TempDir()
	schemaDir := filepath.Join(dir, schemaSubdirectory)
	require.NoError(t, os.MkdirAll(schemaDir, 0o755))

	schemaBytes := []byte(`{"type":"object"}`)
	require.NoError(t, os.WriteFile(filepath.Join(schemaDir, "a.json"), schemaBytes, 0o644))

	sum := sha256.Sum256(schemaBytes)
	digest := hex.EncodeToString(sum[:])
	manifest := digest + "  ./json-schema/a.json\r\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFileName), []byte(manifest), 0o644))

	metadata := `{"schemaName":"app-server","generatedAtUtc":"2026-01-01T00:00:00Z","generatorCommand":"gen","sourceOfTruth":"active/json-schema"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, metadataFileName), []byte(metadata), 0o644))

	_, err := Validate(dir)
	require.NoError(t, err)
}
