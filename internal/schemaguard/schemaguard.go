// Package schemaguard validates the content-addressed schema directory
// described in SPEC_FULL.md §4.3 before any traffic is allowed to flow:
// a metadata record, a SHA-256 manifest, and the json-schema/ subtree it
// describes must all agree, and every .json schema file must itself compile.
package schemaguard

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/corerun/agentcore/internal/agenterr"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Metadata holds the required, non-empty fields of metadata.json.
type Metadata struct {
	SchemaName       string
	GeneratedAtUTC   string
	GeneratorCommand string
	SourceOfTruth    string
}

// Result reports what the guard verified, for logging and diagnostics.
type Result struct {
	Metadata    Metadata
	FileCount   int
	CompiledIDs []string
}

const (
	metadataFileName   = "metadata.json"
	manifestFileName   = "manifest.sha256"
	schemaSubdirectory = "json-schema"
)

// Validate reads metadata.json, manifest.sha256, and the json-schema/
// subtree under dir, and fails closed on the first problem it finds.
func Validate(dir string) (*Result, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, agenterr.SchemaDirNotFound(dir)
		}
		return nil, agenterr.CurrentDir(err)
	}
	if !info.IsDir() {
		return nil, agenterr.SchemaDirNotDirectory(dir)
	}

	metadataContents, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	if err != nil {
		return nil, agenterr.Runtime(agenterr.CodeSchemaNotFound, fmt.Sprintf("reading %s: %v", metadataFileName, err), nil)
	}
	metadata, err := validateMetadataFields(metadataContents)
	if err != nil {
		return nil, agenterr.Runtime(agenterr.CodeSchemaInvalidMetadata, err.Error(), nil)
	}

	manifestContents, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		return nil, agenterr.Runtime(agenterr.CodeSchemaNotFound, fmt.Sprintf("reading %s: %v", manifestFileName, err), nil)
	}

	schemaDir := filepath.Join(dir, schemaSubdirectory)
	files, err := collectSchemaFiles(schemaDir)
	if err != nil {
		return nil, err
	}

	if err := validateSchemaManifest(string(manifestContents), files); err != nil {
		return nil, agenterr.Runtime(agenterr.CodeSchemaManifestMismatch, err.Error(), nil)
	}

	compiledIDs, err := compileAll(schemaDir, files)
	if err != nil {
		return nil, err
	}

	return &Result{Metadata: *metadata, FileCount: len(files), CompiledIDs: compiledIDs}, nil
}

func validateMetadataFields(contents []byte) (*Metadata, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(contents, &fields); err != nil {
		return nil, fmt.Errorf("metadata is not valid json: %w", err)
	}

	schemaName, err := requiredNonEmptyString(fields, "schemaName")
	if err != nil {
		return nil, err
	}
	generatedAtUTC, err := requiredNonEmptyString(fields, "generatedAtUtc")
	if err != nil {
		return nil, err
	}
	generatorCommand, err := requiredNonEmptyString(fields, "generatorCommand")
	if err != nil {
		return nil, err
	}
	sourceOfTruth, err := requiredNonEmptyString(fields, "sourceOfTruth")
	if err != nil {
		return nil, err
	}

	return &Metadata{
		SchemaName:       schemaName,
		GeneratedAtUTC:   generatedAtUTC,
		GeneratorCommand: generatorCommand,
		SourceOfTruth:    sourceOfTruth,
	}, nil
}

func requiredNonEmptyString(fields map[string]interface{}, key string) (string, error) {
	value, present := fields[key]
	if !present {
		return "", fmt.Errorf("metadata field is missing: %s", key)
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("metadata field is missing: %s", key)
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("metadata field is empty: %s", key)
	}
	return s, nil
}

// manifestFile is one schema file's manifest-relevant identity.
type manifestFile struct {
	relativePath string
	bytes        []byte
}

func collectSchemaFiles(schemaDir string) ([]manifestFile, error) {
	var files []manifestFile
	err := filepath.WalkDir(schemaDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		bytes, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		rel, relErr := filepath.Rel(filepath.Dir(schemaDir), path)
		if relErr != nil {
			return relErr
		}
		files = append(files, manifestFile{
			relativePath: "./" + filepath.ToSlash(rel),
			bytes:        bytes,
		})
		return nil
	})
	if err != nil {
		return nil, agenterr.Runtime(agenterr.CodeSchemaNotFound, fmt.Sprintf("walking %s: %v", schemaDir, err), nil)
	}
	return files, nil
}

// validateSchemaManifest recomputes the SHA-256 manifest for files and
// compares it, newline-normalized, to manifestContents.
func validateSchemaManifest(manifestContents string, files []manifestFile) error {
	type hashedFile struct {
		path   string
		digest string
	}
	hashed := make([]hashedFile, 0, len(files))
	for _, f := range files {
		sum := sha256.Sum256(f.bytes)
		hashed = append(hashed, hashedFile{path: f.relativePath, digest: hex.EncodeToString(sum[:])})
	}
	sort.Slice(hashed, func(i, j int) bool { return hashed[i].path < hashed[j].path })

	lines := make([]string, 0, len(hashed))
	for _, h := range hashed {
		lines = append(lines, fmt.Sprintf("%s  %s", h.digest, h.path))
	}
	actual := strings.Join(lines, "\n")

	if normalizeNewline(manifestContents) == normalizeNewline(actual) {
		return nil
	}
	return fmt.Errorf("manifest mismatch")
}

func normalizeNewline(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}

// compileAll compiles every schema file through the jsonschema/v5 compiler
// to catch malformed schemas that hash-match but do not parse as schemas.
func compileAll(schemaDir string, files []manifestFile) ([]string, error) {
	compiler := jsonschema.NewCompiler()
	ids := make([]string, 0, len(files))

	for _, f := range files {
		if !strings.HasSuffix(f.relativePath, ".json") {
			continue
		}
		fullPath := filepath.Join(filepath.Dir(schemaDir), strings.TrimPrefix(f.relativePath, "./"))
		url := "file://" + filepath.ToSlash(fullPath)
		if err := compiler.AddResource(url, strings.NewReader(string(f.bytes))); err != nil {
			return nil, agenterr.Runtime(agenterr.CodeSchemaCompileFailed, fmt.Sprintf("adding resource %s: %v", f.relativePath, err), nil)
		}
		ids = append(ids, url)
	}

	for _, id := range ids {
		if _, err := compiler.Compile(id); err != nil {
			return nil, agenterr.Runtime(agenterr.CodeSchemaCompileFailed, fmt.Sprintf("compiling %s: %v", id, err), nil)
		}
	}
	return ids, nil
}
