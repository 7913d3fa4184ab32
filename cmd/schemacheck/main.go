// Package main implements schemacheck, a standalone runner for the Schema
// Guard of SPEC_FULL.md §4.3, independent of spawning any co-process.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/corerun/agentcore/internal/obslog"
	"github.com/corerun/agentcore/internal/schemaguard"
)

func main() {
	obslog.SetDefaultLogger(obslog.NewSlog(slog.New(slog.NewTextHandler(os.Stderr, nil))))
	logger := obslog.GetLogger("schemacheck")

	dir := flag.String("dir", "", "path to the schema directory (metadata.json, manifest.sha256, json-schema/)")
	flag.Parse()

	if *dir == "" {
		logger.Error("missing required flag", "flag", "-dir")
		fmt.Fprintln(os.Stderr, "usage: schemacheck -dir <schema-dir>")
		os.Exit(2)
	}

	logger.Info("validating schema directory", "dir", *dir)
	result, err := schemaguard.Validate(*dir)
	if err != nil {
		logger.Error("schema validation failed", "error", err)
		os.Exit(1)
	}

	logger.Info("schema validation succeeded",
		"schemaName", result.Metadata.SchemaName,
		"generatedAtUtc", result.Metadata.GeneratedAtUTC,
		"fileCount", result.FileCount,
		"compiledCount", len(result.CompiledIDs))
}
