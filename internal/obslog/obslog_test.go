package obslog

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoopLoggerNeverPanics(t *testing.T) {
	l := GetNoopLogger()
	l.Debug("x")
	l.Info("x")
	l.Warn("x")
	l.Error("x")
	assert.Same(t, l, l.WithField("k", "v"))
}

func TestSlogLoggerWritesRecords(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, nil)
	l := NewSlog(slog.New(handler))
	l.WithField("component", "test").Info("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "component=test")
}

func TestGetLoggerTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	SetDefaultLogger(NewSlog(slog.New(slog.NewTextHandler(&buf, nil))))
	GetLogger("transport").Info("spawned")
	assert.Contains(t, buf.String(), "component=transport")
	SetDefaultLogger(GetNoopLogger())
}
