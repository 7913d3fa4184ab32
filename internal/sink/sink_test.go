package sink

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corerun/agentcore/internal/envelope"
)

func TestOpenRejectsZeroChannelCapacity(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "events.jsonl"), 0, nil)
	assert.Error(t, err)
}

func TestEnqueueWritesOneLinePerEnvelope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s, err := Open(path, 8, nil)
	require.NoError(t, err)

	s.Enqueue(envelope.Envelope{Seq: 1, Kind: envelope.Notification, Method: "turn/started"})
	s.Enqueue(envelope.Envelope{Seq: 2, Kind: envelope.Notification, Method: "turn/completed"})
	s.Close()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)

	var first envelope.Envelope
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, "turn/started", first.Method)
}

func TestOpenAppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"seq":0}`+"\n"), 0o644))

	s, err := Open(path, 8, nil)
	require.NoError(t, err)
	s.Enqueue(envelope.Envelope{Seq: 1})
	s.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"seq":0`)
	assert.Contains(t, string(data), `"seq":1`)
}

func TestEnqueueDropsWhenQueueFullWithoutBlocking(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s, err := Open(path, 1, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			s.Enqueue(envelope.Envelope{Seq: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked instead of dropping under backpressure")
	}
	s.Close()
}

func TestEnqueueAfterCloseIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s, err := Open(path, 8, nil)
	require.NoError(t, err)
	s.Close()

	assert.NotPanics(t, func() {
		s.Enqueue(envelope.Envelope{Seq: 1})
	})
}
