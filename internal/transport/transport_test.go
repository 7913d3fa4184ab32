package transport

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPipeTransport wires a Transport to an in-memory pipe pair standing in
// for a real co-process's stdin/stdout, the way this lineage's own
// in-memory transport pair stands in for a socket in its tests.
func newPipeTransport(t *testing.T, cfg Config) (*Transport, *io.PipeWriter, *io.PipeReader) {
	t.Helper()
	stdoutR, stdoutW := io.Pipe()
	stdinR, stdinW := io.Pipe()

	tr := newTransport(context.Background(), cfg, stdoutR, stdinW)

	t.Cleanup(func() {
		_ = stdoutW.Close()
		_ = stdinR.Close()
	})

	return tr, stdoutW, stdinR
}

func testConfig() Config {
	return Config{ReadChannelCapacity: 8, WriteChannelCapacity: 8}
}

func TestTransportReadsLinesFromStdout(t *testing.T) {
	tr, stdoutW, _ := newPipeTransport(t, testConfig())
	rx, err := tr.TakeReadRx()
	require.NoError(t, err)

	go func() {
		_, _ = stdoutW.Write([]byte(`{"id":1,"result":{}}` + "\n"))
		_, _ = stdoutW.Write([]byte(`{"id":2,"result":{}}` + "\n"))
	}()

	var got []json.RawMessage
	for i := 0; i < 2; i++ {
		select {
		case msg := <-rx:
			got = append(got, msg)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
	assert.JSONEq(t, `{"id":1,"result":{}}`, string(got[0]))
	assert.JSONEq(t, `{"id":2,"result":{}}`, string(got[1]))
}

func TestTransportDropsMalformedLineAndCountsIt(t *testing.T) {
	tr, stdoutW, _ := newPipeTransport(t, testConfig())
	rx, err := tr.TakeReadRx()
	require.NoError(t, err)

	go func() {
		_, _ = stdoutW.Write([]byte("not json\n"))
		_, _ = stdoutW.Write([]byte(`{"id":1,"result":{}}` + "\n"))
	}()

	select {
	case msg := <-rx:
		assert.JSONEq(t, `{"id":1,"result":{}}`, string(msg))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	assert.Eventually(t, func() bool {
		return tr.MalformedLineCount() == 1
	}, time.Second, time.Millisecond)
}

func TestTransportWriteSendsFramedLineToStdin(t *testing.T) {
	tr, _, stdinR := newPipeTransport(t, testConfig())

	tr.WriteTx() <- json.RawMessage(`{"id":1,"method":"turn/start"}`)

	buf := make([]byte, 128)
	n, err := stdinR.Read(buf)
	require.NoError(t, err)
	line := string(buf[:n])
	assert.Equal(t, "{\"id\":1,\"method\":\"turn/start\"}\n", line)
}

func TestTakeReadRxSecondCallErrors(t *testing.T) {
	tr, _, _ := newPipeTransport(t, testConfig())

	_, err := tr.TakeReadRx()
	require.NoError(t, err)

	_, err = tr.TakeReadRx()
	assert.Error(t, err)
}

func TestSpawnRejectsZeroChannelCapacity(t *testing.T) {
	_, err := Spawn(context.Background(), Spec{Bin: "true"}, Config{ReadChannelCapacity: 0, WriteChannelCapacity: 1})
	assert.Error(t, err)
}

func TestTerminateAndJoinDrainsAfterChildExits(t *testing.T) {
	tr, stdoutW, stdinR := newPipeTransport(t, testConfig())

	go func() {
		_, _ = io.Copy(io.Discard, stdinR)
		_ = stdoutW.Close()
	}()

	summary := tr.TerminateAndJoin(context.Background(), time.Second, time.Second)
	assert.False(t, summary.Killed)
	assert.Equal(t, uint64(0), summary.MalformedLineCount)
}
