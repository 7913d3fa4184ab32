// Package transport spawns the agent-server co-process and frames the
// newline-delimited JSON conversation on its stdin/stdout, generalized from
// this lineage's own NDJSON stdio framing to a spawned-subprocess,
// channel-based transport: reader and writer each run as a goroutine over a
// bounded channel, coordinated by an errgroup so either's failure tears down
// both.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corerun/agentcore/internal/agenterr"
	"github.com/corerun/agentcore/internal/obslog"
)

// terminateSignal is the signal sent to the child before the kill grace
// period elapses.
var terminateSignal = syscall.SIGTERM

// Spec names the co-process to spawn.
type Spec struct {
	Bin  string
	Args []string
}

// Config bounds the read/write queues between this process and the child.
type Config struct {
	ReadChannelCapacity  int
	WriteChannelCapacity int
}

// ExitSummary reports how a generation's co-process ended.
type ExitSummary struct {
	ExitErr            error
	MalformedLineCount uint64
	Killed             bool
}

// Transport owns one co-process generation: its stdin/stdout pipes and the
// reader/writer goroutines that frame newline-delimited JSON across them.
type Transport struct {
	logger obslog.Logger

	cmd *exec.Cmd

	readRx      chan json.RawMessage
	readRxTaken atomic.Bool
	writeTx     chan json.RawMessage

	malformedLineCount atomic.Uint64

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	joinOnce sync.Once
	joinErr  error
}

// Spawn starts the child process and launches its reader/writer goroutines.
func Spawn(ctx context.Context, spec Spec, cfg Config) (*Transport, error) {
	if cfg.ReadChannelCapacity <= 0 || cfg.WriteChannelCapacity <= 0 {
		return nil, agenterr.InvalidConfig("transport channel capacities must be > 0")
	}

	cmd := exec.Command(spec.Bin, spec.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, agenterr.Internal("transport: failed to open child stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, agenterr.Internal("transport: failed to open child stdout", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, agenterr.ProcessExited()
	}

	t := newTransport(ctx, cfg, stdout, stdin)
	t.cmd = cmd
	return t, nil
}

// newTransport wires the reader/writer goroutines over arbitrary pipes. It
// underlies both Spawn (real child stdin/stdout) and tests (an io.Pipe pair
// standing in for a co-process, the way this lineage's in-memory transport
// pair stands in for a real socket in its own tests).
func newTransport(ctx context.Context, cfg Config, stdout io.ReadCloser, stdin io.WriteCloser) *Transport {
	groupCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(groupCtx)

	t := &Transport{
		logger:  obslog.GetLogger("transport"),
		readRx:  make(chan json.RawMessage, cfg.ReadChannelCapacity),
		writeTx: make(chan json.RawMessage, cfg.WriteChannelCapacity),
		group:   group,
		ctx:     groupCtx,
		cancel:  cancel,
	}

	group.Go(func() error {
		return t.runReader(stdout)
	})
	group.Go(func() error {
		return t.runWriter(groupCtx, stdin)
	})

	return t
}

// TakeReadRx hands over the inbound channel exactly once; a second call
// returns an error so read-side ownership is never ambiguous.
func (t *Transport) TakeReadRx() (<-chan json.RawMessage, error) {
	if !t.readRxTaken.CompareAndSwap(false, true) {
		return nil, agenterr.Internal("transport: read channel already taken", nil)
	}
	return t.readRx, nil
}

// WriteTx returns the outbound send channel.
func (t *Transport) WriteTx() chan<- json.RawMessage {
	return t.writeTx
}

// MalformedLineCount reports how many stdout lines failed to parse as JSON.
func (t *Transport) MalformedLineCount() uint64 {
	return t.malformedLineCount.Load()
}

func (t *Transport) runReader(stdout io.ReadCloser) error {
	defer close(t.readRx)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg json.RawMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			t.malformedLineCount.Add(1)
			t.logger.Warn("transport: dropping malformed line", "error", err)
			continue
		}
		select {
		case t.readRx <- msg:
		case <-t.ctx.Done():
			return nil
		}
	}
	return scanner.Err()
}

func (t *Transport) runWriter(ctx context.Context, stdin io.WriteCloser) error {
	defer stdin.Close()

	writer := bufio.NewWriter(stdin)
	for {
		select {
		case msg, ok := <-t.writeTx:
			if !ok {
				return writer.Flush()
			}
			if _, err := writer.Write(msg); err != nil {
				return agenterr.Internal("transport: failed to write to child stdin", err)
			}
			if err := writer.WriteByte('\n'); err != nil {
				return agenterr.Internal("transport: failed to write newline", err)
			}
			if err := writer.Flush(); err != nil {
				return agenterr.Internal("transport: failed to flush child stdin", err)
			}
		case <-ctx.Done():
			return writer.Flush()
		}
	}
}

// Join blocks until both goroutines exit and the child process has been
// waited on, returning the final ExitSummary. Safe to call more than once;
// later callers observe the same result.
func (t *Transport) Join() ExitSummary {
	t.joinOnce.Do(func() {
		t.joinErr = t.group.Wait()
		if t.cmd != nil {
			if waitErr := t.cmd.Wait(); waitErr != nil && t.joinErr == nil {
				t.joinErr = waitErr
			}
		}
	})
	return ExitSummary{
		ExitErr:            t.joinErr,
		MalformedLineCount: t.malformedLineCount.Load(),
	}
}

// TerminateAndJoin runs the shutdown sequence: close the outbound channel
// (EOF to child stdin), wait flushTimeout for the reader to drain, send a
// terminate signal and wait terminateGrace, then kill.
func (t *Transport) TerminateAndJoin(ctx context.Context, flushTimeout, terminateGrace time.Duration) ExitSummary {
	close(t.writeTx)

	done := make(chan ExitSummary, 1)
	go func() {
		done <- t.Join()
	}()

	select {
	case summary := <-done:
		return summary
	case <-time.After(flushTimeout):
	case <-ctx.Done():
	}

	if t.cmd.Process != nil {
		_ = t.cmd.Process.Signal(terminateSignal)
	}

	select {
	case summary := <-done:
		return summary
	case <-time.After(terminateGrace):
	}

	killed := false
	if t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err == nil {
			killed = true
		}
	}
	t.cancel()

	summary := <-done
	summary.Killed = killed
	return summary
}
