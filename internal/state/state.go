// Package state implements the bounded, copy-on-write state projection
// tree of SPEC_FULL.md §3/§4.7: a RuntimeState snapshot rebuilt on every
// inbound envelope, with LRU pruning per dimension and byte caps per item.
package state

import "time"

// ConnectionPhase enumerates the supervisor-visible connection lifecycle.
type ConnectionPhase int

const (
	NotConnected ConnectionPhase = iota
	Starting
	Handshaking
	Running
	Restarting
	Dead
)

func (p ConnectionPhase) String() string {
	switch p {
	case NotConnected:
		return "not_connected"
	case Starting:
		return "starting"
	case Handshaking:
		return "handshaking"
	case Running:
		return "running"
	case Restarting:
		return "restarting"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Connection carries the connection phase plus the generation counter that
// distinguishes one spawned co-process lifetime from the next.
type Connection struct {
	Phase      ConnectionPhase
	Generation uint64
}

// TurnStatus is the terminal-or-not status of one turn.
type TurnStatus int

const (
	TurnInProgress TurnStatus = iota
	TurnCompleted
	TurnFailed
	TurnInterrupted
)

func (s TurnStatus) String() string {
	switch s {
	case TurnInProgress:
		return "in_progress"
	case TurnCompleted:
		return "completed"
	case TurnFailed:
		return "failed"
	case TurnInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// ItemState is one item's accumulated, bounded output.
type ItemState struct {
	ItemType string

	TextAccum      string
	TextTruncated  bool
	StdoutAccum    string
	StdoutTruncated bool
	StderrAccum    string
	StderrTruncated bool

	Completed bool
	LastSeq   uint64
}

// TurnState is one turn within a thread.
type TurnState struct {
	Status  TurnStatus
	Items   map[string]*ItemState
	LastSeq uint64
}

// ThreadState is one conversation thread.
type ThreadState struct {
	ActiveTurn string
	Turns      map[string]*TurnState
	LastSeq    uint64
}

// PendingServerRequest is a recorded inbound approval awaiting an
// application-level response, per SPEC_FULL.md §3.
type PendingServerRequest struct {
	ApprovalID string
	Method     string
	Params     []byte
	Deadline   time.Time
}

// RuntimeState is the full immutable snapshot readers hold. It is never
// mutated after publication; writers build a new value via Projector.
type RuntimeState struct {
	Connection            Connection
	Threads               map[string]*ThreadState
	PendingServerRequests map[string]PendingServerRequest
}

// New returns an empty RuntimeState, matching RuntimeState::default().
func New() *RuntimeState {
	return &RuntimeState{
		Threads:               make(map[string]*ThreadState),
		PendingServerRequests: make(map[string]PendingServerRequest),
	}
}

// Limits bounds the state tree, mirroring config.StateProjectionLimits
// without importing the config package.
type Limits struct {
	MaxThreads            int
	MaxTurnsPerThread     int
	MaxItemsPerTurn       int
	MaxTextBytesPerItem   int
	MaxStdoutBytesPerItem int
	MaxStderrBytesPerItem int
}
