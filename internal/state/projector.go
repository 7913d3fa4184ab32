package state

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/corerun/agentcore/internal/envelope"
)

type turnKey struct {
	threadID string
	turnID   string
}

// Projector owns the mutable side tables (LRU recency trackers) behind an
// otherwise-immutable, atomically-published RuntimeState, generalizing this
// lineage's single flat connection-table LRU into the three-level bounded
// thread/turn/item tree SPEC_FULL.md §4.7 describes. Every public method
// except Snapshot (a lock-free atomic load) takes the same lock an
// ApplyEnvelope call would, so eviction callbacks
// fired synchronously from inside it can be folded into the snapshot being
// built rather than racing a separate, out-of-band publish.
type Projector struct {
	mu      sync.Mutex
	current atomic.Pointer[RuntimeState]
	limits  Limits

	threadLRU *lru.Cache[string, struct{}]
	turnLRU   map[string]*lru.Cache[string, struct{}]
	itemLRU   map[turnKey]*lru.Cache[string, struct{}]

	evictedThreads []string
	evictedTurns   []turnKey
	evictedItems   []struct {
		turnKey
		itemID string
	}
}

// NewProjector creates a Projector seeded with an empty RuntimeState.
func NewProjector(limits Limits) *Projector {
	p := &Projector{
		limits:  limits,
		turnLRU: make(map[string]*lru.Cache[string, struct{}]),
		itemLRU: make(map[turnKey]*lru.Cache[string, struct{}]),
	}
	p.current.Store(New())

	threadLRU, _ := lru.NewWithEvict[string, struct{}](max(limits.MaxThreads, 1), func(threadID string, _ struct{}) {
		p.evictedThreads = append(p.evictedThreads, threadID)
	})
	p.threadLRU = threadLRU
	return p
}

// Snapshot returns the current immutable RuntimeState. Two consecutive
// calls without an intervening write return the identical pointer.
func (p *Projector) Snapshot() *RuntimeState {
	return p.current.Load()
}

// SetConnection updates the connection phase/generation.
func (p *Projector) SetConnection(conn Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.cloneTop()
	next.Connection = conn
	p.current.Store(next)
}

// InsertPendingServerRequest records an approval awaiting response.
func (p *Projector) InsertPendingServerRequest(approvalID string, req PendingServerRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.cloneTop()
	next.PendingServerRequests[approvalID] = req
	p.current.Store(next)
}

// RemovePendingServerRequest removes one approval by id.
func (p *Projector) RemovePendingServerRequest(approvalID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.cloneTop()
	delete(next.PendingServerRequests, approvalID)
	p.current.Store(next)
}

// ClearPendingServerRequests drops every recorded approval, used on
// transport close.
func (p *Projector) ClearPendingServerRequests() {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.cloneTop()
	next.PendingServerRequests = make(map[string]PendingServerRequest)
	p.current.Store(next)
}

// ApplyEnvelope reduces one envelope into the state tree and publishes the
// resulting snapshot.
func (p *Projector) ApplyEnvelope(env *envelope.Envelope) *RuntimeState {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.cloneTop()
	p.reduceInto(next, env)
	p.drainEvictions(next)
	p.current.Store(next)
	return next
}

// drainEvictions applies every LRU eviction notice recorded while building
// next directly into next, then clears the notice lists.
func (p *Projector) drainEvictions(next *RuntimeState) {
	for _, threadID := range p.evictedThreads {
		delete(next.Threads, threadID)
		delete(p.turnLRU, threadID)
	}
	p.evictedThreads = p.evictedThreads[:0]

	for _, key := range p.evictedTurns {
		if thread, ok := next.Threads[key.threadID]; ok {
			thread = cloneThread(thread)
			delete(thread.Turns, key.turnID)
			if thread.ActiveTurn == key.turnID {
				thread.ActiveTurn = ""
			}
			next.Threads[key.threadID] = thread
		}
		delete(p.itemLRU, key)
	}
	p.evictedTurns = p.evictedTurns[:0]

	for _, ev := range p.evictedItems {
		if thread, ok := next.Threads[ev.threadID]; ok {
			if turn, ok := thread.Turns[ev.turnID]; ok {
				thread = cloneThread(thread)
				turn = cloneTurn(turn)
				delete(turn.Items, ev.itemID)
				thread.Turns[ev.turnID] = turn
				next.Threads[ev.threadID] = thread
			}
		}
	}
	p.evictedItems = p.evictedItems[:0]
}

// cloneTop shallow-copies the top-level maps of the current snapshot so
// in-flight readers keep seeing the prior, unmutated value.
func (p *Projector) cloneTop() *RuntimeState {
	prev := p.current.Load()
	next := &RuntimeState{
		Connection:            prev.Connection,
		Threads:               make(map[string]*ThreadState, len(prev.Threads)),
		PendingServerRequests: make(map[string]PendingServerRequest, len(prev.PendingServerRequests)),
	}
	for k, v := range prev.Threads {
		next.Threads[k] = v
	}
	for k, v := range prev.PendingServerRequests {
		next.PendingServerRequests[k] = v
	}
	return next
}

func cloneThread(t *ThreadState) *ThreadState {
	clone := &ThreadState{ActiveTurn: t.ActiveTurn, LastSeq: t.LastSeq, Turns: make(map[string]*TurnState, len(t.Turns))}
	for k, v := range t.Turns {
		clone.Turns[k] = v
	}
	return clone
}

func cloneTurn(t *TurnState) *TurnState {
	clone := &TurnState{Status: t.Status, LastSeq: t.LastSeq, Items: make(map[string]*ItemState, len(t.Items))}
	for k, v := range t.Items {
		clone.Items[k] = v
	}
	return clone
}

func cloneItem(i *ItemState) *ItemState {
	clone := *i
	return &clone
}

func (p *Projector) reduceInto(next *RuntimeState, env *envelope.Envelope) {
	params := decodeParams(env.Raw)
	threadID, turnID, itemID := env.Ids.ThreadID, env.Ids.TurnID, env.Ids.ItemID

	switch env.Method {
	case "thread/started":
		p.touchThread(next, threadID, env.Seq)
	case "turn/started":
		p.touchThread(next, threadID, env.Seq)
		p.touchTurn(next, threadID, turnID, env.Seq, TurnInProgress)
		thread := cloneThread(next.Threads[threadID])
		thread.ActiveTurn = turnID
		thread.LastSeq = env.Seq
		next.Threads[threadID] = thread
	case "turn/completed":
		p.setTurnTerminal(next, threadID, turnID, env.Seq, TurnCompleted)
	case "turn/failed":
		p.setTurnTerminal(next, threadID, turnID, env.Seq, TurnFailed)
	case "turn/interrupted":
		p.setTurnTerminal(next, threadID, turnID, env.Seq, TurnInterrupted)
	case "item/started":
		p.touchThread(next, threadID, env.Seq)
		p.touchTurn(next, threadID, turnID, env.Seq, TurnInProgress)
		p.touchItem(next, threadID, turnID, itemID, env.Seq)
		itemType, _ := stringField(params, "itemType")
		item := cloneItem(next.Threads[threadID].Turns[turnID].Items[itemID])
		item.ItemType = itemType
		item.LastSeq = env.Seq
		setItem(next, threadID, turnID, itemID, item)
	case "item/agentMessage/delta":
		delta, _ := stringField(params, "delta")
		p.appendText(next, threadID, turnID, itemID, env.Seq, delta)
	case "item/commandExecution/outputDelta":
		stdout, _ := stringField(params, "stdout")
		stderr, _ := stringField(params, "stderr")
		p.appendStdio(next, threadID, turnID, itemID, env.Seq, stdout, stderr)
	case "item/completed":
		item, ok := itemAt(next, threadID, turnID, itemID)
		if !ok {
			return
		}
		clone := cloneItem(item)
		clone.Completed = true
		clone.LastSeq = env.Seq
		setItem(next, threadID, turnID, itemID, clone)
	}
}

func (p *Projector) setTurnTerminal(next *RuntimeState, threadID, turnID string, seq uint64, status TurnStatus) {
	thread, ok := next.Threads[threadID]
	if !ok {
		return
	}
	turn, ok := thread.Turns[turnID]
	if !ok {
		return
	}
	threadClone := cloneThread(thread)
	turnClone := cloneTurn(turn)
	turnClone.Status = status
	turnClone.LastSeq = seq
	threadClone.Turns[turnID] = turnClone
	if threadClone.ActiveTurn == turnID {
		threadClone.ActiveTurn = ""
	}
	next.Threads[threadID] = threadClone
}

func (p *Projector) touchThread(next *RuntimeState, threadID string, seq uint64) {
	thread, ok := next.Threads[threadID]
	if !ok {
		thread = &ThreadState{Turns: make(map[string]*TurnState)}
	} else {
		thread = cloneThread(thread)
	}
	thread.LastSeq = seq
	next.Threads[threadID] = thread

	p.threadLRU.Add(threadID, struct{}{})
}

func (p *Projector) touchTurn(next *RuntimeState, threadID, turnID string, seq uint64, defaultStatus TurnStatus) {
	thread := cloneThread(next.Threads[threadID])
	turn, ok := thread.Turns[turnID]
	if !ok {
		turn = &TurnState{Status: defaultStatus, Items: make(map[string]*ItemState)}
		thread.Turns[turnID] = turn
	}
	turn.LastSeq = seq
	next.Threads[threadID] = thread

	turnLRU, ok := p.turnLRU[threadID]
	if !ok {
		capacity := max(p.limits.MaxTurnsPerThread, 1)
		turnLRU, _ = lru.NewWithEvict[string, struct{}](capacity, func(evictedTurnID string, _ struct{}) {
			p.evictedTurns = append(p.evictedTurns, turnKey{threadID: threadID, turnID: evictedTurnID})
		})
		p.turnLRU[threadID] = turnLRU
	}
	turnLRU.Add(turnID, struct{}{})
}

func (p *Projector) touchItem(next *RuntimeState, threadID, turnID, itemID string, seq uint64) {
	thread := cloneThread(next.Threads[threadID])
	turn := cloneTurn(thread.Turns[turnID])
	item, ok := turn.Items[itemID]
	if !ok {
		item = &ItemState{}
		turn.Items[itemID] = item
	}
	item.LastSeq = seq
	thread.Turns[turnID] = turn
	next.Threads[threadID] = thread

	key := turnKey{threadID: threadID, turnID: turnID}
	itemLRU, ok2 := p.itemLRU[key]
	if !ok2 {
		capacity := max(p.limits.MaxItemsPerTurn, 1)
		itemLRU, _ = lru.NewWithEvict[string, struct{}](capacity, func(evictedItemID string, _ struct{}) {
			p.evictedItems = append(p.evictedItems, struct {
				turnKey
				itemID string
			}{turnKey: key, itemID: evictedItemID})
		})
		p.itemLRU[key] = itemLRU
	}
	itemLRU.Add(itemID, struct{}{})
}

func itemAt(next *RuntimeState, threadID, turnID, itemID string) (*ItemState, bool) {
	thread, ok := next.Threads[threadID]
	if !ok {
		return nil, false
	}
	turn, ok := thread.Turns[turnID]
	if !ok {
		return nil, false
	}
	item, ok := turn.Items[itemID]
	return item, ok
}

func setItem(next *RuntimeState, threadID, turnID, itemID string, item *ItemState) {
	thread := cloneThread(next.Threads[threadID])
	turn := cloneTurn(thread.Turns[turnID])
	turn.Items[itemID] = item
	thread.Turns[turnID] = turn
	next.Threads[threadID] = thread
}

func (p *Projector) appendText(next *RuntimeState, threadID, turnID, itemID string, seq uint64, delta string) {
	p.touchThread(next, threadID, seq)
	p.touchTurn(next, threadID, turnID, seq, TurnInProgress)
	p.touchItem(next, threadID, turnID, itemID, seq)

	item, ok := itemAt(next, threadID, turnID, itemID)
	if !ok || delta == "" {
		return
	}
	clone := cloneItem(item)
	appended, truncated := appendBounded(clone.TextAccum, delta, p.limits.MaxTextBytesPerItem)
	clone.TextAccum = appended
	if truncated {
		clone.TextTruncated = true
	}
	setItem(next, threadID, turnID, itemID, clone)
}

func (p *Projector) appendStdio(next *RuntimeState, threadID, turnID, itemID string, seq uint64, stdout, stderr string) {
	p.touchThread(next, threadID, seq)
	p.touchTurn(next, threadID, turnID, seq, TurnInProgress)
	p.touchItem(next, threadID, turnID, itemID, seq)

	item, ok := itemAt(next, threadID, turnID, itemID)
	if !ok {
		return
	}
	clone := cloneItem(item)
	if stdout != "" {
		appended, truncated := appendBounded(clone.StdoutAccum, stdout, p.limits.MaxStdoutBytesPerItem)
		clone.StdoutAccum = appended
		if truncated {
			clone.StdoutTruncated = true
		}
	}
	if stderr != "" {
		appended, truncated := appendBounded(clone.StderrAccum, stderr, p.limits.MaxStderrBytesPerItem)
		clone.StderrAccum = appended
		if truncated {
			clone.StderrTruncated = true
		}
	}
	setItem(next, threadID, turnID, itemID, clone)
}

// appendBounded appends addition to accum, capping total length at capBytes
// (0 means unbounded) and reporting whether bytes were dropped.
func appendBounded(accum, addition string, capBytes int) (string, bool) {
	if capBytes <= 0 {
		return accum + addition, false
	}
	combined := accum + addition
	if len(combined) <= capBytes {
		return combined, false
	}
	return combined[:capBytes], true
}

func decodeParams(raw []byte) map[string]json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var envelope struct {
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}
	var params map[string]json.RawMessage
	if err := json.Unmarshal(envelope.Params, &params); err != nil {
		return nil
	}
	return params
}

func stringField(obj map[string]json.RawMessage, key string) (string, bool) {
	if obj == nil {
		return "", false
	}
	raw, present := obj[key]
	if !present {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
