package dispatcher

import (
	"sync"

	"github.com/corerun/agentcore/internal/envelope"
	"github.com/corerun/agentcore/internal/metrics"
)

// Broadcaster is a lossy multi-consumer fan-out of Envelopes: a slow or
// absent subscriber never blocks publishing, it just misses envelopes and
// increments broadcast_send_failed, per SPEC_FULL.md §4.6/§8.
type Broadcaster struct {
	mu       sync.Mutex
	subs     map[int]chan envelope.Envelope
	nextID   int
	capacity int
	metrics  *metrics.Metrics
}

// NewBroadcaster constructs a Broadcaster whose per-subscriber channels are
// buffered to capacity.
func NewBroadcaster(capacity int, m *metrics.Metrics) *Broadcaster {
	if capacity <= 0 {
		capacity = 1
	}
	return &Broadcaster{
		subs:     make(map[int]chan envelope.Envelope),
		capacity: capacity,
		metrics:  m,
	}
}

// Subscribe registers a new consumer and returns its channel plus an
// unsubscribe func. Calling the func more than once is a no-op.
func (b *Broadcaster) Subscribe() (<-chan envelope.Envelope, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan envelope.Envelope, b.capacity)
	b.subs[id] = ch
	b.mu.Unlock()

	unsubscribeOnce := sync.Once{}
	unsubscribe := func() {
		unsubscribeOnce.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Publish fans env out to every current subscriber, dropping it for any
// subscriber whose channel is full.
func (b *Broadcaster) Publish(env envelope.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
			if b.metrics != nil {
				b.metrics.RecordBroadcastSendFailed()
			}
		}
	}
}
