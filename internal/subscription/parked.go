package subscription

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/google/uuid"
)

// parkedList is the in-memory, bounded record of events that exceeded
// maxRetryCount or were nak'd with park. It is intentionally not durable: a poisonous producer
// can park an unbounded number of events over the lifetime of a
// subscription, so the list itself must be bounded rather than the
// parking decision.
type parkedList struct {
	cache *lru.Cache[uuid.UUID, ParkedEvent]
}

func newParkedList(capacity int) *parkedList {
	if capacity <= 0 {
		capacity = 1
	}
	cache, err := lru.New[uuid.UUID, ParkedEvent](capacity)
	if err != nil {
		// Only returns an error for a non-positive size, guarded above.
		panic(err)
	}
	return &parkedList{cache: cache}
}

func (p *parkedList) Add(ev ParkedEvent) {
	p.cache.Add(ev.Event.EventID, ev)
}

// Snapshot returns the parked events in no particular order, for operator
// inspection (Engine.ParkedEvents).
func (p *parkedList) Snapshot() []ParkedEvent {
	keys := p.cache.Keys()
	out := make([]ParkedEvent, 0, len(keys))
	for _, k := range keys {
		if v, ok := p.cache.Peek(k); ok {
			out = append(out, v)
		}
	}
	return out
}

func (p *parkedList) Len() int {
	return p.cache.Len()
}
