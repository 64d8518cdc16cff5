package subscription

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// retryEntry is a back-reference the retry tracker holds for timeout scans;
// canonical ownership of the in-flight data remains the client.
type retryEntry struct {
	CorrelationID string
	EventID       uuid.UUID
	Deadline      time.Time
}

// retryTracker maintains a deadline-ordered index of in-flight entries
// across every client, so a single tick(now) call can evict everything
// past its timeout without scanning every client's map.
type retryTracker struct {
	timeout time.Duration
	entries []retryEntry
}

func newRetryTracker(timeout time.Duration) *retryTracker {
	return &retryTracker{timeout: timeout}
}

// RegisterDispatch records a freshly dispatched event's deadline.
func (t *retryTracker) RegisterDispatch(correlationID string, eventID uuid.UUID, dispatchedAt time.Time) {
	t.insert(retryEntry{CorrelationID: correlationID, EventID: eventID, Deadline: dispatchedAt.Add(t.timeout)})
}

func (t *retryTracker) insert(e retryEntry) {
	idx := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Deadline.After(e.Deadline) })
	t.entries = append(t.entries, retryEntry{})
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = e
}

// Remove drops the tracked entry for (correlationID, eventID), on ack or
// nak. It is a no-op if the pair is not tracked.
func (t *retryTracker) Remove(correlationID string, eventID uuid.UUID) {
	for i, e := range t.entries {
		if e.CorrelationID == correlationID && e.EventID == eventID {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// RemoveClient drops every tracked entry belonging to correlationID, on
// removeClient.
func (t *retryTracker) RemoveClient(correlationID string) {
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.CorrelationID != correlationID {
			kept = append(kept, e)
		}
	}
	t.entries = kept
}

// Expired pops every entry whose deadline has passed as of now, in deadline
// order, for tick(now) to act on.
func (t *retryTracker) Expired(now time.Time) []retryEntry {
	n := 0
	for n < len(t.entries) && !t.entries[n].Deadline.After(now) {
		n++
	}
	if n == 0 {
		return nil
	}
	expired := make([]retryEntry, n)
	copy(expired, t.entries[:n])
	t.entries = t.entries[n:]
	return expired
}

func (t *retryTracker) Len() int { return len(t.entries) }
