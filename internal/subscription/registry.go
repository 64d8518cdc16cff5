package subscription

import (
	"time"

	"github.com/google/uuid"
)

// inFlightEntry is held jointly by the owning client and the retry tracker;
// canonical ownership is the client. Created on dispatch, destroyed on ack,
// recycled to the buffer on nak or timeout.
type inFlightEntry struct {
	Event        BufferedEvent
	DispatchedAt time.Time
}

// client is a connected member of the competing-consumer group.
type client struct {
	ConnectionID       string
	CorrelationID      string
	ReplyTarget        ReplySink
	AllowedOutstanding int
	From               string
	User               string

	inFlight map[uuid.UUID]*inFlightEntry
}

func (c *client) hasCapacity() bool {
	return len(c.inFlight) < c.AllowedOutstanding
}

// registry is the ordered set of connected clients, idempotent by
// (connectionID, correlationID).
type registry struct {
	order   []string
	clients map[string]*client
}

func newRegistry() *registry {
	return &registry{clients: make(map[string]*client)}
}

// Add registers a client, or is a no-op if the correlationID is already
// present with the same connectionID.
func (r *registry) Add(connectionID, correlationID string, replyTarget ReplySink, allowedOutstanding int, from, user string) *client {
	if existing, ok := r.clients[correlationID]; ok && existing.ConnectionID == connectionID {
		return existing
	}
	c := &client{
		ConnectionID:       connectionID,
		CorrelationID:      correlationID,
		ReplyTarget:        replyTarget,
		AllowedOutstanding: allowedOutstanding,
		From:               from,
		User:               user,
		inFlight:           make(map[uuid.UUID]*inFlightEntry),
	}
	r.clients[correlationID] = c
	r.order = append(r.order, correlationID)
	return c
}

// Remove deregisters a client and returns its in-flight events so the
// caller can requeue them, as if each had been nak'd.
func (r *registry) Remove(correlationID string) ([]BufferedEvent, bool) {
	c, ok := r.clients[correlationID]
	if !ok {
		return nil, false
	}
	delete(r.clients, correlationID)
	for i, id := range r.order {
		if id == correlationID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	requeued := make([]BufferedEvent, 0, len(c.inFlight))
	for _, entry := range c.inFlight {
		requeued = append(requeued, entry.Event)
	}
	return requeued, true
}

func (r *registry) Get(correlationID string) (*client, bool) {
	c, ok := r.clients[correlationID]
	return c, ok
}

func (r *registry) ForEach(fn func(*client)) {
	for _, id := range r.order {
		fn(r.clients[id])
	}
}

func (r *registry) Count() int { return len(r.order) }

func (r *registry) Order() []string { return r.order }
