package subscription

// DispatchPolicy selects how the dispatcher picks a client for the next
// event.
type DispatchPolicy int

const (
	// PreferRoundRobin rotates across clients with free capacity.
	PreferRoundRobin DispatchPolicy = iota
	// PreferDispatchToSingle sticks to one client until it saturates.
	PreferDispatchToSingle
)

// dispatcher implements the C3 selection policy over the C2 registry. It
// holds no event state of its own; the engine supplies the buffer and
// registry on each dispatch attempt.
type dispatcher struct {
	policy       DispatchPolicy
	rrCursor     int
	stickyCursor int
}

func newDispatcher(policy DispatchPolicy) *dispatcher {
	return &dispatcher{policy: policy}
}

// selectClient returns the correlationId of the next client with free
// capacity, per the configured policy, or false if none is eligible.
func (d *dispatcher) selectClient(r *registry) (string, bool) {
	switch d.policy {
	case PreferDispatchToSingle:
		return d.selectSticky(r)
	default:
		return d.selectRoundRobin(r)
	}
}

func (d *dispatcher) selectRoundRobin(r *registry) (string, bool) {
	order := r.Order()
	n := len(order)
	if n == 0 {
		return "", false
	}
	for i := 0; i < n; i++ {
		idx := (d.rrCursor + i) % n
		id := order[idx]
		c, ok := r.Get(id)
		if !ok || !c.hasCapacity() {
			continue
		}
		d.rrCursor = (idx + 1) % n
		return id, true
	}
	return "", false
}

// selectSticky dispatches to the sticky client while it has capacity;
// falls through to the next client in insertion order only once the
// sticky client is saturated and the buffer has waiters.
func (d *dispatcher) selectSticky(r *registry) (string, bool) {
	order := r.Order()
	n := len(order)
	if n == 0 {
		return "", false
	}
	if d.stickyCursor >= n {
		d.stickyCursor = 0
	}
	stickyID := order[d.stickyCursor]
	if c, ok := r.Get(stickyID); ok && c.hasCapacity() {
		return stickyID, true
	}
	for i := 1; i < n; i++ {
		idx := (d.stickyCursor + i) % n
		id := order[idx]
		c, ok := r.Get(id)
		if !ok || !c.hasCapacity() {
			continue
		}
		d.stickyCursor = idx
		return id, true
	}
	return "", false
}

// onClientRemoved clamps cursors after the registry shrinks, so a stale
// index doesn't skip a client or panic on the next selection.
func (d *dispatcher) onClientRemoved(r *registry) {
	n := r.Count()
	if n == 0 {
		d.rrCursor, d.stickyCursor = 0, 0
		return
	}
	if d.rrCursor >= n {
		d.rrCursor = 0
	}
	if d.stickyCursor >= n {
		d.stickyCursor = 0
	}
}
