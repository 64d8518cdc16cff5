package subscription

import "sort"

// buffer is a bounded sequence ordered by EventNumber ascending, partitioned
// into a history segment and a live segment. History always sorts before
// live when both are present, so dispatch drains history first. Callers
// hold the engine's single logical lock; buffer has no lock of its own.
type buffer struct {
	historyCap int
	liveCap    int
	history    []BufferedEvent
	live       []BufferedEvent
}

func newBuffer(historyCap, liveCap int) *buffer {
	return &buffer{historyCap: historyCap, liveCap: liveCap}
}

func insertSorted(list []BufferedEvent, bev BufferedEvent) []BufferedEvent {
	idx := sort.Search(len(list), func(i int) bool { return list[i].Event.EventNumber >= bev.Event.EventNumber })
	list = append(list, BufferedEvent{})
	copy(list[idx+1:], list[idx:])
	list[idx] = bev
	return list
}

// EnqueueHistory inserts a page of history events, ascending by
// EventNumber. The engine sizes read requests so a page normally fits;
// anything past the cap is left for the next read.
func (b *buffer) EnqueueHistory(events []StreamEvent) {
	for _, ev := range events {
		if len(b.history) >= b.historyCap {
			return
		}
		b.history = insertSorted(b.history, BufferedEvent{Event: ev, Source: SourceHistory})
	}
}

// EnqueueLive is a no-op, reporting false, once the live segment is full;
// the History Reader re-fetches the dropped range once it catches up.
func (b *buffer) EnqueueLive(bev BufferedEvent) bool {
	if len(b.live) >= b.liveCap {
		return false
	}
	b.live = insertSorted(b.live, bev)
	return true
}

// Peek returns the next event that would be popped, without removing it.
func (b *buffer) Peek() (BufferedEvent, bool) {
	if len(b.history) > 0 {
		return b.history[0], true
	}
	if len(b.live) > 0 {
		return b.live[0], true
	}
	return BufferedEvent{}, false
}

// Pop removes and returns the head event, history segment first.
func (b *buffer) Pop() (BufferedEvent, bool) {
	if len(b.history) > 0 {
		bev := b.history[0]
		b.history = b.history[1:]
		return bev, true
	}
	if len(b.live) > 0 {
		bev := b.live[0]
		b.live = b.live[1:]
		return bev, true
	}
	return BufferedEvent{}, false
}

// Requeue reinserts an event (on nak or timeout) preserving its EventNumber
// ordering against any other pending or requeued entry in its own segment.
func (b *buffer) Requeue(bev BufferedEvent) {
	if bev.Source == SourceHistory {
		b.history = insertSorted(b.history, bev)
		return
	}
	b.live = insertSorted(b.live, bev)
}

// PromoteLiveToHistory retags the live segment as history, keeping order.
// Used when the engine falls back from Live to CatchingUp: the already
// accepted live events are contiguous below the read frontier and must
// dispatch ahead of the pages the reader fetches next.
func (b *buffer) PromoteLiveToHistory() {
	for _, bev := range b.live {
		bev.Source = SourceHistory
		b.history = insertSorted(b.history, bev)
	}
	b.live = b.live[:0]
}

// DropLive discards the entire live segment, relied on when a gap or
// overflow makes the segment untrustworthy and the reader will re-fetch.
func (b *buffer) DropLive() {
	b.live = b.live[:0]
}

// LastLive returns the highest-numbered buffered live event, if any.
func (b *buffer) LastLive() (BufferedEvent, bool) {
	if len(b.live) == 0 {
		return BufferedEvent{}, false
	}
	return b.live[len(b.live)-1], true
}

// FirstLive returns the lowest-numbered buffered live event, if any.
func (b *buffer) FirstLive() (BufferedEvent, bool) {
	if len(b.live) == 0 {
		return BufferedEvent{}, false
	}
	return b.live[0], true
}

func (b *buffer) Size() int        { return len(b.history) + len(b.live) }
func (b *buffer) HistorySize() int { return len(b.history) }
func (b *buffer) LiveSize() int    { return len(b.live) }
