package subscription

import (
	"testing"

	"github.com/google/uuid"
)

func buffered(n int64, source EventSource) BufferedEvent {
	return BufferedEvent{
		Event:  StreamEvent{EventNumber: n, EventID: uuid.New(), EventType: "test-event"},
		Source: source,
	}
}

func TestBufferDrainsHistoryBeforeLive(t *testing.T) {
	b := newBuffer(10, 10)
	b.EnqueueLive(buffered(5, SourceLive))
	b.EnqueueHistory([]StreamEvent{{EventNumber: 3, EventID: uuid.New()}, {EventNumber: 4, EventID: uuid.New()}})

	var popped []int64
	for {
		bev, ok := b.Pop()
		if !ok {
			break
		}
		popped = append(popped, bev.Event.EventNumber)
	}
	want := []int64{3, 4, 5}
	if len(popped) != len(want) {
		t.Fatalf("popped %d events, want %d", len(popped), len(want))
	}
	for i, n := range want {
		if popped[i] != n {
			t.Fatalf("pop order %v, want %v", popped, want)
		}
	}
}

func TestBufferLiveCapDropsNewArrivals(t *testing.T) {
	b := newBuffer(10, 2)
	if !b.EnqueueLive(buffered(0, SourceLive)) || !b.EnqueueLive(buffered(1, SourceLive)) {
		t.Fatal("expected the first two live events to be accepted")
	}
	if b.EnqueueLive(buffered(2, SourceLive)) {
		t.Fatal("expected the live cap to reject the third event")
	}
	if b.LiveSize() != 2 {
		t.Fatalf("LiveSize() = %d, want 2", b.LiveSize())
	}
}

func TestBufferRequeuePreservesOrder(t *testing.T) {
	b := newBuffer(10, 10)
	b.EnqueueHistory([]StreamEvent{{EventNumber: 0, EventID: uuid.New()}, {EventNumber: 1, EventID: uuid.New()}, {EventNumber: 2, EventID: uuid.New()}})

	first, _ := b.Pop()
	second, _ := b.Pop()

	//1.- Requeue the later pop first; ordering must still come out by event number.
	b.Requeue(second)
	b.Requeue(first)

	head, ok := b.Peek()
	if !ok || head.Event.EventNumber != 0 {
		t.Fatalf("head after requeue = %+v, want event 0", head)
	}
}

func TestBufferPromoteLiveToHistory(t *testing.T) {
	b := newBuffer(10, 10)
	b.EnqueueLive(buffered(7, SourceLive))
	b.EnqueueLive(buffered(8, SourceLive))

	b.PromoteLiveToHistory()

	if b.LiveSize() != 0 || b.HistorySize() != 2 {
		t.Fatalf("sizes after promote: history=%d live=%d", b.HistorySize(), b.LiveSize())
	}
	head, _ := b.Peek()
	if head.Source != SourceHistory {
		t.Fatalf("promoted head still tagged %v", head.Source)
	}
}

func TestBufferFirstAndLastLive(t *testing.T) {
	b := newBuffer(10, 10)
	if _, ok := b.FirstLive(); ok {
		t.Fatal("FirstLive() on an empty segment must report false")
	}
	b.EnqueueLive(buffered(4, SourceLive))
	b.EnqueueLive(buffered(5, SourceLive))

	first, _ := b.FirstLive()
	last, _ := b.LastLive()
	if first.Event.EventNumber != 4 || last.Event.EventNumber != 5 {
		t.Fatalf("FirstLive=%d LastLive=%d, want 4 and 5", first.Event.EventNumber, last.Event.EventNumber)
	}
}
