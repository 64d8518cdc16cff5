package filelog

import (
	"testing"
	"time"

	"github.com/kestrelio/subengine/internal/subscription"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	log, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() returned error: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

func TestAppendAssignsDenseNumbers(t *testing.T) {
	log := openTestLog(t)

	first, err := log.Append("orders",
		subscription.StreamEvent{EventType: "order-placed", Data: []byte(`{"id":1}`)},
		subscription.StreamEvent{EventType: "order-placed", Data: []byte(`{"id":2}`)},
	)
	if err != nil {
		t.Fatalf("Append() returned error: %v", err)
	}
	if first[0].EventNumber != 0 || first[1].EventNumber != 1 {
		t.Fatalf("numbers = %d,%d, want 0,1", first[0].EventNumber, first[1].EventNumber)
	}

	second, err := log.Append("orders", subscription.StreamEvent{EventType: "order-shipped"})
	if err != nil {
		t.Fatalf("Append() returned error: %v", err)
	}
	if second[0].EventNumber != 2 {
		t.Fatalf("continued number = %d, want 2", second[0].EventNumber)
	}
}

func TestReadBatchPagesThroughAppendedFrames(t *testing.T) {
	log := openTestLog(t)
	for i := 0; i < 5; i++ {
		if _, err := log.Append("orders", subscription.StreamEvent{EventType: "order-placed"}); err != nil {
			t.Fatalf("Append() returned error: %v", err)
		}
	}

	//1.- First page covers part of the stream and is not caught up.
	events, next, caughtUp, err := log.ReadBatch("orders", 0, 3)
	if err != nil {
		t.Fatalf("ReadBatch() returned error: %v", err)
	}
	if len(events) != 3 || next != 3 || caughtUp {
		t.Fatalf("page 1 = (%d events, next %d, caughtUp %t)", len(events), next, caughtUp)
	}
	for i, ev := range events {
		if ev.EventNumber != int64(i) {
			t.Fatalf("page 1 event %d has number %d", i, ev.EventNumber)
		}
	}

	//2.- Second page drains the rest and reports the tail.
	events, next, caughtUp, err = log.ReadBatch("orders", next, 3)
	if err != nil {
		t.Fatalf("ReadBatch() returned error: %v", err)
	}
	if len(events) != 2 || next != 5 || !caughtUp {
		t.Fatalf("page 2 = (%d events, next %d, caughtUp %t)", len(events), next, caughtUp)
	}
}

func TestReadBatchEmptyStream(t *testing.T) {
	log := openTestLog(t)

	events, next, caughtUp, err := log.ReadBatch("orders", 0, 10)
	if err != nil {
		t.Fatalf("ReadBatch() returned error: %v", err)
	}
	if len(events) != 0 || next != 0 || !caughtUp {
		t.Fatalf("empty stream = (%d events, next %d, caughtUp %t)", len(events), next, caughtUp)
	}
}

func TestTailSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() returned error: %v", err)
	}
	if _, err := log.Append("orders", subscription.StreamEvent{EventType: "order-placed"}); err != nil {
		t.Fatalf("Append() returned error: %v", err)
	}
	log.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen returned error: %v", err)
	}
	defer reopened.Close()

	stamped, err := reopened.Append("orders", subscription.StreamEvent{EventType: "order-shipped"})
	if err != nil {
		t.Fatalf("Append() after reopen returned error: %v", err)
	}
	if stamped[0].EventNumber != 1 {
		t.Fatalf("number after reopen = %d, want 1", stamped[0].EventNumber)
	}
}

func TestStreamsAreIsolated(t *testing.T) {
	log := openTestLog(t)
	if _, err := log.Append("orders", subscription.StreamEvent{EventType: "order-placed"}); err != nil {
		t.Fatalf("Append() returned error: %v", err)
	}
	if _, err := log.Append("payments", subscription.StreamEvent{EventType: "payment-received"}); err != nil {
		t.Fatalf("Append() returned error: %v", err)
	}

	events, _, _, err := log.ReadBatch("payments", 0, 10)
	if err != nil {
		t.Fatalf("ReadBatch() returned error: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "payment-received" {
		t.Fatalf("payments stream = %+v", events)
	}
}

func TestLoaderDeliversCompletion(t *testing.T) {
	log := openTestLog(t)
	if _, err := log.Append("orders", subscription.StreamEvent{EventType: "order-placed"}); err != nil {
		t.Fatalf("Append() returned error: %v", err)
	}
	loader := NewLoader(log, "orders")

	type completion struct {
		events   []subscription.StreamEvent
		next     int64
		caughtUp bool
		err      error
	}
	done := make(chan completion, 1)
	loader.BeginLoad("orders:billing", 0, 10, func(events []subscription.StreamEvent, next int64, caughtUp bool, err error) {
		done <- completion{events, next, caughtUp, err}
	})

	select {
	case c := <-done:
		if c.err != nil {
			t.Fatalf("completion error: %v", c.err)
		}
		if len(c.events) != 1 || c.next != 1 || !c.caughtUp {
			t.Fatalf("completion = (%d events, next %d, caughtUp %t)", len(c.events), c.next, c.caughtUp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loader completion did not arrive")
	}
}
