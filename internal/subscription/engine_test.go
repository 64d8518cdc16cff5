package subscription

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelio/subengine/internal/config"
)

type loadCall struct {
	from  int64
	count int
}

// stubLoader records read requests; tests feed completions back through
// Engine.HandleReadCompleted by hand.
type stubLoader struct {
	calls []loadCall
}

func (l *stubLoader) BeginLoad(subscriptionID string, from int64, count int, onCompleted func([]StreamEvent, int64, bool, error)) {
	l.calls = append(l.calls, loadCall{from: from, count: count})
}

// stubCheckpointReader completes synchronously unless manual is set, in
// which case the test invokes Complete later.
type stubCheckpointReader struct {
	value    int64
	ok       bool
	manual   bool
	callback func(int64, bool)
}

func (r *stubCheckpointReader) BeginLoadState(subscriptionID string, onStateLoaded func(int64, bool)) {
	if r.manual {
		r.callback = onStateLoaded
		return
	}
	onStateLoaded(r.value, r.ok)
}

func (r *stubCheckpointReader) Complete() {
	if r.callback != nil {
		r.callback(r.value, r.ok)
	}
}

// stubCheckpointWriter records written values. With hold set it retains
// the completion so tests can exercise the supersede path.
type stubCheckpointWriter struct {
	values []int64
	hold   bool
	held   func(bool)
}

func (w *stubCheckpointWriter) BeginWriteState(subscriptionID string, lastAcked int64, onCompleted func(bool)) error {
	w.values = append(w.values, lastAcked)
	if w.hold {
		w.held = onCompleted
		return nil
	}
	onCompleted(true)
	return nil
}

func (w *stubCheckpointWriter) Release(ok bool) {
	held := w.held
	w.held = nil
	if held != nil {
		held(ok)
	}
}

type captureSink struct {
	events []DispatchedEvent
}

func (s *captureSink) Send(ev DispatchedEvent) error {
	s.events = append(s.events, ev)
	return nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testEvent(n int64) StreamEvent {
	return StreamEvent{
		EventNumber: n,
		EventID:     uuid.New(),
		EventType:   "test-event",
		Data:        []byte(fmt.Sprintf(`{"n":%d}`, n)),
	}
}

type engineFixture struct {
	engine *Engine
	loader *stubLoader
	reader *stubCheckpointReader
	writer *stubCheckpointWriter
	clock  *fakeClock
}

func newFixture(t *testing.T, mutate func(*Params)) *engineFixture {
	t.Helper()
	fx := &engineFixture{
		loader: &stubLoader{},
		reader: &stubCheckpointReader{},
		writer: &stubCheckpointWriter{},
		clock:  &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	params := Params{
		Config: config.SubscriptionConfig{
			StreamName:         "streamName",
			GroupName:          "groupName",
			StartFrom:          -1,
			Timeout:            time.Second,
			MaxRetryCount:      10,
			LiveBufferSize:     500,
			HistoryBufferSize:  20,
			ReadBatchSize:      500,
			PreferRoundRobin:   true,
			CheckpointInterval: 100,
			CheckpointMaxDelay: 5 * time.Second,
		},
		Loader:           fx.loader,
		CheckpointReader: fx.reader,
		CheckpointWriter: fx.writer,
		Clock:            fx.clock.Now,
	}
	if mutate != nil {
		mutate(&params)
	}
	engine, err := New(params)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	fx.engine = engine
	return fx
}

func TestNewRejectsInvalidParams(t *testing.T) {
	loader := &stubLoader{}
	reader := &stubCheckpointReader{}
	writer := &stubCheckpointWriter{}
	base := func() Params {
		return Params{
			Config:           config.SubscriptionConfig{StreamName: "s", GroupName: "g"},
			Loader:           loader,
			CheckpointReader: reader,
			CheckpointWriter: writer,
		}
	}

	cases := []struct {
		name   string
		mutate func(*Params)
	}{
		{"empty stream", func(p *Params) { p.Config.StreamName = "" }},
		{"empty group", func(p *Params) { p.Config.GroupName = "" }},
		{"nil loader", func(p *Params) { p.Loader = nil }},
		{"nil checkpoint reader", func(p *Params) { p.CheckpointReader = nil }},
		{"nil checkpoint writer", func(p *Params) { p.CheckpointWriter = nil }},
		{"startFrom below -1", func(p *Params) { p.Config.StartFrom = -2 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := base()
			tc.mutate(&params)
			_, err := New(params)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var engineErr *EngineError
			if !errors.As(err, &engineErr) || engineErr.Kind != InvalidArgument {
				t.Fatalf("expected InvalidArgument, got %v", err)
			}
		})
	}
}

func TestEngineIdentity(t *testing.T) {
	fx := newFixture(t, nil)

	if got := fx.engine.SubscriptionID(); got != "streamName:groupName" {
		t.Fatalf("SubscriptionID() = %q, want %q", got, "streamName:groupName")
	}
	if got := fx.engine.EventStreamID(); got != "streamName" {
		t.Fatalf("EventStreamID() = %q", got)
	}
	if got := fx.engine.GroupName(); got != "groupName" {
		t.Fatalf("GroupName() = %q", got)
	}
	if fx.engine.HasClients() {
		t.Fatal("expected no clients on a fresh engine")
	}
	if got := fx.engine.ClientCount(); got != 0 {
		t.Fatalf("ClientCount() = %d, want 0", got)
	}
}

func TestLivePushSingleClientFromCurrent(t *testing.T) {
	fx := newFixture(t, nil)
	sink := &captureSink{}
	if err := fx.engine.AddClient("conn-1", "corr-1", sink, 10, "127.0.0.1:51000", "consumer"); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}

	fx.engine.NotifyLiveEvent(testEvent(0))

	if len(sink.events) != 1 {
		t.Fatalf("expected 1 delivered event, got %d", len(sink.events))
	}
	if sink.events[0].Event.EventNumber != 0 {
		t.Fatalf("delivered event number = %d, want 0", sink.events[0].Event.EventNumber)
	}
}

func TestLivePushRoundRobinTwoClients(t *testing.T) {
	fx := newFixture(t, nil)
	first, second := &captureSink{}, &captureSink{}
	if err := fx.engine.AddClient("conn-1", "corr-1", first, 10, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}
	if err := fx.engine.AddClient("conn-2", "corr-2", second, 10, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}

	fx.engine.NotifyLiveEvent(testEvent(0))
	fx.engine.NotifyLiveEvent(testEvent(1))

	if len(first.events) != 1 || len(second.events) != 1 {
		t.Fatalf("expected 1 event each, got %d and %d", len(first.events), len(second.events))
	}
}

func TestLivePushPreferSingleTwoClients(t *testing.T) {
	fx := newFixture(t, func(p *Params) { p.Config.PreferRoundRobin = false })
	first, second := &captureSink{}, &captureSink{}
	if err := fx.engine.AddClient("conn-1", "corr-1", first, 10, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}
	if err := fx.engine.AddClient("conn-2", "corr-2", second, 10, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}

	fx.engine.NotifyLiveEvent(testEvent(0))
	fx.engine.NotifyLiveEvent(testEvent(1))

	if len(first.events) != 2 {
		t.Fatalf("expected first-registered client to receive 2 events, got %d", len(first.events))
	}
	if len(second.events) != 0 {
		t.Fatalf("expected second client to receive 0 events, got %d", len(second.events))
	}
}

func TestHistoryPullRoundRobinTwoClients(t *testing.T) {
	fx := newFixture(t, func(p *Params) { p.Config.StartFrom = 0 })
	first, second := &captureSink{}, &captureSink{}
	if err := fx.engine.AddClient("conn-1", "corr-1", first, 10, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}
	if err := fx.engine.AddClient("conn-2", "corr-2", second, 10, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}

	//1.- The missing checkpoint plus StartFrom=0 puts the engine in catch-up with a read outstanding.
	if len(fx.loader.calls) == 0 {
		t.Fatal("expected an initial history read")
	}
	if fx.loader.calls[0].from != 0 {
		t.Fatalf("initial read from = %d, want 0", fx.loader.calls[0].from)
	}

	//2.- Complete the read and expect the page split across the group.
	fx.engine.HandleReadCompleted([]StreamEvent{testEvent(0), testEvent(1)}, 2, false, nil)

	if len(first.events) != 1 || len(second.events) != 1 {
		t.Fatalf("expected 1 event each, got %d and %d", len(first.events), len(second.events))
	}
}

func TestLivePushBeforeCheckpointLoadedDoesNotFail(t *testing.T) {
	fx := newFixture(t, func(p *Params) {
		p.CheckpointReader = &stubCheckpointReader{manual: true}
	})
	reader := fx.engine.ckptReader.(*stubCheckpointReader)
	sink := &captureSink{}
	if err := fx.engine.AddClient("conn-1", "corr-1", sink, 10, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}

	//1.- The live push arrives before the checkpoint load finishes; it must be buffered, not dropped on the floor.
	fx.engine.NotifyLiveEvent(testEvent(0))
	if len(sink.events) != 0 {
		t.Fatalf("no dispatch expected before the checkpoint loads, got %d", len(sink.events))
	}

	//2.- Once the (absent) checkpoint resolves, the buffered event flows out.
	reader.Complete()
	if len(sink.events) != 1 {
		t.Fatalf("expected the buffered event after checkpoint load, got %d", len(sink.events))
	}
}

func TestCheckpointResumesDispatch(t *testing.T) {
	fx := newFixture(t, func(p *Params) {
		p.CheckpointReader = &stubCheckpointReader{value: 41, ok: true}
	})

	if got := fx.engine.LastAcked(); got != 41 {
		t.Fatalf("LastAcked() = %d, want 41", got)
	}
	if len(fx.loader.calls) != 1 || fx.loader.calls[0].from != 42 {
		t.Fatalf("expected a read from 42, got %+v", fx.loader.calls)
	}
	if got := fx.engine.State(); got != StateCatchingUp {
		t.Fatalf("State() = %v, want CatchingUp", got)
	}
}

func TestAllowedOutstandingCapsDispatch(t *testing.T) {
	fx := newFixture(t, nil)
	sink := &captureSink{}
	if err := fx.engine.AddClient("conn-1", "corr-1", sink, 1, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}

	fx.engine.NotifyLiveEvent(testEvent(0))
	fx.engine.NotifyLiveEvent(testEvent(1))
	if len(sink.events) != 1 {
		t.Fatalf("expected dispatch capped at 1, got %d", len(sink.events))
	}

	//1.- Acking frees capacity and the waiting event flows.
	fx.engine.Ack("corr-1", sink.events[0].Event.EventID)
	if len(sink.events) != 2 {
		t.Fatalf("expected second event after ack, got %d", len(sink.events))
	}
	if sink.events[1].Event.EventNumber != 1 {
		t.Fatalf("second delivery = #%d, want #1", sink.events[1].Event.EventNumber)
	}
}

func TestAckAdvancesCheckpointContiguously(t *testing.T) {
	fx := newFixture(t, nil)
	sink := &captureSink{}
	if err := fx.engine.AddClient("conn-1", "corr-1", sink, 10, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}
	for n := int64(0); n < 3; n++ {
		fx.engine.NotifyLiveEvent(testEvent(n))
	}

	//1.- Acking out of order holds the checkpoint until the gap closes.
	fx.engine.Ack("corr-1", sink.events[2].Event.EventID)
	if got := fx.engine.LastAcked(); got != -1 {
		t.Fatalf("LastAcked() = %d, want -1 while #0 and #1 are outstanding", got)
	}
	fx.engine.Ack("corr-1", sink.events[0].Event.EventID)
	if got := fx.engine.LastAcked(); got != 0 {
		t.Fatalf("LastAcked() = %d, want 0", got)
	}
	fx.engine.Ack("corr-1", sink.events[1].Event.EventID)
	if got := fx.engine.LastAcked(); got != 2 {
		t.Fatalf("LastAcked() = %d, want 2 once the run is contiguous", got)
	}
}

func TestAckOfUnknownEventIsIgnored(t *testing.T) {
	fx := newFixture(t, nil)
	sink := &captureSink{}
	if err := fx.engine.AddClient("conn-1", "corr-1", sink, 10, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}
	fx.engine.NotifyLiveEvent(testEvent(0))
	id := sink.events[0].Event.EventID

	fx.engine.Ack("corr-1", id)
	last := fx.engine.LastAcked()

	//1.- A second ack of the same event and an ack from an unknown client are both no-ops.
	fx.engine.Ack("corr-1", id)
	fx.engine.Ack("corr-ghost", id)
	if got := fx.engine.LastAcked(); got != last {
		t.Fatalf("LastAcked() moved from %d to %d on duplicate ack", last, got)
	}
}

func TestTimeoutRequeuesAndRedispatches(t *testing.T) {
	fx := newFixture(t, nil)
	sink := &captureSink{}
	if err := fx.engine.AddClient("conn-1", "corr-1", sink, 10, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}
	fx.engine.NotifyLiveEvent(testEvent(0))

	fx.clock.Advance(1100 * time.Millisecond)
	fx.engine.Tick(fx.clock.Now())

	if len(sink.events) != 2 {
		t.Fatalf("expected redispatch after timeout, got %d deliveries", len(sink.events))
	}
	if sink.events[0].Event.EventID != sink.events[1].Event.EventID {
		t.Fatal("redispatch delivered a different event")
	}
}

func TestExhaustedRetriesParkTheEvent(t *testing.T) {
	fx := newFixture(t, func(p *Params) { p.Config.MaxRetryCount = 1 })
	sink := &captureSink{}
	if err := fx.engine.AddClient("conn-1", "corr-1", sink, 10, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}
	fx.engine.NotifyLiveEvent(testEvent(0))

	//1.- First timeout burns the single allowed retry; second parks.
	fx.clock.Advance(1100 * time.Millisecond)
	fx.engine.Tick(fx.clock.Now())
	fx.clock.Advance(1100 * time.Millisecond)
	fx.engine.Tick(fx.clock.Now())

	parked := fx.engine.ParkedEvents()
	if len(parked) != 1 {
		t.Fatalf("expected 1 parked event, got %d", len(parked))
	}
	if parked[0].RetryCount != 2 {
		t.Fatalf("parked retry count = %d, want 2", parked[0].RetryCount)
	}
	//2.- Parking counts as processed so the group is not wedged.
	if got := fx.engine.LastAcked(); got != 0 {
		t.Fatalf("LastAcked() = %d, want 0 after parking #0", got)
	}
	if len(sink.events) != 2 {
		t.Fatalf("expected exactly 2 dispatch attempts, got %d", len(sink.events))
	}
}

func TestNakActions(t *testing.T) {
	t.Run("retry redispatches and then acks identically", func(t *testing.T) {
		fx := newFixture(t, nil)
		sink := &captureSink{}
		if err := fx.engine.AddClient("conn-1", "corr-1", sink, 10, "", ""); err != nil {
			t.Fatalf("AddClient() returned error: %v", err)
		}
		fx.engine.NotifyLiveEvent(testEvent(0))

		fx.engine.Nak("corr-1", NakRetry, sink.events[0].Event.EventID)
		if len(sink.events) != 2 {
			t.Fatalf("expected redispatch after nak retry, got %d", len(sink.events))
		}
		fx.engine.Ack("corr-1", sink.events[1].Event.EventID)
		if got := fx.engine.LastAcked(); got != 0 {
			t.Fatalf("LastAcked() = %d, want 0 after retried ack", got)
		}
	})

	t.Run("park removes from dispatch", func(t *testing.T) {
		fx := newFixture(t, nil)
		sink := &captureSink{}
		if err := fx.engine.AddClient("conn-1", "corr-1", sink, 10, "", ""); err != nil {
			t.Fatalf("AddClient() returned error: %v", err)
		}
		fx.engine.NotifyLiveEvent(testEvent(0))

		fx.engine.Nak("corr-1", NakPark, sink.events[0].Event.EventID)
		if len(sink.events) != 1 {
			t.Fatalf("parked event must not redispatch, got %d deliveries", len(sink.events))
		}
		if len(fx.engine.ParkedEvents()) != 1 {
			t.Fatal("expected the event on the parked list")
		}
	})

	t.Run("skip treats the event as acked", func(t *testing.T) {
		fx := newFixture(t, nil)
		sink := &captureSink{}
		if err := fx.engine.AddClient("conn-1", "corr-1", sink, 10, "", ""); err != nil {
			t.Fatalf("AddClient() returned error: %v", err)
		}
		fx.engine.NotifyLiveEvent(testEvent(0))

		fx.engine.Nak("corr-1", NakSkip, sink.events[0].Event.EventID)
		if got := fx.engine.LastAcked(); got != 0 {
			t.Fatalf("LastAcked() = %d, want 0 after skip", got)
		}
		if len(fx.engine.ParkedEvents()) != 0 {
			t.Fatal("skip must not park")
		}
	})
}

func TestRemoveClientRequeuesInFlight(t *testing.T) {
	fx := newFixture(t, nil)
	first := &captureSink{}
	if err := fx.engine.AddClient("conn-1", "corr-1", first, 10, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}
	fx.engine.NotifyLiveEvent(testEvent(0))
	fx.engine.NotifyLiveEvent(testEvent(1))
	if len(first.events) != 2 {
		t.Fatalf("expected 2 deliveries to the first client, got %d", len(first.events))
	}

	fx.engine.RemoveClient("corr-1")
	if fx.engine.HasClients() {
		t.Fatal("expected the registry to be empty")
	}

	second := &captureSink{}
	if err := fx.engine.AddClient("conn-2", "corr-2", second, 10, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}
	if len(second.events) != 2 {
		t.Fatalf("expected the requeued events, got %d", len(second.events))
	}
	if second.events[0].Event.EventNumber != 0 || second.events[1].Event.EventNumber != 1 {
		t.Fatalf("requeued events out of order: #%d then #%d",
			second.events[0].Event.EventNumber, second.events[1].Event.EventNumber)
	}
}

func TestNoClientsBuffersWithoutFailing(t *testing.T) {
	fx := newFixture(t, nil)

	for n := int64(0); n < 5; n++ {
		fx.engine.NotifyLiveEvent(testEvent(n))
	}
	stats := fx.engine.Stats()
	if stats.BufferLive != 5 {
		t.Fatalf("expected 5 buffered live events, got %d", stats.BufferLive)
	}

	sink := &captureSink{}
	if err := fx.engine.AddClient("conn-1", "corr-1", sink, 10, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}
	if len(sink.events) != 5 {
		t.Fatalf("expected the backlog on join, got %d", len(sink.events))
	}
}

func TestLiveGapFallsBackToCatchUp(t *testing.T) {
	fx := newFixture(t, nil)
	fx.engine.NotifyLiveEvent(testEvent(0))
	fx.engine.NotifyLiveEvent(testEvent(1))

	//1.- A skipped-ahead push means missed events; the engine must go back to paging.
	fx.engine.NotifyLiveEvent(testEvent(5))
	if got := fx.engine.State(); got != StateCatchingUp {
		t.Fatalf("State() = %v, want CatchingUp after a gap", got)
	}
	if len(fx.loader.calls) != 1 || fx.loader.calls[0].from != 2 {
		t.Fatalf("expected a read from 2, got %+v", fx.loader.calls)
	}

	//2.- Already accepted live events still dispatch, ahead of the paged range.
	sink := &captureSink{}
	if err := fx.engine.AddClient("conn-1", "corr-1", sink, 10, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}
	if len(sink.events) != 2 {
		t.Fatalf("expected the retagged events, got %d", len(sink.events))
	}

	//3.- Completing the gap read hands back over to live.
	fx.engine.HandleReadCompleted([]StreamEvent{testEvent(2), testEvent(3), testEvent(4)}, 5, true, nil)
	if got := fx.engine.State(); got != StateLive {
		t.Fatalf("State() = %v, want Live after the gap is filled", got)
	}
	if len(sink.events) != 5 {
		t.Fatalf("expected 5 total deliveries, got %d", len(sink.events))
	}
}

func TestReadFailureRetriesAfterBackoff(t *testing.T) {
	fx := newFixture(t, func(p *Params) { p.Config.StartFrom = 0 })
	if len(fx.loader.calls) != 1 {
		t.Fatalf("expected the initial read, got %d", len(fx.loader.calls))
	}

	fx.engine.HandleReadCompleted(nil, 0, false, errors.New("storage unavailable"))
	if got := fx.engine.State(); got != StateCatchingUp {
		t.Fatalf("State() = %v, want CatchingUp after a failed read", got)
	}

	//1.- Inside the backoff window no new read is issued.
	fx.engine.Tick(fx.clock.Now())
	if len(fx.loader.calls) != 1 {
		t.Fatalf("read retried too early: %d calls", len(fx.loader.calls))
	}

	//2.- After the backoff the read is re-issued from the same frontier.
	fx.clock.Advance(2 * time.Second)
	fx.engine.Tick(fx.clock.Now())
	if len(fx.loader.calls) != 2 {
		t.Fatalf("expected a retry read, got %d calls", len(fx.loader.calls))
	}
	if fx.loader.calls[1].from != 0 {
		t.Fatalf("retry read from = %d, want 0", fx.loader.calls[1].from)
	}
}

func TestReadRequestsRespectHistoryRoom(t *testing.T) {
	fx := newFixture(t, func(p *Params) {
		p.Config.StartFrom = 0
		p.Config.HistoryBufferSize = 4
		p.Config.ReadBatchSize = 500
	})

	if got := fx.loader.calls[0].count; got != 4 {
		t.Fatalf("read count = %d, want clamped to history room 4", got)
	}
}

func TestCheckpointWriteAfterInterval(t *testing.T) {
	fx := newFixture(t, func(p *Params) { p.Config.CheckpointInterval = 2 })
	sink := &captureSink{}
	if err := fx.engine.AddClient("conn-1", "corr-1", sink, 10, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}
	fx.engine.NotifyLiveEvent(testEvent(0))
	fx.engine.NotifyLiveEvent(testEvent(1))

	fx.engine.Ack("corr-1", sink.events[0].Event.EventID)
	if len(fx.writer.values) != 0 {
		t.Fatalf("write issued before the interval accrued: %v", fx.writer.values)
	}
	fx.engine.Ack("corr-1", sink.events[1].Event.EventID)
	if len(fx.writer.values) != 1 || fx.writer.values[0] != 1 {
		t.Fatalf("expected one write of 1, got %v", fx.writer.values)
	}
}

func TestCheckpointWriteAfterMaxDelay(t *testing.T) {
	fx := newFixture(t, func(p *Params) {
		p.Config.CheckpointInterval = 1000
		p.Config.CheckpointMaxDelay = 5 * time.Second
	})
	sink := &captureSink{}
	if err := fx.engine.AddClient("conn-1", "corr-1", sink, 10, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}
	fx.engine.NotifyLiveEvent(testEvent(0))
	fx.engine.Ack("corr-1", sink.events[0].Event.EventID)
	if len(fx.writer.values) != 0 {
		t.Fatalf("write issued before maxDelay: %v", fx.writer.values)
	}

	fx.clock.Advance(6 * time.Second)
	fx.engine.Tick(fx.clock.Now())
	if len(fx.writer.values) != 1 || fx.writer.values[0] != 0 {
		t.Fatalf("expected a delayed write of 0, got %v", fx.writer.values)
	}
}

func TestNewerCheckpointSupersedesPendingWrite(t *testing.T) {
	fx := newFixture(t, func(p *Params) {
		p.Config.CheckpointInterval = 1
		p.CheckpointWriter = &stubCheckpointWriter{hold: true}
	})
	writer := fx.engine.ckptWriter.(*stubCheckpointWriter)
	sink := &captureSink{}
	if err := fx.engine.AddClient("conn-1", "corr-1", sink, 10, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}
	for n := int64(0); n < 3; n++ {
		fx.engine.NotifyLiveEvent(testEvent(n))
	}

	//1.- The first ack starts a write that we hold open.
	fx.engine.Ack("corr-1", sink.events[0].Event.EventID)
	if len(writer.values) != 1 || writer.values[0] != 0 {
		t.Fatalf("expected the first write of 0, got %v", writer.values)
	}

	//2.- Further acks while the write is open only park the newest value.
	fx.engine.Ack("corr-1", sink.events[1].Event.EventID)
	fx.engine.Ack("corr-1", sink.events[2].Event.EventID)
	if len(writer.values) != 1 {
		t.Fatalf("expected no concurrent write, got %v", writer.values)
	}

	//3.- Settling the first write immediately persists the superseding value.
	writer.Release(true)
	if len(writer.values) != 2 || writer.values[1] != 2 {
		t.Fatalf("expected a follow-up write of 2, got %v", writer.values)
	}
}

func TestStopRefusesClientsAndWritesFinalCheckpoint(t *testing.T) {
	fx := newFixture(t, nil)
	sink := &captureSink{}
	if err := fx.engine.AddClient("conn-1", "corr-1", sink, 10, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}
	fx.engine.NotifyLiveEvent(testEvent(0))
	fx.engine.Ack("corr-1", sink.events[0].Event.EventID)

	if err := fx.engine.Stop(); err != nil {
		t.Fatalf("Stop() returned error: %v", err)
	}
	if got := fx.engine.State(); got != StateStopped {
		t.Fatalf("State() = %v, want Stopped", got)
	}
	if len(fx.writer.values) == 0 || fx.writer.values[len(fx.writer.values)-1] != 0 {
		t.Fatalf("expected a final checkpoint write of 0, got %v", fx.writer.values)
	}

	if err := fx.engine.AddClient("conn-2", "corr-2", &captureSink{}, 10, "", ""); err == nil {
		t.Fatal("expected AddClient to fail after Stop")
	}

	//1.- Late live pushes and read completions are ignored without error.
	fx.engine.NotifyLiveEvent(testEvent(1))
	fx.engine.HandleReadCompleted([]StreamEvent{testEvent(1)}, 2, true, nil)
	if len(sink.events) != 1 {
		t.Fatalf("no dispatch expected after Stop, got %d", len(sink.events))
	}
}

func TestBufferOverflowStopsEngine(t *testing.T) {
	fx := newFixture(t, func(p *Params) {
		p.Config.HistoryBufferSize = 1
		p.Config.LiveBufferSize = 1
	})
	sink := &captureSink{}
	if err := fx.engine.AddClient("conn-1", "corr-1", sink, 3, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}

	//1.- Three contiguous live pushes dispatch straight through, so the
	//    buffer itself never fills while they are in flight.
	for n := int64(0); n < 3; n++ {
		fx.engine.NotifyLiveEvent(testEvent(n))
	}
	if len(sink.events) != 3 {
		t.Fatalf("expected 3 dispatches, got %d", len(sink.events))
	}

	//2.- All three time out at once; the requeues exceed the two-slot
	//    bound, which is fatal.
	fx.clock.Advance(1100 * time.Millisecond)
	fx.engine.Tick(fx.clock.Now())

	if got := fx.engine.State(); got != StateStopped {
		t.Fatalf("State() = %v, want Stopped after buffer overflow", got)
	}
	if len(sink.events) != 3 {
		t.Fatalf("no redispatch expected after the overflow stop, got %d", len(sink.events))
	}
}

func TestLatencyStatisticsObserved(t *testing.T) {
	recorder := &captureLatency{}
	fx := newFixture(t, func(p *Params) {
		p.Config.LatencyStatistics = true
		p.Latency = recorder
	})
	sink := &captureSink{}
	if err := fx.engine.AddClient("conn-1", "corr-1", sink, 10, "", ""); err != nil {
		t.Fatalf("AddClient() returned error: %v", err)
	}
	fx.engine.NotifyLiveEvent(testEvent(0))

	fx.clock.Advance(250 * time.Millisecond)
	fx.engine.Ack("corr-1", sink.events[0].Event.EventID)

	if len(recorder.samples) != 1 {
		t.Fatalf("expected 1 latency sample, got %d", len(recorder.samples))
	}
	if recorder.samples[0].d != 250*time.Millisecond {
		t.Fatalf("latency sample = %v, want 250ms", recorder.samples[0].d)
	}
}

type latencySample struct {
	correlationID string
	d             time.Duration
}

type captureLatency struct {
	samples []latencySample
}

func (c *captureLatency) ObserveDispatchLatency(correlationID string, d time.Duration) {
	c.samples = append(c.samples, latencySample{correlationID: correlationID, d: d})
}
