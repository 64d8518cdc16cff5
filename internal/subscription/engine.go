package subscription

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/kestrelio/subengine/internal/config"
	"github.com/kestrelio/subengine/internal/logging"
)

// EngineState tracks the two-phase cursor lifecycle.
type EngineState int

const (
	StateInitializing EngineState = iota
	StateCatchingUp
	StateLive
	StateStopped
)

func (s EngineState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateCatchingUp:
		return "catching_up"
	case StateLive:
		return "live"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// NakAction selects what a negative acknowledgement does with the event.
type NakAction int

const (
	NakRetry NakAction = iota
	NakPark
	NakSkip
)

// LatencyRecorder receives dispatch-to-ack latency samples when the
// latencyStatistics option is enabled.
type LatencyRecorder interface {
	ObserveDispatchLatency(correlationID string, d time.Duration)
}

// readRetryBackoff is how long the engine waits before re-issuing a
// history read that failed.
const readRetryBackoff = time.Second

// liveTailUnknown marks that a subscription starting from the current
// tail has not yet seen its first live event.
const liveTailUnknown = int64(-1)

// Params assembles everything New needs: the finalized configuration
// value plus the collaborator capabilities the engine calls back into.
type Params struct {
	Config           config.SubscriptionConfig
	Loader           EventLoader
	CheckpointReader CheckpointReader
	CheckpointWriter CheckpointWriter

	// Logger defaults to a discard logger; Latency may be nil even when
	// Config.LatencyStatistics is set, in which case samples are dropped.
	Logger  *logging.Logger
	Latency LatencyRecorder

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Engine is the persistent subscription engine: a single-threaded
// cooperative actor owning the buffer, registry, retry tracker, and
// checkpoint progress. All state mutations happen under one mutex;
// collaborator calls (loads, durable writes, client sends) are performed
// after the lock is released so an inline completion can safely re-enter.
type Engine struct {
	cfg            config.SubscriptionConfig
	subscriptionID string
	log            *logging.Logger

	loader     EventLoader
	ckptReader CheckpointReader
	ckptWriter CheckpointWriter
	latency    LatencyRecorder
	clock      func() time.Time

	mu      sync.Mutex
	state   EngineState
	buf     *buffer
	reg     *registry
	disp    *dispatcher
	retries *retryTracker
	ckpt    *checkpointer
	parked  *parkedList

	readInFlight bool
	nextReadFrom int64
	readRetryAt  time.Time
	expectedNext int64
}

// outbound is a send the engine owes a reply sink once the lock drops.
type outbound struct {
	sink  ReplySink
	event DispatchedEvent
}

type readRequest struct {
	from  int64
	count int
}

// effects accumulates collaborator work decided under the lock and
// performed after it is released.
type effects struct {
	sends  []outbound
	read   *readRequest
	writes []int64
}

// New validates params, builds the engine, and begins loading the durable
// checkpoint. Dispatch starts once the checkpoint load completes.
func New(p Params) (*Engine, error) {
	if p.Config.StreamName == "" {
		return nil, newEngineError(InvalidArgument, "stream name must not be empty")
	}
	if p.Config.GroupName == "" {
		return nil, newEngineError(InvalidArgument, "group name must not be empty")
	}
	if p.Loader == nil {
		return nil, newEngineError(InvalidArgument, "event loader must not be nil")
	}
	if p.CheckpointReader == nil {
		return nil, newEngineError(InvalidArgument, "checkpoint reader must not be nil")
	}
	if p.CheckpointWriter == nil {
		return nil, newEngineError(InvalidArgument, "checkpoint writer must not be nil")
	}
	if p.Config.StartFrom < -1 {
		return nil, newEngineError(InvalidArgument, "startFrom must be -1, 0, or a positive event number")
	}

	cfg := normalize(p.Config)
	if p.Logger == nil {
		p.Logger = logging.NewTestLogger()
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}

	subscriptionID := cfg.StreamName + ":" + cfg.GroupName
	e := &Engine{
		cfg:            cfg,
		subscriptionID: subscriptionID,
		log:            p.Logger.WithSubscription(subscriptionID),
		loader:         p.Loader,
		ckptReader:     p.CheckpointReader,
		ckptWriter:     p.CheckpointWriter,
		latency:        p.Latency,
		clock:          p.Clock,
		state:          StateInitializing,
		buf:            newBuffer(cfg.HistoryBufferSize, cfg.LiveBufferSize),
		reg:            newRegistry(),
		retries:        newRetryTracker(cfg.Timeout),
		parked:         newParkedList(cfg.ParkedCacheSize),
		expectedNext:   liveTailUnknown,
	}
	if cfg.PreferRoundRobin {
		e.disp = newDispatcher(PreferRoundRobin)
	} else {
		e.disp = newDispatcher(PreferDispatchToSingle)
	}
	e.ckpt = newCheckpointer(cfg.CheckpointInterval, cfg.CheckpointMaxDelay, -1, p.Clock())

	e.ckptReader.BeginLoadState(subscriptionID, e.onCheckpointLoaded)
	return e, nil
}

// normalize fills zero-valued tunables with the documented defaults so a
// sparsely assembled SubscriptionConfig still behaves.
func normalize(cfg config.SubscriptionConfig) config.SubscriptionConfig {
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultTimeout
	}
	if cfg.ReadBatchSize <= 0 {
		cfg.ReadBatchSize = config.DefaultReadBatchSize
	}
	if cfg.LiveBufferSize <= 0 {
		cfg.LiveBufferSize = config.DefaultLiveBufferSize
	}
	if cfg.HistoryBufferSize <= 0 {
		cfg.HistoryBufferSize = config.DefaultHistoryBufferSize
	}
	if cfg.MaxRetryCount <= 0 {
		cfg.MaxRetryCount = config.DefaultMaxRetryCount
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = config.DefaultCheckpointInterval
	}
	if cfg.CheckpointMaxDelay <= 0 {
		cfg.CheckpointMaxDelay = config.DefaultCheckpointMaxDelay
	}
	if cfg.ParkedCacheSize <= 0 {
		cfg.ParkedCacheSize = config.DefaultParkedCacheSize
	}
	return cfg
}

// SubscriptionID reports the "{stream}:{group}" identity.
func (e *Engine) SubscriptionID() string { return e.subscriptionID }

// EventStreamID reports the stream this subscription cursors over.
func (e *Engine) EventStreamID() string { return e.cfg.StreamName }

// GroupName reports the competing-consumer group name.
func (e *Engine) GroupName() string { return e.cfg.GroupName }

// HasClients reports whether any client is connected.
func (e *Engine) HasClients() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg.Count() > 0
}

// ClientCount reports how many clients are connected.
func (e *Engine) ClientCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg.Count()
}

// State reports the engine lifecycle state.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastAcked reports the highest contiguously acknowledged event number.
// Events below the start point (a loaded checkpoint, an explicit
// startFrom, or the first live event when starting from the tail) count
// as acknowledged; it is -1 when there are none.
func (e *Engine) LastAcked() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ckpt.LastAcked()
}

// ParkedEvents returns a snapshot of the in-memory parked list for
// operator inspection.
func (e *Engine) ParkedEvents() []ParkedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.parked.Snapshot()
}

// Snapshot summarizes engine state for status surfaces.
type Snapshot struct {
	SubscriptionID string `json:"subscription_id"`
	Stream         string `json:"stream"`
	Group          string `json:"group"`
	State          string `json:"state"`
	Clients        int    `json:"clients"`
	BufferHistory  int    `json:"buffer_history"`
	BufferLive     int    `json:"buffer_live"`
	InFlight       int    `json:"in_flight"`
	LastAcked      int64  `json:"last_acked"`
	Parked         int    `json:"parked"`
}

// Stats returns a point-in-time summary of the engine.
func (e *Engine) Stats() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	inFlight := 0
	e.reg.ForEach(func(c *client) { inFlight += len(c.inFlight) })
	return Snapshot{
		SubscriptionID: e.subscriptionID,
		Stream:         e.cfg.StreamName,
		Group:          e.cfg.GroupName,
		State:          e.state.String(),
		Clients:        e.reg.Count(),
		BufferHistory:  e.buf.HistorySize(),
		BufferLive:     e.buf.LiveSize(),
		InFlight:       inFlight,
		LastAcked:      e.ckpt.LastAcked(),
		Parked:         e.parked.Len(),
	}
}

// AddClient registers a consumer and triggers a dispatch attempt.
// Registration is idempotent by (connectionID, correlationID).
func (e *Engine) AddClient(connectionID, correlationID string, replyTarget ReplySink, allowedOutstanding int, from, user string) error {
	if replyTarget == nil {
		return newEngineError(InvalidArgument, "reply target must not be nil")
	}
	if allowedOutstanding <= 0 {
		return newEngineError(InvalidArgument, "allowed outstanding must be positive, got %d", allowedOutstanding)
	}

	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return newEngineError(InvalidArgument, "subscription %s is stopped", e.subscriptionID)
	}
	e.reg.Add(connectionID, correlationID, replyTarget, allowedOutstanding, from, user)
	var fx effects
	e.dispatchLocked(&fx)
	e.maintainReadLocked(&fx)
	e.mu.Unlock()

	e.perform(fx)
	return nil
}

// RemoveClient deregisters a consumer; its in-flight events are requeued
// as if each had been nak'd for retry, without counting the disconnect
// against their retry budget.
func (e *Engine) RemoveClient(correlationID string) {
	e.mu.Lock()
	requeued, ok := e.reg.Remove(correlationID)
	if !ok {
		e.mu.Unlock()
		e.log.Warn("remove for unknown client", logging.String("kind", ClientUnknown.String()), logging.Correlation(correlationID))
		return
	}
	e.retries.RemoveClient(correlationID)
	e.disp.onClientRemoved(e.reg)
	for _, bev := range requeued {
		e.buf.Requeue(bev)
	}
	var fx effects
	e.dispatchLocked(&fx)
	e.mu.Unlock()

	e.perform(fx)
}

// Ack acknowledges delivery of the given events by the given client.
// Unknown correlation ids and event ids are logged and ignored.
func (e *Engine) Ack(correlationID string, eventIDs ...uuid.UUID) {
	now := e.clock()

	e.mu.Lock()
	c, ok := e.reg.Get(correlationID)
	if !ok {
		e.mu.Unlock()
		e.log.Warn("ack for unknown client", logging.String("kind", ClientUnknown.String()), logging.Correlation(correlationID))
		return
	}
	for _, id := range eventIDs {
		entry, ok := c.inFlight[id]
		if !ok {
			e.log.Warn("ack for unknown event", logging.String("kind", EventUnknown.String()), logging.Correlation(correlationID), logging.String("event_id", id.String()))
			continue
		}
		delete(c.inFlight, id)
		e.retries.Remove(correlationID, id)
		e.ckpt.Ack(entry.Event.Event.EventNumber)
		if e.cfg.LatencyStatistics && e.latency != nil {
			e.latency.ObserveDispatchLatency(correlationID, now.Sub(entry.DispatchedAt))
		}
	}
	var fx effects
	e.scheduleWriteLocked(&fx, now, false)
	e.dispatchLocked(&fx)
	e.maintainReadLocked(&fx)
	e.mu.Unlock()

	e.perform(fx)
}

// Nak negatively acknowledges the given events. NakRetry requeues (and
// parks once the retry budget is exhausted), NakPark parks immediately,
// NakSkip treats the event as processed for checkpointing purposes.
func (e *Engine) Nak(correlationID string, action NakAction, eventIDs ...uuid.UUID) {
	now := e.clock()

	e.mu.Lock()
	c, ok := e.reg.Get(correlationID)
	if !ok {
		e.mu.Unlock()
		e.log.Warn("nak for unknown client", logging.String("kind", ClientUnknown.String()), logging.Correlation(correlationID))
		return
	}
	for _, id := range eventIDs {
		entry, ok := c.inFlight[id]
		if !ok {
			e.log.Warn("nak for unknown event", logging.String("kind", EventUnknown.String()), logging.Correlation(correlationID), logging.String("event_id", id.String()))
			continue
		}
		delete(c.inFlight, id)
		e.retries.Remove(correlationID, id)
		switch action {
		case NakPark:
			e.parkLocked(entry.Event, "parked by client", now)
		case NakSkip:
			e.ckpt.Ack(entry.Event.Event.EventNumber)
		default:
			e.retryLocked(entry.Event, "nak retry limit exceeded", now)
		}
	}
	var fx effects
	e.scheduleWriteLocked(&fx, now, false)
	e.dispatchLocked(&fx)
	e.maintainReadLocked(&fx)
	e.mu.Unlock()

	e.perform(fx)
}

// NotifyLiveEvent offers an event from the live push feed. Acceptance
// depends on state: contiguous events extend the live segment, anything
// else is dropped and left for the history reader to page back in.
func (e *Engine) NotifyLiveEvent(ev StreamEvent) {
	e.mu.Lock()
	var fx effects
	switch e.state {
	case StateStopped:
	case StateLive:
		e.acceptLiveLocked(&fx, ev)
	default:
		// Initializing or CatchingUp: buffer contiguous live arrivals so
		// the handover has no gap; the reader covers everything dropped.
		e.bufferLiveLocked(ev)
	}
	e.dispatchLocked(&fx)
	e.maintainReadLocked(&fx)
	e.mu.Unlock()

	e.perform(fx)
}

// acceptLiveLocked handles a live push while the engine is Live.
func (e *Engine) acceptLiveLocked(fx *effects, ev StreamEvent) {
	if e.expectedNext == liveTailUnknown {
		// First event after starting from the current tail anchors the
		// cursor: everything before it is considered processed.
		e.ckpt.Rebase(ev.EventNumber - 1)
		e.expectedNext = ev.EventNumber
	}
	switch {
	case ev.EventNumber < e.expectedNext:
		return // duplicate of something already buffered or processed
	case ev.EventNumber > e.expectedNext:
		e.fallBehindLocked(fx, "live push skipped ahead", ev.EventNumber)
		return
	}
	if !e.buf.EnqueueLive(BufferedEvent{Event: ev, Source: SourceLive}) {
		e.fallBehindLocked(fx, "live buffer full", ev.EventNumber)
		return
	}
	e.expectedNext = ev.EventNumber + 1
}

// bufferLiveLocked stashes a live push while history is still being paged
// in. Only a contiguous extension of the live segment is kept.
func (e *Engine) bufferLiveLocked(ev StreamEvent) {
	if ev.EventNumber <= e.ckpt.LastAcked() {
		return
	}
	if last, ok := e.buf.LastLive(); ok {
		if ev.EventNumber <= last.Event.EventNumber {
			return
		}
		if ev.EventNumber != last.Event.EventNumber+1 {
			// A gap makes the whole segment useless for handover; the
			// reader will page the range back in.
			e.buf.DropLive()
			return
		}
	} else if e.state == StateCatchingUp && ev.EventNumber < e.nextReadFrom {
		return // already covered by the read frontier
	}
	e.buf.EnqueueLive(BufferedEvent{Event: ev, Source: SourceLive})
}

// fallBehindLocked transitions Live -> CatchingUp. Buffered live events
// are contiguous below the frontier, so they are retagged as history and
// keep dispatching while the reader fills the gap.
func (e *Engine) fallBehindLocked(fx *effects, reason string, sawEventNumber int64) {
	e.log.Info("falling back to catch-up",
		logging.String("reason", reason),
		logging.Int64("expected_next", e.expectedNext),
		logging.Int64("saw", sawEventNumber))
	e.buf.PromoteLiveToHistory()
	e.nextReadFrom = e.expectedNext
	e.expectedNext = liveTailUnknown
	e.state = StateCatchingUp
	e.maintainReadLocked(fx)
}

// HandleReadCompleted receives a history batch from the event loader.
// events are ordered ascending; next is the number to read from on the
// following page; caughtUp reports that the batch reached the live tail.
func (e *Engine) HandleReadCompleted(events []StreamEvent, next int64, caughtUp bool, err error) {
	now := e.clock()

	e.mu.Lock()
	if e.state != StateCatchingUp || !e.readInFlight {
		e.mu.Unlock()
		return // stale completion after stop or state change
	}
	e.readInFlight = false

	var fx effects
	if err != nil {
		e.readRetryAt = now.Add(readRetryBackoff)
		from := e.nextReadFrom
		e.mu.Unlock()
		e.log.Warn("history read failed",
			logging.String("kind", ReadFailed.String()),
			logging.Int64("from", from),
			logging.Duration("backoff", readRetryBackoff),
			logging.Error(err))
		return
	}

	firstLive, haveLive := e.buf.FirstLive()
	for _, ev := range events {
		if ev.EventNumber <= e.ckpt.LastAcked() {
			continue // never redispatch what is already acknowledged
		}
		if haveLive && ev.EventNumber >= firstLive.Event.EventNumber {
			continue // overlap with the buffered live segment
		}
		if e.buf.HistorySize() >= e.cfg.HistoryBufferSize {
			// Requeues took the room while the read was out; the rest of
			// the page is read again from here.
			next = ev.EventNumber
			caughtUp = false
			break
		}
		e.buf.EnqueueHistory([]StreamEvent{ev})
	}
	if next > e.nextReadFrom {
		e.nextReadFrom = next
	}

	switch {
	case haveLive && e.nextReadFrom >= firstLive.Event.EventNumber:
		// History reached the buffered live segment: hand over with no
		// gap and no duplicate.
		last, _ := e.buf.LastLive()
		e.goLiveLocked(last.Event.EventNumber + 1)
	case caughtUp && !haveLive:
		e.goLiveLocked(e.nextReadFrom)
	default:
		// More to fetch, or the loader's tail report predates buffered
		// live arrivals; either way keep paging.
		e.maintainReadLocked(&fx)
	}
	e.dispatchLocked(&fx)
	e.maintainReadLocked(&fx)
	e.mu.Unlock()

	e.perform(fx)
}

func (e *Engine) goLiveLocked(expectedNext int64) {
	e.state = StateLive
	e.expectedNext = expectedNext
	e.log.Info("caught up to live tail", logging.Int64("expected_next", expectedNext))
}

// Tick drives timeouts, read retries, and checkpoint-write scheduling.
// Callers should tick at a resolution of timeout/10 or finer.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return
	}
	for _, expired := range e.retries.Expired(now) {
		c, ok := e.reg.Get(expired.CorrelationID)
		if !ok {
			continue // client left; its entries were already requeued
		}
		entry, ok := c.inFlight[expired.EventID]
		if !ok {
			continue // acked between deadline insert and expiry
		}
		delete(c.inFlight, expired.EventID)
		e.retryLocked(entry.Event, "ack deadline exceeded", now)
	}
	var fx effects
	e.scheduleWriteLocked(&fx, now, false)
	e.dispatchLocked(&fx)
	e.maintainReadLocked(&fx)
	e.mu.Unlock()

	e.perform(fx)
}

// Stop halts the engine: pending read completions are ignored, new
// clients are refused, and a final checkpoint write is attempted.
func (e *Engine) Stop() error {
	now := e.clock()

	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return nil
	}
	e.state = StateStopped
	value, due := e.ckpt.ScheduleWrite(now, true)
	e.mu.Unlock()

	var result *multierror.Error
	if due {
		if err := e.ckptWriter.BeginWriteState(e.subscriptionID, value, func(ok bool) {
			e.onCheckpointWriteSettled(ok)
		}); err != nil {
			result = multierror.Append(result, newEngineError(CheckpointWriteFailed, "final checkpoint write for %s: %v", e.subscriptionID, err))
			e.onCheckpointWriteSettled(false)
		}
	}
	if err := e.log.Sync(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// retryLocked requeues an event after a timeout or nak-retry, parking it
// once the retry budget is spent.
func (e *Engine) retryLocked(bev BufferedEvent, parkReason string, now time.Time) {
	bev.RetryCount++
	if bev.RetryCount > e.cfg.MaxRetryCount {
		e.parkLocked(bev, parkReason, now)
		return
	}
	e.buf.Requeue(bev)
}

// parkLocked removes an event from active dispatch. Parked events count
// as processed for checkpointing so one poisonous event cannot wedge the
// group's progress.
func (e *Engine) parkLocked(bev BufferedEvent, reason string, now time.Time) {
	e.parked.Add(ParkedEvent{
		Event:      bev.Event,
		RetryCount: bev.RetryCount,
		LastError:  reason,
		ParkedAt:   now,
	})
	e.ckpt.Ack(bev.Event.EventNumber)
	e.log.Warn("event parked",
		logging.EventNumber(bev.Event.EventNumber),
		logging.String("event_id", bev.Event.EventID.String()),
		logging.Int("retry_count", bev.RetryCount),
		logging.String("reason", reason))
}

// enforceBufferBoundLocked halts the engine when the combined buffer
// exceeds its configured bound. The enqueue paths all drop or redirect
// before this point, so tripping it means the requeue bookkeeping lost
// track of events — an internal invariant violation, not a recoverable
// condition.
func (e *Engine) enforceBufferBoundLocked() {
	bound := e.cfg.HistoryBufferSize + e.cfg.LiveBufferSize
	if e.buf.Size() <= bound {
		return
	}
	err := newEngineError(BufferOverflow, "buffer holds %d events, bound is %d", e.buf.Size(), bound)
	e.log.Error("buffer bound violated, stopping engine",
		logging.String("kind", BufferOverflow.String()),
		logging.Int("buffer_size", e.buf.Size()),
		logging.Int("bound", bound),
		logging.Error(err))
	e.state = StateStopped
}

// dispatchLocked pops buffered events and pairs them with clients until
// either side runs dry. Live-tagged events wait for the Live state so a
// catch-up page can never race ahead of them.
func (e *Engine) dispatchLocked(fx *effects) {
	e.enforceBufferBoundLocked()
	if e.state != StateCatchingUp && e.state != StateLive {
		return
	}
	now := e.clock()
	for {
		head, ok := e.buf.Peek()
		if !ok {
			return
		}
		if head.Source == SourceLive && e.state != StateLive {
			return
		}
		if head.Event.EventNumber <= e.ckpt.LastAcked() {
			e.buf.Pop() // superseded while buffered (skip-nak or park)
			continue
		}
		correlationID, ok := e.disp.selectClient(e.reg)
		if !ok {
			return
		}
		c, _ := e.reg.Get(correlationID)
		bev, _ := e.buf.Pop()
		c.inFlight[bev.Event.EventID] = &inFlightEntry{Event: bev, DispatchedAt: now}
		e.retries.RegisterDispatch(correlationID, bev.Event.EventID, now)
		fx.sends = append(fx.sends, outbound{
			sink:  c.ReplyTarget,
			event: DispatchedEvent{CorrelationID: correlationID, Event: bev.Event},
		})
	}
}

// maintainReadLocked issues the next history read when the engine is
// catching up, no read is outstanding, the failure backoff has elapsed,
// and the history segment has room. At most one read is in flight.
func (e *Engine) maintainReadLocked(fx *effects) {
	if e.state != StateCatchingUp || e.readInFlight || fx.read != nil {
		return
	}
	if !e.readRetryAt.IsZero() && e.clock().Before(e.readRetryAt) {
		return
	}
	room := e.cfg.HistoryBufferSize - e.buf.HistorySize()
	if room <= 0 {
		return
	}
	count := e.cfg.ReadBatchSize
	if count > room {
		count = room
	}
	e.readInFlight = true
	e.readRetryAt = time.Time{}
	fx.read = &readRequest{from: e.nextReadFrom, count: count}
}

func (e *Engine) scheduleWriteLocked(fx *effects, now time.Time, force bool) {
	if value, due := e.ckpt.ScheduleWrite(now, force); due {
		fx.writes = append(fx.writes, value)
	}
}

// onCheckpointLoaded is the checkpoint reader's completion. It decides
// where dispatch begins and which phase the cursor starts in.
func (e *Engine) onCheckpointLoaded(lastAcked int64, ok bool) {
	e.mu.Lock()
	if e.state != StateInitializing {
		e.mu.Unlock()
		return
	}

	var fx effects
	switch {
	case ok:
		e.startCatchingUpLocked(lastAcked + 1)
	case e.cfg.StartFrom < 0:
		// Start from the current tail: whatever was buffered while
		// initializing is the front of the live feed.
		e.state = StateLive
		if last, okLive := e.buf.LastLive(); okLive {
			first, _ := e.buf.FirstLive()
			e.ckpt.Rebase(first.Event.EventNumber - 1)
			e.expectedNext = last.Event.EventNumber + 1
		} else {
			e.expectedNext = liveTailUnknown
		}
	default:
		e.startCatchingUpLocked(int64(e.cfg.StartFrom))
	}
	e.dispatchLocked(&fx)
	e.maintainReadLocked(&fx)
	e.mu.Unlock()

	e.perform(fx)
}

func (e *Engine) startCatchingUpLocked(from int64) {
	e.state = StateCatchingUp
	e.nextReadFrom = from
	e.ckpt.Rebase(from - 1)
	// Live events buffered while initializing that fall below the start
	// point are already processed; a contiguous remainder stays for the
	// handover, anything else the reader pages in.
	if first, ok := e.buf.FirstLive(); ok && first.Event.EventNumber < from {
		e.buf.DropLive()
	}
}

// perform runs collaborator calls decided under the lock. Sends are
// assumed non-blocking; a send error is tolerated because the ack
// timeout requeues the event.
func (e *Engine) perform(fx effects) {
	for _, s := range fx.sends {
		if err := s.sink.Send(s.event); err != nil {
			e.log.Warn("reply sink send failed",
				logging.Correlation(s.event.CorrelationID),
				logging.EventNumber(s.event.Event.EventNumber),
				logging.Error(err))
		}
	}
	if fx.read != nil {
		e.loader.BeginLoad(e.subscriptionID, fx.read.from, fx.read.count, e.HandleReadCompleted)
	}
	for _, value := range fx.writes {
		e.beginCheckpointWrite(value)
	}
}

func (e *Engine) beginCheckpointWrite(value int64) {
	err := e.ckptWriter.BeginWriteState(e.subscriptionID, value, func(ok bool) {
		e.onCheckpointWriteSettled(ok)
	})
	if err != nil {
		e.log.Warn("checkpoint write rejected",
			logging.String("kind", CheckpointWriteFailed.String()),
			logging.Int64("value", value),
			logging.Error(err))
		e.onCheckpointWriteSettled(false)
	}
}

func (e *Engine) onCheckpointWriteSettled(ok bool) {
	if !ok {
		e.log.Warn("checkpoint write failed", logging.String("kind", CheckpointWriteFailed.String()))
	}
	e.mu.Lock()
	value, again := e.ckpt.WriteSettled(e.clock())
	e.mu.Unlock()
	if again {
		e.beginCheckpointWrite(value)
	}
}
