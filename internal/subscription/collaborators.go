package subscription

// EventLoader is the external collaborator that pages events out of the
// underlying log store. At most one BeginLoad call is outstanding per
// subscription; onCompleted delivers events ordered by ascending
// EventNumber, the next number to read from, whether the batch reached the
// live tail, and a non-nil err if the read failed (ReadFailed is logged and
// retried after a short backoff; the engine stays in CatchingUp).
type EventLoader interface {
	BeginLoad(subscriptionID string, startEventNumber int64, countToLoad int, onCompleted func(events []StreamEvent, nextEventNumber int64, caughtUp bool, err error))
}

// CheckpointReader loads the durable checkpoint exactly once at startup.
// ok is false when no checkpoint has ever been written for this
// subscription, in which case the engine falls back to the configured
// startFrom.
type CheckpointReader interface {
	BeginLoadState(subscriptionID string, onStateLoaded func(lastAcked int64, ok bool))
}

// CheckpointWriter durably persists the checkpoint. Calls are serialized by
// the engine: at most one is outstanding, and a newer value supersedes a
// pending one. BeginWriteState may return a synchronous enqueue error;
// onCompleted reports the durable outcome (false is logged as
// CheckpointWriteFailed and does not block dispatch).
type CheckpointWriter interface {
	BeginWriteState(subscriptionID string, lastAcked int64, onCompleted func(ok bool)) error
}

// ReplySink delivers a dispatched event to a connected client. Send must
// not block; delivery acknowledgement comes back through Ack/Nak, not a
// return value.
type ReplySink interface {
	Send(event DispatchedEvent) error
}
