// Package filelog is a file-backed event log. Each stream is one
// append-only file of zstd frames, every frame holding a batch of
// JSON-line records, so appends need no rewrite and readers decode the
// frame concatenation as a single stream.
package filelog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/kestrelio/subengine/internal/subscription"
)

var streamNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// record is the on-disk JSONL row. Byte slices marshal as base64 so the
// lines stay valid JSON regardless of payload content.
type record struct {
	EventNumber int64  `json:"event_number"`
	EventID     string `json:"event_id"`
	EventType   string `json:"event_type"`
	Data        []byte `json:"data,omitempty"`
	Metadata    []byte `json:"metadata,omitempty"`
	Position    string `json:"position,omitempty"`
}

// Log stores any number of streams under one directory.
type Log struct {
	dir     string
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu    sync.Mutex
	tails map[string]int64 // next event number per stream
}

// Open prepares the log directory. Stream tails are recovered lazily on
// first touch by scanning the stream's file.
func Open(dir string) (*Log, error) {
	if dir == "" {
		return nil, fmt.Errorf("log directory must be provided")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, err
	}
	return &Log{
		dir:     dir,
		encoder: encoder,
		decoder: decoder,
		tails:   make(map[string]int64),
	}, nil
}

// Close releases the codec resources.
func (l *Log) Close() error {
	l.decoder.Close()
	return l.encoder.Close()
}

func (l *Log) streamPath(stream string) string {
	cleaned := streamNameCleaner.ReplaceAllString(stream, "_")
	return filepath.Join(l.dir, cleaned+".events.jsonl.zst")
}

// Append stamps the events with dense event numbers and persists them as
// one zstd frame. The stamped copies are returned so callers can feed the
// live push path.
func (l *Log) Append(stream string, events ...subscription.StreamEvent) ([]subscription.StreamEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next, err := l.tailLocked(stream)
	if err != nil {
		return nil, err
	}

	var block bytes.Buffer
	stamped := make([]subscription.StreamEvent, 0, len(events))
	for _, ev := range events {
		ev.EventNumber = next
		if ev.EventID == uuid.Nil {
			ev.EventID = uuid.New()
		}
		ev.Position = fmt.Sprintf("%s@%d", stream, next)
		next++

		line, err := json.Marshal(record{
			EventNumber: ev.EventNumber,
			EventID:     ev.EventID.String(),
			EventType:   ev.EventType,
			Data:        ev.Data,
			Metadata:    ev.Metadata,
			Position:    ev.Position,
		})
		if err != nil {
			return nil, err
		}
		block.Write(line)
		block.WriteByte('\n')
		stamped = append(stamped, ev)
	}

	frame := l.encoder.EncodeAll(block.Bytes(), nil)
	file, err := os.OpenFile(l.streamPath(stream), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := file.Write(frame); err != nil {
		file.Close()
		return nil, err
	}
	if err := file.Close(); err != nil {
		return nil, err
	}
	l.tails[stream] = next
	return stamped, nil
}

// tailLocked returns the next event number for stream, scanning the file
// once if the tail is not cached yet.
func (l *Log) tailLocked(stream string) (int64, error) {
	if tail, ok := l.tails[stream]; ok {
		return tail, nil
	}
	records, err := l.readAll(stream)
	if err != nil {
		return 0, err
	}
	tail := int64(0)
	if len(records) > 0 {
		tail = records[len(records)-1].EventNumber + 1
	}
	l.tails[stream] = tail
	return tail, nil
}

func (l *Log) readAll(stream string) ([]record, error) {
	raw, err := os.ReadFile(l.streamPath(stream))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	decoded, err := l.decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress stream %s: %w", stream, err)
	}

	var records []record
	scanner := bufio.NewScanner(bytes.NewReader(decoded))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("decode stream %s: %w", stream, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// ReadBatch returns up to count events starting at from, the next number
// to read, and whether the batch reached the stream tail.
func (l *Log) ReadBatch(stream string, from int64, count int) ([]subscription.StreamEvent, int64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.readAll(stream)
	if err != nil {
		return nil, from, false, err
	}
	if _, ok := l.tails[stream]; !ok {
		tail := int64(0)
		if len(records) > 0 {
			tail = records[len(records)-1].EventNumber + 1
		}
		l.tails[stream] = tail
	}

	events := make([]subscription.StreamEvent, 0, count)
	for _, rec := range records {
		if rec.EventNumber < from {
			continue
		}
		if len(events) >= count {
			break
		}
		id, err := uuid.Parse(rec.EventID)
		if err != nil {
			return nil, from, false, fmt.Errorf("corrupt event id in stream %s: %w", stream, err)
		}
		events = append(events, subscription.StreamEvent{
			EventNumber: rec.EventNumber,
			EventID:     id,
			EventType:   rec.EventType,
			Data:        rec.Data,
			Metadata:    rec.Metadata,
			Position:    rec.Position,
		})
	}

	next := from
	if len(events) > 0 {
		next = events[len(events)-1].EventNumber + 1
	}
	caughtUp := next >= l.tails[stream]
	return events, next, caughtUp, nil
}

// Loader adapts one stream of a Log to the engine's EventLoader
// capability. Reads run on their own goroutine; the completion re-enters
// the engine as a posted message.
type Loader struct {
	log    *Log
	stream string
}

// NewLoader binds a loader to a stream.
func NewLoader(log *Log, stream string) *Loader {
	return &Loader{log: log, stream: stream}
}

// BeginLoad implements subscription.EventLoader.
func (l *Loader) BeginLoad(subscriptionID string, startEventNumber int64, countToLoad int, onCompleted func([]subscription.StreamEvent, int64, bool, error)) {
	go func() {
		events, next, caughtUp, err := l.log.ReadBatch(l.stream, startEventNumber, countToLoad)
		onCompleted(events, next, caughtUp, err)
	}()
}
