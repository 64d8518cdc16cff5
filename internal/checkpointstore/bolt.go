// Package checkpointstore persists subscription checkpoints in a local
// BoltDB file. It backs the engine's CheckpointReader and CheckpointWriter
// capabilities; completions are delivered from a goroutine so the engine
// never runs storage I/O under its own lock.
package checkpointstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"
	bolt "go.etcd.io/bbolt"

	"github.com/kestrelio/subengine/internal/logging"
)

var bucketCheckpoints = []byte("checkpoints")

// record is the persisted document, snappy-compressed on disk.
type record struct {
	LastAcked int64  `json:"last_acked"`
	UpdatedAt string `json:"updated_at"`
}

// Store is a BoltDB-backed checkpoint store shared by any number of
// subscriptions; each keys its record by subscription id.
type Store struct {
	db  *bolt.DB
	log *logging.Logger
	now func() time.Time
}

// Open opens (or creates) the checkpoint database at path.
func Open(path string, logger *logging.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCheckpoints)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint bucket: %w", err)
	}
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	return &Store{db: db, log: logger, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginLoadState loads the checkpoint for subscriptionID. onStateLoaded is
// invoked exactly once; ok is false when no checkpoint was ever written.
func (s *Store) BeginLoadState(subscriptionID string, onStateLoaded func(lastAcked int64, ok bool)) {
	go func() {
		value, ok, err := s.load(subscriptionID)
		if err != nil {
			s.log.Warn("checkpoint load failed",
				logging.String("subscription_id", subscriptionID),
				logging.Error(err))
			onStateLoaded(0, false)
			return
		}
		onStateLoaded(value, ok)
	}()
}

func (s *Store) load(subscriptionID string) (int64, bool, error) {
	var rec record
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCheckpoints).Get([]byte(subscriptionID))
		if raw == nil {
			return nil
		}
		decoded, err := snappy.Decode(nil, raw)
		if err != nil {
			return fmt.Errorf("decompress checkpoint: %w", err)
		}
		if err := json.Unmarshal(decoded, &rec); err != nil {
			return fmt.Errorf("decode checkpoint: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return rec.LastAcked, found, nil
}

// BeginWriteState durably persists lastAcked for subscriptionID. The
// enqueue itself never fails; the outcome is reported via onCompleted.
func (s *Store) BeginWriteState(subscriptionID string, lastAcked int64, onCompleted func(ok bool)) error {
	go func() {
		err := s.write(subscriptionID, lastAcked)
		if err != nil {
			s.log.Warn("checkpoint write failed",
				logging.String("subscription_id", subscriptionID),
				logging.Int64("last_acked", lastAcked),
				logging.Error(err))
		}
		if onCompleted != nil {
			onCompleted(err == nil)
		}
	}()
	return nil
}

func (s *Store) write(subscriptionID string, lastAcked int64) error {
	payload, err := json.Marshal(record{
		LastAcked: lastAcked,
		UpdatedAt: s.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	compressed := snappy.Encode(nil, payload)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Put([]byte(subscriptionID), compressed)
	})
}

// Get reads a checkpoint synchronously, for operator tooling.
func (s *Store) Get(subscriptionID string) (int64, bool, error) {
	return s.load(subscriptionID)
}

// List returns every stored subscription id, for operator tooling.
func (s *Store) List() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).ForEach(func(k, v []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}
