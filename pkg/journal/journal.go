// Package journal persists the lifecycle of detached pool operations.
// Callers that fire an ingestion and walk away can come back later and
// ask what happened to it; the gateway uses this to answer status polls
// for uploads accepted with 202.
package journal

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/filepool/pkg/xerrors"
)

var bucketOps = []byte("operations")

// State of a recorded operation.
type State string

const (
	StatePending  State = "pending"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

// Record describes one detached operation keyed by its entry identifier.
type Record struct {
	ID        string    `json:"id"`
	Op        string    `json:"op"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Config configures the journal database.
type Config struct {
	Path    string
	Timeout time.Duration
	NoSync  bool
}

// Journal is a Bolt-backed operation ledger.
type Journal struct {
	db *bolt.DB
}

// Open initialises the journal at cfg.Path, creating it if needed.
func Open(cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("journal: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOps)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: create bucket: %w", err)
	}
	return &Journal{db: db}, nil
}

// Begin records a fresh pending operation.
func (j *Journal) Begin(id, op string) error {
	rec := Record{
		ID:        id,
		Op:        op,
		State:     StatePending,
		StartedAt: time.Now().UTC(),
	}
	return j.put(rec)
}

// Complete marks the operation finished successfully.
func (j *Journal) Complete(id string) error {
	return j.finish(id, StateComplete, "")
}

// Fail marks the operation finished with cause.
func (j *Journal) Fail(id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return j.finish(id, StateFailed, msg)
}

// Get returns the record for id.
func (j *Journal) Get(id string) (Record, error) {
	var rec Record
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOps).Get([]byte(id))
		if data == nil {
			return xerrors.E(xerrors.KindNotFound, "journal.Get", id)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// Recent returns up to limit records, newest first.
func (j *Journal) Recent(limit int) ([]Record, error) {
	var out []Record
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOps).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Prune deletes finished records older than maxAge and reports how many
// were dropped. Pending records are never pruned.
func (j *Journal) Prune(maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	var dropped int
	err := j.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketOps)
		var stale [][]byte
		if err := bkt.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.State != StatePending && rec.EndedAt.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, key := range stale {
			if err := bkt.Delete(key); err != nil {
				return err
			}
			dropped++
		}
		return nil
	})
	return dropped, err
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) put(rec Record) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketOps).Put([]byte(rec.ID), data)
	})
}

func (j *Journal) finish(id string, state State, msg string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketOps)
		data := bkt.Get([]byte(id))
		if data == nil {
			return xerrors.E(xerrors.KindNotFound, "journal.finish", id)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		rec.State = state
		rec.Error = msg
		rec.EndedAt = time.Now().UTC()
		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(id), updated)
	})
}
