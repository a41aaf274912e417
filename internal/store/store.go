// Package store persists scheduled tasks, heartbeat jobs, their run
// logs, and usage tracking in an embedded bbolt database.
//
// Records are msgpack-encoded. All multi-step mutations run inside a
// single bbolt Update transaction, which is what makes ClaimTask the
// atomic conditional write the scheduler relies on.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"shepherd/internal/logging"
)

// SentinelISO is the wire-visible "claimed" marker for a task's nextRun.
// Do not change without a data migration.
const SentinelISO = "9999-12-31T23:59:59.999Z"

// Sentinel is SentinelISO as a time. Claimed tasks carry exactly this
// instant in NextRun until the scheduler writes the run outcome.
var Sentinel = time.Date(9999, 12, 31, 23, 59, 59, 999000000, time.UTC)

// ErrNotFound is returned when a task or job lookup misses.
var ErrNotFound = errors.New("store: not found")

// DefaultRunLogLimit is how many run log entries are kept per task/job.
const DefaultRunLogLimit = 20

var (
	bucketTasks   = []byte("tasks")
	bucketTaskLog = []byte("task_runs")
	bucketHBJobs  = []byte("hbjobs")
	bucketHBLog   = []byte("hbjob_runs")
	bucketUsage   = []byte("usage")
)

// Store wraps the bbolt database.
type Store struct {
	db          *bolt.DB
	logger      *slog.Logger
	runLogLimit int
}

// Open opens (or creates) the database at path and ensures all buckets
// exist.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTasks, bucketTaskLog, bucketHBJobs, bucketHBLog, bucketUsage} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		db:          db,
		logger:      logging.Default(logger).With("component", "store"),
		runLogLimit: DefaultRunLogLimit,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// IsSentinel reports whether t is the claimed-task sentinel.
func IsSentinel(t *time.Time) bool {
	return t != nil && t.UTC().Equal(Sentinel)
}

func encode(v any) ([]byte, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode: %w", err)
	}
	return raw, nil
}

func decode(raw []byte, v any) error {
	if err := msgpack.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("store: decode: %w", err)
	}
	return nil
}

func seqKey(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

// appendBounded writes a record into a per-owner nested bucket and
// prunes the oldest entries beyond the configured limit.
func appendBounded(parent *bolt.Bucket, owner string, raw []byte, limit int) error {
	b, err := parent.CreateBucketIfNotExists([]byte(owner))
	if err != nil {
		return fmt.Errorf("store: run log bucket: %w", err)
	}
	n, err := b.NextSequence()
	if err != nil {
		return fmt.Errorf("store: run log sequence: %w", err)
	}
	if err := b.Put(seqKey(n), raw); err != nil {
		return fmt.Errorf("store: run log put: %w", err)
	}

	// Prune oldest entries past the limit. Buckets are small (bounded by
	// limit plus one), so counting with a cursor is cheap.
	total := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		total++
	}
	for excess := total - limit; excess > 0; excess-- {
		k, _ := c.First()
		if k == nil {
			break
		}
		if err := b.Delete(k); err != nil {
			return fmt.Errorf("store: run log prune: %w", err)
		}
	}
	return nil
}

// readBounded returns up to limit records from a per-owner nested
// bucket, newest first.
func readBounded(parent *bolt.Bucket, owner string, limit int, visit func(raw []byte) error) error {
	b := parent.Bucket([]byte(owner))
	if b == nil {
		return nil
	}
	c := b.Cursor()
	count := 0
	for k, v := c.Last(); k != nil && (limit <= 0 || count < limit); k, v = c.Prev() {
		if err := visit(v); err != nil {
			return err
		}
		count++
	}
	return nil
}
