package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Heartbeat job categories.
const (
	HBCategoryLearning = "learning"
	HBCategoryMonitor  = "monitor"
	HBCategoryHealth   = "health"
	HBCategoryCustom   = "custom"
)

// Heartbeat job statuses.
const (
	HBStatusActive = "active"
	HBStatusPaused = "paused"
)

// HeartbeatJob is a user-configured recurring health/monitor prompt
// evaluated through the worker runtime. IntervalMs == 0 inherits the
// global heartbeat interval.
type HeartbeatJob struct {
	ID         string     `msgpack:"id" json:"id"`
	ChatJID    string     `msgpack:"chat_jid" json:"chatJid"`
	Label      string     `msgpack:"label" json:"label"`
	Prompt     string     `msgpack:"prompt" json:"prompt"`
	Category   string     `msgpack:"category" json:"category"`
	Status     string     `msgpack:"status" json:"status"`
	IntervalMs int64      `msgpack:"interval_ms" json:"intervalMs,omitempty"`
	LastRun    *time.Time `msgpack:"last_run" json:"lastRun,omitempty"`
	LastResult string     `msgpack:"last_result" json:"lastResult,omitempty"`
	CreatedAt  time.Time  `msgpack:"created_at" json:"createdAt"`
	CreatedBy  string     `msgpack:"created_by" json:"createdBy"`
}

// HeartbeatRun is one entry in a job's bounded run history.
type HeartbeatRun struct {
	JobID      string    `msgpack:"job_id" json:"jobId"`
	StartedAt  time.Time `msgpack:"started_at" json:"startedAt"`
	FinishedAt time.Time `msgpack:"finished_at" json:"finishedAt"`
	Success    bool      `msgpack:"success" json:"success"`
	Result     string    `msgpack:"result" json:"result,omitempty"`
	Error      string    `msgpack:"error" json:"error,omitempty"`
}

// ValidHBCategory reports whether c is a known category.
func ValidHBCategory(c string) bool {
	switch c {
	case HBCategoryLearning, HBCategoryMonitor, HBCategoryHealth, HBCategoryCustom:
		return true
	}
	return false
}

// CreateHeartbeatJob persists a new job, assigning defaults for unset
// fields.
func (s *Store) CreateHeartbeatJob(j *HeartbeatJob) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = HBStatusActive
	}
	if j.Category == "" {
		j.Category = HBCategoryCustom
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	raw, err := encode(j)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHBJobs).Put([]byte(j.ID), raw)
	})
}

// GetHeartbeatJob returns the job with the given ID, or ErrNotFound.
// Lookup also accepts an unambiguous ID prefix, which keeps /hbjob
// commands usable with short IDs.
func (s *Store) GetHeartbeatJob(id string) (*HeartbeatJob, error) {
	var j *HeartbeatJob
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHBJobs)
		raw := b.Get([]byte(id))
		if raw == nil {
			// Prefix match.
			c := b.Cursor()
			var match []byte
			for k, v := c.Seek([]byte(id)); k != nil && len(id) > 0 && string(k[:min(len(k), len(id))]) == id; k, v = c.Next() {
				if match != nil {
					return fmt.Errorf("%w: ambiguous job id %s", ErrNotFound, id)
				}
				match = v
			}
			if match == nil {
				return fmt.Errorf("%w: heartbeat job %s", ErrNotFound, id)
			}
			raw = match
		}
		j = new(HeartbeatJob)
		return decode(raw, j)
	})
	return j, err
}

// AllHeartbeatJobs returns every job, sorted by creation time.
func (s *Store) AllHeartbeatJobs() ([]*HeartbeatJob, error) {
	var jobs []*HeartbeatJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHBJobs).ForEach(func(_, raw []byte) error {
			j := new(HeartbeatJob)
			if err := decode(raw, j); err != nil {
				return err
			}
			jobs = append(jobs, j)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// UpdateHeartbeatJob applies patch inside one transaction.
func (s *Store) UpdateHeartbeatJob(id string, patch func(*HeartbeatJob)) (*HeartbeatJob, error) {
	existing, err := s.GetHeartbeatJob(id)
	if err != nil {
		return nil, err
	}
	var updated *HeartbeatJob
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHBJobs)
		raw := b.Get([]byte(existing.ID))
		if raw == nil {
			return fmt.Errorf("%w: heartbeat job %s", ErrNotFound, id)
		}
		j := new(HeartbeatJob)
		if err := decode(raw, j); err != nil {
			return err
		}
		patch(j)
		enc, err := encode(j)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(existing.ID), enc); err != nil {
			return err
		}
		updated = j
		return nil
	})
	return updated, err
}

// DeleteHeartbeatJob removes a job and its run history.
func (s *Store) DeleteHeartbeatJob(id string) error {
	existing, err := s.GetHeartbeatJob(id)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketHBJobs).Delete([]byte(existing.ID)); err != nil {
			return err
		}
		if b := tx.Bucket(bucketHBLog).Bucket([]byte(existing.ID)); b != nil {
			return tx.Bucket(bucketHBLog).DeleteBucket([]byte(existing.ID))
		}
		return nil
	})
}

// LogHeartbeatRun appends a run record to the job's bounded history.
func (s *Store) LogHeartbeatRun(run HeartbeatRun) error {
	raw, err := encode(&run)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendBounded(tx.Bucket(bucketHBLog), run.JobID, raw, s.runLogLimit)
	})
}

// HeartbeatRunLogs returns up to limit run records, newest first.
func (s *Store) HeartbeatRunLogs(id string, limit int) ([]HeartbeatRun, error) {
	var runs []HeartbeatRun
	err := s.db.View(func(tx *bolt.Tx) error {
		return readBounded(tx.Bucket(bucketHBLog), id, limit, func(raw []byte) error {
			var r HeartbeatRun
			if err := decode(raw, &r); err != nil {
				return err
			}
			runs = append(runs, r)
			return nil
		})
	})
	return runs, err
}
