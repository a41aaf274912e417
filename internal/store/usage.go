package store

import (
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// UsageRow is one tracked model invocation.
type UsageRow struct {
	Timestamp        time.Time `msgpack:"timestamp" json:"timestamp"`
	UserID           string    `msgpack:"user_id" json:"userId"`
	Tier             string    `msgpack:"tier" json:"tier"`
	Model            string    `msgpack:"model" json:"model"`
	InputTokens      int64     `msgpack:"input_tokens" json:"inputTokens"`
	OutputTokens     int64     `msgpack:"output_tokens" json:"outputTokens"`
	EstimatedCostUSD float64   `msgpack:"estimated_cost_usd" json:"estimatedCostUsd"`
	ResponseTimeMs   int64     `msgpack:"response_time_ms" json:"responseTimeMs"`
}

// UsageSummary aggregates rows in a time window.
type UsageSummary struct {
	Count        int     `json:"count"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// usageKey builds a big-endian nanosecond timestamp key with a short
// random suffix so keys sort chronologically and never collide.
func usageKey(ts time.Time) []byte {
	key := seqKey(uint64(ts.UTC().UnixNano()))
	return append(key, []byte(uuid.NewString()[:8])...)
}

// TrackUsage appends a usage row. Keys are timestamp-ordered so window
// scans use a cursor range.
func (s *Store) TrackUsage(row UsageRow) error {
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now().UTC()
	}
	raw, err := encode(&row)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsage).Put(usageKey(row.Timestamp), raw)
	})
}

// UsageSince aggregates usage rows with timestamps at or after since.
func (s *Store) UsageSince(since time.Time) (UsageSummary, error) {
	var sum UsageSummary
	prefix := seqKey(uint64(since.UTC().UnixNano()))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketUsage).Cursor()
		for k, raw := c.Seek(prefix); k != nil; k, raw = c.Next() {
			var row UsageRow
			if err := decode(raw, &row); err != nil {
				return err
			}
			sum.Count++
			sum.InputTokens += row.InputTokens
			sum.OutputTokens += row.OutputTokens
			sum.CostUSD += row.EstimatedCostUSD
		}
		return nil
	})
	return sum, err
}

// UsageToday aggregates rows since local midnight in loc.
func (s *Store) UsageToday(loc *time.Location) (UsageSummary, error) {
	now := time.Now().In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	return s.UsageSince(midnight)
}

// UsageThisMonth aggregates rows since the first of the month in loc.
func (s *Store) UsageThisMonth(loc *time.Location) (UsageSummary, error) {
	now := time.Now().In(loc)
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
	return s.UsageSince(first)
}
