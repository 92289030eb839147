package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// Hit is one computed-metric record in the output store
type Hit struct {
	Index      string    `json:"index"`
	Label      string    `json:"label"`
	Level      string    `json:"level"`
	FromDate   string    `json:"from_date"`
	EndDate    string    `json:"end_date"`
	ComputedAt time.Time `json:"computed_at"`
	RunID      string    `json:"run_id,omitempty"`
}

// Query matches records by exact label and level. Results are ordered by
// computation time, newest first.
type Query struct {
	Label string
	Level string
	Limit int
}

// OutputStore is the search interface over computed metric records
type OutputStore interface {
	Search(ctx context.Context, index string, q Query) ([]Hit, error)
	Record(ctx context.Context, index string, hit Hit) error
}

// Search returns the records of an index matching q
func (d *DB) Search(ctx context.Context, index string, q Query) ([]Hit, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT index_name, label, level, from_date, end_date, computed_at, COALESCE(run_id, '')
		 FROM output_records
		 WHERE index_name = ? AND label = ? AND level = ?
		 ORDER BY computed_at DESC
		 LIMIT ?`,
		index, q.Label, q.Level, limit)
	if err != nil {
		return nil, eris.Wrapf(err, "search %s", index)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h        Hit
			computed int64
		)
		if err := rows.Scan(&h.Index, &h.Label, &h.Level, &h.FromDate, &h.EndDate, &computed, &h.RunID); err != nil {
			return nil, eris.Wrap(err, "scan output record")
		}
		h.ComputedAt = time.Unix(0, computed).UTC()
		hits = append(hits, h)
	}
	return hits, eris.Wrap(rows.Err(), "iterate output records")
}

// Record upserts a record keyed by (index, label, level, from, end). Writing
// the same window twice leaves one record with the latest computation time.
func (d *DB) Record(ctx context.Context, index string, hit Hit) error {
	if hit.ComputedAt.IsZero() {
		hit.ComputedAt = time.Now()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO output_records (index_name, label, level, from_date, end_date, computed_at, run_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(index_name, label, level, from_date, end_date) DO UPDATE SET
			computed_at = excluded.computed_at,
			run_id = excluded.run_id`,
		index, hit.Label, hit.Level, hit.FromDate, hit.EndDate, hit.ComputedAt.UnixNano(), hit.RunID)
	return eris.Wrapf(err, "record %s for %s", index, hit.Label)
}

// CountRecords returns the number of records of an index for a label
func (d *DB) CountRecords(ctx context.Context, index, label string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM output_records WHERE index_name = ? AND label = ?`, index, label).Scan(&n)
	return n, eris.Wrapf(err, "count %s", index)
}
