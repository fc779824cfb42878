// Package invocations keeps a SQLite log of executed skill commands.
package invocations

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/db"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/skills"
)

const defaultQueryLimit = 50

// Store persists invocations. It implements skills.Recorder.
type Store struct {
	db     *sqlx.DB
	ownsDB bool
}

var _ skills.Recorder = (*Store)(nil)

// NewStore opens the database at dbPath and applies the invocation log
// migrations
func NewStore(ctx context.Context, dbPath string) (*Store, error) {
	sqlDB, err := db.OpenMigrated(ctx, dbPath, Migrations())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open invocation store")
	}
	return &Store{db: sqlDB, ownsDB: true}, nil
}

// NewStoreWithDB uses an already migrated database. Close leaves it open.
func NewStoreWithDB(sqlDB *sqlx.DB) *Store {
	return &Store{db: sqlDB}
}

// Record inserts one invocation
func (s *Store) Record(ctx context.Context, inv skills.Invocation) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO skill_invocations (
			id, skill, command, args, result_preview, result_size,
			error, cached, attempts, duration_ms, started_at
		) VALUES (
			:id, :skill, :command, :args, :result_preview, :result_size,
			:error, :cached, :attempts, :duration_ms, :started_at
		)
	`, fromInvocation(inv))
	return errors.Wrap(err, "failed to record invocation")
}

// QueryOptions filters Query results
type QueryOptions struct {
	Skill      string
	Command    string
	Since      time.Time
	FailedOnly bool
	Limit      int
}

// Query returns the most recent invocations first
func (s *Store) Query(ctx context.Context, opts QueryOptions) ([]Record, error) {
	query := "SELECT * FROM skill_invocations WHERE 1=1"
	var args []any
	if opts.Skill != "" {
		query += " AND skill = ?"
		args = append(args, opts.Skill)
	}
	if opts.Command != "" {
		query += " AND command = ?"
		args = append(args, opts.Command)
	}
	if !opts.Since.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, opts.Since.UTC())
	}
	if opts.FailedOnly {
		query += " AND error IS NOT NULL"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	var rows []dbRecord
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to query invocations")
	}
	records := make([]Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, r.toRecord())
	}
	return records, nil
}

// CommandStats aggregates the invocations of one command
type CommandStats struct {
	Skill       string        `json:"skill"`
	Command     string        `json:"command"`
	Calls       int           `json:"calls"`
	Failures    int           `json:"failures"`
	CacheHits   int           `json:"cache_hits"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// Stats aggregates invocations per command, busiest first. An empty skill
// covers every skill.
func (s *Store) Stats(ctx context.Context, skill string) ([]CommandStats, error) {
	query := `
		SELECT
			skill,
			command,
			COUNT(*) AS calls,
			SUM(CASE WHEN error IS NOT NULL THEN 1 ELSE 0 END) AS failures,
			SUM(cached) AS cache_hits,
			AVG(CASE WHEN cached = 0 THEN duration_ms END) AS avg_duration_ms
		FROM skill_invocations`
	var args []any
	if skill != "" {
		query += " WHERE skill = ?"
		args = append(args, skill)
	}
	query += " GROUP BY skill, command ORDER BY calls DESC, skill, command"

	var rows []struct {
		Skill     string   `db:"skill"`
		Command   string   `db:"command"`
		Calls     int      `db:"calls"`
		Failures  int      `db:"failures"`
		CacheHits int      `db:"cache_hits"`
		Avg       *float64 `db:"avg_duration_ms"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to aggregate invocations")
	}

	stats := make([]CommandStats, 0, len(rows))
	for _, r := range rows {
		st := CommandStats{
			Skill:     r.Skill,
			Command:   r.Command,
			Calls:     r.Calls,
			Failures:  r.Failures,
			CacheHits: r.CacheHits,
		}
		if r.Avg != nil {
			st.AvgDuration = time.Duration(*r.Avg * float64(time.Millisecond))
		}
		stats = append(stats, st)
	}
	return stats, nil
}

// Prune deletes invocations started before cutoff and returns how many were
// removed
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM skill_invocations WHERE started_at < ?", cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune invocations")
	}
	return res.RowsAffected()
}

// Close closes the database if the store opened it
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
