// Package store persists users, runs, result bundles, provenance records
// and report schedules in Postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mohammad-safakhou/deepreport/config"
	core "github.com/mohammad-safakhou/deepreport/internal/agent/core"
	"github.com/mohammad-safakhou/deepreport/internal/ledger"
)

type Store struct {
	DB *sql.DB
}

// New constructs the Store from Postgres config.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewWithDSN(ctx, cfg.DSN())
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Run captures the durable view of a research run. The live view is owned
// by the orchestrator; rows here track ownership and final disposition.
type Run struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Query      string     `json:"query"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      *string    `json:"error,omitempty"`
}

// CreateRun records a run under the id minted by the orchestrator.
func (s *Store) CreateRun(ctx context.Context, id, userID, query, status string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO runs (id, user_id, query, status) VALUES ($1,$2,$3,$4)`, id, userID, query, status)
	return err
}

func (s *Store) FinishRun(ctx context.Context, runID string, status string, errMsg *string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE runs SET status=$1, finished_at=NOW(), error=$2 WHERE id=$3`, status, errMsg, runID)
	return err
}

// SetRunStatus updates the status field without touching timestamps.
func (s *Store) SetRunStatus(ctx context.Context, runID string, status string) error {
	if runID == "" {
		return fmt.Errorf("run_id must be provided")
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE runs SET status=$2 WHERE id=$1`, runID, status)
	return err
}

func (s *Store) GetRun(ctx context.Context, runID string) (Run, bool, error) {
	var r Run
	err := s.DB.QueryRowContext(ctx, `SELECT id, user_id, query, status, started_at, finished_at, error FROM runs WHERE id=$1`, runID).
		Scan(&r.ID, &r.UserID, &r.Query, &r.Status, &r.StartedAt, &r.FinishedAt, &r.Error)
	if err == sql.ErrNoRows {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	return r, true, nil
}

func (s *Store) ListRuns(ctx context.Context, userID string) ([]Run, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, user_id, query, status, started_at, finished_at, error FROM runs WHERE user_id=$1 ORDER BY started_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.UserID, &r.Query, &r.Status, &r.StartedAt, &r.FinishedAt, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveResultBundle upserts the finished bundle for a run. The full bundle
// is stored as JSON; hot fields are broken out as columns for listing.
func (s *Store) SaveResultBundle(ctx context.Context, b core.ResultBundle) error {
	if b.RunID == "" {
		return fmt.Errorf("run_id must be provided")
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal result bundle: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO result_bundles (run_id, state, summary, report, confidence, cost, tokens_used, bundle, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
ON CONFLICT (run_id) DO UPDATE SET
  state       = EXCLUDED.state,
  summary     = EXCLUDED.summary,
  report      = EXCLUDED.report,
  confidence  = EXCLUDED.confidence,
  cost        = EXCLUDED.cost,
  tokens_used = EXCLUDED.tokens_used,
  bundle      = EXCLUDED.bundle
`, b.RunID, string(b.State), b.Summary, b.Report, b.Confidence, b.Cost, b.TokensUsed, raw)
	return err
}

func (s *Store) GetResultBundle(ctx context.Context, runID string) (core.ResultBundle, bool, error) {
	var raw []byte
	err := s.DB.QueryRowContext(ctx, `SELECT bundle FROM result_bundles WHERE run_id=$1`, runID).Scan(&raw)
	if err == sql.ErrNoRows {
		return core.ResultBundle{}, false, nil
	}
	if err != nil {
		return core.ResultBundle{}, false, err
	}
	var b core.ResultBundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return core.ResultBundle{}, false, fmt.Errorf("decode result bundle: %w", err)
	}
	return b, true, nil
}

// SaveProvenance writes a run's provenance records in one transaction.
// Records are immutable; a second save for the same run is a no-op per seq.
func (s *Store) SaveProvenance(ctx context.Context, runID string, records []ledger.Record) error {
	if runID == "" {
		return fmt.Errorf("run_id must be provided")
	}
	if len(records) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO provenance_records (run_id, seq, claim, source_url, excerpt, task_id, supersedes, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (run_id, seq) DO NOTHING
`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, runID, rec.Seq, rec.Claim, rec.SourceURL, rec.Excerpt, rec.TaskID, rec.Supersedes, rec.RecordedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListProvenance(ctx context.Context, runID string) ([]ledger.Record, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT seq, claim, source_url, excerpt, task_id, supersedes, recorded_at FROM provenance_records WHERE run_id=$1 ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Record
	for rows.Next() {
		var rec ledger.Record
		if err := rows.Scan(&rec.Seq, &rec.Claim, &rec.SourceURL, &rec.Excerpt, &rec.TaskID, &rec.Supersedes, &rec.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Schedule describes a recurring research query.
type Schedule struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Query     string     `json:"query"`
	Cron      string     `json:"cron"`
	Depth     int        `json:"depth"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (s *Store) CreateSchedule(ctx context.Context, userID, query, cron string, depth int) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `INSERT INTO schedules (user_id, query, cron, depth) VALUES ($1,$2,$3,$4) RETURNING id`, userID, query, cron, depth).Scan(&id)
	return id, err
}

func (s *Store) ListSchedules(ctx context.Context, userID string) ([]Schedule, error) {
	return s.querySchedules(ctx, `SELECT id, user_id, query, cron, depth, enabled, last_run_at, created_at FROM schedules WHERE user_id=$1 ORDER BY created_at DESC`, userID)
}

// ListEnabledSchedules returns every enabled schedule across all users.
// The scheduler polls this.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]Schedule, error) {
	return s.querySchedules(ctx, `SELECT id, user_id, query, cron, depth, enabled, last_run_at, created_at FROM schedules WHERE enabled ORDER BY created_at`)
}

func (s *Store) querySchedules(ctx context.Context, q string, args ...interface{}) ([]Schedule, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		var sc Schedule
		if err := rows.Scan(&sc.ID, &sc.UserID, &sc.Query, &sc.Cron, &sc.Depth, &sc.Enabled, &sc.LastRunAt, &sc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// TouchSchedule stamps the time a schedule last fired.
func (s *Store) TouchSchedule(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE schedules SET last_run_at=$2 WHERE id=$1`, id, at)
	return err
}

func (s *Store) SetScheduleEnabled(ctx context.Context, id, userID string, enabled bool) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE schedules SET enabled=$3 WHERE id=$1 AND user_id=$2`, id, userID, enabled)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id, userID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM schedules WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
