package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openjobspec/ojs-campaigns/internal/core"
	"github.com/openjobspec/ojs-campaigns/internal/state/migrations"
)

const campaignColumns = `key, run_id, state, status, step, steps, failed_step, input,
	created_at, updated_at, completed_at, resume_at_ms, version,
	lease_token, lease_owner, lease_until_ms`

// SQLiteStore implements the Store interface on a single SQLite file. It
// serves single-node deployments and tests.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*CampaignRecord, error) {
	var (
		rec        CampaignRecord
		failedStep sql.NullInt64
	)
	err := row.Scan(
		&rec.Key, &rec.RunID, &rec.State, &rec.Status, &rec.Step, &rec.Steps, &failedStep, &rec.Input,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.CompletedAt, &rec.ResumeAtMs, &rec.Version,
		&rec.LeaseToken, &rec.LeaseOwner, &rec.LeaseUntilMs,
	)
	if err != nil {
		return nil, err
	}
	if failedStep.Valid {
		step := int(failedStep.Int64)
		rec.FailedStep = &step
	}
	rec.PK = campaignPK(rec.Key)
	rec.SK = campaignSK
	return &rec, nil
}

func nullableStep(step *int) any {
	if step == nil {
		return nil
	}
	return *step
}

// CreateCampaign inserts a new run, replacing a terminal one.
func (s *SQLiteStore) CreateCampaign(ctx context.Context, rec *CampaignRecord) error {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO campaigns (`+campaignColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	run_id = excluded.run_id,
	state = excluded.state,
	status = excluded.status,
	step = excluded.step,
	steps = excluded.steps,
	failed_step = excluded.failed_step,
	input = excluded.input,
	created_at = excluded.created_at,
	updated_at = excluded.updated_at,
	completed_at = excluded.completed_at,
	resume_at_ms = excluded.resume_at_ms,
	version = excluded.version,
	lease_token = excluded.lease_token,
	lease_owner = excluded.lease_owner,
	lease_until_ms = excluded.lease_until_ms
WHERE campaigns.status != ?
`,
		rec.Key, rec.RunID, rec.State, rec.Status, rec.Step, rec.Steps, nullableStep(rec.FailedStep), rec.Input,
		rec.CreatedAt, rec.UpdatedAt, rec.CompletedAt, rec.ResumeAtMs, rec.Version,
		rec.LeaseToken, rec.LeaseOwner, rec.LeaseUntilMs,
		core.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// GetCampaign retrieves a campaign by key.
func (s *SQLiteStore) GetCampaign(ctx context.Context, key string) (*CampaignRecord, error) {
	rec, err := scanCampaign(s.db.QueryRowContext(ctx,
		"SELECT "+campaignColumns+" FROM campaigns WHERE key = ?", key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return rec, nil
}

// ListCampaigns lists newest-updated first.
func (s *SQLiteStore) ListCampaigns(ctx context.Context, status string, limit int) ([]*CampaignRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + campaignColumns + " FROM campaigns"
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY updated_at DESC, key ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	records := make([]*CampaignRecord, 0, limit)
	for rows.Next() {
		rec, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate campaigns: %w", err)
	}
	return records, nil
}

// Checkpoint replaces the campaign if version and lease token still match.
func (s *SQLiteStore) Checkpoint(ctx context.Context, rec *CampaignRecord, expectedVersion int64, token string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE campaigns SET
	run_id = ?, state = ?, status = ?, step = ?, steps = ?, failed_step = ?, input = ?,
	updated_at = ?, completed_at = ?, resume_at_ms = ?, version = ?,
	lease_token = ?, lease_owner = ?, lease_until_ms = ?
WHERE key = ? AND version = ? AND lease_token = ?
`,
		rec.RunID, rec.State, rec.Status, rec.Step, rec.Steps, nullableStep(rec.FailedStep), rec.Input,
		rec.UpdatedAt, rec.CompletedAt, rec.ResumeAtMs, rec.Version,
		rec.LeaseToken, rec.LeaseOwner, rec.LeaseUntilMs,
		rec.Key, expectedVersion, token,
	)
	if err != nil {
		return fmt.Errorf("checkpoint campaign: %w", err)
	}
	return requireOneRow(res)
}

// GetDueCampaigns returns keys whose resume time and lease have passed,
// earliest first.
func (s *SQLiteStore) GetDueCampaigns(ctx context.Context, nowMs int64, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT key FROM campaigns
WHERE status = ? AND resume_at_ms <= ? AND lease_until_ms <= ?
ORDER BY resume_at_ms ASC
LIMIT ?
`, core.StatusRunning, nowMs, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("query due campaigns: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan due campaign: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due campaigns: %w", err)
	}
	return keys, nil
}

// ClaimDue fences a due campaign with token.
func (s *SQLiteStore) ClaimDue(ctx context.Context, key string, nowMs int64, token string, untilMs int64) (*CampaignRecord, error) {
	return s.updateLease(ctx, key, `
UPDATE campaigns SET lease_token = ?, lease_owner = '', lease_until_ms = ?
WHERE key = ? AND status = ? AND resume_at_ms <= ? AND lease_until_ms <= ?
`, token, untilMs, key, core.StatusRunning, nowMs, nowMs)
}

// AcquireLease binds owner to the claim identified by token.
func (s *SQLiteStore) AcquireLease(ctx context.Context, key, token, owner string, untilMs int64) (*CampaignRecord, error) {
	return s.updateLease(ctx, key, `
UPDATE campaigns SET lease_owner = ?, lease_until_ms = ?
WHERE key = ? AND lease_token = ? AND (lease_owner = '' OR lease_owner = ?)
`, owner, untilMs, key, token, owner)
}

// ExtendLease pushes a held lease's expiry.
func (s *SQLiteStore) ExtendLease(ctx context.Context, key, token, owner string, untilMs int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE campaigns SET lease_until_ms = ?
WHERE key = ? AND lease_token = ? AND lease_owner = ?
`, untilMs, key, token, owner)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return requireOneRow(res)
}

func (s *SQLiteStore) updateLease(ctx context.Context, key, stmt string, args ...any) (*CampaignRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lease update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("update lease: %w", err)
	}
	if err := requireOneRow(res); err != nil {
		return nil, err
	}
	rec, err := scanCampaign(tx.QueryRowContext(ctx,
		"SELECT "+campaignColumns+" FROM campaigns WHERE key = ?", key))
	if err != nil {
		return nil, fmt.Errorf("reload campaign: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease update: %w", err)
	}
	return rec, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// PurgeTerminal deletes finished runs older than beforeMs.
func (s *SQLiteStore) PurgeTerminal(ctx context.Context, beforeMs int64) (int, error) {
	before := core.FormatTime(time.UnixMilli(beforeMs))
	res, err := s.db.ExecContext(ctx, `
DELETE FROM campaigns WHERE status IN (?, ?) AND updated_at < ?
`, core.StatusCompleted, core.StatusFailed, before)
	if err != nil {
		return 0, fmt.Errorf("purge campaigns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge campaigns: %w", err)
	}
	return int(n), nil
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*DynamoDBStore)(nil)
)
