package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"ledger-opqueue/internal/models"
)

// ErrNotFound is returned when no live snapshot exists for a job.
var ErrNotFound = errors.New("store: operation not found")

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store mirrors queue state and audit rows into Postgres.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: pool, pool: pool}, nil
}

// NewWithDB wraps an existing connection or pool.
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// UpsertJob writes a snapshot of a job taken at event seq. Snapshots older
// than the stored one are ignored.
func (s *Store) UpsertJob(ctx context.Context, job models.Job, seq uint64) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO operations (id, kind, payload, status, attempts, max_attempts, idempotency_key, last_error, result_reference, next_attempt_at, last_attempt_at, created_at, event_seq, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			result_reference = EXCLUDED.result_reference,
			next_attempt_at = EXCLUDED.next_attempt_at,
			last_attempt_at = EXCLUDED.last_attempt_at,
			event_seq = EXCLUDED.event_seq,
			updated_at = NOW()
		WHERE operations.event_seq < EXCLUDED.event_seq
	`, job.ID, string(job.Kind), payloadJSON, string(job.Status), job.Attempts, job.MaxAttempts, job.IdempotencyKey,
		emptyToNil(job.Error), emptyToNil(job.ResultReference), job.NextAttemptAt, job.LastAttemptAt, job.CreatedAt, int64(seq))
	if err != nil {
		return fmt.Errorf("upsert operation: %w", err)
	}
	return nil
}

// MarkRemoved hides a job that left the queue (pruned or discarded) at
// event seq. The row stays as a tombstone so late snapshots cannot revive it.
func (s *Store) MarkRemoved(ctx context.Context, id string, seq uint64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE operations SET removed_at = NOW(), event_seq = $2, updated_at = NOW()
		WHERE id = $1 AND event_seq < $2
	`, id, int64(seq))
	if err != nil {
		return fmt.Errorf("mark operation removed: %w", err)
	}
	return nil
}

// GetJob fetches the persisted snapshot of a job.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, kind, payload, status, attempts, max_attempts, idempotency_key, last_error, result_reference, next_attempt_at, last_attempt_at, created_at
		FROM operations WHERE id = $1 AND removed_at IS NULL
	`, id)

	var job models.Job
	var kind, status string
	var payloadJSON []byte
	var lastErr, ref pgtype.Text
	var lastAttempt pgtype.Timestamptz

	if err := row.Scan(&job.ID, &kind, &payloadJSON, &status, &job.Attempts, &job.MaxAttempts, &job.IdempotencyKey, &lastErr, &ref, &job.NextAttemptAt, &lastAttempt, &job.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return models.Job{}, fmt.Errorf("scan operation: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.Kind = models.Kind(kind)
	job.Status = models.Status(status)
	job.Error = lastErr.String
	job.ResultReference = ref.String
	if lastAttempt.Valid {
		t := lastAttempt.Time
		job.LastAttemptAt = &t
	}
	return job, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// AuditTrail returns the audit rows for a job, oldest first.
func (s *Store) AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.db.Query(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY ts, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var entry models.AuditLog
		var detail pgtype.Text
		if err := rows.Scan(&entry.JobID, &entry.Event, &detail, &entry.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		entry.Detail = detail.String
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit trail: %w", err)
	}
	return out, nil
}

// CountByStatus reports persisted operations per status.
func (s *Store) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM operations WHERE removed_at IS NULL GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count operations: %w", err)
	}
	defer rows.Close()

	out := make(map[models.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[models.Status(status)] = n
	}
	return out, rows.Err()
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
