// Package postgres provides the Postgres-backed genjob.JobStore.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/mediagen/internal/genjob"
)

const uniqueViolation = "23505"

// Config controls the Postgres connection pool used for job rows.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore persists jobs in the generation_jobs table. Indexed columns mirror the
// fields the scheduler filters on; the full job is kept in the payload column.
type JobStore struct {
	pool pool
}

// NewJobStore connects a pool using cfg.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: p}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: p}, nil
}

// Close releases the pool.
func (s *JobStore) Close() {
	s.pool.Close()
}

const insertJob = `INSERT INTO generation_jobs (
	id, canonical_key, content_hash, status, op_type, owner, provider_id, account_id,
	provider_job_id, priority, next_poll_at, queued_at, created_at, updated_at, payload, version
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

// Create inserts a new job row.
func (s *JobStore) Create(ctx context.Context, job genjob.Job) error {
	args, err := rowArgs(job)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, insertJob, append(args, job.Version)...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("create %s: %w", job.ID, genjob.ErrJobExists)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(ctx context.Context, id string) (genjob.Job, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM generation_jobs WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return genjob.Job{}, fmt.Errorf("get %s: %w", id, genjob.ErrNotFound)
	}
	if err != nil {
		return genjob.Job{}, fmt.Errorf("select job: %w", err)
	}
	return decode(payload)
}

const updateJob = `UPDATE generation_jobs SET
	canonical_key = $2, content_hash = $3, status = $4, op_type = $5, owner = $6,
	provider_id = $7, account_id = $8, provider_job_id = $9, priority = $10,
	next_poll_at = $11, queued_at = $12, created_at = $13, updated_at = $14, payload = $15,
	version = $16
WHERE id = $1 AND status = $17 AND version = $18`

// Update replaces the row when its status still equals expect and its version
// still equals job.Version. The stored row carries job.Version+1.
func (s *JobStore) Update(ctx context.Context, job genjob.Job, expect genjob.Status) error {
	next := job
	next.Version++
	args, err := rowArgs(next)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, updateJob, append(args, next.Version, string(expect), job.Version)...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var (
		current string
		version int64
	)
	err = s.pool.QueryRow(ctx, `SELECT status, version FROM generation_jobs WHERE id = $1`, job.ID).Scan(&current, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update %s: %w", job.ID, genjob.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("select job status: %w", err)
	}
	return fmt.Errorf("update %s: status %s version %d, want %s version %d: %w",
		job.ID, current, version, expect, job.Version, genjob.ErrStaleJob)
}

// List returns jobs matching filter ordered by creation time.
func (s *JobStore) List(ctx context.Context, filter genjob.Filter) ([]genjob.Job, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if filter.OpType != "" {
		where = append(where, "op_type = "+arg(filter.OpType))
	}
	if filter.Owner != "" {
		where = append(where, "owner = "+arg(filter.Owner))
	}

	var b strings.Builder
	b.WriteString("SELECT payload FROM generation_jobs")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at ASC, id ASC")
	if filter.Limit > 0 {
		b.WriteString(" LIMIT " + arg(filter.Limit))
	}
	if filter.Offset > 0 {
		b.WriteString(" OFFSET " + arg(filter.Offset))
	}
	return s.queryJobs(ctx, b.String(), args...)
}

// ListDispatchable returns jobs waiting for an account. Rows are not locked;
// the versioned Update on assignment decides which dispatcher wins.
func (s *JobStore) ListDispatchable(ctx context.Context, limit int) ([]genjob.Job, error) {
	return s.queryJobs(ctx, `SELECT payload FROM generation_jobs
		WHERE status = 'PENDING' OR (status = 'QUEUED' AND account_id = '')
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT $1`, limitOrAll(limit))
}

// claimDue leases due rows in a single statement so concurrent pollers never
// receive the same job. next_poll_at moves to the lease expiry, which makes
// the row due again if the claiming poller never reports back.
const claimDue = `WITH due AS (
	SELECT id FROM generation_jobs
	WHERE status = 'PROCESSING' AND next_poll_at <= $1
	ORDER BY next_poll_at ASC
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
UPDATE generation_jobs j SET
	next_poll_at = $2,
	version = j.version + 1,
	payload = jsonb_set(
		jsonb_set(j.payload, '{poll,leased_until}', to_jsonb($2::timestamptz)),
		'{version}', to_jsonb(j.version + 1))
FROM due
WHERE j.id = due.id
RETURNING j.payload`

// ClaimDue leases PROCESSING jobs whose poll is due, earliest first.
func (s *JobStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]genjob.Job, error) {
	return s.queryJobs(ctx, claimDue, now, now.Add(lease), limitOrAll(limit))
}

// ListStaleQueued returns reserved QUEUED jobs that never reached the provider.
func (s *JobStore) ListStaleQueued(ctx context.Context, before time.Time, limit int) ([]genjob.Job, error) {
	return s.queryJobs(ctx, `SELECT payload FROM generation_jobs
		WHERE status = 'QUEUED' AND account_id <> '' AND provider_job_id = '' AND queued_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, before, limitOrAll(limit))
}

func (s *JobStore) queryJobs(ctx context.Context, query string, args ...any) ([]genjob.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []genjob.Job{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job, err := decode(payload)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func rowArgs(job genjob.Job) ([]any, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	return []any{
		job.ID,
		job.CanonicalKey,
		job.ContentHash,
		string(job.Status),
		job.OpType,
		job.Owner,
		job.ProviderID,
		job.AccountID,
		job.ProviderJobID,
		job.Priority,
		nullableTime(job.Poll.DueAt()),
		job.QueuedAt,
		job.CreatedAt,
		job.UpdatedAt,
		payload,
	}, nil
}

func decode(payload []byte) (genjob.Job, error) {
	var job genjob.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return genjob.Job{}, fmt.Errorf("decode job payload: %w", err)
	}
	return job, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return genjob.TimePtr(t)
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
