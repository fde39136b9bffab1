// Package emails holds the job store repository and the HTTP handlers for
// scheduling and listing email jobs. The store is the source of truth: in any
// conflict between store and queue, the store wins.
package emails

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/outboxhq/outbox/internal/models"
)

const jobColumns = `id, user_id, recipient, subject, body, status, scheduled_at, sent_at, failed_at, created_at, updated_at`

// Repository handles email_jobs persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an email job repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new job. The id is assigned here and is stable for the
// job's entire lifetime; status starts as SCHEDULED.
func (r *Repository) Create(ctx context.Context, job *models.EmailJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = models.StatusScheduled
	const q = `INSERT INTO email_jobs (id, user_id, recipient, subject, body, status, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`
	return r.pool.QueryRow(ctx, q,
		job.ID, job.UserID, job.Recipient, job.Subject, job.Body, job.Status, job.ScheduledAt,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
}

// Get returns a job by id, or nil when no such record exists.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.EmailJob, error) {
	const q = `SELECT ` + jobColumns + ` FROM email_jobs WHERE id = $1`
	job, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateStatus atomically writes a job's status and terminal timestamps.
// There is no precondition on the prior status: the worker is the only writer
// after creation and enforces idempotency by reading before writing.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.Status, sentAt, failedAt *time.Time) error {
	const q = `UPDATE email_jobs
		SET status = $2, sent_at = $3, failed_at = $4, updated_at = now()
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, status, sentAt, failedAt)
	return err
}

// ListAll returns every job, newest first.
func (r *Repository) ListAll(ctx context.Context) ([]*models.EmailJob, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM email_jobs ORDER BY created_at DESC`)
}

// ListScheduled returns SCHEDULED jobs ordered by scheduled time.
func (r *Repository) ListScheduled(ctx context.Context) ([]*models.EmailJob, error) {
	return r.list(ctx,
		`SELECT `+jobColumns+` FROM email_jobs WHERE status = $1 ORDER BY scheduled_at ASC`,
		models.StatusScheduled)
}

// ListSent returns SENT and FAILED jobs, most recently sent first.
func (r *Repository) ListSent(ctx context.Context) ([]*models.EmailJob, error) {
	return r.list(ctx,
		`SELECT `+jobColumns+` FROM email_jobs WHERE status = ANY($1) ORDER BY sent_at DESC NULLS LAST`,
		[]string{string(models.StatusSent), string(models.StatusFailed)})
}

// ListPending returns jobs that have not reached a terminal state. Used by
// recovery to reconcile the delay queue after a restart.
func (r *Repository) ListPending(ctx context.Context) ([]*models.EmailJob, error) {
	return r.list(ctx,
		`SELECT `+jobColumns+` FROM email_jobs WHERE status = ANY($1) ORDER BY scheduled_at ASC`,
		[]string{string(models.StatusScheduled), string(models.StatusProcessing)})
}

func (r *Repository) list(ctx context.Context, q string, args ...any) ([]*models.EmailJob, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*models.EmailJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*models.EmailJob, error) {
	var j models.EmailJob
	err := row.Scan(&j.ID, &j.UserID, &j.Recipient, &j.Subject, &j.Body, &j.Status,
		&j.ScheduledAt, &j.SentAt, &j.FailedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
