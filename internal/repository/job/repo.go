package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aliskhannn/image-pipeline/internal/model"
)

// PageSize is the number of jobs returned by one FindAll call.
const PageSize = 10

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrJobFinalized is returned when an update targets a completed job.
	ErrJobFinalized = errors.New("job already completed")
	// ErrBackToPending is returned when an update tries to set the pending
	// status. Only Save creates pending jobs.
	ErrBackToPending = errors.New("job cannot return to pending")
)

// db is the subset of *dbpg.DB and *sql.DB the repository needs.
type db interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Repository persists jobs. The SQL is portable between PostgreSQL and SQLite.
type Repository struct {
	db  db
	now func() time.Time
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db db) *Repository {
	return &Repository{db: db, now: time.Now}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id            TEXT PRIMARY KEY,
		url           TEXT NOT NULL,
		steps         TEXT NOT NULL,
		status        TEXT NOT NULL,
		final_url     TEXT,
		error_message TEXT,
		total_steps   INTEGER NOT NULL,
		current_step  INTEGER NOT NULL DEFAULT 0,
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL,
		completed_at  TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_created_at_idx ON jobs (created_at DESC, id DESC)`,
}

// EnsureSchema creates the jobs table if it does not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}

	return nil
}

const jobColumns = `id, url, steps, status, final_url, error_message, total_steps, current_step, created_at, updated_at, completed_at`

// Save inserts a new pending job and returns its id.
func (r *Repository) Save(ctx context.Context, sub model.Submission) (string, error) {
	query := `
		INSERT INTO jobs (id, url, steps, status, total_steps, current_step, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	steps := sub.ChangesToApply
	if steps == nil {
		steps = []model.Step{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("save: failed to marshal steps: %w", err)
	}

	id := uuid.NewString()
	now := r.now().UTC()

	_, err = r.db.ExecContext(
		ctx, query, id, sub.URL, string(stepsJSON), string(model.StatusPending),
		sub.TotalSteps, 0, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("save: failed to save job: %w", err)
	}

	return id, nil
}

// FindByID returns the job with the given id or ErrJobNotFound.
func (r *Repository) FindByID(ctx context.Context, id string) (model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, ErrJobNotFound
		}

		return model.Job{}, fmt.Errorf("get: failed to get job: %w", err)
	}

	return job, nil
}

// FindAll returns up to PageSize jobs ordered by creation time, newest first.
// When lastJobID is set the page starts right after that job.
func (r *Repository) FindAll(ctx context.Context, lastJobID string) ([]model.Job, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if lastJobID == "" {
		query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC, id DESC LIMIT $1`
		rows, err = r.db.QueryContext(ctx, query, PageSize)
	} else {
		query := `
			SELECT ` + jobColumns + `
			FROM jobs
			WHERE created_at < (SELECT created_at FROM jobs WHERE id = $1)
			   OR (created_at = (SELECT created_at FROM jobs WHERE id = $1) AND id < $1)
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`
		rows, err = r.db.QueryContext(ctx, query, lastJobID, PageSize)
	}
	if err != nil {
		return nil, fmt.Errorf("list: failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]model.Job, 0, PageSize)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list: failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}

	return jobs, nil
}

// Update merges p into the stored job in a single statement. Fields left nil
// in p are not touched. Setting a status clears the fields that status does
// not allow: error_message unless failed, final_url unless completed.
// current_step never decreases and never exceeds total_steps.
func (r *Repository) Update(ctx context.Context, id string, p model.Patch) error {
	var (
		sets []string
		args []interface{}
	)
	add := func(column string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if p.Status != nil {
		if !p.Status.Valid() {
			return fmt.Errorf("update: invalid status %q", *p.Status)
		}
		if *p.Status == model.StatusPending {
			return ErrBackToPending
		}
		add("status", string(*p.Status))
		if *p.Status != model.StatusFailed && p.ErrorMessage == nil {
			sets = append(sets, "error_message = NULL")
		}
		if *p.Status != model.StatusCompleted && p.FinalURL == nil {
			sets = append(sets, "final_url = NULL")
		}
	}
	if p.CurrentStep != nil {
		args = append(args, *p.CurrentStep)
		n := len(args)
		sets = append(sets, fmt.Sprintf(
			"current_step = CASE WHEN $%d > total_steps THEN total_steps WHEN $%d > current_step THEN $%d ELSE current_step END",
			n, n, n,
		))
	}
	if p.FinalURL != nil {
		add("final_url", *p.FinalURL)
	}
	if p.ErrorMessage != nil {
		add("error_message", *p.ErrorMessage)
	}
	if p.CompletedAt != nil {
		add("completed_at", p.CompletedAt.UTC())
	}
	add("updated_at", r.now().UTC())

	args = append(args, id)
	query := fmt.Sprintf(
		"UPDATE jobs SET %s WHERE id = $%d AND status <> '%s'",
		strings.Join(sets, ", "), len(args), model.StatusCompleted,
	)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update: failed to update job: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return r.missOrFinalized(ctx, id)
	}

	return nil
}

// UpdateStatus sets the status and, when given, the error message and
// completion time.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status model.Status, errorMessage string, completedAt *time.Time) error {
	p := model.Patch{Status: &status, CompletedAt: completedAt}
	if errorMessage != "" {
		p.ErrorMessage = &errorMessage
	}

	return r.Update(ctx, id, p)
}

// missOrFinalized explains why an update touched no rows.
func (r *Repository) missOrFinalized(ctx context.Context, id string) error {
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		return fmt.Errorf("update: failed to check job: %w", err)
	}

	if model.Status(status) == model.StatusCompleted {
		return ErrJobFinalized
	}

	return ErrJobNotFound
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (model.Job, error) {
	var (
		job          model.Job
		steps        []byte
		status       string
		finalURL     sql.NullString
		errorMessage sql.NullString
		completedAt  sql.NullTime
	)

	err := s.Scan(
		&job.ID, &job.URL, &steps, &status, &finalURL, &errorMessage,
		&job.TotalSteps, &job.CurrentStep, &job.CreatedAt, &job.UpdatedAt, &completedAt,
	)
	if err != nil {
		return model.Job{}, err
	}

	if err := json.Unmarshal(steps, &job.ChangesToApply); err != nil {
		return model.Job{}, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	job.Status = model.Status(status)
	job.FinalURL = finalURL.String
	job.ErrorMessage = errorMessage.String
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}

	return job, nil
}
