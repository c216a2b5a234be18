package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-pipeline/internal/chain"
	"github.com/aliskhannn/image-pipeline/internal/model"
	jobrepo "github.com/aliskhannn/image-pipeline/internal/repository/job"
)

// DefaultSignedURLExpiry is how long a download link stays valid.
const DefaultSignedURLExpiry = time.Minute

// builder validates a submission into a step chain.
type builder interface {
	Build(req chain.Request) (model.Submission, error)
}

// repository defines the job store operations used by the service.
type repository interface {
	Save(ctx context.Context, sub model.Submission) (string, error)
	FindByID(ctx context.Context, id string) (model.Job, error)
	FindAll(ctx context.Context, lastJobID string) ([]model.Job, error)
	UpdateStatus(ctx context.Context, id string, status model.Status, errorMessage string, completedAt *time.Time) error
}

// publisher enqueues jobs for the workers.
type publisher interface {
	Publish(ctx context.Context, msg model.Message) error
}

// signer issues time-limited download links for stored artifacts.
type signer interface {
	GetSignedURL(ctx context.Context, ref string, expiry time.Duration) (string, error)
}

// Service provides the business logic for submitting and reading jobs.
type Service struct {
	builder    builder
	repository repository
	publisher  publisher
	signer     signer
	expiry     time.Duration
}

// NewService creates a new Service. A non-positive expiry falls back to
// DefaultSignedURLExpiry.
func NewService(b builder, r repository, p publisher, s signer, expiry time.Duration) *Service {
	if expiry <= 0 {
		expiry = DefaultSignedURLExpiry
	}

	return &Service{builder: b, repository: r, publisher: p, signer: s, expiry: expiry}
}

// CreateJob validates the request, stores a pending job and publishes it.
// Nothing is stored when validation fails. If publishing fails the stored job
// is marked failed so it does not stay pending forever.
func (s *Service) CreateJob(ctx context.Context, req chain.Request) (string, error) {
	sub, err := s.builder.Build(req)
	if err != nil {
		return "", err
	}

	zlog.Logger.Info().Str("url", sub.URL).Int("steps", len(sub.ChangesToApply)).Msg("creating image process job")
	id, err := s.repository.Save(ctx, sub)
	if err != nil {
		return "", fmt.Errorf("create: %w", err)
	}

	zlog.Logger.Info().Str("job_id", id).Msg("publishing image process job")
	if err := s.publisher.Publish(ctx, model.Message{JobID: id, Data: sub}); err != nil {
		if uerr := s.repository.UpdateStatus(context.WithoutCancel(ctx), id, model.StatusFailed, err.Error(), nil); uerr != nil {
			zlog.Logger.Error().Err(uerr).Str("job_id", id).Msg("failed to mark unpublished job as failed")
		}
		return "", fmt.Errorf("create: %w", err)
	}

	return id, nil
}

// GetJob returns the job with the given id.
func (s *Service) GetJob(ctx context.Context, id string) (model.Job, error) {
	job, err := s.repository.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, jobrepo.ErrJobNotFound) {
			return model.Job{}, model.NotFound("Job %s not found", id)
		}
		return model.Job{}, fmt.Errorf("get: %w", err)
	}

	return job, nil
}

// ListJobs returns one page of jobs, newest first, starting after lastJobID.
func (s *Service) ListJobs(ctx context.Context, lastJobID string) ([]model.Job, error) {
	jobs, err := s.repository.FindAll(ctx, lastJobID)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}

	return jobs, nil
}

// SignedURL returns a short-lived download link for the job's final artifact.
func (s *Service) SignedURL(ctx context.Context, id string) (string, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != model.StatusCompleted || job.FinalURL == "" {
		return "", model.NotFound("Job %s has no processed file", id)
	}

	u, err := s.signer.GetSignedURL(ctx, job.FinalURL, s.expiry)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	return u, nil
}
