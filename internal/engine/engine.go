// Package engine executes queued jobs: it stages the source image in a
// scratch workspace, runs the step chain in order, uploads the result and
// records progress and the terminal state in the job store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-pipeline/internal/model"
	"github.com/aliskhannn/image-pipeline/internal/modification"
	jobrepo "github.com/aliskhannn/image-pipeline/internal/repository/job"
)

// store is the write side of the job store used while processing.
type store interface {
	Update(ctx context.Context, id string, p model.Patch) error
	UpdateStatus(ctx context.Context, id string, status model.Status, errorMessage string, completedAt *time.Time) error
}

// uploader publishes the final artifact and returns a reference to it.
type uploader interface {
	UploadFile(ctx context.Context, localPath string) (string, error)
}

// downloader fetches the source image.
type downloader interface {
	Download(ctx context.Context, rawURL, dst string) (int64, error)
}

// resolver looks up a modification by action name.
type resolver interface {
	Resolve(id string) (modification.Modification, error)
}

// Engine processes one job message per Process call. It holds no per-job
// state, so one Engine is shared by every worker.
type Engine struct {
	store      store
	storage    uploader
	downloader downloader
	registry   resolver
	workspaces *Workspaces
	now        func() time.Time
}

// New creates an Engine.
func New(s store, u uploader, d downloader, r resolver, ws *Workspaces) *Engine {
	return &Engine{
		store:      s,
		storage:    u,
		downloader: d,
		registry:   r,
		workspaces: ws,
		now:        time.Now,
	}
}

// Process runs one attempt of the job described by msg. Every attempt starts
// from scratch: fresh workspace, fresh download, every step re-applied.
//
// On failure the job is marked failed with the error message and the error is
// returned so the queue can decide whether to redeliver. A message for a job
// that is already completed is acknowledged without doing anything.
// The workspace is removed on every path.
func (e *Engine) Process(ctx context.Context, msg model.Message) error {
	log := zlog.Logger.With().Str("job_id", msg.JobID).Logger()
	log.Info().Msg("starting job")

	ws, err := e.workspaces.Acquire(ctx, msg.JobID)
	if err != nil {
		return e.fail(ctx, log, msg.JobID, err)
	}
	log.Debug().Str("dir", ws.Dir()).Msg("workspace created")

	defer func() {
		if err := ws.Release(); err != nil {
			log.Error().Err(err).Msg("failed to remove workspace")
			return
		}
		log.Debug().Str("dir", ws.Dir()).Msg("workspace removed")
	}()

	if err := e.safeRun(ctx, log, ws, msg); err != nil {
		if errors.Is(err, jobrepo.ErrJobFinalized) {
			log.Warn().Msg("job already completed, skipping redelivery")
			return nil
		}

		return e.fail(ctx, log, msg.JobID, err)
	}

	log.Info().Msg("job processed successfully")

	return nil
}

// safeRun turns a panic inside run into an error so it takes the failure path.
func (e *Engine) safeRun(ctx context.Context, log zerolog.Logger, ws *Workspace, msg model.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("job panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return e.run(ctx, log, ws, msg)
}

func (e *Engine) run(ctx context.Context, log zerolog.Logger, ws *Workspace, msg model.Message) error {
	data := msg.Data

	total := data.TotalSteps
	if total <= 0 {
		total = model.TotalSteps(len(data.ChangesToApply))
	}

	// Picking the message up counts as the first milestone of the attempt.
	progress := model.NewProgress(data.CurrentStep, total)
	progress.Advance()

	// Workspace created.
	progress.Advance()
	if err := e.saveProgress(ctx, msg.JobID, progress); err != nil {
		return err
	}

	log.Info().Msg("updating job status to processing")
	if err := e.store.UpdateStatus(ctx, msg.JobID, model.StatusProcessing, "", nil); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	ext := modification.Extension(data.URL)
	if ext == "" {
		ext = ".jpg"
	}
	// The source gets its own name so the first step never writes over its input.
	working := ws.Path(msg.JobID + ext)

	log.Info().Str("url", data.URL).Msg("downloading source")
	if _, err := e.downloader.Download(ctx, data.URL, working); err != nil {
		return err
	}

	// Source staged.
	progress.Advance()
	if err := e.saveProgress(ctx, msg.JobID, progress); err != nil {
		return err
	}

	working, err := e.applyChain(ctx, log, ws, msg.JobID, ext, data.ChangesToApply, working, progress)
	if err != nil {
		return err
	}
	if err := e.saveProgress(ctx, msg.JobID, progress); err != nil {
		return err
	}

	log.Info().Str("file", working).Msg("uploading result")
	ref, err := e.storage.UploadFile(ctx, working)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	// Artifact uploaded.
	progress.Advance()
	if err := e.saveProgress(ctx, msg.JobID, progress); err != nil {
		return err
	}

	// Job completed.
	progress.Advance()
	completedAt := e.now().UTC()
	err = e.store.Update(ctx, msg.JobID, model.Patch{
		Status:      model.Ptr(model.StatusCompleted),
		FinalURL:    model.Ptr(ref),
		CompletedAt: &completedAt,
		CurrentStep: model.Ptr(progress.Total()),
	})
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	return nil
}

// applyChain runs the steps in order. Each step reads the file produced by
// the one before it; the first reads the staged source. It returns the path
// of the last file produced.
func (e *Engine) applyChain(
	ctx context.Context,
	log zerolog.Logger,
	ws *Workspace,
	jobID, ext string,
	steps []model.Step,
	working string,
	progress *model.Progress,
) (string, error) {
	for i, step := range steps {
		m, err := e.registry.Resolve(step.Action)
		if err != nil {
			return "", err
		}

		name := step.FileOutput
		if name == "" {
			name = fmt.Sprintf("%s-%d%s", jobID, i, ext)
		}

		log.Info().Int("step", i).Str("action", step.Action).Msg("applying change")
		res, err := m.Apply(ctx, modification.Payload{
			Input:  working,
			Output: ws.Path(name),
			Params: step.Params,
		})
		if err != nil {
			return "", fmt.Errorf("apply %s: %w", step.Action, err)
		}

		out := res.Output
		if out == "" {
			out = ws.Path(name)
		}
		if working, err = ws.Adopt(out); err != nil {
			return "", fmt.Errorf("apply %s: %w", step.Action, err)
		}

		progress.Advance()
	}

	return working, nil
}

func (e *Engine) saveProgress(ctx context.Context, id string, p *model.Progress) error {
	if err := e.store.Update(ctx, id, model.Patch{CurrentStep: model.Ptr(p.Current())}); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

// fail records cause on the job and returns it. The write is detached from
// ctx so a shutdown in progress does not prevent it.
func (e *Engine) fail(ctx context.Context, log zerolog.Logger, id string, cause error) error {
	log.Error().Err(cause).Msg("job failed")

	err := e.store.Update(context.WithoutCancel(ctx), id, model.Patch{
		Status:       model.Ptr(model.StatusFailed),
		ErrorMessage: model.Ptr(cause.Error()),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to record job failure")
	}

	return cause
}
