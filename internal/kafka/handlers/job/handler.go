package job

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-pipeline/internal/infra/kafka/consumer"
	"github.com/aliskhannn/image-pipeline/internal/model"
)

// processor runs one attempt of a job.
type processor interface {
	Process(ctx context.Context, msg model.Message) error
}

// Handler handles Kafka messages carrying submitted jobs.
type Handler struct {
	processor processor
}

// NewHandler creates a new handler with the given processor.
func NewHandler(p processor) *Handler {
	return &Handler{processor: p}
}

// Handle decodes the message and runs the job. Undecodable payloads are
// reported as permanent failures since redelivering them cannot help.
func (h *Handler) Handle(ctx context.Context, msg kafka.Message) error {
	var m model.Message
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return consumer.Permanent(fmt.Errorf("unmarshal message: %w", err))
	}
	if m.JobID == "" {
		return consumer.Permanent(fmt.Errorf("message without job id"))
	}

	if err := h.processor.Process(ctx, m); err != nil {
		return fmt.Errorf("process job %s: %w", m.JobID, err)
	}

	zlog.Logger.Info().Str("job_id", m.JobID).Msg("job message processed")

	return nil
}
