package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// FixedOverheadSteps is the number of progress milestones every job passes
// through regardless of its chain: workspace created, source staged, chain
// applied, artifact uploaded, job completed.
const FixedOverheadSteps = 5

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends an attempt.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is the persisted state of one image processing request.
type Job struct {
	ID             string     `json:"id"`
	URL            string     `json:"url"`
	ChangesToApply []Step     `json:"changesToApply"`
	Status         Status     `json:"status"`
	FinalURL       string     `json:"finalUrl,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	TotalSteps     int        `json:"totalSteps"`
	CurrentStep    int        `json:"currentStep"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// Step is one requested transformation. Params holds the action-specific
// fields as they arrived from the client; FileOutput is assigned once when the
// chain is built and never changes afterwards.
type Step struct {
	Action     string
	Params     map[string]any
	FileOutput string
}

// MarshalJSON flattens the step into {"action": ..., "fileOutput": ..., ...params}.
func (s Step) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Params)+2)
	for k, v := range s.Params {
		out[k] = v
	}
	out["action"] = s.Action
	if s.FileOutput != "" {
		out["fileOutput"] = s.FileOutput
	}

	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (s *Step) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal step: %w", err)
	}

	action, _ := raw["action"].(string)
	fileOutput, _ := raw["fileOutput"].(string)
	delete(raw, "action")
	delete(raw, "fileOutput")

	s.Action = action
	s.FileOutput = fileOutput
	s.Params = raw

	return nil
}

// Submission is a validated, annotated request ready to be persisted and
// published.
type Submission struct {
	URL            string `json:"url"`
	ChangesToApply []Step `json:"changesToApply"`
	TotalSteps     int    `json:"totalSteps"`
	CurrentStep    int    `json:"currentStep"`
}

// Message is the queue payload for one job.
type Message struct {
	JobID string     `json:"jobId"`
	Data  Submission `json:"data"`
}

// Patch is a merge-patch over a job record: nil fields are left untouched.
type Patch struct {
	Status       *Status
	CurrentStep  *int
	FinalURL     *string
	ErrorMessage *string
	CompletedAt  *time.Time
}

// Ptr returns a pointer to v. It keeps patch literals short.
func Ptr[T any](v T) *T {
	return &v
}
