package job

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-pipeline/internal/api/respond"
	"github.com/aliskhannn/image-pipeline/internal/chain"
	"github.com/aliskhannn/image-pipeline/internal/model"
)

// service defines the job operations exposed over HTTP.
type service interface {
	CreateJob(ctx context.Context, req chain.Request) (string, error)
	GetJob(ctx context.Context, id string) (model.Job, error)
	ListJobs(ctx context.Context, lastJobID string) ([]model.Job, error)
	SignedURL(ctx context.Context, id string) (string, error)
}

// Handler provides HTTP handlers for job endpoints.
type Handler struct {
	service service
	started time.Time
	now     func() time.Time
}

// NewHandler creates a new Handler with the given service.
func NewHandler(s service) *Handler {
	registerJSONNames()

	return &Handler{service: s, started: time.Now(), now: time.Now}
}

// createJobRequest is the request schema of POST /jobs. Parameters other
// than these pass through to the modification unchecked.
type createJobRequest struct {
	URL            string          `json:"url" binding:"required,url"`
	ChangesToApply []changeRequest `json:"changesToApply" binding:"dive"`
}

type changeRequest struct {
	Action           string   `json:"action" binding:"required"`
	Width            *float64 `json:"width" binding:"omitempty,gt=0"`
	Height           *float64 `json:"height" binding:"omitempty,gt=0"`
	Position         string   `json:"position"`
	WatermarkFileURL string   `json:"watermarkFileUrl" binding:"omitempty,url"`
}

// CreateResponse is returned when a job is accepted.
type CreateResponse struct {
	JobID string `json:"jobId"`
}

// ListResponse is one page of jobs plus the cursor for the next page.
type ListResponse struct {
	Data      []model.Job `json:"data"`
	LastJobID *string     `json:"lastJobId"`
}

// SignedURLResponse carries a temporary download link.
type SignedURLResponse struct {
	URL string `json:"url"`
}

// HealthResponse reports that the API is up.
type HealthResponse struct {
	Status    string  `json:"status"`
	Uptime    float64 `json:"uptime"`
	Timestamp string  `json:"timestamp"`
}

// Create validates a submission and enqueues it.
func (h *Handler) Create(c *ginext.Context) {
	var schema createJobRequest
	if err := c.ShouldBindBodyWith(&schema, binding.JSON); err != nil {
		zlog.Logger.Warn().Err(err).Msg("invalid create job request")
		respond.FailAll(c, validationMessages(err))
		return
	}

	var req chain.Request
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		respond.FailAll(c, validationMessages(err))
		return
	}

	id, err := h.service.CreateJob(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}

	respond.Accepted(c, CreateResponse{JobID: id})
}

// Get returns a single job.
func (h *Handler) Get(c *ginext.Context) {
	job, err := h.service.GetJob(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		h.fail(c, err)
		return
	}

	respond.OK(c, job)
}

// List returns a page of jobs, newest first. The lastJobId query parameter
// continues from a previous page.
func (h *Handler) List(c *ginext.Context) {
	jobs, err := h.service.ListJobs(c.Request.Context(), c.Query("lastJobId"))
	if err != nil {
		h.fail(c, err)
		return
	}

	if jobs == nil {
		jobs = []model.Job{}
	}

	resp := ListResponse{Data: jobs}
	if len(jobs) > 0 {
		last := jobs[len(jobs)-1].ID
		resp.LastJobID = &last
	}

	respond.OK(c, resp)
}

// SignedURL returns a temporary download link for a completed job.
func (h *Handler) SignedURL(c *ginext.Context) {
	u, err := h.service.SignedURL(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		h.fail(c, err)
		return
	}

	respond.OK(c, SignedURLResponse{URL: u})
}

// Health reports liveness.
func (h *Handler) Health(c *ginext.Context) {
	respond.OK(c, HealthResponse{
		Status:    "healthy",
		Uptime:    h.now().Sub(h.started).Seconds(),
		Timestamp: h.now().UTC().Format("2006-01-02T15:04:05.000Z"),
	})
}

func (h *Handler) fail(c *ginext.Context, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidData):
		respond.Fail(c, http.StatusBadRequest, err)
	case errors.Is(err, model.ErrNotFound):
		respond.Fail(c, http.StatusNotFound, err)
	default:
		zlog.Logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		respond.FailMessage(c, http.StatusInternalServerError, "Internal server error")
	}
}

var registerOnce sync.Once

// registerJSONNames makes validation errors report JSON field names.
func registerJSONNames() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
}

func validationMessages(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{"Invalid request body"}
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}

	return msgs
}

func fieldMessage(fe validator.FieldError) string {
	// Drop the struct name in front of the namespace.
	_, field, ok := strings.Cut(fe.Namespace(), ".")
	if !ok {
		field = fe.Field()
	}

	if field == "url" {
		return "URL is required and must be valid"
	}

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is a required field", field)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "gt":
		return fmt.Sprintf("%s must be a positive number", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
