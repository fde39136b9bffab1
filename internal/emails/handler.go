package emails

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/outboxhq/outbox/internal/metrics"
	"github.com/outboxhq/outbox/internal/models"
	"github.com/outboxhq/outbox/internal/scheduler"
	"github.com/outboxhq/outbox/pkg/response"
)

// Service is the scheduling surface the handlers call.
type Service interface {
	ScheduleOne(ctx context.Context, req scheduler.ScheduleRequest) (*models.EmailJob, error)
	ScheduleBulk(ctx context.Context, req scheduler.BulkRequest) (*scheduler.BulkResult, error)
	ListAll(ctx context.Context) ([]*models.EmailJob, error)
	ListScheduled(ctx context.Context) ([]*models.EmailJob, error)
	ListSent(ctx context.Context) ([]*models.EmailJob, error)
}

// Handler handles email scheduling HTTP endpoints.
type Handler struct {
	svc    Service
	logger *zap.Logger
}

// NewHandler creates an email scheduling handler.
func NewHandler(svc Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the endpoints under /api.
func (h *Handler) Register(api *gin.RouterGroup) {
	api.POST("/schedule", h.Schedule)
	api.POST("/schedule/bulk", h.ScheduleBulk)
	api.GET("/emails", h.ListAll)
	api.GET("/emails/scheduled", h.ListScheduled)
	api.GET("/emails/sent", h.ListSent)
}

// ScheduleEmailRequest is the body for POST /api/schedule.
type ScheduleEmailRequest struct {
	From        string     `json:"from" binding:"required,email"`
	FromName    string     `json:"fromName"`
	Recipient   string     `json:"recipient" binding:"required,email"`
	Subject     string     `json:"subject" binding:"required"`
	Body        string     `json:"body" binding:"required"`
	ScheduledAt *time.Time `json:"scheduledAt"`
	// Delay (ms from now) overrides scheduledAt when both are set.
	Delay *int64 `json:"delay"`
}

// ScheduleEmailResponse is the success body for POST /api/schedule.
type ScheduleEmailResponse struct {
	Success     bool      `json:"success"`
	JobID       string    `json:"jobId"`
	ScheduledAt time.Time `json:"scheduledAt"`
	Message     string    `json:"message"`
}

// Schedule handles POST /api/schedule.
func (h *Handler) Schedule(c *gin.Context) {
	var body ScheduleEmailRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request", err.Error())
		return
	}

	job, err := h.svc.ScheduleOne(c.Request.Context(), scheduler.ScheduleRequest{
		Sender:      body.From,
		SenderName:  body.FromName,
		Recipient:   body.Recipient,
		Subject:     body.Subject,
		Body:        body.Body,
		ScheduledAt: body.ScheduledAt,
		DelayMs:     body.Delay,
	})
	if err != nil {
		h.scheduleError(c, err)
		return
	}

	metrics.JobsScheduled.Inc()
	response.Created(c, ScheduleEmailResponse{
		Success:     true,
		JobID:       job.ID.String(),
		ScheduledAt: job.ScheduledAt,
		Message:     "email scheduled",
	})
}

// BulkScheduleRequest is the body for POST /api/schedule/bulk.
type BulkScheduleRequest struct {
	From       string    `json:"from" binding:"required,email"`
	FromName   string    `json:"fromName"`
	Recipients []string  `json:"recipients" binding:"required,min=1,dive,email"`
	Subject    string    `json:"subject" binding:"required"`
	Body       string    `json:"body" binding:"required"`
	StartTime  time.Time `json:"startTime" binding:"required"`
	// DelayBetweenEmails is the stagger between consecutive sends, in ms.
	DelayBetweenEmails int64 `json:"delayBetweenEmails" binding:"min=0"`
	// HourlyLimit is accepted for forward compatibility and not used to plan
	// the stagger; caps are enforced at dispatch.
	HourlyLimit int `json:"hourlyLimit"`
}

// BulkScheduleResponse is the success body for POST /api/schedule/bulk.
type BulkScheduleResponse struct {
	Success        bool      `json:"success"`
	TotalScheduled int       `json:"totalScheduled"`
	FirstSendAt    time.Time `json:"firstSendAt"`
	LastSendAt     time.Time `json:"lastSendAt"`
	Message        string    `json:"message"`
}

// ScheduleBulk handles POST /api/schedule/bulk.
func (h *Handler) ScheduleBulk(c *gin.Context) {
	var body BulkScheduleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request", err.Error())
		return
	}

	result, err := h.svc.ScheduleBulk(c.Request.Context(), scheduler.BulkRequest{
		Sender:       body.From,
		SenderName:   body.FromName,
		Recipients:   body.Recipients,
		Subject:      body.Subject,
		Body:         body.Body,
		StartTime:    body.StartTime,
		DelayBetween: time.Duration(body.DelayBetweenEmails) * time.Millisecond,
		HourlyLimit:  body.HourlyLimit,
	})
	if err != nil {
		h.scheduleError(c, err)
		return
	}

	metrics.JobsScheduled.Add(float64(result.TotalScheduled))
	response.Created(c, BulkScheduleResponse{
		Success:        true,
		TotalScheduled: result.TotalScheduled,
		FirstSendAt:    result.FirstSendAt,
		LastSendAt:     result.LastSendAt,
		Message:        "bulk emails scheduled",
	})
}

func (h *Handler) scheduleError(c *gin.Context, err error) {
	if errors.Is(err, scheduler.ErrQueueUnavailable) {
		response.ServiceUnavailable(c, "queue unavailable; job will be requeued on recovery")
		return
	}
	h.logger.Error("schedule failed", zap.Error(err))
	response.Internal(c, "failed to schedule email")
}

// ListAll handles GET /api/emails.
func (h *Handler) ListAll(c *gin.Context) {
	jobs, err := h.svc.ListAll(c.Request.Context())
	if err != nil {
		response.Internal(c, "failed to load emails")
		return
	}
	response.OK(c, jobs)
}

// ListScheduled handles GET /api/emails/scheduled.
func (h *Handler) ListScheduled(c *gin.Context) {
	jobs, err := h.svc.ListScheduled(c.Request.Context())
	if err != nil {
		response.Internal(c, "failed to load scheduled emails")
		return
	}
	response.OK(c, jobs)
}

// ListSent handles GET /api/emails/sent.
func (h *Handler) ListSent(c *gin.Context) {
	jobs, err := h.svc.ListSent(c.Request.Context())
	if err != nil {
		response.Internal(c, "failed to load sent emails")
		return
	}
	response.OK(c, jobs)
}
