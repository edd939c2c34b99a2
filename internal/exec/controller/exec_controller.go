package controller

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"fuzexec/internal/exec/model"
	"fuzexec/internal/exec/scheduler"
	"fuzexec/internal/gateway/middleware"
	"fuzexec/internal/sandbox/spec"
	appErr "fuzexec/pkg/errors"
	"fuzexec/pkg/utils/logger"
	"fuzexec/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const adminRole = "admin"

// Engine is the scheduler surface the HTTP API drives.
type Engine interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (string, error)
	Poll(ctx context.Context, id string) (model.Snapshot, error)
	Cancel(ctx context.Context, id string) (scheduler.CancelAck, error)
	Wait(ctx context.Context, id string) (model.Result, error)
	Stats(ctx context.Context) scheduler.Stats
}

// Lookup finds a snapshot outside the scheduler, for submissions already
// evicted from memory.
type Lookup func(ctx context.Context, id string) (model.Snapshot, error)

// Config bounds the HTTP surface.
type Config struct {
	MaxBodyBytes int64
	MaxSyncWait  time.Duration
	PingInterval time.Duration
}

// ExecController handles execution HTTP endpoints.
type ExecController struct {
	engine    Engine
	fallbacks []Lookup
	cfg       Config
}

// NewExecController creates a controller. Fallbacks are consulted in order
// when the scheduler no longer retains a submission.
func NewExecController(engine Engine, cfg Config, fallbacks ...Lookup) *ExecController {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxSyncWait <= 0 {
		cfg.MaxSyncWait = time.Minute
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	active := make([]Lookup, 0, len(fallbacks))
	for _, fn := range fallbacks {
		if fn != nil {
			active = append(active, fn)
		}
	}
	return &ExecController{engine: engine, fallbacks: active, cfg: cfg}
}

// Create admits a submission. With ?wait=true it blocks until the result is
// terminal.
func (h *ExecController) Create(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxBodyBytes)
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.ErrorWithCode(c, appErr.PayloadTooLarge, "request body too large")
			return
		}
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	ctx := c.Request.Context()
	id, err := h.engine.Submit(ctx, scheduler.SubmitRequest{
		Language: strings.TrimSpace(req.Language),
		Source:   []byte(req.Source),
		Stdin:    []byte(req.Stdin),
		Identity: middleware.Identity(c),
		Limits:   req.Limits,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	if !req.Wait && c.Query("wait") != "true" {
		response.SuccessWithStatus(c, http.StatusAccepted, SubmitResponse{ID: id, State: model.StateQueued})
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, h.cfg.MaxSyncWait)
	defer cancel()
	if _, err := h.engine.Wait(waitCtx, id); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		response.Error(c, err)
		return
	}
	snap, err := h.lookup(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, snap)
}

// Get returns the snapshot of one submission.
func (h *ExecController) Get(c *gin.Context) {
	snap, err := h.visible(c, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, snap)
}

// Cancel requests cancellation of one submission.
func (h *ExecController) Cancel(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.visible(c, id); err != nil {
		response.Error(c, err)
		return
	}
	ack, err := h.engine.Cancel(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, ack)
}

// Stats reports scheduler and pool counters.
func (h *ExecController) Stats(c *gin.Context) {
	response.Success(c, h.engine.Stats(c.Request.Context()))
}

// visible returns the snapshot if the caller may see it. Other callers'
// submissions look absent.
func (h *ExecController) visible(c *gin.Context, id string) (model.Snapshot, error) {
	if strings.TrimSpace(id) == "" {
		return model.Snapshot{}, appErr.ValidationError("id", "required")
	}
	snap, err := h.lookup(c.Request.Context(), id)
	if err != nil {
		return model.Snapshot{}, err
	}
	if !canSee(c, snap) {
		return model.Snapshot{}, appErr.New(appErr.SubmissionNotFound).WithDetail("id", id)
	}
	return snap, nil
}

func (h *ExecController) lookup(ctx context.Context, id string) (model.Snapshot, error) {
	snap, err := h.engine.Poll(ctx, id)
	if err == nil || !appErr.Is(err, appErr.SubmissionNotFound) {
		return snap, err
	}
	for _, fallback := range h.fallbacks {
		snap, ferr := fallback(ctx, id)
		if ferr == nil {
			return snap, nil
		}
		if !appErr.Is(ferr, appErr.SubmissionNotFound) {
			logger.Warn(ctx, "snapshot fallback failed", zap.String("submission_id", id), zap.Error(ferr))
		}
	}
	return model.Snapshot{}, err
}

func canSee(c *gin.Context, snap model.Snapshot) bool {
	if strings.EqualFold(middleware.Role(c), adminRole) {
		return true
	}
	return snap.Identity == "" || snap.Identity == middleware.Identity(c)
}

// SubmitRequest defines the submission payload.
type SubmitRequest struct {
	Language string             `json:"language" binding:"required"`
	Source   string             `json:"source" binding:"required"`
	Stdin    string             `json:"stdin"`
	Limits   spec.ResourceLimit `json:"limits"`
	Wait     bool               `json:"wait"`
}

// SubmitResponse defines the admission response payload.
type SubmitResponse struct {
	ID    string      `json:"id"`
	State model.State `json:"state"`
}
