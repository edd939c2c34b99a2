// Package natshandler serves the execution engine over NATS request/reply.
package natshandler

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"fuzexec/internal/exec/model"
	"fuzexec/internal/exec/scheduler"
	"fuzexec/internal/gateway/service"
	"fuzexec/internal/sandbox/spec"
	appErr "fuzexec/pkg/errors"
	"fuzexec/pkg/utils/contextkey"
	"fuzexec/pkg/utils/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	SubjectSubmit = "exec.submit"
	SubjectPoll   = "exec.poll"
	SubjectCancel = "exec.cancel"

	queueGroup = "fuzexec"
)

// Engine is the scheduler surface the handlers drive.
type Engine interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (string, error)
	Poll(ctx context.Context, id string) (model.Snapshot, error)
	Cancel(ctx context.Context, id string) (scheduler.CancelAck, error)
	Wait(ctx context.Context, id string) (model.Result, error)
}

// Config bounds message handling.
type Config struct {
	MaxInflight   int
	MaxSyncWait   time.Duration
	RequestWindow time.Duration
	RequestMax    int
}

// Handler answers exec.* requests. Auth and limiter are optional.
type Handler struct {
	engine   Engine
	auth     *service.AuthService
	limiter  service.Limiter
	cfg      Config
	inflight chan struct{}
}

// NewHandler creates a handler.
func NewHandler(engine Engine, auth *service.AuthService, limiter service.Limiter, cfg Config) *Handler {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 256
	}
	if cfg.MaxSyncWait <= 0 {
		cfg.MaxSyncWait = time.Minute
	}
	if cfg.RequestWindow <= 0 {
		cfg.RequestWindow = time.Minute
	}
	return &Handler{
		engine:   engine,
		auth:     auth,
		limiter:  limiter,
		cfg:      cfg,
		inflight: make(chan struct{}, cfg.MaxInflight),
	}
}

// SubmitRequest is the exec.submit payload.
type SubmitRequest struct {
	Token    string             `json:"token"`
	Language string             `json:"language"`
	Source   string             `json:"source"`
	Stdin    string             `json:"stdin"`
	Limits   spec.ResourceLimit `json:"limits"`
	Wait     bool               `json:"wait"`
}

// IDRequest is the exec.poll and exec.cancel payload.
type IDRequest struct {
	Token string `json:"token"`
	ID    string `json:"id"`
}

// Reply is the envelope of every response.
type Reply struct {
	Code    appErr.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    interface{}      `json:"data,omitempty"`
	// Rejected reports that the request was refused before anything ran.
	Rejected bool `json:"rejected,omitempty"`
}

// Subscribe registers the handlers in the shared queue group.
func (h *Handler) Subscribe(nc *nats.Conn) ([]*nats.Subscription, error) {
	routes := map[string]func(context.Context, []byte) Reply{
		SubjectSubmit: h.handleSubmit,
		SubjectPoll:   h.handlePoll,
		SubjectCancel: h.handleCancel,
	}
	subs := make([]*nats.Subscription, 0, len(routes))
	for subject, fn := range routes {
		sub, err := nc.QueueSubscribe(subject, queueGroup, func(msg *nats.Msg) {
			h.serve(msg, fn)
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// serve runs fn off the subscription goroutine so a waiting submit does
// not stall the subject.
func (h *Handler) serve(msg *nats.Msg, fn func(context.Context, []byte) Reply) {
	select {
	case h.inflight <- struct{}{}:
	default:
		respond(msg, errorReply(appErr.New(appErr.CapacityExceeded).WithMessage("too many in-flight requests")))
		return
	}
	go func() {
		defer func() { <-h.inflight }()
		respond(msg, fn(context.Background(), msg.Data))
	}()
}

func respond(msg *nats.Msg, reply Reply) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		logger.Error(context.Background(), "encode nats reply failed", zap.Error(err))
		return
	}
	if err := msg.Respond(payload); err != nil {
		logger.Warn(context.Background(), "nats respond failed", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func (h *Handler) handleSubmit(ctx context.Context, data []byte) Reply {
	var req SubmitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errorReply(appErr.New(appErr.InvalidParams).WithMessage("invalid submit payload"))
	}
	identity, err := h.identify(ctx, req.Token)
	if err != nil {
		return errorReply(err)
	}
	ctx = context.WithValue(ctx, contextkey.UserID, identity)
	if err := h.allow(ctx, identity); err != nil {
		return errorReply(err)
	}
	id, err := h.engine.Submit(ctx, scheduler.SubmitRequest{
		Language: strings.TrimSpace(req.Language),
		Source:   []byte(req.Source),
		Stdin:    []byte(req.Stdin),
		Identity: identity,
		Limits:   req.Limits,
	})
	if err != nil {
		return errorReply(err)
	}
	logger.Info(logger.WithSubmission(ctx, id), "submission accepted over nats", zap.String("language", req.Language))
	if !req.Wait {
		return okReply(map[string]interface{}{"id": id, "state": model.StateQueued})
	}
	waitCtx, cancel := context.WithTimeout(ctx, h.cfg.MaxSyncWait)
	defer cancel()
	if _, err := h.engine.Wait(waitCtx, id); err != nil && waitCtx.Err() == nil {
		return errorReply(err)
	}
	snap, err := h.engine.Poll(ctx, id)
	if err != nil {
		return errorReply(err)
	}
	return okReply(snap)
}

func (h *Handler) handlePoll(ctx context.Context, data []byte) Reply {
	req, identity, err := h.decodeID(ctx, data)
	if err != nil {
		return errorReply(err)
	}
	snap, err := h.owned(ctx, req.ID, identity)
	if err != nil {
		return errorReply(err)
	}
	return okReply(snap)
}

func (h *Handler) handleCancel(ctx context.Context, data []byte) Reply {
	req, identity, err := h.decodeID(ctx, data)
	if err != nil {
		return errorReply(err)
	}
	if _, err := h.owned(ctx, req.ID, identity); err != nil {
		return errorReply(err)
	}
	ack, err := h.engine.Cancel(ctx, req.ID)
	if err != nil {
		return errorReply(err)
	}
	return okReply(ack)
}

func (h *Handler) decodeID(ctx context.Context, data []byte) (IDRequest, string, error) {
	var req IDRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return IDRequest{}, "", appErr.New(appErr.InvalidParams).WithMessage("invalid payload")
	}
	if strings.TrimSpace(req.ID) == "" {
		return IDRequest{}, "", appErr.ValidationError("id", "required")
	}
	identity, err := h.identify(ctx, req.Token)
	if err != nil {
		return IDRequest{}, "", err
	}
	return req, identity, nil
}

// owned hides submissions that belong to another identity.
func (h *Handler) owned(ctx context.Context, id, identity string) (model.Snapshot, error) {
	snap, err := h.engine.Poll(ctx, id)
	if err != nil {
		return model.Snapshot{}, err
	}
	if snap.Identity != "" && snap.Identity != identity {
		return model.Snapshot{}, appErr.New(appErr.SubmissionNotFound).WithDetail("id", id)
	}
	return snap, nil
}

// identify resolves the caller. Without an auth service every caller is
// the shared "nats" identity.
func (h *Handler) identify(ctx context.Context, token string) (string, error) {
	if h.auth == nil {
		return "nats", nil
	}
	id, err := h.auth.Authenticate(ctx, token)
	if err != nil {
		return "", err
	}
	return id.Subject, nil
}

func (h *Handler) allow(ctx context.Context, identity string) error {
	if h.limiter == nil || h.cfg.RequestMax <= 0 {
		return nil
	}
	return h.limiter.Allow(ctx, "exec:rate:user:"+identity+":nats_submit", h.cfg.RequestMax, h.cfg.RequestWindow)
}

func okReply(data interface{}) Reply {
	return Reply{Code: appErr.Success, Message: "Success", Data: data}
}

func errorReply(err error) Reply {
	e := appErr.GetError(err)
	if e.Code.HTTPStatus() >= 500 {
		logger.Error(context.Background(), "nats request failed", zap.Int("code", int(e.Code)), zap.Error(err))
	}
	return Reply{Code: e.Code, Message: e.Error(), Rejected: e.Code.Admission()}
}
