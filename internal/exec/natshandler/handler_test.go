package natshandler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"fuzexec/internal/exec/model"
	"fuzexec/internal/exec/scheduler"
	"fuzexec/internal/gateway/service"
	appErr "fuzexec/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

type fakeEngine struct {
	mu      sync.Mutex
	snaps   map[string]model.Snapshot
	last    scheduler.SubmitRequest
	err     error
	cancels int
}

func (e *fakeEngine) Submit(ctx context.Context, req scheduler.SubmitRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return "", e.err
	}
	e.last = req
	e.snaps["n1"] = model.Snapshot{
		ID:       "n1",
		State:    model.StateCompleted,
		Identity: req.Identity,
		Result:   &model.Result{State: model.StateCompleted, Stdout: "ok"},
	}
	return "n1", nil
}

func (e *fakeEngine) Poll(ctx context.Context, id string) (model.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap, ok := e.snaps[id]
	if !ok {
		return model.Snapshot{}, appErr.New(appErr.SubmissionNotFound)
	}
	return snap, nil
}

func (e *fakeEngine) Cancel(ctx context.Context, id string) (scheduler.CancelAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels++
	return scheduler.CancelAck{ID: id, State: model.StateCompleted}, nil
}

func (e *fakeEngine) Wait(ctx context.Context, id string) (model.Result, error) {
	snap, err := e.Poll(ctx, id)
	if err != nil || snap.Result == nil {
		return model.Result{}, err
	}
	return *snap.Result, nil
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func signed(t *testing.T, sub string) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"typ": "access",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func TestHandleSubmitWait(t *testing.T) {
	engine := &fakeEngine{snaps: map[string]model.Snapshot{}}
	h := NewHandler(engine, nil, nil, Config{})
	reply := h.handleSubmit(context.Background(), mustJSON(t, SubmitRequest{Language: " python ", Source: "print(1)", Wait: true}))
	if reply.Code != appErr.Success {
		t.Fatalf("unexpected reply %+v", reply)
	}
	snap, ok := reply.Data.(model.Snapshot)
	if !ok || snap.Result == nil || snap.Result.Stdout != "ok" {
		t.Fatalf("unexpected data %#v", reply.Data)
	}
	if engine.last.Language != "python" || engine.last.Identity != "nats" {
		t.Fatalf("unexpected request %+v", engine.last)
	}
}

func TestHandleSubmitErrors(t *testing.T) {
	auth := service.NewAuthService("secret", "", nil)
	tests := []struct {
		name     string
		auth     *service.AuthService
		limiter  service.Limiter
		payload  []byte
		err      error
		code     appErr.ErrorCode
		rejected bool
	}{
		{name: "bad json", payload: []byte("{"), code: appErr.InvalidParams},
		{name: "missing token", auth: auth, payload: mustJSON(t, SubmitRequest{Language: "python", Source: "x"}), code: appErr.Unauthorized},
		{name: "engine rejects", payload: mustJSON(t, SubmitRequest{Language: "python", Source: "x"}), err: appErr.New(appErr.CapacityExceeded), code: appErr.CapacityExceeded, rejected: true},
		{name: "payload too large", payload: mustJSON(t, SubmitRequest{Language: "python", Source: "x"}), err: appErr.New(appErr.PayloadTooLarge), code: appErr.PayloadTooLarge, rejected: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{snaps: map[string]model.Snapshot{}, err: tt.err}
			h := NewHandler(engine, tt.auth, tt.limiter, Config{})
			reply := h.handleSubmit(context.Background(), tt.payload)
			if reply.Code != tt.code {
				t.Fatalf("code = %d, want %d (%s)", reply.Code, tt.code, reply.Message)
			}
			if reply.Rejected != tt.rejected {
				t.Fatalf("rejected = %v, want %v", reply.Rejected, tt.rejected)
			}
		})
	}
}

func TestHandleSubmitRateLimited(t *testing.T) {
	engine := &fakeEngine{snaps: map[string]model.Snapshot{}}
	h := NewHandler(engine, nil, service.NewLocalRateLimiter(time.Minute), Config{RequestMax: 1})
	payload := mustJSON(t, SubmitRequest{Language: "python", Source: "x"})
	if reply := h.handleSubmit(context.Background(), payload); reply.Code != appErr.Success {
		t.Fatalf("first submit: %+v", reply)
	}
	if reply := h.handleSubmit(context.Background(), payload); reply.Code != appErr.TooManyRequests {
		t.Fatalf("second submit code = %d", reply.Code)
	}
}

func TestPollAndCancelRespectOwnership(t *testing.T) {
	engine := &fakeEngine{snaps: map[string]model.Snapshot{
		"a": {ID: "a", State: model.StateRunning, Identity: "alice"},
	}}
	h := NewHandler(engine, service.NewAuthService("secret", "", nil), nil, Config{})
	ctx := context.Background()

	if reply := h.handlePoll(ctx, mustJSON(t, IDRequest{Token: signed(t, "alice"), ID: "a"})); reply.Code != appErr.Success {
		t.Fatalf("owner poll: %+v", reply)
	}
	if reply := h.handlePoll(ctx, mustJSON(t, IDRequest{Token: signed(t, "mallory"), ID: "a"})); reply.Code != appErr.SubmissionNotFound {
		t.Fatalf("foreign poll code = %d", reply.Code)
	}
	if reply := h.handleCancel(ctx, mustJSON(t, IDRequest{Token: signed(t, "mallory"), ID: "a"})); reply.Code != appErr.SubmissionNotFound || engine.cancels != 0 {
		t.Fatalf("foreign cancel reached engine: %+v", reply)
	}
	if reply := h.handleCancel(ctx, mustJSON(t, IDRequest{Token: signed(t, "alice"), ID: "a"})); reply.Code != appErr.Success || engine.cancels != 1 {
		t.Fatalf("owner cancel: %+v", reply)
	}
	if reply := h.handlePoll(ctx, mustJSON(t, IDRequest{Token: signed(t, "alice")})); reply.Code != appErr.ValidationFailed {
		t.Fatalf("missing id code = %d", reply.Code)
	}
}
