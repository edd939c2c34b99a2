package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestGetCodeFollowsWrappedChain(t *testing.T) {
	base := New(CapacityExceeded)
	wrapped := fmt.Errorf("submit: %w", base)

	if got := GetCode(wrapped); got != CapacityExceeded {
		t.Fatalf("expected CapacityExceeded, got %d", got)
	}
	if !Is(wrapped, CapacityExceeded) {
		t.Fatalf("expected Is to match wrapped code")
	}
	if got := GetCode(fmt.Errorf("plain")); got != InternalServerError {
		t.Fatalf("expected InternalServerError for plain error, got %d", got)
	}
	if got := GetCode(nil); got != Success {
		t.Fatalf("expected Success for nil, got %d", got)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want int
	}{
		{Success, 200},
		{PayloadTooLarge, 413},
		{CapacityExceeded, 429},
		{TooManyRequests, 429},
		{SubmissionNotFound, 404},
		{TokenInvalid, 401},
		{LanguageNotSupported, 400},
		{ValidationFailed, 400},
		{PoolClosed, 503},
		{IsolationSetupError, 500},
	}
	for _, tc := range cases {
		if got := tc.code.HTTPStatus(); got != tc.want {
			t.Fatalf("code %d: expected status %d, got %d", tc.code, tc.want, got)
		}
	}
}

func TestAdmissionCodes(t *testing.T) {
	for _, code := range []ErrorCode{PayloadTooLarge, CapacityExceeded, QueueTimeout} {
		if !code.Admission() {
			t.Fatalf("expected %d to be an admission error", code)
		}
	}
	for _, code := range []ErrorCode{IsolationSetupError, ZombieProcess, NotFound} {
		if code.Admission() {
			t.Fatalf("expected %d not to be an admission error", code)
		}
	}
}

func TestWrapKeepsOriginalIntact(t *testing.T) {
	inner := New(QueueTimeout).WithDetail("id", "abc")
	outer := Wrap(inner, ServiceUnavailable)

	if inner.Code != QueueTimeout {
		t.Fatalf("inner code changed to %d", inner.Code)
	}
	if GetCode(outer) != ServiceUnavailable {
		t.Fatalf("expected outer code ServiceUnavailable, got %d", GetCode(outer))
	}
	if outer.Details["id"] != "abc" {
		t.Fatalf("details not carried over: %v", outer.Details)
	}
	if outer.Unwrap() != inner {
		t.Fatalf("expected outer to wrap inner")
	}
	if Wrap(nil, InternalServerError) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestStackStartsAtCaller(t *testing.T) {
	err := New(ExecutorFault)
	if !strings.Contains(err.Stack, "TestStackStartsAtCaller") {
		t.Fatalf("stack does not start at caller: %s", err.Stack)
	}
	if strings.Contains(err.Stack, "newError") {
		t.Fatalf("stack contains constructor frames: %s", err.Stack)
	}
}
