//go:build !linux

package isolation

import "context"

type stubBoundary struct {
	cfg Config
}

// NewBoundary returns a boundary that refuses every request. There is no
// unrestricted fallback.
func NewBoundary(cfg Config) (Boundary, error) {
	cfg.applyDefaults()
	return &stubBoundary{cfg: cfg}, nil
}

func (s *stubBoundary) Create(ctx context.Context, req Request) (Handle, error) {
	return nil, &SetupError{Stage: "platform", Err: ErrUnsupported}
}

func (s *stubBoundary) Capabilities() Capabilities {
	return Capabilities{}
}
