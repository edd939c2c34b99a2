package repository

import (
	"context"
	"encoding/json"
	"time"

	"fuzexec/internal/common/cache"
	"fuzexec/internal/exec/model"
	appErr "fuzexec/pkg/errors"
)

const (
	statusKeyPrefix  = "exec:status:"
	defaultStatusTTL = 30 * time.Minute
)

// StatusRepository keeps the latest snapshot of each submission in Redis so
// polls survive local eviction and restarts.
type StatusRepository struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewStatusRepository creates a status store. A non-positive ttl uses the default.
func NewStatusRepository(cacheClient cache.Cache, ttl time.Duration) *StatusRepository {
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	return &StatusRepository{cache: cacheClient, ttl: ttl}
}

func (r *StatusRepository) Name() string { return "redis_status" }

// Accepted stores the queued snapshot.
func (r *StatusRepository) Accepted(ctx context.Context, sub model.Submission) error {
	return r.Save(ctx, model.Snapshot{
		ID:        sub.ID,
		State:     model.StateQueued,
		Identity:  sub.Identity,
		Language:  sub.Language,
		CreatedAt: sub.CreatedAt,
	})
}

// Finished overwrites the snapshot with the terminal result.
func (r *StatusRepository) Finished(ctx context.Context, sub model.Submission, res model.Result) error {
	result := res
	return r.Save(ctx, model.Snapshot{
		ID:        sub.ID,
		State:     res.State,
		Identity:  sub.Identity,
		Language:  sub.Language,
		CreatedAt: sub.CreatedAt,
		Result:    &result,
	})
}

// Save writes a snapshot with the jittered ttl.
func (r *StatusRepository) Save(ctx context.Context, snap model.Snapshot) error {
	if snap.ID == "" {
		return appErr.ValidationError("id", "required")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "encode status failed")
	}
	if err := r.cache.Set(ctx, statusKeyPrefix+snap.ID, string(payload), cache.JitterTTL(r.ttl)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "save status failed")
	}
	return nil
}

// Get returns the stored snapshot or SubmissionNotFound.
func (r *StatusRepository) Get(ctx context.Context, id string) (model.Snapshot, error) {
	if id == "" {
		return model.Snapshot{}, appErr.ValidationError("id", "required")
	}
	raw, err := r.cache.Get(ctx, statusKeyPrefix+id)
	if err != nil {
		return model.Snapshot{}, appErr.Wrapf(err, appErr.CacheError, "get status failed")
	}
	if raw == "" {
		return model.Snapshot{}, appErr.New(appErr.SubmissionNotFound).WithDetail("id", id)
	}
	var snap model.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return model.Snapshot{}, appErr.Wrapf(err, appErr.CacheError, "decode status failed")
	}
	return snap, nil
}
