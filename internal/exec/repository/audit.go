package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fuzexec/internal/common/db"
	"fuzexec/internal/exec/model"
	appErr "fuzexec/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS exec_submissions (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	identity VARCHAR(128) NOT NULL,
	language VARCHAR(32) NOT NULL,
	source_bytes BIGINT NOT NULL,
	limits_json TEXT NOT NULL,
	state VARCHAR(16) NOT NULL,
	reason VARCHAR(32) NOT NULL DEFAULT '',
	message TEXT,
	exit_code INT NOT NULL DEFAULT 0,
	signal_name VARCHAR(16) NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	peak_memory_kb BIGINT NOT NULL DEFAULT 0,
	truncated INT NOT NULL DEFAULT 0,
	stdout_truncated INT NOT NULL DEFAULT 0,
	stderr_truncated INT NOT NULL DEFAULT 0,
	stdout_zst MEDIUMBLOB,
	stderr_zst MEDIUMBLOB,
	created_at BIGINT NOT NULL,
	finished_at BIGINT NOT NULL DEFAULT 0
)`

const auditColumns = "id, identity, language, limits_json, state, reason, message, exit_code, signal_name, " +
	"duration_ms, peak_memory_kb, truncated, stdout_truncated, stderr_truncated, stdout_zst, stderr_zst, created_at, finished_at"

// AuditRepository keeps one row per submission in exec_submissions. Output
// columns hold zstd frames.
type AuditRepository struct {
	db  db.Database
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewAuditRepository creates the repository.
func NewAuditRepository(database db.Database) (*AuditRepository, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &AuditRepository{db: database, enc: enc, dec: dec}, nil
}

func (r *AuditRepository) Name() string { return "sql_audit" }

// EnsureSchema creates the table when missing.
func (r *AuditRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, auditSchema); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "create exec_submissions failed")
	}
	return nil
}

// Accepted inserts the admission row. A duplicate id is ignored.
func (r *AuditRepository) Accepted(ctx context.Context, sub model.Submission) error {
	limits, err := json.Marshal(sub.Limits)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "encode limits failed")
	}
	query := `
		INSERT INTO exec_submissions
		(id, identity, language, source_bytes, limits_json, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(ctx, query,
		sub.ID,
		sub.Identity,
		sub.Language,
		len(sub.Source),
		string(limits),
		string(model.StateQueued),
		sub.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil
		}
		return appErr.Wrapf(err, appErr.DatabaseError, "insert submission failed")
	}
	return nil
}

// Finished stores the terminal result. A missing admission row is inserted
// first.
func (r *AuditRepository) Finished(ctx context.Context, sub model.Submission, res model.Result) error {
	query := `
		UPDATE exec_submissions SET
		state = ?, reason = ?, message = ?, exit_code = ?, signal_name = ?, duration_ms = ?,
		peak_memory_kb = ?, truncated = ?, stdout_truncated = ?, stderr_truncated = ?,
		stdout_zst = ?, stderr_zst = ?, finished_at = ?
		WHERE id = ?
	`
	for attempt := 0; attempt < 2; attempt++ {
		result, err := r.db.Exec(ctx, query,
			string(res.State),
			res.Reason,
			res.Message,
			res.ExitCode,
			res.Signal,
			res.DurationMs,
			res.PeakMemoryKB,
			boolInt(res.Truncated),
			boolInt(res.StdoutTruncated),
			boolInt(res.StderrTruncated),
			r.compress(res.Stdout),
			r.compress(res.Stderr),
			res.FinishedAt.UnixMilli(),
			sub.ID,
		)
		if err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "update submission failed")
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "update submission failed")
		}
		if affected > 0 {
			return nil
		}
		if err := r.Accepted(ctx, sub); err != nil {
			return err
		}
	}
	return appErr.Newf(appErr.DatabaseError, "submission %s row missing after insert", sub.ID)
}

// Snapshot rebuilds the externally visible view from the stored row.
func (r *AuditRepository) Snapshot(ctx context.Context, id string) (model.Snapshot, error) {
	query := "SELECT " + auditColumns + " FROM exec_submissions WHERE id = ? LIMIT 1"
	row := r.db.QueryRow(ctx, query, id)

	var (
		snap                          model.Snapshot
		res                           model.Result
		limits, state                 string
		message                       *string
		truncated, outTrunc, errTrunc int
		stdout, stderr                []byte
		createdAt, finishedAt         int64
	)
	if err := row.Scan(
		&snap.ID,
		&snap.Identity,
		&snap.Language,
		&limits,
		&state,
		&res.Reason,
		&message,
		&res.ExitCode,
		&res.Signal,
		&res.DurationMs,
		&res.PeakMemoryKB,
		&truncated,
		&outTrunc,
		&errTrunc,
		&stdout,
		&stderr,
		&createdAt,
		&finishedAt,
	); err != nil {
		if db.IsNoRows(err) {
			return model.Snapshot{}, appErr.New(appErr.SubmissionNotFound).WithDetail("id", id)
		}
		return model.Snapshot{}, appErr.Wrapf(err, appErr.DatabaseError, "query submission failed")
	}
	snap.State = model.State(state)
	snap.CreatedAt = time.UnixMilli(createdAt)
	if !snap.State.Terminal() {
		return snap, nil
	}

	out, err := r.decompress(stdout)
	if err != nil {
		return model.Snapshot{}, err
	}
	errOut, err := r.decompress(stderr)
	if err != nil {
		return model.Snapshot{}, err
	}
	res.State = snap.State
	res.Stdout = out
	res.Stderr = errOut
	res.Truncated = truncated != 0
	res.StdoutTruncated = outTrunc != 0
	res.StderrTruncated = errTrunc != 0
	res.FinishedAt = time.UnixMilli(finishedAt)
	if message != nil {
		res.Message = *message
	}
	snap.Result = &res
	return snap, nil
}

// Close releases the codec resources.
func (r *AuditRepository) Close() error {
	r.dec.Close()
	return r.enc.Close()
}

func (r *AuditRepository) compress(s string) []byte {
	if s == "" {
		return nil
	}
	return r.enc.EncodeAll([]byte(s), nil)
}

func (r *AuditRepository) decompress(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	out, err := r.dec.DecodeAll(b, nil)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.DatabaseError, "decode output failed")
	}
	return string(out), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
