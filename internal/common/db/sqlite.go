package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// NewSQLite opens an embedded SQLite database. ":memory:" keeps a single
// connection so every statement sees the same database.
func NewSQLite(path string) (*SQLDatabase, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	return NewSQLDatabase(db, "sqlite")
}

// IsUniqueViolation reports a duplicate primary or unique key on either
// backend.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := UniqueViolation(err); ok {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
