package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Rows is the result set of a query.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Row is a single-row query result.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result summarizes an executed statement.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// Querier abstracts the statements repositories issue.
type Querier interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
}

// Database is a pooled connection to one SQL backend.
type Database interface {
	Querier
	Ping(ctx context.Context) error
	Close() error
	// Driver names the backend, "mysql" or "sqlite".
	Driver() string
}

// SQLDatabase implements Database on database/sql.
type SQLDatabase struct {
	db     *sql.DB
	driver string
}

// NewSQLDatabase wraps an open *sql.DB.
func NewSQLDatabase(db *sql.DB, driver string) (*SQLDatabase, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	return &SQLDatabase{db: db, driver: driver}, nil
}

func (d *SQLDatabase) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (d *SQLDatabase) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

func (d *SQLDatabase) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (d *SQLDatabase) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *SQLDatabase) Close() error {
	return d.db.Close()
}

func (d *SQLDatabase) Driver() string {
	return d.driver
}

// IsNoRows checks if the error is sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
