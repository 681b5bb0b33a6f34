// Package postgres implements the relational mirror store on PostgreSQL.
package postgres

//go:generate mockgen -source=$GOFILE -destination=mocks_test.go -package=$GOPACKAGE

import (
	"context"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
)

type (
	// Metrics records store operation outcomes.
	Metrics interface {
		Observe(operation string, err error, started time.Time)
	}
)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Repository is the PostgreSQL mirror store.
type Repository struct {
	db      *sqlx.DB
	metrics Metrics
}

// NewRepository opens and pings a connection pool for dsn.
func NewRepository(ctx context.Context, dsn string, opts Options, metrics Metrics) (*Repository, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 10
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 2
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", classify(err))
	}

	return &Repository{db: db, metrics: metrics}, nil
}

// Close closes the connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks that the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return classify(r.db.PingContext(ctx))
}

func (r *Repository) observe(operation string, err error, started time.Time) {
	if r.metrics != nil {
		r.metrics.Observe(operation, err, started)
	}
}
