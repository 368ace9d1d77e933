package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresOptions sizes the pool for the booking workload: short conditional
// UPDATEs on schedule_slots and exam_records, never long transactions.
type PostgresOptions struct {
	MaxConns int32
	// Timezone is the hospital zone; exam dates and now() are read in it.
	Timezone string
	// StatementTimeout bounds a single query; a slot increment that waits
	// longer is treated as a failed reservation.
	StatementTimeout time.Duration
	ApplicationName  string
}

func ConnectPostgres(ctx context.Context, dsn string, opts PostgresOptions) (*pgxpool.Pool, error) {
	cfg, err := postgresConfig(dsn, opts)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}

func postgresConfig(dsn string, opts PostgresOptions) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	if opts.MaxConns <= 0 {
		opts.MaxConns = 20
	}
	if opts.StatementTimeout <= 0 {
		opts.StatementTimeout = 5 * time.Second
	}
	if opts.ApplicationName == "" {
		opts.ApplicationName = "outpatient-exam-booking"
	}

	// Booking bursts at session opening; keep a few warm connections.
	cfg.MaxConns = opts.MaxConns
	cfg.MinConns = min(4, opts.MaxConns)
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 15 * time.Minute

	params := cfg.ConnConfig.RuntimeParams
	params["application_name"] = opts.ApplicationName
	params["statement_timeout"] = fmt.Sprintf("%d", opts.StatementTimeout.Milliseconds())
	if opts.Timezone != "" {
		params["timezone"] = opts.Timezone
	}

	return cfg, nil
}
