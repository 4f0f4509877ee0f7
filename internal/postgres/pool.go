// Package postgres wraps pgxpool creation with the pool settings numgate
// uses everywhere.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds connection pool settings.
type Config struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	HealthCheckSecs int
}

// Pool wraps a pgxpool.Pool.
type Pool struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects to PostgreSQL and verifies the connection with a ping.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Pool, error) {
	if cfg.URL == "" {
		return nil, errors.New("database URL is required")
	}

	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckSecs > 0 {
		pc.HealthCheckPeriod = time.Duration(cfg.HealthCheckSecs) * time.Second
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("connected to database",
		"max_conns", pc.MaxConns, "min_conns", pc.MinConns)
	return &Pool{pool: pool, logger: logger}, nil
}

// DB returns the underlying pgxpool.Pool.
func (p *Pool) DB() *pgxpool.Pool { return p.pool }

// Close closes all pool connections.
func (p *Pool) Close() {
	p.pool.Close()
	p.logger.Info("database connections closed")
}
