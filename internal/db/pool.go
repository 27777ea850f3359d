package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	connectTimeout  = 10 * time.Second
	maxConnIdleTime = 5 * time.Minute
)

// Pool is a pgx connection pool with the document queries bound to it
type Pool struct {
	*pgxpool.Pool
	*Queries
	log *zap.Logger
}

// NewPool connects to databaseURL and fails unless the database answers a ping
func NewPool(ctx context.Context, databaseURL string, log *zap.Logger) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if cfg.MaxConnIdleTime == 0 || cfg.MaxConnIdleTime > maxConnIdleTime {
		cfg.MaxConnIdleTime = maxConnIdleTime
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conns, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := conns.Ping(connectCtx); err != nil {
		conns.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	log.Info("Connected to database",
		zap.String("host", cfg.ConnConfig.Host),
		zap.String("database", cfg.ConnConfig.Database),
		zap.Int32("max_conns", cfg.MaxConns),
	)
	return &Pool{Pool: conns, Queries: NewQueries(conns), log: log}, nil
}

// Close waits for acquired connections to be released
func (p *Pool) Close() {
	p.log.Debug("Closing database pool", zap.Int32("acquired", p.Stat().AcquiredConns()))
	p.Pool.Close()
}
