package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lkozma/debridgate/scheduler"
)

// PostgresStore implements ConfigStore on a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const serviceLimitsSchema = `
CREATE TABLE IF NOT EXISTS service_limits (
	service                 TEXT PRIMARY KEY,
	max_requests_per_minute DOUBLE PRECISION NOT NULL,
	max_concurrent          INTEGER NOT NULL,
	retry_attempts          INTEGER NOT NULL,
	backoff_multiplier      DOUBLE PRECISION NOT NULL,
	jitter_range            DOUBLE PRECISION NOT NULL,
	burst_size              INTEGER NOT NULL,
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// NewPostgresStore connects a pool and ensures the service_limits table
// exists.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, serviceLimitsSchema); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Load(ctx context.Context) (map[string]scheduler.ServiceConfig, error) {
	query := `
		SELECT service, max_requests_per_minute, max_concurrent, retry_attempts,
		       backoff_multiplier, jitter_range, burst_size
		FROM service_limits
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]scheduler.ServiceConfig)
	for rows.Next() {
		var (
			name string
			cfg  scheduler.ServiceConfig
		)
		if err := rows.Scan(
			&name, &cfg.MaxRequestsPerMinute, &cfg.MaxConcurrent, &cfg.RetryAttempts,
			&cfg.BackoffMultiplier, &cfg.JitterRange, &cfg.BurstSize,
		); err != nil {
			return nil, err
		}
		out[name] = cfg
	}
	return out, rows.Err()
}

func (s *PostgresStore) Save(ctx context.Context, service string, cfg scheduler.ServiceConfig) error {
	query := `
		INSERT INTO service_limits (service, max_requests_per_minute, max_concurrent,
		                            retry_attempts, backoff_multiplier, jitter_range, burst_size, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (service) DO UPDATE SET
			max_requests_per_minute = EXCLUDED.max_requests_per_minute,
			max_concurrent = EXCLUDED.max_concurrent,
			retry_attempts = EXCLUDED.retry_attempts,
			backoff_multiplier = EXCLUDED.backoff_multiplier,
			jitter_range = EXCLUDED.jitter_range,
			burst_size = EXCLUDED.burst_size,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		service, cfg.MaxRequestsPerMinute, cfg.MaxConcurrent,
		cfg.RetryAttempts, cfg.BackoffMultiplier, cfg.JitterRange, cfg.BurstSize,
	)
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, service string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM service_limits WHERE service = $1`, service)
	return err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
