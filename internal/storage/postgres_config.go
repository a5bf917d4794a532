package storage

import "time"

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
}

// Option mutates the PostgresConfig used when opening a repository.
type Option func(*PostgresConfig)

// WithPoolLimits bounds the pgx pool size.
func WithPoolLimits(maxConns, minConns int32) Option {
	return func(cfg *PostgresConfig) {
		cfg.MaxConnections = maxConns
		cfg.MinConnections = minConns
	}
}

// WithPoolDurations configures connection lifetime, idle time, and the
// interval between pool health checks.
func WithPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return func(cfg *PostgresConfig) {
		cfg.MaxConnLifetime = maxLifetime
		cfg.MaxConnIdleTime = maxIdle
		cfg.HealthCheckInterval = healthInterval
	}
}

// WithAcquireTimeout bounds how long connection acquisition may block.
func WithAcquireTimeout(timeout time.Duration) Option {
	return func(cfg *PostgresConfig) {
		cfg.AcquireTimeout = timeout
	}
}

// WithApplicationName sets the application_name reported to Postgres.
func WithApplicationName(name string) Option {
	return func(cfg *PostgresConfig) {
		cfg.ApplicationName = name
	}
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{DSN: dsn}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}
