package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/smartcab/backend/internal/config"
)

const defaultPingTimeout = 5 * time.Second

// ErrMissingDSN is returned when no database URL is configured.
var ErrMissingDSN = errors.New("database url is required")

// Database is the process-wide connection pool.
type Database struct {
	gorm *gorm.DB
	sql  *sql.DB
}

// Option configures Open.
type Option func(*options)

type options struct {
	pingTimeout time.Duration
	dialector   func(dsn string) gorm.Dialector
}

// WithPingTimeout bounds the initial connectivity check.
func WithPingTimeout(d time.Duration) Option {
	return func(o *options) {
		o.pingTimeout = d
	}
}

// WithDialector overrides the gorm dialector, primarily for tests.
func WithDialector(fn func(dsn string) gorm.Dialector) Option {
	return func(o *options) {
		o.dialector = fn
	}
}

// Open connects the pool, applies the configured limits and verifies the
// database answers. It either returns a ready pool or an error; a pool that
// fails the ping is closed before returning.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger, opts ...Option) (*Database, error) {
	if cfg.URL == "" {
		return nil, ErrMissingDSN
	}

	o := options{
		pingTimeout: defaultPingTimeout,
		dialector: func(dsn string) gorm.Dialector {
			return postgres.Open(dsn)
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := gorm.Open(o.dialector(cfg.URL), &gorm.Config{
		Logger:                 newGormLogger(logger),
		DisableAutomaticPing:   true,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, o.pingTimeout)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger.Info("database pool ready",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
	)

	return &Database{gorm: db, sql: sqlDB}, nil
}

// Gorm returns the ORM handle for repositories.
func (d *Database) Gorm() *gorm.DB {
	return d.gorm
}

// SQL returns the underlying pool.
func (d *Database) SQL() *sql.DB {
	return d.sql
}

// PingContext reports whether the database is reachable.
func (d *Database) PingContext(ctx context.Context) error {
	if d == nil || d.sql == nil {
		return ErrMissingDSN
	}
	return d.sql.PingContext(ctx)
}

// Close releases every pooled connection.
func (d *Database) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

func newGormLogger(logger *zap.Logger) gormlogger.Interface {
	level := gormlogger.Warn
	if logger.Core().Enabled(zap.DebugLevel) {
		level = gormlogger.Info
	}
	return gormlogger.New(
		zap.NewStdLog(logger.Named("gorm")),
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		},
	)
}
