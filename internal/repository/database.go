// Package repository provides data access layer using GORM for database operations.
package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/aimd54/reputation-consensus/internal/apperrors"
	"github.com/aimd54/reputation-consensus/internal/config"
	"github.com/aimd54/reputation-consensus/internal/models"
	"github.com/aimd54/reputation-consensus/pkg/logger"
)

// DB holds the database connection.
type DB struct {
	*gorm.DB
	Retry config.RetryConfig
}

// NewDB creates a new database connection.
func NewDB(cfg *config.PostgresConfig, retry config.RetryConfig, log *logger.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Database,
		cfg.SSLMode,
	)

	var gormLogLevel gormlogger.LogLevel
	switch log.GetLogger().GetLevel() {
	case 0: // debug
		gormLogLevel = gormlogger.Info
	default:
		gormLogLevel = gormlogger.Warn
	}

	gormConfig := &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormLogLevel),
		TranslateError: true,
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Msg("Connected to PostgreSQL")

	return &DB{DB: db, Retry: retry}, nil
}

// AllModels lists every persisted model, in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Wallet{},
		&models.Submission{},
		&models.ReviewAssignment{},
		&models.PeerReview{},
		&models.XpTransaction{},
		&models.UserXP{},
		&models.WeekClose{},
		&models.WeeklyInsight{},
		&models.MonthlyWinner{},
		&models.MonthlyRevocation{},
		&models.VoteCase{},
		&models.JudgmentVote{},
		&models.VoteIdentityClaim{},
		&models.ReliabilitySnapshot{},
		&models.AutomationLog{},
	}
}

// AutoMigrate runs GORM auto-migration for all models. Production uses RunMigrations.
func (db *DB) AutoMigrate() error {
	return db.DB.AutoMigrate(AllModels()...)
}

// Close closes the database connection.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health checks if the database is healthy.
func (db *DB) Health() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// InTx runs fn inside a transaction. Transient connectivity failures roll back
// and are retried with exponential backoff; anything else is returned as is.
func (db *DB) InTx(ctx context.Context, fn func(tx *DB) error) error {
	return db.withRetry(ctx, func() error {
		return db.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(&DB{DB: tx, Retry: db.Retry})
		})
	})
}

// Do runs a non-transactional operation with the same transient retry policy.
func (db *DB) Do(ctx context.Context, fn func(conn *DB) error) error {
	return db.withRetry(ctx, func() error {
		return fn(&DB{DB: db.DB.WithContext(ctx), Retry: db.Retry})
	})
}

func (db *DB) withRetry(ctx context.Context, op func() error) error {
	attempts := db.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 3
	}
	initial := time.Duration(db.Retry.InitialIntervalMs) * time.Millisecond
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	maxInterval := time.Duration(db.Retry.MaxIntervalMs) * time.Millisecond
	if maxInterval <= 0 {
		maxInterval = 2 * time.Second
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxInterval = maxInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)

	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)

	if err != nil && IsTransient(err) {
		return fmt.Errorf("%w: %v", apperrors.ErrTransientStore, err)
	}
	return err
}

// IsTransient reports whether err is a storage connectivity failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, apperrors.ErrTransientStore) {
		return false // already retried
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception. 40001/40P01: serialization failure, deadlock.
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	if pgconn.SafeToRetry(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "connection refused")
}

// IsDuplicate reports whether err is a unique constraint violation.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key")
}

// notFound maps gorm's not-found error onto the shared taxonomy.
func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), apperrors.ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", fmt.Sprintf(format, args...), err)
}
