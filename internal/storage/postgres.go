package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/utils"
)

const (
	defaultRetryInitialInterval = 50 * time.Millisecond
	defaultRetryMaxInterval     = 2 * time.Second
	readRetryMaxElapsedTime     = 5 * time.Second
	commitRetryMaxElapsedTime   = 15 * time.Second

	connectRetryMaxElapsedTime = time.Minute
)

// PostgresRepo is the Durable Store. Every row carries tenant_id; the tenant of an
// operation is taken from ctx (tenant.WithTenantID).
type PostgresRepo struct {
	db *gorm.DB
}

// schemaNamer qualifies every table with the service schema.
type schemaNamer struct {
	schema.NamingStrategy
	schemaName string
}

// TableName implements schema.Namer.
func (n schemaNamer) TableName(table string) string {
	return fmt.Sprintf("%q.%s", n.schemaName, table)
}

// NewPostgresRepo connects (with retry), ensures the schema and optionally migrates the tables.
func NewPostgresRepo(dsn string, autoMigrate bool, schemaName string) (*PostgresRepo, error) {
	if schemaName == "" {
		return nil, fmt.Errorf("%w: schema name is required", apperrors.ErrBadRequest)
	}

	connect := func() (*gorm.DB, error) {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			NamingStrategy: schemaNamer{schemaName: schemaName},
			Logger:         gormLogger.Default.LogMode(gormLogger.Warn),
			TranslateError: true,
		})
		if err != nil {
			if isTransientError(err) {
				logger.Log.Warn("Failed to connect to postgres (transient), retrying...", zap.Error(err))
				return nil, err
			}
			return nil, backoff.Permanent(fmt.Errorf("failed to connect to postgres: %w", err))
		}
		return db, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = connectRetryMaxElapsedTime

	db, err := backoff.RetryNotifyWithData(connect, b, func(err error, d time.Duration) {
		logger.Log.Warn("Retrying DB connection", zap.Error(err), zap.Duration("after", d))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres after retries: %w", err)
	}

	repo := &PostgresRepo{db: db}

	logger.Log.Info("Ensuring PostgreSQL schema exists", zap.String("schema", schemaName))
	if err := db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", schemaName)).Error; err != nil {
		_ = repo.Close(context.Background())
		return nil, fmt.Errorf("failed to create schema %s: %w", schemaName, err)
	}

	if autoMigrate {
		logger.Log.Info("Running auto-migration", zap.String("schema", schemaName))
		if err := db.AutoMigrate(
			&model.Session{},
			&model.Contact{},
			&model.Chat{},
			&model.Message{},
		); err != nil {
			_ = repo.Close(context.Background())
			return nil, fmt.Errorf("auto-migration failed in schema %s: %w", schemaName, err)
		}
	} else {
		logger.Log.Info("Auto-migration disabled")
	}

	return repo, nil
}

// Ping checks database connectivity.
func (r *PostgresRepo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", apperrors.ErrDatabase, err)
	}
	return nil
}

// Close closes the database connection
func (r *PostgresRepo) Close(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to get underlying SQL DB for closing", zap.Error(err))
		return nil
	}
	if err := sqlDB.Close(); err != nil {
		logger.FromContext(ctx).Error("Failed to close database connection", zap.Error(err))
		return fmt.Errorf("failed to close SQL DB: %w", err)
	}
	logger.FromContext(ctx).Info("Database connection closed successfully")
	return nil
}

// WipeTenantData deletes every Message, Chat and Contact of the ctx tenant and clears the
// session's last-sync mark, in one transaction.
func (r *PostgresRepo) WipeTenantData(ctx context.Context) error {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return err
	}

	var removed [3]int64
	operation := func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for i, m := range []interface{}{&model.Message{}, &model.Chat{}, &model.Contact{}} {
				res := tx.Where("tenant_id = ?", tenantID).Delete(m)
				if res.Error != nil {
					return checkConstraintViolation(res.Error)
				}
				removed[i] = res.RowsAffected
			}
			res := tx.Model(&model.Session{}).
				Where("tenant_id = ?", tenantID).
				Update("last_sync_at", nil)
			return checkConstraintViolation(res.Error)
		})
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "WipeTenantData", operation)
	observer.ObserveDbOperationDuration("wipe", "tenant", tenantID, time.Since(start), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to wipe tenant data", zap.Error(err))
		return err
	}

	logger.FromContext(ctx).Info("Tenant data wiped",
		zap.Int64("messages", removed[0]),
		zap.Int64("chats", removed[1]),
		zap.Int64("contacts", removed[2]),
	)
	return nil
}

func tenantFrom(ctx context.Context) (string, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: failed to get tenant ID: %w", apperrors.ErrUnauthorized, err)
	}
	return tenantID, nil
}

func checkTenant(ctx context.Context, entity, rowTenant string) (string, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return "", err
	}
	if rowTenant != tenantID {
		return "", fmt.Errorf("%w: %s tenant %s does not match context tenant %s", apperrors.ErrBadRequest, entity, rowTenant, tenantID)
	}
	return tenantID, nil
}

// newRetryPolicy creates a new exponential backoff policy with context awareness.
func newRetryPolicy(ctx context.Context, maxElapsedTime time.Duration) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultRetryInitialInterval
	b.MaxInterval = defaultRetryMaxInterval
	b.MaxElapsedTime = maxElapsedTime
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// retryableOperation wraps a database operation with retry logic. Only transient errors
// are retried.
func retryableOperation(ctx context.Context, policy backoff.BackOffContext, opName string, operation func() error) error {
	notify := func(err error, d time.Duration) {
		logger.FromContext(ctx).Warn("Retrying DB operation",
			zap.String("operation", opName),
			zap.Error(err),
			zap.Duration("after", d),
		)
	}

	return backoff.RetryNotify(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) ||
			errors.Is(err, gorm.ErrInvalidTransaction) ||
			errors.Is(err, gorm.ErrDuplicatedKey) ||
			errors.Is(err, gorm.ErrForeignKeyViolated) {
			return backoff.Permanent(err)
		}
		if isTransientError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, notify)
}

// isTransientError checks if the error suggests a temporary issue like a network problem.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 connection exception, class 53 insufficient resources, deadlock, serialization
		if strings.HasPrefix(pgErr.Code, "08") ||
			strings.HasPrefix(pgErr.Code, "53") ||
			pgErr.Code == "40P01" ||
			pgErr.Code == "40001" {
			return true
		}
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"connection refused",
		"network is unreachable",
		"i/o timeout",
		"broken pipe",
		"connection reset by peer",
		"could not translate host name",
		"no route to host",
		"database system is starting up",
		"connection timed out",
	} {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}
	return false
}

// checkConstraintViolation inspects database errors and maps them to standard apperrors.
func checkConstraintViolation(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", apperrors.ErrNotFound, err)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %w", apperrors.ErrDuplicate, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrDuplicate, pgErr.ConstraintName, err)
		case pgErr.Code == "23503", pgErr.Code == "23514":
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrValidation, pgErr.ConstraintName, err)
		case pgErr.Code == "23502":
			return fmt.Errorf("%w: null value in column %s: %w", apperrors.ErrValidation, pgErr.ColumnName, err)
		case strings.HasPrefix(pgErr.Code, "22"):
			return fmt.Errorf("%w: data exception (%s) in column %s: %w", apperrors.ErrValidation, pgErr.Code, pgErr.ColumnName, err)
		default:
			return fmt.Errorf("%w: pgcode %s: %w", apperrors.ErrDatabase, pgErr.Code, err)
		}
	}

	return fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
}
