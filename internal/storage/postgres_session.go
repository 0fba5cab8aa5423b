package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/utils"
)

// EnsureSession creates the tenant's session row if it does not exist yet.
func (r *PostgresRepo) EnsureSession(ctx context.Context) error {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return err
	}

	session := model.Session{TenantID: tenantID}
	operation := func() error {
		result := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "tenant_id"}}, DoNothing: true}).
			Create(&session)
		return checkConstraintViolation(result.Error)
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "EnsureSession", operation)
	observer.ObserveDbOperationDuration("ensure", "session", tenantID, time.Since(start), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to ensure session row", zap.Error(err))
	}
	return err
}

// FindSession returns the tenant's session or apperrors.ErrNotFound.
func (r *PostgresRepo) FindSession(ctx context.Context) (*model.Session, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}

	var session model.Session
	operation := func() error {
		result := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&session)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: session for tenant %s", apperrors.ErrNotFound, tenantID)
			}
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "FindSession", operation)
	observer.ObserveDbOperationDuration("find", "session", tenantID, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// SetLinkedAccount records the account confirmed by a ready signal and marks the session active.
func (r *PostgresRepo) SetLinkedAccount(ctx context.Context, account model.AccountInfo) error {
	if account.Account == "" {
		return fmt.Errorf("%w: linked account is empty", apperrors.ErrValidation)
	}
	updates := map[string]interface{}{
		"linked_account":         account.Account,
		"push_name":              account.PushName,
		"active":                 true,
		"last_disconnect_reason": "",
		"updated_at":             utils.Now(),
	}
	if len(account.Device) > 0 {
		updates["device"] = datatypes.JSON(account.Device)
	}
	return r.updateSession(ctx, "SetLinkedAccount", updates)
}

// SetSessionActive flips the active flag. A non-empty reason is recorded as the last disconnect reason.
func (r *PostgresRepo) SetSessionActive(ctx context.Context, active bool, reason string) error {
	updates := map[string]interface{}{
		"active":     active,
		"updated_at": utils.Now(),
	}
	if reason != "" {
		updates["last_disconnect_reason"] = reason
	}
	return r.updateSession(ctx, "SetSessionActive", updates)
}

// SetLastSync stores the completion time of the last full sync; nil clears it.
func (r *PostgresRepo) SetLastSync(ctx context.Context, at *time.Time) error {
	return r.updateSession(ctx, "SetLastSync", map[string]interface{}{
		"last_sync_at": at,
		"updated_at":   utils.Now(),
	})
}

func (r *PostgresRepo) updateSession(ctx context.Context, opName string, updates map[string]interface{}) error {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return err
	}

	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Session{}).
			Where("tenant_id = ?", tenantID).
			Updates(updates)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: session for tenant %s", apperrors.ErrNotFound, tenantID)
		}
		return nil
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), opName, operation)
	observer.ObserveDbOperationDuration("update", "session", tenantID, time.Since(start), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to update session", zap.String("operation", opName), zap.Error(err))
	}
	return err
}
