package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/utils"
)

// keepWhenBlank builds an assignment that only overwrites column when the incoming value is non-empty.
func keepWhenBlank(table, column string) clause.Assignment {
	return clause.Assignment{
		Column: clause.Column{Name: column},
		Value:  gorm.Expr(fmt.Sprintf("COALESCE(NULLIF(excluded.%s, ''), %s.%s)", column, table, column)),
	}
}

// UpsertContacts inserts or refreshes contacts keyed by (tenant_id, number).
// A blank incoming name never overwrites a known one.
func (r *PostgresRepo) UpsertContacts(ctx context.Context, contacts []model.Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return err
	}

	now := utils.Now()
	for i := range contacts {
		if contacts[i].TenantID == "" {
			contacts[i].TenantID = tenantID
		}
		if _, err := checkTenant(ctx, "contact", contacts[i].TenantID); err != nil {
			return err
		}
		if contacts[i].Number == "" {
			return fmt.Errorf("%w: contact number is required", apperrors.ErrValidation)
		}
		contacts[i].UpdatedAt = now
	}

	updates := clause.AssignmentColumns([]string{"is_business", "updated_at"})
	updates = append(updates, keepWhenBlank("contacts", "name"), keepWhenBlank("contacts", "avatar_ref"))

	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "number"}},
			DoUpdates: updates,
		}).CreateInBatches(&contacts, 500)
		return checkConstraintViolation(result.Error)
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "UpsertContacts", operation)
	observer.ObserveDbOperationDuration("upsert", "contact", tenantID, time.Since(start), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to upsert contacts", zap.Int("count", len(contacts)), zap.Error(err))
	}
	return err
}

// FindContactByNumber returns the contact or apperrors.ErrNotFound.
func (r *PostgresRepo) FindContactByNumber(ctx context.Context, number string) (*model.Contact, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}

	var contact model.Contact
	operation := func() error {
		result := r.db.WithContext(ctx).Where("tenant_id = ? AND number = ?", tenantID, number).First(&contact)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: contact %s", apperrors.ErrNotFound, number)
			}
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "FindContactByNumber", operation)
	observer.ObserveDbOperationDuration("find", "contact", tenantID, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

// CountContacts returns the number of contacts stored for the tenant.
func (r *PostgresRepo) CountContacts(ctx context.Context) (int64, error) {
	return r.count(ctx, &model.Contact{}, "contact")
}

func (r *PostgresRepo) count(ctx context.Context, m interface{}, entity string) (int64, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	operation := func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Model(m).Where("tenant_id = ?", tenantID).Count(&n).Error)
	}
	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "Count "+entity, operation)
	observer.ObserveDbOperationDuration("count", entity, tenantID, time.Since(start), err)
	return n, err
}
