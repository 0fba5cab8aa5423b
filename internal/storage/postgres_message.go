package storage

import (
	"context"
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

const messageBatchSize = 500

// UpsertMessages stores messages keyed by (tenant_id, message_id). Re-delivering a known
// message leaves it untouched apart from the read flag, which can only go from false to true.
func (r *PostgresRepo) UpsertMessages(ctx context.Context, messages []model.Message) error {
	if len(messages) == 0 {
		return nil
	}
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(messages))
	batch := make([]model.Message, 0, len(messages))
	for _, m := range messages {
		if m.TenantID == "" {
			m.TenantID = tenantID
		}
		if _, err := checkTenant(ctx, "message", m.TenantID); err != nil {
			return err
		}
		if m.MessageID == "" || m.ChatID == "" {
			return fmt.Errorf("%w: message id and chat id are required", apperrors.ErrValidation)
		}
		// Postgres rejects a batch that touches the same conflict key twice.
		if _, dup := seen[m.MessageID]; dup {
			continue
		}
		seen[m.MessageID] = struct{}{}
		batch = append(batch, m)
	}

	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant_id"}, {Name: "message_id"}},
			DoUpdates: clause.Set{{
				Column: clause.Column{Name: "read"},
				Value:  gorm.Expr("messages.read OR excluded.read"),
			}},
		}).CreateInBatches(&batch, messageBatchSize)
		return checkConstraintViolation(result.Error)
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "UpsertMessages", operation)
	observer.ObserveDbOperationDuration("upsert", "message", tenantID, time.Since(start), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to upsert messages", zap.Int("count", len(batch)), zap.Error(err))
	}
	return err
}

// ListMessagesByChat returns the newest messages of a chat in chronological order.
func (r *PostgresRepo) ListMessagesByChat(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	var messages []model.Message
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("tenant_id = ? AND chat_id = ?", tenantID, chatID).
			Order("timestamp DESC").
			Limit(limit).
			Find(&messages)
		return checkConstraintViolation(result.Error)
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "ListMessagesByChat", operation)
	observer.ObserveDbOperationDuration("list", "message", tenantID, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CountMessages returns the number of messages stored for the tenant.
func (r *PostgresRepo) CountMessages(ctx context.Context) (int64, error) {
	return r.count(ctx, &model.Message{}, "message")
}
