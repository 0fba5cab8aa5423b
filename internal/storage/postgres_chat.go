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

var chatConflictColumns = []clause.Column{{Name: "tenant_id"}, {Name: "chat_id"}}

func latestMessageAt() clause.Assignment {
	return clause.Assignment{
		Column: clause.Column{Name: "last_message_at"},
		Value:  gorm.Expr("GREATEST(excluded.last_message_at, chats.last_message_at)"),
	}
}

// keepNamedOverNumber keeps a stored name when the incoming one is blank or only the
// counterpart number.
func keepNamedOverNumber() clause.Assignment {
	return clause.Assignment{
		Column: clause.Column{Name: "name"},
		Value: gorm.Expr("COALESCE(NULLIF(NULLIF(excluded.name, excluded.counterpart), ''), " +
			"NULLIF(chats.name, ''), excluded.name)"),
	}
}

// UpsertChats writes chats discovered by a sync. Names are never blanked and
// last_message_at never moves backwards.
func (r *PostgresRepo) UpsertChats(ctx context.Context, chats []model.Chat) error {
	if len(chats) == 0 {
		return nil
	}
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return err
	}

	now := utils.Now()
	for i := range chats {
		if chats[i].TenantID == "" {
			chats[i].TenantID = tenantID
		}
		if _, err := checkTenant(ctx, "chat", chats[i].TenantID); err != nil {
			return err
		}
		if chats[i].ChatID == "" {
			return fmt.Errorf("%w: chat id is required", apperrors.ErrValidation)
		}
		chats[i].UpdatedAt = now
	}

	updates := clause.AssignmentColumns(model.ChatSyncUpdatableFields())
	updates = append(updates,
		keepWhenBlank("chats", "name"),
		keepWhenBlank("chats", "group_name"),
		latestMessageAt(),
	)

	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   chatConflictColumns,
			DoUpdates: updates,
		}).CreateInBatches(&chats, 200)
		return checkConstraintViolation(result.Error)
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "UpsertChats", operation)
	observer.ObserveDbOperationDuration("upsert", "chat", tenantID, time.Since(start), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to upsert chats", zap.Int("count", len(chats)), zap.Error(err))
	}
	return err
}

// RecordChatActivity creates or touches a chat for a live message. Inbound messages
// bump the unread counter; outbound ones reset it.
func (r *PostgresRepo) RecordChatActivity(ctx context.Context, chat model.Chat, inbound bool) error {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return err
	}
	if chat.TenantID == "" {
		chat.TenantID = tenantID
	}
	if _, err := checkTenant(ctx, "chat", chat.TenantID); err != nil {
		return err
	}

	unread := gorm.Expr("0")
	chat.UnreadCount = 0
	if inbound {
		unread = gorm.Expr("chats.unread_count + 1")
		chat.UnreadCount = 1
	}
	chat.UpdatedAt = utils.Now()

	updates := clause.AssignmentColumns([]string{"updated_at"})
	updates = append(updates,
		clause.Assignment{Column: clause.Column{Name: "unread_count"}, Value: unread},
		keepNamedOverNumber(),
		latestMessageAt(),
	)

	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   chatConflictColumns,
			DoUpdates: updates,
		}).Create(&chat)
		return checkConstraintViolation(result.Error)
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "RecordChatActivity", operation)
	observer.ObserveDbOperationDuration("activity", "chat", tenantID, time.Since(start), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to record chat activity", zap.String("chat_id", chat.ChatID), zap.Error(err))
	}
	return err
}

// MarkChatRead zeroes the unread counter and flags every message of the chat as read.
func (r *PostgresRepo) MarkChatRead(ctx context.Context, chatID string) error {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return err
	}

	operation := func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&model.Chat{}).
				Where("tenant_id = ? AND chat_id = ?", tenantID, chatID).
				Updates(map[string]interface{}{"unread_count": 0, "updated_at": utils.Now()})
			if res.Error != nil {
				return checkConstraintViolation(res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: chat %s", apperrors.ErrNotFound, chatID)
			}
			res = tx.Model(&model.Message{}).
				Where("tenant_id = ? AND chat_id = ? AND read = ?", tenantID, chatID, false).
				Update("read", true)
			return checkConstraintViolation(res.Error)
		})
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "MarkChatRead", operation)
	observer.ObserveDbOperationDuration("mark_read", "chat", tenantID, time.Since(start), err)
	return err
}

// ListChats returns chats ordered by most recent activity.
func (r *PostgresRepo) ListChats(ctx context.Context, limit, offset int) ([]model.Chat, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}

	var chats []model.Chat
	operation := func() error {
		q := r.db.WithContext(ctx).
			Where("tenant_id = ?", tenantID).
			Order("last_message_at DESC NULLS LAST").
			Order("chat_id")
		if limit > 0 {
			q = q.Limit(limit)
		}
		if offset > 0 {
			q = q.Offset(offset)
		}
		return checkConstraintViolation(q.Find(&chats).Error)
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "ListChats", operation)
	observer.ObserveDbOperationDuration("list", "chat", tenantID, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return chats, nil
}

// CountChats returns the number of chats stored for the tenant.
func (r *PostgresRepo) CountChats(ctx context.Context) (int64, error) {
	return r.count(ctx, &model.Chat{}, "chat")
}
