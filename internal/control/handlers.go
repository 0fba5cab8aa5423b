package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/usecase"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/validator"
)

// Controller is the part of the orchestrator served over control subjects.
type Controller interface {
	StartPairing(ctx context.Context, tenantID string) (usecase.Status, error)
	GetStatus(ctx context.Context, tenantID string) (usecase.Status, error)
	TriggerSync(ctx context.Context, tenantID string) error
	SendMessage(ctx context.Context, tenantID, target, content string) (model.Message, error)
	Disconnect(ctx context.Context, tenantID string, wipe bool) error
	MarkRead(ctx context.Context, tenantID, chatID string) error
	ListConversations(ctx context.Context, tenantID string, limit, offset int) ([]model.Chat, error)
	ListMessages(ctx context.Context, tenantID, chatID string, limit int) ([]model.Message, error)
}

var _ Controller = (*usecase.Orchestrator)(nil)

// Request bodies.
type (
	SendBody struct {
		Target  string `json:"target" validate:"required,target"`
		Content string `json:"content" validate:"required"`
	}
	DisconnectBody struct {
		Wipe bool `json:"wipe"`
	}
	MarkReadBody struct {
		ChatID string `json:"chat_id" validate:"required"`
	}
	PageBody struct {
		Limit  int `json:"limit" validate:"gte=0,lte=500"`
		Offset int `json:"offset" validate:"gte=0"`
	}
	MessagesBody struct {
		ChatID string `json:"chat_id" validate:"required"`
		Limit  int    `json:"limit" validate:"gte=0,lte=500"`
	}
)

// Ack is the reply of operations without a result.
type Ack struct {
	OK bool `json:"ok"`
}

// decode fills out from an optional JSON body and validates it.
func decode(body []byte, out interface{}) error {
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%w: decode body: %w", apperrors.ErrBadRequest, err)
		}
	}
	return validator.Validate(out)
}

// Register binds every operation to c.
func Register(r *Router, c Controller) {
	r.Register(OpPair, func(ctx context.Context, tenantID string, _ []byte) (interface{}, error) {
		return c.StartPairing(ctx, tenantID)
	})
	r.Register(OpStatus, func(ctx context.Context, tenantID string, _ []byte) (interface{}, error) {
		return c.GetStatus(ctx, tenantID)
	})
	r.Register(OpSync, func(ctx context.Context, tenantID string, _ []byte) (interface{}, error) {
		if err := c.TriggerSync(ctx, tenantID); err != nil {
			return nil, err
		}
		return Ack{OK: true}, nil
	})
	r.Register(OpSend, func(ctx context.Context, tenantID string, body []byte) (interface{}, error) {
		var req SendBody
		if err := decode(body, &req); err != nil {
			return nil, err
		}
		return c.SendMessage(ctx, tenantID, req.Target, req.Content)
	})
	r.Register(OpDisconnect, func(ctx context.Context, tenantID string, body []byte) (interface{}, error) {
		var req DisconnectBody
		if err := decode(body, &req); err != nil {
			return nil, err
		}
		if err := c.Disconnect(ctx, tenantID, req.Wipe); err != nil {
			return nil, err
		}
		return Ack{OK: true}, nil
	})
	r.Register(OpMarkRead, func(ctx context.Context, tenantID string, body []byte) (interface{}, error) {
		var req MarkReadBody
		if err := decode(body, &req); err != nil {
			return nil, err
		}
		if err := c.MarkRead(ctx, tenantID, req.ChatID); err != nil {
			return nil, err
		}
		return Ack{OK: true}, nil
	})
	r.Register(OpConversations, func(ctx context.Context, tenantID string, body []byte) (interface{}, error) {
		var req PageBody
		if err := decode(body, &req); err != nil {
			return nil, err
		}
		return c.ListConversations(ctx, tenantID, req.Limit, req.Offset)
	})
	r.Register(OpMessages, func(ctx context.Context, tenantID string, body []byte) (interface{}, error) {
		var req MessagesBody
		if err := decode(body, &req); err != nil {
			return nil, err
		}
		return c.ListMessages(ctx, tenantID, req.ChatID, req.Limit)
	})
}
