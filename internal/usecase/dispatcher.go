package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/config"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/utils"
)

// SendRequest is the input of Dispatcher.Send.
type SendRequest struct {
	TenantID string `json:"tenant_id" validate:"required"`
	Target   string `json:"target" validate:"required,target"`
	Content  string `json:"content" validate:"required"`
}

// Dispatcher sends messages through the tenant's live handle.
type Dispatcher struct {
	cfg      config.OutboundConfig
	sessions HandleBorrower
	ingest   Ingester
	log      *zap.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg config.OutboundConfig, sessions HandleBorrower, ingest Ingester, baseLogger *zap.Logger) *Dispatcher {
	if cfg.ChatSuffix == "" {
		cfg.ChatSuffix = "@c.us"
	}
	if cfg.GroupSuffix == "" {
		cfg.GroupSuffix = "@g.us"
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &Dispatcher{cfg: cfg, sessions: sessions, ingest: ingest, log: baseLogger.Named("dispatcher")}
}

// Send delivers content to target and returns the outbound message. The message is persisted
// in the background; reads of the same chat wait for it through the ingester.
// Handle errors come back unchanged so the caller can pick a fallback channel;
// apperrors.ErrPolicyViolation marks platform refusals.
func (d *Dispatcher) Send(ctx context.Context, tenantID, target, content string) (model.Message, error) {
	req := SendRequest{TenantID: tenantID, Target: strings.TrimSpace(target), Content: content}
	if err := validator.Validate(req); err != nil {
		observer.IncOutboundSend("invalid")
		return model.Message{}, err
	}
	ctx = tenant.WithTenantID(ctx, tenantID)
	log := logger.FromContextOr(ctx, d.log)

	h, _, err := d.sessions.Borrow(tenantID)
	if err != nil {
		observer.IncOutboundSend("not_ready")
		return model.Message{}, err
	}

	chatID := NormalizeTarget(req.Target, d.cfg.ChatSuffix, d.cfg.GroupSuffix)
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	sent, err := h.Send(sendCtx, chatID, content)
	cancel()
	if err != nil {
		result := "error"
		if errors.Is(err, apperrors.ErrPolicyViolation) {
			result = "policy"
		}
		observer.IncOutboundSend(result)
		log.Warn("Send failed", zap.String("chat_id", chatID), zap.Error(err))
		return model.Message{}, err
	}
	observer.IncOutboundSend("sent")

	if sent.ChatID != "" {
		chatID = sent.ChatID
	}
	ts := utils.UnixToTime(sent.Timestamp)
	if ts.IsZero() {
		ts = utils.Now()
	}
	msg := model.Message{
		TenantID:  tenantID,
		MessageID: sent.ID,
		ChatID:    chatID,
		Direction: model.MessageDirectionOutbound,
		Body:      content,
		Type:      model.MessageTypeText,
		Read:      true,
		Timestamp: ts,
	}

	if err := d.ingest.SubmitOutbound(ctx, tenantID, msg); err != nil {
		log.Warn("Ingest pool refused outbound message, persisting inline", zap.Error(err))
		if perr := d.ingest.Persist(IngestTask{Ctx: tenant.Detach(ctx), Kind: IngestKindOutbound, TenantID: tenantID, Message: msg}); perr != nil {
			log.Error("Failed to persist outbound message", zap.String("message_id", msg.MessageID), zap.Error(perr))
		}
	}
	return msg, nil
}
