// Package natsdriver talks to a remote automation sidecar over NATS request/reply.
//
// Operations are requests on <prefix>.<tenant>.<op>; the sidecar pushes signals on
// <prefix>.<tenant>.signal.<kind>.
package natsdriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/driver"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/logger"
)

// Error codes the sidecar sets in jetstream.HeaderError.
const (
	CodePolicy      = "policy"
	CodeUnsupported = "unsupported"
	CodeNotReady    = "not_ready"
	CodeAuth        = "auth"
	CodeNotFound    = "not_found"
)

const (
	OpStart         = "start"
	OpProbe         = "probe"
	OpConversations = "conversations"
	OpHistory       = "history"
	OpContacts      = "contacts"
	OpSend          = "send"
	OpDestroy       = "destroy"
)

// Factory creates sidecar-backed handles.
type Factory struct {
	client         jetstream.ClientInterface
	prefix         string
	requestTimeout time.Duration
}

var _ driver.Factory = (*Factory)(nil)

// NewFactory creates a Factory.
func NewFactory(client jetstream.ClientInterface, prefix string, requestTimeout time.Duration) *Factory {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Factory{client: client, prefix: prefix, requestTimeout: requestTimeout}
}

// New subscribes to the tenant's signal subjects and returns the handle. Nothing is
// started on the sidecar until Start.
func (f *Factory) New(ctx context.Context, tenantID string, onSignal driver.SignalFunc) (driver.Handle, error) {
	h := &Handle{
		client:   f.client,
		tenantID: tenantID,
		base:     f.prefix + "." + tenantID,
		timeout:  f.requestTimeout,
		onSignal: onSignal,
		log:      logger.FromContext(ctx).Named("natsdriver"),
	}
	sub, err := f.client.Subscribe(h.base+".signal.*", h.handleSignal)
	if err != nil {
		return nil, fmt.Errorf("subscribe to signals: %w", err)
	}
	h.sub = sub
	return h, nil
}

// Handle is a driver.Handle backed by the sidecar.
type Handle struct {
	client   jetstream.ClientInterface
	tenantID string
	base     string
	timeout  time.Duration
	onSignal driver.SignalFunc
	log      *zap.Logger

	mu        sync.Mutex
	sub       *nats.Subscription
	destroyed bool
}

var _ driver.Handle = (*Handle)(nil)

type signalBody struct {
	Code    string                `json:"code,omitempty"`
	Reason  string                `json:"reason,omitempty"`
	Account *model.AccountInfo    `json:"account,omitempty"`
	Message *model.HistoryMessage `json:"message,omitempty"`
}

func (h *Handle) handleSignal(msg *nats.Msg) {
	kind := driver.SignalKind(msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:])
	sig, err := decodeSignal(kind, msg.Data)
	if err != nil {
		h.log.Warn("Dropping malformed signal", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	h.mu.Lock()
	gone := h.destroyed
	h.mu.Unlock()
	if gone {
		return
	}
	h.onSignal(sig)
}

func decodeSignal(kind driver.SignalKind, data []byte) (driver.Signal, error) {
	var body signalBody
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			return driver.Signal{}, fmt.Errorf("%w: decode signal: %w", apperrors.ErrBadRequest, err)
		}
	}
	sig := driver.Signal{Kind: kind}
	switch kind {
	case driver.SignalPairingCode:
		if body.Code == "" {
			return sig, fmt.Errorf("%w: pairing code is empty", apperrors.ErrValidation)
		}
		sig.Code = body.Code
	case driver.SignalAuthenticated:
	case driver.SignalReady:
		if body.Account == nil {
			return sig, fmt.Errorf("%w: ready without account", apperrors.ErrValidation)
		}
		if err := validator.Validate(body.Account); err != nil {
			return sig, err
		}
		sig.Account = *body.Account
	case driver.SignalAuthFailure, driver.SignalDisconnected:
		sig.Reason = body.Reason
	case driver.SignalMessage:
		if body.Message == nil {
			return sig, fmt.Errorf("%w: message signal without message", apperrors.ErrValidation)
		}
		if err := validator.Validate(body.Message); err != nil {
			return sig, err
		}
		sig.Message = body.Message
	default:
		return sig, fmt.Errorf("%w: unknown signal %q", apperrors.ErrBadRequest, kind)
	}
	return sig, nil
}

// call sends one request and decodes the reply into out (when non-nil).
func (h *Handle) call(ctx context.Context, op string, in, out interface{}) error {
	h.mu.Lock()
	gone := h.destroyed
	h.mu.Unlock()
	if gone && op != OpDestroy {
		return apperrors.ErrHandleGone
	}

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("%w: encode %s request: %w", apperrors.ErrBadRequest, op, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	reply, err := h.client.Request(ctx, h.base+"."+op, body, map[string]string{"X-Tenant-ID": h.tenantID})
	if err != nil {
		return mapReplyError(op, err)
	}
	if out == nil || len(reply) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply, out); err != nil {
		return fmt.Errorf("%w: decode %s reply: %w", apperrors.ErrBadRequest, op, err)
	}
	return nil
}

func mapReplyError(op string, err error) error {
	var re *jetstream.ReplyError
	if !errors.As(err, &re) {
		return fmt.Errorf("driver %s: %w", op, err)
	}
	switch re.Code {
	case CodePolicy:
		return fmt.Errorf("%w: %s", apperrors.ErrPolicyViolation, re.Message)
	case CodeUnsupported:
		return driver.ErrUnsupported
	case CodeNotReady:
		return fmt.Errorf("%w: %s", apperrors.ErrNotReady, re.Message)
	case CodeAuth:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthFailure, re.Message)
	case CodeNotFound:
		return fmt.Errorf("%w: %s", apperrors.ErrNotFound, re.Message)
	}
	return fmt.Errorf("driver %s: %w", op, re)
}

func (h *Handle) Start(ctx context.Context) error {
	return h.call(ctx, OpStart, nil, nil)
}

// Probe treats a not-ready reply as "not yet" rather than an error.
func (h *Handle) Probe(ctx context.Context) (bool, error) {
	var reply struct {
		Ready bool `json:"ready"`
	}
	if err := h.call(ctx, OpProbe, nil, &reply); err != nil {
		if errors.Is(err, apperrors.ErrNotReady) {
			return false, nil
		}
		return false, err
	}
	return reply.Ready, nil
}

func (h *Handle) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var convs []model.Conversation
	if err := h.call(ctx, OpConversations, nil, &convs); err != nil {
		return nil, err
	}
	out := convs[:0]
	for _, c := range convs {
		if err := validator.Validate(c); err != nil {
			h.log.Warn("Skipping invalid conversation", zap.String("id", c.ID), zap.Error(err))
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (h *Handle) FetchHistory(ctx context.Context, conversationID string, limit int) ([]model.HistoryMessage, error) {
	req := struct {
		ConversationID string `json:"conversation_id"`
		Limit          int    `json:"limit"`
	}{conversationID, limit}
	var msgs []model.HistoryMessage
	if err := h.call(ctx, OpHistory, req, &msgs); err != nil {
		return nil, err
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.ChatID == "" {
			m.ChatID = conversationID
		}
		if err := validator.Validate(m); err != nil {
			h.log.Warn("Skipping invalid history message", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (h *Handle) ListContacts(ctx context.Context) ([]model.DirectoryContact, error) {
	var contacts []model.DirectoryContact
	if err := h.call(ctx, OpContacts, nil, &contacts); err != nil {
		return nil, err
	}
	return contacts, nil
}

func (h *Handle) Send(ctx context.Context, target, content string) (model.SentMessage, error) {
	req := struct {
		Target  string `json:"target"`
		Content string `json:"content"`
	}{target, content}
	var sent model.SentMessage
	if err := h.call(ctx, OpSend, req, &sent); err != nil {
		return model.SentMessage{}, err
	}
	if err := validator.Validate(sent); err != nil {
		return model.SentMessage{}, err
	}
	return sent, nil
}

// Destroy asks the sidecar to stop the client and drops the signal subscription.
func (h *Handle) Destroy(ctx context.Context) error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return nil
	}
	h.destroyed = true
	sub := h.sub
	h.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			h.log.Debug("Signal unsubscribe failed", zap.Error(err))
		}
	}
	return h.call(ctx, OpDestroy, nil, nil)
}
