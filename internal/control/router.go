// Package control serves the orchestrator's operations as NATS request/reply subjects of the
// form <prefix>.<tenant>.<op>.
package control

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/logger"
)

// Op is a control operation, the last token of its subject.
type Op string

const (
	OpPair          Op = "pair"
	OpStatus        Op = "status"
	OpSync          Op = "sync"
	OpSend          Op = "send"
	OpDisconnect    Op = "disconnect"
	OpMarkRead      Op = "mark-read"
	OpConversations Op = "conversations"
	OpMessages      Op = "messages"
)

// Handler serves one operation for a tenant. Its result becomes the JSON reply.
type Handler func(ctx context.Context, tenantID string, body []byte) (interface{}, error)

// RouterInterface defines the interface for a control router
type RouterInterface interface {
	Register(op Op, handler Handler)
	RegisterDefault(handler Handler)
	Route(ctx context.Context, subject string, body []byte) (interface{}, error)
}

var _ RouterInterface = (*Router)(nil)

// Router routes control requests to the handler registered for their operation.
type Router struct {
	prefix         string
	handlers       map[Op]Handler
	defaultHandler Handler
}

// NewRouter creates a Router for subjects under prefix.
func NewRouter(prefix string) *Router {
	return &Router{
		prefix:   strings.TrimSuffix(prefix, "."),
		handlers: make(map[Op]Handler),
	}
}

// Register registers a handler for an operation
func (r *Router) Register(op Op, handler Handler) {
	r.handlers[op] = handler
}

// RegisterDefault registers a handler for unknown operations
func (r *Router) RegisterDefault(handler Handler) {
	r.defaultHandler = handler
}

// Subject is the subject a tenant's operation is requested on.
func (r *Router) Subject(tenantID string, op Op) string {
	return r.prefix + "." + tenantID + "." + string(op)
}

// Wildcard matches every operation of every tenant.
func (r *Router) Wildcard() string {
	return r.prefix + ".*.*"
}

// Parse splits a subject into tenant and operation.
func (r *Router) Parse(subject string) (string, Op, error) {
	rest, ok := strings.CutPrefix(subject, r.prefix+".")
	if !ok {
		return "", "", fmt.Errorf("%w: subject %q outside %s", apperrors.ErrBadRequest, subject, r.prefix)
	}
	tenantID, op, ok := strings.Cut(rest, ".")
	if !ok || tenantID == "" || op == "" || strings.Contains(op, ".") {
		return "", "", fmt.Errorf("%w: malformed subject %q", apperrors.ErrBadRequest, subject)
	}
	return tenantID, Op(op), nil
}

// Route parses the subject, scopes ctx to the tenant and calls the operation's handler.
func (r *Router) Route(ctx context.Context, subject string, body []byte) (interface{}, error) {
	tenantID, op, err := r.Parse(subject)
	if err != nil {
		return nil, err
	}
	ctx = tenant.WithTenantID(ctx, tenantID)
	log := logger.FromContext(ctx).With(zap.String("op", string(op)))
	ctx = logger.WithLogger(ctx, log)

	log.Debug("Control request received", zap.Int("payload_size", len(body)))

	handler, ok := r.handlers[op]
	if !ok && r.defaultHandler != nil {
		log.Warn("No handler for operation, using default")
		return r.defaultHandler(ctx, tenantID, body)
	} else if !ok {
		return nil, fmt.Errorf("%w: unknown operation %q", apperrors.ErrBadRequest, op)
	}
	return handler(ctx, tenantID, body)
}
