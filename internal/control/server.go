package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/utils"
)

// HeaderRequestID carries the caller's request id.
const HeaderRequestID = "X-Request-ID"

// Error codes set in jetstream.HeaderError.
const (
	CodeBadRequest     = "bad_request"
	CodeNotReady       = "not_ready"
	CodePolicy         = "policy"
	CodeInitInProgress = "init_in_progress"
	CodeNotFound       = "not_found"
	CodeAuth           = "auth"
	CodeTimeout        = "timeout"
	CodeInternal       = "internal"
)

// ErrorCode maps an error to the code a caller can branch on.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrValidation), errors.Is(err, apperrors.ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, apperrors.ErrNotReady):
		return CodeNotReady
	case errors.Is(err, apperrors.ErrPolicyViolation):
		return CodePolicy
	case errors.Is(err, apperrors.ErrInitInProgress):
		return CodeInitInProgress
	case errors.Is(err, apperrors.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, apperrors.ErrAuthFailure):
		return CodeAuth
	case errors.Is(err, apperrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	}
	return CodeInternal
}

// Server answers control requests arriving on NATS. Each request is served in its own
// goroutine so a slow pairing does not hold up other tenants.
type Server struct {
	client  jetstream.ClientInterface
	router  *Router
	timeout time.Duration
	respond func(req, reply *nats.Msg) error

	mu      sync.Mutex
	sub     *nats.Subscription
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
	log     *zap.Logger
}

// NewServer creates a Server. timeout bounds each request.
func NewServer(client jetstream.ClientInterface, router *Router, timeout time.Duration, baseLogger *zap.Logger) *Server {
	if timeout <= 0 {
		timeout = time.Minute
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		client:  client,
		router:  router,
		timeout: timeout,
		respond: func(req, reply *nats.Msg) error { return req.RespondMsg(reply) },
		baseCtx: baseCtx,
		cancel:  cancel,
		log:     baseLogger.Named("control"),
	}
}

// Start subscribes to every control subject.
func (s *Server) Start() error {
	sub, err := s.client.Subscribe(s.router.Wildcard(), s.handle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	s.log.Info("Control server listening", zap.String("subject", s.router.Wildcard()))
	return nil
}

func (s *Server) handle(msg *nats.Msg) {
	s.wg.Add(1)
	utils.GoWithContext(s.baseCtx, "control request", func(ctx context.Context) {
		defer s.wg.Done()
		s.serve(ctx, msg)
	})
}

func (s *Server) serve(ctx context.Context, msg *nats.Msg) {
	requestID := msg.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx = tenant.WithRequestID(ctx, requestID)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	result, err := s.router.Route(ctx, msg.Subject, msg.Data)
	reply := buildReply(result, err)

	op := "unknown"
	if _, parsed, perr := s.router.Parse(msg.Subject); perr == nil {
		op = string(parsed)
	}
	code := reply.Header.Get(jetstream.HeaderError)
	if code == "" {
		code = "ok"
	}
	observer.ObserveControlRequest(op, code, time.Since(start))

	log := logger.FromContextOr(ctx, s.log)
	if err != nil {
		log.Info("Control request failed", zap.String("subject", msg.Subject), zap.String("code", code), zap.Error(err))
	}
	if msg.Reply == "" {
		return
	}
	reply.Header.Set(HeaderRequestID, requestID)
	if err := s.respond(msg, reply); err != nil {
		log.Warn("Failed to send control reply", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

// buildReply encodes a handler outcome. Errors travel as jetstream.HeaderError plus the
// message text, the same convention the automation sidecar uses.
func buildReply(result interface{}, err error) *nats.Msg {
	reply := nats.NewMsg("")
	if err != nil {
		reply.Header.Set(jetstream.HeaderError, ErrorCode(err))
		reply.Data = []byte(err.Error())
		return reply
	}
	data, mErr := json.Marshal(result)
	if mErr != nil {
		reply.Header.Set(jetstream.HeaderError, CodeInternal)
		reply.Data = []byte(mErr.Error())
		return reply
	}
	reply.Data = data
	return reply
}

// Stop unsubscribes and waits for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			s.log.Warn("Failed to unsubscribe control subjects", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("Control requests still running at shutdown deadline")
	}
	s.cancel()
	s.log.Info("Control server stopped")
}
