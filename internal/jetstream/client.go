package jetstream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/logger"
)

// HeaderError is set on driver replies that carry an error instead of a result.
const HeaderError = "X-Error-Code"

// Client wraps the NATS connection and its JetStream context
type Client struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Ensure Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

// NewClient connects to NATS and creates a JetStream context
func NewClient(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("daisi-wa-session-orchestrator"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, s *nats.Subscription, err error) {
			subject := ""
			if s != nil {
				subject = s.Subject
			}
			logger.Log.Error("NATS error", zap.String("subject", subject), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to NATS: %w", apperrors.ErrNATS, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: failed to create JetStream context: %w", apperrors.ErrNATS, err)
	}

	return &Client{nc: nc, js: js}, nil
}

// SetupStream ensures the stream exists with the given configuration
func (c *Client) SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error {
	log := logger.FromContext(ctx).With(zap.String("stream", streamConfig.Name))

	stream, err := c.js.StreamInfo(streamConfig.Name, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("%w: failed to get stream info for '%s': %w", apperrors.ErrNATS, streamConfig.Name, err)
	}

	if stream == nil {
		if _, err = c.js.AddStream(streamConfig, nats.Context(ctx)); err != nil {
			return fmt.Errorf("%w: failed to add stream '%s': %w", apperrors.ErrNATS, streamConfig.Name, err)
		}
		log.Info("Created stream", zap.Strings("subjects", streamConfig.Subjects))
		return nil
	}

	if streamConfigEqual(stream.Config, *streamConfig) {
		log.Debug("Stream config unchanged")
		return nil
	}
	if _, err = c.js.UpdateStream(streamConfig, nats.Context(ctx)); err != nil {
		return fmt.Errorf("%w: failed to update stream '%s': %w", apperrors.ErrNATS, streamConfig.Name, err)
	}
	log.Info("Updated stream", zap.Strings("subjects", streamConfig.Subjects))
	return nil
}

// streamConfigEqual compares the fields this service manages.
func streamConfigEqual(current, desired nats.StreamConfig) bool {
	a := slices.Clone(current.Subjects)
	b := slices.Clone(desired.Subjects)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b) &&
		current.MaxAge == desired.MaxAge &&
		current.Storage == desired.Storage &&
		current.Retention == desired.Retention
}

func newMsg(subject string, data []byte, headers map[string]string) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	return msg
}

// Publish publishes a message to a subject with optional headers
func (c *Client) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	if _, err := c.js.PublishMsg(newMsg(subject, data, headers), nats.Context(ctx)); err != nil {
		return fmt.Errorf("%w: failed to publish to %s: %w", apperrors.ErrNATS, subject, err)
	}
	return nil
}

// Request performs a core NATS request/reply. A reply carrying HeaderError is returned as an
// error holding the code and the reply body.
func (c *Client) Request(ctx context.Context, subject string, data []byte, headers map[string]string) ([]byte, error) {
	reply, err := c.nc.RequestMsgWithContext(ctx, newMsg(subject, data, headers))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("%w: request %s: %w", apperrors.ErrTimeout, subject, err)
		}
		return nil, fmt.Errorf("%w: request %s: %w", apperrors.ErrNATS, subject, err)
	}
	if code := reply.Header.Get(HeaderError); code != "" {
		return reply.Data, &ReplyError{Code: code, Message: string(reply.Data)}
	}
	return reply.Data, nil
}

// Subscribe creates a core NATS subscription
func (c *Client) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.nc.Subscribe(subject, handler)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to subscribe to %s: %w", apperrors.ErrNATS, subject, err)
	}
	return sub, nil
}

// NatsConn returns the underlying *nats.Conn
func (c *Client) NatsConn() *nats.Conn {
	return c.nc
}

// Close drains the NATS connection, falling back to a hard close.
func (c *Client) Close() {
	if c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		logger.Log.Warn("NATS drain failed, closing", zap.Error(err))
		c.nc.Close()
	}
}

// ReplyError is an application error returned by the remote side of a request.
type ReplyError struct {
	Code    string
	Message string
}

func (e *ReplyError) Error() string {
	if e.Message == "" {
		return "remote error " + e.Code
	}
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}
