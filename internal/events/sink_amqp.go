package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/logger"
)

// amqpChannel is the subset of *amqp.Channel the sink uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink forwards events to a RabbitMQ topic exchange with routing key <tenant>.<event>.
type AMQPSink struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
	reopen   func() (amqpChannel, error)
}

var _ Sink = (*AMQPSink)(nil)

// DialAMQP connects with exponential backoff until ctx is done.
func DialAMQP(ctx context.Context, url string) (*amqp.Connection, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = time.Minute

	return backoff.RetryNotifyWithData(func() (*amqp.Connection, error) {
		return amqp.Dial(url)
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		logger.FromContext(ctx).Warn("RabbitMQ dial failed, retrying", zap.Error(err), zap.Duration("after", d))
	})
}

// NewAMQPSink declares the durable topic exchange and opens the publishing channel.
func NewAMQPSink(conn *amqp.Connection, exchange string) (*AMQPSink, error) {
	setup, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer setup.Close()
	if err := setup.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	open := func() (amqpChannel, error) { return conn.Channel() }
	ch, err := open()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &AMQPSink{conn: conn, ch: ch, exchange: exchange, reopen: open}, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

// Send publishes the event as a persistent JSON message. A closed channel is reopened once.
func (s *AMQPSink) Send(ctx context.Context, event model.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: marshal event: %w", apperrors.ErrBadRequest, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.Timestamp,
		Type:         string(event.Type),
		Headers:      amqp.Table{"tenant_id": event.TenantID},
		Body:         body,
	}
	key := event.TenantID + "." + string(event.Type)

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.ch.PublishWithContext(ctx, s.exchange, key, false, false, msg)
	if errors.Is(err, amqp.ErrClosed) && s.reopen != nil {
		ch, openErr := s.reopen()
		if openErr != nil {
			return fmt.Errorf("reopen channel: %w", openErr)
		}
		s.ch = ch
		err = s.ch.PublishWithContext(ctx, s.exchange, key, false, false, msg)
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

// Close closes the channel and the connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
