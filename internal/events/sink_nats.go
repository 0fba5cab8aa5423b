package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
)

// Subject returns the broker subject of an event: <prefix>.<tenant>.<event>.
func Subject(prefix, tenantID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s", prefix, tenantID, eventType)
}

// NATSSink forwards events to a JetStream stream.
type NATSSink struct {
	client jetstream.ClientInterface
	prefix string
}

var _ Sink = (*NATSSink)(nil)

// NewNATSSink ensures the event stream exists and returns a sink publishing into it.
func NewNATSSink(ctx context.Context, client jetstream.ClientInterface, stream, prefix string, maxAgeHours int) (*NATSSink, error) {
	cfg := &nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{prefix + ".>"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    time.Duration(maxAgeHours) * time.Hour,
	}
	if err := client.SetupStream(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to set up event stream: %w", err)
	}
	return &NATSSink{client: client, prefix: prefix}, nil
}

func (s *NATSSink) Name() string { return "nats" }

// Send publishes the event as JSON. The event id doubles as the JetStream dedupe id.
func (s *NATSSink) Send(ctx context.Context, event model.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: marshal event: %w", apperrors.ErrBadRequest, err)
	}
	headers := map[string]string{
		nats.MsgIdHdr: event.ID,
		"X-Tenant-ID": event.TenantID,
	}
	return s.client.Publish(ctx, Subject(s.prefix, event.TenantID, event.Type), body, headers)
}

// Close is a no-op; the NATS connection is owned by main.
func (s *NATSSink) Close() error { return nil }
