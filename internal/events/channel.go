package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/config"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/utils"
)

const (
	defaultSinkTimeout = 5 * time.Second
	defaultSinkWorkers = 128
	defaultSinkQueue   = 256
)

// Publisher publishes named events on a tenant's stream.
type Publisher interface {
	Publish(ctx context.Context, tenantID string, eventType model.EventType, payload interface{}) model.Event
}

// Sink forwards events to an external broker.
type Sink interface {
	Name() string
	Send(ctx context.Context, event model.Event) error
	Close() error
}

type queuedEvent struct {
	ctx   context.Context
	event model.Event
}

// tenantQueue holds a tenant's events waiting for the sinks. At most one worker drains it.
type tenantQueue struct {
	events   []queuedEvent
	draining bool
}

// Channel is the per-tenant Event Channel. In-process subscribers get events through a
// buffered channel; a full subscriber loses the event instead of blocking the publisher.
// Sink delivery runs on a worker pool, in publish order per tenant.
type Channel struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan model.Event
	nextID uint64

	sinks       []Sink
	buffer      int
	sinkTimeout time.Duration
	log         *zap.Logger

	pool      *ants.PoolWithFunc
	queueMu   sync.Mutex
	queues    map[string]*tenantQueue
	queueSize int
	closed    bool
	inflight  sync.WaitGroup
}

var _ Publisher = (*Channel)(nil)

// NewChannel creates a Channel that fans out to in-process subscribers and the given sinks.
func NewChannel(cfg config.EventsConfig, sinks ...Sink) (*Channel, error) {
	if cfg.HubBuffer <= 0 {
		cfg.HubBuffer = 64
	}
	if cfg.SinkWorkers <= 0 {
		cfg.SinkWorkers = defaultSinkWorkers
	}
	if cfg.SinkQueue <= 0 {
		cfg.SinkQueue = defaultSinkQueue
	}
	c := &Channel{
		subs:        make(map[string]map[uint64]chan model.Event),
		sinks:       sinks,
		buffer:      cfg.HubBuffer,
		sinkTimeout: defaultSinkTimeout,
		log:         logger.Log.Named("event_channel"),
		queues:      make(map[string]*tenantQueue),
		queueSize:   cfg.SinkQueue,
	}
	if len(sinks) == 0 {
		return c, nil
	}

	pool, err := ants.NewPoolWithFunc(cfg.SinkWorkers, func(i interface{}) {
		tenantID, ok := i.(string)
		if !ok {
			c.log.Error("Invalid sink task data type received", zap.Any("data", i))
			return
		}
		c.drain(tenantID)
	},
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(err interface{}) {
			c.log.Error("Panic recovered in sink worker", zap.Any("panic_error", err), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sink worker pool: %w", err)
	}
	c.pool = pool
	return c, nil
}

// Subscribe registers a subscriber for one tenant. The returned func unsubscribes and
// closes the channel.
func (c *Channel) Subscribe(tenantID string) (<-chan model.Event, func()) {
	ch := make(chan model.Event, c.buffer)

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.subs[tenantID] == nil {
		c.subs[tenantID] = make(map[uint64]chan model.Event)
	}
	c.subs[tenantID][id] = ch
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			// Close may already have released it.
			if _, ok := c.subs[tenantID][id]; !ok {
				return
			}
			delete(c.subs[tenantID], id)
			if len(c.subs[tenantID]) == 0 {
				delete(c.subs, tenantID)
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Publish stamps and delivers an event. Sink delivery is queued and never blocks the caller;
// sink failures are logged and counted.
func (c *Channel) Publish(ctx context.Context, tenantID string, eventType model.EventType, payload interface{}) model.Event {
	event := model.Event{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: utils.Now(),
	}

	c.mu.RLock()
	for _, ch := range c.subs[tenantID] {
		select {
		case ch <- event:
		default:
			observer.IncEventDropped(string(eventType))
			c.log.Warn("Subscriber buffer full, event dropped",
				zap.String("tenant_id", tenantID),
				zap.String("event", string(eventType)),
			)
		}
	}
	c.mu.RUnlock()
	observer.IncEventPublished(string(eventType), "hub", nil)

	if len(c.sinks) > 0 {
		c.enqueue(ctx, event)
	}
	return event
}

// enqueue appends an event to its tenant's sink queue and starts a drain when none runs.
func (c *Channel) enqueue(ctx context.Context, event model.Event) {
	tenantID := event.TenantID
	c.queueMu.Lock()
	if c.closed {
		c.queueMu.Unlock()
		return
	}
	q := c.queues[tenantID]
	if q == nil {
		q = &tenantQueue{}
		c.queues[tenantID] = q
	}
	if len(q.events) >= c.queueSize {
		c.queueMu.Unlock()
		observer.IncEventDropped(string(event.Type))
		c.log.Warn("Sink backlog full, event dropped",
			zap.String("tenant_id", tenantID),
			zap.String("event", string(event.Type)),
		)
		return
	}
	q.events = append(q.events, queuedEvent{ctx: tenant.Detach(ctx), event: event})
	if q.draining {
		c.queueMu.Unlock()
		return
	}
	q.draining = true
	c.inflight.Add(1)
	c.queueMu.Unlock()

	if err := c.pool.Invoke(tenantID); err != nil {
		c.inflight.Done()
		c.queueMu.Lock()
		dropped := q.events
		delete(c.queues, tenantID)
		c.queueMu.Unlock()
		for _, qe := range dropped {
			observer.IncEventDropped(string(qe.event.Type))
		}
		c.log.Warn("Sink workers busy, tenant backlog dropped",
			zap.String("tenant_id", tenantID),
			zap.Int("dropped", len(dropped)),
			zap.Error(err),
		)
	}
}

// drain forwards a tenant's queued events one at a time until the queue is empty.
func (c *Channel) drain(tenantID string) {
	defer c.inflight.Done()
	for {
		c.queueMu.Lock()
		q := c.queues[tenantID]
		if q == nil || len(q.events) == 0 {
			delete(c.queues, tenantID)
			c.queueMu.Unlock()
			return
		}
		next := q.events[0]
		q.events = q.events[1:]
		c.queueMu.Unlock()

		c.forward(next.ctx, next.event)
	}
}

func (c *Channel) forward(ctx context.Context, event model.Event) {
	sinkCtx, cancel := context.WithTimeout(ctx, c.sinkTimeout)
	defer cancel()
	for _, sink := range c.sinks {
		err := sink.Send(sinkCtx, event)
		observer.IncEventPublished(string(event.Type), sink.Name(), err)
		if err != nil {
			logger.FromContextOr(ctx, c.log).Warn("Failed to forward event to sink",
				zap.String("sink", sink.Name()),
				zap.String("event", string(event.Type)),
				zap.Error(err),
			)
		}
	}
}

// SubscriberCount returns the number of live subscribers of a tenant.
func (c *Channel) SubscriberCount(tenantID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs[tenantID])
}

// Close closes every subscriber channel, waits for queued sink deliveries until ctx ends,
// then closes every sink.
func (c *Channel) Close(ctx context.Context) error {
	c.queueMu.Lock()
	c.closed = true
	c.queueMu.Unlock()

	drained := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		logger.FromContext(ctx).Warn("Event sinks did not drain in time", zap.Error(ctx.Err()))
	}
	if c.pool != nil {
		c.pool.Release()
	}

	c.mu.Lock()
	for tenantID, subs := range c.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(c.subs, tenantID)
	}
	c.mu.Unlock()

	var firstErr error
	for _, sink := range c.sinks {
		if err := sink.Close(); err != nil {
			logger.FromContext(ctx).Warn("Failed to close event sink", zap.String("sink", sink.Name()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
