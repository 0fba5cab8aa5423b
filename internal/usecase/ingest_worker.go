package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/cache"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/config"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/events"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/utils"
)

// Ingest task kinds, also used as metric labels.
const (
	IngestKindLive     = "live"
	IngestKindOutbound = "outbound"
)

// IngestTask is one message to persist outside the caller's goroutine.
type IngestTask struct {
	Ctx      context.Context // detached from the request that produced the message
	Kind     string
	TenantID string
	Message  model.Message
	// SenderName is the push name the platform attached to the message, if any.
	SenderName string
	// Publish emits a message event once the rows are stored.
	Publish bool
}

// Ingester persists live and outbound messages.
type Ingester interface {
	SubmitLive(ctx context.Context, tenantID string, msg model.HistoryMessage) error
	SubmitOutbound(ctx context.Context, tenantID string, msg model.Message) error
	Persist(task IngestTask) error
	WaitPending(ctx context.Context, tenantID, chatID string, timeout time.Duration) bool
	Stop()
}

// IngestWorker manages the worker pool that writes messages, chat activity and contacts.
type IngestWorker struct {
	pool        *ants.PoolWithFunc
	store       storage.Store
	known       *cache.KnownContacts
	publisher   events.Publisher
	groupSuffix string
	pending     *pendingWrites
	cfg         config.WorkerPoolConfig
	baseLogger  *zap.Logger
}

var _ Ingester = (*IngestWorker)(nil)

// NewIngestWorker creates and initializes the ingest worker pool.
func NewIngestWorker(
	cfg config.WorkerPoolConfig,
	store storage.Store,
	known *cache.KnownContacts,
	publisher events.Publisher,
	groupSuffix string,
	baseLogger *zap.Logger,
) (*IngestWorker, error) {
	worker := &IngestWorker{
		store:       store,
		known:       known,
		publisher:   publisher,
		groupSuffix: groupSuffix,
		pending:     newPendingWrites(),
		cfg:         cfg,
		baseLogger:  baseLogger.Named("ingest_worker"),
	}

	pool, err := ants.NewPoolWithFunc(cfg.PoolSize, func(i interface{}) {
		task, ok := i.(IngestTask)
		if !ok {
			worker.baseLogger.Error("Invalid task data type received", zap.Any("data", i))
			return
		}
		defer worker.pending.done(task.TenantID, task.Message.ChatID)
		_ = worker.Persist(task)
	},
		ants.WithExpiryDuration(cfg.ExpiryTime),
		ants.WithNonblocking(false),
		ants.WithMaxBlockingTasks(cfg.QueueSize),
		ants.WithPanicHandler(func(err interface{}) {
			worker.baseLogger.Error("Panic recovered in ingest worker", zap.Any("panic_error", err), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest worker pool: %w", err)
	}
	worker.pool = pool
	worker.baseLogger.Info("Ingest worker pool initialized",
		zap.Int("pool_size", cfg.PoolSize),
		zap.Int("queue_size", cfg.QueueSize),
		zap.Duration("expiry_time", cfg.ExpiryTime),
	)
	return worker, nil
}

// SubmitLive queues a message pushed by a ready handle.
func (w *IngestWorker) SubmitLive(ctx context.Context, tenantID string, msg model.HistoryMessage) error {
	return w.submit(IngestTask{
		Ctx:        tenant.Detach(ctx),
		Kind:       IngestKindLive,
		TenantID:   tenantID,
		Message:    toMessage(tenantID, msg),
		SenderName: msg.NotifyName,
		Publish:    true,
	})
}

// SubmitOutbound queues a message the dispatcher just sent. Reads of the same chat wait for it.
func (w *IngestWorker) SubmitOutbound(ctx context.Context, tenantID string, msg model.Message) error {
	return w.submit(IngestTask{
		Ctx:      tenant.Detach(ctx),
		Kind:     IngestKindOutbound,
		TenantID: tenantID,
		Message:  msg,
	})
}

func (w *IngestWorker) submit(task IngestTask) error {
	start := time.Now()
	observer.IncIngestTaskSubmitted(task.Kind)
	observer.SetIngestQueueLength(w.pool.Waiting())

	w.pending.add(task.TenantID, task.Message.ChatID)
	err := w.pool.Invoke(task)
	if err != nil {
		w.pending.done(task.TenantID, task.Message.ChatID)
		w.baseLogger.Warn("Failed to submit ingest task to pool",
			zap.String("message_id", task.Message.MessageID),
			zap.String("tenant_id", task.TenantID),
			zap.Duration("submit_duration", time.Since(start)),
			zap.Error(err),
		)
		observer.IncIngestTaskProcessed(task.Kind, "submit_error")
		if errors.Is(err, ants.ErrPoolOverload) {
			return fmt.Errorf("ingest pool overload: %w", err)
		}
		return fmt.Errorf("failed to invoke ingest task: %w", err)
	}
	return nil
}

// Persist writes a task synchronously: chat activity first, then the message, then the
// counterpart contact. It is also the fallback when the pool refuses a task.
func (w *IngestWorker) Persist(task IngestTask) error {
	if task.Ctx == nil {
		task.Ctx = context.Background()
	}
	ctx := tenant.WithTenantID(task.Ctx, task.TenantID)
	msg := task.Message
	log := logger.FromContextOr(ctx, w.baseLogger).With(
		zap.String("task_message_id", msg.MessageID),
		zap.String("task_kind", task.Kind),
	)
	status := "success"
	defer func() { observer.IncIngestTaskProcessed(task.Kind, status) }()

	if msg.MessageID == "" || msg.ChatID == "" {
		log.Warn("Skipping ingest task: message without id or chat")
		status = "skipped_invalid"
		return nil
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = utils.Now()
	}

	isGroup := utils.IsGroupID(msg.ChatID, w.groupSuffix)
	counterpart := utils.UserPart(msg.ChatID)
	lastAt := msg.Timestamp
	chat := model.Chat{
		TenantID:      task.TenantID,
		ChatID:        msg.ChatID,
		Counterpart:   counterpart,
		IsGroup:       isGroup,
		LastMessageAt: &lastAt,
	}
	if !isGroup && msg.IsInbound() {
		chat.Name = usableName(task.SenderName)
	}
	if chat.Name == "" {
		chat.Name = counterpart
	}
	if err := w.store.Chats.RecordActivity(ctx, chat, msg.IsInbound()); err != nil {
		log.Error("Failed to record chat activity", zap.Error(err))
		status = "failure_chat"
		return err
	}

	if err := w.store.Messages.BulkUpsert(ctx, []model.Message{msg}); err != nil {
		log.Error("Failed to store message", zap.Error(err))
		status = "failure_message"
		return err
	}

	if !isGroup && counterpart != "" {
		w.rememberContact(ctx, log, task.TenantID, counterpart, usableName(task.SenderName))
	}

	if task.Publish && w.publisher != nil {
		w.publisher.Publish(ctx, task.TenantID, model.EventMessage, model.MessagePayload{Message: msg})
	}
	log.Debug("Ingest task processed")
	return nil
}

// rememberContact upserts the counterpart unless it is already known and there is no name to add.
// Failures are logged only; the message itself is already stored.
func (w *IngestWorker) rememberContact(ctx context.Context, log *zap.Logger, tenantID, number, name string) {
	if name == "" && w.known != nil && w.known.MaybeKnown(tenantID, number) {
		return
	}
	contact := model.Contact{TenantID: tenantID, Number: number, Name: name, Origin: model.ContactOriginMessage}
	if err := w.store.Contacts.Upsert(ctx, []model.Contact{contact}); err != nil {
		log.Warn("Failed to upsert contact from message", zap.String("number", number), zap.Error(err))
		return
	}
	if w.known != nil {
		w.known.MarkKnown(tenantID, number)
	}
}

// WaitPending blocks until queued writes of a chat have finished, the timeout elapses or
// ctx ends. It reports whether the chat was drained.
func (w *IngestWorker) WaitPending(ctx context.Context, tenantID, chatID string, timeout time.Duration) bool {
	return w.pending.wait(ctx, tenantID, chatID, timeout)
}

// Stop releases the pool, waiting briefly for running tasks.
func (w *IngestWorker) Stop() {
	if err := w.pool.ReleaseTimeout(5 * time.Second); err != nil {
		w.baseLogger.Warn("Ingest pool did not drain in time", zap.Error(err))
	}
	w.baseLogger.Info("Ingest worker pool stopped")
}

type pendingEntry struct {
	n    int
	done chan struct{}
}

// pendingWrites counts queued writes per (tenant, chat).
type pendingWrites struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func newPendingWrites() *pendingWrites {
	return &pendingWrites{entries: make(map[string]*pendingEntry)}
}

func pendingKey(tenantID, chatID string) string {
	return tenantID + "|" + chatID
}

func (p *pendingWrites) add(tenantID, chatID string) {
	key := pendingKey(tenantID, chatID)
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[key]
	if e == nil {
		e = &pendingEntry{done: make(chan struct{})}
		p.entries[key] = e
	}
	e.n++
}

func (p *pendingWrites) done(tenantID, chatID string) {
	key := pendingKey(tenantID, chatID)
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[key]
	if e == nil {
		return
	}
	e.n--
	if e.n <= 0 {
		close(e.done)
		delete(p.entries, key)
	}
}

func (p *pendingWrites) wait(ctx context.Context, tenantID, chatID string, timeout time.Duration) bool {
	p.mu.Lock()
	e := p.entries[pendingKey(tenantID, chatID)]
	p.mu.Unlock()
	if e == nil {
		return true
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
