package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/cache"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/config"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/driver"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/events"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/pairing"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/poll"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/utils"
)

const directoryChunkSize = 100

// Notes attached to sync-complete.
const (
	NoteReadinessTimeout = "client did not report readiness in time; no conversations could be read"
	NoteProceededUnready = "client did not report readiness in time; synced what it listed"
	NoteHandleGone       = "session ended during sync; partial results kept"
	NoteAborted          = "sync aborted; partial results kept"
)

// HandleBorrower lends a ready handle together with its generation.
type HandleBorrower interface {
	Borrow(tenantID string) (driver.Handle, uint64, error)
	Alive(tenantID string, gen uint64) bool
}

// SyncResult summarizes one SyncAll run.
type SyncResult struct {
	// Skipped is set when another sync of the tenant was already running.
	Skipped       bool
	Conversations int
	Messages      int
	Contacts      int
	Note          string
	Readiness     poll.Outcome
}

// SyncEngine walks a ready handle's conversations into the store.
type SyncEngine struct {
	cfg         config.SyncConfig
	groupSuffix string
	sessions    HandleBorrower
	store       storage.Store
	publisher   events.Publisher
	known       *cache.KnownContacts
	locks       *keyedLocks
	now         func() time.Time
	log         *zap.Logger
}

// NewSyncEngine creates a SyncEngine. known may be nil.
func NewSyncEngine(
	cfg config.SyncConfig,
	groupSuffix string,
	sessions HandleBorrower,
	store storage.Store,
	publisher events.Publisher,
	known *cache.KnownContacts,
	baseLogger *zap.Logger,
) *SyncEngine {
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = time.Minute
	}
	if cfg.HistoryBatchSize <= 0 {
		cfg.HistoryBatchSize = 50
	}
	if cfg.HistoryMaxAttempts <= 0 {
		cfg.HistoryMaxAttempts = 20
	}
	if cfg.BatchRetryAttempts <= 0 {
		cfg.BatchRetryAttempts = 3
	}
	if cfg.ContactConcurrency <= 0 {
		cfg.ContactConcurrency = 4
	}
	return &SyncEngine{
		cfg:         cfg,
		groupSuffix: groupSuffix,
		sessions:    sessions,
		store:       store,
		publisher:   publisher,
		known:       known,
		locks:       newKeyedLocks(),
		now:         utils.Now,
		log:         baseLogger.Named("sync_engine"),
	}
}

// syncRun carries the running totals of one walk.
type syncRun struct {
	tenantID      string
	gen           uint64
	handle        driver.Handle
	conversations int
	messages      int
	contactsMu    sync.Mutex
	contacts      map[string]struct{}
}

func (r *syncRun) addContacts(numbers ...string) {
	r.contactsMu.Lock()
	defer r.contactsMu.Unlock()
	for _, n := range numbers {
		r.contacts[n] = struct{}{}
	}
}

func (r *syncRun) contactCount() int {
	r.contactsMu.Lock()
	defer r.contactsMu.Unlock()
	return len(r.contacts)
}

func (r *syncRun) complete(note string) model.SyncCompletePayload {
	return model.SyncCompletePayload{
		Conversations: r.conversations,
		Messages:      r.messages,
		Contacts:      r.contactCount(),
		Note:          note,
	}
}

// SyncAll performs a full sync of the tenant. A call made while another sync of the same
// tenant runs returns at once with Skipped set. Once the walk starts, every outcome ends in a
// sync-complete event, carrying a note when the walk was cut short.
func (e *SyncEngine) SyncAll(ctx context.Context, tenantID string) (SyncResult, error) {
	if !e.locks.TryLock(tenantID) {
		e.log.Debug("Sync already running, skipping", zap.String("tenant_id", tenantID))
		return SyncResult{Skipped: true}, nil
	}
	defer e.locks.Unlock(tenantID)

	ctx = tenant.WithTenantID(ctx, tenantID)
	log := logger.FromContextOr(ctx, e.log)

	h, gen, err := e.sessions.Borrow(tenantID)
	if err != nil {
		return SyncResult{}, err
	}

	start := time.Now()
	run := &syncRun{tenantID: tenantID, gen: gen, handle: h, contacts: make(map[string]struct{})}
	res, err := e.walk(ctx, run)
	status := "success"
	switch {
	case err != nil:
		status = "failure"
	case res.Note != "":
		status = "partial"
	}
	observer.ObserveSync(tenantID, status, time.Since(start), run.messages)

	if err != nil {
		note := NoteAborted
		if errors.Is(err, apperrors.ErrHandleGone) {
			note = NoteHandleGone
		}
		log.Error("Sync failed", zap.Error(err), zap.Int("conversations", run.conversations), zap.Int("messages", run.messages))
		e.publisher.Publish(ctx, tenantID, model.EventSyncError, model.ErrorPayload{Reason: err.Error()})
		payload := run.complete(note)
		e.publisher.Publish(ctx, tenantID, model.EventSyncComplete, payload)
		return SyncResult{Conversations: payload.Conversations, Messages: payload.Messages, Contacts: payload.Contacts, Note: note, Readiness: res.Readiness}, err
	}
	return res, nil
}

func (e *SyncEngine) walk(ctx context.Context, run *syncRun) (SyncResult, error) {
	log := logger.FromContextOr(ctx, e.log)
	res := SyncResult{}

	if err := e.wipeIfStale(ctx, run.tenantID); err != nil {
		return res, err
	}

	res.Readiness = e.awaitReadiness(ctx, run)
	switch res.Readiness {
	case poll.Cancelled:
		if err := ctx.Err(); err != nil {
			return res, err
		}
		return res, fmt.Errorf("%w: while waiting for readiness", apperrors.ErrHandleGone)
	case poll.TimedOut:
		log.Warn("Readiness probe timed out, proceeding anyway", zap.Duration("ceiling", e.cfg.ReadinessTimeout))
		res.Note = NoteProceededUnready
	}

	var conversations []model.Conversation
	err := e.withBatchRetry(ctx, run, "list conversations", func() error {
		var listErr error
		conversations, listErr = run.handle.ListConversations(ctx)
		return listErr
	})
	if err != nil {
		return res, fmt.Errorf("list conversations: %w", err)
	}

	if len(conversations) == 0 && res.Readiness == poll.TimedOut {
		res.Note = NoteReadinessTimeout
		e.publisher.Publish(ctx, run.tenantID, model.EventSyncComplete, run.complete(res.Note))
		return res, nil
	}

	total := len(conversations)
	log.Info("Sync started", zap.Int("conversations", total))
	for i, conv := range conversations {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !e.sessions.Alive(run.tenantID, run.gen) {
			return res, fmt.Errorf("%w: after %d of %d conversations", apperrors.ErrHandleGone, i, total)
		}
		name, err := e.syncConversation(ctx, run, conv)
		if err != nil {
			return res, err
		}
		run.conversations++
		e.publisher.Publish(ctx, run.tenantID, model.EventSyncProgress, model.SyncProgressPayload{
			Current:     i + 1,
			Total:       total,
			Messages:    run.messages,
			Contacts:    run.contactCount(),
			CurrentName: name,
		})
	}

	e.enrichFromDirectory(ctx, run)

	now := e.now()
	if err := e.store.Sessions.SetLastSync(ctx, &now); err != nil {
		return res, fmt.Errorf("record last sync: %w", err)
	}

	payload := run.complete(res.Note)
	e.publisher.Publish(ctx, run.tenantID, model.EventSyncComplete, payload)
	log.Info("Sync completed",
		zap.Int("conversations", payload.Conversations),
		zap.Int("messages", payload.Messages),
		zap.Int("contacts", payload.Contacts),
	)
	res.Conversations, res.Messages, res.Contacts = payload.Conversations, payload.Messages, payload.Contacts
	return res, nil
}

// wipeIfStale re-checks the stale orphan rule before any data is written.
func (e *SyncEngine) wipeIfStale(ctx context.Context, tenantID string) error {
	session, err := e.store.Sessions.Find(ctx)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !pairing.StaleOrphan(session.LinkedAccount, session.LastSyncAt, e.now(), e.cfg.StaleSyncAfter) {
		return nil
	}
	if err := e.store.Wiper.WipeTenantData(ctx); err != nil {
		return fmt.Errorf("wipe stale data: %w", err)
	}
	if e.known != nil {
		e.known.Reset(tenantID)
	}
	observer.IncDataWipe(pairing.WipeStaleOrphan)
	logger.FromContextOr(ctx, e.log).Info("Stale orphan data wiped before sync")
	return nil
}

// awaitReadiness polls the handle's bulk-read probe. A handle that goes away cancels the poll.
func (e *SyncEngine) awaitReadiness(ctx context.Context, run *syncRun) poll.Outcome {
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	probe := func(ctx context.Context) (bool, error) {
		if !e.sessions.Alive(run.tenantID, run.gen) {
			cancel()
			return false, apperrors.ErrHandleGone
		}
		return run.handle.Probe(ctx)
	}
	cfg := poll.Config{
		InitialInterval: e.cfg.ReadinessInitialInterval,
		MaxInterval:     e.cfg.ReadinessMaxInterval,
		Ceiling:         e.cfg.ReadinessTimeout,
	}
	log := logger.FromContextOr(ctx, e.log)
	result := poll.Until(pollCtx, cfg, probe, func(attempt int, err error, wait time.Duration) {
		log.Debug("Handle not ready for bulk reads yet", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	})
	observer.ObserveReadinessWait(result.Outcome.String(), result.Elapsed)
	return result.Outcome
}

// syncConversation upserts one conversation, its counterpart contact and its full history.
// A history that cannot be read is logged and skipped; only store failures abort the walk.
func (e *SyncEngine) syncConversation(ctx context.Context, run *syncRun, conv model.Conversation) (string, error) {
	log := logger.FromContextOr(ctx, e.log).With(zap.String("chat_id", conv.ID))
	number := utils.UserPart(conv.ID)
	isGroup := conv.IsGroup || utils.IsGroupID(conv.ID, e.groupSuffix)

	directoryName := ""
	if !isGroup {
		if c, err := e.store.Contacts.FindByNumber(ctx, number); err == nil {
			directoryName = c.Name
		} else if !errors.Is(err, apperrors.ErrNotFound) {
			log.Debug("Contact lookup failed", zap.Error(err))
		}
	}
	name := ResolveDisplayName(conv, directoryName)

	chat := model.Chat{
		TenantID:    run.tenantID,
		ChatID:      conv.ID,
		Counterpart: number,
		Name:        name,
		IsGroup:     isGroup,
		UnreadCount: conv.UnreadCount,
	}
	if isGroup {
		chat.GroupName = usableName(conv.Name)
	}
	if conv.Timestamp > 0 {
		ts := utils.UnixToTime(conv.Timestamp)
		chat.LastMessageAt = &ts
	}
	if err := e.store.Chats.UpsertFromSync(ctx, []model.Chat{chat}); err != nil {
		return name, fmt.Errorf("upsert chat %s: %w", conv.ID, err)
	}

	if !isGroup && number != "" {
		contactName := name
		if contactName == number {
			contactName = ""
		}
		contact := model.Contact{TenantID: run.tenantID, Number: number, Name: contactName, Origin: model.ContactOriginConversation}
		if err := e.store.Contacts.Upsert(ctx, []model.Contact{contact}); err != nil {
			return name, fmt.Errorf("upsert contact %s: %w", number, err)
		}
		run.addContacts(number)
		if e.known != nil {
			e.known.MarkKnown(run.tenantID, number)
		}
	}

	history, err := e.fetchHistory(ctx, run, conv.ID)
	if err != nil {
		if errors.Is(err, apperrors.ErrHandleGone) {
			return name, err
		}
		log.Warn("History incomplete, keeping what was read", zap.Int("read", len(history)), zap.Error(err))
	}
	if len(history) == 0 {
		return name, nil
	}

	messages := make([]model.Message, 0, len(history))
	for _, hm := range history {
		if hm.ChatID == "" {
			hm.ChatID = conv.ID
		}
		messages = append(messages, toMessage(run.tenantID, hm))
	}
	if err := e.store.Messages.BulkUpsert(ctx, messages); err != nil {
		return name, fmt.Errorf("store history of %s: %w", conv.ID, err)
	}
	run.messages += len(messages)
	return name, nil
}

// fetchHistory reads a conversation's messages with a growing limit until a batch comes back
// short or the attempt ceiling is hit. Results are merged by message id, oldest first.
func (e *SyncEngine) fetchHistory(ctx context.Context, run *syncRun, conversationID string) ([]model.HistoryMessage, error) {
	seen := make(map[string]struct{})
	var out []model.HistoryMessage
	limit := e.cfg.HistoryBatchSize

	for attempt := 1; attempt <= e.cfg.HistoryMaxAttempts; attempt++ {
		var batch []model.HistoryMessage
		err := e.withBatchRetry(ctx, run, "fetch history", func() error {
			var fetchErr error
			batch, fetchErr = run.handle.FetchHistory(ctx, conversationID, limit)
			return fetchErr
		})
		if err != nil {
			return out, err
		}
		for _, m := range batch {
			if m.ID == "" {
				continue
			}
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
		if len(batch) < limit {
			break
		}
		limit += e.cfg.HistoryBatchSize
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// withBatchRetry retries a handle read a fixed number of times. A handle that went away stops
// the retries at once.
func (e *SyncEngine) withBatchRetry(ctx context.Context, run *syncRun, op string, fn func() error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.BatchRetryInterval), uint64(e.cfg.BatchRetryAttempts-1)),
		ctx,
	)
	operation := func() error {
		if !e.sessions.Alive(run.tenantID, run.gen) {
			return backoff.Permanent(fmt.Errorf("%w: %s", apperrors.ErrHandleGone, op))
		}
		err := fn()
		if errors.Is(err, apperrors.ErrHandleGone) || errors.Is(err, driver.ErrUnsupported) {
			return backoff.Permanent(err)
		}
		return err
	}
	log := logger.FromContextOr(ctx, e.log)
	return backoff.RetryNotify(operation, b, func(err error, wait time.Duration) {
		log.Debug("Handle read failed, retrying", zap.String("operation", op), zap.Duration("wait", wait), zap.Error(err))
	})
}

// enrichFromDirectory adds names from the account's contact directory. Entries without a
// usable name are skipped, and a handle without a directory is not an error.
func (e *SyncEngine) enrichFromDirectory(ctx context.Context, run *syncRun) {
	log := logger.FromContextOr(ctx, e.log)
	var directory []model.DirectoryContact
	err := e.withBatchRetry(ctx, run, "list contacts", func() error {
		var listErr error
		directory, listErr = run.handle.ListContacts(ctx)
		return listErr
	})
	if errors.Is(err, driver.ErrUnsupported) {
		log.Debug("Contact directory not available")
		return
	}
	if err != nil {
		log.Warn("Contact directory enrichment skipped", zap.Error(err))
		return
	}

	contacts := make([]model.Contact, 0, len(directory))
	for _, d := range directory {
		number := utils.DigitsOnly(utils.UserPart(d.Number))
		name := usableName(d.Name)
		if name == "" {
			name = usableName(d.PushName)
		}
		if number == "" || name == "" {
			continue
		}
		contacts = append(contacts, model.Contact{
			TenantID:   run.tenantID,
			Number:     number,
			Name:       name,
			AvatarRef:  d.AvatarRef,
			IsBusiness: d.IsBusiness,
			Origin:     model.ContactOriginDirectory,
		})
	}
	if len(contacts) == 0 {
		return
	}

	p := pool.New().WithMaxGoroutines(e.cfg.ContactConcurrency).WithContext(ctx)
	for start := 0; start < len(contacts); start += directoryChunkSize {
		chunk := contacts[start:min(start+directoryChunkSize, len(contacts))]
		p.Go(func(ctx context.Context) error {
			if err := e.store.Contacts.Upsert(ctx, chunk); err != nil {
				return err
			}
			numbers := make([]string, len(chunk))
			for i, c := range chunk {
				numbers[i] = c.Number
			}
			run.addContacts(numbers...)
			if e.known != nil {
				e.known.MarkKnown(run.tenantID, numbers...)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		log.Warn("Some directory contacts were not stored", zap.Error(err))
	}
}
