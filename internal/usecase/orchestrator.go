package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/cache"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/utils"
)

// Status is what a caller needs to render a tenant's session without replaying past events.
type Status struct {
	TenantID      string     `json:"tenant_id"`
	State         string     `json:"state"`
	Ready         bool       `json:"ready"`
	Active        bool       `json:"active"`
	LinkedAccount string     `json:"linked_account,omitempty"`
	PushName      string     `json:"push_name,omitempty"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	PairingCode   string     `json:"pairing_code,omitempty"`
	InitInFlight  bool       `json:"init_in_flight"`
	ReinitPending bool       `json:"reinit_pending"`
	Conversations int64      `json:"conversations"`
	Messages      int64      `json:"messages"`
	Contacts      int64      `json:"contacts"`
}

// Orchestrator is the control surface used by the HTTP layer and other callers.
type Orchestrator struct {
	sessions       *SessionManager
	syncer         *SyncEngine
	dispatcher     *Dispatcher
	ingest         Ingester
	store          storage.Store
	codes          cache.CodeCache
	persistTimeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *zap.Logger
}

// NewOrchestrator wires the components together: a handle reaching Ready starts a background
// sync, live messages go to the ingester and wipes reset the known-contacts filter.
func NewOrchestrator(
	sessions *SessionManager,
	syncer *SyncEngine,
	dispatcher *Dispatcher,
	ingest Ingester,
	store storage.Store,
	codes cache.CodeCache,
	known *cache.KnownContacts,
	persistTimeout time.Duration,
	baseLogger *zap.Logger,
) *Orchestrator {
	baseCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		sessions:       sessions,
		syncer:         syncer,
		dispatcher:     dispatcher,
		ingest:         ingest,
		store:          store,
		codes:          codes,
		persistTimeout: persistTimeout,
		baseCtx:        baseCtx,
		cancel:         cancel,
		log:            baseLogger.Named("orchestrator"),
	}

	sessions.OnReady(func(ctx context.Context, tenantID string) {
		o.syncInBackground(ctx, tenantID)
	})
	sessions.OnMessage(func(ctx context.Context, tenantID string, msg model.HistoryMessage) {
		if err := validator.Validate(msg); err != nil {
			logger.FromContextOr(ctx, o.log).Warn("Dropping invalid live message", zap.Error(err))
			return
		}
		if err := ingest.SubmitLive(ctx, tenantID, msg); err != nil {
			logger.FromContextOr(ctx, o.log).Error("Failed to queue live message", zap.String("message_id", msg.ID), zap.Error(err))
		}
	})
	if known != nil {
		sessions.AfterWipe(known.Reset)
	}
	return o
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant id is required", apperrors.ErrBadRequest)
	}
	return nil
}

// StartPairing acquires the tenant's handle and returns the resulting status.
// Pairing progress is reported on the tenant's event stream.
func (o *Orchestrator) StartPairing(ctx context.Context, tenantID string) (Status, error) {
	if err := requireTenant(tenantID); err != nil {
		return Status{}, err
	}
	res, err := o.sessions.Acquire(ctx, tenantID)
	if err != nil {
		return Status{}, err
	}
	st, err := o.GetStatus(ctx, tenantID)
	if err != nil {
		return Status{}, err
	}
	if st.PairingCode == "" {
		st.PairingCode = res.Code
	}
	return st, nil
}

// GetStatus combines the in-memory slot with the stored session and counts.
func (o *Orchestrator) GetStatus(ctx context.Context, tenantID string) (Status, error) {
	if err := requireTenant(tenantID); err != nil {
		return Status{}, err
	}
	ctx = tenant.WithTenantID(ctx, tenantID)
	slot := o.sessions.Status(tenantID)
	st := Status{
		TenantID:      tenantID,
		State:         string(slot.State),
		Ready:         slot.Ready,
		LinkedAccount: slot.LinkedAccount,
		PushName:      slot.PushName,
		InitInFlight:  slot.HasHandle && !slot.Ready,
		ReinitPending: slot.ReinitPending,
	}

	session, err := o.store.Sessions.Find(ctx)
	switch {
	case err == nil:
		st.Active = session.Active
		st.LastSyncAt = session.LastSyncAt
		if st.LinkedAccount == "" {
			st.LinkedAccount = session.LinkedAccount
			st.PushName = session.PushName
		}
	case !errors.Is(err, apperrors.ErrNotFound):
		return Status{}, fmt.Errorf("load session: %w", err)
	}

	if !st.Ready {
		if code, found, err := o.codes.Get(ctx, tenantID); err == nil && found {
			st.PairingCode = code
		}
	}

	if st.Conversations, err = o.store.Chats.Count(ctx); err != nil {
		return Status{}, err
	}
	if st.Messages, err = o.store.Messages.Count(ctx); err != nil {
		return Status{}, err
	}
	if st.Contacts, err = o.store.Contacts.Count(ctx); err != nil {
		return Status{}, err
	}
	return st, nil
}

// TriggerSync starts a full sync in the background. It fails with ErrNotReady when the
// tenant has no ready handle.
func (o *Orchestrator) TriggerSync(ctx context.Context, tenantID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if !o.sessions.IsReady(tenantID) {
		return fmt.Errorf("%w: tenant %s", apperrors.ErrNotReady, tenantID)
	}
	o.syncInBackground(ctx, tenantID)
	return nil
}

// SyncNow runs a full sync and waits for it.
func (o *Orchestrator) SyncNow(ctx context.Context, tenantID string) (SyncResult, error) {
	if err := requireTenant(tenantID); err != nil {
		return SyncResult{}, err
	}
	return o.syncer.SyncAll(ctx, tenantID)
}

func (o *Orchestrator) syncInBackground(ctx context.Context, tenantID string) {
	if o.baseCtx.Err() != nil {
		return
	}
	syncCtx := tenant.WithTenantID(o.baseCtx, tenantID)
	if requestID, err := tenant.FromRequestIDContext(ctx); err == nil {
		syncCtx = tenant.WithRequestID(syncCtx, requestID)
	}
	o.wg.Add(1)
	utils.GoWithContext(syncCtx, "background sync", func(ctx context.Context) {
		defer o.wg.Done()
		res, err := o.syncer.SyncAll(ctx, tenantID)
		switch {
		case err != nil && !errors.Is(err, apperrors.ErrNotReady):
			logger.FromContextOr(ctx, o.log).Warn("Background sync ended with error", zap.Error(err))
		case res.Skipped:
			logger.FromContextOr(ctx, o.log).Debug("Background sync skipped, another run is active")
		}
	})
}

// SendMessage sends content through the tenant's handle.
func (o *Orchestrator) SendMessage(ctx context.Context, tenantID, target, content string) (model.Message, error) {
	return o.dispatcher.Send(ctx, tenantID, target, content)
}

// Disconnect tears the tenant's handle down, wiping its data when asked.
func (o *Orchestrator) Disconnect(ctx context.Context, tenantID string, wipe bool) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	return o.sessions.Release(ctx, tenantID, wipe)
}

// MarkRead resets a chat's unread counter and flags its messages read.
func (o *Orchestrator) MarkRead(ctx context.Context, tenantID, chatID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if err := validator.ValidateVar(chatID, "required"); err != nil {
		return err
	}
	return o.store.Chats.MarkRead(tenant.WithTenantID(ctx, tenantID), chatID)
}

// ListConversations returns the tenant's chats, most recent first.
func (o *Orchestrator) ListConversations(ctx context.Context, tenantID string, limit, offset int) ([]model.Chat, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return o.store.Chats.List(tenant.WithTenantID(ctx, tenantID), limit, offset)
}

// ListMessages returns the latest messages of a chat in chronological order. Pending writes of
// that chat, such as a message just sent, are waited for first.
func (o *Orchestrator) ListMessages(ctx context.Context, tenantID, chatID string, limit int) ([]model.Message, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if err := validator.ValidateVar(chatID, "required"); err != nil {
		return nil, err
	}
	ctx = tenant.WithTenantID(ctx, tenantID)
	if !o.ingest.WaitPending(ctx, tenantID, chatID, o.persistTimeout) {
		logger.FromContextOr(ctx, o.log).Warn("Reading chat before pending writes finished", zap.String("chat_id", chatID))
	}
	return o.store.Messages.ListByChat(ctx, chatID, limit)
}

// ReadyCounts reports live and ready handles for health reporting.
func (o *Orchestrator) ReadyCounts() (live, ready int) {
	return o.sessions.Counts()
}

// Shutdown stops background syncs, destroys every handle and drains the ingest pool.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.cancel()
	o.sessions.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.log.Warn("Background syncs still running at shutdown deadline")
	}
	o.ingest.Stop()
	o.log.Info("Orchestrator stopped")
}
