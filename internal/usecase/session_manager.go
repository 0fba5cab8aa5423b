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
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/config"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/driver"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/events"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/pairing"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/utils"
)

// Teardown reasons used by the manager itself.
const (
	ReasonStaleHandle      = "stale_handle"
	ReasonManualDisconnect = "manual_disconnect"
	ReasonShutdown         = "shutdown"
)

// ArtifactReclaimer clears a tenant's on-disk client state before a fresh handle is created.
type ArtifactReclaimer interface {
	Reclaim(ctx context.Context, tenantID string) error
}

// AcquireResult describes the handle slot after Acquire.
type AcquireResult struct {
	Handle driver.Handle
	State  pairing.State
	// Code is the cached pairing code, if one has been issued.
	Code string
	// Replayed is set when Acquire answered with the cached code of another in-flight init.
	Replayed bool
	// Created is set when this call constructed the handle.
	Created bool
}

// SessionStatus is a point-in-time view of a tenant's slot.
type SessionStatus struct {
	State         pairing.State
	Ready         bool
	HasHandle     bool
	LinkedAccount string
	PushName      string
	HandleAge     time.Duration
	ReinitPending bool
}

// tenantSlot holds everything the manager knows about one tenant's handle.
// gen increases on every construction and teardown; signals and borrowers carrying an old gen
// are stale.
type tenantSlot struct {
	mu            sync.Mutex
	handle        driver.Handle
	gen           uint64
	state         pairing.State
	createdAt     time.Time
	account       string
	pushName      string
	watchdog      *time.Timer
	reinitTimer   *time.Timer
	reinitPending bool

	// serializes state machine inputs
	signalMu sync.Mutex
}

// SessionManager owns the tenant -> handle registry and drives each handle through pairing.
type SessionManager struct {
	cfg            config.SessionConfig
	staleSyncAfter time.Duration
	factory        driver.Factory
	store          storage.Store
	codes          cache.CodeCache
	reclaimer      ArtifactReclaimer
	publisher      events.Publisher
	initLocks      *keyedLocks

	mu     sync.Mutex
	slots  map[string]*tenantSlot
	closed bool

	onReady   func(ctx context.Context, tenantID string)
	onMessage func(ctx context.Context, tenantID string, msg model.HistoryMessage)
	afterWipe func(tenantID string)

	now func() time.Time
	log *zap.Logger
}

// NewSessionManager creates a SessionManager. reclaimer may be nil.
func NewSessionManager(
	cfg config.SessionConfig,
	staleSyncAfter time.Duration,
	factory driver.Factory,
	store storage.Store,
	codes cache.CodeCache,
	reclaimer ArtifactReclaimer,
	publisher events.Publisher,
	baseLogger *zap.Logger,
) *SessionManager {
	return &SessionManager{
		cfg:            cfg,
		staleSyncAfter: staleSyncAfter,
		factory:        factory,
		store:          store,
		codes:          codes,
		reclaimer:      reclaimer,
		publisher:      publisher,
		initLocks:      newKeyedLocks(),
		slots:          make(map[string]*tenantSlot),
		now:            utils.Now,
		log:            baseLogger.Named("session_manager"),
	}
}

// OnReady registers the hook run when a handle reaches Ready. It must not block.
func (m *SessionManager) OnReady(fn func(ctx context.Context, tenantID string)) {
	m.onReady = fn
}

// OnMessage registers the hook receiving live messages of ready handles.
func (m *SessionManager) OnMessage(fn func(ctx context.Context, tenantID string, msg model.HistoryMessage)) {
	m.onMessage = fn
}

// AfterWipe registers a hook run after a tenant's data was wiped.
func (m *SessionManager) AfterWipe(fn func(tenantID string)) {
	m.afterWipe = fn
}

func (m *SessionManager) slot(tenantID string) *tenantSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[tenantID]
	if !ok {
		s = &tenantSlot{state: pairing.Unpaired}
		m.slots[tenantID] = s
	}
	return s
}

func (m *SessionManager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// signalContext is the context state machine inputs from the handle run under.
func (m *SessionManager) signalContext(tenantID string) context.Context {
	return tenant.WithTenantID(context.Background(), tenantID)
}

// Acquire returns the tenant's handle, creating one when none is usable.
// A ready handle is returned as is and its ready event re-published. A younger in-progress
// handle is returned with its cached pairing code. An older one is torn down and replaced.
// Concurrent callers never create a second handle: they wait for the first, bounded by
// session.initWaitTimeout, and then answer with the cached code or ErrInitInProgress.
func (m *SessionManager) Acquire(ctx context.Context, tenantID string) (AcquireResult, error) {
	if tenantID == "" {
		return AcquireResult{}, fmt.Errorf("%w: tenant id is required", apperrors.ErrBadRequest)
	}
	if m.isClosed() {
		return AcquireResult{}, fmt.Errorf("%w: session manager is shut down", apperrors.ErrNotReady)
	}
	ctx = tenant.WithTenantID(ctx, tenantID)
	log := logger.FromContextOr(ctx, m.log)
	s := m.slot(tenantID)

	if res, ok := m.readyResult(ctx, tenantID, s); ok {
		return res, nil
	}

	if !m.initLocks.TryLock(tenantID) {
		log.Debug("Initialization in progress, waiting")
		waitCtx, cancel := context.WithTimeout(ctx, m.cfg.InitWaitTimeout)
		err := m.initLocks.Lock(waitCtx, tenantID)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				observer.IncAcquireContended("cancelled")
				return AcquireResult{}, ctx.Err()
			}
			if code, found := m.cachedCode(ctx, tenantID); found {
				observer.IncAcquireContended("replayed")
				m.publisher.Publish(ctx, tenantID, model.EventPairingCode, model.PairingCodePayload{Code: code, Replayed: true})
				return AcquireResult{State: m.stateOf(s), Code: code, Replayed: true}, nil
			}
			observer.IncAcquireContended("timeout")
			return AcquireResult{}, fmt.Errorf("%w: tenant %s", apperrors.ErrInitInProgress, tenantID)
		}
		observer.IncAcquireContended("waited")
	}
	defer m.initLocks.Unlock(tenantID)

	if res, ok := m.readyResult(ctx, tenantID, s); ok {
		return res, nil
	}

	s.mu.Lock()
	h, gen, createdAt, state := s.handle, s.gen, s.createdAt, s.state
	s.mu.Unlock()

	if h != nil {
		age := m.now().Sub(createdAt)
		if age < m.cfg.StaleAfter {
			res := AcquireResult{Handle: h, State: state}
			if code, found := m.cachedCode(ctx, tenantID); found {
				res.Code, res.Replayed = code, true
				m.publisher.Publish(ctx, tenantID, model.EventPairingCode, model.PairingCodePayload{Code: code, Replayed: true})
			}
			return res, nil
		}
		log.Warn("Replacing stale handle", zap.Duration("age", age), zap.String("state", string(state)))
		m.teardown(ctx, tenantID, gen, ReasonStaleHandle, pairing.Unpaired)
	}

	return m.create(ctx, tenantID, s)
}

// readyResult answers Acquire for an already ready handle.
func (m *SessionManager) readyResult(ctx context.Context, tenantID string, s *tenantSlot) (AcquireResult, bool) {
	s.mu.Lock()
	if s.handle == nil || s.state != pairing.Ready {
		s.mu.Unlock()
		return AcquireResult{}, false
	}
	res := AcquireResult{Handle: s.handle, State: pairing.Ready}
	payload := model.ReadyPayload{LinkedAccount: s.account, PushName: s.pushName}
	s.mu.Unlock()

	m.publisher.Publish(ctx, tenantID, model.EventReady, payload)
	return res, true
}

// create constructs and starts a handle. The caller holds the tenant's init lock and the
// slot has no live handle.
func (m *SessionManager) create(ctx context.Context, tenantID string, s *tenantSlot) (AcquireResult, error) {
	log := logger.FromContextOr(ctx, m.log)

	// No live handle at this point, so leftover client state can go. Pairing does not wait
	// for the deletion itself.
	if m.reclaimer != nil {
		if err := m.reclaimer.Reclaim(ctx, tenantID); err != nil {
			log.Warn("Could not reclaim session artifact, continuing", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.state = pairing.Unpaired
	s.reinitPending = false
	stopTimer(s.reinitTimer)
	s.reinitTimer = nil
	s.mu.Unlock()

	if err := m.store.Sessions.Ensure(ctx); err != nil {
		m.publisher.Publish(ctx, tenantID, model.EventInitError, model.ErrorPayload{Reason: "session record unavailable"})
		return AcquireResult{}, fmt.Errorf("ensure session: %w", err)
	}
	if err := m.codes.Delete(ctx, tenantID); err != nil {
		log.Warn("Failed to clear cached pairing code", zap.Error(err))
	}

	h, err := m.factory.New(ctx, tenantID, m.signalHandler(tenantID, gen))
	observer.IncHandleCreated(tenantID, err)
	if err != nil {
		log.Error("Failed to construct handle", zap.Error(err))
		m.feed(m.signalContext(tenantID), tenantID, gen, pairing.Input{Kind: pairing.InputInitFailed, Reason: err.Error()})
		return AcquireResult{}, fmt.Errorf("create handle: %w", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		// Released while the handle was being built.
		s.mu.Unlock()
		m.destroy(ctx, h, ReasonManualDisconnect)
		return AcquireResult{}, fmt.Errorf("%w: released during initialization", apperrors.ErrHandleGone)
	}
	s.handle = h
	s.createdAt = m.now()
	s.watchdog = time.AfterFunc(m.cfg.PairingTimeout, func() {
		m.feed(m.signalContext(tenantID), tenantID, gen, pairing.Input{Kind: pairing.InputPairingTimeout})
	})
	s.mu.Unlock()
	m.refreshGauges()
	// Shutdown may have passed this slot before the handle was installed.
	if m.isClosed() {
		m.teardown(ctx, tenantID, gen, ReasonShutdown, pairing.Disconnected)
		return AcquireResult{}, fmt.Errorf("%w: session manager is shut down", apperrors.ErrHandleGone)
	}
	log.Info("Handle created, starting")

	if err := h.Start(ctx); err != nil {
		log.Error("Failed to start handle", zap.Error(err))
		m.feed(m.signalContext(tenantID), tenantID, gen, pairing.Input{Kind: pairing.InputInitFailed, Reason: err.Error()})
		return AcquireResult{}, fmt.Errorf("start handle: %w", err)
	}

	s.mu.Lock()
	if s.gen != gen || s.handle == nil {
		s.mu.Unlock()
		return AcquireResult{}, fmt.Errorf("%w: handle torn down during start", apperrors.ErrHandleGone)
	}
	res := AcquireResult{Handle: h, State: s.state, Created: true}
	s.mu.Unlock()

	if code, found := m.cachedCode(ctx, tenantID); found {
		res.Code = code
	}
	return res, nil
}

func (m *SessionManager) cachedCode(ctx context.Context, tenantID string) (string, bool) {
	code, found, err := m.codes.Get(ctx, tenantID)
	if err != nil {
		logger.FromContextOr(ctx, m.log).Warn("Failed to read cached pairing code", zap.Error(err))
		return "", false
	}
	return code, found
}

func (m *SessionManager) stateOf(s *tenantSlot) pairing.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// signalHandler binds handle pushes to the generation that created the handle.
func (m *SessionManager) signalHandler(tenantID string, gen uint64) driver.SignalFunc {
	return func(sig driver.Signal) {
		ctx := m.signalContext(tenantID)
		switch sig.Kind {
		case driver.SignalPairingCode:
			m.feed(ctx, tenantID, gen, pairing.Input{Kind: pairing.InputCode, Code: sig.Code})
		case driver.SignalAuthenticated:
			m.feed(ctx, tenantID, gen, pairing.Input{Kind: pairing.InputAuthenticated})
		case driver.SignalReady:
			m.feed(ctx, tenantID, gen, pairing.Input{Kind: pairing.InputReady, Account: sig.Account})
		case driver.SignalAuthFailure:
			m.feed(ctx, tenantID, gen, pairing.Input{Kind: pairing.InputAuthFailure, Reason: sig.Reason})
		case driver.SignalDisconnected:
			m.feed(ctx, tenantID, gen, pairing.Input{Kind: pairing.InputDisconnected, Reason: sig.Reason})
		case driver.SignalMessage:
			if sig.Message == nil || m.onMessage == nil || !m.Alive(tenantID, gen) || !m.IsReady(tenantID) {
				return
			}
			m.onMessage(ctx, tenantID, *sig.Message)
		default:
			logger.FromContextOr(ctx, m.log).Warn("Ignoring unknown handle signal", zap.String("kind", string(sig.Kind)))
		}
	}
}

// feed runs one input through the pairing state machine and applies the resulting effects.
func (m *SessionManager) feed(ctx context.Context, tenantID string, gen uint64, in pairing.Input) {
	log := logger.FromContextOr(ctx, m.log).With(zap.String("input", in.Kind.String()))
	s := m.slot(tenantID)
	s.signalMu.Lock()
	defer s.signalMu.Unlock()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		log.Debug("Ignoring input from a replaced handle")
		return
	}
	from := s.state
	facts := pairing.Facts{
		Now:               m.now(),
		StaleSyncAfter:    m.staleSyncAfter,
		ReinitInFlight:    s.reinitPending,
		ReconnectCooldown: m.cfg.ReconnectCooldown,
	}
	s.mu.Unlock()

	if in.Kind == pairing.InputReady {
		session, err := m.store.Sessions.Find(ctx)
		switch {
		case err == nil:
			facts.PreviousAccount = session.LinkedAccount
			facts.LastSyncAt = session.LastSyncAt
		case !errors.Is(err, apperrors.ErrNotFound):
			log.Warn("Could not load previous session identity", zap.Error(err))
		}
	}

	to, effects := pairing.Transition(from, in, facts)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.state = to
	if to == pairing.Ready {
		s.account = in.Account.Account
		s.pushName = in.Account.PushName
		stopTimer(s.watchdog)
		s.watchdog = nil
	}
	s.mu.Unlock()

	if from != to {
		observer.IncPairingTransition(string(from), string(to))
		log.Info("Pairing state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	}
	if to == pairing.Ready {
		m.refreshGauges()
	}

	for _, effect := range effects {
		m.apply(ctx, tenantID, gen, to, effect)
	}
}

func (m *SessionManager) apply(ctx context.Context, tenantID string, gen uint64, to pairing.State, e pairing.Effect) {
	log := logger.FromContextOr(ctx, m.log)
	switch e.Kind {
	case pairing.EffectPublish:
		m.publisher.Publish(ctx, tenantID, e.Event, e.Payload)
	case pairing.EffectCacheCode:
		if err := m.codes.Set(ctx, tenantID, e.Code); err != nil {
			log.Warn("Failed to cache pairing code", zap.Error(err))
		}
	case pairing.EffectClearCode:
		if err := m.codes.Delete(ctx, tenantID); err != nil {
			log.Warn("Failed to clear pairing code", zap.Error(err))
		}
	case pairing.EffectWipe:
		if err := m.wipe(ctx, tenantID, e.Reason); err != nil {
			m.publisher.Publish(ctx, tenantID, model.EventSyncError, model.ErrorPayload{Reason: "failed to clear previous account data"})
		}
	case pairing.EffectPersistAccount:
		if err := m.store.Sessions.SetLinkedAccount(ctx, e.Account); err != nil {
			log.Error("Failed to persist linked account", zap.Error(err))
		}
	case pairing.EffectStartSync:
		if m.onReady != nil {
			m.onReady(tenant.Detach(ctx), tenantID)
		}
	case pairing.EffectTeardown:
		m.teardown(ctx, tenantID, gen, e.Reason, to)
	case pairing.EffectScheduleReinit:
		m.scheduleReinit(tenantID, e.Delay, e.Reason)
	}
}

// wipe deletes the tenant's contacts, chats and messages.
func (m *SessionManager) wipe(ctx context.Context, tenantID, trigger string) error {
	log := logger.FromContextOr(ctx, m.log)
	if err := m.store.Wiper.WipeTenantData(ctx); err != nil {
		log.Error("Failed to wipe tenant data", zap.String("trigger", trigger), zap.Error(err))
		return err
	}
	if m.afterWipe != nil {
		m.afterWipe(tenantID)
	}
	observer.IncDataWipe(trigger)
	log.Info("Tenant data wiped", zap.String("trigger", trigger))
	return nil
}

// scheduleReinit re-acquires the tenant after a cooldown unless one is already pending.
func (m *SessionManager) scheduleReinit(tenantID string, delay time.Duration, reason string) {
	s := m.slot(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reinitPending {
		return
	}
	s.reinitPending = true
	m.log.Info("Scheduling re-initialization", zap.String("tenant_id", tenantID), zap.String("reason", reason), zap.Duration("after", delay))
	s.reinitTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.reinitPending = false
		s.reinitTimer = nil
		s.mu.Unlock()
		if m.isClosed() {
			return
		}
		if _, err := m.Acquire(m.signalContext(tenantID), tenantID); err != nil {
			m.log.Warn("Re-initialization failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	})
}

// detach takes the handle out of the slot if gen is still current. The caller destroys it.
func (m *SessionManager) detach(tenantID string, gen uint64, next pairing.State) (driver.Handle, bool) {
	s := m.slot(tenantID)
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil, false
	}
	h := s.handle
	s.handle = nil
	s.gen++
	s.state = next
	s.account = ""
	s.pushName = ""
	stopTimer(s.watchdog)
	s.watchdog = nil
	s.mu.Unlock()
	m.refreshGauges()
	return h, true
}

func (m *SessionManager) destroy(ctx context.Context, h driver.Handle, reason string) {
	if h == nil {
		return
	}
	observer.IncHandleTornDown(reason)
	dctx, cancel := context.WithTimeout(tenant.Detach(ctx), m.cfg.DestroyTimeout)
	defer cancel()
	if err := h.Destroy(dctx); err != nil {
		logger.FromContextOr(ctx, m.log).Warn("Handle destroy failed", zap.String("reason", reason), zap.Error(err))
	}
}

// announceTeardown clears the code, marks the session inactive and publishes disconnected.
func (m *SessionManager) announceTeardown(ctx context.Context, tenantID, reason string, dataCleared bool) {
	log := logger.FromContextOr(ctx, m.log)
	if err := m.codes.Delete(ctx, tenantID); err != nil {
		log.Warn("Failed to clear pairing code", zap.Error(err))
	}
	if err := m.store.Sessions.SetActive(ctx, false, reason); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		log.Warn("Failed to mark session inactive", zap.Error(err))
	}
	m.publisher.Publish(ctx, tenantID, model.EventDisconnected, model.DisconnectedPayload{Reason: reason, DataCleared: dataCleared})
}

// teardown stops the handle of generation gen. It is a no-op if that handle is already gone.
func (m *SessionManager) teardown(ctx context.Context, tenantID string, gen uint64, reason string, next pairing.State) bool {
	h, ok := m.detach(tenantID, gen, next)
	if !ok {
		return false
	}
	m.destroy(ctx, h, reason)
	m.announceTeardown(ctx, tenantID, reason, false)
	logger.FromContextOr(ctx, m.log).Info("Handle torn down", zap.String("reason", reason))
	return true
}

// Release tears down the tenant's handle, optionally wiping its data first.
// It publishes disconnected even when no handle was live.
func (m *SessionManager) Release(ctx context.Context, tenantID string, wipe bool) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant id is required", apperrors.ErrBadRequest)
	}
	ctx = tenant.WithTenantID(ctx, tenantID)
	s := m.slot(tenantID)
	s.mu.Lock()
	gen := s.gen
	s.reinitPending = false
	stopTimer(s.reinitTimer)
	s.reinitTimer = nil
	s.mu.Unlock()

	h, _ := m.detach(tenantID, gen, pairing.Disconnected)
	m.destroy(ctx, h, ReasonManualDisconnect)

	var wipeErr error
	if wipe {
		wipeErr = m.wipe(ctx, tenantID, "manual")
	}
	m.announceTeardown(ctx, tenantID, ReasonManualDisconnect, wipe && wipeErr == nil)
	if wipeErr != nil {
		return fmt.Errorf("wipe tenant data: %w", wipeErr)
	}
	return nil
}

// Borrow returns the tenant's ready handle with its generation. Callers re-check Alive with
// that generation before each unit of work.
func (m *SessionManager) Borrow(tenantID string) (driver.Handle, uint64, error) {
	s := m.slot(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil || s.state != pairing.Ready {
		return nil, 0, fmt.Errorf("%w: tenant %s is %s", apperrors.ErrNotReady, tenantID, s.state)
	}
	return s.handle, s.gen, nil
}

// Alive reports whether the handle of generation gen is still the tenant's live handle.
func (m *SessionManager) Alive(tenantID string, gen uint64) bool {
	s := m.slot(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && s.handle != nil
}

// IsReady reports whether the tenant has a ready handle.
func (m *SessionManager) IsReady(tenantID string) bool {
	s := m.slot(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil && s.state == pairing.Ready
}

// Status returns a snapshot of the tenant's slot.
func (m *SessionManager) Status(tenantID string) SessionStatus {
	s := m.slot(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SessionStatus{
		State:         s.state,
		Ready:         s.handle != nil && s.state == pairing.Ready,
		HasHandle:     s.handle != nil,
		LinkedAccount: s.account,
		PushName:      s.pushName,
		ReinitPending: s.reinitPending,
	}
	if s.handle != nil {
		st.HandleAge = m.now().Sub(s.createdAt)
	}
	return st
}

// Counts returns how many handles are live and how many of them are ready.
func (m *SessionManager) Counts() (live, ready int) {
	m.mu.Lock()
	slots := make([]*tenantSlot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.mu.Unlock()
	for _, s := range slots {
		s.mu.Lock()
		if s.handle != nil {
			live++
			if s.state == pairing.Ready {
				ready++
			}
		}
		s.mu.Unlock()
	}
	return live, ready
}

func (m *SessionManager) refreshGauges() {
	observer.SetSessionCounts(m.Counts())
}

// Shutdown destroys every live handle. Later Acquire calls fail.
func (m *SessionManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	tenants := make([]string, 0, len(m.slots))
	for id := range m.slots {
		tenants = append(tenants, id)
	}
	m.mu.Unlock()

	for _, id := range tenants {
		if ctx.Err() != nil {
			m.log.Warn("Shutdown deadline reached, leaving remaining handles", zap.Error(ctx.Err()))
			return
		}
		s := m.slot(id)
		s.mu.Lock()
		gen, live := s.gen, s.handle != nil
		stopTimer(s.reinitTimer)
		s.reinitTimer = nil
		s.reinitPending = false
		s.mu.Unlock()
		if !live {
			continue
		}
		m.teardown(tenant.WithTenantID(ctx, id), id, gen, ReasonShutdown, pairing.Disconnected)
	}
	m.log.Info("Session manager stopped")
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
