package usecase

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/cache"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/config"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/driver"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/driver/fake"
	eventsmock "gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/events/mock"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
	storagemock "gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/storage/mock"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/tenant"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		StaleAfter:        time.Minute,
		InitWaitTimeout:   200 * time.Millisecond,
		PairingTimeout:    time.Minute,
		ReconnectCooldown: 20 * time.Millisecond,
		DestroyTimeout:    time.Second,
	}
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		ReadinessTimeout:         200 * time.Millisecond,
		ReadinessInitialInterval: time.Millisecond,
		ReadinessMaxInterval:     5 * time.Millisecond,
		HistoryBatchSize:         2,
		HistoryMaxAttempts:       10,
		BatchRetryAttempts:       3,
		BatchRetryInterval:       time.Millisecond,
		StaleSyncAfter:           2 * time.Minute,
		ContactConcurrency:       2,
	}
}

func testPoolConfig() config.WorkerPoolConfig {
	return config.WorkerPoolConfig{PoolSize: 4, QueueSize: 32, MaxBlock: time.Second, ExpiryTime: time.Second}
}

// harness wires the usecase components over in-memory collaborators.
type harness struct {
	t        *testing.T
	log      *zap.Logger
	logs     *observer.ObservedLogs
	store    *storagemock.MemoryStore
	events   *eventsmock.Recorder
	factory  *fake.Factory
	codes    *cache.MemoryCodeCache
	known    *cache.KnownContacts
	ingest   *IngestWorker
	sessions *SessionManager
	syncer   *SyncEngine
	dispatch *Dispatcher
}

type harnessOption func(*config.SessionConfig, *config.SyncConfig)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	sessCfg, syncCfg := testSessionConfig(), testSyncConfig()
	for _, opt := range opts {
		opt(&sessCfg, &syncCfg)
	}

	// An observed core stays safe for timers that log after the test returned.
	core, logs := observer.New(zapcore.DebugLevel)
	h := &harness{
		t:       t,
		log:     zap.New(core),
		logs:    logs,
		store:   storagemock.NewMemoryStore(),
		events:  &eventsmock.Recorder{},
		factory: fake.NewFactory(),
		codes:   cache.NewMemoryCodeCache(time.Minute),
		known:   cache.NewKnownContacts(1000, 0.001),
	}
	store := h.store.Store()

	ingest, err := NewIngestWorker(testPoolConfig(), store, h.known, h.events, "@g.us", h.log)
	require.NoError(t, err)
	h.ingest = ingest
	h.sessions = NewSessionManager(sessCfg, syncCfg.StaleSyncAfter, h.factory, store, h.codes, nil, h.events, h.log)
	h.syncer = NewSyncEngine(syncCfg, "@g.us", h.sessions, store, h.events, h.known, h.log)
	h.dispatch = NewDispatcher(config.OutboundConfig{ChatSuffix: "@c.us", GroupSuffix: "@g.us", SendTimeout: time.Second}, h.sessions, ingest, h.log)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.sessions.Shutdown(ctx)
		h.ingest.Stop()
	})
	return h
}

// orchestrator builds an Orchestrator on the harness, which wires the ready and message hooks.
func (h *harness) orchestrator() *Orchestrator {
	o := NewOrchestrator(h.sessions, h.syncer, h.dispatch, h.ingest, h.store.Store(), h.codes, h.known, time.Second, h.log)
	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o
}

// configure scripts every handle the factory creates for a tenant.
func (h *harness) configure(fn func(fh *fake.Handle)) {
	h.factory.Configure = func(_ string, fh *fake.Handle) { fn(fh) }
}

// pairReady acquires the tenant's handle and drives it to ready as account.
func (h *harness) pairReady(tenantID, account string) *fake.Handle {
	h.t.Helper()
	_, err := h.sessions.Acquire(context.Background(), tenantID)
	require.NoError(h.t, err)
	fh := h.factory.Last(tenantID)
	require.NotNil(h.t, fh)
	fh.Emit(driver.Signal{Kind: driver.SignalAuthenticated})
	fh.EmitReady(account)
	require.True(h.t, h.sessions.IsReady(tenantID))
	return fh
}

func (h *harness) tenantCtx(tenantID string) context.Context {
	return tenant.WithTenantID(context.Background(), tenantID)
}

func (h *harness) waitEvents(tenantID string, eventType model.EventType, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.events.Count(tenantID, eventType) >= n
	}, waitFor, tick, "waiting for %d %s events", n, eventType)
}

// stubBorrower lends a fixed handle; alive can be flipped to simulate a teardown.
type stubBorrower struct {
	handle driver.Handle
	err    error
	alive  atomic.Bool
}

func newStubBorrower(h driver.Handle) *stubBorrower {
	b := &stubBorrower{handle: h}
	b.alive.Store(true)
	return b
}

func (b *stubBorrower) Borrow(string) (driver.Handle, uint64, error) {
	if b.err != nil {
		return nil, 0, b.err
	}
	return b.handle, 1, nil
}

func (b *stubBorrower) Alive(string, uint64) bool {
	return b.alive.Load()
}

// newFakeHandle creates a standalone scriptable handle.
func newFakeHandle(t *testing.T, tenantID string) *fake.Handle {
	t.Helper()
	h, err := fake.NewFactory().New(context.Background(), tenantID, func(driver.Signal) {})
	require.NoError(t, err)
	return h.(*fake.Handle)
}

func history(chatID string, n int, ts int64) []model.HistoryMessage {
	out := make([]model.HistoryMessage, 0, n)
	for i := 0; i < n; i++ {
		hm := model.NewHistoryMessage(chatID)
		hm.Timestamp = ts + int64(i)
		out = append(out, hm)
	}
	return out
}
