// Package fake provides a scriptable in-memory driver for tests.
package fake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/driver"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/utils"
)

// Factory records every handle it creates. Configure, when set, runs on each new handle
// before it is returned.
type Factory struct {
	Configure func(tenantID string, h *Handle)
	NewErr    error

	mu      sync.Mutex
	handles map[string][]*Handle
}

var _ driver.Factory = (*Factory)(nil)

// NewFactory creates an empty Factory.
func NewFactory() *Factory {
	return &Factory{handles: make(map[string][]*Handle)}
}

func (f *Factory) New(_ context.Context, tenantID string, onSignal driver.SignalFunc) (driver.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	h := &Handle{
		TenantID:        tenantID,
		onSignal:        onSignal,
		History:         make(map[string][]model.HistoryMessage),
		HistoryFailures: make(map[string]int),
	}
	if f.Configure != nil {
		f.Configure(tenantID, h)
	}
	f.handles[tenantID] = append(f.handles[tenantID], h)
	return h, nil
}

// Created returns how many handles were created for a tenant.
func (f *Factory) Created(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles[tenantID])
}

// Last returns the most recent handle of a tenant, or nil.
func (f *Factory) Last(tenantID string) *Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs := f.handles[tenantID]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// Handle is a scriptable driver.Handle. Exported fields must be set before use.
type Handle struct {
	TenantID string

	// OnStart runs synchronously inside Start, e.g. to emit a pairing code.
	OnStart  func(h *Handle)
	StartErr error
	// BlockStart, when set, makes Start wait until it is closed or ctx ends.
	BlockStart chan struct{}

	// ProbeFalseFor makes the first n probes report "not yet"; negative means never ready.
	ProbeFalseFor int
	Conversations []model.Conversation
	ListErr       error
	// History holds each conversation's messages oldest first.
	History map[string][]model.HistoryMessage
	// HistoryFailures makes the first n fetches of a conversation fail.
	HistoryFailures map[string]int
	Contacts        []model.DirectoryContact
	ContactsErr     error
	SendFn          func(target, content string) (model.SentMessage, error)
	// BeforeFetch runs before every history fetch.
	BeforeFetch func(conversationID string)

	onSignal driver.SignalFunc

	mu           sync.Mutex
	probes       int
	fetches      map[string]int
	sent         []string
	destroyed    atomic.Bool
	destroyCalls atomic.Int32
	started      atomic.Int32
}

var _ driver.Handle = (*Handle)(nil)

// Emit delivers a signal as if the client pushed it.
func (h *Handle) Emit(sig driver.Signal) {
	if h.destroyed.Load() {
		return
	}
	h.onSignal(sig)
}

// EmitCode, EmitReady and EmitDisconnected are shorthands for Emit.
func (h *Handle) EmitCode(code string) {
	h.Emit(driver.Signal{Kind: driver.SignalPairingCode, Code: code})
}

func (h *Handle) EmitReady(account string) {
	h.Emit(driver.Signal{Kind: driver.SignalReady, Account: model.AccountInfo{Account: account, PushName: "Owner " + account}})
}

func (h *Handle) EmitDisconnected(reason string) {
	h.Emit(driver.Signal{Kind: driver.SignalDisconnected, Reason: reason})
}

func (h *Handle) Start(ctx context.Context) error {
	h.started.Add(1)
	if h.BlockStart != nil {
		select {
		case <-h.BlockStart:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if h.StartErr != nil {
		return h.StartErr
	}
	if h.OnStart != nil {
		h.OnStart(h)
	}
	return nil
}

func (h *Handle) Probe(context.Context) (bool, error) {
	if h.destroyed.Load() {
		return false, apperrors.ErrHandleGone
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes++
	if h.ProbeFalseFor < 0 {
		return false, nil
	}
	return h.probes > h.ProbeFalseFor, nil
}

func (h *Handle) ListConversations(context.Context) ([]model.Conversation, error) {
	if h.destroyed.Load() {
		return nil, apperrors.ErrHandleGone
	}
	if h.ListErr != nil {
		return nil, h.ListErr
	}
	return append([]model.Conversation(nil), h.Conversations...), nil
}

func (h *Handle) FetchHistory(_ context.Context, conversationID string, limit int) ([]model.HistoryMessage, error) {
	if h.BeforeFetch != nil {
		h.BeforeFetch(conversationID)
	}
	if h.destroyed.Load() {
		return nil, apperrors.ErrHandleGone
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fetches == nil {
		h.fetches = make(map[string]int)
	}
	h.fetches[conversationID]++
	if h.HistoryFailures[conversationID] > 0 {
		h.HistoryFailures[conversationID]--
		return nil, fmt.Errorf("history of %s temporarily unavailable", conversationID)
	}
	all := h.History[conversationID]
	if limit < len(all) {
		all = all[len(all)-limit:]
	}
	return append([]model.HistoryMessage(nil), all...), nil
}

func (h *Handle) ListContacts(context.Context) ([]model.DirectoryContact, error) {
	if h.ContactsErr != nil {
		return nil, h.ContactsErr
	}
	return append([]model.DirectoryContact(nil), h.Contacts...), nil
}

func (h *Handle) Send(_ context.Context, target, content string) (model.SentMessage, error) {
	if h.destroyed.Load() {
		return model.SentMessage{}, apperrors.ErrHandleGone
	}
	h.mu.Lock()
	h.sent = append(h.sent, target)
	h.mu.Unlock()
	if h.SendFn != nil {
		return h.SendFn(target, content)
	}
	return model.SentMessage{ID: "out-" + uuid.NewString(), ChatID: target, Timestamp: utils.Now().Unix()}, nil
}

func (h *Handle) Destroy(context.Context) error {
	h.destroyCalls.Add(1)
	h.destroyed.Store(true)
	return nil
}

// Destroyed reports whether Destroy was called.
func (h *Handle) Destroyed() bool { return h.destroyed.Load() }

// Starts returns how many times Start was called.
func (h *Handle) Starts() int { return int(h.started.Load()) }

// Fetches returns how many history fetches hit a conversation.
func (h *Handle) Fetches(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fetches[conversationID]
}

// SentTargets returns the targets of every Send call.
func (h *Handle) SentTargets() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sent...)
}
