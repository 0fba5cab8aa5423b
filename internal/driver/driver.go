// Package driver defines the contract of the Automation Driver Handle: one automated
// messaging-client instance per tenant, started, polled and destroyed by the session manager.
//
// Every operation may be slow and may fail. Bulk reads can come back partial or empty while
// the client warms up, so callers poll Probe before trusting them.
package driver

import (
	"context"
	"errors"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
)

// ErrUnsupported is returned by optional capabilities the client does not offer.
var ErrUnsupported = errors.New("driver: operation not supported")

// SignalKind names an asynchronous notification from a handle.
type SignalKind string

const (
	SignalPairingCode   SignalKind = "pairing-code"
	SignalAuthenticated SignalKind = "authenticated"
	SignalReady         SignalKind = "ready"
	SignalAuthFailure   SignalKind = "auth-failure"
	SignalDisconnected  SignalKind = "disconnected"
	SignalMessage       SignalKind = "message"
)

// Signal is one push from a handle. Only the field matching Kind is set.
type Signal struct {
	Kind    SignalKind
	Code    string
	Account model.AccountInfo
	Reason  string
	Message *model.HistoryMessage
}

// SignalFunc receives a handle's signals. It may be called from any goroutine.
type SignalFunc func(Signal)

// Handle is one live automation client.
type Handle interface {
	// Start begins authentication. The outcome arrives as signals.
	Start(ctx context.Context) error
	// Probe reports whether bulk reads reflect the account's real state.
	Probe(ctx context.Context) (bool, error)
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	// FetchHistory returns up to limit of the most recent messages of a conversation.
	FetchHistory(ctx context.Context, conversationID string, limit int) ([]model.HistoryMessage, error)
	// ListContacts returns the account's contact directory, or ErrUnsupported.
	ListContacts(ctx context.Context) ([]model.DirectoryContact, error)
	Send(ctx context.Context, target, content string) (model.SentMessage, error)
	// Destroy stops the client. It is best effort and safe to call more than once.
	Destroy(ctx context.Context) error
}

// Factory creates handles.
type Factory interface {
	New(ctx context.Context, tenantID string, onSignal SignalFunc) (Handle, error)
}
