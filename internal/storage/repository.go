package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
)

// SessionRepo defines session storage operations
type SessionRepo interface {
	Ensure(ctx context.Context) error
	Find(ctx context.Context) (*model.Session, error)
	SetLinkedAccount(ctx context.Context, account model.AccountInfo) error
	SetActive(ctx context.Context, active bool, reason string) error
	SetLastSync(ctx context.Context, at *time.Time) error
}

// ContactRepo defines contact storage operations
type ContactRepo interface {
	Upsert(ctx context.Context, contacts []model.Contact) error
	FindByNumber(ctx context.Context, number string) (*model.Contact, error)
	Count(ctx context.Context) (int64, error)
}

// ChatRepo defines chat storage operations
type ChatRepo interface {
	UpsertFromSync(ctx context.Context, chats []model.Chat) error
	RecordActivity(ctx context.Context, chat model.Chat, inbound bool) error
	MarkRead(ctx context.Context, chatID string) error
	List(ctx context.Context, limit, offset int) ([]model.Chat, error)
	Count(ctx context.Context) (int64, error)
}

// MessageRepo defines message storage operations
type MessageRepo interface {
	BulkUpsert(ctx context.Context, messages []model.Message) error
	ListByChat(ctx context.Context, chatID string, limit int) ([]model.Message, error)
	Count(ctx context.Context) (int64, error)
}

// DataWiper removes every tenant-scoped record except the session row.
type DataWiper interface {
	WipeTenantData(ctx context.Context) error
}

// Store bundles the repositories a tenant's orchestration needs.
type Store struct {
	Sessions SessionRepo
	Contacts ContactRepo
	Chats    ChatRepo
	Messages MessageRepo
	Wiper    DataWiper
}
