package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
)

// NewStore wires every repository adapter onto one PostgresRepo.
func NewStore(postgres *PostgresRepo) Store {
	return Store{
		Sessions: NewSessionRepoAdapter(postgres),
		Contacts: NewContactRepoAdapter(postgres),
		Chats:    NewChatRepoAdapter(postgres),
		Messages: NewMessageRepoAdapter(postgres),
		Wiper:    postgres,
	}
}

// SessionRepoAdapter adapts the PostgresRepo to the SessionRepo interface
type SessionRepoAdapter struct {
	postgres *PostgresRepo
}

// NewSessionRepoAdapter creates a new session repository adapter
func NewSessionRepoAdapter(postgres *PostgresRepo) SessionRepo {
	return &SessionRepoAdapter{postgres: postgres}
}

func (a *SessionRepoAdapter) Ensure(ctx context.Context) error {
	return a.postgres.EnsureSession(ctx)
}

func (a *SessionRepoAdapter) Find(ctx context.Context) (*model.Session, error) {
	return a.postgres.FindSession(ctx)
}

func (a *SessionRepoAdapter) SetLinkedAccount(ctx context.Context, account model.AccountInfo) error {
	return a.postgres.SetLinkedAccount(ctx, account)
}

func (a *SessionRepoAdapter) SetActive(ctx context.Context, active bool, reason string) error {
	return a.postgres.SetSessionActive(ctx, active, reason)
}

func (a *SessionRepoAdapter) SetLastSync(ctx context.Context, at *time.Time) error {
	return a.postgres.SetLastSync(ctx, at)
}

// ContactRepoAdapter adapts the PostgresRepo to the ContactRepo interface
type ContactRepoAdapter struct {
	postgres *PostgresRepo
}

// NewContactRepoAdapter creates a new contact repository adapter
func NewContactRepoAdapter(postgres *PostgresRepo) ContactRepo {
	return &ContactRepoAdapter{postgres: postgres}
}

func (a *ContactRepoAdapter) Upsert(ctx context.Context, contacts []model.Contact) error {
	return a.postgres.UpsertContacts(ctx, contacts)
}

func (a *ContactRepoAdapter) FindByNumber(ctx context.Context, number string) (*model.Contact, error) {
	return a.postgres.FindContactByNumber(ctx, number)
}

func (a *ContactRepoAdapter) Count(ctx context.Context) (int64, error) {
	return a.postgres.CountContacts(ctx)
}

// ChatRepoAdapter adapts the PostgresRepo to the ChatRepo interface
type ChatRepoAdapter struct {
	postgres *PostgresRepo
}

// NewChatRepoAdapter creates a new chat repository adapter
func NewChatRepoAdapter(postgres *PostgresRepo) ChatRepo {
	return &ChatRepoAdapter{postgres: postgres}
}

func (a *ChatRepoAdapter) UpsertFromSync(ctx context.Context, chats []model.Chat) error {
	return a.postgres.UpsertChats(ctx, chats)
}

func (a *ChatRepoAdapter) RecordActivity(ctx context.Context, chat model.Chat, inbound bool) error {
	return a.postgres.RecordChatActivity(ctx, chat, inbound)
}

func (a *ChatRepoAdapter) MarkRead(ctx context.Context, chatID string) error {
	return a.postgres.MarkChatRead(ctx, chatID)
}

func (a *ChatRepoAdapter) List(ctx context.Context, limit, offset int) ([]model.Chat, error) {
	return a.postgres.ListChats(ctx, limit, offset)
}

func (a *ChatRepoAdapter) Count(ctx context.Context) (int64, error) {
	return a.postgres.CountChats(ctx)
}

// MessageRepoAdapter adapts the PostgresRepo to the MessageRepo interface
type MessageRepoAdapter struct {
	postgres *PostgresRepo
}

// NewMessageRepoAdapter creates a new message repository adapter
func NewMessageRepoAdapter(postgres *PostgresRepo) MessageRepo {
	return &MessageRepoAdapter{postgres: postgres}
}

func (a *MessageRepoAdapter) BulkUpsert(ctx context.Context, messages []model.Message) error {
	return a.postgres.UpsertMessages(ctx, messages)
}

func (a *MessageRepoAdapter) ListByChat(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	return a.postgres.ListMessagesByChat(ctx, chatID, limit)
}

func (a *MessageRepoAdapter) Count(ctx context.Context) (int64, error) {
	return a.postgres.CountMessages(ctx)
}
