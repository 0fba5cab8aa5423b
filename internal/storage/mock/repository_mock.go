package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
)

// SessionRepoMock mocks the SessionRepo interface
type SessionRepoMock struct {
	mock.Mock
}

func (m *SessionRepoMock) Ensure(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *SessionRepoMock) Find(ctx context.Context) (*model.Session, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *SessionRepoMock) SetLinkedAccount(ctx context.Context, account model.AccountInfo) error {
	args := m.Called(ctx, account)
	return args.Error(0)
}

func (m *SessionRepoMock) SetActive(ctx context.Context, active bool, reason string) error {
	args := m.Called(ctx, active, reason)
	return args.Error(0)
}

func (m *SessionRepoMock) SetLastSync(ctx context.Context, at *time.Time) error {
	args := m.Called(ctx, at)
	return args.Error(0)
}

// ContactRepoMock mocks the ContactRepo interface
type ContactRepoMock struct {
	mock.Mock
}

func (m *ContactRepoMock) Upsert(ctx context.Context, contacts []model.Contact) error {
	args := m.Called(ctx, contacts)
	return args.Error(0)
}

func (m *ContactRepoMock) FindByNumber(ctx context.Context, number string) (*model.Contact, error) {
	args := m.Called(ctx, number)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Contact), args.Error(1)
}

func (m *ContactRepoMock) Count(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// ChatRepoMock mocks the ChatRepo interface
type ChatRepoMock struct {
	mock.Mock
}

func (m *ChatRepoMock) UpsertFromSync(ctx context.Context, chats []model.Chat) error {
	args := m.Called(ctx, chats)
	return args.Error(0)
}

func (m *ChatRepoMock) RecordActivity(ctx context.Context, chat model.Chat, inbound bool) error {
	args := m.Called(ctx, chat, inbound)
	return args.Error(0)
}

func (m *ChatRepoMock) MarkRead(ctx context.Context, chatID string) error {
	args := m.Called(ctx, chatID)
	return args.Error(0)
}

func (m *ChatRepoMock) List(ctx context.Context, limit, offset int) ([]model.Chat, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Chat), args.Error(1)
}

func (m *ChatRepoMock) Count(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// MessageRepoMock mocks the MessageRepo interface
type MessageRepoMock struct {
	mock.Mock
}

func (m *MessageRepoMock) BulkUpsert(ctx context.Context, messages []model.Message) error {
	args := m.Called(ctx, messages)
	return args.Error(0)
}

func (m *MessageRepoMock) ListByChat(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	args := m.Called(ctx, chatID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Message), args.Error(1)
}

func (m *MessageRepoMock) Count(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// DataWiperMock mocks the DataWiper interface
type DataWiperMock struct {
	mock.Mock
}

func (m *DataWiperMock) WipeTenantData(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
