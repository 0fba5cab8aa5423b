package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/tenant"
)

// MemoryStore is an in-process Durable Store with the same upsert rules as the
// Postgres repository. It is meant for tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	contacts map[string]map[string]model.Contact
	chats    map[string]map[string]model.Chat
	messages map[string]map[string]model.Message

	// Wipes counts WipeTenantData calls per tenant.
	Wipes map[string]int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.Session),
		contacts: make(map[string]map[string]model.Contact),
		chats:    make(map[string]map[string]model.Chat),
		messages: make(map[string]map[string]model.Message),
		Wipes:    make(map[string]int),
	}
}

// Store exposes the MemoryStore through the storage interfaces.
func (s *MemoryStore) Store() storage.Store {
	return storage.Store{
		Sessions: memSessions{s},
		Contacts: memContacts{s},
		Chats:    memChats{s},
		Messages: memMessages{s},
		Wiper:    s,
	}
}

func tenantOf(ctx context.Context) (string, error) {
	id, err := tenant.FromContext(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperrors.ErrUnauthorized, err)
	}
	return id, nil
}

// WipeTenantData implements storage.DataWiper.
func (s *MemoryStore) WipeTenantData(ctx context.Context) error {
	id, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contacts, id)
	delete(s.chats, id)
	delete(s.messages, id)
	if sess, ok := s.sessions[id]; ok {
		sess.LastSyncAt = nil
	}
	s.Wipes[id]++
	return nil
}

// Seed puts a session row in place, replacing any existing one.
func (s *MemoryStore) Seed(session model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := session
	s.sessions[session.TenantID] = &cp
}

// Session returns a copy of the tenant's session row.
func (s *MemoryStore) Session(tenantID string) (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tenantID]
	if !ok {
		return model.Session{}, false
	}
	return *sess, true
}

// Messages returns every stored message of a tenant ordered by timestamp.
func (s *MemoryStore) Messages(tenantID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, 0, len(s.messages[tenantID]))
	for _, m := range s.messages[tenantID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Chat returns one stored chat.
func (s *MemoryStore) Chat(tenantID, chatID string) (model.Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[tenantID][chatID]
	return c, ok
}

// Contact returns one stored contact.
func (s *MemoryStore) Contact(tenantID, number string) (model.Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[tenantID][number]
	return c, ok
}

// Counts returns the number of contacts, chats and messages stored for a tenant.
func (s *MemoryStore) Counts(tenantID string) (contacts, chats, messages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contacts[tenantID]), len(s.chats[tenantID]), len(s.messages[tenantID])
}

type memSessions struct{ s *MemoryStore }

func (r memSessions) Ensure(ctx context.Context) error {
	id, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.sessions[id]; !ok {
		now := time.Now().UTC()
		r.s.sessions[id] = &model.Session{TenantID: id, CreatedAt: now, UpdatedAt: now}
	}
	return nil
}

func (r memSessions) Find(ctx context.Context) (*model.Session, error) {
	id, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session for tenant %s", apperrors.ErrNotFound, id)
	}
	cp := *sess
	return &cp, nil
}

func (r memSessions) update(ctx context.Context, fn func(*model.Session)) error {
	id, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: session for tenant %s", apperrors.ErrNotFound, id)
	}
	fn(sess)
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (r memSessions) SetLinkedAccount(ctx context.Context, account model.AccountInfo) error {
	if account.Account == "" {
		return fmt.Errorf("%w: linked account is empty", apperrors.ErrValidation)
	}
	return r.update(ctx, func(sess *model.Session) {
		sess.LinkedAccount = account.Account
		sess.PushName = account.PushName
		sess.Active = true
		sess.LastDisconnectReason = ""
	})
}

func (r memSessions) SetActive(ctx context.Context, active bool, reason string) error {
	return r.update(ctx, func(sess *model.Session) {
		sess.Active = active
		if reason != "" {
			sess.LastDisconnectReason = reason
		}
	})
}

func (r memSessions) SetLastSync(ctx context.Context, at *time.Time) error {
	return r.update(ctx, func(sess *model.Session) {
		sess.LastSyncAt = at
	})
}

type memContacts struct{ s *MemoryStore }

func (r memContacts) Upsert(ctx context.Context, contacts []model.Contact) error {
	id, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	table := r.s.contacts[id]
	if table == nil {
		table = make(map[string]model.Contact)
		r.s.contacts[id] = table
	}
	for _, c := range contacts {
		if c.Number == "" {
			return fmt.Errorf("%w: contact number is required", apperrors.ErrValidation)
		}
		c.TenantID = id
		if old, ok := table[c.Number]; ok {
			if c.Name == "" {
				c.Name = old.Name
			}
			if c.AvatarRef == "" {
				c.AvatarRef = old.AvatarRef
			}
			c.Origin = old.Origin
			c.CreatedAt = old.CreatedAt
		}
		table[c.Number] = c
	}
	return nil
}

func (r memContacts) FindByNumber(ctx context.Context, number string) (*model.Contact, error) {
	id, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id][number]
	if !ok {
		return nil, fmt.Errorf("%w: contact %s", apperrors.ErrNotFound, number)
	}
	return &c, nil
}

func (r memContacts) Count(ctx context.Context) (int64, error) {
	id, err := tenantOf(ctx)
	if err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return int64(len(r.s.contacts[id])), nil
}

type memChats struct{ s *MemoryStore }

func (r memChats) table(id string) map[string]model.Chat {
	t := r.s.chats[id]
	if t == nil {
		t = make(map[string]model.Chat)
		r.s.chats[id] = t
	}
	return t
}

func laterOf(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil || a.After(*b) {
		return a
	}
	return b
}

func (r memChats) UpsertFromSync(ctx context.Context, chats []model.Chat) error {
	id, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t := r.table(id)
	for _, c := range chats {
		if c.ChatID == "" {
			return fmt.Errorf("%w: chat id is required", apperrors.ErrValidation)
		}
		c.TenantID = id
		if old, ok := t[c.ChatID]; ok {
			if c.Name == "" {
				c.Name = old.Name
			}
			if c.GroupName == "" {
				c.GroupName = old.GroupName
			}
			c.LastMessageAt = laterOf(c.LastMessageAt, old.LastMessageAt)
			c.CreatedAt = old.CreatedAt
		}
		t[c.ChatID] = c
	}
	return nil
}

func (r memChats) RecordActivity(ctx context.Context, chat model.Chat, inbound bool) error {
	id, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t := r.table(id)
	chat.TenantID = id
	old, ok := t[chat.ChatID]
	switch {
	case !ok && inbound:
		chat.UnreadCount = 1
	case !ok:
		chat.UnreadCount = 0
	default:
		if (chat.Name == "" || chat.Name == chat.Counterpart) && old.Name != "" {
			chat.Name = old.Name
		}
		chat.GroupName = old.GroupName
		chat.LastMessageAt = laterOf(chat.LastMessageAt, old.LastMessageAt)
		chat.UnreadCount = 0
		if inbound {
			chat.UnreadCount = old.UnreadCount + 1
		}
	}
	t[chat.ChatID] = chat
	return nil
}

func (r memChats) MarkRead(ctx context.Context, chatID string) error {
	id, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.chats[id][chatID]
	if !ok {
		return fmt.Errorf("%w: chat %s", apperrors.ErrNotFound, chatID)
	}
	c.UnreadCount = 0
	r.s.chats[id][chatID] = c
	for k, m := range r.s.messages[id] {
		if m.ChatID == chatID && !m.Read {
			m.Read = true
			r.s.messages[id][k] = m
		}
	}
	return nil
}

func (r memChats) List(ctx context.Context, limit, offset int) ([]model.Chat, error) {
	id, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]model.Chat, 0, len(r.s.chats[id]))
	for _, c := range r.s.chats[id] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return out[i].ChatID < out[j].ChatID
	})
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r memChats) Count(ctx context.Context) (int64, error) {
	id, err := tenantOf(ctx)
	if err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return int64(len(r.s.chats[id])), nil
}

type memMessages struct{ s *MemoryStore }

func (r memMessages) BulkUpsert(ctx context.Context, messages []model.Message) error {
	id, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t := r.s.messages[id]
	if t == nil {
		t = make(map[string]model.Message)
		r.s.messages[id] = t
	}
	for _, m := range messages {
		if m.MessageID == "" || m.ChatID == "" {
			return fmt.Errorf("%w: message id and chat id are required", apperrors.ErrValidation)
		}
		m.TenantID = id
		if old, ok := t[m.MessageID]; ok {
			old.Read = old.Read || m.Read
			t[m.MessageID] = old
			continue
		}
		t[m.MessageID] = m
	}
	return nil
}

func (r memMessages) ListByChat(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	id, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	all := r.s.Messages(id)
	out := make([]model.Message, 0, len(all))
	for _, m := range all {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r memMessages) Count(ctx context.Context) (int64, error) {
	id, err := tenantOf(ctx)
	if err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return int64(len(r.s.messages[id])), nil
}
