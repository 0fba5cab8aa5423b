package model

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/utils"
)

func init() {
	gofakeit.Seed(time.Now().UnixNano())
}

// FakeNumber returns a random 12 digit account number.
func FakeNumber() string {
	return fmt.Sprintf("62%010d", gofakeit.Number(100000000, 999999999))
}

// NewSession creates a Session with fake data.
func NewSession(tenantID string, opts ...func(*Session)) *Session {
	s := &Session{
		TenantID:      tenantID,
		LinkedAccount: FakeNumber(),
		PushName:      gofakeit.Name(),
		Active:        true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewContact creates a Contact with fake data.
func NewContact(tenantID string, opts ...func(*Contact)) *Contact {
	c := &Contact{
		TenantID: tenantID,
		Number:   FakeNumber(),
		Name:     gofakeit.Name(),
		Origin:   ContactOriginConversation,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewChat creates a 1:1 Chat with fake data.
func NewChat(tenantID string, opts ...func(*Chat)) *Chat {
	number := FakeNumber()
	last := utils.Now().Add(-time.Duration(gofakeit.Number(1, 600)) * time.Minute)
	c := &Chat{
		TenantID:      tenantID,
		ChatID:        number + "@c.us",
		Counterpart:   number,
		Name:          gofakeit.Name(),
		LastMessageAt: &last,
		UnreadCount:   int32(gofakeit.Number(0, 5)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewMessage creates an inbound text Message with fake data.
func NewMessage(tenantID, chatID string, opts ...func(*Message)) *Message {
	m := &Message{
		TenantID:  tenantID,
		MessageID: "false_" + chatID + "_" + gofakeit.LetterN(20),
		ChatID:    chatID,
		Sender:    utils.UserPart(chatID),
		Direction: MessageDirectionInbound,
		Body:      gofakeit.Sentence(6),
		Type:      MessageTypeText,
		Timestamp: utils.Now().Add(-time.Duration(gofakeit.Number(1, 3600)) * time.Second),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewHistoryMessage creates a wire history message with fake data.
func NewHistoryMessage(chatID string, opts ...func(*HistoryMessage)) HistoryMessage {
	h := HistoryMessage{
		ID:        "false_" + chatID + "_" + gofakeit.LetterN(20),
		ChatID:    chatID,
		From:      chatID,
		Body:      gofakeit.Sentence(6),
		Type:      MessageTypeText,
		Timestamp: utils.Now().Add(-time.Duration(gofakeit.Number(1, 3600)) * time.Second).Unix(),
	}
	for _, opt := range opts {
		opt(&h)
	}
	return h
}
