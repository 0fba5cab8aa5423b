package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
)

func liveMessage(chatID string, opts ...func(*model.HistoryMessage)) model.HistoryMessage {
	return model.NewHistoryMessage(chatID, opts...)
}

func (h *harness) drain(tenantID, chatID string) {
	h.t.Helper()
	require.True(h.t, h.ingest.WaitPending(context.Background(), tenantID, chatID, waitFor))
}

func TestIngestWorker_LiveInbound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		msg := liveMessage("628111@c.us", func(m *model.HistoryMessage) { m.NotifyName = "Ana" })
		require.NoError(t, h.ingest.SubmitLive(ctx, "t1", msg))
		h.drain("t1", "628111@c.us")
	}

	chat, ok := h.store.Chat("t1", "628111@c.us")
	require.True(t, ok)
	assert.Equal(t, int32(2), chat.UnreadCount)
	assert.Equal(t, "Ana", chat.Name)
	assert.NotNil(t, chat.LastMessageAt)

	contact, ok := h.store.Contact("t1", "628111")
	require.True(t, ok)
	assert.Equal(t, "Ana", contact.Name)
	assert.Equal(t, model.ContactOriginMessage, contact.Origin)
	assert.True(t, h.known.MaybeKnown("t1", "628111"))

	stored := h.store.Messages("t1")
	require.Len(t, stored, 2)
	for _, m := range stored {
		assert.Equal(t, model.MessageDirectionInbound, m.Direction)
		assert.False(t, m.Read)
	}
	assert.Equal(t, 2, h.events.Count("t1", model.EventMessage))
}

func TestIngestWorker_OutboundResetsUnread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ingest.SubmitLive(ctx, "t1", liveMessage("628111@c.us")))
	h.drain("t1", "628111@c.us")

	out := *model.NewMessage("t1", "628111@c.us", func(m *model.Message) {
		m.Direction = model.MessageDirectionOutbound
		m.Read = true
		m.Timestamp = time.Now().UTC()
	})
	require.NoError(t, h.ingest.SubmitOutbound(ctx, "t1", out))
	h.drain("t1", "628111@c.us")

	chat, _ := h.store.Chat("t1", "628111@c.us")
	assert.Zero(t, chat.UnreadCount)
	assert.Len(t, h.store.Messages("t1"), 2)
	assert.Equal(t, 1, h.events.Count("t1", model.EventMessage))
}

func TestIngestWorker_Persist(t *testing.T) {
	tests := []struct {
		name        string
		msg         model.HistoryMessage
		preKnown    bool
		wantChat    bool
		wantContact bool
		wantName    string
		wantGroup   bool
		wantChatAs  string
	}{
		{
			name: "group message has no counterpart contact",
			msg: liveMessage("120363@g.us", func(m *model.HistoryMessage) {
				m.Author = "628333@c.us"
				m.NotifyName = "Citra"
			}),
			wantChat:   true,
			wantGroup:  true,
			wantChatAs: "120363",
		},
		{
			name:        "placeholder sender name is not stored",
			msg:         liveMessage("628111@c.us", func(m *model.HistoryMessage) { m.NotifyName = "WhatsApp Business" }),
			wantChat:    true,
			wantContact: true,
			wantChatAs:  "628111",
		},
		{
			name:     "known contact without a name is not rewritten",
			msg:        liveMessage("628111@c.us"),
			preKnown:   true,
			wantChat:   true,
			wantChatAs: "628111",
		},
		{
			name: "message without id is skipped",
			msg:  liveMessage("628111@c.us", func(m *model.HistoryMessage) { m.ID = "" }),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.preKnown {
				h.known.MarkKnown("t1", "628111")
			}
			err := h.ingest.Persist(IngestTask{
				Kind:       IngestKindLive,
				TenantID:   "t1",
				Message:    toMessage("t1", tt.msg),
				SenderName: tt.msg.NotifyName,
			})
			require.NoError(t, err)

			chat, ok := h.store.Chat("t1", tt.msg.ChatID)
			assert.Equal(t, tt.wantChat, ok)
			if ok {
				assert.Equal(t, tt.wantGroup, chat.IsGroup)
				assert.Equal(t, tt.wantChatAs, chat.Name)
			}
			contact, ok := h.store.Contact("t1", "628111")
			assert.Equal(t, tt.wantContact, ok)
			if ok {
				assert.Equal(t, tt.wantName, contact.Name)
			}
			_, ok = h.store.Contact("t1", "120363")
			assert.False(t, ok)
		})
	}
}

func TestIngestWorker_NewChatNamedByNumber(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out := *model.NewMessage("t1", "447000000@c.us", func(m *model.Message) {
		m.Direction = model.MessageDirectionOutbound
		m.Read = true
	})
	require.NoError(t, h.ingest.SubmitOutbound(ctx, "t1", out))
	h.drain("t1", "447000000@c.us")

	in := liveMessage("555123@c.us", func(m *model.HistoryMessage) { m.NotifyName = "" })
	require.NoError(t, h.ingest.SubmitLive(ctx, "t1", in))
	h.drain("t1", "555123@c.us")

	chat, ok := h.store.Chat("t1", "447000000@c.us")
	require.True(t, ok)
	assert.Equal(t, "447000000", chat.Name)
	chat, ok = h.store.Chat("t1", "555123@c.us")
	require.True(t, ok)
	assert.Equal(t, "555123", chat.Name)
}

func TestIngestWorker_NumberDoesNotReplaceKnownName(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	named := liveMessage("628111@c.us", func(m *model.HistoryMessage) { m.NotifyName = "Ana" })
	require.NoError(t, h.ingest.SubmitLive(ctx, "t1", named))
	h.drain("t1", "628111@c.us")

	out := *model.NewMessage("t1", "628111@c.us", func(m *model.Message) {
		m.Direction = model.MessageDirectionOutbound
		m.Read = true
	})
	require.NoError(t, h.ingest.SubmitOutbound(ctx, "t1", out))
	h.drain("t1", "628111@c.us")

	chat, _ := h.store.Chat("t1", "628111@c.us")
	assert.Equal(t, "Ana", chat.Name)
}

func TestIngestWorker_GroupSenderKept(t *testing.T) {
	h := newHarness(t)
	msg := liveMessage("120363@g.us", func(m *model.HistoryMessage) { m.Author = "628333@c.us" })

	require.NoError(t, h.ingest.SubmitLive(context.Background(), "t1", msg))
	h.drain("t1", "120363@g.us")

	stored := h.store.Messages("t1")
	require.Len(t, stored, 1)
	assert.Equal(t, "628333", stored[0].Sender)
}

func TestIngestWorker_SubmitAfterStop(t *testing.T) {
	h := newHarness(t)
	h.ingest.Stop()

	err := h.ingest.SubmitLive(context.Background(), "t1", liveMessage("628111@c.us"))
	require.Error(t, err)
	assert.True(t, h.ingest.WaitPending(context.Background(), "t1", "628111@c.us", time.Millisecond))
}

func TestPendingWrites(t *testing.T) {
	p := newPendingWrites()
	ctx := context.Background()

	assert.True(t, p.wait(ctx, "t1", "c1", time.Millisecond), "nothing pending")

	p.add("t1", "c1")
	p.add("t1", "c1")
	assert.False(t, p.wait(ctx, "t1", "c1", 5*time.Millisecond))
	assert.True(t, p.wait(ctx, "t1", "c2", time.Millisecond), "other chats are not affected")

	p.done("t1", "c1")
	assert.False(t, p.wait(ctx, "t1", "c1", 5*time.Millisecond))

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.done("t1", "c1")
	}()
	assert.True(t, p.wait(ctx, "t1", "c1", waitFor))

	p.add("t1", "c1")
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.False(t, p.wait(cancelled, "t1", "c1", waitFor))
}
