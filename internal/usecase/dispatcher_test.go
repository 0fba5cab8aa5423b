package usecase

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/config"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
)

func newTestDispatcher(h *harness, b HandleBorrower) *Dispatcher {
	return NewDispatcher(config.OutboundConfig{}, b, h.ingest, h.log)
}

func TestDispatcher_Send(t *testing.T) {
	h := newHarness(t)
	fh := newFakeHandle(t, "t1")
	d := newTestDispatcher(h, newStubBorrower(fh))

	msg, err := d.Send(context.Background(), "t1", " 628111 ", "hello there")
	require.NoError(t, err)

	assert.Equal(t, []string{"628111@c.us"}, fh.SentTargets())
	assert.Equal(t, "628111@c.us", msg.ChatID)
	assert.Equal(t, model.MessageDirectionOutbound, msg.Direction)
	assert.True(t, msg.Read)
	assert.Equal(t, "hello there", msg.Body)
	assert.NotEmpty(t, msg.MessageID)
	assert.False(t, msg.Timestamp.IsZero())

	require.True(t, h.ingest.WaitPending(context.Background(), "t1", "628111@c.us", waitFor))
	stored := h.store.Messages("t1")
	require.Len(t, stored, 1)
	assert.Equal(t, msg.MessageID, stored[0].MessageID)
	assert.True(t, stored[0].Read)
	chat, ok := h.store.Chat("t1", "628111@c.us")
	require.True(t, ok)
	assert.Zero(t, chat.UnreadCount)
	assert.Zero(t, h.events.Count("t1", model.EventMessage), "outbound messages are not echoed as events")
}

func TestDispatcher_AddressedTargetPassesThrough(t *testing.T) {
	h := newHarness(t)
	fh := newFakeHandle(t, "t1")
	d := newTestDispatcher(h, newStubBorrower(fh))

	msg, err := d.Send(context.Background(), "t1", "120363@g.us", "hi all")
	require.NoError(t, err)
	assert.Equal(t, "120363@g.us", msg.ChatID)
	assert.Equal(t, []string{"120363@g.us"}, fh.SentTargets())
}

func TestDispatcher_LegacyGroupTarget(t *testing.T) {
	h := newHarness(t)
	fh := newFakeHandle(t, "t1")
	d := newTestDispatcher(h, newStubBorrower(fh))

	msg, err := d.Send(context.Background(), "t1", "628123456789-1600000000", "hi group")
	require.NoError(t, err)
	assert.Equal(t, "628123456789-1600000000@g.us", msg.ChatID)
	assert.Equal(t, []string{"628123456789-1600000000@g.us"}, fh.SentTargets())
}

func TestDispatcher_Failures(t *testing.T) {
	policyErr := fmt.Errorf("%w: account restricted", apperrors.ErrPolicyViolation)

	tests := []struct {
		name    string
		target  string
		content string
		setup   func(fh *fakeHandleSetup)
		wantErr error
		sent    int
	}{
		{
			name:    "invalid target",
			target:  "alice",
			content: "hi",
			wantErr: apperrors.ErrValidation,
		},
		{
			name:    "empty content",
			target:  "628111",
			wantErr: apperrors.ErrValidation,
		},
		{
			name:    "handle not ready",
			target:  "628111",
			content: "hi",
			setup:   func(s *fakeHandleSetup) { s.borrowErr = apperrors.ErrNotReady },
			wantErr: apperrors.ErrNotReady,
		},
		{
			name:    "platform refusal is returned as is",
			target:  "628111",
			content: "hi",
			setup: func(s *fakeHandleSetup) {
				s.sendFn = func(string, string) (model.SentMessage, error) { return model.SentMessage{}, policyErr }
			},
			wantErr: policyErr,
			sent:    1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			fh := newFakeHandle(t, "t1")
			setup := &fakeHandleSetup{}
			if tt.setup != nil {
				tt.setup(setup)
			}
			fh.SendFn = setup.sendFn
			b := newStubBorrower(fh)
			b.err = setup.borrowErr
			d := newTestDispatcher(h, b)

			_, err := d.Send(context.Background(), "t1", tt.target, tt.content)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Len(t, fh.SentTargets(), tt.sent)
			assert.Empty(t, h.store.Messages("t1"))
		})
	}
}

type fakeHandleSetup struct {
	borrowErr error
	sendFn    func(target, content string) (model.SentMessage, error)
}
