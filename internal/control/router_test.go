package control

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/usecase"
)

type mockController struct {
	mock.Mock
}

func (m *mockController) StartPairing(ctx context.Context, tenantID string) (usecase.Status, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).(usecase.Status), args.Error(1)
}

func (m *mockController) GetStatus(ctx context.Context, tenantID string) (usecase.Status, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).(usecase.Status), args.Error(1)
}

func (m *mockController) TriggerSync(ctx context.Context, tenantID string) error {
	return m.Called(ctx, tenantID).Error(0)
}

func (m *mockController) SendMessage(ctx context.Context, tenantID, target, content string) (model.Message, error) {
	args := m.Called(ctx, tenantID, target, content)
	return args.Get(0).(model.Message), args.Error(1)
}

func (m *mockController) Disconnect(ctx context.Context, tenantID string, wipe bool) error {
	return m.Called(ctx, tenantID, wipe).Error(0)
}

func (m *mockController) MarkRead(ctx context.Context, tenantID, chatID string) error {
	return m.Called(ctx, tenantID, chatID).Error(0)
}

func (m *mockController) ListConversations(ctx context.Context, tenantID string, limit, offset int) ([]model.Chat, error) {
	args := m.Called(ctx, tenantID, limit, offset)
	return args.Get(0).([]model.Chat), args.Error(1)
}

func (m *mockController) ListMessages(ctx context.Context, tenantID, chatID string, limit int) ([]model.Message, error) {
	args := m.Called(ctx, tenantID, chatID, limit)
	return args.Get(0).([]model.Message), args.Error(1)
}

func TestRouter_Parse(t *testing.T) {
	r := NewRouter("wa.control.")

	tests := []struct {
		subject    string
		wantTenant string
		wantOp     Op
		wantErr    bool
	}{
		{"wa.control.t1.pair", "t1", OpPair, false},
		{"wa.control.tenant-42.mark-read", "tenant-42", OpMarkRead, false},
		{"wa.control.t1", "", "", true},
		{"wa.control.t1.send.extra", "", "", true},
		{"wa.control..send", "", "", true},
		{"wa.driver.t1.send", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			tenantID, op, err := r.Parse(tt.subject)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperrors.ErrBadRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTenant, tenantID)
			assert.Equal(t, tt.wantOp, op)
		})
	}

	assert.Equal(t, "wa.control.t1.status", r.Subject("t1", OpStatus))
	assert.Equal(t, "wa.control.*.*", r.Wildcard())
}

func TestRouter_Route(t *testing.T) {
	r := NewRouter("wa.control")
	var gotTenant string
	r.Register(OpStatus, func(ctx context.Context, tenantID string, _ []byte) (interface{}, error) {
		gotTenant, _ = tenant.FromContext(ctx)
		return tenantID, nil
	})

	res, err := r.Route(context.Background(), "wa.control.t1.status", nil)
	require.NoError(t, err)
	assert.Equal(t, "t1", res)
	assert.Equal(t, "t1", gotTenant)

	_, err = r.Route(context.Background(), "wa.control.t1.reboot", nil)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	r.RegisterDefault(func(context.Context, string, []byte) (interface{}, error) {
		return "fallback", nil
	})
	res, err = r.Route(context.Background(), "wa.control.t1.reboot", nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", res)
}

func TestRegister_Operations(t *testing.T) {
	sent := model.Message{MessageID: "out-1", ChatID: "628111@c.us", Direction: model.MessageDirectionOutbound}

	tests := []struct {
		name    string
		op      Op
		body    string
		setup   func(c *mockController)
		want    interface{}
		wantErr error
	}{
		{
			name:  "pair",
			op:    OpPair,
			setup: func(c *mockController) { c.On("StartPairing", mock.Anything, "t1").Return(usecase.Status{TenantID: "t1", PairingCode: "ABC"}, nil) },
			want:  usecase.Status{TenantID: "t1", PairingCode: "ABC"},
		},
		{
			name:  "status",
			op:    OpStatus,
			setup: func(c *mockController) { c.On("GetStatus", mock.Anything, "t1").Return(usecase.Status{TenantID: "t1", Ready: true}, nil) },
			want:  usecase.Status{TenantID: "t1", Ready: true},
		},
		{
			name:    "sync when not ready",
			op:      OpSync,
			setup:   func(c *mockController) { c.On("TriggerSync", mock.Anything, "t1").Return(apperrors.ErrNotReady) },
			wantErr: apperrors.ErrNotReady,
		},
		{
			name:  "send",
			op:    OpSend,
			body:  `{"target":"628111","content":"hi"}`,
			setup: func(c *mockController) { c.On("SendMessage", mock.Anything, "t1", "628111", "hi").Return(sent, nil) },
			want:  sent,
		},
		{
			name:    "send without content",
			op:      OpSend,
			body:    `{"target":"628111"}`,
			wantErr: apperrors.ErrValidation,
		},
		{
			name:    "send with broken json",
			op:      OpSend,
			body:    `{"target":`,
			wantErr: apperrors.ErrBadRequest,
		},
		{
			name:  "disconnect with wipe",
			op:    OpDisconnect,
			body:  `{"wipe":true}`,
			setup: func(c *mockController) { c.On("Disconnect", mock.Anything, "t1", true).Return(nil) },
			want:  Ack{OK: true},
		},
		{
			name:  "disconnect without body",
			op:    OpDisconnect,
			setup: func(c *mockController) { c.On("Disconnect", mock.Anything, "t1", false).Return(nil) },
			want:  Ack{OK: true},
		},
		{
			name:  "mark read",
			op:    OpMarkRead,
			body:  `{"chat_id":"628111@c.us"}`,
			setup: func(c *mockController) { c.On("MarkRead", mock.Anything, "t1", "628111@c.us").Return(nil) },
			want:  Ack{OK: true},
		},
		{
			name:  "conversations",
			op:    OpConversations,
			body:  `{"limit":20,"offset":40}`,
			setup: func(c *mockController) { c.On("ListConversations", mock.Anything, "t1", 20, 40).Return([]model.Chat{}, nil) },
			want:  []model.Chat{},
		},
		{
			name:    "conversations page too large",
			op:      OpConversations,
			body:    `{"limit":5000}`,
			wantErr: apperrors.ErrValidation,
		},
		{
			name:  "messages",
			op:    OpMessages,
			body:  `{"chat_id":"628111@c.us","limit":10}`,
			setup: func(c *mockController) { c.On("ListMessages", mock.Anything, "t1", "628111@c.us", 10).Return([]model.Message{sent}, nil) },
			want:  []model.Message{sent},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := new(mockController)
			if tt.setup != nil {
				tt.setup(c)
			}
			r := NewRouter("wa.control")
			Register(r, c)

			res, err := r.Route(context.Background(), r.Subject("t1", tt.op), []byte(tt.body))
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, res)
			}
			c.AssertExpectations(t)
		})
	}
}
