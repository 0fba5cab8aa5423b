package natsdriver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/driver"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/jetstream"
	jsmock "gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/jetstream/mock"
)

func newTestHandle(t *testing.T) (*Handle, *jsmock.ClientMock, *[]driver.Signal) {
	t.Helper()
	client := new(jsmock.ClientMock)
	client.On("Subscribe", "wa.driver.42.signal.*", mock.Anything).Return(nil, nil).Once()

	var got []driver.Signal
	h, err := NewFactory(client, "wa.driver", time.Second).New(context.Background(), "42", func(s driver.Signal) {
		got = append(got, s)
	})
	require.NoError(t, err)
	return h.(*Handle), client, &got
}

func TestDecodeSignal(t *testing.T) {
	tests := []struct {
		name    string
		kind    driver.SignalKind
		body    string
		wantErr bool
		check   func(t *testing.T, s driver.Signal)
	}{
		{"pairing code", driver.SignalPairingCode, `{"code":"2@abc"}`, false, func(t *testing.T, s driver.Signal) {
			assert.Equal(t, "2@abc", s.Code)
		}},
		{"empty pairing code", driver.SignalPairingCode, `{}`, true, nil},
		{"authenticated without body", driver.SignalAuthenticated, ``, false, nil},
		{"ready", driver.SignalReady, `{"account":{"account":"628111","push_name":"Ana"}}`, false, func(t *testing.T, s driver.Signal) {
			assert.Equal(t, "628111", s.Account.Account)
			assert.Equal(t, "Ana", s.Account.PushName)
		}},
		{"ready without account", driver.SignalReady, `{}`, true, nil},
		{"ready with blank account", driver.SignalReady, `{"account":{"account":""}}`, true, nil},
		{"disconnected", driver.SignalDisconnected, `{"reason":"LOGOUT"}`, false, func(t *testing.T, s driver.Signal) {
			assert.Equal(t, "LOGOUT", s.Reason)
		}},
		{"message", driver.SignalMessage, `{"message":{"id":"m1","chat_id":"628222@c.us","body":"hi","timestamp":1700000000}}`, false, func(t *testing.T, s driver.Signal) {
			require.NotNil(t, s.Message)
			assert.Equal(t, "m1", s.Message.ID)
		}},
		{"message missing chat", driver.SignalMessage, `{"message":{"id":"m1"}}`, true, nil},
		{"unknown kind", driver.SignalKind("battery"), `{}`, true, nil},
		{"garbage", driver.SignalPairingCode, `{`, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := decodeSignal(tt.kind, []byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, sig.Kind)
			if tt.check != nil {
				tt.check(t, sig)
			}
		})
	}
}

func TestMapReplyError(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{CodePolicy, apperrors.ErrPolicyViolation},
		{CodeUnsupported, driver.ErrUnsupported},
		{CodeNotReady, apperrors.ErrNotReady},
		{CodeAuth, apperrors.ErrAuthFailure},
		{CodeNotFound, apperrors.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := mapReplyError("send", &jetstream.ReplyError{Code: tt.code, Message: "x"})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	other := mapReplyError("send", &jetstream.ReplyError{Code: "boom"})
	var re *jetstream.ReplyError
	assert.ErrorAs(t, other, &re)

	plain := mapReplyError("send", apperrors.ErrTimeout)
	assert.ErrorIs(t, plain, apperrors.ErrTimeout)
}

func TestHandleSignalDispatch(t *testing.T) {
	h, _, got := newTestHandle(t)

	h.handleSignal(&nats.Msg{Subject: "wa.driver.42.signal.pairing-code", Data: []byte(`{"code":"ABC"}`)})
	h.handleSignal(&nats.Msg{Subject: "wa.driver.42.signal.pairing-code", Data: []byte(`{}`)})

	require.Len(t, *got, 1)
	assert.Equal(t, "ABC", (*got)[0].Code)
}

func TestSend(t *testing.T) {
	h, client, _ := newTestHandle(t)

	client.On("Request", mock.Anything, "wa.driver.42.send", mock.Anything, mock.Anything).
		Return([]byte(`{"id":"out-1","chat_id":"628222@c.us","timestamp":1700000000}`), nil).Once()

	sent, err := h.Send(context.Background(), "628222@c.us", "hello")
	require.NoError(t, err)
	assert.Equal(t, "out-1", sent.ID)

	client.On("Request", mock.Anything, "wa.driver.42.send", mock.Anything, mock.Anything).
		Return(nil, &jetstream.ReplyError{Code: CodePolicy, Message: "24h window closed"}).Once()

	_, err = h.Send(context.Background(), "628222@c.us", "hello")
	assert.ErrorIs(t, err, apperrors.ErrPolicyViolation)
	client.AssertExpectations(t)
}

func TestProbe(t *testing.T) {
	h, client, _ := newTestHandle(t)

	client.On("Request", mock.Anything, "wa.driver.42.probe", mock.Anything, mock.Anything).
		Return(nil, &jetstream.ReplyError{Code: CodeNotReady}).Once()
	ok, err := h.Probe(context.Background())
	assert.NoError(t, err)
	assert.False(t, ok)

	client.On("Request", mock.Anything, "wa.driver.42.probe", mock.Anything, mock.Anything).
		Return([]byte(`{"ready":true}`), nil).Once()
	ok, err = h.Probe(context.Background())
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestListConversationsSkipsInvalid(t *testing.T) {
	h, client, _ := newTestHandle(t)
	client.On("Request", mock.Anything, "wa.driver.42.conversations", mock.Anything, mock.Anything).
		Return([]byte(`[{"id":"1@c.us","name":"A"},{"id":"","name":"broken"},{"id":"2@g.us","is_group":true}]`), nil)

	convs, err := h.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "2@g.us", convs[1].ID)
}

func TestFetchHistoryFillsChatID(t *testing.T) {
	h, client, _ := newTestHandle(t)
	client.On("Request", mock.Anything, "wa.driver.42.history", mock.Anything, mock.Anything).
		Return([]byte(`[{"id":"m1","body":"a","timestamp":1},{"id":"","body":"b","timestamp":2}]`), nil)

	msgs, err := h.FetchHistory(context.Background(), "1@c.us", 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "1@c.us", msgs[0].ChatID)
}

func TestDestroy(t *testing.T) {
	h, client, got := newTestHandle(t)
	client.On("Request", mock.Anything, "wa.driver.42.destroy", mock.Anything, mock.Anything).Return(nil, nil).Once()

	require.NoError(t, h.Destroy(context.Background()))
	require.NoError(t, h.Destroy(context.Background()))

	_, err := h.ListConversations(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrHandleGone)

	h.handleSignal(&nats.Msg{Subject: "wa.driver.42.signal.authenticated"})
	assert.Empty(t, *got)
	client.AssertExpectations(t)
}

func TestNewSubscribeFailure(t *testing.T) {
	client := new(jsmock.ClientMock)
	client.On("Subscribe", mock.Anything, mock.Anything).Return(nil, errors.New("no conn"))

	_, err := NewFactory(client, "wa.driver", 0).New(context.Background(), "1", func(driver.Signal) {})
	assert.Error(t, err)
}
