//go:build integration

package integration_test

import (
	"encoding/json"
	"errors"
	"time"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/control"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/events"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
)

func (s *IntegrationSuite) TestPairAndSync() {
	tenantID := newTenant()
	st := s.pairAndSync(tenantID)

	s.NotEmpty(st.LinkedAccount)
	s.True(st.Active)
	s.Empty(st.PairingCode, "pairing code is hidden once ready")
	s.EqualValues(simConversations, st.Conversations)
	s.EqualValues(simConversations*simHistoryPerChat, st.Messages)
	s.GreaterOrEqual(st.Contacts, int64(simContacts))

	js, err := s.Client.NatsConn().JetStream()
	s.Require().NoError(err)
	for _, eventType := range []model.EventType{model.EventPairingCode, model.EventReady, model.EventSyncComplete} {
		subject := events.Subject(s.cfg.Events.SubjectPrefix, tenantID, eventType)
		s.Require().Eventually(func() bool {
			_, err := js.GetLastMsg(s.cfg.Events.Stream, subject)
			return err == nil
		}, 10*time.Second, 100*time.Millisecond, "no %s event in the stream", eventType)
	}

	raw, err := js.GetLastMsg(s.cfg.Events.Stream, events.Subject(s.cfg.Events.SubjectPrefix, tenantID, model.EventSyncComplete))
	s.Require().NoError(err)
	var event struct {
		TenantID string                    `json:"tenant_id"`
		Type     model.EventType           `json:"type"`
		Payload  model.SyncCompletePayload `json:"payload"`
	}
	s.Require().NoError(json.Unmarshal(raw.Data, &event))
	s.Equal(tenantID, event.TenantID)
	s.Equal(model.EventSyncComplete, event.Type)
	s.Equal(simConversations, event.Payload.Conversations)
}

func (s *IntegrationSuite) TestPairIsIdempotent() {
	tenantID := newTenant()
	first := s.pairAndSync(tenantID)

	second := s.pairAndSync(tenantID)
	s.Equal(first.LinkedAccount, second.LinkedAccount)
	s.Equal(first.Messages, second.Messages)
}

func (s *IntegrationSuite) TestSendThenReadBack() {
	tenantID := newTenant()
	s.pairAndSync(tenantID)

	var sent model.Message
	s.Require().NoError(s.call(tenantID, control.OpSend, control.SendBody{Target: "628123456789", Content: "halo dari integration"}, &sent))
	s.Equal("628123456789@c.us", sent.ChatID)
	s.Equal(model.MessageDirectionOutbound, sent.Direction)

	var msgs []model.Message
	s.Require().NoError(s.call(tenantID, control.OpMessages, control.MessagesBody{ChatID: sent.ChatID, Limit: 10}, &msgs))
	s.Require().NotEmpty(msgs)
	last := msgs[len(msgs)-1]
	s.Equal(sent.MessageID, last.MessageID)
	s.Equal("halo dari integration", last.Body)
}

func (s *IntegrationSuite) TestConversationsAndMarkRead() {
	tenantID := newTenant()
	s.pairAndSync(tenantID)

	var chats []model.Chat
	s.Require().NoError(s.call(tenantID, control.OpConversations, control.PageBody{Limit: 50}, &chats))
	s.Require().Len(chats, simConversations)

	target := chats[0].ChatID
	var ack control.Ack
	s.Require().NoError(s.call(tenantID, control.OpMarkRead, control.MarkReadBody{ChatID: target}, &ack))
	s.True(ack.OK)

	s.Require().NoError(s.call(tenantID, control.OpConversations, control.PageBody{Limit: 50}, &chats))
	for _, c := range chats {
		if c.ChatID == target {
			s.Zero(c.UnreadCount)
		}
	}
}

func (s *IntegrationSuite) TestLiveMessageIsPersisted() {
	tenantID := newTenant()
	st := s.pairAndSync(tenantID)

	s.Require().NoError(s.Sim.PushLive(tenantID))
	s.Require().Eventually(func() bool {
		return s.status(tenantID).Messages == st.Messages+1
	}, 10*time.Second, 100*time.Millisecond)
}

func (s *IntegrationSuite) TestDisconnectWithWipeKeepsOtherTenants() {
	wiped, kept := newTenant(), newTenant()
	s.pairAndSync(wiped)
	keptBefore := s.pairAndSync(kept)

	var ack control.Ack
	s.Require().NoError(s.call(wiped, control.OpDisconnect, control.DisconnectBody{Wipe: true}, &ack))
	s.True(ack.OK)

	st := s.status(wiped)
	s.False(st.Ready)
	s.Zero(st.Conversations)
	s.Zero(st.Messages)
	s.Zero(st.Contacts)
	s.NotContains(s.Sim.ReadyTenants(), wiped)

	after := s.status(kept)
	s.True(after.Ready)
	s.Equal(keptBefore.Messages, after.Messages)
	s.Equal(keptBefore.Conversations, after.Conversations)
}

func (s *IntegrationSuite) TestOperationsRequireReadySession() {
	tenantID := newTenant()

	tests := []struct {
		op   control.Op
		body interface{}
	}{
		{control.OpSync, nil},
		{control.OpSend, control.SendBody{Target: "628123456789", Content: "hi"}},
	}
	for _, tc := range tests {
		err := s.call(tenantID, tc.op, tc.body, nil)
		var re *jetstream.ReplyError
		s.Require().True(errors.As(err, &re), "op %s: %v", tc.op, err)
		s.Equal(control.CodeNotReady, re.Code, "op %s", tc.op)
	}

	err := s.call(tenantID, control.OpSend, control.SendBody{Target: "", Content: "hi"}, nil)
	var re *jetstream.ReplyError
	s.Require().True(errors.As(err, &re))
	s.Equal(control.CodeBadRequest, re.Code)
}
