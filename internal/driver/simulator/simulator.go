// Package simulator answers the natsdriver protocol with generated accounts so the orchestrator
// can run end to end without a browser sidecar.
package simulator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/driver"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/driver/natsdriver"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/utils"
)

// CodeBadRequest is returned for requests the simulator cannot parse.
const CodeBadRequest = "bad_request"

// Config shapes the generated accounts and the pairing timeline.
type Config struct {
	Prefix string
	// CodeDelay is the time from start to the pairing code.
	CodeDelay time.Duration
	// PairDelay is the time from the pairing code to authenticated and ready.
	PairDelay time.Duration
	// WarmUp is how long probes keep answering false after ready.
	WarmUp                 time.Duration
	Conversations          int
	GroupEvery             int
	HistoryPerConversation int
	Contacts               int
	// PolicyFailureRate is the share of sends refused with a policy error, 0 to 1.
	PolicyFailureRate float64
}

// Publisher pushes one signal on a core NATS subject.
type Publisher func(subject string, data []byte) error

// Reply is the answer to one request. Code is set instead of Data on failure.
type Reply struct {
	Data    []byte
	Code    string
	Message string
}

type account struct {
	number   string
	pushName string
	ready    bool
	readyAt  time.Time
	convs    []model.Conversation
	history  map[string][]model.HistoryMessage
	contacts []model.DirectoryContact
	timers   []*time.Timer
}

type signalBody struct {
	Code    string                `json:"code,omitempty"`
	Reason  string                `json:"reason,omitempty"`
	Account *model.AccountInfo    `json:"account,omitempty"`
	Message *model.HistoryMessage `json:"message,omitempty"`
}

type historyRequest struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit"`
}

type sendRequest struct {
	Target  string `json:"target"`
	Content string `json:"content"`
}

// Simulator keeps one generated account per started tenant.
type Simulator struct {
	cfg     Config
	publish Publisher
	now     func() time.Time

	mu       sync.Mutex
	accounts map[string]*account
	log      *zap.Logger
}

// New creates a Simulator. Zero sizes fall back to small defaults.
func New(cfg Config, publish Publisher, baseLogger *zap.Logger) *Simulator {
	if cfg.Prefix == "" {
		cfg.Prefix = "wa.driver"
	}
	if cfg.Conversations <= 0 {
		cfg.Conversations = 8
	}
	if cfg.GroupEvery <= 0 {
		cfg.GroupEvery = 4
	}
	if cfg.HistoryPerConversation <= 0 {
		cfg.HistoryPerConversation = 20
	}
	if cfg.Contacts < 0 {
		cfg.Contacts = 0
	}
	return &Simulator{
		cfg:      cfg,
		publish:  publish,
		now:      utils.Now,
		accounts: make(map[string]*account),
		log:      baseLogger.Named("simulator"),
	}
}

// Wildcard is the subject matching every request, but not the signal subjects.
func (s *Simulator) Wildcard() string {
	return s.cfg.Prefix + ".*.*"
}

func (s *Simulator) parse(subject string) (tenantID, op string, ok bool) {
	rest := strings.TrimPrefix(subject, s.cfg.Prefix+".")
	if rest == subject {
		return "", "", false
	}
	parts := strings.Split(rest, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Handle answers one request.
func (s *Simulator) Handle(subject string, body []byte) Reply {
	tenantID, op, ok := s.parse(subject)
	if !ok {
		return failure(CodeBadRequest, "malformed subject "+subject)
	}
	var r Reply
	switch op {
	case natsdriver.OpStart:
		r = s.start(tenantID)
	case natsdriver.OpProbe:
		r = s.probe(tenantID)
	case natsdriver.OpConversations:
		r = s.withAccount(tenantID, func(a *account) Reply { return encode(a.convs) })
	case natsdriver.OpHistory:
		r = s.history(tenantID, body)
	case natsdriver.OpContacts:
		r = s.withAccount(tenantID, func(a *account) Reply { return encode(a.contacts) })
	case natsdriver.OpSend:
		r = s.send(tenantID, body)
	case natsdriver.OpDestroy:
		s.destroy(tenantID)
	default:
		r = failure(natsdriver.CodeUnsupported, "operation "+op)
	}
	observer.IncSimulatorRequest(op, r.Code)
	return r
}

// Respond answers msg on its reply subject. Failures travel in jetstream.HeaderError with the
// message as body.
func (s *Simulator) Respond(msg *nats.Msg) error {
	r := s.Handle(msg.Subject, msg.Data)
	if msg.Reply == "" {
		return nil
	}
	reply := nats.NewMsg(msg.Reply)
	reply.Data = r.Data
	if r.Code != "" {
		reply.Header.Set(jetstream.HeaderError, r.Code)
		reply.Data = []byte(r.Message)
	}
	return msg.RespondMsg(reply)
}

func failure(code, message string) Reply {
	return Reply{Code: code, Message: message}
}

func encode(v interface{}) Reply {
	data, err := json.Marshal(v)
	if err != nil {
		return failure(CodeBadRequest, err.Error())
	}
	return Reply{Data: data}
}

// start generates the account on first use and schedules the pairing timeline.
// Starting an account that already paired replays ready.
func (s *Simulator) start(tenantID string) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, found := s.accounts[tenantID]
	if found && a.ready {
		s.schedule(tenantID, a, 0, func() { s.emitReady(tenantID, a) })
		return Reply{}
	}
	if !found {
		a = s.generate()
		s.accounts[tenantID] = a
	}
	code := strings.ToUpper(gofakeit.LetterN(4) + "-" + gofakeit.LetterN(4))
	s.schedule(tenantID, a, s.cfg.CodeDelay, func() {
		s.emit(tenantID, driver.SignalPairingCode, signalBody{Code: code})
	})
	s.schedule(tenantID, a, s.cfg.CodeDelay+s.cfg.PairDelay, func() {
		s.emit(tenantID, driver.SignalAuthenticated, signalBody{})
		s.mu.Lock()
		if s.accounts[tenantID] == a {
			a.ready = true
			a.readyAt = s.now()
		}
		s.mu.Unlock()
		s.emitReady(tenantID, a)
	})
	return Reply{}
}

// schedule runs fn after d unless the account was destroyed meanwhile. Callers hold s.mu.
func (s *Simulator) schedule(tenantID string, a *account, d time.Duration, fn func()) {
	t := time.AfterFunc(d, func() {
		s.mu.Lock()
		current := s.accounts[tenantID] == a
		s.mu.Unlock()
		if current {
			fn()
		}
	})
	a.timers = append(a.timers, t)
}

func (s *Simulator) emitReady(tenantID string, a *account) {
	s.emit(tenantID, driver.SignalReady, signalBody{Account: &model.AccountInfo{
		Account:  a.number,
		PushName: a.pushName,
		Platform: "simulator",
	}})
}

func (s *Simulator) emit(tenantID string, kind driver.SignalKind, body signalBody) {
	data, err := json.Marshal(body)
	if err == nil {
		err = s.publish(s.cfg.Prefix+"."+tenantID+".signal."+string(kind), data)
	}
	observer.IncSimulatorSignal(string(kind), err)
	if err != nil {
		s.log.Warn("Failed to push signal", zap.String("tenant_id", tenantID), zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (s *Simulator) probe(tenantID string) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, found := s.accounts[tenantID]
	if !found || !a.ready {
		return failure(natsdriver.CodeNotReady, "tenant "+tenantID+" is not paired")
	}
	return encode(struct {
		Ready bool `json:"ready"`
	}{!s.now().Before(a.readyAt.Add(s.cfg.WarmUp))})
}

func (s *Simulator) withAccount(tenantID string, fn func(a *account) Reply) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, found := s.accounts[tenantID]
	if !found || !a.ready {
		return failure(natsdriver.CodeNotReady, "tenant "+tenantID+" is not paired")
	}
	return fn(a)
}

func (s *Simulator) history(tenantID string, body []byte) Reply {
	var req historyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return failure(CodeBadRequest, err.Error())
	}
	return s.withAccount(tenantID, func(a *account) Reply {
		all, found := a.history[req.ConversationID]
		if !found {
			return failure(natsdriver.CodeNotFound, "conversation "+req.ConversationID)
		}
		if req.Limit > 0 && req.Limit < len(all) {
			all = all[len(all)-req.Limit:]
		}
		return encode(all)
	})
}

func (s *Simulator) send(tenantID string, body []byte) Reply {
	var req sendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return failure(CodeBadRequest, err.Error())
	}
	if req.Target == "" {
		return failure(CodeBadRequest, "target is required")
	}
	return s.withAccount(tenantID, func(a *account) Reply {
		if s.cfg.PolicyFailureRate > 0 && gofakeit.Float64Range(0, 1) < s.cfg.PolicyFailureRate {
			return failure(natsdriver.CodePolicy, "account restricted from messaging "+req.Target)
		}
		ts := s.now().Unix()
		msg := model.HistoryMessage{
			ID:        "true_" + req.Target + "_" + gofakeit.LetterN(20),
			ChatID:    req.Target,
			From:      a.number + "@c.us",
			FromMe:    true,
			Body:      req.Content,
			Type:      model.MessageTypeText,
			Timestamp: ts,
		}
		if _, found := a.history[req.Target]; !found {
			a.convs = append(a.convs, model.Conversation{ID: req.Target, Timestamp: ts})
		}
		a.history[req.Target] = append(a.history[req.Target], msg)
		return encode(model.SentMessage{ID: msg.ID, ChatID: msg.ChatID, Timestamp: ts})
	})
}

func (s *Simulator) destroy(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, found := s.accounts[tenantID]
	if !found {
		return
	}
	for _, t := range a.timers {
		t.Stop()
	}
	delete(s.accounts, tenantID)
}

// Disconnect drops a tenant's account as if the phone logged out.
func (s *Simulator) Disconnect(tenantID, reason string) bool {
	s.mu.Lock()
	_, found := s.accounts[tenantID]
	s.mu.Unlock()
	if !found {
		return false
	}
	s.destroy(tenantID)
	s.emit(tenantID, driver.SignalDisconnected, signalBody{Reason: reason})
	return true
}

// ReadyTenants lists tenants whose account finished pairing.
func (s *Simulator) ReadyTenants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, a := range s.accounts {
		if a.ready {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// PushLive appends an inbound message to a random conversation of a ready tenant and pushes it.
func (s *Simulator) PushLive(tenantID string) error {
	s.mu.Lock()
	a, found := s.accounts[tenantID]
	if !found || !a.ready || len(a.convs) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("tenant %s is not ready", tenantID)
	}
	conv := a.convs[gofakeit.Number(0, len(a.convs)-1)]
	msg := s.incoming(conv, s.now().Unix())
	a.history[conv.ID] = append(a.history[conv.ID], msg)
	s.mu.Unlock()

	s.emit(tenantID, driver.SignalMessage, signalBody{Message: &msg})
	return nil
}

func (s *Simulator) incoming(conv model.Conversation, ts int64) model.HistoryMessage {
	return model.NewHistoryMessage(conv.ID, func(m *model.HistoryMessage) {
		m.Timestamp = ts
		if conv.IsGroup {
			member := model.FakeNumber() + "@c.us"
			m.From = member
			m.Author = member
			m.NotifyName = gofakeit.FirstName()
		} else if conv.PushName != "" {
			m.NotifyName = conv.PushName
		}
	})
}

// generate builds an account with conversations, their history oldest first, and a directory.
func (s *Simulator) generate() *account {
	a := &account{
		number:   model.FakeNumber(),
		pushName: gofakeit.Name(),
		history:  make(map[string][]model.HistoryMessage),
	}
	end := s.now().Unix()
	for i := 0; i < s.cfg.Conversations; i++ {
		var conv model.Conversation
		if (i+1)%s.cfg.GroupEvery == 0 {
			conv = model.Conversation{
				ID:      fmt.Sprintf("120363%012d@g.us", gofakeit.Number(1, 999999999)),
				Name:    gofakeit.Company(),
				IsGroup: true,
			}
		} else {
			conv = model.Conversation{ID: model.FakeNumber() + "@c.us"}
			if i%2 == 0 {
				conv.Name = gofakeit.Name()
			} else {
				conv.PushName = gofakeit.FirstName()
			}
		}
		start := end - int64(s.cfg.HistoryPerConversation*60) - int64(i*3600)
		msgs := make([]model.HistoryMessage, 0, s.cfg.HistoryPerConversation)
		for j := 0; j < s.cfg.HistoryPerConversation; j++ {
			ts := start + int64(j*60)
			if gofakeit.Bool() {
				msgs = append(msgs, s.incoming(conv, ts))
				continue
			}
			msgs = append(msgs, model.NewHistoryMessage(conv.ID, func(m *model.HistoryMessage) {
				m.ID = "true_" + conv.ID + "_" + gofakeit.LetterN(20)
				m.From = a.number + "@c.us"
				m.FromMe = true
				m.Timestamp = ts
			}))
		}
		if n := len(msgs); n > 0 {
			conv.Timestamp = msgs[n-1].Timestamp
			if !msgs[n-1].FromMe {
				conv.UnreadCount = int32(gofakeit.Number(1, 3))
			}
		}
		a.convs = append(a.convs, conv)
		a.history[conv.ID] = msgs
	}
	for i := 0; i < s.cfg.Contacts; i++ {
		a.contacts = append(a.contacts, model.DirectoryContact{
			Number:      model.FakeNumber(),
			Name:        gofakeit.Name(),
			PushName:    gofakeit.FirstName(),
			IsBusiness:  gofakeit.Number(0, 9) == 0,
			IsMyContact: true,
		})
	}
	return a
}
