package mock

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
)

// Recorder is an events.Publisher that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

// Publish records the event.
func (r *Recorder) Publish(_ context.Context, tenantID string, eventType model.EventType, payload interface{}) model.Event {
	e := model.Event{ID: uuid.NewString(), TenantID: tenantID, Type: eventType, Payload: payload}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return e
}

// Events returns the recorded events of a tenant in publication order.
func (r *Recorder) Events(tenantID string) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, e := range r.events {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out
}

// Types returns the recorded event types of a tenant in publication order.
func (r *Recorder) Types(tenantID string) []model.EventType {
	var out []model.EventType
	for _, e := range r.Events(tenantID) {
		out = append(out, e.Type)
	}
	return out
}

// Last returns the most recent event of the given type.
func (r *Recorder) Last(tenantID string, eventType model.EventType) (model.Event, bool) {
	events := r.Events(tenantID)
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == eventType {
			return events[i], true
		}
	}
	return model.Event{}, false
}

// Count returns how many events of the given type were recorded.
func (r *Recorder) Count(tenantID string, eventType model.EventType) int {
	n := 0
	for _, e := range r.Events(tenantID) {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// Reset forgets every recorded event.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
