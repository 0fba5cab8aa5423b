package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEventType(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		expectedType  EventType
		expectedFound bool
	}{
		{"bare name", "ready", EventReady, true},
		{"bare hyphenated name", "pairing-code", EventPairingCode, true},
		{"subject with tenant", "wa.session.42.sync-complete", EventSyncComplete, true},
		{"routing key", "wa.session.tenant-a.disconnected", EventDisconnected, true},
		{"unknown last token", "wa.session.42.unknown", "", false},
		{"trailing dot", "wa.session.42.", "", false},
		{"leading dot only", ".ready", "", false},
		{"empty string", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actualType, actualFound := ParseEventType(tt.input)
			assert.Equal(t, tt.expectedType, actualType)
			assert.Equal(t, tt.expectedFound, actualFound)
		})
	}
}

func TestSession_HasLinkedAccount(t *testing.T) {
	var nilSession *Session
	assert.False(t, nilSession.HasLinkedAccount())
	assert.False(t, (&Session{TenantID: "1"}).HasLinkedAccount())
	assert.True(t, (&Session{TenantID: "1", LinkedAccount: "9111"}).HasLinkedAccount())
}

func TestContact_DisplayName(t *testing.T) {
	assert.Equal(t, "Alice", Contact{Number: "6281", Name: "Alice"}.DisplayName())
	assert.Equal(t, "6281", Contact{Number: "6281"}.DisplayName())
}
