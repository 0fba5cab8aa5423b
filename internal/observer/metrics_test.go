package observer

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeReason(t *testing.T) {
	tests := map[string]string{
		"":                          "unknown",
		"LOGOUT":                    "logout",
		"CONFLICT":                  "conflict",
		"NAVIGATION":                "navigation",
		"stale handle":              "stale",
		"pairing timeout":           "timeout",
		"auth_failure":              "auth_failure",
		"manual disconnect":         "manual",
		"shutdown":                  "shutdown",
		"init_error":                "init_error",
		"something the client said": "other",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeReason(in), in)
	}
}

func TestCountersRespectEnabledFlag(t *testing.T) {
	InitMetrics(true)
	before := testutil.ToFloat64(OutboundSendsTotal.WithLabelValues("not_ready"))
	IncOutboundSend("not_ready")
	assert.Equal(t, before+1, testutil.ToFloat64(OutboundSendsTotal.WithLabelValues("not_ready")))

	InitMetrics(false)
	IncOutboundSend("not_ready")
	assert.Equal(t, before+1, testutil.ToFloat64(OutboundSendsTotal.WithLabelValues("not_ready")))
	InitMetrics(true)
}

func TestObserveSync_SkippedDoesNotObserveDuration(t *testing.T) {
	InitMetrics(true)
	before := testutil.ToFloat64(SyncMessagesTotal.WithLabelValues("t-skip"))
	ObserveSync("t-skip", "skipped", time.Second, 10)
	assert.Equal(t, before, testutil.ToFloat64(SyncMessagesTotal.WithLabelValues("t-skip")))

	ObserveSync("t-skip", "complete", time.Second, 10)
	assert.Equal(t, before+10, testutil.ToFloat64(SyncMessagesTotal.WithLabelValues("t-skip")))
	IncEventPublished("ready", "nats", errors.New("boom"))
}
