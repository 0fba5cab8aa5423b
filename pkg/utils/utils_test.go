package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatIDHelpers(t *testing.T) {
	assert.Equal(t, "628111", DigitsOnly("+62 811-1"))
	assert.Equal(t, "", DigitsOnly("abc"))
	assert.Equal(t, "628111", UserPart("628111@c.us"))
	assert.Equal(t, "628111", UserPart("628111"))
	assert.True(t, IsGroupID("120363@g.us", "@g.us"))
	assert.False(t, IsGroupID("628111@c.us", "@g.us"))
	assert.False(t, IsGroupID("120363@g.us", ""))
}

func TestLooksLikeSerializedObject(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{`{"user":"628111","server":"c.us"}`, true},
		{`  {"a":1}  `, true},
		{`{user: 628111, server: c.us}`, true},
		{`[1,2,3]`, true},
		{`{not json and no key}`, false},
		{`[see attachment`, false},
		{"hello there", false},
		{"", false},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, LooksLikeSerializedObject(tc.in))
		})
	}
}

func TestUnixToTime(t *testing.T) {
	assert.True(t, UnixToTime(0).IsZero())
	assert.True(t, UnixToTime(-5).IsZero())
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), UnixToTime(1700000000))
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), UnixToTime(1700000000123))
	assert.Equal(t, "2023-11-14T22:13:20Z", FormatISO8601(UnixToTime(1700000000)))
}

func TestSafeGo(t *testing.T) {
	got := make(chan interface{}, 1)
	SafeGo(func() { panic("boom") }, func(r interface{}, stack []byte) {
		assert.NotEmpty(t, stack)
		got <- r
	})
	select {
	case r := <-got:
		assert.Equal(t, "boom", r)
	case <-time.After(time.Second):
		t.Fatal("panic handler was not called")
	}
}

func TestWriteJSONResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSONResponse(rec, http.StatusAccepted, map[string]string{"status": "UP"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"UP"}`, rec.Body.String())
}
