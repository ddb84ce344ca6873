package callback

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSingleMarker(t *testing.T) {
	cleaned, markers := Parse("remind me @@cb:30s@@drink water")
	assert.Equal(t, "remind me ", cleaned)
	require.Len(t, markers, 1)
	assert.Equal(t, 30*time.Second, markers[0].Delay)
	assert.Empty(t, markers[0].Channel)
	assert.Equal(t, "drink water", markers[0].Payload)
}

func TestParseChannelMarker(t *testing.T) {
	_, markers := Parse("@@cb:5s#general@@post the summary")
	require.Len(t, markers, 1)
	assert.Equal(t, "#general", markers[0].Channel)
	assert.Equal(t, "post the summary", markers[0].Payload)
}

func TestParsePayloadEndsAtNextMarker(t *testing.T) {
	cleaned, markers := Parse("a @@cb:1s@@first @@cb:2s@@second")
	assert.Equal(t, "a ", cleaned)
	require.Len(t, markers, 2)
	assert.Equal(t, "first ", markers[0].Payload)
	assert.Equal(t, "second", markers[1].Payload)
}

func TestParseNoMarkers(t *testing.T) {
	cleaned, markers := Parse("plain message")
	assert.Equal(t, "plain message", cleaned)
	assert.Nil(t, markers)
}

func newQueue(t *testing.T, limits Limits) (*Queue, *time.Time) {
	t.Helper()
	q := NewQueue(limits)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	return q, &now
}

func TestScheduleAndFireOrder(t *testing.T) {
	q, now := newQueue(t, Limits{})

	require.NotEmpty(t, q.Schedule("alice", Marker{Delay: 30 * time.Second, Payload: "late"}))
	require.NotEmpty(t, q.Schedule("alice", Marker{Delay: 10 * time.Second, Payload: "early"}))
	assert.Equal(t, 2, q.Pending("alice"))

	assert.Empty(t, q.Due(), "nothing fires before its time")

	*now = now.Add(time.Minute)
	due := q.Due()
	require.Len(t, due, 2)
	assert.Equal(t, "early", due[0].Payload)
	assert.Equal(t, "late", due[1].Payload)
	assert.Zero(t, q.Pending("alice"))
}

func TestDelayClamped(t *testing.T) {
	q, now := newQueue(t, Limits{MaxDelay: time.Hour})
	q.Schedule("alice", Marker{Delay: 48 * time.Hour, Payload: "p"})

	*now = now.Add(time.Hour)
	assert.Len(t, q.Due(), 1, "delay beyond the cap fires at the cap")
}

func TestOversizePayloadSkipped(t *testing.T) {
	q, _ := newQueue(t, Limits{MaxPayload: 10})
	assert.Empty(t, q.Schedule("alice", Marker{Payload: strings.Repeat("x", 11)}))
	assert.Zero(t, q.Pending("alice"))
}

func TestPerAgentCap(t *testing.T) {
	q, _ := newQueue(t, Limits{MaxPerAgent: 2})
	require.NotEmpty(t, q.Schedule("alice", Marker{Payload: "1"}))
	require.NotEmpty(t, q.Schedule("alice", Marker{Payload: "2"}))
	assert.Empty(t, q.Schedule("alice", Marker{Payload: "3"}), "cap refuses further entries")
	assert.NotEmpty(t, q.Schedule("bob", Marker{Payload: "1"}), "cap is per agent")
}

func TestDropAgentRemovesPending(t *testing.T) {
	q, now := newQueue(t, Limits{})
	q.Schedule("alice", Marker{Delay: time.Second, Payload: "a"})
	q.Schedule("alice", Marker{Delay: 2 * time.Second, Payload: "b"})
	q.Schedule("bob", Marker{Delay: time.Second, Payload: "c"})

	assert.Equal(t, 2, q.DropAgent("alice"))
	assert.Zero(t, q.Pending("alice"))

	*now = now.Add(time.Minute)
	due := q.Due()
	require.Len(t, due, 1)
	assert.Equal(t, "bob", due[0].From)
}

func TestEntryCarriesOriginChannel(t *testing.T) {
	q, now := newQueue(t, Limits{})
	q.Schedule("alice", Marker{Delay: time.Second, Channel: "#general", Payload: "p"})

	*now = now.Add(2 * time.Second)
	due := q.Due()
	require.Len(t, due, 1)
	assert.Equal(t, "#general", due[0].Channel)
	assert.True(t, strings.HasPrefix(due[0].ID, "cb_"))
}
