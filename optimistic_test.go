package chatsync

import (
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestSendTrackerPrepare(t *testing.T) {
	mock := clock.NewMock()
	s := NewSendTracker(mock, "me", time.Minute, nil)

	token := s.NewToken()
	require.True(t, strings.HasPrefix(token, "pending-"))
	require.NotEqual(t, token, s.NewToken())

	m := s.Prepare(token, "c1", "hi")
	require.True(t, m.Pending())
	require.Equal(t, token, m.PendingToken)
	require.Equal(t, "me", m.SenderID)
	require.Equal(t, "c1", m.ConversationID)
	require.Equal(t, StatusSending, m.Status)
	require.True(t, m.CreatedAt.Equal(mock.Now()))
	require.True(t, HasRead(&m, "me"))
	require.False(t, SeenByRecipient(m))

	require.Equal(t, 1, s.Len())
}

func TestSendTrackerConsumesOnce(t *testing.T) {
	s := NewSendTracker(clock.NewMock(), "me", time.Minute, nil)
	token := s.NewToken()
	s.Prepare(token, "c1", "hi")

	require.True(t, s.Resolve(token))
	require.False(t, s.Resolve(token))
	_, _, ok := s.Discard(token)
	require.False(t, ok)
	require.Zero(t, s.Len())
}

func TestSendTrackerDiscardReturnsContent(t *testing.T) {
	s := NewSendTracker(clock.NewMock(), "me", time.Minute, nil)
	token := s.NewToken()
	s.Prepare(token, "c1", "hello")

	conv, content, ok := s.Discard(token)
	require.True(t, ok)
	require.Equal(t, "c1", conv)
	require.Equal(t, "hello", content)
	require.False(t, s.Resolve(token))
}

func TestSendTrackerTimeout(t *testing.T) {
	mock := clock.NewMock()
	fired := make(chan string, 1)
	s := NewSendTracker(mock, "me", 30*time.Second, func(token string) { fired <- token })
	token := s.NewToken()
	s.Prepare(token, "c1", "hi")

	_, ok := s.TimedOut(token)
	require.False(t, ok, "not yet due")

	mock.Add(30 * time.Second)
	select {
	case got := <-fired:
		require.Equal(t, token, got)
	case <-time.After(time.Second):
		t.Fatal("timeout callback not called")
	}

	conv, ok := s.TimedOut(token)
	require.True(t, ok)
	require.Equal(t, "c1", conv)
	require.Equal(t, 1, s.Len(), "a timed out token stays outstanding")
	require.True(t, s.Resolve(token), "a late echo still resolves it")
}

func TestSendTrackerResolveStopsTimer(t *testing.T) {
	mock := clock.NewMock()
	fired := make(chan string, 1)
	s := NewSendTracker(mock, "me", time.Second, func(token string) { fired <- token })
	token := s.NewToken()
	s.Prepare(token, "c1", "hi")
	s.Resolve(token)

	mock.Add(time.Minute)
	select {
	case <-fired:
		t.Fatal("resolved token must not time out")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSendTrackerForget(t *testing.T) {
	s := NewSendTracker(clock.NewMock(), "me", time.Minute, nil)
	a, b := s.NewToken(), s.NewToken()
	s.Prepare(a, "c1", "x")
	s.Prepare(b, "c2", "y")

	s.Forget("c1")
	require.Equal(t, 1, s.Len())
	require.False(t, s.Resolve(a))

	s.Close()
	require.Zero(t, s.Len())
	require.False(t, s.Resolve(b))
}
