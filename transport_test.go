package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// DecodeEvent
// ============================================================================

func env(t *testing.T, typ string, payload any) Envelope {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return Envelope{Type: typ, Payload: b}
}

func TestDecodeEvent(t *testing.T) {
	readAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		env  Envelope
		want Event
	}{
		{
			name: "message.new",
			env: env(t, "message.new", map[string]any{
				"conversationId": "c1",
				"message":        map[string]any{"id": "m42", "pendingToken": "t1", "senderId": "u1", "content": "hi"},
			}),
			want: MessageArrived{ConversationID: "c1", Message: Message{ID: "m42", PendingToken: "t1", ConversationID: "c1", SenderID: "u1", Content: "hi"}},
		},
		{
			name: "message.new takes the conversation from the message",
			env: env(t, "message.new", map[string]any{
				"message": map[string]any{"id": "m1", "conversationId": "c2"},
			}),
			want: MessageArrived{ConversationID: "c2", Message: Message{ID: "m1", ConversationID: "c2"}},
		},
		{
			name: "message.read",
			env:  env(t, "message.read", map[string]any{"conversationId": "c1", "userId": "u2", "messageIds": []string{"m1"}, "readAt": readAt}),
			want: ReceiptApplied{ConversationID: "c1", UserID: "u2", MessageIDs: []string{"m1"}, ReadAt: readAt},
		},
		{
			name: "conversation.created",
			env:  env(t, "conversation.created", map[string]any{"conversation": map[string]any{"id": "c3", "title": "ops"}}),
			want: ConversationCreated{Conversation: Conversation{ID: "c3", Title: "ops"}},
		},
		{
			name: "conversation.removed",
			env:  env(t, "conversation.removed", map[string]any{"conversationId": "c3"}),
			want: ConversationRemoved{ConversationID: "c3"},
		},
		{
			name: "participant.added",
			env:  env(t, "participant.added", map[string]any{"conversationId": "c1", "participant": map[string]any{"userId": "u9"}}),
			want: ParticipantAdded{ConversationID: "c1", Participant: Participant{UserID: "u9"}},
		},
		{
			name: "participant.removed",
			env:  env(t, "participant.removed", map[string]any{"conversationId": "c1", "userId": "u9"}),
			want: ParticipantRemoved{ConversationID: "c1", UserID: "u9"},
		},
		{
			name: "typing.start",
			env:  env(t, "typing.start", map[string]any{"conversationId": "c1", "userId": "u2"}),
			want: TypingChanged{ConversationID: "c1", UserID: "u2", Typing: true},
		},
		{
			name: "typing.stop",
			env:  env(t, "typing.stop", map[string]any{"conversationId": "c1", "userId": "u2"}),
			want: TypingChanged{ConversationID: "c1", UserID: "u2"},
		},
		{
			name: "reaction.updated",
			env:  env(t, "reaction.updated", map[string]any{"conversationId": "c1", "messageId": "m1", "emoji": "+1", "userId": "u2", "added": true}),
			want: ReactionUpdated{ConversationID: "c1", MessageID: "m1", Emoji: "+1", UserID: "u2", Added: true},
		},
		{
			name: "error",
			env:  env(t, "error", map[string]any{"message": "rate limited"}),
			want: TransportError{Message: "rate limited"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvent(tt.env)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeEventRejectsMalformed(t *testing.T) {
	bad := []Envelope{
		env(t, "message.new", map[string]any{"conversationId": "c1"}),
		env(t, "message.new", map[string]any{"conversationId": "c1", "message": map[string]any{"content": "no identity"}}),
		env(t, "message.new", map[string]any{"message": map[string]any{"id": "m1"}}),
		env(t, "message.read", map[string]any{"conversationId": "c1"}),
		env(t, "conversation.created", map[string]any{}),
		env(t, "participant.added", map[string]any{"conversationId": "c1"}),
		env(t, "participant.removed", map[string]any{"conversationId": "c1"}),
		env(t, "typing.start", map[string]any{"userId": "u1"}),
		env(t, "reaction.updated", map[string]any{"conversationId": "c1", "messageId": "m1"}),
		{Type: "message.new", Payload: json.RawMessage(`"not an object"`)},
	}
	for _, e := range bad {
		_, err := DecodeEvent(e)
		require.Error(t, err, "%s %s", e.Type, e.Payload)
		require.True(t, errors.Is(err, errMalformed))
	}
}

func TestDecodeEventIgnoresUnknownTypes(t *testing.T) {
	ev, err := DecodeEvent(env(t, "presence.online", map[string]any{"userId": "u1"}))
	require.NoError(t, err)
	require.Nil(t, ev)
}

// ============================================================================
// WSTransport
// ============================================================================

func push(ctx context.Context, c *websocket.Conn, typ string, payload any) error {
	return wsjson.Write(ctx, c, map[string]any{"type": typ, "payload": payload})
}

// newWSServer accepts websocket connections, completes the handshake and hands
// each connection to serve. The connection closes when serve returns.
func newWSServer(t *testing.T, serve func(ctx context.Context, n int, c *websocket.Conn)) *httptest.Server {
	t.Helper()
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" || r.URL.Query().Get("token") != "tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		if err := push(ctx, c, "authenticated", map[string]string{"userId": r.URL.Query().Get("userId")}); err != nil {
			return
		}
		serve(ctx, int(count.Add(1)), c)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func nextEvent(t *testing.T, tr Transport) Event {
	t.Helper()
	select {
	case ev := <-tr.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func nextConnectivity(t *testing.T, tr Transport) ConnState {
	t.Helper()
	for {
		if c, ok := nextEvent(t, tr).(Connectivity); ok {
			return c.State
		}
	}
}

func readCommand(ctx context.Context, c *websocket.Conn) (Envelope, error) {
	var e Envelope
	err := wsjson.Read(ctx, c, &e)
	return e, err
}

func testTransportConfig() TransportConfig {
	return TransportConfig{
		Token:              "tok",
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
		HeartbeatInterval:  time.Hour,
	}
}

func TestWSTransportDeliversEvents(t *testing.T) {
	commands := make(chan Envelope, 8)
	srv := newWSServer(t, func(ctx context.Context, n int, c *websocket.Conn) {
		push(ctx, c, "message.new", map[string]any{"conversationId": "c1", "message": map[string]any{"id": "m1"}})
		push(ctx, c, "message.new", map[string]any{"conversationId": "c1", "message": map[string]any{}})
		push(ctx, c, "presence.online", map[string]any{})
		push(ctx, c, "typing.start", map[string]any{"conversationId": "c1", "userId": "u2"})
		for {
			e, err := readCommand(ctx, c)
			if err != nil {
				return
			}
			commands <- e
		}
	})

	tr := NewWSTransport(srv.URL, testTransportConfig())
	defer tr.Close()
	require.NoError(t, tr.Connect(context.Background(), "u1"))
	require.NoError(t, tr.Connect(context.Background(), "u1"), "connect is idempotent")

	require.Equal(t, Connectivity{State: StateConnected}, nextEvent(t, tr))
	require.Equal(t, StateConnected, tr.State())

	ev := nextEvent(t, tr)
	require.Equal(t, "m1", ev.(MessageArrived).Message.ID)
	require.Equal(t, rejectedEvent{eventType: "message.new"}, nextEvent(t, tr))
	require.Equal(t, TypingChanged{ConversationID: "c1", UserID: "u2", Typing: true}, nextEvent(t, tr))

	ctx := context.Background()
	require.NoError(t, tr.JoinConversation(ctx, "c1"))
	require.NoError(t, tr.JoinConversation(ctx, "c1"))
	require.NoError(t, tr.Send(ctx, "c1", "hi", "t1"))
	require.NoError(t, tr.LeaveConversation(ctx, "c2"))
	require.NoError(t, tr.MarkRead(ctx, "c1", []string{"m1"}))
	require.NoError(t, tr.StartTyping(ctx, "c1"))
	require.NoError(t, tr.StopTyping(ctx, "c1"))
	require.NoError(t, tr.ToggleReaction(ctx, "c1", "m1", "+1"))
	require.NoError(t, tr.LeaveConversation(ctx, "c1"))

	var types []string
	for len(types) < 7 {
		select {
		case e := <-commands:
			types = append(types, e.Type)
			if e.Type == "message.send" {
				var p map[string]string
				require.NoError(t, json.Unmarshal(e.Payload, &p))
				require.Equal(t, map[string]string{"conversationId": "c1", "content": "hi", "pendingToken": "t1"}, p)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("missing commands, got %v", types)
		}
	}
	require.Equal(t, []string{
		"conversation.join", "message.send", "message.read",
		"typing.start", "typing.stop", "reaction.toggle", "conversation.leave",
	}, types)
}

func TestWSTransportReconnects(t *testing.T) {
	joins := make(chan int, 4)
	srv := newWSServer(t, func(ctx context.Context, n int, c *websocket.Conn) {
		if n == 1 {
			e, err := readCommand(ctx, c)
			if err == nil && e.Type == "conversation.join" {
				joins <- n
			}
			// Drop the first connection.
			return
		}
		for {
			e, err := readCommand(ctx, c)
			if err != nil {
				return
			}
			if e.Type == "conversation.join" {
				joins <- n
			}
		}
	})

	tr := NewWSTransport(srv.URL, testTransportConfig())
	defer tr.Close()
	require.NoError(t, tr.Connect(context.Background(), "u1"))

	require.Equal(t, StateConnected, nextConnectivity(t, tr))
	require.NoError(t, tr.JoinConversation(context.Background(), "c1"))
	require.Equal(t, 1, <-joins)

	require.Equal(t, StateDisconnected, nextConnectivity(t, tr))
	require.Equal(t, StateReconnecting, nextConnectivity(t, tr))
	require.Equal(t, StateConnected, nextConnectivity(t, tr))

	// Membership does not survive the reconnect, so join is sent again.
	require.NoError(t, tr.JoinConversation(context.Background(), "c1"))
	select {
	case n := <-joins:
		require.Equal(t, 2, n)
	case <-time.After(3 * time.Second):
		t.Fatal("join not re-sent after reconnect")
	}
}

func TestWSTransportIntentsRequireConnection(t *testing.T) {
	tr := NewWSTransport("http://127.0.0.1:1", testTransportConfig())
	require.ErrorIs(t, tr.Send(context.Background(), "c1", "hi", "t1"), ErrNotConnected)
	require.ErrorIs(t, tr.JoinConversation(context.Background(), "c1"), ErrNotConnected)
	// A failed join is not remembered, so the retry tries to write again.
	require.ErrorIs(t, tr.JoinConversation(context.Background(), "c1"), ErrNotConnected)
}

func TestWSTransportClose(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, n int, c *websocket.Conn) {
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	})
	tr := NewWSTransport(srv.URL, testTransportConfig())
	require.NoError(t, tr.Connect(context.Background(), "u1"))
	require.Equal(t, StateConnected, nextConnectivity(t, tr))

	tr.Close()
	require.Equal(t, StateDisconnected, tr.State())
	require.ErrorIs(t, tr.Connect(context.Background(), "u1"), ErrClosed)
	require.ErrorIs(t, tr.Send(context.Background(), "c1", "x", "t"), ErrClosed)
	require.NoError(t, tr.Close())
}

func TestWSTransportGivesUp(t *testing.T) {
	cfg := testTransportConfig()
	cfg.MaxReconnectAttempts = 2
	tr := NewWSTransport("http://127.0.0.1:1", cfg)
	defer tr.Close()
	require.NoError(t, tr.Connect(context.Background(), "u1"))

	require.Equal(t, StateReconnecting, nextConnectivity(t, tr))
	require.Equal(t, StateReconnecting, nextConnectivity(t, tr))
	require.Eventually(t, func() bool { return tr.State() == StateDisconnected }, 3*time.Second, 10*time.Millisecond)
}
