package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

var (
	// ErrNotConnected is returned by intents issued while the channel is down.
	ErrNotConnected = errors.New("chatsync: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("chatsync: transport closed")
)

// Transport is the push channel the engine consumes. Intents are
// fire-and-forget: a nil error only means the frame was written.
type Transport interface {
	Connect(ctx context.Context, userID string) error
	Events() <-chan Event
	State() ConnState
	JoinConversation(ctx context.Context, conversationID string) error
	LeaveConversation(ctx context.Context, conversationID string) error
	Send(ctx context.Context, conversationID, content, pendingToken string) error
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) error
	StartTyping(ctx context.Context, conversationID string) error
	StopTyping(ctx context.Context, conversationID string) error
	ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) error
	Close() error
}

// ============================================================================
// Wire Types
// ============================================================================

// Envelope is the wire format for all push events and commands.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server intent.
type Command struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type messageNewPayload struct {
	ConversationID string   `json:"conversationId"`
	Message        *Message `json:"message"`
}

type messageReadPayload struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	MessageIDs     []string  `json:"messageIds"`
	ReadAt         time.Time `json:"readAt"`
}

type conversationPayload struct {
	Conversation *Conversation `json:"conversation"`
}

type conversationRefPayload struct {
	ConversationID string `json:"conversationId"`
}

type participantPayload struct {
	ConversationID string       `json:"conversationId"`
	Participant    *Participant `json:"participant,omitempty"`
	UserID         string       `json:"userId,omitempty"`
}

type typingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type reactionPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Emoji          string `json:"emoji"`
	UserID         string `json:"userId"`
	Added          bool   `json:"added"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// errMalformed marks a push payload that failed validation.
var errMalformed = errors.New("malformed payload")

func malformed(eventType, reason string) error {
	return fmt.Errorf("%s: %w: %s", eventType, errMalformed, reason)
}

// DecodeEvent turns a wire envelope into a domain event. Unknown event types
// return (nil, nil); payloads missing required fields return an error.
func DecodeEvent(env Envelope) (Event, error) {
	switch env.Type {
	case "message.new":
		var p messageNewPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, malformed(env.Type, err.Error())
		}
		if p.Message == nil {
			return nil, malformed(env.Type, "missing message")
		}
		if p.ConversationID == "" {
			p.ConversationID = p.Message.ConversationID
		}
		if p.ConversationID == "" || (p.Message.ID == "" && p.Message.PendingToken == "") {
			return nil, malformed(env.Type, "missing conversation or message identity")
		}
		p.Message.ConversationID = p.ConversationID
		return MessageArrived{ConversationID: p.ConversationID, Message: *p.Message}, nil

	case "message.read":
		var p messageReadPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, malformed(env.Type, err.Error())
		}
		if p.ConversationID == "" || p.UserID == "" {
			return nil, malformed(env.Type, "missing conversation or user")
		}
		return ReceiptApplied{ConversationID: p.ConversationID, UserID: p.UserID, MessageIDs: p.MessageIDs, ReadAt: p.ReadAt}, nil

	case "conversation.created":
		var p conversationPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, malformed(env.Type, err.Error())
		}
		if p.Conversation == nil || p.Conversation.ID == "" {
			return nil, malformed(env.Type, "missing conversation")
		}
		return ConversationCreated{Conversation: *p.Conversation}, nil

	case "conversation.removed":
		var p conversationRefPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, malformed(env.Type, err.Error())
		}
		if p.ConversationID == "" {
			return nil, malformed(env.Type, "missing conversation")
		}
		return ConversationRemoved{ConversationID: p.ConversationID}, nil

	case "participant.added", "participant.removed":
		var p participantPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, malformed(env.Type, err.Error())
		}
		if p.ConversationID == "" {
			return nil, malformed(env.Type, "missing conversation")
		}
		if env.Type == "participant.added" {
			if p.Participant == nil || p.Participant.UserID == "" {
				return nil, malformed(env.Type, "missing participant")
			}
			return ParticipantAdded{ConversationID: p.ConversationID, Participant: *p.Participant}, nil
		}
		userID := p.UserID
		if userID == "" && p.Participant != nil {
			userID = p.Participant.UserID
		}
		if userID == "" {
			return nil, malformed(env.Type, "missing user")
		}
		return ParticipantRemoved{ConversationID: p.ConversationID, UserID: userID}, nil

	case "typing.start", "typing.stop":
		var p typingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, malformed(env.Type, err.Error())
		}
		if p.ConversationID == "" || p.UserID == "" {
			return nil, malformed(env.Type, "missing conversation or user")
		}
		return TypingChanged{ConversationID: p.ConversationID, UserID: p.UserID, Typing: env.Type == "typing.start"}, nil

	case "reaction.updated":
		var p reactionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, malformed(env.Type, err.Error())
		}
		if p.ConversationID == "" || p.MessageID == "" || p.Emoji == "" || p.UserID == "" {
			return nil, malformed(env.Type, "missing field")
		}
		return ReactionUpdated(p), nil

	case "error":
		var p errorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, malformed(env.Type, err.Error())
		}
		return TransportError{Message: p.Message}, nil
	}
	return nil, nil
}

// ============================================================================
// Configuration
// ============================================================================

// TransportConfig configures a WSTransport.
type TransportConfig struct {
	Token                string
	MaxReconnectAttempts int // 0 retries forever
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
	EventBuffer          int
	HTTPClient           *http.Client
	Logger               zerolog.Logger
}

func (c *TransportConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 256
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is the websocket push channel with auto-reconnect and heartbeat.
// One instance serves one authenticated user for its whole lifetime.
type WSTransport struct {
	baseURL string
	config  TransportConfig
	log     zerolog.Logger
	events  chan Event

	mu      sync.Mutex
	conn    *websocket.Conn
	state   ConnState
	userID  string
	joined  map[string]bool
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWSTransport creates a transport for baseURL (http(s) scheme; the
// websocket scheme is derived). Call Connect to bring it up.
func NewWSTransport(baseURL string, config TransportConfig) *WSTransport {
	config.defaults()
	return &WSTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  config,
		log:     config.Logger.With().Str("component", "transport").Logger(),
		events:  make(chan Event, config.EventBuffer),
		state:   StateDisconnected,
		joined:  make(map[string]bool),
	}
}

// Events returns the domain event stream. It stays open across reconnects.
func (ws *WSTransport) Events() <-chan Event {
	return ws.events
}

// State returns the current connection state.
func (ws *WSTransport) State() ConnState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect starts the connection supervisor. It is idempotent: later calls
// return nil without dialing again. The transport stays up, reconnecting as
// needed, until ctx is cancelled or Close is called.
func (ws *WSTransport) Connect(ctx context.Context, userID string) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return ErrClosed
	}
	if ws.started {
		return nil
	}
	ws.started = true
	ws.userID = userID

	runCtx, cancel := context.WithCancel(ctx)
	ws.cancel = cancel
	ws.done = make(chan struct{})
	go ws.run(runCtx)
	return nil
}

// Close stops reconnecting and closes the connection.
func (ws *WSTransport) Close() error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return nil
	}
	ws.closed = true
	cancel, done, conn := ws.cancel, ws.done, ws.conn
	ws.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if done != nil {
		<-done
	}
	ws.setState(StateDisconnected)
	return err
}

func (ws *WSTransport) wsURL() string {
	u := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	q := url.Values{}
	q.Set("userId", ws.userID)
	if ws.config.Token != "" {
		q.Set("token", ws.config.Token)
	}
	return u + "/ws?" + q.Encode()
}

func (ws *WSTransport) setState(s ConnState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *WSTransport) emit(ctx context.Context, ev Event) {
	select {
	case ws.events <- ev:
	case <-ctx.Done():
	}
}

func (ws *WSTransport) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ws.config.ReconnectBaseDelay
	b.MaxInterval = ws.config.ReconnectMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (ws *WSTransport) run(ctx context.Context) {
	defer close(ws.done)
	bo := ws.newBackoff()
	attempt := 0

	ws.setState(StateConnecting)
	for {
		conn, err := ws.dial(ctx)
		if err == nil {
			bo.Reset()
			attempt = 0
			err = ws.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}

		attempt++
		if ws.config.MaxReconnectAttempts > 0 && attempt > ws.config.MaxReconnectAttempts {
			ws.log.Warn().Err(err).Int("attempts", attempt-1).Msg("Giving up on push channel")
			ws.setState(StateDisconnected)
			return
		}
		delay := bo.NextBackOff()
		ws.setState(StateReconnecting)
		ws.emit(ctx, Connectivity{State: StateReconnecting})
		ws.log.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting push channel")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (ws *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, ws.wsURL(), &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	// The first frame must be "authenticated".
	hsCtx, cancel := context.WithTimeout(ctx, ws.config.HandshakeTimeout)
	defer cancel()
	_, data, err := conn.Read(hsCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusPolicyViolation, "")
		return nil, fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}
	return conn, nil
}

// serve runs the read loop and heartbeat for one connection and returns the
// error that ended it.
func (ws *WSTransport) serve(ctx context.Context, conn *websocket.Conn) error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrClosed
	}
	ws.conn = conn
	ws.state = StateConnected
	ws.mu.Unlock()
	ws.log.Info().Str("user_id", ws.userID).Msg("Push channel connected")
	ws.emit(ctx, Connectivity{State: StateConnected})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go ws.heartbeat(connCtx, conn)

	err := ws.readLoop(connCtx, conn)

	ws.mu.Lock()
	ws.conn = nil
	ws.state = StateDisconnected
	// Room membership does not survive a reconnect.
	ws.joined = make(map[string]bool)
	ws.mu.Unlock()
	ws.log.Info().Err(err).Msg("Push channel disconnected")
	ws.emit(ctx, Connectivity{State: StateDisconnected})
	return err
}

func (ws *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			ws.log.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}
		ev, err := DecodeEvent(env)
		if err != nil {
			ws.log.Warn().Err(err).Str("type", env.Type).Msg("Dropping malformed event")
			ws.emit(ctx, rejectedEvent{eventType: env.Type})
			continue
		}
		if ev == nil {
			continue
		}
		ws.emit(ctx, ev)
	}
}

func (ws *WSTransport) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, ws.config.HandshakeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				ws.log.Debug().Err(err).Msg("Heartbeat failed, closing connection")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// rejectedEvent lets the engine count malformed payloads without acting on them.
type rejectedEvent struct {
	eventType string
}

func (rejectedEvent) Kind() string { return "rejected" }

// ============================================================================
// Intents
// ============================================================================

func (ws *WSTransport) write(ctx context.Context, cmd *Command) error {
	ws.mu.Lock()
	conn, closed := ws.conn, ws.closed
	ws.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// JoinConversation scopes push delivery to a conversation. Joining an
// already-joined conversation is a no-op.
func (ws *WSTransport) JoinConversation(ctx context.Context, conversationID string) error {
	ws.mu.Lock()
	if ws.joined[conversationID] {
		ws.mu.Unlock()
		return nil
	}
	ws.joined[conversationID] = true
	ws.mu.Unlock()

	err := ws.write(ctx, &Command{
		Type:    "conversation.join",
		Payload: map[string]string{"conversationId": conversationID},
	})
	if err != nil {
		ws.mu.Lock()
		delete(ws.joined, conversationID)
		ws.mu.Unlock()
	}
	return err
}

// LeaveConversation stops push delivery for a conversation. Leaving a
// conversation that was never joined is a no-op.
func (ws *WSTransport) LeaveConversation(ctx context.Context, conversationID string) error {
	ws.mu.Lock()
	if !ws.joined[conversationID] {
		ws.mu.Unlock()
		return nil
	}
	delete(ws.joined, conversationID)
	ws.mu.Unlock()

	return ws.write(ctx, &Command{
		Type:    "conversation.leave",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// Send writes a message. Success is only observable through a later
// message.new carrying the same pending token; Send is never retried.
func (ws *WSTransport) Send(ctx context.Context, conversationID, content, pendingToken string) error {
	return ws.write(ctx, &Command{
		Type: "message.send",
		Payload: map[string]string{
			"conversationId": conversationID,
			"content":        content,
			"pendingToken":   pendingToken,
		},
	})
}

// MarkRead tells the server the current user has read messageIDs.
func (ws *WSTransport) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	return ws.write(ctx, &Command{
		Type: "message.read",
		Payload: map[string]any{
			"conversationId": conversationID,
			"messageIds":     messageIDs,
		},
	})
}

// StartTyping sends a typing start indicator.
func (ws *WSTransport) StartTyping(ctx context.Context, conversationID string) error {
	return ws.write(ctx, &Command{
		Type:    "typing.start",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// StopTyping sends a typing stop indicator.
func (ws *WSTransport) StopTyping(ctx context.Context, conversationID string) error {
	return ws.write(ctx, &Command{
		Type:    "typing.stop",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// ToggleReaction adds or removes the current user's emoji on a message.
func (ws *WSTransport) ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return ws.write(ctx, &Command{
		Type: "reaction.toggle",
		Payload: map[string]string{
			"conversationId": conversationID,
			"messageId":      messageID,
			"emoji":          emoji,
		},
	})
}
