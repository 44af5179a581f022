package chatsync

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// DefaultSendTimeout bounds how long a placeholder stays "sending" before it
// is marked failed. A failed placeholder can still be resolved by a late echo.
const DefaultSendTimeout = 30 * time.Second

type pendingSend struct {
	conversationID string
	content        string
	sentAt         time.Time
	timer          *clock.Timer
}

// SendTracker issues pending tokens for optimistic sends and guarantees each
// token is consumed once: resolved by its echo, or discarded.
type SendTracker struct {
	clock     clock.Clock
	self      string
	timeout   time.Duration
	onTimeout func(pendingToken string)
	newToken  func() string

	pending map[string]*pendingSend
}

// NewSendTracker creates a tracker. onTimeout runs on a timer goroutine; the
// engine uses it to post TimedOut back onto its loop.
func NewSendTracker(clk clock.Clock, selfID string, timeout time.Duration, onTimeout func(pendingToken string)) *SendTracker {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &SendTracker{
		clock:     clk,
		self:      selfID,
		timeout:   timeout,
		onTimeout: onTimeout,
		newToken:  func() string { return "pending-" + uuid.NewString() },
		pending:   make(map[string]*pendingSend),
	}
}

// NewToken returns a fresh pending token. Safe to call from any goroutine.
func (s *SendTracker) NewToken() string {
	return s.newToken()
}

// Prepare registers token and returns the placeholder message for it. The
// placeholder carries the sender's own receipt so SeenByRecipient works the
// same for placeholders and server messages.
func (s *SendTracker) Prepare(token, conversationID, content string) Message {
	now := s.clock.Now()
	p := &pendingSend{conversationID: conversationID, content: content, sentAt: now}
	if s.onTimeout != nil {
		p.timer = s.clock.AfterFunc(s.timeout, func() { s.onTimeout(token) })
	}
	s.pending[token] = p
	return Message{
		PendingToken:   token,
		ConversationID: conversationID,
		SenderID:       s.self,
		Content:        content,
		CreatedAt:      now,
		ReadReceipts:   []ReadReceipt{{UserID: s.self, ReadAt: now}},
		Status:         StatusSending,
	}
}

// Resolve consumes a token after its echo was merged. It reports false when
// the token is unknown or already consumed.
func (s *SendTracker) Resolve(pendingToken string) bool {
	return s.consume(pendingToken) != nil
}

// Discard consumes a token whose placeholder is being dropped and returns the
// conversation and content it was sent with.
func (s *SendTracker) Discard(pendingToken string) (conversationID, content string, ok bool) {
	p := s.consume(pendingToken)
	if p == nil {
		return "", "", false
	}
	return p.conversationID, p.content, true
}

// TimedOut reports whether the token is still outstanding past its deadline.
// The token stays outstanding: the placeholder is only marked failed.
func (s *SendTracker) TimedOut(pendingToken string) (conversationID string, ok bool) {
	p, found := s.pending[pendingToken]
	if !found || s.clock.Since(p.sentAt) < s.timeout {
		return "", false
	}
	return p.conversationID, true
}

func (s *SendTracker) consume(pendingToken string) *pendingSend {
	p, ok := s.pending[pendingToken]
	if !ok {
		return nil
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(s.pending, pendingToken)
	return p
}

// Len returns the number of outstanding tokens.
func (s *SendTracker) Len() int {
	return len(s.pending)
}

// Forget drops every outstanding token of a conversation.
func (s *SendTracker) Forget(conversationID string) {
	for token, p := range s.pending {
		if p.conversationID == conversationID {
			s.consume(token)
		}
	}
}

// Close stops all timers.
func (s *SendTracker) Close() {
	for token := range s.pending {
		s.consume(token)
	}
}
