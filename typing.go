package chatsync

import (
	"sort"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultTypingTTL is how long a remote "start" keeps a user in the typing
// set, and how long local input may pause before "stop" is sent.
const DefaultTypingTTL = 2 * time.Second

type typingKey struct {
	conversationID string
	userID         string
}

// TypingTracker holds the ephemeral per-conversation set of typing users.
// It is deliberately separate from the message graph: nothing here is
// persisted or survives a reconnect.
type TypingTracker struct {
	clock    clock.Clock
	self     string
	ttl      time.Duration
	onExpire func(conversationID, userID string)

	deadlines map[typingKey]time.Time
	timers    map[typingKey]*clock.Timer
}

// NewTypingTracker creates a tracker. onExpire runs on a timer goroutine when
// an entry's deadline passes; the engine uses it to post an Expire call back
// onto its loop.
func NewTypingTracker(clk clock.Clock, selfID string, ttl time.Duration, onExpire func(conversationID, userID string)) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{
		clock:     clk,
		self:      selfID,
		ttl:       ttl,
		onExpire:  onExpire,
		deadlines: make(map[typingKey]time.Time),
		timers:    make(map[typingKey]*clock.Timer),
	}
}

// Start adds userID to the conversation's set and (re)arms its expiry.
func (t *TypingTracker) Start(conversationID, userID string) bool {
	if userID == "" || userID == t.self {
		return false
	}
	k := typingKey{conversationID, userID}
	_, existed := t.deadlines[k]
	t.deadlines[k] = t.clock.Now().Add(t.ttl)
	if timer, ok := t.timers[k]; ok {
		timer.Stop()
	}
	if t.onExpire != nil {
		t.timers[k] = t.clock.AfterFunc(t.ttl, func() { t.onExpire(conversationID, userID) })
	}
	return !existed
}

// Stop removes userID immediately and cancels its expiry.
func (t *TypingTracker) Stop(conversationID, userID string) bool {
	return t.remove(typingKey{conversationID, userID})
}

// Expire drops the entry if its deadline has passed. A Start that re-armed the
// entry after the timer fired keeps it alive.
func (t *TypingTracker) Expire(conversationID, userID string) bool {
	k := typingKey{conversationID, userID}
	deadline, ok := t.deadlines[k]
	if !ok || t.clock.Now().Before(deadline) {
		return false
	}
	return t.remove(k)
}

func (t *TypingTracker) remove(k typingKey) bool {
	if timer, ok := t.timers[k]; ok {
		timer.Stop()
		delete(t.timers, k)
	}
	if _, ok := t.deadlines[k]; !ok {
		return false
	}
	delete(t.deadlines, k)
	return true
}

// Users returns the users currently typing in a conversation, sorted.
// Entries past their deadline are never reported, even before their timer
// has been processed.
func (t *TypingTracker) Users(conversationID string) []string {
	now := t.clock.Now()
	var users []string
	for k, deadline := range t.deadlines {
		if k.conversationID == conversationID && now.Before(deadline) {
			users = append(users, k.userID)
		}
	}
	sort.Strings(users)
	return users
}

// All returns every non-empty typing set keyed by conversation.
func (t *TypingTracker) All() map[string][]string {
	out := make(map[string][]string)
	seen := make(map[string]bool)
	for k := range t.deadlines {
		if seen[k.conversationID] {
			continue
		}
		seen[k.conversationID] = true
		if users := t.Users(k.conversationID); len(users) > 0 {
			out[k.conversationID] = users
		}
	}
	return out
}

// Clear empties one conversation's set.
func (t *TypingTracker) Clear(conversationID string) {
	for k := range t.deadlines {
		if k.conversationID == conversationID {
			t.remove(k)
		}
	}
}

// Reset empties every set and cancels all timers.
func (t *TypingTracker) Reset() {
	for k := range t.deadlines {
		t.remove(k)
	}
}

// ============================================================================
// Local composer
// ============================================================================

// typingComposer debounces the current user's own typing signal: the first
// keystroke of a burst asks for "start", and "stop" is due once no keystroke
// has arrived for idle.
type typingComposer struct {
	clock  clock.Clock
	idle   time.Duration
	onIdle func(conversationID string, gen int)

	conversationID string
	active         bool
	gen            int
	timer          *clock.Timer
}

func newTypingComposer(clk clock.Clock, idle time.Duration, onIdle func(string, int)) *typingComposer {
	if idle <= 0 {
		idle = DefaultTypingTTL
	}
	return &typingComposer{clock: clk, idle: idle, onIdle: onIdle}
}

// keystroke registers input in a conversation. It returns the conversation
// that must receive "stop" first (when input moved elsewhere) and whether a
// "start" must be sent now.
func (c *typingComposer) keystroke(conversationID string) (stopFor string, start bool) {
	if c.active && c.conversationID != conversationID {
		stopFor = c.conversationID
		c.active = false
	}
	if !c.active {
		c.active = true
		c.conversationID = conversationID
		start = true
	}
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
	}
	gen := c.gen
	c.timer = c.clock.AfterFunc(c.idle, func() { c.onIdle(conversationID, gen) })
	return stopFor, start
}

// idleFired handles a timer callback; stale generations are ignored.
func (c *typingComposer) idleFired(conversationID string, gen int) bool {
	if !c.active || gen != c.gen || c.conversationID != conversationID {
		return false
	}
	return c.stop()
}

// stop ends the current burst and reports whether "stop" must be sent.
func (c *typingComposer) stop() bool {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if !c.active {
		return false
	}
	c.active = false
	c.gen++
	return true
}

func (c *typingComposer) current() (string, bool) {
	return c.conversationID, c.active
}
