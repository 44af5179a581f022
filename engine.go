package chatsync

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// EngineOptions configures an Engine. Zero values select the defaults.
type EngineOptions struct {
	UserID         string
	PollInterval   time.Duration
	TypingTTL      time.Duration
	TypingIdle     time.Duration
	SendTimeout    time.Duration
	RequestTimeout time.Duration
	PageSize       int
	IntentBuffer   int
	Clock          clock.Clock
	Logger         zerolog.Logger
	Metrics        *Metrics
	Notifier       UnreadNotifier
}

func (o *EngineOptions) defaults() {
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.TypingTTL == 0 {
		o.TypingTTL = DefaultTypingTTL
	}
	if o.TypingIdle == 0 {
		o.TypingIdle = DefaultTypingTTL
	}
	if o.SendTimeout == 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.IntentBuffer == 0 {
		o.IntentBuffer = 256
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// intent is a fire-and-forget transport call. Intents run in order on their
// own goroutine so the loop never waits on the network.
type intent struct {
	name           string
	conversationID string
	fn             func(ctx context.Context) error
}

// ============================================================================
// Engine
// ============================================================================

// Engine is the synchronization core. A single loop goroutine owns the
// conversation list, the message lists, receipts, typing sets and unread
// counters; transport events, timer expiries, poll results and user commands
// are all funnelled into that loop. Readers use Snapshot.
type Engine struct {
	opts      EngineOptions
	transport Transport
	api       API
	clock     clock.Clock
	log       zerolog.Logger
	metrics   *Metrics

	// Loop-owned state.
	conversations map[string]*Conversation
	order         []string
	active        string
	pollGen       uint64
	connState     ConnState
	loaded        bool
	version       uint64
	reconciler    *Reconciler
	receipts      *ReceiptAggregator
	unread        *UnreadCounter
	typing        *TypingTracker
	composer      *typingComposer
	sends         *SendTracker
	poll          *PollScheduler
	threads       map[string]threadCopy

	inbox   chan func()
	intents chan intent
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	startOnce   sync.Once
	disposeOnce sync.Once
	started     atomic.Bool

	snapshot atomic.Pointer[Snapshot]
	subMu    sync.Mutex
	subs     map[int]chan *Snapshot
	nextSub  int
}

// NewEngine wires the components around t and api. Nothing runs until Start.
func NewEngine(t Transport, api API, opts EngineOptions) *Engine {
	opts.defaults()
	e := &Engine{
		opts:          opts,
		transport:     t,
		api:           api,
		clock:         opts.Clock,
		log:           opts.Logger.With().Str("component", "engine").Str("user_id", opts.UserID).Logger(),
		metrics:       opts.Metrics,
		conversations: make(map[string]*Conversation),
		threads:       make(map[string]threadCopy),
		connState:     t.State(),
		reconciler:    NewReconciler(),
		receipts:      NewReceiptAggregator(opts.UserID),
		unread:        NewUnreadCounter(),
		inbox:         make(chan func(), 64),
		intents:       make(chan intent, opts.IntentBuffer),
		done:          make(chan struct{}),
		subs:          make(map[int]chan *Snapshot),
	}
	e.typing = NewTypingTracker(e.clock, opts.UserID, opts.TypingTTL, func(conv, user string) {
		e.post(func() { e.typing.Expire(conv, user) })
	})
	e.composer = newTypingComposer(e.clock, opts.TypingIdle, func(conv string, gen int) {
		e.post(func() {
			if e.composer.idleFired(conv, gen) {
				e.stopTypingIntent(conv)
			}
		})
	})
	e.sends = NewSendTracker(e.clock, opts.UserID, opts.SendTimeout, func(token string) {
		e.post(func() { e.sendTimedOut(token) })
	})
	e.poll = NewPollScheduler(e.clock, opts.PollInterval, e.fetchRecent, func(conv string, gen uint64, msgs []Message) {
		e.post(func() {
			if e.poll.Current(gen) {
				e.mergePage(SourcePoll, conv, msgs, false)
			}
		})
	}, opts.Logger, opts.Metrics)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.snapshot.Store(e.buildSnapshot())
	return e
}

// Start runs the loop, connects the transport and kicks off the initial
// conversation load. It returns without waiting for any of them. The engine
// runs until ctx is cancelled or Dispose is called.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.started.Store(true)
		stop := context.AfterFunc(ctx, e.cancel)
		go e.loop(stop)
		go e.runIntents()
		go func() {
			if err := e.transport.Connect(e.ctx, e.opts.UserID); err != nil {
				e.log.Warn().Err(err).Msg("Transport connect failed")
			}
		}()
		go e.initialLoad()
	})
}

// Dispose tears the engine down: poll, typing and send timers are cancelled
// and the transport is released. It blocks until the loop has exited.
func (e *Engine) Dispose() {
	e.disposeOnce.Do(func() {
		e.cancel()
		// A later Start must not bring a disposed engine back.
		e.startOnce.Do(func() {})
		if !e.started.Load() {
			e.teardown()
			close(e.done)
			return
		}
		<-e.done
	})
}

// Done is closed once the engine has been torn down.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) loop(stop func() bool) {
	defer close(e.done)
	defer stop()
	events := e.transport.Events()
	for {
		select {
		case <-e.ctx.Done():
			e.teardown()
			return
		case fn := <-e.inbox:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.handle(ev)
		}
		e.publish()
	}
}

func (e *Engine) teardown() {
	e.poll.Stop()
	e.typing.Reset()
	e.composer.stop()
	e.sends.Close()
	if err := e.transport.Close(); err != nil {
		e.log.Debug().Err(err).Msg("Transport close")
	}
	e.active = ""
	e.connState = StateDisconnected
	e.publish()
	e.log.Info().Msg("Engine disposed")
}

// post queues fn for the loop. It is safe from any goroutine; after teardown
// it drops fn.
func (e *Engine) post(fn func()) {
	select {
	case e.inbox <- fn:
	case <-e.done:
	}
}

// ============================================================================
// Snapshots
// ============================================================================

// Snapshot returns the latest derived state.
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot.Load()
}

// Subscribe returns a channel that receives the latest snapshot after every
// change. Slow readers only ever see the newest value. The returned func
// unsubscribes.
func (e *Engine) Subscribe() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 1)
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	ch <- e.Snapshot()
	e.subs[id] = ch
	e.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, id)
			e.subMu.Unlock()
		})
	}
}

func (e *Engine) publish() {
	s := e.buildSnapshot()
	e.snapshot.Store(s)
	e.metrics.pending(e.sends.Len())

	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

// ============================================================================
// Commands
// ============================================================================

// Open makes conversationID the active conversation: the previous one is
// left, the new one is joined, polled, fetched once right away and marked
// read.
func (e *Engine) Open(conversationID string) {
	e.post(func() { e.open(conversationID) })
}

// CloseConversation leaves the active conversation, if any.
func (e *Engine) CloseConversation() {
	e.post(e.closeActive)
}

// Send appends an optimistic placeholder and emits the send intent. The
// returned pending token identifies the placeholder until its echo arrives.
func (e *Engine) Send(conversationID, content string) string {
	token := e.sends.NewToken()
	e.post(func() { e.send(token, conversationID, content) })
	return token
}

// Retry resends a pending or failed message under a new token. The old
// placeholder is discarded. It returns the new token, which stays unused if
// the old one had already been consumed.
func (e *Engine) Retry(pendingToken string) string {
	token := e.sends.NewToken()
	e.post(func() {
		conv, content, ok := e.discard(pendingToken)
		if !ok {
			return
		}
		e.send(token, conv, content)
	})
	return token
}

// Discard drops a pending or failed placeholder.
func (e *Engine) Discard(pendingToken string) {
	e.post(func() { e.discard(pendingToken) })
}

// MarkRead marks every unread message of a conversation read.
func (e *Engine) MarkRead(conversationID string) {
	e.post(func() { e.markRead(conversationID) })
}

// React toggles the current user's emoji on a message.
func (e *Engine) React(conversationID, messageID, emoji string) {
	e.post(func() { e.react(conversationID, messageID, emoji) })
}

// Keystroke reports local input in a conversation.
func (e *Engine) Keystroke(conversationID string) {
	e.post(func() {
		stopFor, start := e.composer.keystroke(conversationID)
		if stopFor != "" {
			e.stopTypingIntent(stopFor)
		}
		if start {
			e.emit("typing.start", conversationID, func(ctx context.Context) error {
				return e.transport.StartTyping(ctx, conversationID)
			})
		}
	})
}

// StopComposing ends the local typing burst immediately.
func (e *Engine) StopComposing() {
	e.post(e.stopComposing)
}

// ============================================================================
// Command handlers (loop)
// ============================================================================

func (e *Engine) open(conversationID string) {
	if conversationID == "" || conversationID == e.active {
		return
	}
	e.closeActive()
	e.active = conversationID
	e.ensureConversation(conversationID)
	e.emit("conversation.join", conversationID, func(ctx context.Context) error {
		return e.transport.JoinConversation(ctx, conversationID)
	})
	e.pollGen = e.poll.Start(e.ctx, conversationID)
	e.fetchFirstPage(conversationID, e.pollGen)
	e.markRead(conversationID)
}

func (e *Engine) closeActive() {
	conv := e.active
	if conv == "" {
		return
	}
	e.poll.Stop()
	e.active = ""
	if c, ok := e.composer.current(); ok && c == conv {
		e.stopComposing()
	}
	e.typing.Clear(conv)
	e.emit("conversation.leave", conv, func(ctx context.Context) error {
		return e.transport.LeaveConversation(ctx, conv)
	})
}

func (e *Engine) send(token, conversationID, content string) {
	if conversationID == "" {
		return
	}
	if c, ok := e.composer.current(); ok && c == conversationID {
		e.stopComposing()
	}
	e.ensureConversation(conversationID)
	placeholder := e.sends.Prepare(token, conversationID, content)
	e.mergeMessage(SourceLocal, conversationID, placeholder)
	e.emit("message.send", conversationID, func(ctx context.Context) error {
		return e.transport.Send(ctx, conversationID, content, token)
	})
}

func (e *Engine) discard(pendingToken string) (conversationID, content string, ok bool) {
	conversationID, content, ok = e.sends.Discard(pendingToken)
	if !ok {
		return "", "", false
	}
	e.reconciler.Discard(conversationID, pendingToken)
	return conversationID, content, true
}

func (e *Engine) sendTimedOut(token string) {
	conv, ok := e.sends.TimedOut(token)
	if !ok {
		return
	}
	if m := e.reconciler.Placeholder(conv, token); m != nil && m.Status == StatusSending {
		m.Status = StatusFailed
		e.log.Warn().Str("conversation_id", conv).Str("pending_token", token).Msg("Send not acknowledged, marked failed")
	}
}

// markRead records local receipts for the unread messages of a conversation,
// adjusts the counters and tells the server.
func (e *Engine) markRead(conversationID string) {
	ids := e.receipts.MarkRead(e.reconciler, conversationID, e.clock.Now())
	if len(ids) == 0 {
		return
	}
	e.unread.Decrement(conversationID, len(ids))
	e.emitMarkRead(conversationID, ids)
}

// acknowledge marks messages read that reached the open conversation by push
// or poll. Pushed ones were never counted, but polled ones may be covered by
// the loaded count (the first page fetch can fail), so the counters drop by
// at most what the conversation still has outstanding.
func (e *Engine) acknowledge(conversationID string) {
	ids := e.receipts.MarkRead(e.reconciler, conversationID, e.clock.Now())
	if len(ids) == 0 {
		return
	}
	if n := min(len(ids), e.unread.Conversation(conversationID)); n > 0 {
		e.unread.Decrement(conversationID, n)
	}
	e.emitMarkRead(conversationID, ids)
}

func (e *Engine) emitMarkRead(conversationID string, ids []string) {
	e.emit("message.read", conversationID, func(ctx context.Context) error {
		return e.transport.MarkRead(ctx, conversationID, ids)
	})
}

func (e *Engine) react(conversationID, messageID, emoji string) {
	m := e.reconciler.Message(conversationID, messageID)
	if m == nil || emoji == "" {
		return
	}
	setReaction(m, emoji, e.opts.UserID, !hasReaction(m, emoji, e.opts.UserID))
	e.emit("reaction.toggle", conversationID, func(ctx context.Context) error {
		return e.transport.ToggleReaction(ctx, conversationID, messageID, emoji)
	})
}

func (e *Engine) stopComposing() {
	conv, _ := e.composer.current()
	if e.composer.stop() {
		e.stopTypingIntent(conv)
	}
}

func (e *Engine) stopTypingIntent(conversationID string) {
	e.emit("typing.stop", conversationID, func(ctx context.Context) error {
		return e.transport.StopTyping(ctx, conversationID)
	})
}

// ============================================================================
// Event handlers (loop)
// ============================================================================

func (e *Engine) handle(ev Event) {
	switch ev := ev.(type) {
	case MessageArrived:
		outcome := e.mergeMessage(SourcePush, ev.ConversationID, ev.Message)
		if outcome != MergeAppended || ev.Message.ID == "" || ev.Message.SenderID == e.opts.UserID {
			return
		}
		if ev.ConversationID == e.active {
			e.acknowledge(ev.ConversationID)
			return
		}
		e.unread.Increment(ev.ConversationID)
		if n := e.unread.Conversation(ev.ConversationID); n == 1 {
			e.notifyUnread(ev.ConversationID, n)
		}

	case ReceiptApplied:
		e.metrics.receiptsApplied(e.receipts.Apply(e.reconciler, ev))

	case ConversationCreated:
		e.addConversation(ev.Conversation)

	case ConversationRemoved:
		e.removeConversation(ev.ConversationID)

	case ParticipantAdded:
		c, ok := e.conversations[ev.ConversationID]
		if !ok {
			return
		}
		for i, p := range c.Participants {
			if p.UserID == ev.Participant.UserID {
				c.Participants[i] = ev.Participant
				return
			}
		}
		c.Participants = append(c.Participants, ev.Participant)

	case ParticipantRemoved:
		if ev.UserID == e.opts.UserID {
			e.removeConversation(ev.ConversationID)
			return
		}
		c, ok := e.conversations[ev.ConversationID]
		if !ok {
			return
		}
		for i, p := range c.Participants {
			if p.UserID == ev.UserID {
				c.Participants = append(c.Participants[:i], c.Participants[i+1:]...)
				return
			}
		}

	case TypingChanged:
		if ev.Typing {
			e.typing.Start(ev.ConversationID, ev.UserID)
		} else {
			e.typing.Stop(ev.ConversationID, ev.UserID)
		}

	case ReactionUpdated:
		if m := e.reconciler.Message(ev.ConversationID, ev.MessageID); m != nil {
			setReaction(m, ev.Emoji, ev.UserID, ev.Added)
		}

	case Connectivity:
		e.connState = ev.State
		e.metrics.connectivity(ev.State)
		// Presence never survives a reconnect.
		e.typing.Reset()
		if ev.State == StateConnected && e.active != "" {
			conv := e.active
			e.emit("conversation.join", conv, func(ctx context.Context) error {
				return e.transport.JoinConversation(ctx, conv)
			})
		}

	case TransportError:
		e.log.Warn().Str("error", ev.Message).Msg("Transport reported an error")

	case rejectedEvent:
		e.metrics.reject(ev.eventType)
	}
}

// mergeMessage runs one message through the reconciler and keeps the send
// tracker and conversation list in step with the outcome.
func (e *Engine) mergeMessage(source, conversationID string, msg Message) MergeOutcome {
	outcome := e.reconciler.Merge(conversationID, msg)
	e.metrics.merge(source, outcome)
	switch outcome {
	case MergeRejected:
		e.log.Debug().Str("source", source).Str("conversation_id", conversationID).Msg("Rejected message without identity")
	case MergeReplaced:
		e.sends.Resolve(msg.PendingToken)
		e.touch(conversationID, msg.CreatedAt, false)
	case MergeAppended:
		if msg.ID != "" && msg.PendingToken != "" {
			// Echo of a send whose placeholder is already gone.
			e.sends.Resolve(msg.PendingToken)
		}
		e.touch(conversationID, msg.CreatedAt, true)
	}
	return outcome
}

// mergePage merges a fetched page. initial marks the fetch issued by Open,
// whose messages count as read by opening.
func (e *Engine) mergePage(source, conversationID string, msgs []Message, initial bool) {
	for _, m := range msgs {
		e.mergeMessage(source, conversationID, m)
	}
	if conversationID != e.active {
		return
	}
	if initial {
		e.markRead(conversationID)
	} else {
		e.acknowledge(conversationID)
	}
}

// ============================================================================
// Conversation list (loop)
// ============================================================================

func (e *Engine) ensureConversation(conversationID string) *Conversation {
	if c, ok := e.conversations[conversationID]; ok {
		return c
	}
	c := &Conversation{ID: conversationID}
	e.conversations[conversationID] = c
	e.order = append(e.order, conversationID)
	return c
}

// touch updates recency. moveToFront is false for in-place replacements,
// which must not reorder the list.
func (e *Engine) touch(conversationID string, at time.Time, moveToFront bool) {
	c := e.ensureConversation(conversationID)
	if at.After(c.LastActivityAt) {
		c.LastActivityAt = at
	}
	if !moveToFront {
		return
	}
	for i, id := range e.order {
		if id == conversationID {
			copy(e.order[1:i+1], e.order[:i])
			e.order[0] = conversationID
			return
		}
	}
}

func (e *Engine) addConversation(conv Conversation) {
	if conv.ID == "" {
		return
	}
	if c, ok := e.conversations[conv.ID]; ok {
		c.Title = conv.Title
		c.Participants = conv.Participants
		if conv.LastActivityAt.After(c.LastActivityAt) {
			c.LastActivityAt = conv.LastActivityAt
		}
		return
	}
	c := conv.clone()
	e.conversations[c.ID] = &c
	e.order = append([]string{c.ID}, e.order...)
	e.unread.Set(c.ID, c.UnreadCount)
}

func (e *Engine) removeConversation(conversationID string) {
	if conversationID == e.active {
		e.closeActive()
	}
	delete(e.conversations, conversationID)
	for i, id := range e.order {
		if id == conversationID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.reconciler.Drop(conversationID)
	e.unread.Remove(conversationID)
	e.typing.Clear(conversationID)
	e.sends.Forget(conversationID)
}

// applyLoad installs the initial conversation list. Counters take the loaded
// values as absolutes; message lists already built from pushes are kept.
func (e *Engine) applyLoad(convs []Conversation, total int) {
	per := make(map[string]int, len(convs))
	for _, conv := range convs {
		if conv.ID == "" {
			continue
		}
		per[conv.ID] = conv.UnreadCount
		if c, ok := e.conversations[conv.ID]; ok {
			c.Title = conv.Title
			c.Participants = conv.Participants
			if conv.LastActivityAt.After(c.LastActivityAt) {
				c.LastActivityAt = conv.LastActivityAt
			}
			if c.LastMessage == nil {
				c.LastMessage = conv.LastMessage
			}
			continue
		}
		c := conv.clone()
		e.conversations[c.ID] = &c
	}
	e.unread.Load(per, total)

	e.order = e.order[:0]
	for id := range e.conversations {
		e.order = append(e.order, id)
	}
	sort.SliceStable(e.order, func(i, j int) bool {
		a, b := e.conversations[e.order[i]], e.conversations[e.order[j]]
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		return a.ID < b.ID
	})

	e.loaded = true

	// The open conversation's messages were read before the counts arrived.
	if e.active != "" {
		e.markRead(e.active)
	}
	e.log.Info().Int("conversations", len(convs)).Int("unread", total).Msg("Conversations loaded")
}

// ============================================================================
// Asynchronous round-trips
// ============================================================================

func (e *Engine) initialLoad() {
	ctx, cancel := context.WithTimeout(e.ctx, e.opts.RequestTimeout)
	defer cancel()

	convs, err := e.api.ListConversations(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("Failed to load conversations")
		return
	}
	total, err := e.api.UnreadTotal(ctx)
	if err != nil {
		e.log.Debug().Err(err).Msg("Failed to load unread total, using the per-conversation sum")
		total = 0
		for _, c := range convs {
			total += max(c.UnreadCount, 0)
		}
	}
	e.post(func() { e.applyLoad(convs, total) })
}

func (e *Engine) fetchRecent(ctx context.Context, conversationID string) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()
	page, err := e.api.RecentMessages(ctx, conversationID, &PageOptions{Limit: e.opts.PageSize})
	if err != nil {
		return nil, err
	}
	return page.Messages, nil
}

func (e *Engine) fetchFirstPage(conversationID string, gen uint64) {
	go func() {
		msgs, err := e.fetchRecent(e.ctx, conversationID)
		if err != nil {
			e.log.Debug().Err(err).Str("conversation_id", conversationID).Msg("First page fetch failed")
			return
		}
		e.post(func() {
			if e.poll.Current(gen) {
				e.mergePage(SourceREST, conversationID, msgs, true)
			}
		})
	}()
}

func (e *Engine) notifyUnread(conversationID string, unread int) {
	if e.opts.Notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, e.opts.RequestTimeout)
		defer cancel()
		if err := e.opts.Notifier.ConversationUnread(ctx, conversationID, unread); err != nil {
			e.log.Debug().Err(err).Str("conversation_id", conversationID).Msg("Unread notification failed")
		}
	}()
}

// emit queues a fire-and-forget intent. A full queue drops the intent.
func (e *Engine) emit(name, conversationID string, fn func(ctx context.Context) error) {
	select {
	case e.intents <- intent{name: name, conversationID: conversationID, fn: fn}:
	default:
		e.log.Warn().Str("intent", name).Str("conversation_id", conversationID).Msg("Intent queue full, dropping")
	}
}

func (e *Engine) runIntents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case in := <-e.intents:
			ctx, cancel := context.WithTimeout(e.ctx, e.opts.RequestTimeout)
			err := in.fn(ctx)
			cancel()
			if err != nil {
				e.log.Debug().Err(err).Str("intent", in.name).Str("conversation_id", in.conversationID).Msg("Intent failed")
			}
		}
	}
}

// ============================================================================
// Reactions
// ============================================================================

func hasReaction(m *Message, emoji, userID string) bool {
	for _, r := range m.Reactions {
		if r.Emoji == emoji && r.UserID == userID {
			return true
		}
	}
	return false
}

// setReaction makes (emoji, userID) present or absent on m. Applying the same
// state twice is a no-op.
func setReaction(m *Message, emoji, userID string, present bool) {
	for i, r := range m.Reactions {
		if r.Emoji == emoji && r.UserID == userID {
			if !present {
				m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			}
			return
		}
	}
	if present {
		m.Reactions = append(m.Reactions, Reaction{Emoji: emoji, UserID: userID})
	}
}
