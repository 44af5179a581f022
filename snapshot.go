package chatsync

// Snapshot is an immutable view of the engine state. Nothing in it aliases
// engine state, so holding one never blocks or races with the engine. Message
// lists that did not change are shared between successive snapshots; treat
// them as read-only.
type Snapshot struct {
	Version       uint64
	Connection    ConnState
	Active        string
	Loaded        bool           // the initial conversation list has arrived
	Conversations []Conversation // most recent activity first
	Messages      map[string][]Message
	Typing        map[string][]string
	UnreadTotal   int
}

// Conversation returns the list entry for id.
func (s *Snapshot) Conversation(id string) (Conversation, bool) {
	for _, c := range s.Conversations {
		if c.ID == id {
			return c, true
		}
	}
	return Conversation{}, false
}

// Thread returns the ordered messages of a conversation.
func (s *Snapshot) Thread(conversationID string) []Message {
	return s.Messages[conversationID]
}

// TypingIn returns the users typing in a conversation.
func (s *Snapshot) TypingIn(conversationID string) []string {
	return s.Typing[conversationID]
}

func (e *Engine) buildSnapshot() *Snapshot {
	e.version++
	s := &Snapshot{
		Version:       e.version,
		Connection:    e.connState,
		Active:        e.active,
		Loaded:        e.loaded,
		Conversations: make([]Conversation, 0, len(e.order)),
		Messages:      make(map[string][]Message),
		Typing:        e.typing.All(),
		UnreadTotal:   e.unread.Global(),
	}
	for _, id := range e.order {
		c := e.conversations[id].clone()
		c.UnreadCount = e.unread.Conversation(id)
		if last := e.reconciler.Last(id); last != nil {
			m := last.clone()
			c.LastMessage = &m
		}
		s.Conversations = append(s.Conversations, c)
	}
	for _, id := range e.reconciler.Conversations() {
		s.Messages[id] = e.threadMessages(id)
	}
	for id := range e.threads {
		if _, ok := s.Messages[id]; !ok {
			delete(e.threads, id)
		}
	}
	return s
}

// threadCopy is the snapshot copy of one message list and the reconciler
// version it was taken at.
type threadCopy struct {
	version  uint64
	messages []Message
}

// threadMessages returns the copy of a conversation's list, reusing the last
// one while the list is unchanged.
func (e *Engine) threadMessages(conversationID string) []Message {
	v := e.reconciler.Version(conversationID)
	if c, ok := e.threads[conversationID]; ok && c.version == v {
		return c.messages
	}
	msgs := e.reconciler.Messages(conversationID)
	e.threads[conversationID] = threadCopy{version: v, messages: msgs}
	return msgs
}
