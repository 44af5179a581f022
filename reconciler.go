package chatsync

// MergeOutcome describes what the reconciler did with an incoming message.
type MergeOutcome int

const (
	// MergeRejected means the message had neither a server id nor a pending token.
	MergeRejected MergeOutcome = iota
	// MergeDuplicate means an entry with the same identity already exists.
	MergeDuplicate
	// MergeUpdated means a known entry gained receipts or reactions.
	MergeUpdated
	// MergeReplaced means a placeholder was resolved in place.
	MergeReplaced
	// MergeAppended means the message was added at the end of the list.
	MergeAppended
)

func (o MergeOutcome) String() string {
	switch o {
	case MergeDuplicate:
		return "duplicate"
	case MergeUpdated:
		return "updated"
	case MergeReplaced:
		return "replaced"
	case MergeAppended:
		return "appended"
	default:
		return "rejected"
	}
}

// thread is the canonical ordered message list of one conversation.
type thread struct {
	messages []*Message
	byID     map[string]int
	byToken  map[string]int
	version  uint64
}

func newThread() *thread {
	return &thread{
		byID:    make(map[string]int),
		byToken: make(map[string]int),
	}
}

func (t *thread) index(i int) {
	m := t.messages[i]
	if m.ID != "" {
		t.byID[m.ID] = i
	}
	if m.PendingToken != "" {
		t.byToken[m.PendingToken] = i
	}
}

func (t *thread) reindex() {
	t.byID = make(map[string]int, len(t.messages))
	t.byToken = make(map[string]int)
	for i := range t.messages {
		t.index(i)
	}
}

// Reconciler merges pushed, polled and optimistic messages into one ordered,
// duplicate-free list per conversation. It is not safe for concurrent use;
// the engine loop owns it.
type Reconciler struct {
	threads map[string]*thread
	seq     uint64
}

func NewReconciler() *Reconciler {
	return &Reconciler{threads: make(map[string]*thread)}
}

func (r *Reconciler) thread(conversationID string) *thread {
	t, ok := r.threads[conversationID]
	if !ok {
		t = newThread()
		r.threads[conversationID] = t
		r.changed(t)
	}
	return t
}

// changed stamps t with a version no other thread has had, so a dropped and
// recreated conversation never matches an old version.
func (r *Reconciler) changed(t *thread) {
	r.seq++
	t.version = r.seq
}

// Version identifies the current contents of a conversation's list. It
// changes on every merge that alters the list and whenever a live entry is
// handed out for modification. Zero means the conversation has no list.
func (r *Reconciler) Version(conversationID string) uint64 {
	if t, ok := r.threads[conversationID]; ok {
		return t.version
	}
	return 0
}

// Merge applies one message to the conversation's list:
// a known server id is not added again, a matching unresolved placeholder is
// replaced where it stands, anything else is appended. Receipts and reactions
// carried by a copy of a known message are folded into the existing entry.
func (r *Reconciler) Merge(conversationID string, msg Message) MergeOutcome {
	if conversationID == "" || (msg.ID == "" && msg.PendingToken == "") {
		return MergeRejected
	}
	msg.ConversationID = conversationID
	t := r.thread(conversationID)

	if msg.ID != "" {
		if i, ok := t.byID[msg.ID]; ok {
			if !absorb(t.messages[i], msg) {
				return MergeDuplicate
			}
			r.changed(t)
			return MergeUpdated
		}
	}

	if msg.PendingToken != "" {
		if i, ok := t.byToken[msg.PendingToken]; ok && t.messages[i].Pending() {
			if msg.ID == "" {
				return MergeDuplicate
			}
			if msg.Status == "" || msg.Status == StatusSending {
				msg.Status = StatusSent
			}
			m := msg
			t.messages[i] = &m
			t.index(i)
			r.changed(t)
			return MergeReplaced
		}
	}

	if msg.Status == "" {
		if msg.ID == "" {
			msg.Status = StatusSending
		} else {
			msg.Status = StatusSent
		}
	}
	m := msg
	t.messages = append(t.messages, &m)
	t.index(len(t.messages) - 1)
	r.changed(t)
	return MergeAppended
}

// absorb adds the receipts and reactions of incoming that existing lacks.
// Nothing is removed: a copy never proves a receipt or reaction is gone.
func absorb(existing *Message, incoming Message) bool {
	grew := false
	for _, rc := range incoming.ReadReceipts {
		if AddReceipt(existing, rc.UserID, rc.ReadAt) {
			grew = true
		}
	}
	for _, rx := range incoming.Reactions {
		if rx.Emoji == "" || rx.UserID == "" || hasReaction(existing, rx.Emoji, rx.UserID) {
			continue
		}
		setReaction(existing, rx.Emoji, rx.UserID, true)
		grew = true
	}
	return grew
}

// Discard removes an unresolved placeholder. It returns false when the token
// is unknown or has already been resolved.
func (r *Reconciler) Discard(conversationID, pendingToken string) bool {
	t, ok := r.threads[conversationID]
	if !ok {
		return false
	}
	i, ok := t.byToken[pendingToken]
	if !ok || !t.messages[i].Pending() {
		return false
	}
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
	t.reindex()
	r.changed(t)
	return true
}

// Placeholder returns the unresolved placeholder for a token, if any. Like
// Message it counts as a modification.
func (r *Reconciler) Placeholder(conversationID, pendingToken string) *Message {
	t, ok := r.threads[conversationID]
	if !ok {
		return nil
	}
	if i, ok := t.byToken[pendingToken]; ok && t.messages[i].Pending() {
		r.changed(t)
		return t.messages[i]
	}
	return nil
}

// Message returns the live entry for a server id, or nil. The caller may
// modify the entry, so the conversation's version advances.
func (r *Reconciler) Message(conversationID, id string) *Message {
	t, ok := r.threads[conversationID]
	if !ok {
		return nil
	}
	if i, ok := t.byID[id]; ok {
		r.changed(t)
		return t.messages[i]
	}
	return nil
}

// Last returns the most recent entry of a conversation, or nil.
func (r *Reconciler) Last(conversationID string) *Message {
	t, ok := r.threads[conversationID]
	if !ok || len(t.messages) == 0 {
		return nil
	}
	return t.messages[len(t.messages)-1]
}

// Messages returns a deep copy of a conversation's list in order.
func (r *Reconciler) Messages(conversationID string) []Message {
	t, ok := r.threads[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.clone()
	}
	return out
}

func (r *Reconciler) each(conversationID string, fn func(m *Message)) {
	t, ok := r.threads[conversationID]
	if !ok {
		return
	}
	for _, m := range t.messages {
		fn(m)
	}
}

// Conversations lists the ids that have a message list.
func (r *Reconciler) Conversations() []string {
	ids := make([]string, 0, len(r.threads))
	for id := range r.threads {
		ids = append(ids, id)
	}
	return ids
}

// Drop forgets a conversation's list entirely.
func (r *Reconciler) Drop(conversationID string) {
	delete(r.threads, conversationID)
}
