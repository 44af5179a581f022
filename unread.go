package chatsync

// UnreadCounter keeps per-conversation and global unread totals. The global
// value is corrected on each event rather than recomputed from the
// per-conversation values, so it never flickers when they disagree.
type UnreadCounter struct {
	perConversation map[string]int
	global          int
}

func NewUnreadCounter() *UnreadCounter {
	return &UnreadCounter{perConversation: make(map[string]int)}
}

// Load sets absolute values from an initial bulk load.
func (u *UnreadCounter) Load(perConversation map[string]int, global int) {
	u.perConversation = make(map[string]int, len(perConversation))
	for id, n := range perConversation {
		u.perConversation[id] = max(n, 0)
	}
	u.global = max(global, 0)
}

// Set overrides a single conversation's count without touching the global one.
func (u *UnreadCounter) Set(conversationID string, n int) {
	u.perConversation[conversationID] = max(n, 0)
}

// Increment adds one unread message to a conversation and to the global total.
func (u *UnreadCounter) Increment(conversationID string) {
	u.perConversation[conversationID]++
	u.global++
}

// Decrement subtracts n from a conversation and from the global total, each
// floored at zero.
func (u *UnreadCounter) Decrement(conversationID string, n int) {
	if n <= 0 {
		return
	}
	u.perConversation[conversationID] = max(u.perConversation[conversationID]-n, 0)
	u.global = max(u.global-n, 0)
}

// Remove forgets a conversation and takes its remaining count off the global total.
func (u *UnreadCounter) Remove(conversationID string) {
	n := u.perConversation[conversationID]
	delete(u.perConversation, conversationID)
	u.global = max(u.global-n, 0)
}

func (u *UnreadCounter) Conversation(conversationID string) int {
	return u.perConversation[conversationID]
}

func (u *UnreadCounter) Global() int {
	return u.global
}
