package chatsync

import "time"

// ReceiptAggregator merges read receipts into messages held by a Reconciler.
type ReceiptAggregator struct {
	self string
}

func NewReceiptAggregator(selfID string) *ReceiptAggregator {
	return &ReceiptAggregator{self: selfID}
}

// AddReceipt records (userID, readAt) on m unless the user already has a
// receipt there. The first receipt wins; it reports whether the set grew.
func AddReceipt(m *Message, userID string, readAt time.Time) bool {
	if userID == "" {
		return false
	}
	for _, r := range m.ReadReceipts {
		if r.UserID == userID {
			return false
		}
	}
	m.ReadReceipts = append(m.ReadReceipts, ReadReceipt{UserID: userID, ReadAt: readAt})
	return true
}

// HasRead reports whether userID has a receipt on m.
func HasRead(m *Message, userID string) bool {
	for _, r := range m.ReadReceipts {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// SeenByRecipient reports whether someone besides the sender has read m,
// i.e. its receipt set holds more than one distinct user.
func SeenByRecipient(m Message) bool {
	seen := make(map[string]struct{}, len(m.ReadReceipts))
	for _, r := range m.ReadReceipts {
		seen[r.UserID] = struct{}{}
	}
	return len(seen) > 1
}

// Apply merges a receipt event. Unknown message ids are skipped; it returns
// the number of receipts actually added.
func (a *ReceiptAggregator) Apply(rec *Reconciler, ev ReceiptApplied) int {
	added := 0
	for _, id := range ev.MessageIDs {
		m := rec.Message(ev.ConversationID, id)
		if m == nil {
			continue
		}
		if AddReceipt(m, ev.UserID, ev.ReadAt) {
			added++
		}
	}
	return added
}

// Unread returns the server ids of messages in a conversation that were sent
// by someone else and carry no receipt from the current user.
func (a *ReceiptAggregator) Unread(rec *Reconciler, conversationID string) []string {
	var ids []string
	rec.each(conversationID, func(m *Message) {
		if m.Pending() || m.SenderID == a.self {
			return
		}
		if !HasRead(m, a.self) {
			ids = append(ids, m.ID)
		}
	})
	return ids
}

// MarkRead records local receipts for every unread message in a conversation
// and returns their ids. The caller adjusts counters by len(ids) and tells the
// transport; neither waits for the server.
func (a *ReceiptAggregator) MarkRead(rec *Reconciler, conversationID string, at time.Time) []string {
	ids := a.Unread(rec, conversationID)
	for _, id := range ids {
		if m := rec.Message(conversationID, id); m != nil {
			AddReceipt(m, a.self, at)
		}
	}
	return ids
}
