package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReceiptApplyIsIdempotent(t *testing.T) {
	r := NewReconciler()
	r.Merge("c1", Message{ID: "m1", SenderID: "u1"})
	agg := NewReceiptAggregator("u1")

	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ev := ReceiptApplied{ConversationID: "c1", UserID: "u2", MessageIDs: []string{"m1", "m1"}, ReadAt: t0}
	require.Equal(t, 1, agg.Apply(r, ev))
	require.Equal(t, 0, agg.Apply(r, ev))

	later := ev
	later.ReadAt = t0.Add(time.Hour)
	require.Equal(t, 0, agg.Apply(r, later))

	receipts := r.Message("c1", "m1").ReadReceipts
	require.Len(t, receipts, 1)
	require.Equal(t, "u2", receipts[0].UserID)
	require.True(t, receipts[0].ReadAt.Equal(t0), "first receipt wins")
}

func TestReceiptApplySkipsUnknownMessages(t *testing.T) {
	r := NewReconciler()
	r.Merge("c1", Message{ID: "m1"})
	agg := NewReceiptAggregator("u1")

	n := agg.Apply(r, ReceiptApplied{ConversationID: "c1", UserID: "u2", MessageIDs: []string{"missing", "m1"}})
	require.Equal(t, 1, n)
	require.Equal(t, 0, agg.Apply(r, ReceiptApplied{ConversationID: "c2", UserID: "u2", MessageIDs: []string{"m1"}}))
}

func TestSeenByRecipient(t *testing.T) {
	m := Message{ID: "m1", SenderID: "u1", ReadReceipts: []ReadReceipt{{UserID: "u1"}}}
	require.False(t, SeenByRecipient(m))

	AddReceipt(&m, "u1", time.Now())
	require.False(t, SeenByRecipient(m))

	AddReceipt(&m, "u2", time.Now())
	require.True(t, SeenByRecipient(m))
}

func TestAddReceiptIgnoresEmptyUser(t *testing.T) {
	m := Message{ID: "m1"}
	require.False(t, AddReceipt(&m, "", time.Now()))
	require.Empty(t, m.ReadReceipts)
}

func TestReceiptMarkRead(t *testing.T) {
	r := NewReconciler()
	r.Merge("c1", Message{ID: "m1", SenderID: "u2"})
	r.Merge("c1", Message{ID: "m2", SenderID: "me"})
	r.Merge("c1", Message{ID: "m3", SenderID: "u2", ReadReceipts: []ReadReceipt{{UserID: "me"}}})
	r.Merge("c1", Message{PendingToken: "t1", SenderID: "u2"})
	r.Merge("c1", Message{ID: "m4", SenderID: "u3"})
	agg := NewReceiptAggregator("me")

	require.Equal(t, []string{"m1", "m4"}, agg.Unread(r, "c1"))

	read := agg.MarkRead(r, "c1", time.Now())
	require.Equal(t, []string{"m1", "m4"}, read)
	require.True(t, HasRead(r.Message("c1", "m1"), "me"))
	require.Empty(t, agg.Unread(r, "c1"))
	require.Empty(t, agg.MarkRead(r, "c1", time.Now()))
}
