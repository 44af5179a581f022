package chatsync

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnreadCounterReadScenario(t *testing.T) {
	u := NewUnreadCounter()
	u.Load(map[string]int{"c1": 5, "c2": 4}, 9)

	u.Decrement("c1", 3)
	require.Equal(t, 2, u.Conversation("c1"))
	require.Equal(t, 6, u.Global())
}

func TestUnreadCounterFloorsAtZero(t *testing.T) {
	u := NewUnreadCounter()
	u.Load(map[string]int{"c1": 1, "c2": -3}, 2)
	require.Equal(t, 0, u.Conversation("c2"))

	u.Decrement("c1", 10)
	require.Equal(t, 0, u.Conversation("c1"))
	require.Equal(t, 0, u.Global())

	u.Decrement("unknown", 1)
	require.Equal(t, 0, u.Conversation("unknown"))
}

func TestUnreadCounterGlobalIsIndependent(t *testing.T) {
	u := NewUnreadCounter()
	u.Load(map[string]int{"c1": 1}, 7)
	u.Increment("c2")
	require.Equal(t, 1, u.Conversation("c2"))
	require.Equal(t, 8, u.Global(), "global is corrected, not recomputed")

	u.Set("c3", 4)
	require.Equal(t, 8, u.Global())

	u.Remove("c1")
	require.Equal(t, 0, u.Conversation("c1"))
	require.Equal(t, 7, u.Global())
}

func TestUnreadCounterNeverNegative(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	u := NewUnreadCounter()
	convs := []string{"a", "b", "c"}
	for i := 0; i < 1000; i++ {
		c := convs[rng.Intn(len(convs))]
		switch rng.Intn(4) {
		case 0:
			u.Increment(c)
		case 1:
			u.Decrement(c, rng.Intn(5))
		case 2:
			u.Remove(c)
		default:
			u.Set(c, rng.Intn(6)-3)
		}
		require.GreaterOrEqual(t, u.Global(), 0)
		for _, id := range convs {
			require.GreaterOrEqual(t, u.Conversation(id), 0)
		}
	}
}
