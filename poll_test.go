package chatsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	conversationID string
	gen            uint64
	msgs           []Message
}

func TestPollSchedulerFetchesOnInterval(t *testing.T) {
	mock := clock.NewMock()
	var fetched atomic.Int32
	delivered := make(chan delivery, 8)
	p := NewPollScheduler(mock, 5*time.Second,
		func(ctx context.Context, conv string) ([]Message, error) {
			fetched.Add(1)
			return []Message{{ID: "m7"}}, nil
		},
		func(conv string, gen uint64, msgs []Message) { delivered <- delivery{conv, gen, msgs} },
		zerolog.Nop(), nil)

	gen := p.Start(context.Background(), "c1")
	defer p.Stop()
	require.True(t, p.Current(gen))

	// Let the loop goroutine create its ticker before advancing.
	require.Eventually(t, func() bool {
		mock.Add(5 * time.Second)
		return fetched.Load() > 0
	}, time.Second, 10*time.Millisecond)

	d := <-delivered
	require.Equal(t, "c1", d.conversationID)
	require.Equal(t, gen, d.gen)
	require.Equal(t, "m7", d.msgs[0].ID)
}

func TestPollSchedulerRestartInvalidatesGeneration(t *testing.T) {
	mock := clock.NewMock()
	p := NewPollScheduler(mock, time.Second,
		func(ctx context.Context, conv string) ([]Message, error) { return nil, nil },
		func(string, uint64, []Message) {},
		zerolog.Nop(), nil)

	g1 := p.Start(context.Background(), "c1")
	g2 := p.Start(context.Background(), "c2")
	require.False(t, p.Current(g1))
	require.True(t, p.Current(g2))

	p.Stop()
	require.False(t, p.Current(g2))
	p.Stop()
}

func TestPollSchedulerCountsFailures(t *testing.T) {
	mock := clock.NewMock()
	metrics := NewMetrics(prometheus.NewRegistry())
	var calls atomic.Int32
	delivered := make(chan delivery, 8)
	p := NewPollScheduler(mock, time.Second,
		func(ctx context.Context, conv string) ([]Message, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("boom")
			}
			return []Message{}, nil
		},
		func(conv string, gen uint64, msgs []Message) { delivered <- delivery{conv, gen, msgs} },
		zerolog.Nop(), metrics)

	p.Start(context.Background(), "c1")
	defer p.Stop()

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return len(delivered) > 0
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.polls.WithLabelValues("error")))
	require.GreaterOrEqual(t, testutil.ToFloat64(metrics.polls.WithLabelValues("ok")), float64(1))
}
