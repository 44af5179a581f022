package chatsync

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// DefaultPollInterval is the fallback poll period for the active conversation.
const DefaultPollInterval = 5 * time.Second

// PageFetcher fetches the most recent page of a conversation.
type PageFetcher func(ctx context.Context, conversationID string) ([]Message, error)

// PollScheduler re-fetches the active conversation on a fixed interval and
// hands each page to deliver. At most one conversation is polled at a time;
// Start on another conversation cancels the previous loop.
type PollScheduler struct {
	clock    clock.Clock
	interval time.Duration
	fetch    PageFetcher
	deliver  func(conversationID string, gen uint64, msgs []Message)
	log      zerolog.Logger
	metrics  *Metrics

	gen    uint64
	cancel context.CancelFunc
}

func NewPollScheduler(clk clock.Clock, interval time.Duration, fetch PageFetcher,
	deliver func(conversationID string, gen uint64, msgs []Message), log zerolog.Logger, metrics *Metrics,
) *PollScheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollScheduler{
		clock:    clk,
		interval: interval,
		fetch:    fetch,
		deliver:  deliver,
		log:      log.With().Str("component", "poll").Logger(),
		metrics:  metrics,
	}
}

// Start begins polling conversationID and returns the generation its results
// will carry.
func (p *PollScheduler) Start(parent context.Context, conversationID string) uint64 {
	p.Stop()
	p.gen++
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	go p.loop(ctx, conversationID, p.gen)
	return p.gen
}

// Stop cancels the current loop, if any. Results of the cancelled generation
// that are already in flight are rejected by Current.
func (p *PollScheduler) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.cancel = nil
	p.gen++
}

// Current reports whether gen is the live generation.
func (p *PollScheduler) Current(gen uint64) bool {
	return p.cancel != nil && gen == p.gen
}

func (p *PollScheduler) loop(ctx context.Context, conversationID string, gen uint64) {
	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, err := p.fetch(ctx, conversationID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// Best effort: the push channel is the primary path.
				p.log.Debug().Err(err).Str("conversation_id", conversationID).Msg("Poll fetch failed")
				p.metrics.pollFetched("error")
				continue
			}
			p.metrics.pollFetched("ok")
			if ctx.Err() != nil {
				return
			}
			p.deliver(conversationID, gen, msgs)
		}
	}
}
