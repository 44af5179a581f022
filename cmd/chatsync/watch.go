package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/taskdeck/chatsync"
)

var (
	// watch
	watchMetricsAddr string
	watchPoll        time.Duration

	// send
	sendTimeout time.Duration
)

// session bundles an engine with the collaborators it was built from.
type session struct {
	engine  *chatsync.Engine
	log     zerolog.Logger
	metrics *prometheus.Registry
}

func newSession(cfg *Config, metricsEnabled bool, opts chatsync.EngineOptions) (*session, error) {
	log := newLogger(os.Stderr)
	notifier, err := getNotifier(cfg)
	if err != nil {
		return nil, err
	}

	s := &session{log: log}
	if metricsEnabled {
		s.metrics = prometheus.NewRegistry()
		opts.Metrics = chatsync.NewMetrics(s.metrics)
	}
	opts.UserID = cfg.Auth.UserID
	opts.Logger = log
	opts.Notifier = notifier

	transport := chatsync.NewWSTransport(cfg.Default.BaseURL, chatsync.TransportConfig{
		Token:  cfg.Auth.Token,
		Logger: log,
	})
	s.engine = chatsync.NewEngine(transport, getClient(cfg), opts)
	return s, nil
}

// serveMetrics exposes the session's registry until ctx is done.
func (s *session) serveMetrics(ctx context.Context, addr string) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		s.log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn().Err(err).Msg("Metrics server stopped")
		}
	}()
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Open a conversation and print updates live",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		s, err := newSession(cfg, watchMetricsAddr != "", chatsync.EngineOptions{PollInterval: watchPoll})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if s.metrics != nil {
			s.serveMetrics(ctx, watchMetricsAddr)
		}

		s.engine.Start(ctx)
		defer s.engine.Dispose()
		s.engine.Open(args[0])

		snaps, unsubscribe := s.engine.Subscribe()
		defer unsubscribe()

		p := newThreadPrinter(cmd.OutOrStdout(), args[0], cfg.Auth.UserID)
		for {
			select {
			case <-ctx.Done():
				return nil
			case snap := <-snaps:
				p.render(snap)
			}
		}
	},
}

// threadPrinter prints the changes between successive snapshots of one
// conversation.
type threadPrinter struct {
	out            io.Writer
	conversationID string
	self           string

	printed    map[string]string // message key -> last printed line
	connection chatsync.ConnState
	typing     string
	unread     int
	started    bool
}

func newThreadPrinter(out io.Writer, conversationID, selfID string) *threadPrinter {
	return &threadPrinter{
		out:            out,
		conversationID: conversationID,
		self:           selfID,
		printed:        make(map[string]string),
		unread:         -1,
	}
}

func messageKey(m chatsync.Message) string {
	if m.PendingToken != "" {
		return "t:" + m.PendingToken
	}
	return "m:" + m.ID
}

func (p *threadPrinter) render(s *chatsync.Snapshot) {
	if !p.started || s.Connection != p.connection {
		p.started = true
		p.connection = s.Connection
		fmt.Fprintf(p.out, "-- %s\n", s.Connection)
	}

	for _, m := range s.Thread(p.conversationID) {
		key := messageKey(m)
		line := formatMessage(m, p.self)
		if prev, ok := p.printed[key]; ok && prev == line {
			continue
		}
		p.printed[key] = line
		fmt.Fprintln(p.out, line)
	}

	typing := strings.Join(s.TypingIn(p.conversationID), ", ")
	if typing != p.typing {
		p.typing = typing
		if typing != "" {
			fmt.Fprintf(p.out, "-- %s typing...\n", typing)
		}
	}

	if s.UnreadTotal != p.unread {
		p.unread = s.UnreadTotal
		fmt.Fprintf(p.out, "-- %d unread elsewhere\n", s.UnreadTotal)
	}
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message and wait for the server to acknowledge it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		s, err := newSession(cfg, false, chatsync.EngineOptions{SendTimeout: sendTimeout})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, sendTimeout+15*time.Second)
		defer cancel()

		s.engine.Start(ctx)
		defer s.engine.Dispose()

		snaps, unsubscribe := s.engine.Subscribe()
		defer unsubscribe()

		conversationID, text := args[0], strings.Join(args[1:], " ")
		msg, err := sendAndWait(ctx, s.engine, snaps, conversationID, text)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", msg.ID)
		return nil
	},
}

// sendAndWait sends once the push channel is up and waits for the message's
// echo or failure.
func sendAndWait(ctx context.Context, engine *chatsync.Engine, snaps <-chan *chatsync.Snapshot, conversationID, text string) (*chatsync.Message, error) {
	token := ""
	for {
		select {
		case <-ctx.Done():
			if token == "" {
				return nil, fmt.Errorf("push channel not connected: %w", ctx.Err())
			}
			return nil, fmt.Errorf("no acknowledgement: %w", ctx.Err())
		case snap := <-snaps:
			if token == "" {
				if snap.Connection != chatsync.StateConnected {
					continue
				}
				token = engine.Send(conversationID, text)
				continue
			}
			for _, m := range snap.Thread(conversationID) {
				if m.PendingToken != token {
					continue
				}
				if !m.Pending() {
					return &m, nil
				}
				if m.Status == chatsync.StatusFailed {
					return nil, fmt.Errorf("message was not acknowledged")
				}
			}
		}
	}
}

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().DurationVar(&watchPoll, "poll", chatsync.DefaultPollInterval, "Fallback poll interval")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", chatsync.DefaultSendTimeout, "How long to wait for the server to acknowledge")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(sendCmd)
}
