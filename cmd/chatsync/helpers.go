package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/taskdeck/chatsync"
)

// requireConfig loads the effective config and checks the session fields.
func requireConfig() (*Config, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.BaseURL == "" {
		return nil, fmt.Errorf("no base URL. Run 'chatsync config set default.base_url <url>' first")
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return nil, fmt.Errorf("no session. Set auth.token and auth.user_id first")
	}
	return cfg, nil
}

// getClient creates a REST client authenticated with the session token.
func getClient(cfg *Config) *chatsync.Client {
	return chatsync.NewClient(cfg.Default.BaseURL, chatsync.WithToken(cfg.Auth.Token))
}

// getNotifier returns the webhook notifier, or nil when none is configured.
func getNotifier(cfg *Config) (chatsync.UnreadNotifier, error) {
	if cfg.Notify.Endpoint == "" {
		return nil, nil
	}
	n, err := chatsync.NewWebhookNotifier(cfg.Notify.Endpoint, cfg.Notify.Secret, cfg.Auth.UserID, nil)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// newLogger returns a console logger on stderr; --verbose lowers the level to debug.
func newLogger(w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Fprintln(w, string(b))
	return nil
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
