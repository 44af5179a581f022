package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Notify  ConfigNotify  `toml:"notify"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
}

// ConfigAuth holds the session credentials.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
}

// ConfigNotify configures the unread-notification webhook.
type ConfigNotify struct {
	Endpoint string `toml:"endpoint"`
	Secret   string `toml:"secret"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync (or $CHATSYNC_HOME), creating it
// if needed.
func configDir() (string, error) {
	dir := os.Getenv("CHATSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with CHATSYNC_* environment overrides
// applied. A .env file in the working directory is read first if present.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load()
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	for _, f := range configFields {
		if v := os.Getenv(f.env); v != "" {
			*f.ptr(cfg) = v
		}
	}
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// configField is one settable key: its dotted name, the environment
// variable that overrides it, and where it lives in Config.
type configField struct {
	key    string
	env    string
	secret bool
	ptr    func(*Config) *string
}

var configFields = []configField{
	{"default.base_url", "CHATSYNC_BASE_URL", false, func(c *Config) *string { return &c.Default.BaseURL }},
	{"auth.token", "CHATSYNC_TOKEN", true, func(c *Config) *string { return &c.Auth.Token }},
	{"auth.user_id", "CHATSYNC_USER_ID", false, func(c *Config) *string { return &c.Auth.UserID }},
	{"notify.endpoint", "CHATSYNC_NOTIFY_ENDPOINT", false, func(c *Config) *string { return &c.Notify.Endpoint }},
	{"notify.secret", "CHATSYNC_NOTIFY_SECRET", true, func(c *Config) *string { return &c.Notify.Secret }},
}

func lookupField(key string) (configField, bool) {
	for _, f := range configFields {
		if f.key == key {
			return f, true
		}
	}
	return configField{}, false
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	if !strings.Contains(key, ".") {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	f, ok := lookupField(key)
	if !ok {
		keys := make([]string, len(configFields))
		for i, f := range configFields {
			keys[i] = f.key
		}
		return fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(keys, ", "))
	}
	*f.ptr(cfg) = value
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:          "chatsync",
	Short:        "Chat sync CLI",
	Long:         "Command-line client for the chat synchronization engine.\nList conversations, watch a conversation live, and send messages.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
