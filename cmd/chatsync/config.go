package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file as stored")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowRaw bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print every setting with CHATSYNC_* environment overrides (and .env) applied.\n" +
		"Secrets are masked; --raw prints the config file as stored.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		exists := err == nil
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cannot read config file: %w", err)
		}
		if configShowRaw {
			if !exists {
				fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'chatsync config set default.base_url <url>' to create one.")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		}

		file, err := loadConfig()
		if err != nil {
			return err
		}
		effective, err := loadEffectiveConfig()
		if err != nil {
			return err
		}
		describeConfig(cmd.OutOrStdout(), path, exists, file, effective)
		return nil
	},
}

// describeConfig lists each key's effective value and names the environment
// variable when it differs from the file.
func describeConfig(w io.Writer, path string, exists bool, file, effective *Config) {
	if exists {
		fmt.Fprintf(w, "Config file: %s\n", path)
	} else {
		fmt.Fprintf(w, "Config file: %s (not created yet)\n", path)
	}
	for _, f := range configFields {
		value := *f.ptr(effective)
		shown := value
		switch {
		case value == "":
			shown = "(not set)"
		case f.secret:
			shown = maskKey(value)
		}
		source := ""
		if value != *f.ptr(file) {
			source = "  (from " + f.env + ")"
		}
		fmt.Fprintf(w, "  %-18s %s%s\n", f.key, shown, source)
	}
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set auth.user_id u-123",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if f, _ := lookupField(key); f.secret {
			value = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
