package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

// configField binds a dot-notation key to its Config accessors. The table
// drives config listing, set and unset, so the three can never drift apart.
type configField struct {
	describe string
	get      func(*Config) string
	set      func(*Config, string) error
	clear    func(*Config)
}

var configFields = map[string]configField{
	"default.base_url": {
		describe: "Backend base URL",
		get:      func(c *Config) string { return valueOrDefault(c.Default.BaseURL, "(not set)") },
		set:      func(c *Config, v string) error { c.Default.BaseURL = v; return nil },
		clear:    func(c *Config) { c.Default.BaseURL = "" },
	},
	"default.cache_db": {
		describe: "Local history cache path",
		get:      func(c *Config) string { return valueOrDefault(c.Default.CacheDB, "(default: ~/.relay/cache.db)") },
		set:      func(c *Config, v string) error { c.Default.CacheDB = v; return nil },
		clear:    func(c *Config) { c.Default.CacheDB = "" },
	},
	"default.page_size": {
		describe: "History page size",
		get:      func(c *Config) string { return strconv.Itoa(pageSize(c)) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return fmt.Errorf("page_size must be a positive integer")
			}
			c.Default.PageSize = n
			return nil
		},
		clear: func(c *Config) { c.Default.PageSize = 0 },
	},
	"auth.token": {
		describe: "Bearer token",
		get: func(c *Config) string {
			if c.Auth.Token == "" {
				return "(not set)"
			}
			return maskToken(c.Auth.Token)
		},
		set:   func(c *Config, v string) error { c.Auth.Token = v; return nil },
		clear: func(c *Config) { c.Auth.Token = "" },
	},
	"auth.user_id": {
		describe: "Local user id for optimistic sends",
		get:      func(c *Config) string { return valueOrDefault(c.Auth.UserID, "(not set)") },
		set:      func(c *Config, v string) error { c.Auth.UserID = v; return nil },
		clear:    func(c *Config) { c.Auth.UserID = "" },
	},
}

func sortedConfigKeys() []string {
	keys := make([]string, 0, len(configFields))
	for k := range configFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configSetCmd, configUnsetCmd, configPathCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change Relay settings",
	Long:  "Without a subcommand, prints every setting with its resolved value.\nUse 'config set' and 'config unset' to change individual keys.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		for _, key := range sortedConfigKeys() {
			field := configFields[key]
			fmt.Printf("%-18s %-24s %s\n", key, field.get(cfg), field.describe)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set one setting, e.g. 'relay config set default.page_size 25'",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		field, ok := configFields[key]
		if !ok {
			return fmt.Errorf("unknown key %q (run 'relay config' for the list)", key)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := field.set(cfg, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("%s is now %s\n", key, field.get(cfg))
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset one setting to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		field, ok := configFields[key]
		if !ok {
			return fmt.Errorf("unknown key %q (run 'relay config' for the list)", key)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		field.clear(cfg)
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("%s cleared\n", key)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}
