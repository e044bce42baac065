package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Page size: %d\n", pageSize(cfg))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:     %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}
		if cfg.Auth.UserID != "" {
			fmt.Printf("  User ID:   %s\n", cfg.Auth.UserID)
		}

		if cfg.Default.BaseURL == "" || cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		channels, err := client.ListChannels(ctx)
		if err != nil {
			fmt.Printf("  Backend unreachable: %v\n", err)
			return nil
		}

		unread := 0
		for _, ch := range channels {
			unread += ch.UnreadCount
		}
		fmt.Printf("  Channels: %d\n", len(channels))
		fmt.Printf("  Unread:   %d\n", unread)
		return nil
	},
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "..."
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
