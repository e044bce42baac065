package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	relay "github.com/Lectora-HQ/Relay/sdk/golang"
)

var tailVerbose bool

func init() {
	tailCmd.Flags().BoolVarP(&tailVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation live",
	Long:  "Open a conversation, print its recent history, and stream new messages as they arrive. Press Ctrl-C to stop.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client, cfg := getClient()

		logger := zap.NewNop()
		if tailVerbose {
			l, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer l.Sync()
			logger = l
		}

		// Persist history next to the config so a reopened tail starts warm.
		var storage relay.Storage
		cachePath := cfg.Default.CacheDB
		if cachePath == "" {
			if dir, err := configDir(); err == nil {
				cachePath = filepath.Join(dir, "cache.db")
			}
		}
		if cachePath != "" {
			if s, err := relay.NewSQLiteStorage(cachePath); err == nil {
				defer s.Close()
				storage = s
			} else {
				fmt.Fprintf(os.Stderr, "Local cache unavailable (%v); continuing without it.\n", err)
			}
		}

		profiles := relay.NewProfileCache(client.GetProfile, 0)
		transport := relay.NewWebsocketTransport(cfg.Default.BaseURL, cfg.Auth.Token)

		// OnChange fires from the session's realtime goroutine as well as this
		// one, so the printed set needs a lock.
		var printMu sync.Mutex
		printed := make(map[string]bool)
		printNew := func(session *relay.Session) {
			printMu.Lock()
			defer printMu.Unlock()
			for _, entry := range session.View() {
				if entry.Message == nil || printed[entry.Message.ID] {
					continue
				}
				printed[entry.Message.ID] = true
				m := entry.Message
				name := m.AuthorDisplayName
				if name == "" {
					name = m.AuthorID
				}
				ts := time.UnixMilli(m.CreatedAt).Format("15:04:05")
				fmt.Printf("[%s] %s: %s\n", ts, name, m.Content)
			}
		}

		var session *relay.Session
		session = relay.NewSession(client, transport, &relay.SessionOptions{
			AuthorID: cfg.Auth.UserID,
			PageSize: pageSize(cfg),
			Storage:  storage,
			Profiles: profiles,
			Logger:   logger,
			OnChange: func() {
				if session != nil {
					printNew(session)
				}
			},
		})
		defer session.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := session.Open(ctx, conversationID); err != nil {
			fmt.Fprintf(os.Stderr, "Initial fetch failed (%v); waiting for realtime events.\n", err)
		}
		printNew(session)

		if err := client.MarkRead(ctx, conversationID); err != nil {
			logger.Debug("mark read failed", zap.Error(err))
		}

		fmt.Fprintf(os.Stderr, "Tailing %s (Ctrl-C to stop)...\n", conversationID)
		<-ctx.Done()
		return nil
	},
}
