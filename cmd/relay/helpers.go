package main

import (
	"fmt"
	"os"

	relay "github.com/Lectora-HQ/Relay/sdk/golang"
)

// getClient creates a Relay client from the stored configuration.
func getClient() (*relay.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" || cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not configured. Run 'relay init <base-url> <token>' first.")
		os.Exit(1)
	}

	return relay.NewClient(cfg.Default.BaseURL, cfg.Auth.Token, relay.WithAgent("relay-cli")), cfg
}

// pageSize returns the configured page size or the SDK default.
func pageSize(cfg *Config) int {
	if cfg.Default.PageSize > 0 {
		return cfg.Default.PageSize
	}
	return relay.DefaultPageSize
}
