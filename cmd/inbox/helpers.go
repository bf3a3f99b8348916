package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	inbox "github.com/supportdesk/inbox-realtime"
)

// getClient builds an inbox client from the saved configuration.
func getClient() (*inbox.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.URL == "" && cfg.Default.Transport != inbox.TransportSimulated {
		fmt.Fprintln(os.Stderr, "No backend URL. Run 'inbox init <url>' first.")
		os.Exit(1)
	}

	client, err := inbox.NewClient(clientConfig(cfg), inbox.WithLogger(newLogger()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create client: %v\n", err)
		os.Exit(1)
	}
	return client, cfg
}

func clientConfig(cfg *Config) inbox.Config {
	return inbox.Config{
		Transport:     cfg.Default.Transport,
		URL:           cfg.Default.URL,
		APIKey:        cfg.Default.APIKey,
		TokenEndpoint: cfg.Default.TokenEndpoint,
		Token:         cfg.Auth.Token,
		StorageDriver: cfg.Storage.Driver,
		StoragePath:   cfg.Storage.Path,
	}
}

func newLogger() *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// self is the sender the CLI acts as.
func self(cfg *Config) inbox.Sender {
	return inbox.Sender{
		ID:   valueOrDefault(cfg.Auth.UserID, "cli"),
		Name: valueOrDefault(cfg.Auth.UserName, "inbox-cli"),
		Type: inbox.SenderAgent,
	}
}
