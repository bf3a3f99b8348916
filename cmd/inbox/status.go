package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	inbox "github.com/supportdesk/inbox-realtime"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusConnect, "connect", false, "also try to connect to the backend")
}

var statusConnect bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration, token and queue status",
	Long:  "Display the current configuration, check if the static token is expired, count queued messages and optionally test the connection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Default.Transport, inbox.TransportWebSocket))
		fmt.Printf("  URL:         %s\n", valueOrDefault(cfg.Default.URL, "(not set)"))
		if cfg.Default.TokenEndpoint != "" {
			fmt.Printf("  Token URL:   %s\n", cfg.Default.TokenEndpoint)
		}
		if cfg.Default.APIKey != "" {
			fmt.Printf("  API Key:     %s\n", maskKey(cfg.Default.APIKey))
		} else {
			fmt.Println("  API Key:     (not set)")
		}
		fmt.Printf("  Storage:     %s %s\n", valueOrDefault(cfg.Storage.Driver, inbox.StorageMemory), cfg.Storage.Path)

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Printf("  User Name:   %s\n", valueOrDefault(cfg.Auth.UserName, "(not set)"))
		fmt.Printf("  Token:       %s\n", tokenStatus(cfg.Auth.Token, time.Now()))

		if cfg.Default.URL == "" && cfg.Default.Transport != inbox.TransportSimulated {
			return nil
		}
		client, _ := getClient()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Queue:")
		items, err := client.Queue().List(ctx)
		if err != nil {
			fmt.Printf("  Error reading queue: %v\n", err)
		} else {
			failed := 0
			for _, it := range items {
				if it.PermanentlyFailed {
					failed++
				}
			}
			fmt.Printf("  Queued:      %d\n", len(items))
			fmt.Printf("  Failed:      %d\n", failed)
		}

		if statusConnect {
			fmt.Println()
			fmt.Println("Live status:")
			if err := client.Connect(ctx); err != nil {
				fmt.Printf("  Error connecting: %v\n", err)
				return nil
			}
			fmt.Printf("  State:       %s\n", client.Connection().State())
			if client.Connection().Simulated() {
				fmt.Println("  Note:        simulated transport, nothing reaches the backend")
			}
		}
		return nil
	},
}

// tokenStatus describes a static token using the expiry in its claims.
func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	expires, ok := inbox.TokenExpiry(token)
	if !ok {
		return "present (no expiry set)"
	}
	if now.Before(expires) {
		return fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
