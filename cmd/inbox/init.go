package main

import (
	"fmt"

	"github.com/spf13/cobra"
	inbox "github.com/supportdesk/inbox-realtime"
)

var (
	initTransport     string
	initAPIKey        string
	initTokenEndpoint string
	initUserID        string
	initUserName      string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initTransport, "transport", inbox.TransportWebSocket, "websocket, nats or simulated")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key for the token endpoint")
	initCmd.Flags().StringVar(&initTokenEndpoint, "token-endpoint", "", "URL that issues realtime tokens")
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "participant id to act as")
	initCmd.Flags().StringVar(&initUserName, "user-name", "", "display name to act as")
}

var initCmd = &cobra.Command{
	Use:   "init <url>",
	Short: "Store the realtime backend URL in ~/.inbox/config.toml",
	Long:  "Initialize the inbox CLI by storing the backend URL and identity in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.URL = args[0]
		cfg.Default.Transport = initTransport
		if initAPIKey != "" {
			cfg.Default.APIKey = initAPIKey
		}
		if initTokenEndpoint != "" {
			cfg.Default.TokenEndpoint = initTokenEndpoint
		}
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initUserName != "" {
			cfg.Auth.UserName = initUserName
		}
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = inbox.StorageSQLite
		}
		if cfg.Storage.Path == "" {
			dir, err := configDir()
			if err != nil {
				return err
			}
			cfg.Storage.Path = dir + "/queue.db"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
