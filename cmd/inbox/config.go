package main

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	inbox "github.com/supportdesk/inbox-realtime"
)

// configKey is one settable entry of config.toml.
type configKey struct {
	name   string
	about  string
	secret bool
	field  func(*Config) *string
	check  func(string) error
}

var configKeys = []configKey{
	{name: "default.transport", about: "websocket, nats or simulated", field: func(c *Config) *string { return &c.Default.Transport },
		check: oneOf(inbox.TransportWebSocket, inbox.TransportNATS, inbox.TransportSimulated)},
	{name: "default.url", about: "realtime backend URL", field: func(c *Config) *string { return &c.Default.URL },
		check: backendURL},
	{name: "default.api_key", about: "key sent to the token endpoint", secret: true, field: func(c *Config) *string { return &c.Default.APIKey }},
	{name: "default.token_endpoint", about: "URL that mints realtime tokens", field: func(c *Config) *string { return &c.Default.TokenEndpoint },
		check: httpURL},
	{name: "auth.token", about: "static realtime token", secret: true, field: func(c *Config) *string { return &c.Auth.Token }},
	{name: "auth.user_id", about: "participant id used for presence", field: func(c *Config) *string { return &c.Auth.UserID }},
	{name: "auth.user_name", about: "display name shown to others", field: func(c *Config) *string { return &c.Auth.UserName }},
	{name: "storage.driver", about: "memory, file or sqlite", field: func(c *Config) *string { return &c.Storage.Driver },
		check: oneOf(inbox.StorageMemory, inbox.StorageFile, inbox.StorageSQLite)},
	{name: "storage.path", about: "queue directory or database file", field: func(c *Config) *string { return &c.Storage.Path }},
}

func oneOf(allowed ...string) func(string) error {
	return func(v string) error {
		if !slices.Contains(allowed, v) {
			return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
		}
		return nil
	}
}

func backendURL(v string) error {
	u, err := url.Parse(v)
	if err != nil || u.Host == "" {
		return fmt.Errorf("not an absolute URL")
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https", "nats", "tls":
		return nil
	}
	return fmt.Errorf("unsupported scheme %q", u.Scheme)
}

func httpURL(v string) error {
	u, err := url.Parse(v)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("must be an http(s) URL")
	}
	return nil
}

func lookupConfigKey(key string) (configKey, error) {
	section, _, ok := strings.Cut(key, ".")
	if !ok {
		return configKey{}, fmt.Errorf("key must use dot notation: section.field (e.g. default.url)")
	}
	for _, k := range configKeys {
		if k.name == key {
			return k, nil
		}
	}
	switch section {
	case "default", "auth", "storage":
		return configKey{}, fmt.Errorf("unknown field %q in section [%s]; see 'inbox config keys'", key, section)
	}
	return configKey{}, fmt.Errorf("unknown config section %q (valid: default, auth, storage)", section)
}

// setConfigValue sets a key in dot notation (e.g. "default.url"). An empty
// value clears the key.
func setConfigValue(cfg *Config, key, value string) error {
	k, err := lookupConfigKey(key)
	if err != nil {
		return err
	}
	if value != "" && k.check != nil {
		if err := k.check(value); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	*k.field(cfg) = value
	return nil
}

func getConfigValue(cfg *Config, key string) (string, error) {
	k, err := lookupConfigKey(key)
	if err != nil {
		return "", err
	}
	v := *k.field(cfg)
	if k.secret && v != "" {
		v = maskKey(v)
	}
	return v, nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd, configKeysCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage inbox configuration",
	Long:  "View or change the settings in ~/.inbox/config.toml. Run 'inbox config keys' for the list of keys.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'inbox init <url>' to create one.")
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		for _, k := range configKeys {
			v, _ := getConfigValue(cfg, k.name)
			fmt.Printf("%-24s %s\n", k.name, valueOrDefault(v, "-"))
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		v, err := getConfigValue(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation. An empty value clears it.\nExample: inbox config set auth.user_id agent-7",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		v, _ := getConfigValue(cfg, args[0])
		fmt.Printf("%s = %s\n", args[0], v)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the configuration keys",
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range configKeys {
			fmt.Printf("%-24s %s\n", k.name, k.about)
		}
	},
}
