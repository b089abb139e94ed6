package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	BindAddress  string `toml:"bind_address"`
	TCPPort      int    `toml:"tcp_port"`
	HTTPPort     int    `toml:"http_port"`    // WebSocket transport, 0 disables
	MetricsPort  int    `toml:"metrics_port"` // /metrics and /health, 0 disables
	DatabasePath string `toml:"database_path"`
	FilesPath    string `toml:"files_path"`
	LogPath      string `toml:"log_path"`
}

type LimitsSection struct {
	MaxFrameBytes    int `toml:"max_frame_bytes"`
	MaxFileBytes     int `toml:"max_file_bytes"`
	MessageRateLimit int `toml:"message_rate_limit"` // per minute per connection, 0 disables
	MaxConnections   int `toml:"max_connections"`    // concurrent TCP connections, 0 unlimited
	PasswordCost     int `toml:"password_cost"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	defaults := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			BindAddress:  defaults.BindAddress,
			TCPPort:      defaults.TCPPort,
			HTTPPort:     0,
			MetricsPort:  defaults.MetricsPort,
			DatabasePath: "~/.pairchat/pairchat.db",
			FilesPath:    "~/.pairchat/files",
			LogPath:      "~/.pairchat/server.log",
		},
		Limits: LimitsSection{
			MaxFrameBytes:    int(defaults.MaxFrameBytes),
			MaxFileBytes:     defaults.MaxFileBytes,
			MessageRateLimit: defaults.MessageRateLimit,
			MaxConnections:   defaults.MaxConnections,
			PasswordCost:     defaults.PasswordCost,
		},
	}
}

// expandHome replaces a leading ~/ with the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// An unwritable location still leaves us with usable defaults
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	meta, err := toml.DecodeFile(path, &config)
	if err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return TOMLConfig{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# pairchat server configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig, expanding ~/ in paths.
// Zero values fall back to the defaults, except the optional HTTP ports, the
// message rate limit and the connection cap where zero means disabled.
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.BindAddress) != "" {
		cfg.BindAddress = c.Server.BindAddress
	}
	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort

	paths := []struct {
		value string
		dst   *string
	}{
		{c.Server.DatabasePath, &cfg.DatabasePath},
		{c.Server.FilesPath, &cfg.FilesPath},
		{c.Server.LogPath, &cfg.LogPath},
	}
	for _, p := range paths {
		if strings.TrimSpace(p.value) == "" {
			continue
		}
		expanded, err := expandHome(p.value)
		if err != nil {
			return ServerConfig{}, err
		}
		*p.dst = expanded
	}

	if c.Limits.MaxFrameBytes > 0 {
		cfg.MaxFrameBytes = uint32(c.Limits.MaxFrameBytes)
	}
	if c.Limits.MaxFileBytes > 0 {
		cfg.MaxFileBytes = c.Limits.MaxFileBytes
	}
	cfg.MessageRateLimit = c.Limits.MessageRateLimit
	cfg.MaxConnections = c.Limits.MaxConnections
	if c.Limits.PasswordCost != 0 {
		cfg.PasswordCost = c.Limits.PasswordCost
	}

	return cfg, cfg.Validate()
}
