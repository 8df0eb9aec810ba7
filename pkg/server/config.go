package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/prattle/pkg/protocol"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server    ServerSection    `toml:"server"`
	Scheduler SchedulerSection `toml:"scheduler"`
	Limits    LimitsSection    `toml:"limits"`
	Security  SecuritySection  `toml:"security"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	HTTPPort     int    `toml:"http_port"`
	DatabasePath string `toml:"database_path"`
	Framing      string `toml:"framing"`
}

type SchedulerSection struct {
	PoolSize       int `toml:"pool_size"`
	TickIntervalMs int `toml:"tick_interval_ms"`
	AcceptPollMs   int `toml:"accept_poll_ms"`
}

type LimitsSection struct {
	UnauthenticatedTimeoutSeconds int `toml:"unauthenticated_timeout_seconds"`
	AuthenticatedTimeoutSeconds   int `toml:"authenticated_timeout_seconds"`
	ReadBufferBytes               int `toml:"read_buffer_bytes"`
	MaxSendAttempts               int `toml:"max_send_attempts"`
}

type SecuritySection struct {
	BcryptCost int `toml:"bcrypt_cost"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      4545,
			HTTPPort:     8080,
			DatabasePath: "~/.prattle/prattle.db",
			Framing:      protocol.FramingJSON,
		},
		Scheduler: SchedulerSection{
			PoolSize:       20,
			TickIntervalMs: 200,
			AcceptPollMs:   50,
		},
		Limits: LimitsSection{
			UnauthenticatedTimeoutSeconds: 600,   // 10 minutes to log in
			AuthenticatedTimeoutSeconds:   18000, // 5 hours idle once logged in
			ReadBufferBytes:               64 * 1024,
			MaxSendAttempts:               100,
		},
		Security: SecuritySection{
			BcryptCost: bcrypt.DefaultCost,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// If we can't write, just run with defaults
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}

func envInt(key string, target *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*target = n
		}
	}
}

func envString(key string, target *string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: PRATTLE_SECTION_KEY
// Example: PRATTLE_SERVER_TCP_PORT=4546
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envInt("PRATTLE_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("PRATTLE_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envString("PRATTLE_SERVER_DATABASE_PATH", &config.Server.DatabasePath)
	envString("PRATTLE_SERVER_FRAMING", &config.Server.Framing)

	envInt("PRATTLE_SCHEDULER_POOL_SIZE", &config.Scheduler.PoolSize)
	envInt("PRATTLE_SCHEDULER_TICK_INTERVAL_MS", &config.Scheduler.TickIntervalMs)
	envInt("PRATTLE_SCHEDULER_ACCEPT_POLL_MS", &config.Scheduler.AcceptPollMs)

	envInt("PRATTLE_LIMITS_UNAUTHENTICATED_TIMEOUT_SECONDS", &config.Limits.UnauthenticatedTimeoutSeconds)
	envInt("PRATTLE_LIMITS_AUTHENTICATED_TIMEOUT_SECONDS", &config.Limits.AuthenticatedTimeoutSeconds)
	envInt("PRATTLE_LIMITS_READ_BUFFER_BYTES", &config.Limits.ReadBufferBytes)
	envInt("PRATTLE_LIMITS_MAX_SEND_ATTEMPTS", &config.Limits.MaxSendAttempts)

	envInt("PRATTLE_SECURITY_BCRYPT_COST", &config.Security.BcryptCost)

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# Prattle Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# PRATTLE_SECTION_KEY (e.g., PRATTLE_SERVER_TCP_PORT=4546)

[server]
# Port for client TCP connections
tcp_port = 4545

# Port for the HTTP server (/ws, /metrics, /health)
# Set to 0 to disable
http_port = 8080

# Path to SQLite database file
database_path = "~/.prattle/prattle.db"

# Record framing on client connections:
#   "json"  - concatenated JSON objects
#   "frame" - length-prefixed binary frames with LZ4 compression
framing = "json"

[scheduler]
# Worker goroutines shared by all sessions
pool_size = 20

# How often each session polls its connection and flushes its mailbox
tick_interval_ms = 200

# Upper bound on a single accept wait
accept_poll_ms = 50

[limits]
# Idle time allowed before logging in
unauthenticated_timeout_seconds = 600

# Idle time allowed once logged in
authenticated_timeout_seconds = 18000

# Per-connection read buffer; a record larger than this is dropped
read_buffer_bytes = 65536

# Write attempts before a slow client is disconnected
max_send_attempts = 100

[security]
# bcrypt work factor for stored passwords
bcrypt_cost = 10
`

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	// http_port = 0 disables the HTTP server, so copy it as-is
	cfg.HTTPPort = c.Server.HTTPPort
	if strings.TrimSpace(c.Server.Framing) != "" {
		cfg.Framing = strings.TrimSpace(c.Server.Framing)
	}

	if c.Scheduler.PoolSize > 0 {
		cfg.PoolSize = c.Scheduler.PoolSize
	}
	if c.Scheduler.TickIntervalMs > 0 {
		cfg.TickInterval = time.Duration(c.Scheduler.TickIntervalMs) * time.Millisecond
	}
	if c.Scheduler.AcceptPollMs > 0 {
		cfg.AcceptPollDelay = time.Duration(c.Scheduler.AcceptPollMs) * time.Millisecond
	}

	if c.Limits.UnauthenticatedTimeoutSeconds > 0 {
		cfg.UnauthenticatedTimeout = time.Duration(c.Limits.UnauthenticatedTimeoutSeconds) * time.Second
	}
	if c.Limits.AuthenticatedTimeoutSeconds > 0 {
		cfg.AuthenticatedTimeout = time.Duration(c.Limits.AuthenticatedTimeoutSeconds) * time.Second
	}
	if c.Limits.ReadBufferBytes > 0 {
		cfg.ReadBufferSize = c.Limits.ReadBufferBytes
	}
	if c.Limits.MaxSendAttempts > 0 {
		cfg.MaxSendAttempts = c.Limits.MaxSendAttempts
	}

	if c.Security.BcryptCost != 0 {
		cfg.BcryptCost = c.Security.BcryptCost
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort  int
	HTTPPort int // /ws, /metrics and /health (0 = disabled)
	Framing  string

	PoolSize        int
	TickInterval    time.Duration
	AcceptPollDelay time.Duration

	UnauthenticatedTimeout time.Duration
	AuthenticatedTimeout   time.Duration
	ReadBufferSize         int
	MaxSendAttempts        int

	BcryptCost int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:                4545,
		HTTPPort:               8080,
		Framing:                protocol.FramingJSON,
		PoolSize:               20,
		TickInterval:           200 * time.Millisecond,
		AcceptPollDelay:        50 * time.Millisecond,
		UnauthenticatedTimeout: 10 * time.Minute,
		AuthenticatedTimeout:   5 * time.Hour,
		ReadBufferSize:         64 * 1024,
		MaxSendAttempts:        100,
		BcryptCost:             bcrypt.DefaultCost,
	}
}
