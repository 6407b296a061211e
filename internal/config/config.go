package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "FLEET"

// Config represents the complete server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
	Database  DatabaseConfig  `yaml:"database" envconfig:"DATABASE"`
	Auth      AuthConfig      `yaml:"auth" envconfig:"AUTH"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// WebSocketConfig contains the realtime channel limits
type WebSocketConfig struct {
	ReadBufferSize    int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize   int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PongWait          time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
	MaxMessageSize    int64         `yaml:"max_message_size" envconfig:"MAX_MESSAGE_SIZE"`
	SendBufferSize    int           `yaml:"send_buffer_size" envconfig:"SEND_BUFFER_SIZE"`
	MessagesPerSecond float64       `yaml:"messages_per_second" envconfig:"MESSAGES_PER_SECOND"`
	MessageBurst      int           `yaml:"message_burst" envconfig:"MESSAGE_BURST"`
}

// DatabaseConfig points at the sqlite database holding device registrations and audit logs
type DatabaseConfig struct {
	DSN      string `yaml:"dsn" envconfig:"DSN"`
	LogQuery bool   `yaml:"log_query" envconfig:"LOG_QUERY"`
}

// AuthConfig configures bearer token validation
type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	Issuer          string        `yaml:"issuer" envconfig:"ISSUER"`
	TokenTTL        time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL"`
	PrivilegedRoles []string      `yaml:"privileged_roles" envconfig:"PRIVILEGED_ROLES"`
}

// LicenseConfig configures the trust store and the remote authority client
type LicenseConfig struct {
	TrustedKeysDir string        `yaml:"trusted_keys_dir" envconfig:"TRUSTED_KEYS_DIR"`
	AuthorityURL   string        `yaml:"authority_url" envconfig:"AUTHORITY_URL"`
	MaxAttempts    int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	BaseDelay      time.Duration `yaml:"base_delay" envconfig:"BASE_DELAY"`
	MaxDelay       time.Duration `yaml:"max_delay" envconfig:"MAX_DELAY"`
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := getConfigFilePath(); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays the YAML document at filePath onto cfg.
// Keys missing from the file keep their current value.
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if c.Security.RateLimit.Enabled && (c.Security.RateLimit.RPS <= 0 || c.Security.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit rps and burst must be positive when enabled")
	}

	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("websocket max message size must be positive")
	}

	if c.WebSocket.SendBufferSize <= 0 {
		return fmt.Errorf("websocket send buffer size must be positive")
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth jwt secret must be at least 32 bytes")
	}

	if len(c.Auth.PrivilegedRoles) == 0 {
		return fmt.Errorf("at least one privileged role must be specified")
	}

	if c.License.MaxAttempts < 1 {
		return fmt.Errorf("license max attempts must be at least 1, got %d", c.License.MaxAttempts)
	}

	switch strings.ToLower(c.Logging.Output) {
	case "console", "file", "both":
	default:
		c.Logging.Output = "console"
	}

	if c.Logging.Output != "console" && c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/fleet.log"
	}

	return nil
}

// getConfigFilePath returns the path to the config file, or "" when none exists
func getConfigFilePath() string {
	if explicit := os.Getenv(EnvPrefix + "_CONFIG_FILE"); explicit != "" {
		return explicit
	}

	locations := []string{
		"fleet.yaml",
		"config/fleet.yaml",
		"configs/fleet.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: "logs/fleet.log",
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			PongWait:          60 * time.Second,
			MaxMessageSize:    8192,
			SendBufferSize:    256,
			MessagesPerSecond: 20,
			MessageBurst:      40,
		},
		Database: DatabaseConfig{
			DSN: "data/fleet.db",
		},
		Auth: AuthConfig{
			Issuer:          "fleetcore",
			TokenTTL:        24 * time.Hour,
			PrivilegedRoles: []string{"administrator", "manager", "support"},
		},
		License: LicenseConfig{
			TrustedKeysDir: "keys/trusted",
			MaxAttempts:    3,
			BaseDelay:      200 * time.Millisecond,
			MaxDelay:       5 * time.Second,
		},
	}
}
