package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for tradeboard.
type Config struct {
	Environment string   `yaml:"environment"`
	Server      Server   `yaml:"server"`
	API         API      `yaml:"api"`
	Channel     Channel  `yaml:"channel"`
	Fetch       Fetch    `yaml:"fetch"`
	Cache       Cache    `yaml:"cache"`
	Alpaca      Alpaca   `yaml:"alpaca"`
	Logging     Logging  `yaml:"logging"`
	Snapshot    Snapshot `yaml:"snapshot"`
}

// Server holds the gateway listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// API is the request/response feed backend.
type API struct {
	BaseURL      string  `yaml:"base_url"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	RateBurst    int     `yaml:"rate_burst"`
}

// Channel configures the push channel.
type Channel struct {
	URL               string        `yaml:"url"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectBase     time.Duration `yaml:"reconnect_base"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	SimulateInterval  time.Duration `yaml:"simulate_interval"`
}

// Fetch configures request timeouts and retry policy.
type Fetch struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryBase  time.Duration `yaml:"retry_base"`
	RetryMax   time.Duration `yaml:"retry_max"`
}

// Cache configures the shared feed cache.
type Cache struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Snapshot configures the warm cache database. An empty path disables it.
type Snapshot struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Default returns a configuration suitable for interactive use.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills every zero-valued field with its default.
func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 9090
	}

	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "http://localhost:3001/api"
	}
	if cfg.API.RateLimitRPS == 0 {
		cfg.API.RateLimitRPS = 20
	}
	if cfg.API.RateBurst == 0 {
		cfg.API.RateBurst = 10
	}

	if cfg.Channel.URL == "" {
		cfg.Channel.URL = "ws://localhost:3001/ws"
	}
	if cfg.Channel.ReconnectAttempts == 0 {
		cfg.Channel.ReconnectAttempts = 5
	}
	if cfg.Channel.ReconnectBase == 0 {
		cfg.Channel.ReconnectBase = time.Second
	}
	if cfg.Channel.ReconnectMax == 0 {
		cfg.Channel.ReconnectMax = 30 * time.Second
	}
	if cfg.Channel.HeartbeatInterval == 0 {
		cfg.Channel.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Channel.HandshakeTimeout == 0 {
		cfg.Channel.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Channel.SimulateInterval == 0 {
		cfg.Channel.SimulateInterval = 5 * time.Second
	}

	if cfg.Fetch.Timeout == 0 {
		cfg.Fetch.Timeout = 10 * time.Second
	}
	if cfg.Fetch.MaxRetries == 0 {
		cfg.Fetch.MaxRetries = 3
	}
	if cfg.Fetch.RetryBase == 0 {
		cfg.Fetch.RetryBase = time.Second
	}
	if cfg.Fetch.RetryMax == 0 {
		cfg.Fetch.RetryMax = 30 * time.Second
	}

	if cfg.Cache.SweepInterval == 0 {
		cfg.Cache.SweepInterval = time.Minute
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, fills defaults, and then applies environment variable
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRADEBOARD_ENV"); v != "" {
		cfg.Environment = v
	}

	if v := os.Getenv("TRADEBOARD_API_URL"); v != "" {
		cfg.API.BaseURL = v
	}

	if v := os.Getenv("TRADEBOARD_CHANNEL_URL"); v != "" {
		cfg.Channel.URL = v
	}

	if v := os.Getenv("TRADEBOARD_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}

	if v := os.Getenv("TRADEBOARD_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Channel.ReconnectAttempts = n
		}
	}

	if v := os.Getenv("TRADEBOARD_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Channel.HeartbeatInterval = d
		}
	}

	if v := os.Getenv("TRADEBOARD_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Fetch.Timeout = d
		}
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Snapshot.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
