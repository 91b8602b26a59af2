package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level smsgate configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Modem    ModemConfig    `toml:"modem"`
	Queue    QueueConfig    `toml:"queue"`
	Auth     AuthConfig     `toml:"auth"`
	Logging  LoggingConfig  `toml:"logging"`
}

type ServerConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	ShutdownTimeout int    `toml:"shutdown_timeout"` // seconds
}

type DatabaseConfig struct {
	URL      string `toml:"url"`
	MaxConns int    `toml:"max_conns"`
	MinConns int    `toml:"min_conns"`
}

// ModemConfig points at the HiLink modem's web interface. Intervals are in
// milliseconds to match the MODEM_* environment variables.
type ModemConfig struct {
	BaseURL               string `toml:"base_url"`
	PollIntervalMS        int    `toml:"poll_interval"`
	HealthCheckIntervalMS int    `toml:"health_check_interval"`
}

// QueueConfig sizes the outbound send pipeline. The send rate limit is
// dictated by the modem hardware: at most SendRateLimit sends started per
// SendRatePeriod seconds.
type QueueConfig struct {
	SendConcurrency   int `toml:"sms_send_concurrency"`
	SendRateLimit     int `toml:"sms_send_rate_limit"`
	SendRatePeriod    int `toml:"sms_send_rate_period"` // seconds
	StatusConcurrency int `toml:"sms_status_concurrency"`
}

type AuthConfig struct {
	DefaultRateLimit int `toml:"default_rate_limit"` // per-key hourly quota fallback
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 10,
		},
		Database: DatabaseConfig{
			MaxConns: 10,
			MinConns: 1,
		},
		Modem: ModemConfig{
			BaseURL:               "http://192.168.8.1",
			PollIntervalMS:        30000,
			HealthCheckIntervalMS: 60000,
		},
		Queue: QueueConfig{
			SendConcurrency:   6,
			SendRateLimit:     6,
			SendRatePeriod:    60,
			StatusConcurrency: 3,
		},
		Auth: AuthConfig{
			DefaultRateLimit: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration with priority: defaults → smsgate.toml → env vars.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		configPath = "smsgate.toml"
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", configPath, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s must be an integer, got %q", name, v)
	}
	*dst = n
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("MODEM_BASE_URL"); v != "" {
		cfg.Modem.BaseURL = v
	}
	if err := envInt("MODEM_POLL_INTERVAL", &cfg.Modem.PollIntervalMS); err != nil {
		return err
	}
	if err := envInt("MODEM_HEALTH_CHECK_INTERVAL", &cfg.Modem.HealthCheckIntervalMS); err != nil {
		return err
	}
	if err := envInt("DEFAULT_RATE_LIMIT", &cfg.Auth.DefaultRateLimit); err != nil {
		return err
	}
	if err := envInt("QUEUE_SMS_SEND_CONCURRENCY", &cfg.Queue.SendConcurrency); err != nil {
		return err
	}
	if err := envInt("QUEUE_SMS_SEND_RATE_LIMIT", &cfg.Queue.SendRateLimit); err != nil {
		return err
	}
	if v := os.Getenv("SMSGATE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if err := envInt("SMSGATE_SERVER_PORT", &cfg.Server.Port); err != nil {
		return err
	}
	if v := os.Getenv("SMSGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SMSGATE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	return nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("database.max_conns must be at least 1, got %d", c.Database.MaxConns)
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database.min_conns must be between 0 and max_conns, got %d", c.Database.MinConns)
	}
	u, err := url.Parse(c.Modem.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("modem.base_url must be an http(s) URL, got %q", c.Modem.BaseURL)
	}
	if c.Modem.PollIntervalMS < 1000 {
		return fmt.Errorf("modem.poll_interval must be at least 1000 ms, got %d", c.Modem.PollIntervalMS)
	}
	if c.Modem.HealthCheckIntervalMS < 1000 {
		return fmt.Errorf("modem.health_check_interval must be at least 1000 ms, got %d", c.Modem.HealthCheckIntervalMS)
	}
	if c.Queue.SendConcurrency < 1 {
		return fmt.Errorf("queue.sms_send_concurrency must be at least 1, got %d", c.Queue.SendConcurrency)
	}
	if c.Queue.SendRateLimit < 1 {
		return fmt.Errorf("queue.sms_send_rate_limit must be at least 1, got %d", c.Queue.SendRateLimit)
	}
	if c.Queue.SendRatePeriod < 1 {
		return fmt.Errorf("queue.sms_send_rate_period must be at least 1 second, got %d", c.Queue.SendRatePeriod)
	}
	if c.Queue.StatusConcurrency < 1 {
		return fmt.Errorf("queue.sms_status_concurrency must be at least 1, got %d", c.Queue.StatusConcurrency)
	}
	if c.Auth.DefaultRateLimit < 1 {
		return fmt.Errorf("auth.default_rate_limit must be at least 1, got %d", c.Auth.DefaultRateLimit)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be \"json\" or \"text\", got %q", c.Logging.Format)
	}
	return nil
}

// Address returns the host:port the HTTP server listens on.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// PollInterval returns the inbound poll period as a duration.
func (c *ModemConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// HealthCheckInterval returns the status monitor period as a duration.
func (c *ModemConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMS) * time.Millisecond
}

// SendRatePeriodDuration returns the send rate window as a duration.
func (c *QueueConfig) SendRatePeriodDuration() time.Duration {
	return time.Duration(c.SendRatePeriod) * time.Second
}
