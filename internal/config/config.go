package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Storage drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Redis       RedisConfig       `yaml:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Poll        PollConfig        `yaml:"poll"`
	Leaderboard LeaderboardConfig `yaml:"leaderboard"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// StorageConfig selects the ledger store implementation
type StorageConfig struct {
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// RedisConfig holds Redis connection configuration for the query cache
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

// KafkaConfig holds configuration for the presence event publisher
type KafkaConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	ClientID      string        `yaml:"client_id"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// PollConfig holds the status probe and poll worker configuration
type PollConfig struct {
	ServerAddress  string        `yaml:"server_address"`
	ServerPort     int           `yaml:"server_port"`
	Interval       time.Duration `yaml:"interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ResetOnStartup *bool         `yaml:"reset_on_startup"`
	Enabled        *bool         `yaml:"enabled"`
}

// ShouldPoll reports whether the poll worker runs; polling is on unless disabled
func (c *PollConfig) ShouldPoll() bool {
	return c.Enabled == nil || *c.Enabled
}

// ShouldResetOnStartup reports whether stale online markers are cleared at start
func (c *PollConfig) ShouldResetOnStartup() bool {
	return c.ResetOnStartup == nil || *c.ResetOnStartup
}

// LeaderboardConfig holds leaderboard query configuration
type LeaderboardConfig struct {
	DefaultLimit      int    `yaml:"default_limit"`
	MaxLimit          int    `yaml:"max_limit"`
	MapStart          string `yaml:"map_start"`
	HistoryWindowDays int    `yaml:"history_window_days"`
	ActiveWindowDays  int    `yaml:"active_window_days"`
}

// LedgerConfig holds calendar settings for the ledger
type LedgerConfig struct {
	Timezone string `yaml:"timezone"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	// A missing .env file is fine
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	// Storage defaults
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverPostgres
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/presence.db"
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 10
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 2
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 2
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.CacheTTL == 0 {
		c.Redis.CacheTTL = 5 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "presence-events"
	}
	if c.Kafka.ClientID == "" {
		c.Kafka.ClientID = "presence-ledger"
	}
	if c.Kafka.RetryAttempts == 0 {
		c.Kafka.RetryAttempts = 3
	}
	if c.Kafka.RetryDelay == 0 {
		c.Kafka.RetryDelay = 250 * time.Millisecond
	}

	// Poll defaults
	if c.Poll.ServerAddress == "" {
		c.Poll.ServerAddress = "localhost"
	}
	if c.Poll.ServerPort == 0 {
		c.Poll.ServerPort = 25565
	}
	if c.Poll.Interval == 0 {
		c.Poll.Interval = 60 * time.Second
	}
	if c.Poll.ProbeTimeout == 0 {
		c.Poll.ProbeTimeout = c.Poll.Interval
	}

	// Leaderboard defaults
	if c.Leaderboard.DefaultLimit == 0 {
		c.Leaderboard.DefaultLimit = 10
	}
	if c.Leaderboard.MaxLimit == 0 {
		c.Leaderboard.MaxLimit = 100
	}
	if c.Leaderboard.MapStart == "" {
		c.Leaderboard.MapStart = "2024-07-26"
	}
	if c.Leaderboard.HistoryWindowDays == 0 {
		c.Leaderboard.HistoryWindowDays = 30
	}
	if c.Leaderboard.ActiveWindowDays == 0 {
		c.Leaderboard.ActiveWindowDays = 7
	}

	// Ledger defaults
	if c.Ledger.Timezone == "" {
		c.Ledger.Timezone = "UTC"
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks values that have no usable fallback
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if _, err := c.MapStartDate(); err != nil {
		errs = append(errs, fmt.Errorf("leaderboard.map_start: %w", err))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("ledger.timezone: %w", err))
	}
	if c.Poll.Interval < time.Second {
		errs = append(errs, fmt.Errorf("poll.interval must be at least 1s, got %s", c.Poll.Interval))
	} else if c.Poll.Interval%time.Second != 0 {
		// playtime is credited in whole seconds per cycle
		errs = append(errs, fmt.Errorf("poll.interval must be a whole number of seconds, got %s", c.Poll.Interval))
	}
	if c.Leaderboard.MaxLimit < c.Leaderboard.DefaultLimit {
		errs = append(errs, fmt.Errorf("leaderboard.max_limit %d is below default_limit %d",
			c.Leaderboard.MaxLimit, c.Leaderboard.DefaultLimit))
	}

	return errors.Join(errs...)
}

// MapStartDate returns the parsed start day of the current map epoch
func (c *Config) MapStartDate() (time.Time, error) {
	return time.Parse("2006-01-02", c.Leaderboard.MapStart)
}

// Location returns the time zone that defines calendar days
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Ledger.Timezone)
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadOrDefault loads the file at path, falling back to DefaultConfig only
// when the file does not exist. Any other read, parse or validation error is
// returned.
func LoadOrDefault(path string) (cfg *Config, usedDefaults bool, err error) {
	cfg, err = Load(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return DefaultConfig(), true, nil
	case err != nil:
		return nil, false, err
	}
	return cfg, false, nil
}
