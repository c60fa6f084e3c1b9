// Package config provides application configuration management using Viper.
// It supports loading from environment variables, config files, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Queue      QueueConfig
	Supervisor SupervisorConfig
	Plivo      PlivoConfig
	Agent      AgentConfig
	Backend    BackendConfig
	Log        LogConfig
}

// ServerConfig holds HTTP server settings for the ingress surface.
type ServerConfig struct {
	Host        string
	Port        int
	Environment string
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host                  string
	Port                  int
	User                  string
	Password              string
	Name                  string
	SSLMode               string
	MaxConnections        int
	MaxIdleConnections    int
	ConnectionMaxLifetime time.Duration
}

// ConnectionString returns a PostgreSQL connection string.
func (d *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// QueueConfig holds dispatcher and queue settings.
type QueueConfig struct {
	Workers            int
	MaxConcurrentCalls int
	RateLimitPerSecond int
	PromoteInterval    time.Duration
	SweepInterval      time.Duration
	HardDeadline       time.Duration
	StuckThreshold     time.Duration
	RetentionWindow    time.Duration
}

// SupervisorConfig holds per-call supervision timings.
type SupervisorConfig struct {
	InitialStatusDelay  time.Duration
	StatusCheckInterval time.Duration
	RequestTimeout      time.Duration
	MaxStatusRetries    int
	StuckCallDeadline   time.Duration
	MinConnectedSeconds int
}

// PlivoConfig holds telephony provider credentials and endpoint.
type PlivoConfig struct {
	AuthID      string
	AuthToken   string
	PhoneNumber string
	APIURL      string
}

// AgentConfig holds the voice-agent service endpoint.
type AgentConfig struct {
	BaseURL string
}

// BackendConfig holds the result sink endpoint.
type BackendConfig struct {
	SinkURL string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables and config files.
// Environment variables take precedence over config file values.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/dialqueue")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFoundErr) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:        v.GetString("server.host"),
			Port:        v.GetInt("server.port"),
			Environment: v.GetString("server.env"),
		},
		Database: DatabaseConfig{
			Host:                  v.GetString("database.host"),
			Port:                  v.GetInt("database.port"),
			User:                  v.GetString("database.user"),
			Password:              v.GetString("database.password"),
			Name:                  v.GetString("database.name"),
			SSLMode:               v.GetString("database.sslmode"),
			MaxConnections:        v.GetInt("database.max_connections"),
			MaxIdleConnections:    v.GetInt("database.max_idle_connections"),
			ConnectionMaxLifetime: v.GetDuration("database.connection_max_lifetime"),
		},
		Queue: QueueConfig{
			Workers:            v.GetInt("queue.workers"),
			MaxConcurrentCalls: v.GetInt("queue.max_concurrent_calls"),
			RateLimitPerSecond: v.GetInt("queue.rate_limit_per_second"),
			PromoteInterval:    v.GetDuration("queue.promote_interval"),
			SweepInterval:      v.GetDuration("queue.sweep_interval"),
			HardDeadline:       secondsDuration(v, "queue.hard_deadline_seconds"),
			StuckThreshold:     secondsDuration(v, "queue.stuck_threshold_seconds"),
			RetentionWindow:    v.GetDuration("queue.retention_window"),
		},
		Supervisor: SupervisorConfig{
			InitialStatusDelay:  secondsDuration(v, "supervisor.initial_status_delay_seconds"),
			StatusCheckInterval: secondsDuration(v, "supervisor.status_check_interval_seconds"),
			RequestTimeout:      secondsDuration(v, "supervisor.request_timeout_seconds"),
			MaxStatusRetries:    v.GetInt("supervisor.max_status_retries"),
			StuckCallDeadline:   secondsDuration(v, "supervisor.stuck_call_deadline_seconds"),
			MinConnectedSeconds: v.GetInt("supervisor.min_connected_seconds"),
		},
		Plivo: PlivoConfig{
			AuthID:      v.GetString("plivo.auth_id"),
			AuthToken:   v.GetString("plivo.auth_token"),
			PhoneNumber: v.GetString("plivo.phone_number"),
			APIURL:      v.GetString("plivo.api_url"),
		},
		Agent: AgentConfig{
			BaseURL: v.GetString("agent.base_url"),
		},
		Backend: BackendConfig{
			SinkURL: v.GetString("backend.sink_url"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	return cfg, nil
}

// secondsDuration reads an integer seconds option as a time.Duration.
func secondsDuration(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Second
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.env", "development")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "dialqueue")
	v.SetDefault("database.name", "dialqueue")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.max_idle_connections", 5)
	v.SetDefault("database.connection_max_lifetime", "5m")

	// Queue defaults
	v.SetDefault("queue.workers", 10)
	v.SetDefault("queue.max_concurrent_calls", 100)
	v.SetDefault("queue.rate_limit_per_second", 10)
	v.SetDefault("queue.promote_interval", "1s")
	v.SetDefault("queue.sweep_interval", "30s")
	v.SetDefault("queue.hard_deadline_seconds", 300)
	v.SetDefault("queue.stuck_threshold_seconds", 60)
	v.SetDefault("queue.retention_window", "24h")

	// Supervisor defaults
	v.SetDefault("supervisor.initial_status_delay_seconds", 20)
	v.SetDefault("supervisor.status_check_interval_seconds", 15)
	v.SetDefault("supervisor.request_timeout_seconds", 30)
	v.SetDefault("supervisor.max_status_retries", 3)
	v.SetDefault("supervisor.stuck_call_deadline_seconds", 45)
	v.SetDefault("supervisor.min_connected_seconds", 5)

	// Provider defaults
	v.SetDefault("plivo.api_url", "https://api.plivo.com/v1")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that all required configuration values are present.
func (c *Config) Validate() error {
	var missing []string

	if c.Database.Password == "" {
		missing = append(missing, "DATABASE_PASSWORD")
	}
	if c.Plivo.AuthID == "" {
		missing = append(missing, "PLIVO_AUTH_ID")
	}
	if c.Plivo.AuthToken == "" {
		missing = append(missing, "PLIVO_AUTH_TOKEN")
	}
	if c.Plivo.PhoneNumber == "" {
		missing = append(missing, "PLIVO_PHONE_NUMBER")
	}
	if c.Agent.BaseURL == "" {
		missing = append(missing, "AGENT_BASE_URL")
	}
	if c.Backend.SinkURL == "" {
		missing = append(missing, "BACKEND_SINK_URL")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be positive, got %d", c.Queue.Workers)
	}
	if c.Queue.MaxConcurrentCalls < 1 {
		return fmt.Errorf("queue.max_concurrent_calls must be positive, got %d", c.Queue.MaxConcurrentCalls)
	}
	if c.Queue.RateLimitPerSecond < 1 {
		return fmt.Errorf("queue.rate_limit_per_second must be positive, got %d", c.Queue.RateLimitPerSecond)
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
