// Package config provides configuration management for the relay.
// It supports loading configuration from environment variables, a config
// file, and defaults.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the relay.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Docker   DockerConfig   `mapstructure:"docker"`
	MicroVM  MicroVMConfig  `mapstructure:"microvm"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
	Reaper   ReaperConfig   `mapstructure:"reaper"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DatabaseConfig selects and configures the relational store.
// Driver "sqlite3" (default) uses Path; driver "pgx" uses the
// host/port/user/password/dbName fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds event bus configuration. An empty URL selects the
// in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds configuration for the container sandbox provider.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultImage   string `mapstructure:"defaultImage"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	PullImages     bool   `mapstructure:"pullImages"`
}

// MicroVMConfig holds configuration for the microVM sandbox provider.
type MicroVMConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ControlBin  string `mapstructure:"controlBin"`  // VM control CLI (create/start/stop/delete/exec)
	KernelImage string `mapstructure:"kernelImage"` // provider-specific kernel/rootfs reference
	MemoryMB    int    `mapstructure:"memoryMb"`
	CPUs        int    `mapstructure:"cpus"`
}

// RemoteConfig holds configuration for the remote container provider.
type RemoteConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	AgentPort   int  `mapstructure:"agentPort"`   // exec endpoint port inside the remote container
	StepTimeout int  `mapstructure:"stepTimeout"` // per provisioning step, in seconds
}

// SandboxConfig holds host directory layout for sandbox state.
type SandboxConfig struct {
	StateDir  string `mapstructure:"stateDir"` // per-session data dirs live under <stateDir>/sessions/
	DataDir   string `mapstructure:"dataDir"`
	CacheDir  string `mapstructure:"cacheDir"`
	ConfigDir string `mapstructure:"configDir"`
}

// SecretsConfig holds encryption key material. MasterKey is the base64
// encoding of a 256-bit key and is mandatory: the process refuses to start
// without it. PreviousKeys maps older key versions to their base64 keys so
// rotated-away secrets stay readable.
type SecretsConfig struct {
	MasterKey    string            `mapstructure:"masterKey"`
	KeyVersion   int               `mapstructure:"keyVersion"`
	PreviousKeys map[string]string `mapstructure:"previousKeys"`
}

// ReaperConfig holds idle reaper policy defaults. Environments may override
// the idle thresholds per template. JournalRetentionDays of zero disables
// journal pruning.
type ReaperConfig struct {
	CheckIntervalMs      int `mapstructure:"checkIntervalMs"`
	IdleAfterSec         int `mapstructure:"idleAfterSec"`
	TerminateAfterSec    int `mapstructure:"terminateAfterSec"`
	JournalRetentionDays int `mapstructure:"journalRetentionDays"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CheckInterval returns the reaper tick interval.
func (r *ReaperConfig) CheckInterval() time.Duration {
	return time.Duration(r.CheckIntervalMs) * time.Millisecond
}

// IdleAfter returns the active→idle threshold.
func (r *ReaperConfig) IdleAfter() time.Duration {
	return time.Duration(r.IdleAfterSec) * time.Second
}

// TerminateAfter returns the idle→terminate threshold.
func (r *ReaperConfig) TerminateAfter() time.Duration {
	return time.Duration(r.TerminateAfterSec) * time.Second
}

// JournalRetention returns the journal retention window, zero when disabled.
func (r *ReaperConfig) JournalRetention() time.Duration {
	return time.Duration(r.JournalRetentionDays) * 24 * time.Hour
}

// StepTimeoutDuration returns the remote provisioning step timeout.
func (r *RemoteConfig) StepTimeoutDuration() time.Duration {
	return time.Duration(r.StepTimeout) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns "json" for production-like environments and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("RELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".relay")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	stateDir := defaultStateDir()

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Database defaults - sqlite in the state dir unless pgx is selected
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", filepath.Join(stateDir, "relay.db"))
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "relay")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "relay")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "relay")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultImage", "relay-agent:latest")
	v.SetDefault("docker.defaultNetwork", "bridge")
	v.SetDefault("docker.pullImages", true)

	// MicroVM defaults - disabled unless a control binary is configured
	v.SetDefault("microvm.enabled", false)
	v.SetDefault("microvm.controlBin", "")
	v.SetDefault("microvm.kernelImage", "")
	v.SetDefault("microvm.memoryMb", 512)
	v.SetDefault("microvm.cpus", 1)

	// Remote defaults
	v.SetDefault("remote.enabled", true)
	v.SetDefault("remote.agentPort", 8765)
	v.SetDefault("remote.stepTimeout", 120)

	// Sandbox directory layout
	v.SetDefault("sandbox.stateDir", stateDir)
	v.SetDefault("sandbox.dataDir", filepath.Join(stateDir, "data"))
	v.SetDefault("sandbox.cacheDir", filepath.Join(stateDir, "cache"))
	v.SetDefault("sandbox.configDir", filepath.Join(stateDir, "config"))

	// Secrets: no default master key
	v.SetDefault("secrets.masterKey", "")
	v.SetDefault("secrets.keyVersion", 1)

	// Reaper defaults
	v.SetDefault("reaper.checkIntervalMs", 60000)
	v.SetDefault("reaper.idleAfterSec", 900)
	v.SetDefault("reaper.terminateAfterSec", 3600)
	v.SetDefault("reaper.journalRetentionDays", 0)
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the RELAY_ prefix.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from the config key.
	_ = v.BindEnv("secrets.masterKey", "RELAY_MASTER_KEY", "RELAY_SECRETS_MASTERKEY")
	_ = v.BindEnv("secrets.keyVersion", "RELAY_KEY_VERSION", "RELAY_SECRETS_KEYVERSION")
	_ = v.BindEnv("reaper.checkIntervalMs", "RELAY_IDLE_CHECK_INTERVAL_MS")
	_ = v.BindEnv("sandbox.stateDir", "RELAY_STATE_DIR")
	_ = v.BindEnv("sandbox.dataDir", "RELAY_DATA_DIR")
	_ = v.BindEnv("sandbox.cacheDir", "RELAY_CACHE_DIR")
	_ = v.BindEnv("sandbox.configDir", "RELAY_CONFIG_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relay/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// The master key is the one hard requirement: without it secrets at
	// rest would be unreadable, so refuse to start.
	if cfg.Secrets.MasterKey == "" {
		errs = append(errs, "secrets.masterKey is required (set RELAY_MASTER_KEY)")
	} else if key, err := base64.StdEncoding.DecodeString(cfg.Secrets.MasterKey); err != nil {
		errs = append(errs, "secrets.masterKey must be valid base64")
	} else if len(key) != 32 {
		errs = append(errs, "secrets.masterKey must decode to 32 bytes")
	}
	if cfg.Secrets.KeyVersion <= 0 {
		errs = append(errs, "secrets.keyVersion must be positive")
	}

	if cfg.Database.Driver != "sqlite3" && cfg.Database.Driver != "pgx" {
		errs = append(errs, "database.driver must be sqlite3 or pgx")
	}
	if cfg.Database.Driver == "pgx" {
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the pgx driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the pgx driver")
		}
	}

	if cfg.MicroVM.Enabled && cfg.MicroVM.ControlBin == "" {
		errs = append(errs, "microvm.controlBin is required when microvm.enabled is true")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Reaper.CheckIntervalMs <= 0 {
		errs = append(errs, "reaper.checkIntervalMs must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// MasterKeyBytes decodes the configured master key.
func (s *SecretsConfig) MasterKeyBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(s.MasterKey)
}
