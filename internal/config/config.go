// Package config provides dynamic configuration management for TalonWatch.
// It uses Viper to load settings from files, .env, environment variables and CLI flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration for TalonWatch.
type Config struct {
	// ── Logging ──────────────────────────────────────────────────────────────
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"` // empty = stderr only

	// ── Relay ────────────────────────────────────────────────────────────────
	ServerHost string `mapstructure:"server_host"`
	// RelayPort serves the login API and the /ws telemetry channel.
	RelayPort int    `mapstructure:"relay_port"`
	DBPath    string `mapstructure:"db_path"`
	// MaxMessageBytes caps a single websocket frame; larger frames close the sender only.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
	// SendBuffer is the per-connection outbound queue; overflow drops for that connection.
	SendBuffer int `mapstructure:"send_buffer"`

	// ── Security ──────────────────────────────────────────────────────────────
	// JWTSecret: HS256 signing key for dashboard tokens.
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	// AdminUser / AdminPass seed the users table on relay start.
	AdminUser string `mapstructure:"admin_user"`
	AdminPass string `mapstructure:"admin_pass"`
	// DashboardAuth requires a valid token in join-as-dashboard.
	DashboardAuth bool `mapstructure:"dashboard_auth"`

	// ── Probe ────────────────────────────────────────────────────────────────
	RelayURL      string        `mapstructure:"relay_url"` // ws://host:port/ws
	ProbeHostname string        `mapstructure:"probe_hostname"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeServices []string      `mapstructure:"probe_services"`
	ReconnectMin  time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax  time.Duration `mapstructure:"reconnect_max"`

	// ── Dashboard ────────────────────────────────────────────────────────────
	RelayHTTP         string        `mapstructure:"relay_http"` // http://host:port
	DashboardUser     string        `mapstructure:"dashboard_user"`
	DashboardPass     string        `mapstructure:"dashboard_pass"`
	Tick              time.Duration `mapstructure:"tick"`
	OfflineAfter      time.Duration `mapstructure:"offline_after"`
	ResourceThreshold float64       `mapstructure:"resource_threshold"`
	DiskThreshold     float64       `mapstructure:"disk_threshold"`
	// EvictAfter drops hosts silent for this long; 0 keeps them Offline forever.
	EvictAfter time.Duration `mapstructure:"evict_after"`
	Mute       []string      `mapstructure:"mute"`
	Output     string        `mapstructure:"output"` // text | json | yaml
}

// Load reads config from file (./config.yaml or ~/.talonwatch/config.yaml)
// and falls back to smart defaults. A .env file in the working directory is
// loaded first; environment variables with prefix TALON_ override file values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	// --- Config file ---
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.talonwatch")
	if err := v.ReadInConfig(); err != nil {
		// config file is optional; ignore "not found" errors
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// --- Environment Variables ---
	v.SetEnvPrefix("TALON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return decode(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")

	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("relay_port", 3000)
	v.SetDefault("db_path", "talonwatch.db")
	v.SetDefault("max_message_bytes", 1<<20)
	v.SetDefault("send_buffer", 64)

	// Security defaults: MUST be overridden in production via config.yaml or env vars.
	v.SetDefault("jwt_secret", "Tw$9pLq2@xZ7!mR4#kV8^dN1&eH6*fB")
	v.SetDefault("token_ttl", time.Hour)
	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_pass", "password123")
	v.SetDefault("dashboard_auth", true)

	v.SetDefault("relay_url", "ws://127.0.0.1:3000/ws")
	v.SetDefault("probe_hostname", "")
	v.SetDefault("probe_interval", 3*time.Second)
	v.SetDefault("probe_services", []string{"sshd", "nginx"})
	v.SetDefault("reconnect_min", time.Second)
	v.SetDefault("reconnect_max", 30*time.Second)

	v.SetDefault("relay_http", "http://127.0.0.1:3000")
	v.SetDefault("dashboard_user", "admin")
	v.SetDefault("dashboard_pass", "password123")
	v.SetDefault("tick", time.Second)
	v.SetDefault("offline_after", 6*time.Second)
	v.SetDefault("resource_threshold", 85.0)
	v.SetDefault("disk_threshold", 80.0)
	v.SetDefault("evict_after", time.Duration(0))
	v.SetDefault("mute", []string{})
	v.SetDefault("output", "text")
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}
