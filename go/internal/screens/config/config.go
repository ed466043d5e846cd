// Package config loads service settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Registry  RegistryConfig  `yaml:"registry"`
	Sync      SyncConfig      `yaml:"sync"`
	Media     MediaConfig     `yaml:"media"`
	NATS      NATSConfig      `yaml:"nats"`
	Log       LogConfig       `yaml:"log"`
}

type HTTPConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type WebSocketConfig struct {
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	InboundRate    float64       `yaml:"inbound_rate"` // messages per second per connection
	InboundBurst   int           `yaml:"inbound_burst"`
}

type RegistryConfig struct {
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	GraceWindow       time.Duration `yaml:"grace_window"`
}

type SyncConfig struct {
	RealignCooldown   time.Duration `yaml:"realign_cooldown"`
	DriftThresholdSec float64       `yaml:"drift_threshold_sec"`
	InitialBiasSec    float64       `yaml:"initial_bias_sec"`
}

type MediaConfig struct {
	BaseURL        string `yaml:"base_url"`
	LibraryEnabled bool   `yaml:"library_enabled"` // resolve song ids through Postgres
}

type NATSConfig struct {
	URL                  string        `yaml:"url"` // empty disables the bus
	EventsStream         string        `yaml:"events_stream"`
	EventsSubjectPrefix  string        `yaml:"events_subject_prefix"`
	ControlStream        string        `yaml:"control_stream"`
	ControlSubjectPrefix string        `yaml:"control_subject_prefix"`
	PublishTimeout       time.Duration `yaml:"publish_timeout"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// Default returns the settings used when neither file nor environment override them
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:           "8081",
			AllowedOrigins: []string{"*"},
		},
		WebSocket: WebSocketConfig{
			WriteTimeout:   10 * time.Second,
			ReadTimeout:    60 * time.Second,
			PingInterval:   30 * time.Second,
			MaxMessageSize: 4096,
			InboundRate:    20,
			InboundBurst:   40,
		},
		Registry: RegistryConfig{
			SweepInterval:     5 * time.Second,
			InactivityTimeout: 20 * time.Second,
			GraceWindow:       10 * time.Minute,
		},
		Sync: SyncConfig{
			RealignCooldown:   3 * time.Second,
			DriftThresholdSec: 0.5,
		},
		NATS: NATSConfig{
			EventsStream:         "SCREEN_EVENTS",
			EventsSubjectPrefix:  "screens.events",
			ControlStream:        "SCREEN_CONTROL",
			ControlSubjectPrefix: "screens.control",
			PublishTimeout:       5 * time.Second,
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Load starts from Default, overlays the YAML file at path when it exists, then applies
// environment overrides
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the sync core cannot run with
func (c Config) Validate() error {
	switch {
	case c.HTTP.Port == "":
		return errors.New("http port is required")
	case c.Registry.SweepInterval <= 0:
		return errors.New("registry sweep interval must be positive")
	case c.Registry.InactivityTimeout <= c.Registry.SweepInterval:
		return errors.New("inactivity timeout must exceed the sweep interval")
	case c.Sync.RealignCooldown < 0:
		return errors.New("realign cooldown cannot be negative")
	case c.Sync.DriftThresholdSec <= 0:
		return errors.New("drift threshold must be positive")
	case c.WebSocket.InboundRate <= 0 || c.WebSocket.InboundBurst <= 0:
		return errors.New("inbound rate and burst must be positive")
	}
	return nil
}

func applyEnv(c *Config) {
	c.HTTP.Port = getEnv("PORT", c.HTTP.Port)
	c.Registry.SweepInterval = getEnvAsDuration("SWEEP_INTERVAL", c.Registry.SweepInterval)
	c.Registry.InactivityTimeout = getEnvAsDuration("INACTIVITY_TIMEOUT", c.Registry.InactivityTimeout)
	c.Registry.GraceWindow = getEnvAsDuration("GRACE_WINDOW", c.Registry.GraceWindow)
	c.Sync.RealignCooldown = getEnvAsDuration("REALIGN_COOLDOWN", c.Sync.RealignCooldown)
	c.Sync.DriftThresholdSec = getEnvAsFloat("DRIFT_THRESHOLD_SEC", c.Sync.DriftThresholdSec)
	c.Sync.InitialBiasSec = getEnvAsFloat("BASELINE_BIAS_SEC", c.Sync.InitialBiasSec)
	c.Media.BaseURL = getEnv("MEDIA_BASE_URL", c.Media.BaseURL)
	c.Media.LibraryEnabled = getEnvAsBool("MEDIA_LIBRARY_ENABLED", c.Media.LibraryEnabled)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.WebSocket.MaxMessageSize = int64(getEnvAsInt("WS_MAX_MESSAGE_SIZE", int(c.WebSocket.MaxMessageSize)))
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Console = getEnvAsBool("LOG_CONSOLE", c.Log.Console)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
