package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"

	"blinds-go-home/internal/cover"
	"blinds-go-home/internal/link"
)

// envPrefix prefixes every environment override, e.g. BLINDS_WEB_LISTEN.
const envPrefix = "BLINDS_"

// StaticDevice is an actuator reached without BLE discovery.
type StaticDevice struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"` // serial or log
	Port      string `yaml:"port"`
	Baud      int    `yaml:"baud"`
	Model     string `yaml:"model"`
}

type Config struct {
	BLE struct {
		Enabled bool `yaml:"enabled" env:"ENABLED"`
	} `yaml:"ble" envPrefix:"BLE_"`
	Devices []StaticDevice `yaml:"devices"`
	Cover   struct {
		StepDelay       time.Duration `yaml:"step_delay" env:"STEP_DELAY"`
		BaseDelay       time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
		WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
		InitialPosition int           `yaml:"initial_position" env:"INITIAL_POSITION"`
		SyncOnRegister  bool          `yaml:"sync_on_register" env:"SYNC_ON_REGISTER"`
	} `yaml:"cover" envPrefix:"COVER_"`
	Web struct {
		Listen         string   `yaml:"listen" env:"LISTEN"`
		APIKey         string   `yaml:"api_key" env:"API_KEY"`
		AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	} `yaml:"web" envPrefix:"WEB_"`
	Store struct {
		Path string `yaml:"path" env:"PATH"`
	} `yaml:"store" envPrefix:"STORE_"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled" env:"ENABLED"`
		Broker      string `yaml:"broker" env:"BROKER"`
		Username    string `yaml:"username" env:"USERNAME"`
		Password    string `yaml:"password" env:"PASSWORD"`
		TopicPrefix string `yaml:"topic_prefix" env:"TOPIC_PREFIX"`
		ClientID    string `yaml:"client_id" env:"CLIENT_ID"`
	} `yaml:"mqtt" envPrefix:"MQTT_"`
	Log struct {
		Level  string `yaml:"level" env:"LEVEL"`
		Format string `yaml:"format" env:"FORMAT"`
	} `yaml:"log" envPrefix:"LOG_"`
	ProfilesDir string `yaml:"profiles_dir" env:"PROFILES_DIR"`
	ScriptsDir  string `yaml:"scripts_dir" env:"SCRIPTS_DIR"`
}

func defaultConfig() *Config {
	var cfg Config
	timing := cover.DefaultTiming()
	cfg.BLE.Enabled = true
	cfg.Cover.StepDelay = timing.StepDelay
	cfg.Cover.BaseDelay = timing.BaseDelay
	cfg.Cover.WriteTimeout = timing.WriteTimeout
	cfg.Cover.InitialPosition = 100
	cfg.Cover.SyncOnRegister = true
	cfg.Web.Listen = "127.0.0.1:8080"
	cfg.Store.Path = "blinds-home.db"
	cfg.MQTT.TopicPrefix = "blinds"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.ProfilesDir = "profiles"
	cfg.ScriptsDir = "scripts"
	return &cfg
}

// loadConfig layers the YAML file and BLINDS_* variables over the defaults.
// A missing file is not an error when the environment supplies the rest.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Warn("config file not found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	for i := range cfg.Devices {
		cfg.Devices[i].Transport = strings.ToLower(cfg.Devices[i].Transport)
		if cfg.Devices[i].Transport == link.KindSerial && cfg.Devices[i].Baud == 0 {
			cfg.Devices[i].Baud = 9600
		}
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Cover.InitialPosition < 0 || c.Cover.InitialPosition > 100 {
		return fmt.Errorf("cover.initial_position must be 0-100, got %d", c.Cover.InitialPosition)
	}
	if c.Cover.StepDelay < 0 || c.Cover.BaseDelay < 0 || c.Cover.WriteTimeout < 0 {
		return fmt.Errorf("cover delays must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if !c.BLE.Enabled && len(c.Devices) == 0 {
		return fmt.Errorf("no devices: enable ble or list devices")
	}

	seen := make(map[string]bool)
	for i, d := range c.Devices {
		switch d.Transport {
		case link.KindSerial:
			if d.Port == "" {
				return fmt.Errorf("devices[%d]: port is required for serial", i)
			}
		case link.KindLog:
			if d.ID == "" {
				return fmt.Errorf("devices[%d]: id is required for log devices", i)
			}
		default:
			return fmt.Errorf("devices[%d]: transport must be serial or log, got %q", i, d.Transport)
		}
		id := d.deviceID()
		if seen[id] {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
	}
	return nil
}

// deviceID is the configured id, or the id derived from the serial port.
func (d StaticDevice) deviceID() string {
	if d.ID != "" {
		return d.ID
	}
	return cover.DeviceID(d.Port)
}

func (c *Config) coverConfig() cover.Config {
	return cover.Config{
		Timing: cover.Timing{
			StepDelay:    c.Cover.StepDelay,
			BaseDelay:    c.Cover.BaseDelay,
			WriteTimeout: c.Cover.WriteTimeout,
		},
		InitialPosition: uint8(c.Cover.InitialPosition),
		SyncOnRegister:  c.Cover.SyncOnRegister,
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
