// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//          http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type ChannelConfig struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Enabled  bool              `yaml:"enabled"`
	Filter   string            `yaml:"filter"`
	Debug    bool              `yaml:"debug"`
	Settings map[string]string `yaml:"settings"`
}

// Setting returns a channel setting or fallback.
func (c ChannelConfig) Setting(key, fallback string) string {
	if v, ok := c.Settings[key]; ok && v != "" {
		return v
	}
	return fallback
}

// NoticeRule sends notices of kits whose project_serial matches Pattern to Recipients.
type NoticeRule struct {
	Pattern    string   `yaml:"pattern"`
	Recipients []string `yaml:"recipients"`
}

type MailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// FileConfig is the optional YAML part of the configuration.
type FileConfig struct {
	Channels    []ChannelConfig `yaml:"channels"`
	NoticeRules []NoticeRule    `yaml:"notice_rules"`
	Operators   []string        `yaml:"operators"`
	Mail        *MailConfig     `yaml:"mail"`
}

type MQTTConfig struct {
	BrokerURL string
	Topic     string
	Username  string
	Password  string
	ClientID  string
	QueuePath string
}

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

type Config struct {
	InputMode  string
	MQTT       MQTTConfig
	ReplayFile string

	MetadataBackend string
	Postgres        PostgresConfig
	SQLitePath      string

	CacheSize       int
	CacheTTL        time.Duration
	MetadataTimeout time.Duration

	ExpectedRate         time.Duration
	ThrottleAfterRecords int
	ThrottleReset        time.Duration
	MaxInterval          time.Duration

	StaticStreakThreshold  int
	InvalidStreakThreshold int
	RestartGap             time.Duration
	HomeDistanceMeters     float64
	DisabledWarnInterval   time.Duration

	NoticeCooldown time.Duration

	ChannelDisableThreshold int
	ChannelCooldown         time.Duration
	ChannelTimeout          time.Duration

	Workers             int
	WorkerQueueSize     int
	HaltOnUndeliverable bool
	InputErrorLimit     int
	ShutdownGrace       time.Duration

	AdminAddr     string
	AdminUser     string
	AdminPassword string

	File FileConfig
}

// Default returns the built-in defaults without consulting the environment.
func Default() *Config {
	return &Config{
		InputMode: "mqtt",
		MQTT: MQTTConfig{
			Topic:     "v3/+/devices/+/up",
			ClientID:  "kit-collector",
			QueuePath: "/data/queue",
		},
		MetadataBackend: "postgres",
		Postgres: PostgresConfig{
			Host:    "db",
			Port:    5432,
			SSLMode: "require",
		},
		SQLitePath:              "kits.db",
		CacheSize:               10000,
		CacheTTL:                12 * time.Hour,
		MetadataTimeout:         10 * time.Second,
		ExpectedRate:            480 * time.Second,
		ThrottleAfterRecords:    2,
		ThrottleReset:           4 * time.Hour,
		MaxInterval:             30 * time.Minute,
		StaticStreakThreshold:   20,
		InvalidStreakThreshold:  100,
		RestartGap:              90 * time.Minute,
		HomeDistanceMeters:      118,
		DisabledWarnInterval:    12 * time.Hour,
		NoticeCooldown:          4 * time.Hour,
		ChannelDisableThreshold: 20,
		ChannelCooldown:         2 * time.Minute,
		ChannelTimeout:          30 * time.Second,
		Workers:                 8,
		WorkerQueueSize:         256,
		InputErrorLimit:         100,
		ShutdownGrace:           15 * time.Second,
		AdminAddr:               ":8090",
		File: FileConfig{
			Channels: []ChannelConfig{{Name: "console", Type: "console", Enabled: true}},
		},
	}
}

// Load reads the environment and the optional CONFIG_FILE on top of Default.
func Load() (*Config, error) {
	c := Default()
	var errs []error
	str := func(key string, dst *string) {
		v, err := env.GetAsString(key, false, *dst)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	num := func(key string, dst *int) {
		v, err := env.GetAsInt(key, false, *dst)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	dur := func(key string, dst *time.Duration) {
		v, err := getAsDuration(key, *dst)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}

	str("INPUT_MODE", &c.InputMode)
	str("MQTT_BROKER_URL", &c.MQTT.BrokerURL)
	str("MQTT_TOPIC", &c.MQTT.Topic)
	str("MQTT_USERNAME", &c.MQTT.Username)
	str("MQTT_PASSWORD", &c.MQTT.Password)
	str("POD_NAME", &c.MQTT.ClientID)
	str("QUEUE_PATH", &c.MQTT.QueuePath)
	str("REPLAY_FILE", &c.ReplayFile)

	str("METADATA_BACKEND", &c.MetadataBackend)
	str("POSTGRES_HOST", &c.Postgres.Host)
	num("POSTGRES_PORT", &c.Postgres.Port)
	str("POSTGRES_USER", &c.Postgres.User)
	str("POSTGRES_PASSWORD", &c.Postgres.Password)
	str("POSTGRES_DATABASE", &c.Postgres.Database)
	str("POSTGRES_SSL_MODE", &c.Postgres.SSLMode)
	str("SQLITE_PATH", &c.SQLitePath)

	num("CACHE_SIZE", &c.CacheSize)
	dur("CACHE_TTL", &c.CacheTTL)
	dur("EXPECTED_RATE", &c.ExpectedRate)
	num("THROTTLE_AFTER_RECORDS", &c.ThrottleAfterRecords)
	dur("THROTTLE_RESET", &c.ThrottleReset)
	num("STATIC_STREAK_THRESHOLD", &c.StaticStreakThreshold)
	num("INVALID_STREAK_THRESHOLD", &c.InvalidStreakThreshold)
	dur("RESTART_GAP", &c.RestartGap)
	dur("NOTICE_COOLDOWN", &c.NoticeCooldown)
	num("CHANNEL_DISABLE_THRESHOLD", &c.ChannelDisableThreshold)
	dur("CHANNEL_COOLDOWN", &c.ChannelCooldown)
	dur("CHANNEL_TIMEOUT", &c.ChannelTimeout)
	dur("METADATA_TIMEOUT", &c.MetadataTimeout)
	num("WORKERS", &c.Workers)
	num("WORKER_QUEUE_SIZE", &c.WorkerQueueSize)
	num("INPUT_ERROR_LIMIT", &c.InputErrorLimit)
	dur("SHUTDOWN_GRACE", &c.ShutdownGrace)
	str("ADMIN_ADDR", &c.AdminAddr)
	str("ADMIN_USER", &c.AdminUser)
	str("ADMIN_PASSWORD", &c.AdminPassword)

	home, err := env.GetAsFloat64("HOME_DISTANCE_METERS", false, c.HomeDistanceMeters)
	if err != nil {
		errs = append(errs, err)
	} else {
		c.HomeDistanceMeters = home
	}
	halt, err := env.GetAsBool("HALT_ON_UNDELIVERABLE", false, c.HaltOnUndeliverable)
	if err != nil {
		errs = append(errs, err)
	} else {
		c.HaltOnUndeliverable = halt
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	path, _ := env.GetAsString("CONFIG_FILE", false, "") //nolint:errcheck
	if path != "" {
		zap.S().Infof("Loading configuration file %s", path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err = c.ApplyFile(data); err != nil {
			return nil, err
		}
	}
	return c, c.Validate()
}

// ApplyFile overrides the YAML managed parts of the configuration.
func (c *Config) ApplyFile(data []byte) error {
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if len(fc.Channels) > 0 {
		c.File.Channels = fc.Channels
	}
	c.File.NoticeRules = fc.NoticeRules
	c.File.Operators = fc.Operators
	c.File.Mail = fc.Mail
	return nil
}

func (c *Config) Validate() error {
	switch c.InputMode {
	case "mqtt":
		if c.MQTT.BrokerURL == "" {
			return errors.New("MQTT_BROKER_URL is required in mqtt input mode")
		}
	case "replay":
		if c.ReplayFile == "" {
			return errors.New("REPLAY_FILE is required in replay input mode")
		}
	default:
		return fmt.Errorf("unknown INPUT_MODE %q", c.InputMode)
	}
	switch c.MetadataBackend {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown METADATA_BACKEND %q", c.MetadataBackend)
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("CACHE_SIZE must be at least 1, got %d", c.CacheSize)
	}
	names := make(map[string]bool, len(c.File.Channels))
	for _, ch := range c.File.Channels {
		if ch.Name == "" {
			return errors.New("channel without name")
		}
		if names[ch.Name] {
			return fmt.Errorf("duplicate channel %s", ch.Name)
		}
		names[ch.Name] = true
		if ch.Filter != "" {
			if _, err := regexp.Compile(ch.Filter); err != nil {
				return fmt.Errorf("channel %s has an invalid filter: %w", ch.Name, err)
			}
		}
	}
	if c.AdminUser != "" && c.AdminPassword == "" {
		return errors.New("ADMIN_PASSWORD is required when ADMIN_USER is set")
	}
	for _, rule := range c.File.NoticeRules {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("notice rule %q is invalid: %w", rule.Pattern, err)
		}
	}
	return nil
}

func getAsDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, err := env.GetAsString(key, false, "")
	if err != nil {
		return fallback, err
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("environment variable %s is not a duration: %w", key, err)
	}
	return d, nil
}
