// Package config loads service configuration from the environment, with an
// optional YAML file underneath. Environment variables always win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Registration policies.
const (
	PolicyOpen             = "open"
	PolicyApprovalRequired = "approval_required"
)

// Config holds all admpd configuration.
type Config struct {
	// HTTP
	ListenAddr string `yaml:"listen_addr"`

	// Storage. An empty DataPath selects the in-memory store.
	DataPath string `yaml:"data_path"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// Sweeps
	CleanupInterval  time.Duration `yaml:"-"`
	SweepSchedule    string        `yaml:"sweep_schedule"` // optional cron expression
	ExpiredRetention time.Duration `yaml:"-"`

	// Messages
	MessageTTL   time.Duration `yaml:"-"`
	EphemeralTTL time.Duration `yaml:"-"`

	// Agents
	HeartbeatTimeout   time.Duration `yaml:"-"`
	RegistrationPolicy string        `yaml:"registration_policy"`

	// Authentication
	APIKeyRequired bool   `yaml:"api_key_required"`
	MasterAPIKey   string `yaml:"master_api_key"`

	// DID:web federation
	DIDWebAllowedDomains []string      `yaml:"did_web_allowed_domains"`
	DIDFetchTimeout      time.Duration `yaml:"-"`

	// Webhook push
	WebhookTimeout time.Duration `yaml:"-"`

	// Round tables
	RoundTablePurgeTTL time.Duration `yaml:"-"`

	// Ops notifications (optional)
	MQTTBrokerURL string `yaml:"mqtt_broker_url"`
	MQTTTopic     string `yaml:"mqtt_topic"`
	MQTTUsername  string `yaml:"mqtt_username"`
	MQTTPassword  string `yaml:"mqtt_password"`
	MQTTQoS       int    `yaml:"mqtt_qos"`

	// Metrics
	MetricsTextfilePath string `yaml:"metrics_textfile_path"`
}

// Load reads configuration from the environment, layered over an optional
// YAML file named by ADMP_CONFIG_FILE.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:         ":8080",
		LogLevel:           "info",
		LogJSON:            true,
		RegistrationPolicy: PolicyOpen,
	}

	if path := os.Getenv("ADMP_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.ListenAddr = envStr("LISTEN_ADDR", cfg.ListenAddr)
	cfg.DataPath = envStr("DATA_PATH", cfg.DataPath)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogJSON = envBool("LOG_JSON", cfg.LogJSON)

	cfg.CleanupInterval = envMillis("CLEANUP_INTERVAL_MS", 60_000)
	cfg.SweepSchedule = envStr("SWEEP_SCHEDULE", cfg.SweepSchedule)
	cfg.ExpiredRetention = time.Duration(envInt("EXPIRED_RETENTION_SEC", 3600)) * time.Second

	cfg.MessageTTL = time.Duration(envInt("MESSAGE_TTL_SEC", 86_400)) * time.Second
	cfg.EphemeralTTL = time.Duration(envInt("EPHEMERAL_TTL_SEC", 300)) * time.Second

	cfg.HeartbeatTimeout = envMillis("HEARTBEAT_TIMEOUT_MS", 300_000)
	cfg.RegistrationPolicy = envStr("REGISTRATION_POLICY", cfg.RegistrationPolicy)

	cfg.APIKeyRequired = envBool("API_KEY_REQUIRED", cfg.APIKeyRequired)
	cfg.MasterAPIKey = envStr("MASTER_API_KEY", cfg.MasterAPIKey)

	if v := os.Getenv("DID_WEB_ALLOWED_DOMAINS"); v != "" {
		cfg.DIDWebAllowedDomains = splitCSV(v)
	}
	cfg.DIDFetchTimeout = envMillis("DID_FETCH_TIMEOUT_MS", 5000)
	cfg.WebhookTimeout = envMillis("WEBHOOK_TIMEOUT_MS", 10_000)
	cfg.RoundTablePurgeTTL = envMillis("ROUND_TABLE_PURGE_TTL_MS", 7*24*3600*1000)

	cfg.MQTTBrokerURL = envStr("MQTT_BROKER_URL", cfg.MQTTBrokerURL)
	cfg.MQTTTopic = envStr("MQTT_TOPIC", cfg.MQTTTopic)
	cfg.MQTTUsername = envStr("MQTT_USERNAME", cfg.MQTTUsername)
	cfg.MQTTPassword = envStr("MQTT_PASSWORD", cfg.MQTTPassword)
	cfg.MQTTQoS = envInt("MQTT_QOS", cfg.MQTTQoS)

	cfg.MetricsTextfilePath = envStr("METRICS_TEXTFILE_PATH", cfg.MetricsTextfilePath)

	return cfg, nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("CLEANUP_INTERVAL_MS must be > 0, got %s", c.CleanupInterval))
	}
	if c.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
			errs = append(errs, fmt.Errorf("SWEEP_SCHEDULE is not a valid cron expression: %w", err))
		}
	}
	if c.HeartbeatTimeout <= 0 {
		errs = append(errs, fmt.Errorf("HEARTBEAT_TIMEOUT_MS must be > 0, got %s", c.HeartbeatTimeout))
	}
	if c.MessageTTL <= 0 {
		errs = append(errs, fmt.Errorf("MESSAGE_TTL_SEC must be > 0, got %s", c.MessageTTL))
	}
	if c.EphemeralTTL <= 0 {
		errs = append(errs, fmt.Errorf("EPHEMERAL_TTL_SEC must be > 0, got %s", c.EphemeralTTL))
	}
	switch c.RegistrationPolicy {
	case PolicyOpen, PolicyApprovalRequired:
		// valid
	default:
		errs = append(errs, fmt.Errorf("REGISTRATION_POLICY must be %s or %s, got %q",
			PolicyOpen, PolicyApprovalRequired, c.RegistrationPolicy))
	}
	if c.APIKeyRequired && c.MasterAPIKey == "" {
		errs = append(errs, errors.New("API_KEY_REQUIRED is set but MASTER_API_KEY is empty"))
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTTQoS))
	}
	if c.MQTTBrokerURL != "" && c.MQTTTopic == "" {
		errs = append(errs, errors.New("MQTT_BROKER_URL is set but MQTT_TOPIC is empty"))
	}
	return errors.Join(errs...)
}

// DomainAllowed reports whether a did:web domain passes the allowlist. An
// empty allowlist admits any public domain; the SSRF blocklist still applies.
func (c *Config) DomainAllowed(domain string) bool {
	if len(c.DIDWebAllowedDomains) == 0 {
		return true
	}
	domain = strings.ToLower(domain)
	for _, d := range c.DIDWebAllowedDomains {
		if strings.ToLower(d) == domain {
			return true
		}
	}
	return false
}

// Values returns settings for display on the stats endpoint. Secrets are
// elided.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"listen_addr":         c.ListenAddr,
		"data_path":           c.DataPath,
		"cleanup_interval":    c.CleanupInterval.String(),
		"sweep_schedule":      c.SweepSchedule,
		"message_ttl":         c.MessageTTL.String(),
		"ephemeral_ttl":       c.EphemeralTTL.String(),
		"heartbeat_timeout":   c.HeartbeatTimeout.String(),
		"registration_policy": c.RegistrationPolicy,
		"api_key_required":    strconv.FormatBool(c.APIKeyRequired),
		"did_allowed_domains": strings.Join(c.DIDWebAllowedDomains, ","),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// envMillis reads an integer millisecond value as a Duration.
func envMillis(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Millisecond
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
