package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jgoulah/dompoller/internal/pricing"
	"github.com/jgoulah/dompoller/pkg/models"
)

// Config holds the application configuration
type Config struct {
	AccountNumber string             `yaml:"account_number"`
	MeterNumber   string             `yaml:"meter_number"`
	Credentials   models.Credentials `yaml:"credentials"`
	Pricing       PricingConfig      `yaml:"pricing,omitempty"`
	BackfillDays  int                `yaml:"backfill_days,omitempty"` // Lookback for first-run statistics backfill (default: 7)
	LogLevel      string             `yaml:"log_level,omitempty"`     // debug, info, warn, error (default: info)
	MQTT          MQTTConfig         `yaml:"mqtt,omitempty"`
	HomeAssistant HAConfig           `yaml:"home_assistant,omitempty"`
}

// PricingConfig selects the cost calculation mode and its parameters.
// Exactly one mode is active; fields for other modes are ignored.
type PricingConfig struct {
	Mode        string  `yaml:"mode,omitempty"`          // api_estimate, fixed, or time_of_use (default: api_estimate)
	FixedRate   float64 `yaml:"fixed_rate,omitempty"`    // $/kWh for fixed mode, fallback for api_estimate
	PeakRate    float64 `yaml:"peak_rate,omitempty"`     // $/kWh during peak hours
	OffPeakRate float64 `yaml:"off_peak_rate,omitempty"` // $/kWh outside peak hours
	PeakHours   []int   `yaml:"peak_hours,omitempty"`    // Hours of day (0-23) billed at peak rate
}

// MQTTConfig holds the broker settings for snapshot publishing
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // host:port
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	TopicPrefix string `yaml:"topic_prefix,omitempty"` // Default: dompoller
}

// HAConfig holds Home Assistant HTTP API configuration for the statistics sink
type HAConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`   // e.g., "http://yourdomain.local:8123"
	Token   string `yaml:"token"` // Long-lived access token
}

// Load reads the config file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty config if file doesn't exist
			return &Config{}, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return &cfg, nil
}

// Save writes the config to file
func Save(configPath string, cfg *Config) error {
	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default config file path (local directory)
func DefaultConfigPath() string {
	return "config.yaml"
}

// Validate checks everything the poller needs before it starts. Pricing
// problems are rejected here so they can never reach a cost computation.
func (c *Config) Validate() error {
	if c.AccountNumber == "" {
		return fmt.Errorf("account_number is required")
	}
	if c.MeterNumber == "" {
		return fmt.Errorf("meter_number is required")
	}
	if c.Credentials.AccessToken == "" || c.Credentials.RefreshToken == "" {
		return fmt.Errorf("credentials.access_token and credentials.refresh_token are required")
	}
	if _, err := c.PricingEngineConfig(); err != nil {
		return fmt.Errorf("invalid pricing config: %w", err)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when MQTT is enabled")
	}
	if c.HomeAssistant.Enabled {
		if c.HomeAssistant.URL == "" {
			return fmt.Errorf("home_assistant.url is required when enabled")
		}
		if c.HomeAssistant.Token == "" {
			return fmt.Errorf("home_assistant.token is required when enabled")
		}
	}
	return nil
}

// PricingEngineConfig converts the yaml pricing section into a validated
// pricing engine config, applying defaults for anything unset
func (c *Config) PricingEngineConfig() (pricing.Config, error) {
	cfg := pricing.Config{
		Mode:        pricing.Mode(c.Pricing.Mode),
		FixedRate:   c.Pricing.FixedRate,
		PeakRate:    c.Pricing.PeakRate,
		OffPeakRate: c.Pricing.OffPeakRate,
	}

	if cfg.Mode == "" {
		cfg.Mode = pricing.ModeAPIEstimate
	}
	if cfg.FixedRate == 0 {
		cfg.FixedRate = pricing.DefaultFixedRate
	}
	if cfg.PeakRate == 0 {
		cfg.PeakRate = pricing.DefaultPeakRate
	}
	if cfg.OffPeakRate == 0 {
		cfg.OffPeakRate = pricing.DefaultOffPeakRate
	}

	hours := c.Pricing.PeakHours
	if len(hours) == 0 {
		hours = pricing.DefaultPeakHours
	}
	cfg.PeakHours = make(map[int]bool, len(hours))
	for _, h := range hours {
		cfg.PeakHours[h] = true
	}

	if err := cfg.Validate(); err != nil {
		return pricing.Config{}, err
	}
	return cfg, nil
}

// GetBackfillDays returns the first-run backfill window with a default of 7 days
func (c *Config) GetBackfillDays() int {
	if c.BackfillDays <= 0 {
		return 7
	}
	return c.BackfillDays
}

// GetLogLevel returns the configured log level, defaulting to info
func (c *Config) GetLogLevel() string {
	if c.LogLevel == "" {
		return "info"
	}
	return c.LogLevel
}

// GetTopicPrefix returns the MQTT topic prefix with a default
func (c *Config) GetTopicPrefix() string {
	if c.MQTT.TopicPrefix == "" {
		return "dompoller"
	}
	return c.MQTT.TopicPrefix
}

// StatisticID returns the external statistics series id for the account
func (c *Config) StatisticID() string {
	return fmt.Sprintf("dompoller:%s_energy_consumption", c.AccountNumber)
}
