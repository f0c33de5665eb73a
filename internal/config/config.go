package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	DefaultDuplicateCheckDays = 7
	dateLayout                = "2006-01-02"
)

// Config models procureline.yml.
type Config struct {
	Settings Settings        `yaml:"settings" json:"settings"`
	Analysis Analysis        `yaml:"analysis" json:"analysis"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type Settings struct {
	EnableDuplicateCheck bool   `yaml:"enable_duplicate_check" json:"enable_duplicate_check"`
	DuplicateCheckDays   int    `yaml:"duplicate_check_days" json:"duplicate_check_days"`
	GracePeriodEndDate   string `yaml:"duplicate_check_grace_period_end_date,omitempty" json:"duplicate_check_grace_period_end_date,omitempty"`
	IVAPercent           string `yaml:"iva_percent" json:"iva_percent"`
}

type Analysis struct {
	KraljicRisk string `yaml:"kraljic_risk" json:"kraljic_risk"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// IsEnabled treats an absent enabled flag as true.
func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

const (
	RiskSuppliers  = "suppliers"
	RiskVolatility = "volatility"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Settings.DuplicateCheckDays < 0 {
		return fmt.Errorf("settings.duplicate_check_days must be >= 0")
	}
	if c.Settings.GracePeriodEndDate != "" {
		if _, err := time.Parse(dateLayout, c.Settings.GracePeriodEndDate); err != nil {
			return fmt.Errorf("settings.duplicate_check_grace_period_end_date must be YYYY-MM-DD: %w", err)
		}
	}
	if c.Settings.IVAPercent != "" {
		iva, err := decimal.NewFromString(c.Settings.IVAPercent)
		if err != nil {
			return fmt.Errorf("settings.iva_percent invalid: %w", err)
		}
		if iva.IsNegative() {
			return fmt.Errorf("settings.iva_percent must be >= 0")
		}
	}
	switch c.Analysis.KraljicRisk {
	case "", RiskSuppliers, RiskVolatility:
	default:
		return fmt.Errorf("analysis.kraljic_risk must be %s or %s", RiskSuppliers, RiskVolatility)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// LookbackDays returns the duplicate window, falling back to the default.
func (s Settings) LookbackDays() int {
	if s.DuplicateCheckDays <= 0 {
		return DefaultDuplicateCheckDays
	}
	return s.DuplicateCheckDays
}

// GracePeriodEnd returns the parsed grace date (UTC midnight) if configured.
func (s Settings) GracePeriodEnd() (time.Time, bool) {
	if s.GracePeriodEndDate == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(dateLayout, s.GracePeriodEndDate)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// IVA returns the tax percentage as a decimal (zero when unset).
func (s Settings) IVA() decimal.Decimal {
	if s.IVAPercent == "" {
		return decimal.Zero
	}
	iva, err := decimal.NewFromString(s.IVAPercent)
	if err != nil {
		return decimal.Zero
	}
	return iva
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "procureline.yml")
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Webhooks = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `settings:
  enable_duplicate_check: true
  duplicate_check_days: 7
  iva_percent: "19"

analysis:
  kraljic_risk: suppliers
`
