package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ServerConfig represents a server in the YAML configuration
type ServerConfig struct {
	ID    string          `yaml:"id"`
	Name  string          `yaml:"name"`
	Host  string          `yaml:"host,omitempty"`
	Costs *CostComponents `yaml:"costs,omitempty"`
}

// SiteConfig represents a site in the YAML configuration. The same list is
// the static fallback when the site directory cannot be reached.
type SiteConfig struct {
	ID          string  `yaml:"id"`
	Slug        string  `yaml:"slug"`
	Name        string  `yaml:"name"`
	Domain      string  `yaml:"domain,omitempty"`
	External    bool    `yaml:"external,omitempty"`
	ServerID    string  `yaml:"serverId,omitempty"`
	ActualPrice float64 `yaml:"actualPrice,omitempty"`
}

// DirectoryConfig points at the site directory service
type DirectoryConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ProbeConfig controls the site probe cycle
type ProbeConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

// PricingRates are the per-unit rates used for suggested prices
type PricingRates struct {
	MarginPercent  float64 `yaml:"marginPercent"`
	BandwidthPerGB float64 `yaml:"bandwidthPerGB"`
	StoragePerGB   float64 `yaml:"storagePerGB"`
	Per1kRequests  float64 `yaml:"per1kRequests"`
	AvgRequestKB   float64 `yaml:"avgRequestKB"`
}

// InvoicingConfig holds invoice defaults
type InvoicingConfig struct {
	TaxRate float64 `yaml:"taxRate"`
	DueDays int     `yaml:"dueDays"`
}

// AgentConfig enables sampling of the local host as a fleet server
type AgentConfig struct {
	ServerID string        `yaml:"serverId"`
	Interval time.Duration `yaml:"interval"`
}

// Config is the root of the YAML configuration plus environment settings
type Config struct {
	DBPath     string `yaml:"-"`
	Port       string `yaml:"-"`
	ConfigPath string `yaml:"-"`
	LogLevel   string `yaml:"-"`

	BaseDomain string          `yaml:"baseDomain"`
	Directory  DirectoryConfig `yaml:"directory"`
	Probe      ProbeConfig     `yaml:"probe"`
	Pricing    PricingRates    `yaml:"pricing"`
	Invoicing  InvoicingConfig `yaml:"invoicing"`
	Agent      AgentConfig     `yaml:"agent"`
	Servers    []ServerConfig  `yaml:"servers"`
	Sites      []SiteConfig    `yaml:"sites"`
}

// defaultConfig returns the configuration used when no file is present
func defaultConfig() *Config {
	return &Config{
		BaseDomain: "example.com",
		Directory:  DirectoryConfig{Timeout: 5 * time.Second},
		Probe:      ProbeConfig{Interval: 5 * time.Minute, Concurrency: 8},
		Pricing: PricingRates{
			MarginPercent:  30,
			BandwidthPerGB: 0.05,
			StoragePerGB:   0.10,
			Per1kRequests:  0.01,
			AvgRequestKB:   256,
		},
		Invoicing: InvoicingConfig{TaxRate: 7.7, DueDays: 30},
		Agent:     AgentConfig{Interval: 30 * time.Second},
	}
}

// loadConfig reads environment settings and the YAML file they point at.
// A missing file is not an error.
func loadConfig() (*Config, error) {
	cfg := defaultConfig()
	cfg.DBPath = getenv("DB_PATH", "./sitefleet.db")
	cfg.Port = getenv("PORT", "8080")
	cfg.LogLevel = getenv("LOG_LEVEL", "info")
	// Look for fleet.yaml in the same directory as the database
	cfg.ConfigPath = getenv("CONFIG_PATH", filepath.Join(filepath.Dir(cfg.DBPath), "fleet.yaml"))

	if err := cfg.loadFile(cfg.ConfigPath); err != nil {
		return nil, err
	}
	if v := os.Getenv("PROBE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Probe.Concurrency = n
		}
	}
	return cfg, nil
}

// loadFile merges the YAML file at path over the current values
func (c *Config) loadFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Debug().Str("config_path", path).Msg("[Config] Configuration file not found")
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	c.applyDefaults()

	log.Info().Int("servers", len(c.Servers)).Int("sites", len(c.Sites)).Str("config_path", path).
		Msg("[Config] Loaded fleet configuration")
	return nil
}

// applyDefaults replaces zero values a YAML file may have set
func (c *Config) applyDefaults() {
	def := defaultConfig()
	if c.BaseDomain == "" {
		c.BaseDomain = def.BaseDomain
	}
	if c.Directory.Timeout <= 0 {
		c.Directory.Timeout = def.Directory.Timeout
	}
	if c.Probe.Interval <= 0 {
		c.Probe.Interval = def.Probe.Interval
	}
	if c.Probe.Concurrency <= 0 {
		c.Probe.Concurrency = def.Probe.Concurrency
	}
	if c.Pricing.AvgRequestKB <= 0 {
		c.Pricing.AvgRequestKB = def.Pricing.AvgRequestKB
	}
	if c.Invoicing.TaxRate <= 0 {
		c.Invoicing.TaxRate = def.Invoicing.TaxRate
	}
	if c.Invoicing.DueDays <= 0 {
		c.Invoicing.DueDays = def.Invoicing.DueDays
	}
	if c.Agent.Interval <= 0 {
		c.Agent.Interval = def.Agent.Interval
	}
}

// calculateConfigHash calculates a SHA256 hash of a configuration entry.
// This hash is used to detect changes in YAML config.
func calculateConfigHash(v any) string {
	var configStr string
	switch cfg := v.(type) {
	case ServerConfig:
		configStr = fmt.Sprintf("server|%s|%s|%s", cfg.ID, cfg.Name, cfg.Host)
		if cfg.Costs != nil {
			configStr += fmt.Sprintf("|%v|%v|%v|%v|%v", cfg.Costs.BaseCost, cfg.Costs.ElectricityCost,
				cfg.Costs.NetworkCost, cfg.Costs.Amortization, cfg.Costs.OtherCharges)
		}
	case SiteConfig:
		configStr = fmt.Sprintf("site|%s|%s|%s|%s|%v|%s|%v", cfg.ID, cfg.Slug, cfg.Name, cfg.Domain,
			cfg.External, cfg.ServerID, cfg.ActualPrice)
	default:
		configStr = fmt.Sprintf("%v", v)
	}

	hash := sha256.Sum256([]byte(configStr))
	return hex.EncodeToString(hash[:])
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
