// Package config loads the engine configuration: built-in defaults, then an
// optional YAML file named by MARKET_CONFIG, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/gridtokenx/trading-engine/internal/governance"
	"github.com/gridtokenx/trading-engine/internal/model"
)

// RiskConfig holds open-order limits. Zero disables a limit.
type RiskConfig struct {
	MaxOrderQuantity uint64 `yaml:"max_order_quantity"`
	MaxOpenPerType   uint64 `yaml:"max_open_per_type"`
	MaxOpenQuantity  uint64 `yaml:"max_open_quantity"`
}

// Config is the process configuration.
type Config struct {
	Port         string        `yaml:"port"`
	DatabaseURL  string        `yaml:"database_url"`
	RedisURL     string        `yaml:"redis_url"`
	RedisTTL     time.Duration `yaml:"redis_ttl"`
	PebbleDir    string        `yaml:"pebble_dir"`
	KafkaBrokers []string      `yaml:"kafka_brokers"`
	KafkaTopic   string        `yaml:"kafka_topic"`

	// FeeRate is a decimal fraction ("0.0025"). It must be a whole number
	// of basis points; Load stores the result in FeeBps.
	FeeRate string `yaml:"fee_rate"`
	FeeBps  uint64 `yaml:"-"`

	MaxMatchesPerCall int                          `yaml:"max_matches_per_call"`
	ClearingInterval  time.Duration                `yaml:"clearing_interval"`
	ClearingBatch     int                          `yaml:"clearing_batch"`
	DefaultTTL        time.Duration                `yaml:"default_order_ttl"`
	TreasuryID        string                       `yaml:"treasury_id"`
	Risk              RiskConfig                   `yaml:"risk"`
	Certificates      governance.CertificateLimits `yaml:"certificates"`

	// Authorities maps certificate authority ids to base64 Ed25519 public
	// keys.
	Authorities map[string]string `yaml:"authorities"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:              "8080",
		RedisTTL:          30 * time.Second,
		KafkaTopic:        "gridtx.events",
		FeeRate:           "0.0025",
		MaxMatchesPerCall: 32,
		ClearingInterval:  30 * time.Second,
		ClearingBatch:     256,
		DefaultTTL:        24 * time.Hour,
		TreasuryID:        "treasury",
		Certificates: governance.CertificateLimits{
			ValidationEnabled: true,
			MinEnergy:         100,
			MaxEnergy:         1_000_000,
			Validity:          365 * 24 * time.Hour,
			OffsetPPM:         430_000,
		},
	}
}

// Load builds the configuration from defaults, MARKET_CONFIG and the
// environment.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("MARKET_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.PebbleDir, "PEBBLE_DIR")
	setString(&c.KafkaTopic, "KAFKA_TOPIC")
	setString(&c.FeeRate, "FEE_RATE")
	setString(&c.TreasuryID, "TREASURY_ID")
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.KafkaBrokers = splitCSV(v)
	}
	if v := os.Getenv("MAX_MATCHES_PER_CALL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MAX_MATCHES_PER_CALL: %w", err)
		}
		c.MaxMatchesPerCall = n
	}
	if v := os.Getenv("CLEARING_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: CLEARING_INTERVAL: %w", err)
		}
		c.ClearingInterval = d
	}
	return nil
}

func (c *Config) validate() error {
	bps, err := ParseFeeRate(c.FeeRate)
	if err != nil {
		return err
	}
	c.FeeBps = bps

	switch {
	case c.MaxMatchesPerCall < 1:
		return errors.New("config: max_matches_per_call must be positive")
	case c.ClearingBatch < 1:
		return errors.New("config: clearing_batch must be positive")
	case c.ClearingInterval < 0:
		return errors.New("config: clearing_interval must not be negative")
	case c.DefaultTTL <= 0:
		return errors.New("config: default_order_ttl must be positive")
	case c.TreasuryID == "":
		return errors.New("config: treasury_id required")
	case c.Certificates.MaxEnergy > 0 && c.Certificates.MinEnergy > c.Certificates.MaxEnergy:
		return errors.New("config: certificate min_energy above max_energy")
	}
	return nil
}

// ParseFeeRate converts a decimal fee fraction to basis points. Rates that
// are negative, 100% or more, or finer than one basis point are rejected.
func ParseFeeRate(rate string) (uint64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(rate))
	if err != nil {
		return 0, fmt.Errorf("config: fee rate %q: %w", rate, err)
	}
	bps := d.Mul(decimal.NewFromInt(model.BasisPoints))
	if !bps.IsInteger() {
		return 0, fmt.Errorf("config: fee rate %s is not a whole number of basis points", d)
	}
	if bps.IsNegative() || bps.GreaterThanOrEqual(decimal.NewFromInt(model.BasisPoints)) {
		return 0, fmt.Errorf("config: fee rate %s out of range", d)
	}
	return uint64(bps.IntPart()), nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitCSV(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
