package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config/config.yaml"

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // postgres | memory
	DSN          string `yaml:"url"`
	AutoMigrate  bool   `yaml:"auto_migrate"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type ProviderConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Username     string        `yaml:"username"`
	Timeout      time.Duration `yaml:"timeout"`
	RefreshRatio float64       `yaml:"token_refresh_ratio"`
	MaxRPS       float64       `yaml:"max_rps"`
	DryRun       bool          `yaml:"dry_run"`
}

type ResilienceConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	FailureWindow     time.Duration `yaml:"failure_window"`
	Cooldown          time.Duration `yaml:"cooldown"`
	CountClientErrors bool          `yaml:"count_client_errors"`
}

type VerificationConfig struct {
	TTL           time.Duration     `yaml:"ttl"`
	Prices        map[string]string `yaml:"prices"`         // capability -> price
	ServicePrices map[string]string `yaml:"service_prices"` // service -> price, overrides capability price
	AllowFree     bool              `yaml:"allow_free"`
}

type RentalConfig struct {
	DailyRates        map[string]string `yaml:"daily_rates"`      // scope -> price per 24h
	ModeMultipliers   map[string]string `yaml:"mode_multipliers"` // mode -> multiplier
	MinHours          int               `yaml:"min_hours"`
	MaxHours          int               `yaml:"max_hours"`
	RefundRatio       string            `yaml:"early_release_refund_ratio"`
	EarlyReleaseGrace time.Duration     `yaml:"early_release_grace"`
}

type SweeperConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
	Store    string        `yaml:"store"` // memory | postgres
}

type PaymentsConfig struct {
	WebhookKeyHash string `yaml:"webhook_key_hash"` // bcrypt hash of the shared key
}

type AlertsConfig struct {
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUser     string `yaml:"smtp_user"`
	SMTPPassword string `yaml:"smtp_password"`
	FromEmail    string `yaml:"from_email"`
	ToEmail      string `yaml:"to_email"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Auth         AuthConfig         `yaml:"auth"`
	Provider     ProviderConfig     `yaml:"provider"`
	Resilience   ResilienceConfig   `yaml:"resilience"`
	Verification VerificationConfig `yaml:"verification"`
	Rental       RentalConfig       `yaml:"rental"`
	Sweeper      SweeperConfig      `yaml:"sweeper"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit"`
	Payments     PaymentsConfig     `yaml:"payments"`
	Alerts       AlertsConfig       `yaml:"alerts"`
	Log          LogConfig          `yaml:"log"`
}

// Load reads the YAML file at path, applies defaults and environment
// overrides, and validates the result. A missing file is not an error:
// defaults plus environment are enough for the memory driver.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := Default()

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when a key is absent from the file.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Database.Driver = "postgres"
	cfg.Database.AutoMigrate = true
	cfg.Database.MaxOpenConns = 20
	cfg.Auth.Issuer = "verifyhub"
	cfg.Auth.TokenTTL = time.Hour
	cfg.Provider.Timeout = 12 * time.Second
	cfg.Provider.RefreshRatio = 0.9
	cfg.Provider.MaxRPS = 10
	cfg.Resilience = ResilienceConfig{
		MaxAttempts:      3,
		BaseDelay:        200 * time.Millisecond,
		MaxDelay:         2 * time.Second,
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		Cooldown:         30 * time.Second,
	}
	cfg.Verification = VerificationConfig{
		TTL:       10 * time.Minute,
		Prices:    map[string]string{"sms": "0.50", "voice": "0.75"},
		AllowFree: true,
	}
	cfg.Rental = RentalConfig{
		DailyRates:        map[string]string{"service": "5.00", "general": "7.50"},
		ModeMultipliers:   map[string]string{"always_ready": "1.00", "manual": "0.80"},
		MinHours:          1,
		MaxHours:          24 * 30,
		RefundRatio:       "0.50",
		EarlyReleaseGrace: 2 * time.Hour,
	}
	cfg.Sweeper = SweeperConfig{Interval: 15 * time.Second, BatchSize: 100}
	cfg.RateLimit = RateLimitConfig{Requests: 60, Window: time.Minute, Store: "memory"}
	cfg.Log.Level = "INFO"
	return cfg
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_DRIVER")); v != "" {
		cfg.Database.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv("JWT_SECRET")); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("PROVIDER_API_KEY")); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("PROVIDER_USERNAME")); v != "" {
		cfg.Provider.Username = v
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
}

// Validate checks required keys and that every money value parses.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.url (or DATABASE_URL) is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret (or JWT_SECRET) is required")
	}
	if !c.Provider.DryRun && c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required unless provider.dry_run is set")
	}
	if c.RateLimit.Store != "memory" && c.RateLimit.Store != "postgres" {
		return fmt.Errorf("ratelimit.store %q is not supported", c.RateLimit.Store)
	}
	if c.RateLimit.Store == "postgres" && c.Database.Driver != "postgres" {
		return fmt.Errorf("ratelimit.store postgres needs the postgres database driver")
	}
	if c.Rental.MinHours <= 0 || c.Rental.MaxHours < c.Rental.MinHours {
		return fmt.Errorf("rental.min_hours/max_hours are inconsistent")
	}
	if _, err := c.Pricing(); err != nil {
		return err
	}
	return nil
}

// Pricing is the parsed, decimal form of the verification and rental price tables.
type Pricing struct {
	Verification      map[string]decimal.Decimal
	Services          map[string]decimal.Decimal
	DailyRates        map[string]decimal.Decimal
	ModeMultipliers   map[string]decimal.Decimal
	RefundRatio       decimal.Decimal
	EarlyReleaseGrace time.Duration
	MinHours          int
	MaxHours          int
}

func (c *Config) Pricing() (*Pricing, error) {
	p := &Pricing{
		EarlyReleaseGrace: c.Rental.EarlyReleaseGrace,
		MinHours:          c.Rental.MinHours,
		MaxHours:          c.Rental.MaxHours,
	}
	var err error
	if p.Verification, err = parseMoneyMap("verification.prices", c.Verification.Prices); err != nil {
		return nil, err
	}
	if p.Services, err = parseMoneyMap("verification.service_prices", c.Verification.ServicePrices); err != nil {
		return nil, err
	}
	if p.DailyRates, err = parseMoneyMap("rental.daily_rates", c.Rental.DailyRates); err != nil {
		return nil, err
	}
	if p.ModeMultipliers, err = parseMoneyMap("rental.mode_multipliers", c.Rental.ModeMultipliers); err != nil {
		return nil, err
	}
	if p.RefundRatio, err = decimal.NewFromString(c.Rental.RefundRatio); err != nil {
		return nil, fmt.Errorf("rental.early_release_refund_ratio: %w", err)
	}
	if p.RefundRatio.IsNegative() || p.RefundRatio.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("rental.early_release_refund_ratio must be within [0,1]")
	}
	return p, nil
}

func parseMoneyMap(key string, in map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", key, k, err)
		}
		if d.IsNegative() {
			return nil, fmt.Errorf("%s.%s must not be negative", key, k)
		}
		out[strings.ToLower(k)] = d
	}
	return out, nil
}

// HTTPAddress returns the listen address for the HTTP server.
func (c *Config) HTTPAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
