// Package config loads the kilometers engine configuration.
//
// Sources, later ones winning:
//
//	defaults -> TOML file -> .env file -> KM_* environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/warp/kilometers-engine/kilometers"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Store    StoreConfig    `toml:"store"`
	Policy   PolicyConfig   `toml:"policy"`
	Sweep    SweepConfig    `toml:"sweep"`
	Log      LogConfig      `toml:"log"`
	Postgres PostgresConfig `toml:"postgres"`
}

type ServerConfig struct {
	Addr            string   `toml:"addr"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	IdleTimeout     Duration `toml:"idle_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	AllowedOrigins  []string `toml:"allowed_origins"`
}

// StoreConfig selects the ledger backend: "memory", "sqlite" or "postgres".
type StoreConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"` // sqlite file
}

type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	MaxOpenConns    int      `toml:"max_open_conns"`
	MaxIdleConns    int      `toml:"max_idle_conns"`
	ConnMaxLifetime Duration `toml:"conn_max_lifetime"`
}

// PolicyConfig mirrors kilometers.Policy with decimals written as strings.
type PolicyConfig struct {
	PointsPerCurrency string   `toml:"points_per_currency"`
	CurrencyPerPoint  string   `toml:"currency_per_point"`
	RedemptionCap     string   `toml:"redemption_cap"`
	Validity          Duration `toml:"validity"`
	ReferralBonus     string   `toml:"referral_bonus"`
	BirthdayBonus     string   `toml:"birthday_bonus"`
	Tolerance         string   `toml:"tolerance"`
}

type SweepConfig struct {
	Enabled     bool     `toml:"enabled"`
	Interval    Duration `toml:"interval"`
	BatchSize   int      `toml:"batch_size"`
	Concurrency int      `toml:"concurrency"`
}

type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Duration decodes "15s" style strings from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultConfig returns a configuration that runs out of the box with SQLite.
func DefaultConfig() Config {
	p := kilometers.DefaultPolicy()
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration{15 * time.Second},
			WriteTimeout:    Duration{15 * time.Second},
			IdleTimeout:     Duration{60 * time.Second},
			ShutdownTimeout: Duration{30 * time.Second},
			AllowedOrigins:  []string{"*"},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "./data/kilometers.db",
		},
		Postgres: PostgresConfig{
			MaxOpenConns:    30,
			MaxIdleConns:    8,
			ConnMaxLifetime: Duration{30 * time.Minute},
		},
		Policy: PolicyConfig{
			PointsPerCurrency: p.PointsPerCurrency.String(),
			CurrencyPerPoint:  p.CurrencyPerPoint.String(),
			RedemptionCap:     p.RedemptionCap.String(),
			Validity:          Duration{p.Validity},
			ReferralBonus:     p.ReferralBonus.String(),
			BirthdayBonus:     p.BirthdayBonus.String(),
			Tolerance:         p.Tolerance.String(),
		},
		Sweep: SweepConfig{
			Enabled:     true,
			Interval:    Duration{time.Hour},
			BatchSize:   500,
			Concurrency: 4,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path (optional), then envFile (optional), then the process
// environment. Missing files are not an error.
func Load(path, envFile string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read env file %s: %w", envFile, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"KM_ADDR":                &cfg.Server.Addr,
		"KM_STORE_DRIVER":        &cfg.Store.Driver,
		"KM_SQLITE_PATH":         &cfg.Store.Path,
		"KM_POSTGRES_DSN":        &cfg.Postgres.DSN,
		"KM_LOG_LEVEL":           &cfg.Log.Level,
		"KM_POINTS_PER_CURRENCY": &cfg.Policy.PointsPerCurrency,
		"KM_CURRENCY_PER_POINT":  &cfg.Policy.CurrencyPerPoint,
		"KM_REDEMPTION_CAP":      &cfg.Policy.RedemptionCap,
		"KM_REFERRAL_BONUS":      &cfg.Policy.ReferralBonus,
		"KM_BIRTHDAY_BONUS":      &cfg.Policy.BirthdayBonus,
		"KM_TOLERANCE":           &cfg.Policy.Tolerance,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	durations := map[string]*Duration{
		"KM_VALIDITY":       &cfg.Policy.Validity,
		"KM_SWEEP_INTERVAL": &cfg.Sweep.Interval,
	}
	for key, dst := range durations {
		if v, ok := os.LookupEnv(key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}

	ints := map[string]*int{
		"KM_SWEEP_BATCH_SIZE":  &cfg.Sweep.BatchSize,
		"KM_SWEEP_CONCURRENCY": &cfg.Sweep.Concurrency,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	if v, ok := os.LookupEnv("KM_SWEEP_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("KM_SWEEP_ENABLED: %w", err)
		}
		cfg.Sweep.Enabled = b
	}
	return nil
}

// Validate checks the parts the engine cannot fix itself.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store.path is required for sqlite")
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Sweep.Enabled && c.Sweep.Interval.Duration <= 0 {
		return errors.New("sweep.interval must be positive")
	}
	if c.Sweep.BatchSize < 0 || c.Sweep.Concurrency < 0 {
		return errors.New("sweep batch size and concurrency must not be negative")
	}
	_, err := c.Policy.ToPolicy()
	return err
}

// ToPolicy parses the decimal strings into a validated kilometers.Policy.
func (p PolicyConfig) ToPolicy() (kilometers.Policy, error) {
	var policy kilometers.Policy
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"points_per_currency", p.PointsPerCurrency, &policy.PointsPerCurrency},
		{"currency_per_point", p.CurrencyPerPoint, &policy.CurrencyPerPoint},
		{"redemption_cap", p.RedemptionCap, &policy.RedemptionCap},
		{"referral_bonus", p.ReferralBonus, &policy.ReferralBonus},
		{"birthday_bonus", p.BirthdayBonus, &policy.BirthdayBonus},
		{"tolerance", p.Tolerance, &policy.Tolerance},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return policy, fmt.Errorf("policy.%s: %w", f.name, err)
		}
		*f.dst = d
	}
	policy.Validity = p.Validity.Duration

	if err := policy.Validate(); err != nil {
		return policy, fmt.Errorf("policy: %w", err)
	}
	return policy, nil
}
