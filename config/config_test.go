package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/kilometers-engine/kilometers"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// unsetEnv removes key for the duration of the test, restoring it afterwards.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.True(t, cfg.Sweep.Enabled)
	assert.Equal(t, time.Hour, cfg.Sweep.Interval.Duration)

	policy, err := cfg.Policy.ToPolicy()
	require.NoError(t, err)
	want := kilometers.DefaultPolicy()
	assert.True(t, policy.PointsPerCurrency.Equal(want.PointsPerCurrency))
	assert.True(t, policy.RedemptionCap.Equal(want.RedemptionCap))
	assert.Equal(t, want.Validity, policy.Validity)
}

func TestLoad_MissingFilesAreIgnored(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "nope.toml"), filepath.Join(dir, "nope.env"))
	assert.NoError(t, err)
}

func TestLoad_TOMLFile(t *testing.T) {
	path := writeFile(t, "kilometers.toml", `
[server]
addr = ":9090"
read_timeout = "5s"

[store]
driver = "memory"

[policy]
points_per_currency = "1"
currency_per_point = "0.05"
redemption_cap = "0.2"
validity = "8760h"
referral_bonus = "500"
birthday_bonus = "250"
tolerance = "0.01"

[sweep]
enabled = false
batch_size = 50
`)

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout.Duration)
	assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout.Duration, "untouched keys keep defaults")
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.False(t, cfg.Sweep.Enabled)
	assert.Equal(t, 50, cfg.Sweep.BatchSize)

	policy, err := cfg.Policy.ToPolicy()
	require.NoError(t, err)
	assert.Equal(t, "0.2", policy.RedemptionCap.String())
	assert.Equal(t, 365*24*time.Hour, policy.Validity)
	assert.Equal(t, "250", policy.BirthdayBonus.String())
}

func TestLoad_EnvOverrides(t *testing.T) {
	// GIVEN: A TOML file, a .env file and process variables
	// WHEN: Loading
	// THEN: Process variables win over .env, .env wins over the file

	path := writeFile(t, "kilometers.toml", `
[store]
driver = "sqlite"
path = "/tmp/from-file.db"

[log]
level = "warn"
`)
	envFile := writeFile(t, ".env", "KM_STORE_DRIVER=memory\nKM_LOG_LEVEL=error\n")

	unsetEnv(t, "KM_STORE_DRIVER")
	t.Setenv("KM_LOG_LEVEL", "debug")
	t.Setenv("KM_SWEEP_BATCH_SIZE", "25")
	t.Setenv("KM_SWEEP_INTERVAL", "10m")
	t.Setenv("KM_REDEMPTION_CAP", "0.15")

	cfg, err := Load(path, envFile)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 25, cfg.Sweep.BatchSize)
	assert.Equal(t, 10*time.Minute, cfg.Sweep.Interval.Duration)
	assert.Equal(t, "0.15", cfg.Policy.RedemptionCap)
}

func TestLoad_InvalidEnv(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"KM_SWEEP_BATCH_SIZE", "many"},
		{"KM_SWEEP_ENABLED", "sometimes"},
		{"KM_VALIDITY", "two years"},
		{"KM_POINTS_PER_CURRENCY", "half"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load("", "")
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{"defaults", func(*Config) {}, true},
		{"memory", func(c *Config) { c.Store.Driver = "memory" }, true},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, false},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, false},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, false},
		{"postgres with dsn", func(c *Config) {
			c.Store.Driver = "postgres"
			c.Postgres.DSN = "postgres://localhost/km"
		}, true},
		{"zero interval", func(c *Config) { c.Sweep.Interval = Duration{} }, false},
		{"zero interval while disabled", func(c *Config) {
			c.Sweep.Enabled = false
			c.Sweep.Interval = Duration{}
		}, true},
		{"negative concurrency", func(c *Config) { c.Sweep.Concurrency = -1 }, false},
		{"cap above one", func(c *Config) { c.Policy.RedemptionCap = "1.5" }, false},
		{"zero validity", func(c *Config) { c.Policy.Validity = Duration{} }, false},
		{"non numeric tolerance", func(c *Config) { c.Policy.Tolerance = "tiny" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1h30m")))
	assert.Equal(t, 90*time.Minute, d.Duration)

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1h30m0s", string(out))

	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
