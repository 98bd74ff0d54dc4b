// Package cli implements the kilometers command line: the HTTP server and
// the operator commands (sweep, validate, metrics).
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/kilometers-engine/config"
	"github.com/warp/kilometers-engine/kilometers"
	"github.com/warp/kilometers-engine/ledger"
	memstore "github.com/warp/kilometers-engine/ledger/store"
	"github.com/warp/kilometers-engine/store/postgres"
	"github.com/warp/kilometers-engine/store/sqlite"
)

var (
	configPath string
	envFile    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "kilometers",
	Short: "Loyalty kilometers ledger",
	Long: `Kilometers keeps the append-only points ledger of the loyalty program:
accruals, redemptions, reversals of cancelled sales, expiration and
balance audits.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "kilometers.toml", "Path to the TOML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file with KM_* overrides")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ─── Runtime wiring ─────────────────────────────────────────────────────────

type runtime struct {
	cfg    *config.Config
	log    *zap.Logger
	store  ledger.Store
	engine *kilometers.Engine
	close  func()
}

func (rt *runtime) sweepConfig() kilometers.SweepConfig {
	return kilometers.SweepConfig{
		BatchSize:   rt.cfg.Sweep.BatchSize,
		Concurrency: rt.cfg.Sweep.Concurrency,
	}
}

func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	policy, err := cfg.Policy.ToPolicy()
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}

	return &runtime{
		cfg:    cfg,
		log:    log,
		store:  store,
		engine: kilometers.NewEngine(store, policy, log.Named("engine")),
		close: func() {
			closeStore()
			_ = log.Sync()
		},
	}, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = level
	}
	return zc.Build()
}

func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		return memstore.NewMemory(), func() {}, nil

	case "sqlite":
		if cfg.Store.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
				return nil, nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		s, err := sqlite.New(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	case "postgres":
		s, err := postgres.New(ctx, cfg.Postgres.DSN, postgres.PoolConfig{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime.Duration,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}
