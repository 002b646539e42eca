// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TRADEFORGE_* environment variables.
// Strategy definitions and allocator weights live in separate JSON
// documents referenced from here and loaded by their owning packages.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	TenantID   string                 `mapstructure:"tenant_id"`
	PaperMode  bool                   `mapstructure:"paper_mode"`
	Venues     map[string]VenueConfig `mapstructure:"venues"`
	Scanner    ScannerConfig          `mapstructure:"scanner"`
	Risk       RiskConfig             `mapstructure:"risk"`
	Allocator  AllocatorConfig        `mapstructure:"allocator"`
	Recon      ReconConfig            `mapstructure:"recon"`
	MarketData MarketDataConfig       `mapstructure:"market_data"`
	Backtest   BacktestConfig         `mapstructure:"backtest"`
	Store      StoreConfig            `mapstructure:"store"`
	Redis      RedisConfig            `mapstructure:"redis"`
	Logging    LoggingConfig          `mapstructure:"logging"`
}

// VenueConfig holds one venue's endpoints, credentials, fee schedule,
// and rate limits. Credentials use env overrides:
// TRADEFORGE_<VENUE>_API_KEY / _API_SECRET / _PASSPHRASE.
type VenueConfig struct {
	Name        string        `mapstructure:"name"`
	VenueType   string        `mapstructure:"venue_type"` // spot, futures, both
	BaseURL     string        `mapstructure:"base_url"`
	WSURL       string        `mapstructure:"ws_url"`
	APIKey      string        `mapstructure:"api_key"`
	APISecret   string        `mapstructure:"api_secret"`
	Passphrase  string        `mapstructure:"passphrase"`
	MakerFeeBps float64       `mapstructure:"maker_fee_bps"`
	TakerFeeBps float64       `mapstructure:"taker_fee_bps"`
	TickSize    float64       `mapstructure:"tick_size"`
	RateLimit   int           `mapstructure:"rate_limit"` // requests per second
	Burst       int           `mapstructure:"burst"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Enabled     bool          `mapstructure:"enabled"`
	Instruments []string      `mapstructure:"instruments"`
}

// ScannerConfig controls opportunity scanning and intent generation.
// StrategiesPath points at the JSON strategy registry document.
type ScannerConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	StrategiesPath    string        `mapstructure:"strategies_path"`
	TopK              int           `mapstructure:"top_k"`
	MaxOpportunities  int           `mapstructure:"max_opportunities"`
	MinBasisBps       float64       `mapstructure:"min_basis_bps"`
	MinCrossVenueBps  float64       `mapstructure:"min_cross_venue_bps"`
	MaxLegSlippageBps float64       `mapstructure:"max_leg_slippage_bps"`
	LegTimeBudgetMs   int64         `mapstructure:"leg_time_budget_ms"`
}

// RiskConfig sets the hard limits enforced by the risk engine.
type RiskConfig struct {
	MinEdgeBufferBps   float64            `mapstructure:"min_edge_buffer_bps"`
	MaxClusterExposure float64            `mapstructure:"max_cluster_exposure"`
	ClusterCaps        map[string]float64 `mapstructure:"cluster_caps"`
	DegradedSizeFactor float64            `mapstructure:"degraded_size_factor"`
}

// AllocatorConfig controls the periodic capital allocation job.
// WeightsPath points at the JSON allocator document (base weights,
// clamps, throttles, risk bias scalars).
type AllocatorConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	WeightsPath  string        `mapstructure:"weights_path"`
	TotalCapital float64       `mapstructure:"total_capital"`
}

// ReconConfig controls reconciliation cadence and tolerances.
type ReconConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	SizeTolerancePct  float64       `mapstructure:"size_tolerance_pct"`
	PriceTolerancePct float64       `mapstructure:"price_tolerance_pct"`
	InventoryDriftPct float64       `mapstructure:"inventory_drift_pct"`
	HedgeRatioMin     float64       `mapstructure:"hedge_ratio_min"`
	HedgeRatioMax     float64       `mapstructure:"hedge_ratio_max"`
	LookbackHours     int           `mapstructure:"lookback_hours"`
	BreakerThreshold  int           `mapstructure:"breaker_threshold"`
	KillThreshold     int           `mapstructure:"kill_threshold"`
}

// MarketDataConfig tunes snapshot staleness and fan-out.
type MarketDataConfig struct {
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
}

// BacktestConfig holds CLI defaults for backtest runs; per-run values
// come from flags and override these.
type BacktestConfig struct {
	InitialCapital float64 `mapstructure:"initial_capital"`
	SlippageBps    float64 `mapstructure:"slippage_bps"`
	CommissionBps  float64 `mapstructure:"commission_bps"`
	MaxPositionPct float64 `mapstructure:"max_position_pct"`
}

// StoreConfig sets where relational state is persisted.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"` // sqlite path, or ":memory:" for tests
}

// RedisConfig addresses the pub/sub transport for market-data fan-out.
// Empty Addr disables publishing.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Per-venue credentials use TRADEFORGE_<VENUE>_API_KEY etc.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADEFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for name, vc := range cfg.Venues {
		prefix := "TRADEFORGE_" + strings.ToUpper(name)
		if key := os.Getenv(prefix + "_API_KEY"); key != "" {
			vc.APIKey = key
		}
		if secret := os.Getenv(prefix + "_API_SECRET"); secret != "" {
			vc.APISecret = secret
		}
		if pass := os.Getenv(prefix + "_PASSPHRASE"); pass != "" {
			vc.Passphrase = pass
		}
		if vc.Name == "" {
			vc.Name = name
		}
		cfg.Venues[name] = vc
	}
	if os.Getenv("TRADEFORGE_PAPER_MODE") == "true" || os.Getenv("TRADEFORGE_PAPER_MODE") == "1" {
		cfg.PaperMode = true
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills documented defaults for optional keys.
func (c *Config) applyDefaults() {
	if c.Scanner.Interval == 0 {
		c.Scanner.Interval = 30 * time.Second
	}
	if c.Scanner.TopK == 0 {
		c.Scanner.TopK = 5
	}
	if c.Scanner.MaxOpportunities == 0 {
		c.Scanner.MaxOpportunities = 50
	}
	if c.Scanner.MinBasisBps == 0 {
		c.Scanner.MinBasisBps = 8.0
	}
	if c.Scanner.MinCrossVenueBps == 0 {
		c.Scanner.MinCrossVenueBps = 5.0
	}
	if c.Scanner.MaxLegSlippageBps == 0 {
		c.Scanner.MaxLegSlippageBps = 10.0
	}
	if c.Scanner.LegTimeBudgetMs == 0 {
		c.Scanner.LegTimeBudgetMs = 1000
	}
	if c.Risk.MinEdgeBufferBps == 0 {
		c.Risk.MinEdgeBufferBps = 10.0
	}
	if c.Risk.DegradedSizeFactor == 0 {
		c.Risk.DegradedSizeFactor = 0.5
	}
	if c.Allocator.Interval == 0 {
		c.Allocator.Interval = 5 * time.Minute
	}
	if c.Recon.Interval == 0 {
		c.Recon.Interval = 60 * time.Second
	}
	if c.Recon.SizeTolerancePct == 0 {
		c.Recon.SizeTolerancePct = 0.5
	}
	if c.Recon.PriceTolerancePct == 0 {
		c.Recon.PriceTolerancePct = 0.1
	}
	if c.Recon.InventoryDriftPct == 0 {
		c.Recon.InventoryDriftPct = 2.0
	}
	if c.Recon.HedgeRatioMin == 0 {
		c.Recon.HedgeRatioMin = 0.98
	}
	if c.Recon.HedgeRatioMax == 0 {
		c.Recon.HedgeRatioMax = 1.02
	}
	if c.Recon.LookbackHours == 0 {
		c.Recon.LookbackHours = 24
	}
	if c.Recon.BreakerThreshold == 0 {
		c.Recon.BreakerThreshold = 3
	}
	if c.Recon.KillThreshold == 0 {
		c.Recon.KillThreshold = 5
	}
	if c.MarketData.StaleThreshold == 0 {
		c.MarketData.StaleThreshold = 30 * time.Second
	}
	if c.Backtest.InitialCapital == 0 {
		c.Backtest.InitialCapital = 100_000
	}
	if c.Backtest.SlippageBps == 0 {
		c.Backtest.SlippageBps = 5
	}
	if c.Backtest.CommissionBps == 0 {
		c.Backtest.CommissionBps = 10
	}
	if c.Backtest.MaxPositionPct == 0 {
		c.Backtest.MaxPositionPct = 0.1
	}
	for name, vc := range c.Venues {
		if vc.Timeout == 0 {
			vc.Timeout = 30 * time.Second
		}
		if vc.RateLimit == 0 {
			vc.RateLimit = 10
		}
		if vc.Burst == 0 {
			vc.Burst = vc.RateLimit
		}
		if vc.TickSize == 0 {
			vc.TickSize = 0.01
		}
		c.Venues[name] = vc
	}
}

// Validate checks all required fields and value ranges. A validation
// failure here is fatal: the process refuses to start live trading.
func (c *Config) Validate() error {
	if len(c.Venues) == 0 {
		return fmt.Errorf("at least one venue must be configured")
	}
	for name, vc := range c.Venues {
		if !vc.Enabled {
			continue
		}
		if !c.PaperMode {
			if vc.BaseURL == "" {
				return fmt.Errorf("venues.%s.base_url is required", name)
			}
			if vc.APIKey == "" || vc.APISecret == "" {
				return fmt.Errorf("venues.%s credentials are required (set TRADEFORGE_%s_API_KEY / _API_SECRET)",
					name, strings.ToUpper(name))
			}
		}
		if vc.MakerFeeBps < 0 || vc.TakerFeeBps < 0 {
			return fmt.Errorf("venues.%s fee rates must be >= 0", name)
		}
	}
	if c.Scanner.StrategiesPath == "" {
		return fmt.Errorf("scanner.strategies_path is required")
	}
	if c.Allocator.WeightsPath == "" {
		return fmt.Errorf("allocator.weights_path is required")
	}
	if c.Allocator.TotalCapital <= 0 {
		return fmt.Errorf("allocator.total_capital must be > 0")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if c.Recon.HedgeRatioMin >= c.Recon.HedgeRatioMax {
		return fmt.Errorf("recon.hedge_ratio_min must be < recon.hedge_ratio_max")
	}
	return nil
}
