// Package config defines the top-level configuration for the execution bot
// and provides validation helpers.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by EXECBOT_* environment
// variables.
type Config struct {
	Venue     VenueConfig     `toml:"venue"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Capital   CapitalConfig   `toml:"capital"`
	Book      BookConfig      `toml:"book"`
	Flow      FlowConfig      `toml:"flow"`
	Inventory InventoryConfig `toml:"inventory"`
	Sizing    SizingConfig    `toml:"sizing"`
	Planner   PlannerConfig   `toml:"planner"`
	Engine    EngineConfig    `toml:"engine"`
	LogLevel  string          `toml:"log_level"`
}

// VenueConfig holds the venue endpoints and the instrument universe.
type VenueConfig struct {
	WsURL       string   `toml:"ws_url"`
	RestURL     string   `toml:"rest_url"`
	Instruments []string `toml:"instruments"`

	// APIKeyID and PrivateKeyPath configure request signing for the order
	// API. The key file holds a PEM-encoded RSA private key.
	APIKeyID       string `toml:"api_key_id"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// DistributedLocks enables the Redis per-instrument lock on top of the
	// engine's local mutex, for multi-process deployments.
	DistributedLocks bool `toml:"distributed_locks"`
}

// S3Config holds S3-compatible object storage parameters for plan archiving.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// CapitalConfig holds the portfolio capital shared by sizing and inventory.
type CapitalConfig struct {
	Total float64 `toml:"total"`
}

// BookConfig holds orderbook analysis parameters.
type BookConfig struct {
	TopLevels         int      `toml:"top_levels"`
	MaxSnapshotAge    duration `toml:"max_snapshot_age"`
	MaxSlippagePct    float64  `toml:"max_slippage_pct"`
	MediumSlippagePct float64  `toml:"medium_slippage_pct"`
	FullBookDepth     float64  `toml:"full_book_depth"`
	WideSpreadPct     float64  `toml:"wide_spread_pct"`
	MinTotalLiquidity float64  `toml:"min_total_liquidity"`
	ThinLiquidityMin  float64  `toml:"thin_liquidity_min"`
}

// FlowConfig holds toxicity scoring parameters. The four weights must sum
// to 1.
type FlowConfig struct {
	Lookback             duration `toml:"lookback"`
	WeightImbalance      float64  `toml:"weight_imbalance"`
	WeightRate           float64  `toml:"weight_rate"`
	WeightSize           float64  `toml:"weight_size"`
	WeightDirCorr        float64  `toml:"weight_dir_corr"`
	BaselineTradesPerMin float64  `toml:"baseline_trades_per_min"`
	BaselineTradeSize    float64  `toml:"baseline_trade_size"`
	ToxicThreshold       float64  `toml:"toxic_threshold"`
	MinTrades            int      `toml:"min_trades"`
	SizeVsDepthFrac      float64  `toml:"size_vs_depth_frac"`
	ThinLiquidityMin     float64  `toml:"thin_liquidity_min"`
}

// InventoryConfig holds inventory risk parameters.
type InventoryConfig struct {
	MaxInventoryPct float64 `toml:"max_inventory_pct"`
	HardPositionPct float64 `toml:"hard_position_pct"`
	HardRiskCeiling float64 `toml:"hard_risk_ceiling"`
	MaxSkew         float64 `toml:"max_skew"`
}

// SizingConfig holds position sizing parameters.
type SizingConfig struct {
	KellyFraction        float64 `toml:"kelly_fraction"`
	MaxSingleFraction    float64 `toml:"max_single_fraction"`
	MinDollarSize        float64 `toml:"min_dollar_size"`
	CorrelationThreshold float64 `toml:"correlation_threshold"`
	CorrelationFloor     float64 `toml:"correlation_floor"`
	VolatilityBaseline   float64 `toml:"volatility_baseline"`
	VolatilitySlope      float64 `toml:"volatility_slope"`
	VolatilityFloor      float64 `toml:"volatility_floor"`
	InsufficientDataMult float64 `toml:"insufficient_data_mult"`
	RiskParityMaxShare   float64 `toml:"risk_parity_max_share"`
}

// PlannerConfig holds the planner's gates and method thresholds.
type PlannerConfig struct {
	MinSafetyScore        float64  `toml:"min_safety_score"`
	HighSafety            float64  `toml:"high_safety"`
	LowSlippagePct        float64  `toml:"low_slippage_pct"`
	DepthSufficiencyFrac  float64  `toml:"depth_sufficiency_frac"`
	BookCacheTTL          duration `toml:"book_cache_ttl"`
	RestingLimitTimeout   duration `toml:"resting_limit_timeout"`
	RestingLimitMaxOffset float64  `toml:"resting_limit_max_offset"`
	IcebergChunkDelay     duration `toml:"iceberg_chunk_delay"`
	TimeSliceInterval     duration `toml:"time_slice_interval"`
	TimeSliceCount        int      `toml:"time_slice_count"`
	DeferCooldown         duration `toml:"defer_cooldown"`
}

// EngineConfig holds engine runtime parameters.
type EngineConfig struct {
	MaxConcurrentEvaluations int      `toml:"max_concurrent_evaluations"`
	LiquidationSweepEvery    duration `toml:"liquidation_sweep_every"`
	SnapshotEvery            duration `toml:"snapshot_every"`
	DistributedLockTTL       duration `toml:"distributed_lock_ttl"`
	SubmitRateLimit          int      `toml:"submit_rate_limit"`
}

// duration wraps time.Duration so the TOML decoder can parse strings like
// "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the component defaults. These
// match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Venue: VenueConfig{
			WsURL:   "wss://feed.example-venue.com/ws",
			RestURL: "https://api.example-venue.com",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "execbot",
			User:          "execbot",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "execbot-plans",
			ForcePathStyle: true,
		},
		Capital: CapitalConfig{Total: 10_000},
		Book: BookConfig{
			TopLevels:         5,
			MaxSnapshotAge:    duration{10 * time.Second},
			MaxSlippagePct:    0.02,
			MediumSlippagePct: 0.005,
			FullBookDepth:     500,
			WideSpreadPct:     0.03,
			MinTotalLiquidity: 50,
			ThinLiquidityMin:  0.2,
		},
		Flow: FlowConfig{
			Lookback:             duration{5 * time.Minute},
			WeightImbalance:      0.20,
			WeightRate:           0.25,
			WeightSize:           0.15,
			WeightDirCorr:        0.40,
			BaselineTradesPerMin: 10,
			BaselineTradeSize:    50,
			ToxicThreshold:       0.6,
			MinTrades:            3,
			SizeVsDepthFrac:      0.25,
			ThinLiquidityMin:     0.3,
		},
		Inventory: InventoryConfig{
			MaxInventoryPct: 0.20,
			HardPositionPct: 0.24,
			HardRiskCeiling: 0.95,
			MaxSkew:         0.5,
		},
		Sizing: SizingConfig{
			KellyFraction:        0.5,
			MaxSingleFraction:    0.15,
			MinDollarSize:        1.0,
			CorrelationThreshold: 0.7,
			CorrelationFloor:     0.25,
			VolatilityBaseline:   0.15,
			VolatilitySlope:      2.0,
			VolatilityFloor:      0.5,
			InsufficientDataMult: 0.5,
			RiskParityMaxShare:   1.5,
		},
		Planner: PlannerConfig{
			MinSafetyScore:        0.40,
			HighSafety:            0.75,
			LowSlippagePct:        0.005,
			DepthSufficiencyFrac:  0.5,
			BookCacheTTL:          duration{2 * time.Second},
			RestingLimitTimeout:   duration{30 * time.Second},
			RestingLimitMaxOffset: 0.02,
			IcebergChunkDelay:     duration{2 * time.Second},
			TimeSliceInterval:     duration{15 * time.Second},
			TimeSliceCount:        5,
			DeferCooldown:         duration{30 * time.Second},
		},
		Engine: EngineConfig{
			MaxConcurrentEvaluations: 8,
			LiquidationSweepEvery:    duration{5 * time.Second},
			SnapshotEvery:            duration{30 * time.Second},
			DistributedLockTTL:       duration{10 * time.Second},
			SubmitRateLimit:          10,
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Venue.WsURL == "" {
		errs = append(errs, "venue: ws_url must not be empty")
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	if c.Capital.Total <= 0 {
		errs = append(errs, "capital: total must be > 0")
	}

	if c.Book.TopLevels < 1 {
		errs = append(errs, "book: top_levels must be >= 1")
	}
	if c.Book.MaxSlippagePct <= 0 || c.Book.MaxSlippagePct >= 1 {
		errs = append(errs, "book: max_slippage_pct must be in (0, 1)")
	}
	if c.Book.MaxSnapshotAge.Duration <= 0 {
		errs = append(errs, "book: max_snapshot_age must be positive")
	}

	weightSum := c.Flow.WeightImbalance + c.Flow.WeightRate + c.Flow.WeightSize + c.Flow.WeightDirCorr
	if math.Abs(weightSum-1) > 1e-9 {
		errs = append(errs, fmt.Sprintf("flow: toxicity weights must sum to 1, got %.4f", weightSum))
	}
	if c.Flow.ToxicThreshold <= 0 || c.Flow.ToxicThreshold >= 1 {
		errs = append(errs, "flow: toxic_threshold must be in (0, 1)")
	}
	if c.Flow.MinTrades < 1 {
		errs = append(errs, "flow: min_trades must be >= 1")
	}

	if c.Inventory.MaxInventoryPct <= 0 || c.Inventory.MaxInventoryPct >= 1 {
		errs = append(errs, "inventory: max_inventory_pct must be in (0, 1)")
	}
	if c.Inventory.HardPositionPct < c.Inventory.MaxInventoryPct {
		errs = append(errs, "inventory: hard_position_pct must be >= max_inventory_pct")
	}

	if c.Sizing.KellyFraction <= 0 || c.Sizing.KellyFraction > 1 {
		errs = append(errs, "sizing: kelly_fraction must be in (0, 1]")
	}
	if c.Sizing.MaxSingleFraction <= 0 || c.Sizing.MaxSingleFraction > 1 {
		errs = append(errs, "sizing: max_single_fraction must be in (0, 1]")
	}
	if c.Sizing.CorrelationThreshold <= 0 || c.Sizing.CorrelationThreshold >= 1 {
		errs = append(errs, "sizing: correlation_threshold must be in (0, 1)")
	}

	if c.Planner.MinSafetyScore <= 0 || c.Planner.MinSafetyScore >= 1 {
		errs = append(errs, "planner: min_safety_score must be in (0, 1)")
	}
	if c.Planner.TimeSliceCount < 2 {
		errs = append(errs, "planner: time_slice_count must be >= 2")
	}

	if c.Engine.MaxConcurrentEvaluations < 1 {
		errs = append(errs, "engine: max_concurrent_evaluations must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
