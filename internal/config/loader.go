package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies EXECBOT_* environment variable overrides, and
// returns the final Config. A missing file is not an error so env-only
// deployments work. The returned Config has NOT been validated; the caller
// should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known EXECBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "EXECBOT_LOG_LEVEL")

	// ── Venue ──
	setStr(&cfg.Venue.WsURL, "EXECBOT_VENUE_WS_URL")
	setStr(&cfg.Venue.RestURL, "EXECBOT_VENUE_REST_URL")
	setStringSlice(&cfg.Venue.Instruments, "EXECBOT_VENUE_INSTRUMENTS")
	setStr(&cfg.Venue.APIKeyID, "EXECBOT_VENUE_API_KEY_ID")
	setStr(&cfg.Venue.PrivateKeyPath, "EXECBOT_VENUE_PRIVATE_KEY_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "EXECBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "EXECBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "EXECBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "EXECBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "EXECBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "EXECBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "EXECBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "EXECBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "EXECBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "EXECBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "EXECBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "EXECBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "EXECBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "EXECBOT_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "EXECBOT_REDIS_TLS_ENABLED")
	setBool(&cfg.Redis.DistributedLocks, "EXECBOT_REDIS_DISTRIBUTED_LOCKS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "EXECBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "EXECBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "EXECBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "EXECBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "EXECBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "EXECBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "EXECBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "EXECBOT_S3_FORCE_PATH_STYLE")

	// ── Risk and execution tuning ──
	setFloat64(&cfg.Capital.Total, "EXECBOT_CAPITAL_TOTAL")

	setInt(&cfg.Book.TopLevels, "EXECBOT_BOOK_TOP_LEVELS")
	setDuration(&cfg.Book.MaxSnapshotAge, "EXECBOT_BOOK_MAX_SNAPSHOT_AGE")
	setFloat64(&cfg.Book.MaxSlippagePct, "EXECBOT_BOOK_MAX_SLIPPAGE_PCT")

	setDuration(&cfg.Flow.Lookback, "EXECBOT_FLOW_LOOKBACK")
	setFloat64(&cfg.Flow.ToxicThreshold, "EXECBOT_FLOW_TOXIC_THRESHOLD")
	setInt(&cfg.Flow.MinTrades, "EXECBOT_FLOW_MIN_TRADES")

	setFloat64(&cfg.Inventory.MaxInventoryPct, "EXECBOT_INVENTORY_MAX_PCT")
	setFloat64(&cfg.Inventory.MaxSkew, "EXECBOT_INVENTORY_MAX_SKEW")

	setFloat64(&cfg.Sizing.KellyFraction, "EXECBOT_SIZING_KELLY_FRACTION")
	setFloat64(&cfg.Sizing.MaxSingleFraction, "EXECBOT_SIZING_MAX_SINGLE_FRACTION")
	setFloat64(&cfg.Sizing.MinDollarSize, "EXECBOT_SIZING_MIN_DOLLAR_SIZE")

	setFloat64(&cfg.Planner.MinSafetyScore, "EXECBOT_PLANNER_MIN_SAFETY_SCORE")
	setDuration(&cfg.Planner.BookCacheTTL, "EXECBOT_PLANNER_BOOK_CACHE_TTL")
	setDuration(&cfg.Planner.RestingLimitTimeout, "EXECBOT_PLANNER_RESTING_LIMIT_TIMEOUT")
	setDuration(&cfg.Planner.DeferCooldown, "EXECBOT_PLANNER_DEFER_COOLDOWN")

	setInt(&cfg.Engine.MaxConcurrentEvaluations, "EXECBOT_ENGINE_MAX_CONCURRENT_EVALUATIONS")
	setDuration(&cfg.Engine.LiquidationSweepEvery, "EXECBOT_ENGINE_LIQUIDATION_SWEEP_EVERY")
	setDuration(&cfg.Engine.SnapshotEvery, "EXECBOT_ENGINE_SNAPSHOT_EVERY")
	setInt(&cfg.Engine.SubmitRateLimit, "EXECBOT_ENGINE_SUBMIT_RATE_LIMIT")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = parsed
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			dst.Duration = parsed
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
