package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	s3blob "github.com/quantarb/execbot/internal/blob/s3"
	"github.com/quantarb/execbot/internal/book"
	"github.com/quantarb/execbot/internal/cache/redis"
	"github.com/quantarb/execbot/internal/config"
	"github.com/quantarb/execbot/internal/domain"
	"github.com/quantarb/execbot/internal/engine"
	"github.com/quantarb/execbot/internal/feed"
	"github.com/quantarb/execbot/internal/flow"
	"github.com/quantarb/execbot/internal/inventory"
	"github.com/quantarb/execbot/internal/marketdata"
	"github.com/quantarb/execbot/internal/planner"
	"github.com/quantarb/execbot/internal/sizing"
	"github.com/quantarb/execbot/internal/store/postgres"
	"github.com/quantarb/execbot/internal/venue"
)

// Dependencies bundles the wired runtime: the feed and the engine are the two
// long-running components; everything else hangs off them.
type Dependencies struct {
	Feed   *feed.VenueFeed
	Engine *engine.Engine
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	// --- PostgreSQL: fill log and inventory snapshots ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	fillStore := postgres.NewFillStore(pool)
	invStore := postgres.NewInventoryStore(pool)

	// --- Redis: book cache, rate limiter, optional distributed locks ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	bookCache := redis.NewBookCache(redisClient)

	var locker domain.LockManager
	if cfg.Redis.DistributedLocks {
		locker = redis.NewLockManager(redisClient)
	}
	var limiter domain.RateLimiter
	if cfg.Engine.SubmitRateLimit > 0 {
		limiter = redis.NewRateLimiter(redisClient, cfg.Engine.SubmitRateLimit)
	}

	// --- S3: terminal plan archive (optional) ---
	var archiver domain.PlanArchiver
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		archiver = s3blob.NewPlanArchiver(s3blob.NewWriter(s3Client))
	}

	// --- Venue order API ---
	placer := venue.NewClient(cfg.Venue.RestURL, cfg.Venue.APIKeyID)
	if cfg.Venue.PrivateKeyPath != "" {
		pemBytes, err := os.ReadFile(cfg.Venue.PrivateKeyPath)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: read venue key: %w", err)
		}
		if err := placer.SetRSAPrivateKey(pemBytes); err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	// --- Analysis components ---
	analyzer := book.NewAnalyzer(bookConfig(cfg), logger)
	detector := flow.NewDetector(flowConfig(cfg), logger)
	estimator := marketdata.NewEstimator(marketdata.DefaultConfig())
	sizer := sizing.NewSizer(sizingConfig(cfg), estimator, estimator, logger)
	invMgr := inventory.NewManager(inventoryConfig(cfg), logger)

	// Seed inventory from the latest persisted projections so a restart does
	// not begin from a flat book.
	if states, err := invStore.LatestSnapshots(ctx); err != nil {
		logger.Warn("inventory seed failed, starting flat", slog.String("error", err.Error()))
	} else if len(states) > 0 {
		invMgr.Seed(states)
		logger.Info("inventory seeded", slog.Int("instruments", len(states)))
	}

	// --- Feed, planner, engine ---
	// The feed's handlers forward into the engine and the estimator; eng is
	// assigned before Run starts any goroutine.
	var eng *engine.Engine
	onTrade := func(t domain.TradePrint) {
		estimator.Observe(t)
		if eng != nil {
			eng.OnTrade(t)
		}
	}
	onEvent := func(ev domain.BookEvent) {
		if eng != nil {
			eng.OnBookEvent(ev)
		}
	}
	venueFeed := feed.NewVenueFeed(cfg.Venue.WsURL, cfg.Venue.Instruments, onTrade, onEvent, logger)

	engCfg := engineConfig(cfg)
	windows := engine.NewWindowStore(engCfg.WindowMaxTrades, engCfg.WindowMaxEvents, engCfg.WindowRetention)
	source := engine.NewDedupedBookSource(venueFeed)

	pl := planner.New(
		plannerConfig(cfg),
		analyzer,
		detector,
		sizer,
		invMgr,
		source,
		bookCache,
		windows,
		logger,
	)

	eng = engine.New(
		engCfg,
		pl,
		invMgr,
		placer,
		venueFeed,
		fillStore,
		invStore,
		archiver,
		locker,
		limiter,
		windows,
		logger,
	)

	return &Dependencies{Feed: venueFeed, Engine: eng}, cleanup, nil
}

// The component packages own their full parameter sets; the TOML file exposes
// the operational subset and everything else keeps the package default.

func bookConfig(cfg *config.Config) book.Config {
	out := book.DefaultConfig()
	out.TopLevels = cfg.Book.TopLevels
	out.MaxSnapshotAge = cfg.Book.MaxSnapshotAge.Duration
	out.MaxSlippagePct = cfg.Book.MaxSlippagePct
	out.MediumSlippagePct = cfg.Book.MediumSlippagePct
	out.FullBookDepth = cfg.Book.FullBookDepth
	out.WideSpreadPct = cfg.Book.WideSpreadPct
	out.MinTotalLiquidity = cfg.Book.MinTotalLiquidity
	out.ThinLiquidityMin = cfg.Book.ThinLiquidityMin
	return out
}

func flowConfig(cfg *config.Config) flow.Config {
	out := flow.DefaultConfig()
	out.Lookback = cfg.Flow.Lookback.Duration
	out.WeightImbalance = cfg.Flow.WeightImbalance
	out.WeightRate = cfg.Flow.WeightRate
	out.WeightSize = cfg.Flow.WeightSize
	out.WeightDirCorr = cfg.Flow.WeightDirCorr
	out.BaselineTradesPerMin = cfg.Flow.BaselineTradesPerMin
	out.BaselineTradeSize = cfg.Flow.BaselineTradeSize
	out.ToxicThreshold = cfg.Flow.ToxicThreshold
	out.MinTrades = cfg.Flow.MinTrades
	out.SizeVsDepthFrac = cfg.Flow.SizeVsDepthFrac
	out.ThinLiquidityMin = cfg.Flow.ThinLiquidityMin
	return out
}

func inventoryConfig(cfg *config.Config) inventory.Config {
	out := inventory.DefaultConfig()
	out.TotalCapital = cfg.Capital.Total
	out.MaxInventoryPct = cfg.Inventory.MaxInventoryPct
	out.HardPositionPct = cfg.Inventory.HardPositionPct
	out.HardRiskCeiling = cfg.Inventory.HardRiskCeiling
	out.MaxSkew = cfg.Inventory.MaxSkew
	return out
}

func sizingConfig(cfg *config.Config) sizing.Config {
	out := sizing.DefaultConfig()
	out.TotalCapital = cfg.Capital.Total
	out.KellyFraction = cfg.Sizing.KellyFraction
	out.MaxSingleFraction = cfg.Sizing.MaxSingleFraction
	out.MinDollarSize = cfg.Sizing.MinDollarSize
	out.CorrelationThreshold = cfg.Sizing.CorrelationThreshold
	out.CorrelationFloor = cfg.Sizing.CorrelationFloor
	out.VolatilityBaseline = cfg.Sizing.VolatilityBaseline
	out.VolatilitySlope = cfg.Sizing.VolatilitySlope
	out.VolatilityFloor = cfg.Sizing.VolatilityFloor
	out.InsufficientDataMult = cfg.Sizing.InsufficientDataMult
	out.RiskParityMaxShare = cfg.Sizing.RiskParityMaxShare
	return out
}

func plannerConfig(cfg *config.Config) planner.Config {
	out := planner.DefaultConfig()
	out.MinSafetyScore = cfg.Planner.MinSafetyScore
	out.HighSafety = cfg.Planner.HighSafety
	out.LowSlippagePct = cfg.Planner.LowSlippagePct
	out.DepthSufficiencyFrac = cfg.Planner.DepthSufficiencyFrac
	out.BookCacheTTL = cfg.Planner.BookCacheTTL.Duration
	out.RestingLimitTimeout = cfg.Planner.RestingLimitTimeout.Duration
	out.RestingLimitMaxOffset = cfg.Planner.RestingLimitMaxOffset
	out.IcebergChunkDelay = cfg.Planner.IcebergChunkDelay.Duration
	out.TimeSliceInterval = cfg.Planner.TimeSliceInterval.Duration
	out.TimeSliceCount = cfg.Planner.TimeSliceCount
	out.DeferCooldown = cfg.Planner.DeferCooldown.Duration
	return out
}

func engineConfig(cfg *config.Config) engine.Config {
	out := engine.DefaultConfig()
	out.MaxConcurrentEvaluations = cfg.Engine.MaxConcurrentEvaluations
	out.LiquidationSweepEvery = cfg.Engine.LiquidationSweepEvery.Duration
	out.SnapshotEvery = cfg.Engine.SnapshotEvery.Duration
	out.DistributedLockTTL = cfg.Engine.DistributedLockTTL.Duration
	return out
}
