package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mohammad-safakhou/nurture/config"
	"github.com/mohammad-safakhou/nurture/internal/content"
	"github.com/mohammad-safakhou/nurture/internal/dispatch"
	"github.com/mohammad-safakhou/nurture/internal/domain"
	"github.com/mohammad-safakhou/nurture/internal/llm"
	"github.com/mohammad-safakhou/nurture/internal/lock"
	"github.com/mohammad-safakhou/nurture/internal/logging"
	"github.com/mohammad-safakhou/nurture/internal/planner"
	"github.com/mohammad-safakhou/nurture/internal/push"
	"github.com/mohammad-safakhou/nurture/internal/ratelimit"
	"github.com/mohammad-safakhou/nurture/internal/risk"
	"github.com/mohammad-safakhou/nurture/internal/runtime"
	"github.com/mohammad-safakhou/nurture/internal/signal"
	"github.com/mohammad-safakhou/nurture/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Route names used for rate limiting.
const (
	RoutePlans    = "plans"
	RouteDispatch = "dispatch"
	RouteRisk     = "risk"
)

// App is the fully wired pipeline shared by the HTTP server and the CLI.
type App struct {
	Config     *config.Config
	Store      *store.Store
	Rdb        *redis.Client
	Catalog    *content.Catalog
	Runner     *planner.Runner
	Dispatcher *dispatch.Dispatcher
	Analyzer   *risk.Analyzer
	Limits     ratelimit.Routes
	Telemetry  *runtime.Telemetry
	Logger     *zap.Logger

	keyed []*ratelimit.KeyedLimiter
}

// Build connects storage, loads the catalog and wires every stage.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	logger = logging.OrNop(logger)
	app := &App{Config: cfg, Logger: logger}

	tel, _, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{})
	if err != nil {
		return nil, err
	}
	app.Telemetry = tel

	dsn, err := runtime.BuildPostgresDSN(cfg)
	if err != nil {
		return nil, err
	}
	if app.Store, err = store.NewWithDSN(ctx, dsn); err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if app.Rdb, err = runtime.NewRedis(ctx, cfg.Storage.Redis); err != nil {
		app.Close()
		return nil, err
	}

	if seed := cfg.Planner.CatalogSeed; seed != "" {
		if _, err := SeedCatalog(ctx, app.Store, seed); err != nil {
			app.Close()
			return nil, err
		}
	}
	if app.Catalog, err = content.NewCatalog(); err != nil {
		app.Close()
		return nil, err
	}
	items, err := app.Store.ListCatalog(ctx)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	if err := app.Catalog.Add(items...); err != nil {
		app.Close()
		return nil, err
	}
	logger.Info("catalog loaded", zap.Int("items", app.Catalog.Len()))

	var composer content.Composer = content.TemplateComposer{}
	var opinion risk.SecondOpinion
	client, err := llm.New(llm.Options{
		APIKey:  cfg.Providers.OpenAI.APIKey,
		BaseURL: cfg.Providers.OpenAI.BaseURL,
		Model:   cfg.Providers.OpenAI.Model,
		Timeout: cfg.Providers.OpenAI.Timeout,
	})
	switch {
	case err == nil:
		composer = content.NewOpenAIComposer(client)
		if cfg.Providers.OpenAI.RiskOpinion {
			opinion = risk.NewOpenAIOpinion(client)
		}
	case errors.Is(err, llm.ErrMissingCredential):
		logger.Warn("openai not configured, composing from templates")
	default:
		app.Close()
		return nil, err
	}
	app.Analyzer = risk.NewAnalyzer(opinion, cfg.Providers.OpenAI.RiskTimeout, logger)

	var signals signal.Aggregator
	if cfg.Providers.Signals.URL != "" {
		signals = signal.NewHTTPAggregator(cfg.Providers.Signals.URL, cfg.Providers.Signals.Token,
			cfg.Providers.Signals.Timeout, logger)
	} else {
		logger.Warn("signal aggregator not configured, planning with neutral signals")
		signals = signal.AggregatorFunc(func(_ context.Context, userID string) (domain.Signal, error) {
			return domain.NeutralSignal(userID, time.Now().UTC()), nil
		})
	}

	builder := planner.NewBuilder(app.Store, app.Catalog, composer, planner.Options{
		CuratorTimeout:  cfg.Planner.CuratorTimeout,
		ComposerTimeout: cfg.Planner.ComposerTimeout,
		MaxCopyLength:   cfg.Planner.MaxCopyLength,
		DefaultTimezone: cfg.General.DefaultTimezone,
	}, logger)
	app.Runner = planner.NewRunner(app.Store, signals, builder, planner.RunnerOptions{
		Concurrency:     cfg.Planner.Concurrency,
		DefaultTimezone: cfg.General.DefaultTimezone,
	}, logger)

	expo, err := push.NewExpo(logger, push.ExpoConfig{
		URL:         cfg.Providers.Push.URL,
		AccessToken: cfg.Providers.Push.AccessToken,
		Title:       cfg.Dispatch.PushTitle,
		Timeout:     cfg.Providers.Push.Timeout,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	var locker lock.Locker = lock.Noop{}
	if app.Rdb != nil {
		locker = lock.NewRedis(app.Rdb, "nurture:lock:")
	}
	app.Dispatcher = dispatch.New(app.Store, expo, locker, dispatch.Config{
		Concurrency:     cfg.Dispatch.Concurrency,
		PushTimeout:     cfg.Providers.Push.Timeout,
		LockTTL:         cfg.Dispatch.LockTTL,
		PushTitle:       cfg.Dispatch.PushTitle,
		DefaultCap:      cfg.Dispatch.DefaultFrequencyCap,
		CrisisBypassCap: cfg.Dispatch.CrisisBypassCap,
	}, logger)

	app.Limits = app.buildLimits(cfg.RateLimit)
	return app, nil
}

// SeedCatalog upserts the items of a YAML seed file and returns how many it wrote.
func SeedCatalog(ctx context.Context, st *store.Store, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("catalog seed: %w", err)
	}
	defer f.Close()
	items, err := content.LoadSeed(f)
	if err != nil {
		return 0, fmt.Errorf("catalog seed %s: %w", path, err)
	}
	for i, it := range items {
		if err := st.UpsertCatalogItem(ctx, it); err != nil {
			return i, err
		}
	}
	return len(items), nil
}

// buildLimits backs the plans route with a sliding hourly window in Redis when
// available; the remaining routes use in-process token buckets.
func (a *App) buildLimits(rl config.RateLimitConfig) ratelimit.Routes {
	risky := ratelimit.NewKeyedLimiter(rl.PerMinute, rl.Burst)
	trigger := ratelimit.NewKeyedLimiter(rl.PerMinute, rl.Burst)
	a.keyed = []*ratelimit.KeyedLimiter{risky, trigger}

	var plans ratelimit.Limiter
	if a.Rdb != nil && rl.PlansPerHour > 0 {
		plans = ratelimit.NewRedisLimiter(a.Rdb, "nurture:rl:plans:", rl.PlansPerHour, time.Hour)
	} else {
		k := ratelimit.NewWindowLimiter(rl.PlansPerHour, time.Hour)
		a.keyed = append(a.keyed, k)
		plans = k
	}
	return ratelimit.Routes{
		RoutePlans:    plans,
		RouteDispatch: trigger,
		RouteRisk:     risky,
	}
}

// RunEvictors drops idle in-process limiter state until ctx ends.
func (a *App) RunEvictors(ctx context.Context) {
	maxAge := a.Config.RateLimit.EvictAfter
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	for _, k := range a.keyed {
		go k.RunEvictor(ctx, maxAge/2, maxAge)
	}
}

// Close releases connections. It is safe on a partially built App.
func (a *App) Close() {
	if a.Catalog != nil {
		_ = a.Catalog.Close()
	}
	if a.Rdb != nil {
		_ = a.Rdb.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
	if a.Telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Telemetry.Shutdown(ctx)
	}
}
