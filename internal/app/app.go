package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"player-values/internal/api"
	"player-values/internal/cache"
	"player-values/internal/config"
	"player-values/internal/epoch"
	"player-values/internal/fetcher"
	"player-values/internal/metrics"
	"player-values/internal/model"
	"player-values/internal/oracle"
	"player-values/internal/publish"
	"player-values/internal/quality"
	"player-values/internal/ranking"
	"player-values/internal/scheduler"
	"player-values/internal/service"
	"player-values/internal/storage"
	"player-values/internal/trend"
	"player-values/internal/valuation"
	"player-values/internal/values"
	"player-values/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// components is the wired pipeline shared by every command.
type components struct {
	store   *storage.Store
	redis   redis.UniversalClient
	metrics *metrics.Metrics
	service *service.Service
	reader  *values.Reader
	oracle  *oracle.Oracle
}

func (c *components) close() {
	if c.redis != nil {
		_ = c.redis.Close()
	}
	if c.store != nil {
		c.store.Close()
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// requireStore opens storage and fails when no database is configured.
func (a *App) requireStore(ctx context.Context, action string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database.dsn not configured; cannot " + action)
	}
	return store, closeStore, nil
}

func (a *App) newProfiles() publish.ProfileSource {
	cfg := a.Config.Profiles
	if cfg.File == "" && len(cfg.LeagueIDs) == 0 {
		return nil
	}
	var remote fetcher.LeagueFetcher
	if len(cfg.LeagueIDs) > 0 {
		ua := cfg.UserAgent
		if ua == "" {
			ua = version.UserAgent()
		}
		remote = fetcher.NewSleeper(fetcher.SleeperOptions{
			BaseURL:   cfg.SleeperBaseURL,
			Timeout:   cfg.RequestTimeout,
			UserAgent: ua,
		}, a.Logger)
	}
	return fetcher.NewProfileSet(cfg.File, cfg.LeagueIDs, remote, a.Logger)
}

// build wires the pipeline on top of PostgreSQL and, when configured, Redis.
func (a *App) build(ctx context.Context, action string, sched *scheduler.Scheduler) (*components, error) {
	formats, err := a.Config.Formats()
	if err != nil {
		return nil, err
	}
	store, _, err := a.requireStore(ctx, action)
	if err != nil {
		return nil, err
	}
	c := &components{store: store, metrics: metrics.New()}

	client, err := cache.NewClient(ctx, a.Config.Redis)
	if err != nil {
		c.close()
		return nil, err
	}
	var valueCache values.Cache
	if client != nil {
		c.redis = client
		valueCache = cache.New(client, a.Config.Redis.KeyPrefix, a.Config.Redis.TTL)
	} else {
		a.Logger.Debug().Msg("redis.addr not configured; value cache disabled")
	}

	cfg := a.Config
	coordinator := publish.NewCoordinator(
		store,
		valuation.NewEngine(valuationOptions(cfg.Valuation), a.Logger),
		ranking.NewAssigner(a.Logger),
		epoch.NewManager(store, a.Logger),
		a.newProfiles(),
		publish.Options{
			Formats:       formats,
			ChunkSize:     cfg.Pipeline.StagingChunkSize,
			LockKey:       cfg.Pipeline.RebuildLockKey,
			MinCoverage:   publish.DefaultOptions().MinCoverage,
			MaxEliteShare: publish.DefaultOptions().MaxEliteShare,
			MaxValue:      cfg.Valuation.MaxValue,
		},
		a.Logger,
	)

	c.service = service.New(
		service.Options{
			Formats:           formats,
			GateBatchLimit:    cfg.Pipeline.GateBatchLimit,
			SnapshotRetention: cfg.Pipeline.SnapshotRetention,
			Actor:             cfg.Pipeline.Actor,
			LockKey:           cfg.Scheduler.AdvisoryLockKey,
		},
		sched,
		store,
		quality.NewScorer(store, confidenceOptions(cfg.Confidence), a.Logger),
		quality.NewMonitor(store, monitorOptions(cfg.Monitor), a.Logger),
		coordinator,
		trend.NewEngine(store, cfg.Pipeline.TrendLookback, a.Logger),
		c.metrics,
		a.Logger,
	)
	c.reader = values.NewReader(store, valueCache, c.metrics, a.Logger)
	c.oracle = oracle.New(store, c.reader, c.metrics, a.Logger)
	return c, nil
}

func (a *App) newServer(c *components) *api.Server {
	cfg := a.Config.API
	return api.NewServer(api.Options{
		Addr:            cfg.Addr,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		EnableAdmin:     cfg.EnableAdmin,
	}, c.reader, c.store, c.service, c.oracle, c.metrics, a.Logger)
}

// RunOptions configure the long-running pipeline.
type RunOptions struct {
	// Serve also exposes the read API and /metrics next to the scheduler.
	Serve bool
}

// Run executes the scheduled pipeline until interrupted.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: true,
		TickTimeout:    a.Config.Scheduler.Interval,
	}, a.Logger)

	c, err := a.build(ctx, "run the pipeline", sched)
	if err != nil {
		return err
	}
	defer c.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting value pipeline")
		return c.service.Run(gctx)
	})
	if opts.Serve {
		server := a.newServer(c)
		g.Go(func() error { return server.Run(gctx) })
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("pipeline terminated with error")
		return err
	}

	a.Logger.Info().Msg("value pipeline stopped")
	return nil
}

// Serve runs only the read API.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := a.build(ctx, "serve values", nil)
	if err != nil {
		return err
	}
	defer c.close()
	return a.newServer(c).Run(ctx)
}

func valuationOptions(cfg config.ValuationConfig) valuation.Options {
	opts := valuation.DefaultOptions()
	opts.MaxValue = cfg.MaxValue
	opts.AgeCurveStart = cfg.AgeCurveStart
	opts.AgeCurveRate = cfg.AgeCurveRate
	opts.VORPointsPerRank = cfg.VORPointsPerRank
	opts.VORCapPct = cfg.VORCapPct
	opts.BreakoutCapFactor = cfg.BreakoutCapFactor
	if ranks := cfg.ReplacementByPosition(); len(ranks) > 0 {
		opts.ReplacementRanks = ranks
	}
	if ppg := cfg.BreakoutByPosition(); len(ppg) > 0 {
		opts.BreakoutPPG = ppg
	}
	if cfg.SuperflexQBReplacement > 0 {
		opts.SuperflexQBReplacement = cfg.SuperflexQBReplacement
	}
	return opts
}

func confidenceOptions(cfg config.ConfidenceConfig) quality.ConfidenceOptions {
	return quality.ConfidenceOptions{
		UseThreshold:       cfg.UseThreshold,
		ReviewThreshold:    cfg.ReviewThreshold,
		AgreementTolerance: cfg.AgreementTolerance,
		DefaultReliability: cfg.DefaultReliability,
	}
}

func monitorOptions(cfg config.MonitorConfig) quality.MonitorOptions {
	opts := quality.MonitorOptions{
		TeamChangeHigh:     cfg.TeamChangeHigh,
		TeamChangeCritical: cfg.TeamChangeCritical,
		ValueMoveThreshold: cfg.ValueMoveThreshold,
		ValueShiftHigh:     cfg.ValueShiftHigh,
		ValueShiftCritical: cfg.ValueShiftCritical,
		MinGroupSize:       cfg.MinGroupSize,
		OutageAfter:        cfg.OutageAfter,
		Bands:              make(map[model.Position]quality.Band),
	}
	for pos, band := range cfg.BandsByPosition() {
		opts.Bands[pos] = quality.Band{Min: band.Min, Max: band.Max}
	}
	if len(opts.Bands) == 0 {
		opts.Bands = quality.DefaultMonitorOptions().Bands
	}
	return opts
}

// ExportOptions hold parameters for exporting a player's value history.
type ExportOptions struct {
	PlayerID  string
	Format    model.Format
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Format   model.Format
	Profile  string
	Position model.Position
	Limit    int
}
