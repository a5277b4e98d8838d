// Package service runs the value pipeline: gate pending batches, rebuild, recompute trends.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"player-values/internal/metrics"
	"player-values/internal/model"
	"player-values/internal/publish"
	"player-values/internal/quality"
	"player-values/internal/scheduler"
	"player-values/internal/storage"
	"player-values/internal/trend"
)

// Options configure a pipeline run.
type Options struct {
	Formats           []model.Format
	GateBatchLimit    int
	SnapshotRetention time.Duration
	Actor             string
	// LockKey guards whole pipeline runs across processes; zero disables it.
	LockKey int64
}

// Service orchestrates gating, publishing, and trend derivation.
type Service struct {
	scheduler   *scheduler.Scheduler
	store       storage.Repository
	scorer      *quality.Scorer
	monitor     *quality.Monitor
	coordinator *publish.Coordinator
	trends      *trend.Engine
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	opts   Options
	locker storage.AdvisoryLocker
	now    func() time.Time
}

// New constructs the pipeline service. sched and m may be nil.
func New(
	opts Options,
	sched *scheduler.Scheduler,
	store storage.Repository,
	scorer *quality.Scorer,
	monitor *quality.Monitor,
	coordinator *publish.Coordinator,
	trends *trend.Engine,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}
	if opts.GateBatchLimit <= 0 {
		opts.GateBatchLimit = 100
	}
	if opts.Actor == "" {
		opts.Actor = "scheduler"
	}

	return &Service{
		scheduler:   sched,
		store:       store,
		scorer:      scorer,
		monitor:     monitor,
		coordinator: coordinator,
		trends:      trends,
		metrics:     m,
		logger:      logger.With().Str("component", "service").Logger(),
		opts:        opts,
		locker:      locker,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run 启动定时流水线循环。
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick 执行单个调度周期的流水线; 其他进程持有运行锁时直接跳过。
func (s *Service) ProcessTick(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip run because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	_, err = s.RunPipeline(ctx, "scheduled")
	return err
}

// PipelineReport is the outcome of one full pass.
type PipelineReport struct {
	Gate            GateReport      `json:"gate"`
	Rebuild         *publish.Result `json:"rebuild,omitempty"`
	Trends          []trend.Summary `json:"trends"`
	SnapshotsPruned int64           `json:"snapshots_pruned"`
	Errors          []string        `json:"errors"`
}

// RunPipeline gates pending batches, rebuilds, recomputes trends and prunes history. Only
// a failed swap is returned as an error; everything else is reported.
func (s *Service) RunPipeline(ctx context.Context, reason string) (PipelineReport, error) {
	report := PipelineReport{Errors: []string{}}

	gate, err := s.Gate(ctx)
	report.Gate = gate
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	}

	res, err := s.Rebuild(ctx, reason, s.opts.Actor)
	report.Rebuild = &res
	switch {
	case errors.Is(err, publish.ErrSwapFailed):
		return report, err
	case err != nil:
		s.logger.Warn().Err(err).Msg("rebuild skipped")
		report.Errors = append(report.Errors, err.Error())
	}

	summaries, err := s.RecomputeTrends(ctx)
	report.Trends = summaries
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	}

	if s.opts.SnapshotRetention > 0 {
		pruned, err := s.store.PruneSnapshots(ctx, s.now().Add(-s.opts.SnapshotRetention))
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("prune snapshots: %v", err))
		} else if pruned > 0 {
			s.logger.Info().Int64("pruned", pruned).Msg("old snapshots pruned")
		}
		report.SnapshotsPruned = pruned
	}
	return report, nil
}

// Rebuild publishes a new epoch and records the attempt.
func (s *Service) Rebuild(ctx context.Context, reason, actor string) (publish.Result, error) {
	res, err := s.coordinator.Rebuild(ctx, reason, actor)
	outcome := "success"
	switch {
	case errors.Is(err, publish.ErrRebuildInProgress):
		outcome = "rejected"
	case errors.Is(err, publish.ErrModeNotNormal):
		outcome = "refused"
	case err != nil:
		outcome = "error"
	case !res.Success:
		outcome = "failed"
	}
	s.metrics.ObserveRebuild(outcome, time.Duration(res.DurationMS)*time.Millisecond, res.PlayersProcessed, res.EpochNumber)
	return res, err
}

// RecomputeTrends replaces the trend records of every configured format.
func (s *Service) RecomputeTrends(ctx context.Context) ([]trend.Summary, error) {
	summaries, err := s.trends.Run(ctx, s.opts.Formats)
	for _, sum := range summaries {
		for _, tag := range []model.TrendTag{model.TrendBuyLow, model.TrendSellHigh, model.TrendRising, model.TrendFalling, model.TrendStable} {
			s.metrics.SetTrendCount(string(sum.Format), string(tag), sum.ByTag[tag])
		}
	}
	return summaries, err
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
