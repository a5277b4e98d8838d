// Package publish rebuilds the value set and atomically swaps it into canonical storage.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"player-values/internal/epoch"
	"player-values/internal/model"
	"player-values/internal/ranking"
	"player-values/internal/storage"
	"player-values/internal/valuation"
)

var (
	// ErrRebuildInProgress rejects a rebuild while another one holds the run-lock.
	ErrRebuildInProgress = errors.New("publish: rebuild already in progress")
	// ErrModeNotNormal rejects a rebuild outside normal operating mode.
	ErrModeNotNormal = errors.New("publish: operating mode is not normal")
	// ErrSwapFailed means the canonical swap failed; the previous epoch is still served.
	ErrSwapFailed = errors.New("publish: canonical swap failed")
)

// Store is the storage the coordinator drives.
type Store interface {
	storage.Repository
	storage.AdvisoryLocker
}

// ProfileSource supplies league profiles for league adjustments.
type ProfileSource interface {
	Profiles(ctx context.Context) ([]model.LeagueProfile, error)
}

// Options tunes a rebuild.
type Options struct {
	Formats       []model.Format
	ChunkSize     int
	LockKey       int64
	MinCoverage   float64
	MaxEliteShare float64
	MaxValue      float64
}

// DefaultOptions mirrors the shipped configuration defaults.
func DefaultOptions() Options {
	return Options{
		Formats: []model.Format{
			model.FormatDynastySF,
			model.FormatDynasty1QB,
			model.FormatRedraftSF,
			model.FormatRedraft1QB,
		},
		ChunkSize:     500,
		LockKey:       0x706c7632,
		MinCoverage:   0.9,
		MaxEliteShare: 0.12,
		MaxValue:      10000,
	}
}

// Result reports one rebuild.
type Result struct {
	RunID            string     `json:"run_id"`
	Success          bool       `json:"success"`
	EpochID          int64      `json:"epoch_id"`
	EpochNumber      int64      `json:"epoch_number"`
	PlayersProcessed int        `json:"players_processed"`
	RowsStaged       int        `json:"rows_staged"`
	Validation       Validation `json:"validation"`
	DurationMS       int64      `json:"duration_ms"`
	Errors           []string   `json:"errors"`
}

// Coordinator owns the only write path to canonical storage.
type Coordinator struct {
	store    Store
	engine   *valuation.Engine
	ranker   *ranking.Assigner
	epochs   *epoch.Manager
	profiles ProfileSource
	opts     Options
	logger   zerolog.Logger

	running sync.Mutex
	now     func() time.Time
}

// NewCoordinator wires a coordinator. profiles may be nil.
func NewCoordinator(
	store Store,
	engine *valuation.Engine,
	ranker *ranking.Assigner,
	epochs *epoch.Manager,
	profiles ProfileSource,
	opts Options,
	logger zerolog.Logger,
) *Coordinator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 500
	}
	return &Coordinator{
		store:    store,
		engine:   engine,
		ranker:   ranker,
		epochs:   epochs,
		profiles: profiles,
		opts:     opts,
		logger:   logger.With().Str("component", "publish").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Rebuild recomputes every format and publishes the result as a new epoch. It returns an
// error only when a precondition fails or the swap cannot be completed; everything else
// is reported in Result.Errors. Readers keep seeing the previous epoch until the swap.
func (c *Coordinator) Rebuild(ctx context.Context, reason, actor string) (Result, error) {
	started := c.now()
	result := Result{RunID: uuid.NewString(), Errors: []string{}}
	err := c.rebuild(ctx, reason, actor, &result)
	result.DurationMS = c.now().Sub(started).Milliseconds()
	return result, err
}

func (c *Coordinator) rebuild(ctx context.Context, reason, actor string, result *Result) error {
	log := c.logger.With().Str("run_id", result.RunID).Logger()

	unlock, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	state, err := c.store.SystemState(ctx)
	if err != nil {
		return fmt.Errorf("read system state: %w", err)
	}
	if state.Mode != model.ModeNormal {
		return fmt.Errorf("%w: %s", ErrModeNotNormal, state.Mode)
	}

	e, err := c.epochs.Create(ctx, reason, actor)
	if err != nil {
		return fmt.Errorf("create epoch: %w", err)
	}
	result.EpochID = e.ID
	result.EpochNumber = e.Number
	log = log.With().Int64("epoch_id", e.ID).Int64("epoch_number", e.Number).Logger()

	if err := c.store.ClearStaging(ctx); err != nil {
		c.abandon(ctx, result, log, fmt.Errorf("clear staging: %w", err))
		return nil
	}

	profiles := c.loadProfiles(ctx, result, log)

	staged := 0
	for _, format := range c.opts.Formats {
		rows := c.computeFormat(ctx, format, e.ID, profiles, result, log)
		if err := c.stage(ctx, rows); err != nil {
			c.abandon(ctx, result, log, fmt.Errorf("stage %s: %w", format, err))
			return nil
		}
		staged += len(rows)
	}
	result.RowsStaged = staged
	if staged == 0 {
		c.abandon(ctx, result, log, errors.New("nothing to publish: no rows were staged"))
		return nil
	}

	stagedRows, err := c.store.ListStaging(ctx, e.ID)
	if err != nil {
		c.abandon(ctx, result, log, fmt.Errorf("read staging: %w", err))
		return nil
	}
	previous, err := c.store.CanonicalCount(ctx)
	if err != nil {
		c.abandon(ctx, result, log, fmt.Errorf("count canonical: %w", err))
		return nil
	}
	result.Validation = Validate(stagedRows, previous, c.opts)
	for _, w := range result.Validation.Warnings {
		log.Warn().Str("check", "validation").Msg(w)
	}

	if err := c.store.SwapCanonical(ctx, e.ID); err != nil {
		log.Error().Err(err).Msg("canonical swap failed, rolling back")
		result.Errors = append(result.Errors, err.Error())
		if rbErr := c.store.RollbackCanonical(ctx, e.ID); rbErr != nil {
			log.Error().Err(rbErr).Msg("rollback failed")
			result.Errors = append(result.Errors, "rollback: "+rbErr.Error())
		}
		if failErr := c.epochs.Fail(ctx, e.ID); failErr != nil {
			result.Errors = append(result.Errors, failErr.Error())
		}
		return fmt.Errorf("%w: %v", ErrSwapFailed, err)
	}

	players := distinctPlayers(stagedRows)
	result.PlayersProcessed = players
	result.Success = true
	if err := c.epochs.Complete(ctx, e.ID, players); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	if err := c.store.AppendSnapshots(ctx, snapshotsOf(stagedRows, snapshotDay(c.now()))); err != nil {
		log.Warn().Err(err).Msg("snapshot append failed")
		result.Errors = append(result.Errors, fmt.Sprintf("append snapshots: %v", err))
	}

	log.Info().
		Int("players", players).
		Int("rows", staged).
		Bool("validation_passed", result.Validation.Passed).
		Int("errors", len(result.Errors)).
		Msg("epoch published")
	return nil
}

// acquire takes the in-process and the cross-process run-lock without waiting.
func (c *Coordinator) acquire(ctx context.Context) (func(), error) {
	if !c.running.TryLock() {
		return nil, ErrRebuildInProgress
	}
	release, ok, err := c.store.TryAdvisoryLock(ctx, c.opts.LockKey)
	if err != nil {
		c.running.Unlock()
		return nil, fmt.Errorf("acquire rebuild lock: %w", err)
	}
	if !ok {
		c.running.Unlock()
		return nil, ErrRebuildInProgress
	}
	return func() {
		release()
		c.running.Unlock()
	}, nil
}

func (c *Coordinator) loadProfiles(ctx context.Context, result *Result, log zerolog.Logger) []model.LeagueProfile {
	if c.profiles == nil {
		return nil
	}
	profiles, err := c.profiles.Profiles(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("league profiles unavailable, publishing default profile only")
		result.Errors = append(result.Errors, fmt.Sprintf("load profiles: %v", err))
		return nil
	}
	return profiles
}

func (c *Coordinator) computeFormat(ctx context.Context, format model.Format, epochID int64, profiles []model.LeagueProfile, result *Result, log zerolog.Logger) []model.PlayerValueRecord {
	signals, err := c.store.ListAcceptedSignals(ctx, format)
	if err != nil {
		log.Warn().Err(err).Str("format", string(format)).Msg("load signals failed")
		result.Errors = append(result.Errors, fmt.Sprintf("load %s signals: %v", format, err))
		return nil
	}
	computed, errs := c.engine.Compute(valuation.Input{
		Format:          format,
		EpochID:         epochID,
		Signals:         signals,
		Profiles:        profiles,
		BatchConfidence: c.batchConfidence(ctx, signals),
	})
	for _, err := range errs {
		result.Errors = append(result.Errors, err.Error())
	}
	ranked, errs := c.ranker.Assign(computed)
	for _, err := range errs {
		result.Errors = append(result.Errors, err.Error())
	}
	return ranked
}

func (c *Coordinator) batchConfidence(ctx context.Context, signals []model.PlayerSignal) map[string]float64 {
	out := make(map[string]float64)
	for _, sig := range signals {
		if _, done := out[sig.BatchID]; done {
			continue
		}
		score := 1.0
		if b, err := c.store.GetBatch(ctx, sig.BatchID); err == nil && b.ConfidenceScore != nil {
			score = *b.ConfidenceScore
		}
		out[sig.BatchID] = score
	}
	return out
}

// stage writes rows in bounded chunks.
func (c *Coordinator) stage(ctx context.Context, rows []model.PlayerValueRecord) error {
	for start := 0; start < len(rows); start += c.opts.ChunkSize {
		end := start + c.opts.ChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := c.store.WriteStaging(ctx, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// abandon fails the epoch without touching canonical storage. Staging is left for inspection.
func (c *Coordinator) abandon(ctx context.Context, result *Result, log zerolog.Logger, cause error) {
	log.Error().Err(cause).Msg("rebuild abandoned before swap")
	result.Errors = append(result.Errors, cause.Error())
	if err := c.epochs.Fail(ctx, result.EpochID); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
}

func distinctPlayers(rows []model.PlayerValueRecord) int {
	ids := make(map[string]struct{})
	for _, r := range rows {
		ids[r.PlayerID] = struct{}{}
	}
	return len(ids)
}

// snapshotDay is the UTC midnight snapshots are captured at, so the history holds at
// most one point per player and day however often rebuilds run.
func snapshotDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

func snapshotsOf(rows []model.PlayerValueRecord, at time.Time) []model.ValueSnapshot {
	out := make([]model.ValueSnapshot, 0, len(rows))
	for _, r := range rows {
		if r.LeagueProfileID != "" {
			continue
		}
		out = append(out, model.ValueSnapshot{
			PlayerID:   r.PlayerID,
			Format:     r.Format,
			Value:      r.AdjustedValue,
			CapturedAt: at,
		})
	}
	return out
}
