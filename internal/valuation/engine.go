// Package valuation turns accepted signals into base and adjusted player values.
package valuation

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"player-values/internal/model"
)

// Options parameterises the engine.
type Options struct {
	MaxValue               float64
	AgeCurveStart          float64
	AgeCurveRate           float64
	VORPointsPerRank       float64
	VORCapPct              float64
	BreakoutCapFactor      float64
	BreakoutPPG            map[model.Position]float64
	ReplacementRanks       map[model.Position]int
	SuperflexQBReplacement int
}

// DefaultOptions mirrors the shipped configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxValue:          10000,
		AgeCurveStart:     28,
		AgeCurveRate:      0.04,
		VORPointsPerRank:  40,
		VORCapPct:         0.25,
		BreakoutCapFactor: 0.4,
		BreakoutPPG: map[model.Position]float64{
			model.PositionQB: 22,
			model.PositionRB: 18,
			model.PositionWR: 17,
			model.PositionTE: 13,
		},
		ReplacementRanks: map[model.Position]int{
			model.PositionQB:  12,
			model.PositionRB:  24,
			model.PositionWR:  30,
			model.PositionTE:  12,
			model.PositionK:   12,
			model.PositionDEF: 12,
			model.PositionDL:  24,
			model.PositionLB:  30,
			model.PositionDB:  24,
		},
		SuperflexQBReplacement: 24,
	}
}

// PlayerError is a per-player compute failure. It never aborts a run.
type PlayerError struct {
	PlayerID string
	Format   model.Format
	Err      error
}

func (e *PlayerError) Error() string {
	return fmt.Sprintf("compute %s/%s: %v", e.PlayerID, e.Format, e.Err)
}

func (e *PlayerError) Unwrap() error { return e.Err }

// Input is everything one format's computation needs.
type Input struct {
	Format   model.Format
	EpochID  int64
	Signals  []model.PlayerSignal
	Profiles []model.LeagueProfile
	// BatchConfidence maps batch ids to their confidence score; missing batches count as 1.
	BatchConfidence map[string]float64
}

// Engine computes value records.
type Engine struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// NewEngine builds an engine.
func NewEngine(opts Options, logger zerolog.Logger) *Engine {
	return &Engine{
		opts:   opts,
		logger: logger.With().Str("component", "valuation").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type computed struct {
	sig      model.PlayerSignal
	base     float64
	posRank  int
	breakout bool
}

// Compute produces one default-profile record per player plus one record per player
// for every league profile of the format. Ranks are left for the rank assigner.
func (e *Engine) Compute(in Input) ([]model.PlayerValueRecord, []error) {
	var errs []error
	players := make([]*computed, 0, len(in.Signals))
	seen := make(map[string]struct{}, len(in.Signals))
	for _, sig := range in.Signals {
		if _, dup := seen[sig.PlayerID]; dup {
			continue
		}
		seen[sig.PlayerID] = struct{}{}
		base, err := e.BaseValue(sig)
		if err != nil {
			perr := &PlayerError{PlayerID: sig.PlayerID, Format: in.Format, Err: err}
			e.logger.Warn().Err(err).Str("player_id", sig.PlayerID).Str("format", string(in.Format)).Msg("player skipped")
			errs = append(errs, perr)
			continue
		}
		players = append(players, &computed{sig: sig, base: base, breakout: e.breakoutProtected(sig)})
	}

	assignPositionRanks(players)

	now := e.now()
	profiles := profilesFor(in.Format, in.Profiles)
	out := make([]model.PlayerValueRecord, 0, len(players)*(1+len(profiles)))
	for _, p := range players {
		scarcity := e.ScarcityAdjustment(in.Format, p.sig.Position, p.base, p.posRank, p.breakout)
		confidence := 1.0
		if score, ok := in.BatchConfidence[p.sig.BatchID]; ok {
			confidence = score
		}
		rec := model.PlayerValueRecord{
			PlayerID:           p.sig.PlayerID,
			FullName:           p.sig.FullName,
			Position:           p.sig.Position,
			Team:               p.sig.Team,
			Format:             in.Format,
			BaseValue:          p.base,
			MarketValue:        p.sig.MarketValue,
			ScarcityAdjustment: scarcity,
			EpochID:            in.EpochID,
			Confidence:         confidence,
			UpdatedAt:          now,
		}
		rec.AdjustedValue = rec.ExpectedAdjusted()
		rec.Tier = model.TierFor(rec.AdjustedValue)
		out = append(out, rec)

		for _, profile := range profiles {
			prow := rec
			prow.LeagueProfileID = profile.ID
			prow.LeagueAdjustment = p.base * (LeagueMultiplier(p.sig.Position, profile.Scoring) - 1)
			prow.AdjustedValue = prow.ExpectedAdjusted()
			prow.Tier = model.TierFor(prow.AdjustedValue)
			out = append(out, prow)
		}
	}
	return out, errs
}

// BaseValue is the market value when present, else a heuristic estimate, after the
// age curve and clamped to [0, MaxValue].
func (e *Engine) BaseValue(sig model.PlayerSignal) (float64, error) {
	if _, err := model.ParsePosition(string(sig.Position)); err != nil {
		return 0, err
	}
	var base float64
	if sig.MarketValue != nil {
		base = *sig.MarketValue
	} else {
		base = HeuristicValue(sig)
	}
	if math.IsNaN(base) || math.IsInf(base, 0) {
		return 0, fmt.Errorf("non-finite base value")
	}
	base *= e.AgeCurve(sig.Age)
	return e.clamp(base), nil
}

// AgeCurve is the multiplicative decline applied above the curve start age.
func (e *Engine) AgeCurve(age *float64) float64 {
	if age == nil || *age <= e.opts.AgeCurveStart {
		return 1.0
	}
	return math.Max(0, 1-e.opts.AgeCurveRate*(*age-e.opts.AgeCurveStart))
}

// ReplacementRank is the positional rank of a freely available starter.
func (e *Engine) ReplacementRank(format model.Format, pos model.Position) int {
	if pos == model.PositionQB && format.Superflex() && e.opts.SuperflexQBReplacement > 0 {
		return e.opts.SuperflexQBReplacement
	}
	return e.opts.ReplacementRanks[pos]
}

// ScarcityAdjustment is the value-over-replacement adjustment, capped relative to base.
// Breakout-protected players get a tighter cap on penalties only.
func (e *Engine) ScarcityAdjustment(format model.Format, pos model.Position, base float64, posRank int, breakout bool) float64 {
	replacement := e.ReplacementRank(format, pos)
	if replacement <= 0 || posRank <= 0 {
		return 0
	}
	adj := e.opts.VORPointsPerRank * float64(replacement-posRank)
	limit := e.opts.VORCapPct * base
	if adj < 0 && breakout {
		limit *= e.opts.BreakoutCapFactor
	}
	return math.Max(-limit, math.Min(limit, adj))
}

func (e *Engine) breakoutProtected(sig model.PlayerSignal) bool {
	threshold, ok := e.opts.BreakoutPPG[sig.Position]
	if !ok || threshold <= 0 || sig.RecentPPG == nil {
		return false
	}
	return *sig.RecentPPG >= threshold
}

func (e *Engine) clamp(v float64) float64 {
	return math.Max(0, math.Min(e.opts.MaxValue, v))
}

// assignPositionRanks orders players by base value within each position.
func assignPositionRanks(players []*computed) {
	byPos := make(map[model.Position][]*computed)
	for _, p := range players {
		byPos[p.sig.Position] = append(byPos[p.sig.Position], p)
	}
	for _, group := range byPos {
		sort.Slice(group, func(i, j int) bool {
			if group[i].base != group[j].base {
				return group[i].base > group[j].base
			}
			return group[i].sig.PlayerID < group[j].sig.PlayerID
		})
		for i, p := range group {
			p.posRank = i + 1
		}
	}
}

func profilesFor(format model.Format, profiles []model.LeagueProfile) []model.LeagueProfile {
	out := make([]model.LeagueProfile, 0, len(profiles))
	for _, p := range profiles {
		if p.ID != "" && p.Format == format {
			out = append(out, p)
		}
	}
	return out
}
