// Package oracle cross-checks consumer read paths against canonical storage.
package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"player-values/internal/metrics"
	"player-values/internal/model"
	"player-values/internal/storage"
)

// maxDriftPercent is floating-point tolerance only; any real divergence exceeds it.
var maxDriftPercent = decimal.NewFromFloat(model.InvariantTolerancePct)

// ReadPath is a consumer-facing way of reading a value.
type ReadPath interface {
	GetValue(ctx context.Context, key model.ValueKey) (model.ValueView, error)
}

// Canonical reads canonical rows directly.
type Canonical interface {
	GetCanonical(ctx context.Context, key model.ValueKey) (model.PlayerValueRecord, model.ValueEpoch, error)
	ListCanonical(ctx context.Context, format model.Format, profileID string) ([]model.PlayerValueRecord, model.ValueEpoch, error)
}

// Check is the outcome of comparing one key.
type Check struct {
	Key           model.ValueKey `json:"key"`
	Expected      *float64       `json:"expected"`
	Actual        *float64       `json:"actual"`
	Drift         float64        `json:"drift"`
	DriftPercent  float64        `json:"drift_percent"`
	ExpectedEpoch *int64         `json:"expected_epoch"`
	ActualEpoch   *int64         `json:"actual_epoch"`
	ValueMatches  bool           `json:"value_matches"`
	EpochMatches  bool           `json:"epoch_matches"`
	Errors        []string       `json:"errors,omitempty"`
}

// Consistent reports whether both value and epoch agree.
func (c Check) Consistent() bool {
	return c.ValueMatches && c.EpochMatches
}

// Report summarises a multi-key check.
type Report struct {
	Format     model.Format `json:"format"`
	Checked    int          `json:"checked"`
	Consistent int          `json:"consistent"`
	Mismatches []Check      `json:"mismatches"`
}

// Oracle recomputes adjusted values from canonical components and compares them with a
// read path. It is a debugging tool, not part of serving.
type Oracle struct {
	canonical   Canonical
	read        ReadPath
	metrics     *metrics.Metrics
	concurrency int
	logger      zerolog.Logger
}

// New builds an oracle. m may be nil.
func New(canonical Canonical, read ReadPath, m *metrics.Metrics, logger zerolog.Logger) *Oracle {
	return &Oracle{
		canonical:   canonical,
		read:        read,
		metrics:     m,
		concurrency: 8,
		logger:      logger.With().Str("component", "oracle").Logger(),
	}
}

// CheckValue compares one key. Lookup failures are recorded on the check, never returned.
func (o *Oracle) CheckValue(ctx context.Context, key model.ValueKey) Check {
	check := Check{Key: key}

	rec, epoch, err := o.canonical.GetCanonical(ctx, key)
	switch {
	case err == nil:
		expected, _ := decimal.NewFromFloat(rec.BaseValue).
			Add(decimal.NewFromFloat(rec.ScarcityAdjustment)).
			Add(decimal.NewFromFloat(rec.LeagueAdjustment)).
			Float64()
		number := epoch.Number
		check.Expected = &expected
		check.ExpectedEpoch = &number
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrNoCurrentEpoch):
		check.Errors = append(check.Errors, "canonical: "+err.Error())
	default:
		check.Errors = append(check.Errors, fmt.Sprintf("canonical: %v", err))
	}

	view, err := o.read.GetValue(ctx, key)
	if err != nil {
		check.Errors = append(check.Errors, fmt.Sprintf("read path: %v", err))
	} else {
		actual := view.AdjustedValue
		check.Actual = &actual
		check.ActualEpoch = view.ValueEpoch
	}

	check.ValueMatches, check.Drift, check.DriftPercent = compareValues(check.Expected, check.Actual)
	check.EpochMatches = check.ExpectedEpoch != nil && check.ActualEpoch != nil &&
		*check.ExpectedEpoch == *check.ActualEpoch

	outcome := "match"
	if !check.Consistent() {
		outcome = "mismatch"
		o.logger.Warn().
			Str("key", key.String()).
			Float64("drift_percent", check.DriftPercent).
			Bool("epoch_matches", check.EpochMatches).
			Strs("errors", check.Errors).
			Msg("read path disagrees with canonical storage")
	}
	o.metrics.ObserveOracle(outcome)
	return check
}

// CheckTop checks the best limit default-profile values of a format concurrently.
func (o *Oracle) CheckTop(ctx context.Context, format model.Format, limit int) (Report, error) {
	rows, _, err := o.canonical.ListCanonical(ctx, format, "")
	if err != nil {
		return Report{}, fmt.Errorf("list canonical: %w", err)
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	checks := make([]Check, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, r := range rows {
		g.Go(func() error {
			checks[i] = o.CheckValue(gctx, r.Key())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	report := Report{Format: format, Checked: len(checks), Mismatches: []Check{}}
	for _, c := range checks {
		if c.Consistent() {
			report.Consistent++
			continue
		}
		report.Mismatches = append(report.Mismatches, c)
	}
	return report, nil
}

// compareValues treats a missing side, including both, as a mismatch.
func compareValues(expected, actual *float64) (bool, float64, float64) {
	if expected == nil || actual == nil {
		return false, 0, 0
	}
	exp := decimal.NewFromFloat(*expected)
	drift := exp.Sub(decimal.NewFromFloat(*actual)).Abs()
	driftF, _ := drift.Float64()
	if exp.IsZero() {
		if drift.IsZero() {
			return true, 0, 0
		}
		return false, driftF, 100
	}
	pct := drift.Div(exp.Abs()).Mul(decimal.NewFromInt(100))
	pctF, _ := pct.Float64()
	return pct.LessThanOrEqual(maxDriftPercent), driftF, pctF
}
