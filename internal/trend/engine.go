package trend

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"player-values/internal/model"
	"player-values/internal/storage"
)

// Store is what the trend engine reads and replaces.
type Store interface {
	ListCanonical(ctx context.Context, format model.Format, profileID string) ([]model.PlayerValueRecord, model.ValueEpoch, error)
	ListSnapshots(ctx context.Context, format model.Format, since time.Time) (map[string][]model.ValueSnapshot, error)
	ReplaceTrends(ctx context.Context, format model.Format, records []model.TrendRecord) error
}

// Summary reports one format's trend run.
type Summary struct {
	Format  model.Format           `json:"format"`
	Epoch   int64                  `json:"epoch_number"`
	Records int                    `json:"records"`
	ByTag   map[model.TrendTag]int `json:"by_tag"`
}

// Engine recomputes trend records from canonical values and snapshot history.
type Engine struct {
	store    Store
	lookback time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewEngine builds an engine reading lookback worth of history.
func NewEngine(store Store, lookback time.Duration, logger zerolog.Logger) *Engine {
	if lookback <= 0 {
		lookback = 45 * 24 * time.Hour
	}
	return &Engine{
		store:    store,
		lookback: lookback,
		logger:   logger.With().Str("component", "trend").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run recomputes every listed format. A format that fails is logged and the rest still run;
// the first error is returned.
func (e *Engine) Run(ctx context.Context, formats []model.Format) ([]Summary, error) {
	var firstErr error
	out := make([]Summary, 0, len(formats))
	for _, f := range formats {
		s, err := e.RunFormat(ctx, f)
		if err != nil {
			e.logger.Warn().Err(err).Str("format", string(f)).Msg("trend run failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, s)
	}
	return out, firstErr
}

// RunFormat replaces the format's trend records with a full recompute over the default
// profile's canonical values.
func (e *Engine) RunFormat(ctx context.Context, format model.Format) (Summary, error) {
	rows, epoch, err := e.store.ListCanonical(ctx, format, "")
	if err != nil {
		return Summary{}, fmt.Errorf("load canonical %s: %w", format, err)
	}
	now := e.now()
	history, err := e.store.ListSnapshots(ctx, format, now.Add(-e.lookback))
	if err != nil {
		return Summary{}, fmt.Errorf("load snapshots %s: %w", format, err)
	}

	summary := Summary{Format: format, Epoch: epoch.Number, ByTag: make(map[model.TrendTag]int)}
	records := make([]model.TrendRecord, 0, len(rows))
	for _, r := range rows {
		m := Measure(r.AdjustedValue, history[r.PlayerID], now)
		tag, strength := Classify(m)
		records = append(records, model.TrendRecord{
			PlayerID:       r.PlayerID,
			Format:         format,
			ValueNow:       m.ValueNow,
			Value7d:        m.Value7d,
			Value30d:       m.Value30d,
			Change7d:       m.Change7d,
			Change30d:      m.Change30d,
			Volatility:     m.Volatility,
			Tag:            tag,
			SignalStrength: strength,
			ComputedAt:     now,
		})
		summary.ByTag[tag]++
	}

	if err := e.store.ReplaceTrends(ctx, format, records); err != nil {
		return Summary{}, fmt.Errorf("replace trends %s: %w", format, err)
	}
	summary.Records = len(records)
	e.logger.Info().
		Str("format", string(format)).
		Int64("epoch_number", epoch.Number).
		Int("records", len(records)).
		Int("buy_low", summary.ByTag[model.TrendBuyLow]).
		Int("sell_high", summary.ByTag[model.TrendSellHigh]).
		Msg("trends recomputed")
	return summary, nil
}

var _ Store = (storage.Repository)(nil)
