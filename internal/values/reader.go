// Package values serves published player values to readers.
package values

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"player-values/internal/metrics"
	"player-values/internal/model"
	"player-values/internal/storage"
)

// Cache is an optional read-through copy of canonical views.
type Cache interface {
	Get(ctx context.Context, epochNumber int64, key model.ValueKey) (model.ValueView, bool, error)
	Set(ctx context.Context, epochNumber int64, key model.ValueKey, view model.ValueView) error
}

// Reader answers value lookups from canonical storage. Every answer carries the epoch it
// was read from.
type Reader struct {
	store   storage.CanonicalReader
	cache   Cache
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewReader builds a reader. cache and m may be nil.
func NewReader(store storage.CanonicalReader, cache Cache, m *metrics.Metrics, logger zerolog.Logger) *Reader {
	return &Reader{
		store:   store,
		cache:   cache,
		metrics: m,
		logger:  logger.With().Str("component", "values").Logger(),
	}
}

// GetValue returns one player's value. Cache failures fall back to canonical storage.
func (r *Reader) GetValue(ctx context.Context, key model.ValueKey) (model.ValueView, error) {
	if r.cache != nil {
		if current, err := r.store.CurrentEpoch(ctx); err == nil {
			view, hit, cerr := r.cache.Get(ctx, current.Number, key)
			if cerr != nil {
				r.logger.Warn().Err(cerr).Str("key", key.String()).Msg("value cache read failed")
			}
			r.metrics.ObserveCache(hit)
			if hit {
				return view, nil
			}
		}
	}

	rec, epoch, err := r.store.GetCanonical(ctx, key)
	if err != nil {
		return model.ValueView{}, err
	}
	view := rec.View(epoch.Number)
	if r.cache != nil {
		if err := r.cache.Set(ctx, epoch.Number, key, view); err != nil {
			r.logger.Warn().Err(err).Str("key", key.String()).Msg("value cache write failed")
		}
	}
	return view, nil
}

// Canonical bypasses the cache.
func (r *Reader) Canonical(ctx context.Context, key model.ValueKey) (model.PlayerValueRecord, model.ValueEpoch, error) {
	return r.store.GetCanonical(ctx, key)
}

// RankingsQuery filters a rankings listing.
type RankingsQuery struct {
	Format    model.Format
	ProfileID string
	Position  model.Position
	Limit     int
}

// Rankings lists published values best first, all from a single epoch.
func (r *Reader) Rankings(ctx context.Context, q RankingsQuery) ([]model.ValueView, model.ValueEpoch, error) {
	if q.Format == "" {
		return nil, model.ValueEpoch{}, errors.New("format is required")
	}
	rows, epoch, err := r.store.ListCanonical(ctx, q.Format, q.ProfileID)
	if err != nil {
		return nil, model.ValueEpoch{}, fmt.Errorf("list canonical: %w", err)
	}
	out := make([]model.ValueView, 0, len(rows))
	for _, rec := range rows {
		if q.Position != "" && rec.Position != q.Position {
			continue
		}
		out = append(out, rec.View(epoch.Number))
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, epoch, nil
}
