// Package epoch allocates and closes value epochs.
package epoch

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"player-values/internal/model"
	"player-values/internal/storage"
)

// Manager hands out epochs. Numbering is delegated to the store, which must serialise
// concurrent allocations and never reuse a number.
type Manager struct {
	store  storage.EpochStore
	logger zerolog.Logger
}

// NewManager builds a manager.
func NewManager(store storage.EpochStore, logger zerolog.Logger) *Manager {
	return &Manager{store: store, logger: logger.With().Str("component", "epoch").Logger()}
}

// Create allocates a pending epoch.
func (m *Manager) Create(ctx context.Context, reason, actor string) (model.ValueEpoch, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.ValueEpoch{}, fmt.Errorf("create epoch: reason is required")
	}
	if strings.TrimSpace(actor) == "" {
		actor = "system"
	}
	e, err := m.store.AllocateEpoch(ctx, reason, actor)
	if err != nil {
		return model.ValueEpoch{}, err
	}
	m.logger.Info().
		Int64("epoch_id", e.ID).
		Int64("epoch_number", e.Number).
		Str("reason", reason).
		Str("actor", actor).
		Msg("epoch created")
	return e, nil
}

// Complete records the number of players published with the epoch.
func (m *Manager) Complete(ctx context.Context, id int64, playersProcessed int) error {
	if err := m.store.CompleteEpoch(ctx, id, playersProcessed); err != nil {
		return fmt.Errorf("complete epoch %d: %w", id, err)
	}
	return nil
}

// Fail marks an epoch that will never be published.
func (m *Manager) Fail(ctx context.Context, id int64) error {
	if err := m.store.FailEpoch(ctx, id); err != nil {
		return fmt.Errorf("fail epoch %d: %w", id, err)
	}
	m.logger.Warn().Int64("epoch_id", id).Msg("epoch failed")
	return nil
}

// Get returns an epoch by id.
func (m *Manager) Get(ctx context.Context, id int64) (model.ValueEpoch, error) {
	return m.store.GetEpoch(ctx, id)
}
