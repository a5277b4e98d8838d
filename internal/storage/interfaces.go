package storage

import (
	"context"
	"errors"
	"time"

	"player-values/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a keyed lookup has no row.
	ErrNotFound = errors.New("storage: not found")
	// ErrNoCurrentEpoch is returned by canonical reads before the first successful swap.
	ErrNoCurrentEpoch = errors.New("storage: no current epoch")
)

// BatchStore covers raw batch bookkeeping and the ingestion interface.
type BatchStore interface {
	InsertBatch(ctx context.Context, batch model.RawBatch, signals []model.PlayerSignal) error
	GetBatch(ctx context.Context, id string) (model.RawBatch, error)
	// ListUngatedBatches returns pending batches that have never been scored, oldest first.
	ListUngatedBatches(ctx context.Context, limit int) ([]model.RawBatch, error)
	// CountAwaitingReview counts pending batches that were scored and left for a manual decision.
	CountAwaitingReview(ctx context.Context) (int, error)
	ListBatchSignals(ctx context.Context, batchID string) ([]model.PlayerSignal, error)
	CountValidationErrors(ctx context.Context, batchID string) (int, error)
	UpdateBatchOutcome(ctx context.Context, batchID string, status model.BatchStatus, confidence *float64) error
}

// SignalStore exposes accepted signals and last-validated views.
type SignalStore interface {
	// ListAcceptedSignals returns the latest signal per player for a format, drawn only
	// from completed batches.
	ListAcceptedSignals(ctx context.Context, format model.Format) ([]model.PlayerSignal, error)
	// LastValidatedPlayers returns the latest completed-batch view of the given players from source.
	LastValidatedPlayers(ctx context.Context, source string, format model.Format, playerIDs []string) (map[string]model.ValidatedPlayer, error)
	// LatestOtherSourceValues returns the latest completed-batch market values of players from
	// every source except the given one.
	LatestOtherSourceValues(ctx context.Context, source string, format model.Format, playerIDs []string) (map[string]float64, error)
}

// HealthStore tracks data source reliability.
type HealthStore interface {
	// GetSourceHealth returns ErrNotFound for unseen sources.
	GetSourceHealth(ctx context.Context, source, table string) (model.DataSourceHealth, error)
	RecordBatchOutcome(ctx context.Context, source, table string, success bool, at time.Time) (model.DataSourceHealth, error)
}

// AlertStore persists data-quality alerts.
type AlertStore interface {
	InsertAlerts(ctx context.Context, alerts []model.DataQualityAlert) error
	ListAlerts(ctx context.Context, batchID string) ([]model.DataQualityAlert, error)
}

// EpochStore allocates and closes value epochs.
type EpochStore interface {
	// AllocateEpoch must hand out collision-free, never reused epoch numbers.
	AllocateEpoch(ctx context.Context, reason, actor string) (model.ValueEpoch, error)
	CompleteEpoch(ctx context.Context, id int64, playersProcessed int) error
	FailEpoch(ctx context.Context, id int64) error
	GetEpoch(ctx context.Context, id int64) (model.ValueEpoch, error)
}

// StagingStore is the scratch workspace of an in-progress rebuild.
type StagingStore interface {
	ClearStaging(ctx context.Context) error
	WriteStaging(ctx context.Context, rows []model.PlayerValueRecord) error
	ListStaging(ctx context.Context, epochID int64) ([]model.PlayerValueRecord, error)
}

// StateStore reads and writes the single authoritative system state record.
type StateStore interface {
	SystemState(ctx context.Context) (model.SystemState, error)
	SetOperatingMode(ctx context.Context, mode model.OperatingMode, actor string) error
}

// CanonicalReader serves the published value set. Every call observes one epoch.
type CanonicalReader interface {
	CurrentEpoch(ctx context.Context) (model.ValueEpoch, error)
	GetCanonical(ctx context.Context, key model.ValueKey) (model.PlayerValueRecord, model.ValueEpoch, error)
	ListCanonical(ctx context.Context, format model.Format, profileID string) ([]model.PlayerValueRecord, model.ValueEpoch, error)
	CanonicalCount(ctx context.Context) (int, error)
}

// CanonicalWriter is the sole write path to canonical storage.
type CanonicalWriter interface {
	// SwapCanonical atomically publishes the staged rows of epochID.
	SwapCanonical(ctx context.Context, epochID int64) error
	// RollbackCanonical re-points readers away from epochID if it was published and drops its rows.
	RollbackCanonical(ctx context.Context, epochID int64) error
	// RetainedEpochs lists the epochs that still have physical canonical rows.
	RetainedEpochs(ctx context.Context) ([]int64, error)
}

// SnapshotStore holds the append-only value history.
type SnapshotStore interface {
	// AppendSnapshots keeps the first snapshot per (player, format, captured_at).
	AppendSnapshots(ctx context.Context, snapshots []model.ValueSnapshot) error
	ListSnapshots(ctx context.Context, format model.Format, since time.Time) (map[string][]model.ValueSnapshot, error)
	ListPlayerSnapshots(ctx context.Context, playerID string, format model.Format, from, to time.Time) ([]model.ValueSnapshot, error)
	PruneSnapshots(ctx context.Context, before time.Time) (int64, error)
}

// TrendStore holds the latest trend run per format.
type TrendStore interface {
	// ReplaceTrends discards the previous run for the format and stores records.
	ReplaceTrends(ctx context.Context, format model.Format, records []model.TrendRecord) error
	ListTrends(ctx context.Context, format model.Format, tag *model.TrendTag, limit int) ([]model.TrendRecord, error)
}

// AdvisoryLocker exposes cross-process lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository is everything the pipeline needs from storage.
type Repository interface {
	BatchStore
	SignalStore
	HealthStore
	AlertStore
	EpochStore
	StagingStore
	StateStore
	CanonicalReader
	CanonicalWriter
	SnapshotStore
	TrendStore
	Close()
}
