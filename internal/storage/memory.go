package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"player-values/internal/model"
)

// canonicalSet is one published generation. It is never mutated after being stored.
type canonicalSet struct {
	epoch model.ValueEpoch
	rows  map[model.ValueKey]model.PlayerValueRecord
}

// MemoryStore is an in-process Repository. Canonical reads are served from an
// atomically swapped generation pointer and never wait on the writer mutex.
type MemoryStore struct {
	mu sync.Mutex

	batches          map[string]model.RawBatch
	batchSeq         map[string]int
	signals          map[string][]model.PlayerSignal
	validationErrors map[string]int
	health           map[string]model.DataSourceHealth
	alerts           []model.DataQualityAlert

	epochs      map[int64]model.ValueEpoch
	lastEpochID int64
	lastNumber  int64

	staging  []model.PlayerValueRecord
	retained map[int64]map[model.ValueKey]model.PlayerValueRecord
	state    model.SystemState

	published atomic.Pointer[canonicalSet]

	snapshots []model.ValueSnapshot
	trends    map[model.Format][]model.TrendRecord
	locks     map[int64]bool

	now func() time.Time
}

// NewMemoryStore returns an empty store in normal operating mode.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:          make(map[string]model.RawBatch),
		batchSeq:         make(map[string]int),
		signals:          make(map[string][]model.PlayerSignal),
		validationErrors: make(map[string]int),
		health:           make(map[string]model.DataSourceHealth),
		epochs:           make(map[int64]model.ValueEpoch),
		retained:         make(map[int64]map[model.ValueKey]model.PlayerValueRecord),
		state:            model.SystemState{Mode: model.ModeNormal},
		trends:           make(map[model.Format][]model.TrendRecord),
		locks:            make(map[int64]bool),
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() {}

// SetValidationErrors records how many validation errors the producer logged for a batch.
func (m *MemoryStore) SetValidationErrors(batchID string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validationErrors[batchID] = count
}

// SetSourceHealth seeds a source health record.
func (m *MemoryStore) SetSourceHealth(h model.DataSourceHealth) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health[healthKey(h.Source, h.TableName)] = h
}

// TryAdvisoryLock emulates a non-blocking advisory lock within the process.
func (m *MemoryStore) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return nil, false, nil
	}
	m.locks[key] = true
	return func() {
		m.mu.Lock()
		delete(m.locks, key)
		m.mu.Unlock()
	}, true, nil
}

// InsertBatch stores a batch and its rows. Re-inserting an id replaces it.
func (m *MemoryStore) InsertBatch(_ context.Context, batch model.RawBatch, signals []model.PlayerSignal) error {
	if batch.ID == "" {
		return fmt.Errorf("insert batch: empty batch id")
	}
	if batch.Status == "" {
		batch.Status = model.BatchPending
	}
	if !batch.Status.Valid() {
		return fmt.Errorf("insert batch: invalid status %q", batch.Status)
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batchSeq[batch.ID]; !ok {
		m.batchSeq[batch.ID] = len(m.batchSeq)
	}
	m.batches[batch.ID] = batch
	rows := make([]model.PlayerSignal, len(signals))
	for i, s := range signals {
		s.BatchID = batch.ID
		s.Source = batch.Source
		if s.CapturedAt.IsZero() {
			s.CapturedAt = batch.CreatedAt
		}
		rows[i] = s
	}
	m.signals[batch.ID] = rows
	return nil
}

// GetBatch returns a batch by id.
func (m *MemoryStore) GetBatch(_ context.Context, id string) (model.RawBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return model.RawBatch{}, ErrNotFound
	}
	return b, nil
}

// ListUngatedBatches lists unscored pending batches in creation order.
func (m *MemoryStore) ListUngatedBatches(_ context.Context, limit int) ([]model.RawBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.RawBatch, 0)
	for _, b := range m.batches {
		if b.Status == model.BatchPending && b.ConfidenceScore == nil {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return m.batchSeq[out[i].ID] < m.batchSeq[out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountAwaitingReview counts scored batches still pending.
func (m *MemoryStore) CountAwaitingReview(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		if b.Status == model.BatchPending && b.ConfidenceScore != nil {
			n++
		}
	}
	return n, nil
}

// ListBatchSignals returns the rows of a batch.
func (m *MemoryStore) ListBatchSignals(_ context.Context, batchID string) ([]model.PlayerSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[batchID]; !ok {
		return nil, ErrNotFound
	}
	return append([]model.PlayerSignal(nil), m.signals[batchID]...), nil
}

// CountValidationErrors returns the logged validation error count for a batch.
func (m *MemoryStore) CountValidationErrors(_ context.Context, batchID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validationErrors[batchID], nil
}

// UpdateBatchOutcome sets status and confidence on a batch.
func (m *MemoryStore) UpdateBatchOutcome(_ context.Context, batchID string, status model.BatchStatus, confidence *float64) error {
	if !status.Valid() {
		return fmt.Errorf("update batch outcome: invalid status %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return ErrNotFound
	}
	b.Status = status
	if confidence != nil {
		score := *confidence
		b.ConfidenceScore = &score
	}
	if status.Terminal() {
		ts := m.now()
		b.ProcessedAt = &ts
	}
	m.batches[batchID] = b
	return nil
}

// ListAcceptedSignals returns the latest completed-batch signal per player for format.
func (m *MemoryStore) ListAcceptedSignals(_ context.Context, format model.Format) ([]model.PlayerSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := m.latestSignals(func(b model.RawBatch) bool { return true }, format, nil)
	out := make([]model.PlayerSignal, 0, len(latest))
	for _, s := range latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out, nil
}

// LastValidatedPlayers returns the latest completed view per player from source.
func (m *MemoryStore) LastValidatedPlayers(_ context.Context, source string, format model.Format, playerIDs []string) (map[string]model.ValidatedPlayer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := m.latestSignals(func(b model.RawBatch) bool { return b.Source == source }, format, idSet(playerIDs))
	out := make(map[string]model.ValidatedPlayer, len(latest))
	for id, s := range latest {
		out[id] = model.ValidatedPlayer{PlayerID: id, Position: s.Position, Team: s.Team, Value: s.MarketValue}
	}
	return out, nil
}

// LatestOtherSourceValues returns market values reported by other sources.
func (m *MemoryStore) LatestOtherSourceValues(_ context.Context, source string, format model.Format, playerIDs []string) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := m.latestSignals(func(b model.RawBatch) bool { return b.Source != source }, format, idSet(playerIDs))
	out := make(map[string]float64, len(latest))
	for id, s := range latest {
		if s.MarketValue != nil {
			out[id] = *s.MarketValue
		}
	}
	return out, nil
}

// latestSignals must be called with mu held.
func (m *MemoryStore) latestSignals(include func(model.RawBatch) bool, format model.Format, ids map[string]struct{}) map[string]model.PlayerSignal {
	latest := make(map[string]model.PlayerSignal)
	seq := make(map[string]int)
	for batchID, rows := range m.signals {
		b := m.batches[batchID]
		if b.Status != model.BatchCompleted || !include(b) {
			continue
		}
		for _, s := range rows {
			if s.Format != format {
				continue
			}
			if ids != nil {
				if _, ok := ids[s.PlayerID]; !ok {
					continue
				}
			}
			prev, ok := latest[s.PlayerID]
			if ok {
				if s.CapturedAt.Before(prev.CapturedAt) {
					continue
				}
				if s.CapturedAt.Equal(prev.CapturedAt) && m.batchSeq[batchID] < seq[s.PlayerID] {
					continue
				}
			}
			latest[s.PlayerID] = s
			seq[s.PlayerID] = m.batchSeq[batchID]
		}
	}
	return latest
}

// GetSourceHealth returns ErrNotFound for unseen sources.
func (m *MemoryStore) GetSourceHealth(_ context.Context, source, table string) (model.DataSourceHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[healthKey(source, table)]
	if !ok {
		return model.DataSourceHealth{}, ErrNotFound
	}
	return h, nil
}

// RecordBatchOutcome folds a batch outcome into the source's health.
func (m *MemoryStore) RecordBatchOutcome(_ context.Context, source, table string, success bool, at time.Time) (model.DataSourceHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := healthKey(source, table)
	h, ok := m.health[key]
	if !ok {
		h = model.DataSourceHealth{Source: source, TableName: table}
	}
	h.Record(success, at)
	m.health[key] = h
	return h, nil
}

// InsertAlerts appends alerts.
func (m *MemoryStore) InsertAlerts(_ context.Context, alerts []model.DataQualityAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alerts...)
	return nil
}

// ListAlerts returns alerts raised against a batch; an empty id lists every alert.
func (m *MemoryStore) ListAlerts(_ context.Context, batchID string) ([]model.DataQualityAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.DataQualityAlert, 0)
	for _, a := range m.alerts {
		if batchID == "" || a.BatchID == batchID {
			out = append(out, a)
		}
	}
	return out, nil
}

// AllocateEpoch hands out the next epoch number under the store mutex.
func (m *MemoryStore) AllocateEpoch(_ context.Context, reason, actor string) (model.ValueEpoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastEpochID++
	m.lastNumber++
	e := model.ValueEpoch{
		ID:            m.lastEpochID,
		Number:        m.lastNumber,
		TriggerReason: reason,
		Actor:         actor,
		Status:        model.EpochPending,
		CreatedAt:     m.now(),
	}
	m.epochs[e.ID] = e
	return e, nil
}

// CompleteEpoch records statistics once an epoch has been published.
func (m *MemoryStore) CompleteEpoch(_ context.Context, id int64, playersProcessed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.epochs[id]
	if !ok {
		return ErrNotFound
	}
	e.PlayersProcessed = playersProcessed
	ts := m.now()
	e.CompletedAt = &ts
	m.epochs[id] = e
	m.refreshPublishedEpoch(e)
	return nil
}

// FailEpoch marks an epoch failed. Its number is never handed out again.
func (m *MemoryStore) FailEpoch(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.epochs[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = model.EpochFailed
	ts := m.now()
	e.CompletedAt = &ts
	m.epochs[id] = e
	return nil
}

// GetEpoch returns an epoch by id.
func (m *MemoryStore) GetEpoch(_ context.Context, id int64) (model.ValueEpoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.epochs[id]
	if !ok {
		return model.ValueEpoch{}, ErrNotFound
	}
	return e, nil
}

// ClearStaging drops every staged row.
func (m *MemoryStore) ClearStaging(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staging = nil
	return nil
}

// WriteStaging appends staged rows.
func (m *MemoryStore) WriteStaging(_ context.Context, rows []model.PlayerValueRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staging = append(m.staging, rows...)
	return nil
}

// ListStaging returns the staged rows of an epoch.
func (m *MemoryStore) ListStaging(_ context.Context, epochID int64) ([]model.PlayerValueRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.PlayerValueRecord, 0, len(m.staging))
	for _, r := range m.staging {
		if r.EpochID == epochID {
			out = append(out, r)
		}
	}
	return out, nil
}

// SystemState returns the authoritative state record.
func (m *MemoryStore) SystemState(_ context.Context) (model.SystemState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

// SetOperatingMode changes the operating mode.
func (m *MemoryStore) SetOperatingMode(_ context.Context, mode model.OperatingMode, actor string) error {
	if _, err := model.ParseOperatingMode(string(mode)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Mode = mode
	m.state.UpdatedBy = actor
	m.state.UpdatedAt = m.now()
	return nil
}

// SwapCanonical publishes the staged rows of epochID as one generation.
func (m *MemoryStore) SwapCanonical(_ context.Context, epochID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.epochs[epochID]
	if !ok {
		return ErrNotFound
	}
	if e.Status != model.EpochPending {
		return fmt.Errorf("swap canonical: epoch %d is %s", epochID, e.Status)
	}

	rows := make(map[model.ValueKey]model.PlayerValueRecord)
	for _, r := range m.staging {
		if r.EpochID == epochID {
			rows[r.Key()] = r
		}
	}

	if m.state.CurrentEpochID != nil {
		prevID := *m.state.CurrentEpochID
		if prev, ok := m.epochs[prevID]; ok {
			prev.Status = model.EpochSuperseded
			m.epochs[prevID] = prev
		}
		m.state.PreviousEpochID = &prevID
	}
	current := epochID
	m.state.CurrentEpochID = &current
	e.Status = model.EpochCurrent
	m.epochs[epochID] = e

	m.retained[epochID] = rows
	for id := range m.retained {
		if id == epochID || (m.state.PreviousEpochID != nil && id == *m.state.PreviousEpochID) {
			continue
		}
		delete(m.retained, id)
	}

	m.published.Store(&canonicalSet{epoch: e, rows: rows})
	return nil
}

// RollbackCanonical restores the previous generation if epochID was published.
func (m *MemoryStore) RollbackCanonical(_ context.Context, epochID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.CurrentEpochID == nil || *m.state.CurrentEpochID != epochID {
		delete(m.retained, epochID)
		return nil
	}

	prevID := m.state.PreviousEpochID
	m.state.CurrentEpochID = prevID
	m.state.PreviousEpochID = nil
	delete(m.retained, epochID)

	if prevID == nil {
		m.published.Store(nil)
		return nil
	}
	prev := m.epochs[*prevID]
	prev.Status = model.EpochCurrent
	m.epochs[*prevID] = prev
	m.published.Store(&canonicalSet{epoch: prev, rows: m.retained[*prevID]})
	return nil
}

// RetainedEpochs lists epochs with physical canonical rows.
func (m *MemoryStore) RetainedEpochs(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.retained))
	for id := range m.retained {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// refreshPublishedEpoch republishes the same rows with updated epoch metadata. mu must be held.
func (m *MemoryStore) refreshPublishedEpoch(e model.ValueEpoch) {
	set := m.published.Load()
	if set == nil || set.epoch.ID != e.ID {
		return
	}
	m.published.Store(&canonicalSet{epoch: e, rows: set.rows})
}

// CurrentEpoch returns the published epoch.
func (m *MemoryStore) CurrentEpoch(_ context.Context) (model.ValueEpoch, error) {
	set := m.published.Load()
	if set == nil {
		return model.ValueEpoch{}, ErrNoCurrentEpoch
	}
	return set.epoch, nil
}

// GetCanonical returns one canonical row.
func (m *MemoryStore) GetCanonical(_ context.Context, key model.ValueKey) (model.PlayerValueRecord, model.ValueEpoch, error) {
	set := m.published.Load()
	if set == nil {
		return model.PlayerValueRecord{}, model.ValueEpoch{}, ErrNoCurrentEpoch
	}
	r, ok := set.rows[key]
	if !ok {
		return model.PlayerValueRecord{}, set.epoch, ErrNotFound
	}
	return r, set.epoch, nil
}

// ListCanonical returns the canonical rows of a (format, profile), best first.
func (m *MemoryStore) ListCanonical(_ context.Context, format model.Format, profileID string) ([]model.PlayerValueRecord, model.ValueEpoch, error) {
	set := m.published.Load()
	if set == nil {
		return nil, model.ValueEpoch{}, ErrNoCurrentEpoch
	}
	out := make([]model.PlayerValueRecord, 0)
	for _, r := range set.rows {
		if (format == "" || r.Format == format) && r.LeagueProfileID == profileID {
			out = append(out, r)
		}
	}
	sortCanonical(out)
	return out, set.epoch, nil
}

// CanonicalCount counts the published rows.
func (m *MemoryStore) CanonicalCount(_ context.Context) (int, error) {
	set := m.published.Load()
	if set == nil {
		return 0, nil
	}
	return len(set.rows), nil
}

// AppendSnapshots appends history rows.
func (m *MemoryStore) AppendSnapshots(_ context.Context, snapshots []model.ValueSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range snapshots {
		if m.hasSnapshot(s) {
			continue
		}
		m.snapshots = append(m.snapshots, s)
	}
	return nil
}

func (m *MemoryStore) hasSnapshot(s model.ValueSnapshot) bool {
	for _, have := range m.snapshots {
		if have.PlayerID == s.PlayerID && have.Format == s.Format && have.CapturedAt.Equal(s.CapturedAt) {
			return true
		}
	}
	return false
}

// ListSnapshots groups a format's snapshots captured since the given time by player.
func (m *MemoryStore) ListSnapshots(_ context.Context, format model.Format, since time.Time) (map[string][]model.ValueSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]model.ValueSnapshot)
	for _, s := range m.snapshots {
		if s.Format == format && !s.CapturedAt.Before(since) {
			out[s.PlayerID] = append(out[s.PlayerID], s)
		}
	}
	return out, nil
}

// ListPlayerSnapshots returns one player's history in [from, to), oldest first.
func (m *MemoryStore) ListPlayerSnapshots(_ context.Context, playerID string, format model.Format, from, to time.Time) ([]model.ValueSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ValueSnapshot, 0)
	for _, s := range m.snapshots {
		if s.PlayerID == playerID && s.Format == format && !s.CapturedAt.Before(from) && s.CapturedAt.Before(to) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

// PruneSnapshots deletes history older than before.
func (m *MemoryStore) PruneSnapshots(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.snapshots[:0]
	var removed int64
	for _, s := range m.snapshots {
		if s.CapturedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	m.snapshots = kept
	return removed, nil
}

// ReplaceTrends swaps in a new trend run for format.
func (m *MemoryStore) ReplaceTrends(_ context.Context, format model.Format, records []model.TrendRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trends[format] = append([]model.TrendRecord(nil), records...)
	return nil
}

// ListTrends returns trend records ordered by signal strength.
func (m *MemoryStore) ListTrends(_ context.Context, format model.Format, tag *model.TrendTag, limit int) ([]model.TrendRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.TrendRecord, 0)
	for _, r := range m.trends[format] {
		if tag == nil || r.Tag == *tag {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SignalStrength != out[j].SignalStrength {
			return out[i].SignalStrength > out[j].SignalStrength
		}
		return out[i].PlayerID < out[j].PlayerID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortCanonical(rows []model.PlayerValueRecord) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].AdjustedValue != rows[j].AdjustedValue {
			return rows[i].AdjustedValue > rows[j].AdjustedValue
		}
		return rows[i].PlayerID < rows[j].PlayerID
	})
}

func healthKey(source, table string) string {
	return source + "/" + table
}

func idSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

var _ Repository = (*MemoryStore)(nil)
var _ AdvisoryLocker = (*MemoryStore)(nil)
