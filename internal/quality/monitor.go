package quality

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"player-values/internal/model"
	"player-values/internal/storage"
)

// Band is an inclusive expected range for a position group's average value.
type Band struct {
	Min float64
	Max float64
}

// MonitorOptions sets the anomaly thresholds. Rates are fractions, compared with strict >.
type MonitorOptions struct {
	TeamChangeHigh     float64
	TeamChangeCritical float64
	ValueMoveThreshold float64
	ValueShiftHigh     float64
	ValueShiftCritical float64
	MinGroupSize       int
	OutageAfter        time.Duration
	Bands              map[model.Position]Band
}

// DefaultMonitorOptions mirrors the shipped configuration defaults.
func DefaultMonitorOptions() MonitorOptions {
	return MonitorOptions{
		TeamChangeHigh:     0.15,
		TeamChangeCritical: 0.30,
		ValueMoveThreshold: 0.25,
		ValueShiftHigh:     0.25,
		ValueShiftCritical: 0.50,
		MinGroupSize:       5,
		OutageAfter:        24 * time.Hour,
		Bands: map[model.Position]Band{
			model.PositionQB:  {Min: 500, Max: 7000},
			model.PositionRB:  {Min: 400, Max: 6500},
			model.PositionWR:  {Min: 400, Max: 6500},
			model.PositionTE:  {Min: 200, Max: 5000},
			model.PositionK:   {Min: 0, Max: 1500},
			model.PositionDEF: {Min: 0, Max: 1500},
			model.PositionDL:  {Min: 100, Max: 3000},
			model.PositionLB:  {Min: 100, Max: 3000},
			model.PositionDB:  {Min: 100, Max: 3000},
		},
	}
}

// MonitorStore is the storage the monitor reads and writes.
type MonitorStore interface {
	LastValidatedPlayers(ctx context.Context, source string, format model.Format, playerIDs []string) (map[string]model.ValidatedPlayer, error)
	GetSourceHealth(ctx context.Context, source, table string) (model.DataSourceHealth, error)
	InsertAlerts(ctx context.Context, alerts []model.DataQualityAlert) error
	UpdateBatchOutcome(ctx context.Context, batchID string, status model.BatchStatus, confidence *float64) error
}

// Inspection is the monitor's outcome for one batch.
type Inspection struct {
	Alerts      []model.DataQualityAlert
	Quarantined bool
}

// Monitor detects suspicious patterns in a batch.
type Monitor struct {
	store  MonitorStore
	opts   MonitorOptions
	logger zerolog.Logger
	now    func() time.Time
}

// NewMonitor builds a monitor.
func NewMonitor(store MonitorStore, opts MonitorOptions, logger zerolog.Logger) *Monitor {
	return &Monitor{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "monitor").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Inspect runs the four checks concurrently, persists any alerts and quarantines the
// batch when one of them is critical.
func (m *Monitor) Inspect(ctx context.Context, batch model.RawBatch, signals []model.PlayerSignal) (Inspection, error) {
	var prior map[model.Format]map[string]model.ValidatedPlayer
	priorReady := make(chan struct{})

	results := make([]*model.DataQualityAlert, 4)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(priorReady)
		var err error
		prior, err = m.loadPrior(gctx, batch.Source, signals)
		return err
	})
	g.Go(func() error {
		select {
		case <-priorReady:
		case <-gctx.Done():
			return gctx.Err()
		}
		results[0] = m.teamChangeSpike(batch, signals, prior)
		return nil
	})
	g.Go(func() error {
		select {
		case <-priorReady:
		case <-gctx.Done():
			return gctx.Err()
		}
		results[1] = m.valueShiftSpike(batch, signals, prior)
		return nil
	})
	g.Go(func() error {
		results[2] = m.positionGroupSpike(batch, signals)
		return nil
	})
	g.Go(func() error {
		alert, err := m.sourceOutage(gctx, batch)
		results[3] = alert
		return err
	})
	if err := g.Wait(); err != nil {
		return Inspection{}, fmt.Errorf("inspect batch %s: %w", batch.ID, err)
	}

	var out Inspection
	for _, a := range results {
		if a == nil {
			continue
		}
		out.Alerts = append(out.Alerts, *a)
		if a.Severity == model.SeverityCritical {
			out.Quarantined = true
		}
	}
	if len(out.Alerts) > 0 {
		if err := m.store.InsertAlerts(ctx, out.Alerts); err != nil {
			return Inspection{}, fmt.Errorf("persist alerts: %w", err)
		}
		for _, a := range out.Alerts {
			m.logger.Warn().
				Str("batch_id", batch.ID).
				Str("alert_type", string(a.Type)).
				Str("severity", string(a.Severity)).
				Msg(a.Message)
		}
	}
	if out.Quarantined {
		if err := m.store.UpdateBatchOutcome(ctx, batch.ID, model.BatchQuarantined, nil); err != nil {
			return Inspection{}, fmt.Errorf("quarantine batch: %w", err)
		}
	}
	return out, nil
}

func (m *Monitor) loadPrior(ctx context.Context, source string, signals []model.PlayerSignal) (map[model.Format]map[string]model.ValidatedPlayer, error) {
	ids := make(map[model.Format][]string)
	for _, sig := range signals {
		ids[sig.Format] = append(ids[sig.Format], sig.PlayerID)
	}
	out := make(map[model.Format]map[string]model.ValidatedPlayer, len(ids))
	for format, group := range ids {
		last, err := m.store.LastValidatedPlayers(ctx, source, format, group)
		if err != nil {
			return nil, fmt.Errorf("load last validated players: %w", err)
		}
		out[format] = last
	}
	return out, nil
}

// teamChangeSpike compares each player's team with its last validated record.
func (m *Monitor) teamChangeSpike(batch model.RawBatch, signals []model.PlayerSignal, prior map[model.Format]map[string]model.ValidatedPlayer) *model.DataQualityAlert {
	seen := make(map[string]struct{})
	compared, changed := 0, 0
	for _, sig := range signals {
		if _, dup := seen[sig.PlayerID]; dup {
			continue
		}
		last, ok := prior[sig.Format][sig.PlayerID]
		if !ok {
			continue
		}
		seen[sig.PlayerID] = struct{}{}
		compared++
		if last.Team != sig.Team {
			changed++
		}
	}
	if compared == 0 {
		return nil
	}
	rate := float64(changed) / float64(compared)
	severity, ok := grade(rate, m.opts.TeamChangeHigh, m.opts.TeamChangeCritical)
	if !ok {
		return nil
	}
	return m.alert(batch.ID, model.AlertTeamChangeSpike, severity,
		fmt.Sprintf("%d of %d players changed team (%.1f%%)", changed, compared, rate*100),
		model.AlertDetails{Affected: changed, Compared: compared, Rate: rate})
}

// valueShiftSpike counts players whose value moved more than the move threshold.
func (m *Monitor) valueShiftSpike(batch model.RawBatch, signals []model.PlayerSignal, prior map[model.Format]map[string]model.ValidatedPlayer) *model.DataQualityAlert {
	compared, moved := 0, 0
	for _, sig := range signals {
		last, ok := prior[sig.Format][sig.PlayerID]
		if !ok || last.Value == nil || sig.MarketValue == nil || *last.Value <= 0 {
			continue
		}
		compared++
		if math.Abs(*sig.MarketValue-*last.Value)/(*last.Value) > m.opts.ValueMoveThreshold {
			moved++
		}
	}
	if compared == 0 {
		return nil
	}
	rate := float64(moved) / float64(compared)
	severity, ok := grade(rate, m.opts.ValueShiftHigh, m.opts.ValueShiftCritical)
	if !ok {
		return nil
	}
	return m.alert(batch.ID, model.AlertValueShiftSpike, severity,
		fmt.Sprintf("%d of %d values moved more than %.0f%% (%.1f%%)", moved, compared, m.opts.ValueMoveThreshold*100, rate*100),
		model.AlertDetails{Affected: moved, Compared: compared, Rate: rate})
}

type groupKey struct {
	format   model.Format
	position model.Position
}

// positionGroupSpike flags (format, position) groups whose average value left the
// expected band. Members are distinct players; a repeated id keeps its first value.
func (m *Monitor) positionGroupSpike(batch model.RawBatch, signals []model.PlayerSignal) *model.DataQualityAlert {
	members := make(map[groupKey]map[string]float64)
	for _, sig := range signals {
		if sig.MarketValue == nil {
			continue
		}
		key := groupKey{format: sig.Format, position: sig.Position}
		group, ok := members[key]
		if !ok {
			group = make(map[string]float64)
			members[key] = group
		}
		if _, dup := group[sig.PlayerID]; !dup {
			group[sig.PlayerID] = *sig.MarketValue
		}
	}
	var groups []model.GroupDeviation
	for key, group := range members {
		band, ok := m.opts.Bands[key.position]
		if !ok || len(group) < m.opts.MinGroupSize {
			continue
		}
		var sum float64
		for _, v := range group {
			sum += v
		}
		avg := sum / float64(len(group))
		if avg < band.Min || avg > band.Max {
			groups = append(groups, model.GroupDeviation{
				Format:   key.format,
				Position: key.position,
				Members:  len(group),
				Average:  avg,
				BandMin:  band.Min,
				BandMax:  band.Max,
			})
		}
	}
	if len(groups) == 0 {
		return nil
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Format != groups[j].Format {
			return groups[i].Format < groups[j].Format
		}
		return groups[i].Position < groups[j].Position
	})
	severity := model.SeverityHigh
	if len(groups) > 1 {
		severity = model.SeverityCritical
	}
	return m.alert(batch.ID, model.AlertPositionGroupSpike, severity,
		fmt.Sprintf("%d position group(s) outside expected value band", len(groups)),
		model.AlertDetails{Affected: len(groups), Groups: groups})
}

// sourceOutage raises a critical alert for a failing source that has not succeeded recently.
func (m *Monitor) sourceOutage(ctx context.Context, batch model.RawBatch) (*model.DataQualityAlert, error) {
	h, err := m.store.GetSourceHealth(ctx, batch.Source, batch.TableName)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load source health: %w", err)
	}
	if h.Status != model.HealthOffline && h.Status != model.HealthUnhealthy {
		return nil, nil
	}
	details := model.AlertDetails{SourceStatus: h.Status}
	if h.LastSuccessAt != nil {
		since := m.now().Sub(*h.LastSuccessAt)
		if since <= m.opts.OutageAfter {
			return nil, nil
		}
		details.HoursSinceSuccess = math.Round(since.Hours()*10) / 10
	}
	return m.alert(batch.ID, model.AlertSourceOutage, model.SeverityCritical,
		fmt.Sprintf("source %s is %s with no success in over %s", batch.Source, h.Status, m.opts.OutageAfter),
		details), nil
}

func (m *Monitor) alert(batchID string, typ model.AlertType, severity model.Severity, msg string, details model.AlertDetails) *model.DataQualityAlert {
	return &model.DataQualityAlert{
		ID:        uuid.NewString(),
		BatchID:   batchID,
		Type:      typ,
		Severity:  severity,
		Message:   msg,
		Details:   details,
		CreatedAt: m.now(),
	}
}

// grade maps a rate onto a severity; ok is false below the high threshold.
func grade(rate, high, critical float64) (model.Severity, bool) {
	switch {
	case rate > critical:
		return model.SeverityCritical, true
	case rate > high:
		return model.SeverityHigh, true
	default:
		return "", false
	}
}
