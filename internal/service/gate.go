package service

import (
	"context"
	"fmt"

	"player-values/internal/model"
)

// GateOutcome is what the gate decided for one batch.
type GateOutcome struct {
	BatchID        string               `json:"batch_id"`
	Source         string               `json:"source"`
	Score          float64              `json:"score"`
	Recommendation model.Recommendation `json:"recommendation"`
	Alerts         int                  `json:"alerts"`
	Status         model.BatchStatus    `json:"status"`
}

// GateReport summarises one gate pass.
type GateReport struct {
	Outcomes       []GateOutcome `json:"outcomes"`
	AwaitingReview int           `json:"awaiting_review"`
	Errors         []string      `json:"errors,omitempty"`
}

// Gate scores and inspects pending batches that have not been scored yet. Batches already
// scored and left pending are waiting for a manual decision and are not re-gated.
func (s *Service) Gate(ctx context.Context) (GateReport, error) {
	report := GateReport{Outcomes: []GateOutcome{}}
	waiting, err := s.store.CountAwaitingReview(ctx)
	if err != nil {
		return report, fmt.Errorf("count batches awaiting review: %w", err)
	}
	report.AwaitingReview = waiting

	pending, err := s.store.ListUngatedBatches(ctx, s.opts.GateBatchLimit)
	if err != nil {
		return report, fmt.Errorf("list pending batches: %w", err)
	}

	for _, batch := range pending {
		outcome, err := s.gateBatch(ctx, batch)
		if err != nil {
			s.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("gate failed, batch left pending")
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		report.Outcomes = append(report.Outcomes, outcome)
		if outcome.Status == model.BatchPending {
			report.AwaitingReview++
		}
	}
	return report, nil
}

// gateBatch scores a batch, runs the suspicious pattern checks and settles its status.
// A critical alert quarantines the batch regardless of its score.
func (s *Service) gateBatch(ctx context.Context, batch model.RawBatch) (GateOutcome, error) {
	conf, err := s.scorer.Score(ctx, batch.ID)
	if err != nil {
		return GateOutcome{}, err
	}
	signals, err := s.store.ListBatchSignals(ctx, batch.ID)
	if err != nil {
		return GateOutcome{}, fmt.Errorf("load batch signals: %w", err)
	}
	inspection, err := s.monitor.Inspect(ctx, batch, signals)
	if err != nil {
		return GateOutcome{}, err
	}
	for _, a := range inspection.Alerts {
		s.metrics.ObserveAlert(string(a.Type), string(a.Severity))
	}

	status := statusFor(conf.Recommendation)
	if inspection.Quarantined {
		status = model.BatchQuarantined
	}
	score := conf.Score
	if err := s.store.UpdateBatchOutcome(ctx, batch.ID, status, &score); err != nil {
		return GateOutcome{}, fmt.Errorf("settle batch %s: %w", batch.ID, err)
	}
	if status.Terminal() {
		if _, err := s.store.RecordBatchOutcome(ctx, batch.Source, batch.TableName, status == model.BatchCompleted, s.now()); err != nil {
			return GateOutcome{}, fmt.Errorf("record source health: %w", err)
		}
	}
	s.metrics.ObserveGate(string(status))

	s.logger.Info().
		Str("batch_id", batch.ID).
		Str("source", batch.Source).
		Float64("score", score).
		Str("recommendation", string(conf.Recommendation)).
		Int("alerts", len(inspection.Alerts)).
		Str("status", string(status)).
		Msg("batch gated")

	return GateOutcome{
		BatchID:        batch.ID,
		Source:         batch.Source,
		Score:          score,
		Recommendation: conf.Recommendation,
		Alerts:         len(inspection.Alerts),
		Status:         status,
	}, nil
}

func statusFor(rec model.Recommendation) model.BatchStatus {
	switch rec {
	case model.RecommendUse:
		return model.BatchCompleted
	case model.RecommendManualReview:
		return model.BatchPending
	case model.RecommendSkip:
		return model.BatchRejected
	}
	return model.BatchPending
}
