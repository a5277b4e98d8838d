// Package quality gates ingested batches before they can feed value computation.
package quality

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"player-values/internal/model"
	"player-values/internal/storage"
)

// Factor weights of the confidence score. They sum to 1.
const (
	WeightSourceAgreement        = 0.15
	WeightAnomaly                = 0.25
	WeightCompleteness           = 0.20
	WeightCrossSourceConsistency = 0.25
	WeightHistoricalReliability  = 0.15
)

// neutralAgreement is used when no player of the batch can be compared with another source.
const neutralAgreement = 0.7

// ConfidenceOptions tunes the scorer.
type ConfidenceOptions struct {
	UseThreshold       float64
	ReviewThreshold    float64
	AgreementTolerance float64
	DefaultReliability float64
}

// DefaultConfidenceOptions mirrors the shipped configuration defaults.
func DefaultConfidenceOptions() ConfidenceOptions {
	return ConfidenceOptions{
		UseThreshold:       0.7,
		ReviewThreshold:    0.5,
		AgreementTolerance: 0.2,
		DefaultReliability: 0.7,
	}
}

// Factors are the five normalised inputs of a confidence score.
type Factors struct {
	SourceAgreement        float64 `json:"source_agreement"`
	AnomalyScore           float64 `json:"anomaly_score"`
	Completeness           float64 `json:"completeness"`
	CrossSourceConsistency float64 `json:"cross_source_consistency"`
	HistoricalReliability  float64 `json:"historical_reliability"`
}

// Score combines the factors with their weights, clamped to [0,1].
func (f Factors) Score() float64 {
	s := f.SourceAgreement*WeightSourceAgreement +
		f.AnomalyScore*WeightAnomaly +
		f.Completeness*WeightCompleteness +
		f.CrossSourceConsistency*WeightCrossSourceConsistency +
		f.HistoricalReliability*WeightHistoricalReliability
	return math.Max(0, math.Min(1, s))
}

// Confidence is the scorer's verdict on one batch.
type Confidence struct {
	BatchID        string               `json:"batch_id"`
	Factors        Factors              `json:"factors"`
	Score          float64              `json:"score"`
	Recommendation model.Recommendation `json:"recommendation"`
}

// AnomalyScore steps down with the number of validation errors logged for a batch.
func AnomalyScore(validationErrors int) float64 {
	switch {
	case validationErrors <= 0:
		return 1.0
	case validationErrors <= 2:
		return 0.9
	case validationErrors <= 5:
		return 0.7
	case validationErrors <= 10:
		return 0.5
	default:
		return 0.3
	}
}

// Completeness is the share of delivered rows that were not rejected.
func Completeness(total, rejected int) float64 {
	if total <= 0 {
		return 0
	}
	accepted := total - rejected
	if accepted < 0 {
		accepted = 0
	}
	return float64(accepted) / float64(total)
}

// CrossSourceScore maps the categorical cross-source check onto [0,1].
func CrossSourceScore(check model.CrossSourceCheck) float64 {
	switch check {
	case model.CrossSourceApprove:
		return 1.0
	case model.CrossSourceQuarantine:
		return 0.6
	case model.CrossSourceReject:
		return 0.2
	case model.CrossSourceUnknown:
		return 0.7
	}
	return 0.7
}

// Recommend turns a score into a gate recommendation.
func Recommend(score float64, opts ConfidenceOptions) model.Recommendation {
	switch {
	case score >= opts.UseThreshold:
		return model.RecommendUse
	case score >= opts.ReviewThreshold:
		return model.RecommendManualReview
	default:
		return model.RecommendSkip
	}
}

// ScoreSource is the storage the scorer reads from.
type ScoreSource interface {
	GetBatch(ctx context.Context, id string) (model.RawBatch, error)
	ListBatchSignals(ctx context.Context, batchID string) ([]model.PlayerSignal, error)
	CountValidationErrors(ctx context.Context, batchID string) (int, error)
	LatestOtherSourceValues(ctx context.Context, source string, format model.Format, playerIDs []string) (map[string]float64, error)
	GetSourceHealth(ctx context.Context, source, table string) (model.DataSourceHealth, error)
}

// Scorer rates the trustworthiness of ingested batches. It has no side effects.
type Scorer struct {
	store  ScoreSource
	opts   ConfidenceOptions
	logger zerolog.Logger
}

// NewScorer builds a scorer.
func NewScorer(store ScoreSource, opts ConfidenceOptions, logger zerolog.Logger) *Scorer {
	return &Scorer{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "confidence").Logger(),
	}
}

// Score computes the confidence of a batch and the resulting recommendation.
func (s *Scorer) Score(ctx context.Context, batchID string) (Confidence, error) {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return Confidence{}, fmt.Errorf("load batch %s: %w", batchID, err)
	}
	signals, err := s.store.ListBatchSignals(ctx, batchID)
	if err != nil {
		return Confidence{}, fmt.Errorf("load batch signals: %w", err)
	}
	errCount, err := s.store.CountValidationErrors(ctx, batchID)
	if err != nil {
		return Confidence{}, fmt.Errorf("count validation errors: %w", err)
	}
	agreement, err := s.sourceAgreement(ctx, batch.Source, signals)
	if err != nil {
		return Confidence{}, err
	}
	reliability, err := s.historicalReliability(ctx, batch.Source, batch.TableName)
	if err != nil {
		return Confidence{}, err
	}

	factors := Factors{
		SourceAgreement:        agreement,
		AnomalyScore:           AnomalyScore(errCount),
		Completeness:           Completeness(batch.TotalRows, batch.RejectedRows),
		CrossSourceConsistency: CrossSourceScore(batch.CrossSourceCheck),
		HistoricalReliability:  reliability,
	}
	score := factors.Score()
	result := Confidence{
		BatchID:        batchID,
		Factors:        factors,
		Score:          score,
		Recommendation: Recommend(score, s.opts),
	}
	s.logger.Debug().
		Str("batch_id", batchID).
		Float64("score", score).
		Str("recommendation", string(result.Recommendation)).
		Msg("batch scored")
	return result, nil
}

// sourceAgreement is the share of comparable players whose value is within tolerance of
// the latest value reported by any other source.
func (s *Scorer) sourceAgreement(ctx context.Context, source string, signals []model.PlayerSignal) (float64, error) {
	byFormat := make(map[model.Format][]model.PlayerSignal)
	for _, sig := range signals {
		if sig.MarketValue != nil {
			byFormat[sig.Format] = append(byFormat[sig.Format], sig)
		}
	}
	compared, agreed := 0, 0
	for format, group := range byFormat {
		ids := make([]string, 0, len(group))
		for _, sig := range group {
			ids = append(ids, sig.PlayerID)
		}
		others, err := s.store.LatestOtherSourceValues(ctx, source, format, ids)
		if err != nil {
			return 0, fmt.Errorf("load other source values: %w", err)
		}
		for _, sig := range group {
			other, ok := others[sig.PlayerID]
			if !ok || other <= 0 {
				continue
			}
			compared++
			if math.Abs(*sig.MarketValue-other)/other <= s.opts.AgreementTolerance {
				agreed++
			}
		}
	}
	if compared == 0 {
		return neutralAgreement, nil
	}
	return float64(agreed) / float64(compared), nil
}

func (s *Scorer) historicalReliability(ctx context.Context, source, table string) (float64, error) {
	h, err := s.store.GetSourceHealth(ctx, source, table)
	if errors.Is(err, storage.ErrNotFound) {
		return s.opts.DefaultReliability, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load source health: %w", err)
	}
	if h.TotalBatches == 0 {
		return s.opts.DefaultReliability, nil
	}
	return h.ReliabilityScore, nil
}
