package model

import "time"

// RawBatch is one ingested delivery from an external producer.
type RawBatch struct {
	ID               string
	Source           string
	TableName        string
	TotalRows        int
	RejectedRows     int
	Status           BatchStatus
	ConfidenceScore  *float64
	CrossSourceCheck CrossSourceCheck
	Meta             *BatchMeta
	CreatedAt        time.Time
	ProcessedAt      *time.Time
}

// BatchMeta carries optional producer-supplied context for a batch.
type BatchMeta struct {
	Season   int    `json:"season,omitempty"`
	Week     int    `json:"week,omitempty"`
	Importer string `json:"importer,omitempty"`
}

// PlayerSignal is one accepted row of a batch: the external inputs for a (player, format).
type PlayerSignal struct {
	BatchID       string
	Source        string
	PlayerID      string
	FullName      string
	Position      Position
	Team          string
	Age           *float64
	Format        Format
	MarketValue   *float64
	PointsPerGame *float64
	RecentPPG     *float64
	IDPTier       *int
	InjuryStatus  string
	CapturedAt    time.Time
}

// ValidatedPlayer is the last accepted view of a player from a source.
type ValidatedPlayer struct {
	PlayerID string
	Position Position
	Team     string
	Value    *float64
}

// DataSourceHealth aggregates batch outcomes for a source table.
type DataSourceHealth struct {
	Source            string
	TableName         string
	TotalBatches      int
	SuccessfulBatches int
	FailedBatches     int
	ReliabilityScore  float64
	Status            HealthStatus
	LastSuccessAt     *time.Time
	LastFailureAt     *time.Time
	UpdatedAt         time.Time
}

// Record applies one batch outcome and re-derives the score and status band.
func (h *DataSourceHealth) Record(success bool, at time.Time) {
	h.TotalBatches++
	if success {
		h.SuccessfulBatches++
		ts := at
		h.LastSuccessAt = &ts
	} else {
		h.FailedBatches++
		ts := at
		h.LastFailureAt = &ts
	}
	h.ReliabilityScore = float64(h.SuccessfulBatches) / float64(h.TotalBatches)
	h.Status = HealthFromReliability(h.ReliabilityScore)
	h.UpdatedAt = at
}

// DataQualityAlert is an immutable anomaly record raised against a batch.
type DataQualityAlert struct {
	ID        string
	BatchID   string
	Type      AlertType
	Severity  Severity
	Message   string
	Details   AlertDetails
	CreatedAt time.Time
}

// AlertDetails is the structured payload of an alert; fields unused by a type stay zero.
type AlertDetails struct {
	Affected          int              `json:"affected,omitempty"`
	Compared          int              `json:"compared,omitempty"`
	Rate              float64          `json:"rate,omitempty"`
	Groups            []GroupDeviation `json:"groups,omitempty"`
	SourceStatus      HealthStatus     `json:"source_status,omitempty"`
	HoursSinceSuccess float64          `json:"hours_since_success,omitempty"`
}

// GroupDeviation describes a position group whose average value left its band.
type GroupDeviation struct {
	Format   Format   `json:"format,omitempty"`
	Position Position `json:"position"`
	Members  int      `json:"members"`
	Average  float64  `json:"average"`
	BandMin  float64  `json:"band_min"`
	BandMax  float64  `json:"band_max"`
}
