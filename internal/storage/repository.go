package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"player-values/internal/model"
)

const (
	upsertBatchSQL = `INSERT INTO raw_batches (
        batch_id,
        source,
        table_name,
        total_rows,
        rejected_rows,
        processing_status,
        confidence_score,
        cross_source_check_status,
        meta,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (batch_id) DO UPDATE
    SET
        source                    = EXCLUDED.source,
        table_name                = EXCLUDED.table_name,
        total_rows                = EXCLUDED.total_rows,
        rejected_rows             = EXCLUDED.rejected_rows,
        processing_status         = EXCLUDED.processing_status,
        confidence_score          = EXCLUDED.confidence_score,
        cross_source_check_status = EXCLUDED.cross_source_check_status,
        meta                      = EXCLUDED.meta;`

	deleteBatchSignalsSQL = `DELETE FROM batch_signals WHERE batch_id = $1;`

	insertBatchSignalSQL = `INSERT INTO batch_signals (
        batch_id,
        player_id,
        format,
        full_name,
        position,
        team,
        age,
        market_value,
        points_per_game,
        recent_ppg,
        idp_tier,
        injury_status,
        captured_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    );`

	batchColumns = `batch_id,
        source,
        table_name,
        total_rows,
        rejected_rows,
        processing_status,
        confidence_score::text,
        cross_source_check_status,
        meta,
        created_at,
        processed_at`

	getBatchSQL = `SELECT ` + batchColumns + ` FROM raw_batches WHERE batch_id = $1;`

	listUngatedBatchesSQL = `SELECT ` + batchColumns + ` FROM raw_batches
    WHERE processing_status = 'pending' AND confidence_score IS NULL
    ORDER BY created_at
    LIMIT $1;`

	countAwaitingReviewSQL = `SELECT count(*) FROM raw_batches
    WHERE processing_status = 'pending' AND confidence_score IS NOT NULL;`

	updateBatchOutcomeSQL = `UPDATE raw_batches
    SET processing_status = $2,
        confidence_score  = COALESCE($3, confidence_score),
        processed_at      = CASE WHEN $2 = 'pending' THEN processed_at ELSE now() END
    WHERE batch_id = $1;`

	countValidationErrorsSQL = `SELECT COUNT(*) FROM batch_validation_errors WHERE batch_id = $1;`

	signalColumns = `s.batch_id,
        b.source,
        s.player_id,
        s.full_name,
        s.position,
        s.team,
        s.age::text,
        s.format,
        s.market_value::text,
        s.points_per_game::text,
        s.recent_ppg::text,
        s.idp_tier,
        s.injury_status,
        s.captured_at`

	listBatchSignalsSQL = `SELECT ` + signalColumns + `
    FROM batch_signals s
    JOIN raw_batches b ON b.batch_id = s.batch_id
    WHERE s.batch_id = $1
    ORDER BY s.player_id, s.format;`

	listAcceptedSignalsSQL = `SELECT DISTINCT ON (s.player_id) ` + signalColumns + `
    FROM batch_signals s
    JOIN raw_batches b ON b.batch_id = s.batch_id
    WHERE b.processing_status = 'completed'
      AND s.format = $1
    ORDER BY s.player_id, s.captured_at DESC, b.created_at DESC;`

	lastValidatedSQL = `SELECT DISTINCT ON (s.player_id) ` + signalColumns + `
    FROM batch_signals s
    JOIN raw_batches b ON b.batch_id = s.batch_id
    WHERE b.processing_status = 'completed'
      AND b.source = $1
      AND s.format = $2
      AND s.player_id = ANY($3)
    ORDER BY s.player_id, s.captured_at DESC, b.created_at DESC;`

	otherSourceValuesSQL = `SELECT DISTINCT ON (s.player_id) ` + signalColumns + `
    FROM batch_signals s
    JOIN raw_batches b ON b.batch_id = s.batch_id
    WHERE b.processing_status = 'completed'
      AND b.source <> $1
      AND s.format = $2
      AND s.player_id = ANY($3)
      AND s.market_value IS NOT NULL
    ORDER BY s.player_id, s.captured_at DESC, b.created_at DESC;`

	healthColumns = `source,
        table_name,
        total_batches,
        successful_batches,
        failed_batches,
        reliability_score::text,
        status,
        last_success_at,
        last_failure_at,
        updated_at`

	getSourceHealthSQL = `SELECT ` + healthColumns + ` FROM data_source_health
    WHERE source = $1 AND table_name = $2;`

	lockSourceHealthSQL = `SELECT ` + healthColumns + ` FROM data_source_health
    WHERE source = $1 AND table_name = $2
    FOR UPDATE;`

	upsertSourceHealthSQL = `INSERT INTO data_source_health (
        source,
        table_name,
        total_batches,
        successful_batches,
        failed_batches,
        reliability_score,
        status,
        last_success_at,
        last_failure_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (source, table_name) DO UPDATE
    SET
        total_batches      = EXCLUDED.total_batches,
        successful_batches = EXCLUDED.successful_batches,
        failed_batches     = EXCLUDED.failed_batches,
        reliability_score  = EXCLUDED.reliability_score,
        status             = EXCLUDED.status,
        last_success_at    = EXCLUDED.last_success_at,
        last_failure_at    = EXCLUDED.last_failure_at,
        updated_at         = EXCLUDED.updated_at;`

	insertAlertSQL = `INSERT INTO data_quality_alerts (
        id,
        batch_id,
        alert_type,
        severity,
        message,
        details,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	listAlertsSQL = `SELECT
        id::text,
        batch_id,
        alert_type,
        severity,
        message,
        details,
        created_at
    FROM data_quality_alerts
    WHERE ($1 = '' OR batch_id = $1)
    ORDER BY created_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL-backed Repository.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session when the connection closes
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InsertBatch stores a batch and replaces its rows in one transaction.
func (s *Store) InsertBatch(ctx context.Context, batch model.RawBatch, signals []model.PlayerSignal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if batch.Status == "" {
		batch.Status = model.BatchPending
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	if batch.CrossSourceCheck == "" {
		batch.CrossSourceCheck = model.CrossSourceUnknown
	}

	var meta interface{}
	if batch.Meta != nil {
		raw, err := json.Marshal(batch.Meta)
		if err != nil {
			return fmt.Errorf("marshal batch meta: %w", err)
		}
		meta = raw
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertBatchSQL,
			batch.ID,
			batch.Source,
			batch.TableName,
			batch.TotalRows,
			batch.RejectedRows,
			string(batch.Status),
			optionalNumericArg(batch.ConfidenceScore),
			string(batch.CrossSourceCheck),
			meta,
			batch.CreatedAt,
		); err != nil {
			return fmt.Errorf("upsert batch: %w", err)
		}
		if _, err := tx.Exec(ctx, deleteBatchSignalsSQL, batch.ID); err != nil {
			return fmt.Errorf("clear batch signals: %w", err)
		}

		queued := &pgx.Batch{}
		for _, sig := range signals {
			captured := sig.CapturedAt
			if captured.IsZero() {
				captured = batch.CreatedAt
			}
			var tier interface{}
			if sig.IDPTier != nil {
				tier = *sig.IDPTier
			}
			queued.Queue(insertBatchSignalSQL,
				batch.ID,
				sig.PlayerID,
				string(sig.Format),
				sig.FullName,
				string(sig.Position),
				sig.Team,
				optionalNumericArg(sig.Age),
				optionalNumericArg(sig.MarketValue),
				optionalNumericArg(sig.PointsPerGame),
				optionalNumericArg(sig.RecentPPG),
				tier,
				sig.InjuryStatus,
				captured,
			)
		}
		if queued.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, queued).Close(); err != nil {
			return fmt.Errorf("insert batch signals: %w", err)
		}
		return nil
	})
}

// GetBatch returns a batch by id.
func (s *Store) GetBatch(ctx context.Context, id string) (model.RawBatch, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.RawBatch{}, err
	}
	rows, err := pool.Query(ctx, getBatchSQL, id)
	if err != nil {
		return model.RawBatch{}, fmt.Errorf("get batch: %w", err)
	}
	batches, err := collectRows(rows, scanBatch)
	if err != nil {
		return model.RawBatch{}, err
	}
	if len(batches) == 0 {
		return model.RawBatch{}, ErrNotFound
	}
	return batches[0], nil
}

// ListUngatedBatches lists unscored pending batches in creation order.
func (s *Store) ListUngatedBatches(ctx context.Context, limit int) ([]model.RawBatch, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := pool.Query(ctx, listUngatedBatchesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list ungated batches: %w", err)
	}
	return collectRows(rows, scanBatch)
}

// CountAwaitingReview counts scored batches still pending.
func (s *Store) CountAwaitingReview(ctx context.Context) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var n int
	if err := pool.QueryRow(ctx, countAwaitingReviewSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("count batches awaiting review: %w", err)
	}
	return n, nil
}

// ListBatchSignals returns the rows of a batch.
func (s *Store) ListBatchSignals(ctx context.Context, batchID string) ([]model.PlayerSignal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listBatchSignalsSQL, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch signals: %w", err)
	}
	return collectRows(rows, scanSignal)
}

// CountValidationErrors counts the validation errors producers logged against a batch.
func (s *Store) CountValidationErrors(ctx context.Context, batchID string) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int
	if err := pool.QueryRow(ctx, countValidationErrorsSQL, batchID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count validation errors: %w", err)
	}
	return count, nil
}

// UpdateBatchOutcome sets status and, when given, the confidence score.
func (s *Store) UpdateBatchOutcome(ctx context.Context, batchID string, status model.BatchStatus, confidence *float64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("update batch outcome: invalid status %q", status)
	}
	tag, err := pool.Exec(ctx, updateBatchOutcomeSQL, batchID, string(status), optionalNumericArg(confidence))
	if err != nil {
		return fmt.Errorf("update batch outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAcceptedSignals returns the latest completed-batch signal per player for format.
func (s *Store) ListAcceptedSignals(ctx context.Context, format model.Format) ([]model.PlayerSignal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listAcceptedSignalsSQL, string(format))
	if err != nil {
		return nil, fmt.Errorf("list accepted signals: %w", err)
	}
	return collectRows(rows, scanSignal)
}

// LastValidatedPlayers returns the latest completed view per player from source.
func (s *Store) LastValidatedPlayers(ctx context.Context, source string, format model.Format, playerIDs []string) (map[string]model.ValidatedPlayer, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, lastValidatedSQL, source, string(format), playerIDs)
	if err != nil {
		return nil, fmt.Errorf("last validated players: %w", err)
	}
	signals, err := collectRows(rows, scanSignal)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.ValidatedPlayer, len(signals))
	for _, sig := range signals {
		out[sig.PlayerID] = model.ValidatedPlayer{PlayerID: sig.PlayerID, Position: sig.Position, Team: sig.Team, Value: sig.MarketValue}
	}
	return out, nil
}

// LatestOtherSourceValues returns market values reported by other sources.
func (s *Store) LatestOtherSourceValues(ctx context.Context, source string, format model.Format, playerIDs []string) (map[string]float64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, otherSourceValuesSQL, source, string(format), playerIDs)
	if err != nil {
		return nil, fmt.Errorf("other source values: %w", err)
	}
	signals, err := collectRows(rows, scanSignal)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(signals))
	for _, sig := range signals {
		if sig.MarketValue != nil {
			out[sig.PlayerID] = *sig.MarketValue
		}
	}
	return out, nil
}

// GetSourceHealth returns ErrNotFound for unseen sources.
func (s *Store) GetSourceHealth(ctx context.Context, source, table string) (model.DataSourceHealth, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.DataSourceHealth{}, err
	}
	h, err := scanHealth(pool.QueryRow(ctx, getSourceHealthSQL, source, table))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DataSourceHealth{}, ErrNotFound
	}
	return h, err
}

// RecordBatchOutcome folds a batch outcome into the source's health under a row lock.
func (s *Store) RecordBatchOutcome(ctx context.Context, source, table string, success bool, at time.Time) (model.DataSourceHealth, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.DataSourceHealth{}, err
	}

	var out model.DataSourceHealth
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		h, err := scanHealth(tx.QueryRow(ctx, lockSourceHealthSQL, source, table))
		if errors.Is(err, pgx.ErrNoRows) {
			h = model.DataSourceHealth{Source: source, TableName: table}
		} else if err != nil {
			return err
		}
		h.Record(success, at)
		if _, err := tx.Exec(ctx, upsertSourceHealthSQL,
			h.Source,
			h.TableName,
			h.TotalBatches,
			h.SuccessfulBatches,
			h.FailedBatches,
			numericArg(h.ReliabilityScore),
			string(h.Status),
			h.LastSuccessAt,
			h.LastFailureAt,
			h.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert source health: %w", err)
		}
		out = h
		return nil
	})
	return out, err
}

// InsertAlerts persists alerts in one round trip.
func (s *Store) InsertAlerts(ctx context.Context, alerts []model.DataQualityAlert) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		return nil
	}
	queued := &pgx.Batch{}
	for _, a := range alerts {
		details, err := json.Marshal(a.Details)
		if err != nil {
			return fmt.Errorf("marshal alert details: %w", err)
		}
		queued.Queue(insertAlertSQL, a.ID, a.BatchID, string(a.Type), string(a.Severity), a.Message, details, a.CreatedAt)
	}
	if err := pool.SendBatch(ctx, queued).Close(); err != nil {
		return fmt.Errorf("insert alerts: %w", err)
	}
	return nil
}

// ListAlerts returns alerts raised against a batch; an empty id lists every alert.
func (s *Store) ListAlerts(ctx context.Context, batchID string) ([]model.DataQualityAlert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listAlertsSQL, batchID)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return collectRows(rows, func(row pgx.Rows) (model.DataQualityAlert, error) {
		var (
			a        model.DataQualityAlert
			kind     string
			severity string
			details  []byte
		)
		if err := row.Scan(&a.ID, &a.BatchID, &kind, &severity, &a.Message, &details, &a.CreatedAt); err != nil {
			return a, err
		}
		a.Type = model.AlertType(kind)
		a.Severity = model.Severity(severity)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &a.Details); err != nil {
				return a, fmt.Errorf("decode alert details: %w", err)
			}
		}
		return a, nil
	})
}

func collectRows[T any](rows pgx.Rows, scan func(pgx.Rows) (T, error)) ([]T, error) {
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanBatch(rows pgx.Rows) (model.RawBatch, error) {
	var (
		b          model.RawBatch
		status     string
		confidence *string
		check      string
		meta       []byte
	)
	if err := rows.Scan(
		&b.ID,
		&b.Source,
		&b.TableName,
		&b.TotalRows,
		&b.RejectedRows,
		&status,
		&confidence,
		&check,
		&meta,
		&b.CreatedAt,
		&b.ProcessedAt,
	); err != nil {
		return b, err
	}
	b.Status = model.BatchStatus(status)
	b.CrossSourceCheck = model.ParseCrossSourceCheck(check)
	score, err := parseOptionalNumeric("confidence score", confidence)
	if err != nil {
		return b, err
	}
	b.ConfidenceScore = score
	if len(meta) > 0 {
		var m model.BatchMeta
		if err := json.Unmarshal(meta, &m); err != nil {
			return b, fmt.Errorf("decode batch meta: %w", err)
		}
		b.Meta = &m
	}
	return b, nil
}

func scanSignal(rows pgx.Rows) (model.PlayerSignal, error) {
	var (
		sig                      model.PlayerSignal
		position, format         string
		age, market, ppg, recent *string
		tier                     *int32
	)
	if err := rows.Scan(
		&sig.BatchID,
		&sig.Source,
		&sig.PlayerID,
		&sig.FullName,
		&position,
		&sig.Team,
		&age,
		&format,
		&market,
		&ppg,
		&recent,
		&tier,
		&sig.InjuryStatus,
		&sig.CapturedAt,
	); err != nil {
		return sig, err
	}
	sig.Position = model.Position(position)
	sig.Format = model.Format(format)
	var err error
	if sig.Age, err = parseOptionalNumeric("age", age); err != nil {
		return sig, err
	}
	if sig.MarketValue, err = parseOptionalNumeric("market value", market); err != nil {
		return sig, err
	}
	if sig.PointsPerGame, err = parseOptionalNumeric("points per game", ppg); err != nil {
		return sig, err
	}
	if sig.RecentPPG, err = parseOptionalNumeric("recent ppg", recent); err != nil {
		return sig, err
	}
	if tier != nil {
		t := int(*tier)
		sig.IDPTier = &t
	}
	return sig, nil
}

func scanHealth(row pgx.Row) (model.DataSourceHealth, error) {
	var (
		h           model.DataSourceHealth
		reliability string
		status      string
	)
	if err := row.Scan(
		&h.Source,
		&h.TableName,
		&h.TotalBatches,
		&h.SuccessfulBatches,
		&h.FailedBatches,
		&reliability,
		&status,
		&h.LastSuccessAt,
		&h.LastFailureAt,
		&h.UpdatedAt,
	); err != nil {
		return h, err
	}
	score, err := parseNumeric("reliability score", reliability)
	if err != nil {
		return h, err
	}
	h.ReliabilityScore = score
	h.Status = model.HealthStatus(status)
	return h, nil
}
