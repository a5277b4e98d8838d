package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"player-values/internal/model"
)

const (
	epochColumns = `e.id,
        e.epoch_number,
        e.trigger_reason,
        e.actor,
        e.status,
        e.players_processed,
        e.created_at,
        e.completed_at`

	allocateEpochSQL = `INSERT INTO value_epochs AS e (trigger_reason, actor)
    VALUES ($1, $2)
    RETURNING ` + epochColumns + `;`

	getEpochSQL = `SELECT ` + epochColumns + ` FROM value_epochs e WHERE e.id = $1;`

	completeEpochSQL = `UPDATE value_epochs
    SET players_processed = $2,
        completed_at      = now()
    WHERE id = $1;`

	failEpochSQL = `UPDATE value_epochs
    SET status       = 'failed',
        completed_at = now()
    WHERE id = $1
      AND status IN ('pending', 'failed');`

	clearStagingSQL = `TRUNCATE player_values_staging;`

	insertStagingSQL = `INSERT INTO player_values_staging (
        epoch_id,
        player_id,
        format,
        league_profile_id,
        full_name,
        position,
        team,
        base_value,
        market_value,
        scarcity_adjustment,
        league_adjustment,
        adjusted_value,
        rank_overall,
        rank_position,
        tier,
        confidence,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
    );`

	valueColumns = `v.epoch_id,
        v.player_id,
        v.format,
        COALESCE(v.league_profile_id, ''),
        v.full_name,
        v.position,
        v.team,
        v.base_value::text,
        v.market_value::text,
        v.scarcity_adjustment::text,
        v.league_adjustment::text,
        v.adjusted_value::text,
        v.rank_overall,
        v.rank_position,
        v.tier,
        v.confidence::text,
        v.updated_at`

	listStagingSQL = `SELECT ` + valueColumns + `
    FROM player_values_staging v
    WHERE v.epoch_id = $1
    ORDER BY v.format, v.player_id;`

	systemStateSQL = `SELECT operating_mode, current_epoch_id, previous_epoch_id, updated_by, updated_at
    FROM system_state WHERE id;`

	lockSystemStateSQL = `SELECT current_epoch_id, previous_epoch_id FROM system_state WHERE id FOR UPDATE;`

	setOperatingModeSQL = `UPDATE system_state
    SET operating_mode = $1,
        updated_by     = $2,
        updated_at     = now()
    WHERE id;`

	lockEpochStatusSQL = `SELECT status FROM value_epochs WHERE id = $1 FOR UPDATE;`

	publishStagingSQL = `INSERT INTO player_values (
        epoch_id, player_id, format, league_profile_id, full_name, position, team,
        base_value, market_value, scarcity_adjustment, league_adjustment, adjusted_value,
        rank_overall, rank_position, tier, confidence, updated_at
    )
    SELECT DISTINCT ON (player_id, format, COALESCE(league_profile_id, ''))
        epoch_id, player_id, format, league_profile_id, full_name, position, team,
        base_value, market_value, scarcity_adjustment, league_adjustment, adjusted_value,
        rank_overall, rank_position, tier, confidence, updated_at
    FROM player_values_staging
    WHERE epoch_id = $1
    ORDER BY player_id, format, COALESCE(league_profile_id, ''), updated_at DESC;`

	supersedeCurrentSQL = `UPDATE value_epochs SET status = 'superseded' WHERE status = 'current';`
	markCurrentSQL      = `UPDATE value_epochs SET status = 'current' WHERE id = $1;`

	movePointerSQL = `UPDATE system_state
    SET previous_epoch_id = current_epoch_id,
        current_epoch_id  = $1,
        updated_by        = 'swap',
        updated_at        = now()
    WHERE id;`

	pruneCanonicalSQL = `DELETE FROM player_values
    WHERE epoch_id <> $1
      AND epoch_id IS DISTINCT FROM $2;`

	restorePointerSQL = `UPDATE system_state
    SET current_epoch_id  = previous_epoch_id,
        previous_epoch_id = NULL,
        updated_by        = 'rollback',
        updated_at        = now()
    WHERE id;`

	markFailedSQL           = `UPDATE value_epochs SET status = 'failed', completed_at = now() WHERE id = $1;`
	deleteEpochCanonicalSQL = `DELETE FROM player_values WHERE epoch_id = $1;`
	retainedEpochsSQL       = `SELECT DISTINCT epoch_id FROM player_values ORDER BY epoch_id;`

	currentEpochSQL = `SELECT ` + epochColumns + `
    FROM system_state s
    JOIN value_epochs e ON e.id = s.current_epoch_id
    WHERE s.id;`

	getCanonicalSQL = `SELECT ` + valueColumns + `, ` + epochColumns + `
    FROM system_state s
    JOIN value_epochs e ON e.id = s.current_epoch_id
    JOIN player_values v ON v.epoch_id = s.current_epoch_id
    WHERE s.id
      AND v.player_id = $1
      AND v.format = $2
      AND v.profile_key = $3;`

	listCanonicalSQL = `SELECT ` + valueColumns + `, ` + epochColumns + `
    FROM system_state s
    JOIN value_epochs e ON e.id = s.current_epoch_id
    JOIN player_values v ON v.epoch_id = s.current_epoch_id
    WHERE s.id
      AND ($1 = '' OR v.format = $1)
      AND v.profile_key = $2
    ORDER BY v.adjusted_value DESC, v.player_id;`

	canonicalCountSQL = `SELECT COUNT(*)
    FROM player_values v
    JOIN system_state s ON v.epoch_id = s.current_epoch_id
    WHERE s.id;`
)

// AllocateEpoch inserts an epoch whose number comes from a database sequence.
// Sequence values are never handed out twice, even when the rebuild later fails.
func (s *Store) AllocateEpoch(ctx context.Context, reason, actor string) (model.ValueEpoch, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.ValueEpoch{}, err
	}
	e, err := scanEpoch(pool.QueryRow(ctx, allocateEpochSQL, reason, actor))
	if err != nil {
		return model.ValueEpoch{}, fmt.Errorf("allocate epoch: %w", err)
	}
	return e, nil
}

// CompleteEpoch records statistics once an epoch has been published.
func (s *Store) CompleteEpoch(ctx context.Context, id int64, playersProcessed int) error {
	return s.execAffecting(ctx, "complete epoch", completeEpochSQL, id, playersProcessed)
}

// FailEpoch marks an unpublished epoch failed.
func (s *Store) FailEpoch(ctx context.Context, id int64) error {
	return s.execAffecting(ctx, "fail epoch", failEpochSQL, id)
}

// GetEpoch returns an epoch by id.
func (s *Store) GetEpoch(ctx context.Context, id int64) (model.ValueEpoch, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.ValueEpoch{}, err
	}
	e, err := scanEpoch(pool.QueryRow(ctx, getEpochSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ValueEpoch{}, ErrNotFound
	}
	if err != nil {
		return model.ValueEpoch{}, fmt.Errorf("get epoch: %w", err)
	}
	return e, nil
}

// ClearStaging truncates the staging table.
func (s *Store) ClearStaging(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, clearStagingSQL); err != nil {
		return fmt.Errorf("clear staging: %w", err)
	}
	return nil
}

// WriteStaging inserts one chunk of staged rows in a single round trip.
func (s *Store) WriteStaging(ctx context.Context, rows []model.PlayerValueRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	queued := &pgx.Batch{}
	for _, r := range rows {
		queued.Queue(insertStagingSQL,
			r.EpochID,
			r.PlayerID,
			string(r.Format),
			optionalText(r.LeagueProfileID),
			r.FullName,
			string(r.Position),
			r.Team,
			numericArg(r.BaseValue),
			optionalNumericArg(r.MarketValue),
			numericArg(r.ScarcityAdjustment),
			numericArg(r.LeagueAdjustment),
			numericArg(r.AdjustedValue),
			r.RankOverall,
			r.RankPosition,
			string(r.Tier),
			numericArg(r.Confidence),
			r.UpdatedAt,
		)
	}
	if err := pool.SendBatch(ctx, queued).Close(); err != nil {
		return fmt.Errorf("write staging: %w", err)
	}
	return nil
}

// ListStaging returns the staged rows of an epoch.
func (s *Store) ListStaging(ctx context.Context, epochID int64) ([]model.PlayerValueRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listStagingSQL, epochID)
	if err != nil {
		return nil, fmt.Errorf("list staging: %w", err)
	}
	return collectRows(rows, func(row pgx.Rows) (model.PlayerValueRecord, error) {
		return scanValue(row)
	})
}

// SystemState returns the authoritative state record.
func (s *Store) SystemState(ctx context.Context) (model.SystemState, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.SystemState{}, err
	}
	var (
		state model.SystemState
		mode  string
	)
	if err := pool.QueryRow(ctx, systemStateSQL).Scan(
		&mode,
		&state.CurrentEpochID,
		&state.PreviousEpochID,
		&state.UpdatedBy,
		&state.UpdatedAt,
	); err != nil {
		return model.SystemState{}, fmt.Errorf("read system state: %w", err)
	}
	parsed, err := model.ParseOperatingMode(mode)
	if err != nil {
		return model.SystemState{}, err
	}
	state.Mode = parsed
	return state, nil
}

// SetOperatingMode changes the operating mode.
func (s *Store) SetOperatingMode(ctx context.Context, mode model.OperatingMode, actor string) error {
	if _, err := model.ParseOperatingMode(string(mode)); err != nil {
		return err
	}
	return s.execAffecting(ctx, "set operating mode", setOperatingModeSQL, string(mode), actor)
}

// SwapCanonical copies the staged rows of epochID into canonical storage and
// re-points the system state at it, all in one transaction. Readers resolve the
// current epoch inside the same statement that reads rows, so they observe either
// the old generation or the new one.
func (s *Store) SwapCanonical(ctx context.Context, epochID int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		var current, previous *int64
		if err := tx.QueryRow(ctx, lockSystemStateSQL).Scan(&current, &previous); err != nil {
			return fmt.Errorf("lock system state: %w", err)
		}
		var status string
		if err := tx.QueryRow(ctx, lockEpochStatusSQL, epochID).Scan(&status); err != nil {
			return fmt.Errorf("lock epoch %d: %w", epochID, err)
		}
		if model.EpochStatus(status) != model.EpochPending {
			return fmt.Errorf("swap canonical: epoch %d is %s", epochID, status)
		}
		if _, err := tx.Exec(ctx, publishStagingSQL, epochID); err != nil {
			return fmt.Errorf("publish staging: %w", err)
		}
		if _, err := tx.Exec(ctx, supersedeCurrentSQL); err != nil {
			return fmt.Errorf("supersede current epoch: %w", err)
		}
		if _, err := tx.Exec(ctx, markCurrentSQL, epochID); err != nil {
			return fmt.Errorf("mark epoch current: %w", err)
		}
		if _, err := tx.Exec(ctx, movePointerSQL, epochID); err != nil {
			return fmt.Errorf("move epoch pointer: %w", err)
		}
		if _, err := tx.Exec(ctx, pruneCanonicalSQL, epochID, current); err != nil {
			return fmt.Errorf("prune canonical: %w", err)
		}
		return nil
	})
}

// RollbackCanonical restores the previous generation if epochID was published.
func (s *Store) RollbackCanonical(ctx context.Context, epochID int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		var current, previous *int64
		if err := tx.QueryRow(ctx, lockSystemStateSQL).Scan(&current, &previous); err != nil {
			return fmt.Errorf("lock system state: %w", err)
		}
		if current != nil && *current == epochID {
			if _, err := tx.Exec(ctx, restorePointerSQL); err != nil {
				return fmt.Errorf("restore epoch pointer: %w", err)
			}
			if _, err := tx.Exec(ctx, markFailedSQL, epochID); err != nil {
				return fmt.Errorf("mark epoch failed: %w", err)
			}
			if previous != nil {
				if _, err := tx.Exec(ctx, markCurrentSQL, *previous); err != nil {
					return fmt.Errorf("mark previous epoch current: %w", err)
				}
			}
		}
		if _, err := tx.Exec(ctx, deleteEpochCanonicalSQL, epochID); err != nil {
			return fmt.Errorf("delete epoch rows: %w", err)
		}
		return nil
	})
}

// RetainedEpochs lists epochs with physical canonical rows.
func (s *Store) RetainedEpochs(ctx context.Context) ([]int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, retainedEpochsSQL)
	if err != nil {
		return nil, fmt.Errorf("retained epochs: %w", err)
	}
	return collectRows(rows, func(row pgx.Rows) (int64, error) {
		var id int64
		err := row.Scan(&id)
		return id, err
	})
}

// CurrentEpoch returns the published epoch.
func (s *Store) CurrentEpoch(ctx context.Context) (model.ValueEpoch, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.ValueEpoch{}, err
	}
	e, err := scanEpoch(pool.QueryRow(ctx, currentEpochSQL))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ValueEpoch{}, ErrNoCurrentEpoch
	}
	if err != nil {
		return model.ValueEpoch{}, fmt.Errorf("current epoch: %w", err)
	}
	return e, nil
}

// GetCanonical returns one canonical row together with the epoch it was read from.
func (s *Store) GetCanonical(ctx context.Context, key model.ValueKey) (model.PlayerValueRecord, model.ValueEpoch, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.PlayerValueRecord{}, model.ValueEpoch{}, err
	}
	rows, err := pool.Query(ctx, getCanonicalSQL, key.PlayerID, string(key.Format), key.LeagueProfileID)
	if err != nil {
		return model.PlayerValueRecord{}, model.ValueEpoch{}, fmt.Errorf("get canonical: %w", err)
	}
	records, epochs, err := collectCanonical(rows)
	if err != nil {
		return model.PlayerValueRecord{}, model.ValueEpoch{}, err
	}
	if len(records) == 0 {
		epoch, err := s.CurrentEpoch(ctx)
		if err != nil {
			return model.PlayerValueRecord{}, model.ValueEpoch{}, err
		}
		return model.PlayerValueRecord{}, epoch, ErrNotFound
	}
	return records[0], epochs[0], nil
}

// ListCanonical returns the canonical rows of a (format, profile), best first.
func (s *Store) ListCanonical(ctx context.Context, format model.Format, profileID string) ([]model.PlayerValueRecord, model.ValueEpoch, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, model.ValueEpoch{}, err
	}
	rows, err := pool.Query(ctx, listCanonicalSQL, string(format), profileID)
	if err != nil {
		return nil, model.ValueEpoch{}, fmt.Errorf("list canonical: %w", err)
	}
	records, epochs, err := collectCanonical(rows)
	if err != nil {
		return nil, model.ValueEpoch{}, err
	}
	if len(records) == 0 {
		epoch, err := s.CurrentEpoch(ctx)
		if err != nil {
			return nil, model.ValueEpoch{}, err
		}
		return records, epoch, nil
	}
	return records, epochs[0], nil
}

// CanonicalCount counts the published rows.
func (s *Store) CanonicalCount(ctx context.Context) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int
	if err := pool.QueryRow(ctx, canonicalCountSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("count canonical: %w", err)
	}
	return count, nil
}

func (s *Store) execAffecting(ctx context.Context, op, sql string, args ...interface{}) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectCanonical(rows pgx.Rows) ([]model.PlayerValueRecord, []model.ValueEpoch, error) {
	defer rows.Close()
	var (
		records []model.PlayerValueRecord
		epochs  []model.ValueEpoch
	)
	for rows.Next() {
		r, e, err := scanValueWithEpoch(rows)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, r)
		epochs = append(epochs, e)
	}
	if rows.Err() != nil {
		return nil, nil, rows.Err()
	}
	return records, epochs, nil
}

type valueScan struct {
	r                                      model.PlayerValueRecord
	format, position, tier                 string
	base, scarcity, league, adjusted, conf string
	market                                 *string
}

func (v *valueScan) targets() []interface{} {
	return []interface{}{
		&v.r.EpochID,
		&v.r.PlayerID,
		&v.format,
		&v.r.LeagueProfileID,
		&v.r.FullName,
		&v.position,
		&v.r.Team,
		&v.base,
		&v.market,
		&v.scarcity,
		&v.league,
		&v.adjusted,
		&v.r.RankOverall,
		&v.r.RankPosition,
		&v.tier,
		&v.conf,
		&v.r.UpdatedAt,
	}
}

func (v *valueScan) record() (model.PlayerValueRecord, error) {
	r := v.r
	r.Format = model.Format(v.format)
	r.Position = model.Position(v.position)
	r.Tier = model.Tier(v.tier)
	var err error
	if r.BaseValue, err = parseNumeric("base value", v.base); err != nil {
		return r, err
	}
	if r.MarketValue, err = parseOptionalNumeric("market value", v.market); err != nil {
		return r, err
	}
	if r.ScarcityAdjustment, err = parseNumeric("scarcity adjustment", v.scarcity); err != nil {
		return r, err
	}
	if r.LeagueAdjustment, err = parseNumeric("league adjustment", v.league); err != nil {
		return r, err
	}
	if r.AdjustedValue, err = parseNumeric("adjusted value", v.adjusted); err != nil {
		return r, err
	}
	if r.Confidence, err = parseNumeric("confidence", v.conf); err != nil {
		return r, err
	}
	return r, nil
}

func scanValue(row pgx.Rows) (model.PlayerValueRecord, error) {
	var v valueScan
	if err := row.Scan(v.targets()...); err != nil {
		return model.PlayerValueRecord{}, err
	}
	return v.record()
}

func scanValueWithEpoch(row pgx.Rows) (model.PlayerValueRecord, model.ValueEpoch, error) {
	var (
		v      valueScan
		e      model.ValueEpoch
		status string
	)
	targets := append(v.targets(),
		&e.ID,
		&e.Number,
		&e.TriggerReason,
		&e.Actor,
		&status,
		&e.PlayersProcessed,
		&e.CreatedAt,
		&e.CompletedAt,
	)
	if err := row.Scan(targets...); err != nil {
		return model.PlayerValueRecord{}, model.ValueEpoch{}, err
	}
	e.Status = model.EpochStatus(status)
	r, err := v.record()
	return r, e, err
}

func scanEpoch(row pgx.Row) (model.ValueEpoch, error) {
	var (
		e      model.ValueEpoch
		status string
	)
	if err := row.Scan(
		&e.ID,
		&e.Number,
		&e.TriggerReason,
		&e.Actor,
		&status,
		&e.PlayersProcessed,
		&e.CreatedAt,
		&e.CompletedAt,
	); err != nil {
		return e, err
	}
	e.Status = model.EpochStatus(status)
	return e, nil
}
