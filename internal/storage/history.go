package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"player-values/internal/model"
)

const (
	insertSnapshotSQL = `INSERT INTO value_snapshots (player_id, format, value, captured_at)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (player_id, format, captured_at) DO NOTHING;`

	listSnapshotsSQL = `SELECT player_id, format, value::text, captured_at
    FROM value_snapshots
    WHERE format = $1
      AND captured_at >= $2
    ORDER BY player_id, captured_at;`

	listPlayerSnapshotsSQL = `SELECT player_id, format, value::text, captured_at
    FROM value_snapshots
    WHERE player_id = $1
      AND format = $2
      AND captured_at >= $3
      AND captured_at < $4
    ORDER BY captured_at;`

	pruneSnapshotsSQL = `DELETE FROM value_snapshots WHERE captured_at < $1;`

	deleteTrendsSQL = `DELETE FROM trend_records WHERE format = $1;`

	insertTrendSQL = `INSERT INTO trend_records (
        player_id, format, value_now, value_7d, value_30d, change_7d, change_30d,
        volatility, tag, signal_strength, computed_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11);`

	listTrendsSQL = `SELECT player_id, format, value_now::text, value_7d::text, value_30d::text,
        change_7d::text, change_30d::text, volatility::text, tag, signal_strength::text, computed_at
    FROM trend_records
    WHERE format = $1
      AND ($2::text IS NULL OR tag = $2)
    ORDER BY signal_strength DESC, player_id
    LIMIT $3;`
)

// AppendSnapshots appends value history in a single round trip. A snapshot whose
// (player, format, captured_at) already exists is ignored.
func (s *Store) AppendSnapshots(ctx context.Context, snapshots []model.ValueSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		return nil
	}
	queued := &pgx.Batch{}
	for _, snap := range snapshots {
		queued.Queue(insertSnapshotSQL, snap.PlayerID, string(snap.Format), numericArg(snap.Value), snap.CapturedAt.UTC())
	}
	if err := pool.SendBatch(ctx, queued).Close(); err != nil {
		return fmt.Errorf("append snapshots: %w", err)
	}
	return nil
}

// ListSnapshots groups a format's recent history by player, oldest first.
func (s *Store) ListSnapshots(ctx context.Context, format model.Format, since time.Time) (map[string][]model.ValueSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listSnapshotsSQL, string(format), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	snapshots, err := collectRows(rows, scanSnapshot)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]model.ValueSnapshot)
	for _, snap := range snapshots {
		out[snap.PlayerID] = append(out[snap.PlayerID], snap)
	}
	return out, nil
}

// ListPlayerSnapshots returns one player's history in [from, to).
func (s *Store) ListPlayerSnapshots(ctx context.Context, playerID string, format model.Format, from, to time.Time) ([]model.ValueSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listPlayerSnapshotsSQL, playerID, string(format), from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list player snapshots: %w", err)
	}
	return collectRows(rows, scanSnapshot)
}

// PruneSnapshots deletes history older than before.
func (s *Store) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, pruneSnapshotsSQL, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReplaceTrends discards the format's previous run and writes records in one transaction.
func (s *Store) ReplaceTrends(ctx context.Context, format model.Format, records []model.TrendRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deleteTrendsSQL, string(format)); err != nil {
			return fmt.Errorf("delete trends: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		queued := &pgx.Batch{}
		for _, r := range records {
			queued.Queue(insertTrendSQL,
				r.PlayerID,
				string(format),
				numericArg(r.ValueNow),
				numericArg(r.Value7d),
				numericArg(r.Value30d),
				numericArg(r.Change7d),
				numericArg(r.Change30d),
				numericArg(r.Volatility),
				string(r.Tag),
				numericArg(r.SignalStrength),
				r.ComputedAt.UTC(),
			)
		}
		if err := tx.SendBatch(ctx, queued).Close(); err != nil {
			return fmt.Errorf("insert trends: %w", err)
		}
		return nil
	})
}

// ListTrends returns a format's trend records, strongest signal first.
func (s *Store) ListTrends(ctx context.Context, format model.Format, tag *model.TrendTag, limit int) ([]model.TrendRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var tagArg interface{}
	if tag != nil {
		tagArg = string(*tag)
	}
	var limitArg interface{}
	if limit > 0 {
		limitArg = limit
	}
	rows, err := pool.Query(ctx, listTrendsSQL, string(format), tagArg, limitArg)
	if err != nil {
		return nil, fmt.Errorf("list trends: %w", err)
	}
	return collectRows(rows, scanTrend)
}

func scanSnapshot(rows pgx.Rows) (model.ValueSnapshot, error) {
	var (
		snap   model.ValueSnapshot
		format string
		value  string
	)
	if err := rows.Scan(&snap.PlayerID, &format, &value, &snap.CapturedAt); err != nil {
		return snap, err
	}
	snap.Format = model.Format(format)
	v, err := parseNumeric("snapshot value", value)
	if err != nil {
		return snap, err
	}
	snap.Value = v
	return snap, nil
}

func scanTrend(rows pgx.Rows) (model.TrendRecord, error) {
	var (
		r                                    model.TrendRecord
		format, tag                          string
		now, d7, d30, c7, c30, vol, strength string
	)
	if err := rows.Scan(&r.PlayerID, &format, &now, &d7, &d30, &c7, &c30, &vol, &tag, &strength, &r.ComputedAt); err != nil {
		return r, err
	}
	r.Format = model.Format(format)
	parsedTag, err := model.ParseTrendTag(tag)
	if err != nil {
		return r, err
	}
	r.Tag = parsedTag
	fields := []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"value_now", now, &r.ValueNow},
		{"value_7d", d7, &r.Value7d},
		{"value_30d", d30, &r.Value30d},
		{"change_7d", c7, &r.Change7d},
		{"change_30d", c30, &r.Change30d},
		{"volatility", vol, &r.Volatility},
		{"signal_strength", strength, &r.SignalStrength},
	}
	for _, f := range fields {
		v, err := parseNumeric(f.name, f.raw)
		if err != nil {
			return r, err
		}
		*f.dst = v
	}
	return r, nil
}

var _ Repository = (*Store)(nil)
var _ AdvisoryLocker = (*Store)(nil)
