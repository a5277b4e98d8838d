package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"player-values/internal/model"
	"player-values/internal/oracle"
	"player-values/internal/service"
)

// RebuildOptions configure a one-shot rebuild.
type RebuildOptions struct {
	Reason string
	Actor  string
	// Full gates pending batches first and recomputes trends afterwards.
	Full bool
	JSON bool
}

// Rebuild publishes a new epoch once.
func (a *App) Rebuild(ctx context.Context, opts RebuildOptions) error {
	c, err := a.build(ctx, "rebuild", nil)
	if err != nil {
		return err
	}
	defer c.close()

	if opts.Full {
		report, err := c.service.RunPipeline(ctx, opts.Reason)
		if opts.JSON {
			if encErr := writeJSON(os.Stdout, report); encErr != nil {
				return encErr
			}
		} else {
			printGate(os.Stdout, report.Gate)
			if report.Rebuild != nil {
				fmt.Fprintf(os.Stdout, "rebuild: success=%t epoch=%d players=%d duration=%dms\n",
					report.Rebuild.Success, report.Rebuild.EpochNumber, report.Rebuild.PlayersProcessed, report.Rebuild.DurationMS)
			}
			for _, e := range report.Errors {
				fmt.Fprintf(os.Stdout, "error: %s\n", e)
			}
		}
		return err
	}

	res, err := c.service.Rebuild(ctx, opts.Reason, opts.Actor)
	if opts.JSON {
		if encErr := writeJSON(os.Stdout, res); encErr != nil {
			return encErr
		}
		return err
	}
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Success\t%t\n", res.Success)
	fmt.Fprintf(writer, "Epoch\t%d (id %d)\n", res.EpochNumber, res.EpochID)
	fmt.Fprintf(writer, "Players\t%d\n", res.PlayersProcessed)
	fmt.Fprintf(writer, "Rows staged\t%d\n", res.RowsStaged)
	fmt.Fprintf(writer, "Duration\t%dms\n", res.DurationMS)
	fmt.Fprintf(writer, "Coverage\t%.3f\n", res.Validation.Coverage)
	for _, w := range res.Validation.Warnings {
		fmt.Fprintf(writer, "Warning\t%s\n", w)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(writer, "Error\t%s\n", sanitizeInline(e))
	}
	return writer.Flush()
}

// Gate scores and inspects pending batches without rebuilding.
func (a *App) Gate(ctx context.Context) error {
	c, err := a.build(ctx, "gate batches", nil)
	if err != nil {
		return err
	}
	defer c.close()

	report, err := c.service.Gate(ctx)
	if err != nil {
		return err
	}
	printGate(os.Stdout, report)
	return nil
}

// Trends recomputes trend records for every configured format.
func (a *App) Trends(ctx context.Context) error {
	c, err := a.build(ctx, "compute trends", nil)
	if err != nil {
		return err
	}
	defer c.close()

	summaries, runErr := c.service.RecomputeTrends(ctx)
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Format\tEpoch\tRecords\tbuy_low\tsell_high\trising\tfalling\tstable")
	for _, s := range summaries {
		fmt.Fprintf(writer, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			s.Format, s.Epoch, s.Records,
			s.ByTag[model.TrendBuyLow], s.ByTag[model.TrendSellHigh], s.ByTag[model.TrendRising],
			s.ByTag[model.TrendFalling], s.ByTag[model.TrendStable])
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	return runErr
}

// CheckOptions configure the consistency oracle.
type CheckOptions struct {
	Format   model.Format
	PlayerID string
	Profile  string
	Limit    int
}

// ErrInconsistent is returned when the read path disagrees with canonical storage.
var ErrInconsistent = errors.New("read path disagrees with canonical storage")

// Check compares the consumer read path with canonical storage.
func (a *App) Check(ctx context.Context, opts CheckOptions) error {
	c, err := a.build(ctx, "check consistency", nil)
	if err != nil {
		return err
	}
	defer c.close()

	var checks []oracle.Check
	if opts.PlayerID != "" {
		checks = []oracle.Check{c.oracle.CheckValue(ctx, model.ValueKey{
			PlayerID:        opts.PlayerID,
			Format:          opts.Format,
			LeagueProfileID: opts.Profile,
		})}
	} else {
		report, err := c.oracle.CheckTop(ctx, opts.Format, opts.Limit)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "checked %d values, %d consistent\n", report.Checked, report.Consistent)
		checks = report.Mismatches
	}

	inconsistent := 0
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Key\tExpected\tActual\tDrift%\tEpochs\tErrors")
	for _, ch := range checks {
		if !ch.Consistent() {
			inconsistent++
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%.4f\t%s/%s\t%s\n",
			ch.Key.String(),
			optionalFloat(ch.Expected), optionalFloat(ch.Actual),
			ch.DriftPercent,
			optionalInt(ch.ExpectedEpoch), optionalInt(ch.ActualEpoch),
			sanitizeInline(fmt.Sprint(ch.Errors)))
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	if inconsistent > 0 {
		return fmt.Errorf("%w: %d value(s)", ErrInconsistent, inconsistent)
	}
	return nil
}

// ModeOptions read or change the operating mode.
type ModeOptions struct {
	Set   string
	Actor string
}

// Mode 输出系统状态, 指定 --set 时先切换运行模式。
func (a *App) Mode(ctx context.Context, opts ModeOptions) error {
	store, closeStore, err := a.requireStore(ctx, "manage operating mode")
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.Set != "" {
		mode, err := model.ParseOperatingMode(opts.Set)
		if err != nil {
			return err
		}
		if err := store.SetOperatingMode(ctx, mode, opts.Actor); err != nil {
			return err
		}
		a.Logger.Info().Str("mode", string(mode)).Str("actor", opts.Actor).Msg("operating mode changed")
	}

	state, err := store.SystemState(ctx)
	if err != nil {
		return err
	}
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Mode\t%s\n", state.Mode)
	fmt.Fprintf(writer, "Current epoch id\t%s\n", optionalInt(state.CurrentEpochID))
	fmt.Fprintf(writer, "Previous epoch id\t%s\n", optionalInt(state.PreviousEpochID))
	fmt.Fprintf(writer, "Updated by\t%s\n", state.UpdatedBy)
	return writer.Flush()
}

func printGate(w io.Writer, report service.GateReport) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Batch\tSource\tScore\tRecommendation\tAlerts\tStatus")
	for _, o := range report.Outcomes {
		fmt.Fprintf(writer, "%s\t%s\t%.3f\t%s\t%d\t%s\n", o.BatchID, o.Source, o.Score, o.Recommendation, o.Alerts, o.Status)
	}
	writer.Flush()
	fmt.Fprintf(w, "%d batch(es) awaiting manual review\n", report.AwaitingReview)
	for _, e := range report.Errors {
		fmt.Fprintf(w, "error: %s\n", sanitizeInline(e))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

func optionalInt(v *int64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}
