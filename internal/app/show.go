package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"player-values/internal/values"
)

// Show prints the top published values of a format.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	c, err := a.build(ctx, "show values", nil)
	if err != nil {
		return err
	}
	defer c.close()

	rows, epoch, err := c.reader.Rankings(ctx, values.RankingsQuery{
		Format:    opts.Format,
		ProfileID: opts.Profile,
		Position:  opts.Position,
		Limit:     opts.Limit,
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(os.Stdout, "no values found")
		return nil
	}

	completed := "-"
	if epoch.CompletedAt != nil {
		completed = epoch.CompletedAt.UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(os.Stdout, "epoch %d published %s\n", epoch.Number, completed)

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Rank\tPlayer\tName\tPos\tPosRank\tTier\tBase\tScarcity\tLeague\tAdjusted\tConfidence")
	for _, v := range rows {
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%d\t%s\t%.0f\t%+.0f\t%+.0f\t%.0f\t%.2f\n",
			v.RankOverall,
			v.PlayerID,
			sanitizeInline(v.FullName),
			v.Position,
			v.RankPosition,
			v.Tier,
			v.BaseValue,
			v.ScarcityAdjustment,
			v.LeagueAdjustment,
			v.AdjustedValue,
			v.Confidence,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
