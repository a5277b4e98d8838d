package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"player-values/internal/app"
	"player-values/internal/model"
)

var (
	rebuildReason string
	rebuildActor  string
	rebuildFull   bool
	rebuildJSON   bool

	checkFormat  string
	checkPlayer  string
	checkProfile string
	checkLimit   int

	modeSet   string
	modeActor string
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Compute and atomically publish a new value epoch",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Rebuild(cmd.Context(), app.RebuildOptions{
			Reason: rebuildReason,
			Actor:  rebuildActor,
			Full:   rebuildFull,
			JSON:   rebuildJSON,
		})
	},
}

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Score and inspect pending batches without rebuilding",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Gate(cmd.Context())
	},
}

var trendsCmd = &cobra.Command{
	Use:   "trends",
	Short: "Recompute trend tags from the current epoch and value history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Trends(cmd.Context())
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare the consumer read path with canonical storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := model.ParseFormat(checkFormat)
		if err != nil {
			return err
		}
		if checkLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Check(cmd.Context(), app.CheckOptions{
			Format:   format,
			PlayerID: checkPlayer,
			Profile:  checkProfile,
			Limit:    checkLimit,
		})
	},
}

var modeCmd = &cobra.Command{
	Use:   "mode",
	Short: "Show or change the operating mode (normal, maintenance, safe_mode)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Mode(cmd.Context(), app.ModeOptions{Set: modeSet, Actor: modeActor})
	},
}

func init() {
	rebuildCmd.Flags().StringVar(&rebuildReason, "reason", "manual", "Trigger reason recorded on the epoch")
	rebuildCmd.Flags().StringVar(&rebuildActor, "actor", "cli", "Actor recorded on the epoch")
	rebuildCmd.Flags().BoolVar(&rebuildFull, "full", false, "Gate pending batches first and recompute trends afterwards")
	rebuildCmd.Flags().BoolVar(&rebuildJSON, "json", false, "Print the result as JSON")

	checkCmd.Flags().StringVar(&checkFormat, "format", string(model.FormatDynastySF), "Value format")
	checkCmd.Flags().StringVar(&checkPlayer, "player", "", "Check a single player instead of the top values")
	checkCmd.Flags().StringVar(&checkProfile, "profile", "", "League profile id (default profile when empty)")
	checkCmd.Flags().IntVar(&checkLimit, "limit", 100, "Number of top values to check")

	modeCmd.Flags().StringVar(&modeSet, "set", "", "New operating mode")
	modeCmd.Flags().StringVar(&modeActor, "actor", "cli", "Actor recorded with the change")
}
