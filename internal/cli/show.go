package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"player-values/internal/app"
	"player-values/internal/model"
)

var (
	showFormat   string
	showProfile  string
	showPosition string
	showLimit    int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the top published values",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		format, err := model.ParseFormat(showFormat)
		if err != nil {
			return err
		}

		opts := app.ShowOptions{
			Format:  format,
			Profile: showProfile,
			Limit:   showLimit,
		}
		if showPosition != "" {
			pos, err := model.ParsePosition(showPosition)
			if err != nil {
				return err
			}
			opts.Position = pos
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showFormat, "format", string(model.FormatDynastySF), "Value format")
	showCmd.Flags().StringVar(&showProfile, "profile", "", "League profile id (default profile when empty)")
	showCmd.Flags().StringVar(&showPosition, "position", "", "Only show one position")
	showCmd.Flags().IntVar(&showLimit, "limit", 25, "Number of players to display")
}
