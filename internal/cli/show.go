package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"charon/internal/app"
)

var (
	showAsset string
	showLimit int
)

var showCmd = &cobra.Command{
	Use:       "show [signals|jobs]",
	Short:     "Display recent signals or import runs",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"signals", "jobs"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			What:  "signals",
			Asset: showAsset,
			Limit: showLimit,
		}
		if len(args) == 1 {
			opts.What = args[0]
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showAsset, "asset", "", "Only show signals for this instrument code")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
}
