package cli

import (
	"github.com/spf13/cobra"
)

var recomputeAsset string

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Recompute signals from the stored series",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Recompute(cmd.Context(), recomputeAsset)
	},
}

func init() {
	recomputeCmd.Flags().StringVar(&recomputeAsset, "asset", "", "Instrument code (defaults to every active instrument)")
}
