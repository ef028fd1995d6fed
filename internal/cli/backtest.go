package cli

import (
	"github.com/spf13/cobra"

	"charon/internal/app"
)

var backtestOpts app.BacktestOptions

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Replay the signal logic over a stored series",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Backtest(cmd.Context(), backtestOpts)
	},
}

func init() {
	backtestCmd.Flags().StringVar(&backtestOpts.Asset, "asset", "", "Instrument code, e.g. USD or GOLD")
	backtestCmd.Flags().Float64Var(&backtestOpts.InitialCapital, "capital", 0, "Initial capital (defaults to config)")
	backtestCmd.Flags().StringVar(&backtestOpts.TradesCSV, "trades-csv", "", "Path to write the trade log")
	backtestCmd.Flags().StringVar(&backtestOpts.EquityCSV, "equity-csv", "", "Path to write the equity curve")
	backtestCmd.Flags().StringVar(&backtestOpts.PNGPath, "png", "", "Path to write the equity chart")
}
