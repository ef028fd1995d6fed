package cli

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"charon/internal/strategy"
)

var (
	simulateAsset   string
	simulateVerdict string
	simulatePrice   float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次信号并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice <= 0 {
			return errors.New("--price 必须大于 0")
		}

		verdict := strategy.Verdict(strings.ToUpper(simulateVerdict))
		return getApp().SimulateAlert(cmd.Context(), simulateAsset, verdict, simulatePrice)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "USD", "资产代码")
	simulateCmd.Flags().StringVar(&simulateVerdict, "verdict", "BUY", "BUY 或 SELL")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "信号价格 (PLN)")
}
