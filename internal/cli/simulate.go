package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var simulatePrice string

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a synthetic feed-in alert through the configured channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice == "" {
			return errors.New("--price is required")
		}
		price, err := decimal.NewFromString(simulatePrice)
		if err != nil {
			return errors.New("--price must be a number in c/kWh")
		}
		return getApp().SimulateAlert(cmd.Context(), price)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "", "Feed-in price in c/kWh for the synthetic interval")
}
