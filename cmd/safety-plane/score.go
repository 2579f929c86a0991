package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"github.com/xela07ax/agent-safety-plane/internal/domain"
	"github.com/xela07ax/agent-safety-plane/internal/threat"
)

// newScoreCmd считает скор аномалии для одного снимка метрик без запуска сервера.
func newScoreCmd() *cobra.Command {
	var m domain.TradingMetrics
	cmd := &cobra.Command{
		Use:     "score",
		Short:   "Score a metrics snapshot with the anomaly detector",
		Example: `  safety-plane score --volume 2000000 --price-change 60 --trade-count 150`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res := threat.New().DetectAnomaly(m)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().Float64Var(&m.Volume, "volume", 0, "traded volume in the window")
	cmd.Flags().Float64Var(&m.PriceChange, "price-change", 0, "price change in percent")
	cmd.Flags().IntVar(&m.TradeCount, "trade-count", 0, "number of trades in the window")
	return cmd
}
