package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/options-engine/internal/correlation"
	"github.com/Rajchodisetti/options-engine/internal/store"
)

var (
	correlateSymbols   []string
	correlateLookback  int
	correlateThreshold float64
	correlateSave      bool
)

var correlateCmd = &cobra.Command{
	Use:   "correlate",
	Short: "Compute correlation groups from daily closes",
	Long: `Correlate pulls daily closes for the given symbols, links every pair whose
return correlation reaches the threshold and prints the resulting groups.
With --save the result replaces the one the scheduler enforces.`,
	RunE: runCorrelate,
}

func init() {
	rootCmd.AddCommand(correlateCmd)
	correlateCmd.Flags().StringSliceVar(&correlateSymbols, "symbols", nil, "symbols to group (default: config correlation.symbols)")
	correlateCmd.Flags().IntVar(&correlateLookback, "lookback", 0, "lookback in trading days (default: config)")
	correlateCmd.Flags().Float64Var(&correlateThreshold, "threshold", 0, "absolute correlation that links two symbols (default: config)")
	correlateCmd.Flags().BoolVar(&correlateSave, "save", false, "persist the result to the configured store")
}

func runCorrelate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	symbols := correlateSymbols
	if len(symbols) == 0 {
		symbols = cfg.Correlation.Symbols
	}
	lookback := cfg.Correlation.LookbackDays
	if correlateLookback > 0 {
		lookback = correlateLookback
	}
	threshold := cfg.Correlation.Threshold
	if correlateThreshold > 0 {
		threshold = correlateThreshold
	}

	quotes, err := openQuotes(cfg.MarketData)
	if err != nil {
		return err
	}
	var c correlation.Cache = &correlation.MemoryCache{}
	if correlateSave {
		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close()
		c = store.NewCorrelationCache(st)
	}

	res, err := correlation.NewGrouper(quotes, c).Compute(ctx, symbols, lookback, threshold)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(res.Groups))
	for id := range res.Groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("%s: %s\n", id, strings.Join(res.Groups[id], ", "))
	}
	if len(res.Skipped) > 0 {
		fmt.Printf("skipped: %s\n", strings.Join(res.Skipped, ", "))
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res.Matrix)
}
