package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/options-engine/internal/backtest"
	"github.com/Rajchodisetti/options-engine/internal/market"
	"github.com/Rajchodisetti/options-engine/internal/strategy"
)

var (
	replayStrategy string
	replayPreset   string
	replaySymbols  []string
	replayFrom     string
	replayTo       string
	replayBars     string
	replayFormat   string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a strategy over historical bars",
	Long: `Replay runs the live entry and exit rules over minute bars for each
trading day in [from, to] and prints the simulated trades.

Parameters come from a stored strategy (--strategy) or a preset (--preset).
Bars come from --bars, the configured bars file, or the live provider.

Examples:
  engine replay --strategy 6f1c... --from 2026-03-02 --to 2026-03-06
  engine replay --preset AGGRESSIVE --symbols SPY.US,QQQ.US --from 2026-03-02 --to 2026-03-02 --bars fixtures/bars.json`,
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replayStrategy, "strategy", "", "stored strategy id")
	replayCmd.Flags().StringVar(&replayPreset, "preset", "", "preset name when no strategy is given")
	replayCmd.Flags().StringSliceVar(&replaySymbols, "symbols", nil, "symbols to replay (default: the strategy's)")
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "first day, YYYY-MM-DD")
	replayCmd.Flags().StringVar(&replayTo, "to", "", "last day, YYYY-MM-DD (default: from)")
	replayCmd.Flags().StringVar(&replayBars, "bars", "", "JSON bars file")
	replayCmd.Flags().StringVar(&replayFormat, "format", "table", "output format: table, json")
	replayCmd.MarkFlagRequired("from")
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	cal := market.NewCalendar()

	from, err := time.ParseInLocation("2006-01-02", replayFrom, cal.Location)
	if err != nil {
		return fmt.Errorf("invalid --from: %w", err)
	}
	to := from
	if replayTo != "" {
		if to, err = time.ParseInLocation("2006-01-02", replayTo, cal.Location); err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}
	}

	req := backtest.Request{StrategyID: replayStrategy, Symbols: replaySymbols, From: from, To: to}
	switch {
	case replayStrategy != "":
		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close()
		strats, err := st.LoadStrategies(ctx)
		if err != nil {
			return err
		}
		var found *strategy.Strategy
		for i := range strats {
			if strats[i].ID == replayStrategy {
				found = &strats[i]
				break
			}
		}
		if found == nil {
			return fmt.Errorf("strategy %s: %w", replayStrategy, strategy.ErrNotFound)
		}
		req.Params = found.Params
		if len(req.Symbols) == 0 {
			req.Symbols = found.Symbols
		}
	case replayPreset != "":
		p, ok := strategy.Preset(strings.ToUpper(replayPreset))
		if !ok {
			return fmt.Errorf("unknown preset %q (have %s)", replayPreset, strings.Join(strategy.PresetNames(), ", "))
		}
		req.StrategyID = "preset:" + strings.ToUpper(replayPreset)
		req.Params = p
	default:
		return fmt.Errorf("one of --strategy or --preset is required")
	}
	if len(req.Symbols) == 0 {
		return fmt.Errorf("--symbols is required with --preset")
	}

	var bars backtest.BarSource
	switch path := firstNonEmpty(replayBars, cfg.Backtest.BarsFile); {
	case path != "":
		if bars, err = backtest.LoadBarsFile(path); err != nil {
			return err
		}
	default:
		quotes, err := openQuotes(cfg.MarketData)
		if err != nil {
			return err
		}
		bars = backtest.NewProviderBars(quotes)
	}

	trades, err := backtest.NewReplayer(bars, cal, cfg.Regime).Run(ctx, req)
	if err != nil {
		return err
	}
	result := backtest.Result{Trades: trades, Summary: backtest.Summarize(trades)}

	if replayFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	return printTrades(result)
}

func printTrades(r backtest.Result) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tSYMBOL\tSIGNAL\tENTRY\tEXIT\tQTY\tNET P&L\tEXIT REASON")
	for _, t := range r.Trades {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%.2f\t%d\t%.2f\t%s\n",
			t.Date, t.Instrument(), t.Signal, t.EntryPrice, t.ExitPrice, t.Quantity, t.NetPnL, t.ExitReason)
	}
	s := r.Summary
	fmt.Fprintf(w, "\ntrades %d\twin rate %.1f%%\tnet %.2f\tfees %.2f\tprofit factor %.2f\n",
		s.TotalTrades, s.WinRate, s.NetPnL, s.TotalFees, s.ProfitFactor)
	return w.Flush()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
