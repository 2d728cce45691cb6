package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/options-engine/internal/strategy"
)

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List the parameter presets",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PRESET\tDIRECTIONAL MIN\t0DTE MIN\tCONFIRM\tSTOP xATR\tTARGET xATR\tCOOLDOWN\tMAX/DAY")
		for _, name := range strategy.PresetNames() {
			p, _ := strategy.Preset(name)
			fmt.Fprintf(w, "%s\t%.0f\t%.0f\t%d\t%.1f\t%.1f\t%dm\t%d\n",
				name, p.Thresholds.DirectionalScoreMin, p.Thresholds.ZDTEEntryThreshold, p.ConsecutiveConfirmCycles,
				p.StopATRMultiplier, p.TargetATRMultiplier, p.CooldownMinutes, p.MaxTradesPerDay)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(presetsCmd)
}
