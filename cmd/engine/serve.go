package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/options-engine/internal/api"
	"github.com/Rajchodisetti/options-engine/internal/config"
	"github.com/Rajchodisetti/options-engine/internal/correlation"
	"github.com/Rajchodisetti/options-engine/internal/observ"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.scheduler.Restore(ctx); err != nil {
		return err
	}
	srv := api.NewServer(cfg.API, api.NewHandler(a.scheduler, a.runner, a.grouper, a.ledger))

	log := observ.With("engine")
	log.Info().Str("version", cfg.Version).Str("store", cfg.Store.Driver).Str("market_data", cfg.MarketData.Provider).Msg("engine starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	if len(cfg.Correlation.Symbols) >= 2 {
		g.Go(func() error { return refreshCorrelation(gctx, a.grouper, cfg.Correlation) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info().Msg("engine stopped")
	return err
}

// refreshCorrelation recomputes groups at startup and then on every refresh
// interval. Failures keep the previous result.
func refreshCorrelation(ctx context.Context, g *correlation.Grouper, cfg config.Correlation) error {
	log := observ.With("correlation")
	compute := func() {
		res, err := g.Compute(ctx, cfg.Symbols, cfg.LookbackDays, cfg.Threshold)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("correlation refresh failed")
			}
			return
		}
		log.Info().Int("groups", len(res.Groups)).Int("skipped", len(res.Skipped)).Msg("correlation groups refreshed")
	}

	compute()
	if cfg.RefreshInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			compute()
		}
	}
}
