package main

import (
	"fmt"

	"github.com/healthy-habitat/score-regions/internal/app"
	"github.com/healthy-habitat/score-regions/internal/config"
	"github.com/healthy-habitat/score-regions/internal/domain"
	"github.com/healthy-habitat/score-regions/internal/event"
	"github.com/healthy-habitat/score-regions/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func scoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score [blob-url]",
		Short: "Score one flight image",
		Long:  `Run the scoring pipeline once for a blob URL of the form https://{account}.blob.core.windows.net/{location}-{season}/{dateOfFlight}/{blobName}.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := event.ParseBlobURL(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			basicCfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log, err := logger.NewLogger(&basicCfg.Logging, &basicCfg.App)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			cfg, err := config.LoadWithSecrets(ctx, log)
			if err != nil {
				return fmt.Errorf("failed to load secrets: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			components, err := app.Build(cfg, nil, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := components.Close(); err != nil {
					log.Warn("Error closing results store", zap.Error(err))
				}
			}()

			report, err := components.Service.Score(ctx, blob)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s: %d/%d tiles scored, %d records, %d dropped, %s\n",
				report.RunID, report.TilesScored, report.TilesTotal, report.Records, report.Dropped, report.Duration)
			for role, n := range report.Skipped {
				fmt.Fprintf(out, "skipped %s on %d tiles (no trained iteration)\n", role, n)
			}
			for _, f := range report.Failures {
				fmt.Fprintf(out, "failed %s\n", f)
			}

			if components.Results != nil {
				animals, habitats, err := components.Results.CountByFlight(ctx, domain.FlightKey{
					DateOfFlight: blob.DateOfFlight,
					Location:     blob.Location,
					Season:       blob.Season,
				})
				if err == nil {
					fmt.Fprintf(out, "flight totals: %d animal, %d habitat results\n", animals, habitats)
				}
			}

			if !report.Success() {
				return fmt.Errorf("%d tiles failed", len(report.Failures))
			}
			return nil
		},
	}
	return cmd
}
