package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ImagineLearning/aia-improvements-viewer/auth"
	"github.com/ImagineLearning/aia-improvements-viewer/classify"
	"github.com/ImagineLearning/aia-improvements-viewer/orchestrator"
	"github.com/ImagineLearning/aia-improvements-viewer/parser"
	"github.com/ImagineLearning/aia-improvements-viewer/pipeline"
	"github.com/ImagineLearning/aia-improvements-viewer/report"
)

// newExtractCmd builds extract and update. Both run the same pipeline;
// deduplication against the stored CSV makes every run incremental.
func newExtractCmd(a *app, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := auth.LoadCredentials(a.envFile)
			if err != nil {
				return err
			}
			stopMetrics := a.serveMetrics()
			defer stopMetrics()

			slog.Info("starting extraction",
				slog.String("mode", use),
				slog.String("backend", a.cfg.Scraping.Backend),
				slog.String("output", a.cfg.Output.CSVPath),
				slog.Any("user", creds),
			)
			runner := orchestrator.New(a.cfg, a.authenticator(), creds,
				orchestrator.WithMetrics(a.metrics),
				orchestrator.WithOutput(cmd.OutOrStdout()),
			)
			result, err := runner.Run(cmd.Context())
			if result != nil {
				printSummary(result, a.cfg.Output.CSVPath)
			}
			return err
		},
	}
}

func newTestAuthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "test-auth",
		Short: "Log in and fetch the first errata page without writing anything.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := auth.LoadCredentials(a.envFile)
			if err != nil {
				return err
			}
			runner := orchestrator.New(a.cfg, a.authenticator(), creds, orchestrator.WithMetrics(a.metrics))
			title, err := runner.TestAuth(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Authentication OK (%s backend). First page: %q\n", a.cfg.Scraping.Backend, title)
			return nil
		},
	}
}

func newNormalizeDatesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "normalize-dates",
		Short: "Rewrite the stored CSV with every Date_Updated as YYYY-MM-DD.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := pipeline.New(a.cfg, parser.Default())
			res, err := p.NormalizeStoredDates(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Normalized %d of %d stored dates in %s\n", res.Changed, res.Records, a.cfg.Output.CSVPath)
			if res.BackupPath != "" {
				fmt.Fprintf(out, "Backup written to %s\n", res.BackupPath)
			}
			return nil
		},
	}
}

func newReportCmd(a *app) *cobra.Command {
	var (
		filter  string
		grades  []string
		limit   int
		summary bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show the most recent stored changes, or a summary of the whole CSV.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := report.ParseFilter(filter)
			if err != nil {
				return err
			}
			records, err := pipeline.NewStore(a.cfg.Output.CSVPath, a.cfg.Output.BackupDir).Load()
			if err != nil {
				return fmt.Errorf("load %s: %w", a.cfg.Output.CSVPath, err)
			}
			if len(records) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No records in %s\n", a.cfg.Output.CSVPath)
				return nil
			}

			c := classify.Default()
			if summary {
				var warnings []string
				for _, w := range pipeline.Validate(records) {
					warnings = append(warnings, w.String())
				}
				report.Summarize(records, c, warnings, nil).Render(cmd.OutOrStdout())
				return nil
			}
			report.RenderRecent(cmd.OutOrStdout(), report.Recent(records, c, f, grades, limit))
			return nil
		},
	}

	cmd.Flags().StringVar(&filter, "filter", string(report.FilterAll), "Audience: all, student or teacher")
	cmd.Flags().StringSliceVar(&grades, "grade", nil, `Grade levels to include (e.g. --grade "Grade 2" --grade Kindergarten)`)
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of changes to show (0 for all)")
	cmd.Flags().BoolVar(&summary, "summary", false, "Show counts by grade, unit, resource and audience instead")
	return cmd
}
