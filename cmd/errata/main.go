package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ImagineLearning/aia-improvements-viewer/auth"
	"github.com/ImagineLearning/aia-improvements-viewer/browser"
	"github.com/ImagineLearning/aia-improvements-viewer/config"
	"github.com/ImagineLearning/aia-improvements-viewer/models"
	"github.com/ImagineLearning/aia-improvements-viewer/scraper"
)

const defaultConfigPath = "configs/config.yaml"

// app carries the persistent flags and everything built from them.
type app struct {
	configPath  string
	envFile     string
	backend     string
	output      string
	metricsAddr string
	verbose     bool

	cfg     *config.Config
	metrics *scraper.Metrics
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, closing the session")
	}()

	if err := newRootCmd(&app{}).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "errata",
		Short:         "errata extracts curriculum errata tables into a CSV history.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", defaultConfigPath, "Config file (YAML or JSON5)")
	flags.StringVar(&a.envFile, "env-file", ".env", "File holding ERRATA_USERNAME and ERRATA_PASSWORD")
	flags.StringVar(&a.backend, "backend", "", "Page backend: live (headless Chrome) or static (HTTP)")
	flags.StringVar(&a.output, "output", "", "CSV output path")
	flags.StringVar(&a.metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose logging")

	root.AddCommand(
		newExtractCmd(a, "extract", "Log in, extract every configured page and append new records."),
		newExtractCmd(a, "update", "Extract again and append only records not already stored."),
		newTestAuthCmd(a),
		newNormalizeDatesCmd(a),
		newReportCmd(a),
	)
	return root
}

// setup loads configuration, applies flag overrides and installs the logger.
func (a *app) setup() error {
	logger, _ := newLogger(a.verbose, "auto")
	slog.SetDefault(logger)

	cfg, err := config.Load(a.configPath)
	if err != nil {
		if !config.IsNotExist(err) {
			return fmt.Errorf("load config: %w", err)
		}
		slog.Debug("config file not found, using defaults", slog.String("path", a.configPath))
		cfg = config.DefaultConfig()
		if err := cfg.ApplyEnv(); err != nil {
			return fmt.Errorf("apply environment: %w", err)
		}
	}

	if a.backend != "" {
		cfg.Scraping.Backend = strings.ToLower(a.backend)
	}
	if a.output != "" {
		cfg.Output.CSVPath = a.output
	}
	if a.metricsAddr != "" {
		cfg.MetricsAddr = a.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, level := newLogger(a.verbose, cfg.Logging.Format)
	if !a.verbose && cfg.Logging.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
			return fmt.Errorf("invalid logging level %q: %w", cfg.Logging.Level, err)
		}
	}
	slog.SetDefault(logger)
	a.cfg = cfg
	a.metrics = scraper.NewMetrics()
	return nil
}

// authenticator picks the session backend named by the configuration.
func (a *app) authenticator() auth.Authenticator {
	if a.cfg.Scraping.Backend == config.BackendStatic {
		return scraper.NewAuthenticator(a.cfg, a.metrics)
	}
	return browser.NewAuthenticator(a.cfg, a.metrics)
}

// serveMetrics exposes the metrics registry when an address is configured.
// The returned func shuts the server down.
func (a *app) serveMetrics() func() {
	if a.cfg.MetricsAddr == "" || a.metrics == nil {
		return func() {}
	}
	server := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(a.metrics.Registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", a.cfg.MetricsAddr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
	}
}

func printSummary(result *models.RunResult, csvPath string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Printf("Extraction %s\n", strings.ToLower(result.State))

	fmt.Printf("  Run ID:        %s\n", result.RunID)
	fmt.Printf("  Pages:         %d/%d succeeded\n", result.PagesSucceeded(), len(result.Pages))
	fmt.Printf("  Extracted:     %d\n", result.TotalExtracted)
	fmt.Printf("  New records:   %d\n", result.NewRecords)
	fmt.Printf("  Duplicates:    %d\n", result.Duplicates)
	fmt.Printf("  Warnings:      %d\n", len(result.Warnings))
	fmt.Printf("  Failed URLs:   %d\n", len(result.FailedURLs))
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	if !result.EndTime.IsZero() {
		fmt.Printf("  Duration:      %v\n", result.EndTime.Sub(result.StartTime).Round(time.Millisecond))
	}
	fmt.Printf("  Output file:   %s\n", csvPath)
	if result.BackupPath != "" {
		fmt.Printf("  Backup:        %s\n", result.BackupPath)
	}
	if result.SummaryPath != "" {
		fmt.Printf("  Summary:       %s\n", result.SummaryPath)
	}
	fmt.Println(separator)
}

// newLogger picks a text handler on a terminal and JSON otherwise, unless
// format forces one.
func newLogger(verbose bool, format string) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		if isTerminal(os.Stderr) {
			handler = slog.NewTextHandler(os.Stderr, opts)
		} else {
			handler = slog.NewJSONHandler(os.Stderr, opts)
		}
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
