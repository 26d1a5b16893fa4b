// Package orchestrator sequences an extraction run: authenticate, extract
// every configured page, merge with the stored history, persist, report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ImagineLearning/aia-improvements-viewer/auth"
	"github.com/ImagineLearning/aia-improvements-viewer/classify"
	"github.com/ImagineLearning/aia-improvements-viewer/config"
	"github.com/ImagineLearning/aia-improvements-viewer/extract"
	"github.com/ImagineLearning/aia-improvements-viewer/models"
	"github.com/ImagineLearning/aia-improvements-viewer/parser"
	"github.com/ImagineLearning/aia-improvements-viewer/pipeline"
	"github.com/ImagineLearning/aia-improvements-viewer/report"
	"github.com/ImagineLearning/aia-improvements-viewer/scraper"
)

// SummaryFile is the summary written next to the CSV when no path is configured.
const SummaryFile = "extraction_summary.txt"

// State is a stage of a run.
type State string

const (
	StateIdle           State = "Idle"
	StateAuthenticating State = "Authenticating"
	StateExtracting     State = "Extracting"
	StateMerging        State = "Merging"
	StatePersisting     State = "Persisting"
	StateReporting      State = "Reporting"
	StateDone           State = "Done"
	StateFailed         State = "Failed"
)

var (
	// ErrAuthentication means no session could be established.
	ErrAuthentication = errors.New("orchestrator: authentication failed")
	// ErrNoPages means there is nothing configured to extract.
	ErrNoPages = errors.New("orchestrator: no pages configured")
	// ErrNoRecords means every page together produced zero records.
	ErrNoRecords = errors.New("orchestrator: no records extracted")
	// ErrPersist means the output could not be read or written.
	ErrPersist = errors.New("orchestrator: persisting records failed")
)

// RunError is a fatal run failure and the state it happened in.
type RunError struct {
	State State
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Option customizes a Runner.
type Option func(*Runner)

// WithMetrics records page and record counts on m.
func WithMetrics(m *scraper.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithOutput renders the summary report to w in addition to the summary file.
func WithOutput(w io.Writer) Option {
	return func(r *Runner) { r.out = w }
}

// WithPipeline replaces the pipeline built from the configuration.
func WithPipeline(p *pipeline.Pipeline) Option {
	return func(r *Runner) { r.pipeline = p }
}

// WithRules replaces the default normalization and classification rules.
func WithRules(n *parser.Normalizer, c *classify.Classifier) Option {
	return func(r *Runner) {
		r.normalizer = n
		r.classifier = c
	}
}

// Runner drives one extraction run at a time.
type Runner struct {
	cfg           *config.Config
	authenticator auth.Authenticator
	creds         auth.Credentials

	normalizer *parser.Normalizer
	classifier *classify.Classifier
	extractor  *extract.Extractor
	pipeline   *pipeline.Pipeline
	metrics    *scraper.Metrics
	out        io.Writer

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	state State
}

// New returns a Runner for cfg that logs in through authenticator.
func New(cfg *config.Config, authenticator auth.Authenticator, creds auth.Credentials, opts ...Option) *Runner {
	r := &Runner{
		cfg:           cfg,
		authenticator: authenticator,
		creds:         creds,
		sleep:         sleep,
		now:           time.Now,
		state:         StateIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.normalizer == nil {
		r.normalizer = parser.Default()
	}
	if r.classifier == nil {
		r.classifier = classify.Default()
	}
	if r.pipeline == nil {
		r.pipeline = pipeline.New(cfg, r.normalizer)
	}
	r.extractor = extract.NewExtractor(cfg, r.normalizer, r.classifier)
	return r
}

// State returns the stage the last run reached.
func (r *Runner) State() State { return r.state }

// SummaryPath is where the run summary is written.
func (r *Runner) SummaryPath() string {
	if r.cfg.Output.SummaryPath != "" {
		return r.cfg.Output.SummaryPath
	}
	return filepath.Join(filepath.Dir(r.cfg.Output.CSVPath), SummaryFile)
}

func (r *Runner) enter(logger *slog.Logger, s State) {
	logger.Debug("state transition", slog.String("from", string(r.state)), slog.String("to", string(s)))
	r.state = s
}

func (r *Runner) fail(logger *slog.Logger, result *models.RunResult, err error) error {
	failed := r.state
	r.state = StateFailed
	result.State = string(StateFailed)
	result.EndTime = r.now()
	logger.Error("run failed", slog.String("state", string(failed)), slog.Any("error", err))
	return &RunError{State: failed, Err: err}
}

// Run performs a full extraction. The session is closed on every return
// path, including cancellation. The result is returned even on failure.
func (r *Runner) Run(ctx context.Context) (*models.RunResult, error) {
	result := &models.RunResult{
		RunID:        uuid.NewString(),
		StartTime:    r.now(),
		ErrorsByType: make(map[string]int),
	}
	logger := slog.With(slog.String("run_id", result.RunID))
	r.state = StateIdle
	logger.Info("starting extraction run",
		slog.String("backend", r.cfg.Scraping.Backend),
		slog.Int("pages", len(r.cfg.Site.Pages)),
	)

	r.enter(logger, StateAuthenticating)
	if len(r.cfg.Site.Pages) == 0 {
		return result, r.fail(logger, result, ErrNoPages)
	}
	session, err := r.authenticator.Login(ctx, r.creds)
	if err != nil {
		return result, r.fail(logger, result, fmt.Errorf("%w: %w", ErrAuthentication, err))
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("closing session", slog.Any("error", err))
		}
	}()

	r.enter(logger, StateExtracting)
	records, err := r.extractAll(ctx, logger, session, result)
	if err != nil {
		return result, r.fail(logger, result, err)
	}
	if len(records) == 0 {
		return result, r.fail(logger, result, ErrNoRecords)
	}

	r.enter(logger, StateMerging)
	commit, err := r.pipeline.Merge(ctx, records)
	if err != nil {
		// A store that cannot be read cannot be appended to either.
		r.state = StatePersisting
		return result, r.fail(logger, result, fmt.Errorf("%w: %w", ErrPersist, err))
	}

	r.enter(logger, StatePersisting)
	if err := r.pipeline.Persist(ctx, &commit); err != nil {
		return result, r.fail(logger, result, fmt.Errorf("%w: %w", ErrPersist, err))
	}
	result.NewRecords = len(commit.New)
	result.Duplicates = commit.Duplicates
	result.BackupPath = commit.BackupPath
	for _, w := range commit.Warnings {
		result.Warnings = append(result.Warnings, w.String())
	}
	r.metrics.AddWritten(len(commit.New))

	r.enter(logger, StateReporting)
	result.State = string(StateDone)
	result.EndTime = r.now()
	r.report(logger, records, result)

	r.enter(logger, StateDone)
	logger.Info("extraction run complete",
		slog.Int("extracted", result.TotalExtracted),
		slog.Int("new", result.NewRecords),
		slog.Int("duplicates", result.Duplicates),
		slog.Int("failed_pages", len(result.FailedURLs)),
		slog.Duration("duration", result.EndTime.Sub(result.StartTime)),
	)
	return result, nil
}

// extractAll visits every page in order. Page failures are recorded and
// skipped; only cancellation is returned.
func (r *Runner) extractAll(ctx context.Context, logger *slog.Logger, session auth.Session, result *models.RunResult) ([]models.ErrataRecord, error) {
	var all []models.ErrataRecord
	delay := r.cfg.Scraping.PageDelay.Std()

	for i, pageURL := range r.cfg.PageURLs() {
		if i > 0 && delay > 0 {
			if err := r.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pageLogger := logger.With(slog.String("url", pageURL), slog.Int("page", i+1))
		page := models.PageResult{URL: pageURL, FetchedAt: r.now()}

		doc, err := session.Fetch(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			label := scraper.ErrorTypeLabel(err)
			page.Err = err
			result.Pages = append(result.Pages, page)
			result.FailedURLs = append(result.FailedURLs, pageURL)
			result.ErrorsByType[label]++
			r.metrics.IncPage("failed")
			pageLogger.Error("page failed, skipping", slog.String("error_type", label), slog.Any("error", err))
			continue
		}

		records, stats := r.extractor.Extract(ctx, doc)
		page.Title = stats.Title
		page.Records = len(records)
		page.Sections = stats.Sections
		page.Skipped = stats.Skipped()
		page.Invalid = stats.Invalid
		result.Pages = append(result.Pages, page)
		result.TotalExtracted += len(records)
		r.metrics.AddRecords(len(records))

		if len(records) == 0 {
			r.metrics.IncPage("empty")
			pageLogger.Warn("page had zero records", slog.String("title", stats.Title), slog.Int("sections", stats.Sections))
		} else {
			r.metrics.IncPage("ok")
			pageLogger.Info("page extracted",
				slog.String("title", stats.Title),
				slog.String("grade", stats.GradeLevel),
				slog.Int("records", len(records)),
				slog.Int("skipped", stats.Skipped()),
			)
		}
		all = append(all, records...)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return all, nil
}

func (r *Runner) report(logger *slog.Logger, records []models.ErrataRecord, result *models.RunResult) {
	summary := report.Summarize(records, r.classifier, result.Warnings, result)
	path := r.SummaryPath()
	if err := summary.WriteFile(path); err != nil {
		logger.Warn("could not write summary", slog.String("path", path), slog.Any("error", err))
	} else {
		result.SummaryPath = path
		logger.Info("summary written", slog.String("path", path))
	}
	if r.out != nil {
		summary.Render(r.out)
	}
}

// TestAuth logs in, fetches the first configured page and returns its title.
func (r *Runner) TestAuth(ctx context.Context) (string, error) {
	logger := slog.With(slog.String("mode", "test-auth"))
	result := &models.RunResult{}

	r.enter(logger, StateAuthenticating)
	session, err := r.authenticator.Login(ctx, r.creds)
	if err != nil {
		return "", r.fail(logger, result, fmt.Errorf("%w: %w", ErrAuthentication, err))
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("closing session", slog.Any("error", err))
		}
	}()
	logger.Info("authentication successful")

	urls := r.cfg.PageURLs()
	if len(urls) == 0 {
		r.enter(logger, StateDone)
		return "", nil
	}

	r.enter(logger, StateExtracting)
	doc, err := session.Fetch(ctx, urls[0])
	if err != nil {
		return "", r.fail(logger, result, fmt.Errorf("fetch first page: %w", err))
	}
	logger.Info("fetched first page", slog.String("url", doc.URL()), slog.String("title", doc.Title()))
	r.enter(logger, StateDone)
	return doc.Title(), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
