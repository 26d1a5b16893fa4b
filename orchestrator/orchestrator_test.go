package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ImagineLearning/aia-improvements-viewer/auth"
	"github.com/ImagineLearning/aia-improvements-viewer/config"
	"github.com/ImagineLearning/aia-improvements-viewer/extract"
	"github.com/ImagineLearning/aia-improvements-viewer/pipeline"
	"github.com/ImagineLearning/aia-improvements-viewer/scraper"
)

const (
	baseURL   = "https://example.test"
	gradeTwo  = "/wikis/1-grade-2-errata"
	gradeSix  = "/wikis/2-grade-6-errata"
	gradePage = `<html><head><title>Grade 2 Errata</title></head><body>
<div class="section-accordion"><button>Unit 1</button><table><tbody>
<tr><td>Teacher Edition Glossary, pgs. 346-347</td><td>Corrected definition</td><td>8/4/25</td></tr>
<tr><td>Only</td><td>two cells</td></tr>
</tbody></table></div>
<div class="section-accordion"><button>Unit 2</button><table><tbody>
<tr><td>Student Edition, pg. 12</td><td>Fixed answer</td><td>2024-01-15</td></tr>
</tbody></table></div>
</body></html>`
	emptyPage = `<html><head><title>Grade 6 Errata</title></head><body><p>Nothing yet</p></body></html>`
)

type fakeSession struct {
	pages   map[string]string
	errs    map[string]error
	fetched []string
	closed  int
}

func (s *fakeSession) Fetch(_ context.Context, pageURL string) (extract.Document, error) {
	s.fetched = append(s.fetched, pageURL)
	if err := s.errs[pageURL]; err != nil {
		return nil, err
	}
	body, ok := s.pages[pageURL]
	if !ok {
		return nil, scraper.ErrNotFound{Err: errors.New("no such page")}
	}
	return extract.ParseHTML(strings.NewReader(body), pageURL)
}

func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Site.BaseURL = baseURL
	cfg.Site.Pages = []string{gradeTwo, gradeSix}
	cfg.Scraping.PageDelay = config.Duration(2 * time.Second)
	cfg.Scraping.ExpandDelay = 0
	cfg.Output.CSVPath = filepath.Join(dir, "data", "errata_changes.csv")
	cfg.Output.BackupDir = filepath.Join(dir, "data", "backups")
	return cfg
}

func newRunner(cfg *config.Config, session *fakeSession, opts ...Option) (*Runner, *[]time.Duration) {
	authenticator := auth.AuthenticatorFunc(func(context.Context, auth.Credentials) (auth.Session, error) {
		return session, nil
	})
	r := New(cfg, authenticator, auth.Credentials{Username: "teacher", Password: "pw"}, opts...)
	var sleeps []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return r, &sleeps
}

func TestRunExtractsMergesAndReports(t *testing.T) {
	cfg := testConfig(t)
	session := &fakeSession{
		pages: map[string]string{baseURL + gradeTwo: gradePage},
		errs:  map[string]error{baseURL + gradeSix: scraper.ErrServer{StatusCode: 503, Err: errors.New("service unavailable")}},
	}
	var out bytes.Buffer
	metrics := scraper.NewMetrics()
	r, sleeps := newRunner(cfg, session, WithOutput(&out), WithMetrics(metrics))

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateDone, r.State())
	require.Equal(t, string(StateDone), result.State)
	require.NotEmpty(t, result.RunID)

	require.Equal(t, []string{baseURL + gradeTwo, baseURL + gradeSix}, session.fetched)
	require.Equal(t, []time.Duration{2 * time.Second}, *sleeps)
	require.Equal(t, 1, session.closed)

	require.Len(t, result.Pages, 2)
	require.Equal(t, 1, result.PagesSucceeded())
	require.Equal(t, []string{baseURL + gradeSix}, result.FailedURLs)
	require.Equal(t, 1, result.ErrorsByType["server_error"])
	require.Equal(t, 2, result.TotalExtracted)
	require.Equal(t, 2, result.NewRecords)
	require.Zero(t, result.Duplicates)
	require.Empty(t, result.BackupPath)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.PagesTotal.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.PagesTotal.WithLabelValues("failed")))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.RecordsExtracted))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.RecordsWritten))

	records, err := pipeline.NewStore(cfg.Output.CSVPath, cfg.Output.BackupDir).Load()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "Grade 2", records[0].GradeLevel)
	require.Equal(t, "Teacher Edition Glossary", records[0].Resource)
	require.Equal(t, "2025-08-04", records[0].DateUpdated)
	require.Equal(t, "Unit 2", records[1].Unit)

	wantSummary := filepath.Join(filepath.Dir(cfg.Output.CSVPath), SummaryFile)
	require.Equal(t, wantSummary, result.SummaryPath)
	summary, err := os.ReadFile(wantSummary)
	require.NoError(t, err)
	require.Contains(t, string(summary), "Records by Unit")
	require.Contains(t, out.String(), "Records by Content Type")
}

func TestRunSecondPassFindsOnlyDuplicates(t *testing.T) {
	cfg := testConfig(t)
	cfg.Site.Pages = []string{gradeTwo}
	session := &fakeSession{pages: map[string]string{baseURL + gradeTwo: gradePage}}
	r, _ := newRunner(cfg, session)

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, result.NewRecords)
	require.Equal(t, 2, result.Duplicates)
	require.Empty(t, result.BackupPath)
	require.Equal(t, 2, session.closed)

	records, err := pipeline.NewStore(cfg.Output.CSVPath, cfg.Output.BackupDir).Load()
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestRunAuthenticationFailure(t *testing.T) {
	cfg := testConfig(t)
	loginErr := errors.New("bad credentials")
	authenticator := auth.AuthenticatorFunc(func(context.Context, auth.Credentials) (auth.Session, error) {
		return nil, loginErr
	})
	r := New(cfg, authenticator, auth.Credentials{})

	result, err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrAuthentication)
	require.ErrorIs(t, err, loginErr)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	require.Equal(t, StateAuthenticating, runErr.State)
	require.Equal(t, StateFailed, r.State())
	require.Equal(t, string(StateFailed), result.State)

	_, statErr := os.Stat(cfg.Output.CSVPath)
	require.True(t, os.IsNotExist(statErr))
}

func TestRunWithoutPagesNeverLogsIn(t *testing.T) {
	cfg := testConfig(t)
	cfg.Site.Pages = nil
	session := &fakeSession{}
	logins := 0
	authenticator := auth.AuthenticatorFunc(func(context.Context, auth.Credentials) (auth.Session, error) {
		logins++
		return session, nil
	})
	r := New(cfg, authenticator, auth.Credentials{Username: "teacher", Password: "pw"})

	_, err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrNoPages)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	require.Equal(t, StateAuthenticating, runErr.State)
	require.Zero(t, logins)
	require.Zero(t, session.closed)
}

func TestRunZeroRecordsFails(t *testing.T) {
	cfg := testConfig(t)
	session := &fakeSession{pages: map[string]string{
		baseURL + gradeTwo: emptyPage,
		baseURL + gradeSix: emptyPage,
	}}
	r, _ := newRunner(cfg, session)

	result, err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrNoRecords)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	require.Equal(t, StateExtracting, runErr.State)
	require.Equal(t, 1, session.closed)
	require.Len(t, result.Pages, 2)
	require.Equal(t, 2, result.PagesSucceeded())
}

func TestRunPersistFailure(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	cfg.Output.CSVPath = filepath.Join(blocker, "errata.csv")

	session := &fakeSession{pages: map[string]string{baseURL + gradeTwo: gradePage, baseURL + gradeSix: emptyPage}}
	r, _ := newRunner(cfg, session)

	_, err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrPersist)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	require.Equal(t, StatePersisting, runErr.State)
	require.Equal(t, 1, session.closed)
}

func TestRunCancellationClosesSession(t *testing.T) {
	cfg := testConfig(t)
	session := &fakeSession{pages: map[string]string{baseURL + gradeTwo: gradePage, baseURL + gradeSix: gradePage}}
	r, _ := newRunner(cfg, session)

	ctx, cancel := context.WithCancel(context.Background())
	r.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{baseURL + gradeTwo}, session.fetched)
	require.Equal(t, 1, session.closed)

	_, statErr := os.Stat(cfg.Output.CSVPath)
	require.True(t, os.IsNotExist(statErr), "nothing should be written after cancellation")
}

func TestRunHonoursSummaryPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.Site.Pages = []string{gradeTwo}
	cfg.Output.SummaryPath = filepath.Join(t.TempDir(), "reports", "summary.txt")
	session := &fakeSession{pages: map[string]string{baseURL + gradeTwo: gradePage}}
	r, _ := newRunner(cfg, session)

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, cfg.Output.SummaryPath, result.SummaryPath)
	require.FileExists(t, cfg.Output.SummaryPath)
}

func TestTestAuth(t *testing.T) {
	cfg := testConfig(t)
	session := &fakeSession{pages: map[string]string{baseURL + gradeTwo: gradePage}}
	r, _ := newRunner(cfg, session)

	title, err := r.TestAuth(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Grade 2 Errata", title)
	require.Equal(t, []string{baseURL + gradeTwo}, session.fetched)
	require.Equal(t, 1, session.closed)
	require.Equal(t, StateDone, r.State())
}

func TestTestAuthFetchFailure(t *testing.T) {
	cfg := testConfig(t)
	session := &fakeSession{errs: map[string]error{baseURL + gradeTwo: scraper.ErrLoginRedirect}}
	r, _ := newRunner(cfg, session)

	_, err := r.TestAuth(context.Background())
	require.ErrorIs(t, err, scraper.ErrLoginRedirect)
	require.Equal(t, 1, session.closed)
	require.Equal(t, StateFailed, r.State())
}
