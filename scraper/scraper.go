// Package scraper is the static backend: a resty form login whose cookies
// are shared with a colly collector that fetches errata pages as plain HTML.
package scraper

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/ImagineLearning/aia-improvements-viewer/config"
	"github.com/ImagineLearning/aia-improvements-viewer/extract"
)

const (
	ctxStart = "start"
	ctxBody  = "body"
	ctxURL   = "final_url"
	ctxError = "error"
)

// Fetcher retrieves errata pages with a synchronous colly collector.
type Fetcher struct {
	cfg       *config.Config
	collector *colly.Collector
	retry     *retryPolicy
	Metrics   *Metrics

	mu           sync.Mutex
	requestCount int
	failedURLs   []string
	errorsByType map[string]int
}

// NewFetcher builds a fetcher configured from cfg. jar may be nil.
func NewFetcher(cfg *config.Config, jar http.CookieJar, metrics *Metrics) (*Fetcher, error) {
	parsed, err := url.Parse(cfg.Site.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Hostname()),
		colly.UserAgent(cfg.Scraping.UserAgent),
		colly.AllowURLRevisit(),
	)

	timeout := cfg.Scraping.Timeout.Std()
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.Scraping.InsecureTLS},
	})
	if jar != nil {
		collector.SetCookieJar(jar)
	}

	// Pages are fetched one at a time; the orchestrator paces between them.
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	f := &Fetcher{
		cfg:          cfg,
		collector:    collector,
		retry:        newRetryPolicy(cfg, metrics),
		Metrics:      metrics,
		errorsByType: make(map[string]int),
	}
	f.configureHandlers()
	return f, nil
}

func (f *Fetcher) configureHandlers() {
	f.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put(ctxStart, time.Now())
		f.mu.Lock()
		f.requestCount++
		f.mu.Unlock()
		f.Metrics.IncRequest("page")
		slog.Debug("fetching page", slog.String("url", r.URL.String()))
	})

	f.collector.OnResponse(func(r *colly.Response) {
		if start, ok := r.Ctx.GetAny(ctxStart).(time.Time); ok {
			f.Metrics.ObserveDuration(time.Since(start))
		}
		r.Ctx.Put(ctxBody, r.Body)
		r.Ctx.Put(ctxURL, r.Request.URL.String())
	})

	f.collector.OnError(func(r *colly.Response, err error) {
		statusCode := 0
		pageURL := ""
		if r != nil {
			statusCode = r.StatusCode
			if r.Request != nil && r.Request.URL != nil {
				pageURL = r.Request.URL.String()
			}
		}
		classified := classifyError(err, statusCode)
		category := ErrorTypeLabel(classified)
		f.recordError(category)

		slog.Error("request error",
			slog.String("url", pageURL),
			slog.Int("status", statusCode),
			slog.String("category", category),
			slog.Any("error", err),
		)
		if r != nil && r.Ctx != nil {
			r.Ctx.Put(ctxError, classified)
		}
	})
}

// Fetch retrieves pageURL, retrying transient failures with backoff.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*extract.StaticDocument, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := f.fetchOnce(pageURL)
		if err == nil {
			return doc, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		delay, ok := f.retry.Next(attempt + 1)
		if !ok {
			break
		}
		slog.Warn("retrying page",
			slog.String("url", pageURL),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.Any("error", err),
		)
		if err := f.retry.Wait(ctx, delay); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	f.failedURLs = append(f.failedURLs, pageURL)
	f.mu.Unlock()
	return nil, fmt.Errorf("fetch %s: %w", pageURL, lastErr)
}

func (f *Fetcher) fetchOnce(pageURL string) (*extract.StaticDocument, error) {
	reqCtx := colly.NewContext()
	err := f.collector.Request(http.MethodGet, pageURL, nil, reqCtx, nil)
	if err != nil {
		if classified, ok := reqCtx.GetAny(ctxError).(error); ok && classified != nil {
			return nil, classified
		}
		classified := classifyError(err, 0)
		f.recordError(ErrorTypeLabel(classified))
		return nil, classified
	}

	body, _ := reqCtx.GetAny(ctxBody).([]byte)
	finalURL := reqCtx.Get(ctxURL)
	if finalURL == "" {
		finalURL = pageURL
	}
	if f.redirectedToLogin(pageURL, finalURL) {
		f.recordError(ErrorTypeLabel(ErrLoginRedirect))
		return nil, fmt.Errorf("%w: %s", ErrLoginRedirect, finalURL)
	}
	doc, err := extract.ParseHTML(bytes.NewReader(body), finalURL)
	if err != nil {
		return nil, err
	}
	// An expired session serves the login form in place of the page.
	if inputs, _ := doc.Find(fmt.Sprintf("input[name=%q]", f.cfg.Login.PasswordField)); len(inputs) > 0 {
		f.recordError(ErrorTypeLabel(ErrLoginRedirect))
		return nil, fmt.Errorf("%w: %s", ErrLoginRedirect, finalURL)
	}
	return doc, nil
}

func (f *Fetcher) redirectedToLogin(requested, final string) bool {
	if requested == final {
		return false
	}
	u, err := url.Parse(final)
	if err != nil {
		return false
	}
	return strings.HasPrefix(u.Path, f.cfg.Site.LoginPath)
}

func (f *Fetcher) recordError(category string) {
	f.mu.Lock()
	f.errorsByType[category]++
	f.mu.Unlock()
	f.Metrics.IncError(category)
}

// SetTransport replaces the HTTP transport used for page requests.
func (f *Fetcher) SetTransport(rt http.RoundTripper) {
	f.collector.WithTransport(rt)
}

// ErrorsByType returns a snapshot of error counts keyed by category.
func (f *Fetcher) ErrorsByType() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.errorsByType))
	for k, v := range f.errorsByType {
		out[k] = v
	}
	return out
}

// FailedURLs returns the pages that failed after all retries.
func (f *Fetcher) FailedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.failedURLs))
	copy(out, f.failedURLs)
	return out
}

// RequestCount returns the number of page requests issued, retries included.
func (f *Fetcher) RequestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requestCount
}

// RetryCount returns the number of retries taken.
func (f *Fetcher) RetryCount() int {
	return f.retry.Total()
}

type retryPolicy struct {
	maxRetries int
	base       time.Duration
	max        time.Duration
	metrics    *Metrics

	mu    sync.Mutex
	total int
}

func newRetryPolicy(cfg *config.Config, metrics *Metrics) *retryPolicy {
	return &retryPolicy{
		maxRetries: cfg.Scraping.MaxRetries,
		base:       cfg.Scraping.RetryBackoff.Std(),
		max:        cfg.Scraping.RetryBackoffMax.Std(),
		metrics:    metrics,
	}
}

// Next returns the delay before retry number attempt, or false once the
// retry budget is spent.
func (rp *retryPolicy) Next(attempt int) (time.Duration, bool) {
	if attempt > rp.maxRetries {
		return 0, false
	}
	rp.mu.Lock()
	rp.total++
	rp.mu.Unlock()
	rp.metrics.IncRetries()
	return rp.backoff(attempt), true
}

func (rp *retryPolicy) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := rp.base
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if rp.max > 0 && delay > rp.max {
		delay = rp.max
	}
	return delay
}

func (rp *retryPolicy) Wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (rp *retryPolicy) Total() int {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.total
}
