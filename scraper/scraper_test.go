package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/ImagineLearning/aia-improvements-viewer/auth"
	"github.com/ImagineLearning/aia-improvements-viewer/config"
)

const (
	testBase  = "http://example.test"
	testPage  = testBase + "/wikis/1-grade-2-errata"
	loginPage = `<html><body>
<form action="/sessions" method="post">
  <input type="hidden" name="authenticity_token" value="tok123">
  <input name="auth_key"><input name="password" type="password">
</form></body></html>`
	errataPage = `<html><head><title>Grade 2 Errata</title></head><body>
<div class="section-accordion"><button>Unit 1</button><table><tbody>
<tr><td>Teacher Edition, pg. 5</td><td>Fixed typo</td><td>8/4/25</td></tr>
</tbody></table></div></body></html>`
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Site.BaseURL = testBase
	cfg.Site.Pages = []string{"/wikis/1-grade-2-errata"}
	cfg.Scraping.Backend = config.BackendStatic
	cfg.Scraping.MaxRetries = 2
	cfg.Scraping.RetryBackoff = config.Duration(time.Millisecond)
	cfg.Scraping.RetryBackoffMax = config.Duration(5 * time.Millisecond)
	return cfg
}

func TestRetryPolicyRespectsLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Scraping.MaxRetries = 2

	rp := newRetryPolicy(cfg, NewMetrics())

	if _, ok := rp.Next(1); !ok {
		t.Fatalf("first retry should be allowed")
	}
	if _, ok := rp.Next(2); !ok {
		t.Fatalf("second retry should be allowed")
	}
	if _, ok := rp.Next(3); ok {
		t.Fatalf("third retry should not be allowed")
	}
	if got := rp.Total(); got != 2 {
		t.Fatalf("total retries = %d, want 2", got)
	}
}

func TestRetryPolicyBackoffCapped(t *testing.T) {
	cfg := testConfig()
	cfg.Scraping.RetryBackoff = config.Duration(200 * time.Millisecond)
	cfg.Scraping.RetryBackoffMax = config.Duration(500 * time.Millisecond)

	rp := newRetryPolicy(cfg, nil)

	if got := rp.backoff(1); got != 200*time.Millisecond {
		t.Fatalf("first backoff = %v, want 200ms", got)
	}
	if got := rp.backoff(2); got != 400*time.Millisecond {
		t.Fatalf("second backoff = %v, want 400ms", got)
	}
	if got := rp.backoff(4); got != 500*time.Millisecond {
		t.Fatalf("delay %v should be capped at 500ms", got)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "unauthorized", err: nil, statusCode: http.StatusUnauthorized, expected: "forbidden"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "server error", err: errors.New("Bad Gateway"), statusCode: http.StatusBadGateway, expected: "server_error"},
		{name: "login redirect", err: fmt.Errorf("%w: /login", ErrLoginRedirect), statusCode: 0, expected: "login_redirect"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestFetcherHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		expected string
		attempts int64
	}{
		{status: http.StatusForbidden, expected: "forbidden", attempts: 1},
		{status: http.StatusNotFound, expected: "not_found", attempts: 1},
		{status: http.StatusTooManyRequests, expected: "rate_limited", attempts: 3},
		{status: http.StatusServiceUnavailable, expected: "server_error", attempts: 3},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			cfg := testConfig()

			var calls int64
			transport := httpmock.NewMockTransport()
			transport.RegisterResponder("GET", testPage, func(*http.Request) (*http.Response, error) {
				atomic.AddInt64(&calls, 1)
				return httpmock.NewStringResponse(tt.status, ""), nil
			})

			f, err := NewFetcher(cfg, nil, NewMetrics())
			if err != nil {
				t.Fatalf("new fetcher: %v", err)
			}
			f.SetTransport(transport)

			_, err = f.Fetch(context.Background(), testPage)
			if err == nil {
				t.Fatalf("expected error for status %d", tt.status)
			}
			if got := ErrorTypeLabel(err); got != tt.expected {
				t.Fatalf("error label = %q, want %q (err=%v)", got, tt.expected, err)
			}
			if got := f.ErrorsByType()[tt.expected]; got == 0 {
				t.Fatalf("expected %q to be counted", tt.expected)
			}
			if got := atomic.LoadInt64(&calls); got != tt.attempts {
				t.Fatalf("attempts = %d, want %d", got, tt.attempts)
			}
			if failed := f.FailedURLs(); len(failed) != 1 || failed[0] != testPage {
				t.Fatalf("failed urls = %v", failed)
			}
		})
	}
}

func TestFetchRetriesTransientFailure(t *testing.T) {
	cfg := testConfig()

	var calls int64
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", testPage, func(*http.Request) (*http.Response, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return httpmock.NewStringResponse(http.StatusServiceUnavailable, ""), nil
		}
		return htmlResponse(errataPage), nil
	})

	f, err := NewFetcher(cfg, nil, NewMetrics())
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	f.SetTransport(transport)

	doc, err := f.Fetch(context.Background(), testPage)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if doc.Title() != "Grade 2 Errata" {
		t.Fatalf("title = %q", doc.Title())
	}
	if got := f.RetryCount(); got != 1 {
		t.Fatalf("retries = %d, want 1", got)
	}
	if got := f.RequestCount(); got != 2 {
		t.Fatalf("requests = %d, want 2", got)
	}
}

func TestFetchDetectsLoginRedirect(t *testing.T) {
	cfg := testConfig()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", testPage, func(*http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusFound, "")
		resp.Header.Set("Location", "/login")
		return resp, nil
	})
	transport.RegisterResponder("GET", testBase+"/login", httpmock.ResponderFromResponse(htmlResponse(loginPage)))

	f, err := NewFetcher(cfg, nil, nil)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	f.SetTransport(transport)

	_, err = f.Fetch(context.Background(), testPage)
	if !errors.Is(err, ErrLoginRedirect) {
		t.Fatalf("expected ErrLoginRedirect, got %v", err)
	}
}

func TestStaticLoginAndFetch(t *testing.T) {
	cfg := testConfig()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", testBase+"/login", httpmock.ResponderFromResponse(htmlResponse(loginPage)))
	transport.RegisterResponder("POST", testBase+"/sessions", func(req *http.Request) (*http.Response, error) {
		if err := req.ParseForm(); err != nil {
			return nil, err
		}
		if req.PostForm.Get("auth_key") != "teacher" || req.PostForm.Get("password") != "pw" {
			return httpmock.NewStringResponse(http.StatusUnauthorized, "bad credentials"), nil
		}
		if req.PostForm.Get("authenticity_token") != "tok123" {
			return httpmock.NewStringResponse(http.StatusUnprocessableEntity, "missing token"), nil
		}
		resp := htmlResponse("<html><body>Welcome back</body></html>")
		resp.Header.Set("Set-Cookie", "session=abc; Path=/")
		return resp, nil
	})
	transport.RegisterResponder("GET", testPage, func(req *http.Request) (*http.Response, error) {
		if c, err := req.Cookie("session"); err != nil || c.Value != "abc" {
			return httpmock.NewStringResponse(http.StatusForbidden, ""), nil
		}
		return htmlResponse(errataPage), nil
	})

	a := NewAuthenticator(cfg, NewMetrics()).WithTransport(transport)
	session, err := a.Login(context.Background(), auth.Credentials{Username: "teacher", Password: "pw"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	doc, err := session.Fetch(context.Background(), testPage)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if doc.URL() != testPage {
		t.Fatalf("url = %q", doc.URL())
	}
	sections, err := doc.Find(".section-accordion")
	if err != nil || len(sections) != 1 {
		t.Fatalf("sections = %d, err = %v", len(sections), err)
	}

	if err := session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := session.Fetch(context.Background(), testPage); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("fetch after close: %v", err)
	}
}

func TestStaticLoginRejected(t *testing.T) {
	cfg := testConfig()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", testBase+"/login", httpmock.ResponderFromResponse(htmlResponse(loginPage)))
	transport.RegisterResponder("POST", testBase+"/sessions", httpmock.NewStringResponder(http.StatusUnauthorized, "bad credentials"))

	a := NewAuthenticator(cfg, nil).WithTransport(transport)
	_, err := a.Login(context.Background(), auth.Credentials{Username: "teacher", Password: "wrong"})
	if !errors.Is(err, auth.ErrLoginFailed) {
		t.Fatalf("expected ErrLoginFailed, got %v", err)
	}
}

func TestFetchHonoursCancellation(t *testing.T) {
	cfg := testConfig()
	f, err := NewFetcher(cfg, nil, nil)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Fetch(ctx, testPage); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func htmlResponse(body string) *http.Response {
	resp := httpmock.NewStringResponse(http.StatusOK, body)
	resp.Header.Set("Content-Type", "text/html")
	return resp
}
