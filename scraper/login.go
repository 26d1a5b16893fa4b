package scraper

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"

	"github.com/ImagineLearning/aia-improvements-viewer/auth"
	"github.com/ImagineLearning/aia-improvements-viewer/config"
	"github.com/ImagineLearning/aia-improvements-viewer/extract"
)

// csrfFields are hidden inputs copied from the login form into the POST.
var csrfFields = []string{"csrf_token", "authenticity_token", "_token", "csrfmiddlewaretoken"}

// Authenticator logs in with a plain form POST.
type Authenticator struct {
	cfg       *config.Config
	metrics   *Metrics
	transport http.RoundTripper
}

// NewAuthenticator returns a static-backend authenticator.
func NewAuthenticator(cfg *config.Config, metrics *Metrics) *Authenticator {
	return &Authenticator{cfg: cfg, metrics: metrics}
}

// WithTransport routes login and page requests through rt.
func (a *Authenticator) WithTransport(rt http.RoundTripper) *Authenticator {
	a.transport = rt
	return a
}

// Login posts the login form and returns a session sharing its cookies.
func (a *Authenticator) Login(ctx context.Context, creds auth.Credentials) (auth.Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	client := a.newClient(jar)
	if err := a.submitLogin(ctx, client, creds); err != nil {
		return nil, err
	}

	fetcher, err := NewFetcher(a.cfg, jar, a.metrics)
	if err != nil {
		return nil, err
	}
	if a.transport != nil {
		fetcher.SetTransport(a.transport)
	}
	return &Session{fetcher: fetcher, client: client}, nil
}

func (a *Authenticator) newClient(jar http.CookieJar) *resty.Client {
	client := resty.New()
	client.SetBaseURL(strings.TrimSuffix(a.cfg.Site.BaseURL, "/"))
	client.SetCookieJar(jar)
	client.SetHeader("user-agent", a.cfg.Scraping.UserAgent)
	client.SetTimeout(a.cfg.Scraping.Timeout.Std())
	if host, err := url.Parse(a.cfg.Site.BaseURL); err == nil {
		client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(host.Hostname()))
	}
	if a.cfg.Scraping.InsecureTLS {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	if a.transport != nil {
		client.SetTransport(a.transport)
	}
	return client
}

func (a *Authenticator) submitLogin(ctx context.Context, client *resty.Client, creds auth.Credentials) error {
	loginPath := a.cfg.Site.LoginPath

	a.metrics.IncRequest("login")
	res, err := client.R().
		SetContext(ctx).
		Get(loginPath)
	if err != nil {
		return fmt.Errorf("fetch login page: %w", err)
	}
	if res.StatusCode() != http.StatusOK {
		return fmt.Errorf("%w: login page returned status %d", auth.ErrLoginFailed, res.StatusCode())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body()))
	if err != nil {
		return fmt.Errorf("parse login page: %w", err)
	}

	form := map[string]string{
		a.cfg.Login.UsernameField: creds.Username,
		a.cfg.Login.PasswordField: creds.Password,
	}
	for _, name := range csrfFields {
		if token, ok := doc.Find(fmt.Sprintf(`input[name=%q]`, name)).First().Attr("value"); ok {
			form[name] = token
		}
	}
	if len(form) == 2 {
		slog.Warn("no csrf token found on login page", slog.String("path", loginPath))
	}

	action := loginPath
	if formSel := doc.Find(fmt.Sprintf(`form:has(input[name=%q])`, a.cfg.Login.PasswordField)).First(); formSel.Length() > 0 {
		if value, ok := formSel.Attr("action"); ok && strings.TrimSpace(value) != "" {
			action = value
		}
	}

	slog.Info("submitting login form", slog.String("action", action), slog.Any("credentials", creds))
	a.metrics.IncRequest("login")
	res, err = client.R().
		SetContext(ctx).
		SetFormData(form).
		Post(action)
	if err != nil {
		return fmt.Errorf("submit login form: %w", err)
	}

	finalURL := ""
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		finalURL = res.RawResponse.Request.URL.String()
	}
	slog.Info("login response",
		slog.Int("status", res.StatusCode()),
		slog.String("final_url", finalURL),
	)
	if res.StatusCode() >= http.StatusBadRequest {
		return fmt.Errorf("%w: status %d", auth.ErrLoginFailed, res.StatusCode())
	}

	body := strings.ToLower(string(res.Body()))
	for _, indicator := range a.cfg.Login.SuccessIndicators {
		if indicator != "" && strings.Contains(body, strings.ToLower(indicator)) {
			slog.Info("login successful", slog.String("indicator", indicator))
			return nil
		}
	}
	if finalURL != "" && !strings.Contains(strings.ToLower(finalURL), strings.ToLower(loginPath)) {
		slog.Info("login likely successful, redirected away from login page")
		return nil
	}
	return fmt.Errorf("%w: no success indicator found", auth.ErrLoginFailed)
}

// Session is an authenticated static-backend session.
type Session struct {
	fetcher *Fetcher
	client  *resty.Client

	mu     sync.Mutex
	closed bool
}

// Fetch retrieves pageURL as a static document.
func (s *Session) Fetch(ctx context.Context, pageURL string) (extract.Document, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}
	doc, err := s.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Close ends the session and drops its cookies. It is safe to call twice.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.client.SetCookieJar(nil)
	slog.Info("static session closed")
	return nil
}
