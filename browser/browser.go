// Package browser is the live backend: a headless Chromium driven by rod.
// Accordion sections on live pages are expanded by clicking their buttons.
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/ImagineLearning/aia-improvements-viewer/auth"
	"github.com/ImagineLearning/aia-improvements-viewer/config"
	"github.com/ImagineLearning/aia-improvements-viewer/extract"
	"github.com/ImagineLearning/aia-improvements-viewer/scraper"
)

// stableWindow is how long the DOM must stay quiet before a page counts as loaded.
const stableWindow = 500 * time.Millisecond

// ErrBrowserClosed is returned by Fetch after Close.
var ErrBrowserClosed = errors.New("browser: session closed")

// chromePaths are tried in order when no browser binary is configured.
var chromePaths = []string{
	"/usr/bin/google-chrome",
	"/usr/bin/google-chrome-stable",
	"/usr/bin/chromium",
	"/usr/bin/chromium-browser",
	"/snap/bin/chromium",
}

// Authenticator logs in through a real browser window.
type Authenticator struct {
	cfg     *config.Config
	metrics *scraper.Metrics
}

// NewAuthenticator returns a live-backend authenticator.
func NewAuthenticator(cfg *config.Config, metrics *scraper.Metrics) *Authenticator {
	return &Authenticator{cfg: cfg, metrics: metrics}
}

func newLauncher(cfg *config.Config) *launcher.Launcher {
	l := launcher.New().
		Headless(!cfg.Scraping.ShowBrowser).
		NoSandbox(true).
		Leakless(false).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-extensions").
		Set("disable-popup-blocking").
		Set("mute-audio")
	if cfg.Scraping.InsecureTLS {
		l = l.Set("ignore-certificate-errors")
	}
	if bin := resolveBin(cfg.Scraping.BrowserBin); bin != "" {
		l = l.Bin(bin)
	}
	return l
}

// resolveBin returns the configured binary, else the first installed Chrome,
// else "" so rod downloads its own Chromium.
func resolveBin(configured string) string {
	if configured != "" {
		return configured
	}
	for _, path := range chromePaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Login launches the browser, submits the login form and waits until the
// site navigates away from the login page.
func (a *Authenticator) Login(ctx context.Context, creds auth.Credentials) (auth.Session, error) {
	l := newLauncher(a.cfg).Context(ctx)
	controlURL, err := l.Launch()
	if err != nil {
		l.Kill()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	slog.Info("browser started", slog.Bool("headless", !a.cfg.Scraping.ShowBrowser))

	s := &Session{cfg: a.cfg, metrics: a.metrics, browser: b, process: l}
	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("open page: %w", err)
	}
	s.page = page

	if err := s.login(ctx, creds); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// process is the launched browser process.
type process interface {
	Kill()
	Cleanup()
}

// Session is an authenticated browser tab.
type Session struct {
	cfg     *config.Config
	metrics *scraper.Metrics
	browser io.Closer
	process process
	page    *rod.Page

	mu     sync.Mutex
	closed bool
}

func (s *Session) login(ctx context.Context, creds auth.Credentials) error {
	timeout := s.cfg.Scraping.Timeout.Std()
	page := s.page.Context(ctx).Timeout(timeout)
	loginURL := s.cfg.LoginURL()

	s.metrics.IncRequest("login")
	slog.Info("navigating to login page", slog.String("url", loginURL))
	if err := page.Navigate(loginURL); err != nil {
		return fmt.Errorf("navigate to login page: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait for login page: %w", err)
	}
	if sel := s.cfg.Login.FormReadySelector; sel != "" {
		if _, err := page.Element(sel); err != nil {
			return fmt.Errorf("%w: login form %q not found: %v", auth.ErrLoginFailed, sel, err)
		}
	}

	userInput, err := page.Element(fieldSelector(s.cfg.Login.UsernameField))
	if err != nil {
		return fmt.Errorf("%w: username field: %v", auth.ErrLoginFailed, err)
	}
	if err := userInput.Input(creds.Username); err != nil {
		return fmt.Errorf("fill username: %w", err)
	}
	passInput, err := page.Element(fieldSelector(s.cfg.Login.PasswordField))
	if err != nil {
		return fmt.Errorf("%w: password field: %v", auth.ErrLoginFailed, err)
	}
	if err := passInput.Input(creds.Password); err != nil {
		return fmt.Errorf("fill password: %w", err)
	}

	slog.Info("submitting login form", slog.Any("credentials", creds))
	if err := passInput.Type(input.Enter); err != nil {
		return fmt.Errorf("submit login form: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := page.WaitStable(stableWindow); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			slog.Debug("page not stable after login", slog.Any("error", err))
		}
		info, err := page.Info()
		if err == nil && loginSucceeded(info.URL, s.cfg.Site.LoginPath) {
			slog.Info("login successful", slog.String("url", info.URL))
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: still on login page after %s", auth.ErrLoginFailed, timeout)
		}
		if err := sleep(ctx, stableWindow); err != nil {
			return err
		}
	}
}

// Fetch navigates the session tab to pageURL and returns it as a live
// document once the DOM settles.
func (s *Session) Fetch(ctx context.Context, pageURL string) (extract.Document, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrBrowserClosed
	}

	start := time.Now()
	s.metrics.IncRequest("page")
	page := s.page.Context(ctx).Timeout(s.cfg.Scraping.Timeout.Std())
	if err := page.Navigate(pageURL); err != nil {
		s.metrics.IncError("connection")
		return nil, fmt.Errorf("navigate %s: %w", pageURL, err)
	}
	if err := page.WaitLoad(); err != nil {
		s.metrics.IncError("timeout")
		return nil, fmt.Errorf("wait for %s: %w", pageURL, err)
	}
	if err := page.WaitStable(stableWindow); err != nil {
		slog.Debug("page did not settle", slog.String("url", pageURL), slog.Any("error", err))
	}
	s.metrics.ObserveDuration(time.Since(start))

	info, err := page.Info()
	if err != nil {
		return nil, fmt.Errorf("page info %s: %w", pageURL, err)
	}
	if isLoginPage(info.URL, s.cfg.Site.LoginPath) {
		s.metrics.IncError(scraper.ErrorTypeLabel(scraper.ErrLoginRedirect))
		return nil, fmt.Errorf("%w: %s", scraper.ErrLoginRedirect, info.URL)
	}

	// Element lookups run on the page without the navigation timeout, so
	// a long extraction is bounded by ctx alone.
	return &liveDocument{page: s.page.Context(ctx), title: info.Title, url: info.URL}, nil
}

// Close shuts the browser down and removes its profile directory. The
// process is killed when the browser does not close cleanly. It is safe to
// call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.browser.Close()
	if err != nil {
		s.process.Kill()
	}
	s.process.Cleanup()
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	slog.Info("browser closed")
	return nil
}

func fieldSelector(name string) string {
	return fmt.Sprintf("input[name=%q]", name)
}

func isLoginPage(current, loginPath string) bool {
	u, err := url.Parse(current)
	if err != nil {
		return false
	}
	return loginPath != "" && strings.HasPrefix(u.Path, loginPath)
}

func loginSucceeded(current, loginPath string) bool {
	if current == "" || current == "about:blank" {
		return false
	}
	return !isLoginPage(current, loginPath)
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
