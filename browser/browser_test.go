package browser

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-rod/rod/lib/launcher/flags"

	"github.com/ImagineLearning/aia-improvements-viewer/config"
)

func TestNewLauncherHeadlessness(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Scraping.BrowserBin = filepath.Join(t.TempDir(), "chrome")

	l := newLauncher(cfg)
	if !l.Has(flags.Headless) {
		t.Fatalf("default launcher should be headless")
	}
	if !l.Has(flags.NoSandbox) {
		t.Fatalf("launcher should disable the sandbox")
	}
	if got := l.Get(flags.Bin); got != cfg.Scraping.BrowserBin {
		t.Fatalf("bin = %q, want %q", got, cfg.Scraping.BrowserBin)
	}

	cfg.Scraping.ShowBrowser = true
	if newLauncher(cfg).Has(flags.Headless) {
		t.Fatalf("show_browser should disable headless mode")
	}
}

func TestResolveBinPrefersConfigured(t *testing.T) {
	if got := resolveBin("/opt/chrome"); got != "/opt/chrome" {
		t.Fatalf("resolveBin = %q", got)
	}
}

func TestLoginSucceeded(t *testing.T) {
	tests := []struct {
		current string
		want    bool
	}{
		{"", false},
		{"about:blank", false},
		{"https://example.test/login", false},
		{"https://example.test/login?error=1", false},
		{"https://example.test/dashboard", true},
		{"https://example.test/wikis/1-grade-2-errata", true},
	}
	for _, tt := range tests {
		if got := loginSucceeded(tt.current, "/login"); got != tt.want {
			t.Fatalf("loginSucceeded(%q) = %v, want %v", tt.current, got, tt.want)
		}
	}
}

func TestCollapse(t *testing.T) {
	if got := collapse("  Teacher\n Edition,\t pg. 5 "); got != "Teacher Edition, pg. 5" {
		t.Fatalf("collapse = %q", got)
	}
}

func TestFieldSelector(t *testing.T) {
	if got := fieldSelector("auth_key"); got != `input[name="auth_key"]` {
		t.Fatalf("fieldSelector = %q", got)
	}
}

type fakeBrowser struct {
	closes int
	err    error
}

func (b *fakeBrowser) Close() error {
	b.closes++
	return b.err
}

type fakeProcess struct {
	kills, cleanups int
}

func (p *fakeProcess) Kill()    { p.kills++ }
func (p *fakeProcess) Cleanup() { p.cleanups++ }

func TestSessionCloseCleansUpOnce(t *testing.T) {
	b, p := &fakeBrowser{}, &fakeProcess{}
	s := &Session{cfg: config.DefaultConfig(), browser: b, process: p}

	for range 2 {
		if err := s.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	if b.closes != 1 || p.cleanups != 1 || p.kills != 0 {
		t.Fatalf("closes=%d cleanups=%d kills=%d, want 1 1 0", b.closes, p.cleanups, p.kills)
	}
	if _, err := s.Fetch(context.Background(), "https://example.com/errata"); !errors.Is(err, ErrBrowserClosed) {
		t.Fatalf("fetch after close: %v", err)
	}
}

func TestSessionCloseKillsOnError(t *testing.T) {
	closeErr := errors.New("websocket gone")
	b, p := &fakeBrowser{err: closeErr}, &fakeProcess{}
	s := &Session{cfg: config.DefaultConfig(), browser: b, process: p}

	if err := s.Close(); !errors.Is(err, closeErr) {
		t.Fatalf("close error = %v, want %v", err, closeErr)
	}
	if p.kills != 1 || p.cleanups != 1 {
		t.Fatalf("kills=%d cleanups=%d, want 1 1", p.kills, p.cleanups)
	}
}
