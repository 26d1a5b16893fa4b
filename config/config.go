package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ImagineLearning/aia-improvements-viewer/models"
)

// Backend names accepted by ScrapingConfig.Backend.
const (
	BackendLive   = "live"
	BackendStatic = "static"
)

// Output formats accepted by OutputConfig.Format.
const (
	FormatCSV  = "csv"
	FormatDual = "dual"
)

// Config holds extraction configuration.
type Config struct {
	Site        SiteConfig     `yaml:"site" json:"site"`
	Login       LoginConfig    `yaml:"login" json:"login"`
	Selectors   Selectors      `yaml:"selectors" json:"selectors"`
	Scraping    ScrapingConfig `yaml:"scraping" json:"scraping"`
	Output      OutputConfig   `yaml:"output" json:"output"`
	Logging     LoggingConfig  `yaml:"logging" json:"logging"`
	MetricsAddr string         `yaml:"metrics_addr" json:"metrics_addr"`
}

// SiteConfig locates the curriculum site and its errata pages.
type SiteConfig struct {
	BaseURL   string   `yaml:"base_url" json:"base_url"`
	LoginPath string   `yaml:"login_path" json:"login_path"`
	Pages     []string `yaml:"pages" json:"pages"`
}

// LoginConfig describes the login form.
type LoginConfig struct {
	UsernameField     string   `yaml:"username_field" json:"username_field"`
	PasswordField     string   `yaml:"password_field" json:"password_field"`
	FormReadySelector string   `yaml:"form_ready_selector" json:"form_ready_selector"`
	SuccessIndicators []string `yaml:"success_indicators" json:"success_indicators"`
}

// Selectors are the CSS selectors used to walk an errata page.
type Selectors struct {
	Container          string   `yaml:"container" json:"container"`
	ContainerFallbacks []string `yaml:"container_fallbacks" json:"container_fallbacks"`
	Button             string   `yaml:"button" json:"button"`
	Rows               string   `yaml:"rows" json:"rows"`
	Cell               string   `yaml:"cell" json:"cell"`
	ExpandedAttr       string   `yaml:"expanded_attr" json:"expanded_attr"`
}

// ScrapingConfig controls fetching and pacing.
type ScrapingConfig struct {
	Backend         string   `yaml:"backend" json:"backend"` // live or static
	PageDelay       Duration `yaml:"page_delay" json:"page_delay"`
	ExpandDelay     Duration `yaml:"expand_delay" json:"expand_delay"`
	Timeout         Duration `yaml:"timeout" json:"timeout"`
	MaxRetries      int      `yaml:"max_retries" json:"max_retries"`
	RetryBackoff    Duration `yaml:"retry_backoff" json:"retry_backoff"`
	RetryBackoffMax Duration `yaml:"retry_backoff_max" json:"retry_backoff_max"`
	UserAgent       string   `yaml:"user_agent" json:"user_agent"`
	ShowBrowser     bool     `yaml:"show_browser" json:"show_browser"`
	BrowserBin      string   `yaml:"browser_bin" json:"browser_bin"`
	InsecureTLS     bool     `yaml:"insecure_tls" json:"insecure_tls"`
}

// OutputConfig controls where results land.
type OutputConfig struct {
	CSVPath     string   `yaml:"csv_path" json:"csv_path"`
	BackupDir   string   `yaml:"backup_dir" json:"backup_dir"`
	Format      string   `yaml:"format" json:"format"` // csv or dual
	Columns     []string `yaml:"columns" json:"columns"`
	SummaryPath string   `yaml:"summary_path" json:"summary_path"`
}

// LoggingConfig selects the log level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // auto, text or json
}

// DefaultConfig returns defaults for the Philadelphia curriculum site.
func DefaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			BaseURL:   "https://sdphiladelphia.ilclassroom.com",
			LoginPath: "/login",
			Pages: []string{
				"/wikis/29245717-kindergarten-errata?path=Wiki.11180076%2FWiki.28930691%2FWiki.9879318%2FWiki.10424770",
				"/wikis/18746473-grade-1-errata?path=Wiki.11180076%2FWiki.28930691%2FWiki.9879318%2FWiki.10430165",
			},
		},
		Login: LoginConfig{
			UsernameField:     "auth_key",
			PasswordField:     "password",
			FormReadySelector: "#sessions-new-feature",
			SuccessIndicators: []string{"welcome", "resources", "dashboard", "logout"},
		},
		Selectors: Selectors{
			Container:          ".section-accordion",
			ContainerFallbacks: []string{".accordion-item", "details"},
			Button:             "button",
			Rows:               "tbody tr",
			Cell:               "td",
			ExpandedAttr:       "aria-expanded",
		},
		Scraping: ScrapingConfig{
			Backend:         BackendLive,
			PageDelay:       Duration(2 * time.Second),
			ExpandDelay:     Duration(500 * time.Millisecond),
			Timeout:         Duration(30 * time.Second),
			MaxRetries:      2,
			RetryBackoff:    Duration(500 * time.Millisecond),
			RetryBackoffMax: Duration(5 * time.Second),
			UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
		},
		Output: OutputConfig{
			CSVPath:   "data/errata_changes.csv",
			BackupDir: "data/backups",
			Format:    FormatCSV,
			Columns:   models.Columns(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// PageURL joins the base URL with an errata page path. Absolute URLs pass through.
func (c *Config) PageURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimSuffix(c.Site.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
}

// LoginURL returns the absolute login page address.
func (c *Config) LoginURL() string {
	return c.PageURL(c.Site.LoginPath)
}

// PageURLs resolves every configured errata page.
func (c *Config) PageURLs() []string {
	out := make([]string, 0, len(c.Site.Pages))
	for _, p := range c.Site.Pages {
		out = append(out, c.PageURL(p))
	}
	return out
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.Site.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	parsedURL, err := url.Parse(c.Site.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}
	if c.Site.LoginPath == "" {
		return fmt.Errorf("login path cannot be empty")
	}
	if len(c.Site.Pages) == 0 {
		return fmt.Errorf("at least one errata page must be configured")
	}
	for i, p := range c.Site.Pages {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("errata page %d is empty", i)
		}
	}

	if err := c.Selectors.Validate(); err != nil {
		return err
	}

	if c.Login.UsernameField == "" || c.Login.PasswordField == "" {
		return fmt.Errorf("login username and password fields cannot be empty")
	}

	s := c.Scraping
	if s.Backend != BackendLive && s.Backend != BackendStatic {
		return fmt.Errorf("scraping backend must be %s or %s", BackendLive, BackendStatic)
	}
	if s.PageDelay < 0 {
		return fmt.Errorf("page delay cannot be negative")
	}
	if s.ExpandDelay < 0 {
		return fmt.Errorf("expand delay cannot be negative")
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if s.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if s.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if s.RetryBackoffMax > 0 && s.RetryBackoff > s.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", s.RetryBackoff, s.RetryBackoffMax)
	}
	if s.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	if c.Output.CSVPath == "" {
		return fmt.Errorf("output csv path cannot be empty")
	}
	if c.Output.BackupDir == "" {
		return fmt.Errorf("backup directory cannot be empty")
	}
	if c.Output.Format != FormatCSV && c.Output.Format != FormatDual {
		return fmt.Errorf("output format must be %s or %s", FormatCSV, FormatDual)
	}
	if !slices.Equal(c.Output.Columns, models.Columns()) {
		return fmt.Errorf("output columns must be %v", models.Columns())
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "auto", "text", "json":
	default:
		return fmt.Errorf("logging format must be auto, text, or json")
	}
	return nil
}

// Validate fails when a selector the extractor depends on is missing.
func (s Selectors) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"container", s.Container},
		{"button", s.Button},
		{"rows", s.Rows},
		{"cell", s.Cell},
		{"expanded_attr", s.ExpandedAttr},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("selector %q cannot be empty", r.name)
		}
	}
	return nil
}
