package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"compitutto/internal/browser"
	"compitutto/internal/locator"
	"compitutto/internal/retention"
	"compitutto/internal/session"
)

// DefaultPath is the config file looked up when --config is not given.
const DefaultPath = "compitutto.yaml"

// Config holds all compitutto configuration.
type Config struct {
	// Portal endpoints
	Portal PortalConfig `yaml:"portal"`

	// Where exports land; debug artifacts default to <data_dir>/debug
	DataDir  string `yaml:"data_dir"`
	DebugDir string `yaml:"debug_dir,omitempty"`

	Retention   RetentionConfig   `yaml:"retention"`
	Browser     browser.Config    `yaml:"browser"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts"`
	Interactive InteractiveConfig `yaml:"interactive"`
	Logging     LoggingConfig     `yaml:"logging"`

	// Label overrides; a non-empty list replaces the built-in one
	Labels locator.Labels `yaml:"labels,omitempty"`
}

// PortalConfig locates the ClasseViva pages a run visits.
type PortalConfig struct {
	LoginURL      string `yaml:"login_url"`
	AgendaURL     string `yaml:"agenda_url"`
	LoginMarker   string `yaml:"login_marker"`   // present in every login page URL
	AgendaSegment string `yaml:"agenda_segment"` // expected in the URL after reaching the agenda
}

// RetentionConfig configures export pruning.
type RetentionConfig struct {
	KeepDays int `yaml:"keep_days"`
}

// InteractiveConfig configures runs started with --interactive.
type InteractiveConfig struct {
	Linger string `yaml:"linger"` // how long the browser stays open after a failure
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Portal: PortalConfig{
			LoginURL:      "https://web.spaggiari.eu/home/app/default/login.php",
			AgendaURL:     "https://web.spaggiari.eu/fml/app/default/agenda_studenti.php",
			LoginMarker:   "login",
			AgendaSegment: "agenda",
		},
		DataDir:     "data",
		Retention:   RetentionConfig{KeepDays: retention.DefaultKeepDays},
		Browser:     browser.DefaultConfig(),
		Timeouts:    DefaultTimeouts(),
		Interactive: InteractiveConfig{Linger: "30s"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("COMPITUTTO_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if v := os.Getenv("COMPITUTTO_HEADLESS"); v != "" {
		if headless, err := strconv.ParseBool(v); err == nil {
			c.Browser.Headless = headless
		}
	}
	if u := os.Getenv("COMPITUTTO_LOGIN_URL"); u != "" {
		c.Portal.LoginURL = u
	}
	if u := os.Getenv("COMPITUTTO_AGENDA_URL"); u != "" {
		c.Portal.AgendaURL = u
	}
	if bin := os.Getenv("COMPITUTTO_CHROME_BIN"); bin != "" {
		if len(c.Browser.Launch) == 0 {
			c.Browser.Launch = []string{bin}
		} else {
			c.Browser.Launch[0] = bin
		}
	}
	if u := os.Getenv("COMPITUTTO_DEBUGGER_URL"); u != "" {
		c.Browser.DebuggerURL = u
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"portal.login_url":  c.Portal.LoginURL,
		"portal.agenda_url": c.Portal.AgendaURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid %s: %q", name, raw)
		}
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is empty")
	}
	if c.Retention.KeepDays < 0 {
		return fmt.Errorf("invalid retention.keep_days: %d", c.Retention.KeepDays)
	}
	return nil
}

// SiteLabels returns the built-in labels with the configured overrides applied.
func (c *Config) SiteLabels() locator.Labels {
	return locator.DefaultLabels().Merge(c.Labels)
}

// LoginPortal returns the login page description for the session driver.
func (c *Config) LoginPortal() session.Portal {
	return session.Portal{LoginURL: c.Portal.LoginURL, LoginMarker: c.Portal.LoginMarker}
}

// AgendaView returns the agenda view for the session driver.
func (c *Config) AgendaView() session.View {
	return session.View{URL: c.Portal.AgendaURL, Segment: c.Portal.AgendaSegment}
}

// GetLinger returns the interactive linger as a duration.
func (c *Config) GetLinger() time.Duration {
	d, err := time.ParseDuration(c.Interactive.Linger)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
