package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"weekcal/internal/model"
)

const (
	defaultListen          = "127.0.0.1:8080"
	defaultTimezone        = "Local"
	defaultRefreshInterval = 30 * time.Minute
	defaultFetchTimeout    = 15 * time.Second
	defaultRatePerMinute   = 30
	defaultScheduleDB      = "./var/weekcal.db"
)

// SourceConfig describes a single external calendar.
type SourceConfig struct {
	// ID is an internal identifier used for caching and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label shown in the UI.
	Name string `yaml:"name" json:"name"`
	// Kind is "ical" (default) or "calendar-api".
	Kind string `yaml:"kind" json:"kind"`
	// URL is the feed URL (webcal:// allowed) or, for calendar-api, the
	// calendar id ("primary" when empty).
	URL string `yaml:"url" json:"url"`
	// Credential names the environment variable holding the bearer token
	// for calendar-api sources.
	Credential string `yaml:"credential,omitempty" json:"credential,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// FetchConfig controls outbound feed requests.
type FetchConfig struct {
	// Timeout bounds a single network call, e.g. "15s".
	Timeout string `yaml:"timeout" json:"timeout"`
	// Relays are read-only pass-through proxy templates tried in order.
	// "{url}" is replaced with the query-escaped target; "direct" skips
	// the relay.
	Relays []string `yaml:"relays" json:"relays"`
	// RatePerMinute caps outbound requests across all sources.
	RatePerMinute int `yaml:"rate_per_minute" json:"rate_per_minute"`
	// APIEndpoint overrides the calendar API base URL (tests, proxies).
	APIEndpoint string `yaml:"api_endpoint,omitempty" json:"api_endpoint,omitempty"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file,omitempty" json:"file,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone of the viewer; "Local" uses the host zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart controls which weekday starts a week: "monday" (default)
	// or "sunday".
	WeekStart string `yaml:"week_start" json:"week_start"`

	// RefreshInterval is the minimum time between two fetches of the same
	// source, e.g. "30m".
	RefreshInterval string `yaml:"refresh_interval" json:"refresh_interval"`

	// RefreshCron optionally schedules proactive background refresh
	// (e.g. "*/30 * * * *"). Empty means "@every <RefreshInterval>".
	RefreshCron string `yaml:"refresh,omitempty" json:"refresh,omitempty"`

	Fetch FetchConfig `yaml:"fetch" json:"fetch"`

	// Sources is the list of configured calendars.
	Sources []SourceConfig `yaml:"sources" json:"sources"`

	// ScheduleDB is the SQLite file holding manual schedule lines.
	ScheduleDB string `yaml:"schedule_db" json:"schedule_db"`

	Log LogConfig `yaml:"log" json:"log"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// syncFrequencies are the named refresh intervals accepted in place of a
// duration.
var syncFrequencies = map[string]time.Duration{
	"realtime": 5 * time.Minute,
	"hourly":   time.Hour,
	"daily":    24 * time.Hour,
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:          defaultListen,
		Timezone:        defaultTimezone,
		WeekStart:       "monday",
		RefreshInterval: defaultRefreshInterval.String(),
		Fetch: FetchConfig{
			Timeout:       defaultFetchTimeout.String(),
			Relays:        []string{},
			RatePerMinute: defaultRatePerMinute,
		},
		Sources:    []SourceConfig{},
		ScheduleDB: defaultScheduleDB,
		Log:        LogConfig{Level: "info"},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	switch c.WeekStart {
	case "monday", "sunday":
	default:
		// Unknown value; fall back to monday to avoid surprising layouts.
		c.WeekStart = "monday"
	}
	if d, ok := syncFrequencies[strings.ToLower(c.RefreshInterval)]; ok {
		c.RefreshInterval = d.String()
	}
	if d, err := time.ParseDuration(c.RefreshInterval); err != nil || d <= 0 {
		c.RefreshInterval = defaultRefreshInterval.String()
	}
	if d, err := time.ParseDuration(c.Fetch.Timeout); err != nil || d <= 0 {
		c.Fetch.Timeout = defaultFetchTimeout.String()
	}
	if c.Fetch.RatePerMinute <= 0 {
		c.Fetch.RatePerMinute = defaultRatePerMinute
	}
	if c.Fetch.Relays == nil {
		c.Fetch.Relays = []string{}
	}
	if c.Sources == nil {
		c.Sources = []SourceConfig{}
	}
	for i := range c.Sources {
		if c.Sources[i].Kind == "" {
			c.Sources[i].Kind = string(model.KindICal)
		}
	}
	if c.ScheduleDB == "" {
		c.ScheduleDB = defaultScheduleDB
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports values that Normalize cannot repair.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		id := s.effectiveID()
		if seen[id] {
			return fmt.Errorf("config: duplicate source id %q", id)
		}
		seen[id] = true
	}
	return nil
}

// Interval returns the parsed refresh interval.
func (c *Config) Interval() time.Duration {
	d, err := time.ParseDuration(c.RefreshInterval)
	if err != nil || d <= 0 {
		return defaultRefreshInterval
	}
	return d
}

// FetchTimeout returns the parsed per-request timeout.
func (c *Config) FetchTimeout() time.Duration {
	d, err := time.ParseDuration(c.Fetch.Timeout)
	if err != nil || d <= 0 {
		return defaultFetchTimeout
	}
	return d
}

// Location resolves the viewer timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// FirstWeekday returns the configured start of the week.
func (c *Config) FirstWeekday() time.Weekday {
	if c.WeekStart == "sunday" {
		return time.Sunday
	}
	return time.Monday
}

// CalendarSources converts the configured sources into the model type.
func (c *Config) CalendarSources() []model.CalendarSource {
	out := make([]model.CalendarSource, 0, len(c.Sources))
	for _, s := range c.Sources {
		out = append(out, s.toModel())
	}
	return out
}

func (s SourceConfig) effectiveID() string {
	switch {
	case s.ID != "":
		return s.ID
	case s.Name != "":
		return s.Name
	default:
		return s.URL
	}
}

func (s SourceConfig) toModel() model.CalendarSource {
	kind := model.SourceKind(s.Kind)
	if kind == "" {
		kind = model.KindICal
	}
	url := strings.TrimSpace(s.URL)
	if kind == model.KindCalendarAPI && url == "" {
		url = "primary"
	}
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	return model.CalendarSource{
		ID:            s.effectiveID(),
		Name:          s.Name,
		Kind:          kind,
		URL:           url,
		CredentialRef: s.Credential,
		Enabled:       enabled,
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".weekcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
