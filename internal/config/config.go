// Package config loads the YAML configuration of orgcal.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Delete policies.
const (
	PolicyLeaveForeign = "leave-foreign"
	PolicyStrictMirror = "strict-mirror"
)

// Recurrence modes.
const (
	RecurrenceAuto   = "auto"
	RecurrenceNative = "native"
	RecurrenceExpand = "expand"
)

// Backends.
const (
	BackendCalDAV = "caldav"
	BackendGoogle = "google"
)

// ICloudURL is the CalDAV endpoint used when url is "icloud".
const ICloudURL = "https://caldav.icloud.com/"

var namespaceRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// CalendarConfig describes one org-to-calendar pairing. Its ID namespaces the
// persisted state.
type CalendarConfig struct {
	ID      string `yaml:"id"`
	Backend string `yaml:"backend"`

	// CalDAV
	URL      string `yaml:"url"`
	Calendar string `yaml:"calendar"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Google
	GoogleAccount    string `yaml:"google_account"`
	GoogleCalendarID string `yaml:"google_calendar_id"`

	OrgFiles []string `yaml:"org_files"`

	// SyncCutoff excludes non-recurring entries scheduled before it: "now",
	// "thisweek", a YYYY-MM-DD date, or empty for no cutoff.
	SyncCutoff   string `yaml:"sync_cutoff"`
	HorizonDays  int    `yaml:"horizon_days"`
	KeepPast     bool   `yaml:"keep_past"`
	DeletePolicy string `yaml:"delete_policy"`
	Recurrence   string `yaml:"recurrence"`

	RemoteListing *bool         `yaml:"remote_listing"`
	Concurrency   int           `yaml:"concurrency"`
	MaxRetries    *int          `yaml:"max_retries"`
	OpTimeout     time.Duration `yaml:"op_timeout"`
	WriteIDs      *bool         `yaml:"write_ids"`
}

// Config is the top-level configuration.
type Config struct {
	StateDir     string `yaml:"state_dir"`
	StateBackend string `yaml:"state_backend"`
	LogLevel     string `yaml:"log_level"`
	LogFile      string `yaml:"log_file"`

	// Timezone applies to org timestamps, which carry none.
	Timezone     string   `yaml:"timezone"`
	TodoKeywords []string `yaml:"todo_keywords"`
	DoneKeywords []string `yaml:"done_keywords"`

	GoogleCredentials string `yaml:"google_credentials"`
	TokenDir          string `yaml:"token_dir"`

	Calendars []CalendarConfig `yaml:"calendars"`
}

// DefaultConfig returns a configuration with every default filled in and no
// calendars.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in zero values with defaults.
func (c *Config) Normalize() {
	if c.StateDir == "" {
		c.StateDir = ".orgcal_cache"
	}
	if c.StateBackend == "" {
		c.StateBackend = "json"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/Berlin"
	}
	if c.GoogleCredentials == "" {
		c.GoogleCredentials = "credentials.json"
	}
	if c.TokenDir == "" {
		c.TokenDir = "."
	}
	for i := range c.Calendars {
		c.Calendars[i].normalize()
	}
}

func (cal *CalendarConfig) normalize() {
	if cal.Backend == "" {
		cal.Backend = BackendCalDAV
	}
	if strings.EqualFold(cal.URL, "icloud") {
		cal.URL = ICloudURL
	}
	if cal.GoogleCalendarID == "" {
		cal.GoogleCalendarID = "primary"
	}
	if cal.HorizonDays <= 0 {
		cal.HorizonDays = 90
	}
	if cal.DeletePolicy == "" {
		cal.DeletePolicy = PolicyLeaveForeign
	}
	if cal.Recurrence == "" {
		cal.Recurrence = RecurrenceAuto
	}
	if cal.Concurrency <= 0 {
		cal.Concurrency = 4
	}
	if cal.MaxRetries == nil {
		n := 3
		cal.MaxRetries = &n
	}
	if cal.OpTimeout <= 0 {
		cal.OpTimeout = 30 * time.Second
	}
	if cal.RemoteListing == nil {
		t := true
		cal.RemoteListing = &t
	}
	if cal.WriteIDs == nil {
		t := true
		cal.WriteIDs = &t
	}
}

// Load reads, expands, normalizes and validates the configuration at path.
// "${VAR}" references in credentials are replaced from the environment.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	for i := range cfg.Calendars {
		cal := &cfg.Calendars[i]
		cal.URL = os.ExpandEnv(cal.URL)
		cal.Username = os.ExpandEnv(cal.Username)
		cal.Password = os.ExpandEnv(cal.Password)
	}
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	switch c.StateBackend {
	case "json", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("state_backend %q: must be json or sqlite", c.StateBackend))
	}
	if len(c.Calendars) == 0 {
		errs = append(errs, errors.New("no calendars configured"))
	}

	seen := make(map[string]bool)
	for i, cal := range c.Calendars {
		name := cal.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i+1)
		}
		if seen[cal.ID] {
			errs = append(errs, fmt.Errorf("calendar %s: duplicate id", name))
		}
		seen[cal.ID] = true
		if err := cal.validate(); err != nil {
			errs = append(errs, fmt.Errorf("calendar %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (cal *CalendarConfig) validate() error {
	var errs []error
	if !namespaceRe.MatchString(cal.ID) {
		errs = append(errs, fmt.Errorf("id %q must be letters, digits, '.', '_' or '-'", cal.ID))
	}
	switch cal.Backend {
	case BackendCalDAV:
		if cal.URL == "" {
			errs = append(errs, errors.New("caldav backend needs url"))
		}
		if cal.Calendar == "" {
			errs = append(errs, errors.New("caldav backend needs calendar"))
		}
	case BackendGoogle:
		if cal.GoogleAccount == "" {
			errs = append(errs, errors.New("google backend needs google_account"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend %q: must be caldav or google", cal.Backend))
	}
	if len(cal.OrgFiles) == 0 {
		errs = append(errs, errors.New("org_files is empty"))
	}
	switch cal.DeletePolicy {
	case PolicyLeaveForeign, PolicyStrictMirror:
	default:
		errs = append(errs, fmt.Errorf("delete_policy %q: must be %s or %s", cal.DeletePolicy, PolicyLeaveForeign, PolicyStrictMirror))
	}
	switch cal.Recurrence {
	case RecurrenceAuto, RecurrenceNative, RecurrenceExpand:
	default:
		errs = append(errs, fmt.Errorf("recurrence %q: must be auto, native or expand", cal.Recurrence))
	}
	if _, err := ParseCutoff(cal.SyncCutoff, time.Now()); err != nil {
		errs = append(errs, err)
	}
	if cal.MaxRetries != nil && *cal.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must not be negative"))
	}
	return errors.Join(errs...)
}

// Location returns the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Select returns the calendar with id, or all calendars when id is empty.
func (c *Config) Select(id string) ([]CalendarConfig, error) {
	if id == "" {
		return c.Calendars, nil
	}
	for _, cal := range c.Calendars {
		if cal.ID == id {
			return []CalendarConfig{cal}, nil
		}
	}
	return nil, fmt.Errorf("no calendar with id %q", id)
}

// Strict reports whether foreign remote objects are deleted.
func (cal CalendarConfig) Strict() bool {
	return cal.DeletePolicy == PolicyStrictMirror
}

// ParseCutoff resolves a sync_cutoff value relative to now, in now's location.
// The empty string yields the zero time (no cutoff).
func ParseCutoff(value string, now time.Time) (time.Time, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch value {
	case "":
		return time.Time{}, nil
	case "now":
		return today, nil
	case "thisweek":
		offset := (int(today.Weekday()) + 6) % 7
		return today.AddDate(0, 0, -offset), nil
	}
	t, err := time.ParseInLocation("2006-01-02", value, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("sync_cutoff %q: must be now, thisweek or YYYY-MM-DD", value)
	}
	return t, nil
}
