package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("ORGCAL_TEST_PASSWORD", "s3cret")
	path := writeConfig(t, `
timezone: UTC
calendars:
  - id: personal
    url: https://dav.example.com/
    calendar: Personal
    username: me
    password: ${ORGCAL_TEST_PASSWORD}
    org_files: [agenda.org]
    sync_cutoff: thisweek
    max_retries: 0
    op_timeout: 5s
    remote_listing: false
  - id: work
    backend: google
    google_account: work
    org_files: [work/]
    delete_policy: strict-mirror
    recurrence: expand
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	personal := cfg.Calendars[0]
	if personal.Password != "s3cret" {
		t.Errorf("password not expanded: %q", personal.Password)
	}
	if personal.Backend != BackendCalDAV || personal.HorizonDays != 90 || personal.Concurrency != 4 {
		t.Errorf("defaults not applied: %+v", personal)
	}
	if *personal.MaxRetries != 0 {
		t.Errorf("explicit max_retries 0 was overridden: %d", *personal.MaxRetries)
	}
	if personal.OpTimeout != 5*time.Second {
		t.Errorf("op_timeout = %v", personal.OpTimeout)
	}
	if *personal.RemoteListing || !*personal.WriteIDs {
		t.Errorf("remote_listing=%v write_ids=%v", *personal.RemoteListing, *personal.WriteIDs)
	}
	if personal.Strict() {
		t.Error("leave-foreign is the default")
	}

	work := cfg.Calendars[1]
	if !work.Strict() || work.Recurrence != RecurrenceExpand || work.GoogleCalendarID != "primary" {
		t.Errorf("work = %+v", work)
	}

	if cfg.StateDir != ".orgcal_cache" || cfg.StateBackend != "json" || cfg.TokenDir != "." {
		t.Errorf("top-level defaults not applied: %+v", cfg)
	}
}

func TestLoadReportsAllProblems(t *testing.T) {
	path := writeConfig(t, `
timezone: Mars/Olympus
state_backend: redis
calendars:
  - id: a
    backend: caldav
  - id: a
    backend: exchange
    org_files: [x.org]
    delete_policy: wipe
    sync_cutoff: yesterday
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"timezone", "state_backend", "needs url", "org_files is empty", "duplicate id", "exchange", "delete_policy", "sync_cutoff"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %q:\n%v", want, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Error("missing config should fail")
	}
}

func TestParseCutoff(t *testing.T) {
	now := time.Date(2024, 1, 11, 15, 30, 0, 0, time.UTC) // Thursday
	tests := []struct {
		in   string
		want time.Time
	}{
		{"", time.Time{}},
		{"now", time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC)},
		{"thisweek", time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)},
		{"2023-12-24", time.Date(2023, 12, 24, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseCutoff(tt.in, now)
		if err != nil {
			t.Fatalf("ParseCutoff(%q): %v", tt.in, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseCutoff(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	sunday := time.Date(2024, 1, 14, 9, 0, 0, 0, time.UTC)
	got, _ := ParseCutoff("thisweek", sunday)
	if want := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("thisweek on Sunday = %v, want the preceding Monday", got)
	}

	if _, err := ParseCutoff("last tuesday", now); err == nil {
		t.Error("unknown cutoff should fail")
	}
}

func TestSelect(t *testing.T) {
	cfg := &Config{Calendars: []CalendarConfig{{ID: "a"}, {ID: "b"}}}
	all, _ := cfg.Select("")
	if len(all) != 2 {
		t.Errorf("Select(\"\") = %v", all)
	}
	one, err := cfg.Select("b")
	if err != nil || len(one) != 1 || one[0].ID != "b" {
		t.Errorf("Select(b) = %v, %v", one, err)
	}
	if _, err := cfg.Select("c"); err == nil {
		t.Error("unknown calendar should fail")
	}
}

func TestICloudShorthand(t *testing.T) {
	cfg := &Config{Timezone: "UTC", Calendars: []CalendarConfig{{ID: "icloud", URL: "iCloud", Calendar: "Work", OrgFiles: []string{"a.org"}}}}
	cfg.Normalize()
	if got := cfg.Calendars[0].URL; got != ICloudURL {
		t.Errorf("URL = %q, want %q", got, ICloudURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}
