package models

import (
	"errors"
	"fmt"
	"time"
)

// SourceLocation points at the heading an entry was parsed from. It is used for
// diagnostics only and never influences what is sent to the remote calendar.
type SourceLocation struct {
	File string
	Line int
}

func (l SourceLocation) String() string {
	if l.File == "" {
		return "<unknown>"
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// Timestamp is a date or date-time, optionally a range.
// For all-day timestamps End is the last day of the range (inclusive).
type Timestamp struct {
	Start  time.Time
	End    time.Time
	AllDay bool
}

// IsPoint reports whether the timestamp has no extent.
func (t Timestamp) IsPoint() bool {
	return t.End.IsZero() || t.End.Equal(t.Start)
}

// Unit is the step of a repeating rule.
type Unit string

const (
	UnitHour  Unit = "hour"
	UnitDay   Unit = "day"
	UnitWeek  Unit = "week"
	UnitMonth Unit = "month"
	UnitYear  Unit = "year"
)

// Recurrence is a simple "every N units" rule, as expressed by org repeaters.
type Recurrence struct {
	Interval int
	Unit     Unit
}

func (r Recurrence) String() string {
	return fmt.Sprintf("every %d %s", r.Interval, r.Unit)
}

// Validate rejects zero-length and unknown rules.
func (r Recurrence) Validate() error {
	if r.Interval <= 0 {
		return fmt.Errorf("recurrence interval must be positive, got %d", r.Interval)
	}
	switch r.Unit {
	case UnitHour, UnitDay, UnitWeek, UnitMonth, UnitYear:
		return nil
	default:
		return fmt.Errorf("unknown recurrence unit %q", r.Unit)
	}
}

// ScheduleEntry represents one schedule-bearing heading, as produced by the org parser.
// Tags are already flattened: own tags plus everything inherited from ancestors.
type ScheduleEntry struct {
	ID          string
	Title       string
	Description string
	Scheduled   *Timestamp
	Deadline    *Timestamp
	Recurrence  *Recurrence
	Tags        []string
	State       string
	Source      SourceLocation
}

// ErrNoTimestamp is returned for entries without a primary timestamp.
var ErrNoTimestamp = errors.New("entry has no scheduled timestamp")

// Validate checks that the entry is sync-eligible. All failures are ValidationErrors.
func (e *ScheduleEntry) Validate() error {
	if e.Scheduled == nil || e.Scheduled.Start.IsZero() {
		return &ValidationError{ID: e.ID, Entry: e.Source, Title: e.Title, Err: ErrNoTimestamp}
	}
	if !e.Scheduled.End.IsZero() && e.Scheduled.End.Before(e.Scheduled.Start) {
		return &ValidationError{ID: e.ID, Entry: e.Source, Title: e.Title, Err: errors.New("scheduled range ends before it starts")}
	}
	if e.Recurrence != nil {
		if err := e.Recurrence.Validate(); err != nil {
			return &ValidationError{ID: e.ID, Entry: e.Source, Title: e.Title, Err: err}
		}
	}
	return nil
}

// ValidationError reports a malformed entry. It never aborts a batch.
// ID is set when the entry carried an identifier.
type ValidationError struct {
	ID    string
	Entry SourceLocation
	Title string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid entry %q at %s: %v", e.Title, e.Entry, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
