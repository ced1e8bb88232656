package materialize

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"orgcal/internal/models"
)

var berlin = mustLoad("Europe/Berlin")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func at(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, berlin)
}

func TestPointEventCollapses(t *testing.T) {
	start := at(2024, 1, 10, 9, 0)
	e := models.ScheduleEntry{
		ID:        "standup",
		Title:     "Standup",
		Scheduled: &models.Timestamp{Start: start, End: start},
	}

	occs, err := New(Options{}).Materialize(e, Horizon{})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(occs) != 1 {
		t.Fatalf("got %d occurrences, want 1", len(occs))
	}
	occ := occs[0]
	if occ.ID != "standup" || occ.Role != models.RolePrimary {
		t.Errorf("unexpected occurrence %+v", occ)
	}
	if !occ.IsPoint() || !occ.Start.Equal(start) {
		t.Errorf("expected point event at %v, got %v-%v", start, occ.Start, occ.End)
	}
}

func TestTimedRangeAndAllDayRange(t *testing.T) {
	m := New(Options{})

	timed := models.ScheduleEntry{
		ID:        "talk",
		Title:     "Talk",
		Scheduled: &models.Timestamp{Start: at(2024, 3, 1, 14, 0), End: at(2024, 3, 1, 15, 30)},
	}
	occs, err := m.Materialize(timed, Horizon{})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if got := occs[0].End.Sub(occs[0].Start); got != 90*time.Minute {
		t.Errorf("duration = %v, want 90m", got)
	}

	allDay := models.ScheduleEntry{
		ID:        "trip",
		Title:     "Trip",
		Scheduled: &models.Timestamp{Start: at(2024, 3, 1, 0, 0), End: at(2024, 3, 3, 0, 0), AllDay: true},
	}
	occs, err = m.Materialize(allDay, Horizon{})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if want := at(2024, 3, 4, 0, 0); !occs[0].End.Equal(want) || !occs[0].AllDay {
		t.Errorf("all-day range end = %v (allDay=%v), want exclusive %v", occs[0].End, occs[0].AllDay, want)
	}

	single := models.ScheduleEntry{
		ID:        "bday",
		Title:     "Birthday",
		Scheduled: &models.Timestamp{Start: at(2024, 5, 2, 0, 0), AllDay: true},
	}
	occs, err = m.Materialize(single, Horizon{})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if !occs[0].IsPoint() {
		t.Errorf("single all-day should be a point, got %v-%v", occs[0].Start, occs[0].End)
	}
}

func TestDeadlineIsIndependent(t *testing.T) {
	m := New(Options{})
	e := models.ScheduleEntry{
		ID:        "report",
		Title:     "Report",
		Tags:      []string{"work"},
		State:     "TODO",
		Scheduled: &models.Timestamp{Start: at(2024, 2, 1, 10, 0)},
		Deadline:  &models.Timestamp{Start: at(2024, 2, 5, 0, 0), AllDay: true},
	}

	withDeadline, err := m.Materialize(e, Horizon{})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(withDeadline) != 2 {
		t.Fatalf("got %d occurrences, want 2", len(withDeadline))
	}
	dl := withDeadline[1]
	if dl.ID != "report~deadline" || dl.Role != models.RoleDeadline {
		t.Errorf("unexpected deadline occurrence %+v", dl)
	}
	if !strings.HasPrefix(dl.Title, "Deadline: ") {
		t.Errorf("deadline title %q lacks marker", dl.Title)
	}
	if diff := cmp.Diff([]string{"DEADLINE", "TODO", "work"}, dl.Categories); diff != "" {
		t.Errorf("deadline categories (-want +got):\n%s", diff)
	}

	e.Deadline = nil
	withoutDeadline, err := m.Materialize(e, Horizon{})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(withoutDeadline) != 1 {
		t.Fatalf("got %d occurrences, want 1", len(withoutDeadline))
	}
	if diff := cmp.Diff(withDeadline[0], withoutDeadline[0]); diff != "" {
		t.Errorf("primary occurrence changed when deadline was removed (-with +without):\n%s", diff)
	}
}

func TestWeeklyExpansion(t *testing.T) {
	start := at(2024, 1, 10, 9, 0)
	e := models.ScheduleEntry{
		ID:         "review",
		Title:      "Review",
		Tags:       []string{"team"},
		Scheduled:  &models.Timestamp{Start: start, End: start.Add(30 * time.Minute)},
		Recurrence: &models.Recurrence{Interval: 1, Unit: models.UnitWeek},
	}
	h := Horizon{Until: start.AddDate(0, 0, 28)}

	m := New(Options{})
	occs, err := m.Materialize(e, h)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(occs) != 4 {
		t.Fatalf("got %d occurrences, want 4", len(occs))
	}

	ids := make(map[string]bool)
	for i, occ := range occs {
		if ids[occ.ID] {
			t.Errorf("duplicate id %q", occ.ID)
		}
		ids[occ.ID] = true
		if i > 0 && !occ.Start.After(occs[i-1].Start) {
			t.Errorf("instance %d does not start after instance %d", i, i-1)
		}
		if occ.Title != "Review" || occ.End.Sub(occ.Start) != 30*time.Minute {
			t.Errorf("instance %d has wrong title or duration: %+v", i, occ)
		}
		if diff := cmp.Diff([]string{"team"}, occ.Categories); diff != "" {
			t.Errorf("instance %d categories (-want +got):\n%s", i, diff)
		}
	}
	if occs[0].ID != "review~20240110T090000" {
		t.Errorf("first instance id = %q", occs[0].ID)
	}

	again, err := m.Materialize(e, h)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if diff := cmp.Diff(occs, again); diff != "" {
		t.Errorf("expansion is not idempotent (-first +second):\n%s", diff)
	}
}

func TestExpansionRespectsHorizonFrom(t *testing.T) {
	start := at(2024, 1, 1, 8, 0)
	e := models.ScheduleEntry{
		ID:         "daily",
		Title:      "Daily",
		Scheduled:  &models.Timestamp{Start: start},
		Recurrence: &models.Recurrence{Interval: 2, Unit: models.UnitDay},
	}
	h := Horizon{From: at(2024, 1, 10, 0, 0), Until: at(2024, 1, 16, 0, 0)}

	occs, err := New(Options{}).Materialize(e, h)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	var got []string
	for _, occ := range occs {
		got = append(got, occ.ID)
	}
	want := []string{"daily~20240111T080000", "daily~20240113T080000", "daily~20240115T080000"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("instances (-want +got):\n%s", diff)
	}
}

func TestExpansionCap(t *testing.T) {
	start := at(2024, 1, 1, 0, 0)
	e := models.ScheduleEntry{
		ID:         "hourly",
		Title:      "Hourly",
		Scheduled:  &models.Timestamp{Start: start},
		Recurrence: &models.Recurrence{Interval: 1, Unit: models.UnitHour},
	}
	occs, err := New(Options{MaxInstances: 10}).Materialize(e, Horizon{Until: start.AddDate(0, 0, 2)})
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if len(occs) != 10 {
		t.Errorf("got %d occurrences, want 10", len(occs))
	}
}

func TestNativeRecurrence(t *testing.T) {
	start := at(2024, 1, 10, 9, 0)
	e := models.ScheduleEntry{
		ID:         "review",
		Title:      "Review",
		Scheduled:  &models.Timestamp{Start: start},
		Recurrence: &models.Recurrence{Interval: 2, Unit: models.UnitWeek},
	}
	occs, err := New(Options{NativeRecurrence: true}).Materialize(e, Horizon{})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(occs) != 1 {
		t.Fatalf("got %d occurrences, want 1", len(occs))
	}
	rule := occs[0].Recurrence
	if !strings.Contains(rule, "FREQ=WEEKLY") || !strings.Contains(rule, "INTERVAL=2") {
		t.Errorf("unexpected rule %q", rule)
	}
	if strings.Contains(rule, "DTSTART") {
		t.Errorf("rule %q should not carry DTSTART", rule)
	}
}

func TestZeroIntervalRejected(t *testing.T) {
	start := at(2024, 1, 10, 9, 0)
	e := models.ScheduleEntry{
		ID:         "broken",
		Title:      "Broken",
		Scheduled:  &models.Timestamp{Start: start},
		Recurrence: &models.Recurrence{Interval: 0, Unit: models.UnitDay},
	}
	_, err := New(Options{}).Materialize(e, Horizon{Until: start.AddDate(0, 1, 0)})
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestInstanceStart(t *testing.T) {
	tests := []struct {
		id   string
		want time.Time
		ok   bool
	}{
		{"review~20240110T090000", time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC), true},
		{"review~20240110", time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), true},
		{"review~deadline", time.Time{}, false},
		{"review", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := InstanceStart(tt.id, time.UTC)
		if ok != tt.ok || !got.Equal(tt.want) {
			t.Errorf("InstanceStart(%q) = %v, %v; want %v, %v", tt.id, got, ok, tt.want, tt.ok)
		}
	}
}
