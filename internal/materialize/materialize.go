// Package materialize turns schedule entries into the concrete calendar objects
// that get uploaded: the scheduled occurrence, a separate deadline occurrence, and
// either a natively recurring object or expanded recurrence instances.
package materialize

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"orgcal/internal/identity"
	"orgcal/internal/models"
)

const (
	defaultMaxInstances = 1000

	// DeadlineSuffix is appended to the entry id for deadline occurrences.
	DeadlineSuffix = "deadline"
	// DeadlineCategory marks deadline occurrences.
	DeadlineCategory = "DEADLINE"

	deadlineTitlePrefix = "Deadline: "
	instanceLayout      = "20060102T150405"
	instanceDateLayout  = "20060102"
)

// Horizon bounds recurrence expansion to instances starting in [From, Until).
// A zero From means "from the entry's first occurrence".
type Horizon struct {
	From  time.Time
	Until time.Time
}

// Options controls how recurring entries are materialized.
type Options struct {
	// NativeRecurrence emits a single occurrence carrying an RRULE instead of
	// expanding instances. Only valid when the remote store expands rules itself.
	NativeRecurrence bool

	// MaxInstances caps the number of expanded instances per entry. If zero,
	// defaultMaxInstances is used.
	MaxInstances int
}

// Materializer expands entries. It holds no state besides its options and is safe
// for concurrent use.
type Materializer struct {
	opts Options
}

// New creates a Materializer.
func New(opts Options) *Materializer {
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = defaultMaxInstances
	}
	return &Materializer{opts: opts}
}

// ErrTruncated is wrapped into the error returned alongside a capped expansion.
var ErrTruncated = errors.New("recurrence expansion truncated")

// Materialize returns the occurrences for e. The entry must carry an identifier.
// Materializing the same entry with the same horizon always yields the same
// occurrences, in the same order.
//
// When expansion hits MaxInstances the capped occurrences are returned together
// with an error wrapping ErrTruncated.
func (m *Materializer) Materialize(e models.ScheduleEntry, h Horizon) ([]models.Occurrence, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if e.ID == "" {
		return nil, &models.ValidationError{Entry: e.Source, Title: e.Title, Err: errors.New("entry has no identifier")}
	}

	categories := categoriesFor(e)
	var out []models.Occurrence
	var truncErr error

	switch {
	case e.Recurrence == nil:
		out = append(out, m.primary(e, categories))
	case m.opts.NativeRecurrence:
		occ := m.primary(e, categories)
		opt := ruleOption(e)
		occ.Recurrence = opt.RRuleString()
		out = append(out, occ)
	default:
		instances, err := m.expand(e, h, categories)
		if err != nil {
			if !errors.Is(err, ErrTruncated) {
				return nil, err
			}
			truncErr = err
		}
		out = append(out, instances...)
	}

	if e.Deadline != nil && !e.Deadline.Start.IsZero() {
		out = append(out, deadline(e, categories))
	}
	return out, truncErr
}

func (m *Materializer) primary(e models.ScheduleEntry, categories []string) models.Occurrence {
	start, end := bounds(*e.Scheduled)
	return models.Occurrence{
		ID:          e.ID,
		EntryID:     e.ID,
		Role:        models.RolePrimary,
		Title:       e.Title,
		Description: e.Description,
		Start:       start,
		End:         end,
		AllDay:      e.Scheduled.AllDay,
		Categories:  categories,
		Source:      e.Source,
	}
}

func (m *Materializer) expand(e models.ScheduleEntry, h Horizon, categories []string) ([]models.Occurrence, error) {
	if h.Until.IsZero() {
		return nil, &models.ValidationError{ID: e.ID, Entry: e.Source, Title: e.Title, Err: errors.New("recurrence expansion needs a horizon")}
	}

	opt := ruleOption(e)
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, &models.ValidationError{ID: e.ID, Entry: e.Source, Title: e.Title, Err: fmt.Errorf("build recurrence rule: %w", err)}
	}

	from := h.From
	if from.IsZero() || from.Before(opt.Dtstart) {
		from = opt.Dtstart
	}
	if !from.Before(h.Until) {
		return nil, nil
	}

	firstStart, firstEnd := bounds(*e.Scheduled)
	allDay := e.Scheduled.AllDay
	days := 0
	if allDay {
		days = int(firstEnd.Sub(firstStart).Hours()/24 + 0.5)
	}
	length := firstEnd.Sub(firstStart)

	var truncErr error
	times := r.Between(from.In(opt.Dtstart.Location()), h.Until.In(opt.Dtstart.Location()), true)
	out := make([]models.Occurrence, 0, len(times))
	for _, start := range times {
		if !start.Before(h.Until) {
			continue
		}
		if len(out) == m.opts.MaxInstances {
			truncErr = fmt.Errorf("entry %s: %w at %d instances", e.ID, ErrTruncated, m.opts.MaxInstances)
			break
		}

		end := start.Add(length)
		key := start.Format(instanceLayout)
		if allDay {
			end = start
			if days > 0 {
				end = start.AddDate(0, 0, days)
			}
			key = start.Format(instanceDateLayout)
		}

		out = append(out, models.Occurrence{
			ID:          identity.Derived(e.ID, key),
			EntryID:     e.ID,
			Role:        models.RoleInstance,
			Title:       e.Title,
			Description: e.Description,
			Start:       start,
			End:         end,
			AllDay:      allDay,
			Categories:  categories,
			Source:      e.Source,
		})
	}
	return out, truncErr
}

// InstanceStart recovers the start of an expanded instance from its identifier,
// read in loc. ok is false for identifiers that do not name an instance.
func InstanceStart(id string, loc *time.Location) (time.Time, bool) {
	_, key, found := strings.Cut(id, identity.DerivedSeparator)
	if !found {
		return time.Time{}, false
	}
	for _, layout := range []string{instanceLayout, instanceDateLayout} {
		if t, err := time.ParseInLocation(layout, key, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func deadline(e models.ScheduleEntry, categories []string) models.Occurrence {
	cats := append(append([]string(nil), categories...), DeadlineCategory)
	sort.Strings(cats)

	start := e.Deadline.Start
	if e.Deadline.AllDay {
		start = midnight(start)
	}
	return models.Occurrence{
		ID:          identity.Derived(e.ID, DeadlineSuffix),
		EntryID:     e.ID,
		Role:        models.RoleDeadline,
		Title:       deadlineTitlePrefix + e.Title,
		Description: e.Description,
		Start:       start,
		End:         start,
		AllDay:      e.Deadline.AllDay,
		Categories:  dedupe(cats),
		Source:      e.Source,
	}
}

// bounds converts an entry timestamp into occurrence start/end. Point timestamps
// get End == Start; all-day ranges get an exclusive end date.
func bounds(ts models.Timestamp) (time.Time, time.Time) {
	if ts.AllDay {
		start := midnight(ts.Start)
		if ts.IsPoint() {
			return start, start
		}
		last := midnight(ts.End)
		if !last.After(start) {
			return start, start
		}
		return start, last.AddDate(0, 0, 1)
	}
	if ts.IsPoint() {
		return ts.Start, ts.Start
	}
	return ts.Start, ts.End
}

func ruleOption(e models.ScheduleEntry) rrule.ROption {
	start, _ := bounds(*e.Scheduled)
	return rrule.ROption{
		Freq:     frequency(e.Recurrence.Unit),
		Interval: e.Recurrence.Interval,
		Dtstart:  start,
	}
}

func frequency(u models.Unit) rrule.Frequency {
	switch u {
	case models.UnitHour:
		return rrule.HOURLY
	case models.UnitDay:
		return rrule.DAILY
	case models.UnitWeek:
		return rrule.WEEKLY
	case models.UnitMonth:
		return rrule.MONTHLY
	default:
		return rrule.YEARLY
	}
}

func categoriesFor(e models.ScheduleEntry) []string {
	cats := append([]string(nil), e.Tags...)
	if e.State != "" {
		cats = append(cats, e.State)
	}
	sort.Strings(cats)
	return dedupe(cats)
}

func dedupe(sorted []string) []string {
	var out []string
	for _, s := range sorted {
		if s == "" || (len(out) > 0 && out[len(out)-1] == s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
