// Package identity assigns stable identifiers to schedule entries and keeps the
// append-only ledger of every identifier ever handed out.
package identity

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/google/uuid"

	"orgcal/internal/models"
)

// DerivedSeparator joins an entry id with a role or instance suffix. It can never
// appear in an entry id, so derived ids never collide with entry ids.
const DerivedSeparator = "~"

const defaultMaxAttempts = 16

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@+-]{0,199}$`)

// IsValid reports whether s is a well-formed entry identifier.
func IsValid(s string) bool {
	return idPattern.MatchString(s)
}

// Ledger is the set of every identifier ever assigned, including ids whose entries
// have since been deleted. It only grows.
type Ledger struct {
	ids map[string]struct{}
}

// NewLedger creates a ledger seeded with ids.
func NewLedger(ids ...string) *Ledger {
	l := &Ledger{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		l.Add(id)
	}
	return l
}

// Add records id. Adding an id twice is a no-op.
func (l *Ledger) Add(id string) {
	if id == "" {
		return
	}
	l.ids[id] = struct{}{}
}

// Contains reports whether id was ever assigned.
func (l *Ledger) Contains(id string) bool {
	_, ok := l.ids[id]
	return ok
}

// Len returns the number of recorded ids.
func (l *Ledger) Len() int {
	return len(l.ids)
}

// IDs returns the recorded ids in sorted order.
func (l *Ledger) IDs() []string {
	out := make([]string, 0, len(l.ids))
	for id := range l.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CollisionError means no fresh identifier could be produced. It indicates a
// corrupt ledger or a broken generator and is fatal for the run.
type CollisionError struct {
	Attempts int
	Last     string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("identity: no unused identifier after %d attempts (last candidate %q)", e.Attempts, e.Last)
}

// Manager hands out identifiers for one sync run.
type Manager struct {
	ledger      *Ledger
	assigned    map[string]models.SourceLocation
	generate    func() string
	maxAttempts int
}

// Option configures a Manager.
type Option func(*Manager)

// WithGenerator replaces the uuid generator, mostly for tests.
func WithGenerator(gen func() string) Option {
	return func(m *Manager) { m.generate = gen }
}

// WithMaxAttempts bounds how many candidates are tried before giving up.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// NewManager creates a Manager registering into ledger.
func NewManager(ledger *Ledger, opts ...Option) *Manager {
	m := &Manager{
		ledger:      ledger,
		assigned:    make(map[string]models.SourceLocation),
		generate:    func() string { return uuid.New().String() },
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Assign returns the entry's identifier, generating and registering one if needed.
// Existing identifiers are never renumbered. The second return value is true when a
// new identifier was generated.
func (m *Manager) Assign(e *models.ScheduleEntry) (string, bool, error) {
	if e.ID != "" {
		if !IsValid(e.ID) {
			return "", false, &models.ValidationError{Entry: e.Source, Title: e.Title, Err: fmt.Errorf("malformed identifier %q", e.ID)}
		}
		if prev, dup := m.assigned[e.ID]; dup {
			return "", false, &models.ValidationError{Entry: e.Source, Title: e.Title, Err: fmt.Errorf("identifier %q already used at %s", e.ID, prev)}
		}
		m.assigned[e.ID] = e.Source
		m.ledger.Add(e.ID)
		return e.ID, false, nil
	}

	var candidate string
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		candidate = m.generate()
		if !IsValid(candidate) {
			continue
		}
		if m.ledger.Contains(candidate) {
			continue
		}
		if _, taken := m.assigned[candidate]; taken {
			continue
		}
		m.ledger.Add(candidate)
		m.assigned[candidate] = e.Source
		e.ID = candidate
		return candidate, true, nil
	}
	return "", false, &CollisionError{Attempts: m.maxAttempts, Last: candidate}
}

// Derived builds the identifier of an occurrence derived from entryID.
func Derived(entryID, suffix string) string {
	return entryID + DerivedSeparator + suffix
}
