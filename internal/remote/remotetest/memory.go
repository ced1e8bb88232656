// Package remotetest provides an in-memory remote.Adapter for tests.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"orgcal/internal/models"
	"orgcal/internal/remote"
)

// Call records one adapter invocation.
type Call struct {
	Op string
	ID string
}

// Memory is a remote calendar held in a map. Failures can be injected per id.
type Memory struct {
	mu        sync.Mutex
	objects   map[string]models.Occurrence
	prints    map[string]string
	calls     []Call
	failures  map[string][]error
	recurring bool
}

// NewMemory creates an empty calendar.
func NewMemory() *Memory {
	return &Memory{
		objects:  make(map[string]models.Occurrence),
		prints:   make(map[string]string),
		failures: make(map[string][]error),
	}
}

// WithRecurrence makes the fake claim native RRULE support.
func (m *Memory) WithRecurrence() *Memory {
	m.recurring = true
	return m
}

// Fail queues errs to be returned, in order, by the next operations on id.
func (m *Memory) Fail(id string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id] = append(m.failures[id], errs...)
}

// Put stores an object directly, as if another client created it.
func (m *Memory) Put(id string, occ models.Occurrence, fp string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	occ.ID = id
	m.objects[id] = occ
	m.prints[id] = fp
}

// Has reports whether id exists remotely.
func (m *Memory) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[id]
	return ok
}

// Get returns the stored object.
func (m *Memory) Get(id string) (models.Occurrence, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	occ, ok := m.objects[id]
	return occ, ok
}

// IDs returns the stored identifiers in sorted order.
func (m *Memory) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.objects))
	for id := range m.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Calls returns the mutating calls made so far (List is not recorded).
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Reset forgets recorded calls.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *Memory) Name() string             { return "memory" }
func (m *Memory) SupportsRecurrence() bool { return m.recurring }

func (m *Memory) List(ctx context.Context) ([]remote.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]remote.Item, 0, len(m.objects))
	for id := range m.objects {
		items = append(items, remote.Item{ID: id, Fingerprint: m.prints[id]})
	}
	return items, nil
}

func (m *Memory) Create(ctx context.Context, occ models.Occurrence, fp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "create", ID: occ.ID})
	if err := m.injected(occ.ID); err != nil {
		return err
	}
	if _, exists := m.objects[occ.ID]; exists {
		return remote.Permanent(412, fmt.Errorf("object %s already exists", occ.ID))
	}
	m.objects[occ.ID] = occ
	m.prints[occ.ID] = fp
	return nil
}

func (m *Memory) Update(ctx context.Context, occ models.Occurrence, fp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "update", ID: occ.ID})
	if err := m.injected(occ.ID); err != nil {
		return err
	}
	m.objects[occ.ID] = occ
	m.prints[occ.ID] = fp
	return nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "delete", ID: id})
	if err := m.injected(id); err != nil {
		return err
	}
	if _, ok := m.objects[id]; !ok {
		return remote.Permanent(404, remote.ErrNotFound)
	}
	delete(m.objects, id)
	delete(m.prints, id)
	return nil
}

func (m *Memory) injected(id string) error {
	queue := m.failures[id]
	if len(queue) == 0 {
		return nil
	}
	m.failures[id] = queue[1:]
	return queue[0]
}
