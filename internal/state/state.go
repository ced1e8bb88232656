// Package state persists the change-detection cache and the identity ledger of a
// calendar namespace between runs.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"orgcal/internal/cache"
)

// SchemaVersion is written into every snapshot.
const SchemaVersion = 1

// ErrCorrupt marks unreadable state. Callers treat it as a cold start.
var ErrCorrupt = errors.New("state is corrupt")

// Snapshot is everything remembered about one namespace.
type Snapshot struct {
	Version int                     `json:"version"`
	SavedAt time.Time               `json:"saved_at"`
	Records map[string]cache.Record `json:"records"`
	// Ledger is append-only: identifiers are never removed from it.
	Ledger []string `json:"ledger,omitempty"`
}

// Empty returns the snapshot of a namespace that was never synced.
func Empty() *Snapshot {
	return &Snapshot{Version: SchemaVersion, Records: make(map[string]cache.Record)}
}

// Store loads and saves snapshots keyed by namespace.
type Store interface {
	// Load returns the saved snapshot, or an empty one if none exists. On
	// corruption it returns an empty snapshot together with an error wrapping
	// ErrCorrupt.
	Load(ctx context.Context, ns string) (*Snapshot, error)
	// Peek reads like Load but never moves or rewrites anything, so it is safe
	// without holding the run lock.
	Peek(ctx context.Context, ns string) (*Snapshot, error)
	Save(ctx context.Context, ns string, snap *Snapshot) error
	Close() error
}

// Open returns the store for backend ("json" or "sqlite") rooted at dir.
func Open(backend, dir string, logger *slog.Logger) (Store, error) {
	switch backend {
	case "", "json":
		return NewJSONStore(dir, logger), nil
	case "sqlite":
		return OpenSQLiteStore(filepath.Join(dir, "state.db"))
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}

// mergeLedger returns a followed by the ids of b it does not contain yet.
func mergeLedger(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, ids := range [][]string{a, b} {
		for _, id := range ids {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func checkNamespace(ns string) error {
	if ns == "" || ns == "." || ns == ".." || strings.ContainsAny(ns, `/\`) {
		return fmt.Errorf("invalid state namespace %q", ns)
	}
	return nil
}
