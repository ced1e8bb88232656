// Package reconcile computes the operations that bring a remote calendar into
// agreement with the locally produced occurrences, and executes them.
package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"orgcal/internal/cache"
	"orgcal/internal/identity"
	"orgcal/internal/models"
	"orgcal/internal/remote"
)

// Action is what happens to one remote object.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionSkip   Action = "skip"
)

// Symbol is the one-character prefix used in status lines.
func (a Action) Symbol() string {
	switch a {
	case ActionCreate:
		return "+"
	case ActionUpdate:
		return "~"
	case ActionDelete:
		return "-"
	default:
		return "="
	}
}

// Operation is one planned step. Occurrence is nil for deletes.
type Operation struct {
	Action      Action
	ID          string
	Occurrence  *models.Occurrence
	Fingerprint string
	Reason      string
}

// Title returns a human label for logs.
func (op Operation) Title() string {
	if op.Occurrence != nil {
		return op.Occurrence.Title
	}
	return op.ID
}

// Plan is the outcome of Reconcile. Deletes run before Upserts; Skips need no
// remote call.
type Plan struct {
	Deletes []Operation
	Upserts []Operation
	Skips   []Operation
	// Foreign lists remote objects left untouched because nothing local or cached
	// refers to them.
	Foreign []string
}

// Operations returns the executable operations in execution order.
func (p *Plan) Operations() []Operation {
	ops := make([]Operation, 0, len(p.Deletes)+len(p.Upserts))
	ops = append(ops, p.Deletes...)
	return append(ops, p.Upserts...)
}

// Count returns how many operations of kind a the plan holds.
func (p *Plan) Count(a Action) int {
	switch a {
	case ActionDelete:
		return len(p.Deletes)
	case ActionSkip:
		return len(p.Skips)
	}
	n := 0
	for _, op := range p.Upserts {
		if op.Action == a {
			n++
		}
	}
	return n
}

// Empty reports whether the plan needs no remote calls.
func (p *Plan) Empty() bool {
	return len(p.Deletes) == 0 && len(p.Upserts) == 0
}

// Listing is the remote view keyed by identifier. A nil Listing means no listing
// was available and the cache alone decides.
type Listing map[string]remote.Item

// NewListing indexes items. The result is never nil, even for an empty calendar.
func NewListing(items []remote.Item) Listing {
	l := make(Listing, len(items))
	for _, it := range items {
		l[it.ID] = it
	}
	return l
}

// Options tunes Reconcile.
type Options struct {
	// Strict deletes remote objects that are neither produced locally nor cached.
	Strict bool

	// Held holds entry ids whose entries failed validation this run. Their cached
	// occurrences are kept instead of deleted.
	Held map[string]bool

	// Retain reports cached occurrences that lie outside the sync window (before
	// the cutoff). They are kept instead of deleted. May be nil.
	Retain func(id string) bool
}

// Reconcile classifies every identifier known locally, in the cache, or in the
// listing. It performs no I/O. The same inputs always produce the same plan.
func Reconcile(occs []models.Occurrence, c *cache.Cache, listing Listing, opts Options) (*Plan, error) {
	local := make(map[string]*models.Occurrence, len(occs))
	for i := range occs {
		occ := &occs[i]
		if prev, dup := local[occ.ID]; dup {
			return nil, fmt.Errorf("reconcile: duplicate occurrence id %q from %s and %s", occ.ID, prev.Source, occ.Source)
		}
		local[occ.ID] = occ
	}

	plan := &Plan{}

	for _, id := range sortedKeys(local) {
		occ := local[id]
		fp := cache.Fingerprint(*occ)
		op := Operation{ID: id, Occurrence: occ, Fingerprint: fp}

		rec, cached := c.Lookup(id)
		item, listed := listing[id]

		switch {
		case !cached && listed:
			op.Action, op.Reason = ActionUpdate, "exists remotely but not cached"
		case !cached:
			op.Action, op.Reason = ActionCreate, "new"
		case listing != nil && !listed:
			op.Action, op.Reason = ActionCreate, "missing remotely"
		case listed && item.Fingerprint != "" && item.Fingerprint != fp:
			op.Action, op.Reason = ActionUpdate, "remote differs"
		case rec.Fingerprint != fp:
			op.Action, op.Reason = ActionUpdate, "changed"
		default:
			op.Action, op.Reason = ActionSkip, "unchanged"
		}

		if op.Action == ActionSkip {
			plan.Skips = append(plan.Skips, op)
		} else {
			plan.Upserts = append(plan.Upserts, op)
		}
	}

	for _, id := range c.IDs() {
		if _, ok := local[id]; ok {
			continue
		}
		if opts.Held[entryOf(id)] {
			plan.Skips = append(plan.Skips, Operation{Action: ActionSkip, ID: id, Reason: "entry invalid, kept"})
			continue
		}
		if opts.Retain != nil && opts.Retain(id) {
			plan.Skips = append(plan.Skips, Operation{Action: ActionSkip, ID: id, Reason: "outside sync window"})
			continue
		}
		plan.Deletes = append(plan.Deletes, Operation{Action: ActionDelete, ID: id, Reason: "no longer produced locally"})
	}

	for _, id := range sortedKeys(listing) {
		if _, ok := local[id]; ok {
			continue
		}
		if _, ok := c.Lookup(id); ok {
			continue
		}
		if opts.Strict && !opts.Held[entryOf(id)] {
			plan.Deletes = append(plan.Deletes, Operation{Action: ActionDelete, ID: id, Reason: "not managed locally (strict mirror)"})
			continue
		}
		plan.Foreign = append(plan.Foreign, id)
	}
	sort.Slice(plan.Deletes, func(i, j int) bool { return plan.Deletes[i].ID < plan.Deletes[j].ID })

	return plan, nil
}

// entryOf returns the entry id an occurrence id was derived from.
func entryOf(id string) string {
	entry, _, _ := strings.Cut(id, identity.DerivedSeparator)
	return entry
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
