// Package syncer runs one synchronization of org files into a remote calendar.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"orgcal/internal/cache"
	"orgcal/internal/config"
	"orgcal/internal/identity"
	"orgcal/internal/materialize"
	"orgcal/internal/models"
	"orgcal/internal/org"
	"orgcal/internal/reconcile"
	"orgcal/internal/remote"
	"orgcal/internal/state"
)

// Options configures a Syncer.
type Options struct {
	// Namespace keys the persisted state, one per calendar.
	Namespace string
	OrgFiles  []string
	Location  *time.Location

	// Cutoff excludes non-recurring entries that start before it, and recurrence
	// instances before it. Zero means start of today for instances and no limit
	// for other entries.
	Cutoff      time.Time
	HorizonDays int

	// KeepPast keeps objects that were synced earlier but now fall before the
	// cutoff or the start of the expansion window. By default they are deleted
	// like any other occurrence that is no longer produced.
	KeepPast bool

	Strict bool

	// Recurrence is one of the config.Recurrence* modes.
	Recurrence    string
	RemoteListing bool
	WriteIDs      bool
	DryRun        bool

	Executor reconcile.ExecutorConfig

	// Now defaults to time.Now.
	Now func() time.Time
}

// Report summarizes a run.
type Report struct {
	Namespace   string
	Entries     int
	Occurrences int
	Invalid     int
	Assigned    int
	DryRun      bool
	Plan        *reconcile.Plan
	Result      *reconcile.Result // nil in dry runs
}

// Failed returns the number of failed operations.
func (r *Report) Failed() int {
	if r.Result == nil {
		return 0
	}
	return len(r.Result.Failed)
}

// Syncer orchestrates the synchronization from org files to one calendar.
type Syncer struct {
	logger *slog.Logger
	loader *org.Loader
	store  state.Store
	remote remote.Adapter
	opts   Options
}

// NewSyncer creates a new Syncer.
func NewSyncer(logger *slog.Logger, loader *org.Loader, store state.Store, adapter remote.Adapter, opts Options) *Syncer {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HorizonDays <= 0 {
		opts.HorizonDays = 90
	}
	if opts.Executor.Logger == nil {
		opts.Executor.Logger = logger
	}
	return &Syncer{
		logger: logger.With("calendar", opts.Namespace),
		loader: loader,
		store:  store,
		remote: adapter,
		opts:   opts,
	}
}

type run struct {
	report *Report
	cache  *cache.Cache
	ledger *identity.Ledger
}

// Sync performs a full synchronization cycle. Per-operation failures are
// reported in the Report and do not make Sync fail; they are retried next run.
func (s *Syncer) Sync(ctx context.Context) (*Report, error) {
	s.logger.Info("Starting sync cycle.", "dryRun", s.opts.DryRun)

	r, err := s.prepare(ctx)
	if err != nil {
		return nil, err
	}
	s.logPlan(r.report.Plan)

	if s.opts.DryRun {
		s.logger.Info("Dry run finished, nothing was changed.",
			"create", r.report.Plan.Count(reconcile.ActionCreate),
			"update", r.report.Plan.Count(reconcile.ActionUpdate),
			"delete", r.report.Plan.Count(reconcile.ActionDelete))
		return r.report, nil
	}

	exec := reconcile.NewExecutor(s.remote, s.opts.Executor)
	res, applyErr := exec.Apply(ctx, r.report.Plan, r.cache)
	r.report.Result = res

	// Confirmed operations must be remembered even if the run was cancelled.
	saveCtx := context.WithoutCancel(ctx)
	snap := &state.Snapshot{Records: r.cache.Records(), Ledger: r.ledger.IDs()}
	if err := s.store.Save(saveCtx, s.opts.Namespace, snap); err != nil {
		return r.report, fmt.Errorf("failed to save sync state: %w", err)
	}
	if applyErr != nil {
		return r.report, fmt.Errorf("sync interrupted: %w", applyErr)
	}

	s.logger.Info("Sync cycle finished.",
		"created", res.Created,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"unchanged", res.Unchanged,
		"failed", len(res.Failed))
	return r.report, nil
}

// Plan computes what Sync would do without touching the remote calendar, the
// org files or the persisted state.
func (s *Syncer) Plan(ctx context.Context) (*Report, error) {
	dry := *s
	dry.opts.DryRun = true
	r, err := dry.prepare(ctx)
	if err != nil {
		return nil, err
	}
	return r.report, nil
}

// prepare loads state and entries and computes the plan without side effects on
// the remote calendar.
func (s *Syncer) prepare(ctx context.Context) (*run, error) {
	load := s.store.Load
	if s.opts.DryRun {
		load = s.store.Peek
	}
	snap, err := load(ctx, s.opts.Namespace)
	if errors.Is(err, state.ErrCorrupt) {
		s.logger.Warn("Sync state is unreadable, starting cold.", "error", err)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	c := cache.New(snap.Records)
	ledger := identity.NewLedger(snap.Ledger...)

	listing := s.list(ctx, ledger)

	loaded, err := s.loader.Load(s.opts.OrgFiles)
	if err != nil {
		return nil, fmt.Errorf("failed to load org files: %w", err)
	}

	report := &Report{Namespace: s.opts.Namespace, DryRun: s.opts.DryRun}
	held := make(map[string]bool)
	invalid := func(err error) {
		report.Invalid++
		var ve *models.ValidationError
		if errors.As(err, &ve) && errors.Is(err, models.ErrNoTimestamp) {
			s.logger.Debug("Skipping entry without SCHEDULED timestamp", "title", ve.Title, "source", ve.Entry)
			return
		}
		if errors.As(err, &ve) && ve.ID != "" {
			held[ve.ID] = true
		}
		s.logger.Warn("Skipping invalid entry", "error", err)
	}
	for _, p := range loaded.Problems {
		invalid(p)
	}

	now := s.opts.Now().In(s.opts.Location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.opts.Location)
	from := s.opts.Cutoff
	if from.IsZero() {
		from = today
	}
	horizon := materialize.Horizon{From: from, Until: today.AddDate(0, 0, s.opts.HorizonDays)}

	mgr := identity.NewManager(ledger)
	mat := materialize.New(materialize.Options{NativeRecurrence: s.native()})
	outside := make(map[string]bool)
	pending := make(map[string]map[int]string)
	var occs []models.Occurrence

	entries := loaded.Entries
	for i := range entries {
		e := &entries[i]
		if err := e.Validate(); err != nil {
			invalid(err)
			continue
		}
		if e.Recurrence == nil && !s.opts.Cutoff.IsZero() && e.Scheduled.Start.Before(s.opts.Cutoff) {
			if e.ID != "" {
				outside[e.ID] = true
			}
			s.logger.Debug("Entry is before the sync cutoff", "title", e.Title, "source", e.Source)
			continue
		}

		_, fresh, err := mgr.Assign(e)
		var collision *identity.CollisionError
		if errors.As(err, &collision) {
			return nil, err
		}
		if err != nil {
			invalid(err)
			continue
		}
		if fresh {
			report.Assigned++
			if pending[e.Source.File] == nil {
				pending[e.Source.File] = make(map[int]string)
			}
			pending[e.Source.File][e.Source.Line] = e.ID
		}

		out, err := mat.Materialize(*e, horizon)
		if errors.Is(err, materialize.ErrTruncated) {
			s.logger.Warn("Recurrence expansion truncated", "title", e.Title, "error", err)
		} else if err != nil {
			invalid(err)
			continue
		}
		report.Entries++
		occs = append(occs, out...)
	}
	report.Occurrences = len(occs)

	s.writeIDs(pending)

	opts := reconcile.Options{Strict: s.opts.Strict, Held: held}
	if s.opts.KeepPast {
		opts.Retain = func(id string) bool {
			entry, _, _ := strings.Cut(id, identity.DerivedSeparator)
			if outside[entry] {
				return true
			}
			start, ok := materialize.InstanceStart(id, s.opts.Location)
			return ok && start.Before(horizon.From)
		}
	}
	plan, err := reconcile.Reconcile(occs, c, listing, opts)
	if err != nil {
		return nil, err
	}
	report.Plan = plan
	return &run{report: report, cache: c, ledger: ledger}, nil
}

// list fetches the remote listing when enabled. Identifiers of objects this tool
// created are added to the ledger so they are never generated again. A failed
// listing degrades to cache-only reconciliation.
func (s *Syncer) list(ctx context.Context, ledger *identity.Ledger) reconcile.Listing {
	if !s.opts.RemoteListing {
		return nil
	}
	items, err := s.remote.List(ctx)
	if err != nil {
		s.logger.Warn("Remote listing failed, relying on the cache", "error", err)
		return nil
	}
	for _, it := range items {
		if it.Fingerprint == "" {
			continue
		}
		entry, _, _ := strings.Cut(it.ID, identity.DerivedSeparator)
		ledger.Add(entry)
	}
	s.logger.Debug("Fetched remote listing", "objects", len(items))
	return reconcile.NewListing(items)
}

func (s *Syncer) native() bool {
	switch s.opts.Recurrence {
	case config.RecurrenceExpand:
		return false
	case config.RecurrenceNative:
		if !s.remote.SupportsRecurrence() {
			s.logger.Warn("Backend cannot expand recurrence rules, expanding locally", "backend", s.remote.Name())
			return false
		}
		return true
	default:
		return s.remote.SupportsRecurrence()
	}
}

// writeIDs stores freshly generated identifiers in their org files. A failure
// only costs stability: the next run generates new identifiers for the entries.
func (s *Syncer) writeIDs(pending map[string]map[int]string) {
	if !s.opts.WriteIDs || s.opts.DryRun || len(pending) == 0 {
		return
	}
	files := make([]string, 0, len(pending))
	for f := range pending {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		if err := org.WriteIDs(f, pending[f]); err != nil {
			s.logger.Warn("Failed to write identifiers to org file", "file", f, "error", err)
			continue
		}
		s.logger.Info("Wrote identifiers to org file", "file", f, "count", len(pending[f]))
	}
}

func (s *Syncer) logPlan(plan *reconcile.Plan) {
	for _, op := range plan.Skips {
		s.logger.Debug(op.Action.Symbol()+" "+op.Title(), "id", op.ID, "reason", op.Reason)
	}
	if !s.opts.DryRun {
		return
	}
	for _, op := range plan.Operations() {
		s.logger.Info(op.Action.Symbol()+" "+op.Title(), "action", op.Action, "id", op.ID, "reason", op.Reason)
	}
	for _, id := range plan.Foreign {
		s.logger.Debug("Leaving foreign object untouched", "id", id)
	}
}
