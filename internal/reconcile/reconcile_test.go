package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"orgcal/internal/cache"
	"orgcal/internal/models"
	"orgcal/internal/remote"
	"orgcal/internal/remote/remotetest"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func occurrence(id, title string) models.Occurrence {
	start := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	return models.Occurrence{ID: id, EntryID: entryOf(id), Title: title, Start: start, End: start}
}

func actions(p *Plan) map[string]Action {
	out := make(map[string]Action)
	for _, op := range p.Deletes {
		out[op.ID] = op.Action
	}
	for _, op := range p.Upserts {
		out[op.ID] = op.Action
	}
	for _, op := range p.Skips {
		out[op.ID] = op.Action
	}
	return out
}

func newExecutor(adapter remote.Adapter, retries int) *Executor {
	ex := NewExecutor(adapter, ExecutorConfig{MaxRetries: retries, Logger: quiet})
	ex.sleep = func(context.Context, time.Duration) error { return nil }
	return ex
}

func TestReconcileClassification(t *testing.T) {
	unchanged := occurrence("same", "Same")
	changed := occurrence("edit", "Edited")

	c := cache.New(nil)
	c.Commit("same", cache.Fingerprint(unchanged))
	c.Commit("edit", cache.Fingerprint(occurrence("edit", "Original")))
	c.Commit("gone", "whatever")

	plan, err := Reconcile([]models.Occurrence{unchanged, changed, occurrence("new", "New")}, c, nil, Options{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	want := map[string]Action{
		"same": ActionSkip,
		"edit": ActionUpdate,
		"new":  ActionCreate,
		"gone": ActionDelete,
	}
	if diff := cmp.Diff(want, actions(plan)); diff != "" {
		t.Errorf("actions (-want +got):\n%s", diff)
	}
}

func TestReconcileCompleteness(t *testing.T) {
	c := cache.New(nil)
	c.Commit("a", "x")
	c.Commit("b", "y")
	c.Commit("c", "z")
	occs := []models.Occurrence{occurrence("b", "B"), occurrence("d", "D")}

	plan, err := Reconcile(occs, c, nil, Options{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	covered := make(map[string]bool)
	for _, op := range append(plan.Upserts, plan.Skips...) {
		covered[op.ID] = true
	}
	if diff := cmp.Diff(map[string]bool{"b": true, "d": true}, covered); diff != "" {
		t.Errorf("creates+updates+skips must cover exactly local (-want +got):\n%s", diff)
	}

	var deleted []string
	for _, op := range plan.Deletes {
		deleted = append(deleted, op.ID)
	}
	if diff := cmp.Diff([]string{"a", "c"}, deleted); diff != "" {
		t.Errorf("deletes must cover exactly cached minus local (-want +got):\n%s", diff)
	}
}

func TestReconcileListing(t *testing.T) {
	kept := occurrence("kept", "Kept")
	vanished := occurrence("vanished", "Vanished")
	edited := occurrence("edited", "Edited")
	cold := occurrence("cold", "Cold")

	c := cache.New(nil)
	for _, occ := range []models.Occurrence{kept, vanished, edited} {
		c.Commit(occ.ID, cache.Fingerprint(occ))
	}

	listing := NewListing([]remote.Item{
		{ID: "kept", Fingerprint: cache.Fingerprint(kept)},
		{ID: "edited", Fingerprint: "someone else"},
		{ID: "cold"},
		{ID: "foreign"},
	})

	occs := []models.Occurrence{kept, vanished, edited, cold}
	plan, err := Reconcile(occs, c, listing, Options{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	want := map[string]Action{
		"kept":     ActionSkip,
		"vanished": ActionCreate,
		"edited":   ActionUpdate,
		"cold":     ActionUpdate,
	}
	if diff := cmp.Diff(want, actions(plan)); diff != "" {
		t.Errorf("actions (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"foreign"}, plan.Foreign); diff != "" {
		t.Errorf("foreign (-want +got):\n%s", diff)
	}

	strict, err := Reconcile(occs, c, listing, Options{Strict: true})
	if err != nil {
		t.Fatalf("Reconcile strict: %v", err)
	}
	if got := actions(strict)["foreign"]; got != ActionDelete {
		t.Errorf("strict mirror: foreign action = %q, want delete", got)
	}
	if len(strict.Foreign) != 0 {
		t.Errorf("strict mirror left foreign objects: %v", strict.Foreign)
	}
}

func TestReconcileEmptyListingIsNotMissingListing(t *testing.T) {
	occ := occurrence("a", "A")
	c := cache.New(nil)
	c.Commit("a", cache.Fingerprint(occ))

	withoutListing, _ := Reconcile([]models.Occurrence{occ}, c, nil, Options{})
	if withoutListing.Count(ActionSkip) != 1 {
		t.Error("without a listing an unchanged cached occurrence is a no-op")
	}

	emptyCalendar, _ := Reconcile([]models.Occurrence{occ}, c, NewListing(nil), Options{})
	if emptyCalendar.Count(ActionCreate) != 1 {
		t.Error("an empty remote listing should recreate cached occurrences")
	}
}

func TestReconcileHeldEntriesAreNotDeleted(t *testing.T) {
	c := cache.New(nil)
	c.Commit("broken", "x")
	c.Commit("broken~deadline", "y")
	c.Commit("other", "z")

	plan, err := Reconcile(nil, c, nil, Options{Held: map[string]bool{"broken": true}})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	want := map[string]Action{
		"broken":          ActionSkip,
		"broken~deadline": ActionSkip,
		"other":           ActionDelete,
	}
	if diff := cmp.Diff(want, actions(plan)); diff != "" {
		t.Errorf("actions (-want +got):\n%s", diff)
	}
}

func TestReconcileRejectsDuplicateIDs(t *testing.T) {
	occs := []models.Occurrence{occurrence("a", "One"), occurrence("a", "Two")}
	if _, err := Reconcile(occs, cache.New(nil), nil, Options{}); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestPlanOrdersDeletesFirst(t *testing.T) {
	c := cache.New(nil)
	c.Commit("zz-old", "x")
	c.Commit("aa-old", "y")

	plan, err := Reconcile([]models.Occurrence{occurrence("b", "B"), occurrence("a", "A")}, c, nil, Options{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	var got []string
	for _, op := range plan.Operations() {
		got = append(got, string(op.Action)+":"+op.ID)
	}
	want := []string{"delete:aa-old", "delete:zz-old", "create:a", "create:b"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("operation order (-want +got):\n%s", diff)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := remotetest.NewMemory()
	c := cache.New(nil)
	occs := []models.Occurrence{occurrence("a", "A"), occurrence("b", "B"), occurrence("a~deadline", "Deadline: A")}

	plan, err := Reconcile(occs, c, nil, Options{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	res, err := newExecutor(mem, 0).Apply(ctx, plan, c)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Created != 3 || len(res.Failed) != 0 {
		t.Fatalf("first run: %+v", res)
	}

	mem.Reset()
	second, err := Reconcile(occs, c, nil, Options{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !second.Empty() {
		t.Errorf("second run planned %v", second.Operations())
	}
	if _, err := newExecutor(mem, 0).Apply(ctx, second, c); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if calls := mem.Calls(); len(calls) != 0 {
		t.Errorf("second run made remote calls: %v", calls)
	}
}

func TestApplyFailureLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	mem := remotetest.NewMemory()
	c := cache.New(nil)
	mem.Fail("bad", remote.Permanent(400, errors.New("invalid payload")))

	plan, _ := Reconcile([]models.Occurrence{occurrence("ok", "OK"), occurrence("bad", "Bad")}, c, nil, Options{})
	res, err := newExecutor(mem, 3).Apply(ctx, plan, c)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Created != 1 || len(res.Failed) != 1 {
		t.Fatalf("result = %+v", res)
	}
	failed := res.Failed[0]
	if failed.ID != "bad" || failed.Action != ActionCreate {
		t.Errorf("failure = %+v", failed)
	}
	if _, ok := c.Lookup("bad"); ok {
		t.Error("failed create must not be cached")
	}
	if _, ok := c.Lookup("ok"); !ok {
		t.Error("successful create must be cached")
	}
	if res.Err() == nil {
		t.Error("Result.Err should report failures")
	}

	creates := 0
	for _, call := range mem.Calls() {
		if call.ID == "bad" {
			creates++
		}
	}
	if creates != 1 {
		t.Errorf("permanent failure was attempted %d times, want 1", creates)
	}

	retry, _ := Reconcile([]models.Occurrence{occurrence("ok", "OK"), occurrence("bad", "Bad")}, c, nil, Options{})
	if retry.Count(ActionCreate) != 1 || retry.Upserts[0].ID != "bad" {
		t.Errorf("next run should retry the failed create, got %v", retry.Operations())
	}
}

func TestApplyRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	mem := remotetest.NewMemory()
	c := cache.New(nil)
	mem.Fail("flaky", remote.Transient(503, errors.New("unavailable")), remote.Transient(0, context.DeadlineExceeded))

	plan, _ := Reconcile([]models.Occurrence{occurrence("flaky", "Flaky")}, c, nil, Options{})
	res, err := newExecutor(mem, 2).Apply(ctx, plan, c)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Created != 1 || len(res.Failed) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if got := len(mem.Calls()); got != 3 {
		t.Errorf("made %d attempts, want 3", got)
	}

	mem2 := remotetest.NewMemory()
	c2 := cache.New(nil)
	mem2.Fail("flaky", remote.Transient(503, errors.New("a")), remote.Transient(503, errors.New("b")))
	plan2, _ := Reconcile([]models.Occurrence{occurrence("flaky", "Flaky")}, c2, nil, Options{})
	res2, _ := newExecutor(mem2, 1).Apply(ctx, plan2, c2)
	if len(res2.Failed) != 1 {
		t.Errorf("retry budget exceeded should fail, got %+v", res2)
	}
}

func TestApplyDeleteNotFoundCountsAsSuccess(t *testing.T) {
	c := cache.New(nil)
	c.Commit("ghost", "x")
	mem := remotetest.NewMemory()

	plan, _ := Reconcile(nil, c, nil, Options{})
	res, err := newExecutor(mem, 0).Apply(context.Background(), plan, c)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Deleted != 1 || len(res.Failed) != 0 {
		t.Errorf("result = %+v", res)
	}
	if c.Len() != 0 {
		t.Error("not-found delete should erase the cache record")
	}
}

func TestRemovedEntryIsDeletedOnNextRun(t *testing.T) {
	ctx := context.Background()
	mem := remotetest.NewMemory()
	c := cache.New(nil)
	standup := occurrence("standup", "Standup")

	plan, _ := Reconcile([]models.Occurrence{standup}, c, nil, Options{})
	if plan.Count(ActionCreate) != 1 {
		t.Fatalf("first run should create, got %v", plan.Operations())
	}
	if _, err := newExecutor(mem, 0).Apply(ctx, plan, c); err != nil {
		t.Fatal(err)
	}

	plan, _ = Reconcile([]models.Occurrence{standup}, c, nil, Options{})
	if plan.Count(ActionSkip) != 1 || !plan.Empty() {
		t.Fatalf("unchanged resync should be a no-op, got %v", plan.Operations())
	}

	plan, _ = Reconcile(nil, c, nil, Options{})
	if plan.Count(ActionDelete) != 1 || plan.Deletes[0].ID != "standup" {
		t.Fatalf("removed entry should be deleted, got %v", plan.Operations())
	}
	if _, err := newExecutor(mem, 0).Apply(ctx, plan, c); err != nil {
		t.Fatal(err)
	}
	if mem.Has("standup") || c.Len() != 0 {
		t.Error("delete should remove the remote object and the cache record")
	}
}

func TestApplyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := cache.New(nil)
	plan, _ := Reconcile([]models.Occurrence{occurrence("a", "A")}, c, nil, Options{})
	_, err := newExecutor(remotetest.NewMemory(), 0).Apply(ctx, plan, c)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if c.Len() != 0 {
		t.Error("cancelled run must not commit")
	}
}

func TestReconcileRetainsOutsideWindow(t *testing.T) {
	c := cache.New(nil)
	c.Commit("old~20230101T090000", "x")
	c.Commit("new~20240301T090000", "y")

	retain := func(id string) bool { return strings.HasPrefix(id, "old") }
	plan, err := Reconcile(nil, c, nil, Options{Retain: retain})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	want := map[string]Action{
		"old~20230101T090000": ActionSkip,
		"new~20240301T090000": ActionDelete,
	}
	if diff := cmp.Diff(want, actions(plan)); diff != "" {
		t.Errorf("actions (-want +got):\n%s", diff)
	}
}
