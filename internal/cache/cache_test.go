package cache

import (
	"testing"
	"time"

	"orgcal/internal/models"
)

func baseOccurrence() models.Occurrence {
	start := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	return models.Occurrence{
		ID:          "standup",
		EntryID:     "standup",
		Role:        models.RolePrimary,
		Title:       "Standup",
		Description: "daily sync",
		Start:       start,
		End:         start,
		Categories:  []string{"team", "work"},
		Source:      models.SourceLocation{File: "work.org", Line: 3},
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint(baseOccurrence())
	b := Fingerprint(baseOccurrence())
	if a != b {
		t.Fatalf("fingerprint not deterministic: %s != %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestFingerprintIgnoresIdentityAndSource(t *testing.T) {
	base := Fingerprint(baseOccurrence())

	moved := baseOccurrence()
	moved.ID = "other"
	moved.EntryID = "other"
	moved.Source = models.SourceLocation{File: "archive.org", Line: 99}
	if Fingerprint(moved) != base {
		t.Error("id or source location changed the fingerprint")
	}

	reordered := baseOccurrence()
	reordered.Categories = []string{"work", "team"}
	if Fingerprint(reordered) != base {
		t.Error("category order changed the fingerprint")
	}
}

func TestFingerprintDetectsRemoteVisibleChanges(t *testing.T) {
	base := Fingerprint(baseOccurrence())

	changes := map[string]func(*models.Occurrence){
		"title":       func(o *models.Occurrence) { o.Title = "Standup!" },
		"description": func(o *models.Occurrence) { o.Description = "" },
		"start":       func(o *models.Occurrence) { o.Start = o.Start.Add(time.Minute) },
		"end":         func(o *models.Occurrence) { o.End = o.End.Add(time.Hour) },
		"all day":     func(o *models.Occurrence) { o.AllDay = true },
		"categories":  func(o *models.Occurrence) { o.Categories = []string{"team"} },
		"recurrence":  func(o *models.Occurrence) { o.Recurrence = "FREQ=DAILY;INTERVAL=1" },
		"zone": func(o *models.Occurrence) {
			o.Start = o.Start.In(time.FixedZone("X", 0))
		},
		"field boundary": func(o *models.Occurrence) {
			o.Title = "Standupdaily sync"
			o.Description = ""
		},
	}
	for name, change := range changes {
		t.Run(name, func(t *testing.T) {
			occ := baseOccurrence()
			change(&occ)
			if Fingerprint(occ) == base {
				t.Errorf("changing %s did not change the fingerprint", name)
			}
		})
	}
}

func TestCacheCommitLookupErase(t *testing.T) {
	c := New(nil)
	if _, ok := c.Lookup("a"); ok {
		t.Fatal("empty cache returned a record")
	}

	c.Commit("b", "fp-b")
	c.Commit("a", "fp-a")
	r, ok := c.Lookup("a")
	if !ok || r.Fingerprint != "fp-a" || !r.Remote || r.SyncedAt.IsZero() {
		t.Errorf("Lookup(a) = %+v, %v", r, ok)
	}
	if ids := c.IDs(); len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("IDs() = %v", ids)
	}

	c.Erase("a")
	if _, ok := c.Lookup("a"); ok {
		t.Error("erased record still present")
	}

	records := c.Records()
	records["z"] = Record{}
	if c.Len() != 1 {
		t.Error("Records() must return a copy")
	}
}
