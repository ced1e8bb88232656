package identity

import (
	"errors"
	"fmt"
	"testing"

	"orgcal/internal/models"
)

func sequence(ids ...string) func() string {
	i := 0
	return func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

func TestAssignKeepsExistingID(t *testing.T) {
	ledger := NewLedger()
	m := NewManager(ledger, WithGenerator(func() string {
		t.Fatal("generator must not be called for entries with an id")
		return ""
	}))

	e := &models.ScheduleEntry{ID: "meeting-42", Title: "Meeting"}
	id, fresh, err := m.Assign(e)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if id != "meeting-42" || fresh {
		t.Errorf("Assign = %q, %v; want meeting-42, false", id, fresh)
	}
	if !ledger.Contains("meeting-42") {
		t.Error("existing id should be registered in the ledger")
	}
}

func TestAssignSkipsLedgerAndRunIDs(t *testing.T) {
	ledger := NewLedger("used-1", "used-2")
	m := NewManager(ledger, WithGenerator(sequence("used-1", "used-2", "fresh-1", "fresh-1", "fresh-2")))

	a := &models.ScheduleEntry{Title: "A"}
	b := &models.ScheduleEntry{Title: "B"}

	idA, freshA, err := m.Assign(a)
	if err != nil {
		t.Fatalf("Assign A: %v", err)
	}
	idB, freshB, err := m.Assign(b)
	if err != nil {
		t.Fatalf("Assign B: %v", err)
	}

	if idA != "fresh-1" || idB != "fresh-2" {
		t.Errorf("got ids %q and %q, want fresh-1 and fresh-2", idA, idB)
	}
	if !freshA || !freshB {
		t.Error("generated ids should be reported as fresh")
	}
	if a.ID != idA || b.ID != idB {
		t.Error("Assign should store the generated id on the entry")
	}
	if ledger.Len() != 4 {
		t.Errorf("ledger has %d ids, want 4", ledger.Len())
	}
}

func TestAssignExhaustionIsFatal(t *testing.T) {
	ledger := NewLedger("only")
	m := NewManager(ledger, WithGenerator(sequence("only")), WithMaxAttempts(5))

	_, _, err := m.Assign(&models.ScheduleEntry{Title: "x"})
	var cerr *CollisionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *CollisionError, got %v", err)
	}
	if cerr.Attempts != 5 {
		t.Errorf("Attempts = %d, want 5", cerr.Attempts)
	}
}

func TestAssignRejectsMalformedAndDuplicateIDs(t *testing.T) {
	m := NewManager(NewLedger())

	for _, bad := range []string{"has space", "a~deadline", "-leading"} {
		_, _, err := m.Assign(&models.ScheduleEntry{ID: bad})
		var verr *models.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Assign(%q): expected ValidationError, got %v", bad, err)
		}
	}

	if _, _, err := m.Assign(&models.ScheduleEntry{ID: "dup"}); err != nil {
		t.Fatalf("first Assign: %v", err)
	}
	_, _, err := m.Assign(&models.ScheduleEntry{ID: "dup"})
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("duplicate id: expected ValidationError, got %v", err)
	}
}

func TestGeneratedIDsNeverComeFromLedger(t *testing.T) {
	ledger := NewLedger()
	for i := 0; i < 50; i++ {
		ledger.Add(fmt.Sprintf("old-%d", i))
	}
	before := ledger.IDs()

	m := NewManager(ledger)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, _, err := m.Assign(&models.ScheduleEntry{Title: "x"})
		if err != nil {
			t.Fatalf("Assign: %v", err)
		}
		if seen[id] {
			t.Fatalf("id %q generated twice", id)
		}
		seen[id] = true
	}
	for _, old := range before {
		if seen[old] {
			t.Fatalf("generated id %q was already in the ledger", old)
		}
	}
	if ledger.Len() != 150 {
		t.Errorf("ledger has %d ids, want 150", ledger.Len())
	}
}

func TestDerived(t *testing.T) {
	if got := Derived("abc", "deadline"); got != "abc~deadline" {
		t.Errorf("Derived = %q", got)
	}
	if IsValid(Derived("abc", "deadline")) {
		t.Error("derived ids must not be valid entry ids")
	}
}
