package vigil

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *IncidentStore {
	t.Helper()
	store, err := NewIncidentStore(StoreConfig{Path: filepath.Join(t.TempDir(), "vigil.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveAndLoadIncidents(t *testing.T) {
	store := newTestStore(t)

	inc := Incident{
		ID:        "inc-1",
		CheckID:   "db",
		Severity:  SeverityCritical,
		Title:     "Health check failing: db",
		StartTime: time.Now().Truncate(time.Millisecond),
		Status:    IncidentOpen,
		Impact:    []string{"data operations may be impacted"},
	}
	if err := store.SaveIncident(inc); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.LoadIncidents()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded = %d, want 1", len(loaded))
	}
	got := loaded[0]
	if got.ID != inc.ID || got.CheckID != inc.CheckID || got.Severity != inc.Severity {
		t.Errorf("loaded incident = %+v", got)
	}
	if len(got.Impact) != 1 {
		t.Errorf("impact = %v", got.Impact)
	}
}

func TestSaveIncidentUpserts(t *testing.T) {
	store := newTestStore(t)

	inc := Incident{ID: "inc-1", CheckID: "db", Severity: SeverityMedium, StartTime: time.Now(), Status: IncidentOpen}
	if err := store.SaveIncident(inc); err != nil {
		t.Fatal(err)
	}

	inc.Status = IncidentResolved
	inc.EndTime = time.Now()
	inc.Resolution = "restarted"
	if err := store.SaveIncident(inc); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.LoadIncidents()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded = %d, want 1 (upsert must not duplicate)", len(loaded))
	}
	if loaded[0].Status != IncidentResolved || loaded[0].Resolution != "restarted" {
		t.Errorf("loaded = %+v", loaded[0])
	}
}

func TestPruneResolvedBefore(t *testing.T) {
	store := newTestStore(t)

	old := Incident{
		ID: "old", CheckID: "a", Severity: SeverityLow,
		StartTime: time.Now().Add(-48 * time.Hour),
		EndTime:   time.Now().Add(-47 * time.Hour),
		Status:    IncidentResolved,
	}
	open := Incident{
		ID: "open", CheckID: "b", Severity: SeverityLow,
		StartTime: time.Now().Add(-48 * time.Hour),
		Status:    IncidentOpen,
	}
	for _, inc := range []Incident{old, open} {
		if err := store.SaveIncident(inc); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := store.PruneResolvedBefore(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	loaded, _ := store.LoadIncidents()
	if len(loaded) != 1 || loaded[0].ID != "open" {
		t.Errorf("surviving incidents = %+v (open incidents must never be pruned)", loaded)
	}
}

func TestErrorRecordPersistence(t *testing.T) {
	store := newTestStore(t)

	rec := ErrorRecord{
		Fingerprint: "abc123",
		Type:        "*errors.errorString",
		Message:     "boom",
		Severity:    SeverityHigh,
		Occurrences: 3,
		LastSeen:    time.Now(),
	}
	if err := store.SaveErrorRecord(rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec.Occurrences = 4
	if err := store.SaveErrorRecord(rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	store := newTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	if err := store.SaveIncident(Incident{ID: "x"}); err != ErrStoreClosed {
		t.Errorf("save after close: err = %v, want ErrStoreClosed", err)
	}
	if _, err := store.LoadIncidents(); err != ErrStoreClosed {
		t.Errorf("load after close: err = %v, want ErrStoreClosed", err)
	}
	// Closing twice is fine.
	if err := store.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
