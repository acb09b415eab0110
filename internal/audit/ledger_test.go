package audit

import (
	"context"
	"fmt"
	"testing"

	"github.com/switchboard/backend/internal/schema"
	"github.com/switchboard/backend/internal/store"
)

func newLedger(t *testing.T) (*Ledger, *store.Stores) {
	t.Helper()
	stores := store.NewMemoryStores()
	return NewLedger(stores.Audit, nil), stores
}

func sampleEvent(i int) Event {
	return Event{
		EventType:      schema.EventActionExecuted,
		ActorType:      schema.PrincipalAgent,
		ActorID:        "agent_1",
		EntityType:     "campaign",
		EntityID:       fmt.Sprintf("camp_%d", i),
		RiskCategory:   schema.RiskMedium,
		Summary:        fmt.Sprintf("executed action %d", i),
		EnvelopeID:     fmt.Sprintf("env_%d", i),
		OrganizationID: "org_1",
	}
}

func TestRecord_ChainsEntries(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	first, err := l.Record(ctx, sampleEvent(1))
	if err != nil {
		t.Fatal(err)
	}
	if first.PreviousEntryHash != "" {
		t.Errorf("genesis previousEntryHash = %q, want empty", first.PreviousEntryHash)
	}
	if first.EntryHash == "" || len(first.EntryHash) != 64 {
		t.Errorf("entry hash = %q, want sha256 hex", first.EntryHash)
	}

	second, err := l.Record(ctx, sampleEvent(2))
	if err != nil {
		t.Fatal(err)
	}
	if second.PreviousEntryHash != first.EntryHash {
		t.Errorf("second.previousEntryHash = %s, want %s", second.PreviousEntryHash, first.EntryHash)
	}
}

func TestEntryHash_ExcludesItself(t *testing.T) {
	l, _ := newLedger(t)
	entry, err := l.Record(context.Background(), sampleEvent(1))
	if err != nil {
		t.Fatal(err)
	}
	recomputed, err := EntryHash(entry)
	if err != nil {
		t.Fatal(err)
	}
	if recomputed != entry.EntryHash {
		t.Errorf("recomputed hash %s != stored %s", recomputed, entry.EntryHash)
	}
}

func TestVerifyChain_IntactAndBroken(t *testing.T) {
	l, stores := newLedger(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := l.Record(ctx, sampleEvent(i)); err != nil {
			t.Fatal(err)
		}
	}

	result, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Intact() || result.Entries != 5 {
		t.Fatalf("fresh ledger should verify: %+v", result)
	}

	// Tamper with a middle entry's summary: the deep check must flag it,
	// and recomputing its hash would break the link to its successor.
	entries, _ := stores.Audit.Query(ctx, store.AuditFilter{})
	entries[2].Summary = "history rewritten"

	deep, err := l.VerifyDeep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(deep.HashMismatches) != 1 || deep.HashMismatches[0] != 2 {
		t.Errorf("deep check mismatches = %v, want [2]", deep.HashMismatches)
	}

	// Now also forge the hash to cover the edit: the chain check catches
	// the successor's dangling previous pointer.
	forged, _ := EntryHash(entries[2])
	entries[2].EntryHash = forged
	chain, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if chain.ChainBreakAt != 3 {
		t.Errorf("chain break at %d, want 3", chain.ChainBreakAt)
	}
}

func TestRecord_RedactsBeforeHashing(t *testing.T) {
	l, _ := newLedger(t)
	entry, err := l.Record(context.Background(), Event{
		EventType: schema.EventActionExecuted,
		ActorType: schema.PrincipalAgent,
		ActorID:   "agent_1",
		Summary:   "executed with credentials in snapshot",
		Snapshot: map[string]any{
			"campaignId": "camp_1",
			"apiKey":     "sk-live-123",
			"connection": map[string]any{
				"password": "hunter2",
				"host":     "ads.example.com",
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if entry.Snapshot["apiKey"] != "***" {
		t.Errorf("apiKey = %v, want starred", entry.Snapshot["apiKey"])
	}
	nested := entry.Snapshot["connection"].(map[string]any)
	if nested["password"] != "***" {
		t.Errorf("nested password = %v, want starred", nested["password"])
	}
	if nested["host"] != "ads.example.com" {
		t.Errorf("benign nested key altered: %v", nested["host"])
	}
	if !entry.RedactionApplied {
		t.Error("redactionApplied not set")
	}
	want := []string{"apiKey", "connection.password"}
	if len(entry.RedactedFields) != len(want) {
		t.Fatalf("redacted fields = %v, want %v", entry.RedactedFields, want)
	}
	for i := range want {
		if entry.RedactedFields[i] != want[i] {
			t.Fatalf("redacted fields = %v, want %v", entry.RedactedFields, want)
		}
	}

	// The stored hash covers the redacted form.
	recomputed, _ := EntryHash(entry)
	if recomputed != entry.EntryHash {
		t.Error("hash does not commit to the redacted snapshot")
	}
}

func TestRedactor_CleanSnapshotIsIdentity(t *testing.T) {
	r := DefaultRedactor()
	in := map[string]any{"campaignId": "camp_1", "budget": 100.0}
	out, paths := r.Redact(in)
	if len(paths) != 0 {
		t.Errorf("redacted paths = %v, want none", paths)
	}
	if out["campaignId"] != "camp_1" || out["budget"] != 100.0 {
		t.Errorf("clean snapshot altered: %v", out)
	}
}

func TestQuery_FilterByEnvelope(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := l.Record(ctx, sampleEvent(i%2)); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := l.Query(ctx, store.AuditFilter{EnvelopeID: "env_1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("filtered entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.EnvelopeID != "env_1" {
			t.Errorf("entry %s has envelope %s", e.ID, e.EnvelopeID)
		}
	}
}
