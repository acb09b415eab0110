package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/switchboard/backend/internal/schema"
)

func TestMemoryEnvelopeStore_OptimisticVersioning(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEnvelopeStore()

	env := &schema.ActionEnvelope{
		ID:          schema.NewID("env"),
		Version:     1,
		Status:      schema.EnvelopeProposed,
		PrincipalID: "agent_1",
		CreatedAt:   schema.NowMillis(),
	}
	if err := s.Save(ctx, env); err != nil {
		t.Fatalf("save: %v", err)
	}

	env.Version = 2
	env.Status = schema.EnvelopePendingApproval
	if err := s.Update(ctx, env); err != nil {
		t.Fatalf("update to v2: %v", err)
	}

	// Re-submitting v2 must lose: the stored version already advanced.
	stale := &schema.ActionEnvelope{ID: env.ID, Version: 2, Status: schema.EnvelopeDenied}
	err := s.Update(ctx, stale)
	if !schema.IsKind(err, schema.KindStaleVersion) {
		t.Fatalf("stale update: got %v, want stale_version", err)
	}

	got, err := s.Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 || got.Status != schema.EnvelopePendingApproval {
		t.Errorf("stored envelope = v%d %s, want v2 evaluated", got.Version, got.Status)
	}
}

func TestMemoryEnvelopeStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEnvelopeStore()
	env := &schema.ActionEnvelope{
		ID:         schema.NewID("env"),
		Version:    1,
		Status:     schema.EnvelopeProposed,
		Parameters: map[string]any{"budget": 100.0},
	}
	if err := s.Save(ctx, env); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, _ := s.Get(ctx, env.ID)
	got.Parameters["budget"] = 999.0
	got.Status = schema.EnvelopeExecuted

	again, _ := s.Get(ctx, env.ID)
	if again.Parameters["budget"] != 100.0 || again.Status != schema.EnvelopeProposed {
		t.Error("mutating a returned envelope leaked into the store")
	}
}

func TestMemoryPolicyStore_ScopeAndPriority(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPolicyStore()

	ads := "ads"
	org := "org_1"
	save := func(id string, prio int, cart, orgID *string) {
		t.Helper()
		p := &schema.Policy{
			ID:             id,
			Name:           id,
			Priority:       prio,
			Active:         true,
			Effect:         schema.EffectDeny,
			CartridgeID:    cart,
			OrganizationID: orgID,
			Rule: &schema.Rule{
				Composition: schema.CompositionAND,
				Conditions:  []schema.Condition{{Field: "actionType", Operator: schema.OpEq, Value: "x"}},
			},
		}
		if err := s.Save(ctx, p); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	save("global", 50, nil, nil)
	save("ads-only", 10, &ads, nil)
	save("org-only", 30, nil, &org)
	other := "crm"
	save("other-cartridge", 5, &other, nil)

	got, err := s.ListActive(ctx, "ads", "org_1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	var ids []string
	for _, p := range got {
		ids = append(ids, p.ID)
	}
	want := []string{"ads-only", "org-only", "global"}
	if len(ids) != len(want) {
		t.Fatalf("ListActive = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ListActive order = %v, want %v", ids, want)
		}
	}
}

func TestMemoryApprovalStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryApprovalStore()

	req := &schema.ApprovalRequest{
		ID:         schema.NewID("apr"),
		EnvelopeID: "env_1",
		Status:     schema.ApprovalPending,
		Approvers:  []string{"alice"},
		Version:    1,
		CreatedAt:  schema.NowMillis(),
	}
	if err := s.Save(ctx, req); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Two responders race on version 1; exactly one wins.
	approve := *req
	approve.Status = schema.ApprovalApproved
	reject := *req
	reject.Status = schema.ApprovalRejected

	err1 := s.UpdateState(ctx, &approve, 1)
	err2 := s.UpdateState(ctx, &reject, 1)
	if (err1 == nil) == (err2 == nil) {
		t.Fatalf("exactly one CAS should win: err1=%v err2=%v", err1, err2)
	}
	loser := err1
	if loser == nil {
		loser = err2
	}
	if !schema.IsKind(loser, schema.KindStaleVersion) {
		t.Errorf("loser error = %v, want stale_version", loser)
	}

	got, _ := s.Get(ctx, req.ID)
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}
}

func TestMemoryAuditStore_AppendAtomicChainsSequentially(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAuditStore()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendAtomic(ctx, func(prev *schema.AuditEntry) (*schema.AuditEntry, error) {
				e := &schema.AuditEntry{
					ID:        schema.NewID("aud"),
					EventType: schema.EventActionProposed,
					Timestamp: schema.NowMillis(),
				}
				if prev != nil {
					e.PreviousEntryHash = prev.EntryHash
				}
				e.EntryHash = fmt.Sprintf("hash-%s", e.ID)
				return e, nil
			})
			if err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	entries, err := s.Query(ctx, AuditFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != n {
		t.Fatalf("got %d entries, want %d", len(entries), n)
	}
	if entries[0].PreviousEntryHash != "" {
		t.Errorf("genesis entry has previous hash %q", entries[0].PreviousEntryHash)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PreviousEntryHash != entries[i-1].EntryHash {
			t.Fatalf("chain broken at %d: prev %q != %q", i, entries[i].PreviousEntryHash, entries[i-1].EntryHash)
		}
	}
}

func TestMemoryAuditStore_GetLatestEmpty(t *testing.T) {
	s := NewMemoryAuditStore()
	latest, err := s.GetLatest(context.Background())
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if latest != nil {
		t.Errorf("empty ledger should have nil tip, got %+v", latest)
	}
}

func TestMemoryIdempotencyStore_ReplayReturnsOriginal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryIdempotencyStore(time.Minute)

	existing, fresh, err := s.PutIfAbsent(ctx, "key-1", "env_a")
	if err != nil || !fresh || existing != "" {
		t.Fatalf("first put: existing=%q fresh=%v err=%v", existing, fresh, err)
	}
	existing, fresh, err = s.PutIfAbsent(ctx, "key-1", "env_b")
	if err != nil || fresh {
		t.Fatalf("replay put: fresh=%v err=%v", fresh, err)
	}
	if existing != "env_a" {
		t.Errorf("replay resolved to %q, want env_a", existing)
	}
}

func TestMemoryIdempotencyStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryIdempotencyStore(10 * time.Millisecond)
	if _, fresh, _ := s.PutIfAbsent(ctx, "k", "env_a"); !fresh {
		t.Fatal("first put should be fresh")
	}
	time.Sleep(20 * time.Millisecond)
	if _, fresh, _ := s.PutIfAbsent(ctx, "k", "env_b"); !fresh {
		t.Error("put after expiry should be fresh again")
	}
}

func TestMemoryNonceStore_Window(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryNonceStore(10 * time.Millisecond)

	seen, err := s.Seen(ctx, "n1")
	if err != nil || seen {
		t.Fatalf("first sighting: seen=%v err=%v", seen, err)
	}
	seen, _ = s.Seen(ctx, "n1")
	if !seen {
		t.Error("replay inside window should be seen")
	}
	time.Sleep(20 * time.Millisecond)
	seen, _ = s.Seen(ctx, "n1")
	if seen {
		t.Error("nonce outside window should be forgotten")
	}
}

func TestMemoryIdentityStore_OverlayUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryIdentityStore()

	o := &schema.RoleOverlay{
		ID:          "ovl_1",
		PrincipalID: "agent_1",
		Mode:        schema.OverlayRestrict,
		Priority:    1,
	}
	if err := s.SaveOverlay(ctx, o); err != nil {
		t.Fatalf("save overlay: %v", err)
	}
	o.Priority = 5
	if err := s.SaveOverlay(ctx, o); err != nil {
		t.Fatalf("upsert overlay: %v", err)
	}
	got, err := s.ListOverlays(ctx, "agent_1")
	if err != nil {
		t.Fatalf("list overlays: %v", err)
	}
	if len(got) != 1 || got[0].Priority != 5 {
		t.Errorf("overlay upsert produced %d rows (priority %d), want 1 row priority 5", len(got), got[0].Priority)
	}
}
