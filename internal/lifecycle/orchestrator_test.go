package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/switchboard/backend/internal/approval"
	"github.com/switchboard/backend/internal/audit"
	"github.com/switchboard/backend/internal/competence"
	"github.com/switchboard/backend/internal/guard"
	"github.com/switchboard/backend/internal/guardrail"
	"github.com/switchboard/backend/internal/identity"
	"github.com/switchboard/backend/internal/policy"
	"github.com/switchboard/backend/internal/risk"
	"github.com/switchboard/backend/internal/schema"
	"github.com/switchboard/backend/internal/store"
	"github.com/switchboard/backend/pkg/cartridge"
)

// adsCartridge is a configurable test double for the full plugin surface.
type adsCartridge struct {
	mu        sync.Mutex
	executed  []cartridge.ActionCall
	failNext  bool
	riskInput *schema.RiskInput
	entities  map[string]*schema.ResolvedEntity
	undoTTL   time.Duration
}

func newAdsCartridge() *adsCartridge {
	return &adsCartridge{
		riskInput: &schema.RiskInput{
			BaseRisk:      schema.RiskLow,
			Reversibility: schema.ReversibilityFull,
		},
		entities: map[string]*schema.ResolvedEntity{},
		undoTTL:  time.Hour,
	}
}

func (a *adsCartridge) Manifest() cartridge.Manifest {
	return cartridge.Manifest{
		ID:      "ads",
		Name:    "Ads",
		Version: "1.0.0",
		Actions: []cartridge.ActionDefinition{
			{ActionType: "ads.campaign.pause", BaseRiskCategory: schema.RiskLow, Reversible: true},
			{ActionType: "ads.campaign.resume", BaseRiskCategory: schema.RiskLow, Reversible: true},
			{ActionType: "ads.budget.adjust", BaseRiskCategory: schema.RiskMedium, Reversible: true},
		},
	}
}
func (a *adsCartridge) Initialize(context.Context, cartridge.InitContext) error { return nil }
func (a *adsCartridge) EnrichContext(context.Context, cartridge.ActionCall) (map[string]any, error) {
	return map[string]any{"campaignStatus": "active"}, nil
}
func (a *adsCartridge) RiskInput(context.Context, cartridge.ActionCall) (*schema.RiskInput, error) {
	return a.riskInput, nil
}
func (a *adsCartridge) Guardrails() cartridge.GuardrailConfig { return cartridge.GuardrailConfig{} }
func (a *adsCartridge) HealthCheck(context.Context) cartridge.HealthStatus {
	return cartridge.HealthStatus{Status: "ok"}
}

func (a *adsCartridge) Execute(_ context.Context, call cartridge.ActionCall) (*schema.ExecuteResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executed = append(a.executed, call)
	if a.failNext {
		a.failNext = false
		return &schema.ExecuteResult{Success: false, Summary: "upstream rejected the change"}, nil
	}
	result := &schema.ExecuteResult{
		Success:           true,
		Summary:           "done: " + call.ActionType,
		RollbackAvailable: true,
	}
	if reverse, ok := reverseAction(call.ActionType); ok {
		result.UndoRecipe = &schema.UndoRecipe{
			ActionType:    reverse,
			Parameters:    call.Parameters,
			UndoExpiresAt: time.Now().Add(a.undoTTL).UnixMilli(),
		}
	}
	return result, nil
}

func reverseAction(actionType string) (string, bool) {
	switch actionType {
	case "ads.campaign.pause":
		return "ads.campaign.resume", true
	case "ads.campaign.resume":
		return "ads.campaign.pause", true
	}
	return "", false
}

func (a *adsCartridge) ResolveEntity(_ context.Context, ref, _ string) (*schema.ResolvedEntity, error) {
	if re, ok := a.entities[ref]; ok {
		return re, nil
	}
	return &schema.ResolvedEntity{Ref: ref, Status: schema.EntityNotFound}, nil
}

func (a *adsCartridge) executions() []cartridge.ActionCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]cartridge.ActionCall{}, a.executed...)
}

// captureNotifier records notifications for assertions.
type captureNotifier struct {
	mu        sync.Mutex
	requested []string
	reminded  []string
	resolved  []string
}

func (c *captureNotifier) ApprovalRequested(_ context.Context, req *schema.ApprovalRequest, _ *schema.ActionEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requested = append(c.requested, req.ID)
	return nil
}
func (c *captureNotifier) ApprovalReminder(_ context.Context, req *schema.ApprovalRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reminded = append(c.reminded, req.ID)
	return nil
}
func (c *captureNotifier) ApprovalResolved(_ context.Context, req *schema.ApprovalRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved = append(c.resolved, req.ID)
	return nil
}

type harness struct {
	orch     *Orchestrator
	stores   *store.Stores
	cart     *adsCartridge
	notifier *captureNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	stores := store.NewMemoryStores()
	state := guardrail.NewMemoryState()
	registry := cartridge.NewRegistry()
	cart := newAdsCartridge()
	if err := registry.Register(cart); err != nil {
		t.Fatal(err)
	}
	notifier := &captureNotifier{}
	orch := NewOrchestrator(Deps{
		Stores:     stores,
		Registry:   registry,
		Identities: identity.NewResolver(stores.Identities),
		Engine:     policy.NewEngine(stores.Policies, state, state, risk.DefaultConfig()),
		Approvals:  approval.NewManager(stores.Approvals),
		Executor:   guard.NewExecutor(guard.DefaultOptions()),
		Ledger:     audit.NewLedger(stores.Audit, nil),
		Competence: competence.NewTracker(stores.Competence),
		Guard:      state,
		Spend:      state,
		Notifier:   notifier,
	}, Options{
		DefaultApprovers: []string{"user_1"},
		FallbackApprover: "user_fallback",
		EscalationDelay:  time.Hour,
	})

	spec := &schema.IdentitySpec{
		ID:          "ids_1",
		PrincipalID: "agent_1",
		RiskTolerance: map[schema.RiskCategory]schema.ApprovalRequirement{
			schema.RiskNone:     schema.ApprovalNone,
			schema.RiskLow:      schema.ApprovalNone,
			schema.RiskMedium:   schema.ApprovalNone,
			schema.RiskHigh:     schema.ApprovalStandard,
			schema.RiskCritical: schema.ApprovalMandatory,
		},
		ForbiddenBehaviors: []string{"ads.account.delete"},
	}
	if err := stores.Identities.SaveSpec(context.Background(), spec); err != nil {
		t.Fatal(err)
	}
	return &harness{orch: orch, stores: stores, cart: cart, notifier: notifier}
}

func pauseRequest() ExecuteRequest {
	return ExecuteRequest{
		ActorID:        "agent_1",
		OrganizationID: "org_1",
		Action: ActionSpec{
			ActionType: "ads.campaign.pause",
			Parameters: map[string]any{"entityId": "camp_1"},
			SideEffect: true,
		},
		IdempotencyKey: "key-1",
	}
}

func TestExecute_LowRiskRunsImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.orch.Execute(ctx, pauseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Outcome != schema.OutcomeExecuted {
		t.Fatalf("outcome = %s, want EXECUTED (%s)", resp.Outcome, resp.Explanation)
	}
	if resp.Result == nil || !resp.Result.Success {
		t.Fatal("expected successful result")
	}

	env, err := h.stores.Envelopes.Get(ctx, resp.EnvelopeID)
	if err != nil {
		t.Fatal(err)
	}
	if env.Status != schema.EnvelopeExecuted {
		t.Errorf("envelope status = %s", env.Status)
	}
	if env.Version < 3 {
		t.Errorf("version = %d, want monotonic bumps through executing", env.Version)
	}
	if len(env.DecisionIDs) != 1 || len(env.ExecutionResultIDs) != 1 {
		t.Errorf("child ids: decisions=%d results=%d", len(env.DecisionIDs), len(env.ExecutionResultIDs))
	}

	// Audit trail: proposed then executed, chained.
	entries, err := h.stores.Audit.Query(ctx, store.AuditFilter{EnvelopeID: env.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want proposed+executed", len(entries))
	}
	if entries[0].EventType != schema.EventActionProposed || entries[1].EventType != schema.EventActionExecuted {
		t.Errorf("event order = %s, %s", entries[0].EventType, entries[1].EventType)
	}

	// Competence recorded the success.
	rec, err := h.stores.Competence.Get(ctx, "agent_1", "ads.campaign.pause")
	if err != nil {
		t.Fatal(err)
	}
	if rec.SuccessCount != 1 {
		t.Errorf("competence successes = %d", rec.SuccessCount)
	}
}

func TestExecute_IdempotentReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.orch.Execute(ctx, pauseRequest())
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.orch.Execute(ctx, pauseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if !second.Replayed {
		t.Error("replay flag not set")
	}
	if second.EnvelopeID != first.EnvelopeID {
		t.Errorf("replay envelope %s != original %s", second.EnvelopeID, first.EnvelopeID)
	}
	if got := len(h.cart.executions()); got != 1 {
		t.Errorf("cartridge executions = %d, want 1", got)
	}
}

func TestExecute_ForbiddenIsDenied(t *testing.T) {
	h := newHarness(t)
	req := pauseRequest()
	req.Action.ActionType = "ads.account.delete"
	req.IdempotencyKey = ""

	resp, err := h.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Outcome != schema.OutcomeDenied {
		t.Fatalf("outcome = %s, want DENIED", resp.Outcome)
	}
	if len(h.cart.executions()) != 0 {
		t.Error("denied action reached the cartridge")
	}
	env, _ := h.stores.Envelopes.Get(context.Background(), resp.EnvelopeID)
	if env.Status != schema.EnvelopeDenied {
		t.Errorf("envelope status = %s", env.Status)
	}
}

func TestExecute_HighRiskPendsApproval(t *testing.T) {
	h := newHarness(t)
	h.cart.riskInput = &schema.RiskInput{
		BaseRisk:      schema.RiskHigh,
		Exposure:      schema.Exposure{DollarsAtRisk: 50_000},
		Reversibility: schema.ReversibilityNone,
	}
	ctx := context.Background()

	resp, err := h.orch.Execute(ctx, pauseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Outcome != schema.OutcomePendingApproval {
		t.Fatalf("outcome = %s, want PENDING_APPROVAL", resp.Outcome)
	}
	if resp.ApprovalRequestID == "" {
		t.Fatal("no approval request id")
	}
	if len(h.cart.executions()) != 0 {
		t.Error("pending action reached the cartridge")
	}
	if len(h.notifier.requested) != 1 {
		t.Errorf("notifications = %d, want 1", len(h.notifier.requested))
	}

	req, err := h.stores.Approvals.Get(ctx, resp.ApprovalRequestID)
	if err != nil {
		t.Fatal(err)
	}
	if req.BindingHash == "" {
		t.Error("approval request has no binding hash")
	}
	env, _ := h.stores.Envelopes.Get(ctx, resp.EnvelopeID)
	if env.Status != schema.EnvelopePendingApproval {
		t.Errorf("envelope status = %s", env.Status)
	}
}

func TestRespondToApproval_ApproveExecutes(t *testing.T) {
	h := newHarness(t)
	h.cart.riskInput = &schema.RiskInput{
		BaseRisk:      schema.RiskHigh,
		Reversibility: schema.ReversibilityNone,
	}
	ctx := context.Background()

	pend, err := h.orch.Execute(ctx, pauseRequest())
	if err != nil {
		t.Fatal(err)
	}
	req, _ := h.stores.Approvals.Get(ctx, pend.ApprovalRequestID)

	resp, err := h.orch.RespondToApproval(ctx, approval.Response{
		RequestID:   req.ID,
		Verdict:     approval.VerdictApprove,
		BindingHash: req.BindingHash,
		RespondedBy: "user_1",
		Version:     req.Version,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Outcome != schema.OutcomeExecuted {
		t.Fatalf("outcome = %s, want EXECUTED", resp.Outcome)
	}
	if len(h.cart.executions()) != 1 {
		t.Errorf("executions = %d, want 1", len(h.cart.executions()))
	}
	env, _ := h.stores.Envelopes.Get(ctx, pend.EnvelopeID)
	if env.Status != schema.EnvelopeExecuted {
		t.Errorf("envelope status = %s", env.Status)
	}
}

func TestRespondToApproval_WrongHashRefused(t *testing.T) {
	h := newHarness(t)
	h.cart.riskInput = &schema.RiskInput{BaseRisk: schema.RiskHigh, Reversibility: schema.ReversibilityNone}
	ctx := context.Background()

	pend, _ := h.orch.Execute(ctx, pauseRequest())
	req, _ := h.stores.Approvals.Get(ctx, pend.ApprovalRequestID)

	_, err := h.orch.RespondToApproval(ctx, approval.Response{
		RequestID:   req.ID,
		Verdict:     approval.VerdictApprove,
		BindingHash: "deadbeef",
		RespondedBy: "user_1",
		Version:     req.Version,
	})
	if !schema.IsKind(err, schema.KindBindingMismatch) {
		t.Fatalf("err = %v, want binding mismatch", err)
	}
	if len(h.cart.executions()) != 0 {
		t.Error("mismatched approval still executed")
	}
}

func TestRespondToApproval_RejectDenies(t *testing.T) {
	h := newHarness(t)
	h.cart.riskInput = &schema.RiskInput{BaseRisk: schema.RiskHigh, Reversibility: schema.ReversibilityNone}
	ctx := context.Background()

	pend, _ := h.orch.Execute(ctx, pauseRequest())
	req, _ := h.stores.Approvals.Get(ctx, pend.ApprovalRequestID)

	resp, err := h.orch.RespondToApproval(ctx, approval.Response{
		RequestID:   req.ID,
		Verdict:     approval.VerdictReject,
		RespondedBy: "user_1",
		Version:     req.Version,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Outcome != schema.OutcomeDenied {
		t.Fatalf("outcome = %s, want DENIED", resp.Outcome)
	}
	env, _ := h.stores.Envelopes.Get(ctx, pend.EnvelopeID)
	if env.Status != schema.EnvelopeDenied {
		t.Errorf("envelope status = %s", env.Status)
	}
}

func TestRespondToApproval_PatchIssuesSuccessor(t *testing.T) {
	h := newHarness(t)
	h.cart.riskInput = &schema.RiskInput{BaseRisk: schema.RiskHigh, Reversibility: schema.ReversibilityNone}
	ctx := context.Background()

	pend, _ := h.orch.Execute(ctx, pauseRequest())
	req, _ := h.stores.Approvals.Get(ctx, pend.ApprovalRequestID)

	patched := map[string]any{"entityId": "camp_1", "note": "smaller scope"}
	resp, err := h.orch.RespondToApproval(ctx, approval.Response{
		RequestID:   req.ID,
		Verdict:     approval.VerdictPatch,
		BindingHash: req.BindingHash,
		RespondedBy: "user_1",
		Version:     req.Version,
		PatchValue:  patched,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Outcome != schema.OutcomePendingApproval {
		t.Fatalf("outcome = %s, want PENDING_APPROVAL under successor", resp.Outcome)
	}
	if resp.ApprovalRequestID == req.ID {
		t.Error("patch did not issue a successor request")
	}
	successor, err := h.stores.Approvals.Get(ctx, resp.ApprovalRequestID)
	if err != nil {
		t.Fatal(err)
	}
	if successor.BindingHash == req.BindingHash {
		t.Error("successor kept the stale binding hash")
	}
	env, _ := h.stores.Envelopes.Get(ctx, pend.EnvelopeID)
	if env.Parameters["note"] != "smaller scope" {
		t.Error("envelope parameters not patched")
	}
	if env.Status != schema.EnvelopePendingApproval {
		t.Errorf("envelope status = %s", env.Status)
	}
}

func TestRequestUndo_SynthesizesReverseAction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	done, err := h.orch.Execute(ctx, pauseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if done.Outcome != schema.OutcomeExecuted {
		t.Fatalf("setup outcome = %s", done.Outcome)
	}

	undo, err := h.orch.RequestUndo(ctx, done.EnvelopeID, "user_1")
	if err != nil {
		t.Fatal(err)
	}
	if undo.Outcome != schema.OutcomeExecuted {
		t.Fatalf("undo outcome = %s (%s)", undo.Outcome, undo.Explanation)
	}

	execs := h.cart.executions()
	if len(execs) != 2 {
		t.Fatalf("executions = %d, want pause then resume", len(execs))
	}
	if execs[1].ActionType != "ads.campaign.resume" {
		t.Errorf("reverse action = %s", execs[1].ActionType)
	}

	original, _ := h.stores.Envelopes.Get(ctx, done.EnvelopeID)
	if original.Status != schema.EnvelopeUndone {
		t.Errorf("original status = %s, want undone", original.Status)
	}
	reverse, _ := h.stores.Envelopes.Get(ctx, undo.EnvelopeID)
	if reverse.ParentEnvelopeID != done.EnvelopeID {
		t.Errorf("reverse parent = %s, want %s", reverse.ParentEnvelopeID, done.EnvelopeID)
	}
}

func TestRequestUndo_ExpiredWindowRefused(t *testing.T) {
	h := newHarness(t)
	h.cart.undoTTL = -time.Minute
	ctx := context.Background()

	done, err := h.orch.Execute(ctx, pauseRequest())
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.orch.RequestUndo(ctx, done.EnvelopeID, "user_1")
	if !schema.IsKind(err, schema.KindValidation) {
		t.Fatalf("err = %v, want validation (window closed)", err)
	}
}

func TestExecute_FailureMarksEnvelopeFailed(t *testing.T) {
	h := newHarness(t)
	h.cart.failNext = true
	ctx := context.Background()

	resp, err := h.orch.Execute(ctx, pauseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Result == nil || resp.Result.Success {
		t.Fatal("expected failed result")
	}
	env, _ := h.stores.Envelopes.Get(ctx, resp.EnvelopeID)
	if env.Status != schema.EnvelopeFailed {
		t.Errorf("envelope status = %s", env.Status)
	}
	rec, err := h.stores.Competence.Get(ctx, "agent_1", "ads.campaign.pause")
	if err != nil {
		t.Fatal(err)
	}
	if rec.FailureCount != 1 {
		t.Errorf("failure count = %d", rec.FailureCount)
	}
	entries, _ := h.stores.Audit.Query(ctx, store.AuditFilter{EnvelopeID: resp.EnvelopeID, EventType: schema.EventActionFailed})
	if len(entries) != 1 {
		t.Errorf("action.failed entries = %d", len(entries))
	}
}

func TestExecute_AmbiguousEntityNeedsClarification(t *testing.T) {
	h := newHarness(t)
	h.cart.entities["summer campaign"] = &schema.ResolvedEntity{
		Ref:          "summer campaign",
		Status:       schema.EntityAmbiguous,
		Alternatives: []string{"camp_1", "camp_2"},
	}
	req := pauseRequest()
	req.IdempotencyKey = ""
	req.EntityRefs = []schema.EntityRef{{Ref: "summer campaign", Type: "campaign"}}

	_, err := h.orch.Execute(context.Background(), req)
	if !schema.IsKind(err, schema.KindNeedsClarification) {
		t.Fatalf("err = %v, want needs_clarification", err)
	}
}

func TestExecute_UnknownActionNeedsClarification(t *testing.T) {
	h := newHarness(t)
	req := pauseRequest()
	req.IdempotencyKey = ""
	req.Action.ActionType = "crm.contact.merge"

	_, err := h.orch.Execute(context.Background(), req)
	if !schema.IsKind(err, schema.KindNeedsClarification) {
		t.Fatalf("err = %v, want needs_clarification", err)
	}
}

func TestSimulate_LeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := pauseRequest()
	req.IdempotencyKey = ""

	trace, err := h.orch.Simulate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if trace.FinalDecision != schema.DecisionAllow {
		t.Errorf("decision = %s", trace.FinalDecision)
	}
	if len(h.cart.executions()) != 0 {
		t.Error("simulation executed the cartridge")
	}
	envs, _ := h.stores.Envelopes.List(ctx, store.EnvelopeFilter{})
	if len(envs) != 0 {
		t.Errorf("simulation persisted %d envelopes", len(envs))
	}
	entries, _ := h.stores.Audit.Query(ctx, store.AuditFilter{})
	if len(entries) != 0 {
		t.Errorf("simulation appended %d audit entries", len(entries))
	}
}

func TestSweepApprovals_ExpiredDenyBehavior(t *testing.T) {
	h := newHarness(t)
	h.cart.riskInput = &schema.RiskInput{BaseRisk: schema.RiskHigh, Reversibility: schema.ReversibilityNone}
	ctx := context.Background()

	pend, _ := h.orch.Execute(ctx, pauseRequest())

	// Move the orchestrator and manager clocks past the deadline.
	future := time.Now().Add(25 * time.Hour)
	h.orch.now = func() time.Time { return future }
	h.orch.approvals = approvalManagerAt(h.stores, future)

	if err := h.orch.SweepApprovals(ctx, "org_1"); err != nil {
		t.Fatal(err)
	}
	req, _ := h.stores.Approvals.Get(ctx, pend.ApprovalRequestID)
	if req.Status != schema.ApprovalExpired {
		t.Errorf("approval status = %s", req.Status)
	}
	env, _ := h.stores.Envelopes.Get(ctx, pend.EnvelopeID)
	if env.Status != schema.EnvelopeDenied {
		t.Errorf("envelope status = %s, want denied on expiry", env.Status)
	}
}

func approvalManagerAt(stores *store.Stores, at time.Time) *approval.Manager {
	m := approval.NewManager(stores.Approvals)
	m.SetClock(func() time.Time { return at })
	return m
}
