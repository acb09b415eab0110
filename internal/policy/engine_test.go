package policy

import (
	"context"
	"testing"
	"time"

	"github.com/switchboard/backend/internal/guardrail"
	"github.com/switchboard/backend/internal/risk"
	"github.com/switchboard/backend/internal/schema"
	"github.com/switchboard/backend/internal/store"
	"github.com/switchboard/backend/pkg/cartridge"
)

func f(v float64) *float64 { return &v }

func testEngine(t *testing.T) (*Engine, *store.Stores, *guardrail.MemoryState) {
	t.Helper()
	stores := store.NewMemoryStores()
	guard := guardrail.NewMemoryState()
	return NewEngine(stores.Policies, guard, guard, risk.DefaultConfig()), stores, guard
}

func baseInput() Input {
	return Input{
		Proposal: &schema.ActionProposal{
			ID:         schema.NewID("prop"),
			ActionType: "ads.budget.adjust",
			Parameters: map[string]any{"entityId": "camp_1", "budgetChange": 100.0},
			Confidence: 0.9,
		},
		CartridgeID:    "ads",
		OrganizationID: "org_1",
		Identity: &schema.ResolvedIdentity{
			PrincipalID:                 "agent_1",
			OrganizationID:              "org_1",
			EffectiveRiskTolerance:      map[schema.RiskCategory]schema.ApprovalRequirement{},
			EffectiveForbiddenBehaviors: map[string]bool{},
			EffectiveTrustBehaviors:     map[string]bool{},
		},
		RiskInput: &schema.RiskInput{
			BaseRisk:      schema.RiskLow,
			Reversibility: schema.ReversibilityFull,
		},
		Posture:     schema.PostureNormal,
		EvalContext: map[string]any{},
		Now:         time.Now(),
	}
}

func findCheck(t *schema.DecisionTrace, code schema.CheckCode) *schema.Check {
	for i := range t.Checks {
		if t.Checks[i].Code == code {
			return &t.Checks[i]
		}
	}
	return nil
}

func TestEvaluate_ForbiddenBehaviorDeniesTerminally(t *testing.T) {
	e, _, _ := testEngine(t)
	in := baseInput()
	in.Identity.EffectiveForbiddenBehaviors["ads.budget.adjust"] = true

	trace, err := e.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if trace.FinalDecision != schema.DecisionDeny {
		t.Errorf("decision = %s, want deny", trace.FinalDecision)
	}
	deny := trace.DenyCheck()
	if deny == nil || deny.Code != schema.CheckForbiddenBehavior {
		t.Fatalf("deny check = %+v, want FORBIDDEN_BEHAVIOR", deny)
	}
	// Terminal: later pipeline checks must not have run, and the deny
	// must be the last check in the trace.
	if findCheck(trace, schema.CheckRateLimit) != nil {
		t.Error("rate limit check ran after a terminal deny")
	}
	if findCheck(trace, schema.CheckRiskScoring) != nil {
		t.Error("risk scoring ran after a terminal deny")
	}
	denies := 0
	for _, c := range trace.Checks {
		if c.Effect == schema.CheckDeny {
			denies++
		}
	}
	if denies != 1 {
		t.Errorf("trace carries %d deny checks, want exactly 1", denies)
	}
	if last := trace.Checks[len(trace.Checks)-1]; last.Effect != schema.CheckDeny {
		t.Errorf("last check is %s (%s), want the terminal deny", last.Code, last.Effect)
	}
	if trace.ApprovalRequired != schema.ApprovalNone {
		t.Errorf("denied trace carries approval requirement %s", trace.ApprovalRequired)
	}
	if trace.Explanation == "" {
		t.Error("denied trace has no explanation")
	}
}

func TestEvaluate_TrustedActionFastPath(t *testing.T) {
	e, _, _ := testEngine(t)
	in := baseInput()
	in.Identity.EffectiveTrustBehaviors["ads.budget.adjust"] = true
	// Even with a risk tolerance that would demand approval, trust wins.
	in.Identity.EffectiveRiskTolerance[schema.RiskLow] = schema.ApprovalMandatory

	trace, err := e.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if trace.FinalDecision != schema.DecisionAllow || trace.ApprovalRequired != schema.ApprovalNone {
		t.Errorf("trusted action = (%s, %s), want (allow, none)",
			trace.FinalDecision, trace.ApprovalRequired)
	}
}

func TestEvaluate_RateLimitDenies(t *testing.T) {
	e, _, guard := testEngine(t)
	in := baseInput()
	in.Guardrails = cartridge.GuardrailConfig{
		MaxActionsPerWindow: 2,
		WindowMs:            60_000,
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := guard.RecordAction(ctx, "agent_1", "", in.Now); err != nil {
			t.Fatal(err)
		}
	}

	trace, err := e.Evaluate(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	deny := trace.DenyCheck()
	if deny == nil || deny.Code != schema.CheckRateLimit {
		t.Fatalf("deny check = %+v, want RATE_LIMIT", deny)
	}
}

func TestEvaluate_CooldownDenies(t *testing.T) {
	e, _, guard := testEngine(t)
	in := baseInput()
	in.Guardrails = cartridge.GuardrailConfig{
		CooldownMs: map[string]int64{"ads.budget.adjust": 300_000},
	}
	ctx := context.Background()
	if err := guard.RecordAction(ctx, "agent_1", "camp_1", in.Now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	trace, err := e.Evaluate(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	deny := trace.DenyCheck()
	if deny == nil || deny.Code != schema.CheckCooldown {
		t.Fatalf("deny check = %+v, want COOLDOWN", deny)
	}
}

func TestEvaluate_ProtectedEntityDenies(t *testing.T) {
	e, _, _ := testEngine(t)
	in := baseInput()
	in.Guardrails = cartridge.GuardrailConfig{ProtectedEntities: []string{"camp_1"}}

	trace, err := e.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	deny := trace.DenyCheck()
	if deny == nil || deny.Code != schema.CheckProtectedEntity {
		t.Fatalf("deny check = %+v, want PROTECTED_ENTITY", deny)
	}
}

func TestEvaluate_SpendLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("per-action limit", func(t *testing.T) {
		e, _, _ := testEngine(t)
		in := baseInput()
		in.Identity.EffectiveSpendLimits = schema.SpendLimit{PerAction: f(50)}
		trace, err := e.Evaluate(ctx, in)
		if err != nil {
			t.Fatal(err)
		}
		deny := trace.DenyCheck()
		if deny == nil || deny.Code != schema.CheckSpendLimit {
			t.Fatalf("deny check = %+v, want SPEND_LIMIT", deny)
		}
		if deny.Data["window"] != "perAction" {
			t.Errorf("window = %v, want perAction", deny.Data["window"])
		}
	})

	t.Run("daily window checked before weekly", func(t *testing.T) {
		e, _, guard := testEngine(t)
		in := baseInput()
		in.Identity.EffectiveSpendLimits = schema.SpendLimit{Daily: f(200), Weekly: f(200)}
		if err := guard.RecordSpend(ctx, "agent_1", 150, in.Now.Add(-time.Hour)); err != nil {
			t.Fatal(err)
		}
		trace, err := e.Evaluate(ctx, in)
		if err != nil {
			t.Fatal(err)
		}
		deny := trace.DenyCheck()
		if deny == nil || deny.Data["window"] != "daily" {
			t.Fatalf("deny = %+v, want daily window first", deny)
		}
	})

	t.Run("negative budget change counts its magnitude", func(t *testing.T) {
		e, _, _ := testEngine(t)
		in := baseInput()
		in.Proposal.Parameters["budgetChange"] = -500.0
		in.Identity.EffectiveSpendLimits = schema.SpendLimit{PerAction: f(100)}
		trace, err := e.Evaluate(ctx, in)
		if err != nil {
			t.Fatal(err)
		}
		if trace.DenyCheck() == nil {
			t.Error("magnitude of a negative budget change should hit the limit")
		}
	})

	t.Run("declared spend parameter is consulted", func(t *testing.T) {
		e, _, _ := testEngine(t)
		in := baseInput()
		in.Proposal.Parameters = map[string]any{"entityId": "camp_1", "dailyBudget": 300.0}
		in.Guardrails = cartridge.GuardrailConfig{
			SpendParameter: map[string]string{"ads.budget.adjust": "dailyBudget"},
		}
		in.Identity.EffectiveSpendLimits = schema.SpendLimit{PerAction: f(200)}
		trace, err := e.Evaluate(ctx, in)
		if err != nil {
			t.Fatal(err)
		}
		deny := trace.DenyCheck()
		if deny == nil || deny.Code != schema.CheckSpendLimit {
			t.Fatalf("deny check = %+v, want SPEND_LIMIT from the declared parameter", deny)
		}
		if deny.Data["amount"] != 300.0 {
			t.Errorf("amount = %v, want 300 from dailyBudget", deny.Data["amount"])
		}
	})

	t.Run("no spend parameter skips", func(t *testing.T) {
		e, _, _ := testEngine(t)
		in := baseInput()
		in.Proposal.Parameters = map[string]any{"entityId": "camp_1"}
		in.Identity.EffectiveSpendLimits = schema.SpendLimit{PerAction: f(1)}
		trace, err := e.Evaluate(ctx, in)
		if err != nil {
			t.Fatal(err)
		}
		c := findCheck(trace, schema.CheckSpendLimit)
		if c == nil || c.Effect != schema.CheckSkip {
			t.Errorf("spend check = %+v, want skip", c)
		}
	})
}

func TestEvaluate_PolicyDeny(t *testing.T) {
	e, stores, _ := testEngine(t)
	ctx := context.Background()
	err := stores.Policies.Save(ctx, &schema.Policy{
		ID: "pol_big_budget", Name: "deny big budget moves",
		Priority: 10, Active: true, Effect: schema.EffectDeny,
		Rule: &schema.Rule{Conditions: []schema.Condition{
			{Field: "parameters.budgetChange", Operator: schema.OpGt, Value: 50},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	in := baseInput()
	in.EvalContext = map[string]any{
		"parameters": map[string]any{"budgetChange": 100.0},
	}
	trace, err := e.Evaluate(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	deny := trace.DenyCheck()
	if deny == nil || deny.Code != schema.CheckPolicyRule {
		t.Fatalf("deny check = %+v, want POLICY_RULE", deny)
	}
	if deny.Data["policyId"] != "pol_big_budget" {
		t.Errorf("policyId = %v", deny.Data["policyId"])
	}
}

func TestEvaluate_PolicyRequireApprovalAndCategoryOverride(t *testing.T) {
	e, stores, _ := testEngine(t)
	ctx := context.Background()
	elevated := schema.ApprovalElevated
	high := schema.RiskHigh
	err := stores.Policies.Save(ctx, &schema.Policy{
		ID: "pol_care", Name: "careful with budgets",
		Priority: 5, Active: true, Effect: schema.EffectRequireApproval,
		ApprovalRequirement:  &elevated,
		RiskCategoryOverride: &high,
		Rule: &schema.Rule{Conditions: []schema.Condition{
			{Field: "action.actionType", Operator: schema.OpEq, Value: "ads.budget.adjust"},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	in := baseInput()
	in.EvalContext = map[string]any{
		"action": map[string]any{"actionType": "ads.budget.adjust"},
	}
	trace, err := e.Evaluate(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if trace.FinalDecision != schema.DecisionAllow {
		t.Errorf("decision = %s, want allow", trace.FinalDecision)
	}
	if trace.ApprovalRequired != schema.ApprovalElevated {
		t.Errorf("approval = %s, want elevated", trace.ApprovalRequired)
	}
	// Low base risk raised to high by the override.
	if trace.ComputedRiskScore == nil || trace.ComputedRiskScore.Category != schema.RiskHigh {
		t.Errorf("risk category = %v, want high", trace.ComputedRiskScore)
	}
}

func TestEvaluate_ModifyPolicySetRiskCategory(t *testing.T) {
	e, stores, _ := testEngine(t)
	ctx := context.Background()
	err := stores.Policies.Save(ctx, &schema.Policy{
		ID: "pol_modify", Name: "escalate risky hours",
		Priority: 1, Active: true, Effect: schema.EffectModify,
		EffectParams: map[string]any{
			"set_risk_category": "critical",
			"unknown_knob":      true, // ignored, logged
		},
		Rule: &schema.Rule{},
	})
	if err != nil {
		t.Fatal(err)
	}

	in := baseInput()
	trace, err := e.Evaluate(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if trace.FinalDecision != schema.DecisionModify {
		t.Errorf("decision = %s, want modify", trace.FinalDecision)
	}
	if trace.ComputedRiskScore.Category != schema.RiskCritical {
		t.Errorf("category = %s, want critical via set_risk_category", trace.ComputedRiskScore.Category)
	}
}

func TestEvaluate_MalformedRuleIsNonMatching(t *testing.T) {
	e, stores, _ := testEngine(t)
	ctx := context.Background()
	err := stores.Policies.Save(ctx, &schema.Policy{
		ID: "pol_broken", Name: "broken regex",
		Priority: 1, Active: true, Effect: schema.EffectDeny,
		Rule: &schema.Rule{Conditions: []schema.Condition{
			{Field: "action.actionType", Operator: schema.OpMatches, Value: "(["},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	in := baseInput()
	in.EvalContext = map[string]any{
		"action": map[string]any{"actionType": "ads.budget.adjust"},
	}
	trace, err := e.Evaluate(ctx, in)
	if err != nil {
		t.Fatalf("malformed rule must not fail evaluation: %v", err)
	}
	if trace.FinalDecision == schema.DecisionDeny {
		t.Error("malformed rule should be treated as non-matching")
	}
}

func TestEvaluate_PostureAdjustments(t *testing.T) {
	cases := []struct {
		posture schema.SystemPosture
		base    schema.ApprovalRequirement
		want    schema.ApprovalRequirement
	}{
		{schema.PostureNormal, schema.ApprovalNone, schema.ApprovalNone},
		{schema.PostureElevated, schema.ApprovalNone, schema.ApprovalElevated},
		{schema.PostureElevated, schema.ApprovalStandard, schema.ApprovalElevated},
		{schema.PostureElevated, schema.ApprovalMandatory, schema.ApprovalMandatory},
		{schema.PostureCritical, schema.ApprovalNone, schema.ApprovalMandatory},
	}
	for _, tc := range cases {
		e, _, _ := testEngine(t)
		in := baseInput()
		in.Posture = tc.posture
		in.Identity.EffectiveRiskTolerance[schema.RiskLow] = tc.base

		trace, err := e.Evaluate(context.Background(), in)
		if err != nil {
			t.Fatal(err)
		}
		if trace.ApprovalRequired != tc.want {
			t.Errorf("posture %s, tolerance %s: approval = %s, want %s",
				tc.posture, tc.base, trace.ApprovalRequired, tc.want)
		}
	}
}

func TestEvaluate_ApprovalFromRiskTolerance(t *testing.T) {
	e, _, _ := testEngine(t)
	in := baseInput()
	in.RiskInput = &schema.RiskInput{
		BaseRisk:      schema.RiskHigh,
		Reversibility: schema.ReversibilityFull,
	}
	in.Identity.EffectiveRiskTolerance[schema.RiskHigh] = schema.ApprovalMandatory

	trace, err := e.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if trace.ApprovalRequired != schema.ApprovalMandatory {
		t.Errorf("approval = %s, want mandatory from tolerance", trace.ApprovalRequired)
	}
	if trace.FinalDecision != schema.DecisionAllow {
		t.Errorf("decision = %s, want allow", trace.FinalDecision)
	}
}

func TestEvaluate_CompositeRiskRaisesApproval(t *testing.T) {
	e, _, _ := testEngine(t)
	in := baseInput()
	in.RiskInput = &schema.RiskInput{
		BaseRisk:      schema.RiskMedium,
		Exposure:      schema.Exposure{DollarsAtRisk: 10_000},
		Reversibility: schema.ReversibilityPartial,
	}
	in.Composite = &schema.CompositeRiskContext{
		RecentActionCount:      20,
		WindowMs:               60_000,
		CumulativeExposure:     90_000,
		DistinctTargetEntities: 10,
		DistinctCartridges:     4,
	}
	in.Identity.EffectiveRiskTolerance = map[schema.RiskCategory]schema.ApprovalRequirement{
		schema.RiskMedium: schema.ApprovalNone,
		schema.RiskHigh:   schema.ApprovalElevated,
	}

	trace, err := e.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	comp := findCheck(trace, schema.CheckCompositeRisk)
	if comp == nil || !comp.Matched {
		t.Fatalf("composite check = %+v, want matched", comp)
	}
	if trace.ComputedRiskScore.Category.Rank() < schema.RiskHigh.Rank() {
		t.Errorf("category = %s, want at least high under burst", trace.ComputedRiskScore.Category)
	}
	if trace.ApprovalRequired == schema.ApprovalNone {
		t.Error("burst-adjusted category should demand approval")
	}
}
