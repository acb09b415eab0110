package ads

import (
	"context"
	"testing"

	"github.com/switchboard/backend/internal/schema"
	"github.com/switchboard/backend/pkg/cartridge"
)

func seeded() *Cartridge {
	c := New()
	c.Seed(
		Campaign{ID: "camp_1", Name: "Summer Sale", Status: "active", DailyBudget: 100, Spend: 40},
		Campaign{ID: "camp_2", Name: "Summer Clearance", Status: "active", DailyBudget: 50},
		Campaign{ID: "camp_3", Name: "Brand Awareness", Status: "paused", DailyBudget: 200},
	)
	return c
}

func call(actionType string, params map[string]any) cartridge.ActionCall {
	return cartridge.ActionCall{EnvelopeID: "env_1", ActionType: actionType, Parameters: params}
}

func TestManifest_SchemasCompile(t *testing.T) {
	m := seeded().Manifest()
	for i := range m.Actions {
		if err := m.Actions[i].CompileParameterSchema(); err != nil {
			t.Fatalf("%s: %v", m.Actions[i].ActionType, err)
		}
	}
	def, _ := m.Action(ActionBudgetAdjust)
	if err := def.ValidateParameters(map[string]any{"entityId": "camp_1"}); err == nil {
		t.Error("missing dailyBudget accepted")
	}
	if err := def.ValidateParameters(map[string]any{"entityId": "camp_1", "dailyBudget": -5}); err == nil {
		t.Error("negative dailyBudget accepted")
	}
	if err := def.ValidateParameters(map[string]any{"entityId": "camp_1", "dailyBudget": 80}); err != nil {
		t.Errorf("valid parameters rejected: %v", err)
	}
}

func TestExecute_PauseProducesResumeRecipe(t *testing.T) {
	c := seeded()
	res, err := c.Execute(context.Background(), call(ActionPause, map[string]any{"entityId": "camp_1"}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.UndoRecipe == nil {
		t.Fatalf("result = %+v", res)
	}
	if res.UndoRecipe.ActionType != ActionResume {
		t.Errorf("undo action = %s", res.UndoRecipe.ActionType)
	}
	if cp, _ := c.Campaign("camp_1"); cp.Status != "paused" {
		t.Errorf("status = %s", cp.Status)
	}

	// Re-pausing is a no-op with no recipe.
	res, _ = c.Execute(context.Background(), call(ActionPause, map[string]any{"entityId": "camp_1"}))
	if !res.Success || res.UndoRecipe != nil {
		t.Errorf("re-pause result = %+v", res)
	}
}

func TestExecute_BudgetAdjustRestoresPrevious(t *testing.T) {
	c := seeded()
	ctx := context.Background()
	res, err := c.Execute(ctx, call(ActionBudgetAdjust, map[string]any{"entityId": "camp_1", "dailyBudget": 250.0}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if cp, _ := c.Campaign("camp_1"); cp.DailyBudget != 250 {
		t.Errorf("budget = %v", cp.DailyBudget)
	}
	if res.UndoRecipe.Parameters["dailyBudget"] != 100.0 {
		t.Errorf("undo recipe = %+v", res.UndoRecipe)
	}

	// Apply the recipe; the budget returns to its original value.
	if _, err := c.Execute(ctx, call(res.UndoRecipe.ActionType, res.UndoRecipe.Parameters)); err != nil {
		t.Fatal(err)
	}
	if cp, _ := c.Campaign("camp_1"); cp.DailyBudget != 100 {
		t.Errorf("budget after undo = %v", cp.DailyBudget)
	}
}

func TestExecute_UnknownCampaignFails(t *testing.T) {
	res, err := seeded().Execute(context.Background(), call(ActionPause, map[string]any{"entityId": "camp_missing"}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("unknown campaign succeeded")
	}
}

func TestExecute_UnavailableIsTransient(t *testing.T) {
	c := seeded()
	c.SetUnavailable(true)
	_, err := c.Execute(context.Background(), call(ActionPause, map[string]any{"entityId": "camp_1"}))
	if !schema.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if c.HealthCheck(context.Background()).Status != "down" {
		t.Error("health should report down")
	}
}

func TestRiskInput_BudgetDoublingEscalates(t *testing.T) {
	c := seeded()
	in, err := c.RiskInput(context.Background(), call(ActionBudgetAdjust, map[string]any{"entityId": "camp_1", "dailyBudget": 250.0}))
	if err != nil {
		t.Fatal(err)
	}
	if in.BaseRisk != schema.RiskHigh {
		t.Errorf("baseRisk = %s, want high for a 2.5x increase", in.BaseRisk)
	}
	if in.Exposure.DollarsAtRisk != 4500 {
		t.Errorf("dollarsAtRisk = %v", in.Exposure.DollarsAtRisk)
	}

	in, _ = c.RiskInput(context.Background(), call(ActionBudgetAdjust, map[string]any{"entityId": "camp_1", "dailyBudget": 110.0}))
	if in.BaseRisk != schema.RiskMedium {
		t.Errorf("baseRisk = %s, want medium for a small change", in.BaseRisk)
	}
}

func TestResolveEntity(t *testing.T) {
	c := seeded()
	ctx := context.Background()

	re, _ := c.ResolveEntity(ctx, "camp_3", "campaign")
	if re.Status != schema.EntityResolved || re.EntityID != "camp_3" {
		t.Errorf("by id = %+v", re)
	}

	re, _ = c.ResolveEntity(ctx, "brand awareness", "campaign")
	if re.Status != schema.EntityResolved || re.EntityID != "camp_3" {
		t.Errorf("by name = %+v", re)
	}

	re, _ = c.ResolveEntity(ctx, "summer", "campaign")
	if re.Status != schema.EntityAmbiguous || len(re.Alternatives) != 2 {
		t.Errorf("ambiguous = %+v", re)
	}

	re, _ = c.ResolveEntity(ctx, "winter", "campaign")
	if re.Status != schema.EntityNotFound {
		t.Errorf("missing = %+v", re)
	}
}

func TestCaptureSnapshot(t *testing.T) {
	c := seeded()
	snap, err := c.CaptureSnapshot(context.Background(), "camp_1")
	if err != nil {
		t.Fatal(err)
	}
	if snap["status"] != "active" || snap["dailyBudget"] != 100.0 {
		t.Errorf("snapshot = %v", snap)
	}
	if _, err := c.CaptureSnapshot(context.Background(), "camp_missing"); !schema.IsKind(err, schema.KindNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestEnrichContext_Pacing(t *testing.T) {
	c := seeded()
	enrich, err := c.EnrichContext(context.Background(), call(ActionPause, map[string]any{"entityId": "camp_1"}))
	if err != nil {
		t.Fatal(err)
	}
	if enrich["pacing"] != 0.4 {
		t.Errorf("pacing = %v", enrich["pacing"])
	}
}
