// Package ads is the reference cartridge: an in-memory ads platform
// with campaigns, budgets, and pacing. It exercises the full plugin
// surface, entity resolution, snapshots, and undo recipes included,
// and is what the end-to-end suite runs against.
package ads

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/switchboard/backend/internal/schema"
	"github.com/switchboard/backend/pkg/cartridge"
)

const (
	ActionPause        = "ads.campaign.pause"
	ActionResume       = "ads.campaign.resume"
	ActionBudgetAdjust = "ads.budget.adjust"
)

// undoWindow is how long a mutation stays reversible.
const undoWindow = 24 * time.Hour

// Campaign is one ad campaign in the in-memory backend.
type Campaign struct {
	ID          string
	Name        string
	Status      string // active | paused
	DailyBudget float64
	Spend       float64
}

// Cartridge is the ads plugin. The campaign map stands in for the
// external platform; everything else behaves like a production
// integration.
type Cartridge struct {
	mu          sync.Mutex
	campaigns   map[string]*Campaign
	unavailable bool
	credentials map[string]string
	now         func() time.Time
}

func New() *Cartridge {
	return &Cartridge{
		campaigns: make(map[string]*Campaign),
		now:       time.Now,
	}
}

// Seed installs a campaign, replacing any previous one with the same id.
func (c *Cartridge) Seed(campaigns ...Campaign) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range campaigns {
		cp := campaigns[i]
		c.campaigns[cp.ID] = &cp
	}
}

// SetUnavailable toggles transient upstream failure.
func (c *Cartridge) SetUnavailable(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unavailable = down
}

func (c *Cartridge) Manifest() cartridge.Manifest {
	return cartridge.Manifest{
		ID:          "ads",
		Name:        "Ads Platform",
		Version:     "1.2.0",
		Description: "Campaign management: pause, resume, budget changes",
		Actions: []cartridge.ActionDefinition{
			{
				ActionType:       ActionPause,
				Name:             "Pause campaign",
				BaseRiskCategory: schema.RiskLow,
				Reversible:       true,
				ParametersSchema: json.RawMessage(`{
					"type": "object",
					"required": ["entityId"],
					"properties": {
						"entityId": {"type": "string", "minLength": 1}
					}
				}`),
			},
			{
				ActionType:       ActionResume,
				Name:             "Resume campaign",
				BaseRiskCategory: schema.RiskLow,
				Reversible:       true,
				ParametersSchema: json.RawMessage(`{
					"type": "object",
					"required": ["entityId"],
					"properties": {
						"entityId": {"type": "string", "minLength": 1}
					}
				}`),
			},
			{
				ActionType:       ActionBudgetAdjust,
				Name:             "Adjust daily budget",
				BaseRiskCategory: schema.RiskMedium,
				Reversible:       true,
				ParametersSchema: json.RawMessage(`{
					"type": "object",
					"required": ["entityId", "dailyBudget"],
					"properties": {
						"entityId": {"type": "string", "minLength": 1},
						"dailyBudget": {"type": "number", "exclusiveMinimum": 0}
					}
				}`),
			},
		},
		RequiredConnections: []string{"ads"},
	}
}

func (c *Cartridge) Initialize(_ context.Context, init cartridge.InitContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credentials = init.Credentials
	return nil
}

func (c *Cartridge) EnrichContext(_ context.Context, call cartridge.ActionCall) (map[string]any, error) {
	id, _ := call.Parameters["entityId"].(string)
	if id == "" {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp, ok := c.campaigns[id]
	if !ok {
		return nil, nil
	}
	pacing := 0.0
	if cp.DailyBudget > 0 {
		pacing = cp.Spend / cp.DailyBudget
	}
	return map[string]any{
		"campaignStatus": cp.Status,
		"dailyBudget":    cp.DailyBudget,
		"spendToday":     cp.Spend,
		"pacing":         pacing,
	}, nil
}

func (c *Cartridge) RiskInput(_ context.Context, call cartridge.ActionCall) (*schema.RiskInput, error) {
	def, _ := c.manifestAction(call.ActionType)
	in := &schema.RiskInput{
		BaseRisk:      schema.RiskLow,
		Reversibility: schema.ReversibilityFull,
	}
	if def != nil {
		in.BaseRisk = def.BaseRiskCategory
	}
	if call.ActionType != ActionBudgetAdjust {
		return in, nil
	}

	target, _ := toFloat(call.Parameters["dailyBudget"])
	c.mu.Lock()
	defer c.mu.Unlock()
	id, _ := call.Parameters["entityId"].(string)
	if cp, ok := c.campaigns[id]; ok {
		delta := target - cp.DailyBudget
		if delta < 0 {
			delta = -delta
		}
		in.Exposure = schema.Exposure{DollarsAtRisk: delta * 30} // a month of the change
		// Doubling the budget or more escalates the base category.
		if cp.DailyBudget > 0 && target >= 2*cp.DailyBudget {
			in.BaseRisk = schema.RiskHigh
		}
	} else {
		in.Exposure = schema.Exposure{DollarsAtRisk: target * 30}
	}
	return in, nil
}

func (c *Cartridge) Guardrails() cartridge.GuardrailConfig {
	return cartridge.GuardrailConfig{
		MaxActionsPerWindow: 30,
		WindowMs:            time.Minute.Milliseconds(),
		MaxPerActionType: map[string]int{
			ActionBudgetAdjust: 5,
		},
		CooldownMs: map[string]int64{
			ActionBudgetAdjust: (30 * time.Second).Milliseconds(),
		},
		SpendParameter: map[string]string{
			ActionBudgetAdjust: "dailyBudget",
		},
	}
}

func (c *Cartridge) HealthCheck(context.Context) cartridge.HealthStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := "ok"
	if c.unavailable {
		status = "down"
	}
	return cartridge.HealthStatus{
		Status:       status,
		LatencyMs:    1,
		Capabilities: []string{"entity_resolution", "snapshots", "undo"},
	}
}

func (c *Cartridge) Execute(_ context.Context, call cartridge.ActionCall) (*schema.ExecuteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unavailable {
		return nil, schema.E(schema.KindTransient, "ads platform unavailable")
	}
	id, _ := call.Parameters["entityId"].(string)
	cp, ok := c.campaigns[id]
	if !ok {
		return &schema.ExecuteResult{
			Success: false,
			Summary: fmt.Sprintf("campaign %s does not exist", id),
		}, nil
	}

	expires := c.now().Add(undoWindow).UnixMilli()
	switch call.ActionType {
	case ActionPause:
		if cp.Status == "paused" {
			return &schema.ExecuteResult{
				Success: true,
				Summary: cp.Name + " was already paused",
			}, nil
		}
		cp.Status = "paused"
		return &schema.ExecuteResult{
			Success:           true,
			Summary:           "paused " + cp.Name,
			ExternalRefs:      map[string]string{"campaignId": cp.ID},
			RollbackAvailable: true,
			UndoRecipe: &schema.UndoRecipe{
				ActionType:    ActionResume,
				Parameters:    map[string]any{"entityId": cp.ID},
				UndoExpiresAt: expires,
			},
		}, nil

	case ActionResume:
		cp.Status = "active"
		return &schema.ExecuteResult{
			Success:           true,
			Summary:           "resumed " + cp.Name,
			ExternalRefs:      map[string]string{"campaignId": cp.ID},
			RollbackAvailable: true,
			UndoRecipe: &schema.UndoRecipe{
				ActionType:    ActionPause,
				Parameters:    map[string]any{"entityId": cp.ID},
				UndoExpiresAt: expires,
			},
		}, nil

	case ActionBudgetAdjust:
		target, ok := toFloat(call.Parameters["dailyBudget"])
		if !ok || target <= 0 {
			return &schema.ExecuteResult{
				Success: false,
				Summary: "dailyBudget must be a positive number",
			}, nil
		}
		previous := cp.DailyBudget
		cp.DailyBudget = target
		return &schema.ExecuteResult{
			Success:           true,
			Summary:           fmt.Sprintf("budget for %s: %.2f → %.2f", cp.Name, previous, target),
			ExternalRefs:      map[string]string{"campaignId": cp.ID},
			RollbackAvailable: true,
			UndoRecipe: &schema.UndoRecipe{
				ActionType:    ActionBudgetAdjust,
				Parameters:    map[string]any{"entityId": cp.ID, "dailyBudget": previous},
				UndoExpiresAt: expires,
			},
		}, nil

	default:
		return &schema.ExecuteResult{
			Success: false,
			Summary: "unsupported action " + call.ActionType,
		}, nil
	}
}

// ResolveEntity matches campaign ids exactly and names by
// case-insensitive substring.
func (c *Cartridge) ResolveEntity(_ context.Context, ref, _ string) (*schema.ResolvedEntity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cp, ok := c.campaigns[ref]; ok {
		return &schema.ResolvedEntity{
			Ref:      ref,
			EntityID: cp.ID,
			Name:     cp.Name,
			Status:   schema.EntityResolved,
		}, nil
	}
	needle := strings.ToLower(ref)
	var matches []*Campaign
	for _, cp := range c.campaigns {
		if strings.Contains(strings.ToLower(cp.Name), needle) {
			matches = append(matches, cp)
		}
	}
	switch len(matches) {
	case 0:
		return &schema.ResolvedEntity{Ref: ref, Status: schema.EntityNotFound}, nil
	case 1:
		return &schema.ResolvedEntity{
			Ref:      ref,
			EntityID: matches[0].ID,
			Name:     matches[0].Name,
			Status:   schema.EntityResolved,
		}, nil
	default:
		alts := make([]string, 0, len(matches))
		for _, m := range matches {
			alts = append(alts, fmt.Sprintf("%s (%s)", m.ID, m.Name))
		}
		return &schema.ResolvedEntity{
			Ref:          ref,
			Status:       schema.EntityAmbiguous,
			Alternatives: alts,
		}, nil
	}
}

// CaptureSnapshot records pre-mutation campaign state for verification
// and audit evidence.
func (c *Cartridge) CaptureSnapshot(_ context.Context, entityID string) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp, ok := c.campaigns[entityID]
	if !ok {
		return nil, schema.E(schema.KindNotFound, "campaign %s not found", entityID)
	}
	return map[string]any{
		"status":      cp.Status,
		"dailyBudget": cp.DailyBudget,
		"spend":       cp.Spend,
	}, nil
}

// Campaign returns a copy of the stored campaign, for tests and
// verification checks.
func (c *Cartridge) Campaign(id string) (Campaign, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp, ok := c.campaigns[id]
	if !ok {
		return Campaign{}, false
	}
	return *cp, true
}

func (c *Cartridge) manifestAction(actionType string) (*cartridge.ActionDefinition, bool) {
	m := c.Manifest()
	return m.Action(actionType)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
