// Package policy implements the ordered decision pipeline. Evaluation
// appends checks to a DecisionTrace in a fixed order; the first deny is
// terminal and no later check runs. The engine never throws on policy
// content: malformed rules are logged and treated as non-matching.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/switchboard/backend/internal/guardrail"
	"github.com/switchboard/backend/internal/risk"
	"github.com/switchboard/backend/internal/rules"
	"github.com/switchboard/backend/internal/schema"
	"github.com/switchboard/backend/internal/store"
	"github.com/switchboard/backend/pkg/cartridge"
)

// Input is everything one evaluation needs. The orchestrator assembles
// it; the engine itself performs no I/O beyond the policy listing and
// guardrail counter reads.
type Input struct {
	Proposal       *schema.ActionProposal
	CartridgeID    string
	OrganizationID string
	Identity       *schema.ResolvedIdentity
	Competence     *schema.CompetenceRecord // nil when no history exists
	RiskInput      *schema.RiskInput
	Composite      *schema.CompositeRiskContext
	Guardrails     cartridge.GuardrailConfig
	Posture        schema.SystemPosture
	EvalContext    map[string]any
	Now            time.Time
}

// Engine evaluates proposals into decision traces.
type Engine struct {
	policies store.PolicyStore
	guard    guardrail.State
	spend    guardrail.SpendLookup
	riskCfg  risk.Config
	logger   *slog.Logger
}

func NewEngine(policies store.PolicyStore, guard guardrail.State, spend guardrail.SpendLookup, riskCfg risk.Config) *Engine {
	return &Engine{
		policies: policies,
		guard:    guard,
		spend:    spend,
		riskCfg:  riskCfg,
		logger:   slog.With("component", "policy-engine"),
	}
}

type evaluation struct {
	trace          *schema.DecisionTrace
	denied         bool
	trusted        bool
	policyDecision *schema.Decision
	policyApproval *schema.ApprovalRequirement
	categoryRaise  *schema.RiskCategory
}

func (ev *evaluation) append(code schema.CheckCode, effect schema.CheckEffect, matched bool, detail string, data map[string]any) {
	ev.trace.Checks = append(ev.trace.Checks, schema.Check{
		Code:        code,
		Effect:      effect,
		Matched:     matched,
		HumanDetail: detail,
		Data:        data,
	})
	if effect == schema.CheckDeny {
		ev.denied = true
	}
}

// Evaluate runs the full pipeline and returns an immutable trace.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*schema.DecisionTrace, error) {
	if in.Identity == nil {
		return nil, schema.E(schema.KindNotFound, "no resolved identity for proposal %s", in.Proposal.ID)
	}
	ev := &evaluation{
		trace: &schema.DecisionTrace{
			ID:        schema.NewID("dtr"),
			CreatedAt: in.Now.UnixMilli(),
		},
	}

	e.checkForbidden(ev, in)
	if !ev.denied {
		e.checkTrust(ev, in)
		e.checkCompetence(ev, in)
	}
	if !ev.denied {
		if err := e.checkRateLimits(ctx, ev, in); err != nil {
			return nil, err
		}
	}
	if !ev.denied {
		if err := e.checkCooldown(ctx, ev, in); err != nil {
			return nil, err
		}
	}
	if !ev.denied {
		e.checkProtectedEntities(ev, in)
	}
	if !ev.denied {
		if err := e.checkSpendLimits(ctx, ev, in); err != nil {
			return nil, err
		}
	}
	if !ev.denied {
		if err := e.checkPolicies(ctx, ev, in); err != nil {
			return nil, err
		}
	}

	if !ev.denied {
		e.scoreRisk(ev, in)
	}
	if !ev.denied {
		e.resolveApproval(ev, in)
	}
	e.finalize(ev, in)
	return ev.trace, nil
}

// Step 1: forbidden behaviors.
func (e *Engine) checkForbidden(ev *evaluation, in Input) {
	at := in.Proposal.ActionType
	if in.Identity.EffectiveForbiddenBehaviors[at] {
		ev.append(schema.CheckForbiddenBehavior, schema.CheckDeny, true,
			fmt.Sprintf("action type %s is forbidden for this principal", at), nil)
		return
	}
	ev.append(schema.CheckForbiddenBehavior, schema.CheckAllow, false,
		"action type is not forbidden", nil)
}

// Step 2: trust behaviors (decision deferred to finalize).
func (e *Engine) checkTrust(ev *evaluation, in Input) {
	at := in.Proposal.ActionType
	ev.trusted = in.Identity.EffectiveTrustBehaviors[at]
	detail := "action type is not pre-trusted"
	if ev.trusted {
		detail = "action type is pre-trusted; fast path noted"
	}
	ev.append(schema.CheckTrustBehavior, schema.CheckAllow, ev.trusted, detail, nil)
}

// Step 3: competence annotation, informational only.
func (e *Engine) checkCompetence(ev *evaluation, in Input) {
	if in.Competence == nil {
		ev.append(schema.CheckCompetenceTrust, schema.CheckSkip, false,
			"no competence history for this action type", nil)
		return
	}
	c := in.Competence
	ev.append(schema.CheckCompetenceTrust, schema.CheckAllow, true,
		fmt.Sprintf("competence %.2f (%d ok / %d failed / %d rolled back)",
			c.Score, c.SuccessCount, c.FailureCount, c.RollbackCount),
		map[string]any{
			"score":                c.Score,
			"successCount":         c.SuccessCount,
			"failureCount":         c.FailureCount,
			"consecutiveSuccesses": c.ConsecutiveSuccesses,
		})
}

// Step 4: rate limits, global then per-action-type.
func (e *Engine) checkRateLimits(ctx context.Context, ev *evaluation, in Input) error {
	g := in.Guardrails
	window := time.Duration(g.WindowMs) * time.Millisecond
	if window <= 0 {
		window = time.Minute
	}

	if g.MaxActionsPerWindow > 0 {
		count, err := e.guard.CountInWindow(ctx, in.Identity.PrincipalID, window, in.Now)
		if err != nil {
			return err
		}
		if count >= g.MaxActionsPerWindow {
			ev.append(schema.CheckRateLimit, schema.CheckDeny, true,
				fmt.Sprintf("global rate limit hit: %d actions in %s (max %d)", count, window, g.MaxActionsPerWindow),
				map[string]any{"scope": "global", "count": count, "max": g.MaxActionsPerWindow})
			return nil
		}
	}
	if max, ok := g.MaxPerActionType[in.Proposal.ActionType]; ok && max > 0 {
		key := in.Identity.PrincipalID + "|" + in.Proposal.ActionType
		count, err := e.guard.CountInWindow(ctx, key, window, in.Now)
		if err != nil {
			return err
		}
		if count >= max {
			ev.append(schema.CheckRateLimit, schema.CheckDeny, true,
				fmt.Sprintf("rate limit hit for %s: %d in %s (max %d)", in.Proposal.ActionType, count, window, max),
				map[string]any{"scope": "per-action-type", "count": count, "max": max})
			return nil
		}
	}
	ev.append(schema.CheckRateLimit, schema.CheckAllow, false, "within rate limits", nil)
	return nil
}

// Step 5: cooldown on the target entity.
func (e *Engine) checkCooldown(ctx context.Context, ev *evaluation, in Input) error {
	cooldownMs, ok := in.Guardrails.CooldownMs[in.Proposal.ActionType]
	entityID := stringParam(in.Proposal.Parameters, "entityId")
	if !ok || cooldownMs <= 0 || entityID == "" {
		ev.append(schema.CheckCooldown, schema.CheckSkip, false, "no cooldown applies", nil)
		return nil
	}
	last, err := e.guard.LastTouched(ctx, entityID)
	if err != nil {
		return err
	}
	if !last.IsZero() {
		elapsed := in.Now.Sub(last)
		cooldown := time.Duration(cooldownMs) * time.Millisecond
		if elapsed < cooldown {
			ev.append(schema.CheckCooldown, schema.CheckDeny, true,
				fmt.Sprintf("entity %s touched %s ago, cooldown is %s", entityID, elapsed.Round(time.Second), cooldown),
				map[string]any{"entityId": entityID, "cooldownMs": cooldownMs})
			return nil
		}
	}
	ev.append(schema.CheckCooldown, schema.CheckAllow, false, "cooldown elapsed", nil)
	return nil
}

// Step 6: protected entities.
func (e *Engine) checkProtectedEntities(ev *evaluation, in Input) {
	entityID := stringParam(in.Proposal.Parameters, "entityId")
	if entityID != "" {
		for _, protected := range in.Guardrails.ProtectedEntities {
			if protected == entityID {
				ev.append(schema.CheckProtectedEntity, schema.CheckDeny, true,
					fmt.Sprintf("entity %s is protected", entityID),
					map[string]any{"entityId": entityID})
				return
			}
		}
	}
	ev.append(schema.CheckProtectedEntity, schema.CheckAllow, false, "target entity is not protected", nil)
}

// Step 7: spend limits — per-action first, then cumulative windows in
// daily, weekly, monthly order; the first exceeded window denies.
func (e *Engine) checkSpendLimits(ctx context.Context, ev *evaluation, in Input) error {
	amount, ok := spendAmount(in.Proposal.Parameters, in.Guardrails.SpendParameter[in.Proposal.ActionType])
	if !ok {
		ev.append(schema.CheckSpendLimit, schema.CheckSkip, false, "action carries no spend", nil)
		return nil
	}
	limits := in.Identity.EffectiveSpendLimits

	if limits.PerAction != nil && amount > *limits.PerAction {
		ev.append(schema.CheckSpendLimit, schema.CheckDeny, true,
			fmt.Sprintf("amount $%.2f exceeds per-action limit $%.2f", amount, *limits.PerAction),
			map[string]any{"window": "perAction", "amount": amount, "limit": *limits.PerAction})
		return nil
	}

	windows := []struct {
		window guardrail.Window
		limit  *float64
	}{
		{guardrail.WindowDaily, limits.Daily},
		{guardrail.WindowWeekly, limits.Weekly},
		{guardrail.WindowMonthly, limits.Monthly},
	}
	for _, w := range windows {
		if w.limit == nil {
			continue
		}
		spent, err := e.spend.CumulativeSpend(ctx, in.Identity.PrincipalID, w.window, in.Now)
		if err != nil {
			return err
		}
		if spent+amount > *w.limit {
			ev.append(schema.CheckSpendLimit, schema.CheckDeny, true,
				fmt.Sprintf("%s spend $%.2f + $%.2f exceeds limit $%.2f", w.window, spent, amount, *w.limit),
				map[string]any{"window": string(w.window), "spent": spent, "amount": amount, "limit": *w.limit})
			return nil
		}
	}
	ev.append(schema.CheckSpendLimit, schema.CheckAllow, false,
		fmt.Sprintf("spend $%.2f within limits", amount), nil)
	return nil
}

// Step 8: stored policies in priority order.
func (e *Engine) checkPolicies(ctx context.Context, ev *evaluation, in Input) error {
	policies, err := e.policies.ListActive(ctx, in.CartridgeID, in.OrganizationID)
	if err != nil {
		return err
	}
	for _, p := range policies {
		matched, err := rules.Evaluate(p.Rule, in.EvalContext)
		if err != nil {
			// Malformed rule content never fails the evaluation; it just
			// cannot match.
			e.logger.Warn("policy rule failed to evaluate, treating as non-matching",
				"policyId", p.ID, "error", err)
			continue
		}
		if !matched {
			continue
		}
		switch p.Effect {
		case schema.EffectDeny:
			ev.append(schema.CheckPolicyRule, schema.CheckDeny, true,
				fmt.Sprintf("policy %s (%s) denied the action", p.ID, p.Name),
				map[string]any{"policyId": p.ID})
			return nil
		case schema.EffectAllow:
			d := schema.DecisionAllow
			ev.policyDecision = &d
			ev.append(schema.CheckPolicyRule, schema.CheckAllow, true,
				fmt.Sprintf("policy %s (%s) allowed the action", p.ID, p.Name),
				map[string]any{"policyId": p.ID})
		case schema.EffectModify:
			d := schema.DecisionModify
			ev.policyDecision = &d
			e.applyModifyParams(ev, p)
			ev.append(schema.CheckPolicyRule, schema.CheckMod, true,
				fmt.Sprintf("policy %s (%s) modified the evaluation", p.ID, p.Name),
				map[string]any{"policyId": p.ID, "effectParams": p.EffectParams})
		case schema.EffectRequireApproval:
			req := schema.ApprovalStandard
			if p.ApprovalRequirement != nil {
				req = *p.ApprovalRequirement
			}
			if ev.policyApproval == nil || req.Rank() > ev.policyApproval.Rank() {
				ev.policyApproval = &req
			}
			ev.append(schema.CheckPolicyRule, schema.CheckAllow, true,
				fmt.Sprintf("policy %s (%s) requires %s approval", p.ID, p.Name, req),
				map[string]any{"policyId": p.ID, "requirement": string(req)})
		}
		if p.RiskCategoryOverride != nil {
			if ev.categoryRaise == nil || p.RiskCategoryOverride.Rank() > ev.categoryRaise.Rank() {
				ev.categoryRaise = p.RiskCategoryOverride
			}
		}
	}
	if len(ev.trace.Checks) == 0 || ev.trace.Checks[len(ev.trace.Checks)-1].Code != schema.CheckPolicyRule {
		ev.append(schema.CheckPolicyRule, schema.CheckAllow, false, "no policy matched", nil)
	}
	return nil
}

// applyModifyParams interprets a modify policy's effect parameters. The
// parameter map is deliberately open-ended; unknown keys are logged as
// no-ops so old engines tolerate newer policy content.
func (e *Engine) applyModifyParams(ev *evaluation, p *schema.Policy) {
	for key, val := range p.EffectParams {
		switch key {
		case "set_risk_category":
			if s, ok := val.(string); ok {
				cat := schema.RiskCategory(s)
				if ev.categoryRaise == nil || cat.Rank() > ev.categoryRaise.Rank() {
					ev.categoryRaise = &cat
				}
			}
		default:
			e.logger.Warn("unknown modify effect parameter ignored",
				"policyId", p.ID, "param", key)
		}
	}
}

// Step 9: risk scoring plus composite adjustment, plus any policy raise.
func (e *Engine) scoreRisk(ev *evaluation, in Input) {
	if in.RiskInput == nil {
		ev.append(schema.CheckRiskScoring, schema.CheckSkip, false, "no risk input supplied", nil)
		return
	}
	score := risk.Score(in.RiskInput, e.riskCfg)
	ev.append(schema.CheckRiskScoring, schema.CheckAllow, true,
		fmt.Sprintf("risk %.1f (%s)", score.RawScore, score.Category),
		map[string]any{"rawScore": score.RawScore, "category": string(score.Category)})

	if in.Composite != nil {
		adjusted := risk.AdjustComposite(score, in.Composite)
		if adjusted.RawScore != score.RawScore {
			ev.append(schema.CheckCompositeRisk, schema.CheckAllow, true,
				fmt.Sprintf("composite context raised risk to %.1f (%s)", adjusted.RawScore, adjusted.Category),
				map[string]any{"rawScore": adjusted.RawScore, "category": string(adjusted.Category)})
		} else {
			ev.append(schema.CheckCompositeRisk, schema.CheckAllow, false, "composite context adds no risk", nil)
		}
		score = adjusted
	}

	if ev.categoryRaise != nil && ev.categoryRaise.Rank() > score.Category.Rank() {
		score = &schema.RiskScore{
			RawScore: score.RawScore,
			Category: *ev.categoryRaise,
			Factors: append(append([]schema.RiskFactor{}, score.Factors...), schema.RiskFactor{
				Factor: "policy_override",
				Weight: 1,
				Detail: fmt.Sprintf("policy raised category to %s", *ev.categoryRaise),
			}),
		}
	}
	ev.trace.ComputedRiskScore = score
}

// Step 10: approval requirement resolution plus system posture.
func (e *Engine) resolveApproval(ev *evaluation, in Input) {
	category := schema.RiskNone
	if ev.trace.ComputedRiskScore != nil {
		category = ev.trace.ComputedRiskScore.Category
	}

	var req schema.ApprovalRequirement
	if ev.policyApproval != nil {
		req = *ev.policyApproval
	} else {
		req = in.Identity.Tolerance(category)
	}

	posture := in.Posture
	if posture == "" {
		posture = in.Identity.GovernanceProfile.Posture()
	}
	switch posture {
	case schema.PostureCritical:
		req = schema.ApprovalMandatory
	case schema.PostureElevated:
		if req == schema.ApprovalNone || req == schema.ApprovalStandard {
			req = schema.ApprovalElevated
		}
	}
	ev.trace.ApprovalRequired = req
	ev.append(schema.CheckSystemPosture, schema.CheckAllow, posture != schema.PostureNormal,
		fmt.Sprintf("posture %s, approval requirement %s", posture, req),
		map[string]any{"posture": string(posture), "requirement": string(req)})
}

// Step 11: final decision.
func (e *Engine) finalize(ev *evaluation, in Input) {
	t := ev.trace
	switch {
	case ev.denied:
		t.FinalDecision = schema.DecisionDeny
		t.ApprovalRequired = schema.ApprovalNone
		if deny := t.DenyCheck(); deny != nil {
			t.Explanation = deny.HumanDetail
		}
	case ev.trusted:
		t.FinalDecision = schema.DecisionAllow
		t.ApprovalRequired = schema.ApprovalNone
		t.Explanation = fmt.Sprintf("%s is pre-trusted for this principal", in.Proposal.ActionType)
	default:
		if ev.policyDecision != nil {
			t.FinalDecision = *ev.policyDecision
		} else {
			t.FinalDecision = schema.DecisionAllow
		}
		if t.ApprovalRequired == schema.ApprovalNone {
			t.Explanation = "allowed with no approval required"
		} else {
			t.Explanation = fmt.Sprintf("allowed pending %s approval", t.ApprovalRequired)
		}
	}
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// spendAmount extracts the dollar amount an action carries, if any. The
// cartridge's declared spend parameter wins over the conventional keys.
// budgetChange is signed; spend checks care about magnitude.
func spendAmount(params map[string]any, declared string) (float64, bool) {
	keys := []string{"amount", "budgetChange"}
	if declared != "" {
		keys = append([]string{declared}, keys...)
	}
	for _, key := range keys {
		if v, ok := params[key]; ok {
			if f, ok := toFloat(v); ok {
				if f < 0 {
					f = -f
				}
				return f, true
			}
		}
	}
	return 0, false
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
	default:
		return 0, false
	}
}
