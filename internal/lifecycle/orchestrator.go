// Package lifecycle is the single choke point between a proposed action
// and its side effect. Every path into an external system runs through
// Execute: cartridge routing, entity resolution, context enrichment,
// identity resolution, policy evaluation, approval routing, guarded
// execution, competence accounting, and audit.
package lifecycle

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/switchboard/backend/internal/approval"
	"github.com/switchboard/backend/internal/audit"
	"github.com/switchboard/backend/internal/canonical"
	"github.com/switchboard/backend/internal/competence"
	"github.com/switchboard/backend/internal/guard"
	"github.com/switchboard/backend/internal/guardrail"
	"github.com/switchboard/backend/internal/identity"
	"github.com/switchboard/backend/internal/metrics"
	"github.com/switchboard/backend/internal/policy"
	"github.com/switchboard/backend/internal/schema"
	"github.com/switchboard/backend/internal/store"
	"github.com/switchboard/backend/pkg/cartridge"
)

// Notifier fans approval traffic out to humans. Implementations are
// best-effort; the orchestrator logs failures and keeps going.
type Notifier interface {
	ApprovalRequested(ctx context.Context, req *schema.ApprovalRequest, env *schema.ActionEnvelope) error
	ApprovalReminder(ctx context.Context, req *schema.ApprovalRequest) error
	ApprovalResolved(ctx context.Context, req *schema.ApprovalRequest) error
}

// ActionSpec is the action portion of an execute request.
type ActionSpec struct {
	ActionType string         `json:"actionType"`
	Parameters map[string]any `json:"parameters"`
	SideEffect bool           `json:"sideEffect"`
	Magnitude  float64        `json:"magnitude,omitempty"`
}

// ExecuteRequest is one proposed action arriving at the choke point.
type ExecuteRequest struct {
	ActorID          string             `json:"actorId"`
	ActorType        schema.PrincipalType `json:"actorType,omitempty"`
	OrganizationID   string             `json:"organizationId,omitempty"`
	Action           ActionSpec         `json:"action"`
	EntityRefs       []schema.EntityRef `json:"entityRefs,omitempty"`
	Message          string             `json:"message,omitempty"`
	TraceID          string             `json:"traceId,omitempty"`
	Confidence       float64            `json:"confidence,omitempty"`
	IdempotencyKey   string             `json:"-"`
	ParentEnvelopeID string             `json:"-"`
}

// ExecuteResponse is the synchronous answer.
type ExecuteResponse struct {
	Outcome           schema.Outcome        `json:"outcome"`
	EnvelopeID        string                `json:"envelopeId"`
	TraceID           string                `json:"traceId"`
	DecisionTraceID   string                `json:"decisionTraceId,omitempty"`
	ApprovalRequestID string                `json:"approvalRequestId,omitempty"`
	Result            *schema.ExecuteResult `json:"result,omitempty"`
	Explanation       string                `json:"explanation,omitempty"`
	Replayed          bool                  `json:"replayed,omitempty"`
}

// Options tunes orchestrator behavior.
type Options struct {
	// DefaultApprovers receive approval requests when no policy names
	// specific approvers.
	DefaultApprovers []string
	FallbackApprover string
	EscalationDelay  time.Duration
	ApprovalTTL      time.Duration
	Posture          schema.SystemPosture
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Stores     *store.Stores
	Registry   *cartridge.Registry
	Identities *identity.Resolver
	Engine     *policy.Engine
	Approvals  *approval.Manager
	Executor   *guard.Executor
	Ledger     *audit.Ledger
	Competence *competence.Tracker
	Guard      guardrail.State
	Spend      guardrail.SpendLookup
	Notifier   Notifier
	// Metrics is optional; a nil value disables instrumentation.
	Metrics *metrics.Metrics
}

// Orchestrator drives the envelope lifecycle.
type Orchestrator struct {
	stores     *store.Stores
	registry   *cartridge.Registry
	identities *identity.Resolver
	engine     *policy.Engine
	approvals  *approval.Manager
	executor   *guard.Executor
	ledger     *audit.Ledger
	competence *competence.Tracker
	guardState guardrail.State
	spend      guardrail.SpendLookup
	notifier   Notifier
	metrics    *metrics.Metrics
	activity   *activityTracker
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
}

func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if opts.Posture == "" {
		opts.Posture = schema.PostureNormal
	}
	if opts.ApprovalTTL <= 0 {
		opts.ApprovalTTL = 24 * time.Hour
	}
	return &Orchestrator{
		stores:     deps.Stores,
		registry:   deps.Registry,
		identities: deps.Identities,
		engine:     deps.Engine,
		approvals:  deps.Approvals,
		executor:   deps.Executor,
		ledger:     deps.Ledger,
		competence: deps.Competence,
		guardState: deps.Guard,
		spend:      deps.Spend,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		activity:   newActivityTracker(),
		opts:       opts,
		logger:     slog.With("component", "orchestrator"),
		now:        time.Now,
	}
}

// Execute runs one proposed action end to end.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	if req.ActorID == "" || req.Action.ActionType == "" {
		return nil, schema.E(schema.KindValidation, "execute request needs actorId and action.actionType")
	}
	if req.ActorType == "" {
		req.ActorType = schema.PrincipalAgent
	}
	if req.Action.Parameters == nil {
		req.Action.Parameters = map[string]any{}
	}
	traceID := req.TraceID
	if traceID == "" {
		traceID = schema.NewID("trc")
	}
	envelopeID := schema.NewID("env")
	started := o.now()

	if req.IdempotencyKey != "" {
		existing, fresh, err := o.stores.Idempotency.PutIfAbsent(ctx, req.IdempotencyKey, envelopeID)
		if err != nil {
			return nil, err
		}
		if !fresh {
			return o.replay(ctx, existing)
		}
	}

	reg, err := o.route(req.Action.ActionType)
	if err != nil {
		return nil, err
	}
	manifest := reg.Manifest
	if def, ok := manifest.Action(req.Action.ActionType); ok {
		if err := def.ValidateParameters(req.Action.Parameters); err != nil {
			return nil, err
		}
	}

	resolved, err := o.resolveEntities(ctx, reg, req)
	if err != nil {
		return nil, err
	}

	ev, err := o.evaluate(ctx, reg, envelopeID, req)
	if err != nil {
		return nil, err
	}
	now := o.now()
	nowMs := now.UnixMilli()

	if err := o.stores.Proposals.Save(ctx, ev.proposal); err != nil {
		return nil, err
	}
	ev.trace.EnvelopeID = envelopeID
	if err := o.stores.Traces.Save(ctx, ev.trace); err != nil {
		return nil, err
	}

	env := &schema.ActionEnvelope{
		ID:               envelopeID,
		Version:          1,
		Status:           schema.EnvelopeProposed,
		PrincipalID:      req.ActorID,
		OrganizationID:   req.OrganizationID,
		ActionType:       req.Action.ActionType,
		Parameters:       req.Action.Parameters,
		CartridgeID:      manifest.ID,
		ProposalIDs:      []string{ev.proposal.ID},
		ResolvedEntities: resolved,
		DecisionIDs:      []string{ev.trace.ID},
		ParentEnvelopeID: req.ParentEnvelopeID,
		TraceID:          traceID,
		CreatedAt:        nowMs,
		UpdatedAt:        nowMs,
	}
	if err := o.stores.Envelopes.Save(ctx, env); err != nil {
		return nil, err
	}
	o.audit(ctx, audit.Event{
		EventType:      schema.EventActionProposed,
		ActorType:      req.ActorType,
		ActorID:        req.ActorID,
		EntityID:       entityID(req.Action.Parameters),
		RiskCategory:   traceCategory(ev.trace),
		Summary:        "proposed " + env.ActionType,
		Snapshot:       map[string]any{"parameters": env.Parameters},
		EnvelopeID:     env.ID,
		OrganizationID: env.OrganizationID,
		TraceID:        traceID,
	})

	o.activity.record(req.ActorID, entityID(req.Action.Parameters), manifest.ID, ev.exposure, now)

	switch {
	case ev.trace.FinalDecision == schema.DecisionDeny:
		if err := o.transition(ctx, env, schema.EnvelopeDenied); err != nil {
			return nil, err
		}
		o.audit(ctx, audit.Event{
			EventType:      schema.EventActionDenied,
			ActorType:      req.ActorType,
			ActorID:        req.ActorID,
			RiskCategory:   traceCategory(ev.trace),
			Summary:        "denied " + env.ActionType + ": " + ev.trace.Explanation,
			EnvelopeID:     env.ID,
			OrganizationID: env.OrganizationID,
			TraceID:        traceID,
		})
		o.observeDecision(schema.OutcomeDenied, manifest.ID, started, ev.trace)
		return &ExecuteResponse{
			Outcome:         schema.OutcomeDenied,
			EnvelopeID:      env.ID,
			TraceID:         traceID,
			DecisionTraceID: ev.trace.ID,
			Explanation:     ev.trace.Explanation,
		}, nil

	case ev.trace.ApprovalRequired == schema.ApprovalNone:
		result, err := o.runExecution(ctx, env, reg, req.ActorType)
		if err != nil {
			return nil, err
		}
		o.observeDecision(schema.OutcomeExecuted, manifest.ID, started, ev.trace)
		return &ExecuteResponse{
			Outcome:         schema.OutcomeExecuted,
			EnvelopeID:      env.ID,
			TraceID:         traceID,
			DecisionTraceID: ev.trace.ID,
			Result:          result,
			Explanation:     ev.trace.Explanation,
		}, nil

	default:
		apr, err := o.openApproval(ctx, env, ev, req)
		if err != nil {
			return nil, err
		}
		o.observeDecision(schema.OutcomePendingApproval, manifest.ID, started, ev.trace)
		return &ExecuteResponse{
			Outcome:           schema.OutcomePendingApproval,
			EnvelopeID:        env.ID,
			TraceID:           traceID,
			DecisionTraceID:   ev.trace.ID,
			ApprovalRequestID: apr.ID,
			Explanation:       ev.trace.Explanation,
		}, nil
	}
}

// Simulate runs routing, enrichment, and policy evaluation without
// creating an envelope, touching counters, or leaving audit traces.
func (o *Orchestrator) Simulate(ctx context.Context, req ExecuteRequest) (*schema.DecisionTrace, error) {
	if req.ActorID == "" || req.Action.ActionType == "" {
		return nil, schema.E(schema.KindValidation, "simulate request needs actorId and action.actionType")
	}
	if req.Action.Parameters == nil {
		req.Action.Parameters = map[string]any{}
	}
	reg, err := o.route(req.Action.ActionType)
	if err != nil {
		return nil, err
	}
	ev, err := o.evaluate(ctx, reg, "", req)
	if err != nil {
		return nil, err
	}
	return ev.trace, nil
}

// route finds the serving cartridge, falling back to prefix inference.
func (o *Orchestrator) route(actionType string) (*cartridge.Registration, error) {
	if reg, ok := o.registry.Route(actionType); ok {
		return reg, nil
	}
	if id, ok := o.registry.InferCartridgeID(actionType); ok {
		if reg, ok := o.registry.Get(id); ok {
			return reg, nil
		}
	}
	return nil, schema.E(schema.KindNeedsClarification,
		"no cartridge serves action type %q", actionType).
		WithDetails(map[string]any{"question": "Which system should perform " + actionType + "?"})
}

func (o *Orchestrator) resolveEntities(ctx context.Context, reg *cartridge.Registration, req ExecuteRequest) ([]schema.ResolvedEntity, error) {
	if len(req.EntityRefs) == 0 {
		return nil, nil
	}
	resolver, ok := reg.Cartridge.(cartridge.EntityResolver)
	if !ok {
		return nil, nil
	}
	resolved := make([]schema.ResolvedEntity, 0, len(req.EntityRefs))
	for _, ref := range req.EntityRefs {
		re, err := resolver.ResolveEntity(ctx, ref.Ref, ref.Type)
		if err != nil {
			return nil, err
		}
		switch re.Status {
		case schema.EntityAmbiguous:
			return nil, schema.E(schema.KindNeedsClarification,
				"entity reference %q is ambiguous", ref.Ref).
				WithDetails(map[string]any{
					"question":     "Which one did you mean by " + ref.Ref + "?",
					"alternatives": re.Alternatives,
				})
		case schema.EntityNotFound:
			return nil, schema.E(schema.KindNotFound, "entity %q not found", ref.Ref)
		}
		resolved = append(resolved, *re)
		if _, has := req.Action.Parameters["entityId"]; !has && re.EntityID != "" {
			req.Action.Parameters["entityId"] = re.EntityID
		}
	}
	return resolved, nil
}

// evaluated is the output of one policy evaluation pass.
type evaluated struct {
	proposal *schema.ActionProposal
	trace    *schema.DecisionTrace
	exposure float64
}

// evaluate assembles the evaluation context and runs the policy engine.
// Pure with respect to the envelope: nothing is persisted here.
func (o *Orchestrator) evaluate(ctx context.Context, reg *cartridge.Registration, envelopeID string, req ExecuteRequest) (*evaluated, error) {
	now := o.now()
	manifest := reg.Manifest
	call := cartridge.ActionCall{
		EnvelopeID:     envelopeID,
		ActionType:     req.Action.ActionType,
		Parameters:     req.Action.Parameters,
		OrganizationID: req.OrganizationID,
	}

	enrichment, err := reg.Cartridge.EnrichContext(ctx, call)
	if err != nil {
		return nil, err
	}
	riskIn, err := reg.Cartridge.RiskInput(ctx, call)
	if err != nil {
		return nil, err
	}

	resolvedIdentity, err := o.identities.Resolve(ctx, req.ActorID, identity.Query{
		ActionType:  req.Action.ActionType,
		CartridgeID: manifest.ID,
		Now:         now,
	})
	if err != nil {
		return nil, err
	}
	comp, err := o.competence.Get(ctx, req.ActorID, req.Action.ActionType)
	if err != nil {
		if !schema.IsKind(err, schema.KindNotFound) {
			return nil, err
		}
		comp = nil
	}

	exposure := 0.0
	if riskIn != nil {
		exposure = riskIn.Exposure.DollarsAtRisk
	}
	composite := o.activity.context(req.ActorID, entityID(req.Action.Parameters), manifest.ID, exposure, now)

	proposal := &schema.ActionProposal{
		ID:         schema.NewID("prp"),
		ActionType: req.Action.ActionType,
		Parameters: req.Action.Parameters,
		Confidence: req.Confidence,
	}
	trace, err := o.engine.Evaluate(ctx, policy.Input{
		Proposal:       proposal,
		CartridgeID:    manifest.ID,
		OrganizationID: req.OrganizationID,
		Identity:       resolvedIdentity,
		Competence:     comp,
		RiskInput:      riskIn,
		Composite:      composite,
		Guardrails:     reg.Cartridge.Guardrails(),
		Posture:        o.opts.Posture,
		EvalContext:    buildEvalContext(req, enrichment, riskIn, now),
		Now:            now,
	})
	if err != nil {
		return nil, err
	}
	return &evaluated{proposal: proposal, trace: trace, exposure: exposure}, nil
}

// openApproval freezes the action and routes it to approvers.
func (o *Orchestrator) openApproval(ctx context.Context, env *schema.ActionEnvelope, ev *evaluated, req ExecuteRequest) (*schema.ApprovalRequest, error) {
	category := traceCategory(ev.trace)
	apr, err := o.approvals.Create(ctx, approval.CreateSpec{
		EnvelopeID:     env.ID,
		OrganizationID: env.OrganizationID,
		Summary:        summarize(env.ActionType, env.Parameters),
		RiskCategory:   category,
		Requirement:    ev.trace.ApprovalRequired,
		BindingTuple: canonical.BindingTuple{
			ActionType:     env.ActionType,
			Parameters:     env.Parameters,
			PrincipalID:    env.PrincipalID,
			OrganizationID: env.OrganizationID,
			RiskCategory:   string(category),
		},
		EvidenceBundle: map[string]any{
			"proposalId":      ev.proposal.ID,
			"decisionTraceId": ev.trace.ID,
			"explanation":     ev.trace.Explanation,
			"message":         req.Message,
		},
		Approvers:        o.opts.DefaultApprovers,
		FallbackApprover: o.opts.FallbackApprover,
		EscalationDelay:  o.opts.EscalationDelay,
		TTL:              o.opts.ApprovalTTL,
	})
	if err != nil {
		return nil, err
	}
	env.ApprovalRequestIDs = append(env.ApprovalRequestIDs, apr.ID)
	if err := o.transition(ctx, env, schema.EnvelopePendingApproval); err != nil {
		return nil, err
	}
	o.audit(ctx, audit.Event{
		EventType:      schema.EventApprovalCreated,
		ActorType:      schema.PrincipalAgent,
		ActorID:        env.PrincipalID,
		RiskCategory:   category,
		Summary:        "approval requested for " + env.ActionType,
		Snapshot:       map[string]any{"bindingHash": apr.BindingHash, "approvers": apr.Approvers},
		EnvelopeID:     env.ID,
		OrganizationID: env.OrganizationID,
		TraceID:        env.TraceID,
	})
	o.notify(func() error { return o.notifier.ApprovalRequested(ctx, apr, env) })
	return apr, nil
}

// runExecution performs the side effect under the execution guard and
// settles the envelope.
func (o *Orchestrator) runExecution(ctx context.Context, env *schema.ActionEnvelope, reg *cartridge.Registration, actorType schema.PrincipalType) (*schema.ExecuteResult, error) {
	if err := o.transition(ctx, env, schema.EnvelopeExecuting); err != nil {
		return nil, err
	}
	now := o.now()
	start := now

	// Rate and cooldown accounting covers attempts, not just successes:
	// a failing principal burns its budget too.
	o.recordGuardrails(ctx, env, now)

	call := cartridge.ActionCall{
		EnvelopeID:     env.ID,
		ActionType:     env.ActionType,
		Parameters:     env.Parameters,
		OrganizationID: env.OrganizationID,
	}
	result, execErr := o.executor.Execute(ctx, reg, call)
	if o.metrics != nil {
		o.metrics.RecordExecution(env.CartridgeID, execErr == nil && result != nil && result.Success, o.now().Sub(start))
	}
	if execErr != nil {
		result = &schema.ExecuteResult{
			Success: false,
			Summary: execErr.Error(),
		}
	}
	if result.ID == "" {
		result.ID = schema.NewID("res")
	}
	result.EnvelopeID = env.ID
	if result.CreatedAt == 0 {
		result.CreatedAt = o.now().UnixMilli()
	}
	if result.DurationMs == 0 {
		result.DurationMs = o.now().Sub(start).Milliseconds()
	}
	if err := o.stores.Results.Save(ctx, result); err != nil {
		return nil, err
	}
	env.ExecutionResultIDs = append(env.ExecutionResultIDs, result.ID)

	if result.Success {
		if err := o.transition(ctx, env, schema.EnvelopeExecuted); err != nil {
			return nil, err
		}
		spendParam := reg.Cartridge.Guardrails().SpendParameter[env.ActionType]
		if amount := spendAmount(env.Parameters, spendParam); amount > 0 {
			if err := o.spend.RecordSpend(ctx, env.PrincipalID, amount, now); err != nil {
				o.logger.Warn("spend recording failed", "envelopeId", env.ID, "error", err)
			}
		}
		if _, err := o.competence.Record(ctx, env.PrincipalID, env.ActionType, competence.OutcomeSuccess); err != nil {
			o.logger.Warn("competence update failed", "envelopeId", env.ID, "error", err)
		}
		o.audit(ctx, audit.Event{
			EventType:    schema.EventActionExecuted,
			ActorType:    actorType,
			ActorID:      env.PrincipalID,
			EntityID:     entityID(env.Parameters),
			Summary:      result.Summary,
			Snapshot:     map[string]any{"parameters": env.Parameters, "externalRefs": result.ExternalRefs},
			EnvelopeID:   env.ID,
			OrganizationID: env.OrganizationID,
			TraceID:      env.TraceID,
		})
		return result, nil
	}

	if err := o.transition(ctx, env, schema.EnvelopeFailed); err != nil {
		return nil, err
	}
	if _, err := o.competence.Record(ctx, env.PrincipalID, env.ActionType, competence.OutcomeFailure); err != nil {
		o.logger.Warn("competence update failed", "envelopeId", env.ID, "error", err)
	}
	o.audit(ctx, audit.Event{
		EventType:      schema.EventActionFailed,
		ActorType:      actorType,
		ActorID:        env.PrincipalID,
		EntityID:       entityID(env.Parameters),
		Summary:        "execution failed: " + result.Summary,
		EnvelopeID:     env.ID,
		OrganizationID: env.OrganizationID,
		TraceID:        env.TraceID,
	})
	return result, nil
}

func (o *Orchestrator) recordGuardrails(ctx context.Context, env *schema.ActionEnvelope, now time.Time) {
	eid := entityID(env.Parameters)
	if err := o.guardState.RecordAction(ctx, env.PrincipalID, eid, now); err != nil {
		o.logger.Warn("guardrail recording failed", "envelopeId", env.ID, "error", err)
	}
	if err := o.guardState.RecordAction(ctx, env.PrincipalID+"|"+env.ActionType, "", now); err != nil {
		o.logger.Warn("guardrail recording failed", "envelopeId", env.ID, "error", err)
	}
}

// transition moves the envelope forward with an optimistic version bump.
func (o *Orchestrator) transition(ctx context.Context, env *schema.ActionEnvelope, to schema.EnvelopeStatus) error {
	if !schema.CanTransition(env.Status, to) {
		return schema.E(schema.KindValidation,
			"envelope %s cannot move %s → %s", env.ID, env.Status, to)
	}
	env.Status = to
	env.Version++
	env.UpdatedAt = o.now().UnixMilli()
	return o.stores.Envelopes.Update(ctx, env)
}

// replay answers an idempotent retry from the stored envelope.
func (o *Orchestrator) replay(ctx context.Context, envelopeID string) (*ExecuteResponse, error) {
	env, err := o.stores.Envelopes.Get(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	resp := &ExecuteResponse{
		EnvelopeID: env.ID,
		TraceID:    env.TraceID,
		Replayed:   true,
	}
	if n := len(env.DecisionIDs); n > 0 {
		resp.DecisionTraceID = env.DecisionIDs[n-1]
	}
	switch env.Status {
	case schema.EnvelopeDenied:
		resp.Outcome = schema.OutcomeDenied
	case schema.EnvelopePendingApproval, schema.EnvelopeApproved, schema.EnvelopeProposed:
		resp.Outcome = schema.OutcomePendingApproval
		if n := len(env.ApprovalRequestIDs); n > 0 {
			resp.ApprovalRequestID = env.ApprovalRequestIDs[n-1]
		}
	default:
		resp.Outcome = schema.OutcomeExecuted
		if n := len(env.ExecutionResultIDs); n > 0 {
			if result, err := o.stores.Results.Get(ctx, env.ExecutionResultIDs[n-1]); err == nil {
				resp.Result = result
			}
		}
	}
	return resp, nil
}

func (o *Orchestrator) audit(ctx context.Context, ev audit.Event) {
	if _, err := o.ledger.Record(ctx, ev); err != nil {
		o.logger.Error("audit append failed", "event", ev.EventType, "envelopeId", ev.EnvelopeID, "error", err)
		return
	}
	if o.metrics != nil {
		o.metrics.RecordAuditEntry(string(ev.EventType))
	}
}

func (o *Orchestrator) observeDecision(outcome schema.Outcome, cartridgeID string, started time.Time, trace *schema.DecisionTrace) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordDecision(string(outcome), cartridgeID, o.now().Sub(started))
	if trace != nil && trace.ComputedRiskScore != nil {
		o.metrics.RecordRiskScore(string(trace.ComputedRiskScore.Category), trace.ComputedRiskScore.RawScore)
	}
}

func (o *Orchestrator) notify(fn func() error) {
	if o.notifier == nil {
		return
	}
	if err := fn(); err != nil {
		o.logger.Warn("notification failed", "error", err)
	}
}

// ── helpers ──────────────────────────────────────────────────────────────

func buildEvalContext(req ExecuteRequest, enrichment map[string]any, riskIn *schema.RiskInput, now time.Time) map[string]any {
	utc := now.UTC()
	ctx := map[string]any{
		"action": map[string]any{
			"actionType": req.Action.ActionType,
			"sideEffect": req.Action.SideEffect,
			"magnitude":  req.Action.Magnitude,
		},
		"parameters": req.Action.Parameters,
		"principal": map[string]any{
			"id":             req.ActorID,
			"type":           string(req.ActorType),
			"organizationId": req.OrganizationID,
		},
		"time": map[string]any{
			"hour":    utc.Hour(),
			"weekday": strings.ToLower(utc.Weekday().String()),
		},
	}
	if riskIn != nil {
		ctx["risk"] = map[string]any{
			"baseRisk":      string(riskIn.BaseRisk),
			"reversibility": string(riskIn.Reversibility),
			"dollarsAtRisk": riskIn.Exposure.DollarsAtRisk,
			"blastRadius":   riskIn.Exposure.BlastRadius,
		}
	}
	if len(enrichment) > 0 {
		ctx["enrichment"] = enrichment
	}
	return ctx
}

func entityID(params map[string]any) string {
	id, _ := params["entityId"].(string)
	return id
}

// spendAmount prefers the cartridge's declared spend parameter and
// falls back to the conventional keys.
func spendAmount(params map[string]any, declared string) float64 {
	keys := []string{"amount", "budgetChange"}
	if declared != "" {
		keys = append([]string{declared}, keys...)
	}
	for _, key := range keys {
		if v, ok := params[key]; ok {
			if f, ok := toFloat(v); ok {
				return math.Abs(f)
			}
		}
	}
	return 0
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
	}
	return 0, false
}

func traceCategory(t *schema.DecisionTrace) schema.RiskCategory {
	if t.ComputedRiskScore != nil {
		return t.ComputedRiskScore.Category
	}
	return schema.RiskMedium
}

func summarize(actionType string, params map[string]any) string {
	if id := entityID(params); id != "" {
		return actionType + " on " + id
	}
	return actionType
}
