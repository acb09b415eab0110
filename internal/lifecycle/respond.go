package lifecycle

import (
	"context"
	"time"

	"github.com/switchboard/backend/internal/approval"
	"github.com/switchboard/backend/internal/audit"
	"github.com/switchboard/backend/internal/canonical"
	"github.com/switchboard/backend/internal/competence"
	"github.com/switchboard/backend/internal/schema"
)

// RespondToApproval applies a responder's verdict and drives the
// envelope onward: approved executes, rejected denies, patched
// re-evaluates the new parameters under a successor request.
func (o *Orchestrator) RespondToApproval(ctx context.Context, resp approval.Response) (*ExecuteResponse, error) {
	req, err := o.stores.Approvals.Get(ctx, resp.RequestID)
	if err != nil {
		return nil, err
	}
	env, err := o.stores.Envelopes.Get(ctx, req.EnvelopeID)
	if err != nil {
		return nil, err
	}

	var patchedTuple *canonical.BindingTuple
	if resp.Verdict == approval.VerdictPatch {
		if len(resp.PatchValue) == 0 {
			return nil, schema.E(schema.KindValidation, "patch response carries no parameters")
		}
		reg, err := o.route(env.ActionType)
		if err != nil {
			return nil, err
		}
		if def, ok := reg.Manifest.Action(env.ActionType); ok {
			if err := def.ValidateParameters(resp.PatchValue); err != nil {
				return nil, err
			}
		}
		patchedTuple = &canonical.BindingTuple{
			ActionType:     env.ActionType,
			Parameters:     resp.PatchValue,
			PrincipalID:    env.PrincipalID,
			OrganizationID: env.OrganizationID,
			RiskCategory:   string(req.RiskCategory),
		}
	}

	updated, successor, err := o.approvals.Respond(ctx, resp, patchedTuple)
	if err != nil {
		return nil, err
	}
	o.audit(ctx, audit.Event{
		EventType:      schema.EventApprovalResolved,
		ActorType:      schema.PrincipalUser,
		ActorID:        resp.RespondedBy,
		RiskCategory:   updated.RiskCategory,
		Summary:        "approval " + string(updated.Status) + " by " + resp.RespondedBy,
		Snapshot:       map[string]any{"requestId": updated.ID, "comment": resp.Comment},
		EnvelopeID:     env.ID,
		OrganizationID: env.OrganizationID,
		TraceID:        env.TraceID,
	})
	o.notify(func() error { return o.notifier.ApprovalResolved(ctx, updated) })

	switch updated.Status {
	case schema.ApprovalApproved:
		return o.ExecuteApproved(ctx, env.ID)

	case schema.ApprovalRejected:
		if err := o.transition(ctx, env, schema.EnvelopeDenied); err != nil {
			return nil, err
		}
		o.audit(ctx, audit.Event{
			EventType:      schema.EventActionDenied,
			ActorType:      schema.PrincipalUser,
			ActorID:        resp.RespondedBy,
			Summary:        "rejected " + env.ActionType,
			EnvelopeID:     env.ID,
			OrganizationID: env.OrganizationID,
			TraceID:        env.TraceID,
		})
		return &ExecuteResponse{
			Outcome:     schema.OutcomeDenied,
			EnvelopeID:  env.ID,
			TraceID:     env.TraceID,
			Explanation: "rejected by " + resp.RespondedBy,
		}, nil

	case schema.ApprovalPatched:
		return o.applyPatch(ctx, env, updated, successor, resp)

	default:
		return nil, schema.E(schema.KindFatal, "unexpected approval status %s", updated.Status)
	}
}

// applyPatch re-runs the evaluation pipeline over the patched
// parameters. The successor request keeps the envelope held unless the
// fresh evaluation denies outright or clears the action entirely.
func (o *Orchestrator) applyPatch(ctx context.Context, env *schema.ActionEnvelope, patched, successor *schema.ApprovalRequest, resp approval.Response) (*ExecuteResponse, error) {
	reg, err := o.route(env.ActionType)
	if err != nil {
		return nil, err
	}
	env.Parameters = resp.PatchValue
	env.ApprovalRequestIDs = append(env.ApprovalRequestIDs, successor.ID)

	ev, err := o.evaluate(ctx, reg, env.ID, ExecuteRequest{
		ActorID:        env.PrincipalID,
		OrganizationID: env.OrganizationID,
		Action:         ActionSpec{ActionType: env.ActionType, Parameters: resp.PatchValue},
	})
	if err != nil {
		return nil, err
	}
	ev.trace.EnvelopeID = env.ID
	if err := o.stores.Traces.Save(ctx, ev.trace); err != nil {
		return nil, err
	}
	env.DecisionIDs = append(env.DecisionIDs, ev.trace.ID)

	switch {
	case ev.trace.FinalDecision == schema.DecisionDeny:
		if _, err := o.approvals.Cancel(ctx, successor.ID); err != nil {
			o.logger.Warn("successor cancel failed", "requestId", successor.ID, "error", err)
		}
		if err := o.transition(ctx, env, schema.EnvelopeDenied); err != nil {
			return nil, err
		}
		o.audit(ctx, audit.Event{
			EventType:      schema.EventActionDenied,
			ActorType:      schema.PrincipalUser,
			ActorID:        resp.RespondedBy,
			Summary:        "patched parameters denied: " + ev.trace.Explanation,
			EnvelopeID:     env.ID,
			OrganizationID: env.OrganizationID,
			TraceID:        env.TraceID,
		})
		return &ExecuteResponse{
			Outcome:         schema.OutcomeDenied,
			EnvelopeID:      env.ID,
			TraceID:         env.TraceID,
			DecisionTraceID: ev.trace.ID,
			Explanation:     ev.trace.Explanation,
		}, nil

	case ev.trace.ApprovalRequired == schema.ApprovalNone:
		if _, err := o.approvals.Cancel(ctx, successor.ID); err != nil {
			o.logger.Warn("successor cancel failed", "requestId", successor.ID, "error", err)
		}
		result, err := o.runExecution(ctx, env, reg, schema.PrincipalAgent)
		if err != nil {
			return nil, err
		}
		return &ExecuteResponse{
			Outcome:         schema.OutcomeExecuted,
			EnvelopeID:      env.ID,
			TraceID:         env.TraceID,
			DecisionTraceID: ev.trace.ID,
			Result:          result,
		}, nil

	default:
		env.Version++
		env.UpdatedAt = o.now().UnixMilli()
		if err := o.stores.Envelopes.Update(ctx, env); err != nil {
			return nil, err
		}
		o.notify(func() error { return o.notifier.ApprovalRequested(ctx, successor, env) })
		return &ExecuteResponse{
			Outcome:           schema.OutcomePendingApproval,
			EnvelopeID:        env.ID,
			TraceID:           env.TraceID,
			DecisionTraceID:   ev.trace.ID,
			ApprovalRequestID: successor.ID,
			Explanation:       ev.trace.Explanation,
		}, nil
	}
}

// ExecuteApproved runs an envelope whose approval came through.
func (o *Orchestrator) ExecuteApproved(ctx context.Context, envelopeID string) (*ExecuteResponse, error) {
	env, err := o.stores.Envelopes.Get(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	if env.Status == schema.EnvelopePendingApproval {
		if err := o.transition(ctx, env, schema.EnvelopeApproved); err != nil {
			return nil, err
		}
	}
	if env.Status != schema.EnvelopeApproved {
		return nil, schema.E(schema.KindValidation,
			"envelope %s is %s, not approved", env.ID, env.Status)
	}
	reg, err := o.route(env.ActionType)
	if err != nil {
		return nil, err
	}
	result, err := o.runExecution(ctx, env, reg, schema.PrincipalAgent)
	if err != nil {
		return nil, err
	}
	outcome := schema.OutcomeExecuted
	return &ExecuteResponse{
		Outcome:    outcome,
		EnvelopeID: env.ID,
		TraceID:    env.TraceID,
		Result:     result,
	}, nil
}

// RequestUndo synthesizes the reverse action from the executed
// envelope's undo recipe and feeds it back through Execute.
func (o *Orchestrator) RequestUndo(ctx context.Context, envelopeID, actorID string) (*ExecuteResponse, error) {
	env, err := o.stores.Envelopes.Get(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	if env.Status != schema.EnvelopeExecuted {
		return nil, schema.E(schema.KindValidation,
			"envelope %s is %s; only executed envelopes can be undone", env.ID, env.Status)
	}
	recipe, err := o.latestUndoRecipe(ctx, env)
	if err != nil {
		return nil, err
	}
	if o.now().UnixMilli() > recipe.UndoExpiresAt {
		return nil, schema.E(schema.KindValidation,
			"undo window for envelope %s closed at %s", env.ID,
			time.UnixMilli(recipe.UndoExpiresAt).UTC().Format(time.RFC3339))
	}

	resp, err := o.Execute(ctx, ExecuteRequest{
		ActorID:          actorID,
		ActorType:        schema.PrincipalUser,
		OrganizationID:   env.OrganizationID,
		Action:           ActionSpec{ActionType: recipe.ActionType, Parameters: recipe.Parameters, SideEffect: true},
		TraceID:          env.TraceID,
		IdempotencyKey:   "undo:" + env.ID,
		ParentEnvelopeID: env.ID,
	})
	if err != nil {
		return nil, err
	}
	if resp.Outcome == schema.OutcomeExecuted && resp.Result != nil && resp.Result.Success {
		if err := o.transition(ctx, env, schema.EnvelopeUndone); err != nil {
			return nil, err
		}
		if _, err := o.competence.Record(ctx, env.PrincipalID, env.ActionType, competence.OutcomeRollback); err != nil {
			o.logger.Warn("competence update failed", "envelopeId", env.ID, "error", err)
		}
		o.audit(ctx, audit.Event{
			EventType:      schema.EventActionUndone,
			ActorType:      schema.PrincipalUser,
			ActorID:        actorID,
			Summary:        "undid " + env.ActionType + " via " + recipe.ActionType,
			Snapshot:       map[string]any{"reverseEnvelopeId": resp.EnvelopeID},
			EnvelopeID:     env.ID,
			OrganizationID: env.OrganizationID,
			TraceID:        env.TraceID,
		})
	}
	return resp, nil
}

func (o *Orchestrator) latestUndoRecipe(ctx context.Context, env *schema.ActionEnvelope) (*schema.UndoRecipe, error) {
	for i := len(env.ExecutionResultIDs) - 1; i >= 0; i-- {
		result, err := o.stores.Results.Get(ctx, env.ExecutionResultIDs[i])
		if err != nil {
			return nil, err
		}
		if result.Success && result.UndoRecipe != nil {
			return result.UndoRecipe, nil
		}
	}
	return nil, schema.E(schema.KindValidation,
		"envelope %s has no undo recipe", env.ID)
}

// SweepApprovals expires overdue requests and applies each request's
// expiredBehavior to its envelope. Run periodically.
func (o *Orchestrator) SweepApprovals(ctx context.Context, organizationID string) error {
	expired, err := o.approvals.SweepExpired(ctx, organizationID)
	if err != nil {
		return err
	}
	for _, req := range expired {
		o.audit(ctx, audit.Event{
			EventType:      schema.EventApprovalExpired,
			ActorType:      schema.PrincipalUser,
			ActorID:        "system",
			Summary:        "approval expired, behavior " + string(req.ExpiredBehavior),
			EnvelopeID:     req.EnvelopeID,
			OrganizationID: req.OrganizationID,
		})
		env, err := o.stores.Envelopes.Get(ctx, req.EnvelopeID)
		if err != nil {
			o.logger.Warn("expired approval has no envelope", "requestId", req.ID, "error", err)
			continue
		}
		if env.Status != schema.EnvelopePendingApproval {
			continue
		}
		if req.ExpiredBehavior == schema.ExpiredAllow {
			if _, err := o.ExecuteApproved(ctx, env.ID); err != nil {
				o.logger.Error("expired-allow execution failed", "envelopeId", env.ID, "error", err)
			}
			continue
		}
		if err := o.transition(ctx, env, schema.EnvelopeDenied); err != nil {
			o.logger.Error("expiry denial failed", "envelopeId", env.ID, "error", err)
			continue
		}
		o.audit(ctx, audit.Event{
			EventType:      schema.EventActionDenied,
			ActorType:      schema.PrincipalUser,
			ActorID:        "system",
			Summary:        "denied " + env.ActionType + ": approval expired",
			EnvelopeID:     env.ID,
			OrganizationID: env.OrganizationID,
			TraceID:        env.TraceID,
		})
	}
	return nil
}

// RemindPending nudges approvers on requests older than age.
func (o *Orchestrator) RemindPending(ctx context.Context, organizationID string, age time.Duration) (int, error) {
	due, err := o.approvals.DueForReminder(ctx, organizationID, age)
	if err != nil {
		return 0, err
	}
	for _, req := range due {
		o.notify(func() error { return o.notifier.ApprovalReminder(ctx, req) })
		o.audit(ctx, audit.Event{
			EventType:      schema.EventApprovalReminded,
			ActorType:      schema.PrincipalUser,
			ActorID:        "system",
			Summary:        "reminder sent for pending approval",
			EnvelopeID:     req.EnvelopeID,
			OrganizationID: req.OrganizationID,
		})
	}
	return len(due), nil
}

// Remind triggers a reminder for one specific pending request.
func (o *Orchestrator) Remind(ctx context.Context, requestID string) error {
	req, err := o.stores.Approvals.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != schema.ApprovalPending {
		return schema.E(schema.KindValidation, "approval %s is %s, not pending", req.ID, req.Status)
	}
	o.notify(func() error { return o.notifier.ApprovalReminder(ctx, req) })
	o.audit(ctx, audit.Event{
		EventType:      schema.EventApprovalReminded,
		ActorType:      schema.PrincipalUser,
		ActorID:        "system",
		Summary:        "reminder sent for pending approval",
		EnvelopeID:     req.EnvelopeID,
		OrganizationID: req.OrganizationID,
	})
	return nil
}
