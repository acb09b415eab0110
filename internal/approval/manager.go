// Package approval implements the pending → {approved, rejected,
// patched, expired, cancelled} state machine with binding-hash
// integrity and optimistic versioning. The manager owns the state
// transitions; execution of an approved action stays with the
// orchestrator.
package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/switchboard/backend/internal/canonical"
	"github.com/switchboard/backend/internal/schema"
	"github.com/switchboard/backend/internal/store"
)

// Verdict is what a responder wants to do with a pending request.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
	VerdictPatch   Verdict = "patch"
)

// Response is one responder's answer to a pending request.
type Response struct {
	RequestID   string
	Verdict     Verdict
	BindingHash string
	RespondedBy string
	Version     int
	// PatchValue replaces the action parameters when Verdict is patch.
	PatchValue map[string]any
	// Comment is carried into the audit evidence bundle.
	Comment string
}

// CreateSpec carries everything needed to open a new request.
type CreateSpec struct {
	EnvelopeID      string
	OrganizationID  string
	Summary         string
	RiskCategory    schema.RiskCategory
	Requirement     schema.ApprovalRequirement
	BindingTuple    canonical.BindingTuple
	EvidenceBundle  map[string]any
	Approvers       []string
	FallbackApprover string
	EscalationDelay time.Duration
	TTL             time.Duration
	ExpiredBehavior schema.ExpiredBehavior
}

// Manager creates and transitions approval requests.
type Manager struct {
	approvals store.ApprovalStore
	logger    *slog.Logger
	now       func() time.Time
}

func NewManager(approvals store.ApprovalStore) *Manager {
	return &Manager{
		approvals: approvals,
		logger:    slog.With("component", "approvals"),
		now:       time.Now,
	}
}

// SetClock overrides the manager's time source. Tests use it to drive
// escalation and expiry deterministically.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Create opens a pending request bound to the frozen action tuple.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (*schema.ApprovalRequest, error) {
	if len(spec.Approvers) == 0 {
		return nil, schema.E(schema.KindValidation, "approval request needs at least one approver")
	}
	hash, err := canonical.BindingHash(spec.BindingTuple)
	if err != nil {
		return nil, err
	}
	now := m.now()
	ttl := spec.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	behavior := spec.ExpiredBehavior
	if behavior == "" {
		behavior = schema.ExpiredDeny
	}
	req := &schema.ApprovalRequest{
		ID:                schema.NewID("apr"),
		EnvelopeID:        spec.EnvelopeID,
		OrganizationID:    spec.OrganizationID,
		Summary:           spec.Summary,
		RiskCategory:      spec.RiskCategory,
		Requirement:       spec.Requirement,
		BindingHash:       hash,
		EvidenceBundle:    spec.EvidenceBundle,
		Approvers:         spec.Approvers,
		FallbackApprover:  spec.FallbackApprover,
		EscalationDelayMs: spec.EscalationDelay.Milliseconds(),
		ExpiresAt:         now.Add(ttl).UnixMilli(),
		ExpiredBehavior:   behavior,
		Status:            schema.ApprovalPending,
		Version:           1,
		CreatedAt:         now.UnixMilli(),
	}
	if err := m.approvals.Save(ctx, req); err != nil {
		return nil, err
	}
	m.logger.Info("approval request created",
		"requestId", req.ID, "envelopeId", req.EnvelopeID, "risk", req.RiskCategory)
	return req, nil
}

// Respond applies a responder's verdict. On patch, a fresh pending
// request with a new binding hash is created and returned as the second
// value; the original is marked patched and superseded.
func (m *Manager) Respond(ctx context.Context, resp Response, patchedTuple *canonical.BindingTuple) (*schema.ApprovalRequest, *schema.ApprovalRequest, error) {
	req, err := m.approvals.Get(ctx, resp.RequestID)
	if err != nil {
		return nil, nil, err
	}
	nowMs := m.now().UnixMilli()

	if req.Status != schema.ApprovalPending {
		return nil, nil, schema.E(schema.KindValidation,
			"approval %s is %s, not pending", req.ID, req.Status)
	}
	if req.Version != resp.Version {
		return nil, nil, schema.E(schema.KindStaleVersion,
			"approval %s is at version %d, response targeted %d", req.ID, req.Version, resp.Version)
	}
	if nowMs >= req.ExpiresAt {
		// Late responses lose to the clock; the sweeper owns the expiry
		// transition.
		return nil, nil, schema.E(schema.KindValidation, "approval %s has expired", req.ID)
	}
	if !req.CanRespond(resp.RespondedBy, nowMs) {
		return nil, nil, schema.E(schema.KindForbidden,
			"%s may not respond to approval %s", resp.RespondedBy, req.ID)
	}
	// Rejections stand on their own; approve and patch must prove they
	// saw the exact frozen action.
	if resp.Verdict != VerdictReject && resp.BindingHash != req.BindingHash {
		return nil, nil, schema.E(schema.KindBindingMismatch,
			"stale binding hash on approval %s: the action changed since this request was issued", req.ID)
	}

	switch resp.Verdict {
	case VerdictApprove:
		req.Status = schema.ApprovalApproved
	case VerdictReject:
		req.Status = schema.ApprovalRejected
	case VerdictPatch:
		if patchedTuple == nil {
			return nil, nil, schema.E(schema.KindValidation, "patch response carries no patched action")
		}
		req.Status = schema.ApprovalPatched
		req.PatchValue = resp.PatchValue
	default:
		return nil, nil, schema.E(schema.KindValidation, "unknown verdict %q", resp.Verdict)
	}
	req.RespondedBy = resp.RespondedBy
	req.RespondedAt = nowMs

	var successor *schema.ApprovalRequest
	if resp.Verdict == VerdictPatch {
		successor, err = m.Create(ctx, CreateSpec{
			EnvelopeID:       req.EnvelopeID,
			OrganizationID:   req.OrganizationID,
			Summary:          req.Summary + " (patched)",
			RiskCategory:     req.RiskCategory,
			Requirement:      req.Requirement,
			BindingTuple:     *patchedTuple,
			EvidenceBundle:   req.EvidenceBundle,
			Approvers:        req.Approvers,
			FallbackApprover: req.FallbackApprover,
			EscalationDelay:  time.Duration(req.EscalationDelayMs) * time.Millisecond,
			TTL:              time.Until(time.UnixMilli(req.ExpiresAt)),
			ExpiredBehavior:  req.ExpiredBehavior,
		})
		if err != nil {
			return nil, nil, err
		}
		req.SupersededByID = successor.ID
	}

	if err := m.approvals.UpdateState(ctx, req, resp.Version); err != nil {
		return nil, nil, err
	}
	m.logger.Info("approval resolved",
		"requestId", req.ID, "status", req.Status, "by", req.RespondedBy)
	return req, successor, nil
}

// Cancel moves a non-terminal request to cancelled, typically because
// its envelope was cancelled.
func (m *Manager) Cancel(ctx context.Context, requestID string) (*schema.ApprovalRequest, error) {
	req, err := m.approvals.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != schema.ApprovalPending {
		return nil, schema.E(schema.KindValidation,
			"approval %s is %s and cannot be cancelled", req.ID, req.Status)
	}
	version := req.Version
	req.Status = schema.ApprovalCancelled
	if err := m.approvals.UpdateState(ctx, req, version); err != nil {
		return nil, err
	}
	return req, nil
}

// SweepExpired transitions every pending request past its deadline to
// expired and returns them so the orchestrator can apply each request's
// expiredBehavior. CAS losers are skipped: someone responded first.
func (m *Manager) SweepExpired(ctx context.Context, organizationID string) ([]*schema.ApprovalRequest, error) {
	pending, err := m.approvals.ListPending(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	nowMs := m.now().UnixMilli()
	var expired []*schema.ApprovalRequest
	for _, req := range pending {
		if nowMs < req.ExpiresAt {
			continue
		}
		version := req.Version
		req.Status = schema.ApprovalExpired
		if err := m.approvals.UpdateState(ctx, req, version); err != nil {
			if schema.IsKind(err, schema.KindStaleVersion) {
				continue
			}
			return expired, err
		}
		m.logger.Info("approval expired",
			"requestId", req.ID, "behavior", req.ExpiredBehavior)
		expired = append(expired, req)
	}
	return expired, nil
}

// DueForReminder lists pending requests older than age with at least
// remaining time left, for the reminder loop.
func (m *Manager) DueForReminder(ctx context.Context, organizationID string, age time.Duration) ([]*schema.ApprovalRequest, error) {
	pending, err := m.approvals.ListPending(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	cutoff := m.now().Add(-age).UnixMilli()
	nowMs := m.now().UnixMilli()
	var due []*schema.ApprovalRequest
	for _, req := range pending {
		if req.CreatedAt <= cutoff && nowMs < req.ExpiresAt {
			due = append(due, req)
		}
	}
	return due, nil
}
