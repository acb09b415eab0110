package schema

// ApprovalStatus is the state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalPatched   ApprovalStatus = "patched"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// TerminalApproval reports whether the status admits no further responses.
func (s ApprovalStatus) TerminalApproval() bool {
	return s != ApprovalPending
}

// ExpiredBehavior says what an expired request counts as.
type ExpiredBehavior string

const (
	ExpiredDeny  ExpiredBehavior = "deny"
	ExpiredAllow ExpiredBehavior = "allow"
)

// ApprovalAction is a responder's verb.
type ApprovalAction string

const (
	ActionApprove ApprovalAction = "approve"
	ActionReject  ApprovalAction = "reject"
	ActionPatch   ApprovalAction = "patch"
)

// ApprovalRequest routes a held action to human approvers. BindingHash is
// the canonical hash of the frozen {actionType, parameters, principalId,
// organizationId, riskCategory} tuple; any patch produces a new request
// with a fresh hash, so stale responses cannot commit.
type ApprovalRequest struct {
	ID                string         `json:"id"`
	EnvelopeID        string         `json:"envelopeId"`
	OrganizationID    string         `json:"organizationId,omitempty"`
	Summary           string         `json:"summary"`
	RiskCategory      RiskCategory   `json:"riskCategory"`
	Requirement       ApprovalRequirement `json:"requirement"`
	BindingHash       string         `json:"bindingHash"`
	EvidenceBundle    map[string]any `json:"evidenceBundle,omitempty"`
	Approvers         []string       `json:"approvers"`
	FallbackApprover  string         `json:"fallbackApprover,omitempty"`
	EscalationDelayMs int64          `json:"escalationDelayMs,omitempty"`
	ExpiresAt         int64          `json:"expiresAt"`
	ExpiredBehavior   ExpiredBehavior `json:"expiredBehavior"`
	Status            ApprovalStatus `json:"status"`
	RespondedBy       string         `json:"respondedBy,omitempty"`
	RespondedAt       int64          `json:"respondedAt,omitempty"`
	PatchValue        map[string]any `json:"patchValue,omitempty"`
	SupersededByID    string         `json:"supersededById,omitempty"`
	Version           int            `json:"version"`
	CreatedAt         int64          `json:"createdAt"`
}

// CanRespond reports whether who may respond at time nowMs. Listed
// approvers may respond at any point before expiry; the fallback approver
// only after the escalation delay (measured from creation) has elapsed.
func (r *ApprovalRequest) CanRespond(who string, nowMs int64) bool {
	for _, a := range r.Approvers {
		if a == who {
			return true
		}
	}
	if r.FallbackApprover != "" && who == r.FallbackApprover {
		return nowMs >= r.CreatedAt+r.EscalationDelayMs
	}
	return false
}
