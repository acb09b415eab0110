package client

// Outcome constants returned by the governance spine.
const (
	// OutcomeExecuted — the action cleared the pipeline and ran.
	OutcomeExecuted = "EXECUTED"

	// OutcomePendingApproval — the action is frozen awaiting a human.
	OutcomePendingApproval = "PENDING_APPROVAL"

	// OutcomeDenied — the action was refused; nothing ran.
	OutcomeDenied = "DENIED"
)

// Action is one proposed side effect.
type Action struct {
	// ActionType is the namespaced operation (e.g. "ads.campaign.pause").
	ActionType string `json:"actionType"`

	// Parameters are the operation arguments.
	Parameters map[string]any `json:"parameters,omitempty"`

	// SideEffect marks the action as mutating the external system.
	SideEffect bool `json:"sideEffect"`

	// Magnitude optionally sizes the change for risk scoring.
	Magnitude float64 `json:"magnitude,omitempty"`
}

// EntityRef is a possibly-fuzzy reference the server resolves before
// evaluation ("the summer campaign" rather than an id).
type EntityRef struct {
	Ref  string `json:"ref"`
	Type string `json:"type,omitempty"`
}

// ExecuteRequest is the body of POST /api/execute and /api/simulate.
type ExecuteRequest struct {
	ActorID        string      `json:"actorId"`
	ActorType      string      `json:"actorType,omitempty"`
	OrganizationID string      `json:"organizationId,omitempty"`
	Action         Action      `json:"action"`
	EntityRefs     []EntityRef `json:"entityRefs,omitempty"`
	Message        string      `json:"message,omitempty"`
	TraceID        string      `json:"traceId,omitempty"`
	Confidence     float64     `json:"confidence,omitempty"`
}

// ExecuteResult is the cartridge's account of what happened.
type ExecuteResult struct {
	ID                string            `json:"id"`
	Success           bool              `json:"success"`
	Summary           string            `json:"summary,omitempty"`
	ExternalRefs      map[string]string `json:"externalRefs,omitempty"`
	RollbackAvailable bool              `json:"rollbackAvailable,omitempty"`
}

// Decision is the synchronous answer to an execute call.
type Decision struct {
	// Outcome is EXECUTED, PENDING_APPROVAL, or DENIED.
	Outcome string `json:"outcome"`

	// EnvelopeID tracks the action through its lifecycle; keep it to
	// poll, execute after approval, or request an undo.
	EnvelopeID string `json:"envelopeId"`

	TraceID         string `json:"traceId,omitempty"`
	DecisionTraceID string `json:"decisionTraceId,omitempty"`

	// ApprovalRequestID is set when the outcome is PENDING_APPROVAL.
	ApprovalRequestID string `json:"approvalRequestId,omitempty"`

	Result      *ExecuteResult `json:"result,omitempty"`
	Explanation string         `json:"explanation,omitempty"`

	// Replayed marks an idempotent retry answered from the original run.
	Replayed bool `json:"replayed,omitempty"`
}

// ApprovalRequest is a pending (or settled) human review.
type ApprovalRequest struct {
	ID             string         `json:"id"`
	EnvelopeID     string         `json:"envelopeId"`
	OrganizationID string         `json:"organizationId,omitempty"`
	Summary        string         `json:"summary,omitempty"`
	RiskCategory   string         `json:"riskCategory,omitempty"`
	BindingHash    string         `json:"bindingHash"`
	EvidenceBundle map[string]any `json:"evidenceBundle,omitempty"`
	Approvers      []string       `json:"approvers,omitempty"`
	Status         string         `json:"status"`
	Version        int            `json:"version"`
	ExpiresAt      int64          `json:"expiresAt,omitempty"`
	CreatedAt      int64          `json:"createdAt,omitempty"`
}

// Response is a reviewer's verdict on an approval request. BindingHash
// must match the request's frozen hash for approve and patch; Version
// guards against concurrent responders.
type Response struct {
	Action      string         `json:"action"` // approve | reject | patch
	RespondedBy string         `json:"respondedBy"`
	BindingHash string         `json:"bindingHash,omitempty"`
	PatchValue  map[string]any `json:"patchValue,omitempty"`
	Version     int            `json:"version,omitempty"`
	Comment     string         `json:"comment,omitempty"`
}

// Envelope is the server-side record of one action's lifecycle.
type Envelope struct {
	ID                 string         `json:"id"`
	Version            int            `json:"version"`
	Status             string         `json:"status"`
	PrincipalID        string         `json:"principalId"`
	OrganizationID     string         `json:"organizationId,omitempty"`
	ActionType         string         `json:"actionType"`
	Parameters         map[string]any `json:"parameters,omitempty"`
	CartridgeID        string         `json:"cartridgeId,omitempty"`
	ApprovalRequestIDs []string       `json:"approvalRequestIds,omitempty"`
	ParentEnvelopeID   string         `json:"parentEnvelopeId,omitempty"`
	TraceID            string         `json:"traceId,omitempty"`
	CreatedAt          int64          `json:"createdAt,omitempty"`
	UpdatedAt          int64          `json:"updatedAt,omitempty"`
}

// VerifyResult reports an audit chain verification pass.
type VerifyResult struct {
	Entries        int   `json:"entries"`
	ChainBreakAt   int   `json:"chainBreakAt"`
	HashMismatches []int `json:"hashMismatches,omitempty"`
}

// Intact reports whether the chain linked cleanly end to end.
func (v VerifyResult) Intact() bool {
	return v.ChainBreakAt < 0 && len(v.HashMismatches) == 0
}
