package schema

// EnvelopeStatus is the lifecycle state of an ActionEnvelope. Transitions
// are monotonic: proposed → {denied | pending_approval → {approved →
// executing → {executed|failed} | denied | cancelled}}; an executed
// envelope may later become undone.
type EnvelopeStatus string

const (
	EnvelopeProposed        EnvelopeStatus = "proposed"
	EnvelopePendingApproval EnvelopeStatus = "pending_approval"
	EnvelopeApproved        EnvelopeStatus = "approved"
	EnvelopeDenied          EnvelopeStatus = "denied"
	EnvelopeExecuting       EnvelopeStatus = "executing"
	EnvelopeExecuted        EnvelopeStatus = "executed"
	EnvelopeFailed          EnvelopeStatus = "failed"
	EnvelopeUndone          EnvelopeStatus = "undone"
)

// Terminal reports whether the status admits no further transitions.
// executed is terminal for the lifecycle but may still flip to undone.
func (s EnvelopeStatus) Terminal() bool {
	switch s {
	case EnvelopeDenied, EnvelopeFailed, EnvelopeUndone:
		return true
	}
	return false
}

var envelopeTransitions = map[EnvelopeStatus][]EnvelopeStatus{
	EnvelopeProposed:        {EnvelopeDenied, EnvelopePendingApproval, EnvelopeExecuting},
	EnvelopePendingApproval: {EnvelopeApproved, EnvelopeDenied},
	EnvelopeApproved:        {EnvelopeExecuting},
	EnvelopeExecuting:       {EnvelopeExecuted, EnvelopeFailed},
	EnvelopeExecuted:        {EnvelopeUndone},
}

// CanTransition reports whether from → to is a legal status move.
func CanTransition(from, to EnvelopeStatus) bool {
	for _, next := range envelopeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EntityRef is a caller-supplied reference a cartridge must resolve.
type EntityRef struct {
	Ref  string `json:"ref"`
	Type string `json:"type,omitempty"`
}

// EntityResolution is a resolveEntity outcome.
type EntityResolution string

const (
	EntityResolved  EntityResolution = "resolved"
	EntityAmbiguous EntityResolution = "ambiguous"
	EntityNotFound  EntityResolution = "not_found"
)

// ResolvedEntity records the outcome of resolving one EntityRef.
type ResolvedEntity struct {
	Ref          string           `json:"ref"`
	Type         string           `json:"type,omitempty"`
	Status       EntityResolution `json:"status"`
	EntityID     string           `json:"entityId,omitempty"`
	Name         string           `json:"name,omitempty"`
	Alternatives []string         `json:"alternatives,omitempty"`
}

// ActionEnvelope is the per-lifecycle aggregate. Child records (proposals,
// traces, approvals, results, audit entries) are held by id and loaded
// through the stores; the envelope itself only grows its id lists and moves
// its status forward. Version increases strictly with every update.
type ActionEnvelope struct {
	ID                 string           `json:"id"`
	Version            int              `json:"version"`
	Status             EnvelopeStatus   `json:"status"`
	PrincipalID        string           `json:"principalId"`
	OrganizationID     string           `json:"organizationId,omitempty"`
	ActionType         string           `json:"actionType"`
	Parameters         map[string]any   `json:"parameters"`
	CartridgeID        string           `json:"cartridgeId,omitempty"`
	IncomingMessageID  string           `json:"incomingMessageId,omitempty"`
	ProposalIDs        []string         `json:"proposalIds,omitempty"`
	ResolvedEntities   []ResolvedEntity `json:"resolvedEntities,omitempty"`
	DecisionIDs        []string         `json:"decisionIds,omitempty"`
	ApprovalRequestIDs []string         `json:"approvalRequestIds,omitempty"`
	ExecutionResultIDs []string         `json:"executionResultIds,omitempty"`
	AuditEntryIDs      []string         `json:"auditEntryIds,omitempty"`
	ParentEnvelopeID   string           `json:"parentEnvelopeId,omitempty"`
	TraceID            string           `json:"traceId"`
	CreatedAt          int64            `json:"createdAt"`
	UpdatedAt          int64            `json:"updatedAt"`
}

// UndoRecipe is the reverse action attached to an ExecuteResult. It can be
// synthesized into a new proposal until UndoExpiresAt.
type UndoRecipe struct {
	ActionType    string         `json:"actionType"`
	Parameters    map[string]any `json:"parameters"`
	UndoExpiresAt int64          `json:"undoExpiresAt"`
}

// ExecuteResult is the outcome of one cartridge execution.
type ExecuteResult struct {
	ID                string            `json:"id"`
	EnvelopeID        string            `json:"envelopeId"`
	Success           bool              `json:"success"`
	Summary           string            `json:"summary"`
	ExternalRefs      map[string]string `json:"externalRefs,omitempty"`
	RollbackAvailable bool              `json:"rollbackAvailable"`
	PartialFailures   []string          `json:"partialFailures,omitempty"`
	DurationMs        int64             `json:"durationMs"`
	UndoRecipe        *UndoRecipe       `json:"undoRecipe,omitempty"`
	CreatedAt         int64             `json:"createdAt"`
}

// Outcome is the synchronous answer the orchestrator gives a caller.
type Outcome string

const (
	OutcomeExecuted        Outcome = "EXECUTED"
	OutcomePendingApproval Outcome = "PENDING_APPROVAL"
	OutcomeDenied          Outcome = "DENIED"
)
