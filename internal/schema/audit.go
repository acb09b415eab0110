package schema

// Audit event types emitted by the orchestrator and approval machinery.
const (
	EventActionProposed   = "action.proposed"
	EventActionDenied     = "action.denied"
	EventActionExecuted   = "action.executed"
	EventActionFailed     = "action.failed"
	EventActionUndone     = "action.undone"
	EventApprovalCreated  = "approval.created"
	EventApprovalResolved = "approval.resolved"
	EventApprovalExpired  = "approval.expired"
	EventApprovalReminded = "approval.reminded"
)

// VisibilityLevel controls who may read an audit entry.
type VisibilityLevel string

const (
	VisibilityInternal VisibilityLevel = "internal"
	VisibilityOrg      VisibilityLevel = "org"
	VisibilityPublic   VisibilityLevel = "public"
)

// EvidencePointer links an audit entry to supporting material by hash.
type EvidencePointer struct {
	Type       string `json:"type"` // "inline"
	Hash       string `json:"hash"`
	StorageRef string `json:"storageRef,omitempty"`
}

// AuditEntry is one link in the hash chain. EntryHash is the canonical
// SHA-256 of the entry minus EntryHash itself; PreviousEntryHash is the
// prior entry's EntryHash, forming a single total order.
type AuditEntry struct {
	ID                string            `json:"id"`
	EventType         string            `json:"eventType"`
	Timestamp         int64             `json:"timestamp"`
	ActorType         PrincipalType     `json:"actorType"`
	ActorID           string            `json:"actorId"`
	EntityType        string            `json:"entityType,omitempty"`
	EntityID          string            `json:"entityId,omitempty"`
	RiskCategory      RiskCategory      `json:"riskCategory,omitempty"`
	VisibilityLevel   VisibilityLevel   `json:"visibilityLevel"`
	Summary           string            `json:"summary"`
	Snapshot          map[string]any    `json:"snapshot,omitempty"`
	EvidencePointers  []EvidencePointer `json:"evidencePointers,omitempty"`
	RedactionApplied  bool              `json:"redactionApplied"`
	RedactedFields    []string          `json:"redactedFields,omitempty"`
	ChainHashVersion  int               `json:"chainHashVersion"`
	SchemaVersion     int               `json:"schemaVersion"`
	EntryHash         string            `json:"entryHash"`
	PreviousEntryHash string            `json:"previousEntryHash,omitempty"`
	EnvelopeID        string            `json:"envelopeId,omitempty"`
	OrganizationID    string            `json:"organizationId,omitempty"`
	TraceID           string            `json:"traceId,omitempty"`
}
