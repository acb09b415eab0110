// Package schema defines the canonical domain types for the Switchboard
// governance spine: proposals, envelopes, policies, identities, approvals,
// risk inputs and scores, audit entries, and the shared error taxonomy.
//
// Everything downstream (stores, policy engine, orchestrator, HTTP layer)
// speaks these types. Timestamps are UTC milliseconds; ids are strings.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// NowMillis returns the current time as UTC milliseconds.
func NowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}

// NewID mints a fresh id with the given prefix, e.g. "env-", "apr-".
func NewID(prefix string) string {
	return prefix + uuid.NewString()
}

// PrincipalType distinguishes human users from autonomous agents.
type PrincipalType string

const (
	PrincipalUser  PrincipalType = "user"
	PrincipalAgent PrincipalType = "agent"
)

// Principal is the governed identity. Created externally; the core treats
// it as immutable and resolves a governance identity on top of it.
type Principal struct {
	ID             string        `json:"id"`
	Type           PrincipalType `json:"type"`
	Name           string        `json:"name"`
	OrganizationID string        `json:"organizationId,omitempty"`
	Roles          []string      `json:"roles,omitempty"`
}

// RiskCategory buckets a numeric risk score.
type RiskCategory string

const (
	RiskNone     RiskCategory = "none"
	RiskLow      RiskCategory = "low"
	RiskMedium   RiskCategory = "medium"
	RiskHigh     RiskCategory = "high"
	RiskCritical RiskCategory = "critical"
)

var riskRank = map[RiskCategory]int{
	RiskNone:     0,
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// Rank returns the ordering of a category (none=0 .. critical=4).
// Unknown categories rank as critical so a typo never lowers scrutiny.
func (c RiskCategory) Rank() int {
	if r, ok := riskRank[c]; ok {
		return r
	}
	return riskRank[RiskCritical]
}

// MaxRiskCategory returns the higher of two categories.
func MaxRiskCategory(a, b RiskCategory) RiskCategory {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ApprovalRequirement says how much human sign-off an action needs.
type ApprovalRequirement string

const (
	ApprovalNone      ApprovalRequirement = "none"
	ApprovalStandard  ApprovalRequirement = "standard"
	ApprovalElevated  ApprovalRequirement = "elevated"
	ApprovalMandatory ApprovalRequirement = "mandatory"
)

var approvalRank = map[ApprovalRequirement]int{
	ApprovalNone:      0,
	ApprovalStandard:  1,
	ApprovalElevated:  2,
	ApprovalMandatory: 3,
}

// Rank returns the ordering of a requirement (none=0 .. mandatory=3).
func (a ApprovalRequirement) Rank() int {
	if r, ok := approvalRank[a]; ok {
		return r
	}
	return approvalRank[ApprovalMandatory]
}

// MaxApprovalRequirement returns the stricter of two requirements.
func MaxApprovalRequirement(a, b ApprovalRequirement) ApprovalRequirement {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// SystemPosture is the operator-controlled global risk dial.
type SystemPosture string

const (
	PostureNormal   SystemPosture = "normal"
	PostureElevated SystemPosture = "elevated"
	PostureCritical SystemPosture = "critical"
)

// GovernanceProfile is the org-level dial that maps onto a posture.
type GovernanceProfile string

const (
	ProfileObserve GovernanceProfile = "observe"
	ProfileGuarded GovernanceProfile = "guarded"
	ProfileStrict  GovernanceProfile = "strict"
	ProfileLocked  GovernanceProfile = "locked"
)

// Posture maps a governance profile onto the system risk posture.
func (p GovernanceProfile) Posture() SystemPosture {
	switch p {
	case ProfileStrict:
		return PostureElevated
	case ProfileLocked:
		return PostureCritical
	default:
		return PostureNormal
	}
}

// Reversibility describes how fully an action can be undone.
type Reversibility string

const (
	ReversibilityFull    Reversibility = "full"
	ReversibilityPartial Reversibility = "partial"
	ReversibilityNone    Reversibility = "none"
)

// Exposure quantifies the blast of an action.
type Exposure struct {
	DollarsAtRisk float64 `json:"dollarsAtRisk"`
	BlastRadius   float64 `json:"blastRadius"`
}

// Sensitivity flags contextual fragility of the target entity.
type Sensitivity struct {
	EntityVolatile   bool `json:"entityVolatile"`
	LearningPhase    bool `json:"learningPhase"`
	RecentlyModified bool `json:"recentlyModified"`
}

// RiskInput is what a cartridge reports about a proposed action.
type RiskInput struct {
	BaseRisk      RiskCategory  `json:"baseRisk"`
	Exposure      Exposure      `json:"exposure"`
	Reversibility Reversibility `json:"reversibility"`
	Sensitivity   Sensitivity   `json:"sensitivity"`
}

// RiskFactor is one additive step in a risk score, kept for auditability.
type RiskFactor struct {
	Factor       string  `json:"factor"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
	Detail       string  `json:"detail,omitempty"`
}

// RiskScore is the scored and categorized risk of a proposal.
type RiskScore struct {
	RawScore float64      `json:"rawScore"`
	Category RiskCategory `json:"category"`
	Factors  []RiskFactor `json:"factors"`
}

// CompositeRiskContext captures recent cross-action behavior of a principal,
// used to raise (never lower) the risk category during bursts.
type CompositeRiskContext struct {
	RecentActionCount      int     `json:"recentActionCount"`
	WindowMs               int64   `json:"windowMs"`
	CumulativeExposure     float64 `json:"cumulativeExposure"`
	DistinctTargetEntities int     `json:"distinctTargetEntities"`
	DistinctCartridges     int     `json:"distinctCartridges"`
}

// ActionProposal is one action an agent wants to take.
type ActionProposal struct {
	ID                   string         `json:"id"`
	ActionType           string         `json:"actionType"`
	Parameters           map[string]any `json:"parameters"`
	Evidence             map[string]any `json:"evidence,omitempty"`
	Confidence           float64        `json:"confidence"`
	OriginatingMessageID string         `json:"originatingMessageId,omitempty"`
}

// CompetenceEvent is one entry in a principal's per-action history.
type CompetenceEvent struct {
	Timestamp int64  `json:"timestamp"`
	Outcome   string `json:"outcome"` // success | failure | rollback
}

// CompetenceRecord tracks how well a principal performs one action type.
type CompetenceRecord struct {
	PrincipalID          string            `json:"principalId"`
	ActionType           string            `json:"actionType"`
	SuccessCount         int               `json:"successCount"`
	FailureCount         int               `json:"failureCount"`
	RollbackCount        int               `json:"rollbackCount"`
	ConsecutiveSuccesses int               `json:"consecutiveSuccesses"`
	Score                float64           `json:"score"`
	LastActivityAt       int64             `json:"lastActivityAt"`
	LastDecayAppliedAt   int64             `json:"lastDecayAppliedAt"`
	History              []CompetenceEvent `json:"history,omitempty"`
}

// Connection stores a cartridge's credentials for one organization.
// The credentials blob is AES-GCM sealed before it ever reaches a store.
type Connection struct {
	ID                   string `json:"id"`
	OrganizationID       string `json:"organizationId"`
	CartridgeID          string `json:"cartridgeId"`
	Name                 string `json:"name"`
	EncryptedCredentials string `json:"encryptedCredentials"` // base64(nonce||ciphertext)
	CreatedAt            int64  `json:"createdAt"`
	UpdatedAt            int64  `json:"updatedAt"`
}

// ChannelVariant tags the chat surface a managed channel lives on.
type ChannelVariant string

const (
	ChannelTelegram ChannelVariant = "telegram"
	ChannelSlack    ChannelVariant = "slack"
	ChannelWhatsApp ChannelVariant = "whatsapp"
	ChannelAPI      ChannelVariant = "api"
)

// ManagedChannel is a registered outbound notification surface. The adapters
// themselves live outside the core; this record routes notifications to them.
type ManagedChannel struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organizationId"`
	Variant        ChannelVariant `json:"variant"`
	Target         string         `json:"target"` // chat id, webhook URL, etc.
	Active         bool           `json:"active"`
	CreatedAt      int64          `json:"createdAt"`
}
