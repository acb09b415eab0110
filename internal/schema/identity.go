package schema

// SpendLimit bounds spend over standard windows. A nil field means the
// window has no limit.
type SpendLimit struct {
	Daily     *float64 `json:"daily,omitempty"`
	Weekly    *float64 `json:"weekly,omitempty"`
	Monthly   *float64 `json:"monthly,omitempty"`
	PerAction *float64 `json:"perAction,omitempty"`
}

// IdentitySpec is the per-principal governance configuration.
type IdentitySpec struct {
	ID                 string                               `json:"id"`
	PrincipalID        string                               `json:"principalId"`
	OrganizationID     string                               `json:"organizationId,omitempty"`
	RiskTolerance      map[RiskCategory]ApprovalRequirement `json:"riskTolerance"`
	GlobalSpendLimits  SpendLimit                           `json:"globalSpendLimits"`
	SpendLimits        map[string]SpendLimit                `json:"spendLimits,omitempty"` // per cartridge id
	ForbiddenBehaviors []string                             `json:"forbiddenBehaviors,omitempty"`
	TrustBehaviors     []string                             `json:"trustBehaviors,omitempty"`
	GovernanceProfile  GovernanceProfile                    `json:"governanceProfile,omitempty"`
	CreatedAt          int64                                `json:"createdAt"`
	UpdatedAt          int64                                `json:"updatedAt"`
}

// OverlayMode says whether an overlay tightens or loosens the base spec.
type OverlayMode string

const (
	OverlayRestrict OverlayMode = "restrict"
	OverlayExtend   OverlayMode = "extend"
)

// TimeWindow restricts an overlay to certain hours, in its own timezone.
// Days are lowercase English weekday names; empty means every day.
// StartHour/EndHour are half-open [start, end); a window with start > end
// wraps past midnight.
type TimeWindow struct {
	Days      []string `json:"days,omitempty"`
	StartHour int      `json:"startHour"`
	EndHour   int      `json:"endHour"`
	Timezone  string   `json:"timezone,omitempty"`
}

// OverlayConditions gate when an overlay applies. All stated conditions
// must hold conjunctively.
type OverlayConditions struct {
	TimeWindow  *TimeWindow `json:"timeWindow,omitempty"`
	Cartridges  []string    `json:"cartridges,omitempty"`
	ActionTypes []string    `json:"actionTypes,omitempty"`
}

// OverlayOverrides carries the sets and limits an overlay contributes.
// Interpretation depends on the overlay mode: restrict intersects trust,
// unions forbidden, and tightens limits; extend does the reverse.
type OverlayOverrides struct {
	TrustBehaviors     []string    `json:"trustBehaviors,omitempty"`
	ForbiddenBehaviors []string    `json:"forbiddenBehaviors,omitempty"`
	SpendLimits        *SpendLimit `json:"spendLimits,omitempty"`
}

// RoleOverlay is a conditional modifier layered onto an IdentitySpec.
type RoleOverlay struct {
	ID          string            `json:"id"`
	PrincipalID string            `json:"principalId"`
	Name        string            `json:"name,omitempty"`
	Mode        OverlayMode       `json:"mode"`
	Priority    int               `json:"priority"`
	Active      bool              `json:"active"`
	Conditions  OverlayConditions `json:"conditions"`
	Overrides   OverlayOverrides  `json:"overrides"`
	CreatedAt   int64             `json:"createdAt"`
}

// ResolvedIdentity is the merge of an IdentitySpec with its active overlays,
// computed for one evaluation (actionType, cartridgeId, now).
type ResolvedIdentity struct {
	PrincipalID                 string                               `json:"principalId"`
	OrganizationID              string                               `json:"organizationId,omitempty"`
	EffectiveRiskTolerance      map[RiskCategory]ApprovalRequirement `json:"effectiveRiskTolerance"`
	EffectiveSpendLimits        SpendLimit                           `json:"effectiveSpendLimits"`
	EffectiveForbiddenBehaviors map[string]bool                      `json:"effectiveForbiddenBehaviors"`
	EffectiveTrustBehaviors     map[string]bool                      `json:"effectiveTrustBehaviors"`
	MatchedOverlayIDs           []string                             `json:"matchedOverlayIds,omitempty"`
	GovernanceProfile           GovernanceProfile                    `json:"governanceProfile,omitempty"`
}

// Tolerance returns the approval requirement the identity asks for at the
// given risk category, defaulting conservatively when unset.
func (r *ResolvedIdentity) Tolerance(cat RiskCategory) ApprovalRequirement {
	if req, ok := r.EffectiveRiskTolerance[cat]; ok {
		return req
	}
	// Unstated tolerance: anything medium and above needs a human.
	if cat.Rank() >= RiskMedium.Rank() {
		return ApprovalStandard
	}
	return ApprovalNone
}
