package schema

// RuleComposition combines a rule node's conditions and children.
type RuleComposition string

const (
	CompositionAND RuleComposition = "AND"
	CompositionOR  RuleComposition = "OR"
	CompositionNOT RuleComposition = "NOT"
)

// ConditionOperator compares a context field against a literal value.
type ConditionOperator string

const (
	OpEq          ConditionOperator = "eq"
	OpNeq         ConditionOperator = "neq"
	OpGt          ConditionOperator = "gt"
	OpGte         ConditionOperator = "gte"
	OpLt          ConditionOperator = "lt"
	OpLte         ConditionOperator = "lte"
	OpIn          ConditionOperator = "in"
	OpNotIn       ConditionOperator = "not_in"
	OpContains    ConditionOperator = "contains"
	OpNotContains ConditionOperator = "not_contains"
	OpMatches     ConditionOperator = "matches"
	OpExists      ConditionOperator = "exists"
	OpNotExists   ConditionOperator = "not_exists"
)

// Condition is one leaf comparison. Field is a dotted JSON path into the
// evaluation context (action.*, parameters.*, risk.*, principal.*,
// enrichment.*, time.*).
type Condition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value,omitempty"`
}

// Rule is a recursive boolean tree over conditions.
type Rule struct {
	Composition RuleComposition `json:"composition,omitempty"`
	Conditions  []Condition     `json:"conditions,omitempty"`
	Children    []*Rule         `json:"children,omitempty"`
}

// PolicyEffect is what a matched policy does.
type PolicyEffect string

const (
	EffectAllow           PolicyEffect = "allow"
	EffectDeny            PolicyEffect = "deny"
	EffectModify          PolicyEffect = "modify"
	EffectRequireApproval PolicyEffect = "require_approval"
)

// Policy is one governance rule. A nil CartridgeID applies to all
// cartridges; a nil OrganizationID applies platform-wide.
type Policy struct {
	ID                   string               `json:"id"`
	Name                 string               `json:"name,omitempty"`
	Priority             int                  `json:"priority"`
	Active               bool                 `json:"active"`
	CartridgeID          *string              `json:"cartridgeId,omitempty"`
	OrganizationID       *string              `json:"organizationId,omitempty"`
	Rule                 *Rule                `json:"rule"`
	Effect               PolicyEffect         `json:"effect"`
	ApprovalRequirement  *ApprovalRequirement `json:"approvalRequirement,omitempty"`
	RiskCategoryOverride *RiskCategory        `json:"riskCategoryOverride,omitempty"`
	EffectParams         map[string]any       `json:"effectParams,omitempty"`
	CreatedAt            int64                `json:"createdAt"`
	UpdatedAt            int64                `json:"updatedAt"`
}

// CheckCode identifies one step of the decision pipeline.
type CheckCode string

const (
	CheckForbiddenBehavior CheckCode = "FORBIDDEN_BEHAVIOR"
	CheckTrustBehavior     CheckCode = "TRUST_BEHAVIOR"
	CheckCompetenceTrust   CheckCode = "COMPETENCE_TRUST"
	CheckRateLimit         CheckCode = "RATE_LIMIT"
	CheckCooldown          CheckCode = "COOLDOWN"
	CheckProtectedEntity   CheckCode = "PROTECTED_ENTITY"
	CheckSpendLimit        CheckCode = "SPEND_LIMIT"
	CheckPolicyRule        CheckCode = "POLICY_RULE"
	CheckRiskScoring       CheckCode = "RISK_SCORING"
	CheckCompositeRisk     CheckCode = "COMPOSITE_RISK"
	CheckSystemPosture     CheckCode = "SYSTEM_POSTURE"
	CheckDelegationChain   CheckCode = "DELEGATION_CHAIN"
)

// CheckEffect is the contribution of one check to the decision.
type CheckEffect string

const (
	CheckAllow CheckEffect = "allow"
	CheckDeny  CheckEffect = "deny"
	CheckMod   CheckEffect = "modify"
	CheckSkip  CheckEffect = "skip"
)

// Decision is the terminal verdict of a trace.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionDeny   Decision = "deny"
	DecisionModify Decision = "modify"
)

// Check is one appended entry in a DecisionTrace. Checks are appended in
// evaluation order and never mutated.
type Check struct {
	Code        CheckCode      `json:"code"`
	Data        map[string]any `json:"data,omitempty"`
	HumanDetail string         `json:"humanDetail"`
	Matched     bool           `json:"matched"`
	Effect      CheckEffect    `json:"effect"`
}

// DecisionTrace is the immutable record of one policy evaluation.
type DecisionTrace struct {
	ID                string              `json:"id"`
	EnvelopeID        string              `json:"envelopeId,omitempty"`
	Checks            []Check             `json:"checks"`
	ComputedRiskScore *RiskScore          `json:"computedRiskScore,omitempty"`
	FinalDecision     Decision            `json:"finalDecision"`
	ApprovalRequired  ApprovalRequirement `json:"approvalRequired"`
	Explanation       string              `json:"explanation"`
	CreatedAt         int64               `json:"createdAt"`
}

// DenyCheck returns the terminal deny check, if the trace denied.
func (t *DecisionTrace) DenyCheck() *Check {
	for i := range t.Checks {
		if t.Checks[i].Effect == CheckDeny {
			return &t.Checks[i]
		}
	}
	return nil
}
