package schema

// Rule trees deeper than this are treated as malformed to stop runaway
// policy configs.
const MaxRuleDepth = 32

// ValidateProposal checks the structural invariants of a proposal.
func ValidateProposal(p *ActionProposal) error {
	if p.ActionType == "" {
		return E(KindValidation, "actionType is required")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return E(KindValidation, "confidence must be in [0,1], got %v", p.Confidence)
	}
	return nil
}

// ValidateRiskInput checks a cartridge-supplied risk input.
func ValidateRiskInput(in *RiskInput) error {
	if _, ok := riskRank[in.BaseRisk]; !ok {
		return E(KindValidation, "unknown baseRisk %q", in.BaseRisk)
	}
	switch in.Reversibility {
	case ReversibilityFull, ReversibilityPartial, ReversibilityNone:
	default:
		return E(KindValidation, "unknown reversibility %q", in.Reversibility)
	}
	if in.Exposure.DollarsAtRisk < 0 {
		return E(KindValidation, "dollarsAtRisk must be >= 0")
	}
	if in.Exposure.BlastRadius < 0 {
		return E(KindValidation, "blastRadius must be >= 0")
	}
	return nil
}

// ValidatePolicy checks a policy's enums and rule depth. Rule content is
// deliberately not validated here; malformed rules evaluate as non-matching.
func ValidatePolicy(p *Policy) error {
	switch p.Effect {
	case EffectAllow, EffectDeny, EffectModify, EffectRequireApproval:
	default:
		return E(KindValidation, "unknown policy effect %q", p.Effect)
	}
	if p.Priority < 0 {
		return E(KindValidation, "policy priority must be >= 0")
	}
	if p.ApprovalRequirement != nil {
		if _, ok := approvalRank[*p.ApprovalRequirement]; !ok {
			return E(KindValidation, "unknown approvalRequirement %q", *p.ApprovalRequirement)
		}
	}
	if p.RiskCategoryOverride != nil {
		if _, ok := riskRank[*p.RiskCategoryOverride]; !ok {
			return E(KindValidation, "unknown riskCategoryOverride %q", *p.RiskCategoryOverride)
		}
	}
	if depth := ruleDepth(p.Rule); depth > MaxRuleDepth {
		return E(KindValidation, "rule tree depth %d exceeds limit %d", depth, MaxRuleDepth)
	}
	return nil
}

func ruleDepth(r *Rule) int {
	if r == nil {
		return 0
	}
	max := 0
	for _, child := range r.Children {
		if d := ruleDepth(child); d > max {
			max = d
		}
	}
	return max + 1
}

// ValidateOverlay checks a role overlay's mode and priority.
func ValidateOverlay(o *RoleOverlay) error {
	switch o.Mode {
	case OverlayRestrict, OverlayExtend:
	default:
		return E(KindValidation, "unknown overlay mode %q", o.Mode)
	}
	if o.Priority < 0 {
		return E(KindValidation, "overlay priority must be >= 0")
	}
	if tw := o.Conditions.TimeWindow; tw != nil {
		if tw.StartHour < 0 || tw.StartHour > 23 || tw.EndHour < 0 || tw.EndHour > 24 {
			return E(KindValidation, "time window hours out of range")
		}
	}
	return nil
}

// ValidatePosture checks the system posture enum.
func ValidatePosture(p SystemPosture) error {
	switch p {
	case PostureNormal, PostureElevated, PostureCritical:
		return nil
	}
	return E(KindValidation, "unknown system posture %q", p)
}
