// Package identity composes a principal's base IdentitySpec with its
// active RoleOverlays into the ResolvedIdentity the policy engine
// consumes. Resolution is pure: same spec, overlays, and instant always
// produce the same result, and nothing here reads cartridge state.
package identity

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/switchboard/backend/internal/schema"
	"github.com/switchboard/backend/internal/store"
)

// Query scopes one resolution to an evaluation instant and target.
type Query struct {
	ActionType  string
	CartridgeID string
	Now         time.Time
}

// Resolver loads specs and overlays and merges them.
type Resolver struct {
	identities store.IdentityStore
}

func NewResolver(identities store.IdentityStore) *Resolver {
	return &Resolver{identities: identities}
}

// Resolve merges the principal's spec with every active overlay whose
// conditions hold at q.Now, lower priority numbers applied first.
func (r *Resolver) Resolve(ctx context.Context, principalID string, q Query) (*schema.ResolvedIdentity, error) {
	spec, err := r.identities.GetSpecByPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	overlays, err := r.identities.ListOverlays(ctx, principalID)
	if err != nil {
		return nil, err
	}

	resolved := baseIdentity(spec, q.CartridgeID)

	applicable := make([]*schema.RoleOverlay, 0, len(overlays))
	for _, o := range overlays {
		if o.Active && overlayApplies(o, q) {
			applicable = append(applicable, o)
		}
	}
	sort.SliceStable(applicable, func(i, j int) bool {
		return applicable[i].Priority < applicable[j].Priority
	})

	for _, o := range applicable {
		applyOverlay(resolved, o)
		resolved.MatchedOverlayIDs = append(resolved.MatchedOverlayIDs, o.ID)
	}
	return resolved, nil
}

func baseIdentity(spec *schema.IdentitySpec, cartridgeID string) *schema.ResolvedIdentity {
	tolerance := make(map[schema.RiskCategory]schema.ApprovalRequirement, len(spec.RiskTolerance))
	for k, v := range spec.RiskTolerance {
		tolerance[k] = v
	}

	// Effective limits start from the tighter of global and per-cartridge.
	limits := spec.GlobalSpendLimits
	if cartridgeID != "" {
		if cl, ok := spec.SpendLimits[cartridgeID]; ok {
			limits = tightenLimits(limits, cl)
		}
	}

	return &schema.ResolvedIdentity{
		PrincipalID:                 spec.PrincipalID,
		OrganizationID:              spec.OrganizationID,
		EffectiveRiskTolerance:      tolerance,
		EffectiveSpendLimits:        limits,
		EffectiveForbiddenBehaviors: toSet(spec.ForbiddenBehaviors),
		EffectiveTrustBehaviors:     toSet(spec.TrustBehaviors),
		GovernanceProfile:           spec.GovernanceProfile,
	}
}

func overlayApplies(o *schema.RoleOverlay, q Query) bool {
	c := o.Conditions
	if len(c.Cartridges) > 0 && !containsFold(c.Cartridges, q.CartridgeID) {
		return false
	}
	if len(c.ActionTypes) > 0 && !containsFold(c.ActionTypes, q.ActionType) {
		return false
	}
	if c.TimeWindow != nil && !inWindow(c.TimeWindow, q.Now) {
		return false
	}
	return true
}

// inWindow evaluates the window in its own timezone. An unloadable
// timezone fails closed: the overlay does not apply.
func inWindow(w *schema.TimeWindow, now time.Time) bool {
	loc := time.UTC
	if w.Timezone != "" {
		l, err := time.LoadLocation(w.Timezone)
		if err != nil {
			return false
		}
		loc = l
	}
	local := now.In(loc)

	if len(w.Days) > 0 {
		day := strings.ToLower(local.Weekday().String())
		if !containsFold(w.Days, day) {
			return false
		}
	}
	h := local.Hour()
	if w.StartHour == w.EndHour {
		return true // degenerate window covers the whole day
	}
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	// Wraps past midnight, e.g. 22 → 6.
	return h >= w.StartHour || h < w.EndHour
}

func applyOverlay(id *schema.ResolvedIdentity, o *schema.RoleOverlay) {
	ov := o.Overrides
	switch o.Mode {
	case schema.OverlayRestrict:
		if ov.TrustBehaviors != nil {
			id.EffectiveTrustBehaviors = intersect(id.EffectiveTrustBehaviors, toSet(ov.TrustBehaviors))
		}
		for _, b := range ov.ForbiddenBehaviors {
			id.EffectiveForbiddenBehaviors[b] = true
		}
		if ov.SpendLimits != nil {
			id.EffectiveSpendLimits = tightenLimits(id.EffectiveSpendLimits, *ov.SpendLimits)
		}
	case schema.OverlayExtend:
		for _, b := range ov.TrustBehaviors {
			id.EffectiveTrustBehaviors[b] = true
		}
		for _, b := range ov.ForbiddenBehaviors {
			delete(id.EffectiveForbiddenBehaviors, b)
		}
		if ov.SpendLimits != nil {
			id.EffectiveSpendLimits = relaxLimits(id.EffectiveSpendLimits, *ov.SpendLimits)
		}
	}
}

// tightenLimits takes the minimum per window; nil means "no opinion" on
// the overlay side and "no limit" on the base side, so min treats nil as
// +inf.
func tightenLimits(base, overlay schema.SpendLimit) schema.SpendLimit {
	return schema.SpendLimit{
		Daily:     minLimit(base.Daily, overlay.Daily),
		Weekly:    minLimit(base.Weekly, overlay.Weekly),
		Monthly:   minLimit(base.Monthly, overlay.Monthly),
		PerAction: minLimit(base.PerAction, overlay.PerAction),
	}
}

// relaxLimits takes the maximum per window; a nil on either side means no
// limit, which dominates.
func relaxLimits(base, overlay schema.SpendLimit) schema.SpendLimit {
	return schema.SpendLimit{
		Daily:     maxLimit(base.Daily, overlay.Daily),
		Weekly:    maxLimit(base.Weekly, overlay.Weekly),
		Monthly:   maxLimit(base.Monthly, overlay.Monthly),
		PerAction: maxLimit(base.PerAction, overlay.PerAction),
	}
}

func minLimit(a, b *float64) *float64 {
	if a == nil {
		return copyLimit(b)
	}
	if b == nil {
		return copyLimit(a)
	}
	if *a <= *b {
		return copyLimit(a)
	}
	return copyLimit(b)
}

func maxLimit(a, b *float64) *float64 {
	if a == nil || b == nil {
		return nil
	}
	if *a >= *b {
		return copyLimit(a)
	}
	return copyLimit(b)
}

func copyLimit(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

func intersect(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for k := range a {
		if b[k] {
			out[k] = true
		}
	}
	return out
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
