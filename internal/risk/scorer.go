// Package risk turns a cartridge's RiskInput into a scored, categorized
// RiskScore. Scoring is pure arithmetic; every additive step is recorded
// as a factor so traces can explain exactly how a number came to be.
package risk

import (
	"fmt"
	"math"

	"github.com/switchboard/backend/internal/schema"
)

// Config tunes the scorer. Zero value is not usable; start from
// DefaultConfig.
type Config struct {
	// DollarCap is where the log-scaled dollar contribution saturates.
	DollarCap float64
	// DollarWeight scales the log-dollar term.
	DollarWeight float64
	// BlastRadiusMax caps the linear blast-radius contribution.
	BlastRadiusMax float64
}

// DefaultConfig matches the documented scoring curve: dollars saturate
// at 100k contributing up to 20 points, blast radius adds up to 15.
func DefaultConfig() Config {
	return Config{
		DollarCap:      100_000,
		DollarWeight:   20,
		BlastRadiusMax: 15,
	}
}

var pedestals = map[schema.RiskCategory]float64{
	schema.RiskNone:     0,
	schema.RiskLow:      20,
	schema.RiskMedium:   40,
	schema.RiskHigh:     65,
	schema.RiskCritical: 85,
}

// Categorize maps a raw score to its category band.
func Categorize(score float64) schema.RiskCategory {
	switch {
	case score >= 80:
		return schema.RiskCritical
	case score >= 60:
		return schema.RiskHigh
	case score >= 35:
		return schema.RiskMedium
	case score >= 10:
		return schema.RiskLow
	default:
		return schema.RiskNone
	}
}

// Score computes the risk score for one action.
func Score(in *schema.RiskInput, cfg Config) *schema.RiskScore {
	var factors []schema.RiskFactor
	total := 0.0

	add := func(name string, weight, contribution float64, detail string) {
		total += contribution
		factors = append(factors, schema.RiskFactor{
			Factor:       name,
			Weight:       weight,
			Contribution: contribution,
			Detail:       detail,
		})
	}

	pedestal, ok := pedestals[in.BaseRisk]
	if !ok {
		// Unknown base risk scores as critical rather than free.
		pedestal = pedestals[schema.RiskCritical]
	}
	add("base_risk", 1, pedestal, fmt.Sprintf("base risk %s", in.BaseRisk))

	if in.Exposure.DollarsAtRisk > 0 {
		// log10 scaling: $10 barely registers, the cap saturates.
		ratio := math.Log10(1+in.Exposure.DollarsAtRisk) / math.Log10(1+cfg.DollarCap)
		contribution := math.Min(ratio, 1) * cfg.DollarWeight
		add("dollars_at_risk", cfg.DollarWeight, contribution,
			fmt.Sprintf("$%.2f at risk", in.Exposure.DollarsAtRisk))
	}
	if in.Exposure.BlastRadius > 0 {
		contribution := math.Min(in.Exposure.BlastRadius, cfg.BlastRadiusMax)
		add("blast_radius", 1, contribution,
			fmt.Sprintf("%.0f entities affected", in.Exposure.BlastRadius))
	}

	switch in.Reversibility {
	case schema.ReversibilityPartial:
		add("reversibility", 1, 8, "partially reversible")
	case schema.ReversibilityNone:
		add("reversibility", 1, 15, "irreversible")
	}

	if in.Sensitivity.EntityVolatile {
		add("entity_volatile", 1, 5, "target entity is volatile")
	}
	if in.Sensitivity.LearningPhase {
		add("learning_phase", 1, 5, "target is in a learning phase")
	}
	if in.Sensitivity.RecentlyModified {
		add("recently_modified", 1, 5, "target was recently modified")
	}

	raw := math.Min(math.Max(total, 0), 100)
	return &schema.RiskScore{
		RawScore: raw,
		Category: Categorize(raw),
		Factors:  factors,
	}
}

// AdjustComposite raises the score when the principal's recent behavior
// amplifies the standalone risk: bursts of actions, accumulating spend,
// or spreading across many entities and cartridges. The adjusted
// category never drops below the standalone one.
func AdjustComposite(score *schema.RiskScore, comp *schema.CompositeRiskContext) *schema.RiskScore {
	if comp == nil {
		return score
	}
	adjusted := *score
	adjusted.Factors = append([]schema.RiskFactor{}, score.Factors...)
	total := score.RawScore

	add := func(name string, contribution float64, detail string) {
		total += contribution
		adjusted.Factors = append(adjusted.Factors, schema.RiskFactor{
			Factor:       name,
			Weight:       1,
			Contribution: contribution,
			Detail:       detail,
		})
	}

	// Burst: more than 5 recent actions in the window adds 2 points each,
	// capped at 15.
	if comp.RecentActionCount > 5 {
		add("burst_activity", math.Min(float64(comp.RecentActionCount-5)*2, 15),
			fmt.Sprintf("%d actions inside %dms", comp.RecentActionCount, comp.WindowMs))
	}
	// Cumulative exposure log-scales like standalone dollars, half weight.
	if comp.CumulativeExposure > 0 {
		ratio := math.Log10(1+comp.CumulativeExposure) / math.Log10(1+100_000.0)
		add("cumulative_exposure", math.Min(ratio, 1)*10,
			fmt.Sprintf("$%.2f cumulative exposure", comp.CumulativeExposure))
	}
	if comp.DistinctTargetEntities > 3 {
		add("entity_spread", math.Min(float64(comp.DistinctTargetEntities-3)*2, 10),
			fmt.Sprintf("%d distinct target entities", comp.DistinctTargetEntities))
	}
	if comp.DistinctCartridges > 1 {
		add("cartridge_spread", math.Min(float64(comp.DistinctCartridges-1)*3, 9),
			fmt.Sprintf("%d distinct cartridges", comp.DistinctCartridges))
	}

	adjusted.RawScore = math.Min(total, 100)
	adjusted.Category = Categorize(adjusted.RawScore)
	// Raise-only: composite context can never soften the standalone read.
	if adjusted.Category.Rank() < score.Category.Rank() {
		adjusted.Category = score.Category
	}
	return &adjusted
}
