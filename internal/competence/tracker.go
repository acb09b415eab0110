// Package competence tracks how well a principal performs each action
// type. Scores feed the decision trace as an informational check and can
// back trust-expansion policies.
package competence

import (
	"context"
	"log/slog"
	"time"

	"github.com/switchboard/backend/internal/schema"
	"github.com/switchboard/backend/internal/store"
)

// Outcome classifies one execution for scoring purposes.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeRollback Outcome = "rollback"
)

const (
	baselineScore = 0.5
	successDelta  = 0.05
	failureDelta  = -0.15
	rollbackDelta = -0.25
	// decayInterval is the idle period after which the score drifts one
	// decayFraction step back toward the baseline.
	decayInterval = 24 * time.Hour
	decayFraction = 0.10
	historyCap    = 50
)

// Tracker applies outcomes and lazy decay to competence records.
type Tracker struct {
	store  store.CompetenceStore
	logger *slog.Logger
	now    func() time.Time
}

func NewTracker(s store.CompetenceStore) *Tracker {
	return &Tracker{
		store:  s,
		logger: slog.With("component", "competence"),
		now:    time.Now,
	}
}

// Record applies one execution outcome. Missing records start at the
// baseline score; decay for idle time is applied before the outcome.
func (t *Tracker) Record(ctx context.Context, principalID, actionType string, outcome Outcome) (*schema.CompetenceRecord, error) {
	now := t.now()
	rec, err := t.store.Get(ctx, principalID, actionType)
	if err != nil {
		if !schema.IsKind(err, schema.KindNotFound) {
			return nil, err
		}
		rec = &schema.CompetenceRecord{
			PrincipalID:        principalID,
			ActionType:         actionType,
			Score:              baselineScore,
			LastDecayAppliedAt: now.UnixMilli(),
		}
	}
	applyDecay(rec, now)

	switch outcome {
	case OutcomeSuccess:
		rec.SuccessCount++
		rec.ConsecutiveSuccesses++
		rec.Score = clamp(rec.Score + successDelta)
	case OutcomeFailure:
		rec.FailureCount++
		rec.ConsecutiveSuccesses = 0
		rec.Score = clamp(rec.Score + failureDelta)
	case OutcomeRollback:
		rec.RollbackCount++
		rec.ConsecutiveSuccesses = 0
		rec.Score = clamp(rec.Score + rollbackDelta)
	default:
		return nil, schema.E(schema.KindValidation, "unknown competence outcome %q", outcome)
	}

	rec.LastActivityAt = now.UnixMilli()
	rec.History = append(rec.History, schema.CompetenceEvent{
		Timestamp: now.UnixMilli(),
		Outcome:   string(outcome),
	})
	if len(rec.History) > historyCap {
		rec.History = rec.History[len(rec.History)-historyCap:]
	}

	if err := t.store.Save(ctx, rec); err != nil {
		return nil, err
	}
	t.logger.Debug("competence updated",
		"principalId", principalID, "actionType", actionType,
		"outcome", outcome, "score", rec.Score)
	return rec, nil
}

// Get returns the record with decay applied for read-side consumers (the
// policy engine's informational check). The decayed view is persisted
// only on the next Record call; reads never write.
func (t *Tracker) Get(ctx context.Context, principalID, actionType string) (*schema.CompetenceRecord, error) {
	rec, err := t.store.Get(ctx, principalID, actionType)
	if err != nil {
		return nil, err
	}
	view := *rec
	applyDecay(&view, t.now())
	return &view, nil
}

// applyDecay drifts the score toward the baseline by decayFraction for
// every full idle decayInterval since decay last ran. Decay is discrete
// and lazy; a busy principal never decays.
func applyDecay(rec *schema.CompetenceRecord, now time.Time) {
	if rec.LastDecayAppliedAt == 0 {
		rec.LastDecayAppliedAt = now.UnixMilli()
		return
	}
	last := time.UnixMilli(rec.LastDecayAppliedAt)
	steps := int(now.Sub(last) / decayInterval)
	if steps <= 0 {
		return
	}
	for i := 0; i < steps; i++ {
		rec.Score += (baselineScore - rec.Score) * decayFraction
	}
	rec.LastDecayAppliedAt = last.Add(time.Duration(steps) * decayInterval).UnixMilli()
}

func clamp(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
