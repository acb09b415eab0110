package competence

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/switchboard/backend/internal/schema"
	"github.com/switchboard/backend/internal/store"
)

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	return NewTracker(store.NewMemoryStores().Competence)
}

func TestRecord_StartsAtBaseline(t *testing.T) {
	tr := newTracker(t)
	rec, err := tr.Record(context.Background(), "agent_1", "ads.campaign.pause", OutcomeSuccess)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(rec.Score-(baselineScore+successDelta)) > 1e-9 {
		t.Errorf("score = %v, want baseline + success delta", rec.Score)
	}
	if rec.SuccessCount != 1 || rec.ConsecutiveSuccesses != 1 {
		t.Errorf("counts = %d/%d, want 1/1", rec.SuccessCount, rec.ConsecutiveSuccesses)
	}
}

func TestRecord_FailureResetsStreak(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := tr.Record(ctx, "agent_1", "ads.budget.adjust", OutcomeSuccess); err != nil {
			t.Fatal(err)
		}
	}
	rec, err := tr.Record(ctx, "agent_1", "ads.budget.adjust", OutcomeFailure)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ConsecutiveSuccesses != 0 {
		t.Errorf("streak = %d, want 0 after failure", rec.ConsecutiveSuccesses)
	}
	if rec.SuccessCount != 3 || rec.FailureCount != 1 {
		t.Errorf("counts = %d/%d", rec.SuccessCount, rec.FailureCount)
	}
	want := clamp(baselineScore + 3*successDelta + failureDelta)
	if math.Abs(rec.Score-want) > 1e-9 {
		t.Errorf("score = %v, want %v", rec.Score, want)
	}
}

func TestRecord_RollbackHitsHarderThanFailure(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	failed, _ := tr.Record(ctx, "agent_f", "ads.campaign.pause", OutcomeFailure)
	rolled, _ := tr.Record(ctx, "agent_r", "ads.campaign.pause", OutcomeRollback)
	if rolled.Score >= failed.Score {
		t.Errorf("rollback score %v should sit below failure score %v", rolled.Score, failed.Score)
	}
}

func TestRecord_ScoreClamped(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	var rec *schema.CompetenceRecord
	for i := 0; i < 30; i++ {
		rec, _ = tr.Record(ctx, "agent_1", "ads.campaign.pause", OutcomeSuccess)
	}
	if rec.Score != 1 {
		t.Errorf("score = %v, want clamped at 1", rec.Score)
	}
	for i := 0; i < 30; i++ {
		rec, _ = tr.Record(ctx, "agent_1", "ads.campaign.pause", OutcomeRollback)
	}
	if rec.Score != 0 {
		t.Errorf("score = %v, want clamped at 0", rec.Score)
	}
}

func TestDecay_DriftsTowardBaselineWhileIdle(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }

	var high float64
	for i := 0; i < 8; i++ {
		rec, err := tr.Record(ctx, "agent_1", "ads.campaign.pause", OutcomeSuccess)
		if err != nil {
			t.Fatal(err)
		}
		high = rec.Score
	}
	if high <= baselineScore {
		t.Fatalf("setup: score %v not above baseline", high)
	}

	// Three idle days: three discrete decay steps toward baseline.
	tr.now = func() time.Time { return base.Add(3*24*time.Hour + time.Minute) }
	rec, err := tr.Get(ctx, "agent_1", "ads.campaign.pause")
	if err != nil {
		t.Fatal(err)
	}
	want := high
	for i := 0; i < 3; i++ {
		want += (baselineScore - want) * decayFraction
	}
	if math.Abs(rec.Score-want) > 1e-9 {
		t.Errorf("decayed score = %v, want %v", rec.Score, want)
	}
	if rec.Score <= baselineScore || rec.Score >= high {
		t.Errorf("decay should land between baseline and %v, got %v", high, rec.Score)
	}

	// Reads never persist the decayed view.
	stored, err := tr.store.Get(ctx, "agent_1", "ads.campaign.pause")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(stored.Score-high) > 1e-9 {
		t.Errorf("stored score changed on read: %v", stored.Score)
	}
}

func TestDecay_BusyPrincipalDoesNotDecay(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tr.now = func() time.Time { return base }
	first, _ := tr.Record(ctx, "agent_1", "ads.campaign.pause", OutcomeSuccess)

	// Activity twelve hours later: under the decay interval, no drift.
	tr.now = func() time.Time { return base.Add(12 * time.Hour) }
	second, _ := tr.Record(ctx, "agent_1", "ads.campaign.pause", OutcomeSuccess)
	want := clamp(first.Score + successDelta)
	if math.Abs(second.Score-want) > 1e-9 {
		t.Errorf("score = %v, want %v with no decay applied", second.Score, want)
	}
}

func TestRecord_HistoryCapped(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	var rec *schema.CompetenceRecord
	for i := 0; i < historyCap+10; i++ {
		rec, _ = tr.Record(ctx, "agent_1", "ads.campaign.pause", OutcomeSuccess)
	}
	if len(rec.History) != historyCap {
		t.Errorf("history length = %d, want %d", len(rec.History), historyCap)
	}
}

func TestRecord_UnknownOutcomeRejected(t *testing.T) {
	tr := newTracker(t)
	_, err := tr.Record(context.Background(), "agent_1", "ads.campaign.pause", Outcome("shrug"))
	if !schema.IsKind(err, schema.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}
