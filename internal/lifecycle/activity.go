package lifecycle

import (
	"sync"
	"time"

	"github.com/switchboard/backend/internal/schema"
)

// compositeWindow is the trailing window the composite risk adjustment
// looks at.
const compositeWindow = time.Hour

// activityTracker remembers recent per-principal activity so the scorer
// can detect bursts, cumulative exposure, and target spread. Process
// local: composite risk is a heuristic raise, not an accounting system.
type activityTracker struct {
	mu     sync.Mutex
	recent map[string][]activityEvent
}

type activityEvent struct {
	at          time.Time
	entityID    string
	cartridgeID string
	exposure    float64
}

func newActivityTracker() *activityTracker {
	return &activityTracker{recent: make(map[string][]activityEvent)}
}

func (t *activityTracker) record(principalID, entityID, cartridgeID string, exposure float64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	events := t.prune(principalID, now)
	t.recent[principalID] = append(events, activityEvent{
		at:          now,
		entityID:    entityID,
		cartridgeID: cartridgeID,
		exposure:    exposure,
	})
}

// context summarizes the trailing window, including the action under
// evaluation itself.
func (t *activityTracker) context(principalID, entityID, cartridgeID string, exposure float64, now time.Time) *schema.CompositeRiskContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	events := t.prune(principalID, now)
	t.recent[principalID] = events

	entities := map[string]bool{}
	cartridges := map[string]bool{}
	if entityID != "" {
		entities[entityID] = true
	}
	if cartridgeID != "" {
		cartridges[cartridgeID] = true
	}
	cumulative := exposure
	for _, e := range events {
		if e.entityID != "" {
			entities[e.entityID] = true
		}
		if e.cartridgeID != "" {
			cartridges[e.cartridgeID] = true
		}
		cumulative += e.exposure
	}
	return &schema.CompositeRiskContext{
		RecentActionCount:      len(events) + 1,
		WindowMs:               compositeWindow.Milliseconds(),
		CumulativeExposure:     cumulative,
		DistinctTargetEntities: len(entities),
		DistinctCartridges:     len(cartridges),
	}
}

// prune drops events older than the window. Caller holds the lock.
func (t *activityTracker) prune(principalID string, now time.Time) []activityEvent {
	events := t.recent[principalID]
	cutoff := now.Add(-compositeWindow)
	kept := events[:0]
	for _, e := range events {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}
