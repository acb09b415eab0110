// Package guardrail keeps the hot per-principal counters the policy
// engine consults: action counts inside rolling windows, last-touch
// times per entity for cooldowns, and cumulative spend per window.
// Counters are process-local and striped for concurrency; deployments
// with more than one instance swap in the Redis-backed variant so every
// instance sees the same counts.
package guardrail

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Window identifies a cumulative spend window.
type Window string

const (
	WindowDaily   Window = "daily"
	WindowWeekly  Window = "weekly"
	WindowMonthly Window = "monthly"
)

func windowDuration(w Window) time.Duration {
	switch w {
	case WindowWeekly:
		return 7 * 24 * time.Hour
	case WindowMonthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// State is what the policy engine needs at evaluation time.
type State interface {
	// CountInWindow returns how many actions the key performed within
	// the trailing window ending now.
	CountInWindow(ctx context.Context, key string, window time.Duration, now time.Time) (int, error)
	// RecordAction notes one action for rate and cooldown accounting.
	RecordAction(ctx context.Context, key, entityID string, now time.Time) error
	// LastTouched returns when entityID was last acted on, or zero.
	LastTouched(ctx context.Context, entityID string) (time.Time, error)
}

// SpendLookup answers cumulative spend questions. The orchestrator
// records spend after successful execution; the engine only reads.
type SpendLookup interface {
	CumulativeSpend(ctx context.Context, principalID string, w Window, now time.Time) (float64, error)
	RecordSpend(ctx context.Context, principalID string, amount float64, now time.Time) error
}

// ── in-memory implementation ─────────────────────────────────────────────

const stripes = 32

type stripe struct {
	mu          sync.Mutex
	actionTimes map[string][]time.Time // key → timestamps, pruned on read
	lastTouch   map[string]time.Time   // entity id → last action
	spend       map[string][]spendEvent
}

type spendEvent struct {
	at     time.Time
	amount float64
}

// MemoryState implements State and SpendLookup with striped locks.
type MemoryState struct {
	stripes [stripes]*stripe
	// retention bounds how far back we keep events; everything older
	// than the longest window is garbage.
	retention time.Duration
}

func NewMemoryState() *MemoryState {
	m := &MemoryState{retention: windowDuration(WindowMonthly)}
	for i := range m.stripes {
		m.stripes[i] = &stripe{
			actionTimes: make(map[string][]time.Time),
			lastTouch:   make(map[string]time.Time),
			spend:       make(map[string][]spendEvent),
		}
	}
	return m
}

func (m *MemoryState) stripeFor(key string) *stripe {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.stripes[h.Sum32()%stripes]
}

func (m *MemoryState) CountInWindow(_ context.Context, key string, window time.Duration, now time.Time) (int, error) {
	s := m.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-window)
	times := s.actionTimes[key]
	kept := times[:0]
	count := 0
	for _, t := range times {
		if now.Sub(t) <= m.retention {
			kept = append(kept, t)
		}
		if t.After(cutoff) {
			count++
		}
	}
	s.actionTimes[key] = kept
	return count, nil
}

func (m *MemoryState) RecordAction(_ context.Context, key, entityID string, now time.Time) error {
	s := m.stripeFor(key)
	s.mu.Lock()
	s.actionTimes[key] = append(s.actionTimes[key], now)
	s.mu.Unlock()

	if entityID != "" {
		es := m.stripeFor(entityID)
		es.mu.Lock()
		es.lastTouch[entityID] = now
		es.mu.Unlock()
	}
	return nil
}

func (m *MemoryState) LastTouched(_ context.Context, entityID string) (time.Time, error) {
	s := m.stripeFor(entityID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTouch[entityID], nil
}

func (m *MemoryState) CumulativeSpend(_ context.Context, principalID string, w Window, now time.Time) (float64, error) {
	s := m.stripeFor(principalID)
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-windowDuration(w))
	events := s.spend[principalID]
	kept := events[:0]
	total := 0.0
	for _, e := range events {
		if now.Sub(e.at) <= m.retention {
			kept = append(kept, e)
		}
		if e.at.After(cutoff) {
			total += e.amount
		}
	}
	s.spend[principalID] = kept
	return total, nil
}

func (m *MemoryState) RecordSpend(_ context.Context, principalID string, amount float64, now time.Time) error {
	s := m.stripeFor(principalID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spend[principalID] = append(s.spend[principalID], spendEvent{at: now, amount: amount})
	return nil
}

// ── redis implementation ─────────────────────────────────────────────────

// RedisState shares counters across instances using sorted sets keyed by
// millisecond score, trimmed to the retention horizon on every write.
type RedisState struct {
	client *redis.Client
}

func NewRedisState(client *redis.Client) *RedisState {
	return &RedisState{client: client}
}

func actionKey(key string) string   { return "swb:guard:act:" + key }
func touchKey(entity string) string { return "swb:guard:touch:" + entity }
func spendKey(p string) string      { return "swb:guard:spend:" + p }

func (r *RedisState) CountInWindow(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	min := fmt.Sprintf("%d", now.Add(-window).UnixMilli())
	n, err := r.client.ZCount(ctx, actionKey(key), min, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("guardrail count: %w", err)
	}
	return int(n), nil
}

func (r *RedisState) RecordAction(ctx context.Context, key, entityID string, now time.Time) error {
	ms := now.UnixMilli()
	pipe := r.client.TxPipeline()
	// Members carry a unique suffix so same-millisecond actions don't
	// collapse into one ZSet entry and undercount the window.
	pipe.ZAdd(ctx, actionKey(key), redis.Z{Score: float64(ms), Member: fmt.Sprintf("%d:%s", ms, uuid.NewString())})
	pipe.ZRemRangeByScore(ctx, actionKey(key), "0",
		fmt.Sprintf("%d", now.Add(-windowDuration(WindowMonthly)).UnixMilli()))
	pipe.Expire(ctx, actionKey(key), windowDuration(WindowMonthly))
	if entityID != "" {
		pipe.Set(ctx, touchKey(entityID), ms, windowDuration(WindowMonthly))
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("guardrail record: %w", err)
	}
	return nil
}

func (r *RedisState) LastTouched(ctx context.Context, entityID string) (time.Time, error) {
	ms, err := r.client.Get(ctx, touchKey(entityID)).Int64()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("guardrail last touch: %w", err)
	}
	return time.UnixMilli(ms), nil
}

func (r *RedisState) CumulativeSpend(ctx context.Context, principalID string, w Window, now time.Time) (float64, error) {
	min := fmt.Sprintf("%d", now.Add(-windowDuration(w)).UnixMilli())
	members, err := r.client.ZRangeByScore(ctx, spendKey(principalID), &redis.ZRangeBy{
		Min: min, Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("guardrail spend: %w", err)
	}
	total := 0.0
	for _, m := range members {
		var ms int64
		var amount float64
		if _, err := fmt.Sscanf(m, "%d:%f", &ms, &amount); err == nil {
			total += amount
		}
	}
	return total, nil
}

func (r *RedisState) RecordSpend(ctx context.Context, principalID string, amount float64, now time.Time) error {
	ms := now.UnixMilli()
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, spendKey(principalID), redis.Z{
		Score:  float64(ms),
		Member: fmt.Sprintf("%d:%f:%s", ms, amount, uuid.NewString()),
	})
	pipe.ZRemRangeByScore(ctx, spendKey(principalID), "0",
		fmt.Sprintf("%d", now.Add(-windowDuration(WindowMonthly)).UnixMilli()))
	pipe.Expire(ctx, spendKey(principalID), windowDuration(WindowMonthly))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("guardrail record spend: %w", err)
	}
	return nil
}
