package guard

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/switchboard/backend/internal/canonical"
	"github.com/switchboard/backend/internal/schema"
	"github.com/switchboard/backend/pkg/cartridge"
)

// ── idempotency ──────────────────────────────────────────────────────────

// IdempotencyInterceptor replays a prior successful result for the same
// (envelopeId, actionType, parameterHash) within the TTL instead of
// re-invoking the cartridge.
type IdempotencyInterceptor struct {
	ttl   time.Duration
	mu    sync.Mutex
	cache map[string]idemEntry
}

type idemEntry struct {
	result   *schema.ExecuteResult
	storedAt time.Time
}

func NewIdempotencyInterceptor(ttl time.Duration) *IdempotencyInterceptor {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyInterceptor{ttl: ttl, cache: make(map[string]idemEntry)}
}

func (i *IdempotencyInterceptor) Name() string { return "idempotency" }

func (i *IdempotencyInterceptor) key(call *cartridge.ActionCall) (string, error) {
	paramHash, err := canonical.ParameterHash(call.Parameters)
	if err != nil {
		return "", err
	}
	return call.EnvelopeID + "|" + call.ActionType + "|" + paramHash, nil
}

func (i *IdempotencyInterceptor) BeforeExecute(_ context.Context, call *cartridge.ActionCall) (*schema.ExecuteResult, error) {
	key, err := i.key(call)
	if err != nil {
		return nil, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if entry, ok := i.cache[key]; ok {
		if time.Since(entry.storedAt) < i.ttl {
			return entry.result, nil
		}
		delete(i.cache, key)
	}
	return nil, nil
}

func (i *IdempotencyInterceptor) AfterExecute(_ context.Context, call *cartridge.ActionCall, result *schema.ExecuteResult) (*schema.ExecuteResult, error) {
	if result != nil && result.Success {
		key, err := i.key(call)
		if err != nil {
			return nil, err
		}
		i.mu.Lock()
		i.cache[key] = idemEntry{result: result, storedAt: time.Now()}
		i.mu.Unlock()
	}
	return result, nil
}

func (i *IdempotencyInterceptor) OnError(context.Context, *cartridge.ActionCall, error) (*schema.ExecuteResult, error) {
	return nil, nil
}

// ── post-mutation verification ───────────────────────────────────────────

// VerificationInterceptor confirms, for the configured action types,
// that the mutation actually took effect by re-reading the target entity
// through the cartridge's read path. The summary gets annotated either
// way; verification never fails the execution.
type VerificationInterceptor struct {
	capturer cartridge.SnapshotCapturer
	// actionTypes limits verification; empty verifies nothing.
	actionTypes map[string]bool
	// check inspects the post-mutation snapshot and reports whether the
	// expected state holds.
	check func(call *cartridge.ActionCall, snapshot map[string]any) bool
}

func NewVerificationInterceptor(capturer cartridge.SnapshotCapturer, actionTypes []string, check func(*cartridge.ActionCall, map[string]any) bool) *VerificationInterceptor {
	set := make(map[string]bool, len(actionTypes))
	for _, at := range actionTypes {
		set[at] = true
	}
	return &VerificationInterceptor{capturer: capturer, actionTypes: set, check: check}
}

func (v *VerificationInterceptor) Name() string { return "verification" }

func (v *VerificationInterceptor) BeforeExecute(context.Context, *cartridge.ActionCall) (*schema.ExecuteResult, error) {
	return nil, nil
}

func (v *VerificationInterceptor) AfterExecute(ctx context.Context, call *cartridge.ActionCall, result *schema.ExecuteResult) (*schema.ExecuteResult, error) {
	if result == nil || !result.Success || !v.actionTypes[call.ActionType] || v.capturer == nil {
		return result, nil
	}
	entityID, _ := call.Parameters["entityId"].(string)
	if entityID == "" {
		return result, nil
	}
	snapshot, err := v.capturer.CaptureSnapshot(ctx, entityID)
	if err == nil && v.check != nil && v.check(call, snapshot) {
		result.Summary += " [verified]"
	} else {
		result.Summary += " [verification pending]"
	}
	return result, nil
}

func (v *VerificationInterceptor) OnError(context.Context, *cartridge.ActionCall, error) (*schema.ExecuteResult, error) {
	return nil, nil
}

// ── redaction ────────────────────────────────────────────────────────────

// RedactionInterceptor stars sensitive external refs before results flow
// into audit snapshots and API responses.
type RedactionInterceptor struct {
	patterns []*regexp.Regexp
}

func NewRedactionInterceptor(patterns []string) *RedactionInterceptor {
	if len(patterns) == 0 {
		patterns = []string{`(?i)secret`, `(?i)token`, `(?i)password`, `(?i)credential`}
	}
	r := &RedactionInterceptor{}
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			r.patterns = append(r.patterns, re)
		}
	}
	return r
}

func (r *RedactionInterceptor) Name() string { return "redaction" }

func (r *RedactionInterceptor) BeforeExecute(context.Context, *cartridge.ActionCall) (*schema.ExecuteResult, error) {
	return nil, nil
}

func (r *RedactionInterceptor) AfterExecute(_ context.Context, _ *cartridge.ActionCall, result *schema.ExecuteResult) (*schema.ExecuteResult, error) {
	if result == nil {
		return nil, nil
	}
	for key := range result.ExternalRefs {
		for _, re := range r.patterns {
			if re.MatchString(key) {
				result.ExternalRefs[key] = "***"
				break
			}
		}
	}
	return result, nil
}

func (r *RedactionInterceptor) OnError(context.Context, *cartridge.ActionCall, error) (*schema.ExecuteResult, error) {
	return nil, nil
}
