// Package audit maintains the append-only hash-chained ledger. Each
// entry's hash covers the canonical JSON of the entry minus the hash
// itself, and includes the previous entry's hash, so any retroactive
// edit breaks every later link.
package audit

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/switchboard/backend/internal/canonical"
	"github.com/switchboard/backend/internal/schema"
	"github.com/switchboard/backend/internal/store"
)

const (
	chainHashVersion = 1
	schemaVersion    = 1
)

// Event is the material for one ledger entry, before hashing.
type Event struct {
	EventType       string
	ActorType       schema.PrincipalType
	ActorID         string
	EntityType      string
	EntityID        string
	RiskCategory    schema.RiskCategory
	Visibility      schema.VisibilityLevel
	Summary         string
	Snapshot        map[string]any
	EnvelopeID      string
	OrganizationID  string
	TraceID         string
	Evidence        []schema.EvidencePointer
}

// Ledger appends and verifies audit entries.
type Ledger struct {
	store    store.AuditStore
	redactor *Redactor
	logger   *slog.Logger
	now      func() time.Time
}

func NewLedger(s store.AuditStore, redactor *Redactor) *Ledger {
	if redactor == nil {
		redactor = DefaultRedactor()
	}
	return &Ledger{
		store:    s,
		redactor: redactor,
		logger:   slog.With("component", "audit"),
		now:      time.Now,
	}
}

// Record appends one entry, redacting the snapshot before hashing so the
// hash commits to exactly what the ledger stores.
func (l *Ledger) Record(ctx context.Context, ev Event) (*schema.AuditEntry, error) {
	entry, err := l.store.AppendAtomic(ctx, func(prev *schema.AuditEntry) (*schema.AuditEntry, error) {
		snapshot, redactedPaths := l.redactor.Redact(ev.Snapshot)
		visibility := ev.Visibility
		if visibility == "" {
			visibility = schema.VisibilityOrg
		}
		e := &schema.AuditEntry{
			ID:               schema.NewID("aud"),
			EventType:        ev.EventType,
			Timestamp:        l.now().UnixMilli(),
			ActorType:        ev.ActorType,
			ActorID:          ev.ActorID,
			EntityType:       ev.EntityType,
			EntityID:         ev.EntityID,
			RiskCategory:     ev.RiskCategory,
			VisibilityLevel:  visibility,
			Summary:          ev.Summary,
			Snapshot:         snapshot,
			EvidencePointers: ev.Evidence,
			RedactionApplied: len(redactedPaths) > 0,
			RedactedFields:   redactedPaths,
			ChainHashVersion: chainHashVersion,
			SchemaVersion:    schemaVersion,
			EnvelopeID:       ev.EnvelopeID,
			OrganizationID:   ev.OrganizationID,
			TraceID:          ev.TraceID,
		}
		if prev != nil {
			e.PreviousEntryHash = prev.EntryHash
		}
		hash, err := EntryHash(e)
		if err != nil {
			return nil, err
		}
		e.EntryHash = hash
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Debug("audit entry appended",
		"entryId", entry.ID, "event", entry.EventType, "envelopeId", entry.EnvelopeID)
	return entry, nil
}

// Query proxies the store's filtered read.
func (l *Ledger) Query(ctx context.Context, f store.AuditFilter) ([]*schema.AuditEntry, error) {
	return l.store.Query(ctx, f)
}

// EntryHash computes the canonical hash of an entry minus EntryHash.
func EntryHash(e *schema.AuditEntry) (string, error) {
	clone := *e
	clone.EntryHash = ""
	return canonical.Hash(&clone)
}

// VerifyResult reports ledger integrity.
type VerifyResult struct {
	Entries int `json:"entries"`
	// ChainBreakAt is the index of the first previous-hash mismatch, -1
	// when the chain links cleanly.
	ChainBreakAt int `json:"chainBreakAt"`
	// HashMismatches lists indexes whose stored hash does not match a
	// recomputation from the entry's own fields (deep check only).
	HashMismatches []int `json:"hashMismatches,omitempty"`
}

// Intact reports whether verification found no defects.
func (r VerifyResult) Intact() bool {
	return r.ChainBreakAt == -1 && len(r.HashMismatches) == 0
}

// VerifyChain checks that consecutive entries link: each entry's
// previousEntryHash equals its predecessor's entryHash.
func (l *Ledger) VerifyChain(ctx context.Context) (VerifyResult, error) {
	entries, err := l.store.Query(ctx, store.AuditFilter{})
	if err != nil {
		return VerifyResult{}, err
	}
	return verifyChain(entries, false)
}

// VerifyDeep additionally recomputes every entry hash.
func (l *Ledger) VerifyDeep(ctx context.Context) (VerifyResult, error) {
	entries, err := l.store.Query(ctx, store.AuditFilter{})
	if err != nil {
		return VerifyResult{}, err
	}
	return verifyChain(entries, true)
}

func verifyChain(entries []*schema.AuditEntry, deep bool) (VerifyResult, error) {
	result := VerifyResult{Entries: len(entries), ChainBreakAt: -1}
	for i, e := range entries {
		if i == 0 {
			if e.PreviousEntryHash != "" && result.ChainBreakAt == -1 {
				result.ChainBreakAt = 0
			}
		} else if e.PreviousEntryHash != entries[i-1].EntryHash && result.ChainBreakAt == -1 {
			result.ChainBreakAt = i
		}
		if deep {
			recomputed, err := EntryHash(e)
			if err != nil {
				return result, err
			}
			if recomputed != e.EntryHash {
				result.HashMismatches = append(result.HashMismatches, i)
			}
		}
	}
	return result, nil
}

// ── redaction ────────────────────────────────────────────────────────────

// Redactor stars out snapshot values whose key matches a sensitive
// pattern, recursing through nested maps. Redaction runs before hashing;
// the redacted path list is itself part of the hashed entry.
type Redactor struct {
	patterns []*regexp.Regexp
}

const redactedPlaceholder = "***"

// DefaultRedactor matches the usual credential-bearing key names.
func DefaultRedactor() *Redactor {
	return NewRedactor([]string{
		`(?i)password`,
		`(?i)secret`,
		`(?i)token`,
		`(?i)api[_-]?key`,
		`(?i)credential`,
		`(?i)authorization`,
	})
}

func NewRedactor(patterns []string) *Redactor {
	r := &Redactor{}
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			r.patterns = append(r.patterns, re)
		}
	}
	return r
}

// Redact returns a deep copy with sensitive values starred, plus the
// dotted paths it touched. A snapshot with no sensitive keys comes back
// equal to its input.
func (r *Redactor) Redact(snapshot map[string]any) (map[string]any, []string) {
	if snapshot == nil {
		return nil, nil
	}
	var paths []string
	out := r.redactMap(snapshot, "", &paths)
	// Hashing needs stable content; map iteration order is not.
	sort.Strings(paths)
	return out, paths
}

func (r *Redactor) redactMap(m map[string]any, prefix string, paths *[]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if r.sensitive(k) {
			out[k] = redactedPlaceholder
			*paths = append(*paths, path)
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = r.redactMap(nested, path, paths)
			continue
		}
		out[k] = v
	}
	return out
}

func (r *Redactor) sensitive(key string) bool {
	for _, re := range r.patterns {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}

