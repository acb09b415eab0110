// Package store defines polymorphic persistence for the governance
// artifacts: one small interface per entity, each implemented in-memory
// (single instance, tests) and on Postgres/Redis (shared deployments).
package store

import (
	"context"

	"github.com/switchboard/backend/internal/schema"
)

// EnvelopeStore persists ActionEnvelopes. Update enforces optimistic
// versioning: the stored version must equal env.Version-1 or the call
// fails with a stale_version error.
type EnvelopeStore interface {
	Save(ctx context.Context, env *schema.ActionEnvelope) error
	Get(ctx context.Context, id string) (*schema.ActionEnvelope, error)
	Update(ctx context.Context, env *schema.ActionEnvelope) error
	List(ctx context.Context, filter EnvelopeFilter) ([]*schema.ActionEnvelope, error)
}

// EnvelopeFilter narrows envelope listings. Zero values match everything.
type EnvelopeFilter struct {
	PrincipalID    string
	OrganizationID string
	Status         schema.EnvelopeStatus
	Limit          int
}

// ProposalStore persists ActionProposals.
type ProposalStore interface {
	Save(ctx context.Context, p *schema.ActionProposal) error
	Get(ctx context.Context, id string) (*schema.ActionProposal, error)
}

// TraceStore persists DecisionTraces.
type TraceStore interface {
	Save(ctx context.Context, t *schema.DecisionTrace) error
	Get(ctx context.Context, id string) (*schema.DecisionTrace, error)
}

// ResultStore persists ExecuteResults.
type ResultStore interface {
	Save(ctx context.Context, r *schema.ExecuteResult) error
	Get(ctx context.Context, id string) (*schema.ExecuteResult, error)
}

// PolicyStore persists policies.
type PolicyStore interface {
	Save(ctx context.Context, p *schema.Policy) error
	Get(ctx context.Context, id string) (*schema.Policy, error)
	// ListActive returns active policies applicable to the given cartridge
	// and organization (policies with nil scope match everything).
	ListActive(ctx context.Context, cartridgeID, organizationID string) ([]*schema.Policy, error)
	Delete(ctx context.Context, id string) error
}

// IdentityStore persists identity specs and their overlays.
type IdentityStore interface {
	SaveSpec(ctx context.Context, spec *schema.IdentitySpec) error
	GetSpecByPrincipal(ctx context.Context, principalID string) (*schema.IdentitySpec, error)
	SaveOverlay(ctx context.Context, o *schema.RoleOverlay) error
	ListOverlays(ctx context.Context, principalID string) ([]*schema.RoleOverlay, error)
}

// ApprovalStore persists approval requests. UpdateState performs a
// compare-and-swap on Version; losers get a stale_version error.
type ApprovalStore interface {
	Save(ctx context.Context, r *schema.ApprovalRequest) error
	Get(ctx context.Context, id string) (*schema.ApprovalRequest, error)
	UpdateState(ctx context.Context, r *schema.ApprovalRequest, expectedVersion int) error
	ListPending(ctx context.Context, organizationID string) ([]*schema.ApprovalRequest, error)
}

// CompetenceStore persists per-principal, per-action competence records.
type CompetenceStore interface {
	Save(ctx context.Context, rec *schema.CompetenceRecord) error
	Get(ctx context.Context, principalID, actionType string) (*schema.CompetenceRecord, error)
}

// AuditFilter narrows audit queries.
type AuditFilter struct {
	EnvelopeID     string
	EventType      string
	OrganizationID string
	Limit          int
}

// AuditStore is the append-only ledger backing. AppendAtomic must present
// the current chain tip to build and persist the returned entry without a
// concurrent append interleaving; implementations serialize via an
// in-process mutex or a database-level lock.
type AuditStore interface {
	AppendAtomic(ctx context.Context, build func(prev *schema.AuditEntry) (*schema.AuditEntry, error)) (*schema.AuditEntry, error)
	GetLatest(ctx context.Context) (*schema.AuditEntry, error)
	Query(ctx context.Context, filter AuditFilter) ([]*schema.AuditEntry, error)
}

// ConnectionStore persists cartridge connections (credentials sealed
// before they get here).
type ConnectionStore interface {
	Save(ctx context.Context, c *schema.Connection) error
	Get(ctx context.Context, id string) (*schema.Connection, error)
	ListByOrganization(ctx context.Context, organizationID string) ([]*schema.Connection, error)
}

// ChannelStore persists managed notification channels.
type ChannelStore interface {
	Save(ctx context.Context, c *schema.ManagedChannel) error
	ListActive(ctx context.Context, organizationID string) ([]*schema.ManagedChannel, error)
}

// IdempotencyStore maps caller idempotency keys to envelope ids within a
// TTL window.
type IdempotencyStore interface {
	// PutIfAbsent records key → envelopeID and returns ("", true) on first
	// write, or (existingEnvelopeID, false) on replay.
	PutIfAbsent(ctx context.Context, key, envelopeID string) (string, bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
}

// NonceStore deduplicates inbound webhook nonces within the replay window.
type NonceStore interface {
	// Seen marks the nonce and reports whether it was already present.
	Seen(ctx context.Context, nonce string) (bool, error)
}

// Stores aggregates every store the orchestrator needs.
type Stores struct {
	Envelopes   EnvelopeStore
	Proposals   ProposalStore
	Traces      TraceStore
	Results     ResultStore
	Policies    PolicyStore
	Identities  IdentityStore
	Approvals   ApprovalStore
	Competence  CompetenceStore
	Audit       AuditStore
	Connections ConnectionStore
	Channels    ChannelStore
	Idempotency IdempotencyStore
	Nonces      NonceStore
}
