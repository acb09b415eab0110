package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/switchboard/backend/internal/schema"
)

// NewMemoryStores builds a full in-memory store set. Suitable for a single
// instance and for tests; multi-instance deployments must back the
// idempotency, nonce, and audit stores with shared infrastructure.
func NewMemoryStores() *Stores {
	return &Stores{
		Envelopes:   NewMemoryEnvelopeStore(),
		Proposals:   NewMemoryProposalStore(),
		Traces:      NewMemoryTraceStore(),
		Results:     NewMemoryResultStore(),
		Policies:    NewMemoryPolicyStore(),
		Identities:  NewMemoryIdentityStore(),
		Approvals:   NewMemoryApprovalStore(),
		Competence:  NewMemoryCompetenceStore(),
		Audit:       NewMemoryAuditStore(),
		Connections: NewMemoryConnectionStore(),
		Channels:    NewMemoryChannelStore(),
		Idempotency: NewMemoryIdempotencyStore(24 * time.Hour),
		Nonces:      NewMemoryNonceStore(10 * time.Minute),
	}
}

// ── Envelopes ────────────────────────────────────────────────────────────

type MemoryEnvelopeStore struct {
	mu   sync.RWMutex
	rows map[string]*schema.ActionEnvelope
}

func NewMemoryEnvelopeStore() *MemoryEnvelopeStore {
	return &MemoryEnvelopeStore{rows: make(map[string]*schema.ActionEnvelope)}
}

func copyEnvelope(e *schema.ActionEnvelope) *schema.ActionEnvelope {
	cp := *e
	cp.ProposalIDs = append([]string(nil), e.ProposalIDs...)
	cp.DecisionIDs = append([]string(nil), e.DecisionIDs...)
	cp.ApprovalRequestIDs = append([]string(nil), e.ApprovalRequestIDs...)
	cp.ExecutionResultIDs = append([]string(nil), e.ExecutionResultIDs...)
	cp.AuditEntryIDs = append([]string(nil), e.AuditEntryIDs...)
	cp.ResolvedEntities = append([]schema.ResolvedEntity(nil), e.ResolvedEntities...)
	return &cp
}

func (s *MemoryEnvelopeStore) Save(_ context.Context, env *schema.ActionEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[env.ID]; exists {
		return schema.E(schema.KindValidation, "envelope %s already exists", env.ID)
	}
	s.rows[env.ID] = copyEnvelope(env)
	return nil
}

func (s *MemoryEnvelopeStore) Get(_ context.Context, id string) (*schema.ActionEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, ok := s.rows[id]
	if !ok {
		return nil, schema.E(schema.KindNotFound, "envelope %s not found", id)
	}
	return copyEnvelope(env), nil
}

func (s *MemoryEnvelopeStore) Update(_ context.Context, env *schema.ActionEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[env.ID]
	if !ok {
		return schema.E(schema.KindNotFound, "envelope %s not found", env.ID)
	}
	if env.Version != cur.Version+1 {
		return schema.E(schema.KindStaleVersion,
			"envelope %s version conflict: have %d, update carries %d", env.ID, cur.Version, env.Version)
	}
	s.rows[env.ID] = copyEnvelope(env)
	return nil
}

func (s *MemoryEnvelopeStore) List(_ context.Context, f EnvelopeFilter) ([]*schema.ActionEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.ActionEnvelope
	for _, env := range s.rows {
		if f.PrincipalID != "" && env.PrincipalID != f.PrincipalID {
			continue
		}
		if f.OrganizationID != "" && env.OrganizationID != f.OrganizationID {
			continue
		}
		if f.Status != "" && env.Status != f.Status {
			continue
		}
		out = append(out, copyEnvelope(env))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ── Proposals / Traces / Results ─────────────────────────────────────────

type MemoryProposalStore struct {
	mu   sync.RWMutex
	rows map[string]*schema.ActionProposal
}

func NewMemoryProposalStore() *MemoryProposalStore {
	return &MemoryProposalStore{rows: make(map[string]*schema.ActionProposal)}
}

func (s *MemoryProposalStore) Save(_ context.Context, p *schema.ActionProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[p.ID] = p
	return nil
}

func (s *MemoryProposalStore) Get(_ context.Context, id string) (*schema.ActionProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.rows[id]
	if !ok {
		return nil, schema.E(schema.KindNotFound, "proposal %s not found", id)
	}
	return p, nil
}

type MemoryTraceStore struct {
	mu   sync.RWMutex
	rows map[string]*schema.DecisionTrace
}

func NewMemoryTraceStore() *MemoryTraceStore {
	return &MemoryTraceStore{rows: make(map[string]*schema.DecisionTrace)}
}

func (s *MemoryTraceStore) Save(_ context.Context, t *schema.DecisionTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[t.ID] = t
	return nil
}

func (s *MemoryTraceStore) Get(_ context.Context, id string) (*schema.DecisionTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.rows[id]
	if !ok {
		return nil, schema.E(schema.KindNotFound, "decision trace %s not found", id)
	}
	return t, nil
}

type MemoryResultStore struct {
	mu   sync.RWMutex
	rows map[string]*schema.ExecuteResult
}

func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{rows: make(map[string]*schema.ExecuteResult)}
}

func (s *MemoryResultStore) Save(_ context.Context, r *schema.ExecuteResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[r.ID] = r
	return nil
}

func (s *MemoryResultStore) Get(_ context.Context, id string) (*schema.ExecuteResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, schema.E(schema.KindNotFound, "execute result %s not found", id)
	}
	return r, nil
}

// ── Policies ─────────────────────────────────────────────────────────────

type MemoryPolicyStore struct {
	mu   sync.RWMutex
	rows map[string]*schema.Policy
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{rows: make(map[string]*schema.Policy)}
}

func (s *MemoryPolicyStore) Save(_ context.Context, p *schema.Policy) error {
	if err := schema.ValidatePolicy(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[p.ID] = p
	return nil
}

func (s *MemoryPolicyStore) Get(_ context.Context, id string) (*schema.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.rows[id]
	if !ok {
		return nil, schema.E(schema.KindNotFound, "policy %s not found", id)
	}
	return p, nil
}

func (s *MemoryPolicyStore) ListActive(_ context.Context, cartridgeID, organizationID string) ([]*schema.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.Policy
	for _, p := range s.rows {
		if !p.Active {
			continue
		}
		if p.CartridgeID != nil && *p.CartridgeID != cartridgeID {
			continue
		}
		if p.OrganizationID != nil && *p.OrganizationID != organizationID {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (s *MemoryPolicyStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return schema.E(schema.KindNotFound, "policy %s not found", id)
	}
	delete(s.rows, id)
	return nil
}

// ── Identities ───────────────────────────────────────────────────────────

type MemoryIdentityStore struct {
	mu       sync.RWMutex
	specs    map[string]*schema.IdentitySpec // keyed by principal id
	overlays map[string][]*schema.RoleOverlay
}

func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{
		specs:    make(map[string]*schema.IdentitySpec),
		overlays: make(map[string][]*schema.RoleOverlay),
	}
}

func (s *MemoryIdentityStore) SaveSpec(_ context.Context, spec *schema.IdentitySpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[spec.PrincipalID] = spec
	return nil
}

func (s *MemoryIdentityStore) GetSpecByPrincipal(_ context.Context, principalID string) (*schema.IdentitySpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specs[principalID]
	if !ok {
		return nil, schema.E(schema.KindNotFound, "identity spec for principal %s not found", principalID)
	}
	return spec, nil
}

func (s *MemoryIdentityStore) SaveOverlay(_ context.Context, o *schema.RoleOverlay) error {
	if err := schema.ValidateOverlay(o); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.overlays[o.PrincipalID]
	for i, cur := range existing {
		if cur.ID == o.ID {
			existing[i] = o
			return nil
		}
	}
	s.overlays[o.PrincipalID] = append(existing, o)
	return nil
}

func (s *MemoryIdentityStore) ListOverlays(_ context.Context, principalID string) ([]*schema.RoleOverlay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*schema.RoleOverlay(nil), s.overlays[principalID]...), nil
}

// ── Approvals ────────────────────────────────────────────────────────────

type MemoryApprovalStore struct {
	mu   sync.RWMutex
	rows map[string]*schema.ApprovalRequest
}

func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{rows: make(map[string]*schema.ApprovalRequest)}
}

func copyApproval(r *schema.ApprovalRequest) *schema.ApprovalRequest {
	cp := *r
	cp.Approvers = append([]string(nil), r.Approvers...)
	return &cp
}

func (s *MemoryApprovalStore) Save(_ context.Context, r *schema.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[r.ID] = copyApproval(r)
	return nil
}

func (s *MemoryApprovalStore) Get(_ context.Context, id string) (*schema.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, schema.E(schema.KindNotFound, "approval request %s not found", id)
	}
	return copyApproval(r), nil
}

func (s *MemoryApprovalStore) UpdateState(_ context.Context, r *schema.ApprovalRequest, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[r.ID]
	if !ok {
		return schema.E(schema.KindNotFound, "approval request %s not found", r.ID)
	}
	if cur.Version != expectedVersion {
		return schema.E(schema.KindStaleVersion,
			"approval %s version conflict: have %d, expected %d", r.ID, cur.Version, expectedVersion)
	}
	r.Version = expectedVersion + 1
	s.rows[r.ID] = copyApproval(r)
	return nil
}

func (s *MemoryApprovalStore) ListPending(_ context.Context, organizationID string) ([]*schema.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.ApprovalRequest
	for _, r := range s.rows {
		if r.Status != schema.ApprovalPending {
			continue
		}
		if organizationID != "" && r.OrganizationID != organizationID {
			continue
		}
		out = append(out, copyApproval(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// ── Competence ───────────────────────────────────────────────────────────

type MemoryCompetenceStore struct {
	mu   sync.RWMutex
	rows map[string]*schema.CompetenceRecord // principalID + "\x00" + actionType
}

func NewMemoryCompetenceStore() *MemoryCompetenceStore {
	return &MemoryCompetenceStore{rows: make(map[string]*schema.CompetenceRecord)}
}

func competenceKey(principalID, actionType string) string {
	return principalID + "\x00" + actionType
}

func (s *MemoryCompetenceStore) Save(_ context.Context, rec *schema.CompetenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[competenceKey(rec.PrincipalID, rec.ActionType)] = rec
	return nil
}

func (s *MemoryCompetenceStore) Get(_ context.Context, principalID, actionType string) (*schema.CompetenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rows[competenceKey(principalID, actionType)]
	if !ok {
		return nil, schema.E(schema.KindNotFound, "competence record for %s/%s not found", principalID, actionType)
	}
	return rec, nil
}

// ── Audit ────────────────────────────────────────────────────────────────

// MemoryAuditStore serializes appends with a mutex: the chain is a single
// total order.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*schema.AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) AppendAtomic(_ context.Context, build func(prev *schema.AuditEntry) (*schema.AuditEntry, error)) (*schema.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prev *schema.AuditEntry
	if n := len(s.entries); n > 0 {
		prev = s.entries[n-1]
	}
	entry, err := build(prev)
	if err != nil {
		return nil, err
	}
	s.entries = append(s.entries, entry)
	return entry, nil
}

func (s *MemoryAuditStore) GetLatest(_ context.Context) (*schema.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	return s.entries[len(s.entries)-1], nil
}

func (s *MemoryAuditStore) Query(_ context.Context, f AuditFilter) ([]*schema.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.AuditEntry
	for _, e := range s.entries {
		if f.EnvelopeID != "" && e.EnvelopeID != f.EnvelopeID {
			continue
		}
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if f.OrganizationID != "" && e.OrganizationID != f.OrganizationID {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// ── Connections / Channels ───────────────────────────────────────────────

type MemoryConnectionStore struct {
	mu   sync.RWMutex
	rows map[string]*schema.Connection
}

func NewMemoryConnectionStore() *MemoryConnectionStore {
	return &MemoryConnectionStore{rows: make(map[string]*schema.Connection)}
}

func (s *MemoryConnectionStore) Save(_ context.Context, c *schema.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[c.ID] = c
	return nil
}

func (s *MemoryConnectionStore) Get(_ context.Context, id string) (*schema.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.rows[id]
	if !ok {
		return nil, schema.E(schema.KindNotFound, "connection %s not found", id)
	}
	return c, nil
}

func (s *MemoryConnectionStore) ListByOrganization(_ context.Context, organizationID string) ([]*schema.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.Connection
	for _, c := range s.rows {
		if c.OrganizationID == organizationID {
			out = append(out, c)
		}
	}
	return out, nil
}

type MemoryChannelStore struct {
	mu   sync.RWMutex
	rows map[string]*schema.ManagedChannel
}

func NewMemoryChannelStore() *MemoryChannelStore {
	return &MemoryChannelStore{rows: make(map[string]*schema.ManagedChannel)}
}

func (s *MemoryChannelStore) Save(_ context.Context, c *schema.ManagedChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[c.ID] = c
	return nil
}

func (s *MemoryChannelStore) ListActive(_ context.Context, organizationID string) ([]*schema.ManagedChannel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.ManagedChannel
	for _, c := range s.rows {
		if c.Active && (organizationID == "" || c.OrganizationID == organizationID) {
			out = append(out, c)
		}
	}
	return out, nil
}

// ── Idempotency / Nonces ─────────────────────────────────────────────────

type idemEntry struct {
	envelopeID string
	storedAt   time.Time
}

type MemoryIdempotencyStore struct {
	mu   sync.Mutex
	rows map[string]idemEntry
	ttl  time.Duration
}

func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{rows: make(map[string]idemEntry), ttl: ttl}
}

func (s *MemoryIdempotencyStore) PutIfAbsent(_ context.Context, key, envelopeID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.rows[key]; ok && time.Since(cur.storedAt) < s.ttl {
		return cur.envelopeID, false, nil
	}
	s.rows[key] = idemEntry{envelopeID: envelopeID, storedAt: time.Now()}
	return "", true, nil
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[key]
	if !ok || time.Since(cur.storedAt) >= s.ttl {
		return "", false, nil
	}
	return cur.envelopeID, true, nil
}

type MemoryNonceStore struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
}

func NewMemoryNonceStore(window time.Duration) *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]time.Time), window: window}
}

func (s *MemoryNonceStore) Seen(_ context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	// Opportunistic expiry sweep; the map stays small within the window.
	for n, at := range s.seen {
		if now.Sub(at) > s.window {
			delete(s.seen, n)
		}
	}
	if _, ok := s.seen[nonce]; ok {
		return true, nil
	}
	s.seen[nonce] = now
	return false, nil
}
