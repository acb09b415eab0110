package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/switchboard/backend/internal/schema"
)

// PostgresStores backs every entity store with one Postgres database.
// Each entity lives in its own table as a JSONB payload plus the columns
// the queries filter or index on; audit entries additionally index
// entry_hash/previous_entry_hash for chain verification scans.
type PostgresStores struct {
	db *sql.DB
}

// OpenPostgres connects via DATABASE_URL-style DSN and runs migrations.
func OpenPostgres(dsn string) (*PostgresStores, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	ps := &PostgresStores{db: db}
	if err := ps.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("Postgres connected")
	return ps, nil
}

// Close releases the connection pool.
func (p *PostgresStores) Close() error { return p.db.Close() }

// Stores returns a Stores set backed by this database. Idempotency and
// nonce stores are not SQL-backed; the caller wires Redis or memory.
func (p *PostgresStores) Stores(idem IdempotencyStore, nonces NonceStore) *Stores {
	return &Stores{
		Envelopes:   &pgEnvelopeStore{db: p.db},
		Proposals:   &pgDocStore[schema.ActionProposal]{db: p.db, table: "proposals", kind: "proposal"},
		Traces:      &pgDocStore[schema.DecisionTrace]{db: p.db, table: "decision_traces", kind: "decision trace"},
		Results:     &pgDocStore[schema.ExecuteResult]{db: p.db, table: "execute_results", kind: "execute result"},
		Policies:    &pgPolicyStore{db: p.db},
		Identities:  &pgIdentityStore{db: p.db},
		Approvals:   &pgApprovalStore{db: p.db},
		Competence:  &pgCompetenceStore{db: p.db},
		Audit:       &pgAuditStore{db: p.db},
		Connections: &pgConnectionStore{db: p.db},
		Channels:    &pgChannelStore{db: p.db},
		Idempotency: idem,
		Nonces:      nonces,
	}
}

func (p *PostgresStores) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS envelopes (
			id TEXT PRIMARY KEY,
			version INT NOT NULL,
			status TEXT NOT NULL,
			principal_id TEXT NOT NULL,
			organization_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			doc JSONB NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS idx_envelopes_principal ON envelopes (principal_id)`,
		`CREATE INDEX IF NOT EXISTS idx_envelopes_status ON envelopes (status)`,
		`CREATE TABLE IF NOT EXISTS proposals (id TEXT PRIMARY KEY, doc JSONB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS decision_traces (id TEXT PRIMARY KEY, doc JSONB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS execute_results (id TEXT PRIMARY KEY, doc JSONB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS policies (
			id TEXT PRIMARY KEY,
			priority INT NOT NULL,
			active BOOLEAN NOT NULL,
			cartridge_id TEXT,
			organization_id TEXT,
			doc JSONB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS identity_specs (
			principal_id TEXT PRIMARY KEY,
			doc JSONB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS role_overlays (
			id TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			doc JSONB NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS idx_overlays_principal ON role_overlays (principal_id)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			envelope_id TEXT NOT NULL,
			organization_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			version INT NOT NULL,
			created_at BIGINT NOT NULL,
			doc JSONB NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_pending ON approvals (status, organization_id)`,
		`CREATE TABLE IF NOT EXISTS competence (
			principal_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			doc JSONB NOT NULL,
			PRIMARY KEY (principal_id, action_type))`,
		`CREATE TABLE IF NOT EXISTS audit_entries (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT UNIQUE NOT NULL,
			envelope_id TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			organization_id TEXT NOT NULL DEFAULT '',
			entry_hash TEXT NOT NULL,
			previous_entry_hash TEXT NOT NULL DEFAULT '',
			doc JSONB NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_envelope ON audit_entries (envelope_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_hash ON audit_entries (entry_hash)`,
		`CREATE TABLE IF NOT EXISTS connections (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			doc JSONB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			active BOOLEAN NOT NULL,
			doc JSONB NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ── generic JSONB document store ─────────────────────────────────────────

type pgDocStore[T any] struct {
	db    *sql.DB
	table string
	kind  string
}

func (s *pgDocStore[T]) Save(ctx context.Context, row *T) error {
	doc, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", s.kind, err)
	}
	id, err := docID(doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+s.table+` (id, doc) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, id, doc)
	return err
}

func (s *pgDocStore[T]) Get(ctx context.Context, id string) (*T, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM `+s.table+` WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.E(schema.KindNotFound, "%s %s not found", s.kind, id)
	}
	if err != nil {
		return nil, err
	}
	var row T
	if err := json.Unmarshal(doc, &row); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", s.kind, err)
	}
	return &row, nil
}

func docID(doc []byte) (string, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(doc, &probe); err != nil || probe.ID == "" {
		return "", schema.E(schema.KindValidation, "document has no id")
	}
	return probe.ID, nil
}

// ── envelopes ────────────────────────────────────────────────────────────

type pgEnvelopeStore struct{ db *sql.DB }

func (s *pgEnvelopeStore) Save(ctx context.Context, env *schema.ActionEnvelope) error {
	doc, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO envelopes (id, version, status, principal_id, organization_id, created_at, doc)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		env.ID, env.Version, env.Status, env.PrincipalID, env.OrganizationID, env.CreatedAt, doc)
	return err
}

func (s *pgEnvelopeStore) Get(ctx context.Context, id string) (*schema.ActionEnvelope, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM envelopes WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.E(schema.KindNotFound, "envelope %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	var env schema.ActionEnvelope
	if err := json.Unmarshal(doc, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (s *pgEnvelopeStore) Update(ctx context.Context, env *schema.ActionEnvelope) error {
	doc, err := json.Marshal(env)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE envelopes SET version = $2, status = $3, doc = $4 WHERE id = $1 AND version = $2 - 1`,
		env.ID, env.Version, env.Status, doc)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either missing or a concurrent writer advanced the version.
		if _, getErr := s.Get(ctx, env.ID); getErr != nil {
			return getErr
		}
		return schema.E(schema.KindStaleVersion, "envelope %s version conflict", env.ID)
	}
	return nil
}

func (s *pgEnvelopeStore) List(ctx context.Context, f EnvelopeFilter) ([]*schema.ActionEnvelope, error) {
	q := `SELECT doc FROM envelopes WHERE 1=1`
	args := []any{}
	if f.PrincipalID != "" {
		args = append(args, f.PrincipalID)
		q += fmt.Sprintf(" AND principal_id = $%d", len(args))
	}
	if f.OrganizationID != "" {
		args = append(args, f.OrganizationID)
		q += fmt.Sprintf(" AND organization_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*schema.ActionEnvelope
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var env schema.ActionEnvelope
		if err := json.Unmarshal(doc, &env); err != nil {
			return nil, err
		}
		out = append(out, &env)
	}
	return out, rows.Err()
}

// ── policies ─────────────────────────────────────────────────────────────

type pgPolicyStore struct{ db *sql.DB }

func (s *pgPolicyStore) Save(ctx context.Context, p *schema.Policy) error {
	if err := schema.ValidatePolicy(p); err != nil {
		return err
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policies (id, priority, active, cartridge_id, organization_id, doc)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET priority = EXCLUDED.priority, active = EXCLUDED.active,
			cartridge_id = EXCLUDED.cartridge_id, organization_id = EXCLUDED.organization_id, doc = EXCLUDED.doc`,
		p.ID, p.Priority, p.Active, p.CartridgeID, p.OrganizationID, doc)
	return err
}

func (s *pgPolicyStore) Get(ctx context.Context, id string) (*schema.Policy, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM policies WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.E(schema.KindNotFound, "policy %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	var p schema.Policy
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *pgPolicyStore) ListActive(ctx context.Context, cartridgeID, organizationID string) ([]*schema.Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM policies
		 WHERE active = TRUE
		   AND (cartridge_id IS NULL OR cartridge_id = $1)
		   AND (organization_id IS NULL OR organization_id = $2)
		 ORDER BY priority ASC`, cartridgeID, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*schema.Policy
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var p schema.Policy
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *pgPolicyStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.E(schema.KindNotFound, "policy %s not found", id)
	}
	return nil
}

// ── identities ───────────────────────────────────────────────────────────

type pgIdentityStore struct{ db *sql.DB }

func (s *pgIdentityStore) SaveSpec(ctx context.Context, spec *schema.IdentitySpec) error {
	doc, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO identity_specs (principal_id, doc) VALUES ($1, $2)
		 ON CONFLICT (principal_id) DO UPDATE SET doc = EXCLUDED.doc`,
		spec.PrincipalID, doc)
	return err
}

func (s *pgIdentityStore) GetSpecByPrincipal(ctx context.Context, principalID string) (*schema.IdentitySpec, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM identity_specs WHERE principal_id = $1`, principalID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.E(schema.KindNotFound, "identity spec for principal %s not found", principalID)
	}
	if err != nil {
		return nil, err
	}
	var spec schema.IdentitySpec
	if err := json.Unmarshal(doc, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (s *pgIdentityStore) SaveOverlay(ctx context.Context, o *schema.RoleOverlay) error {
	if err := schema.ValidateOverlay(o); err != nil {
		return err
	}
	doc, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO role_overlays (id, principal_id, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
		o.ID, o.PrincipalID, doc)
	return err
}

func (s *pgIdentityStore) ListOverlays(ctx context.Context, principalID string) ([]*schema.RoleOverlay, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM role_overlays WHERE principal_id = $1`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*schema.RoleOverlay
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var o schema.RoleOverlay
		if err := json.Unmarshal(doc, &o); err != nil {
			return nil, err
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// ── approvals ────────────────────────────────────────────────────────────

type pgApprovalStore struct{ db *sql.DB }

func (s *pgApprovalStore) Save(ctx context.Context, r *schema.ApprovalRequest) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, envelope_id, organization_id, status, version, created_at, doc)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.EnvelopeID, r.OrganizationID, r.Status, r.Version, r.CreatedAt, doc)
	return err
}

func (s *pgApprovalStore) Get(ctx context.Context, id string) (*schema.ApprovalRequest, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM approvals WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.E(schema.KindNotFound, "approval request %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	var r schema.ApprovalRequest
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *pgApprovalStore) UpdateState(ctx context.Context, r *schema.ApprovalRequest, expectedVersion int) error {
	r.Version = expectedVersion + 1
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = $2, version = $3, doc = $4 WHERE id = $1 AND version = $5`,
		r.ID, r.Status, r.Version, doc, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.Get(ctx, r.ID); getErr != nil {
			return getErr
		}
		return schema.E(schema.KindStaleVersion, "approval %s version conflict", r.ID)
	}
	return nil
}

func (s *pgApprovalStore) ListPending(ctx context.Context, organizationID string) ([]*schema.ApprovalRequest, error) {
	q := `SELECT doc FROM approvals WHERE status = 'pending'`
	args := []any{}
	if organizationID != "" {
		args = append(args, organizationID)
		q += " AND organization_id = $1"
	}
	q += " ORDER BY created_at ASC"
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*schema.ApprovalRequest
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r schema.ApprovalRequest
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ── competence ───────────────────────────────────────────────────────────

type pgCompetenceStore struct{ db *sql.DB }

func (s *pgCompetenceStore) Save(ctx context.Context, rec *schema.CompetenceRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO competence (principal_id, action_type, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (principal_id, action_type) DO UPDATE SET doc = EXCLUDED.doc`,
		rec.PrincipalID, rec.ActionType, doc)
	return err
}

func (s *pgCompetenceStore) Get(ctx context.Context, principalID, actionType string) (*schema.CompetenceRecord, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM competence WHERE principal_id = $1 AND action_type = $2`,
		principalID, actionType).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.E(schema.KindNotFound, "competence record for %s/%s not found", principalID, actionType)
	}
	if err != nil {
		return nil, err
	}
	var rec schema.CompetenceRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ── audit ────────────────────────────────────────────────────────────────

// Advisory lock key guarding the audit chain tip across instances.
const auditChainLockKey = 0x5157_4244 // "SWBD"

type pgAuditStore struct{ db *sql.DB }

func (s *pgAuditStore) AppendAtomic(ctx context.Context, build func(prev *schema.AuditEntry) (*schema.AuditEntry, error)) (*schema.AuditEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Serialize chain appends across all writers, not just this process.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLockKey); err != nil {
		return nil, fmt.Errorf("audit chain lock: %w", err)
	}

	var prev *schema.AuditEntry
	var doc []byte
	err = tx.QueryRowContext(ctx, `SELECT doc FROM audit_entries ORDER BY seq DESC LIMIT 1`).Scan(&doc)
	if err == nil {
		var e schema.AuditEntry
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, err
		}
		prev = &e
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	entry, err := build(prev)
	if err != nil {
		return nil, err
	}
	entryDoc, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_entries (id, envelope_id, event_type, organization_id, entry_hash, previous_entry_hash, doc)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.EnvelopeID, entry.EventType, entry.OrganizationID,
		entry.EntryHash, entry.PreviousEntryHash, entryDoc)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *pgAuditStore) GetLatest(ctx context.Context) (*schema.AuditEntry, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM audit_entries ORDER BY seq DESC LIMIT 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e schema.AuditEntry
	if err := json.Unmarshal(doc, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *pgAuditStore) Query(ctx context.Context, f AuditFilter) ([]*schema.AuditEntry, error) {
	q := `SELECT doc FROM audit_entries WHERE 1=1`
	args := []any{}
	if f.EnvelopeID != "" {
		args = append(args, f.EnvelopeID)
		q += fmt.Sprintf(" AND envelope_id = $%d", len(args))
	}
	if f.EventType != "" {
		args = append(args, f.EventType)
		q += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	if f.OrganizationID != "" {
		args = append(args, f.OrganizationID)
		q += fmt.Sprintf(" AND organization_id = $%d", len(args))
	}
	q += " ORDER BY seq ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*schema.AuditEntry
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var e schema.AuditEntry
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ── connections / channels ───────────────────────────────────────────────

type pgConnectionStore struct{ db *sql.DB }

func (s *pgConnectionStore) Save(ctx context.Context, c *schema.Connection) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO connections (id, organization_id, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
		c.ID, c.OrganizationID, doc)
	return err
}

func (s *pgConnectionStore) Get(ctx context.Context, id string) (*schema.Connection, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM connections WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.E(schema.KindNotFound, "connection %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	var c schema.Connection
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *pgConnectionStore) ListByOrganization(ctx context.Context, organizationID string) ([]*schema.Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM connections WHERE organization_id = $1`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*schema.Connection
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var c schema.Connection
		if err := json.Unmarshal(doc, &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

type pgChannelStore struct{ db *sql.DB }

func (s *pgChannelStore) Save(ctx context.Context, c *schema.ManagedChannel) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO channels (id, organization_id, active, doc) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active, doc = EXCLUDED.doc`,
		c.ID, c.OrganizationID, c.Active, doc)
	return err
}

func (s *pgChannelStore) ListActive(ctx context.Context, organizationID string) ([]*schema.ManagedChannel, error) {
	q := `SELECT doc FROM channels WHERE active = TRUE`
	args := []any{}
	if organizationID != "" {
		args = append(args, organizationID)
		q += " AND organization_id = $1"
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*schema.ManagedChannel
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var c schema.ManagedChannel
		if err := json.Unmarshal(doc, &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
