// Package cartridge is the public plugin boundary. A cartridge wraps one
// external system (an ads platform, a CRM, a payment provider) behind a
// stable contract: declare actions in a manifest, enrich evaluation
// context, supply risk inputs, and perform the side effect when the
// governance pipeline says go.
//
// Implement the Cartridge interface to add a domain without touching the
// governance core:
//
//	type MyCartridge struct{}
//	func (c *MyCartridge) Manifest() Manifest { ... }
//	func (c *MyCartridge) Initialize(ctx context.Context, init InitContext) error { ... }
//	func (c *MyCartridge) EnrichContext(ctx context.Context, call ActionCall) (map[string]any, error) { ... }
//	func (c *MyCartridge) RiskInput(ctx context.Context, call ActionCall) (*schema.RiskInput, error) { ... }
//	func (c *MyCartridge) Execute(ctx context.Context, call ActionCall) (*schema.ExecuteResult, error) { ... }
//	func (c *MyCartridge) Guardrails() GuardrailConfig { ... }
//	func (c *MyCartridge) HealthCheck(ctx context.Context) HealthStatus { ... }
package cartridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/switchboard/backend/internal/schema"
)

// ActionDefinition declares one action type a cartridge can perform.
// ParametersSchema is a JSON Schema document used to validate proposal
// parameters before the pipeline runs.
type ActionDefinition struct {
	ActionType       string              `json:"actionType"`
	Name             string              `json:"name"`
	Description      string              `json:"description,omitempty"`
	ParametersSchema json.RawMessage     `json:"parametersSchema,omitempty"`
	BaseRiskCategory schema.RiskCategory `json:"baseRiskCategory"`
	Reversible       bool                `json:"reversible"`

	compiled *jsonschema.Schema
}

// CompileParameterSchema compiles ParametersSchema once. Definitions with
// no schema accept any parameters.
func (d *ActionDefinition) CompileParameterSchema() error {
	if len(d.ParametersSchema) == 0 {
		return nil
	}
	sch, err := jsonschema.CompileString(d.ActionType+".schema.json", string(d.ParametersSchema))
	if err != nil {
		return fmt.Errorf("compile parameter schema for %s: %w", d.ActionType, err)
	}
	d.compiled = sch
	return nil
}

// ValidateParameters checks params against the compiled schema.
func (d *ActionDefinition) ValidateParameters(params map[string]any) error {
	if d.compiled == nil {
		return nil
	}
	// jsonschema validates decoded JSON values; round-trip to normalize
	// Go-native types (int vs float64 and the like).
	raw, err := json.Marshal(params)
	if err != nil {
		return schema.E(schema.KindValidation, "parameters not serializable: %v", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return schema.E(schema.KindValidation, "parameters not serializable: %v", err)
	}
	if err := d.compiled.Validate(v); err != nil {
		return schema.E(schema.KindValidation, "parameters for %s invalid: %v", d.ActionType, err)
	}
	return nil
}

// Manifest identifies a cartridge and everything it declares.
type Manifest struct {
	ID                  string             `json:"id"`
	Name                string             `json:"name"`
	Version             string             `json:"version"` // semver
	Description         string             `json:"description,omitempty"`
	Actions             []ActionDefinition `json:"actions"`
	RequiredConnections []string           `json:"requiredConnections,omitempty"`
	DefaultPolicies     []*schema.Policy   `json:"defaultPolicies,omitempty"`
}

// Action looks up a declared action by type.
func (m *Manifest) Action(actionType string) (*ActionDefinition, bool) {
	for i := range m.Actions {
		if m.Actions[i].ActionType == actionType {
			return &m.Actions[i], true
		}
	}
	return nil, false
}

// GuardrailConfig is the cartridge's contribution to guardrail checks.
type GuardrailConfig struct {
	// MaxActionsPerWindow caps actions inside WindowMs, 0 meaning no cap.
	MaxActionsPerWindow int   `json:"maxActionsPerWindow,omitempty"`
	WindowMs            int64 `json:"windowMs,omitempty"`
	// MaxPerActionType caps specific action types inside the same window.
	MaxPerActionType map[string]int `json:"maxPerActionType,omitempty"`
	// CooldownMs is a per-action-type minimum gap between invocations.
	CooldownMs map[string]int64 `json:"cooldownMs,omitempty"`
	// ProtectedEntities are entity ids no action may touch without an
	// explicit policy allow.
	ProtectedEntities []string `json:"protectedEntities,omitempty"`
	// SpendParameter names, per action type, the parameter carrying the
	// dollar amount counted against spend limits.
	SpendParameter map[string]string `json:"spendParameter,omitempty"`
}

// HealthStatus is the cartridge's self-report.
type HealthStatus struct {
	Status       string   `json:"status"` // ok | degraded | down
	LatencyMs    int64    `json:"latencyMs"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// InitContext carries what a cartridge needs at startup: its decrypted
// connection credentials and an organization scope.
type InitContext struct {
	OrganizationID string
	Credentials    map[string]string
}

// ActionCall is one invocation against a cartridge. Context is the
// accumulated evaluation context (enrichment results included); it is
// read-only from the cartridge's point of view.
type ActionCall struct {
	EnvelopeID     string
	ActionType     string
	Parameters     map[string]any
	OrganizationID string
	Context        map[string]any
}

// Cartridge is the contract every domain plugin implements.
type Cartridge interface {
	Manifest() Manifest
	Initialize(ctx context.Context, init InitContext) error
	// EnrichContext returns fields merged into the evaluation context
	// before policy evaluation (entity state, account caps, pacing).
	EnrichContext(ctx context.Context, call ActionCall) (map[string]any, error)
	// RiskInput supplies the scorer's raw material for this call.
	RiskInput(ctx context.Context, call ActionCall) (*schema.RiskInput, error)
	// Execute performs the side effect. Implementations return an
	// ExecuteResult even on partial failure; transport errors come back
	// as transient errors for the retry interceptor.
	Execute(ctx context.Context, call ActionCall) (*schema.ExecuteResult, error)
	Guardrails() GuardrailConfig
	HealthCheck(ctx context.Context) HealthStatus
}

// EntityResolver is optionally implemented by cartridges that can turn a
// caller-supplied reference ("the summer campaign") into a concrete id.
type EntityResolver interface {
	ResolveEntity(ctx context.Context, ref, entityType string) (*schema.ResolvedEntity, error)
}

// SnapshotCapturer is optionally implemented to capture pre-mutation
// entity state for undo derivation and audit evidence.
type SnapshotCapturer interface {
	CaptureSnapshot(ctx context.Context, entityID string) (map[string]any, error)
}
