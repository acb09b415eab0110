package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	yaml "gopkg.in/yaml.v2"

	"github.com/switchboard/backend/internal/schema"
	"github.com/switchboard/backend/internal/store"
)

// Seed is the parsed contents of a YAML seed file: governance objects
// loaded into the stores at startup so a fresh deployment has policies
// and identities before any API call arrives.
type Seed struct {
	Policies   []*schema.Policy
	Identities []*schema.IdentitySpec
	Overlays   []*schema.RoleOverlay
}

// LoadSeed parses a YAML seed file. The document has three optional
// top-level lists: policies, identities, overlays, each holding objects
// in the same shape as the JSON API.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.E(schema.KindFatal, "read seed file %s: %v", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, schema.E(schema.KindValidation, "parse seed file %s: %v", path, err)
	}

	seed := &Seed{}
	if err := decodeSection(raw["policies"], &seed.Policies); err != nil {
		return nil, schema.E(schema.KindValidation, "seed policies: %v", err)
	}
	if err := decodeSection(raw["identities"], &seed.Identities); err != nil {
		return nil, schema.E(schema.KindValidation, "seed identities: %v", err)
	}
	if err := decodeSection(raw["overlays"], &seed.Overlays); err != nil {
		return nil, schema.E(schema.KindValidation, "seed overlays: %v", err)
	}
	return seed, nil
}

// Apply writes the seed into the stores. Existing objects with the same
// ID are overwritten, so re-running a deployment is safe.
func (s *Seed) Apply(ctx context.Context, stores *store.Stores) error {
	for _, p := range s.Policies {
		if p.ID == "" {
			p.ID = schema.NewID("pol")
		}
		if err := stores.Policies.Save(ctx, p); err != nil {
			return err
		}
	}
	for _, id := range s.Identities {
		if id.ID == "" {
			id.ID = schema.NewID("ident")
		}
		if err := stores.Identities.SaveSpec(ctx, id); err != nil {
			return err
		}
	}
	for _, ov := range s.Overlays {
		if ov.ID == "" {
			ov.ID = schema.NewID("ovl")
		}
		if err := stores.Identities.SaveOverlay(ctx, ov); err != nil {
			return err
		}
	}
	slog.Info("seed applied",
		"policies", len(s.Policies), "identities", len(s.Identities), "overlays", len(s.Overlays))
	return nil
}

// decodeSection converts one YAML list into typed objects by
// normalizing the yaml.v2 map keys and round-tripping through JSON, so
// the schema types keep a single set of field tags.
func decodeSection(section any, out any) error {
	if section == nil {
		return nil
	}
	data, err := json.Marshal(normalizeYAML(section))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// normalizeYAML rewrites yaml.v2's map[interface{}]interface{} nodes
// into map[string]any so the tree marshals as JSON.
func normalizeYAML(v any) any {
	switch node := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(node))
		for k, val := range node {
			if key, ok := k.(string); ok {
				m[key] = normalizeYAML(val)
			}
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(node))
		for k, val := range node {
			m[k] = normalizeYAML(val)
		}
		return m
	case []any:
		list := make([]any, len(node))
		for i, item := range node {
			list[i] = normalizeYAML(item)
		}
		return list
	default:
		return v
	}
}
