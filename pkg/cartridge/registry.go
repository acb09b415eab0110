package cartridge

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/switchboard/backend/internal/schema"
)

// Interceptor hooks around a cartridge execution. BeforeExecute may veto
// with an error or short-circuit by returning a non-nil result (cached
// replay); AfterExecute may rewrite the result; OnError may recover by
// producing a result or reclassify the error.
type Interceptor interface {
	Name() string
	BeforeExecute(ctx context.Context, call *ActionCall) (*schema.ExecuteResult, error)
	AfterExecute(ctx context.Context, call *ActionCall, result *schema.ExecuteResult) (*schema.ExecuteResult, error)
	OnError(ctx context.Context, call *ActionCall, execErr error) (*schema.ExecuteResult, error)
}

// Registration pairs a cartridge with its interceptor chain and parsed
// version, in registration order. Manifest is the registration-time
// snapshot with compiled parameter schemas; callers use it instead of
// re-asking the cartridge.
type Registration struct {
	Cartridge    Cartridge
	Manifest     Manifest
	Interceptors []Interceptor
	Version      *semver.Version
	Sequence     int
}

// Info describes a registered cartridge for API responses.
type Info struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	ActionTypes []string `json:"actionTypes"`
}

// Registry routes action types to cartridges. Registration enforces
// semver discipline: same or lower versions are rejected, upgrades
// replace atomically. The registry is read-mostly; a change listener lets
// layered services rebuild caches after writes.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Registration
	sequence int
	onChange []func(cartridgeID string)
	logger   *log.Logger
}

// NewRegistry creates an empty cartridge registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Registration),
		logger: log.New(log.Writer(), "[CARTRIDGES] ", log.LstdFlags),
	}
}

// OnChange registers a listener invoked (outside the registry lock) after
// every successful register call.
func (r *Registry) OnChange(fn func(cartridgeID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Register adds or upgrades a cartridge. The manifest version must parse
// as semver and strictly exceed any existing registration for the same
// id. Action-type collisions with other cartridges are logged, not fatal;
// routing prefers the declaring cartridge (ties go to the most recent
// registration).
func (r *Registry) Register(c Cartridge, interceptors ...Interceptor) error {
	m := c.Manifest()
	if m.ID == "" {
		return schema.E(schema.KindValidation, "cartridge manifest has no id")
	}
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return schema.E(schema.KindValidation, "cartridge %s version %q is not semver: %v", m.ID, m.Version, err)
	}
	for i := range m.Actions {
		if err := m.Actions[i].CompileParameterSchema(); err != nil {
			return schema.E(schema.KindValidation, "cartridge %s: %v", m.ID, err)
		}
	}

	r.mu.Lock()
	if existing, ok := r.byID[m.ID]; ok {
		if !v.GreaterThan(existing.Version) {
			r.mu.Unlock()
			return schema.E(schema.KindValidation,
				"cartridge %s version %s does not upgrade existing %s", m.ID, v, existing.Version)
		}
	}
	for _, def := range m.Actions {
		for otherID, other := range r.byID {
			if otherID == m.ID {
				continue
			}
			om := other.Cartridge.Manifest()
			if _, clash := om.Action(def.ActionType); clash {
				r.logger.Printf("⚠️ action type %s declared by both %s and %s", def.ActionType, otherID, m.ID)
			}
		}
	}
	r.sequence++
	r.byID[m.ID] = &Registration{
		Cartridge:    c,
		Manifest:     m,
		Interceptors: interceptors,
		Version:      v,
		Sequence:     r.sequence,
	}
	listeners := append([]func(string){}, r.onChange...)
	r.mu.Unlock()

	r.logger.Printf("🔌 Registered cartridge %s v%s (%d actions)", m.ID, v, len(m.Actions))
	for _, fn := range listeners {
		fn(m.ID)
	}
	return nil
}

// Get returns the registration for a cartridge id.
func (r *Registry) Get(id string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[id]
	return reg, ok
}

// Route finds the cartridge serving an action type. Declared actions win;
// among multiple declarers the most recent registration wins.
func (r *Registry) Route(actionType string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Registration
	for _, reg := range r.byID {
		if _, ok := reg.Manifest.Action(actionType); !ok {
			continue
		}
		if best == nil || reg.Sequence > best.Sequence {
			best = reg
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// InferCartridgeID resolves an action type to a cartridge id: declared
// actions first, then the longest manifest-id prefix of the action type
// (so "ads.campaign.pause" falls back to cartridge "ads").
func (r *Registry) InferCartridgeID(actionType string) (string, bool) {
	if reg, ok := r.Route(actionType); ok {
		return reg.Manifest.ID, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	bestID, bestLen := "", 0
	for id := range r.byID {
		if strings.HasPrefix(actionType, id+".") && len(id) > bestLen {
			bestID, bestLen = id, len(id)
		}
	}
	return bestID, bestID != ""
}

// List returns info for every registered cartridge, sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.byID))
	for id, reg := range r.byID {
		m := reg.Manifest
		types := make([]string, 0, len(m.Actions))
		for _, a := range m.Actions {
			types = append(types, a.ActionType)
		}
		infos = append(infos, Info{ID: id, Name: m.Name, Version: m.Version, ActionTypes: types})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Count returns the number of registered cartridges.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
