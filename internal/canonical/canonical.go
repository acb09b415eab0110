// Package canonical provides the deterministic serialization every
// reproducible hash in the system is built on: the approval binding hash
// and the audit chain entry hash.
//
// Serialization follows RFC 8785 (JSON Canonicalization Scheme): object
// keys sorted lexicographically, no insignificant whitespace, shortest
// round-trip number rendering, arrays kept in order. Absent fields are
// omitted via standard omitempty tags before canonicalization.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonicalize returns the RFC 8785 canonical JSON encoding of v.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical encoding of v.
func Hash(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BindingTuple is the frozen action identity an approval binds to. Any
// change to it invalidates outstanding approvals.
type BindingTuple struct {
	ActionType     string         `json:"actionType"`
	Parameters     map[string]any `json:"parameters"`
	PrincipalID    string         `json:"principalId"`
	OrganizationID string         `json:"organizationId,omitempty"`
	RiskCategory   string         `json:"riskCategory"`
}

// BindingHash computes the approval binding hash for a frozen tuple.
func BindingHash(t BindingTuple) (string, error) {
	return Hash(t)
}

// ParameterHash hashes just an action's parameter map, used by the
// idempotency interceptor key and envelope freshness checks.
func ParameterHash(params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	return Hash(params)
}
