package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/switchboard/backend/internal/approval"
	"github.com/switchboard/backend/internal/lifecycle"
	"github.com/switchboard/backend/internal/schema"
	"github.com/switchboard/backend/internal/store"
)

func decode(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return schema.E(schema.KindValidation, "malformed request body: %v", err)
	}
	return nil
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		writeError(w, schema.E(schema.KindValidation, "Idempotency-Key header is required"))
		return
	}
	var req lifecycle.ExecuteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.IdempotencyKey = key
	resp, err := s.orch.Execute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.ExecuteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	trace, err := s.orch.Simulate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

// respondBody is the wire form of an approval response.
type respondBody struct {
	Action      string         `json:"action"` // approve | reject | patch
	RespondedBy string         `json:"respondedBy"`
	BindingHash string         `json:"bindingHash,omitempty"`
	PatchValue  map[string]any `json:"patchValue,omitempty"`
	Version     int            `json:"version,omitempty"`
	Comment     string         `json:"comment,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, requestID string, body respondBody) {
	if body.RespondedBy == "" {
		writeError(w, schema.E(schema.KindValidation, "respondedBy is required"))
		return
	}
	// Omitted version targets the current one; concurrent responders
	// still collide on the store's compare-and-swap.
	if body.Version == 0 {
		req, err := s.stores.Approvals.Get(r.Context(), requestID)
		if err != nil {
			writeError(w, err)
			return
		}
		body.Version = req.Version
	}
	resp, err := s.orch.RespondToApproval(r.Context(), approval.Response{
		RequestID:   requestID,
		Verdict:     approval.Verdict(body.Action),
		BindingHash: body.BindingHash,
		RespondedBy: body.RespondedBy,
		Version:     body.Version,
		PatchValue:  body.PatchValue,
		Comment:     body.Comment,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body respondBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	s.respond(w, r, mux.Vars(r)["id"], body)
}

// handleInboundApproval accepts approval responses relayed by channel
// adapters. The signature middleware has already authenticated the
// caller; the request id travels in the body.
func (s *Server) handleInboundApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestID string `json:"requestId"`
		respondBody
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.RequestID == "" {
		writeError(w, schema.E(schema.KindValidation, "requestId is required"))
		return
	}
	s.respond(w, r, body.RequestID, body.respondBody)
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.stores.Approvals.ListPending(r.Context(), r.URL.Query().Get("organizationId"))
	if err != nil {
		writeError(w, err)
		return
	}
	if pending == nil {
		pending = []*schema.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.stores.Approvals.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRemind(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Remind(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reminded"})
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	env, err := s.stores.Envelopes.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleExecuteApproved(w http.ResponseWriter, r *http.Request) {
	resp, err := s.orch.ExecuteApproved(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActorID string `json:"actorId"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.ActorID == "" {
		writeError(w, schema.E(schema.KindValidation, "actorId is required"))
		return
	}
	resp, err := s.orch.RequestUndo(r.Context(), mux.Vars(r)["id"], body.ActorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, schema.E(schema.KindValidation, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	entries, err := s.ledger.Query(r.Context(), store.AuditFilter{
		EnvelopeID:     q.Get("envelopeId"),
		EventType:      q.Get("eventType"),
		OrganizationID: q.Get("organizationId"),
		Limit:          limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*schema.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	deep, _ := strconv.ParseBool(r.URL.Query().Get("deep"))
	var (
		result any
		err    error
	)
	if deep {
		result, err = s.ledger.VerifyDeep(r.Context())
	} else {
		result, err = s.ledger.VerifyChain(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	if s.keeper == nil {
		writeError(w, schema.E(schema.KindValidation, "credential encryption key is not configured"))
		return
	}
	var body struct {
		OrganizationID string         `json:"organizationId"`
		CartridgeID    string         `json:"cartridgeId"`
		Name           string         `json:"name"`
		Credentials    map[string]any `json:"credentials"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.OrganizationID == "" || body.CartridgeID == "" || len(body.Credentials) == 0 {
		writeError(w, schema.E(schema.KindValidation, "organizationId, cartridgeId, and credentials are required"))
		return
	}
	conn, err := s.keeper.Store(r.Context(), body.OrganizationID, body.CartridgeID, body.Name, body.Credentials)
	if err != nil {
		writeError(w, err)
		return
	}
	// The sealed blob stays server-side.
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":             conn.ID,
		"organizationId": conn.OrganizationID,
		"cartridgeId":    conn.CartridgeID,
		"name":           conn.Name,
		"createdAt":      conn.CreatedAt,
	})
}
