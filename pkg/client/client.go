// Package client is the Switchboard SDK for agent integration.
//
// Agents do not call external systems directly; they propose actions to
// the Switchboard gateway and act on the decision:
//
//	sb := client.New(client.Config{
//	    BaseURL: "http://localhost:8080",
//	    ActorID: "agent_procurement",
//	})
//
//	decision, err := sb.Execute(ctx, client.Action{
//	    ActionType: "ads.campaign.pause",
//	    Parameters: map[string]any{"entityId": "camp_1"},
//	    SideEffect: true,
//	}, client.WithIdempotencyKey("pause-camp_1-2026-08-25"))
//
//	switch decision.Outcome {
//	case client.OutcomeExecuted:
//	    // done; decision.Result describes the effect
//	case client.OutcomePendingApproval:
//	    // frozen behind decision.ApprovalRequestID until a human rules
//	case client.OutcomeDenied:
//	    // refused; decision.Explanation says why
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds the SDK configuration.
type Config struct {
	// BaseURL is the Switchboard gateway endpoint (required).
	BaseURL string

	// ActorID identifies this agent as the acting principal (required
	// for Execute and Simulate).
	ActorID string

	// OrganizationID scopes proposals and approval queries.
	OrganizationID string

	// Timeout bounds each request (default 30s).
	Timeout time.Duration

	// OnDenied is called whenever a proposal comes back DENIED.
	OnDenied func(*Decision)

	// OnPending is called whenever a proposal is held for approval.
	OnPending func(*Decision)
}

// Client talks to the Switchboard HTTP API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a Switchboard client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	StatusCode int            `json:"-"`
	Status     string         `json:"status"`
	Message    string         `json:"error"`
	Question   string         `json:"question,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Question != "" {
		return fmt.Sprintf("switchboard: %s (%s): %s", e.Status, e.Message, e.Question)
	}
	return fmt.Sprintf("switchboard: %s: %s", e.Status, e.Message)
}

// NeedsClarification reports whether the server is asking a question
// (ambiguous entity, unroutable action) rather than refusing outright.
func (e *APIError) NeedsClarification() bool {
	return e.Status == "needs_clarification"
}

// ExecuteOption tweaks a single Execute call.
type ExecuteOption func(*executeCall)

type executeCall struct {
	idempotencyKey string
	entityRefs     []EntityRef
	message        string
	confidence     float64
}

// WithIdempotencyKey makes the proposal safely retryable: a repeated key
// replays the original decision instead of acting twice.
func WithIdempotencyKey(key string) ExecuteOption {
	return func(c *executeCall) { c.idempotencyKey = key }
}

// WithEntityRefs attaches fuzzy entity references for server-side
// resolution.
func WithEntityRefs(refs ...EntityRef) ExecuteOption {
	return func(c *executeCall) { c.entityRefs = refs }
}

// WithMessage attaches the agent's stated intent, shown to approvers.
func WithMessage(msg string) ExecuteOption {
	return func(c *executeCall) { c.message = msg }
}

// WithConfidence reports the agent's own confidence in the proposal.
func WithConfidence(conf float64) ExecuteOption {
	return func(c *executeCall) { c.confidence = conf }
}

// Execute proposes an action and returns the governance decision. This
// is the primary integration point; call it instead of the external
// system.
func (c *Client) Execute(ctx context.Context, action Action, opts ...ExecuteOption) (*Decision, error) {
	call := &executeCall{}
	for _, opt := range opts {
		opt(call)
	}
	if call.idempotencyKey == "" {
		call.idempotencyKey = fmt.Sprintf("sdk-%d", time.Now().UnixNano())
	}
	req := ExecuteRequest{
		ActorID:        c.cfg.ActorID,
		OrganizationID: c.cfg.OrganizationID,
		Action:         action,
		EntityRefs:     call.entityRefs,
		Message:        call.message,
		Confidence:     call.confidence,
	}
	var decision Decision
	headers := map[string]string{"Idempotency-Key": call.idempotencyKey}
	if err := c.do(ctx, http.MethodPost, "/api/execute", req, headers, &decision); err != nil {
		return nil, err
	}
	switch decision.Outcome {
	case OutcomeDenied:
		if c.cfg.OnDenied != nil {
			c.cfg.OnDenied(&decision)
		}
	case OutcomePendingApproval:
		if c.cfg.OnPending != nil {
			c.cfg.OnPending(&decision)
		}
	}
	return &decision, nil
}

// Simulate runs the decision pipeline without executing, persisting, or
// counting anything. The raw trace comes back as generic JSON.
func (c *Client) Simulate(ctx context.Context, action Action) (map[string]any, error) {
	req := ExecuteRequest{
		ActorID:        c.cfg.ActorID,
		OrganizationID: c.cfg.OrganizationID,
		Action:         action,
	}
	var trace map[string]any
	if err := c.do(ctx, http.MethodPost, "/api/simulate", req, nil, &trace); err != nil {
		return nil, err
	}
	return trace, nil
}

// PendingApprovals lists open approval requests for the configured
// organization.
func (c *Client) PendingApprovals(ctx context.Context) ([]ApprovalRequest, error) {
	path := "/api/approvals/pending"
	if c.cfg.OrganizationID != "" {
		path += "?organizationId=" + url.QueryEscape(c.cfg.OrganizationID)
	}
	var pending []ApprovalRequest
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &pending); err != nil {
		return nil, err
	}
	return pending, nil
}

// Approval fetches one approval request, including its binding hash.
func (c *Client) Approval(ctx context.Context, requestID string) (*ApprovalRequest, error) {
	var req ApprovalRequest
	if err := c.do(ctx, http.MethodGet, "/api/approvals/"+url.PathEscape(requestID), nil, nil, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Respond applies a reviewer's verdict to a pending request and returns
// the resulting decision (executed, denied, or still pending under a
// patched successor).
func (c *Client) Respond(ctx context.Context, requestID string, resp Response) (*Decision, error) {
	var decision Decision
	path := "/api/approvals/" + url.PathEscape(requestID) + "/respond"
	if err := c.do(ctx, http.MethodPost, path, resp, nil, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

// Action fetches the lifecycle envelope for a prior decision.
func (c *Client) Action(ctx context.Context, envelopeID string) (*Envelope, error) {
	var env Envelope
	if err := c.do(ctx, http.MethodGet, "/api/actions/"+url.PathEscape(envelopeID), nil, nil, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Undo asks the spine to reverse an executed envelope using its stored
// undo recipe. The reversal runs through the full pipeline itself.
func (c *Client) Undo(ctx context.Context, envelopeID string) (*Decision, error) {
	body := map[string]string{"actorId": c.cfg.ActorID}
	var decision Decision
	path := "/api/actions/" + url.PathEscape(envelopeID) + "/undo"
	if err := c.do(ctx, http.MethodPost, path, body, nil, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

// VerifyAudit checks the audit hash chain. With deep set, every entry's
// own hash is recomputed as well.
func (c *Client) VerifyAudit(ctx context.Context, deep bool) (*VerifyResult, error) {
	path := "/api/audit/verify"
	if deep {
		path += "?deep=true"
	}
	var result VerifyResult
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Health fetches the gateway health document, including per-cartridge
// status and breaker state.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var doc map[string]any
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("switchboard: encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("switchboard: building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.ActorID != "" {
		req.Header.Set("X-Actor-ID", c.cfg.ActorID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("switchboard: gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("switchboard: reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Status = resp.Status
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("switchboard: parsing response: %w", err)
	}
	return nil
}
