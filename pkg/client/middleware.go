package client

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// GovernMiddleware intercepts tool-call requests and routes them through
// Switchboard before the wrapped handler runs. It understands the common
// agent-framework body shapes (MCP `name`, OpenAI `function`, plain
// `actionType`) and maps the decision onto HTTP:
//
//   - allow: the request proceeds to the handler with decision headers set
//   - deny: 403 with the explanation; the handler never runs
//   - approval required: 202 with the simulated verdict; the caller
//     should re-propose through Execute to open a real approval
//
// Requests whose body does not look like a tool call pass through
// untouched. A gateway failure fails open with a warning: the middleware
// is a pre-flight, not the enforcement point.
//
// Usage with Gorilla Mux:
//
//	router.Use(client.GovernMiddlewareFunc(sb))
func GovernMiddleware(sb *Client, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		actionType, params, ok := extractToolCall(body)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		trace, err := sb.Simulate(r.Context(), Action{
			ActionType: actionType,
			Parameters: params,
			SideEffect: true,
		})
		if err != nil {
			slog.Warn("switchboard pre-flight failed, allowing through", "actionType", actionType, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		decision, _ := trace["finalDecision"].(string)
		approval, _ := trace["approvalRequired"].(string)
		explanation, _ := trace["explanation"].(string)
		w.Header().Set("X-Switchboard-Decision", decision)

		switch {
		case decision == "deny":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]any{
				"error":       "action denied by governance",
				"actionType":  actionType,
				"explanation": explanation,
			})
			return
		case approval != "" && approval != "none":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]any{
				"status":      "approval_required",
				"actionType":  actionType,
				"requirement": approval,
				"explanation": explanation,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GovernMiddlewareFunc returns Gorilla Mux compatible middleware.
func GovernMiddlewareFunc(sb *Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return GovernMiddleware(sb, next)
	}
}

// extractToolCall pulls an action type and parameters out of the common
// tool-call body shapes.
func extractToolCall(body []byte) (string, map[string]any, bool) {
	var probe struct {
		ActionType string         `json:"actionType"`
		ToolName   string         `json:"tool_name"`
		Name       string         `json:"name"`     // MCP format
		Function   string         `json:"function"` // OpenAI format
		Parameters map[string]any `json:"parameters"`
		Arguments  map[string]any `json:"arguments"`
		Params     map[string]any `json:"params"`
	}
	if json.Unmarshal(body, &probe) != nil {
		return "", nil, false
	}
	actionType := probe.ActionType
	for _, candidate := range []string{probe.ToolName, probe.Name, probe.Function} {
		if actionType == "" {
			actionType = candidate
		}
	}
	if actionType == "" {
		return "", nil, false
	}
	params := probe.Parameters
	if params == nil {
		params = probe.Arguments
	}
	if params == nil {
		params = probe.Params
	}
	return actionType, params, true
}
