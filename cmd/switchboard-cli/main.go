// Command switchboard-cli is the operator's client for the Switchboard
// gateway: propose and simulate actions, work the approval queue, undo
// executed actions, and verify the audit chain.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/switchboard/backend/pkg/client"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	sb := client.New(client.Config{
		BaseURL:        envOr("SWITCHBOARD_URL", "http://localhost:8080"),
		ActorID:        envOr("SWITCHBOARD_ACTOR", "cli"),
		OrganizationID: os.Getenv("SWITCHBOARD_ORG"),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "execute":
		cmdExecute(ctx, sb, false)
	case "simulate":
		cmdExecute(ctx, sb, true)
	case "approvals":
		cmdApprovals(ctx, sb)
	case "respond":
		cmdRespond(ctx, sb)
	case "undo":
		cmdUndo(ctx, sb)
	case "audit-verify":
		cmdAuditVerify(ctx, sb)
	case "health":
		cmdHealth(ctx, sb)
	case "version":
		fmt.Printf("switchboard-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Switchboard CLI v` + version + `

Usage: switchboard-cli <command> [flags]

Commands:
  execute       Propose an action through the governance spine
  simulate      Dry-run an action; show the decision trace
  approvals     List pending approval requests
  respond       Approve, reject, or patch a pending request
  undo          Reverse an executed action
  audit-verify  Verify the audit hash chain
  health        Gateway and cartridge health
  version       Print version

Environment:
  SWITCHBOARD_URL    Gateway URL (default: http://localhost:8080)
  SWITCHBOARD_ACTOR  Acting principal id (default: "cli")
  SWITCHBOARD_ORG    Organization id

Examples:
  switchboard-cli execute --action ads.campaign.pause --params '{"entityId":"camp_1"}'
  switchboard-cli respond --id apr_123 --verdict approve --by user_1
  switchboard-cli undo --id env_456
  switchboard-cli audit-verify --deep`)
}

// ----------------------------------------------------------------
// execute / simulate
// ----------------------------------------------------------------

func cmdExecute(ctx context.Context, sb *client.Client, dryRun bool) {
	var actionType, paramsJSON, key, message string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--action", "-a":
			i++
			if i < len(args) {
				actionType = args[i]
			}
		case "--params", "-p":
			i++
			if i < len(args) {
				paramsJSON = args[i]
			}
		case "--key", "-k":
			i++
			if i < len(args) {
				key = args[i]
			}
		case "--message", "-m":
			i++
			if i < len(args) {
				message = args[i]
			}
		}
	}
	if actionType == "" {
		fmt.Fprintln(os.Stderr, "Error: --action is required")
		os.Exit(1)
	}
	var params map[string]any
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			fmt.Fprintf(os.Stderr, "Error: --params is not valid JSON: %v\n", err)
			os.Exit(1)
		}
	}
	action := client.Action{ActionType: actionType, Parameters: params, SideEffect: !dryRun}

	if dryRun {
		trace, err := sb.Simulate(ctx, action)
		if err != nil {
			fail(err)
		}
		pretty(trace)
		return
	}

	var opts []client.ExecuteOption
	if key != "" {
		opts = append(opts, client.WithIdempotencyKey(key))
	}
	if message != "" {
		opts = append(opts, client.WithMessage(message))
	}
	decision, err := sb.Execute(ctx, action, opts...)
	if err != nil {
		fail(err)
	}
	switch decision.Outcome {
	case client.OutcomeExecuted:
		summary := ""
		if decision.Result != nil {
			summary = decision.Result.Summary
		}
		fmt.Printf("✅ EXECUTED | envelope=%s | %s\n", decision.EnvelopeID, summary)
	case client.OutcomePendingApproval:
		fmt.Printf("⏳ PENDING_APPROVAL | envelope=%s | request=%s\n", decision.EnvelopeID, decision.ApprovalRequestID)
	case client.OutcomeDenied:
		fmt.Printf("⛔ DENIED | envelope=%s | %s\n", decision.EnvelopeID, decision.Explanation)
	default:
		fmt.Printf("🔄 %s | envelope=%s\n", decision.Outcome, decision.EnvelopeID)
	}
}

// ----------------------------------------------------------------
// approvals / respond
// ----------------------------------------------------------------

func cmdApprovals(ctx context.Context, sb *client.Client) {
	pending, err := sb.PendingApprovals(ctx)
	if err != nil {
		fail(err)
	}
	if len(pending) == 0 {
		fmt.Println("No pending approvals.")
		return
	}
	for _, req := range pending {
		expires := time.UnixMilli(req.ExpiresAt).UTC().Format(time.RFC3339)
		fmt.Printf("%s  [%s]  %s  expires=%s\n", req.ID, req.RiskCategory, req.Summary, expires)
	}
}

func cmdRespond(ctx context.Context, sb *client.Client) {
	var id, verdict, by, patchJSON, comment string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--id":
			i++
			if i < len(args) {
				id = args[i]
			}
		case "--verdict":
			i++
			if i < len(args) {
				verdict = args[i]
			}
		case "--by":
			i++
			if i < len(args) {
				by = args[i]
			}
		case "--patch":
			i++
			if i < len(args) {
				patchJSON = args[i]
			}
		case "--comment":
			i++
			if i < len(args) {
				comment = args[i]
			}
		}
	}
	if id == "" || verdict == "" || by == "" {
		fmt.Fprintln(os.Stderr, "Usage: switchboard-cli respond --id <request-id> --verdict <approve|reject|patch> --by <user>")
		os.Exit(1)
	}

	// Fetch the live request so the response carries its binding hash and
	// version; a stale or tampered action is refused server-side.
	req, err := sb.Approval(ctx, id)
	if err != nil {
		fail(err)
	}
	resp := client.Response{
		Action:      verdict,
		RespondedBy: by,
		BindingHash: req.BindingHash,
		Version:     req.Version,
		Comment:     comment,
	}
	if patchJSON != "" {
		if err := json.Unmarshal([]byte(patchJSON), &resp.PatchValue); err != nil {
			fmt.Fprintf(os.Stderr, "Error: --patch is not valid JSON: %v\n", err)
			os.Exit(1)
		}
	}
	decision, err := sb.Respond(ctx, id, resp)
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s → %s | envelope=%s\n", verdict, decision.Outcome, decision.EnvelopeID)
}

// ----------------------------------------------------------------
// undo / audit / health
// ----------------------------------------------------------------

func cmdUndo(ctx context.Context, sb *client.Client) {
	if len(os.Args) < 4 || os.Args[2] != "--id" {
		fmt.Fprintln(os.Stderr, "Usage: switchboard-cli undo --id <envelope-id>")
		os.Exit(1)
	}
	decision, err := sb.Undo(ctx, os.Args[3])
	if err != nil {
		fail(err)
	}
	fmt.Printf("↩️  %s | reverse envelope=%s\n", decision.Outcome, decision.EnvelopeID)
}

func cmdAuditVerify(ctx context.Context, sb *client.Client) {
	deep := len(os.Args) > 2 && os.Args[2] == "--deep"
	result, err := sb.VerifyAudit(ctx, deep)
	if err != nil {
		fail(err)
	}
	if result.Intact() {
		fmt.Printf("✅ chain intact | entries=%d\n", result.Entries)
		return
	}
	fmt.Printf("❌ chain broken | entries=%d breakAt=%d mismatches=%v\n",
		result.Entries, result.ChainBreakAt, result.HashMismatches)
	os.Exit(1)
}

func cmdHealth(ctx context.Context, sb *client.Client) {
	doc, err := sb.Health(ctx)
	if err != nil {
		fail(err)
	}
	pretty(doc)
}

// ----------------------------------------------------------------

func pretty(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func fail(err error) {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.NeedsClarification() {
		fmt.Fprintf(os.Stderr, "❓ %s\n", apiErr.Question)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "❌ %v\n", err)
	os.Exit(1)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
