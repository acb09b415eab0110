// Simulates an agent session against a running gateway: a low-risk
// action that executes, a budget raise that pends, and the undo of the
// first change. Useful for demos and smoke-testing a deployment.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/switchboard/backend/pkg/client"
)

func main() {
	base := os.Getenv("SWITCHBOARD_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	sb := client.New(client.Config{
		BaseURL:        base,
		ActorID:        "agent_demo",
		OrganizationID: "org_demo",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("🤖 Agent starting: demo session against", base)

	// 1. Low-risk mutation clears the pipeline on its own.
	pause, err := sb.Execute(ctx, client.Action{
		ActionType: "ads.campaign.pause",
		Parameters: map[string]any{"entityId": "camp_1"},
		SideEffect: true,
	}, client.WithMessage("pausing for the weekend"))
	if err != nil {
		log.Fatalf("pause failed: %v", err)
	}
	fmt.Printf("1️⃣  pause → %s (envelope %s)\n", pause.Outcome, pause.EnvelopeID)

	// 2. Doubling the budget should freeze behind an approval.
	raise, err := sb.Execute(ctx, client.Action{
		ActionType: "ads.budget.adjust",
		Parameters: map[string]any{"entityId": "camp_1", "dailyBudget": 500},
		SideEffect: true,
	}, client.WithMessage("scaling up for the promo"))
	if err != nil {
		log.Fatalf("budget adjust failed: %v", err)
	}
	fmt.Printf("2️⃣  budget raise → %s", raise.Outcome)
	if raise.ApprovalRequestID != "" {
		fmt.Printf(" (awaiting request %s)", raise.ApprovalRequestID)
	}
	fmt.Println()

	// 3. Undo the pause; the reversal runs through governance itself.
	if pause.Outcome == client.OutcomeExecuted {
		undo, err := sb.Undo(ctx, pause.EnvelopeID)
		if err != nil {
			log.Fatalf("undo failed: %v", err)
		}
		fmt.Printf("3️⃣  undo pause → %s\n", undo.Outcome)
	}

	// 4. The session leaves a verifiable trail behind.
	verify, err := sb.VerifyAudit(ctx, true)
	if err != nil {
		log.Fatalf("audit verify failed: %v", err)
	}
	fmt.Printf("🔗 audit chain: %d entries, intact=%v\n", verify.Entries, verify.Intact())
}
