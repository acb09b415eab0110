// Command loadtest drives the governance pipeline in-process and reports
// decision latency. It measures the spine itself (routing, policy
// evaluation, guarded execution, audit) with no network in the way.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/switchboard/backend/cartridges/ads"
	"github.com/switchboard/backend/internal/approval"
	"github.com/switchboard/backend/internal/audit"
	"github.com/switchboard/backend/internal/competence"
	"github.com/switchboard/backend/internal/guard"
	"github.com/switchboard/backend/internal/guardrail"
	"github.com/switchboard/backend/internal/identity"
	"github.com/switchboard/backend/internal/lifecycle"
	"github.com/switchboard/backend/internal/policy"
	"github.com/switchboard/backend/internal/risk"
	"github.com/switchboard/backend/internal/schema"
	"github.com/switchboard/backend/internal/store"
	"github.com/switchboard/backend/pkg/cartridge"
)

type stats struct {
	executed uint64
	pending  uint64
	denied   uint64
	errors   uint64
}

func main() {
	proposals := flag.Int("proposals", 1000, "Number of proposals to run")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent agents")
	campaigns := flag.Int("campaigns", 200, "Number of seeded campaigns")
	flag.Parse()

	slog.Info("🚀 Starting governance pipeline load test",
		"proposals", *proposals, "concurrency", *concurrency, "campaigns", *campaigns)

	orch, ledger := buildPipeline(*campaigns, *concurrency)
	ctx := context.Background()

	var (
		st          stats
		latencies   []time.Duration
		latenciesMu sync.Mutex
		wg          sync.WaitGroup
	)
	jobs := make(chan int, *proposals)

	start := time.Now()
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for job := range jobs {
				campaign := fmt.Sprintf("camp_%d", job%*campaigns)
				began := time.Now()
				resp, err := orch.Execute(ctx, lifecycle.ExecuteRequest{
					ActorID:        fmt.Sprintf("agent_%d", worker),
					OrganizationID: "org_load",
					Action: lifecycle.ActionSpec{
						ActionType: ads.ActionPause,
						Parameters: map[string]any{"entityId": campaign},
						SideEffect: true,
					},
				})
				elapsed := time.Since(began)
				latenciesMu.Lock()
				latencies = append(latencies, elapsed)
				latenciesMu.Unlock()
				if err != nil {
					atomic.AddUint64(&st.errors, 1)
					continue
				}
				switch resp.Outcome {
				case schema.OutcomeExecuted:
					atomic.AddUint64(&st.executed, 1)
				case schema.OutcomePendingApproval:
					atomic.AddUint64(&st.pending, 1)
				case schema.OutcomeDenied:
					atomic.AddUint64(&st.denied, 1)
				}
			}
		}(w)
	}
	for i := 0; i < *proposals; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	total := time.Since(start)

	verify, err := ledger.VerifyChain(ctx)
	if err != nil {
		slog.Error("audit verification failed", "error", err)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	fmt.Println("\n════════ Results ════════")
	fmt.Printf("Proposals:   %d in %s (%.0f/s)\n", *proposals, total.Round(time.Millisecond),
		float64(*proposals)/total.Seconds())
	fmt.Printf("Outcomes:    executed=%d pending=%d denied=%d errors=%d\n",
		st.executed, st.pending, st.denied, st.errors)
	if len(latencies) > 0 {
		fmt.Printf("Latency:     p50=%s p95=%s p99=%s max=%s\n",
			percentile(latencies, 50), percentile(latencies, 95),
			percentile(latencies, 99), latencies[len(latencies)-1])
	}
	fmt.Printf("Audit chain: entries=%d intact=%v\n", verify.Entries, verify.Intact())
}

func buildPipeline(campaigns, agents int) (*lifecycle.Orchestrator, *audit.Ledger) {
	stores := store.NewMemoryStores()
	state := guardrail.NewMemoryState()
	ledger := audit.NewLedger(stores.Audit, nil)

	cart := ads.New()
	for i := 0; i < campaigns; i++ {
		cart.Seed(ads.Campaign{
			ID:          fmt.Sprintf("camp_%d", i),
			Name:        fmt.Sprintf("Campaign %d", i),
			Status:      "active",
			DailyBudget: 100,
		})
	}
	registry := cartridge.NewRegistry()
	if err := registry.Register(cart); err != nil {
		panic(err)
	}

	orch := lifecycle.NewOrchestrator(lifecycle.Deps{
		Stores:     stores,
		Registry:   registry,
		Identities: identity.NewResolver(stores.Identities),
		Engine:     policy.NewEngine(stores.Policies, state, state, risk.DefaultConfig()),
		Approvals:  approval.NewManager(stores.Approvals),
		Executor:   guard.NewExecutor(guard.DefaultOptions()),
		Ledger:     ledger,
		Competence: competence.NewTracker(stores.Competence),
		Guard:      state,
		Spend:      state,
	}, lifecycle.Options{
		DefaultApprovers: []string{"user_load"},
	})

	for i := 0; i < agents; i++ {
		err := stores.Identities.SaveSpec(context.Background(), &schema.IdentitySpec{
			ID:          fmt.Sprintf("ids_%d", i),
			PrincipalID: fmt.Sprintf("agent_%d", i),
			RiskTolerance: map[schema.RiskCategory]schema.ApprovalRequirement{
				schema.RiskLow:    schema.ApprovalNone,
				schema.RiskMedium: schema.ApprovalNone,
				schema.RiskHigh:   schema.ApprovalStandard,
			},
		})
		if err != nil {
			panic(err)
		}
	}
	return orch, ledger
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
