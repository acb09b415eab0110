package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/prometheus/client_golang/prometheus"

	"github.com/switchboard/backend/cartridges/ads"
	"github.com/switchboard/backend/internal/api"
	"github.com/switchboard/backend/internal/approval"
	"github.com/switchboard/backend/internal/audit"
	"github.com/switchboard/backend/internal/competence"
	"github.com/switchboard/backend/internal/config"
	"github.com/switchboard/backend/internal/guard"
	"github.com/switchboard/backend/internal/guardrail"
	"github.com/switchboard/backend/internal/identity"
	"github.com/switchboard/backend/internal/lifecycle"
	"github.com/switchboard/backend/internal/metrics"
	"github.com/switchboard/backend/internal/notify"
	"github.com/switchboard/backend/internal/policy"
	"github.com/switchboard/backend/internal/risk"
	"github.com/switchboard/backend/internal/secrets"
	"github.com/switchboard/backend/internal/store"
	"github.com/switchboard/backend/pkg/cartridge"
)

const (
	sweepInterval    = time.Minute
	reminderInterval = 10 * time.Minute
	reminderAge      = 4 * time.Hour
	idempotencyTTL   = 24 * time.Hour
	nonceWindow      = 10 * time.Minute
)

func main() {
	log.Println("🔀 Starting Switchboard governance core...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration invalid: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, cleanup := buildStores(ctx, cfg)
	defer cleanup()

	guardState := buildGuardState(ctx, cfg)

	mtr := metrics.New(prometheus.DefaultRegisterer)
	ledger := audit.NewLedger(stores.Audit, audit.NewRedactor(nil))
	executor := guard.NewExecutor(guard.DefaultOptions())

	registry := cartridge.NewRegistry()
	if err := registry.Register(ads.New(),
		guard.NewIdempotencyInterceptor(time.Hour),
		guard.NewRedactionInterceptor(nil),
	); err != nil {
		log.Fatalf("Cartridge registration failed: %v", err)
	}

	var keeper *secrets.Keeper
	if len(cfg.CredentialEncryptionKey) == 32 {
		sealer, err := secrets.NewSealer(cfg.CredentialEncryptionKey)
		if err != nil {
			log.Fatalf("Credential sealer init failed: %v", err)
		}
		keeper = secrets.NewKeeper(sealer, stores.Connections)
	}

	notifier := buildNotifier(cfg)
	defer notifier.shutdown()

	orch := lifecycle.NewOrchestrator(lifecycle.Deps{
		Stores:     stores,
		Registry:   registry,
		Identities: identity.NewResolver(stores.Identities),
		Engine:     policy.NewEngine(stores.Policies, guardState, guardState, risk.DefaultConfig()),
		Approvals:  approval.NewManager(stores.Approvals),
		Executor:   executor,
		Ledger:     ledger,
		Competence: competence.NewTracker(stores.Competence),
		Guard:      guardState,
		Spend:      guardState,
		Notifier:   notifier.composite,
		Metrics:    mtr,
	}, lifecycle.Options{
		DefaultApprovers: cfg.DefaultApprovers,
		FallbackApprover: cfg.FallbackApprover,
		EscalationDelay:  cfg.EscalationDelay,
		ApprovalTTL:      cfg.ApprovalTTL,
		Posture:          cfg.Posture,
	})

	if cfg.SeedFile != "" {
		seed, err := config.LoadSeed(cfg.SeedFile)
		if err != nil {
			log.Fatalf("Seed file invalid: %v", err)
		}
		if err := seed.Apply(ctx, stores); err != nil {
			log.Fatalf("Seed apply failed: %v", err)
		}
		log.Printf("🌱 Seeded %d policies, %d identities, %d overlays",
			len(seed.Policies), len(seed.Identities), len(seed.Overlays))
	}

	go runSweeper(ctx, orch)

	server := api.NewServer(orch, ledger, stores, registry, executor, keeper, api.Config{
		CORSOrigins:       cfg.CORSOrigins,
		InternalAPISecret: cfg.InternalAPISecret,
		RateLimitMax:      cfg.RateLimitMax,
		RateLimitWindow:   cfg.RateLimitWindow,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("🚀 Switchboard listening on :%s (posture=%s)", cfg.Port, cfg.Posture)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("⏳ Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown incomplete: %v", err)
	}
	log.Println("👋 Switchboard stopped")
}

// buildStores picks Postgres when configured and reachable, memory
// otherwise. Idempotency records and replay nonces ride on Redis when
// available so restarts don't forget them.
func buildStores(ctx context.Context, cfg *config.Config) (*store.Stores, func()) {
	var (
		idem   store.IdempotencyStore = store.NewMemoryIdempotencyStore(idempotencyTTL)
		nonces store.NonceStore       = store.NewMemoryNonceStore(nonceWindow)
	)

	if cfg.RedisURL != "" {
		client, err := store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Printf("⚠️ Redis unavailable, using in-memory idempotency/nonce stores: %v", err)
		} else {
			idem = store.NewRedisIdempotencyStore(client, idempotencyTTL)
			nonces = store.NewRedisNonceStore(client, nonceWindow)
		}
	}

	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Printf("⚠️ Postgres unavailable, falling back to in-memory stores: %v", err)
		} else {
			log.Println("🗄️ Connected to Postgres")
			return pg.Stores(idem, nonces), func() { pg.Close() }
		}
	}

	stores := store.NewMemoryStores()
	stores.Idempotency = idem
	stores.Nonces = nonces
	return stores, func() {}
}

func buildGuardState(ctx context.Context, cfg *config.Config) interface {
	guardrail.State
	guardrail.SpendLookup
} {
	if cfg.RedisURL != "" {
		if client, err := store.NewRedisClient(ctx, cfg.RedisURL); err == nil {
			return guardrail.NewRedisState(client)
		}
		log.Println("⚠️ Redis unavailable, guardrail counters stay in memory")
	}
	return guardrail.NewMemoryState()
}

// notifierSet bundles the composite with the webhook's shutdown hook.
type notifierSet struct {
	composite *notify.Composite
	webhook   *notify.WebhookNotifier
}

func (n notifierSet) shutdown() {
	if n.webhook != nil {
		n.webhook.Shutdown()
	}
}

func buildNotifier(cfg *config.Config) notifierSet {
	notifiers := []notify.Notifier{notify.NewLogNotifier()}
	var webhook *notify.WebhookNotifier
	if cfg.NotifyWebhookURL != "" {
		webhook = notify.NewWebhookNotifier([]notify.Endpoint{{
			URL:    cfg.NotifyWebhookURL,
			Secret: cfg.NotifyWebhookSecret,
		}}, 0)
		notifiers = append(notifiers, webhook)
	}
	return notifierSet{composite: notify.NewComposite(notifiers...), webhook: webhook}
}

// runSweeper expires overdue approval requests and nudges approvers on
// long-pending ones.
func runSweeper(ctx context.Context, orch *lifecycle.Orchestrator) {
	sweep := time.NewTicker(sweepInterval)
	remind := time.NewTicker(reminderInterval)
	defer sweep.Stop()
	defer remind.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if err := orch.SweepApprovals(ctx, ""); err != nil {
				log.Printf("Approval sweep failed: %v", err)
			}
		case <-remind.C:
			if _, err := orch.RemindPending(ctx, "", reminderAge); err != nil {
				log.Printf("Reminder pass failed: %v", err)
			}
		}
	}
}
