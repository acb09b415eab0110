// Command preflight is the pre-deployment diagnostic: it validates the
// environment configuration and probes every backing service the
// gateway will touch.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/switchboard/backend/internal/config"
	"github.com/switchboard/backend/internal/store"
	"github.com/switchboard/backend/pkg/client"
)

type component struct {
	Name string
	Test func(ctx context.Context) error
}

func main() {
	fmt.Println("\033[96mSwitchboard Pre-Flight Diagnostic\033[0m")
	fmt.Println("---------------------------------------------------------")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Checking %-28s \033[31m[FAIL]\033[0m\n", "Configuration...")
		fmt.Printf("  >> Error: %v\n", err)
		os.Exit(1)
	}

	components := []component{
		{"Configuration", func(context.Context) error { return nil }},
		{"Storage (Postgres)", func(ctx context.Context) error { return checkPostgres(cfg) }},
		{"Counters (Redis)", func(ctx context.Context) error { return checkRedis(ctx, cfg) }},
		{"Seed file", func(context.Context) error { return checkSeed(cfg) }},
		{"Gateway + cartridges", func(ctx context.Context) error { return checkGateway(ctx, cfg) }},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failures := 0
	for _, c := range components {
		fmt.Printf("Checking %-28s ", c.Name+"...")
		if err := c.Test(ctx); err != nil {
			failures++
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> Error: %v\n", err)
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failures > 0 {
		fmt.Printf("\033[31mStatus: %d check(s) failed.\033[0m\n", failures)
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: ready for agent traffic.\033[0m")
}

func checkPostgres(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return nil // memory mode
	}
	pg, err := store.OpenPostgres(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	return pg.Close()
}

func checkRedis(ctx context.Context, cfg *config.Config) error {
	if cfg.RedisURL == "" {
		return nil // memory mode
	}
	_, err := store.NewRedisClient(ctx, cfg.RedisURL)
	return err
}

func checkSeed(cfg *config.Config) error {
	if cfg.SeedFile == "" {
		return nil
	}
	_, err := config.LoadSeed(cfg.SeedFile)
	return err
}

// checkGateway probes a running instance when SWITCHBOARD_URL points at
// one; without it the check is skipped.
func checkGateway(ctx context.Context, cfg *config.Config) error {
	base := os.Getenv("SWITCHBOARD_URL")
	if base == "" {
		return nil
	}
	sb := client.New(client.Config{BaseURL: base, ActorID: "preflight"})
	doc, err := sb.Health(ctx)
	if err != nil {
		return err
	}
	if status, _ := doc["status"].(string); status != "ok" {
		return fmt.Errorf("gateway reports %q", status)
	}
	verify, err := sb.VerifyAudit(ctx, false)
	if err != nil {
		return err
	}
	if !verify.Intact() {
		return fmt.Errorf("audit chain broken at entry %d", verify.ChainBreakAt)
	}
	return nil
}
