// Package config loads runtime configuration from the environment (a
// local .env is honored when present) and optional YAML seed files for
// policies and identities.
package config

import (
	"encoding/base64"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/switchboard/backend/internal/schema"
)

// Config is the full runtime configuration.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	// CORSOrigins is the allowlist; empty reflects the request origin.
	CORSOrigins []string

	// Ingress rate limiting.
	RateLimitMax      int
	RateLimitWindow   time.Duration

	InternalAPISecret string

	// CredentialEncryptionKey is the 32-byte AES key for connection
	// credentials, decoded from base64.
	CredentialEncryptionKey []byte

	Posture schema.SystemPosture

	// Approval routing defaults.
	DefaultApprovers []string
	FallbackApprover string
	EscalationDelay  time.Duration
	ApprovalTTL      time.Duration

	// Approval notification webhook. An empty URL disables deliveries.
	NotifyWebhookURL    string
	NotifyWebhookSecret string

	// SeedFile optionally points at a YAML file of policies, identity
	// specs, and overlays loaded at startup.
	SeedFile string
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env", "error", err)
	}

	cfg := &Config{
		Port:             envOr("PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		RateLimitMax:     envInt("RATE_LIMIT_MAX", 120),
		RateLimitWindow:  time.Duration(envInt("RATE_LIMIT_WINDOW_MS", 60_000)) * time.Millisecond,
		InternalAPISecret: os.Getenv("INTERNAL_API_SECRET"),
		FallbackApprover: os.Getenv("FALLBACK_APPROVER"),
		EscalationDelay:  time.Duration(envInt("ESCALATION_DELAY_MS", int(4*time.Hour/time.Millisecond))) * time.Millisecond,
		ApprovalTTL:      time.Duration(envInt("APPROVAL_TTL_MS", int(24*time.Hour/time.Millisecond))) * time.Millisecond,
		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		SeedFile:            os.Getenv("SEED_FILE"),
	}

	if origins := os.Getenv("CORS_ORIGIN"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if approvers := os.Getenv("DEFAULT_APPROVERS"); approvers != "" {
		for _, a := range strings.Split(approvers, ",") {
			if a = strings.TrimSpace(a); a != "" {
				cfg.DefaultApprovers = append(cfg.DefaultApprovers, a)
			}
		}
	}

	posture := schema.SystemPosture(envOr("SYSTEM_RISK_POSTURE", string(schema.PostureNormal)))
	if err := schema.ValidatePosture(posture); err != nil {
		return nil, err
	}
	cfg.Posture = posture

	if raw := os.Getenv("CREDENTIAL_ENCRYPTION_KEY"); raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, schema.E(schema.KindValidation, "CREDENTIAL_ENCRYPTION_KEY is not base64: %v", err)
		}
		if len(key) != 32 {
			return nil, schema.E(schema.KindValidation,
				"CREDENTIAL_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
		}
		cfg.CredentialEncryptionKey = key
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring non-numeric env value", "key", key, "value", v)
		return fallback
	}
	return n
}
