// Package notify fans approval lifecycle events out to humans. The
// orchestrator calls it best-effort: a notifier that cannot deliver logs
// and moves on, it never blocks or fails governance decisions.
package notify

import (
	"context"
	"log/slog"

	"github.com/switchboard/backend/internal/schema"
)

// Notifier mirrors the orchestrator's notification needs.
type Notifier interface {
	ApprovalRequested(ctx context.Context, req *schema.ApprovalRequest, env *schema.ActionEnvelope) error
	ApprovalReminder(ctx context.Context, req *schema.ApprovalRequest) error
	ApprovalResolved(ctx context.Context, req *schema.ApprovalRequest) error
}

// Composite fans one event out to several notifiers. Per-notifier
// failures are logged and aggregated, never propagated: one broken
// channel must not silence the others.
type Composite struct {
	notifiers []Notifier
	logger    *slog.Logger
}

func NewComposite(notifiers ...Notifier) *Composite {
	return &Composite{
		notifiers: notifiers,
		logger:    slog.With("component", "notify"),
	}
}

func (c *Composite) each(name string, fn func(Notifier) error) error {
	for _, n := range c.notifiers {
		if err := fn(n); err != nil {
			c.logger.Warn("notifier failed", "event", name, "error", err)
		}
	}
	return nil
}

func (c *Composite) ApprovalRequested(ctx context.Context, req *schema.ApprovalRequest, env *schema.ActionEnvelope) error {
	return c.each("approval.requested", func(n Notifier) error {
		return n.ApprovalRequested(ctx, req, env)
	})
}

func (c *Composite) ApprovalReminder(ctx context.Context, req *schema.ApprovalRequest) error {
	return c.each("approval.reminder", func(n Notifier) error {
		return n.ApprovalReminder(ctx, req)
	})
}

func (c *Composite) ApprovalResolved(ctx context.Context, req *schema.ApprovalRequest) error {
	return c.each("approval.resolved", func(n Notifier) error {
		return n.ApprovalResolved(ctx, req)
	})
}

// LogNotifier writes approval traffic to the structured log. Always
// wired; it doubles as the audit trail for local development.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: slog.With("component", "notify-log")}
}

func (l *LogNotifier) ApprovalRequested(_ context.Context, req *schema.ApprovalRequest, env *schema.ActionEnvelope) error {
	l.logger.Info("approval requested",
		"requestId", req.ID, "envelopeId", env.ID, "action", env.ActionType,
		"risk", req.RiskCategory, "approvers", req.Approvers)
	return nil
}

func (l *LogNotifier) ApprovalReminder(_ context.Context, req *schema.ApprovalRequest) error {
	l.logger.Info("approval reminder", "requestId", req.ID, "envelopeId", req.EnvelopeID)
	return nil
}

func (l *LogNotifier) ApprovalResolved(_ context.Context, req *schema.ApprovalRequest) error {
	l.logger.Info("approval resolved",
		"requestId", req.ID, "status", req.Status, "by", req.RespondedBy)
	return nil
}
