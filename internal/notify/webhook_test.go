package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/switchboard/backend/internal/schema"
)

func sampleRequest() *schema.ApprovalRequest {
	return &schema.ApprovalRequest{
		ID:             "apr_1",
		EnvelopeID:     "env_1",
		OrganizationID: "org_1",
		Summary:        "ads.budget.adjust on camp_1",
		RiskCategory:   schema.RiskHigh,
		BindingHash:    "abc123",
		Approvers:      []string{"user_1"},
		Status:         schema.ApprovalPending,
	}
}

func TestWebhookNotifier_DeliversSignedEvent(t *testing.T) {
	type received struct {
		event     WebhookEvent
		signature string
		eventType string
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var ev WebhookEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		sig := strings.TrimPrefix(r.Header.Get("X-Switchboard-Signature"), "sha256=")
		if !VerifySignature(body, "s3cret", sig) {
			t.Error("signature does not verify")
		}
		got <- received{event: ev, signature: sig, eventType: r.Header.Get("X-Switchboard-Event-Type")}
	}))
	defer srv.Close()

	n := NewWebhookNotifier([]Endpoint{{URL: srv.URL, Secret: "s3cret"}}, 2)
	defer n.Shutdown()

	env := &schema.ActionEnvelope{ID: "env_1", ActionType: "ads.budget.adjust"}
	if err := n.ApprovalRequested(context.Background(), sampleRequest(), env); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-got:
		if r.eventType != "approval.requested" {
			t.Errorf("event type header = %q", r.eventType)
		}
		if r.event.Data["requestId"] != "apr_1" {
			t.Errorf("payload data = %v", r.event.Data)
		}
		if r.event.OrganizationID != "org_1" {
			t.Errorf("organizationId = %q", r.event.OrganizationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never arrived")
	}
}

func TestWebhookNotifier_NoEndpointsIsNoop(t *testing.T) {
	n := NewWebhookNotifier(nil, 1)
	defer n.Shutdown()
	if err := n.ApprovalReminder(context.Background(), sampleRequest()); err != nil {
		t.Fatal(err)
	}
}

// failing notifier for composite aggregation.
type failingNotifier struct{ calls int }

func (f *failingNotifier) ApprovalRequested(context.Context, *schema.ApprovalRequest, *schema.ActionEnvelope) error {
	f.calls++
	return errors.New("channel down")
}
func (f *failingNotifier) ApprovalReminder(context.Context, *schema.ApprovalRequest) error {
	f.calls++
	return errors.New("channel down")
}
func (f *failingNotifier) ApprovalResolved(context.Context, *schema.ApprovalRequest) error {
	f.calls++
	return errors.New("channel down")
}

type countingNotifier struct {
	mu    sync.Mutex
	calls int
}

func (c *countingNotifier) bump() {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}
func (c *countingNotifier) ApprovalRequested(context.Context, *schema.ApprovalRequest, *schema.ActionEnvelope) error {
	c.bump()
	return nil
}
func (c *countingNotifier) ApprovalReminder(context.Context, *schema.ApprovalRequest) error {
	c.bump()
	return nil
}
func (c *countingNotifier) ApprovalResolved(context.Context, *schema.ApprovalRequest) error {
	c.bump()
	return nil
}

func TestComposite_FailureDoesNotStopOthers(t *testing.T) {
	failing := &failingNotifier{}
	counting := &countingNotifier{}
	c := NewComposite(failing, counting)

	env := &schema.ActionEnvelope{ID: "env_1"}
	if err := c.ApprovalRequested(context.Background(), sampleRequest(), env); err != nil {
		t.Fatalf("composite must swallow per-notifier failures, got %v", err)
	}
	if counting.calls != 1 {
		t.Errorf("second notifier calls = %d, want 1", counting.calls)
	}
}

func TestVerifySignature_RejectsTampered(t *testing.T) {
	payload := []byte(`{"hello":"world"}`)
	sig := SignPayload(payload, "s3cret")
	if !VerifySignature(payload, "s3cret", sig) {
		t.Error("valid signature rejected")
	}
	if VerifySignature([]byte(`{"hello":"tampered"}`), "s3cret", sig) {
		t.Error("tampered payload accepted")
	}
	if VerifySignature(payload, "wrong", sig) {
		t.Error("wrong secret accepted")
	}
}
