package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/switchboard/backend/internal/schema"
)

// Endpoint is one webhook target. Secret, when set, produces an HMAC
// signature the receiver can verify.
type Endpoint struct {
	URL    string
	Secret string
}

// WebhookEvent is the payload delivered to endpoints.
type WebhookEvent struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	OrganizationID string         `json:"organizationId,omitempty"`
	Data           map[string]any `json:"data"`
}

type deliveryJob struct {
	endpoint Endpoint
	event    *WebhookEvent
	attempt  int
}

// WebhookNotifier delivers approval events over HTTP through a
// background worker pool. Deliveries retry up to three times with
// quadratic backoff; a full queue drops the event rather than blocking
// the request path.
type WebhookNotifier struct {
	endpoints  []Endpoint
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

func NewWebhookNotifier(endpoints []Endpoint, workers int) *WebhookNotifier {
	if workers <= 0 {
		workers = 4
	}
	n := &WebhookNotifier{
		endpoints: endpoints,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		queue:  make(chan *deliveryJob, 1000),
		logger: log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

func (n *WebhookNotifier) emit(eventType, organizationID string, data map[string]any) {
	if len(n.endpoints) == 0 {
		return
	}
	event := &WebhookEvent{
		ID:             fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Type:           eventType,
		Timestamp:      time.Now().UTC(),
		OrganizationID: organizationID,
		Data:           data,
	}
	for _, ep := range n.endpoints {
		select {
		case n.queue <- &deliveryJob{endpoint: ep, event: event, attempt: 1}:
		default:
			n.logger.Printf("⚠️  Notify queue full, dropping event %s for %s", event.ID, ep.URL)
		}
	}
}

func (n *WebhookNotifier) ApprovalRequested(_ context.Context, req *schema.ApprovalRequest, env *schema.ActionEnvelope) error {
	n.emit("approval.requested", req.OrganizationID, map[string]any{
		"requestId":    req.ID,
		"envelopeId":   env.ID,
		"actionType":   env.ActionType,
		"summary":      req.Summary,
		"riskCategory": req.RiskCategory,
		"bindingHash":  req.BindingHash,
		"approvers":    req.Approvers,
		"expiresAt":    req.ExpiresAt,
	})
	return nil
}

func (n *WebhookNotifier) ApprovalReminder(_ context.Context, req *schema.ApprovalRequest) error {
	n.emit("approval.reminder", req.OrganizationID, map[string]any{
		"requestId":  req.ID,
		"envelopeId": req.EnvelopeID,
		"summary":    req.Summary,
		"expiresAt":  req.ExpiresAt,
	})
	return nil
}

func (n *WebhookNotifier) ApprovalResolved(_ context.Context, req *schema.ApprovalRequest) error {
	n.emit("approval.resolved", req.OrganizationID, map[string]any{
		"requestId":   req.ID,
		"envelopeId":  req.EnvelopeID,
		"status":      req.Status,
		"respondedBy": req.RespondedBy,
	})
	return nil
}

func (n *WebhookNotifier) worker() {
	defer n.wg.Done()
	for job := range n.queue {
		n.deliver(job)
	}
}

func (n *WebhookNotifier) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		n.logger.Printf("❌ Failed to marshal event: %v", err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, job.endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		n.logger.Printf("❌ Failed to build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Switchboard-Event-Type", job.event.Type)
	req.Header.Set("X-Switchboard-Event-ID", job.event.ID)
	req.Header.Set("X-Switchboard-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.endpoint.Secret != "" {
		req.Header.Set("X-Switchboard-Signature", "sha256="+SignPayload(payload, job.endpoint.Secret))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Printf("❌ Delivery failed: %s → %v", job.endpoint.URL, err)
		n.requeue(job)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		n.logger.Printf("⚠️  Endpoint returned %d: %s → %s", resp.StatusCode, job.endpoint.URL, job.event.Type)
		n.requeue(job)
		return
	}
	n.logger.Printf("✅ Delivered %s → %s (%s)", job.event.Type, job.endpoint.URL, job.event.ID)
}

func (n *WebhookNotifier) requeue(job *deliveryJob) {
	if job.attempt >= 3 {
		return
	}
	time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
	job.attempt++
	select {
	case n.queue <- job:
	default:
	}
}

// Shutdown drains the queue and stops the workers.
func (n *WebhookNotifier) Shutdown() {
	n.closeOnce.Do(func() {
		close(n.queue)
	})
	n.wg.Wait()
}

// SignPayload computes the HMAC-SHA256 hex signature receivers verify.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an inbound webhook signature in constant time.
func VerifySignature(payload []byte, secret, signature string) bool {
	want := SignPayload(payload, secret)
	return hmac.Equal([]byte(want), []byte(signature))
}
