package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/switchboard/backend/internal/schema"
	"github.com/switchboard/backend/pkg/cartridge"
)

// flakyCartridge fails the first failBefore invocations, then succeeds.
type flakyCartridge struct {
	mu         sync.Mutex
	calls      int
	failBefore int
	failWith   error
}

func (f *flakyCartridge) Manifest() cartridge.Manifest {
	return cartridge.Manifest{ID: "flaky", Name: "Flaky", Version: "1.0.0"}
}
func (f *flakyCartridge) Initialize(context.Context, cartridge.InitContext) error { return nil }
func (f *flakyCartridge) EnrichContext(context.Context, cartridge.ActionCall) (map[string]any, error) {
	return nil, nil
}
func (f *flakyCartridge) RiskInput(context.Context, cartridge.ActionCall) (*schema.RiskInput, error) {
	return nil, nil
}
func (f *flakyCartridge) Guardrails() cartridge.GuardrailConfig { return cartridge.GuardrailConfig{} }
func (f *flakyCartridge) HealthCheck(context.Context) cartridge.HealthStatus {
	return cartridge.HealthStatus{Status: "ok"}
}

func (f *flakyCartridge) Execute(_ context.Context, call cartridge.ActionCall) (*schema.ExecuteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failBefore {
		err := f.failWith
		if err == nil {
			err = schema.E(schema.KindTransient, "upstream hiccup")
		}
		return nil, err
	}
	return &schema.ExecuteResult{
		ID:         schema.NewID("res"),
		EnvelopeID: call.EnvelopeID,
		Success:    true,
		Summary:    "paused campaign",
	}, nil
}

func (f *flakyCartridge) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastOptions() Options {
	return Options{
		CallTimeout: time.Second,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			MaxElapsed:  time.Second,
		},
		RatePerSecond:    1000,
		FailureThreshold: 3,
		ResetTimeout:     20 * time.Millisecond,
	}
}

func sampleCall() cartridge.ActionCall {
	return cartridge.ActionCall{
		EnvelopeID: "env_1",
		ActionType: "ads.campaign.pause",
		Parameters: map[string]any{"entityId": "camp_1"},
	}
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	c := &flakyCartridge{failBefore: 2}
	reg := &cartridge.Registration{Cartridge: c}
	e := NewExecutor(fastOptions())

	result, err := e.Execute(context.Background(), reg, sampleCall())
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Error("expected success after retries")
	}
	if c.callCount() != 3 {
		t.Errorf("calls = %d, want 3", c.callCount())
	}
}

func TestExecute_NonTransientFailsImmediately(t *testing.T) {
	c := &flakyCartridge{
		failBefore: 10,
		failWith:   schema.E(schema.KindValidation, "bad parameters"),
	}
	reg := &cartridge.Registration{Cartridge: c}
	e := NewExecutor(fastOptions())

	_, err := e.Execute(context.Background(), reg, sampleCall())
	if !schema.IsKind(err, schema.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if c.callCount() != 1 {
		t.Errorf("calls = %d, want 1 (no retries)", c.callCount())
	}
}

func TestExecute_RetryBudgetExhausted(t *testing.T) {
	c := &flakyCartridge{failBefore: 10}
	reg := &cartridge.Registration{Cartridge: c}
	e := NewExecutor(fastOptions())

	_, err := e.Execute(context.Background(), reg, sampleCall())
	if !schema.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if c.callCount() != 3 {
		t.Errorf("calls = %d, want MaxAttempts", c.callCount())
	}
}

func TestBackoffDelay_ZeroBaseDelayDoesNotPanic(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: 0, MaxDelay: time.Second}
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if d := backoffDelay(p, attempt); d != 0 {
			t.Errorf("attempt %d: delay = %s, want 0 for zero base delay", attempt, d)
		}
	}
}

func TestBreaker_OpensAfterThresholdAndRecovers(t *testing.T) {
	c := &flakyCartridge{
		failBefore: 9, // 3 executions x 3 attempts
	}
	reg := &cartridge.Registration{Cartridge: c}
	opts := fastOptions()
	e := NewExecutor(opts)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := e.Execute(ctx, reg, sampleCall()); err == nil {
			t.Fatal("expected failure")
		}
	}
	if got := e.BreakerState("flaky"); got != "open" {
		t.Fatalf("breaker state = %s, want open", got)
	}

	// While open, calls are refused without touching the cartridge.
	before := c.callCount()
	_, err := e.Execute(ctx, reg, sampleCall())
	if !schema.IsTransient(err) {
		t.Fatalf("open circuit err = %v, want transient", err)
	}
	if c.callCount() != before {
		t.Error("open circuit still invoked the cartridge")
	}

	// After the reset timeout a probe is allowed; the cartridge has
	// exhausted its failures, so the probe succeeds and closes it.
	time.Sleep(opts.ResetTimeout + 5*time.Millisecond)
	result, err := e.Execute(ctx, reg, sampleCall())
	if err != nil || !result.Success {
		t.Fatalf("probe call failed: %v", err)
	}
	if got := e.BreakerState("flaky"); got != "closed" {
		t.Errorf("breaker state = %s, want closed after probe", got)
	}
}

// recordingInterceptor logs hook invocations into a shared trace.
type recordingInterceptor struct {
	name  string
	trace *[]string
}

func (r *recordingInterceptor) Name() string { return r.name }
func (r *recordingInterceptor) BeforeExecute(context.Context, *cartridge.ActionCall) (*schema.ExecuteResult, error) {
	*r.trace = append(*r.trace, r.name+".before")
	return nil, nil
}
func (r *recordingInterceptor) AfterExecute(_ context.Context, _ *cartridge.ActionCall, result *schema.ExecuteResult) (*schema.ExecuteResult, error) {
	*r.trace = append(*r.trace, r.name+".after")
	return result, nil
}
func (r *recordingInterceptor) OnError(context.Context, *cartridge.ActionCall, error) (*schema.ExecuteResult, error) {
	*r.trace = append(*r.trace, r.name+".onError")
	return nil, nil
}

func TestInterceptors_BeforeInOrderAfterReversed(t *testing.T) {
	var trace []string
	c := &flakyCartridge{}
	reg := &cartridge.Registration{
		Cartridge: c,
		Interceptors: []cartridge.Interceptor{
			&recordingInterceptor{name: "outer", trace: &trace},
			&recordingInterceptor{name: "inner", trace: &trace},
		},
	}
	e := NewExecutor(fastOptions())
	if _, err := e.Execute(context.Background(), reg, sampleCall()); err != nil {
		t.Fatal(err)
	}
	want := []string{"outer.before", "inner.before", "inner.after", "outer.after"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

func TestIdempotencyInterceptor_ReplaysCachedResult(t *testing.T) {
	c := &flakyCartridge{}
	idem := NewIdempotencyInterceptor(time.Minute)
	reg := &cartridge.Registration{
		Cartridge:    c,
		Interceptors: []cartridge.Interceptor{idem},
	}
	e := NewExecutor(fastOptions())
	ctx := context.Background()

	first, err := e.Execute(ctx, reg, sampleCall())
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Execute(ctx, reg, sampleCall())
	if err != nil {
		t.Fatal(err)
	}
	if c.callCount() != 1 {
		t.Errorf("calls = %d, want 1 (replay should not re-invoke)", c.callCount())
	}
	if second.ID != first.ID {
		t.Error("replay returned a different result")
	}

	// Different parameters miss the cache.
	other := sampleCall()
	other.Parameters = map[string]any{"entityId": "camp_2"}
	if _, err := e.Execute(ctx, reg, other); err != nil {
		t.Fatal(err)
	}
	if c.callCount() != 2 {
		t.Errorf("calls = %d, want 2 after distinct parameters", c.callCount())
	}
}

type fakeCapturer struct {
	snapshot map[string]any
	err      error
}

func (f *fakeCapturer) CaptureSnapshot(context.Context, string) (map[string]any, error) {
	return f.snapshot, f.err
}

func TestVerificationInterceptor_AnnotatesSummary(t *testing.T) {
	check := func(_ *cartridge.ActionCall, snap map[string]any) bool {
		return snap["status"] == "paused"
	}

	t.Run("verified", func(t *testing.T) {
		v := NewVerificationInterceptor(
			&fakeCapturer{snapshot: map[string]any{"status": "paused"}},
			[]string{"ads.campaign.pause"}, check)
		call := sampleCall()
		result, err := v.AfterExecute(context.Background(), &call,
			&schema.ExecuteResult{Success: true, Summary: "paused campaign"})
		if err != nil {
			t.Fatal(err)
		}
		if result.Summary != "paused campaign [verified]" {
			t.Errorf("summary = %q", result.Summary)
		}
	})

	t.Run("pending on read failure", func(t *testing.T) {
		v := NewVerificationInterceptor(
			&fakeCapturer{err: errors.New("read path down")},
			[]string{"ads.campaign.pause"}, check)
		call := sampleCall()
		result, err := v.AfterExecute(context.Background(), &call,
			&schema.ExecuteResult{Success: true, Summary: "paused campaign"})
		if err != nil {
			t.Fatal(err)
		}
		if result.Summary != "paused campaign [verification pending]" {
			t.Errorf("summary = %q", result.Summary)
		}
	})

	t.Run("unlisted action untouched", func(t *testing.T) {
		v := NewVerificationInterceptor(&fakeCapturer{}, nil, check)
		call := sampleCall()
		result, err := v.AfterExecute(context.Background(), &call,
			&schema.ExecuteResult{Success: true, Summary: "paused campaign"})
		if err != nil {
			t.Fatal(err)
		}
		if result.Summary != "paused campaign" {
			t.Errorf("summary = %q", result.Summary)
		}
	})
}

func TestRedactionInterceptor_StarsSensitiveRefs(t *testing.T) {
	r := NewRedactionInterceptor(nil)
	call := sampleCall()
	result, err := r.AfterExecute(context.Background(), &call, &schema.ExecuteResult{
		Success: true,
		ExternalRefs: map[string]string{
			"campaignUrl":  "https://ads.example.com/camp_1",
			"accessToken":  "tok-123",
			"api_password": "hunter2",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.ExternalRefs["accessToken"] != "***" {
		t.Errorf("accessToken = %q, want starred", result.ExternalRefs["accessToken"])
	}
	if result.ExternalRefs["api_password"] != "***" {
		t.Errorf("api_password = %q, want starred", result.ExternalRefs["api_password"])
	}
	if result.ExternalRefs["campaignUrl"] == "***" {
		t.Error("benign ref starred")
	}
}
