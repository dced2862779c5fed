package audit

import (
	"bytes"
	"context"
	"testing"
)

type fakeEmitter struct {
	events []map[string]any
}

func (f *fakeEmitter) EmitObservation(ctx context.Context, containerID, eventType string, payload map[string]any) error {
	payload["_event_type"] = eventType
	f.events = append(f.events, payload)
	return nil
}

func TestCalledRedactsPII(t *testing.T) {
	em := &fakeEmitter{}
	p := NewPipeline(em, DefaultPIIPolicy())
	p.SetSink(&bytes.Buffer{})

	id, err := p.Called(context.Background(), "C.Messenger", "send_email", map[string]any{
		"email": "alice@example.com",
		"other": "unchanged",
	}, 1000)
	if err != nil {
		t.Fatalf("called: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty tool_call_id")
	}

	sanitized := em.events[0]["sanitized_input"].(map[string]any)
	if sanitized["email"] != "[redacted]" {
		t.Fatalf("expected redacted email, got %v", sanitized["email"])
	}
	if sanitized["other"] != "unchanged" {
		t.Fatalf("expected untouched field, got %v", sanitized["other"])
	}
}

func TestResultJoinsLatencyToCalled(t *testing.T) {
	em := &fakeEmitter{}
	p := NewPipeline(em, DefaultPIIPolicy())
	p.SetSink(&bytes.Buffer{})

	id, _ := p.Called(context.Background(), "C.Messenger", "send_email", nil, 1000)
	err := p.Result(context.Background(), "C.Messenger", id, 1500, "success", nil, nil, nil, SafetyReport{})
	if err != nil {
		t.Fatalf("result: %v", err)
	}

	resultEv := em.events[1]
	if resultEv["latency_ms"] != int64(500) {
		t.Fatalf("expected latency_ms=500, got %v", resultEv["latency_ms"])
	}
}

func TestNewToolErrorAppliesFixedRetryPolicy(t *testing.T) {
	e := NewToolError(ProviderRateLimit, "rate limited")
	if !e.Retryable || e.SuggestedWaitSeconds != 60 {
		t.Fatalf("unexpected policy for PROVIDER_RATE_LIMIT: %+v", e)
	}
	e2 := NewToolError(ProviderAuthRequired, "bad creds")
	if e2.Retryable {
		t.Fatal("PROVIDER_AUTH_REQUIRED must not be retryable")
	}
}
