// Package audit implements C12: the tool.called/tool.result pairing
// contract, PII redaction policy, and canonical provider error taxonomy
// from spec §4.12, grounded on teacher pkg/audit/logger.go's structured
// JSON sink (io.Writer target, uuid-stamped events, mutex-guarded writes).
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PIIAction enumerates the three ways a PII-bearing field may be handled.
type PIIAction string

const (
	Allow    PIIAction = "allow"
	Redact   PIIAction = "redact"
	Summarize PIIAction = "summarize" // freeform_text only
)

// PIIPolicy is spec §4.12's enumerated redaction policy.
type PIIPolicy struct {
	RawEmails    PIIAction
	RawPhones    PIIAction
	Names        PIIAction
	FreeformText PIIAction
}

// DefaultPIIPolicy redacts everything identifying and summarizes prose,
// the conservative default for an untrusted-agent environment.
func DefaultPIIPolicy() PIIPolicy {
	return PIIPolicy{RawEmails: Redact, RawPhones: Redact, Names: Redact, FreeformText: Summarize}
}

// ProviderErrorCode is spec §4.12's canonical provider error taxonomy.
type ProviderErrorCode string

const (
	ProviderTimeout      ProviderErrorCode = "PROVIDER_TIMEOUT"
	ProviderRateLimit    ProviderErrorCode = "PROVIDER_RATE_LIMIT"
	ProviderAuthRequired ProviderErrorCode = "PROVIDER_AUTH_REQUIRED"
	ProviderUnavailable  ProviderErrorCode = "PROVIDER_UNAVAILABLE"
	InvalidInput         ProviderErrorCode = "INVALID_INPUT"
)

type errorPolicy struct {
	retryable          bool
	suggestedWaitSeconds int64
}

var errorPolicies = map[ProviderErrorCode]errorPolicy{
	ProviderTimeout:      {retryable: true, suggestedWaitSeconds: 10},
	ProviderRateLimit:    {retryable: true, suggestedWaitSeconds: 60},
	ProviderAuthRequired: {retryable: false},
	ProviderUnavailable:  {retryable: true, suggestedWaitSeconds: 300},
	InvalidInput:         {retryable: false},
}

// ToolError mirrors spec §4.12's post-call error shape.
type ToolError struct {
	Code                 ProviderErrorCode `json:"code"`
	MessageSafe          string            `json:"message"`
	Retryable            bool              `json:"retryable"`
	SuggestedWaitSeconds int64             `json:"suggested_wait_seconds,omitempty"`
}

// NewToolError builds a ToolError with its code's fixed retry policy.
func NewToolError(code ProviderErrorCode, messageSafe string) ToolError {
	p := errorPolicies[code]
	return ToolError{Code: code, MessageSafe: messageSafe, Retryable: p.retryable, SuggestedWaitSeconds: p.suggestedWaitSeconds}
}

// SafetyReport carries spec §4.12's post-call safety summary.
type SafetyReport struct {
	PIILeakDetected  bool     `json:"pii_leak_detected"`
	RedactionSummary []string `json:"redaction_summary,omitempty"`
}

// CalledEvent is the pre-call tool.called atom payload.
type CalledEvent struct {
	ToolCallID     string         `json:"tool_call_id"`
	ToolName       string         `json:"tool_name"`
	SanitizedInput map[string]any `json:"sanitized_input"`
	StartedAtMS    int64          `json:"started_at_ms"`
}

// ResultEvent is the post-call tool.result atom payload.
type ResultEvent struct {
	ToolCallID string         `json:"tool_call_id"`
	Status     string         `json:"status"` // success|error
	LatencyMS  int64          `json:"latency_ms"`
	Output     map[string]any `json:"output,omitempty"`
	Artifacts  []string       `json:"artifacts,omitempty"`
	Error      *ToolError     `json:"error,omitempty"`
	Safety     SafetyReport   `json:"safety"`
	Attempt    int            `json:"attempt"`
}

// Emitter proposes the tool.called / tool.result atoms to the ledger; the
// audit subsystem never writes anything itself, only proposes observations.
type Emitter interface {
	EmitObservation(ctx context.Context, containerID, eventType string, payload map[string]any) error
}

// inFlight tracks a started-but-not-yet-completed call purely for latency
// attribution; it carries no authority (the ledger does).
type inFlight struct {
	startedAtMS int64
	attempt     int
}

// Pipeline pairs tool.called/tool.result atoms by tool_call_id and applies
// the PII policy to inputs before they are ever proposed to the ledger.
type Pipeline struct {
	mu       sync.Mutex
	emit     Emitter
	policy   PIIPolicy
	inFlight map[string]inFlight
	// sink additionally mirrors every emitted event to a structured JSON
	// writer, matching teacher's logger for local debugging/export.
	sink io.Writer
}

func NewPipeline(emit Emitter, policy PIIPolicy) *Pipeline {
	return &Pipeline{emit: emit, policy: policy, inFlight: make(map[string]inFlight), sink: os.Stdout}
}

// SetSink overrides the debug-mirror writer (tests inject a buffer).
func (p *Pipeline) SetSink(w io.Writer) { p.sink = w }

// Called emits tool.called, sanitizing rawInput per the PII policy.
func (p *Pipeline) Called(ctx context.Context, containerID, toolName string, rawInput map[string]any, startedAtMS int64) (string, error) {
	toolCallID := uuid.NewString()
	sanitized := p.sanitize(rawInput)

	p.mu.Lock()
	p.inFlight[toolCallID] = inFlight{startedAtMS: startedAtMS, attempt: 1}
	p.mu.Unlock()

	ev := CalledEvent{ToolCallID: toolCallID, ToolName: toolName, SanitizedInput: sanitized, StartedAtMS: startedAtMS}
	p.mirror("tool.called", ev)

	payload := map[string]any{
		"tool_call_id":    toolCallID,
		"tool_name":       toolName,
		"sanitized_input": sanitized,
		"started_at_ms":   startedAtMS,
	}
	if err := p.emit.EmitObservation(ctx, containerID, "tool.called", payload); err != nil {
		return "", fmt.Errorf("audit: emit tool.called: %w", err)
	}
	return toolCallID, nil
}

// Result emits tool.result, joined to its tool.called by toolCallID.
func (p *Pipeline) Result(ctx context.Context, containerID, toolCallID string, finishedAtMS int64, status string, output map[string]any, artifacts []string, toolErr *ToolError, safety SafetyReport) error {
	p.mu.Lock()
	state, ok := p.inFlight[toolCallID]
	delete(p.inFlight, toolCallID)
	p.mu.Unlock()

	latency := int64(0)
	attempt := 1
	if ok {
		latency = finishedAtMS - state.startedAtMS
		attempt = state.attempt
	}

	ev := ResultEvent{
		ToolCallID: toolCallID, Status: status, LatencyMS: latency,
		Output: output, Artifacts: artifacts, Error: toolErr, Safety: safety, Attempt: attempt,
	}
	p.mirror("tool.result", ev)

	payload := map[string]any{
		"tool_call_id": toolCallID,
		"status":       status,
		"latency_ms":   latency,
		"output":       output,
		"artifacts":    artifacts,
		"safety":       map[string]any{"pii_leak_detected": safety.PIILeakDetected, "redaction_summary": safety.RedactionSummary},
		"attempt":      attempt,
	}
	if toolErr != nil {
		payload["error"] = map[string]any{
			"code": string(toolErr.Code), "message_safe": toolErr.MessageSafe,
			"retryable": toolErr.Retryable, "suggested_wait_seconds": toolErr.SuggestedWaitSeconds,
		}
	}
	if err := p.emit.EmitObservation(ctx, containerID, "tool.result", payload); err != nil {
		return fmt.Errorf("audit: emit tool.result: %w", err)
	}
	return nil
}

func (p *Pipeline) sanitize(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		switch k {
		case "email", "raw_email":
			out[k] = applyAction(p.policy.RawEmails, v)
		case "phone", "raw_phone":
			out[k] = applyAction(p.policy.RawPhones, v)
		case "name":
			out[k] = applyAction(p.policy.Names, v)
		case "text", "freeform_text":
			out[k] = applyAction(p.policy.FreeformText, v)
		default:
			out[k] = v
		}
	}
	return out
}

func applyAction(a PIIAction, v any) any {
	switch a {
	case Redact:
		return "[redacted]"
	case Summarize:
		if s, ok := v.(string); ok && len(s) > 40 {
			return s[:40] + "...[summarized]"
		}
		return v
	default:
		return v
	}
}

func (p *Pipeline) mirror(kind string, ev any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = p.sink.Write(append([]byte(fmt.Sprintf("AUDIT %s %s: ", time.Now().UTC().Format(time.RFC3339Nano), kind)), append(raw, '\n')...))
}
