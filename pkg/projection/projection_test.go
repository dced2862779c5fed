package projection

import (
	"context"
	"testing"
)

func TestDispatcherMonotonicityGuard(t *testing.T) {
	ctx := context.Background()
	d := NewDispatcher()
	jobs := NewJobsView()
	d.Register("job.", jobs)
	d.Register("approval.", jobs)

	if err := d.Dispatch(ctx, Event{Seq: 1, EventType: "job.created", Payload: map[string]any{"job_id": "j1", "title": "t"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.Dispatch(ctx, Event{Seq: 3, EventType: "job.started", Payload: map[string]any{"job_id": "j1"}}); err != nil {
		t.Fatalf("start: %v", err)
	}

	j, ok := jobs.Job("j1")
	if !ok || j.Status != "running" {
		t.Fatalf("expected running job, got %+v ok=%v", j, ok)
	}

	// Stale/duplicate redelivery at seq=2 (< current last_event_seq=3) must
	// be silently dropped, not applied out of order.
	if err := d.Dispatch(ctx, Event{Seq: 2, EventType: "job.progress", Payload: map[string]any{"job_id": "j1", "progress": int64(50)}}); err != nil {
		t.Fatalf("stale dispatch: %v", err)
	}
	j2, _ := jobs.Job("j1")
	if j2.Progress != 0 {
		t.Fatalf("stale event must not have been applied, got progress=%d", j2.Progress)
	}
}

func TestJobsApprovalFlow(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobsView()
	d := NewDispatcher()
	d.Register("job.", jobs)
	d.Register("approval.", jobs)

	must(t, d.Dispatch(ctx, Event{Seq: 1, EventType: "job.created", Payload: map[string]any{"job_id": "j1"}}))
	must(t, d.Dispatch(ctx, Event{Seq: 2, EventType: "approval.requested", Payload: map[string]any{"approval_id": "a1", "job_id": "j1"}}))

	j, _ := jobs.Job("j1")
	if j.Status != "awaiting_approval" {
		t.Fatalf("expected awaiting_approval, got %s", j.Status)
	}

	pending := jobs.PendingApprovals()
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending approval, got %d", len(pending))
	}

	must(t, d.Dispatch(ctx, Event{Seq: 3, EventType: "approval.decided", Payload: map[string]any{"approval_id": "a1", "decision": "approved"}}))
	j2, _ := jobs.Job("j1")
	if j2.Status != "running" {
		t.Fatalf("expected running after approval, got %s", j2.Status)
	}
}

func TestOfficeEntityAndSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	office := NewOfficeView()
	d := NewDispatcher()
	d.Register("entity.", office)
	d.Register("constitution.", office)
	d.Register("baseline.", office)
	d.Register("session.", office)
	d.Register("audit.", office)
	d.Register("governance.", office)

	must(t, d.Dispatch(ctx, Event{Seq: 1, EventType: "entity.created", Payload: map[string]any{"entity_id": "e1", "name": "Guardian"}}))
	must(t, d.Dispatch(ctx, Event{Seq: 2, EventType: "session.started", Payload: map[string]any{"session_id": "s1", "entity_id": "e1"}}))
	must(t, d.Dispatch(ctx, Event{Seq: 3, EventType: "session.completed", EntryHash: "abcdef0123456789", Payload: map[string]any{
		"session_id": "s1", "tokens_used": int64(42),
		"handover": map[string]any{"summary": "done"},
	}}))

	e, ok := office.Entity("e1")
	if !ok || e.TotalSessions != 1 || e.TotalTokensUsed != 42 {
		t.Fatalf("unexpected entity state: %+v ok=%v", e, ok)
	}

	s, ok := office.Session("s1")
	if !ok || s.Status != "completed" {
		t.Fatalf("unexpected session state: %+v ok=%v", s, ok)
	}

	hands := office.HandoversFor("s1")
	if len(hands) != 1 {
		t.Fatalf("expected 1 handover, got %d", len(hands))
	}

	must(t, d.Dispatch(ctx, Event{Seq: 4, EventType: "audit.tool_called", EntryHash: "feedfacefeedface", Payload: map[string]any{"entity_id": "e1"}}))
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
