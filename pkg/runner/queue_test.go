package runner

import "testing"

func TestEnqueueDequeuePriorityOrder(t *testing.T) {
	q := NewMemQueue(3)
	q.Enqueue(NewJob("j1", "C.Jobs", "h1", "build", 1, 100))
	q.Enqueue(NewJob("j2", "C.Jobs", "h2", "build", 5, 200))
	q.Enqueue(NewJob("j3", "C.Jobs", "h3", "build", 5, 50))

	first := q.Dequeue()
	if first.JobID != "j3" {
		t.Fatalf("expected j3 (priority 5, earliest), got %s", first.JobID)
	}
	second := q.Dequeue()
	if second.JobID != "j2" {
		t.Fatalf("expected j2 next, got %s", second.JobID)
	}
	third := q.Dequeue()
	if third.JobID != "j1" {
		t.Fatalf("expected j1 last, got %s", third.JobID)
	}
	if q.Dequeue() != nil {
		t.Fatal("expected empty queue")
	}
}

func TestRequeueDropsToDeadLetterAfterMaxRetries(t *testing.T) {
	q := NewMemQueue(2)
	j := NewJob("j1", "C.Jobs", "h1", "build", 1, 0)

	if ok := q.Requeue(j); !ok {
		t.Fatal("expected first requeue to succeed")
	}
	if ok := q.Requeue(j); !ok {
		t.Fatal("expected second requeue to succeed")
	}
	if ok := q.Requeue(j); ok {
		t.Fatal("expected third requeue to exceed max retries")
	}
	if len(q.DeadLetter()) != 1 {
		t.Fatalf("expected 1 dead-lettered job, got %d", len(q.DeadLetter()))
	}
}

type fakeLinkLookup struct {
	committed map[string]bool
}

func (f fakeLinkLookup) HasCommittedLink(containerID, linkHash string) (bool, error) {
	return f.committed[containerID+":"+linkHash], nil
}

func TestValidateReceiptRequiresCommittedTrigger(t *testing.T) {
	r := NewReceipt("C.Jobs", "hash1", "exec-1", 0)
	lookup := fakeLinkLookup{committed: map[string]bool{"C.Jobs:hash1": true}}
	if err := ValidateReceipt(lookup, r); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}

	r2 := NewReceipt("C.Jobs", "hash-unknown", "exec-2", 0)
	if err := ValidateReceipt(lookup, r2); err == nil {
		t.Fatal("expected InvalidTrigger for uncommitted link hash")
	}
}

func TestReceiptDurationMS(t *testing.T) {
	r := NewReceipt("C.Jobs", "hash1", "exec-1", 1_000_000_000)
	r.Finish(1_250_000_000)
	if r.DurationMS() != 250 {
		t.Fatalf("expected 250ms duration, got %d", r.DurationMS())
	}
}
