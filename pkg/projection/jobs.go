package projection

import (
	"context"
	"fmt"
	"sync"
)

// Job mirrors the projection_jobs read model (grounded on
// ubl-server/src/projections/jobs.rs's Job struct field-for-field).
type Job struct {
	JobID                    string
	ConversationID           string
	Title                    string
	Description              string
	Status                   string
	Priority                 string
	AssignedTo               string
	CreatedBy                string
	CreatedAtMS              int64
	StartedAtMS              int64
	CompletedAtMS            int64
	CancelledAtMS            int64
	Progress                 int
	ProgressMessage          string
	ResultSummary            string
	ResultArtifacts          []string
	EstimatedDurationSeconds int64
	EstimatedValue           string
	LastEventHash            string
	LastEventSeq             uint64
}

// Approval mirrors jobs.rs's Approval struct.
type Approval struct {
	ApprovalID     string
	JobID          string
	Action         string
	Reason         string
	RequestedBy    string
	RequestedAtMS  int64
	Status         string
	DecidedBy      string
	DecidedAtMS    int64
	Decision       string
	DecisionReason string
	LastEventHash  string
	LastEventSeq   uint64
}

// JobsView is the in-memory projection_jobs + projection_approvals read
// model, with the same process_event dispatch vocabulary as jobs.rs's
// JobsProjection. A SQL-backed equivalent would issue the identical
// `WHERE last_event_seq < $N` guarded UPDATEs the Rust reference does; here
// that guard lives in Dispatcher.Dispatch so this view only needs to
// implement Apply.
type JobsView struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	approvals map[string]*Approval
}

func NewJobsView() *JobsView {
	return &JobsView{jobs: make(map[string]*Job), approvals: make(map[string]*Approval)}
}

func (v *JobsView) Key(ev Event) (string, bool) {
	if id, ok := str(ev.Payload, "job_id"); ok {
		return id, true
	}
	if id, ok := str(ev.Payload, "approval_id"); ok {
		return id, true
	}
	return "", false
}

func (v *JobsView) LastSeq(ctx context.Context, key string) (uint64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if j, ok := v.jobs[key]; ok {
		return j.LastEventSeq, nil
	}
	if a, ok := v.approvals[key]; ok {
		return a.LastEventSeq, nil
	}
	return 0, nil
}

func (v *JobsView) Apply(ctx context.Context, ev Event) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch ev.EventType {
	case "job.created":
		jobID, _ := str(ev.Payload, "job_id")
		v.jobs[jobID] = &Job{
			JobID:          jobID,
			ConversationID: strOr(ev.Payload, "conversation_id"),
			Title:          strOr(ev.Payload, "title"),
			Description:    strOr(ev.Payload, "description"),
			Status:         "pending",
			Priority:       strOr(ev.Payload, "priority"),
			CreatedBy:      strOr(ev.Payload, "created_by"),
			CreatedAtMS:    intOr(ev.Payload, "created_at_ms"),
			LastEventHash:  ev.EntryHash,
			LastEventSeq:   ev.Seq,
		}

	case "job.started":
		j, ok := v.requireJob(ev)
		if !ok {
			return nil
		}
		j.Status = "running"
		j.StartedAtMS = intOr(ev.Payload, "started_at_ms")
		j.AssignedTo = strOr(ev.Payload, "assigned_to")
		v.stamp(j, ev)

	case "job.progress":
		j, ok := v.requireJob(ev)
		if !ok {
			return nil
		}
		j.Progress = int(intOr(ev.Payload, "progress"))
		j.ProgressMessage = strOr(ev.Payload, "message")
		v.stamp(j, ev)

	case "job.completed":
		j, ok := v.requireJob(ev)
		if !ok {
			return nil
		}
		j.Status = "completed"
		j.Progress = 100
		j.CompletedAtMS = intOr(ev.Payload, "completed_at_ms")
		j.ResultSummary = strOr(ev.Payload, "result_summary")
		if arts, ok := ev.Payload["result_artifacts"].([]string); ok {
			j.ResultArtifacts = arts
		}
		v.stamp(j, ev)

	case "job.cancelled":
		j, ok := v.requireJob(ev)
		if !ok {
			return nil
		}
		j.Status = "cancelled"
		j.CancelledAtMS = intOr(ev.Payload, "cancelled_at_ms")
		v.stamp(j, ev)

	case "approval.requested":
		approvalID, _ := str(ev.Payload, "approval_id")
		jobID := strOr(ev.Payload, "job_id")
		v.approvals[approvalID] = &Approval{
			ApprovalID:    approvalID,
			JobID:         jobID,
			Action:        strOr(ev.Payload, "action"),
			Reason:        strOr(ev.Payload, "reason"),
			RequestedBy:   strOr(ev.Payload, "requested_by"),
			RequestedAtMS: intOr(ev.Payload, "requested_at_ms"),
			Status:        "pending",
			LastEventHash: ev.EntryHash,
			LastEventSeq:  ev.Seq,
		}
		if j, ok := v.jobs[jobID]; ok {
			j.Status = "awaiting_approval"
		}

	case "approval.decided":
		approvalID, _ := str(ev.Payload, "approval_id")
		a, ok := v.approvals[approvalID]
		if !ok {
			return nil
		}
		decision := strOr(ev.Payload, "decision")
		a.Status = "decided"
		a.Decision = decision
		a.DecidedBy = strOr(ev.Payload, "decided_by")
		a.DecidedAtMS = intOr(ev.Payload, "decided_at_ms")
		a.DecisionReason = strOr(ev.Payload, "decision_reason")
		a.LastEventHash = ev.EntryHash
		a.LastEventSeq = ev.Seq

		if j, ok := v.jobs[a.JobID]; ok {
			if decision == "approved" {
				j.Status = "running"
			} else {
				j.Status = "rejected"
			}
			v.stamp(j, ev)
		}

	default:
		return fmt.Errorf("projection/jobs: unrecognized event type %q", ev.EventType)
	}

	return nil
}

func (v *JobsView) requireJob(ev Event) (*Job, bool) {
	jobID, ok := str(ev.Payload, "job_id")
	if !ok {
		return nil, false
	}
	j, ok := v.jobs[jobID]
	return j, ok
}

func (v *JobsView) stamp(j *Job, ev Event) {
	j.LastEventHash = ev.EntryHash
	j.LastEventSeq = ev.Seq
}

// Job returns a copy of the current projected job row, or false if unknown.
func (v *JobsView) Job(jobID string) (Job, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	j, ok := v.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// PendingApprovals returns every approval currently in "pending" status.
func (v *JobsView) PendingApprovals() []Approval {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Approval, 0)
	for _, a := range v.approvals {
		if a.Status == "pending" {
			out = append(out, *a)
		}
	}
	return out
}

func str(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func strOr(m map[string]any, key string) string {
	s, _ := str(m, key)
	return s
}

func intOr(m map[string]any, key string) int64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
