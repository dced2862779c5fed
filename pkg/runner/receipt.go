// Package runner implements C10: the pull-model execution queue and
// receipt validator, grounded on ubl-runner-core/src/lib.rs's
// ExecutionReceipt/Artifact/ExecutionJob/RunnerQueue shapes.
package runner

import "fmt"

// Status mirrors ubl-runner-core's ExecutionStatus.
type Status string

const (
	Success Status = "Success"
	Failure Status = "Failure"
)

// Artifact mirrors ubl-runner-core's Artifact.
type Artifact struct {
	ArtifactID   string
	ArtifactType string
	Size         int64
	ContentHash  string
	Metadata     map[string]string
}

// Receipt mirrors ubl-runner-core's ExecutionReceipt. Timestamps are
// nanoseconds since the Unix epoch, matching the Rust reference's u128
// finished_at/started_at.
type Receipt struct {
	ContainerID     string
	TriggerLinkHash string
	ExecutionID     string
	Status          Status
	Artifacts       []Artifact
	StdoutHash      string
	StderrHash      string
	StartedAtNS     int64
	FinishedAtNS    int64
}

func NewReceipt(containerID, triggerLinkHash, executionID string, startedAtNS int64) *Receipt {
	return &Receipt{
		ContainerID:     containerID,
		TriggerLinkHash: triggerLinkHash,
		ExecutionID:     executionID,
		Status:          Success,
		StartedAtNS:     startedAtNS,
	}
}

func (r *Receipt) AddArtifact(a Artifact) {
	r.Artifacts = append(r.Artifacts, a)
}

func (r *Receipt) SetStdoutHash(h string) { r.StdoutHash = h }
func (r *Receipt) SetStderrHash(h string) { r.StderrHash = h }

func (r *Receipt) MarkFailed(finishedAtNS int64) {
	r.Status = Failure
	r.FinishedAtNS = finishedAtNS
}

func (r *Receipt) Finish(finishedAtNS int64) {
	r.FinishedAtNS = finishedAtNS
}

func (r *Receipt) DurationMS() int64 {
	if r.FinishedAtNS < r.StartedAtNS {
		return 0
	}
	return (r.FinishedAtNS - r.StartedAtNS) / 1_000_000
}

// Error enumerates RunnerError from the Rust reference.
type Error struct {
	Code   string
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("runner: %s: %s", e.Code, e.Reason) }

const (
	InvalidTrigger   = "InvalidTrigger"
	ExecutionFailed  = "ExecutionFailed"
	ArtifactViolation = "ArtifactViolation"
	ReceiptCommitFailed = "ReceiptCommitFailed"
	Timeout          = "Timeout"
)

// LinkLookup is the narrow contract runner needs from the ledger to
// validate a receipt's trigger_link_hash before accepting it.
type LinkLookup interface {
	HasCommittedLink(containerID, linkHash string) (bool, error)
}

// ValidateReceipt enforces spec §4.10's acceptance rule: a receipt is
// accepted only when trigger_link_hash matches a committed link.
func ValidateReceipt(lookup LinkLookup, r *Receipt) error {
	ok, err := lookup.HasCommittedLink(r.ContainerID, r.TriggerLinkHash)
	if err != nil {
		return &Error{Code: ReceiptCommitFailed, Reason: err.Error()}
	}
	if !ok {
		return &Error{Code: InvalidTrigger, Reason: fmt.Sprintf("no committed link %s in container %s", r.TriggerLinkHash, r.ContainerID)}
	}
	return nil
}
