// Package orchestrator implements the kernel: the sole gateway a proposed
// link passes through to become a committed ledger entry, and the point
// where an accepted effect-bearing intent is handed to the runner (and,
// when its rule requires a pact, a permit is minted for it). Grounded on teacher pkg/kernelruntime's
// KernelRuntime interface (SubmitIntent/Query/CheckHealth) and Runtime's
// ordered check sequence (signature -> sovereignty binding -> persistence),
// generalized from the teacher's event-log stub into the full
// constitution -> policy -> permit -> membrane -> ledger -> projection ->
// runner -> receipt chain this system actually requires.
package orchestrator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/sovereign-ubl/ubl/pkg/atom"
	"github.com/sovereign-ubl/ubl/pkg/constitution"
	"github.com/sovereign-ubl/ubl/pkg/ledgerstore"
	"github.com/sovereign-ubl/ubl/pkg/link"
	"github.com/sovereign-ubl/ubl/pkg/pact"
	"github.com/sovereign-ubl/ubl/pkg/permit"
	"github.com/sovereign-ubl/ubl/pkg/policyvm"
	"github.com/sovereign-ubl/ubl/pkg/projection"
	"github.com/sovereign-ubl/ubl/pkg/runner"
)

// hashAtom canonicalizes a receipt body and returns its canonical bytes
// alongside its atom hash, the same two-step C1 provides to every other
// atom producer in the system.
func hashAtom(v any) ([]byte, string, error) {
	return atom.HashAtom(v)
}

// zeroDelta is the Observation intent class's required physics delta.
func zeroDelta() *big.Int { return big.NewInt(0) }

// Kernel is the sole gateway for effecting change or reading ledger state,
// mirroring teacher's KernelRuntime contract.
type Kernel interface {
	SubmitIntent(ctx context.Context, req *IntentRequest) (*Outcome, error)
	CheckHealth(ctx context.Context) error
}

// IntentRequest is one agent's proposed effect: an already atom-canonicalized
// and author-signed Link, plus the metadata the constitution and policy
// stages need that the link itself doesn't carry (mode, declared risk,
// whether a step-up challenge or pre-flight diff was already satisfied).
type IntentRequest struct {
	Link         *link.Link
	AtomBody     []byte
	PolicyID     string
	Actor        string
	Mode         constitution.Mode
	DeclaredRisk pact.RiskLevel
	HasStepUp    bool
	HasDiff      bool
	EventType    string         // dotted event vocabulary, e.g. "job.created"
	EventPayload map[string]any // decoded atom body, handed to the projection dispatcher verbatim
	// Effect, if non-empty, names the job type the runner should execute
	// once the link commits (spec §2's "if external effect" branch). Left
	// empty for pure ledger writes (observations, internal conservation).
	Effect string
}

// Outcome is everything SubmitIntent produced: the committed entry, the
// policy decision that admitted it, an issued permit (only set when the
// intent required one), and — if the runner executed an effect — the
// receipt link committed as a follow-up entry.
type Outcome struct {
	Entry        *ledgerstore.Entry
	Decision     *policyvm.PolicyResult
	PermitToken  string
	ReceiptEntry *ledgerstore.Entry
}

// RejectionError is returned for every pipeline stage that can fail closed
// before the ledger is touched; Stage names which one.
type RejectionError struct {
	Stage  string
	Reason error
}

func (e *RejectionError) Error() string { return fmt.Sprintf("orchestrator: %s: %v", e.Stage, e.Reason) }
func (e *RejectionError) Unwrap() error { return e.Reason }

// kernel is the concrete Kernel implementation wiring every component. It
// signs receipt links with its own key (signReceipt/permitPub), never an
// agent's, since no agent authored the execution result.
type kernel struct {
	constitution *constitution.Enforcer
	policy       *policyvm.PolicyVM
	store        ledgerstore.Store
	dispatcher   *projection.Dispatcher
	permits      *permit.Issuer
	permitPub    func() string
	executor     *runner.Executor
	nowMS        func() int64
	nowNS        func() int64
	idGen        func() string
	signReceipt  func(signingBytes []byte) string
}

// New builds a Kernel from its fully wired dependencies. nowMS/nowNS/idGen
// are injected for determinism under test, matching teacher's clock
// injection pattern in pkg/ledger.Ledger.WithClock.
func New(
	enforcer *constitution.Enforcer,
	vm *policyvm.PolicyVM,
	store ledgerstore.Store,
	dispatcher *projection.Dispatcher,
	permits *permit.Issuer,
	permitPub func() string,
	executor *runner.Executor,
	signReceipt func(signingBytes []byte) string,
	nowMS func() int64,
	nowNS func() int64,
	idGen func() string,
) Kernel {
	return &kernel{
		constitution: enforcer,
		policy:       vm,
		store:        store,
		dispatcher:   dispatcher,
		permits:      permits,
		permitPub:    permitPub,
		executor:     executor,
		signReceipt:  signReceipt,
		nowMS:        nowMS,
		nowNS:        nowNS,
		idGen:        idGen,
	}
}

// SubmitIntent runs the full control-flow chain from spec §2: constitution
// check, policy evaluation, permit issuance (if the matched rule requires a
// pact), membrane validation inside the ledger append, projection dispatch,
// and — for effect-bearing intents — runner execution followed by a
// receipt link committed as a second entry. The permit is returned in
// Outcome.PermitToken; it is not passed to or checked by the executor.
func (k *kernel) SubmitIntent(ctx context.Context, req *IntentRequest) (*Outcome, error) {
	// 1. Office constitution check: Office may only narrow what the ledger
	// already permits, never widen it, so this runs before the ledger or
	// policy ever sees the intent.
	if k.constitution != nil {
		in := constitution.Intent{
			JobType:   req.Effect,
			Target:    req.Link.ContainerID,
			Mode:      req.Mode,
			Risk:      req.DeclaredRisk,
			HasStepUp: req.HasStepUp,
			HasDiff:   req.HasDiff,
		}
		if err := k.constitution.Check(in); err != nil {
			return nil, &RejectionError{Stage: "constitution", Reason: err}
		}
	}

	// 2. Policy VM evaluation, against the container's committed state plus
	// the proposed intent's own fields.
	state, err := k.store.GetState(ctx, req.Link.ContainerID)
	if err != nil {
		return nil, &RejectionError{Stage: "policy", Reason: fmt.Errorf("load container state: %w", err)}
	}
	decision, err := k.policy.Evaluate(req.PolicyID, &policyvm.ExecutionContext{
		ContainerID: req.Link.ContainerID,
		Actor:       req.Actor,
		Intent:      req.EventPayload,
		State:       map[string]any{"next_sequence": state.NextSequence},
	})
	if err != nil {
		return nil, &RejectionError{Stage: "policy", Reason: err}
	}
	if decision.Kind == policyvm.ResultDeny {
		return nil, &RejectionError{Stage: "policy", Reason: fmt.Errorf("%s", decision.Reason)}
	}

	// 3. Permit issuance: only when the matched rule names a required pact
	// AND the intent carries an external effect for the runner to perform.
	// A pure ledger write with a required pact is satisfied by the link's
	// own pact.Proof at membrane time; a permit additionally authorizes a
	// runner to act outside the ledger.
	var permitToken string
	if decision.RequiredPact != "" && req.Effect != "" && k.permits != nil {
		subjectHash, err := permit.SubjectHash(req.EventPayload)
		if err != nil {
			return nil, &RejectionError{Stage: "permit", Reason: err}
		}
		permitToken, err = k.permits.Issue(req.Link.ContainerID, permit.Scopes{
			JobType:     req.Effect,
			Target:      req.Link.ContainerID,
			SubjectHash: subjectHash,
			PolicyHash:  mustPolicyHash(k.policy, req.PolicyID),
			ApprovalRef: decision.MatchedRule,
		}, 0)
		if err != nil {
			return nil, &RejectionError{Stage: "permit", Reason: err}
		}
	}

	// 4. Ledger append: the Store runs full membrane validation internally
	// under the container's exclusive write lock before persisting.
	entry, err := k.store.Append(ctx, req.Link, req.AtomBody, k.nowMS(), k.nowNS())
	if err != nil {
		return nil, &RejectionError{Stage: "membrane", Reason: err}
	}

	// 5. Projection dispatch.
	if k.dispatcher != nil && req.EventType != "" {
		if err := k.dispatcher.Dispatch(ctx, projection.Event{
			ContainerID: entry.ContainerID,
			Seq:         entry.Sequence,
			EntryHash:   entry.EntryHash,
			EventType:   req.EventType,
			Payload:     req.EventPayload,
		}); err != nil {
			if _, ok := err.(*projection.ErrNoHandler); !ok {
				return nil, &RejectionError{Stage: "projection", Reason: err}
			}
		}
	}

	outcome := &Outcome{Entry: entry, Decision: decision, PermitToken: permitToken}

	// 6. External effect: runner executes the job (the permit token is not
	// handed to it), and its receipt is committed as a follow-up link — success or failure, the
	// receipt is always written (spec §4.10).
	if req.Effect != "" && k.executor != nil {
		receiptEntry, err := k.runEffect(ctx, req, entry)
		if err != nil {
			return outcome, &RejectionError{Stage: "runner", Reason: err}
		}
		outcome.ReceiptEntry = receiptEntry
	}

	return outcome, nil
}

func (k *kernel) runEffect(ctx context.Context, req *IntentRequest, triggerEntry *ledgerstore.Entry) (*ledgerstore.Entry, error) {
	job := runner.NewJob(k.idGen(), req.Link.ContainerID, triggerEntry.EntryHash, req.Effect, 0, k.nowNS())
	for key, v := range req.EventPayload {
		job.AddPayload(key, v)
	}

	receipt, execErr := k.executor.Execute(ctx, job, k.idGen(), k.nowNS(), k.nowNS)
	// execErr is recorded in the receipt body itself (Status=Failure); the
	// receipt is still committed, matching spec §4.10's "always committed".

	receiptState, err := k.store.GetState(ctx, req.Link.ContainerID)
	if err != nil {
		return nil, fmt.Errorf("load state for receipt commit: %w", err)
	}

	atomBody := map[string]any{
		"execution_id":  receipt.ExecutionID,
		"status":        string(receipt.Status),
		"stdout_hash":   receipt.StdoutHash,
		"stderr_hash":   receipt.StderrHash,
		"duration_ms":   receipt.DurationMS(),
		"trigger_link":  receipt.TriggerLinkHash,
	}
	canon, atomHash, err := hashAtom(atomBody)
	if err != nil {
		return nil, fmt.Errorf("canonicalize receipt atom: %w", err)
	}

	receiptLink := &link.Link{
		Version:          1,
		ContainerID:      req.Link.ContainerID,
		ExpectedSequence: receiptState.NextSequence,
		PreviousHash:     receiptState.LastHash,
		AtomHash:         atomHash,
		IntentClass:      link.Observation,
		PhysicsDelta:     zeroDelta(),
		AuthorPubKey:     k.permitPub(),
	}
	receiptLink.Signature = k.signReceipt(receiptLink.SigningBytes())

	entry, err := k.store.Append(ctx, receiptLink, canon, k.nowMS(), k.nowNS())
	if err != nil {
		return nil, fmt.Errorf("commit receipt link: %w", err)
	}

	if k.dispatcher != nil {
		_ = k.dispatcher.Dispatch(ctx, projection.Event{
			ContainerID: entry.ContainerID,
			Seq:         entry.Sequence,
			EntryHash:   entry.EntryHash,
			EventType:   "receipt.committed",
			Payload:     atomBody,
		})
	}

	if execErr != nil {
		return entry, execErr
	}
	return entry, nil
}

func (k *kernel) CheckHealth(ctx context.Context) error {
	if k.store == nil {
		return fmt.Errorf("orchestrator: ledger store not configured")
	}
	return nil
}

func mustPolicyHash(vm *policyvm.PolicyVM, policyID string) string {
	if vm == nil {
		return ""
	}
	if p, ok := vm.GetPolicy(policyID); ok {
		return p.BytecodeHash
	}
	return ""
}
