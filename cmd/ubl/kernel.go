package main

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/sovereign-ubl/ubl/pkg/atom"
	"github.com/sovereign-ubl/ubl/pkg/constitution"
	"github.com/sovereign-ubl/ubl/pkg/cryptoutil"
	"github.com/sovereign-ubl/ubl/pkg/ledgerstore"
	"github.com/sovereign-ubl/ubl/pkg/link"
	"github.com/sovereign-ubl/ubl/pkg/orchestrator"
	"github.com/sovereign-ubl/ubl/pkg/pact"
	"github.com/sovereign-ubl/ubl/pkg/permit"
	"github.com/sovereign-ubl/ubl/pkg/policyvm"
	"github.com/sovereign-ubl/ubl/pkg/projection"
	"github.com/sovereign-ubl/ubl/pkg/runner"
)

// boundKernel adapts the wire-level submitIntentRequest into an
// orchestrator.IntentRequest, the one translation layer between HTTP JSON
// and the kernel's internal types.
type boundKernel struct {
	inner orchestrator.Kernel
}

func newKernel(
	enforcer *constitution.Enforcer,
	vm *policyvm.PolicyVM,
	store ledgerstore.Store,
	dispatcher *projection.Dispatcher,
	issuer *permit.Issuer,
	signer *cryptoutil.KeyPair,
	executor *runner.Executor,
) *boundKernel {
	var idSeq uint64
	idGen := func() string {
		idSeq++
		return fmt.Sprintf("%d-%d", time.Now().UnixNano(), idSeq)
	}
	return &boundKernel{
		inner: orchestrator.New(
			enforcer,
			vm,
			store,
			dispatcher,
			issuer,
			signer.PublicKeyHex,
			executor,
			func(signingBytes []byte) string { return signer.Sign(signingBytes) },
			func() int64 { return time.Now().UnixMilli() },
			func() int64 { return time.Now().UnixNano() },
			idGen,
		),
	}
}

func (k *boundKernel) CheckHealth(ctx context.Context) error {
	return k.inner.CheckHealth(ctx)
}

// submitIntentRequest is the HTTP submission envelope: a pre-canonicalized
// atom body plus the already author-signed link fields. The kernel never
// canonicalizes or signs on a caller's behalf — that must happen client
// side, over the exact bytes that hash to atom_hash.
type submitIntentRequest struct {
	ContainerID      string         `json:"container_id"`
	ExpectedSequence uint64         `json:"expected_sequence"`
	PreviousHash     string         `json:"previous_hash"`
	AtomBody         map[string]any `json:"atom_body"`
	IntentClass      string         `json:"intent_class"`
	PhysicsDelta     string         `json:"physics_delta"`
	AuthorPubKey     string         `json:"author_pub_key"`
	Signature        string         `json:"signature"`
	Pact             *pact.Proof    `json:"pact,omitempty"`

	PolicyID     string `json:"policy_id"`
	Actor        string `json:"actor"`
	Mode         string `json:"mode"`
	DeclaredRisk int    `json:"declared_risk"`
	HasStepUp    bool   `json:"has_step_up"`
	HasDiff      bool   `json:"has_diff"`
	EventType    string `json:"event_type"`
	Effect       string `json:"effect,omitempty"`
}

func parseIntentClass(s string) (link.IntentClass, error) {
	switch s {
	case "Observation":
		return link.Observation, nil
	case "Conservation":
		return link.Conservation, nil
	case "Entropy":
		return link.Entropy, nil
	case "Evolution":
		return link.Evolution, nil
	default:
		return 0, fmt.Errorf("unknown intent_class %q", s)
	}
}

func (k *boundKernel) submit(ctx context.Context, req *submitIntentRequest) (*orchestrator.Outcome, error) {
	ic, err := parseIntentClass(req.IntentClass)
	if err != nil {
		return nil, err
	}

	delta, ok := new(big.Int).SetString(req.PhysicsDelta, 10)
	if !ok {
		return nil, fmt.Errorf("invalid physics_delta %q", req.PhysicsDelta)
	}

	canon, atomHash, err := atom.HashAtom(req.AtomBody)
	if err != nil {
		return nil, fmt.Errorf("canonicalize atom_body: %w", err)
	}

	l := &link.Link{
		Version:          1,
		ContainerID:      req.ContainerID,
		ExpectedSequence: req.ExpectedSequence,
		PreviousHash:     req.PreviousHash,
		AtomHash:         atomHash,
		IntentClass:      ic,
		PhysicsDelta:     delta,
		Pact:             req.Pact,
		AuthorPubKey:     req.AuthorPubKey,
		Signature:        req.Signature,
	}

	return k.inner.SubmitIntent(ctx, &orchestrator.IntentRequest{
		Link:         l,
		AtomBody:     canon,
		PolicyID:     req.PolicyID,
		Actor:        req.Actor,
		Mode:         constitution.Mode(req.Mode),
		DeclaredRisk: pact.RiskLevel(req.DeclaredRisk),
		HasStepUp:    req.HasStepUp,
		HasDiff:      req.HasDiff,
		EventType:    req.EventType,
		EventPayload: req.AtomBody,
		Effect:       req.Effect,
	})
}
