package policyvm

import (
	"fmt"
	"sort"
	"sync"
)

// Error enumerates PolicyVM-level faults, mirroring the Rust reference's
// PolicyError (PolicyNotFound, ExecutionFailed, CompilationError).
type Error struct {
	Code   string
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("policyvm: %s: %s", e.Code, e.Reason) }

const (
	ErrPolicyNotFound     = "PolicyNotFound"
	ErrExecutionFailed    = "ExecutionFailed"
	ErrCompilationFailed  = "CompilationError"
)

// PolicyVM holds every registered policy and the shared bytecode VM used
// to evaluate them, matching the Rust reference's PolicyVM struct.
type PolicyVM struct {
	mu       sync.RWMutex
	policies map[string]*CompiledPolicy
	vm       *BytecodeVM
	compiler *PolicyCompiler
}

// NewPolicyVM builds a PolicyVM with the default gas/stack limits.
func NewPolicyVM() (*PolicyVM, error) {
	compiler, err := NewPolicyCompiler()
	if err != nil {
		return nil, err
	}
	return &PolicyVM{policies: make(map[string]*CompiledPolicy), vm: DefaultBytecodeVM(), compiler: compiler}, nil
}

// WithLimits builds a PolicyVM with custom gas/stack ceilings.
func WithLimits(maxGas uint64, maxStack int) (*PolicyVM, error) {
	compiler, err := NewPolicyCompiler()
	if err != nil {
		return nil, err
	}
	return &PolicyVM{policies: make(map[string]*CompiledPolicy), vm: NewBytecodeVM(maxGas, maxStack), compiler: compiler}, nil
}

// Register compiles def and stores it under def.PolicyID.
func (p *PolicyVM) Register(def *PolicyDefinition) error {
	compiled, err := p.compiler.Compile(def)
	if err != nil {
		return &Error{Code: ErrCompilationFailed, Reason: err.Error()}
	}
	p.RegisterCompiled(compiled)
	return nil
}

// RegisterCompiled stores an already-compiled policy directly, the path
// used when a policy_hash referenced by a permit (pkg/permit) must be
// re-attached to its bytecode at evaluation time rather than recompiled.
func (p *PolicyVM) RegisterCompiled(compiled *CompiledPolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policies[compiled.PolicyID] = compiled
}

// Evaluate runs the named policy's bytecode against ctx.
func (p *PolicyVM) Evaluate(policyID string, ctx *ExecutionContext) (*PolicyResult, error) {
	p.mu.RLock()
	policy, ok := p.policies[policyID]
	p.mu.RUnlock()
	if !ok {
		return nil, &Error{Code: ErrPolicyNotFound, Reason: policyID}
	}

	result, err := p.vm.Execute(policy, ctx)
	if err != nil {
		return nil, &Error{Code: ErrExecutionFailed, Reason: err.Error()}
	}
	return result, nil
}

// HasPolicy reports whether policyID is registered.
func (p *PolicyVM) HasPolicy(policyID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.policies[policyID]
	return ok
}

// GetPolicy returns the compiled policy, if registered — used to read
// BytecodeHash for the permit issuer's policy_hash scope field.
func (p *PolicyVM) GetPolicy(policyID string) (*CompiledPolicy, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.policies[policyID]
	return c, ok
}

// ListPolicies returns every registered policy id, sorted for determinism.
func (p *PolicyVM) ListPolicies() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.policies))
	for id := range p.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
