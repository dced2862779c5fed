package policyvm

import (
	"testing"

	"github.com/sovereign-ubl/ubl/pkg/pact"
)

func TestRegisterAndEvaluateAllow(t *testing.T) {
	vm, err := NewPolicyVM()
	if err != nil {
		t.Fatalf("new vm: %v", err)
	}
	def := &PolicyDefinition{
		PolicyID:    "test_policy",
		Version:     "1.0",
		Description: "test",
		Rules: []PolicyRule{
			{RuleID: "allow_observe", AppliesTo: Global, IntentClass: pact.Observation, Constraints: []Constraint{IntentTypeEquals("observe")}},
		},
		DefaultDeny: true,
	}
	if err := vm.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	result, err := vm.Evaluate("test_policy", &ExecutionContext{Intent: map[string]any{"type": "observe"}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Kind != ResultAllow || result.IntentClass != pact.Observation {
		t.Fatalf("expected allow/observation, got %+v", result)
	}
}

func TestDefaultDenyOnNoMatch(t *testing.T) {
	vm, _ := NewPolicyVM()
	def := &PolicyDefinition{
		PolicyID: "strict",
		Rules: []PolicyRule{
			{RuleID: "only_observe", AppliesTo: Global, IntentClass: pact.Observation, Constraints: []Constraint{IntentTypeEquals("observe")}},
		},
		DefaultDeny: true,
	}
	_ = vm.Register(def)

	result, err := vm.Evaluate("strict", &ExecutionContext{Intent: map[string]any{"type": "hack"}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Kind != ResultDeny {
		t.Fatalf("expected deny, got %+v", result)
	}
}

func TestPactRequirementCarriedThrough(t *testing.T) {
	vm, _ := NewPolicyVM()
	def := &PolicyDefinition{
		PolicyID: "evolution",
		Rules: []PolicyRule{
			{RuleID: "evolve_with_pact", AppliesTo: Global, IntentClass: pact.Evolution, Constraints: []Constraint{IntentTypeEquals("evolve")}, RequiredPact: "evolution_l5"},
		},
		DefaultDeny: true,
	}
	_ = vm.Register(def)

	result, err := vm.Evaluate("evolution", &ExecutionContext{Intent: map[string]any{"type": "evolve"}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Kind != ResultAllow || result.RequiredPact != "evolution_l5" {
		t.Fatalf("expected allow with required pact, got %+v", result)
	}
}

func TestAmountThresholdsPickDifferentRules(t *testing.T) {
	vm, _ := NewPolicyVM()
	def := &PolicyDefinition{
		PolicyID: "transfer",
		Rules: []PolicyRule{
			{RuleID: "small_transfer", AppliesTo: Global, IntentClass: pact.Conservation, Constraints: []Constraint{IntentTypeEquals("transfer"), AmountMax(10000)}},
			{RuleID: "large_transfer", AppliesTo: Global, IntentClass: pact.Conservation, Constraints: []Constraint{IntentTypeEquals("transfer"), AmountMin(10001)}, RequiredPact: "high_value"},
		},
		DefaultDeny: true,
	}
	_ = vm.Register(def)

	small, err := vm.Evaluate("transfer", &ExecutionContext{Intent: map[string]any{"type": "transfer", "amount": int64(100)}})
	if err != nil {
		t.Fatalf("evaluate small: %v", err)
	}
	if small.Kind != ResultAllow || small.RequiredPact != "" {
		t.Fatalf("expected allow with no pact for small transfer, got %+v", small)
	}

	large, err := vm.Evaluate("transfer", &ExecutionContext{Intent: map[string]any{"type": "transfer", "amount": int64(20000)}})
	if err != nil {
		t.Fatalf("evaluate large: %v", err)
	}
	if large.Kind != ResultAllow || large.RequiredPact != "high_value" {
		t.Fatalf("expected allow with high_value pact for large transfer, got %+v", large)
	}
}

func TestContainerScopedRuleDoesNotMatchOtherContainers(t *testing.T) {
	vm, _ := NewPolicyVM()
	def := &PolicyDefinition{
		PolicyID: "scoped",
		Rules: []PolicyRule{
			{RuleID: "only_c1", AppliesTo: Container("C.One"), IntentClass: pact.Observation},
		},
		DefaultDeny: true,
	}
	_ = vm.Register(def)

	allowed, _ := vm.Evaluate("scoped", &ExecutionContext{ContainerID: "C.One", Intent: map[string]any{}})
	if allowed.Kind != ResultAllow {
		t.Fatalf("expected allow for matching container, got %+v", allowed)
	}
	denied, _ := vm.Evaluate("scoped", &ExecutionContext{ContainerID: "C.Two", Intent: map[string]any{}})
	if denied.Kind != ResultDeny {
		t.Fatalf("expected deny for non-matching container, got %+v", denied)
	}
}

func TestCELGuardConstraint(t *testing.T) {
	vm, _ := NewPolicyVM()
	def := &PolicyDefinition{
		PolicyID: "cel_gated",
		Rules: []PolicyRule{
			{RuleID: "gated", AppliesTo: Global, IntentClass: pact.Observation, Constraints: []Constraint{CELGuard(`intent.risk_score < 50`)}},
		},
		DefaultDeny: true,
	}
	if err := vm.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	low, err := vm.Evaluate("cel_gated", &ExecutionContext{Intent: map[string]any{"risk_score": 10}})
	if err != nil {
		t.Fatalf("evaluate low: %v", err)
	}
	if low.Kind != ResultAllow {
		t.Fatalf("expected allow for low risk, got %+v", low)
	}

	high, err := vm.Evaluate("cel_gated", &ExecutionContext{Intent: map[string]any{"risk_score": 90}})
	if err != nil {
		t.Fatalf("evaluate high: %v", err)
	}
	if high.Kind != ResultDeny {
		t.Fatalf("expected deny for high risk, got %+v", high)
	}
}

func TestCELGuardRejectsNondeterministicExpression(t *testing.T) {
	vm, _ := NewPolicyVM()
	def := &PolicyDefinition{
		PolicyID: "bad_guard",
		Rules: []PolicyRule{
			{RuleID: "r", AppliesTo: Global, IntentClass: pact.Observation, Constraints: []Constraint{CELGuard(`now() > 0`)}},
		},
		DefaultDeny: true,
	}
	if err := vm.Register(def); err == nil {
		t.Fatal("expected registration to fail for nondeterministic guard")
	}
}

func TestGasExhaustionFailsClosed(t *testing.T) {
	vm, err := WithLimits(5, MaxStackSize)
	if err != nil {
		t.Fatalf("new vm: %v", err)
	}
	def := &PolicyDefinition{
		PolicyID: "heavy",
		Rules: []PolicyRule{
			{RuleID: "r", AppliesTo: Global, IntentClass: pact.Observation, Constraints: []Constraint{IntentTypeEquals("a"), FieldEquals("b", "c"), AmountMax(1)}},
		},
		DefaultDeny: true,
	}
	if err := vm.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = vm.Evaluate("heavy", &ExecutionContext{Intent: map[string]any{"type": "a"}})
	if err == nil {
		t.Fatal("expected gas exhaustion to surface as an error")
	}
}
