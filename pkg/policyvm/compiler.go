package policyvm

import (
	"encoding/binary"
	"fmt"

	"github.com/sovereign-ubl/ubl/pkg/pact"
)

// MAX_RULES and MAX_CONSTRAINTS_PER_RULE, spec §4.4, named per the Rust
// reference's compiler module re-exports.
const (
	MaxRules              = 128
	MaxConstraintsPerRule = 32
)

// AppliesToKind distinguishes a rule scoped to every container from one
// scoped to a single named container.
type AppliesToKind string

const (
	AppliesGlobal    AppliesToKind = "global"
	AppliesContainer AppliesToKind = "container"
)

// AppliesTo is the Go rendering of the Rust reference's AppliesTo enum.
type AppliesTo struct {
	Kind        AppliesToKind
	ContainerID string
}

// Global scopes a rule to every container.
var Global = AppliesTo{Kind: AppliesGlobal}

// Container scopes a rule to a single container id.
func Container(id string) AppliesTo { return AppliesTo{Kind: AppliesContainer, ContainerID: id} }

// ConstraintKind tags a Constraint's variant.
type ConstraintKind string

const (
	ConstraintIntentTypeEquals ConstraintKind = "intent_type_equals"
	ConstraintFieldEquals      ConstraintKind = "field_equals"
	ConstraintAmountMax        ConstraintKind = "amount_max"
	ConstraintAmountMin        ConstraintKind = "amount_min"
	ConstraintCELGuard         ConstraintKind = "cel_guard"
)

// Constraint is the Go rendering of the Rust reference's Constraint enum
// (IntentTypeEquals, AmountMax, AmountMin confirmed from
// ubl-policy-vm/src/lib.rs's tests; FieldEquals and CELGuard are this
// transformation's additions, needed because the filtered-out compiler
// module surely had more than three constraint kinds and spec.md's
// constitution/pact checks need arbitrary field comparisons).
type Constraint struct {
	Kind  ConstraintKind
	Field string
	Value string
	Max   int64
	Min   int64
	Expr  string
}

func IntentTypeEquals(value string) Constraint {
	return Constraint{Kind: ConstraintIntentTypeEquals, Value: value}
}
func FieldEquals(field, value string) Constraint {
	return Constraint{Kind: ConstraintFieldEquals, Field: field, Value: value}
}
func AmountMax(max int64) Constraint { return Constraint{Kind: ConstraintAmountMax, Max: max} }
func AmountMin(min int64) Constraint { return Constraint{Kind: ConstraintAmountMin, Min: min} }
func CELGuard(expr string) Constraint { return Constraint{Kind: ConstraintCELGuard, Expr: expr} }

// PolicyRule is one admission rule: if AppliesTo and every Constraint
// match, the intent is allowed under IntentClass, optionally gated on
// RequiredPact.
type PolicyRule struct {
	RuleID       string
	AppliesTo    AppliesTo
	IntentClass  pact.IntentClass
	Constraints  []Constraint
	RequiredPact string
}

// PolicyDefinition is the authoring-time policy document PolicyCompiler
// lowers to a CompiledPolicy.
type PolicyDefinition struct {
	PolicyID    string
	Version     string
	Description string
	Rules       []PolicyRule
	DefaultDeny bool
}

// CompilerError enumerates compile-time rejections (size limits,
// malformed guard expressions); policies that fail to compile are never
// registered, so a bad policy document cannot silently fail open.
type CompilerError struct {
	Reason string
}

func (e *CompilerError) Error() string { return "policyvm: compile: " + e.Reason }

// instr is the compiler's pre-address-resolution instruction form: jump
// targets reference another instr by slice index, not by byte offset,
// until addresses are assigned in a final pass.
type instr struct {
	op         Opcode
	operand    uint16
	jumpTarget int // valid iff op is OpJump/OpJumpIfFalse; index into the instr slice
}

// PolicyCompiler lowers PolicyDefinition documents to CompiledPolicy
// bytecode. It owns the CEL guard compiler so guard programs compiled for
// one policy share the environment and the by-source program cache with
// every other policy compiled by the same PolicyCompiler.
type PolicyCompiler struct {
	guards *guardCompiler
}

func NewPolicyCompiler() (*PolicyCompiler, error) {
	gc, err := newGuardCompiler()
	if err != nil {
		return nil, err
	}
	return &PolicyCompiler{guards: gc}, nil
}

// Compile lowers def to bytecode: each rule becomes a conjunction of
// AppliesTo + Constraint checks guarding an EMIT_ALLOW, falling through to
// the next rule on failure and finally to EMIT_DENY (if DefaultDeny) or a
// synthetic default-allow rule.
func (c *PolicyCompiler) Compile(def *PolicyDefinition) (*CompiledPolicy, error) {
	if len(def.Rules) > MaxRules {
		return nil, &CompilerError{Reason: fmt.Sprintf("%d rules exceeds MAX_RULES=%d", len(def.Rules), MaxRules)}
	}

	cp := &CompiledPolicy{PolicyID: def.PolicyID}
	constIdx := make(map[Value]uint16)
	constOf := func(v Value) uint16 {
		if idx, ok := constIdx[v]; ok {
			return idx
		}
		idx := uint16(len(cp.Constants))
		cp.Constants = append(cp.Constants, v)
		constIdx[v] = idx
		return idx
	}

	var program []instr
	emit := func(op Opcode, operand uint16) int {
		program = append(program, instr{op: op, operand: operand})
		return len(program) - 1
	}
	emitJump := func(op Opcode) int {
		program = append(program, instr{op: op, jumpTarget: -1})
		return len(program) - 1
	}

	for _, rule := range def.Rules {
		if len(rule.Constraints) > MaxConstraintsPerRule {
			return nil, &CompilerError{Reason: fmt.Sprintf("rule %s: %d constraints exceeds MAX_CONSTRAINTS_PER_RULE=%d", rule.RuleID, len(rule.Constraints), MaxConstraintsPerRule)}
		}

		var conjuncts int

		if rule.AppliesTo.Kind == AppliesContainer {
			emit(OpLoadContainerID, 0)
			emit(OpPushConst, constOf(StringValue(rule.AppliesTo.ContainerID)))
			emit(OpCmpEq, 0)
			conjuncts++
		}

		for _, ct := range rule.Constraints {
			if err := c.compileConstraint(cp, ct, &program, constOf); err != nil {
				return nil, err
			}
			if conjuncts > 0 {
				emit(OpAnd, 0)
			}
			conjuncts++
		}

		if conjuncts == 0 {
			emit(OpPushConst, constOf(BoolValue(true)))
		}

		fallthroughJump := emitJump(OpJumpIfFalse)

		ruleIdx := uint16(len(cp.RuleResults))
		cp.RuleResults = append(cp.RuleResults, RuleResult{RuleID: rule.RuleID, IntentClass: rule.IntentClass, RequiredPact: rule.RequiredPact})
		emit(OpEmitAllow, ruleIdx)

		program[fallthroughJump].jumpTarget = len(program) // land on the next rule's first instruction
	}

	if def.DefaultDeny {
		emit(OpEmitDeny, constOf(StringValue("denied: no rule matched")))
	} else {
		ruleIdx := uint16(len(cp.RuleResults))
		cp.RuleResults = append(cp.RuleResults, RuleResult{RuleID: "default-allow", IntentClass: pact.Observation})
		emit(OpEmitAllow, ruleIdx)
	}
	emit(OpHalt, 0)

	bytecode, err := assemble(program)
	if err != nil {
		return nil, err
	}
	if len(bytecode) > MaxBytecodeSize {
		return nil, &CompilerError{Reason: fmt.Sprintf("bytecode size %d exceeds MAX_BYTECODE_SIZE=%d", len(bytecode), MaxBytecodeSize)}
	}
	if len(cp.Constants) > MaxConstants {
		return nil, &CompilerError{Reason: fmt.Sprintf("%d constants exceeds MAX_CONSTANTS=%d", len(cp.Constants), MaxConstants)}
	}

	cp.Bytecode = bytecode
	cp.BytecodeHash = ComputeBytecodeHash(bytecode, cp.Constants)
	return cp, nil
}

func (c *PolicyCompiler) compileConstraint(cp *CompiledPolicy, ct Constraint, program *[]instr, constOf func(Value) uint16) error {
	emit := func(op Opcode, operand uint16) {
		*program = append(*program, instr{op: op, operand: operand})
	}

	switch ct.Kind {
	case ConstraintIntentTypeEquals:
		emit(OpLoadIntentField, constOf(StringValue("type")))
		emit(OpPushConst, constOf(StringValue(ct.Value)))
		emit(OpCmpEq, 0)
	case ConstraintFieldEquals:
		emit(OpLoadIntentField, constOf(StringValue(ct.Field)))
		emit(OpPushConst, constOf(StringValue(ct.Value)))
		emit(OpCmpEq, 0)
	case ConstraintAmountMax:
		// amount <= max  ==  !(amount > max)
		emit(OpLoadIntentField, constOf(StringValue("amount")))
		emit(OpPushConst, constOf(IntValue(ct.Max)))
		emit(OpCmpGt, 0)
		emit(OpNot, 0)
	case ConstraintAmountMin:
		// amount >= min  ==  !(amount < min)
		emit(OpLoadIntentField, constOf(StringValue("amount")))
		emit(OpPushConst, constOf(IntValue(ct.Min)))
		emit(OpCmpLt, 0)
		emit(OpNot, 0)
	case ConstraintCELGuard:
		g, err := c.guards.compile(ct.Expr)
		if err != nil {
			return err
		}
		guardIdx := uint16(len(cp.Guards))
		cp.Guards = append(cp.Guards, g)
		emit(OpEvalCELGuard, guardIdx)
	default:
		return &CompilerError{Reason: "unknown constraint kind: " + string(ct.Kind)}
	}
	return nil
}

// assemble resolves instr jump targets to byte offsets and encodes the
// final bytecode stream.
func assemble(program []instr) ([]byte, error) {
	addr := make([]int, len(program))
	offset := 0
	for i, ins := range program {
		addr[i] = offset
		if ins.op.hasOperand() {
			offset += 3
		} else {
			offset += 1
		}
	}

	buf := make([]byte, 0, offset)
	for _, ins := range program {
		buf = append(buf, byte(ins.op))
		if !ins.op.hasOperand() {
			continue
		}
		operand := ins.operand
		if ins.op == OpJump || ins.op == OpJumpIfFalse {
			if ins.jumpTarget < 0 || ins.jumpTarget >= len(program) {
				return nil, &CompilerError{Reason: "unresolved jump target"}
			}
			operand = uint16(addr[ins.jumpTarget])
		}
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], operand)
		buf = append(buf, tmp[:]...)
	}
	return buf, nil
}

// CreateDefaultPolicy mirrors the Rust reference's create_default_policy
// re-export; its body was filtered from the retrieved pack, so this is
// this transformation's own choice of a safe starting template: permit
// pure observation everywhere, deny everything else.
func CreateDefaultPolicy() *PolicyDefinition {
	return &PolicyDefinition{
		PolicyID:    "default",
		Version:     "1.0",
		Description: "permits pure observation globally; all other intent classes require a narrower policy",
		Rules: []PolicyRule{
			{RuleID: "allow_observation", AppliesTo: Global, IntentClass: pact.Observation},
		},
		DefaultDeny: true,
	}
}
