// Package policyvm implements C4: a bounded, deterministic stack bytecode
// VM (spec §4.4) plus a structured-constraint compiler and a CEL authoring
// layer that lowers guard expressions to a VM-invoked opcode. No Rust
// bytecode/compiler submodule survived retrieval filtering from
// ubl-policy-vm/src/lib.rs, so the opcode set, limits, and compiler below
// are designed directly from spec.md §4.4 against that file's outer
// contract (PolicyVM/PolicyDefinition/CompiledPolicy/ExecutionContext/
// PolicyResult/PolicyError names and the register/evaluate/has_policy
// surface are kept). A PolicyResult records the id of the rule that
// matched; no fuller decision trace (fired rules, input hashes) is produced.
package policyvm

import (
	"encoding/binary"
	"fmt"

	"github.com/sovereign-ubl/ubl/pkg/pact"
	"lukechampine.com/blake3"
)

// Opcode is a single bytecode instruction tag.
type Opcode byte

const (
	OpPushConst Opcode = iota
	OpLoadIntentField
	OpLoadStateField
	OpLoadContainerID
	OpCmpEq
	OpCmpGt
	OpCmpLt
	OpAnd
	OpOr
	OpNot
	OpJump
	OpJumpIfFalse
	OpEvalCELGuard
	OpEmitAllow
	OpEmitDeny
	OpHalt
)

// hasOperand reports whether op is followed by a 2-byte big-endian operand.
func (op Opcode) hasOperand() bool {
	switch op {
	case OpAnd, OpOr, OpNot, OpHalt:
		return false
	default:
		return true
	}
}

// Security limits, spec §4.4.
const (
	MaxBytecodeSize = 64 * 1024
	MaxConstants    = 256
	MaxStringLength = 256
	MaxGas          = 100_000
	MaxStackSize    = 256
)

// ValueKind tags a Value's payload.
type ValueKind byte

const (
	ValInt ValueKind = iota
	ValString
	ValBool
)

// Value is the bytecode VM's only runtime type: a tagged union of int,
// string, or bool, matching the JSON-safe, float-free values the rest of
// the ledger deals in.
type Value struct {
	Kind ValueKind
	Int  int64
	Str  string
	Bool bool
}

func IntValue(n int64) Value     { return Value{Kind: ValInt, Int: n} }
func StringValue(s string) Value { return Value{Kind: ValString, Str: s} }
func BoolValue(b bool) Value     { return Value{Kind: ValBool, Bool: b} }

func valuesEqual(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case ValInt:
		return a.Int == b.Int
	case ValString:
		return a.Str == b.Str
	default:
		return a.Bool == b.Bool
	}
}

// RuleResult is the side-table a compiled rule's EMIT_ALLOW operand points
// into, carrying what the Rust reference's PolicyResult::Allow variant
// needs without encoding strings into the bytecode stream itself.
type RuleResult struct {
	RuleID       string
	IntentClass  pact.IntentClass
	RequiredPact string
}

// CompiledPolicy is the output of PolicyCompiler.Compile: bytecode plus its
// constant pool, rule-result side-table, and any CEL guard programs the
// bytecode's EVAL_CEL_GUARD instructions reference by index.
type CompiledPolicy struct {
	PolicyID     string
	Bytecode     []byte
	Constants    []Value
	RuleResults  []RuleResult
	Guards       []*guardProgram
	BytecodeHash string
}

// ExecutionContext is the VM's input: the admission request under
// evaluation (spec §4.4's EvaluationContext, narrowed to ExecutionContext
// per the Rust reference's From conversion).
type ExecutionContext struct {
	ContainerID string
	Actor       string
	Intent      map[string]any
	State       map[string]any
	Timestamp   int64
}

// ResultKind is the outcome of a policy evaluation.
type ResultKind string

const (
	ResultAllow ResultKind = "allow"
	ResultDeny  ResultKind = "deny"
)

// PolicyResult is a Go-idiomatic rendering of the Rust reference's
// PolicyResult enum (Allow{intent_class,required_pact,constraints} /
// Deny{reason}) as a single tagged struct. The matched rule's constraints
// are not carried in the result.
type PolicyResult struct {
	Kind         ResultKind
	IntentClass  pact.IntentClass
	RequiredPact string
	MatchedRule  string
	Reason       string
}

// BytecodeError enumerates the VM's fixed fault taxonomy; every fault is
// fail-closed (treated as Deny by callers), never a panic.
type BytecodeError struct {
	Code   string
	Reason string
}

func (e *BytecodeError) Error() string { return fmt.Sprintf("policyvm: %s: %s", e.Code, e.Reason) }

const (
	ErrStackOverflow   = "StackOverflow"
	ErrStackUnderflow  = "StackUnderflow"
	ErrGasExhausted    = "GasExhausted"
	ErrInvalidOpcode   = "InvalidOpcode"
	ErrTypeMismatch    = "TypeMismatch"
	ErrOutOfBounds     = "OutOfBounds"
	ErrBytecodeTooLarge = "BytecodeTooLarge"
)

// BytecodeVM executes CompiledPolicy programs under a fixed gas and stack
// budget. Every instruction costs exactly one unit of gas; there is no
// unbounded loop construct (jumps are forward-only, enforced at compile
// time), so termination is guaranteed by the gas ceiling alone.
type BytecodeVM struct {
	maxGas   uint64
	maxStack int
}

func NewBytecodeVM(maxGas uint64, maxStack int) *BytecodeVM {
	return &BytecodeVM{maxGas: maxGas, maxStack: maxStack}
}

func DefaultBytecodeVM() *BytecodeVM { return NewBytecodeVM(MaxGas, MaxStackSize) }

// Execute runs policy's bytecode against ctx, returning the first
// EMIT_ALLOW/EMIT_DENY reached, or a BytecodeError on any fault.
func (vm *BytecodeVM) Execute(policy *CompiledPolicy, ctx *ExecutionContext) (*PolicyResult, error) {
	var stack []Value
	pc := 0
	var gas uint64

	push := func(v Value) error {
		stack = append(stack, v)
		if len(stack) > vm.maxStack {
			return &BytecodeError{Code: ErrStackOverflow, Reason: "stack depth exceeded"}
		}
		return nil
	}
	pop := func() (Value, error) {
		if len(stack) == 0 {
			return Value{}, &BytecodeError{Code: ErrStackUnderflow, Reason: "pop on empty stack"}
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}
	popBool := func() (bool, error) {
		v, err := pop()
		if err != nil {
			return false, err
		}
		if v.Kind != ValBool {
			return false, &BytecodeError{Code: ErrTypeMismatch, Reason: "expected bool"}
		}
		return v.Bool, nil
	}

	for {
		gas++
		if gas > vm.maxGas {
			return nil, &BytecodeError{Code: ErrGasExhausted, Reason: "instruction budget exceeded"}
		}
		if pc >= len(policy.Bytecode) {
			return nil, &BytecodeError{Code: ErrOutOfBounds, Reason: "program counter ran off the end"}
		}

		instrStart := pc
		op := Opcode(policy.Bytecode[pc])
		pc++

		var operand uint16
		if op.hasOperand() {
			if pc+2 > len(policy.Bytecode) {
				return nil, &BytecodeError{Code: ErrOutOfBounds, Reason: "truncated operand"}
			}
			operand = binary.BigEndian.Uint16(policy.Bytecode[pc:])
			pc += 2
		}

		switch op {
		case OpPushConst:
			if int(operand) >= len(policy.Constants) {
				return nil, &BytecodeError{Code: ErrOutOfBounds, Reason: "constant index"}
			}
			if err := push(policy.Constants[operand]); err != nil {
				return nil, err
			}
		case OpLoadIntentField:
			if int(operand) >= len(policy.Constants) {
				return nil, &BytecodeError{Code: ErrOutOfBounds, Reason: "constant index"}
			}
			name := policy.Constants[operand].Str
			if err := push(fieldValue(ctx.Intent, name)); err != nil {
				return nil, err
			}
		case OpLoadStateField:
			if int(operand) >= len(policy.Constants) {
				return nil, &BytecodeError{Code: ErrOutOfBounds, Reason: "constant index"}
			}
			name := policy.Constants[operand].Str
			if err := push(fieldValue(ctx.State, name)); err != nil {
				return nil, err
			}
		case OpLoadContainerID:
			if err := push(StringValue(ctx.ContainerID)); err != nil {
				return nil, err
			}
		case OpCmpEq:
			b, err := pop()
			if err != nil {
				return nil, err
			}
			a, err := pop()
			if err != nil {
				return nil, err
			}
			if err := push(BoolValue(valuesEqual(a, b))); err != nil {
				return nil, err
			}
		case OpCmpGt, OpCmpLt:
			b, err := pop()
			if err != nil {
				return nil, err
			}
			a, err := pop()
			if err != nil {
				return nil, err
			}
			if a.Kind != ValInt || b.Kind != ValInt {
				return nil, &BytecodeError{Code: ErrTypeMismatch, Reason: "comparison requires int operands"}
			}
			var result bool
			if op == OpCmpGt {
				result = a.Int > b.Int
			} else {
				result = a.Int < b.Int
			}
			if err := push(BoolValue(result)); err != nil {
				return nil, err
			}
		case OpAnd, OpOr:
			b, err := popBool()
			if err != nil {
				return nil, err
			}
			a, err := popBool()
			if err != nil {
				return nil, err
			}
			var result bool
			if op == OpAnd {
				result = a && b
			} else {
				result = a || b
			}
			if err := push(BoolValue(result)); err != nil {
				return nil, err
			}
		case OpNot:
			a, err := popBool()
			if err != nil {
				return nil, err
			}
			if err := push(BoolValue(!a)); err != nil {
				return nil, err
			}
		case OpJump:
			if int(operand) <= instrStart {
				return nil, &BytecodeError{Code: ErrOutOfBounds, Reason: "backward jump rejected"}
			}
			pc = int(operand)
		case OpJumpIfFalse:
			cond, err := popBool()
			if err != nil {
				return nil, err
			}
			if !cond {
				if int(operand) <= instrStart {
					return nil, &BytecodeError{Code: ErrOutOfBounds, Reason: "backward jump rejected"}
				}
				pc = int(operand)
			}
		case OpEvalCELGuard:
			if int(operand) >= len(policy.Guards) {
				return nil, &BytecodeError{Code: ErrOutOfBounds, Reason: "guard index"}
			}
			result, err := policy.Guards[operand].eval(ctx.Intent, ctx.State)
			if err != nil {
				return nil, &BytecodeError{Code: ErrTypeMismatch, Reason: "cel guard: " + err.Error()}
			}
			if err := push(BoolValue(result)); err != nil {
				return nil, err
			}
		case OpEmitAllow:
			if int(operand) >= len(policy.RuleResults) {
				return nil, &BytecodeError{Code: ErrOutOfBounds, Reason: "rule result index"}
			}
			rr := policy.RuleResults[operand]
			return &PolicyResult{Kind: ResultAllow, IntentClass: rr.IntentClass, RequiredPact: rr.RequiredPact, MatchedRule: rr.RuleID}, nil
		case OpEmitDeny:
			reason := "denied by default"
			if int(operand) < len(policy.Constants) {
				reason = policy.Constants[operand].Str
			}
			return &PolicyResult{Kind: ResultDeny, Reason: reason}, nil
		case OpHalt:
			return &PolicyResult{Kind: ResultDeny, Reason: "program halted without a verdict"}, nil
		default:
			return nil, &BytecodeError{Code: ErrInvalidOpcode, Reason: fmt.Sprintf("opcode %d", op)}
		}
	}
}

func fieldValue(m map[string]any, name string) Value {
	v, ok := m[name]
	if !ok {
		return Value{}
	}
	switch t := v.(type) {
	case string:
		return StringValue(t)
	case bool:
		return BoolValue(t)
	case int:
		return IntValue(int64(t))
	case int64:
		return IntValue(t)
	case float64:
		return IntValue(int64(t))
	default:
		return Value{}
	}
}

// ComputeBytecodeHash reproduces spec §4.4's bytecode_hash = BLAKE3(bytecode
// || constants): after the raw bytecode bytes, each constant is appended as
// its kind byte followed by its value (8-byte big-endian for ints, raw bytes
// for strings, one byte for bools). The rule-result table and CEL guards are
// not part of the hash.
func ComputeBytecodeHash(bytecode []byte, constants []Value) string {
	h := blake3.New(32, nil)
	h.Write(bytecode)
	for _, c := range constants {
		h.Write([]byte{byte(c.Kind)})
		switch c.Kind {
		case ValInt:
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], uint64(c.Int))
			h.Write(buf[:])
		case ValString:
			h.Write([]byte(c.Str))
		case ValBool:
			if c.Bool {
				h.Write([]byte{1})
			} else {
				h.Write([]byte{0})
			}
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
