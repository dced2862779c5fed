package policyvm

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// DeterministicProfileID names the restricted CEL dialect policies are
// authored in, mirroring teacher pkg/governance/cel_deterministic.go's
// cel-dp-v1 profile.
const DeterministicProfileID = "cel-dp-v1"

// bannedFunctions are forbidden because they are nondeterministic or
// wall-clock dependent; a guard expression using one can produce a
// different verdict on replay than it did on first evaluation, which the
// VM's entire determinism guarantee depends on ruling out.
var bannedFunctions = []string{
	"now", "timestamp", "duration", "random", "uuid",
	"getDate", "getDayOfMonth", "getDayOfWeek", "getDayOfYear", "getFullYear",
	"getHours", "getMilliseconds", "getMinutes", "getMonth", "getSeconds", "getTimezoneOffset",
}

// bannedTypes are forbidden because floating point comparisons are not
// bit-reproducible across evaluators, matching pkg/atom's ban on float
// physics deltas.
var bannedTypes = []string{"double", "float"}

// GuardValidationIssue describes one determinism violation found in a
// guard expression at authoring time.
type GuardValidationIssue struct {
	Kind    string
	Name    string
	Message string
}

// ValidateGuardExpression checks a CEL expression for cel-dp-v1 compliance
// before it is ever compiled into a policy, the same check teacher's
// CELDPValidator.ValidateExpression performs.
func ValidateGuardExpression(expr string) []GuardValidationIssue {
	var issues []GuardValidationIssue
	for _, fn := range bannedFunctions {
		if containsIdentifierCall(expr, fn) {
			issues = append(issues, GuardValidationIssue{Kind: "banned_function", Name: fn, Message: fmt.Sprintf("function %q is forbidden in cel-dp-v1", fn)})
		}
	}
	for _, typ := range bannedTypes {
		if containsWord(expr, typ) {
			issues = append(issues, GuardValidationIssue{Kind: "banned_type", Name: typ, Message: fmt.Sprintf("type %q is forbidden in cel-dp-v1; use int", typ)})
		}
	}
	for _, op := range []string{"type(", "dyn("} {
		if strings.Contains(expr, op) {
			issues = append(issues, GuardValidationIssue{Kind: "nondeterministic", Name: op, Message: fmt.Sprintf("dynamic operation %q may vary by evaluator", op)})
		}
	}
	return issues
}

func containsIdentifierCall(expr, name string) bool {
	pattern := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\s*\(`)
	return pattern.MatchString(expr)
}

func containsWord(expr, word string) bool {
	pattern := regexp.MustCompile(`\b` + regexp.QuoteMeta(word) + `\b`)
	return pattern.MatchString(expr)
}

// guardProgram is a compiled, cost-bounded CEL program backing one
// EVAL_CEL_GUARD instruction. Grounded directly on teacher
// pkg/governance/policy_evaluator_cel.go's evaluateExpr: same env shape,
// same CostLimit/InterruptCheckFrequency bound, same cache-by-source-text
// idea, narrowed to the "intent"/"state" variables this VM exposes.
type guardProgram struct {
	source string
	prg    cel.Program
}

func (g *guardProgram) eval(intent, state map[string]any) (bool, error) {
	out, _, err := g.prg.Eval(map[string]any{"intent": intent, "state": state})
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard %q did not evaluate to bool", g.source)
	}
	return v, nil
}

// guardCompiler compiles and caches CEL guard expressions against a fixed
// environment exposing "intent" and "state" as dynamic maps, exactly the
// two inputs the bytecode VM's LOAD_INTENT_FIELD/LOAD_STATE_FIELD see.
type guardCompiler struct {
	env   *cel.Env
	mu    sync.Mutex
	cache map[string]*guardProgram
}

func newGuardCompiler() (*guardCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("intent", cel.DynType),
		cel.Variable("state", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policyvm: cel environment: %w", err)
	}
	return &guardCompiler{env: env, cache: make(map[string]*guardProgram)}, nil
}

// compile validates expr for cel-dp-v1 compliance, then compiles it to a
// cost-bounded cel.Program, caching by source text.
func (c *guardCompiler) compile(expr string) (*guardProgram, error) {
	if issues := ValidateGuardExpression(expr); len(issues) > 0 {
		return nil, fmt.Errorf("policyvm: guard %q violates %s: %s", expr, DeterministicProfileID, issues[0].Message)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.cache[expr]; ok {
		return g, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policyvm: compile guard: %w", issues.Err())
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10_000),
	)
	if err != nil {
		return nil, fmt.Errorf("policyvm: program guard: %w", err)
	}
	g := &guardProgram{source: expr, prg: prg}
	c.cache[expr] = g
	return g, nil
}
