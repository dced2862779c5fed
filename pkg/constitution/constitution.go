// Package constitution implements C13: the Office-side pre-membrane gate
// enforcing "Office ⊆ UBL" — Office may strictly narrow, never widen, the
// authority the ledger grants. Grounded on teacher pkg/boundary/perimeter.go
// (PerimeterPolicy, enforce/audit/disabled modes, ordered constraint checks,
// wildcard host/allowlist matching), narrowed to spec §4.13's five checks
// and its Constitution error taxonomy instead of the teacher's
// network/tool/data domain.
package constitution

import (
	"fmt"
	"strings"
	"time"

	"github.com/sovereign-ubl/ubl/pkg/pact"
)

// Mode is the operator mode an intent is evaluated under.
type Mode string

const (
	ModeOperator Mode = "operator"
	ModeAdmin    Mode = "admin"
)

// defaultMaxRisk mirrors spec §4.13 item 2's stated defaults.
var defaultMaxRisk = map[Mode]pact.RiskLevel{
	ModeOperator: pact.L2,
	ModeAdmin:    pact.L5,
}

// Window is a maintenance window over a target, active between
// [NotBefore, NotAfter) and blocking admission when Block is true.
type Window struct {
	Target   string
	NotBefore time.Time
	NotAfter  time.Time
	Block     bool
}

func (w Window) covers(target string, now time.Time) bool {
	return w.Target == target && !now.Before(w.NotBefore) && now.Before(w.NotAfter)
}

// Document is the Office's constitution: deny/allow lists, risk ceilings,
// step-up requirements, pre-flight diff requirements, and maintenance
// windows. Every field narrows what Office will submit to the ledger; none
// of it grants authority the ledger itself wouldn't independently check.
type Document struct {
	DeniedJobTypes   map[string]bool
	DeniedTargets    map[string]bool
	MaxRiskByMode    map[Mode]pact.RiskLevel
	StepUpModes      map[Mode]bool
	RequireDiffFor   map[string]bool
	MaintenanceWindows []Window
}

// NewDocument builds a Document with spec §4.13's stated defaults
// (operator ceiling L2, admin ceiling L5, no step-up, no denylists, no
// pre-flight requirements, no maintenance windows) ready to be narrowed by
// the caller.
func NewDocument() *Document {
	maxRisk := make(map[Mode]pact.RiskLevel, len(defaultMaxRisk))
	for m, r := range defaultMaxRisk {
		maxRisk[m] = r
	}
	return &Document{
		DeniedJobTypes: make(map[string]bool),
		DeniedTargets:  make(map[string]bool),
		MaxRiskByMode:  maxRisk,
		StepUpModes:    make(map[Mode]bool),
		RequireDiffFor: make(map[string]bool),
	}
}

// DenyJobType adds jobType to the denylist.
func (d *Document) DenyJobType(jobType string) { d.DeniedJobTypes[jobType] = true }

// DenyTarget adds target to the denylist.
func (d *Document) DenyTarget(target string) { d.DeniedTargets[target] = true }

// SetMaxRisk narrows (or widens, if the caller chooses to misuse it) the
// risk ceiling for mode. Office deployments should only ever narrow below
// the spec default.
func (d *Document) SetMaxRisk(m Mode, r pact.RiskLevel) { d.MaxRiskByMode[m] = r }

// RequireStepUp marks mode as requiring step-up authentication.
func (d *Document) RequireStepUp(m Mode) { d.StepUpModes[m] = true }

// RequireDiffForJobType marks jobType as requiring a pre-flight diff.
func (d *Document) RequireDiffForJobType(jobType string) { d.RequireDiffFor[jobType] = true }

// AddMaintenanceWindow registers a blocking (or non-blocking, if Block is
// false) window over a target.
func (d *Document) AddMaintenanceWindow(w Window) {
	d.MaintenanceWindows = append(d.MaintenanceWindows, w)
}

// Intent is the admission request Office evaluates before ever proposing
// an atom to the ledger.
type Intent struct {
	JobType   string
	Target    string
	Mode      Mode
	Risk      pact.RiskLevel
	HasStepUp bool
	HasDiff   bool
	Now       time.Time
}

// Code enumerates spec §4.13's Constitution error taxonomy.
type Code string

const (
	JobTypeBlocked    Code = "JobTypeBlocked"
	TargetBlocked     Code = "TargetBlocked"
	RiskLevelExceeded Code = "RiskLevelExceeded"
	StepUpRequired    Code = "StepUpRequired"
	PreFlightFailed   Code = "PreFlightFailed"
	MaintenanceWindow Code = "MaintenanceWindow"
)

// Error is returned verbatim to the caller per spec §7's local-refusal
// contract: the system state is unchanged, and the code explains why.
type Error struct {
	Code   Code
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("constitution: %s: %s", e.Code, e.Reason) }

// Enforcer evaluates intents against a Document, in the five-check order
// spec §4.13 fixes.
type Enforcer struct {
	doc *Document
}

func NewEnforcer(doc *Document) *Enforcer {
	return &Enforcer{doc: doc}
}

// Check runs the five ordered gates and returns the first violation, or nil
// if the intent is admissible for submission to Policy/Membrane.
func (e *Enforcer) Check(in Intent) error {
	if e.doc.DeniedJobTypes[in.JobType] {
		return &Error{Code: JobTypeBlocked, Reason: "job type blocked: " + in.JobType}
	}
	if e.doc.DeniedTargets[in.Target] {
		return &Error{Code: TargetBlocked, Reason: "target blocked: " + in.Target}
	}

	ceiling, ok := e.doc.MaxRiskByMode[in.Mode]
	if !ok {
		ceiling = defaultMaxRisk[in.Mode]
	}
	if in.Risk > ceiling {
		return &Error{Code: RiskLevelExceeded, Reason: fmt.Sprintf("risk L%d exceeds %s ceiling L%d", in.Risk, in.Mode, ceiling)}
	}

	if e.doc.StepUpModes[in.Mode] && !in.HasStepUp {
		return &Error{Code: StepUpRequired, Reason: "mode " + string(in.Mode) + " requires step-up"}
	}

	if e.doc.RequireDiffFor[in.JobType] && !in.HasDiff {
		return &Error{Code: PreFlightFailed, Reason: "job type " + in.JobType + " requires a pre-flight diff"}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	for _, w := range e.doc.MaintenanceWindows {
		if w.Block && w.covers(in.Target, now) {
			return &Error{Code: MaintenanceWindow, Reason: "target " + in.Target + " is in a blocking maintenance window"}
		}
	}

	return nil
}

// MatchTargetPattern reports whether pattern matches target, supporting a
// leading "*." wildcard the way teacher's matchHost does for hosts.
func MatchTargetPattern(pattern, target string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:]
		return strings.HasSuffix(target, suffix) || target == pattern[2:]
	}
	return pattern == target
}
