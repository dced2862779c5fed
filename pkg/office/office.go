// Package office implements C8: the "Chair" (Entity) vs "Instance" session
// lifecycle. Entity identity and every policy-relevant fact live on the
// ledger and its projections; an Instance is disposable scratch state that
// must never be consulted across a session boundary. Grounded on teacher
// pkg/context/assembler.go's Assemble (ledger-only context construction,
// slog.Warn on best-effort steps, builder-style frame assembly) narrowed to
// pure frame construction — this package has no LLM/embedding dependency.
package office

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sovereign-ubl/ubl/pkg/atom"
	"github.com/sovereign-ubl/ubl/pkg/projection"
)

// EntityType enumerates spec §3's entity kinds.
type EntityType string

const (
	Autonomous EntityType = "Autonomous"
	Assisted   EntityType = "Assisted"
	Delegated  EntityType = "Delegated"
)

// EntityStatus enumerates spec §3's entity lifecycle states.
type EntityStatus string

const (
	EntityActive    EntityStatus = "Active"
	EntitySuspended EntityStatus = "Suspended"
	EntityArchived  EntityStatus = "Archived"
)

// SessionType and Mode enumerate spec §3/§4.8's instance parameters.
type SessionType string

const (
	Work        SessionType = "Work"
	Assist      SessionType = "Assist"
	Deliberate  SessionType = "Deliberate"
	Research    SessionType = "Research"
)

type Mode string

const (
	Commitment Mode = "Commitment"
	Dialog     Mode = "Dialog"
)

// Entity is the durable "Chair": identity and policy-relevant state that
// lives on the ledger, never on an instance.
type Entity struct {
	EntityID          string
	Name              string
	Type              EntityType
	PublicKey         string
	Constitution      map[string]any
	BaselineNarrative string
	GuardianID        string
	Status            EntityStatus
	TotalSessions     int64
	TotalTokensUsed   int64
}

// Instance is the disposable "occupant" of a Chair for the lifetime of one
// session. MUST NOT be read back after EndSession.
type Instance struct {
	InstanceID       string
	EntityID         string
	SessionType      SessionType
	Mode             Mode
	TokenBudget      int64
	TokensConsumed   int64
	Status           string
	ContextFrameHash string
}

// ContextFrame is everything the narrative assembler (an external
// collaborator this package does not itself implement) needs to produce
// prose: ledger state, recent events, available affordances, open
// obligations, and the previous handover, if any.
type ContextFrame struct {
	Entity           Entity
	RecentEvents     []projection.AuditEntry
	Affordances      []string
	OpenObligations  []string
	PreviousHandover *projection.Handover
	FrameHash        string
}

// Emitter is how this package asks the kernel to append an observation atom
// to the ledger; C8 never writes to the ledger directly, it only proposes
// atoms the same way every other component does.
type Emitter interface {
	EmitObservation(ctx context.Context, containerID, eventType string, payload map[string]any) error
}

// Core wires the office projection (read side) and an Emitter (write side).
type Core struct {
	office *projection.OfficeView
	emit   Emitter
}

func NewCore(office *projection.OfficeView, emit Emitter) *Core {
	return &Core{office: office, emit: emit}
}

// GetOrCreateEntity consults the projection cache and, if the entity has
// never been observed, emits an entity.created atom. The returned Entity
// always reflects the projection's view, consistent with "the projection
// owns lookup, the ledger owns identity" (spec §9 cyclic-structures note on
// guardian_id resolution).
func (c *Core) GetOrCreateEntity(ctx context.Context, containerID, entityID string, params map[string]any) (Entity, error) {
	if e, ok := c.office.Entity(entityID); ok {
		return fromProjection(e), nil
	}

	payload := map[string]any{"entity_id": entityID}
	for k, v := range params {
		payload[k] = v
	}
	if err := c.emit.EmitObservation(ctx, containerID, "entity.created", payload); err != nil {
		return Entity{}, fmt.Errorf("office: emit entity.created: %w", err)
	}

	e, ok := c.office.Entity(entityID)
	if !ok {
		return Entity{}, fmt.Errorf("office: entity %s not visible in projection after creation", entityID)
	}
	return fromProjection(e), nil
}

// StartSession builds a ContextFrame exclusively from ledger-derived state
// (the office projection) and returns a fresh Instance bound to it. The
// frame carries the entity and, when the entity's latest session recorded
// one, that session's last handover; RecentEvents, Affordances and
// OpenObligations are left empty. A frame-hashing failure is logged and
// leaves FrameHash empty rather than failing the session.
func (c *Core) StartSession(ctx context.Context, containerID, instanceID string, e Entity, sessionType SessionType, mode Mode, tokenBudget int64) (*Instance, *ContextFrame, error) {
	frame := &ContextFrame{Entity: e}

	if sess, ok := c.latestSession(e.EntityID); ok {
		hands := c.office.HandoversFor(sess.SessionID)
		if len(hands) > 0 {
			h := hands[len(hands)-1]
			frame.PreviousHandover = &h
		}
	} else {
		slog.Debug("office: no prior session found, starting without handover", "entity_id", e.EntityID)
	}

	frameHash, err := frameHash(frame)
	if err != nil {
		slog.Warn("office: frame hashing failed, proceeding with empty hash", "entity_id", e.EntityID, "error", err)
		frameHash = ""
	}
	frame.FrameHash = frameHash

	if err := c.emit.EmitObservation(ctx, containerID, "session.started", map[string]any{
		"session_id":   instanceID,
		"entity_id":    e.EntityID,
		"session_type": string(sessionType),
		"mode":         string(mode),
		"token_budget": tokenBudget,
	}); err != nil {
		return nil, nil, fmt.Errorf("office: emit session.started: %w", err)
	}

	instance := &Instance{
		InstanceID:       instanceID,
		EntityID:         e.EntityID,
		SessionType:      sessionType,
		Mode:             mode,
		TokenBudget:      tokenBudget,
		Status:           "active",
		ContextFrameHash: frameHash,
	}

	return instance, frame, nil
}

// EndSession emits session.completed with token totals and an optional
// handover, as a single atom (spec §4.8).
func (c *Core) EndSession(ctx context.Context, containerID string, inst *Instance, handover map[string]any) error {
	payload := map[string]any{
		"entity_id":   inst.EntityID,
		"session_id":  inst.InstanceID,
		"tokens_used": inst.TokensConsumed,
	}
	if handover != nil {
		payload["handover"] = handover
	}
	if err := c.emit.EmitObservation(ctx, containerID, "session.completed", payload); err != nil {
		return fmt.Errorf("office: emit session.completed: %w", err)
	}
	inst.Status = "completed"
	return nil
}

func (c *Core) latestSession(entityID string) (projection.Session, bool) {
	sessions := c.office.SessionsForEntity(entityID)
	if len(sessions) == 0 {
		return projection.Session{}, false
	}
	return sessions[len(sessions)-1], true
}

func frameHash(f *ContextFrame) (string, error) {
	canon, err := atom.Canonicalize(map[string]any{
		"entity_id":         f.Entity.EntityID,
		"baseline_narrative": f.Entity.BaselineNarrative,
		"has_previous_handover": f.PreviousHandover != nil,
	})
	if err != nil {
		return "", err
	}
	return atom.Hash(canon), nil
}

func fromProjection(e projection.Entity) Entity {
	return Entity{
		EntityID:          e.EntityID,
		Name:              e.Name,
		Type:              EntityType(e.Type),
		Constitution:      e.Constitution,
		BaselineNarrative: e.BaselineNarrative,
		Status:            EntityStatus(e.Status),
		TotalSessions:     e.TotalSessions,
		TotalTokensUsed:   e.TotalTokensUsed,
	}
}
