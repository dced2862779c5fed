package projection

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Entity mirrors projection_entities / office_entities (grounded on
// ubl-server/src/projections/office.rs's handle_entity_* family).
type Entity struct {
	EntityID         string
	Name             string
	Type             string
	Constitution     map[string]any
	BaselineNarrative string
	Status           string
	TotalSessions    int64
	TotalTokensUsed  int64
	UpdatedAtMS      int64
	LastEventSeq     uint64
}

// Session mirrors office_sessions.
type Session struct {
	SessionID     string
	EntityID      string
	SessionType   string
	Mode          string
	TokenBudget   int64
	TokensUsed    int64
	DurationMS    int64
	StartedAtMS   int64
	CompletedAtMS int64
	Status        string
	LastEventSeq  uint64
}

// Handover mirrors office_handovers; handover content is immutable prose
// plus whatever structured fields the session attached.
type Handover struct {
	HandoverID  string
	EntityID    string
	SessionID   string
	Content     map[string]any
	CreatedAtMS int64
	EntryHash   string
	Sequence    uint64
}

// AuditEntry mirrors office_audit_log, the landing zone for both audit.* and
// governance.* event types (the Rust reference folds governance into the
// same table via handle_governance_event delegating straight to
// handle_audit_event).
type AuditEntry struct {
	AuditID   string
	EntityID  string
	SessionID string
	JobID     string
	TraceID   string
	EventType string
	EventData map[string]any
	CreatedAtMS int64
	EntryHash string
	Sequence  uint64
}

// OfficeView is the in-memory projection_entities/_sessions/_handovers/
// _audit_log read model.
type OfficeView struct {
	mu        sync.RWMutex
	entities  map[string]*Entity
	sessions  map[string]*Session
	handovers []Handover
	audit     []AuditEntry
	lastSeqBySessionOrAudit map[string]uint64
}

func NewOfficeView() *OfficeView {
	return &OfficeView{
		entities:                make(map[string]*Entity),
		sessions:                make(map[string]*Session),
		lastSeqBySessionOrAudit: make(map[string]uint64),
	}
}

func (v *OfficeView) Key(ev Event) (string, bool) {
	if id, ok := str(ev.Payload, "entity_id"); ok && strings.HasPrefix(ev.EventType, "entity.") {
		return "entity:" + id, true
	}
	if id, ok := str(ev.Payload, "entity_id"); ok && (ev.EventType == "constitution.updated" || ev.EventType == "baseline.updated") {
		return "entity:" + id, true
	}
	if id, ok := str(ev.Payload, "session_id"); ok && strings.HasPrefix(ev.EventType, "session.") {
		return "session:" + id, true
	}
	// audit.* and governance.* events are append-only log rows, not
	// mutated entities; key them uniquely by entry hash so every one is
	// always "new" and never dropped by the monotonicity guard.
	return "audit:" + ev.EntryHash, true
}

func (v *OfficeView) LastSeq(ctx context.Context, key string) (uint64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if strings.HasPrefix(key, "entity:") {
		if e, ok := v.entities[strings.TrimPrefix(key, "entity:")]; ok {
			return e.LastEventSeq, nil
		}
		return 0, nil
	}
	if strings.HasPrefix(key, "session:") {
		if s, ok := v.sessions[strings.TrimPrefix(key, "session:")]; ok {
			return s.LastEventSeq, nil
		}
		return 0, nil
	}
	return v.lastSeqBySessionOrAudit[key], nil
}

func (v *OfficeView) Apply(ctx context.Context, ev Event) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch {
	case ev.EventType == "entity.created":
		entityID := strOr(ev.Payload, "entity_id")
		if _, exists := v.entities[entityID]; exists {
			return nil // idempotent, matches ON CONFLICT DO NOTHING
		}
		v.entities[entityID] = &Entity{
			EntityID:     entityID,
			Name:         strOr(ev.Payload, "name"),
			Type:         strOr(ev.Payload, "type"),
			Status:       "active",
			UpdatedAtMS:  intOr(ev.Payload, "ts_ms"),
			LastEventSeq: ev.Seq,
		}

	case ev.EventType == "entity.activated", ev.EventType == "entity.suspended", ev.EventType == "entity.archived":
		e, ok := v.entities[strOr(ev.Payload, "entity_id")]
		if !ok {
			return nil
		}
		e.Status = strings.TrimPrefix(ev.EventType, "entity.")
		e.UpdatedAtMS = intOr(ev.Payload, "ts_ms")
		e.LastEventSeq = ev.Seq

	case ev.EventType == "constitution.updated":
		e, ok := v.entities[strOr(ev.Payload, "entity_id")]
		if !ok {
			return nil
		}
		if c, ok := ev.Payload["constitution"].(map[string]any); ok {
			e.Constitution = c
		}
		e.UpdatedAtMS = intOr(ev.Payload, "ts_ms")
		e.LastEventSeq = ev.Seq

	case ev.EventType == "baseline.updated":
		e, ok := v.entities[strOr(ev.Payload, "entity_id")]
		if !ok {
			return nil
		}
		e.BaselineNarrative = strOr(ev.Payload, "baseline")
		e.UpdatedAtMS = intOr(ev.Payload, "ts_ms")
		e.LastEventSeq = ev.Seq

	case ev.EventType == "session.started":
		sessionID := strOr(ev.Payload, "session_id")
		if _, exists := v.sessions[sessionID]; exists {
			return nil
		}
		entityID := strOr(ev.Payload, "entity_id")
		v.sessions[sessionID] = &Session{
			SessionID:    sessionID,
			EntityID:     entityID,
			SessionType:  orDefault(strOr(ev.Payload, "session_type"), "chat"),
			Mode:         orDefault(strOr(ev.Payload, "mode"), "assisted"),
			TokenBudget:  orDefaultInt(intOr(ev.Payload, "token_budget"), 100000),
			StartedAtMS:  intOr(ev.Payload, "ts_ms"),
			Status:       "active",
			LastEventSeq: ev.Seq,
		}
		if e, ok := v.entities[entityID]; ok {
			e.TotalSessions++
			e.UpdatedAtMS = intOr(ev.Payload, "ts_ms")
		}

	case ev.EventType == "session.completed":
		sessionID := strOr(ev.Payload, "session_id")
		s, ok := v.sessions[sessionID]
		if !ok {
			return nil
		}
		tokensUsed := intOr(ev.Payload, "tokens_used")
		s.TokensUsed = tokensUsed
		s.DurationMS = intOr(ev.Payload, "duration_ms")
		s.CompletedAtMS = intOr(ev.Payload, "ts_ms")
		s.Status = "completed"
		s.LastEventSeq = ev.Seq

		if handover, ok := ev.Payload["handover"].(map[string]any); ok {
			id := fmt.Sprintf("handover_%s", shortHash(ev.EntryHash))
			v.handovers = append(v.handovers, Handover{
				HandoverID:  id,
				EntityID:    s.EntityID,
				SessionID:   sessionID,
				Content:     handover,
				CreatedAtMS: intOr(ev.Payload, "ts_ms"),
				EntryHash:   ev.EntryHash,
				Sequence:    ev.Seq,
			})
		}

		if e, ok := v.entities[s.EntityID]; ok {
			e.TotalTokensUsed += tokensUsed
			e.UpdatedAtMS = intOr(ev.Payload, "ts_ms")
		}

	case strings.HasPrefix(ev.EventType, "audit.") || strings.HasPrefix(ev.EventType, "governance."):
		// Governance events fold into the audit log, same as the
		// reference's handle_governance_event delegating to
		// handle_audit_event.
		v.audit = append(v.audit, AuditEntry{
			AuditID:     fmt.Sprintf("audit_%s_%d", shortHash(ev.EntryHash), ev.Seq),
			EntityID:    strOr(ev.Payload, "entity_id"),
			SessionID:   strOr(ev.Payload, "session_id"),
			JobID:       strOr(ev.Payload, "job_id"),
			TraceID:     strOr(ev.Payload, "trace_id"),
			EventType:   ev.EventType,
			EventData:   ev.Payload,
			CreatedAtMS: intOr(ev.Payload, "ts_ms"),
			EntryHash:   ev.EntryHash,
			Sequence:    ev.Seq,
		})
		v.lastSeqBySessionOrAudit["audit:"+ev.EntryHash] = ev.Seq

	default:
		return fmt.Errorf("projection/office: unrecognized event type %q", ev.EventType)
	}

	return nil
}

func (v *OfficeView) Entity(entityID string) (Entity, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.entities[entityID]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

func (v *OfficeView) Session(sessionID string) (Session, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// SessionsForEntity returns every session ever opened for entityID, ordered
// by StartedAtMS, so callers can find the most recent one for handover
// recovery.
func (v *OfficeView) SessionsForEntity(entityID string) []Session {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Session, 0)
	for _, s := range v.sessions {
		if s.EntityID == entityID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAtMS < out[j].StartedAtMS })
	return out
}

func (v *OfficeView) HandoversFor(sessionID string) []Handover {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Handover, 0)
	for _, h := range v.handovers {
		if h.SessionID == sessionID {
			out = append(out, h)
		}
	}
	return out
}

func shortHash(h string) string {
	if len(h) < 8 {
		return h
	}
	return h[:8]
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultInt(v, def int64) int64 {
	if v == 0 {
		return def
	}
	return v
}
