package domain

import "time"

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusNew        TicketStatus = "NEW"
	TicketStatusInProgress TicketStatus = "IN_PROGRESS"
	TicketStatusPending    TicketStatus = "PENDING"
	TicketStatusResolved   TicketStatus = "RESOLVED"
	TicketStatusClosed     TicketStatus = "CLOSED"
)

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusNew, TicketStatusInProgress, TicketStatusPending, TicketStatusResolved, TicketStatusClosed:
		return true
	}
	return false
}

// AllowsAssignee reports whether a ticket in status s may carry an assignee.
func (s TicketStatus) AllowsAssignee() bool {
	return s == TicketStatusInProgress || s == TicketStatusPending || s == TicketStatusResolved
}

// TicketPriority enumerates threat tiers, OMEGA being the most severe.
type TicketPriority string

const (
	TicketPriorityOmega TicketPriority = "OMEGA"
	TicketPriorityAlpha TicketPriority = "ALPHA"
	TicketPriorityBeta  TicketPriority = "BETA"
	TicketPriorityGamma TicketPriority = "GAMMA"
)

// Priorities lists the tiers from most to least severe.
var Priorities = []TicketPriority{
	TicketPriorityOmega,
	TicketPriorityAlpha,
	TicketPriorityBeta,
	TicketPriorityGamma,
}

// Valid reports whether p is one of the four known tiers.
func (p TicketPriority) Valid() bool {
	return p.Rank() >= 0
}

// Rank returns 0 for OMEGA through 3 for GAMMA, or -1 when unknown.
func (p TicketPriority) Rank() int {
	for i, known := range Priorities {
		if p == known {
			return i
		}
	}
	return -1
}

// TicketType classifies the request.
type TicketType string

const (
	TicketTypeMission      TicketType = "MISSION"
	TicketTypeEquipment    TicketType = "EQUIPMENT"
	TicketTypeIntelligence TicketType = "INTELLIGENCE"
)

func (t TicketType) Valid() bool {
	switch t {
	case TicketTypeMission, TicketTypeEquipment, TicketTypeIntelligence:
		return true
	}
	return false
}

// Metadata keys written by the triage pipeline.
const (
	MetadataAIAnalysis = "ai_analysis"
	MetadataMissionID  = "mission_id"
)

// Ticket is the aggregate for dispatch requests.
type Ticket struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    TicketPriority `json:"priority"`
	Status      TicketStatus   `json:"status"`
	Type        TicketType     `json:"type"`
	CreatedBy   string         `json:"created_by"`
	AssignedTo  *string        `json:"assigned_to"`
	Objectives  []string       `json:"objectives"`
	Tags        []string       `json:"tags"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ResolvedAt  *time.Time     `json:"resolved_at"`
	ClosedAt    *time.Time     `json:"closed_at"`
}

// IsAssignedTo reports whether actorID is the current assignee.
func (t *Ticket) IsAssignedTo(actorID string) bool {
	return t.AssignedTo != nil && *t.AssignedTo == actorID
}

// Clone returns a deep copy so callers cannot mutate shared state.
func (t Ticket) Clone() Ticket {
	out := t
	if t.AssignedTo != nil {
		v := *t.AssignedTo
		out.AssignedTo = &v
	}
	if t.ResolvedAt != nil {
		v := *t.ResolvedAt
		out.ResolvedAt = &v
	}
	if t.ClosedAt != nil {
		v := *t.ClosedAt
		out.ClosedAt = &v
	}
	out.Objectives = append([]string(nil), t.Objectives...)
	out.Tags = append([]string(nil), t.Tags...)
	if t.Metadata != nil {
		out.Metadata = cloneMap(t.Metadata)
	}
	return out
}

// cloneValue copies the JSON-shaped values metadata holds. Other values are
// shared and must be treated as immutable.
func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), v...)
	case []map[string]any:
		out := make([]map[string]any, len(v))
		for i, item := range v {
			out[i] = cloneMap(item)
		}
		return out
	default:
		return v
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// TicketDraft is the requester-supplied create payload.
type TicketDraft struct {
	Title       string
	Description string
	Priority    TicketPriority
	Type        TicketType
	Tags        []string
	Metadata    map[string]any
}

// TicketPatch describes a partial update. Nil fields are left untouched;
// Metadata keys are merged into the stored map.
type TicketPatch struct {
	Title         *string
	Description   *string
	Priority      *TicketPriority
	Status        *TicketStatus
	Type          *TicketType
	AssignedTo    *string
	ClearAssignee bool
	Objectives    []string
	Tags          []string
	Metadata      map[string]any
	ResolvedAt    *time.Time
	ClosedAt      *time.Time
}

// Empty reports whether the patch changes nothing.
func (p TicketPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Priority == nil && p.Status == nil &&
		p.Type == nil && p.AssignedTo == nil && !p.ClearAssignee && p.Objectives == nil &&
		p.Tags == nil && len(p.Metadata) == 0 && p.ResolvedAt == nil && p.ClosedAt == nil
}

// ApplyTo mutates ticket according to the patch.
func (p TicketPatch) ApplyTo(ticket *Ticket) {
	if p.Title != nil {
		ticket.Title = *p.Title
	}
	if p.Description != nil {
		ticket.Description = *p.Description
	}
	if p.Priority != nil {
		ticket.Priority = *p.Priority
	}
	if p.Status != nil {
		ticket.Status = *p.Status
	}
	if p.Type != nil {
		ticket.Type = *p.Type
	}
	if p.ClearAssignee {
		ticket.AssignedTo = nil
	}
	if p.AssignedTo != nil {
		v := *p.AssignedTo
		ticket.AssignedTo = &v
	}
	if p.Objectives != nil {
		ticket.Objectives = append([]string(nil), p.Objectives...)
	}
	if p.Tags != nil {
		ticket.Tags = append([]string(nil), p.Tags...)
	}
	if len(p.Metadata) > 0 {
		if ticket.Metadata == nil {
			ticket.Metadata = make(map[string]any, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			ticket.Metadata[k] = v
		}
	}
	if p.ResolvedAt != nil {
		v := *p.ResolvedAt
		ticket.ResolvedAt = &v
	}
	if p.ClosedAt != nil {
		v := *p.ClosedAt
		ticket.ClosedAt = &v
	}
}
