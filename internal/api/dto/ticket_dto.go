package dto

import (
	"time"

	"github.com/spec-kit/dispatch-desk/internal/domain"
	"github.com/spec-kit/dispatch-desk/internal/triage"
)

// CreateTicketRequest payload.
type CreateTicketRequest struct {
	Title       string                `json:"title"`
	Description string                `json:"description"`
	Priority    domain.TicketPriority `json:"priority"`
	Type        domain.TicketType     `json:"type"`
	Tags        []string              `json:"tags"`
	Metadata    map[string]any        `json:"metadata"`
}

// Draft converts the payload into a store draft.
func (r CreateTicketRequest) Draft() domain.TicketDraft {
	return domain.TicketDraft{
		Title:       r.Title,
		Description: r.Description,
		Priority:    r.Priority,
		Type:        r.Type,
		Tags:        r.Tags,
		Metadata:    r.Metadata,
	}
}

// UpdateTicketRequest payload. Absent fields are left untouched;
// "unassign" clears the assignee.
type UpdateTicketRequest struct {
	Title       *string                `json:"title"`
	Description *string                `json:"description"`
	Priority    *domain.TicketPriority `json:"priority"`
	Status      *domain.TicketStatus   `json:"status"`
	Type        *domain.TicketType     `json:"type"`
	AssignedTo  *string                `json:"assigned_to"`
	Unassign    bool                   `json:"unassign"`
	Tags        []string               `json:"tags"`
	Metadata    map[string]any         `json:"metadata"`
}

// Patch converts the payload into a store patch.
func (r UpdateTicketRequest) Patch() domain.TicketPatch {
	return domain.TicketPatch{
		Title:         r.Title,
		Description:   r.Description,
		Priority:      r.Priority,
		Status:        r.Status,
		Type:          r.Type,
		AssignedTo:    r.AssignedTo,
		ClearAssignee: r.Unassign,
		Tags:          r.Tags,
		Metadata:      r.Metadata,
	}
}

// CreateMessageRequest payload.
type CreateMessageRequest struct {
	Body string `json:"body"`
}

// TicketListResponse wraps a listing with per-status counts of the
// caller's whole view.
type TicketListResponse struct {
	Data   []domain.Ticket             `json:"data"`
	Counts map[domain.TicketStatus]int `json:"counts"`
}

// LiveSnapshot is one server-sent event of the live ticket view.
type LiveSnapshot struct {
	Tickets []domain.Ticket `json:"tickets"`
	At      time.Time       `json:"at"`
}

// TriageResponse reports a completed triage run. Partial is set when the
// ticket was triaged but left unassigned.
type TriageResponse struct {
	Ticket   *domain.Ticket        `json:"ticket"`
	Analysis domain.TriageAnalysis `json:"analysis"`
	HeroID   string                `json:"hero_id,omitempty"`
	Mission  *domain.Mission       `json:"mission,omitempty"`
	Summary  string                `json:"summary"`
	Notices  []triage.Notice       `json:"notices"`
	Warnings []string              `json:"warnings,omitempty"`
	Partial  *ErrorBody            `json:"partial,omitempty"`
}

// ErrorBody mirrors the error envelope's inner object.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}
