package domain

import "time"

// MissionStatus tracks the engagement derived from an assigned ticket.
type MissionStatus string

const (
	MissionStatusAssigned  MissionStatus = "ASSIGNED"
	MissionStatusActive    MissionStatus = "ACTIVE"
	MissionStatusCompleted MissionStatus = "COMPLETED"
)

// Mission is the tracked work item created when the pipeline assigns a hero.
type Mission struct {
	ID          string         `json:"id"`
	TicketID    string         `json:"ticket_id"`
	HeroID      string         `json:"hero_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    TicketPriority `json:"priority"`
	Objectives  []string       `json:"objectives"`
	Status      MissionStatus  `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
}
