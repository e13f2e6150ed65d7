package domain

import "time"

// HeroStatus marks whether a responder can take assignments.
type HeroStatus string

const (
	HeroStatusActive   HeroStatus = "ACTIVE"
	HeroStatusInactive HeroStatus = "INACTIVE"
)

// Hero models a responder that can be matched to a ticket.
type Hero struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Powers    []string   `json:"powers"`
	Role      Role       `json:"role"`
	Status    HeroStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Eligible reports whether the hero may be offered to the triage pipeline.
func (h Hero) Eligible() bool {
	return h.Status == HeroStatusActive && h.Role == RoleHero
}
