package domain

import "time"

// DashboardStats is the aggregated view shown on the dispatch dashboard.
type DashboardStats struct {
	TotalTickets   int                    `json:"total_tickets"`
	ByStatus       map[TicketStatus]int   `json:"by_status"`
	ByPriority     map[TicketPriority]int `json:"by_priority"`
	Unassigned     int                    `json:"unassigned"`
	ActiveHeroes   int                    `json:"active_heroes"`
	InactiveHeroes int                    `json:"inactive_heroes"`
	OpenMissions   int                    `json:"open_missions"`
	ComputedAt     time.Time              `json:"computed_at"`
}
