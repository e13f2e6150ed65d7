package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/dispatch-desk/internal/domain"
)

// StatsRepository runs the dashboard aggregation.
type StatsRepository interface {
	DashboardStats(ctx context.Context) (*domain.DashboardStats, error)
}

type statsRepository struct {
	pool *pgxpool.Pool
}

// NewStatsRepository builds repository.
func NewStatsRepository(pool *pgxpool.Pool) StatsRepository {
	return &statsRepository{pool: pool}
}

func (r *statsRepository) DashboardStats(ctx context.Context) (*domain.DashboardStats, error) {
	stats := &domain.DashboardStats{
		ByStatus:   map[domain.TicketStatus]int{},
		ByPriority: map[domain.TicketPriority]int{},
		ComputedAt: time.Now().UTC(),
	}

	rows, err := r.pool.Query(ctx, `
        SELECT status, COALESCE(priority, ''), COUNT(*), COUNT(*) FILTER (WHERE assigned_to IS NULL)
        FROM tickets GROUP BY status, priority`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status     domain.TicketStatus
			priority   domain.TicketPriority
			count      int
			unassigned int
		)
		if err := rows.Scan(&status, &priority, &count, &unassigned); err != nil {
			return nil, err
		}
		stats.TotalTickets += count
		stats.ByStatus[status] += count
		if priority != "" {
			stats.ByPriority[priority] += count
		}
		if status != domain.TicketStatusClosed && status != domain.TicketStatusResolved {
			stats.Unassigned += unassigned
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	const heroesAndMissions = `
        SELECT
            (SELECT COUNT(*) FROM heroes WHERE role='HERO' AND status='ACTIVE'),
            (SELECT COUNT(*) FROM heroes WHERE role='HERO' AND status<>'ACTIVE'),
            (SELECT COUNT(*) FROM missions WHERE status<>'COMPLETED')`
	if err := r.pool.QueryRow(ctx, heroesAndMissions).Scan(
		&stats.ActiveHeroes,
		&stats.InactiveHeroes,
		&stats.OpenMissions,
	); err != nil {
		return nil, err
	}
	return stats, nil
}
