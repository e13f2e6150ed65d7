package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/dispatch-desk/internal/domain"
)

// MissionRepository stores missions derived from assigned tickets.
type MissionRepository interface {
	Create(ctx context.Context, mission *domain.Mission) error
	Delete(ctx context.Context, id string) error
}

type missionRepository struct {
	pool *pgxpool.Pool
}

// NewMissionRepository builds repository.
func NewMissionRepository(pool *pgxpool.Pool) MissionRepository {
	return &missionRepository{pool: pool}
}

func (r *missionRepository) Create(ctx context.Context, mission *domain.Mission) error {
	const query = `
        INSERT INTO missions (ticket_id, hero_id, title, description, priority, objectives, status)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        RETURNING id, created_at`
	return r.pool.QueryRow(ctx, query,
		mission.TicketID,
		mission.HeroID,
		mission.Title,
		mission.Description,
		mission.Priority,
		nonNilStrings(mission.Objectives),
		mission.Status,
	).Scan(&mission.ID, &mission.CreatedAt)
}

func (r *missionRepository) Delete(ctx context.Context, id string) error {
	cmd, err := r.pool.Exec(ctx, `DELETE FROM missions WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
