package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/dispatch-desk/internal/domain"
)

// HeroRepository lists responder profiles.
type HeroRepository interface {
	List(ctx context.Context, filter HeroFilter) ([]domain.Hero, error)
}

// HeroFilter defines query params for hero listing.
type HeroFilter struct {
	IDs    []string
	Role   *domain.Role
	Status *domain.HeroStatus
	Limit  int
}

// EligibleHeroes is the filter for heroes the triage pipeline may assign.
func EligibleHeroes() HeroFilter {
	role := domain.RoleHero
	status := domain.HeroStatusActive
	return HeroFilter{Role: &role, Status: &status}
}

type heroRepository struct {
	pool *pgxpool.Pool
}

// NewHeroRepository instantiates the repository.
func NewHeroRepository(pool *pgxpool.Pool) HeroRepository {
	return &heroRepository{pool: pool}
}

func (r *heroRepository) List(ctx context.Context, filter HeroFilter) ([]domain.Hero, error) {
	query := `
        SELECT id, name, powers, role, status, created_at, updated_at
        FROM heroes`
	args := []any{}
	clauses := []string{}

	if len(filter.IDs) > 0 {
		args = append(args, filter.IDs)
		clauses = append(clauses, fmt.Sprintf("id = ANY($%d)", len(args)))
	}
	if filter.Role != nil {
		args = append(args, *filter.Role)
		clauses = append(clauses, fmt.Sprintf("role=$%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		clauses = append(clauses, fmt.Sprintf("status=$%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Hero
	for rows.Next() {
		var hero domain.Hero
		if err := rows.Scan(
			&hero.ID,
			&hero.Name,
			&hero.Powers,
			&hero.Role,
			&hero.Status,
			&hero.CreatedAt,
			&hero.UpdatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, hero)
	}
	return result, rows.Err()
}
