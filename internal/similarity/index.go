package similarity

import (
	"context"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/dispatch-desk/internal/repository"
)

// Match is one candidate returned by a similarity query. Score is in [0,1].
type Match struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Index ranks candidates by capability overlap. Results are best effort and
// may be empty.
type Index interface {
	QueryByTags(ctx context.Context, tags []string) ([]Match, error)
}

// DefaultLimit caps the number of matches a query returns.
const DefaultLimit = 20

type postgresIndex struct {
	pool  *pgxpool.Pool
	limit int
}

// NewPostgresIndex scores active hero rows by Jaccard overlap of their powers
// with the requested tags.
func NewPostgresIndex(pool *pgxpool.Pool, limit int) Index {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &postgresIndex{pool: pool, limit: limit}
}

func (i *postgresIndex) QueryByTags(ctx context.Context, tags []string) ([]Match, error) {
	tags = Normalize(tags)
	if len(tags) == 0 {
		return nil, nil
	}
	const query = `
        SELECT id,
               cardinality(ARRAY(SELECT lower(p) FROM unnest(powers) p INTERSECT SELECT unnest($1::text[])))::float8
               / GREATEST(cardinality(ARRAY(SELECT lower(p) FROM unnest(powers) p UNION SELECT unnest($1::text[]))), 1) AS score
        FROM heroes
        WHERE role='HERO' AND status='ACTIVE'
          AND EXISTS (SELECT 1 FROM unnest(powers) p WHERE lower(p) = ANY($1::text[]))
        ORDER BY score DESC, id ASC
        LIMIT $2`
	rows, err := i.pool.Query(ctx, query, tags, i.limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.Score); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

type repositoryIndex struct {
	heroes repository.HeroRepository
	limit  int
}

// NewRepositoryIndex computes the same Jaccard score in process over a hero
// repository. Used with the memory store.
func NewRepositoryIndex(heroes repository.HeroRepository, limit int) Index {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &repositoryIndex{heroes: heroes, limit: limit}
}

func (i *repositoryIndex) QueryByTags(ctx context.Context, tags []string) ([]Match, error) {
	tags = Normalize(tags)
	if len(tags) == 0 {
		return nil, nil
	}
	heroes, err := i.heroes.List(ctx, repository.EligibleHeroes())
	if err != nil {
		return nil, err
	}
	var result []Match
	for _, hero := range heroes {
		score := Jaccard(hero.Powers, tags)
		if score == 0 {
			continue
		}
		result = append(result, Match{ID: hero.ID, Score: score})
	}
	sort.SliceStable(result, func(a, b int) bool {
		if result[a].Score == result[b].Score {
			return result[a].ID < result[b].ID
		}
		return result[a].Score > result[b].Score
	})
	if len(result) > i.limit {
		result = result[:i.limit]
	}
	return result, nil
}

// Normalize lower-cases, trims and de-duplicates tags, keeping first-seen order.
func Normalize(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// Jaccard returns |a∩b| / |a∪b| over normalized tag sets.
func Jaccard(a, b []string) float64 {
	left := Normalize(a)
	right := Normalize(b)
	if len(left) == 0 && len(right) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(left))
	for _, t := range left {
		set[t] = struct{}{}
	}
	intersection := 0
	for _, t := range right {
		if _, ok := set[t]; ok {
			intersection++
		}
	}
	union := len(left) + len(right) - intersection
	return float64(intersection) / float64(union)
}
