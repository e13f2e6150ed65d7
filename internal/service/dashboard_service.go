package service

import (
	"context"
	"time"

	"github.com/spec-kit/dispatch-desk/internal/dashboard"
	"github.com/spec-kit/dispatch-desk/internal/domain"
	"github.com/spec-kit/dispatch-desk/internal/repository"
)

// DashboardKey is the cache key of the aggregated dashboard figures.
const DashboardKey = "dashboard:stats"

// DashboardService serves dashboard figures through the stale-while-revalidate cache.
type DashboardService struct {
	stats       repository.StatsRepository
	cache       *dashboard.Cache
	ttl         time.Duration
	staleWindow time.Duration
}

// NewDashboardService constructs the service.
func NewDashboardService(stats repository.StatsRepository, cache *dashboard.Cache, ttl, staleWindow time.Duration) *DashboardService {
	return &DashboardService{stats: stats, cache: cache, ttl: ttl, staleWindow: staleWindow}
}

// Stats returns the dashboard figures, possibly stale within the window.
func (s *DashboardService) Stats(ctx context.Context) (domain.DashboardStats, error) {
	return dashboard.Get(ctx, s.cache, DashboardKey, s.compute, s.ttl, s.staleWindow)
}

func (s *DashboardService) compute(ctx context.Context) (domain.DashboardStats, error) {
	stats, err := s.stats.DashboardStats(ctx)
	if err != nil {
		return domain.DashboardStats{}, err
	}
	return *stats, nil
}
