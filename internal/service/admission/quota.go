package admission

import (
	"context"
	"time"

	"github.com/krobus00/stream-gateway/internal/entity"
)

type QuotaCounter interface {
	Increment(ctx context.Context, identityID, costKey string, window time.Duration, now time.Time) (int64, error)
}

// QuotaService enforces an identity's fixed-window rate limit policy.
type QuotaService struct {
	counter QuotaCounter
	now     func() time.Time
}

func NewQuotaService(counter QuotaCounter) *QuotaService {
	return &QuotaService{counter: counter, now: time.Now}
}

func (s *QuotaService) CheckQuota(ctx context.Context, identity *entity.AuthIdentity, costKey string) (entity.QuotaResult, error) {
	policy := identity.RateLimitPolicy
	if policy == nil || policy.Limit <= 0 {
		return entity.QuotaResult{Allowed: true}, nil
	}

	current, err := s.counter.Increment(ctx, identity.ID, costKey, policy.Window, s.now())
	if err != nil {
		return entity.QuotaResult{}, err
	}

	return entity.QuotaResult{
		Allowed: current <= int64(policy.Limit),
		Limit:   int64(policy.Limit),
		Current: current,
	}, nil
}
