package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type QuotaRepository struct {
	client *redis.Client
	prefix string
}

func NewQuotaRepository(client *redis.Client) *QuotaRepository {
	return &QuotaRepository{client: client, prefix: "stream_gateway:quota"}
}

// Increment counts one use in the fixed window containing now and returns
// the running total for that window.
func (r *QuotaRepository) Increment(ctx context.Context, identityID, costKey string, window time.Duration, now time.Time) (int64, error) {
	if window <= 0 {
		window = time.Minute
	}

	bucket := now.UnixNano() / int64(window)
	key := fmt.Sprintf("%s:%s:%s:%d", r.prefix, identityID, costKey, bucket)

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment quota %s: %w", key, err)
	}

	return incr.Val(), nil
}
