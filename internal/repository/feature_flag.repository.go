package repository

import (
	"context"

	"github.com/redis/go-redis/v9"
)

type FeatureFlagRepository struct {
	client *redis.Client
	key    string
}

func NewFeatureFlagRepository(client *redis.Client, key string) *FeatureFlagRepository {
	return &FeatureFlagRepository{client: client, key: key}
}

// GetAll returns the live overrides. A missing hash yields an empty map.
func (r *FeatureFlagRepository) GetAll(ctx context.Context) (map[string]string, error) {
	return r.client.HGetAll(ctx, r.key).Result()
}

func (r *FeatureFlagRepository) Set(ctx context.Context, field, value string) error {
	return r.client.HSet(ctx, r.key, field, value).Err()
}

func (r *FeatureFlagRepository) Delete(ctx context.Context, fields ...string) error {
	return r.client.HDel(ctx, r.key, fields...).Err()
}
