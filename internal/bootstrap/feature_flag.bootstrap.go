package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/krobus00/stream-gateway/internal/config"
	"github.com/krobus00/stream-gateway/internal/infrastructure"
	"github.com/krobus00/stream-gateway/internal/repository"
	"github.com/krobus00/stream-gateway/internal/service/featureflag"
	"github.com/krobus00/stream-gateway/internal/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func StartSetFeatureFlag(cmd *cobra.Command, args []string) {
	field, value := args[0], strings.TrimSpace(args[1])
	util.ContinueOrFatal(featureflag.ValidateOverride(field, value))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, err := newFeatureFlagRepository(ctx)
	util.ContinueOrFatal(err)

	util.ContinueOrFatal(repo.Set(ctx, field, value))

	logrus.WithFields(logrus.Fields{
		"field": field,
		"value": value,
	}).Info("feature flag override set")
}

func StartUnsetFeatureFlag(cmd *cobra.Command, args []string) {
	for _, field := range args {
		util.ContinueOrFatal(featureflag.ValidateField(field))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, err := newFeatureFlagRepository(ctx)
	util.ContinueOrFatal(err)

	util.ContinueOrFatal(repo.Delete(ctx, args...))

	logrus.WithField("fields", args).Info("feature flag override removed, configured default applies")
}

func newFeatureFlagRepository(ctx context.Context) (*repository.FeatureFlagRepository, error) {
	redisCfg, ok := config.Env.Redis[cacheRedis]
	if !ok {
		return nil, fmt.Errorf("redis.%s is not configured", cacheRedis)
	}

	key := strings.TrimSpace(config.Env.FeatureFlags.RedisKey)
	if key == "" {
		return nil, errors.New("feature_flags.redis_key is not configured")
	}

	client, err := infrastructure.NewRedisClient(ctx, redisCfg)
	if err != nil {
		return nil, err
	}
	return repository.NewFeatureFlagRepository(client, key), nil
}
