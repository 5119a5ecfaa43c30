package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/krobus00/stream-gateway/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultRedisPingTimeout = 3 * time.Second

func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if strings.TrimSpace(cfg.CacheDSN) == "" {
		return nil, errors.New("redis cache_dsn is required")
	}

	options, err := redis.ParseURL(cfg.CacheDSN)
	if err != nil {
		return nil, fmt.Errorf("parse redis cache_dsn: %w", err)
	}

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, defaultRedisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	DependencyUp.WithLabelValues("redis").Set(1)
	logrus.WithFields(logrus.Fields{
		"addr": options.Addr,
		"db":   options.DB,
	}).Info("redis connection established")

	return client, nil
}

func StartRedisHealthCheck(ctx context.Context, client *redis.Client, interval time.Duration) {
	if client == nil || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, defaultRedisPingTimeout)
				err := client.Ping(pingCtx).Err()
				cancel()
				if err != nil {
					DependencyUp.WithLabelValues("redis").Set(0)
					logrus.Errorf("redis health check failed: %v", err)
					continue
				}
				DependencyUp.WithLabelValues("redis").Set(1)
			}
		}
	}()
}
