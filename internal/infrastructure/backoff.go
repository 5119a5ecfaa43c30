package infrastructure

import (
	"math"
	"math/rand"
	"strings"
	"time"
)

type retryPolicy struct {
	maxRetry  int
	factor    float64
	minJitter time.Duration
	maxJitter time.Duration
}

func newRetryPolicy(maxRetry int, factor float64, minJitter, maxJitter, defaultMin, defaultMax time.Duration) retryPolicy {
	if maxRetry < 0 {
		maxRetry = 0
	}
	if factor < 1 {
		factor = defaultBackoffFactor
	}
	if minJitter <= 0 {
		minJitter = defaultMin
	}
	if maxJitter <= 0 {
		maxJitter = defaultMax
	}
	if maxJitter < minJitter {
		maxJitter = minJitter
	}

	return retryPolicy{
		maxRetry:  maxRetry,
		factor:    factor,
		minJitter: minJitter,
		maxJitter: maxJitter,
	}
}

func backoffWithJitter(attempt int, factor float64, min, max time.Duration, rng *rand.Rand) time.Duration {
	backoff := float64(min) * math.Pow(factor, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}

	base := time.Duration(backoff)
	if max <= min {
		return base
	}

	jitterWindow := max - min
	jitter := time.Duration(rng.Int63n(int64(jitterWindow) + 1))
	result := base + jitter
	if result > max {
		return max
	}

	return result
}

func maskDSN(dsn string) string {
	idx := strings.LastIndex(dsn, "@")
	if idx == -1 {
		return dsn
	}

	prefix := dsn[:idx]
	credsIdx := strings.LastIndex(prefix, "://")
	if credsIdx == -1 {
		return "***" + dsn[idx:]
	}

	return prefix[:credsIdx+3] + "***" + dsn[idx:]
}
