package ratelimit

import (
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bucket names a quota class for a group of routes.
type Bucket string

const (
	BucketAuth    Bucket = "auth"
	BucketChat    Bucket = "chat"
	BucketGeneral Bucket = "general"
)

// Quota is one bucket's limit over a fixed window.
type Quota struct {
	Limit  int
	Window time.Duration
}

// DefaultQuotas mirrors the production throttling policy:
// 5 auth attempts / 5 min, 5 chat requests / min, 10 other API calls / min.
func DefaultQuotas() map[Bucket]Quota {
	return map[Bucket]Quota{
		BucketAuth:    {Limit: 5, Window: 5 * time.Minute},
		BucketChat:    {Limit: 5, Window: time.Minute},
		BucketGeneral: {Limit: 10, Window: time.Minute},
	}
}

// Gate admits or rejects requests per (bucket, client key). It holds one
// fixed-window limiter per bucket; buckets count independently.
type Gate struct {
	limiters map[Bucket]*FixedWindowLimiter
}

// NewGate builds a gate over the given Redis client and quotas.
// Empty quotas fall back to DefaultQuotas.
func NewGate(client *redis.Client, prefix string, quotas map[Bucket]Quota) (*Gate, error) {
	if len(quotas) == 0 {
		quotas = DefaultQuotas()
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "faqdesk:ratelimit"
	}
	limiters := make(map[Bucket]*FixedWindowLimiter, len(quotas))
	for bucket, quota := range quotas {
		limiter, err := NewRedisFixedWindowLimiter(client, prefix+":"+string(bucket), quota.Limit, quota.Window)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", bucket, err)
		}
		limiters[bucket] = limiter
	}
	return &Gate{limiters: limiters}, nil
}

// TryConsume takes one unit from the bucket's quota for the client key.
// Unknown buckets are admitted; coarse throttling does not need to be exact.
func (g *Gate) TryConsume(bucket Bucket, clientKey string) bool {
	if g == nil {
		return true
	}
	limiter, ok := g.limiters[bucket]
	if !ok {
		return true
	}
	return limiter.Allow(clientKey)
}

// BucketForPath classifies a request path into a quota bucket.
// Non-API paths are not rate limited and return false.
func BucketForPath(path string) (Bucket, bool) {
	switch {
	case strings.HasPrefix(path, "/api/auth"):
		return BucketAuth, true
	case strings.HasPrefix(path, "/api/chat"):
		return BucketChat, true
	case strings.HasPrefix(path, "/api/"):
		return BucketGeneral, true
	default:
		return "", false
	}
}
