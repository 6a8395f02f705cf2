/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/embedserve/batchrouter/pkg/batcherr"
	"github.com/embedserve/batchrouter/pkg/metrics"
	"github.com/embedserve/batchrouter/pkg/utils/logging"
)

// RedisConfig configures a cluster-wide distributed permit pool. This bounds
// total concurrency across every replica sharing Key; it does not
// coordinate batch formation across hosts — each replica still forms and
// dispatches its own batches independently.
type RedisConfig struct {
	Addr                  string        `json:"addr"`
	Password              string        `json:"password"`
	DB                    int           `json:"db"`
	Key                   string        `json:"key"`
	MaxConcurrentRequests int           `json:"maxConcurrentRequests"`
	LeaseTTL              time.Duration `json:"leaseTTL"`
}

// DefaultRedisConfig returns sane defaults for a RedisPool.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Key:                   "embedserve:admission:leases",
		MaxConcurrentRequests: 512,
		LeaseTTL:              30 * time.Second,
	}
}

// RedisPool is a Pool whose ceiling is shared across every process pointed
// at the same Redis key, using a sorted set of lease IDs scored by
// expiration time: acquiring trims expired leases, then admits only if the
// remaining count is under the ceiling.
type RedisPool struct {
	client *redis.Client
	cfg    *RedisConfig
}

// NewRedisPool returns a RedisPool over an existing Redis client. It does
// not verify connectivity; callers that want a fail-fast startup should Ping
// the returned client's underlying connection themselves.
func NewRedisPool(client *redis.Client, cfg *RedisConfig) *RedisPool {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	logPoolConstruction("redis", cfg.MaxConcurrentRequests)
	return &RedisPool{client: client, cfg: cfg}
}

var _ Pool = (*RedisPool)(nil)

// leaseAcquireScript atomically trims expired leases and admits a new one
// if under the ceiling, returning 1 on success and 0 on overload.
const leaseAcquireScript = `
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
return 1
`

func (p *RedisPool) Acquire(ctx context.Context) (Permit, error) {
	leaseID := uuid.NewString()
	now := time.Now()
	expiresAt := now.Add(p.cfg.LeaseTTL)

	res, err := p.client.Eval(ctx, leaseAcquireScript, []string{p.cfg.Key},
		now.UnixMilli(), p.cfg.MaxConcurrentRequests, expiresAt.UnixMilli(), leaseID).Result()
	if err != nil {
		return nil, fmt.Errorf("admission: redis lease acquire failed: %w", err)
	}

	if admitted, _ := res.(int64); admitted == 0 {
		metrics.Overloaded.Inc()
		return nil, &batcherr.Overloaded{MaxConcurrentRequests: p.cfg.MaxConcurrentRequests}
	}

	metrics.ActiveConcurrency.Inc()
	return &redisPermit{client: p.client, key: p.cfg.Key, leaseID: leaseID}, nil
}

type redisPermit struct {
	client   *redis.Client
	key      string
	leaseID  string
	released sync.Once
}

func (p *redisPermit) Release() {
	p.released.Do(func() {
		metrics.ActiveConcurrency.Dec()
		if err := p.client.ZRem(context.Background(), p.key, p.leaseID).Err(); err != nil {
			klog.V(logging.DEBUG).InfoS("failed to release redis lease, it will expire on its own",
				"leaseID", p.leaseID, "err", err)
		}
	})
}
