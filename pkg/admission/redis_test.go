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

package admission_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/embedserve/batchrouter/pkg/admission"
	"github.com/embedserve/batchrouter/pkg/batcherr"
)

func newTestRedisPool(t *testing.T, maxConcurrent int) *admission.RedisPool {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	cfg := admission.DefaultRedisConfig()
	cfg.MaxConcurrentRequests = maxConcurrent
	cfg.LeaseTTL = time.Minute

	return admission.NewRedisPool(client, cfg)
}

func TestRedisPoolAdmitsUpToCeiling(t *testing.T) {
	pool := newTestRedisPool(t, 2)
	ctx := context.Background()

	p1, err := pool.Acquire(ctx)
	require.NoError(t, err)
	p2, err := pool.Acquire(ctx)
	require.NoError(t, err)

	_, err = pool.Acquire(ctx)
	require.Error(t, err)
	require.IsType(t, &batcherr.Overloaded{}, err)

	p1.Release()
	p3, err := pool.Acquire(ctx)
	require.NoError(t, err)

	p2.Release()
	p3.Release()
}
