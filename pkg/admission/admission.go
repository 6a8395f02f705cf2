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

// Package admission gates all work behind a concurrency permit pool of size
// max_concurrent_requests. Acquisition happens before tokenization so that
// backpressure bounds CPU work, not only GPU dispatch.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"

	"github.com/embedserve/batchrouter/pkg/batcherr"
	"github.com/embedserve/batchrouter/pkg/metrics"
)

// Permit is one unit of global admission-control capacity. It must be
// released exactly once, on whichever terminal path (reply sent, error
// reply, or entry drop) occurs first.
type Permit interface {
	Release()
}

// Pool hands out Permits bounded by a configured concurrency ceiling.
type Pool interface {
	// Acquire returns a permit, or fails once none can be had. LocalPool
	// blocks until a permit is available or ctx is done; RedisPool makes a
	// single attempt and fails with batcherr.Overloaded at once when the
	// ceiling is reached. A ctx that expired or was never going to be
	// satisfied by the ceiling surfaces as batcherr.Overloaded; a ctx the
	// caller itself cancelled surfaces as context.Canceled, since that
	// caller going away is not backpressure.
	Acquire(ctx context.Context) (Permit, error)
}

// LocalPool is a single-process Pool backed by a weighted semaphore.
type LocalPool struct {
	sem           *semaphore.Weighted
	maxConcurrent int
}

// NewLocalPool creates a LocalPool admitting at most maxConcurrentRequests
// simultaneous permits.
func NewLocalPool(maxConcurrentRequests int) *LocalPool {
	logPoolConstruction("local", maxConcurrentRequests)
	return &LocalPool{
		sem:           semaphore.NewWeighted(int64(maxConcurrentRequests)),
		maxConcurrent: maxConcurrentRequests,
	}
}

func (p *LocalPool) Acquire(ctx context.Context) (Permit, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		metrics.Overloaded.Inc()
		return nil, &batcherr.Overloaded{MaxConcurrentRequests: p.maxConcurrent}
	}
	metrics.ActiveConcurrency.Inc()
	return &localPermit{sem: p.sem}, nil
}

type localPermit struct {
	sem      *semaphore.Weighted
	released sync.Once
}

func (p *localPermit) Release() {
	p.released.Do(func() {
		p.sem.Release(1)
		metrics.ActiveConcurrency.Dec()
	})
}

var _ Pool = (*LocalPool)(nil)

// NoopPermit is useful for tests that don't exercise admission control.
type NoopPermit struct{}

func (NoopPermit) Release() {}

// ErrShuttingDown reports that an admission pool is shutting down and no
// further permits can be handed out. Neither LocalPool nor RedisPool
// returns it.
var ErrShuttingDown = fmt.Errorf("admission: pool is shutting down")

func logPoolConstruction(kind string, maxConcurrent int) {
	klog.InfoS("constructed admission pool", "kind", kind, "maxConcurrentRequests", maxConcurrent)
}
