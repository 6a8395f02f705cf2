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

// Package cache deduplicates identical recent inference requests: only
// completed results are stored, so identical requests that are in flight at
// the same time each run through the pipeline. It is a bounded, cost-aware, process-lifetime cache: a restart
// loses it, and there is no way to read an entry back except by repeating
// the exact request that produced it. It is a hit-rate optimization of the
// existing Embed contract, not a persistence layer.
package cache

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
	"k8s.io/klog/v2"

	"github.com/embedserve/batchrouter/pkg/metrics"
	"github.com/embedserve/batchrouter/pkg/utils/logging"
)

const (
	defaultNumCounters = 1e6
	defaultMaxCost     = 64 * 1024 * 1024 // 64 MiB of cached result payloads
	defaultBufferItems = 64
)

// Config holds the response cache's sizing policy.
type Config struct {
	// MaxCostBytes bounds the estimated total size of cached results.
	MaxCostBytes int64 `json:"maxCostBytes"`
}

// DefaultConfig returns a conservative default suitable for a single
// router instance.
func DefaultConfig() *Config {
	return &Config{MaxCostBytes: defaultMaxCost}
}

// Entry is a cached inference result: a pooled row and/or raw rows, stored
// as flat float32 data with the shape needed to reinterpret it.
type Entry struct {
	Pooled  []float32
	RawData []float32
	RawRows int
	RawCols int
}

// Cache is a bounded, in-memory dedup cache of recent Embed results.
type Cache struct {
	data *ristretto.Cache[uint64, *Entry]
}

// New constructs a Cache. A nil cfg uses DefaultConfig.
func New(cfg *Config) (*Cache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	data, err := ristretto.NewCache(&ristretto.Config[uint64, *Entry]{
		NumCounters: defaultNumCounters,
		MaxCost:     cfg.MaxCostBytes,
		BufferItems: defaultBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}

	return &Cache{data: data}, nil
}

// Key hashes the parameters that fully determine an Embed result: which
// model, which text, which outputs were requested, and whether truncation
// was allowed. truncate must be included directly: a request that fails
// InputTooLong with truncate=false must never collide with a request for
// the same text that succeeded (truncated) with truncate=true, since the
// two calls are required to return different outcomes.
func Key(modelName, text string, pooled, raw, truncate bool) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(modelName)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(text)
	_, _ = h.Write([]byte{0, boolByte(pooled), boolByte(raw), boolByte(truncate)})
	return h.Sum64()
}

// Get returns the cached Entry for key, if present.
func (c *Cache) Get(key uint64) (*Entry, bool) {
	v, ok := c.data.Get(key)
	if !ok {
		klog.V(logging.TRACE).InfoS("response cache miss")
		metrics.CacheMisses.Inc()
		return nil, false
	}
	klog.V(logging.DEBUG).InfoS("response cache hit")
	metrics.CacheHits.Inc()
	return v, true
}

// Set stores an Entry, costed by its approximate byte size.
func (c *Cache) Set(key uint64, e *Entry) {
	cost := int64(4 * (len(e.Pooled) + len(e.RawData)))
	c.data.Set(key, e, cost)
}

// Wait blocks until all pending Set calls have been applied. Ristretto
// applies writes through an internal buffer; production callers never need
// this, but tests that assert on a Set immediately after calling it do.
func (c *Cache) Wait() {
	c.data.Wait()
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
