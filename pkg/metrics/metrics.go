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

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "embedbatcher", Subsystem: "queue", Name: "depth",
		Help: "Current number of entries waiting to be batched",
	})
	ActiveConcurrency = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "embedbatcher", Subsystem: "admission", Name: "active_requests",
		Help: "Current number of requests holding an admission permit",
	})
	Overloaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "embedbatcher", Subsystem: "admission", Name: "overloaded_total",
		Help: "Total number of requests rejected because the concurrency ceiling was reached",
	})

	BatchTokenFillRatio = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "embedbatcher", Subsystem: "batch", Name: "token_fill_ratio",
		Help:    "tokens_used / max_batch_tokens for each dispatched batch",
		Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
	})
	BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "embedbatcher", Subsystem: "batch", Name: "member_count",
		Help:    "Number of entries in each dispatched batch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8),
	})
	BackendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "embedbatcher", Subsystem: "batch", Name: "backend_errors_total",
		Help: "Total number of batches that failed at the backend dispatch step",
	})

	TokenizationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "embedbatcher", Subsystem: "tokenization", Name: "latency_seconds",
		Help:    "Latency of a single tokenization call",
		Buckets: prometheus.DefBuckets,
	})
	BackendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "embedbatcher", Subsystem: "backend", Name: "forward_latency_seconds",
		Help:    "Latency of a single backend Forward call",
		Buckets: prometheus.DefBuckets,
	})

	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "embedbatcher", Subsystem: "cache", Name: "hits_total",
		Help: "Total number of response cache hits",
	})
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "embedbatcher", Subsystem: "cache", Name: "misses_total",
		Help: "Total number of response cache misses",
	})
)

// Collectors returns every collector this package registers.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		QueueDepth, ActiveConcurrency, Overloaded,
		BatchTokenFillRatio, BatchSize, BackendErrors,
		TokenizationLatency, BackendLatency,
		CacheHits, CacheMisses,
	}
}

var registerOnce sync.Once

// Register registers all metrics with the controller-runtime metrics
// registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// ObserveBatch records the token-fill ratio and member count for one
// dispatched batch.
func ObserveBatch(tokensUsed, maxBatchTokens, memberCount int) {
	if maxBatchTokens > 0 {
		BatchTokenFillRatio.Observe(float64(tokensUsed) / float64(maxBatchTokens))
	}
	BatchSize.Observe(float64(memberCount))
}

// StartLogging spawns a goroutine that logs a metrics snapshot every
// interval until ctx is done, in the teacher's "metrics beat" idiom.
func StartLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logSnapshot(ctx)
			}
		}
	}()
}

func logSnapshot(ctx context.Context) {
	var depth, active, overloaded, backendErrs, hits, misses dto.Metric

	if err := QueueDepth.Write(&depth); err != nil {
		return
	}
	if err := ActiveConcurrency.Write(&active); err != nil {
		return
	}
	if err := Overloaded.Write(&overloaded); err != nil {
		return
	}
	if err := BackendErrors.Write(&backendErrs); err != nil {
		return
	}
	if err := CacheHits.Write(&hits); err != nil {
		return
	}
	if err := CacheMisses.Write(&misses); err != nil {
		return
	}

	klog.FromContext(ctx).WithName("metrics").Info("metrics beat",
		"queueDepth", depth.GetGauge().GetValue(),
		"activeConcurrency", active.GetGauge().GetValue(),
		"overloaded", overloaded.GetCounter().GetValue(),
		"backendErrors", backendErrs.GetCounter().GetValue(),
		"cacheHits", hits.GetCounter().GetValue(),
		"cacheMisses", misses.GetCounter().GetValue(),
	)
}
