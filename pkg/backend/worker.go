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

package backend

import (
	"context"
	"errors"
	"time"

	"k8s.io/klog/v2"

	"github.com/embedserve/batchrouter/pkg/batch"
	"github.com/embedserve/batchrouter/pkg/batcherr"
	"github.com/embedserve/batchrouter/pkg/metrics"
	"github.com/embedserve/batchrouter/pkg/queue"
	"github.com/embedserve/batchrouter/pkg/utils/logging"
)

// Worker serializes access to a single Backend: it is the only goroutine
// that ever touches it. Dispatch is strictly serial per Worker; parallelism
// comes from batch size, not worker count. Implementations targeting
// multiple devices should run one Worker-plus-Queue pair per device.
type Worker struct {
	backend Backend
	queue   *queue.Queue
	pool    batch.Pool
}

// NewWorker builds a Worker. Callers must call Run, which performs the
// Health probe itself, to start draining q.
func NewWorker(b Backend, q *queue.Queue, pool batch.Pool) *Worker {
	return &Worker{backend: b, queue: q, pool: pool}
}

// Run performs the startup health probe, then loops: await a non-empty
// queue, pop the next batch, dispatch it, scatter outputs to replies, and
// release every member's permit. It returns nil once the queue is closed and
// drained, and returns ctx.Err() once ctx is done. A dispatch failure fails
// every member of the affected batch with BackendError and the loop
// continues with the next batch — it never panics out.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.backend.Health(ctx); err != nil {
		return &batcherr.ModelLoad{Root: "<health-probe>", Err: err}
	}
	klog.InfoS("backend health probe passed")

	for {
		b, members, err := w.queue.NextBatch(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				klog.InfoS("queue closed and drained, worker stopping")
				return nil
			}
			return err
		}
		if b == nil {
			// NextBatch retries internally after dropping an oversized head
			// entry and does not return a nil batch without an error; this
			// guard loops again unless ctx is done.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		w.dispatch(ctx, b, members)
	}
}

func (w *Worker) dispatch(ctx context.Context, b *batch.Batch, members []*queue.Entry) {
	start := time.Now()
	pooled, raw, err := w.backend.Forward(ctx, b)
	metrics.BackendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BackendErrors.Inc()
		klog.ErrorS(err, "backend dispatch failed, failing every member of the batch",
			"batchSize", b.Len())
		queue.DeliverError(members, &batcherr.BackendError{BatchSize: b.Len(), Err: err})
		return
	}

	klog.V(logging.DEBUG).InfoS("dispatched batch", "members", b.Len(), "tokens", len(b.InputIDs))
	queue.Deliver(members, b, pooled, raw)
}
