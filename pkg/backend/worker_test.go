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

package backend_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedserve/batchrouter/pkg/admission"
	backendiface "github.com/embedserve/batchrouter/pkg/backend"
	"github.com/embedserve/batchrouter/pkg/backend/fake"
	"github.com/embedserve/batchrouter/pkg/batch"
	"github.com/embedserve/batchrouter/pkg/queue"
)

func newLoadedFake(t *testing.T, pool batch.Pool) *fake.Backend {
	t.Helper()
	b := fake.New(4)
	require.NoError(t, b.Load(context.Background(), "/models/x", backendiface.Float32, backendiface.ModelType{Pool: pool}))
	return b
}

func TestWorkerDispatchesAndDelivers(t *testing.T) {
	q := queue.New(&queue.Config{MaxBatchTokens: 1000})
	fb := newLoadedFake(t, batch.Cls)
	w := backendiface.NewWorker(fb, q, batch.Cls)

	e1, err := queue.NewEntry([]uint32{1, 2}, []uint32{0, 0}, []uint32{0, 1}, true, false, admission.NoopPermit{})
	require.NoError(t, err)
	q.Append(e1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case res := <-e1.Reply:
		require.NoError(t, res.Err)
		require.Len(t, res.Pooled, 4)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}

	cancel()
	<-done
}

func TestWorkerFailsEveryMemberOnBackendError(t *testing.T) {
	q := queue.New(&queue.Config{MaxBatchTokens: 1000})
	fb := newLoadedFake(t, batch.Mean)
	fb.FailNext()
	w := backendiface.NewWorker(fb, q, batch.Mean)

	e1, err := queue.NewEntry([]uint32{1, 2}, []uint32{0, 0}, []uint32{0, 1}, true, false, admission.NoopPermit{})
	require.NoError(t, err)
	q.Append(e1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case res := <-e1.Reply:
		assert.Error(t, res.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}

	cancel()
	<-done
}

func TestWorkerStopsGracefullyWhenQueueClosed(t *testing.T) {
	q := queue.New(&queue.Config{MaxBatchTokens: 1000})
	fb := newLoadedFake(t, batch.Cls)
	w := backendiface.NewWorker(fb, q, batch.Cls)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	q.Close()

	select {
	case err := <-done:
		require.NoError(t, err, "a closed, empty queue must stop the worker, not busy-spin it")
	case <-time.After(2 * time.Second):
		t.Fatal("worker never stopped after queue.Close()")
	}
}

func TestWorkerReturnsModelLoadErrorOnFailedHealthProbe(t *testing.T) {
	q := queue.New(&queue.Config{MaxBatchTokens: 1000})
	fb := fake.New(4) // never Load()-ed: Health will fail
	w := backendiface.NewWorker(fb, q, batch.Cls)

	err := w.Run(context.Background())
	assert.Error(t, err)
}
