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

package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedserve/batchrouter/pkg/batch"
	"github.com/embedserve/batchrouter/pkg/queue"
)

func buildOutputs(total, cols int) *batch.Tensor {
	out := batch.NewTensor(total, cols)
	for i := 0; i < total; i++ {
		row := out.Row(i)
		for c := range row {
			row[c] = float32(i)
		}
	}
	return out
}

func TestDeliverScatterGatherRoundTrip(t *testing.T) {
	q := queue.New(&queue.Config{MaxBatchTokens: 1000})
	e1 := newEntry(t, 3, false, true)
	e2 := newEntry(t, 4, false, true)
	q.Append(e1)
	q.Append(e2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	b, members, err := q.NextBatch(ctx)
	require.NoError(t, err)

	outputs := buildOutputs(7, 2)
	pooled, raw := batch.Scatter(outputs, b, batch.Mean)
	assert.Nil(t, pooled)

	queue.Deliver(members, b, pooled, raw)

	res1 := <-e1.Reply
	res2 := <-e2.Reply
	require.NoError(t, res1.Err)
	require.NoError(t, res2.Err)

	assert.Equal(t, outputs.Data[0:3*2], res1.Raw.Data)
	assert.Equal(t, outputs.Data[3*2:7*2], res2.Raw.Data)
}

func TestDeliverPooledAndRawCoexistence(t *testing.T) {
	q := queue.New(&queue.Config{MaxBatchTokens: 1000})
	e1 := newEntry(t, 3, true, false)
	e2 := newEntry(t, 4, true, false)
	e3 := newEntry(t, 3, false, true)
	q.Append(e1)
	q.Append(e2)
	q.Append(e3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, members, err := q.NextBatch(ctx)
	require.NoError(t, err)

	outputs := buildOutputs(10, 1)
	pooled, raw := batch.Scatter(outputs, b, batch.Cls)
	queue.Deliver(members, b, pooled, raw)

	res1 := <-e1.Reply
	res2 := <-e2.Reply
	res3 := <-e3.Reply

	assert.Equal(t, []float32{0}, res1.Pooled)
	assert.Equal(t, []float32{3}, res2.Pooled)
	assert.Nil(t, res3.Pooled)
	require.NotNil(t, res3.Raw)
	assert.Equal(t, outputs.Data[7:10], res3.Raw.Data)
}

func TestDeliverErrorFailsEveryMember(t *testing.T) {
	q := queue.New(&queue.Config{MaxBatchTokens: 1000})
	e1 := newEntry(t, 3, true, false)
	e2 := newEntry(t, 4, true, false)
	q.Append(e1)
	q.Append(e2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, members, err := q.NextBatch(ctx)
	require.NoError(t, err)

	backendErr := assert.AnError
	queue.DeliverError(members, backendErr)

	res1 := <-e1.Reply
	res2 := <-e2.Reply
	assert.ErrorIs(t, res1.Err, backendErr)
	assert.ErrorIs(t, res2.Err, backendErr)
}

func TestDeliverToleratesAbandonedReplyChannel(t *testing.T) {
	q := queue.New(&queue.Config{MaxBatchTokens: 1000})
	e1 := newEntry(t, 2, true, false)
	q.Append(e1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, members, err := q.NextBatch(ctx)
	require.NoError(t, err)

	outputs := buildOutputs(2, 1)
	pooled, raw := batch.Scatter(outputs, b, batch.Cls)

	// Caller abandoned interest; nobody ever reads e1.Reply before Deliver.
	assert.NotPanics(t, func() {
		queue.Deliver(members, b, pooled, raw)
	})
}
