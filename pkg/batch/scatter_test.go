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

package batch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedserve/batchrouter/pkg/batch"
)

// buildOutputs returns a deterministic [T, D] tensor where row i is filled
// with the constant value float32(i), so sums/means are easy to check.
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

func TestScatterClsPoolingWithRawCoexistence(t *testing.T) {
	b := batch.New([]batch.Member{
		seqMember(3, true, false),
		seqMember(4, true, false),
		seqMember(3, false, true),
	})
	outputs := buildOutputs(10, 2)

	pooled, raw := batch.Scatter(outputs, b, batch.Cls)

	require.NotNil(t, pooled)
	require.NotNil(t, raw)
	assert.Equal(t, outputs.Row(0), pooled.Row(0))
	assert.Equal(t, outputs.Row(3), pooled.Row(1))
	assert.Equal(t, outputs.Data[7*2:10*2], raw.Data)
}

func TestScatterMeanPoolingDivisorIsTrueLength(t *testing.T) {
	b := batch.New([]batch.Member{seqMember(5, true, false)})
	outputs := buildOutputs(5, 1)

	pooled, raw := batch.Scatter(outputs, b, batch.Mean)
	require.NotNil(t, pooled)
	assert.Nil(t, raw)

	// sum(0..4) / 5 = 10/5 = 2, never divided by max_s.
	assert.InDelta(t, 2.0, pooled.Row(0)[0], 1e-6)
}

func TestScatterMeanPoolingSingleMemberIsIdempotent(t *testing.T) {
	b := batch.New([]batch.Member{seqMember(1, true, false)})
	outputs := buildOutputs(1, 3)
	outputs.Row(0)[0], outputs.Row(0)[1], outputs.Row(0)[2] = 7, 8, 9

	pooled, _ := batch.Scatter(outputs, b, batch.Mean)
	assert.Equal(t, []float32{7, 8, 9}, pooled.Row(0))
}

func TestScatterClsPoolingSingleMemberIsIdempotent(t *testing.T) {
	b := batch.New([]batch.Member{seqMember(1, true, false)})
	outputs := buildOutputs(1, 3)
	outputs.Row(0)[0], outputs.Row(0)[1], outputs.Row(0)[2] = 7, 8, 9

	pooled, _ := batch.Scatter(outputs, b, batch.Cls)
	assert.Equal(t, []float32{7, 8, 9}, pooled.Row(0))
}

func TestScatterRawRoundTripWhenEveryMemberWantsRaw(t *testing.T) {
	b := batch.New([]batch.Member{
		seqMember(3, false, true),
		seqMember(4, false, true),
	})
	outputs := buildOutputs(7, 2)

	pooled, raw := batch.Scatter(outputs, b, batch.Mean)
	assert.Nil(t, pooled)
	require.NotNil(t, raw)
	assert.Same(t, outputs, raw)
}

func TestScatterPanicsOnSplade(t *testing.T) {
	b := batch.New([]batch.Member{seqMember(2, true, false)})
	outputs := buildOutputs(2, 1)
	assert.Panics(t, func() {
		batch.Scatter(outputs, b, batch.Splade)
	})
}
