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

package batch

// Scatter splits a packed [T, D] output tensor into the pooled tensor
// ([|PooledIndices|, D]) and the raw tensor
// (Σ_{i ∈ RawIndices} L_i rows), following the pooling/raw-selection
// contract exactly. pooled or raw is nil when the corresponding index set
// is empty.
func Scatter(outputs *Tensor, b *Batch, pool Pool) (pooled, raw *Tensor) {
	if len(b.PooledIndices) > 0 {
		pooled = scatterPooled(outputs, b, pool)
	}

	if len(b.RawIndices) > 0 {
		raw = scatterRaw(outputs, b)
	}

	return pooled, raw
}

func scatterPooled(outputs *Tensor, b *Batch, pool Pool) *Tensor {
	switch pool {
	case Cls:
		clsRows := make([]int, len(b.PooledIndices))
		for i, member := range b.PooledIndices {
			clsRows[i] = int(b.CuSeqlens[member])
		}
		return outputs.Gather(clsRows)
	case Mean:
		out := NewTensor(len(b.PooledIndices), outputs.Cols)
		for dst, member := range b.PooledIndices {
			lo := int(b.CuSeqlens[member])
			hi := int(b.CuSeqlens[member+1])
			trueLen := float32(hi - lo) // always the true length, never MaxS
			row := out.Row(dst)
			for r := lo; r < hi; r++ {
				src := outputs.Row(r)
				for c := range row {
					row[c] += src[c]
				}
			}
			for c := range row {
				row[c] /= trueLen
			}
		}
		return out
	case Splade:
		panic("batch: Splade pooling is rejected for this model family")
	default:
		panic("batch: unknown pool")
	}
}

func scatterRaw(outputs *Tensor, b *Batch) *Tensor {
	everyoneWantsRaw := len(b.RawIndices) == b.Len()
	if everyoneWantsRaw || b.Len() == 1 {
		// No reordering needed: the concatenated raw rows equal outputs
		// exactly, so no copy is required.
		return outputs
	}

	var rows []int
	for _, member := range b.RawIndices {
		lo := int(b.CuSeqlens[member])
		hi := int(b.CuSeqlens[member+1])
		for r := lo; r < hi; r++ {
			rows = append(rows, r)
		}
	}

	return outputs.Gather(rows)
}
