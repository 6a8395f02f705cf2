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

// Tensor is a row-major [Rows, Cols] matrix. It stands in for the packed
// device tensor the real backend produces; the core only ever slices and
// copies rows out of it, never touches device memory directly.
type Tensor struct {
	Data []float32
	Rows int
	Cols int
}

// NewTensor allocates a zeroed Tensor of the given shape.
func NewTensor(rows, cols int) *Tensor {
	return &Tensor{Data: make([]float32, rows*cols), Rows: rows, Cols: cols}
}

// Row returns a slice view over row i. Mutating it mutates the tensor.
func (t *Tensor) Row(i int) []float32 {
	return t.Data[i*t.Cols : (i+1)*t.Cols]
}

// Slice returns copies of rows [lo, hi) as a new Tensor.
func (t *Tensor) Slice(lo, hi int) *Tensor {
	out := NewTensor(hi-lo, t.Cols)
	copy(out.Data, t.Data[lo*t.Cols:hi*t.Cols])
	return out
}

// Gather builds a new Tensor from the given row indices, in order.
func (t *Tensor) Gather(indices []int) *Tensor {
	out := NewTensor(len(indices), t.Cols)
	for dst, src := range indices {
		copy(out.Row(dst), t.Row(src))
	}
	return out
}
