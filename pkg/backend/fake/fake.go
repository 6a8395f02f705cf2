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

// Package fake provides an in-memory, CPU-only reference Backend. It is not
// a transformer implementation — it computes a fixed value per token id
// ((id mod 1000) / 1000, broadcast across the hidden dimension) — just
// enough determinism to exercise the full scatter/gather contract and the
// Worker's health-probe/dispatch loop in tests without a real model.
package fake

import (
	"context"
	"fmt"

	"github.com/embedserve/batchrouter/pkg/batch"
	"github.com/embedserve/batchrouter/pkg/backend"
)

// Backend is a deterministic reference implementation of backend.Backend.
type Backend struct {
	Dim int

	loaded    bool
	padded    bool
	maxBatch  *int
	failNext  bool
	modelType backend.ModelType
}

// New returns a fake Backend with hidden dimension dim.
func New(dim int) *Backend {
	return &Backend{Dim: dim}
}

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) Load(_ context.Context, _ string, _ backend.DType, modelType backend.ModelType) error {
	b.loaded = true
	b.modelType = modelType
	return nil
}

func (b *Backend) Health(ctx context.Context) error {
	if !b.loaded {
		return fmt.Errorf("fake backend: not loaded")
	}
	sentinel := batch.New([]batch.Member{{
		InputIDs:     []uint32{0},
		TokenTypeIDs: []uint32{0},
		PositionIDs:  []uint32{0},
		Pooled:       true,
	}})
	_, _, err := b.Forward(ctx, sentinel)
	return err
}

// FailNext makes the next Forward call return an error, for exercising the
// BackendError fan-out path in tests.
func (b *Backend) FailNext() { b.failNext = true }

func (b *Backend) Forward(_ context.Context, bt *batch.Batch) (pooled, raw *batch.Tensor, err error) {
	if b.failNext {
		b.failNext = false
		return nil, nil, fmt.Errorf("fake backend: injected failure")
	}

	total := int(bt.CuSeqlens[bt.Len()])
	outputs := batch.NewTensor(total, b.Dim)
	for i := 0; i < total; i++ {
		id := bt.InputIDs[i]
		row := outputs.Row(i)
		for c := range row {
			row[c] = float32(id%1000) / 1000.0
		}
	}

	pool := b.modelType.Pool
	pooled, raw = batch.Scatter(outputs, bt, pool)
	return pooled, raw, nil
}

func (b *Backend) PaddedModel() bool  { return b.padded }
func (b *Backend) MaxBatchSize() *int { return b.maxBatch }
func (b *Backend) SetPadded(p bool)   { b.padded = p }
func (b *Backend) SetMaxBatchSize(n int) {
	b.maxBatch = &n
}
