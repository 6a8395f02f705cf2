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

// Package backend defines the black-box model plug-in point: it maps a
// packed batch to pooled/raw output tensors. The transformer layer math
// itself — layer norms, linear projections, the specific architecture
// variant — is never implemented here; backend.Backend is the seam where
// that lives, outside this module.
package backend

import (
	"context"

	"github.com/embedserve/batchrouter/pkg/batch"
)

// DType is the numeric precision the backend was asked to run in.
type DType int

const (
	Float16 DType = iota
	Float32
	BFloat16
)

// ModelType distinguishes embedding models (with a Pool) from classifiers.
type ModelType struct {
	Classifier bool
	Pool       batch.Pool
}

// Backend is the model plug-in point. A single Worker owns one Backend
// exclusively; no other goroutine may touch it.
type Backend interface {
	// Load prepares the model for inference. It may fail with a ModelLoad
	// error (unsupported architecture, missing device, dtype mismatch).
	Load(ctx context.Context, root string, dtype DType, modelType ModelType) error

	// Health runs a cheap sentinel forward pass to verify the model loaded
	// correctly and the device matches what was requested.
	Health(ctx context.Context) error

	// Forward executes one packed batch and returns the pooled tensor
	// ([|PooledIndices|, D]) and/or the raw tensor
	// (Σ_{i ∈ RawIndices} L_i rows), per the batch's index sets.
	Forward(ctx context.Context, b *batch.Batch) (pooled, raw *batch.Tensor, err error)

	// PaddedModel reports whether this backend requires equal-length,
	// padded batches (true) or accepts packed variable-length batches
	// (false).
	PaddedModel() bool

	// MaxBatchSize optionally caps the member count of any batch handed to
	// Forward. nil means no cap beyond the Queue's own configuration.
	MaxBatchSize() *int
}
