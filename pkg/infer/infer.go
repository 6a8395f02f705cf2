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

// Package infer is the single entry point external callers use: it ties
// admission control, tokenization, and queueing together behind one
// Embed call and guarantees every permit it hands out is released exactly
// once, however the request terminates.
package infer

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/embedserve/batchrouter/pkg/admission"
	"github.com/embedserve/batchrouter/pkg/batcherr"
	"github.com/embedserve/batchrouter/pkg/cache"
	"github.com/embedserve/batchrouter/pkg/modelinfo"
	"github.com/embedserve/batchrouter/pkg/queue"
	"github.com/embedserve/batchrouter/pkg/tokenization"
	"github.com/embedserve/batchrouter/pkg/utils"
	"github.com/embedserve/batchrouter/pkg/utils/logging"
)

// defaultMaxClientBatchSize matches the original implementation's
// --max-client-batch-size default.
const defaultMaxClientBatchSize = 32

// Config configures the Infer facade.
type Config struct {
	// MaxClientBatchSize caps how many texts one Embed/EmbedBatch call may
	// submit at once.
	MaxClientBatchSize int `json:"maxClientBatchSize"`
}

// DefaultConfig returns the original implementation's default.
func DefaultConfig() *Config {
	return &Config{MaxClientBatchSize: defaultMaxClientBatchSize}
}

// Result is one text's resolved embedding output.
type Result struct {
	Pooled []float32
	Raw    *RawOutput
}

// RawOutput is the per-token output for one input, when requested.
type RawOutput struct {
	Data []float32
	Rows int
	Cols int
}

// Infer is the facade external callers use to submit text for embedding.
type Infer struct {
	cfg       *Config
	admission admission.Pool
	tokenizer *tokenization.Pool
	info      *modelinfo.Info
	modelName string
	cache     *cache.Cache
}

// New builds an Infer facade. tokenizer must already be running (Run
// called on its own goroutine) against the Queue a Worker is draining.
func New(cfg *Config, pool admission.Pool, tokenizer *tokenization.Pool, info *modelinfo.Info, modelName string, respCache *cache.Cache) *Infer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Infer{
		cfg:       cfg,
		admission: pool,
		tokenizer: tokenizer,
		info:      info,
		modelName: modelName,
		cache:     respCache,
	}
}

// Embed tokenizes and batches one text, blocking until a pooled and/or raw
// result is available or ctx is cancelled. If ctx is cancelled while the
// Entry is queued, the permit is released directly here — safe even if the
// backend later also releases it on the same Entry, since every Permit
// implementation's Release is idempotent. If ctx is cancelled while
// tokenization is still running, the tokenization worker keeps the permit
// and it is released on whichever terminal path the task takes.
func (inf *Infer) Embed(ctx context.Context, text string, pooled, raw, truncate bool) (Result, error) {
	if inf.cache != nil {
		key := cache.Key(inf.modelName, text, pooled, raw, truncate)
		if hit, ok := inf.cache.Get(key); ok {
			return resultFromCacheEntry(hit), nil
		}
	}

	permit, err := inf.admission.Acquire(ctx)
	if err != nil {
		return Result{}, err
	}

	task := &tokenization.Task{
		Text:           text,
		ModelName:      inf.modelName,
		Pooled:         pooled,
		Raw:            raw,
		Truncate:       truncate,
		PositionOffset: inf.info.PositionOffset,
		MaxInputLength: inf.info.MaxInputLength,
		Permit:         permit,
		Reply:          make(chan tokenization.TaskResult, 1),
	}
	inf.tokenizer.Submit(task)

	var tokRes tokenization.TaskResult
	select {
	case tokRes = <-task.Reply:
	case <-ctx.Done():
		// The tokenization worker still owns the permit until it replies;
		// it will release it itself on whichever path the task takes.
		return Result{}, ctx.Err()
	}
	if tokRes.Err != nil {
		return Result{}, tokRes.Err
	}

	entry := tokRes.Entry
	select {
	case res := <-entry.Reply:
		if res.Err != nil {
			return Result{}, res.Err
		}
		out := resultFromQueueResult(res)
		inf.maybeCache(text, pooled, raw, truncate, out)
		return out, nil
	case <-ctx.Done():
		if entry.Permit != nil {
			entry.Permit.Release()
		}
		klog.V(logging.DEBUG).InfoS("embed cancelled while queued", "model", inf.modelName)
		return Result{}, ctx.Err()
	}
}

// EmbedBatch tokenizes and batches every text in texts, preserving order in
// the returned slice. It enforces MaxClientBatchSize before submitting any
// entry so an oversized client call fails atomically rather than partially.
func (inf *Infer) EmbedBatch(ctx context.Context, texts []string, pooled, raw, truncate bool) ([]Result, error) {
	if len(texts) > inf.cfg.MaxClientBatchSize {
		return nil, &batcherr.InputTooLong{Length: len(texts), MaxLength: inf.cfg.MaxClientBatchSize}
	}

	results, err := utils.SliceMapE(texts, func(text string) (Result, error) {
		return inf.Embed(ctx, text, pooled, raw, truncate)
	})
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}
	return results, nil
}

func (inf *Infer) maybeCache(text string, pooled, raw, truncate bool, out Result) {
	if inf.cache == nil {
		return
	}
	entry := &cache.Entry{Pooled: out.Pooled}
	if out.Raw != nil {
		entry.RawData = out.Raw.Data
		entry.RawRows = out.Raw.Rows
		entry.RawCols = out.Raw.Cols
	}
	inf.cache.Set(cache.Key(inf.modelName, text, pooled, raw, truncate), entry)
}

func resultFromQueueResult(res queue.Result) Result {
	out := Result{Pooled: res.Pooled}
	if res.Raw != nil {
		out.Raw = &RawOutput{Data: res.Raw.Data, Rows: res.Raw.Rows, Cols: res.Raw.Cols}
	}
	return out
}

func resultFromCacheEntry(e *cache.Entry) Result {
	out := Result{Pooled: e.Pooled}
	if e.RawRows > 0 {
		out.Raw = &RawOutput{Data: e.RawData, Rows: e.RawRows, Cols: e.RawCols}
	}
	return out
}
