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

package queue

import (
	"context"
	"errors"
	"sync"

	"k8s.io/klog/v2"

	"github.com/embedserve/batchrouter/pkg/batch"
	"github.com/embedserve/batchrouter/pkg/batcherr"
	"github.com/embedserve/batchrouter/pkg/metrics"
	"github.com/embedserve/batchrouter/pkg/utils"
	"github.com/embedserve/batchrouter/pkg/utils/logging"
)

// ErrClosed is returned by NextBatch once the Queue has been Close()d and
// drained. Callers parked in NextBatch wake up with this error instead of
// spinning on a (nil, nil, nil) result forever.
var ErrClosed = errors.New("queue: closed")

// Config holds the Queue's batching policy.
type Config struct {
	// PaddedModel, when true, requires every member of a batch to share an
	// equal padded length; tokens_used is then max_length * member_count.
	// When false (the packed-attention path), tokens_used is the sum of
	// true member lengths.
	PaddedModel bool `json:"paddedModel"`
	// MaxBatchTokens is the hard upper bound on tokens_used per batch.
	MaxBatchTokens int `json:"maxBatchTokens"`
	// MaxBatchRequests optionally caps member count per batch.
	MaxBatchRequests *int `json:"maxBatchRequests,omitempty"`
}

// DefaultConfig returns the text-embeddings-inference defaults.
func DefaultConfig() *Config {
	return &Config{
		PaddedModel:    false,
		MaxBatchTokens: 16384,
	}
}

// Queue is a FIFO list of not-yet-batched entries. A single mutex protects
// the list and the batching cursor; critical sections are append and
// pop-batch only, both O(batch size). Producers wake the batcher through
// notify, a 1-buffered channel: the queue transitioning from empty to
// non-empty (or any later append once the worker has signaled readiness)
// fills it, and NextBatch drains it before re-scanning.
type Queue struct {
	cfg *Config

	mu      sync.Mutex
	entries []*Entry
	closed  bool

	notify chan struct{}
}

// New constructs an empty Queue.
func New(cfg *Config) *Queue {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Queue{cfg: cfg, notify: make(chan struct{}, 1)}
}

// Append pushes entry to the tail and wakes anyone waiting on NextBatch.
// It never blocks.
func (q *Queue) Append(e *Entry) {
	q.mu.Lock()
	q.entries = append(q.entries, e)
	depth := len(q.entries)
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Depth returns the current pending queue depth, for metrics.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close unblocks any goroutine parked in NextBatch. Safe to call once at
// shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// NextBatch blocks until at least one entry is pending (or ctx is done or
// the Queue is closed), then pops entries from the head in FIFO order until
// adding the next one would exceed max_batch_tokens or max_batch_requests.
// It retries after dropping an oversized head-of-line entry so a single
// misconfigured request cannot wedge the queue forever. Once the Queue has
// been Close()d and drained, NextBatch returns ErrClosed instead of blocking
// forever or busy-spinning on an empty result.
func (q *Queue) NextBatch(ctx context.Context) (*batch.Batch, []*Entry, error) {
	for {
		popped, err := q.popBatchable(ctx)
		if err != nil {
			return nil, nil, err
		}

		if len(popped) == 0 {
			// The head entry alone violated the budget: dropped as
			// BatchTooLarge inside popBatchable. Loop to try the new head.
			continue
		}

		members := utils.SliceMap(popped, (*Entry).member)

		return batch.New(members), popped, nil
	}
}

// popBatchable waits for a non-empty queue then runs one bounded FIFO scan.
// Returns ErrClosed once the queue is closed and has nothing left to drain.
// Returns (empty slice, nil) if the head entry alone was dropped as
// BatchTooLarge — callers should retry.
func (q *Queue) popBatchable(ctx context.Context) ([]*Entry, error) {
	for {
		q.mu.Lock()
		empty := len(q.entries) == 0
		closed := q.closed
		q.mu.Unlock()

		if !empty || closed {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		if q.closed {
			return nil, ErrClosed
		}
		return nil, nil
	}

	head := q.entries[0]
	if q.wouldOverflowAlone(head) {
		q.entries = q.entries[1:]
		metrics.QueueDepth.Set(float64(len(q.entries)))
		klog.V(logging.DEBUG).InfoS("dropping oversized entry", "length", head.Len(),
			"maxBatchTokens", q.cfg.MaxBatchTokens)
		head.fail(&batcherr.BatchTooLarge{EntryTokens: head.Len(), MaxBatchTokens: q.cfg.MaxBatchTokens})
		return []*Entry{}, nil
	}

	var (
		memberCount int
		maxLen      int
		tokensUsed  int
		n           int
	)
	for n = 0; n < len(q.entries); n++ {
		e := q.entries[n]

		if q.cfg.MaxBatchRequests != nil && memberCount+1 > *q.cfg.MaxBatchRequests {
			break
		}

		candidateMemberCount := memberCount + 1
		candidateMaxLen := maxLen
		if e.Len() > candidateMaxLen {
			candidateMaxLen = e.Len()
		}

		var candidateTokensUsed int
		if q.cfg.PaddedModel {
			candidateTokensUsed = candidateMaxLen * candidateMemberCount
		} else {
			candidateTokensUsed = tokensUsed + e.Len()
		}

		if candidateTokensUsed > q.cfg.MaxBatchTokens {
			break
		}

		memberCount = candidateMemberCount
		maxLen = candidateMaxLen
		tokensUsed = candidateTokensUsed
	}

	popped := make([]*Entry, n)
	copy(popped, q.entries[:n])
	q.entries = q.entries[n:]

	metrics.QueueDepth.Set(float64(len(q.entries)))
	metrics.ObserveBatch(tokensUsed, q.cfg.MaxBatchTokens, memberCount)

	klog.V(logging.TRACE).InfoS("formed batch", "members", n, "tokensUsed", tokensUsed,
		"maxBatchTokens", q.cfg.MaxBatchTokens)

	return popped, nil
}

// wouldOverflowAlone reports whether e alone already violates the token
// budget (the request-count budget is never violated by a single entry,
// and padded-vs-packed tokens_used coincide for a batch of one).
func (q *Queue) wouldOverflowAlone(e *Entry) bool {
	return e.Len() > q.cfg.MaxBatchTokens
}
