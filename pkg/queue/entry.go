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

// Package queue holds tokenized, not-yet-executed entries and forms them
// into packed batches subject to a token budget, an optional request-count
// budget, and the backend's padding policy, in strict FIFO order.
package queue

import (
	"fmt"
	"time"

	"github.com/embedserve/batchrouter/pkg/admission"
	"github.com/embedserve/batchrouter/pkg/batch"
)

// Result is what a fulfilled Entry's Reply channel carries: an optional
// pooled row and/or optional raw rows, or an error.
type Result struct {
	Pooled []float32
	Raw    *batch.Tensor
	Err    error
}

// Entry is one tokenized sub-request awaiting inference.
type Entry struct {
	InputIDs     []uint32
	TokenTypeIDs []uint32
	PositionIDs  []uint32

	Pooled bool
	Raw    bool

	Reply chan Result

	Permit admission.Permit

	EnqueueTime time.Time
}

// NewEntry validates and constructs an Entry. L is fixed at creation: every
// slice must share the same length, it must be at least 1, and at least one
// of Pooled/Raw must be requested.
func NewEntry(inputIDs, tokenTypeIDs, positionIDs []uint32, pooled, raw bool, permit admission.Permit) (*Entry, error) {
	l := len(inputIDs)
	if l == 0 {
		return nil, fmt.Errorf("queue: entry must have at least one token")
	}
	if len(tokenTypeIDs) != l || len(positionIDs) != l {
		return nil, fmt.Errorf("queue: entry sequence length mismatch: input_ids=%d token_type_ids=%d position_ids=%d",
			l, len(tokenTypeIDs), len(positionIDs))
	}
	if !pooled && !raw {
		return nil, fmt.Errorf("queue: entry must request pooled and/or raw output")
	}

	return &Entry{
		InputIDs:     inputIDs,
		TokenTypeIDs: tokenTypeIDs,
		PositionIDs:  positionIDs,
		Pooled:       pooled,
		Raw:          raw,
		Reply:        make(chan Result, 1),
		Permit:       permit,
		EnqueueTime:  time.Now(),
	}, nil
}

// Len returns the entry's sequence length L.
func (e *Entry) Len() int { return len(e.InputIDs) }

// member converts the Entry into a batch.Member for packing.
func (e *Entry) member() batch.Member {
	return batch.Member{
		InputIDs:     e.InputIDs,
		TokenTypeIDs: e.TokenTypeIDs,
		PositionIDs:  e.PositionIDs,
		Pooled:       e.Pooled,
		Raw:          e.Raw,
	}
}

// fail delivers err on the Entry's reply channel (tolerating an abandoned
// receiver) and releases its permit exactly once.
func (e *Entry) fail(err error) {
	select {
	case e.Reply <- Result{Err: err}:
	default:
	}
	close(e.Reply)
	if e.Permit != nil {
		e.Permit.Release()
	}
}
