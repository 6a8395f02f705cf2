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

// Package batch defines the packed-batch execution contract: the
// cumulative-sequence-length data layout the backend consumes, and the
// pooled/raw output scatter back to batch members.
package batch

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Pool is the pooling operator applied to a sequence's token rows.
type Pool int

const (
	// Cls pools by taking the first token of the sequence.
	Cls Pool = iota
	// Mean pools by averaging every token of the sequence, dividing by the
	// true sequence length (never max_s).
	Mean
	// Splade is rejected at load time for this model family.
	Splade
)

func (p Pool) String() string {
	switch p {
	case Cls:
		return "cls"
	case Mean:
		return "mean"
	case Splade:
		return "splade"
	default:
		return "unknown"
	}
}

// Member is the per-entry data a Batch packs together, indexed by its scan
// position within the batch.
type Member struct {
	InputIDs     []uint32
	TokenTypeIDs []uint32
	PositionIDs  []uint32
	Pooled       bool
	Raw          bool
}

// Batch is the transient packed execution unit the Queue constructs and the
// Backend consumes. All slices are concatenations of member sequences in
// scan (FIFO-pop) order.
type Batch struct {
	InputIDs     []uint32
	TokenTypeIDs []uint32
	PositionIDs  []uint32

	// CuSeqlens is the cumulative sequence-length offset vector.
	// CuSeqlens[0] == 0, CuSeqlens[len-1] == len(InputIDs), strictly
	// non-decreasing.
	CuSeqlens []int32

	// MaxS is the maximum member sequence length. Kernels assume it equals
	// the true max; it must be set exactly.
	MaxS int32

	// PooledIndices and RawIndices are ascending member indices, built so
	// that every member index in [0, len) appears in at least one of them.
	PooledIndices []int
	RawIndices    []int
}

// New packs members into a Batch in the given order. It panics if any
// invariant is violated — callers (the Queue) are expected to have already
// validated each Entry before admitting it as a Member.
func New(members []Member) *Batch {
	b := &Batch{
		CuSeqlens: make([]int32, 0, len(members)+1),
	}
	b.CuSeqlens = append(b.CuSeqlens, 0)

	pooled := sets.New[int]()
	raw := sets.New[int]()
	all := sets.New[int]()

	var offset int32
	var maxLen int32
	for i, m := range members {
		l := len(m.InputIDs)
		if l == 0 {
			panic("batch: zero-length member sequence")
		}
		if len(m.TokenTypeIDs) != l || len(m.PositionIDs) != l {
			panic("batch: member sequence length mismatch")
		}
		if !m.Pooled && !m.Raw {
			panic("batch: member requests neither pooled nor raw output")
		}

		b.InputIDs = append(b.InputIDs, m.InputIDs...)
		b.TokenTypeIDs = append(b.TokenTypeIDs, m.TokenTypeIDs...)
		b.PositionIDs = append(b.PositionIDs, m.PositionIDs...)

		offset += int32(l)
		b.CuSeqlens = append(b.CuSeqlens, offset)

		if int32(l) > maxLen {
			maxLen = int32(l)
		}

		all.Insert(i)
		if m.Pooled {
			pooled.Insert(i)
			b.PooledIndices = append(b.PooledIndices, i)
		}
		if m.Raw {
			raw.Insert(i)
			b.RawIndices = append(b.RawIndices, i)
		}
	}

	if !all.IsSuperset(sets.Union(pooled, raw)) || all.Len() != sets.Union(pooled, raw).Len() {
		panic(fmt.Sprintf("batch: pooled_indices ∪ raw_indices must equal {0..%d}", len(members)))
	}

	b.MaxS = maxLen

	return b
}

// Len returns the member count of the batch.
func (b *Batch) Len() int {
	if len(b.CuSeqlens) == 0 {
		return 0
	}
	return len(b.CuSeqlens) - 1
}

// MemberLen returns the true sequence length of member i.
func (b *Batch) MemberLen(i int) int32 {
	return b.CuSeqlens[i+1] - b.CuSeqlens[i]
}
