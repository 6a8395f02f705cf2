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

import "github.com/embedserve/batchrouter/pkg/batch"

// Deliver slices the batch-level pooled/raw outputs back out per member and
// sends each member's Result on its reply channel, releasing its permit
// exactly once. A member whose reply channel has already been abandoned
// (the caller dropped its future) still has its rows computed above — this
// just skips the blocked send, per the cancellation contract.
func Deliver(members []*Entry, b *batch.Batch, pooled, raw *batch.Tensor) {
	pooledRow := make(map[int]int, len(b.PooledIndices))
	for row, member := range b.PooledIndices {
		pooledRow[member] = row
	}

	rawRowOf := rawRowIndex(b)

	for i, e := range members {
		res := Result{}

		if e.Pooled && pooled != nil {
			if row, ok := pooledRow[i]; ok {
				res.Pooled = append([]float32(nil), pooled.Row(row)...)
			}
		}

		if e.Raw && raw != nil {
			if lo, hi, ok := rawRowOf(i); ok {
				res.Raw = raw.Slice(lo, hi)
			}
		}

		deliverOne(e, res)
	}
}

// DeliverError fails every member of a batch with the same error — used
// when the backend dispatch itself fails (spec: a failed dispatch fails
// every member of the affected batch collectively).
func DeliverError(members []*Entry, err error) {
	for _, e := range members {
		e.fail(err)
	}
}

func deliverOne(e *Entry, res Result) {
	select {
	case e.Reply <- res:
	default:
	}
	close(e.Reply)
	if e.Permit != nil {
		e.Permit.Release()
	}
}

// rawRowIndex returns a closure mapping a member index that wants raw
// output to the [lo, hi) row range it occupies within the raw tensor. When
// every member wants raw (or the batch has one member) the raw tensor is
// the untouched outputs tensor, so the range is the member's own
// cu_seqlens span; otherwise it's the member's position within the dense
// concatenation of only the raw-requesting members' spans.
func rawRowIndex(b *batch.Batch) func(member int) (lo, hi int, ok bool) {
	everyoneWantsRaw := len(b.RawIndices) == b.Len()

	if everyoneWantsRaw || b.Len() == 1 {
		return func(member int) (int, int, bool) {
			for _, m := range b.RawIndices {
				if m == member {
					return int(b.CuSeqlens[m]), int(b.CuSeqlens[m+1]), true
				}
			}
			return 0, 0, false
		}
	}

	offsets := make(map[int]int, len(b.RawIndices))
	cursor := 0
	for _, m := range b.RawIndices {
		offsets[m] = cursor
		cursor += int(b.MemberLen(m))
	}

	return func(member int) (int, int, bool) {
		start, ok := offsets[member]
		if !ok {
			return 0, 0, false
		}
		return start, start + int(b.MemberLen(member)), true
	}
}
