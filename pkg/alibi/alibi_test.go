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

package alibi_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/embedserve/batchrouter/pkg/alibi"
)

func TestHeadSlopesPowerOfTwo(t *testing.T) {
	slopes := alibi.HeadSlopes(8)
	assert.Len(t, slopes, 8)

	start := math.Pow(2, -8.0/8.0)
	for i, s := range slopes {
		want := math.Pow(start, float64(i+1))
		assert.InDelta(t, want, float64(s), 1e-6)
	}

	// Monotonically decreasing.
	for i := 1; i < len(slopes); i++ {
		assert.Less(t, slopes[i], slopes[i-1])
	}
}

func TestHeadSlopesNonPowerOfTwo(t *testing.T) {
	slopes := alibi.HeadSlopes(12)
	assert.Len(t, slopes, 12)
}

func TestHeadSlopesDeterministic(t *testing.T) {
	a := alibi.HeadSlopes(16)
	b := alibi.HeadSlopes(16)
	assert.Equal(t, a, b)
}

func TestHeadSlopesZero(t *testing.T) {
	assert.Nil(t, alibi.HeadSlopes(0))
}
