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

package tokenization_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedserve/batchrouter/pkg/admission"
	"github.com/embedserve/batchrouter/pkg/batcherr"
	"github.com/embedserve/batchrouter/pkg/queue"
	"github.com/embedserve/batchrouter/pkg/tokenization"
)

// stubTokenizer returns one token id per byte of text, deterministic and
// CGo-free.
type stubTokenizer struct {
	failModel string
}

func (s *stubTokenizer) Encode(text, modelName string) ([]uint32, []uint32, error) {
	if modelName == s.failModel {
		return nil, nil, fmt.Errorf("stub: model not found")
	}
	n := len(text)
	if n == 0 {
		n = 1
	}
	ids := make([]uint32, n)
	typeIDs := make([]uint32, n)
	for i := range ids {
		ids[i] = uint32(i + 1)
	}
	return ids, typeIDs, nil
}

func runPool(t *testing.T, p *tokenization.Pool) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()
	return func() {
		cancel()
		<-done
	}
}

func TestPoolTokenizesAndAppendsToQueue(t *testing.T) {
	q := queue.New(&queue.Config{MaxBatchTokens: 1000})
	p := tokenization.NewPool(&tokenization.Config{WorkersCount: 2}, &stubTokenizer{}, q)
	stop := runPool(t, p)
	defer stop()

	task := &tokenization.Task{
		Text: "hello", ModelName: "m", Pooled: true,
		MaxInputLength: 100,
		Permit:         admission.NoopPermit{},
		Reply:          make(chan tokenization.TaskResult, 1),
	}
	p.Submit(task)

	select {
	case res := <-task.Reply:
		require.NoError(t, res.Err)
		require.NotNil(t, res.Entry)
		assert.Equal(t, 5, res.Entry.Len())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tokenization result")
	}

	assert.Equal(t, 1, q.Depth())
}

func TestPoolFailsOnTokenizerError(t *testing.T) {
	q := queue.New(&queue.Config{MaxBatchTokens: 1000})
	p := tokenization.NewPool(&tokenization.Config{WorkersCount: 1}, &stubTokenizer{failModel: "bad"}, q)
	stop := runPool(t, p)
	defer stop()

	task := &tokenization.Task{
		Text: "hello", ModelName: "bad", Pooled: true,
		MaxInputLength: 100,
		Permit:         admission.NoopPermit{},
		Reply:          make(chan tokenization.TaskResult, 1),
	}
	p.Submit(task)

	select {
	case res := <-task.Reply:
		require.Error(t, res.Err)
		assert.Nil(t, res.Entry)
		var tokErr *batcherr.Tokenization
		assert.ErrorAs(t, res.Err, &tokErr)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tokenization result")
	}

	assert.Equal(t, 0, q.Depth())
}

func TestPoolRejectsInputTooLongWithoutTruncate(t *testing.T) {
	q := queue.New(&queue.Config{MaxBatchTokens: 1000})
	p := tokenization.NewPool(&tokenization.Config{WorkersCount: 1}, &stubTokenizer{}, q)
	stop := runPool(t, p)
	defer stop()

	task := &tokenization.Task{
		Text: "hello world", ModelName: "m", Pooled: true,
		MaxInputLength: 3,
		Truncate:       false,
		Permit:         admission.NoopPermit{},
		Reply:          make(chan tokenization.TaskResult, 1),
	}
	p.Submit(task)

	select {
	case res := <-task.Reply:
		require.Error(t, res.Err)
		var tooLong *batcherr.InputTooLong
		assert.ErrorAs(t, res.Err, &tooLong)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tokenization result")
	}
}

func TestPoolTruncatesWhenRequested(t *testing.T) {
	q := queue.New(&queue.Config{MaxBatchTokens: 1000})
	p := tokenization.NewPool(&tokenization.Config{WorkersCount: 1}, &stubTokenizer{}, q)
	stop := runPool(t, p)
	defer stop()

	task := &tokenization.Task{
		Text: "hello world", ModelName: "m", Pooled: true,
		MaxInputLength: 3,
		Truncate:       true,
		Permit:         admission.NoopPermit{},
		Reply:          make(chan tokenization.TaskResult, 1),
	}
	p.Submit(task)

	select {
	case res := <-task.Reply:
		require.NoError(t, res.Err)
		assert.Equal(t, 3, res.Entry.Len())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tokenization result")
	}
}
