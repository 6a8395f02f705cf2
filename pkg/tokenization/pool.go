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

package tokenization

import (
	"context"
	"runtime"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/embedserve/batchrouter/pkg/admission"
	"github.com/embedserve/batchrouter/pkg/batcherr"
	"github.com/embedserve/batchrouter/pkg/metrics"
	"github.com/embedserve/batchrouter/pkg/queue"
	"github.com/embedserve/batchrouter/pkg/utils/logging"
)

// Config holds the tokenization Pool's worker count.
type Config struct {
	// WorkersCount is the number of worker goroutines draining the task
	// queue. Zero means runtime.NumCPU().
	WorkersCount int `json:"workersCount"`
}

// DefaultConfig returns one worker per logical CPU.
func DefaultConfig() *Config {
	return &Config{WorkersCount: runtime.NumCPU()}
}

// Task is one unit of tokenization work: encode text, build a queue.Entry,
// and either append it to the target Queue or reply with a terminal error
// directly.
type Task struct {
	Text      string
	ModelName string
	Pooled    bool
	Raw       bool
	Truncate  bool

	// PositionOffset and MaxInputLength come from the model's resolved
	// modelinfo.Info.
	PositionOffset int
	MaxInputLength int

	Permit admission.Permit

	// Reply receives the constructed Entry (already appended to the target
	// Queue) so the caller can await its Entry.Reply, or an error if
	// tokenization itself failed. Exactly one value is sent, then the channel closes.
	Reply chan TaskResult
}

// TaskResult is what a Task's Reply channel carries.
type TaskResult struct {
	Entry *queue.Entry
	Err   error
}

// Pool runs WorkersCount goroutines draining a bounded work queue of
// tokenization Tasks, in the teacher's workqueue-backed worker pool idiom.
type Pool struct {
	workers   int
	queue     workqueue.TypedRateLimitingInterface[*Task]
	tokenizer Tokenizer
	target    *queue.Queue
	wg        sync.WaitGroup
}

// NewPool builds a Pool that appends successfully tokenized entries to
// target.
func NewPool(cfg *Config, tokenizer Tokenizer, target *queue.Queue) *Pool {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	workers := cfg.WorkersCount
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	return &Pool{
		workers:   workers,
		queue:     workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[*Task]()),
		tokenizer: tokenizer,
		target:    target,
	}
}

// Submit enqueues a tokenization task. Non-blocking.
func (p *Pool) Submit(task *Task) {
	p.queue.Add(task)
}

// Run launches the worker goroutines and blocks until ctx is done, then
// drains and stops them.
func (p *Pool) Run(ctx context.Context) {
	klog.InfoS("starting tokenization pool", "workers", p.workers)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop()
	}

	<-ctx.Done()
	p.queue.ShutDown()
	p.wg.Wait()
}

func (p *Pool) workerLoop() {
	defer p.wg.Done()
	for {
		task, shutdown := p.queue.Get()
		if shutdown {
			return
		}

		p.processTask(task)
		p.queue.Forget(task)
		p.queue.Done(task)
	}
}

// processTask tokenizes task.Text, validates length against
// MaxInputLength/Truncate, builds a queue.Entry, and either appends it to
// the target Queue or replies with a terminal error directly. Tokenization
// errors are never retried: the input text never changes between
// attempts, so a retry would just repeat the same failure.
func (p *Pool) processTask(task *Task) {
	start := time.Now()
	ids, typeIDs, err := p.tokenizer.Encode(task.Text, task.ModelName)
	metrics.TokenizationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		p.reply(task, nil, &batcherr.Tokenization{Model: task.ModelName, Err: err})
		return
	}

	if task.MaxInputLength > 0 && len(ids) > task.MaxInputLength {
		if !task.Truncate {
			p.reply(task, nil, &batcherr.InputTooLong{Length: len(ids), MaxLength: task.MaxInputLength})
			return
		}
		ids = ids[:task.MaxInputLength]
		typeIDs = typeIDs[:task.MaxInputLength]
	}

	positionIDs := make([]uint32, len(ids))
	for i := range positionIDs {
		positionIDs[i] = uint32(task.PositionOffset + i)
	}

	entry, err := queue.NewEntry(ids, typeIDs, positionIDs, task.Pooled, task.Raw, task.Permit)
	if err != nil {
		p.reply(task, nil, &batcherr.Tokenization{Model: task.ModelName, Err: err})
		return
	}

	klog.V(logging.TRACE).InfoS("tokenized entry", "model", task.ModelName, "length", entry.Len())
	p.target.Append(entry)
	p.reply(task, entry, nil)
}

// reply sends the task's terminal result. On failure the permit is
// released here since no Entry exists yet to own it; on success the
// Entry already holds the permit and will release it on its own terminal
// path.
func (p *Pool) reply(task *Task, entry *queue.Entry, err error) {
	if err != nil && task.Permit != nil {
		task.Permit.Release()
	}

	select {
	case task.Reply <- TaskResult{Entry: entry, Err: err}:
	default:
	}
	close(task.Reply)
}
