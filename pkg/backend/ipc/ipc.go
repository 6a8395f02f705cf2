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

// Package ipc implements backend.Backend against an out-of-process GPU
// worker over a ZeroMQ REQ/REP socket. The batch and its resulting tensors
// cross the process boundary msgpack-encoded; this package owns none of the
// model math, only the wire contract and socket lifecycle.
package ipc

import (
	"context"
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"

	"github.com/embedserve/batchrouter/pkg/backend"
	"github.com/embedserve/batchrouter/pkg/batch"
	"github.com/embedserve/batchrouter/pkg/utils/logging"
)

const (
	// pollTimeout bounds how long a single REP poll waits before checking
	// ctx, so a cancelled Forward call doesn't wedge the socket forever.
	pollTimeout = 250 * time.Millisecond
	// requestTimeout is the overall budget for one request/reply round trip.
	requestTimeout = 30 * time.Second
)

// loadRequest is sent once at startup over the same REQ socket to ask the
// remote process to load a model.
type loadRequest struct {
	Root         string `msgpack:"root"`
	DType        string `msgpack:"dtype"`
	Classifier   bool   `msgpack:"classifier"`
	Pool         string `msgpack:"pool"`
	PaddedModel  bool   `msgpack:"padded_model"`
	MaxBatchSize *int   `msgpack:"max_batch_size,omitempty"`
}

// loadResponse carries back the remote's reported padding policy and any
// batch-size cap, since the router's Worker needs those before it can size
// batches.
type loadResponse struct {
	OK           bool   `msgpack:"ok"`
	Error        string `msgpack:"error,omitempty"`
	PaddedModel  bool   `msgpack:"padded_model"`
	MaxBatchSize *int   `msgpack:"max_batch_size,omitempty"`
}

// forwardRequest is the wire form of a packed batch.Batch.
type forwardRequest struct {
	Kind          string   `msgpack:"kind"`
	InputIDs      []uint32 `msgpack:"input_ids"`
	TokenTypeIDs  []uint32 `msgpack:"token_type_ids"`
	PositionIDs   []uint32 `msgpack:"position_ids"`
	CuSeqlens     []int32  `msgpack:"cu_seqlens"`
	MaxS          int32    `msgpack:"max_s"`
	PooledIndices []int    `msgpack:"pooled_indices"`
	RawIndices    []int    `msgpack:"raw_indices"`
}

// forwardResponse is the wire form of the pooled/raw output tensors. Rows
// and Cols are carried explicitly since msgpack has no notion of a 2-D
// array; Data is the flat row-major payload.
type forwardResponse struct {
	OK         bool      `msgpack:"ok"`
	Error      string    `msgpack:"error,omitempty"`
	PooledRows int       `msgpack:"pooled_rows"`
	PooledCols int       `msgpack:"pooled_cols"`
	PooledData []float32 `msgpack:"pooled_data"`
	RawRows    int       `msgpack:"raw_rows"`
	RawCols    int       `msgpack:"raw_cols"`
	RawData    []float32 `msgpack:"raw_data"`
}

// healthRequest is the sentinel message used by Health.
type healthRequest struct {
	Kind string `msgpack:"kind"`
}

// Backend is a backend.Backend client over a ZeroMQ REQ socket. A single
// REQ socket supports exactly one in-flight request at a time: mu guards
// socket construction and is held for each whole request/reply exchange, so
// a Health call from another goroutine cannot interleave with a Forward.
type Backend struct {
	endpoint string

	mu   sync.Mutex
	sock *zmq.Socket

	padded   bool
	maxBatch *int
}

var _ backend.Backend = (*Backend)(nil)

// New returns a Backend that will dial endpoint (e.g. "tcp://localhost:5558")
// lazily on the first Load call.
func New(endpoint string) *Backend {
	return &Backend{endpoint: endpoint}
}

func (b *Backend) Load(ctx context.Context, root string, dtype backend.DType, modelType backend.ModelType) error {
	b.mu.Lock()
	if b.sock == nil {
		sock, err := zmq.NewSocket(zmq.REQ)
		if err != nil {
			b.mu.Unlock()
			return fmt.Errorf("ipc: create REQ socket: %w", err)
		}
		if err := sock.Connect(b.endpoint); err != nil {
			sock.Close()
			b.mu.Unlock()
			return fmt.Errorf("ipc: connect %s: %w", b.endpoint, err)
		}
		b.sock = sock
		klog.InfoS("connected ipc backend", "endpoint", b.endpoint)
	}
	b.mu.Unlock()

	req := loadRequest{
		Root:       root,
		DType:      dtypeString(dtype),
		Classifier: modelType.Classifier,
		Pool:       modelType.Pool.String(),
	}

	var resp loadResponse
	if err := b.roundTrip(ctx, req, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("ipc: remote load failed: %s", resp.Error)
	}

	b.padded = resp.PaddedModel
	b.maxBatch = resp.MaxBatchSize
	return nil
}

func (b *Backend) Health(ctx context.Context) error {
	var resp loadResponse
	if err := b.roundTrip(ctx, healthRequest{Kind: "health"}, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("ipc: remote health check failed: %s", resp.Error)
	}
	return nil
}

func (b *Backend) Forward(ctx context.Context, bt *batch.Batch) (pooled, raw *batch.Tensor, err error) {
	req := forwardRequest{
		Kind:          "forward",
		InputIDs:      bt.InputIDs,
		TokenTypeIDs:  bt.TokenTypeIDs,
		PositionIDs:   bt.PositionIDs,
		CuSeqlens:     bt.CuSeqlens,
		MaxS:          bt.MaxS,
		PooledIndices: bt.PooledIndices,
		RawIndices:    bt.RawIndices,
	}

	var resp forwardResponse
	if err := b.roundTrip(ctx, req, &resp); err != nil {
		return nil, nil, err
	}
	if !resp.OK {
		return nil, nil, fmt.Errorf("ipc: remote forward failed: %s", resp.Error)
	}

	if resp.PooledRows > 0 {
		pooled = &batch.Tensor{Data: resp.PooledData, Rows: resp.PooledRows, Cols: resp.PooledCols}
	}
	if resp.RawRows > 0 {
		raw = &batch.Tensor{Data: resp.RawData, Rows: resp.RawRows, Cols: resp.RawCols}
	}
	return pooled, raw, nil
}

func (b *Backend) PaddedModel() bool  { return b.padded }
func (b *Backend) MaxBatchSize() *int { return b.maxBatch }

// roundTrip serializes one request/reply exchange: send req msgpack-encoded,
// poll for a reply respecting ctx, and decode it into resp. The REQ/REP
// pattern requires strict send-then-recv alternation, which holding b.mu
// for the whole exchange guarantees.
func (b *Backend) roundTrip(ctx context.Context, req, resp interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sock := b.sock
	if sock == nil {
		return fmt.Errorf("ipc: backend not loaded")
	}

	payload, err := msgpack.Marshal(req)
	if err != nil {
		return fmt.Errorf("ipc: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if _, err := sock.SendBytes(payload, 0); err != nil {
		return fmt.Errorf("ipc: send: %w", err)
	}

	poller := zmq.NewPoller()
	poller.Add(sock, zmq.POLLIN)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		polled, err := poller.Poll(pollTimeout)
		if err != nil {
			return fmt.Errorf("ipc: poll: %w", err)
		}
		if len(polled) == 0 {
			continue
		}

		raw, err := sock.RecvBytes(0)
		if err != nil {
			return fmt.Errorf("ipc: recv: %w", err)
		}

		klog.V(logging.TRACE).InfoS("ipc round trip complete", "requestBytes", len(payload), "replyBytes", len(raw))
		if err := msgpack.Unmarshal(raw, resp); err != nil {
			return fmt.Errorf("ipc: unmarshal response: %w", err)
		}
		return nil
	}
}

func dtypeString(d backend.DType) string {
	switch d {
	case backend.Float16:
		return "float16"
	case backend.BFloat16:
		return "bfloat16"
	default:
		return "float32"
	}
}
