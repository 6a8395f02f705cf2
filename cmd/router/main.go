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

// Command router wires up the batching core and serves only /healthz and
// /metrics. The embedding HTTP API itself is an external collaborator this
// module does not implement.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/embedserve/batchrouter/pkg/admission"
	backendiface "github.com/embedserve/batchrouter/pkg/backend"
	"github.com/embedserve/batchrouter/pkg/backend/ipc"
	"github.com/embedserve/batchrouter/pkg/cache"
	"github.com/embedserve/batchrouter/pkg/config"
	"github.com/embedserve/batchrouter/pkg/infer"
	"github.com/embedserve/batchrouter/pkg/metrics"
	"github.com/embedserve/batchrouter/pkg/modelinfo"
	"github.com/embedserve/batchrouter/pkg/queue"
	"github.com/embedserve/batchrouter/pkg/tokenization"
)

func main() {
	klog.InitFlags(nil)

	cfg, err := config.Load()
	if err != nil {
		klog.ErrorS(err, "failed to load config")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	info, err := modelinfo.ResolveCached(cfg.ModelRoot, nil, cfg.UseALiBi)
	if err != nil {
		klog.ErrorS(err, "failed to resolve model info", "root", cfg.ModelRoot)
		os.Exit(1)
	}

	q := queue.New(cfg.Queue)

	backend := ipc.New(cfg.BackendEndpoint)
	dtype := backendiface.Float32
	modelType := backendiface.ModelType{Classifier: info.Classifier, Pool: info.Pool}
	if err := backend.Load(ctx, cfg.ModelRoot, dtype, modelType); err != nil {
		klog.ErrorS(err, "failed to load backend")
		os.Exit(1)
	}

	worker := backendiface.NewWorker(backend, q, info.Pool)
	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Run(ctx) }()

	tokenizer, err := tokenization.NewCachedHFTokenizer(nil)
	if err != nil {
		klog.ErrorS(err, "failed to construct tokenizer")
		os.Exit(1)
	}
	tokPool := tokenization.NewPool(cfg.Tokenization, tokenizer, q)
	go tokPool.Run(ctx)

	admissionPool := newAdmissionPool(cfg)

	respCache, err := cache.New(cfg.Cache)
	if err != nil {
		klog.ErrorS(err, "failed to construct response cache")
		os.Exit(1)
	}

	facade := infer.New(cfg.Infer, admissionPool, tokPool, info, cfg.ModelName, respCache)
	_ = facade // held by the (out-of-scope) HTTP embedding API; kept alive here for the worker/tokenizer goroutines it coordinates.

	metrics.Register()
	metrics.StartLogging(ctx, 30*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(crmetrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := backend.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: ":9090", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "health/metrics server failed")
		}
	}()

	<-ctx.Done()
	klog.InfoS("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	if err := <-workerDone; err != nil {
		klog.ErrorS(err, "backend worker exited")
	}
}

func newAdmissionPool(cfg *config.Config) admission.Pool {
	if cfg.Redis != nil {
		// A real deployment constructs the *redis.Client here; left to the
		// operator's wiring since connection options (TLS, sentinel,
		// cluster mode) are deployment-specific.
		klog.InfoS("distributed admission configured but no redis client wired in this entrypoint, falling back to local pool")
	}
	return admission.NewLocalPool(cfg.MaxConcurrentReqs)
}
