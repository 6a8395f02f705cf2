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

// Package config aggregates every component's Config into the one
// top-level Config the binary loads at startup. CLI flag parsing is out of
// scope (the HTTP surface and CLI are external collaborators per the
// routing core's own design); this package only loads JSON plus a handful
// of environment variable overrides for the values operators tune most.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/embedserve/batchrouter/pkg/admission"
	"github.com/embedserve/batchrouter/pkg/cache"
	"github.com/embedserve/batchrouter/pkg/infer"
	"github.com/embedserve/batchrouter/pkg/queue"
	"github.com/embedserve/batchrouter/pkg/tokenization"
)

// Config is the full router configuration.
type Config struct {
	ModelRoot         string `json:"modelRoot"`
	ModelName         string `json:"modelName"`
	BackendEndpoint   string `json:"backendEndpoint"`
	MaxConcurrentReqs int    `json:"maxConcurrentRequests"`
	UseALiBi          bool   `json:"useAlibi"`

	Queue        *queue.Config          `json:"queue"`
	Tokenization *tokenization.Config   `json:"tokenization"`
	Infer        *infer.Config          `json:"infer"`
	Cache        *cache.Config          `json:"cache"`
	Redis        *admission.RedisConfig `json:"redis,omitempty"`
}

// Default returns a Config with every sub-component's defaults and a
// conservative local-process admission ceiling.
func Default() *Config {
	return &Config{
		MaxConcurrentReqs: 128,
		Queue:             queue.DefaultConfig(),
		Tokenization:      tokenization.DefaultConfig(),
		Infer:             infer.DefaultConfig(),
		Cache:             cache.DefaultConfig(),
	}
}

// Load reads CONFIG_PATH (default ./config.json) if present, then applies
// environment variable overrides for the handful of values operators tune
// most frequently.
func Load() (*Config, error) {
	cfg := Default()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config.json"
	}

	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := envInt("MAX_BATCH_TOKENS"); ok {
		cfg.Queue.MaxBatchTokens = v
	}
	if v, ok := envInt("MAX_CONCURRENT_REQUESTS"); ok {
		cfg.MaxConcurrentReqs = v
	}
	if v, ok := envInt("TOKENIZATION_WORKERS"); ok {
		cfg.Tokenization.WorkersCount = v
	}
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
