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

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedserve/batchrouter/pkg/config"
)

func TestLoadFallsBackToDefaultsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CONFIG_PATH", filepath.Join(dir, "does-not-exist.json"))

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.MaxConcurrentReqs)
	assert.Equal(t, 16384, cfg.Queue.MaxBatchTokens)
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"modelName": "my-model", "maxConcurrentRequests": 7}`), 0o644))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "my-model", cfg.ModelName)
	assert.Equal(t, 7, cfg.MaxConcurrentReqs)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CONFIG_PATH", filepath.Join(dir, "missing.json"))
	t.Setenv("MAX_BATCH_TOKENS", "2048")
	t.Setenv("MAX_CONCURRENT_REQUESTS", "4")
	t.Setenv("TOKENIZATION_WORKERS", "2")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.Queue.MaxBatchTokens)
	assert.Equal(t, 4, cfg.MaxConcurrentReqs)
	assert.Equal(t, 2, cfg.Tokenization.WorkersCount)
}
