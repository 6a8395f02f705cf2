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

// Package tokenization turns request text into token id / type id pairs and
// forms the resulting Entry objects the Queue batches. It wraps
// HuggingFace's fast tokenizers via CGo bindings behind an LRU cache keyed
// by model name, with singleflight-deduped loads for concurrent first
// requests against the same model.
package tokenization

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/daulet/tokenizers"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// tokenizersCacheSize caps how many distinct base-model tokenizers are held
// in memory at once.
const tokenizersCacheSize = 20

// Tokenizer turns text into parallel input-id/token-type-id slices.
type Tokenizer interface {
	Encode(text, modelName string) (ids, typeIDs []uint32, err error)
}

// HFTokenizerConfig configures tokenizer loading.
type HFTokenizerConfig struct {
	HuggingFaceToken   string `json:"huggingFaceToken"`
	TokenizersCacheDir string `json:"tokenizersCacheDir"`
}

// DefaultHFTokenizerConfig returns the module-relative cache directory the
// teacher uses.
func DefaultHFTokenizerConfig() *HFTokenizerConfig {
	return &HFTokenizerConfig{TokenizersCacheDir: getTokenizerCacheDir()}
}

// CachedHFTokenizer implements Tokenizer over an LRU of loaded
// *tokenizers.Tokenizer handles, one per base model.
type CachedHFTokenizer struct {
	cfg   tokenizers.TokenizerConfigOption
	cache *lru.Cache[string, *tokenizers.Tokenizer]
	group singleflight.Group
}

// NewCachedHFTokenizer builds a CachedHFTokenizer from config.
func NewCachedHFTokenizer(config *HFTokenizerConfig) (*CachedHFTokenizer, error) {
	if config == nil {
		config = DefaultHFTokenizerConfig()
	}

	var cfg tokenizers.TokenizerConfigOption
	if config.TokenizersCacheDir != "" {
		cfg = tokenizers.WithCacheDir(config.TokenizersCacheDir)
	}
	if config.HuggingFaceToken != "" {
		cfg = tokenizers.WithAuthToken(config.HuggingFaceToken)
	}

	cache, err := lru.New[string, *tokenizers.Tokenizer](tokenizersCacheSize)
	if err != nil {
		return nil, fmt.Errorf("tokenization: initialize tokenizer cache: %w", err)
	}

	return &CachedHFTokenizer{cfg: cfg, cache: cache}, nil
}

func (t *CachedHFTokenizer) getTokenizer(modelName string) (*tokenizers.Tokenizer, error) {
	if tok, ok := t.cache.Get(modelName); ok {
		return tok, nil
	}

	result, err, shared := t.group.Do(modelName, func() (any, error) {
		return tokenizers.FromPretrained(modelName, t.cfg)
	})
	if err != nil {
		return nil, err
	}

	tok, ok := result.(*tokenizers.Tokenizer)
	if !ok {
		return nil, fmt.Errorf("tokenization: unexpected tokenizer type from singleflight result")
	}

	if !shared {
		t.cache.Add(modelName, tok)
	}
	return tok, nil
}

// Encode tokenizes text against the named model's tokenizer.
func (t *CachedHFTokenizer) Encode(text, modelName string) (ids, typeIDs []uint32, err error) {
	tok, err := t.getTokenizer(modelName)
	if err != nil {
		return nil, nil, fmt.Errorf("tokenization: load tokenizer for model %q: %w", modelName, err)
	}

	resp := tok.EncodeWithOptions(text, true, tokenizers.WithReturnTypeIDs())
	return resp.IDs, resp.TypeIDs, nil
}

func getTokenizerCacheDir() string {
	_, filename, _, _ := runtime.Caller(0)
	base := filepath.Dir(filename)
	return filepath.Join(base, "..", "..", "bin")
}

// NormalizeTokenizerJSON patches a raw tokenizer.json payload so a Metaspace
// pre-tokenizer always uses prepend_scheme "first", and drops a redundant
// WhitespaceSplit step that precedes a Metaspace step inside a Sequence
// pre-tokenizer. Some community checkpoints ship a tokenizer.json whose
// pre-tokenizer would otherwise double-count leading whitespace across a
// packed batch boundary. Returns the input unchanged if there is no
// pre_tokenizer section or it isn't one of these shapes.
func NormalizeTokenizerJSON(raw []byte) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("tokenization: parse tokenizer.json: %w", err)
	}

	preRaw, ok := doc["pre_tokenizer"]
	if !ok || preRaw == nil {
		return raw, nil
	}

	var pre map[string]interface{}
	if err := json.Unmarshal(preRaw, &pre); err != nil {
		return raw, nil
	}

	changed := normalizePreTokenizer(pre)
	if !changed {
		return raw, nil
	}

	patched, err := json.Marshal(pre)
	if err != nil {
		return nil, fmt.Errorf("tokenization: remarshal pre_tokenizer: %w", err)
	}
	doc["pre_tokenizer"] = patched

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("tokenization: remarshal tokenizer.json: %w", err)
	}
	return out, nil
}

func normalizePreTokenizer(pre map[string]interface{}) bool {
	changed := false

	if pre["type"] == "Metaspace" {
		if pre["prepend_scheme"] != "first" {
			pre["prepend_scheme"] = "first"
			changed = true
		}
		return changed
	}

	if pre["type"] != "Sequence" {
		return false
	}

	steps, ok := pre["pretokenizers"].([]interface{})
	if !ok {
		return false
	}

	filtered := make([]interface{}, 0, len(steps))
	for i, step := range steps {
		m, ok := step.(map[string]interface{})
		if !ok {
			filtered = append(filtered, step)
			continue
		}

		if m["type"] == "Metaspace" {
			if m["prepend_scheme"] != "first" {
				m["prepend_scheme"] = "first"
				changed = true
			}
		}

		if m["type"] == "WhitespaceSplit" && i+1 < len(steps) {
			if next, ok := steps[i+1].(map[string]interface{}); ok && next["type"] == "Metaspace" {
				changed = true
				continue // drop the redundant WhitespaceSplit step
			}
		}

		filtered = append(filtered, m)
	}

	pre["pretokenizers"] = filtered
	return changed
}
