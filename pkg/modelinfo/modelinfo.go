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

// Package modelinfo resolves a model root directory's config.json (and,
// for embedding models, 1_Pooling/config.json) into the concrete Info a
// Backend needs to load: pooling mode or classifier status, the sequence
// position offset some model families require, the derived maximum input
// length, and ALiBi slopes where applicable.
package modelinfo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"

	"github.com/embedserve/batchrouter/pkg/alibi"
	"github.com/embedserve/batchrouter/pkg/batch"
)

// modelConfig is the subset of config.json this module reads.
type modelConfig struct {
	Architectures         []string          `json:"architectures"`
	ModelType             string            `json:"model_type"`
	MaxPositionEmbeddings int               `json:"max_position_embeddings"`
	NPositions            int               `json:"n_positions"`
	PadTokenID            int               `json:"pad_token_id"`
	NumAttentionHeads     int               `json:"num_attention_heads"`
	IDToLabel             map[string]string `json:"id2label"`
}

// poolConfig is 1_Pooling/config.json.
type poolConfig struct {
	ClsToken  bool `json:"pooling_mode_cls_token"`
	MeanToken bool `json:"pooling_mode_mean_tokens"`
}

// Info is the resolved, backend-ready description of a model.
type Info struct {
	Classifier     bool
	Pool           batch.Pool
	PositionOffset int
	MaxInputLength int
	ALiBiSlopes    []float32
	IDToLabel      map[int]string
}

// positionOffsetFamilies lists the model_type values the original
// implementation special-cases: these families reserve pad_token_id+1
// leading position ids.
var positionOffsetFamilies = map[string]bool{
	"xlm-roberta": true,
	"camembert":   true,
	"roberta":     true,
}

// Resolve reads config.json (and 1_Pooling/config.json when the model is
// not a classifier and explicitPool is nil) under root and returns the
// derived Info. explicitPool overrides pooling-config auto-detection, same
// as the original CLI's --pooling flag.
func Resolve(root string, explicitPool *batch.Pool, useALiBi bool) (*Info, error) {
	cfg, err := readModelConfig(root)
	if err != nil {
		return nil, fmt.Errorf("modelinfo: %w", err)
	}

	info := &Info{}

	for _, arch := range cfg.Architectures {
		if strings.HasSuffix(arch, "Classification") {
			info.Classifier = true
			break
		}
	}

	if info.Classifier {
		if explicitPool != nil {
			klog.InfoS("pooling mode set but model is a classifier, ignoring", "root", root)
		}
		info.IDToLabel = idToLabelInts(cfg.IDToLabel)
		if len(info.IDToLabel) == 0 {
			return nil, fmt.Errorf("modelinfo: classifier model %s has no id2label in config.json", root)
		}
	} else {
		pool, err := resolvePool(root, explicitPool)
		if err != nil {
			return nil, err
		}
		info.Pool = pool
	}

	if positionOffsetFamilies[cfg.ModelType] {
		info.PositionOffset = cfg.PadTokenID + 1
	}

	maxPositions := cfg.MaxPositionEmbeddings
	if maxPositions == 0 {
		maxPositions = cfg.NPositions
	}
	info.MaxInputLength = maxPositions - info.PositionOffset

	if useALiBi && cfg.NumAttentionHeads > 0 {
		info.ALiBiSlopes = alibi.HeadSlopes(cfg.NumAttentionHeads)
	}

	return info, nil
}

func resolvePool(root string, explicitPool *batch.Pool) (batch.Pool, error) {
	if explicitPool != nil {
		return *explicitPool, nil
	}

	raw, err := os.ReadFile(filepath.Join(root, "1_Pooling", "config.json"))
	if err != nil {
		return 0, fmt.Errorf("modelinfo: --pooling not set and 1_Pooling/config.json not found: %w", err)
	}

	var pc poolConfig
	if err := json.Unmarshal(raw, &pc); err != nil {
		return 0, fmt.Errorf("modelinfo: parse 1_Pooling/config.json: %w", err)
	}

	switch {
	case pc.ClsToken:
		return batch.Cls, nil
	case pc.MeanToken:
		return batch.Mean, nil
	default:
		return 0, fmt.Errorf("modelinfo: pooling config %+v is not supported", pc)
	}
}

func readModelConfig(root string) (*modelConfig, error) {
	raw, err := os.ReadFile(filepath.Join(root, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("config.json not found: %w", err)
	}

	var cfg modelConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config.json: %w", err)
	}
	return &cfg, nil
}

func idToLabelInts(m map[string]string) map[int]string {
	out := make(map[int]string, len(m))
	for k, v := range m {
		var id int
		if _, err := fmt.Sscanf(k, "%d", &id); err != nil {
			continue
		}
		out[id] = v
	}
	return out
}
