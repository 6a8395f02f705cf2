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

package modelinfo

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"k8s.io/klog/v2"

	"github.com/embedserve/batchrouter/pkg/batch"
)

// cachedInfo is the CBOR-on-disk envelope: Info plus the config.json mtime
// it was derived from, so a stale cache (model directory updated since) is
// never served.
type cachedInfo struct {
	ConfigModTime int64 `cbor:"config_mod_time"`
	Info          Info  `cbor:"info"`
}

// ResolveCached behaves like Resolve but first consults (and then
// populates) a CBOR cache file at root/.modelinfo.cbor, keyed on
// config.json's modification time. A restart against an unchanged model
// directory skips re-parsing config.json and re-deriving ALiBi slopes.
func ResolveCached(root string, explicitPool *batch.Pool, useALiBi bool) (*Info, error) {
	cachePath := filepath.Join(root, ".modelinfo.cbor")

	modTime, err := configModTime(root)
	if err != nil {
		return nil, fmt.Errorf("modelinfo: %w", err)
	}

	if cached, ok := readCache(cachePath, modTime); ok {
		klog.V(1).InfoS("modelinfo cache hit", "root", root)
		info := cached.Info
		return &info, nil
	}

	info, err := Resolve(root, explicitPool, useALiBi)
	if err != nil {
		return nil, err
	}

	writeCache(cachePath, cachedInfo{ConfigModTime: modTime, Info: *info})
	return info, nil
}

func configModTime(root string) (int64, error) {
	fi, err := os.Stat(filepath.Join(root, "config.json"))
	if err != nil {
		return 0, fmt.Errorf("config.json not found: %w", err)
	}
	return fi.ModTime().UnixNano(), nil
}

func readCache(path string, wantModTime int64) (*cachedInfo, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var c cachedInfo
	if err := cbor.Unmarshal(raw, &c); err != nil {
		klog.V(1).InfoS("modelinfo cache corrupt, ignoring", "path", path, "err", err)
		return nil, false
	}
	if c.ConfigModTime != wantModTime {
		return nil, false
	}
	return &c, true
}

func writeCache(path string, c cachedInfo) {
	encMode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		klog.ErrorS(err, "failed to create CBOR encoder")
		return
	}

	raw, err := encMode.Marshal(c)
	if err != nil {
		klog.ErrorS(err, "failed to marshal modelinfo cache")
		return
	}

	if err := os.WriteFile(path, raw, 0o644); err != nil {
		klog.ErrorS(err, "failed to write modelinfo cache", "path", path)
	}
}
