/*
Copyright 2025.

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

package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-logr/logr"
	"sigs.k8s.io/yaml"

	"github.com/gpillon/pve-wol/internal/mac"
)

// RawEntry is an uncanonicalized key/value pair read from a mapping file
type RawEntry struct {
	Key   string
	Value interface{}
}

func (r RawEntry) resolve() (Entry, error) {
	addr, err := mac.Canonicalize(r.Key)
	if err != nil {
		return Entry{}, err
	}
	vmid, err := toVMID(r.Value)
	if err != nil {
		return Entry{}, err
	}
	return Entry{MAC: addr, VMID: vmid}, nil
}

// toVMID accepts integral numbers and decimal strings
func toVMID(v interface{}) (int, error) {
	var n int64
	switch val := v.(type) {
	case json.Number:
		i, err := strconv.ParseInt(val.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("VMID %q is not an integer", val.String())
		}
		n = i
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("VMID %q is not an integer", val)
		}
		n = i
	case int64:
		n = val
	case int:
		n = int64(val)
	case float64:
		if val != math.Trunc(val) {
			return 0, fmt.Errorf("VMID %v is not an integer", val)
		}
		n = int64(val)
	default:
		return 0, fmt.Errorf("VMID has unsupported type %T", v)
	}
	if n <= 0 || n > math.MaxInt32 {
		return 0, fmt.Errorf("VMID %d out of range", n)
	}
	return int(n), nil
}

// LoadFile reads a MAC -> VMID file. The format is chosen by extension:
// .toml is decoded as TOML, anything else as YAML (which includes JSON).
// Entries are returned sorted by key.
func LoadFile(path string) ([]RawEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	doc := map[string]interface{}{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, fmt.Errorf("failed to parse TOML %s: %w", path, err)
		}
	default:
		useNumber := func(d *json.Decoder) *json.Decoder {
			d.UseNumber()
			return d
		}
		if err := yaml.Unmarshal(data, &doc, useNumber); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	// Sorted so that keys colliding after canonicalization resolve the same way every run
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]RawEntry, 0, len(doc))
	for _, k := range keys {
		entries = append(entries, RawEntry{Key: k, Value: doc[k]})
	}
	return entries, nil
}

// FileSource is the optional explicit mapping file.
type FileSource struct {
	Path string
	// Required turns a missing or unparsable file into a startup failure
	Required bool
	Log      logr.Logger
}

// Load implements Source
func (f *FileSource) Load(_ context.Context) ([]RawEntry, error) {
	if f.Path == "" {
		return nil, nil
	}

	entries, err := LoadFile(f.Path)
	if err == nil {
		f.Log.V(1).Info("Loaded mapping file", "path", f.Path, "entries", len(entries))
		return entries, nil
	}
	if f.Required {
		return nil, err
	}
	if errors.Is(err, os.ErrNotExist) {
		f.Log.Info("Mapping file not found, relying on discovery only", "path", f.Path)
	} else {
		f.Log.Error(err, "Failed to read mapping file, relying on discovery only", "path", f.Path)
	}
	return nil, nil
}
