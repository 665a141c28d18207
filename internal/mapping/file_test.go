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
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func buildFromFile(t *testing.T, path string) *Table {
	t.Helper()
	table, _, err := Build(context.Background(), &FileSource{Path: path, Log: logr.Discard()}, nil, logr.Discard())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return table
}

func TestLoadFile_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name:    "yaml",
			file:    "map.yaml",
			content: "\"52:54:00:12:34:56\": 100\n\"9E-FA-01-02-03-04\": \"101\"\n",
		},
		{
			name:    "json",
			file:    "map.json",
			content: `{"52:54:00:12:34:56": 100, "9efa01020304": 101}`,
		},
		{
			name:    "toml",
			file:    "map.toml",
			content: "\"52:54:00:12:34:56\" = 100\n\"9e:fa:01:02:03:04\" = 101\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := buildFromFile(t, writeFile(t, tt.file, tt.content))

			if table.Len() != 2 {
				t.Fatalf("Expected 2 entries, got %v", table.Entries())
			}
			if vmid, _ := table.Lookup("52:54:00:12:34:56"); vmid != 100 {
				t.Errorf("Lookup(52:54:00:12:34:56) = %d, want 100", vmid)
			}
			if vmid, _ := table.Lookup("9e:fa:01:02:03:04"); vmid != 101 {
				t.Errorf("Lookup(9e:fa:01:02:03:04) = %d, want 101", vmid)
			}
		})
	}
}

func TestLoadFile_NonIntegerJSONValue(t *testing.T) {
	table := buildFromFile(t, writeFile(t, "map.json", `{"52:54:00:12:34:56": 100.5, "52:54:00:12:34:57": 7}`))

	if table.Len() != 1 {
		t.Fatalf("Expected fractional VMID to be dropped, got %v", table.Entries())
	}
}

func TestFileSource_Optional(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")
	garbage := writeFile(t, "bad.json", "{not json")

	for _, path := range []string{"", missing, garbage} {
		src := &FileSource{Path: path, Log: logr.Discard()}
		entries, err := src.Load(context.Background())
		if err != nil {
			t.Errorf("Load(%q) error = %v, want nil for optional file", path, err)
		}
		if len(entries) != 0 {
			t.Errorf("Load(%q) returned %d entries", path, len(entries))
		}
	}
}

func TestFileSource_Required(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	src := &FileSource{Path: missing, Required: true, Log: logr.Discard()}
	if _, err := src.Load(context.Background()); err == nil {
		t.Error("Expected error for missing required mapping file")
	}
}

func TestLoadFile_CollidingKeysResolveDeterministically(t *testing.T) {
	path := writeFile(t, "map.yaml",
		"\"52:54:00:12:34:56\": 100\n\"52-54-00-12-34-56\": 200\n\"525400123456\": 300\n")

	for i := 0; i < 50; i++ {
		entries, err := LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}
		if len(entries) != 3 || entries[0].Key != "52-54-00-12-34-56" || entries[2].Key != "52:54:00:12:34:56" {
			t.Fatalf("entries not sorted by key: %+v", entries)
		}

		if vmid, found := buildFromFile(t, path).Lookup("52:54:00:12:34:56"); !found || vmid != 200 {
			t.Fatalf("build %d: Lookup() = %d, %v; want 200, true", i, vmid, found)
		}
	}
}
