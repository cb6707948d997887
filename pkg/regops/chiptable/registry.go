// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package chiptable

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"nvgpu.dev/regops/pkg/sync"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*Table)
)

// Register makes t available by name. Names are unique.
func Register(t *Table) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[t.name]; ok {
		return fmt.Errorf("chip %q already registered", t.name)
	}
	registry[t.name] = t
	return nil
}

// Lookup returns the registered table for chip name.
func Lookup(name string) (*Table, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	t, ok := registry[name]
	return t, ok
}

// Names returns the registered chip names in order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// unregister is used by tests.
func unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, name)
}

// LoadDir loads every *.toml file in dir. Tables are returned in file name
// order; nothing is registered.
func LoadDir(dir string) ([]*Table, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.toml"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}
	sort.Strings(paths)
	tables := make([]*Table, 0, len(paths))
	for _, p := range paths {
		t, err := Load(p)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}
