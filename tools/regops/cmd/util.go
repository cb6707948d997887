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

// Package cmd holds implementations of the regops subcommands.
package cmd

import (
	"cmp"
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/google/subcommands"
	"nvgpu.dev/regops/pkg/log"
	"nvgpu.dev/regops/pkg/regops"
	"nvgpu.dev/regops/pkg/regops/chiptable"
	"nvgpu.dev/regops/tools/regops/config"
)

// Errorf logs the error and writes it to stderr. It returns ExitFailure so
// subcommands can return its result.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitFailure
}

// loadChip returns the chip table selected by conf. With a chip directory,
// every table in it is registered and conf.Chip names one of them.
func loadChip(conf *config.Config) (*chiptable.Table, error) {
	if conf.Chip == "" {
		return nil, fmt.Errorf("--chip is required")
	}
	if conf.ChipDir == "" {
		return chiptable.Load(conf.Chip)
	}
	tables, err := chiptable.LoadDir(conf.ChipDir)
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		if _, ok := chiptable.Lookup(t.Name()); ok {
			continue
		}
		if err := chiptable.Register(t); err != nil {
			return nil, err
		}
	}
	t, ok := chiptable.Lookup(conf.Chip)
	if !ok {
		return nil, fmt.Errorf("chip %q not found in %q, known chips: %v", conf.Chip, conf.ChipDir, chiptable.Names())
	}
	return t, nil
}

// contextLayout returns the simulated context image layout of a chip: its
// context ranges plus every run-control register not already covered.
func contextLayout(t *chiptable.Table) []regops.Range {
	ctx := regops.RangeTable(t.ContextRanges())
	layout := slices.Clone(t.ContextRanges())
	rc := slices.Clone(t.RunControlOffsets())
	slices.Sort(rc)
	for _, o := range slices.Compact(rc) {
		if !ctx.Contains(o) {
			layout = append(layout, regops.Range{Base: o, Count: 1})
		}
	}
	slices.SortFunc(layout, func(a, b regops.Range) int {
		return cmp.Compare(a.Base, b.Base)
	})
	return layout
}

// parseOffset parses a register offset in any base strconv accepts.
func parseOffset(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q: %w", s, err)
	}
	return uint32(v), nil
}
