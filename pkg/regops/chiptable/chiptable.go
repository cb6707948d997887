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

// Package chiptable loads per-chip register allowlists.
//
// A chip table is a TOML file:
//
//	name = "gv11b"
//	runcontrol = [0x419e10, 0x419e50]
//
//	[[global]]
//	base = 0x000004
//	count = 1
//
//	[[context]]
//	base = 0x419000
//	count = 64
//
//	[[profiler]]
//	base = 0x200000
//	count = 128
//	resource = "perfmon"
//
//	[profiler_types]
//	perfmon = "global"
//	smpc = "gr_ctx"
//
// Tables are immutable once loaded and may be shared by any number of
// engines.
package chiptable

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"nvgpu.dev/regops/pkg/regops"
)

// file is the on-disk layout.
type file struct {
	Name          string                 `toml:"name"`
	Global        []regops.Range         `toml:"global"`
	Context       []regops.Range         `toml:"context"`
	RunControl    []uint32               `toml:"runcontrol"`
	Profiler      []profilerRange        `toml:"profiler"`
	ProfilerTypes map[string]regops.Type `toml:"profiler_types"`
}

type profilerRange struct {
	Base     uint32              `toml:"base"`
	Count    uint32              `toml:"count"`
	Resource regops.ResourceType `toml:"resource"`
}

func (p profilerRange) rng() regops.Range {
	return regops.Range{Base: p.Base, Count: p.Count}
}

// Table is one chip's allowlists. It implements regops.ChipAllowlist.
type Table struct {
	name       string
	global     regops.RangeTable
	context    regops.RangeTable
	runControl []uint32
	profiler   []profilerRange
	regOpType  [regops.NumResourceTypes]regops.Type
}

var _ regops.ChipAllowlist = (*Table)(nil)

// Name returns the chip name.
func (t *Table) Name() string { return t.name }

// GlobalRanges implements regops.ChipAllowlist.GlobalRanges.
func (t *Table) GlobalRanges() []regops.Range { return t.global }

// ContextRanges implements regops.ChipAllowlist.ContextRanges.
func (t *Table) ContextRanges() []regops.Range { return t.context }

// RunControlOffsets implements regops.ChipAllowlist.RunControlOffsets.
func (t *Table) RunControlOffsets() []uint32 { return t.runControl }

// ProfilerRanges returns the profiler-reachable ranges regardless of
// resource.
func (t *Table) ProfilerRanges() []regops.Range {
	out := make([]regops.Range, len(t.profiler))
	for i, p := range t.profiler {
		out[i] = p.rng()
	}
	return out
}

// Stats summarizes a table's size.
type Stats struct {
	GlobalRanges   int
	GlobalRegs     uint64
	ContextRanges  int
	ContextRegs    uint64
	RunControl     int
	ProfilerRanges int
	ProfilerRegs   uint64
}

func countRegs(t regops.RangeTable) uint64 {
	var n uint64
	for _, r := range t {
		n += uint64(r.Count)
	}
	return n
}

// Stats returns the table's size.
func (t *Table) Stats() Stats {
	s := Stats{
		GlobalRanges:   len(t.global),
		GlobalRegs:     countRegs(t.global),
		ContextRanges:  len(t.context),
		ContextRegs:    countRegs(t.context),
		RunControl:     len(t.runControl),
		ProfilerRanges: len(t.profiler),
	}
	for _, p := range t.profiler {
		s.ProfilerRegs += uint64(p.Count)
	}
	return s
}

// Parse decodes and checks a chip table.
func Parse(data string) (*Table, error) {
	var f file
	md, err := toml.Decode(data, &f)
	if err != nil {
		return nil, err
	}
	return build(&f, md)
}

// Load reads, decodes and checks a chip table file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("chip table %q: %w", path, err)
	}
	return t, nil
}

func build(f *file, md toml.MetaData) (*Table, error) {
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if f.Name == "" {
		return nil, fmt.Errorf("missing chip name")
	}
	t := &Table{
		name:       f.Name,
		global:     f.Global,
		context:    f.Context,
		runControl: f.RunControl,
		profiler:   f.Profiler,
	}
	if err := t.global.Check(); err != nil {
		return nil, fmt.Errorf("global ranges: %w", err)
	}
	if err := t.context.Check(); err != nil {
		return nil, fmt.Errorf("context ranges: %w", err)
	}
	for _, o := range t.runControl {
		if !regops.OffsetWellFormed(o) {
			return nil, fmt.Errorf("run-control offset %#x is not a 4-byte aligned 24-bit offset", o)
		}
	}
	if err := checkProfiler(t.profiler); err != nil {
		return nil, fmt.Errorf("profiler ranges: %w", err)
	}
	var mapped [regops.NumResourceTypes]bool
	for name, typ := range f.ProfilerTypes {
		var res regops.ResourceType
		if err := res.UnmarshalText([]byte(name)); err != nil {
			return nil, fmt.Errorf("profiler_types: %w", err)
		}
		if !typ.Supported() {
			return nil, fmt.Errorf("profiler_types: %s maps to unsupported type %v", name, typ)
		}
		t.regOpType[res] = typ
		mapped[res] = true
	}
	// The zero Type is global, so an unmapped resource would execute as
	// direct register access.
	for _, p := range t.profiler {
		if !mapped[p.Resource] {
			return nil, fmt.Errorf("profiler range %v: resource %v has no profiler_types entry", p.rng(), p.Resource)
		}
	}
	return t, nil
}

func checkProfiler(ranges []profilerRange) error {
	rt := make(regops.RangeTable, 0, len(ranges))
	for _, p := range ranges {
		if p.Resource >= regops.NumResourceTypes {
			return fmt.Errorf("range %v has invalid resource %v", p.rng(), p.Resource)
		}
		rt = append(rt, p.rng())
	}
	return rt.Check()
}

// profilerView is a profiler's allowlist: the table's profiler ranges
// restricted to the resources the profiler reserved.
type profilerView struct {
	ranges   []profilerRange
	reserved [regops.NumResourceTypes]bool
}

// ResolveOffset implements regops.ProfilerAllowlist.ResolveOffset.
func (v *profilerView) ResolveOffset(offset uint32) (regops.ResourceType, bool) {
	i, found := slices.BinarySearchFunc(v.ranges, offset, func(p profilerRange, offset uint32) int {
		switch r := p.rng(); {
		case r.End() <= uint64(offset):
			return -1
		case offset < r.Base:
			return 1
		default:
			return 0
		}
	})
	if !found {
		return 0, false
	}
	res := v.ranges[i].Resource
	if !v.reserved[res] {
		return 0, false
	}
	return res, true
}

// NewProfiler returns a profiler that may access the registers of the given
// reserved resources. With no resources, every profiler range is reserved.
func (t *Table) NewProfiler(reserved ...regops.ResourceType) *regops.Profiler {
	v := &profilerView{ranges: t.profiler}
	if len(reserved) == 0 {
		for i := range v.reserved {
			v.reserved[i] = true
		}
	}
	for _, r := range reserved {
		if r < regops.NumResourceTypes {
			v.reserved[r] = true
		}
	}
	return &regops.Profiler{
		Allowlist: v,
		RegOpType: t.regOpType,
	}
}

// ParseResources parses a comma-separated list of resource names.
func ParseResources(s string) ([]regops.ResourceType, error) {
	if s == "" {
		return nil, nil
	}
	var out []regops.ResourceType
	for _, name := range strings.Split(s, ",") {
		var r regops.ResourceType
		if err := r.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return slices.Compact(out), nil
}
