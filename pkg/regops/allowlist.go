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

package regops

import (
	"fmt"
	"slices"
)

// offsetMask selects the bits that must be clear in every offset: offsets are
// 4-byte aligned and fit a 24-bit register space.
const offsetMask = 0xFF000003

// OffsetWellFormed returns true if offset passes the alignment and range
// precheck that precedes every allowlist search.
func OffsetWellFormed(offset uint32) bool {
	return offset&offsetMask == 0
}

// Range permits the registers in [Base, Base+4*Count).
type Range struct {
	Base  uint32 `toml:"base" yaml:"base"`
	Count uint32 `toml:"count" yaml:"count"`
}

// End returns the first offset past r. It is computed in 64 bits so a range
// touching the top of the address space does not wrap.
func (r Range) End() uint64 {
	return uint64(r.Base) + 4*uint64(r.Count)
}

// Contains returns true if offset lies within r.
func (r Range) Contains(offset uint32) bool {
	return r.Base <= offset && uint64(offset) < r.End()
}

func (r Range) String() string {
	return fmt.Sprintf("[%#08x, %#08x)", r.Base, r.End())
}

// RangeTable is a list of ranges sorted by Base with no overlaps.
type RangeTable []Range

// Contains binary searches t for a range containing offset.
func (t RangeTable) Contains(offset uint32) bool {
	_, found := slices.BinarySearchFunc(t, offset, func(r Range, offset uint32) int {
		switch {
		case r.End() <= uint64(offset):
			return -1
		case offset < r.Base:
			return 1
		default:
			return 0
		}
	})
	return found
}

// Check returns an error if t is not sorted or has overlapping ranges; either
// would make binary search unsound.
func (t RangeTable) Check() error {
	for i := 1; i < len(t); i++ {
		prev, cur := t[i-1], t[i]
		if cur.Base <= prev.Base {
			return fmt.Errorf("range %d %v is not sorted after range %d %v", i, cur, i-1, prev)
		}
		if uint64(cur.Base) < prev.End() {
			return fmt.Errorf("range %d %v overlaps range %d %v", i, cur, i-1, prev)
		}
	}
	return nil
}

// ChipAllowlist supplies a chip's allowlist tables. Any method may return nil,
// in which case that search tier is skipped.
type ChipAllowlist interface {
	// GlobalRanges lists global registers a debug session may access.
	GlobalRanges() []Range

	// ContextRanges lists context-relative registers.
	ContextRanges() []Range

	// RunControlOffsets lists individually permitted run-control registers.
	RunControlOffsets() []uint32
}

// allowlists holds a chip's tables, resolved once when the engine is built.
// It is immutable and safe for concurrent use.
type allowlists struct {
	global     RangeTable
	context    RangeTable
	runControl []uint32
}

func newAllowlists(chip ChipAllowlist) (*allowlists, error) {
	a := &allowlists{}
	if chip == nil {
		return a, nil
	}
	a.global = slices.Clone(RangeTable(chip.GlobalRanges()))
	a.context = slices.Clone(RangeTable(chip.ContextRanges()))
	a.runControl = slices.Clone(chip.RunControlOffsets())
	if err := a.global.Check(); err != nil {
		return nil, fmt.Errorf("global allowlist: %w", err)
	}
	if err := a.context.Check(); err != nil {
		return nil, fmt.Errorf("context allowlist: %w", err)
	}
	return a, nil
}

// runControlContains linearly searches the run-control list.
func (a *allowlists) runControlContains(offset uint32) bool {
	for _, o := range a.runControl {
		if o == offset {
			return true
		}
	}
	return false
}

// Tier names the allowlist that admitted an offset.
type Tier int

// Tiers, in search order.
const (
	TierNone Tier = iota
	TierGlobal
	TierContext
	TierRunControl
)

func (t Tier) String() string {
	switch t {
	case TierGlobal:
		return "global"
	case TierContext:
		return "context"
	case TierRunControl:
		return "runcontrol"
	default:
		return "none"
	}
}

// lookup returns the tier admitting offset as a register of type t, or
// TierNone. hasContext is true when the session has a bound context, which
// widens global lookups to the context and run-control lists and enables the
// run-control list for context lookups.
func (a *allowlists) lookup(offset uint32, t Type, hasContext bool) Tier {
	switch {
	case t == TypeGlobal:
		if a.global.Contains(offset) {
			return TierGlobal
		}
		if !hasContext {
			return TierNone
		}
		if a.context.Contains(offset) {
			return TierContext
		}
	case t.IsContext():
		if a.context.Contains(offset) {
			return TierContext
		}
		if !hasContext {
			return TierNone
		}
	default:
		return TierNone
	}
	if a.runControlContains(offset) {
		return TierRunControl
	}
	return TierNone
}
