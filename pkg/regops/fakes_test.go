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
	"testing"

	"nvgpu.dev/regops/pkg/log"
)

type access struct {
	write  bool
	offset uint32
	value  uint32
}

// fakeRegisters is a register file that records every access.
type fakeRegisters struct {
	vals     map[uint32]uint32
	accesses []access
}

func newFakeRegisters() *fakeRegisters {
	return &fakeRegisters{vals: make(map[uint32]uint32)}
}

func (f *fakeRegisters) Read32(offset uint32) uint32 {
	v := f.vals[offset]
	f.accesses = append(f.accesses, access{offset: offset, value: v})
	return v
}

func (f *fakeRegisters) Write32(offset, value uint32) {
	f.vals[offset] = value
	f.accesses = append(f.accesses, access{write: true, offset: offset, value: value})
}

func (f *fakeRegisters) reads() int {
	n := 0
	for _, a := range f.accesses {
		if !a.write {
			n++
		}
	}
	return n
}

func (f *fakeRegisters) touched(offset uint32) bool {
	for _, a := range f.accesses {
		if a.offset == offset {
			return true
		}
	}
	return false
}

type fakeChip struct {
	global     []Range
	context    []Range
	runControl []uint32
}

func (c *fakeChip) GlobalRanges() []Range       { return c.global }
func (c *fakeChip) ContextRanges() []Range      { return c.context }
func (c *fakeChip) RunControlOffsets() []uint32 { return c.runControl }

type fakeContext uint32

func (c fakeContext) ID() uint32 { return uint32(c) }

type ctxCall struct {
	ctx                 Context
	offsets             []uint32
	numWrites, numReads uint32
}

// fakeContexts is a context executor and readiness probe.
type fakeContexts struct {
	notReady bool
	err      error
	calls    []ctxCall
	// readValue is stored into ValueLo of delegated reads.
	readValue uint32
}

func (f *fakeContexts) Ready(Context) bool { return !f.notReady }

func (f *fakeContexts) ExecContextOps(ctx Context, ops []*RegOp, numWrites, numReads uint32, _ Flags) error {
	call := ctxCall{ctx: ctx, numWrites: numWrites, numReads: numReads}
	for _, op := range ops {
		call.offsets = append(call.offsets, op.Offset)
		if op.Op.IsRead() {
			op.ValueLo = f.readValue
		}
	}
	f.calls = append(f.calls, call)
	return f.err
}

// fakeResolver maps every offset to one context image location, except the
// listed ones.
type fakeResolver struct {
	mainMissing map[uint32]bool
	pmMissing   map[uint32]bool
	pmCalls     int
}

func (f *fakeResolver) ContextBufferOffsets(offset uint32) (int, error) {
	if f.mainMissing[offset] {
		return 0, fmt.Errorf("offset %#x not in main image", offset)
	}
	return 1, nil
}

func (f *fakeResolver) PMContextBufferOffsets(offset uint32) (int, error) {
	f.pmCalls++
	if f.pmMissing[offset] {
		return 0, fmt.Errorf("offset %#x not in pm image", offset)
	}
	return 1, nil
}

// profilerRanges is a profiler allowlist of ranges tagged by resource.
type profilerRanges []struct {
	r   Range
	res ResourceType
}

func (p profilerRanges) ResolveOffset(offset uint32) (ResourceType, bool) {
	for _, pr := range p {
		if pr.r.Contains(offset) {
			return pr.res, true
		}
	}
	return 0, false
}

type testEnv struct {
	regs     *fakeRegisters
	contexts *fakeContexts
	engine   *Engine
}

func newTestEnv(t *testing.T, chip *fakeChip) *testEnv {
	t.Helper()
	env := &testEnv{
		regs:     newFakeRegisters(),
		contexts: &fakeContexts{},
	}
	e, err := New(Options{
		Registers:    env.regs,
		Chip:         chip,
		Contexts:     env.contexts,
		ContextState: env.contexts,
		Logger:       &log.BasicLogger{Level: log.Debug, Emitter: &log.TestEmitter{TestLogger: t}},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	env.engine = e
	return env
}
