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

package regfile

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"nvgpu.dev/regops/pkg/errors/linuxerr"
	"nvgpu.dev/regops/pkg/regops"
)

type chip struct{}

func (chip) GlobalRanges() []regops.Range {
	return []regops.Range{{Base: 0x1000, Count: 4}}
}

func (chip) ContextRanges() []regops.Range {
	return []regops.Range{{Base: 0x419000, Count: 4}, {Base: 0x500000, Count: 2}}
}

func (chip) RunControlOffsets() []uint32 { return nil }

func TestFileRecordsAccesses(t *testing.T) {
	f := New(map[uint32]uint32{0x1000: 7})
	if got := f.Read32(0x1000); got != 7 {
		t.Errorf("Read32(0x1000) = %d, want 7", got)
	}
	f.Write32(0x1004, 9)
	if got := f.Read32(0x1008); got != 0 {
		t.Errorf("Read32(unset) = %d, want 0", got)
	}
	want := []Access{
		{Offset: 0x1000, Value: 7},
		{Write: true, Offset: 0x1004, Value: 9},
		{Offset: 0x1008},
	}
	if diff := cmp.Diff(want, f.Accesses()); diff != "" {
		t.Errorf("Accesses mismatch (-want +got):\n%s", diff)
	}
	if got := f.Accesses(); len(got) != 0 {
		t.Errorf("Accesses after drain = %v, want none", got)
	}
	if diff := cmp.Diff(map[uint32]uint32{0x1000: 7, 0x1004: 9}, f.Snapshot()); diff != "" {
		t.Errorf("Snapshot mismatch (-want +got):\n%s", diff)
	}
	wantDump := []Register{{Offset: 0x1000, Value: 7}, {Offset: 0x1004, Value: 9}}
	if diff := cmp.Diff(wantDump, f.Dump()); diff != "" {
		t.Errorf("Dump mismatch (-want +got):\n%s", diff)
	}
	if got := f.Peek(0x1004); got != 9 {
		t.Errorf("Peek(0x1004) = %d, want 9", got)
	}
	if got := f.Accesses(); len(got) != 0 {
		t.Errorf("Peek recorded accesses %v", got)
	}
}

func TestDumpOrdered(t *testing.T) {
	initial := make(map[uint32]uint32)
	for i := uint32(0); i < 100; i++ {
		initial[(i*37%100)*4] = i
	}
	f := New(initial)
	f.Write32(0x10000, 1)
	dump := f.Dump()
	if len(dump) != 101 {
		t.Fatalf("Dump has %d registers, want 101", len(dump))
	}
	for i := 1; i < len(dump); i++ {
		if dump[i-1].Offset >= dump[i].Offset {
			t.Fatalf("Dump out of order at %d: %#x then %#x", i, dump[i-1].Offset, dump[i].Offset)
		}
	}
}

func TestImagesResolver(t *testing.T) {
	im, err := NewImages([]regops.Range{{Base: 0x419000, Count: 4}}, []regops.Range{{Base: 0x500000, Count: 2}})
	if err != nil {
		t.Fatalf("NewImages: %v", err)
	}
	if n, err := im.ContextBufferOffsets(0x419004); n != 1 || err != nil {
		t.Errorf("ContextBufferOffsets(main) = %d, %v, want 1, nil", n, err)
	}
	if _, err := im.ContextBufferOffsets(0x500000); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("ContextBufferOffsets(pm) = %v, want EINVAL", err)
	}
	if n, err := im.PMContextBufferOffsets(0x500004); n != 1 || err != nil {
		t.Errorf("PMContextBufferOffsets(pm) = %d, %v, want 1, nil", n, err)
	}
	if _, err := NewImages([]regops.Range{{Base: 8, Count: 1}, {Base: 4, Count: 1}}, nil); err == nil {
		t.Errorf("NewImages(unsorted) succeeded, want error")
	}
}

func TestEngineAgainstSimulatedDevice(t *testing.T) {
	regs := New(map[uint32]uint32{0x1004: 0xffff0000})
	im, err := NewImages([]regops.Range{{Base: 0x419000, Count: 4}}, []regops.Range{{Base: 0x500000, Count: 2}})
	if err != nil {
		t.Fatalf("NewImages: %v", err)
	}
	e, err := regops.New(regops.Options{
		Registers:      regs,
		Chip:           chip{},
		Contexts:       im,
		ContextState:   im,
		OffsetResolver: im,
	})
	if err != nil {
		t.Fatalf("regops.New: %v", err)
	}
	ctx := Context(3)
	s := regops.Session{Context: ctx}

	ops := []regops.RegOp{
		{Op: regops.OpWrite32, Type: regops.TypeGlobal, Offset: 0x1004, ValueLo: 0x12, AndNMaskLo: 0xff},
		{Op: regops.OpWrite64, Type: regops.TypeGRCtx, Offset: 0x419000, ValueLo: 1, ValueHi: 2, AndNMaskLo: ^uint32(0), AndNMaskHi: ^uint32(0)},
		{Op: regops.OpWrite32, Type: regops.TypeGRCtx, Offset: 0x500004, ValueLo: 5, AndNMaskLo: ^uint32(0)},
	}
	var flags regops.Flags
	if err := e.Exec(s, ops, &flags); !errors.Is(err, regops.ErrContextUnavailable) {
		t.Fatalf("Exec before image exists = %v, want ErrContextUnavailable", err)
	}
	regs.Accesses()

	im.Create(ctx)
	if err := e.Exec(s, ops, &flags); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if flags&regops.FlagAllPassed == 0 {
		t.Errorf("flags = %#x, want FlagAllPassed", flags)
	}
	if got, want := regs.Peek(0x1004), uint32(0xffff0012); got != want {
		t.Errorf("global register = %#x, want %#x", got, want)
	}
	wantImage := map[uint32]uint32{0x419000: 1, 0x419004: 2, 0x500004: 5}
	if diff := cmp.Diff(wantImage, im.Image(ctx)); diff != "" {
		t.Errorf("context image mismatch (-want +got):\n%s", diff)
	}

	regs.Accesses()

	reads := []regops.RegOp{
		{Op: regops.OpRead64, Type: regops.TypeGRCtx, Offset: 0x419000},
		{Op: regops.OpRead32, Type: regops.TypeGRCtx, Offset: 0x500004, ValueHi: 0xdead},
	}
	if err := e.Exec(s, reads, &flags); err != nil {
		t.Fatalf("Exec reads: %v", err)
	}
	if reads[0].ValueLo != 1 || reads[0].ValueHi != 2 {
		t.Errorf("ctx read64 = %#x:%#x, want 2:1", reads[0].ValueHi, reads[0].ValueLo)
	}
	if reads[1].ValueLo != 5 || reads[1].ValueHi != 0 {
		t.Errorf("ctx read32 = %#x:%#x, want 0:5", reads[1].ValueHi, reads[1].ValueLo)
	}
	if got := regs.Accesses(); len(got) != 0 {
		t.Errorf("context ops touched the register file: %v", got)
	}
}

func TestExecContextOpsTallyMismatch(t *testing.T) {
	im, err := NewImages([]regops.Range{{Base: 0x419000, Count: 4}}, nil)
	if err != nil {
		t.Fatalf("NewImages: %v", err)
	}
	ctx := Context(1)
	im.Create(ctx)
	ops := []*regops.RegOp{{Op: regops.OpWrite32, Type: regops.TypeGRCtx, Offset: 0x419000, ValueLo: 1, AndNMaskLo: ^uint32(0)}}
	if err := im.ExecContextOps(ctx, ops, 0, 1, 0); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("ExecContextOps(bad tally) = %v, want EINVAL", err)
	}
	if diff := cmp.Diff(map[uint32]uint32{}, im.Image(ctx), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("image modified on failure (-want +got):\n%s", diff)
	}
	bad := []*regops.RegOp{{Op: regops.OpRead32, Type: regops.TypeGRCtx, Offset: 0x419010}}
	if err := im.ExecContextOps(ctx, bad, 0, 1, 0); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("ExecContextOps(unresolvable) = %v, want EINVAL", err)
	}
	if bad[0].Status != regops.StatusSuccess {
		t.Errorf("Status = %v, want %v: delegate failures must not alter statuses", bad[0].Status, regops.StatusSuccess)
	}

	// Tallies that also count ops rejected by validation are accepted.
	if err := im.ExecContextOps(ctx, ops, 2, 1, 0); err != nil {
		t.Errorf("ExecContextOps(tallies including rejected ops) = %v, want nil", err)
	}
	if got := im.Image(ctx)[0x419000]; got != 1 {
		t.Errorf("context register = %d, want 1", got)
	}
}
