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

// Package regfile provides an in-memory register file and context image
// store that stand in for a GPU behind a regops.Engine.
package regfile

import (
	"fmt"
	"maps"

	"github.com/google/btree"
	"nvgpu.dev/regops/pkg/errors/linuxerr"
	"nvgpu.dev/regops/pkg/regops"
	"nvgpu.dev/regops/pkg/sync"
)

// Access is one register access observed by a File.
type Access struct {
	Write  bool
	Offset uint32
	Value  uint32
}

func (a Access) String() string {
	if a.Write {
		return fmt.Sprintf("W %#08x <- %#08x", a.Offset, a.Value)
	}
	return fmt.Sprintf("R %#08x -> %#08x", a.Offset, a.Value)
}

// Register is a register's offset and value.
type Register struct {
	Offset uint32
	Value  uint32
}

func registerLess(a, b Register) bool {
	return a.Offset < b.Offset
}

// File is a sparse register file ordered by offset. Unset registers read as
// zero. It implements regops.Registers.
type File struct {
	mu       sync.Mutex
	regs     *btree.BTreeG[Register]
	accesses []Access
}

var _ regops.Registers = (*File)(nil)

// New returns a File holding the given initial values.
func New(initial map[uint32]uint32) *File {
	f := &File{regs: btree.NewG(8, registerLess)}
	for offset, value := range initial {
		f.regs.ReplaceOrInsert(Register{Offset: offset, Value: value})
	}
	return f
}

// +checklocks:f.mu
func (f *File) get(offset uint32) uint32 {
	r, _ := f.regs.Get(Register{Offset: offset})
	return r.Value
}

// Read32 implements regops.Registers.Read32.
func (f *File) Read32(offset uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.get(offset)
	f.accesses = append(f.accesses, Access{Offset: offset, Value: v})
	return v
}

// Write32 implements regops.Registers.Write32.
func (f *File) Write32(offset, value uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs.ReplaceOrInsert(Register{Offset: offset, Value: value})
	f.accesses = append(f.accesses, Access{Write: true, Offset: offset, Value: value})
}

// Peek returns a register's value without recording an access.
func (f *File) Peek(offset uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.get(offset)
}

// Dump returns every register that has been set, in offset order.
func (f *File) Dump() []Register {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Register, 0, f.regs.Len())
	f.regs.Ascend(func(r Register) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Accesses returns the accesses made since the last call, in order.
func (f *File) Accesses() []Access {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.accesses
	f.accesses = nil
	return a
}

// Snapshot returns a copy of every register that has been set.
func (f *File) Snapshot() map[uint32]uint32 {
	regs := make(map[uint32]uint32)
	for _, r := range f.Dump() {
		regs[r.Offset] = r.Value
	}
	return regs
}

// Context identifies a context image.
type Context uint32

// ID implements regops.Context.ID.
func (c Context) ID() uint32 { return uint32(c) }

// Images holds saved context images. The image layout is described by the
// main and PM range tables: an offset is resolvable iff it falls in one of
// them. Images implements regops.ContextExecutor, regops.ContextState and
// regops.ContextOffsetResolver.
type Images struct {
	main regops.RangeTable
	pm   regops.RangeTable

	mu     sync.Mutex
	images map[uint32]map[uint32]uint32
}

var (
	_ regops.ContextExecutor       = (*Images)(nil)
	_ regops.ContextState          = (*Images)(nil)
	_ regops.ContextOffsetResolver = (*Images)(nil)
)

// NewImages returns an empty store with the given layout.
func NewImages(main, pm []regops.Range) (*Images, error) {
	im := &Images{
		main:   main,
		pm:     pm,
		images: make(map[uint32]map[uint32]uint32),
	}
	if err := im.main.Check(); err != nil {
		return nil, fmt.Errorf("main context layout: %w", err)
	}
	if err := im.pm.Check(); err != nil {
		return nil, fmt.Errorf("pm context layout: %w", err)
	}
	return im, nil
}

// Create allocates a zeroed image for ctx, making it ready.
func (im *Images) Create(ctx regops.Context) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if _, ok := im.images[ctx.ID()]; !ok {
		im.images[ctx.ID()] = make(map[uint32]uint32)
	}
}

// Image returns a copy of ctx's image, or nil if it has none.
func (im *Images) Image(ctx regops.Context) map[uint32]uint32 {
	im.mu.Lock()
	defer im.mu.Unlock()
	return maps.Clone(im.images[ctx.ID()])
}

// Ready implements regops.ContextState.Ready.
func (im *Images) Ready(ctx regops.Context) bool {
	im.mu.Lock()
	defer im.mu.Unlock()
	_, ok := im.images[ctx.ID()]
	return ok
}

// ContextBufferOffsets implements
// regops.ContextOffsetResolver.ContextBufferOffsets.
func (im *Images) ContextBufferOffsets(offset uint32) (int, error) {
	if im.main.Contains(offset) {
		return 1, nil
	}
	return 0, linuxerr.EINVAL
}

// PMContextBufferOffsets implements
// regops.ContextOffsetResolver.PMContextBufferOffsets.
func (im *Images) PMContextBufferOffsets(offset uint32) (int, error) {
	if im.pm.Contains(offset) {
		return 1, nil
	}
	return 0, linuxerr.EINVAL
}

func (im *Images) resolvable(offset uint32) bool {
	return im.main.Contains(offset) || im.pm.Contains(offset)
}

// ExecContextOps implements regops.ContextExecutor.ExecContextOps. Writes
// honor the operation's masks the way global writes do. Any unresolvable
// offset fails the whole sub-batch before the image is touched; op statuses
// are left as validation set them.
func (im *Images) ExecContextOps(ctx regops.Context, ops []*regops.RegOp, numWrites, numReads uint32, flags regops.Flags) error {
	var reads, writes uint32
	for _, op := range ops {
		if op.Op.IsRead() {
			reads++
		} else {
			writes++
		}
		if !im.resolvable(op.Offset) || (op.Op.Is64() && !im.resolvable(op.Offset+4)) {
			return fmt.Errorf("context offset %#x has no image location: %w", op.Offset, linuxerr.EINVAL)
		}
	}
	// The tallies also count ops rejected by validation, so they bound the
	// sub-batch rather than match it.
	if reads > numReads || writes > numWrites {
		return fmt.Errorf("context ops tally %d reads, %d writes exceeds caller's %d, %d: %w", reads, writes, numReads, numWrites, linuxerr.EINVAL)
	}

	im.mu.Lock()
	defer im.mu.Unlock()
	img, ok := im.images[ctx.ID()]
	if !ok {
		return linuxerr.ENODEV
	}
	for _, op := range ops {
		switch op.Op {
		case regops.OpRead32:
			op.ValueLo, op.ValueHi = img[op.Offset], 0
		case regops.OpRead64:
			op.ValueLo, op.ValueHi = img[op.Offset], img[op.Offset+4]
		case regops.OpWrite32:
			img[op.Offset] = img[op.Offset]&^op.AndNMaskLo | op.ValueLo
		case regops.OpWrite64:
			img[op.Offset] = img[op.Offset]&^op.AndNMaskLo | op.ValueLo
			img[op.Offset+4] = img[op.Offset+4]&^op.AndNMaskHi | op.ValueHi
		default:
			return linuxerr.EINVAL
		}
	}
	return nil
}
