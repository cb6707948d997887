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

// Package regops validates and executes batches of GPU register operations
// on behalf of debugger and profiler sessions.
//
// A batch is first validated as a whole: every operation's offset is checked
// against the chip's allowlists (or a profiler's own allowlist), and its op
// and type are checked against the supported sets. Permitted global
// operations are then performed directly against the register transport,
// while context-relative operations are handed as one sub-batch to the
// context executor, which resolves them against the bound context's saved
// state.
//
// Preconditions: the caller must keep the device powered and must exclude
// concurrent resets for the duration of Engine.Exec. The engine takes no
// locks of its own.
package regops

import (
	"fmt"
	"strings"

	"nvgpu.dev/regops/pkg/abi/nvgpu"
)

// Op is the access kind of a register operation.
type Op uint8

// Supported access kinds.
const (
	OpRead32  Op = nvgpu.NVGPU_DBG_GPU_REG_OP_READ_32
	OpWrite32 Op = nvgpu.NVGPU_DBG_GPU_REG_OP_WRITE_32
	OpRead64  Op = nvgpu.NVGPU_DBG_GPU_REG_OP_READ_64
	OpWrite64 Op = nvgpu.NVGPU_DBG_GPU_REG_OP_WRITE_64
)

var opNames = map[Op]string{
	OpRead32:  "read32",
	OpWrite32: "write32",
	OpRead64:  "read64",
	OpWrite64: "write64",
}

// Supported returns true if o is one of the four supported access kinds.
func (o Op) Supported() bool {
	switch o {
	case OpRead32, OpWrite32, OpRead64, OpWrite64:
		return true
	}
	return false
}

// Is64 returns true for the two-dword access kinds.
func (o Op) Is64() bool {
	return o == OpRead64 || o == OpWrite64
}

// IsRead returns true for the read access kinds.
func (o Op) IsRead() bool {
	return o == OpRead32 || o == OpRead64
}

// String implements fmt.Stringer.String.
func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%#x)", uint8(o))
}

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (o Op) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (o *Op) UnmarshalText(b []byte) error {
	s := strings.ToLower(string(b))
	for op, name := range opNames {
		if name == s {
			*o = op
			return nil
		}
	}
	return fmt.Errorf("unknown register op %q", s)
}

// Type is the region a register operation targets.
type Type uint8

// Supported region kinds. Everything except TypeGlobal lives in the bound
// context's saved state.
const (
	TypeGlobal    Type = nvgpu.NVGPU_DBG_GPU_REG_OP_TYPE_GLOBAL
	TypeGRCtx     Type = nvgpu.NVGPU_DBG_GPU_REG_OP_TYPE_GR_CTX
	TypeGRCtxTPC  Type = nvgpu.NVGPU_DBG_GPU_REG_OP_TYPE_GR_CTX_TPC
	TypeGRCtxSM   Type = nvgpu.NVGPU_DBG_GPU_REG_OP_TYPE_GR_CTX_SM
	TypeGRCtxCROP Type = nvgpu.NVGPU_DBG_GPU_REG_OP_TYPE_GR_CTX_CROP
	TypeGRCtxZROP Type = nvgpu.NVGPU_DBG_GPU_REG_OP_TYPE_GR_CTX_ZROP
	TypeGRCtxQuad Type = nvgpu.NVGPU_DBG_GPU_REG_OP_TYPE_GR_CTX_QUAD
)

var typeNames = map[Type]string{
	TypeGlobal:    "global",
	TypeGRCtx:     "gr_ctx",
	TypeGRCtxTPC:  "gr_ctx_tpc",
	TypeGRCtxSM:   "gr_ctx_sm",
	TypeGRCtxCROP: "gr_ctx_crop",
	TypeGRCtxZROP: "gr_ctx_zrop",
	TypeGRCtxQuad: "gr_ctx_quad",
}

// Supported returns true if t is one of the supported region kinds.
func (t Type) Supported() bool {
	return t == TypeGlobal || t.IsContext()
}

// IsContext returns true if t is resolved against a bound context.
func (t Type) IsContext() bool {
	switch t {
	case TypeGRCtx, TypeGRCtxTPC, TypeGRCtxSM, TypeGRCtxCROP, TypeGRCtxZROP, TypeGRCtxQuad:
		return true
	}
	return false
}

// String implements fmt.Stringer.String.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%#x)", uint8(t))
}

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (t *Type) UnmarshalText(b []byte) error {
	s := strings.ToLower(string(b))
	for typ, name := range typeNames {
		if name == s {
			*t = typ
			return nil
		}
	}
	return fmt.Errorf("unknown register op type %q", s)
}

// Status accumulates the outcome of one register operation. StatusSuccess is
// the absence of every failure bit.
type Status uint8

// Status bits.
const (
	StatusSuccess       Status = nvgpu.NVGPU_DBG_GPU_REG_OP_STATUS_SUCCESS
	StatusInvalidOp     Status = nvgpu.NVGPU_DBG_GPU_REG_OP_STATUS_INVALID_OP
	StatusInvalidType   Status = nvgpu.NVGPU_DBG_GPU_REG_OP_STATUS_INVALID_TYPE
	StatusInvalidOffset Status = nvgpu.NVGPU_DBG_GPU_REG_OP_STATUS_INVALID_OFFSET
	StatusUnsupportedOp Status = nvgpu.NVGPU_DBG_GPU_REG_OP_STATUS_UNSUPPORTED_OP
	StatusInvalidMask   Status = nvgpu.NVGPU_DBG_GPU_REG_OP_STATUS_INVALID_MASK
)

var statusNames = []struct {
	bit  Status
	name string
}{
	{StatusInvalidOp, "invalid_op"},
	{StatusInvalidType, "invalid_type"},
	{StatusInvalidOffset, "invalid_offset"},
	{StatusUnsupportedOp, "unsupported_op"},
	{StatusInvalidMask, "invalid_mask"},
}

// Failed returns true if any failure bit is set.
func (s Status) Failed() bool {
	return s != StatusSuccess
}

// Has returns true if all bits of f are set in s.
func (s Status) Has(f Status) bool {
	return s&f == f
}

// String implements fmt.Stringer.String.
func (s Status) String() string {
	if s == StatusSuccess {
		return "success"
	}
	var parts []string
	rest := s
	for _, sn := range statusNames {
		if s&sn.bit != 0 {
			parts = append(parts, sn.name)
			rest &^= sn.bit
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Flags are the batch-level flags. FlagAllOrNone and FlagContinueOnError are
// set by the caller; FlagAllPassed is set by the engine.
type Flags uint32

// Batch flags.
const (
	FlagAllOrNone       Flags = nvgpu.NVGPU_REG_OP_FLAG_MODE_ALL_OR_NONE
	FlagContinueOnError Flags = nvgpu.NVGPU_REG_OP_FLAG_MODE_CONTINUE_ON_ERROR
	FlagAllPassed       Flags = nvgpu.NVGPU_REG_OP_FLAG_ALL_PASSED
	FlagDirectOps       Flags = nvgpu.NVGPU_REG_OP_FLAG_DIRECT_OPS
)

// AllOrNone returns true if the batch aborts on the first invalid operation.
// Continue-on-error is the default when neither mode bit is set.
func (f Flags) AllOrNone() bool {
	return f&FlagAllOrNone != 0
}

// RegOp is one register operation. It is owned by the caller and updated in
// place: Status by validation, ValueLo and ValueHi by reads.
type RegOp struct {
	Op     Op
	Type   Type
	Status Status

	// Quad, GroupMask and SubGroupMask select broadcast targets of
	// context-relative operations. They are interpreted only by the context
	// executor.
	Quad         uint8
	GroupMask    uint32
	SubGroupMask uint32

	// Offset is the byte offset of the (first) register.
	Offset uint32

	ValueLo uint32
	ValueHi uint32

	// AndNMaskLo and AndNMaskHi select the bits a write replaces. A dword
	// whose mask is all ones is written verbatim without being read.
	AndNMaskLo uint32
	AndNMaskHi uint32
}

// FromABI converts ABI records into RegOps.
func FromABI(in []nvgpu.DbgGpuRegOp) []RegOp {
	ops := make([]RegOp, len(in))
	for i, r := range in {
		ops[i] = RegOp{
			Op:           Op(r.Op),
			Type:         Type(r.Type),
			Status:       Status(r.Status),
			Quad:         r.Quad,
			GroupMask:    r.GroupMask,
			SubGroupMask: r.SubGroupMask,
			Offset:       r.Offset,
			ValueLo:      r.ValueLo,
			ValueHi:      r.ValueHi,
			AndNMaskLo:   r.AndNMaskLo,
			AndNMaskHi:   r.AndNMaskHi,
		}
	}
	return ops
}

// ToABI copies results back into ABI records. ops and out must have the same
// length.
func ToABI(ops []RegOp, out []nvgpu.DbgGpuRegOp) {
	for i, op := range ops {
		out[i] = nvgpu.DbgGpuRegOp{
			Op:           uint8(op.Op),
			Type:         uint8(op.Type),
			Status:       uint8(op.Status),
			Quad:         op.Quad,
			GroupMask:    op.GroupMask,
			SubGroupMask: op.SubGroupMask,
			Offset:       op.Offset,
			ValueLo:      op.ValueLo,
			ValueHi:      op.ValueHi,
			AndNMaskLo:   op.AndNMaskLo,
			AndNMaskHi:   op.AndNMaskHi,
		}
	}
}
