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

// Package nvgpu contains types and constants of the nvgpu debugger/profiler
// register-operation interface, as seen at the ioctl boundary.
package nvgpu

import (
	"encoding/binary"
	"fmt"
)

// From include/uapi/linux/nvgpu.h, struct nvgpu_dbg_gpu_reg_op.op:
const (
	NVGPU_DBG_GPU_REG_OP_READ_32  = 0x00
	NVGPU_DBG_GPU_REG_OP_WRITE_32 = 0x01
	NVGPU_DBG_GPU_REG_OP_READ_64  = 0x02
	NVGPU_DBG_GPU_REG_OP_WRITE_64 = 0x03
	// 8-bit accesses are defined by the interface but never supported.
	NVGPU_DBG_GPU_REG_OP_READ_08  = 0x04
	NVGPU_DBG_GPU_REG_OP_WRITE_08 = 0x05
)

// struct nvgpu_dbg_gpu_reg_op.type:
const (
	NVGPU_DBG_GPU_REG_OP_TYPE_GLOBAL      = 0x00
	NVGPU_DBG_GPU_REG_OP_TYPE_GR_CTX      = 0x01
	NVGPU_DBG_GPU_REG_OP_TYPE_GR_CTX_TPC  = 0x02
	NVGPU_DBG_GPU_REG_OP_TYPE_GR_CTX_SM   = 0x04
	NVGPU_DBG_GPU_REG_OP_TYPE_GR_CTX_CROP = 0x08
	NVGPU_DBG_GPU_REG_OP_TYPE_GR_CTX_ZROP = 0x10
	NVGPU_DBG_GPU_REG_OP_TYPE_FB          = 0x20
	NVGPU_DBG_GPU_REG_OP_TYPE_GR_CTX_QUAD = 0x40
)

// struct nvgpu_dbg_gpu_reg_op.status:
const (
	NVGPU_DBG_GPU_REG_OP_STATUS_SUCCESS        = 0x00
	NVGPU_DBG_GPU_REG_OP_STATUS_INVALID_OP     = 0x01
	NVGPU_DBG_GPU_REG_OP_STATUS_INVALID_TYPE   = 0x02
	NVGPU_DBG_GPU_REG_OP_STATUS_INVALID_OFFSET = 0x04
	NVGPU_DBG_GPU_REG_OP_STATUS_UNSUPPORTED_OP = 0x08
	NVGPU_DBG_GPU_REG_OP_STATUS_INVALID_MASK   = 0x10
)

// From include/nvgpu/regops.h, the flags word passed alongside a batch:
const (
	NVGPU_REG_OP_FLAG_MODE_ALL_OR_NONE       = 1 << 1
	NVGPU_REG_OP_FLAG_MODE_CONTINUE_ON_ERROR = 1 << 2
	NVGPU_REG_OP_FLAG_ALL_PASSED             = 1 << 3
	NVGPU_REG_OP_FLAG_DIRECT_OPS             = 1 << 4
)

// From include/nvgpu/pm_reservation.h, enum
// nvgpu_pm_resource_hwpm_register_type:
const (
	NVGPU_HWPM_REGISTER_TYPE_HWPM_PERFMON = iota
	NVGPU_HWPM_REGISTER_TYPE_HWPM_ROUTER
	NVGPU_HWPM_REGISTER_TYPE_HWPM_PMA_TRIGGER
	NVGPU_HWPM_REGISTER_TYPE_HWPM_PERFMUX
	NVGPU_HWPM_REGISTER_TYPE_SMPC
	NVGPU_HWPM_REGISTER_TYPE_CAU
	NVGPU_HWPM_REGISTER_TYPE_HWPM_PMA_CHANNEL
	NVGPU_HWPM_REGISTER_TYPE_PC_SAMPLER
	NVGPU_HWPM_REGISTER_TYPE_TEST
	NVGPU_HWPM_REGISTER_TYPE_COUNT
)

// NVGPU_IOCTL_DBG_REG_OPS_LIMIT is the largest batch the driver copies in
// from userspace in one ioctl.
const NVGPU_IOCTL_DBG_REG_OPS_LIMIT = 1024

// DbgGpuRegOp is struct nvgpu_dbg_gpu_reg_op.
type DbgGpuRegOp struct {
	Op           uint8
	Type         uint8
	Status       uint8
	Quad         uint8
	GroupMask    uint32
	SubGroupMask uint32
	Offset       uint32
	ValueLo      uint32
	ValueHi      uint32
	AndNMaskLo   uint32
	AndNMaskHi   uint32
}

// SizeofDbgGpuRegOp is sizeof(struct nvgpu_dbg_gpu_reg_op).
const SizeofDbgGpuRegOp = 32

// byteOrder is the byte order of the interface. The driver only runs on
// little-endian Tegra and discrete parts.
var byteOrder = binary.LittleEndian

// SizeBytes returns the marshalled size of the struct.
func (r *DbgGpuRegOp) SizeBytes() int {
	return SizeofDbgGpuRegOp
}

// MarshalBytes serializes r into dst, which must be at least SizeBytes long,
// and returns the remainder of dst.
func (r *DbgGpuRegOp) MarshalBytes(dst []byte) []byte {
	dst[0] = r.Op
	dst[1] = r.Type
	dst[2] = r.Status
	dst[3] = r.Quad
	byteOrder.PutUint32(dst[4:], r.GroupMask)
	byteOrder.PutUint32(dst[8:], r.SubGroupMask)
	byteOrder.PutUint32(dst[12:], r.Offset)
	byteOrder.PutUint32(dst[16:], r.ValueLo)
	byteOrder.PutUint32(dst[20:], r.ValueHi)
	byteOrder.PutUint32(dst[24:], r.AndNMaskLo)
	byteOrder.PutUint32(dst[28:], r.AndNMaskHi)
	return dst[SizeofDbgGpuRegOp:]
}

// UnmarshalBytes deserializes r from src, which must be at least SizeBytes
// long, and returns the remainder of src.
func (r *DbgGpuRegOp) UnmarshalBytes(src []byte) []byte {
	r.Op = src[0]
	r.Type = src[1]
	r.Status = src[2]
	r.Quad = src[3]
	r.GroupMask = byteOrder.Uint32(src[4:])
	r.SubGroupMask = byteOrder.Uint32(src[8:])
	r.Offset = byteOrder.Uint32(src[12:])
	r.ValueLo = byteOrder.Uint32(src[16:])
	r.ValueHi = byteOrder.Uint32(src[20:])
	r.AndNMaskLo = byteOrder.Uint32(src[24:])
	r.AndNMaskHi = byteOrder.Uint32(src[28:])
	return src[SizeofDbgGpuRegOp:]
}

// MarshalDbgGpuRegOpSlice serializes ops back to back, as the driver copies
// them out to userspace.
func MarshalDbgGpuRegOpSlice(ops []DbgGpuRegOp) []byte {
	buf := make([]byte, len(ops)*SizeofDbgGpuRegOp)
	dst := buf
	for i := range ops {
		dst = ops[i].MarshalBytes(dst)
	}
	return buf
}

// UnmarshalDbgGpuRegOpSlice deserializes a userspace buffer of register ops.
func UnmarshalDbgGpuRegOpSlice(src []byte) ([]DbgGpuRegOp, error) {
	if len(src)%SizeofDbgGpuRegOp != 0 {
		return nil, fmt.Errorf("buffer length %d is not a multiple of %d", len(src), SizeofDbgGpuRegOp)
	}
	n := len(src) / SizeofDbgGpuRegOp
	if n > NVGPU_IOCTL_DBG_REG_OPS_LIMIT {
		return nil, fmt.Errorf("%d register ops exceeds the limit of %d", n, NVGPU_IOCTL_DBG_REG_OPS_LIMIT)
	}
	ops := make([]DbgGpuRegOp, n)
	for i := range ops {
		src = ops[i].UnmarshalBytes(src)
	}
	return ops, nil
}
