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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"nvgpu.dev/regops/pkg/abi/nvgpu"
	"nvgpu.dev/regops/pkg/errors/linuxerr"
)

func TestExecRecords(t *testing.T) {
	env := newTestEnv(t, testChip)
	env.regs.vals[0x1000] = 0xcafe
	in := nvgpu.MarshalDbgGpuRegOpSlice([]nvgpu.DbgGpuRegOp{
		{Op: nvgpu.NVGPU_DBG_GPU_REG_OP_READ_32, Type: nvgpu.NVGPU_DBG_GPU_REG_OP_TYPE_GLOBAL, Offset: 0x1000},
		{Op: nvgpu.NVGPU_DBG_GPU_REG_OP_READ_08, Type: nvgpu.NVGPU_DBG_GPU_REG_OP_TYPE_GLOBAL, Offset: 0x2000},
		{Op: nvgpu.NVGPU_DBG_GPU_REG_OP_READ_32, Type: nvgpu.NVGPU_DBG_GPU_REG_OP_TYPE_FB, Offset: 0x2000},
	})
	flags := FlagContinueOnError
	out, err := env.engine.ExecRecords(Session{}, in, &flags)
	if err != nil {
		t.Fatalf("ExecRecords: %v", err)
	}
	got, err := nvgpu.UnmarshalDbgGpuRegOpSlice(out)
	if err != nil {
		t.Fatalf("UnmarshalDbgGpuRegOpSlice: %v", err)
	}
	want := []nvgpu.DbgGpuRegOp{
		{Op: nvgpu.NVGPU_DBG_GPU_REG_OP_READ_32, Type: nvgpu.NVGPU_DBG_GPU_REG_OP_TYPE_GLOBAL, Offset: 0x1000, ValueLo: 0xcafe},
		{Op: nvgpu.NVGPU_DBG_GPU_REG_OP_READ_08, Type: nvgpu.NVGPU_DBG_GPU_REG_OP_TYPE_GLOBAL, Offset: 0x2000, Status: nvgpu.NVGPU_DBG_GPU_REG_OP_STATUS_UNSUPPORTED_OP},
		{Op: nvgpu.NVGPU_DBG_GPU_REG_OP_READ_32, Type: nvgpu.NVGPU_DBG_GPU_REG_OP_TYPE_FB, Offset: 0x2000, Status: nvgpu.NVGPU_DBG_GPU_REG_OP_STATUS_INVALID_OFFSET | nvgpu.NVGPU_DBG_GPU_REG_OP_STATUS_INVALID_TYPE},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	if flags&FlagAllPassed != 0 {
		t.Errorf("FlagAllPassed set with invalid ops")
	}
}

func TestExecRecordsAllOrNoneReturnsStatuses(t *testing.T) {
	env := newTestEnv(t, testChip)
	in := nvgpu.MarshalDbgGpuRegOpSlice([]nvgpu.DbgGpuRegOp{
		{Op: nvgpu.NVGPU_DBG_GPU_REG_OP_READ_32, Type: nvgpu.NVGPU_DBG_GPU_REG_OP_TYPE_GLOBAL, Offset: 0x3000},
	})
	flags := FlagAllOrNone
	out, err := env.engine.ExecRecords(Session{}, in, &flags)
	if !errors.Is(err, ErrInvalidOps) {
		t.Fatalf("ExecRecords = %v, want ErrInvalidOps", err)
	}
	got, err := nvgpu.UnmarshalDbgGpuRegOpSlice(out)
	if err != nil {
		t.Fatalf("UnmarshalDbgGpuRegOpSlice: %v", err)
	}
	if got[0].Status != nvgpu.NVGPU_DBG_GPU_REG_OP_STATUS_INVALID_OFFSET {
		t.Errorf("status = %#x, want INVALID_OFFSET", got[0].Status)
	}
}

func TestExecRecordsMalformed(t *testing.T) {
	env := newTestEnv(t, testChip)
	var flags Flags
	out, err := env.engine.ExecRecords(Session{}, make([]byte, nvgpu.SizeofDbgGpuRegOp-1), &flags)
	if !linuxerr.Equals(linuxerr.EINVAL, err) || out != nil {
		t.Errorf("ExecRecords(truncated) = %v, %v, want nil, EINVAL", out, err)
	}
	if got := env.regs.accesses; len(got) != 0 {
		t.Errorf("malformed batch touched registers: %v", got)
	}
}
