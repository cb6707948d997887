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
	"nvgpu.dev/regops/pkg/abi/nvgpu"
	"nvgpu.dev/regops/pkg/errors/linuxerr"
)

// ExecRecords runs a batch given as the ioctl's array of
// nvgpu_dbg_gpu_reg_op records and returns the records to copy back out.
// Results are returned alongside batch-level errors so that per-op statuses
// reach the caller either way; a malformed buffer yields EINVAL and no
// records.
func (e *Engine) ExecRecords(s Session, in []byte, flags *Flags) ([]byte, error) {
	recs, err := nvgpu.UnmarshalDbgGpuRegOpSlice(in)
	if err != nil {
		e.log.Warningf("regops: malformed reg op buffer: %v", err)
		return nil, linuxerr.EINVAL
	}
	ops := FromABI(recs)
	execErr := e.Exec(s, ops, flags)
	ToABI(ops, recs)
	return nvgpu.MarshalDbgGpuRegOpSlice(recs), execErr
}
