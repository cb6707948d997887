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

	"nvgpu.dev/regops/pkg/abi/nvgpu"
)

// ResourceType classifies a register reachable through a profiler: each
// profiler reserves resources (perfmons, SMPC, ...) and may only touch
// registers of those resources.
type ResourceType uint32

// Resource types.
const (
	ResourcePerfmon     ResourceType = nvgpu.NVGPU_HWPM_REGISTER_TYPE_HWPM_PERFMON
	ResourceRouter      ResourceType = nvgpu.NVGPU_HWPM_REGISTER_TYPE_HWPM_ROUTER
	ResourcePMATrigger  ResourceType = nvgpu.NVGPU_HWPM_REGISTER_TYPE_HWPM_PMA_TRIGGER
	ResourcePerfmux     ResourceType = nvgpu.NVGPU_HWPM_REGISTER_TYPE_HWPM_PERFMUX
	ResourceSMPC        ResourceType = nvgpu.NVGPU_HWPM_REGISTER_TYPE_SMPC
	ResourceCAU         ResourceType = nvgpu.NVGPU_HWPM_REGISTER_TYPE_CAU
	ResourcePMAChannel  ResourceType = nvgpu.NVGPU_HWPM_REGISTER_TYPE_HWPM_PMA_CHANNEL
	ResourcePCSampler   ResourceType = nvgpu.NVGPU_HWPM_REGISTER_TYPE_PC_SAMPLER
	ResourceTest        ResourceType = nvgpu.NVGPU_HWPM_REGISTER_TYPE_TEST
	NumResourceTypes                 = nvgpu.NVGPU_HWPM_REGISTER_TYPE_COUNT
)

var resourceNames = [NumResourceTypes]string{
	ResourcePerfmon:    "perfmon",
	ResourceRouter:     "router",
	ResourcePMATrigger: "pma_trigger",
	ResourcePerfmux:    "perfmux",
	ResourceSMPC:       "smpc",
	ResourceCAU:        "cau",
	ResourcePMAChannel: "pma_channel",
	ResourcePCSampler:  "pc_sampler",
	ResourceTest:       "test",
}

func (r ResourceType) String() string {
	if r < NumResourceTypes {
		return resourceNames[r]
	}
	return fmt.Sprintf("resource(%d)", uint32(r))
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (r *ResourceType) UnmarshalText(b []byte) error {
	for i, name := range resourceNames {
		if name == string(b) {
			*r = ResourceType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown profiler resource type %q", string(b))
}

// ProfilerAllowlist resolves offsets through a profiler's reservations.
type ProfilerAllowlist interface {
	// ResolveOffset returns the resource type owning offset, or false if the
	// profiler may not access offset.
	ResolveOffset(offset uint32) (ResourceType, bool)
}

// Profiler is a profiler session. It is consulted instead of the chip
// allowlists when a batch arrives through a profiler.
type Profiler struct {
	// Allowlist is the profiler's view of permitted registers.
	Allowlist ProfilerAllowlist

	// RegOpType maps the resource type a register resolves to onto the type
	// the operation is executed as. Validation rewrites RegOp.Type with it.
	RegOpType [NumResourceTypes]Type
}
