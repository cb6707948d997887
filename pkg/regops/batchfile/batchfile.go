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

// Package batchfile reads register operation batches from YAML and writes
// their results back.
//
// A batch looks like:
//
//	mode: continue_on_error
//	context: 3
//	ops:
//	  - {op: read32, type: global, offset: 0x1000}
//	  - {op: write32, type: gr_ctx, offset: 0x419000, value_lo: 0x12, mask_lo: 0xff}
//
// Masks default to all ones, i.e. a full-width write.
package batchfile

import (
	"fmt"
	"io"
	"strconv"

	"gopkg.in/yaml.v3"
	"nvgpu.dev/regops/pkg/abi/nvgpu"
	"nvgpu.dev/regops/pkg/regops"
)

// Hex is a 32-bit value written as hexadecimal. It accepts any integer
// literal strconv.ParseUint understands with base 0.
type Hex uint32

// UnmarshalYAML implements yaml.Unmarshaler.UnmarshalYAML.
func (h *Hex) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected an integer", n.Line)
	}
	v, err := strconv.ParseUint(n.Value, 0, 32)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*h = Hex(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.MarshalYAML.
func (h Hex) MarshalYAML() (any, error) {
	return &yaml.Node{
		Kind:  yaml.ScalarNode,
		Tag:   "!!int",
		Value: fmt.Sprintf("%#x", uint32(h)),
	}, nil
}

// Mode selects the batch error mode.
type Mode string

// Modes.
const (
	ModeContinueOnError Mode = "continue_on_error"
	ModeAllOrNone       Mode = "all_or_none"
)

// Op is one operation as written in a batch file.
type Op struct {
	Op           regops.Op   `yaml:"op"`
	Type         regops.Type `yaml:"type"`
	Offset       Hex         `yaml:"offset"`
	ValueLo      Hex         `yaml:"value_lo,omitempty"`
	ValueHi      Hex         `yaml:"value_hi,omitempty"`
	MaskLo       *Hex        `yaml:"mask_lo,omitempty"`
	MaskHi       *Hex        `yaml:"mask_hi,omitempty"`
	Quad         uint8       `yaml:"quad,omitempty"`
	GroupMask    Hex         `yaml:"group_mask,omitempty"`
	SubGroupMask Hex         `yaml:"sub_group_mask,omitempty"`
}

// Profiler requests that the batch run through a profiler session holding
// the listed resources. An empty list reserves every resource.
type Profiler struct {
	Resources []regops.ResourceType `yaml:"resources"`
}

// Batch is a decoded batch file.
type Batch struct {
	Mode     Mode      `yaml:"mode"`
	Context  *uint32   `yaml:"context"`
	Profiler *Profiler `yaml:"profiler"`
	Ops      []Op      `yaml:"ops"`
}

// Decode reads one batch. Unknown keys are rejected.
func Decode(r io.Reader) (*Batch, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var b Batch
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("decoding batch: %w", err)
	}
	if len(b.Ops) == 0 {
		return nil, fmt.Errorf("batch has no ops")
	}
	if len(b.Ops) > nvgpu.NVGPU_IOCTL_DBG_REG_OPS_LIMIT {
		return nil, fmt.Errorf("batch has %d ops, the limit is %d", len(b.Ops), nvgpu.NVGPU_IOCTL_DBG_REG_OPS_LIMIT)
	}
	return &b, nil
}

// Flags returns the batch's mode flags.
func (b *Batch) Flags() (regops.Flags, error) {
	switch b.Mode {
	case "", ModeContinueOnError:
		return regops.FlagContinueOnError, nil
	case ModeAllOrNone:
		return regops.FlagAllOrNone, nil
	default:
		return 0, fmt.Errorf("unknown batch mode %q", b.Mode)
	}
}

// RegOps converts the batch's operations. The result is owned by the
// caller.
func (b *Batch) RegOps() []regops.RegOp {
	ops := make([]regops.RegOp, len(b.Ops))
	for i, o := range b.Ops {
		ops[i] = regops.RegOp{
			Op:           o.Op,
			Type:         o.Type,
			Quad:         o.Quad,
			GroupMask:    uint32(o.GroupMask),
			SubGroupMask: uint32(o.SubGroupMask),
			Offset:       uint32(o.Offset),
			ValueLo:      uint32(o.ValueLo),
			ValueHi:      uint32(o.ValueHi),
			AndNMaskLo:   maskOrAll(o.MaskLo),
			AndNMaskHi:   maskOrAll(o.MaskHi),
		}
	}
	return ops
}

func maskOrAll(m *Hex) uint32 {
	if m == nil {
		return ^uint32(0)
	}
	return uint32(*m)
}

// Result is one operation's outcome.
type Result struct {
	Index   int           `yaml:"index"`
	Op      regops.Op     `yaml:"op"`
	Type    regops.Type   `yaml:"type"`
	Offset  Hex           `yaml:"offset"`
	Status  regops.Status `yaml:"status"`
	ValueLo *Hex          `yaml:"value_lo,omitempty"`
	ValueHi *Hex          `yaml:"value_hi,omitempty"`
}

// RegisterValue is one register of a device dump.
type RegisterValue struct {
	Offset Hex `yaml:"offset"`
	Value  Hex `yaml:"value"`
}

// Report is the outcome of a batch.
type Report struct {
	Error     string          `yaml:"error,omitempty"`
	AllPassed bool            `yaml:"all_passed"`
	Results   []Result        `yaml:"results"`
	Registers []RegisterValue `yaml:"registers,omitempty"`
}

// NewReport builds the report of an executed batch. Values are reported for
// successful reads only.
func NewReport(ops []regops.RegOp, flags regops.Flags, err error) *Report {
	r := &Report{
		AllPassed: flags&regops.FlagAllPassed != 0,
		Results:   make([]Result, len(ops)),
	}
	if err != nil {
		r.Error = err.Error()
	}
	for i, op := range ops {
		res := Result{
			Index:  i,
			Op:     op.Op,
			Type:   op.Type,
			Offset: Hex(op.Offset),
			Status: op.Status,
		}
		if err == nil && op.Op.IsRead() && !op.Status.Failed() {
			lo := Hex(op.ValueLo)
			res.ValueLo = &lo
			if op.Op.Is64() {
				hi := Hex(op.ValueHi)
				res.ValueHi = &hi
			}
		}
		r.Results[i] = res
	}
	return r
}

// Encode writes r as YAML.
func (r *Report) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}

// DecodeRegisters reads a YAML mapping of register offsets to initial
// values, e.g. "0x1000: 0xdeadbeef".
func DecodeRegisters(r io.Reader) (map[uint32]uint32, error) {
	var m map[Hex]Hex
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		if err == io.EOF {
			return map[uint32]uint32{}, nil
		}
		return nil, fmt.Errorf("decoding registers: %w", err)
	}
	regs := make(map[uint32]uint32, len(m))
	for off, v := range m {
		regs[uint32(off)] = uint32(v)
	}
	return regs, nil
}
