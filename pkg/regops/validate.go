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
	"nvgpu.dev/regops/pkg/log"
)

// validateOffset runs the offset checks appropriate to the session: the
// profiler's allowlist if the batch came through a profiler, the chip
// allowlists otherwise.
func (e *Engine) validateOffset(s *Session, op *RegOp) bool {
	if !OffsetWellFormed(op.Offset) {
		e.errLog.Warningf("regops: invalid regop offset: %#x", op.Offset)
		op.Status |= StatusInvalidOffset
		return false
	}
	if s.Profiler != nil {
		return e.validateProfilerOffset(s.Profiler, op)
	}
	return e.validateDebugOffset(op, s.Context != nil)
}

// validateDebugOffset checks op against the chip allowlists.
func (e *Engine) validateDebugOffset(op *RegOp, hasContext bool) bool {
	tier := e.lists.lookup(op.Offset, op.Type, hasContext)
	valid := tier != TierNone
	// Both dwords of a 64-bit access must resolve through the same tier,
	// as they must resolve to the same resource on the profiler path. This
	// is stricter than nvgpu, which accepts each dword from any tier.
	if valid && op.Op.Is64() {
		valid = e.lists.lookup(op.Offset+4, op.Type, hasContext) == tier
	}

	if valid && op.Type != TypeGlobal && !e.contextOffsetMapped(op.Offset) {
		op.Status |= StatusInvalidOffset
		return false
	}

	if !valid {
		e.errLog.Warningf("regops: invalid regop offset: %#x", op.Offset)
		op.Status |= StatusInvalidOffset
		return false
	}
	return true
}

// contextOffsetMapped returns true if offset has a location in the context
// image, looking in the main image first and the PM image second.
func (e *Engine) contextOffsetMapped(offset uint32) bool {
	if e.resolver == nil {
		return true
	}
	n, err := e.resolver.ContextBufferOffsets(offset)
	if err != nil {
		n, err = e.resolver.PMContextBufferOffsets(offset)
		if err != nil {
			return false
		}
	}
	return n != 0
}

// validateProfilerOffset checks op against a profiler's allowlist and, on
// success, retypes op according to the resource it resolved to.
func (e *Engine) validateProfilerOffset(p *Profiler, op *RegOp) bool {
	if p.Allowlist == nil {
		op.Status |= StatusInvalidOffset
		return false
	}
	typ, valid := p.Allowlist.ResolveOffset(op.Offset)
	if valid && op.Op.Is64() {
		var typ64 ResourceType
		typ64, valid = p.Allowlist.ResolveOffset(op.Offset + 4)
		if valid && typ64 != typ {
			// Both halves of a 64-bit access must belong to the same
			// reservation.
			e.errLog.Warningf("regops: 64-bit regop at %#x spans resource types %v and %v", op.Offset, typ, typ64)
			op.Status |= StatusInvalidOffset
			return false
		}
	}
	if !valid || typ >= NumResourceTypes {
		op.Status |= StatusInvalidOffset
		return false
	}
	op.Type = p.RegOpType[typ]
	return true
}

// validateInfo checks that op's access kind and region are supported. Both
// are always checked so that both failures are reported.
func validateInfo(op *RegOp) bool {
	valid := true
	if !op.Op.Supported() {
		op.Status |= StatusUnsupportedOp
		valid = false
	}
	if !op.Type.Supported() {
		op.Status |= StatusInvalidType
		valid = false
	}
	return valid
}

// batchValidation is the result of validating a batch.
type batchValidation struct {
	// ctxReads and ctxWrites count context-relative operations, including
	// ones that failed validation.
	ctxReads  uint32
	ctxWrites uint32

	// failed is the number of operations that failed validation.
	failed int

	// stopped is the index the scan stopped at in all-or-none mode, or
	// len(ops).
	stopped int
}

// validateOp validates a single operation, accumulating failures in
// op.Status. In all-or-none mode it returns at the first failure.
func (e *Engine) validateOp(s *Session, op *RegOp, bv *batchValidation, allOrNone bool) bool {
	op.Status = StatusSuccess
	valid := true

	if !s.AllowAll {
		if !e.validateOffset(s, op) {
			valid = false
			if allOrNone {
				return false
			}
		}
	}

	if !validateInfo(op) {
		valid = false
		if allOrNone {
			return false
		}
	}

	if op.Type.IsContext() {
		if op.Op.IsRead() {
			bv.ctxReads++
		} else {
			bv.ctxWrites++
		}
		// Context-relative operations need a bound context.
		if s.Context == nil {
			op.Status |= StatusInvalidType
			valid = false
		}
	}
	return valid
}

// validateBatch validates every operation of a batch in order. It returns the
// context read and write tallies and whether execution may proceed. In
// continue-on-error mode execution always proceeds, and FlagAllPassed is set
// in flags iff no operation failed.
func (e *Engine) validateBatch(s *Session, ops []RegOp, flags *Flags) (batchValidation, bool) {
	allOrNone := flags.AllOrNone()
	bv := batchValidation{stopped: len(ops)}
	for i := range ops {
		if !e.validateOp(s, &ops[i], &bv, allOrNone) {
			bv.failed++
			if allOrNone {
				bv.stopped = i
				break
			}
		}
	}

	if e.log.IsLogging(log.Debug) {
		e.log.Debugf("regops: ctx_wrs:%d ctx_rds:%d", bv.ctxWrites, bv.ctxReads)
	}

	if allOrNone {
		return bv, bv.failed == 0
	}
	if bv.failed == 0 {
		*flags |= FlagAllPassed
	}
	return bv, true
}
