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
	"time"

	"golang.org/x/sys/unix"
	"nvgpu.dev/regops/pkg/errors"
	"nvgpu.dev/regops/pkg/log"
)

// Batch-level errors. Each carries the errno returned at the ioctl boundary;
// per-operation failures are reported in RegOp.Status instead.
var (
	// ErrInvalidOps is returned when an all-or-none batch has an invalid
	// operation. Nothing was executed.
	ErrInvalidOps = errors.New(unix.EINVAL, "invalid register op(s)")

	// ErrContextUnavailable is returned when a batch has context-relative
	// operations but no bound context with usable state. Nothing was
	// executed.
	ErrContextUnavailable = errors.New(unix.ENODEV, "gr context data not available")

	// ErrDelegateExecution is returned when the context executor fails.
	// Global operations preceding it have already been performed.
	ErrDelegateExecution = errors.New(unix.EIO, "context register ops failed")
)

// Registers is the register transport. Implementations perform one 32-bit
// access per call.
type Registers interface {
	Read32(offset uint32) uint32
	Write32(offset, value uint32)
}

// Context is a bound execution context (a TSG) whose saved state holds the
// context-relative registers.
type Context interface {
	ID() uint32
}

// ContextState reports whether a context's saved state can be used to
// resolve context-relative offsets, i.e. whether the golden context image
// exists. It must not block.
type ContextState interface {
	Ready(ctx Context) bool
}

// ContextExecutor performs context-relative operations against the saved
// state of ctx. ops point into the caller's batch, so results written
// through them land in place. numWrites and numReads are the validation
// tallies: they count every context-relative op of the batch, including
// ones that failed validation and are therefore not in ops.
type ContextExecutor interface {
	ExecContextOps(ctx Context, ops []*RegOp, numWrites, numReads uint32, flags Flags) error
}

// ContextOffsetResolver maps a register offset to its locations in the
// context image. Each method returns the number of locations found.
type ContextOffsetResolver interface {
	ContextBufferOffsets(offset uint32) (int, error)
	PMContextBufferOffsets(offset uint32) (int, error)
}

// Options configures an Engine.
type Options struct {
	// Registers is the register transport. Required.
	Registers Registers

	// Chip supplies the chip's allowlists. The tables are copied and
	// checked once, in New. If nil, every debug-session lookup fails.
	Chip ChipAllowlist

	// Contexts executes context-relative operations. If nil, batches with
	// context-relative operations fail with ErrContextUnavailable.
	Contexts ContextExecutor

	// ContextState probes context readiness. If nil, any bound context is
	// considered ready.
	ContextState ContextState

	// OffsetResolver, if set, must map every context-relative offset a
	// debug session accesses to at least one context image location.
	OffsetResolver ContextOffsetResolver

	// Logger receives the engine's logs. Defaults to the global logger.
	Logger log.Logger

	// ErrorLogInterval and ErrorLogBurst bound how often per-op
	// validation failures are logged. Callers control batch contents, so
	// these logs must not be allowed to flood.
	ErrorLogInterval time.Duration
	ErrorLogBurst    int
}

// Engine validates and executes register operation batches. An Engine is
// immutable after New and may be used by concurrent callers, subject to the
// package preconditions on the register transport.
type Engine struct {
	regs     Registers
	lists    *allowlists
	contexts ContextExecutor
	state    ContextState
	resolver ContextOffsetResolver
	log      log.Logger
	errLog   log.Logger
}

// New returns an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Registers == nil {
		return nil, fmt.Errorf("register transport is required")
	}
	lists, err := newAllowlists(opts.Chip)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Log()
	}
	interval := opts.ErrorLogInterval
	if interval == 0 {
		interval = time.Second
	}
	burst := opts.ErrorLogBurst
	if burst == 0 {
		burst = 10
	}
	return &Engine{
		regs:     opts.Registers,
		lists:    lists,
		contexts: opts.Contexts,
		state:    opts.ContextState,
		resolver: opts.OffsetResolver,
		log:      logger,
		errLog:   log.BurstRateLimitedLogger(logger, interval, burst),
	}, nil
}

// Session describes who is submitting a batch.
type Session struct {
	// Context is the bound execution context, or nil.
	Context Context

	// Profiler is set when the batch arrives through a profiler object.
	// Its allowlist replaces the chip allowlists.
	Profiler *Profiler

	// AllowAll skips offset validation entirely. It is a debugging escape
	// hatch and must only be set from trusted configuration.
	AllowAll bool
}

// Exec validates ops and executes the valid ones.
//
// In all-or-none mode (FlagAllOrNone), any invalid operation fails the batch
// with ErrInvalidOps before anything executes; operations after the first
// invalid one are left unvalidated. Otherwise every valid operation executes
// and FlagAllPassed is set in flags iff all were valid.
//
// Every operation's Status is updated. Global reads update ValueLo and
// ValueHi; context-relative operations are delegated as one sub-batch.
func (e *Engine) Exec(s Session, ops []RegOp, flags *Flags) error {
	*flags &^= FlagAllPassed

	bv, ok := e.validateBatch(&s, ops, flags)
	if !ok {
		e.log.Warningf("regops: invalid op(s): %d failed, stopped at op %d of %d", bv.failed, bv.stopped, len(ops))
		return ErrInvalidOps
	}

	// Be sure that the context state is in place if there are ctx ops.
	if bv.ctxReads|bv.ctxWrites != 0 && !e.contextAvailable(s.Context) {
		e.log.Warningf("regops: gr context data not available")
		return ErrContextUnavailable
	}

	var ctxOps []*RegOp
	for i := range ops {
		op := &ops[i]
		// Invalid ops are only reachable in continue-on-error mode.
		if op.Status.Failed() {
			continue
		}
		if op.Type != TypeGlobal {
			ctxOps = append(ctxOps, op)
			continue
		}
		if err := e.execGlobal(op); err != nil {
			return err
		}
	}

	if len(ctxOps) != 0 {
		if err := e.contexts.ExecContextOps(s.Context, ctxOps, bv.ctxWrites, bv.ctxReads, *flags); err != nil {
			e.log.Warningf("regops: failed to perform ctx ops: %v", err)
			return fmt.Errorf("%w: %w", err, ErrDelegateExecution)
		}
	}
	return nil
}

// Validate runs only the validation pass of Exec, updating every operation's
// Status and flags. It returns the context read and write tallies and
// whether Exec would proceed to execution.
func (e *Engine) Validate(s Session, ops []RegOp, flags *Flags) (ctxReads, ctxWrites uint32, ok bool) {
	*flags &^= FlagAllPassed
	bv, ok := e.validateBatch(&s, ops, flags)
	return bv.ctxReads, bv.ctxWrites, ok
}

func (e *Engine) contextAvailable(ctx Context) bool {
	if ctx == nil || e.contexts == nil {
		return false
	}
	return e.state == nil || e.state.Ready(ctx)
}

// execGlobal performs a validated global operation.
func (e *Engine) execGlobal(op *RegOp) error {
	debug := e.log.IsLogging(log.Debug)
	switch op.Op {
	case OpRead32:
		op.ValueHi = 0
		op.ValueLo = e.regs.Read32(op.Offset)
		if debug {
			e.log.Debugf("regops: read_32 %#08x from %#08x", op.ValueLo, op.Offset)
		}

	case OpRead64:
		op.ValueLo = e.regs.Read32(op.Offset)
		op.ValueHi = e.regs.Read32(op.Offset + 4)
		if debug {
			e.log.Debugf("regops: read_64 %#08x:%08x from %#08x", op.ValueHi, op.ValueLo, op.Offset)
		}

	case OpWrite32, OpWrite64:
		is64 := op.Op == OpWrite64
		lo := maskedValue(e.regs, op.Offset, op.ValueLo, op.AndNMaskLo)
		var hi uint32
		if is64 {
			hi = maskedValue(e.regs, op.Offset+4, op.ValueHi, op.AndNMaskHi)
		}
		// Both dwords are read before either is written.
		e.regs.Write32(op.Offset, lo)
		if debug {
			e.log.Debugf("regops: wrote %#08x to %#08x", lo, op.Offset)
		}
		if is64 {
			e.regs.Write32(op.Offset+4, hi)
			if debug {
				e.log.Debugf("regops: wrote %#08x to %#08x", hi, op.Offset+4)
			}
		}

	default:
		// Validation only passes supported ops.
		return fmt.Errorf("regops: unexpected op %v at %#x: %w", op.Op, op.Offset, ErrInvalidOps)
	}
	return nil
}

// maskedValue returns the dword to write at offset: value verbatim if mask
// is all ones, without reading the register; otherwise the register's bits
// outside mask merged with value.
func maskedValue(regs Registers, offset, value, mask uint32) uint32 {
	if mask == ^uint32(0) {
		return value
	}
	return regs.Read32(offset)&^mask | value
}

// IsGlobalOffsetAllowed returns true if offset is in the chip's global
// allowlist. It is meant for in-driver samplers that access global registers
// without a debug session.
func (e *Engine) IsGlobalOffsetAllowed(offset uint32) bool {
	return e.lists.global.Contains(offset)
}

// Lookup returns the allowlist tier through which a debug session would be
// permitted to access offset as a register of type t. It does not apply the
// alignment precheck.
func (e *Engine) Lookup(offset uint32, t Type, hasContext bool) Tier {
	return e.lists.lookup(offset, t, hasContext)
}
