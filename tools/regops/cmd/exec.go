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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"nvgpu.dev/regops/pkg/abi/nvgpu"
	"nvgpu.dev/regops/pkg/log"
	"nvgpu.dev/regops/pkg/regops"
	"nvgpu.dev/regops/pkg/regops/batchfile"
	"nvgpu.dev/regops/pkg/regops/chiptable"
	"nvgpu.dev/regops/pkg/regops/regfile"
	"nvgpu.dev/regops/tools/regops/config"
)

// Exec implements subcommands.Command for the "exec" command.
type Exec struct {
	regs           string
	output         string
	noContextImage bool
	validateOnly   bool
	trace          bool
	dump           bool
	records        string
}

// Name implements subcommands.Command.Name.
func (*Exec) Name() string {
	return "exec"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Exec) Synopsis() string {
	return "run a register op batch against a simulated device"
}

// Usage implements subcommands.Command.Usage.
func (*Exec) Usage() string {
	return `exec [flags] <batch.yaml | -> - validate and execute a batch of register ops.

The device is simulated: global registers live in an in-memory register file
preloaded from --regs, and context registers in per-context images laid out
after the chip table. Results are written as YAML.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (e *Exec) SetFlags(f *flag.FlagSet) {
	f.StringVar(&e.regs, "regs", "", "YAML file of initial register values (offset: value).")
	f.StringVar(&e.output, "o", "", "write results to this file instead of stdout.")
	f.BoolVar(&e.noContextImage, "no-context-image", false, "do not create the bound context's image, as if the context was never scheduled.")
	f.BoolVar(&e.validateOnly, "validate-only", false, "validate the batch without touching the device.")
	f.BoolVar(&e.trace, "trace", false, "print every register access to stderr.")
	f.BoolVar(&e.dump, "dump", false, "append the final register file contents to the results.")
	f.StringVar(&e.records, "records", "", "also write the raw nvgpu_dbg_gpu_reg_op records copied back to the caller to this file.")
}

// Execute implements subcommands.Command.Execute.
func (e *Exec) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	tbl, err := loadChip(conf)
	if err != nil {
		return Errorf("loading chip table: %v", err)
	}
	b, err := readBatch(f.Arg(0))
	if err != nil {
		return Errorf("%v", err)
	}
	initial := map[uint32]uint32{}
	if e.regs != "" {
		if initial, err = readRegisters(e.regs); err != nil {
			return Errorf("%v", err)
		}
	}
	dev, err := newDevice(tbl, initial)
	if err != nil {
		return Errorf("creating device: %v", err)
	}
	dev.createImages = !e.noContextImage

	rep, execErr := dev.run(conf, b, e.validateOnly)
	if rep == nil {
		return Errorf("%v", execErr)
	}
	if e.trace {
		for _, a := range dev.regs.Accesses() {
			fmt.Fprintln(os.Stderr, a)
		}
	}

	if e.dump {
		rep.Registers = dev.dump()
	}
	if e.records != "" && dev.records != nil {
		if err := os.WriteFile(e.records, dev.records, 0644); err != nil {
			return Errorf("writing records: %v", err)
		}
	}

	out := io.Writer(os.Stdout)
	if e.output != "" {
		file, err := os.Create(e.output)
		if err != nil {
			return Errorf("creating output: %v", err)
		}
		defer file.Close()
		out = file
	}
	if err := rep.Encode(out); err != nil {
		return Errorf("writing results: %v", err)
	}
	if execErr != nil {
		log.Warningf("Batch failed: %v", execErr)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func readBatch(path string) (*batchfile.Batch, error) {
	if path == "-" {
		return batchfile.Decode(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := batchfile.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

func readRegisters(path string) (map[uint32]uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	regs, err := batchfile.DecodeRegisters(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return regs, nil
}

// device is a simulated GPU for one chip.
type device struct {
	chip         *chiptable.Table
	regs         *regfile.File
	images       *regfile.Images
	createImages bool

	// records is the ioctl output buffer of the last executed batch.
	records []byte
}

func newDevice(tbl *chiptable.Table, initial map[uint32]uint32) (*device, error) {
	images, err := regfile.NewImages(contextLayout(tbl), tbl.ProfilerRanges())
	if err != nil {
		return nil, err
	}
	return &device{
		chip:         tbl,
		regs:         regfile.New(initial),
		images:       images,
		createImages: true,
	}, nil
}

func (d *device) dump() []batchfile.RegisterValue {
	regs := d.regs.Dump()
	out := make([]batchfile.RegisterValue, len(regs))
	for i, r := range regs {
		out[i] = batchfile.RegisterValue{Offset: batchfile.Hex(r.Offset), Value: batchfile.Hex(r.Value)}
	}
	return out
}

// run validates and, unless validateOnly, executes b. The report is nil only
// if the batch could not be submitted at all.
func (d *device) run(conf *config.Config, b *batchfile.Batch, validateOnly bool) (*batchfile.Report, error) {
	flags, err := b.Flags()
	if err != nil {
		return nil, err
	}
	e, err := regops.New(regops.Options{
		Registers:        d.regs,
		Chip:             d.chip,
		Contexts:         d.images,
		ContextState:     d.images,
		OffsetResolver:   d.images,
		Logger:           log.Log(),
		ErrorLogInterval: conf.ErrorLogInterval,
		ErrorLogBurst:    conf.ErrorLogBurst,
	})
	if err != nil {
		return nil, err
	}

	s := regops.Session{AllowAll: conf.AllowAll}
	if b.Context != nil {
		ctx := regfile.Context(*b.Context)
		if d.createImages {
			d.images.Create(ctx)
		}
		s.Context = ctx
	}
	if b.Profiler != nil {
		s.Profiler = d.chip.NewProfiler(b.Profiler.Resources...)
	}

	ops := b.RegOps()
	if validateOnly {
		ctxReads, ctxWrites, ok := e.Validate(s, ops, &flags)
		log.Infof("Validated %d ops: %d context reads, %d context writes", len(ops), ctxReads, ctxWrites)
		var verr error
		if !ok {
			verr = regops.ErrInvalidOps
		}
		rep := batchfile.NewReport(ops, flags, verr)
		for i := range rep.Results {
			rep.Results[i].ValueLo = nil
			rep.Results[i].ValueHi = nil
		}
		return rep, verr
	}

	// Submit through the ioctl record format, as a userspace caller would.
	in := make([]nvgpu.DbgGpuRegOp, len(ops))
	regops.ToABI(ops, in)
	out, err := e.ExecRecords(s, nvgpu.MarshalDbgGpuRegOpSlice(in), &flags)
	if out == nil {
		return nil, err
	}
	recs, uerr := nvgpu.UnmarshalDbgGpuRegOpSlice(out)
	if uerr != nil {
		return nil, uerr
	}
	d.records = out
	ops = regops.FromABI(recs)
	return batchfile.NewReport(ops, flags, err), err
}
