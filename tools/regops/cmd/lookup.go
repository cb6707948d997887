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

	"github.com/google/subcommands"
	"nvgpu.dev/regops/pkg/regops"
	"nvgpu.dev/regops/pkg/regops/chiptable"
	"nvgpu.dev/regops/pkg/regops/regfile"
	"nvgpu.dev/regops/tools/regops/config"
)

// Lookup implements subcommands.Command for the "lookup" command.
type Lookup struct {
	typ        regops.Type
	hasContext bool
	profiler   string
}

// Name implements subcommands.Command.Name.
func (*Lookup) Name() string {
	return "lookup"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Lookup) Synopsis() string {
	return "report which allowlist admits register offsets"
}

// Usage implements subcommands.Command.Usage.
func (*Lookup) Usage() string {
	return `lookup [flags] <offset>... - report the allowlist tier of each offset.

Exits with failure if any offset would be rejected.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Lookup) SetFlags(f *flag.FlagSet) {
	f.TextVar(&l.typ, "type", regops.TypeGlobal, "register type: global, gr_ctx, gr_ctx_tpc, gr_ctx_sm, gr_ctx_crop, gr_ctx_zrop or gr_ctx_quad.")
	f.BoolVar(&l.hasContext, "context", false, "look up as a session with a bound context.")
	f.StringVar(&l.profiler, "profiler", "", `look up through a profiler holding these comma-separated resources; "all" reserves every resource.`)
}

// Execute implements subcommands.Command.Execute.
func (l *Lookup) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	tbl, err := loadChip(conf)
	if err != nil {
		return Errorf("loading chip table: %v", err)
	}
	lines, ok, err := l.lookup(tbl, f.Args())
	if err != nil {
		return Errorf("%v", err)
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	if !ok {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// lookup describes each offset. ok is false if any offset is rejected.
func (l *Lookup) lookup(tbl *chiptable.Table, args []string) (lines []string, ok bool, err error) {
	var profiler *regops.Profiler
	switch l.profiler {
	case "":
	case "all":
		profiler = tbl.NewProfiler()
	default:
		resources, err := chiptable.ParseResources(l.profiler)
		if err != nil {
			return nil, false, err
		}
		profiler = tbl.NewProfiler(resources...)
	}
	e, err := regops.New(regops.Options{Registers: regfile.New(nil), Chip: tbl})
	if err != nil {
		return nil, false, err
	}

	ok = true
	for _, arg := range args {
		offset, err := parseOffset(arg)
		if err != nil {
			return nil, false, err
		}
		var line string
		switch {
		case !regops.OffsetWellFormed(offset):
			line = fmt.Sprintf("%#08x: rejected: misaligned or out of range", offset)
			ok = false
		case profiler != nil:
			if res, found := profiler.Allowlist.ResolveOffset(offset); found {
				line = fmt.Sprintf("%#08x: profiler resource %v, executes as %v", offset, res, profiler.RegOpType[res])
			} else {
				line = fmt.Sprintf("%#08x: rejected: not reserved by the profiler", offset)
				ok = false
			}
		default:
			if tier := e.Lookup(offset, l.typ, l.hasContext); tier != regops.TierNone {
				line = fmt.Sprintf("%#08x: %v allowlist", offset, tier)
			} else {
				line = fmt.Sprintf("%#08x: rejected: not in any %v allowlist", offset, l.typ)
				ok = false
			}
		}
		lines = append(lines, line)
	}
	return lines, ok, nil
}
