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
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"nvgpu.dev/regops/pkg/regops/chiptable"
)

// Check implements subcommands.Command for the "check" command.
type Check struct {
	jobs int
}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "verify chip table files"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check [flags] <chip.toml>... - load and verify chip tables.

Ranges must be sorted, non-overlapping and aligned, and chip names unique.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Check) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.jobs, "j", runtime.GOMAXPROCS(0), "number of files to load concurrently.")
}

// Execute implements subcommands.Command.Execute.
func (c *Check) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	results := checkFiles(f.Args(), c.jobs)
	status := subcommands.ExitSuccess
	for _, r := range results {
		if r.err != nil {
			fmt.Printf("%s: FAIL: %v\n", r.path, r.err)
			status = subcommands.ExitFailure
			continue
		}
		s := r.table.Stats()
		fmt.Printf("%s: %s: %d global ranges (%d regs), %d context ranges (%d regs), %d run-control regs, %d profiler ranges (%d regs)\n",
			r.path, r.table.Name(), s.GlobalRanges, s.GlobalRegs, s.ContextRanges, s.ContextRegs, s.RunControl, s.ProfilerRanges, s.ProfilerRegs)
	}
	return status
}

type checkResult struct {
	path  string
	table *chiptable.Table
	err   error
}

// checkFiles loads paths with at most jobs loads in flight, then registers
// the tables in path order so that a duplicate name is charged to the later
// file.
func checkFiles(paths []string, jobs int) []checkResult {
	results := make([]checkResult, len(paths))
	var g errgroup.Group
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			t, err := chiptable.Load(path)
			results[i] = checkResult{path: path, table: t, err: err}
			return err
		})
	}
	// Per-file errors are reported individually.
	_ = g.Wait()

	for i := range results {
		r := &results[i]
		if r.err != nil {
			continue
		}
		if existing, ok := chiptable.Lookup(r.table.Name()); ok && existing == r.table {
			continue
		}
		if err := chiptable.Register(r.table); err != nil {
			r.err = err
		}
	}
	return results
}
