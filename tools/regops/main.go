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

// Binary regops validates and executes GPU register operation batches
// against simulated devices, and checks chip allowlist tables.
package main

import (
	"context"
	"flag"
	"os"
	"runtime"
	"time"

	"github.com/google/subcommands"
	"nvgpu.dev/regops/pkg/log"
	"nvgpu.dev/regops/tools/regops/cmd"
	"nvgpu.dev/regops/tools/regops/config"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(cmd.Exec), "")
	subcommands.Register(new(cmd.Lookup), "")
	subcommands.Register(new(cmd.Check), "tables")

	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	os.Exit(int(run()))
}

// run sets up logging and runs the subcommand. It returns rather than exits
// so that the debug log is closed.
func run() subcommands.ExitStatus {
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Errorf("%v", err)
		return subcommands.ExitUsageError
	}
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	startTime := time.Now()
	subcommand := flag.CommandLine.Arg(0)

	var emitters log.MultiEmitter
	stderr, err := log.NewEmitter(conf.LogFormat, &log.Writer{Next: os.Stderr})
	if err != nil {
		cmd.Errorf("%v", err)
		return subcommands.ExitUsageError
	}
	emitters = append(emitters, stderr)
	if conf.DebugLog != "" {
		f, err := log.OpenFile(conf.DebugLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, log.PatternOpts{
			Command: subcommand,
			Start:   startTime,
		})
		if err != nil {
			cmd.Errorf("error opening debug log file in %q: %v", conf.DebugLog, err)
			return subcommands.ExitFailure
		}
		defer f.Close()
		e, err := log.NewEmitter(conf.DebugLogFormat, &log.Writer{Next: f})
		if err != nil {
			cmd.Errorf("%v", err)
			return subcommands.ExitUsageError
		}
		emitters = append(emitters, e)
		// Stop writing to f before it is closed.
		defer log.SetTarget(stderr)
	}
	switch len(emitters) {
	case 1:
		log.SetTarget(emitters[0])
	default:
		log.SetTarget(&emitters)
	}
	if err := log.CopyStandardLogTo(log.Info); err != nil {
		log.Warningf("Redirecting the standard logger: %v", err)
	}

	log.Debugf("regops %s, %s, %d CPUs, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), os.Getpid())
	log.Debugf("Args: %v", os.Args)
	conf.Log()

	status := subcommands.Execute(context.Background(), conf)
	if status != subcommands.ExitSuccess {
		log.Debugf("Exiting with status: %v", status)
	}
	return status
}
