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

// Package config holds the regops tool configuration, populated from
// command line flags.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"time"

	"nvgpu.dev/regops/pkg/log"
)

// Config holds the configuration shared by all subcommands.
type Config struct {
	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// LogFormat is the format of logs written to stderr.
	LogFormat string `flag:"log-format"`

	// DebugLog is a log file pattern; see log.PatternOpts.
	DebugLog string `flag:"debug-log"`

	// DebugLogFormat is the format of the debug log file.
	DebugLogFormat string `flag:"debug-log-format"`

	// Chip is a chip table file, or a chip name when ChipDir is set.
	Chip string `flag:"chip"`

	// ChipDir is a directory of chip table files.
	ChipDir string `flag:"chip-dir"`

	// AllowAll disables offset validation.
	AllowAll bool `flag:"allow-all"`

	// ErrorLogInterval and ErrorLogBurst rate limit per-op validation
	// failure logs.
	ErrorLogInterval time.Duration `flag:"error-log-interval"`
	ErrorLogBurst    int           `flag:"error-log-burst"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default), json, or json-k8s.")
	flagSet.String("debug-log", "", "additional location for logs. If it ends with '/', log files are created inside the directory with default names. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("debug-log-format", "text", "debug log format: text (default), json, or json-k8s.")
	flagSet.String("chip", "", "chip table file, or chip name if --chip-dir is set.")
	flagSet.String("chip-dir", "", "directory of chip table (*.toml) files.")
	flagSet.Bool("allow-all", false, "DEBUG ONLY; skip register offset validation.")
	flagSet.Duration("error-log-interval", time.Second, "minimum interval between validation failure logs.")
	flagSet.Int("error-log-burst", 10, "validation failure logs allowed in a burst.")
}

// NewFromFlags creates a new Config with values coming from the given flag
// set.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			panic(fmt.Sprintf("Flag %q has no getter", name))
		}
		obj.Field(i).Set(reflect.ValueOf(getter.Get()))
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) validate() error {
	for _, format := range []string{c.LogFormat, c.DebugLogFormat} {
		switch format {
		case "text", "json", "json-k8s":
		default:
			return fmt.Errorf("invalid log format %q, must be text, json or json-k8s", format)
		}
	}
	if c.ErrorLogInterval < 0 {
		return fmt.Errorf("error-log-interval must not be negative, got %v", c.ErrorLogInterval)
	}
	if c.ErrorLogBurst < 1 {
		return fmt.Errorf("error-log-burst must be at least 1, got %d", c.ErrorLogBurst)
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config,
// omitting defaults.
func (c *Config) ToFlags() []string {
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	var rv []string
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		val := fmt.Sprint(obj.Field(i).Interface())
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", name, val))
	}
	return rv
}

// Log logs the configuration.
func (c *Config) Log() {
	log.Debugf("Config:")
	for _, f := range c.ToFlags() {
		log.Debugf("\t%s", f)
	}
	if c.AllowAll {
		log.Warningf("Register offset validation is DISABLED")
	}
}
