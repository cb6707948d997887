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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"nvgpu.dev/regops/pkg/abi/nvgpu"
	"nvgpu.dev/regops/pkg/regops"
	"nvgpu.dev/regops/pkg/regops/batchfile"
	"nvgpu.dev/regops/pkg/regops/chiptable"
	"nvgpu.dev/regops/pkg/regops/regfile"
	"nvgpu.dev/regops/tools/regops/config"
)

const testChip = `
name = "%s"
runcontrol = [0x419e10, 0x419004, 0x419e10]

[[global]]
base = 0x1000
count = 4

[[context]]
base = 0x419000
count = 4

[[profiler]]
base = 0x200000
count = 4
resource = "perfmon"

[profiler_types]
perfmon = "gr_ctx"
`

func chipData(name string) string {
	return strings.Replace(testChip, "%s", name, 1)
}

func writeChip(t *testing.T, dir, file, name string) string {
	t.Helper()
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, []byte(chipData(name)), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig() *config.Config {
	return &config.Config{
		LogFormat:        "text",
		DebugLogFormat:   "text",
		ErrorLogInterval: time.Second,
		ErrorLogBurst:    10,
	}
}

func TestContextLayout(t *testing.T) {
	tbl, err := chiptable.Parse(chipData("layout"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []regops.Range{
		{Base: 0x419000, Count: 4},
		{Base: 0x419e10, Count: 1},
	}
	if diff := cmp.Diff(want, contextLayout(tbl)); diff != "" {
		t.Errorf("contextLayout mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadChip(t *testing.T) {
	dir := t.TempDir()
	path := writeChip(t, dir, "one.toml", "cmdtest-one")
	writeChip(t, dir, "two.toml", "cmdtest-two")

	conf := testConfig()
	if _, err := loadChip(conf); err == nil {
		t.Errorf("loadChip without --chip succeeded, want error")
	}
	conf.Chip = path
	tbl, err := loadChip(conf)
	if err != nil || tbl.Name() != "cmdtest-one" {
		t.Errorf("loadChip(file) = %v, %v, want cmdtest-one", tbl, err)
	}

	conf.Chip, conf.ChipDir = "cmdtest-two", dir
	tbl, err = loadChip(conf)
	if err != nil || tbl.Name() != "cmdtest-two" {
		t.Errorf("loadChip(dir) = %v, %v, want cmdtest-two", tbl, err)
	}
	// Loading the directory again finds the registered tables.
	if _, err := loadChip(conf); err != nil {
		t.Errorf("second loadChip(dir): %v", err)
	}
	conf.Chip = "missing"
	if _, err := loadChip(conf); err == nil {
		t.Errorf("loadChip(unknown name) succeeded, want error")
	}
}

func decode(t *testing.T, data string) *batchfile.Batch {
	t.Helper()
	b, err := batchfile.Decode(strings.NewReader(data))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return b
}

func TestDeviceRun(t *testing.T) {
	tbl, err := chiptable.Parse(chipData("run"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	dev, err := newDevice(tbl, map[uint32]uint32{0x1004: 0xaa00})
	if err != nil {
		t.Fatalf("newDevice: %v", err)
	}
	b := decode(t, `
context: 1
ops:
  - {op: write32, type: global, offset: 0x1004, value_lo: 0x55, mask_lo: 0xff}
  - {op: read32, type: global, offset: 0x1004}
  - {op: write32, type: gr_ctx, offset: 0x419e10, value_lo: 9}
  - {op: read32, type: global, offset: 0x1010}
`)
	rep, err := dev.run(testConfig(), b, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.AllPassed {
		t.Errorf("AllPassed = true with an invalid op")
	}
	if v := rep.Results[1].ValueLo; v == nil || *v != 0xaa55 {
		t.Errorf("read back %v, want 0xaa55", v)
	}
	if got := rep.Results[3].Status; got != regops.StatusInvalidOffset {
		t.Errorf("Status = %v, want %v", got, regops.StatusInvalidOffset)
	}
	if got := dev.images.Image(regfile.Context(1))[0x419e10]; got != 9 {
		t.Errorf("context register = %d, want 9", got)
	}
	recs, err := nvgpu.UnmarshalDbgGpuRegOpSlice(dev.records)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 4 || recs[1].ValueLo != 0xaa55 || recs[3].Status != nvgpu.NVGPU_DBG_GPU_REG_OP_STATUS_INVALID_OFFSET {
		t.Errorf("records = %+v, want read of 0xaa55 and invalid offset", recs)
	}
}

func TestDeviceRunValidateOnly(t *testing.T) {
	tbl, err := chiptable.Parse(chipData("validate"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	dev, err := newDevice(tbl, nil)
	if err != nil {
		t.Fatalf("newDevice: %v", err)
	}
	b := decode(t, `
mode: all_or_none
ops:
  - {op: write32, type: global, offset: 0x1000, value_lo: 1}
  - {op: read32, type: global, offset: 0x1002}
`)
	rep, err := dev.run(testConfig(), b, true)
	if err != regops.ErrInvalidOps {
		t.Errorf("run = %v, want ErrInvalidOps", err)
	}
	if rep == nil || rep.Error == "" {
		t.Fatalf("report = %+v, want an error report", rep)
	}
	if got := dev.regs.Accesses(); len(got) != 0 {
		t.Errorf("validation touched the device: %v", got)
	}
}

func TestDeviceRunProfilerAndMissingImage(t *testing.T) {
	tbl, err := chiptable.Parse(chipData("profiler"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	dev, err := newDevice(tbl, nil)
	if err != nil {
		t.Fatalf("newDevice: %v", err)
	}
	b := decode(t, `
context: 2
profiler: {resources: [perfmon]}
ops:
  - {op: write32, type: global, offset: 0x200004, value_lo: 3}
`)
	dev.createImages = false
	if _, err := dev.run(testConfig(), b, false); err != regops.ErrContextUnavailable {
		t.Errorf("run without image = %v, want ErrContextUnavailable", err)
	}

	dev.createImages = true
	rep, err := dev.run(testConfig(), b, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := rep.Results[0].Type; got != regops.TypeGRCtx {
		t.Errorf("Type = %v, want the profiler retype %v", got, regops.TypeGRCtx)
	}
	if got := dev.images.Image(regfile.Context(2))[0x200004]; got != 3 {
		t.Errorf("pm image register = %d, want 3", got)
	}
}

func TestCheckFiles(t *testing.T) {
	dir := t.TempDir()
	good := writeChip(t, dir, "good.toml", "cmdtest-check")
	dup := writeChip(t, dir, "dup.toml", "cmdtest-check")
	bad := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(bad, []byte("name = \"x\"\nruncontrol = [3]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	results := checkFiles([]string{good, bad, dup, filepath.Join(dir, "missing.toml")}, 2)
	var failed []bool
	for _, r := range results {
		failed = append(failed, r.err != nil)
	}
	if diff := cmp.Diff([]bool{false, true, true, true}, failed); diff != "" {
		t.Errorf("failures mismatch (-want +got):\n%s", diff)
	}
}

func TestLookup(t *testing.T) {
	tbl, err := chiptable.Parse(chipData("lookup"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for _, tc := range []struct {
		name string
		l    Lookup
		args []string
		want []string
		ok   bool
	}{
		{
			name: "global",
			l:    Lookup{typ: regops.TypeGlobal},
			args: []string{"0x1000", "4108"},
			want: []string{"0x00001000: global allowlist", "0x0000100c: global allowlist"},
			ok:   true,
		},
		{
			name: "rejected",
			l:    Lookup{typ: regops.TypeGlobal},
			args: []string{"0x1001", "0x1010"},
			want: []string{
				"0x00001001: rejected: misaligned or out of range",
				"0x00001010: rejected: not in any global allowlist",
			},
		},
		{
			name: "run control",
			l:    Lookup{typ: regops.TypeGRCtx, hasContext: true},
			args: []string{"0x419e10"},
			want: []string{"0x00419e10: runcontrol allowlist"},
			ok:   true,
		},
		{
			name: "profiler",
			l:    Lookup{profiler: "all"},
			args: []string{"0x200000", "0x300000"},
			want: []string{
				"0x00200000: profiler resource perfmon, executes as gr_ctx",
				"0x00300000: rejected: not reserved by the profiler",
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, ok, err := tc.l.lookup(tbl, tc.args)
			if err != nil {
				t.Fatalf("lookup: %v", err)
			}
			if ok != tc.ok {
				t.Errorf("ok = %t, want %t", ok, tc.ok)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("lookup mismatch (-want +got):\n%s", diff)
			}
		})
	}
	if _, _, err := (&Lookup{}).lookup(tbl, []string{"zz"}); err == nil {
		t.Errorf("lookup(zz) succeeded, want error")
	}
	if _, _, err := (&Lookup{profiler: "gpu"}).lookup(tbl, []string{"0"}); err == nil {
		t.Errorf("lookup with unknown resource succeeded, want error")
	}
}

func TestSampleFiles(t *testing.T) {
	conf := testConfig()
	conf.Chip = "../testdata/gv11b.toml"
	tbl, err := loadChip(conf)
	if err != nil {
		t.Fatalf("loadChip: %v", err)
	}
	initial, err := readRegisters("../testdata/regs.yaml")
	if err != nil {
		t.Fatalf("readRegisters: %v", err)
	}
	dev, err := newDevice(tbl, initial)
	if err != nil {
		t.Fatalf("newDevice: %v", err)
	}
	b, err := readBatch("../testdata/batch.yaml")
	if err != nil {
		t.Fatalf("readBatch: %v", err)
	}
	rep, err := dev.run(conf, b, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var statuses []regops.Status
	for _, r := range rep.Results {
		statuses = append(statuses, r.Status)
	}
	want := []regops.Status{
		regops.StatusSuccess,
		regops.StatusSuccess,
		regops.StatusSuccess,
		regops.StatusSuccess,
		regops.StatusSuccess,
		regops.StatusInvalidOffset,
	}
	if diff := cmp.Diff(want, statuses); diff != "" {
		t.Errorf("statuses mismatch (-want +got):\n%s", diff)
	}
	if got, want := dev.regs.Peek(0x100c80), uint32(0x0f1f); got != want {
		t.Errorf("masked write left %#x, want %#x", got, want)
	}
	if v := rep.Results[2].ValueHi; v == nil || *v != 0x22222222 {
		t.Errorf("read64 high dword = %v, want 0x22222222", v)
	}
	wantDump := []batchfile.RegisterValue{
		{Offset: 0x000004, Value: 0x15b000a1},
		{Offset: 0x100c80, Value: 0x0f1f},
		{Offset: 0x17e200, Value: 0x11111111},
		{Offset: 0x17e204, Value: 0x22222222},
	}
	if diff := cmp.Diff(wantDump, dev.dump()); diff != "" {
		t.Errorf("dump mismatch (-want +got):\n%s", diff)
	}
}
