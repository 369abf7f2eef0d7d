// Copyright 2020 The gVisor Authors.
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

package scenario

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/swap"
)

func newTestRunner(t *testing.T, frames int) (*Runner, *bytes.Buffer) {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(frames)
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(func() { mf.Destroy() })
	k := &kernel.Kernel{}
	if err := k.Init(kernel.InitKernelArgs{
		Pager: mm.NewPager(mm.PagerOpts{
			MemoryFile: mf,
			Swap:       swap.NewStore(swap.NewMemoryDevice(64 * swap.SectorsPerSlot)),
		}),
		Layout: mm.DefaultLayout,
	}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	var out bytes.Buffer
	r := NewRunner(k, t.TempDir(), &out)
	t.Cleanup(func() { r.Close(context.Background()) })
	return r, &out
}

func mustRun(t *testing.T, r *Runner, data string) {
	t.Helper()
	s, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if err := r.Run(context.Background(), s); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestMappingScenario(t *testing.T) {
	r, out := newTestRunner(t, 3)
	mustRun(t, r, `
name = "mmap"

[[file]]
name = "data"
data = "file contents"
size = 10000

[[step]]
op = "spawn"
as = "init"

[[step]]
op = "map"
proc = "init"
file = "data"
addr = 0x1000
length = 4096

[[step]]
op = "map"
proc = "init"
file = "data"
addr = 0x1000
length = 4096
error = "EEXIST"

[[step]]
op = "map"
proc = "init"
file = "data"
addr = 0x20000000
length = 10000
writable = true

[[step]]
op = "read"
proc = "init"
addr = 0x20000000
expect = "file contents"

[[step]]
op = "write"
proc = "init"
addr = 0x20002000
data = "tail"

[[step]]
op = "read"
proc = "init"
addr = 0x20002710
length = 4
expect = "\u0000\u0000\u0000\u0000"

[[step]]
op = "unmap"
proc = "init"
addr = 0x20000000

[[step]]
op = "file"
file = "data"
offset = 8192
expect = "tail"

[[step]]
op = "read"
proc = "init"
addr = 0x20000000
length = 1
error = "EFAULT"

[[step]]
op = "status"
proc = "init"
status = -1
`)
	for _, want := range []string{
		"scenario: mmap",
		`read init 0x20000000: "file contents"`,
		"EEXIST",
		"status init: -1",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output does not contain %q:\n%s", want, out.String())
		}
	}
}

func TestForkScenario(t *testing.T) {
	r, out := newTestRunner(t, 2)
	mustRun(t, r, `
[[step]]
op = "spawn"
as = "parent"

[[step]]
op = "alloc"
proc = "parent"
addr = 0x10000000
length = 16384
writable = true

[[step]]
op = "write"
proc = "parent"
addr = 0x10000000
data = "V"

[[step]]
op = "write"
proc = "parent"
addr = 0x10003000
data = "last"

[[step]]
op = "fork"
proc = "parent"
as = "child"

[[step]]
op = "write"
proc = "child"
addr = 0x10000000
data = "W"

[[step]]
op = "read"
proc = "parent"
addr = 0x10000000
expect = "V"

[[step]]
op = "read"
proc = "child"
addr = 0x10003000
expect = "last"

[[step]]
op = "exit"
proc = "child"
status = 7

[[step]]
op = "wait"
proc = "parent"
as = "child"
status = 7

[[step]]
op = "stats"
`)
	if !strings.Contains(out.String(), "wait parent: child exited with status 7") {
		t.Errorf("output does not report the child's exit:\n%s", out.String())
	}
}

func TestStackScenario(t *testing.T) {
	r, _ := newTestRunner(t, 4)
	// The stack top is 0x47480000 and the stack may grow by 1 MiB.
	mustRun(t, r, `
[[step]]
op = "spawn"
as = "init"

[[step]]
op = "fault"
proc = "init"
addr = 0x4747eff8
sp = 0x4747f000
write = true

[[step]]
op = "fault"
proc = "init"
addr = 0x47370000
sp = 0x4747f000
write = true
error = "EFAULT"

[[step]]
op = "status"
proc = "init"
status = -1
`)
}

func TestHostFiles(t *testing.T) {
	r, _ := newTestRunner(t, 4)
	path := filepath.Join(r.dir, "host.bin")
	if err := os.WriteFile(path, []byte("from the host"), 0644); err != nil {
		t.Fatal(err)
	}
	mustRun(t, r, `
[[step]]
op = "spawn"
as = "init"

[[step]]
op = "map"
proc = "init"
path = "host.bin"
addr = 0x20000000
length = 13

[[step]]
op = "read"
proc = "init"
addr = 0x20000000
expect = "from the host"
`)
}

func TestRunFailures(t *testing.T) {
	for _, tc := range []struct {
		name  string
		data  string
		error string
	}{
		{
			name: "unexpected content",
			data: `
[[step]]
op = "spawn"
as = "init"

[[step]]
op = "alloc"
proc = "init"
addr = 0x10000000

[[step]]
op = "read"
proc = "init"
addr = 0x10000000
expect = "x"
`,
			error: "step 3",
		},
		{
			name: "unexpected success",
			data: `
[[step]]
op = "spawn"
as = "init"

[[step]]
op = "unmap"
proc = "init"
addr = 0x10000000
error = "EINVAL"
`,
			error: "succeeded, want EINVAL",
		},
		{
			name: "unknown process",
			data: `
[[step]]
op = "write"
proc = "nobody"
addr = 0x10000000
data = "x"
`,
			error: `no process named "nobody"`,
		},
		{
			name:  "unknown op",
			data:  "[[step]]\nop = \"teleport\"\n",
			error: `unknown op "teleport"`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := newTestRunner(t, 4)
			s, err := Parse(tc.data)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if err := r.Run(context.Background(), s); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("Run got %v want error containing %q", err, tc.error)
			}
		})
	}
}

func TestParseUnknownKey(t *testing.T) {
	if _, err := Parse("[[step]]\nop = \"stats\"\nadress = 4096\n"); err == nil {
		t.Errorf("Parse accepted an unknown key")
	}
	if _, err := ParseYAML([]byte("step:\n  - op: stats\n    adress: 4096\n")); err == nil {
		t.Errorf("ParseYAML accepted an unknown key")
	}
}

const yamlScenario = `
name: yaml
file:
  - name: data
    data: contents
step:
  - op: spawn
    as: init
  - op: map
    proc: init
    file: data
    addr: 0x20000000
    length: 8
    writable: true
  - op: write
    proc: init
    addr: 0x20000000
    data: CONT
  - op: unmap
    proc: init
    addr: 0x20000000
  - op: file
    file: data
    expect: CONTents
  - op: read
    proc: init
    addr: 0x20000000
    length: 1
    error: EFAULT
  - op: status
    proc: init
    status: -1
`

func TestLoadYAML(t *testing.T) {
	r, out := newTestRunner(t, 4)
	path := filepath.Join(r.dir, "scenario.yaml")
	if err := os.WriteFile(path, []byte(yamlScenario), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got, want := len(s.Steps), 7; got != want {
		t.Fatalf("steps got %d want %d", got, want)
	}
	if s.Steps[1].Addr != 0x20000000 || !s.Steps[1].Writable {
		t.Errorf("map step got %+v", s.Steps[1])
	}
	if err := r.Run(context.Background(), s); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(out.String(), `file data@0: "CONTents"`) {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.toml")
	if err := os.WriteFile(path, []byte("name = \"toml\"\n[[step]]\nop = \"stats\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Name != "toml" || len(s.Steps) != 1 || s.Steps[0].Op != "stats" {
		t.Errorf("Load got %+v", s)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("Load of a missing file succeeded")
	}
}
