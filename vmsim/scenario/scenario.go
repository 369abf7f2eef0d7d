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

// Package scenario runs scripted workloads against a kernel.
//
// A scenario is a TOML file holding in-memory files and a list of steps:
//
//	[[file]]
//	name = "data"
//	data = "hello"
//	size = 10000
//
//	[[step]]
//	op = "spawn"
//	as = "init"
//
//	[[step]]
//	op = "map"
//	proc = "init"
//	file = "data"
//	addr = 0x20000000
//	length = 10000
//	writable = true
//
//	[[step]]
//	op = "read"
//	proc = "init"
//	addr = 0x20000000
//	expect = "hello"
//
// A step with an error field must fail with that errno, e.g. error = "EEXIST".
//
// Files ending in .yaml or .yml hold the same keys in YAML:
//
//	step:
//	  - op: spawn
//	    as: init
//	  - op: read
//	    proc: init
//	    addr: 0x20000000
//	    error: EFAULT
package scenario

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Scenario is a parsed scenario file.
type Scenario struct {
	// Name is an optional description printed before the run.
	Name string `toml:"name" yaml:"name"`

	// Files are in-memory files available to steps by name.
	Files []FileSpec `toml:"file" yaml:"file"`

	// Steps are executed in order.
	Steps []Step `toml:"step" yaml:"step"`
}

// FileSpec describes an in-memory file.
type FileSpec struct {
	Name string `toml:"name" yaml:"name"`

	// Data is the start of the file's contents.
	Data string `toml:"data" yaml:"data"`

	// Size extends the file with zeroes to Size bytes if it is longer than
	// Data.
	Size int `toml:"size" yaml:"size"`
}

// Step is a single operation. Which fields are used depends on Op.
type Step struct {
	// Op is one of spawn, alloc, map, unmap, write, read, fault, fork,
	// exit, wait, status, file and stats.
	Op string `toml:"op" yaml:"op"`

	// Proc names the process performing the step.
	Proc string `toml:"proc" yaml:"proc"`

	// As names the process created by spawn or fork, or waited for by
	// wait.
	As string `toml:"as" yaml:"as"`

	// Argv is the argument list of a spawned process.
	Argv []string `toml:"argv" yaml:"argv"`

	// Path is a host file: the executable for spawn, or the mapped file
	// for map. Relative paths are relative to the scenario file.
	Path string `toml:"path" yaml:"path"`

	// File names an in-memory file for map and file steps.
	File string `toml:"file" yaml:"file"`

	Addr     uint64 `toml:"addr" yaml:"addr"`
	Length   uint64 `toml:"length" yaml:"length"`
	Offset   int64  `toml:"offset" yaml:"offset"`
	Writable bool   `toml:"writable" yaml:"writable"`

	// Write and SP describe the access of a fault step.
	Write bool   `toml:"write" yaml:"write"`
	SP    uint64 `toml:"sp" yaml:"sp"`

	// Data is written by write steps.
	Data string `toml:"data" yaml:"data"`

	// Expect is the content expected by read and file steps.
	Expect *string `toml:"expect" yaml:"expect"`

	// Status is the exit status for exit, and the expected status for wait
	// and status steps.
	Status *int `toml:"status" yaml:"status"`

	// Error is the errno name the step must fail with.
	Error string `toml:"error" yaml:"error"`
}

// String implements fmt.Stringer.
func (s Step) String() string {
	if s.Proc == "" {
		return s.Op
	}
	return fmt.Sprintf("%s %s", s.Op, s.Proc)
}

// Load reads the scenario file at path. Files ending in .yaml or .yml are
// parsed as YAML, others as TOML.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	var s *Scenario
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		s, err = ParseYAML(data)
	default:
		s, err = Parse(string(data))
	}
	if err != nil {
		return nil, fmt.Errorf("reading scenario %q: %w", path, err)
	}
	return s, nil
}

// Parse parses a scenario from data.
func Parse(data string) (*Scenario, error) {
	s := &Scenario{}
	md, err := toml.Decode(data, s)
	if err != nil {
		return nil, err
	}
	if err := checkDecoded(md); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseYAML parses a scenario in YAML from data.
func ParseYAML(data []byte) (*Scenario, error) {
	s := &Scenario{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return nil, err
	}
	return s, nil
}

// checkDecoded rejects keys that do not belong to any field, which are
// almost always typos.
func checkDecoded(md toml.MetaData) error {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys %v", undecoded)
	}
	return nil
}
