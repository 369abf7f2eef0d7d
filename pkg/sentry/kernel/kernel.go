// Copyright 2018 The gVisor Authors.
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

// Package kernel provides the process lifecycle around the paging core. It
// creates an address space for each new process, duplicates it on fork, and
// terminates processes whose memory accesses cannot be resolved.
//
// Lock order:
//
//	TaskSet.mu
//	  Task.mu
//	    mm.MemoryManager locks
package kernel

import (
	"context"
	"fmt"
	"time"

	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/fsbridge"
	"gvisor.dev/vmcore/pkg/sentry/loader"
	"gvisor.dev/vmcore/pkg/sentry/mm"
)

// Kernel represents an emulated kernel with demand-paged process memory.
type Kernel struct {
	// pager is shared by every address space. pager and layout are
	// immutable after Init.
	pager  *mm.Pager
	layout mm.Layout

	tasks *TaskSet

	// fatalLog reports processes killed by unresolvable faults.
	fatalLog log.Logger
}

// InitKernelArgs holds arguments to Init.
type InitKernelArgs struct {
	// Pager provides physical memory and swap for all processes.
	Pager *mm.Pager

	// Layout is the address space layout of every process.
	Layout mm.Layout
}

// Init initialize the Kernel with no tasks.
func (k *Kernel) Init(args InitKernelArgs) error {
	if args.Pager == nil {
		return fmt.Errorf("Pager is nil")
	}
	if err := args.Layout.Validate(); err != nil {
		return fmt.Errorf("invalid layout: %w", err)
	}
	k.pager = args.Pager
	k.layout = args.Layout
	k.tasks = newTaskSet()
	k.fatalLog = log.BasicRateLimitedLogger(time.Second)
	return nil
}

// Pager returns the Kernel's Pager.
func (k *Kernel) Pager() *mm.Pager {
	return k.pager
}

// TaskSet returns the TaskSet.
func (k *Kernel) TaskSet() *TaskSet {
	return k.tasks
}

// CreateProcessArgs holds arguments to kernel.CreateProcess.
type CreateProcessArgs struct {
	// Filename is the name of the executable, used as the process name.
	Filename string

	// File is the executable. If File is nil, the process starts with an
	// empty address space and a stack holding Argv.
	File fsbridge.File

	// Argv is the list of arguments to the process.
	Argv []string

	// Parent is the parent of the process, or nil.
	Parent *Task
}

// CreateProcess creates a new process with a fresh address space. The
// executable, if any, is loaded lazily.
func (k *Kernel) CreateProcess(ctx context.Context, args CreateProcessArgs) (*Task, error) {
	m, err := mm.NewMemoryManager(k.pager, k.layout)
	if err != nil {
		return nil, err
	}
	var info loader.ImageInfo
	if args.File != nil {
		info, err = loader.Load(ctx, m, loader.LoadArgs{File: args.File, Argv: args.Argv})
	} else {
		info.Stack, err = loader.SetupStack(ctx, m, args.Argv)
	}
	if err != nil {
		m.Release(ctx)
		return nil, fmt.Errorf("loading %q: %w", args.Filename, err)
	}

	name := args.Filename
	if name == "" && len(args.Argv) > 0 {
		name = args.Argv[0]
	}
	t, err := k.tasks.newTask(k, args.Parent, name, m, info.Entry)
	if err != nil {
		m.Release(ctx)
		return nil, err
	}
	log.Infof("Created process %v (%q), entry %v, sp %v", t.tid, name, info.Entry, info.Stack.SP)
	return t, nil
}
