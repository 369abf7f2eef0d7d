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

package kernel

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/pkg/sync"
)

// Task represents a single-threaded process.
type Task struct {
	k *Kernel

	// tid, name and entry are immutable.
	tid   ThreadID
	name  string
	entry hostarch.Addr

	// parent is the task that created this one, or nil if it has been
	// reaped or never existed. parent and children are protected by
	// TaskSet.mu.
	parent   *Task
	children []*Task

	mu sync.Mutex

	// mm is the task's address space, or nil once the task has exited.
	//
	// +checklocks:mu
	mm *mm.MemoryManager

	// exitStatus is valid once exited is closed.
	//
	// +checklocks:mu
	exitStatus int

	// exited is closed when the task exits.
	exited chan struct{}
}

// ThreadID returns t's TID.
func (t *Task) ThreadID() ThreadID {
	return t.tid
}

// Name returns t's name.
func (t *Task) Name() string {
	return t.name
}

// Entry returns the entry point of t's program, or zero if it has none.
func (t *Task) Entry() hostarch.Addr {
	return t.entry
}

// Kernel returns the Kernel containing t.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// MemoryManager returns t's address space. It fails with ESRCH if t has
// exited.
func (t *Task) MemoryManager() (*mm.MemoryManager, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mm == nil {
		return nil, linuxerr.ESRCH
	}
	return t.mm, nil
}

// ExitStatus returns t's exit status and true if t has exited.
func (t *Task) ExitStatus() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mm != nil {
		return 0, false
	}
	return t.exitStatus, true
}

// String implements fmt.Stringer.
func (t *Task) String() string {
	return fmt.Sprintf("%v (%s)", t.tid, t.name)
}
