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
	"slices"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/pkg/sync"
)

// TasksLimit is the maximum number of live and unreaped tasks. Each task has
// its own address space, so resource limits are usually reached first.
const TasksLimit = (1 << 16)

// ThreadID is a generic thread identifier.
type ThreadID int32

// String returns a decimal representation of the ThreadID.
func (tid ThreadID) String() string {
	return fmt.Sprintf("%d", tid)
}

// InitTID is the TID given to the first task.
const InitTID ThreadID = 1

// A TaskSet comprises all tasks in a system.
type TaskSet struct {
	// mu protects all fields and all parent/child relationships between
	// tasks.
	mu sync.RWMutex

	// tasks maps each live or unreaped task's TID to the task.
	//
	// +checklocks:mu
	tasks map[ThreadID]*Task

	// last is the most recently allocated TID.
	//
	// +checklocks:mu
	last ThreadID
}

// newTaskSet returns a new, empty TaskSet.
func newTaskSet() *TaskSet {
	return &TaskSet{tasks: make(map[ThreadID]*Task)}
}

// newTask adds a running task with address space m to ts.
func (ts *TaskSet) newTask(k *Kernel, parent *Task, name string, m *mm.MemoryManager, entry hostarch.Addr) (*Task, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.tasks) >= TasksLimit {
		return nil, linuxerr.EAGAIN
	}
	tid := ts.allocateTIDLocked()
	t := &Task{
		k:      k,
		tid:    tid,
		parent: parent,
		name:   name,
		entry:  entry,
		mm:     m,
		exited: make(chan struct{}),
	}
	ts.tasks[tid] = t
	if parent != nil {
		parent.children = append(parent.children, t)
	}
	return t, nil
}

// +checklocks:ts.mu
func (ts *TaskSet) allocateTIDLocked() ThreadID {
	for {
		ts.last++
		if ts.last <= 0 || ts.last >= TasksLimit<<1 {
			ts.last = InitTID
		}
		if _, ok := ts.tasks[ts.last]; !ok {
			return ts.last
		}
	}
}

// Lookup returns the task with the given TID, or nil if no such task
// exists or it has been reaped.
func (ts *TaskSet) Lookup(tid ThreadID) *Task {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.tasks[tid]
}

// Tasks returns every live or unreaped task, ordered by TID.
func (ts *TaskSet) Tasks() []*Task {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	tasks := make([]*Task, 0, len(ts.tasks))
	for _, t := range ts.tasks {
		tasks = append(tasks, t)
	}
	slices.SortFunc(tasks, func(a, b *Task) int { return int(a.tid) - int(b.tid) })
	return tasks
}

// reapLocked removes the exited task t from ts and from its parent's
// children. t's children are orphaned.
//
// +checklocks:ts.mu
func (ts *TaskSet) reapLocked(t *Task) {
	delete(ts.tasks, t.tid)
	if p := t.parent; p != nil {
		if i := slices.Index(p.children, t); i >= 0 {
			p.children = slices.Delete(p.children, i, i+1)
		}
	}
	for _, c := range t.children {
		c.parent = nil
	}
	t.children = nil
}
