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
	"context"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/log"
)

// ExitStatusKilled is the exit status of a process terminated because one of
// its memory accesses could not be resolved.
const ExitStatusKilled = -1

// Exit terminates t with the given status and releases its address space.
// Exit of an exited task has no effect.
func (t *Task) Exit(ctx context.Context, status int) {
	t.mu.Lock()
	m := t.mm
	if m == nil {
		t.mu.Unlock()
		return
	}
	t.mm = nil
	t.exitStatus = status
	t.mu.Unlock()

	m.Release(ctx)
	close(t.exited)
	log.Debugf("Process %v exited with status %d", t, status)
}

// kill terminates t after a fatal memory access.
func (t *Task) kill(ctx context.Context, err error) {
	t.k.fatalLog.Warningf("Killing process %v: %v", t, err)
	t.Exit(ctx, ExitStatusKilled)
}

// Wait waits for the child of t with the given TID to exit, reaps it, and
// returns its exit status. It fails with ECHILD if tid is not an unreaped
// child of t.
func (t *Task) Wait(ctx context.Context, tid ThreadID) (int, error) {
	ts := t.k.tasks
	ts.mu.RLock()
	var child *Task
	for _, c := range t.children {
		if c.tid == tid {
			child = c
			break
		}
	}
	ts.mu.RUnlock()
	if child == nil {
		return 0, linuxerr.ECHILD
	}

	select {
	case <-child.exited:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	ts.mu.Lock()
	if ts.tasks[tid] != child {
		// Another waiter got there first.
		ts.mu.Unlock()
		return 0, linuxerr.ECHILD
	}
	ts.reapLocked(child)
	ts.mu.Unlock()
	status, _ := child.ExitStatus()
	return status, nil
}
