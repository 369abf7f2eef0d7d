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
	"fmt"

	"gvisor.dev/vmcore/pkg/log"
)

// Fork creates a child of t with a copy of t's address space. Anonymous
// memory is private to each process after Fork returns; file mappings are
// shared.
func (t *Task) Fork(ctx context.Context) (*Task, error) {
	m, err := t.MemoryManager()
	if err != nil {
		return nil, err
	}
	cm, err := m.Fork(ctx)
	if err != nil {
		return nil, fmt.Errorf("fork of %v: %w", t, err)
	}
	child, err := t.k.tasks.newTask(t.k, t, t.name, cm, t.entry)
	if err != nil {
		cm.Release(ctx)
		return nil, err
	}
	log.Debugf("Process %v forked %v", t, child)
	return child, nil
}
