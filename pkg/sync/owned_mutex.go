// Copyright 2021 The gVisor Authors.
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

package sync

import (
	"fmt"
	"sync/atomic"
)

// OwnedMutex is a mutex that records which logical thread holds it. Owners
// are identified by non-zero tokens chosen by the caller.
//
// OwnedMutex lets call paths that may be entered either with or without the
// lock held (e.g. a page fault taken while a file operation is in progress)
// acquire it only when necessary.
type OwnedMutex struct {
	mu Mutex

	// owner is the token of the current holder, or 0 if unlocked. owner is
	// only written with mu held, but may be read without it.
	owner atomic.Uint64
}

// Lock locks m on behalf of owner.
//
// Preconditions: owner != 0. owner does not already hold m.
func (m *OwnedMutex) Lock(owner uint64) {
	if owner == 0 {
		panic("OwnedMutex.Lock called with zero owner")
	}
	if m.owner.Load() == owner {
		panic(fmt.Sprintf("OwnedMutex already held by owner %d", owner))
	}
	m.mu.Lock()
	m.owner.Store(owner)
}

// Unlock unlocks m.
//
// Preconditions: m is locked.
func (m *OwnedMutex) Unlock() {
	m.owner.Store(0)
	m.mu.Unlock()
}

// HeldBy returns true if m is currently locked by owner.
func (m *OwnedMutex) HeldBy(owner uint64) bool {
	return owner != 0 && m.owner.Load() == owner
}

// LockIfNotHeld locks m on behalf of owner unless owner already holds it. It
// returns a function that undoes exactly what LockIfNotHeld did.
func (m *OwnedMutex) LockIfNotHeld(owner uint64) (unlock func()) {
	if m.HeldBy(owner) {
		return func() {}
	}
	m.Lock(owner)
	return m.Unlock
}
