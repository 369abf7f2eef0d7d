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

package fsbridge

import (
	"context"
	"sync/atomic"

	"gvisor.dev/vmcore/pkg/sync"
)

type ownerKey struct{}

var lastOwner atomic.Uint64

// WithOwner returns a context carrying a fresh lock-owner token. Every
// logical thread that may take the file system lock, directly or from a
// nested page fault, must run with its own token.
func WithOwner(ctx context.Context) context.Context {
	return context.WithValue(ctx, ownerKey{}, lastOwner.Add(1))
}

// OwnerFromContext returns the lock-owner token carried by ctx, or 0.
func OwnerFromContext(ctx context.Context) uint64 {
	if o, ok := ctx.Value(ownerKey{}).(uint64); ok {
		return o
	}
	return 0
}

// Lock is the file system lock. It serializes all access to the file layer
// and may be taken re-entrantly by the thread that holds it.
type Lock struct {
	mu sync.OwnedMutex
}

// Lock acquires l on behalf of the thread identified by ctx unless that
// thread already holds it, and returns the matching unlock function. A ctx
// without an owner token takes l non-reentrantly.
func (l *Lock) Lock(ctx context.Context) (unlock func()) {
	owner := OwnerFromContext(ctx)
	if owner == 0 {
		owner = lastOwner.Add(1)
	}
	return l.mu.LockIfNotHeld(owner)
}

// HeldBy returns true if the thread identified by ctx holds l.
func (l *Lock) HeldBy(ctx context.Context) bool {
	return l.mu.HeldBy(OwnerFromContext(ctx))
}
