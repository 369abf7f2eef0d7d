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

package loader

import (
	"context"
	"encoding/binary"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/mm"
)

// Stack describes the initial stack of a program.
//
// From the stack pointer upwards it holds a zero return address, the argv
// array of Argc pointers followed by a null pointer, and the argument
// strings.
type Stack struct {
	// SP is the initial stack pointer.
	SP hostarch.Addr

	// Argc is the number of arguments.
	Argc int

	// Argv is the address of the argv array.
	Argv hostarch.Addr
}

// SetupStack registers and claims the top page of m's stack, copies argv
// into it, and sets m's stack pointer. The initial stack must fit in one
// page; larger argument lists fail with E2BIG.
func SetupStack(ctx context.Context, m *mm.MemoryManager, argv []string) (Stack, error) {
	top := m.Layout().StackTop
	page := top - hostarch.PageSize
	if err := m.RegisterLazy(mm.TypeAnon, page, true, nil, nil); err != nil {
		return Stack{}, err
	}
	if err := m.ClaimPage(ctx, page); err != nil {
		return Stack{}, err
	}

	size := 0
	for _, arg := range argv {
		size += len(arg) + 1
	}
	strBytes := size
	size = (size+7)&^7 + (len(argv)+2)*8
	if size > hostarch.PageSize {
		return Stack{}, linuxerr.E2BIG
	}

	buf := make([]byte, size)
	sp := top - hostarch.Addr(size)
	argvAddr := sp + 8
	str := len(buf) - strBytes
	for i, arg := range argv {
		binary.LittleEndian.PutUint64(buf[8+8*i:], uint64(sp)+uint64(str))
		str += copy(buf[str:], arg) + 1
	}
	if _, err := m.CopyOut(ctx, sp, buf); err != nil {
		return Stack{}, err
	}
	m.SetStackPointer(sp)
	return Stack{SP: sp, Argc: len(argv), Argv: argvAddr}, nil
}
