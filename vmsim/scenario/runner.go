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
	"fmt"
	"io"
	"path/filepath"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/fsbridge"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/pkg/sentry/mm"
)

// Runner executes scenarios on a kernel. Process names and in-memory files
// persist across calls to Run.
type Runner struct {
	k   *kernel.Kernel
	dir string
	out io.Writer

	procs map[string]*kernel.Task
	files map[string]*fsbridge.MemFile
}

// NewRunner returns a Runner that resolves relative host paths against dir
// and prints the results of steps to out.
func NewRunner(k *kernel.Kernel, dir string, out io.Writer) *Runner {
	return &Runner{
		k:     k,
		dir:   dir,
		out:   out,
		procs: make(map[string]*kernel.Task),
		files: make(map[string]*fsbridge.MemFile),
	}
}

// Run executes every step of s, stopping at the first step that does not
// behave as expected.
func (r *Runner) Run(ctx context.Context, s *Scenario) error {
	if s.Name != "" {
		fmt.Fprintf(r.out, "scenario: %s\n", s.Name)
	}
	for _, fs := range s.Files {
		data := []byte(fs.Data)
		if fs.Size > len(data) {
			data = append(data, make([]byte, fs.Size-len(data))...)
		}
		r.files[fs.Name] = fsbridge.NewMemFile(data)
	}
	for i, st := range s.Steps {
		err := r.step(ctx, st)
		if err := checkError(st, err); err != nil {
			return fmt.Errorf("step %d (%v): %w", i+1, st, err)
		}
		if err != nil {
			fmt.Fprintf(r.out, "[%d] %v: %s\n", i+1, st, errnoName(err))
		}
	}
	return nil
}

// Close exits every process still running.
func (r *Runner) Close(ctx context.Context) {
	for _, t := range r.procs {
		t.Exit(ctx, 0)
	}
}

// checkError compares the outcome of st to its expected error.
func checkError(st Step, err error) error {
	switch {
	case st.Error == "" && err != nil:
		return err
	case st.Error != "" && err == nil:
		return fmt.Errorf("succeeded, want %s", st.Error)
	case st.Error != "" && errnoName(err) != st.Error:
		return fmt.Errorf("got %v, want %s", err, st.Error)
	}
	return nil
}

func errnoName(err error) string {
	if errno, ok := linuxerr.ToUnix(err); ok {
		return unix.ErrnoName(errno)
	}
	return err.Error()
}

func (r *Runner) proc(name string) (*kernel.Task, error) {
	t, ok := r.procs[name]
	if !ok {
		return nil, fmt.Errorf("no process named %q", name)
	}
	return t, nil
}

func (r *Runner) memFile(name string) (*fsbridge.MemFile, error) {
	f, ok := r.files[name]
	if !ok {
		return nil, fmt.Errorf("no file named %q", name)
	}
	return f, nil
}

// openFile returns the file named by st and a function that closes it.
func (r *Runner) openFile(ctx context.Context, st Step) (fsbridge.File, func(), error) {
	if st.File != "" {
		f, err := r.memFile(st.File)
		if err != nil {
			return nil, nil, err
		}
		// Steps use their own handle so that the named file stays open.
		h, err := f.Reopen(ctx)
		if err != nil {
			return nil, nil, err
		}
		return h, func() { h.Close(ctx) }, nil
	}
	path := st.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.dir, path)
	}
	h, err := fsbridge.OpenHostFile(path)
	if err != nil {
		return nil, nil, err
	}
	return h, func() { h.Close(ctx) }, nil
}

func (r *Runner) step(ctx context.Context, st Step) error {
	log.Debugf("Scenario step: %+v", st)
	addr := hostarch.Addr(st.Addr)
	switch st.Op {
	case "spawn":
		args := kernel.CreateProcessArgs{Filename: st.As, Argv: st.Argv}
		if len(args.Argv) == 0 {
			args.Argv = []string{st.As}
		}
		if st.Path != "" {
			f, closeFile, err := r.openFile(ctx, st)
			if err != nil {
				return err
			}
			defer closeFile()
			args.File = f
		}
		t, err := r.k.CreateProcess(ctx, args)
		if err != nil {
			return err
		}
		r.procs[st.As] = t
		fmt.Fprintf(r.out, "spawn %s: pid %v\n", st.As, t.ThreadID())
		return nil

	case "fork":
		t, err := r.proc(st.Proc)
		if err != nil {
			return err
		}
		child, err := t.Fork(ctx)
		if err != nil {
			return err
		}
		r.procs[st.As] = child
		fmt.Fprintf(r.out, "fork %s: %s is pid %v\n", st.Proc, st.As, child.ThreadID())
		return nil

	case "alloc":
		t, err := r.proc(st.Proc)
		if err != nil {
			return err
		}
		m, err := t.MemoryManager()
		if err != nil {
			return err
		}
		ar, ok := addr.ToRange(max(st.Length, 1))
		if !ok {
			return linuxerr.EINVAL
		}
		for va := ar.Start.RoundDown(); va < ar.End; va += hostarch.PageSize {
			if err := m.RegisterLazy(mm.TypeAnon, va, st.Writable, nil, nil); err != nil {
				return err
			}
		}
		return nil

	case "map":
		t, err := r.proc(st.Proc)
		if err != nil {
			return err
		}
		f, closeFile, err := r.openFile(ctx, st)
		if err != nil {
			return err
		}
		defer closeFile()
		_, err = t.MMap(ctx, mm.MMapOpts{
			Addr:     addr,
			Length:   st.Length,
			Writable: st.Writable,
			File:     f,
			Offset:   st.Offset,
		})
		return err

	case "unmap":
		t, err := r.proc(st.Proc)
		if err != nil {
			return err
		}
		return t.MUnmap(ctx, addr)

	case "write":
		t, err := r.proc(st.Proc)
		if err != nil {
			return err
		}
		_, err = t.CopyOut(ctx, addr, []byte(st.Data))
		return err

	case "read":
		t, err := r.proc(st.Proc)
		if err != nil {
			return err
		}
		n := int(st.Length)
		if n == 0 && st.Expect != nil {
			n = len(*st.Expect)
		}
		buf := make([]byte, n)
		if _, err := t.CopyIn(ctx, addr, buf); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "read %s %v: %q\n", st.Proc, addr, buf)
		if st.Expect != nil && !bytes.Equal(buf, []byte(*st.Expect)) {
			return fmt.Errorf("read %q, want %q", buf, *st.Expect)
		}
		return nil

	case "fault":
		t, err := r.proc(st.Proc)
		if err != nil {
			return err
		}
		at := hostarch.Read
		if st.Write {
			at = hostarch.ReadWrite
		}
		return t.HandleFault(ctx, addr, at, hostarch.Addr(st.SP))

	case "exit":
		t, err := r.proc(st.Proc)
		if err != nil {
			return err
		}
		status := 0
		if st.Status != nil {
			status = *st.Status
		}
		t.Exit(ctx, status)
		return nil

	case "wait":
		t, err := r.proc(st.Proc)
		if err != nil {
			return err
		}
		child, err := r.proc(st.As)
		if err != nil {
			return err
		}
		status, err := t.Wait(ctx, child.ThreadID())
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "wait %s: %s exited with status %d\n", st.Proc, st.As, status)
		return checkStatus(status, st.Status)

	case "status":
		t, err := r.proc(st.Proc)
		if err != nil {
			return err
		}
		status, exited := t.ExitStatus()
		if !exited {
			return fmt.Errorf("process %s has not exited", st.Proc)
		}
		fmt.Fprintf(r.out, "status %s: %d\n", st.Proc, status)
		return checkStatus(status, st.Status)

	case "file":
		f, err := r.memFile(st.File)
		if err != nil {
			return err
		}
		contents := f.Contents()
		if st.Offset < 0 || st.Offset > int64(len(contents)) {
			return linuxerr.EINVAL
		}
		got := contents[st.Offset:]
		if st.Expect != nil {
			got = got[:min(len(got), len(*st.Expect))]
		}
		fmt.Fprintf(r.out, "file %s@%d: %q\n", st.File, st.Offset, got)
		if st.Expect != nil && string(got) != *st.Expect {
			return fmt.Errorf("file contains %q, want %q", got, *st.Expect)
		}
		return nil

	case "stats":
		fmt.Fprintf(r.out, "stats: %v\n", r.k.Pager().Stats())
		return nil

	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
}

func checkStatus(got int, want *int) error {
	if want != nil && got != *want {
		return fmt.Errorf("exit status %d, want %d", got, *want)
	}
	return nil
}
