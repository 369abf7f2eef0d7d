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
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
)

func testFile(t *testing.T, f File) {
	ctx := context.Background()

	if _, err := f.WriteAt(ctx, []byte("hello world"), 0); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	re, err := f.Reopen(ctx)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if re.ID() != f.ID() {
		t.Errorf("Reopen changed ID: got %d want %d", re.ID(), f.ID())
	}
	if err := f.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := f.Close(ctx); !linuxerr.Equals(linuxerr.EBADF, err) {
		t.Errorf("second Close got %v want EBADF", err)
	}

	// The reopened handle must survive closing the original.
	buf := make([]byte, 5)
	if n, err := re.ReadAt(ctx, buf, 6); err != nil || n != 5 {
		t.Fatalf("ReadAt got (%d, %v) want (5, nil)", n, err)
	}
	if string(buf) != "world" {
		t.Errorf("ReadAt got %q want %q", buf, "world")
	}
	if n, err := re.ReadAt(ctx, make([]byte, 8), 8); err != io.EOF || n != 3 {
		t.Errorf("ReadAt past EOF got (%d, %v) want (3, EOF)", n, err)
	}
	if l, err := re.Length(ctx); err != nil || l != 11 {
		t.Errorf("Length got (%d, %v) want (11, nil)", l, err)
	}

	dup, err := re.Duplicate(ctx)
	if err != nil {
		t.Fatalf("Duplicate failed: %v", err)
	}
	if err := re.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := dup.WriteAt(ctx, []byte("!"), 11); err != nil {
		t.Fatalf("WriteAt through duplicate failed: %v", err)
	}
	if l, _ := dup.Length(ctx); l != 12 {
		t.Errorf("Length after extending write got %d want 12", l)
	}
	if err := dup.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestMemFile(t *testing.T) {
	f := NewMemFile(nil)
	testFile(t, f)
	if got, want := f.Contents(), []byte("hello world!"); !bytes.Equal(got, want) {
		t.Errorf("Contents got %q want %q", got, want)
	}
}

func TestHostFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	f, err := OpenHostFile(path)
	if err != nil {
		t.Fatalf("OpenHostFile failed: %v", err)
	}
	testFile(t, f)
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if want := []byte("hello world!"); !bytes.Equal(got, want) {
		t.Errorf("host file contents got %q want %q", got, want)
	}
}

func TestLockReentrant(t *testing.T) {
	var l Lock
	ctx := WithOwner(context.Background())

	unlock := l.Lock(ctx)
	if !l.HeldBy(ctx) {
		t.Fatalf("HeldBy got false after Lock")
	}
	nested := l.Lock(ctx)
	nested()
	if !l.HeldBy(ctx) {
		t.Fatalf("nested unlock released the outer lock")
	}

	other := WithOwner(context.Background())
	acquired := make(chan struct{})
	go func() {
		defer l.Lock(other)()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatalf("another owner acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-acquired
}
