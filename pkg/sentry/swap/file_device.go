// Copyright 2019 The gVisor Authors.
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

package swap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/log"
)

// lockSuffix names the lock file that guards a swap file against concurrent
// use by more than one simulator.
const lockSuffix = ".lock"

// FileDevice is a Device backed by a host file.
type FileDevice struct {
	f       *os.File
	sectors uint64
	lock    *flock.Flock
}

// Create creates (or truncates) a swap file at path holding the given number
// of sectors.
func Create(path string, sectors uint64) error {
	if sectors == 0 || sectors%SectorsPerSlot != 0 {
		return fmt.Errorf("swap size of %d sectors is not a positive multiple of %d", sectors, SectorsPerSlot)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating swap file %q: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(int64(sectors * SectorSize)); err != nil {
		return fmt.Errorf("sizing swap file %q: %w", path, err)
	}
	return nil
}

// OpenFileDevice opens the swap file at path and takes an exclusive lock on
// it. If the lock is held elsewhere, OpenFileDevice retries until ctx is done.
func OpenFileDevice(ctx context.Context, path string) (*FileDevice, error) {
	l := flock.New(path + lockSuffix)
	b := backoff.WithContext(backoff.NewConstantBackOff(100*time.Millisecond), ctx)
	op := func() error {
		locked, err := l.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !locked {
			log.Debugf("Swap file %q is locked, retrying", path)
			return fmt.Errorf("swap file %q is in use", path)
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("error acquiring lock on swap file %q: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		l.Unlock()
		return nil, fmt.Errorf("opening swap file %q: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		l.Unlock()
		return nil, fmt.Errorf("stat swap file %q: %w", path, err)
	}
	d := &FileDevice{
		f:       f,
		sectors: uint64(fi.Size()) / SectorSize,
		lock:    l,
	}
	log.Infof("Swap file %q: %d sectors", path, d.sectors)
	return d, nil
}

// NumSectors implements Device.NumSectors.
func (d *FileDevice) NumSectors() uint64 {
	return d.sectors
}

// ReadSector implements Device.ReadSector.
func (d *FileDevice) ReadSector(sector uint64, dst []byte) error {
	if err := checkSector(d, sector, dst); err != nil {
		return err
	}
	n, err := unix.Pread(int(d.f.Fd()), dst, int64(sector*SectorSize))
	if err != nil {
		return fmt.Errorf("reading sector %d: %w", sector, err)
	}
	if n != SectorSize {
		return fmt.Errorf("short read of sector %d: %d bytes", sector, n)
	}
	return nil
}

// WriteSector implements Device.WriteSector.
func (d *FileDevice) WriteSector(sector uint64, src []byte) error {
	if err := checkSector(d, sector, src); err != nil {
		return err
	}
	n, err := unix.Pwrite(int(d.f.Fd()), src, int64(sector*SectorSize))
	if err != nil {
		return fmt.Errorf("writing sector %d: %w", sector, err)
	}
	if n != SectorSize {
		return fmt.Errorf("short write of sector %d: %d bytes", sector, n)
	}
	return nil
}

// Close implements Device.Close.
func (d *FileDevice) Close() error {
	err := d.f.Close()
	if uerr := d.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}
