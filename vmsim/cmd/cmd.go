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

// Package cmd holds implementations of the vmsim commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gvisor.dev/vmcore/pkg/cleanup"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/swap"
	"gvisor.dev/vmcore/vmsim/config"
	"gvisor.dev/vmcore/vmsim/scenario"
)

// Errorf writes an error message to stderr and to the log.
func Errorf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf(format, args...)
}

// Fatalf logs the same message as Errorf and exits with code 128.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

// newKernel builds a kernel from conf. The returned function releases the
// kernel's memory and swap once every process has exited.
func newKernel(ctx context.Context, conf *config.Config) (*kernel.Kernel, func(), error) {
	mf, err := pgalloc.NewMemoryFile(conf.Frames)
	if err != nil {
		return nil, nil, fmt.Errorf("creating memory file: %w", err)
	}
	cu := cleanup.Make(func() {
		if err := mf.Destroy(); err != nil {
			log.Warningf("Destroying memory file: %v", err)
		}
	})
	defer cu.Clean()

	dev, err := openSwap(ctx, conf)
	if err != nil {
		return nil, nil, err
	}
	cu.Add(func() {
		if err := dev.Close(); err != nil {
			log.Warningf("Closing swap device: %v", err)
		}
	})

	k := &kernel.Kernel{}
	if err := k.Init(kernel.InitKernelArgs{
		Pager: mm.NewPager(mm.PagerOpts{
			MemoryFile: mf,
			Swap:       swap.NewStore(dev),
		}),
		Layout: conf.Layout(),
	}); err != nil {
		return nil, nil, fmt.Errorf("initializing kernel: %w", err)
	}
	return k, cu.Release(), nil
}

func openSwap(ctx context.Context, conf *config.Config) (swap.Device, error) {
	if conf.SwapFile == "" {
		return swap.NewMemoryDevice(conf.SwapSectors), nil
	}
	if conf.SwapLockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conf.SwapLockTimeout)
		defer cancel()
	}
	return swap.OpenFileDevice(ctx, conf.SwapFile)
}

// runScenario runs the scenario at path on a new kernel, printing the results
// of its steps to out. If the scenario succeeds, done is called before any
// process exits.
func runScenario(ctx context.Context, conf *config.Config, path string, out io.Writer, done func(*kernel.Kernel)) error {
	s, err := scenario.Load(path)
	if err != nil {
		return err
	}
	k, release, err := newKernel(ctx, conf)
	if err != nil {
		return err
	}
	defer release()

	r := scenario.NewRunner(k, filepath.Dir(path), out)
	defer r.Close(ctx)
	if err := r.Run(ctx, s); err != nil {
		return fmt.Errorf("scenario %q: %w", path, err)
	}
	if done != nil {
		done(k)
	}
	return nil
}
