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

package cmd

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/vmsim/config"
)

// stressBase is where each stress process allocates its pages.
const stressBase hostarch.Addr = 0x10000000

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	procs  int
	pages  int
	rounds int
	seed   uint64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "touch anonymous memory from concurrent processes and verify it"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - run processes that write and check more pages than fit in memory.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.procs, "procs", 4, "number of concurrent processes")
	f.IntVar(&s.pages, "pages", 128, "number of anonymous pages per process")
	f.IntVar(&s.rounds, "rounds", 4, "number of passes over each process's pages")
	f.Uint64Var(&s.seed, "seed", 1, "seed for the order in which pages are touched")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if s.procs <= 0 || s.pages <= 0 || s.rounds <= 0 || s.pages > 1<<16 {
		Fatalf("-procs and -rounds must be positive and -pages must be in [1, %d]", 1<<16)
	}

	k, release, err := newKernel(ctx, conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer release()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.procs; i++ {
		g.Go(func() error {
			return s.runProc(gctx, k, i)
		})
	}
	if err := g.Wait(); err != nil {
		Errorf("%v", err)
		return subcommands.ExitFailure
	}
	printStats(os.Stdout, k, isTerminal(os.Stdout))
	return subcommands.ExitSuccess
}

// runProc runs one stress process. Each round writes a tag to every page in
// random order and then checks that every page holds the tag of that round.
func (s *Stress) runProc(ctx context.Context, k *kernel.Kernel, id int) error {
	t, err := k.CreateProcess(ctx, kernel.CreateProcessArgs{Filename: fmt.Sprintf("stress-%d", id)})
	if err != nil {
		return err
	}
	defer t.Exit(ctx, 0)
	m, err := t.MemoryManager()
	if err != nil {
		return err
	}
	for i := 0; i < s.pages; i++ {
		if err := m.RegisterLazy(mm.TypeAnon, pageAddr(i), true, nil, nil); err != nil {
			return fmt.Errorf("%v: registering page %d: %w", t, i, err)
		}
	}

	rng := rand.New(rand.NewPCG(s.seed, uint64(id)))
	buf := make([]byte, 8)
	for round := 0; round < s.rounds; round++ {
		for _, i := range rng.Perm(s.pages) {
			binary.LittleEndian.PutUint64(buf, stressTag(id, round, i))
			if _, err := t.CopyOut(ctx, pageAddr(i), buf); err != nil {
				return fmt.Errorf("%v: writing page %d: %w", t, i, err)
			}
		}
		for i := 0; i < s.pages; i++ {
			if _, err := t.CopyIn(ctx, pageAddr(i), buf); err != nil {
				return fmt.Errorf("%v: reading page %d: %w", t, i, err)
			}
			if got, want := binary.LittleEndian.Uint64(buf), stressTag(id, round, i); got != want {
				return fmt.Errorf("%v: page %d holds %#x, want %#x", t, i, got, want)
			}
		}
		log.Debugf("%v: round %d verified", t, round)
	}
	return nil
}

func pageAddr(i int) hostarch.Addr {
	return stressBase + hostarch.Addr(i)*hostarch.PageSize
}

func stressTag(id, round, page int) uint64 {
	return uint64(id)<<48 | uint64(round)<<32 | uint64(page)
}
