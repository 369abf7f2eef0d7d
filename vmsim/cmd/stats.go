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
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"golang.org/x/term"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/vmsim/config"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct{}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "run a scenario quietly and print paging statistics"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats <scenario.toml> - run a scenario and print resource usage and paging counters.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Stats) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Stats) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	err := runScenario(ctx, conf, f.Arg(0), io.Discard, func(k *kernel.Kernel) {
		printStats(os.Stdout, k, isTerminal(os.Stdout))
	})
	if err != nil {
		Errorf("%v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// isTerminal returns true if f is attached to a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// printStats prints resource usage and metric counters of k. If aligned is
// true, they are printed as a table for a human reader; otherwise as one
// name=value pair per line.
func printStats(out io.Writer, k *kernel.Kernel, aligned bool) {
	s := k.Pager().Stats()
	rows := [][2]string{
		{"frames", fmt.Sprint(s.Frames)},
		{"free_pages", fmt.Sprint(s.FreePages)},
		{"swap_slots_used", fmt.Sprint(s.SwapSlots - s.FreeSwapSlots)},
		{"swap_slots", fmt.Sprint(s.SwapSlots)},
		{"processes", fmt.Sprint(len(k.TaskSet().Tasks()))},
	}
	for _, sample := range metric.Snapshot() {
		rows = append(rows, [2]string{sample.Name, fmt.Sprint(sample.Value)})
	}

	if !aligned {
		for _, r := range rows {
			fmt.Fprintf(out, "%s=%s\n", r[0], r[1])
		}
		return
	}
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', tabwriter.AlignRight)
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t\n", r[0], r[1])
	}
	w.Flush()
}
