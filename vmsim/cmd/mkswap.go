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

	"github.com/google/subcommands"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/swap"
	"gvisor.dev/vmcore/vmsim/config"
)

// MkSwap implements subcommands.Command for the "mkswap" command.
type MkSwap struct{}

// Name implements subcommands.Command.Name.
func (*MkSwap) Name() string {
	return "mkswap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MkSwap) Synopsis() string {
	return "create a swap file"
}

// Usage implements subcommands.Command.Usage.
func (*MkSwap) Usage() string {
	return `mkswap <path> - create a swap file of --swap-sectors sectors, for use with --swap-file.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*MkSwap) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*MkSwap) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	path := f.Arg(0)
	if err := swap.Create(path, conf.SwapSectors); err != nil {
		Fatalf("%v", err)
	}
	log.Infof("Created swap file %q with %d slots", path, conf.SwapSectors/swap.SectorsPerSlot)
	return subcommands.ExitSuccess
}
