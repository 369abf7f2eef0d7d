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

package config

import (
	"flag"
	"time"

	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/pkg/sentry/swap"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path of a TOML file with configuration settings. Flags set on the command line take precedence.")

	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Flags that size the simulated machine.
	flagSet.Int("frames", 64, "number of physical pages shared by all processes.")
	flagSet.String("swap-file", "", "swap file created with 'vmsim mkswap'. If empty, swap is kept in memory.")
	flagSet.Uint64("swap-sectors", 1024*swap.SectorsPerSlot, "size of in-memory swap in 512-byte sectors.")
	flagSet.Duration("swap-lock-timeout", 5*time.Second, "how long to wait for another simulator to release the swap file.")
	flagSet.Uint64("stack-max", mm.DefaultLayout.MaxStackSize, "maximum size of a process stack in bytes.")
}
