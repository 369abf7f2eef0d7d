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

// Package config provides basic infrastructure to set configuration settings
// for vmsim. Each setting that can be changed from the command line must have
// a "flag" tag, and may also be set from a TOML file given with --config.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/pkg/sentry/swap"
)

// Config holds configuration that is not part of a scenario. Flags explicitly
// set on the command line take precedence over the configuration file.
type Config struct {
	// ConfigFile is the path of a TOML file with settings for the fields
	// below.
	ConfigFile string `flag:"config" toml:"-"`

	// Frames is the number of physical pages available to all processes.
	Frames int `flag:"frames" toml:"frames"`

	// SwapFile is the path of a swap file created by "vmsim mkswap". If
	// empty, swap is kept in memory.
	SwapFile string `flag:"swap-file" toml:"swap_file"`

	// SwapSectors is the size of in-memory swap, in sectors.
	SwapSectors uint64 `flag:"swap-sectors" toml:"swap_sectors"`

	// SwapLockTimeout bounds how long to wait for another simulator to
	// release the swap file.
	SwapLockTimeout time.Duration `flag:"swap-lock-timeout" toml:"swap_lock_timeout"`

	// StackMax is the maximum size of a process stack, in bytes.
	StackMax uint64 `flag:"stack-max" toml:"stack_max"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`
}

// Validate checks that the configuration describes a usable system.
func (c *Config) Validate() error {
	if c.Frames <= 0 {
		return fmt.Errorf("frames must be positive, got %d", c.Frames)
	}
	if c.SwapFile == "" && (c.SwapSectors == 0 || c.SwapSectors%swap.SectorsPerSlot != 0) {
		return fmt.Errorf("swap-sectors must be a positive multiple of %d, got %d", swap.SectorsPerSlot, c.SwapSectors)
	}
	if c.SwapLockTimeout < 0 {
		return fmt.Errorf("swap-lock-timeout must not be negative, got %v", c.SwapLockTimeout)
	}
	if c.StackMax == 0 || c.StackMax%hostarch.PageSize != 0 {
		return fmt.Errorf("stack-max must be a positive multiple of %d, got %d", hostarch.PageSize, c.StackMax)
	}
	if err := c.Layout().Validate(); err != nil {
		return fmt.Errorf("stack-max %d: %w", c.StackMax, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	return nil
}

// Layout returns the address space layout of every process.
func (c *Config) Layout() mm.Layout {
	l := mm.DefaultLayout
	l.MaxStackSize = c.StackMax
	return l
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Frames: %d", c.Frames)
	if c.SwapFile != "" {
		log.Infof("Config.SwapFile: %s", c.SwapFile)
	} else {
		log.Infof("Config.SwapSectors: %d", c.SwapSectors)
	}
	log.Infof("Config.StackMax: %d", c.StackMax)
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.LogFormat: %s", c.LogFormat)
}

// NewFromFlags creates a new Config with values coming from the given flag
// set, overlaid on the file named by the "config" flag, if any. This function
// expects flags to be registered with RegisterFlags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		obj.Field(i).Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
	}

	if conf.ConfigFile != "" {
		if _, err := toml.DecodeFile(conf.ConfigFile, conf); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", conf.ConfigFile, err)
		}
		// Explicit flags win over the file.
		flagSet.Visit(func(fl *flag.Flag) {
			if i, ok := fieldForFlag(st, fl.Name); ok {
				obj.Field(i).Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
			}
		})
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func fieldForFlag(st reflect.Type, name string) (int, bool) {
	for i := 0; i < st.NumField(); i++ {
		if tag, ok := st.Field(i).Tag.Lookup("flag"); ok && tag == name {
			return i, true
		}
	}
	return 0, false
}

// ToFlags returns a slice of flags that correspond to the given Config. Flags
// whose value matches the default are omitted.
func (c *Config) ToFlags() []string {
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	var rv []string
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		val := fmt.Sprintf("%v", obj.Field(i).Interface())
		if fl := flagSet.Lookup(name); fl != nil && fl.DefValue == val {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", name, val))
	}
	return rv
}
