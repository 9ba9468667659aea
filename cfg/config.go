// Copyright 2024 The pmemfs Authors. All Rights Reserved.
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

// Package cfg holds the user-facing configuration knobs of a pool and their
// flag/file plumbing.
package cfg

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Page is the allocation granule of the data engine.
const Page = 4096

// MaxBlockSize bounds one block of file data.
const MaxBlockSize = 64 * 1024 * 1024

// Config is the set of pool-level knobs.
type Config struct {
	// OverallocateOnAppend enables the tiered inflation of block sizes for
	// pure appends.
	OverallocateOnAppend bool `yaml:"overallocate-on-append"`

	// ForcedBlockSize, when nonzero, overrides per-allocation sizing. Must
	// be a page multiple no larger than MaxBlockSize.
	ForcedBlockSize ByteSize `yaml:"forced-block-size"`

	// LogLevel is the logger verbosity.
	LogLevel string `yaml:"log-level"`

	// LogFile, when set, routes logging there behind rotation; empty
	// means stderr.
	LogFile string `yaml:"log-file"`

	// LogRotateMaxSizeMB caps one log file before it rotates.
	LogRotateMaxSizeMB int `yaml:"log-rotate-max-size-mb"`

	// LogRotateBackupCount bounds how many rotated files are kept.
	LogRotateBackupCount int `yaml:"log-rotate-backup-count"`

	// DebugInvariants checks internal invariants on every lock
	// transition. Costs a full state walk each time; tests only.
	DebugInvariants bool `yaml:"debug-invariants"`
}

// DefaultConfig mirrors the original defaults: appends overallocate, block
// sizing is automatic.
func DefaultConfig() Config {
	return Config{
		OverallocateOnAppend: true,
		ForcedBlockSize:      0,
		LogLevel:             "info",
		LogRotateMaxSizeMB:   512,
		LogRotateBackupCount: 10,
	}
}

// Validate rejects knob combinations the data engine cannot honour.
func (c *Config) Validate() error {
	if c.ForcedBlockSize != 0 {
		if c.ForcedBlockSize%Page != 0 {
			return fmt.Errorf("forced-block-size %d is not a page multiple", c.ForcedBlockSize)
		}
		if c.ForcedBlockSize > MaxBlockSize {
			return fmt.Errorf("forced-block-size %d exceeds the max block size %d", c.ForcedBlockSize, MaxBlockSize)
		}
	}
	return nil
}

// ByteSize is a byte count that parses from "4096", "64K", "4M", "1G".
type ByteSize uint64

func (b *ByteSize) Set(s string) error {
	v, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (b ByteSize) String() string { return strconv.FormatUint(uint64(b), 10) }

func (b ByteSize) Type() string { return "bytes" }

func parseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	mult := uint64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad byte size %q: %w", s, err)
	}

	return ByteSize(n * mult), nil
}

// BindFlags registers every knob on the supplied flag set and wires it into
// viper, so a knob can come from the command line, a config file, or the
// environment with the usual precedence.
func BindFlags(flagSet *pflag.FlagSet, v *viper.Viper) error {
	flagSet.Bool("overallocate-on-append", true,
		"Inflate the first block allocated by a pure append per the tiered schedule.")
	flagSet.String("forced-block-size", "0",
		"Override automatic block sizing. Page multiple, at most 64M. 0 disables.")
	flagSet.String("log-level", "info", "Logger verbosity.")
	flagSet.String("log-file", "",
		"Route logging to this file behind rotation; empty means stderr.")
	flagSet.Int("log-rotate-max-size-mb", 512, "Cap one log file before it rotates.")
	flagSet.Int("log-rotate-backup-count", 10, "How many rotated log files to keep.")
	flagSet.Bool("debug-invariants", false,
		"Check internal invariants on every lock transition.")

	for _, name := range []string{
		"overallocate-on-append",
		"forced-block-size",
		"log-level",
		"log-file",
		"log-rotate-max-size-mb",
		"log-rotate-backup-count",
		"debug-invariants",
	} {
		if err := v.BindPFlag(name, flagSet.Lookup(name)); err != nil {
			return err
		}
	}

	return nil
}

// Load decodes the viper state into a Config, accepting human byte-size
// strings for ByteSize fields.
func Load(v *viper.Viper) (Config, error) {
	c := DefaultConfig()

	err := v.Unmarshal(&c,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(byteSizeHook)),
		func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" })
	if err != nil {
		return c, fmt.Errorf("decoding config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return c, err
	}

	return c, nil
}

func byteSizeHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(ByteSize(0)) {
		return data, nil
	}
	s, ok := data.(string)
	if !ok {
		return data, nil
	}
	return parseByteSize(s)
}
