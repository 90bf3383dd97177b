// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/pkg/errors"

	"go.fuchsia.dev/blkemu/harness"
)

type runCmd struct {
	config  string
	image   string
	backend string
	verify  bool
}

func (*runCmd) Name() string {
	return "run"
}

func (*runCmd) Usage() string {
	return "run [flags...]\n\nflags:\n"
}

func (*runCmd) Synopsis() string {
	return "provisions an image, formats its first partition and writes a file to it"
}

func (cmd *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&cmd.config, "config", "", "YAML file overriding the default run.")
	f.StringVar(&cmd.image, "image", "", "Path of the disk image; overrides the config.")
	f.StringVar(&cmd.backend, "backend", "", "Backing store kind, \"file\" or \"mem\"; overrides the config.")
	f.BoolVar(&cmd.verify, "verify", true, "Read the file back after unmounting.")
}

func (cmd *runCmd) loadConfig() (*harness.Config, error) {
	cfg := harness.DefaultConfig()
	if cmd.config != "" {
		var err error
		if cfg, err = harness.LoadConfig(cmd.config); err != nil {
			return nil, err
		}
	}
	if cmd.image != "" {
		cfg.Image = cmd.image
	}
	if cmd.backend != "" {
		cfg.Backend = harness.BackendKind(cmd.backend)
	}
	if !cmd.verify {
		cfg.Verify = false
	}
	return cfg, nil
}

func (cmd *runCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := cmd.loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return subcommands.ExitUsageError
	}
	h, err := harness.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return subcommands.ExitUsageError
	}

	rep, err := h.Run()
	if rep != nil {
		fmt.Print(rep)
	}
	if err != nil {
		var se *harness.StepError
		if errors.As(err, &se) {
			fmt.Fprintf(os.Stderr, "%s: rc = %d (%v)\n", se.Step, se.Errno(), se.Err)
		} else {
			fmt.Fprintf(os.Stderr, "cleanup: %v\n", err)
		}
		return subcommands.ExitFailure
	}
	fmt.Println("PASS")
	return subcommands.ExitSuccess
}
