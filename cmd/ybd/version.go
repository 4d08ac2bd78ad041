// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"runtime/debug"

	"github.com/leeming/ybd/internal/system"
	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
)

// ybdVersion is the version string filled in by the linker (e.g. "1.2.3").
var ybdVersion string

// programVersion returns the version of the running program,
// falling back to the module version recorded at build time.
func programVersion() string {
	if ybdVersion != "" {
		return ybdVersion
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return ""
}

func newVersionCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "version",
		Short:                 "show version information",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		initLogging(false, 0)
		return runVersion(cmd.Context())
	}
	return c
}

func runVersion(ctx context.Context) error {
	firstLine := "ybd"
	if v := programVersion(); v == "" {
		firstLine += " (version unknown)"
	} else {
		firstLine += " version " + v
	}
	arch, err := system.Host()
	if err != nil {
		log.Debugf(ctx, "%v", err)
		arch = "unknown"
	}
	fmt.Printf("%s\nArch:         %v\nCPUs:         %d\n", firstLine, arch, runtime.NumCPU())

	if runtime.GOOS == "linux" {
		output, err := exec.CommandContext(ctx, "uname", "-srv").Output()
		if err != nil {
			log.Errorf(ctx, "uname: %v", err)
		} else {
			output = bytes.TrimSuffix(output, []byte("\n"))
			fmt.Printf("OS:           %s\n", output)
		}

		output, err = exec.CommandContext(ctx, "lsb_release", "-ds").Output()
		if errors.Is(err, exec.ErrNotFound) {
			log.Debugf(ctx, "lsb_release: %v", err)
		} else if err != nil {
			log.Errorf(ctx, "lsb_release: %v", err)
		} else {
			output = bytes.TrimSuffix(output, []byte("\n"))
			fmt.Printf("Distribution: %s\n", output)
		}
	}
	return nil
}
