// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/vectorhook/hookcore/process"
)

type mapsCmd struct {
	global *globalFlags
	out    io.Writer

	lib string
	pid int
}

func newMapsCmd(g *globalFlags, out io.Writer) *ffcli.Command {
	args := &mapsCmd{global: g, out: out}

	set := flag.NewFlagSet("maps", flag.ExitOnError)
	set.StringVar(&args.lib, "lib", "", "Library name to match against mapping paths")
	set.IntVar(&args.pid, "pid", process.SelfPID, "PID to inspect (0 for hookctl itself)")

	return &ffcli.Command{
		Name:       "maps",
		Exec:       args.exec,
		ShortUsage: "maps -lib NAME [-pid N]",
		ShortHelp:  "Print the mappings of a library and the chosen load base",
		FlagSet:    set,
	}
}

func (cmd *mapsCmd) exec(context.Context, []string) error {
	if cmd.lib == "" {
		return errors.New("please specify `-lib`")
	}
	if err := cmd.global.setup(); err != nil {
		return err
	}

	mappings, parseErrors, err := process.GetMappings(cmd.pid)
	if err != nil {
		return fmt.Errorf("failed to read mappings: %w", err)
	}
	if parseErrors > 0 {
		log.Warnf("Skipped %d malformed mapping lines", parseErrors)
	}

	matches := process.MatchingMappings(mappings, cmd.lib)
	for i := range matches {
		m := &matches[i]
		fmt.Fprintf(cmd.out, "%016x-%016x %s %08x %s\n",
			m.Vaddr, m.End(), m.Perms(), m.FileOffset, m.Path)
	}
	base, err := process.FindModuleBase(mappings, cmd.lib)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.out, "base 0x%x (%s %s)\n", base.Vaddr, base.Perms(), base.Path)
	return err
}
