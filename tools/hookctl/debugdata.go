// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/ianlancetaylor/demangle"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/vectorhook/hookcore/libpf"
	"github.com/vectorhook/hookcore/libpf/pfelf"
)

type debugDataCmd struct {
	global *globalFlags
	out    io.Writer

	file     string
	demangle bool
	filter   string
}

func newDebugDataCmd(g *globalFlags, out io.Writer) *ffcli.Command {
	args := &debugDataCmd{global: g, out: out}

	set := flag.NewFlagSet("debugdata", flag.ExitOnError)
	set.StringVar(&args.file, "file", "", "ELF file to read")
	set.BoolVar(&args.demangle, "demangle", false, "Demangle C++ names")
	set.StringVar(&args.filter, "filter", "", "Only list symbols starting with this prefix")

	return &ffcli.Command{
		Name:       "debugdata",
		Exec:       args.exec,
		ShortUsage: "debugdata -file PATH [-demangle] [-filter PREFIX]",
		ShortHelp:  "List the symbols recovered from .gnu_debugdata",
		FlagSet:    set,
	}
}

func (cmd *debugDataCmd) exec(context.Context, []string) error {
	if cmd.file == "" {
		return errors.New("please specify `-file`")
	}
	if err := cmd.global.setup(); err != nil {
		return err
	}

	// The table is read without resolving addresses, so any base will do.
	img, err := pfelf.OpenFile(cmd.file, libpf.AddressInvalid,
		pfelf.WithMaxDebugDataSize(cmd.global.cfg.MaxDebugDataSize))
	if err != nil {
		return err
	}
	defer img.Close()
	if !img.HasDebugData() {
		return fmt.Errorf("%s: %w", cmd.file, pfelf.ErrNoDebugData)
	}

	var werr error
	img.Symbols().VisitAll(func(sym libpf.Symbol) {
		name := string(sym.Name)
		if werr != nil || !strings.HasPrefix(name, cmd.filter) {
			return
		}
		if cmd.demangle {
			name = demangle.Filter(name)
		}
		_, werr = fmt.Fprintf(cmd.out, "%016x %6d %s\n", uint64(sym.Address), sym.Size, name)
	})
	return werr
}
