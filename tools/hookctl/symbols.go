// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/vectorhook/hookcore/libpf"
	"github.com/vectorhook/hookcore/libpf/pfelf"
	"github.com/vectorhook/hookcore/process"
)

type symbolsCmd struct {
	global *globalFlags
	out    io.Writer

	lib    string
	file   string
	base   string
	pid    int
	prefix bool
	all    bool
}

func newSymbolsCmd(g *globalFlags, out io.Writer) *ffcli.Command {
	args := &symbolsCmd{global: g, out: out}

	set := flag.NewFlagSet("symbols", flag.ExitOnError)
	set.StringVar(&args.lib, "lib", "",
		"Library name or one of art, binder, linker, framework")
	set.StringVar(&args.file, "file", "", "Resolve in an ELF file instead of a process")
	set.StringVar(&args.base, "base", "0x1000", "Load base assumed with `-file`")
	set.IntVar(&args.pid, "pid", process.SelfPID, "PID to inspect (0 for hookctl itself)")
	set.BoolVar(&args.prefix, "prefix", false, "Treat arguments as name prefixes")
	set.BoolVar(&args.all, "all", false, "Print every symbol with the given name")

	return &ffcli.Command{
		Name:       "symbols",
		Exec:       args.exec,
		ShortUsage: "symbols (-lib NAME [-pid N] | -file PATH [-base ADDR]) [flags] SYMBOL...",
		ShortHelp:  "Resolve symbol addresses",
		FlagSet:    set,
	}
}

func (cmd *symbolsCmd) open() (*pfelf.Image, error) {
	if cmd.file != "" {
		base, err := strconv.ParseUint(cmd.base, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse base: %w", err)
		}
		return pfelf.OpenFile(cmd.file, libpf.Address(base),
			pfelf.WithMaxDebugDataSize(cmd.global.cfg.MaxDebugDataSize))
	}
	cache, err := cmd.global.newCache(cmd.pid)
	if err != nil {
		return nil, err
	}
	return openLibrary(cache, cmd.lib)
}

func (cmd *symbolsCmd) exec(_ context.Context, symbols []string) error {
	if (cmd.lib == "") == (cmd.file == "") {
		return errors.New("please specify either `-lib` or `-file`")
	}
	if len(symbols) == 0 {
		return errors.New("no symbols given")
	}
	if err := cmd.global.setup(); err != nil {
		return err
	}

	img, err := cmd.open()
	if err != nil {
		return err
	}
	buildID, err := img.BuildID()
	if err != nil {
		log.Debugf("%s: %v", img.Path(), err)
		buildID = "-"
	}
	fmt.Fprintf(cmd.out, "%s base=%v bias=0x%x build-id=%s debugdata=%t\n",
		img.Path(), img.Base(), img.Bias(), buildID, img.HasDebugData())

	w := tabwriter.NewWriter(cmd.out, 0, 8, 1, ' ', 0)
	for _, name := range symbols {
		switch {
		case cmd.prefix:
			fmt.Fprintf(w, "%s*\t%v\n", name, img.SymbolPrefixFirstAddress(name))
		case cmd.all:
			addrs := img.AllSymbolAddresses(name)
			if len(addrs) == 0 {
				fmt.Fprintf(w, "%s\t%v\n", name, libpf.AddressInvalid)
			}
			for _, addr := range addrs {
				fmt.Fprintf(w, "%s\t%v\n", name, addr)
			}
		default:
			fmt.Fprintf(w, "%s\t%v\n", name, img.SymbolAddress(name))
		}
	}
	return w.Flush()
}
