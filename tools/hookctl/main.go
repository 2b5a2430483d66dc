// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// hookctl inspects how hookcore sees the libraries of a running process:
// which mapping is taken as the load base and where symbols resolve to.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/vectorhook/hookcore/config"
	"github.com/vectorhook/hookcore/imagecache"
	"github.com/vectorhook/hookcore/libpf/pfelf"
	hooklog "github.com/vectorhook/hookcore/log"
	"github.com/vectorhook/hookcore/vc"
)

// envVarPrefix is the prefix of environment variables overriding flags.
const envVarPrefix = "HOOKCTL"

// globalFlags are shared by all subcommands.
type globalFlags struct {
	verbose    bool
	configFile string
	cfg        config.Config
}

func (g *globalFlags) register(set *flag.FlagSet) {
	g.cfg = config.Default()
	set.BoolVar(&g.verbose, "v", false, "Enable debug logging")
	set.StringVar(&g.configFile, "config", "", "Path to a plain text config file")
	set.StringVar(&g.cfg.ArtLibrary, "art-library", g.cfg.ArtLibrary,
		"Mapped name of the runtime library")
	set.StringVar(&g.cfg.BinderLibrary, "binder-library", g.cfg.BinderLibrary,
		"Mapped name of the binder library")
	set.StringVar(&g.cfg.LinkerPath, "linker-path", g.cfg.LinkerPath,
		"Mapped name of the dynamic linker")
	set.StringVar(&g.cfg.FrameworkLibrary, "framework-library", g.cfg.FrameworkLibrary,
		"Mapped name of the framework resource library")
	set.Uint64Var(&g.cfg.MaxDebugDataSize, "max-debugdata-size", g.cfg.MaxDebugDataSize,
		"Upper bound for the decoded size of .gnu_debugdata")
}

// setup applies the logging flags and checks the configuration.
func (g *globalFlags) setup() error {
	if g.verbose {
		log.SetLevel(log.DebugLevel)
		hooklog.SetLevel(slog.LevelDebug)
	}
	if err := g.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// newCache returns an image cache resolving libraries in the process pid.
func (g *globalFlags) newCache(pid int) (*imagecache.Cache, error) {
	maxDebugData := g.cfg.MaxDebugDataSize
	return imagecache.New(&g.cfg, imagecache.WithOpener(func(name string) (*pfelf.Image, error) {
		return pfelf.OpenImage(name, pfelf.WithPID(pid), pfelf.WithMaxDebugDataSize(maxDebugData))
	}))
}

// openLibrary returns the image of a well-known slot or of an arbitrary
// library name.
func openLibrary(cache *imagecache.Cache, name string) (*pfelf.Image, error) {
	var img *pfelf.Image
	if lib, ok := imagecache.ParseLibrary(name); ok {
		img = cache.Get(lib)
		name = cache.Name(lib)
	} else {
		img = cache.Lookup(name)
	}
	if img == nil {
		return nil, fmt.Errorf("failed to open %s (run with -v for details)", name)
	}
	return img, nil
}

func newRootCmd(out io.Writer) *ffcli.Command {
	g := &globalFlags{}
	set := flag.NewFlagSet("hookctl", flag.ExitOnError)
	g.register(set)

	return &ffcli.Command{
		Name:       "hookctl",
		ShortUsage: "hookctl [flags] <subcommand> [flags]",
		ShortHelp:  "Inspect library bases and symbol resolution",
		FlagSet:    set,
		Options: []ff.Option{
			ff.WithEnvVarPrefix(envVarPrefix),
			ff.WithConfigFileFlag("config"),
			ff.WithConfigFileParser(ff.PlainParser),
			ff.WithAllowMissingConfigFile(true),
		},
		Subcommands: []*ffcli.Command{
			newMapsCmd(g, out),
			newSymbolsCmd(g, out),
			newDebugDataCmd(g, out),
			newVersionCmd(out),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}
}

func newVersionCmd(out io.Writer) *ffcli.Command {
	return &ffcli.Command{
		Name:       "version",
		ShortUsage: "version",
		ShortHelp:  "Print the version",
		Exec: func(context.Context, []string) error {
			_, err := fmt.Fprintf(out, "hookctl %s (revision %s)\n", vc.Version(), vc.Revision())
			return err
		},
	}
}

func main() {
	log.SetReportCaller(false)
	log.SetFormatter(&log.TextFormatter{})

	root := newRootCmd(os.Stdout)
	if err := root.ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Fatalf("%v", err)
		}
	}
}
