package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/basket/go-plugbot/internal/bot"
	"github.com/basket/go-plugbot/internal/config"
	"github.com/basket/go-plugbot/internal/loader"
	"github.com/basket/go-plugbot/internal/telemetry"
)

// runPluginsCommand loads every plugin the way the bot would and prints the
// handler table in dispatch order.
func runPluginsCommand(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("plugins", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var dirs stringList
	fs.Var(&dirs, "dir", "plugin directory to load instead of the configured ones (repeatable)")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: plugbot plugins [--dir <path>]...")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if len(dirs) > 0 {
		cfg.Plugins.Dirs = dirs
	}
	b, err := bot.New(bot.Options{Config: cfg, Logger: telemetry.Discard()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	defer b.Loader.Close()
	res := b.Loader.Scan(ctx)

	st := newStyles(stdout)
	snap := b.Registry.Snapshot()
	fmt.Fprintln(stdout, st.header.Render(fmt.Sprintf("%d handlers from %d files (%d failed)", snap.Len(), res.Loaded, res.Failed)))
	for _, e := range snap.Entries() {
		var flags []string
		if e.OwnerOnly {
			flags = append(flags, "owner")
		}
		if e.GroupOnly {
			flags = append(flags, "group")
		}
		fmt.Fprintf(stdout, "%3d  %-24s %-24s %s %s\n",
			snap.Priority(e.Owner), e.Owner+"."+e.HandlerName, e.Pattern,
			st.dim.Render(strings.Join(flags, ",")), st.dim.Render(e.SourceFile))
	}
	if res.Failed > 0 {
		return 1
	}
	return 0
}

// runCheckCommand loads plugin files without registering them. With no
// arguments it checks every file in the configured plugin dirs.
func runCheckCommand(ctx context.Context, args []string, stdout io.Writer) int {
	rts := bot.DefaultRuntimes(telemetry.Discard())
	files := args
	if len(files) == 0 {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config load: %v\n", err)
			return 1
		}
		files = loader.Discover(cfg.Plugins.Dirs, rts...)
	}

	st := newStyles(stdout)
	failed := 0
	for _, path := range files {
		mod, err := loader.Inspect(ctx, path, rts...)
		if err != nil {
			failed++
			fmt.Fprintf(stdout, "%s %s\n", st.status("FAIL"), err)
			continue
		}
		fmt.Fprintf(stdout, "%s %s\n", st.status("PASS"), path)
		for _, p := range mod.Providers() {
			routes := p.RegexHandlers()
			fmt.Fprintf(stdout, "     %s: %d handlers\n", p.Name(), len(routes))
			for _, r := range routes {
				fmt.Fprintf(stdout, "       %-28s -> %s\n", r.Pattern, r.HandlerName)
			}
		}
		mod.Close()
	}
	fmt.Fprintf(stdout, "%d files, %d failed\n", len(files), failed)
	if failed > 0 {
		return 1
	}
	return 0
}

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}
