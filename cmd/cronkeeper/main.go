// cronkeeper runs registered shell commands on a minute-granularity
// schedule. Each dispatched command runs in a detached wrapper process that
// records its output, duration and memory use in a shared SQLite store.
//
// Run `cronkeeper run` from cron (or a systemd timer) every minute, or keep
// `cronkeeper serve` running.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"cronkeeper/internal/app"
)

// command is one subcommand.
type command struct {
	usage   string
	summary string
	// mode selects how the App logs.
	mode  app.Mode
	flags func(fs *pflag.FlagSet)
	run   func(ctx context.Context, a *app.App, args []string) error
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, errCancelled) {
			fmt.Fprintln(os.Stderr, "Operation cancelled.")
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	var cfgPath string
	global := pflag.NewFlagSet("cronkeeper", pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.StringVarP(&cfgPath, "config", "c", os.Getenv("CRONKEEPER_CONFIG"), "config file (JSON or YAML); missing means defaults")
	global.BoolP("help", "h", false, "show help")
	if err := global.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(global)
			return nil
		}
		return err
	}
	if help, _ := global.GetBool("help"); help || global.NArg() == 0 {
		printHelp(global)
		return nil
	}

	name := global.Arg(0)
	cmd, ok := commands()[name]
	if !ok {
		return fmt.Errorf("unknown command %q (see cronkeeper --help)", name)
	}

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cronkeeper %s\n\n%s\n\n", cmd.usage, cmd.summary)
		fs.PrintDefaults()
	}
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	if err := fs.Parse(global.Args()[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	args := fs.Args()
	if name == "wrap" {
		args = wrapArgs(fs)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(cfgPath, app.Options{Mode: cmd.mode})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return cmd.run(ctx, a, args)
}

// wrapArgs keeps the command after "--" as one argument; it is handed to
// the shell verbatim.
func wrapArgs(fs *pflag.FlagSet) []string {
	args := fs.Args()
	dash := fs.ArgsLenAtDash()
	if dash < 0 || dash > len(args) {
		return args
	}
	out := append([]string(nil), args[:dash]...)
	if rest := args[dash:]; len(rest) > 0 {
		out = append(out, strings.Join(rest, " "))
	}
	return out
}

func printHelp(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `cronkeeper runs registered shell commands on a schedule.

Usage:
  cronkeeper [--config path] <command> [flags] [args]

Commands:
`)
	cmds := commands()
	names := make([]string, 0, len(cmds))
	for n, c := range cmds {
		if c.summary != "" {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(os.Stderr, "  %-18s %s\n", n, cmds[n].summary)
	}
	fmt.Fprintf(os.Stderr, "\nGlobal flags:\n%s", fs.FlagUsages())
}
