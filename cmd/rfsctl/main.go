// Command rfsctl runs filesystem operations against an rfsd volume.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/rfs/internal/cmdutil"
	"github.com/rfratto/rfs/internal/rfs/client"
	"github.com/rfratto/rfs/internal/rfs/grpcrfs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func main() {
	var (
		ll      cmdutil.LogLevel
		addr    string
		root    string
		regions int
		timeout time.Duration
	)

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.Var(&ll, "log.level", "Level to display logs at")
	fs.StringVar(&addr, "addr", "127.0.0.1:12195", "address of rfsd")
	fs.StringVar(&root, "root", client.DefaultOptions.Root, "remote path to mount")
	fs.IntVar(&regions, "memory-regions", grpcrfs.DefaultChannelOptions.MemoryRegions, "shared memory regions for quick stats; 0 disables them")
	fs.DurationVar(&timeout, "timeout", time.Minute, "timeout for the whole command")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [flags] <command> [args]\n\ncommands:\n", os.Args[0])
		for _, c := range commands {
			fmt.Fprintf(fs.Output(), "  %-30s %s\n", c.usage, c.help)
		}
		fmt.Fprintf(fs.Output(), "\nflags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %s\n", err.Error())
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(1)
	}

	cmd, ok := lookupCommand(fs.Arg(0))
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", fs.Arg(0))
		fs.Usage()
		os.Exit(1)
	}

	l := cmdutil.NewLogger(os.Stderr, ll, "rfsctl")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	o := client.DefaultOptions
	o.Root = root
	if err := run(ctx, l, addr, o, grpcrfs.ChannelOptions{MemoryRegions: regions}, cmd, fs.Args()[1:]); err != nil {
		level.Debug(l).Log("msg", "command failed", "cmd", cmd.name, "err", err)
		fmt.Fprintf(os.Stderr, "%s: %s\n", cmd.name, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, l log.Logger, addr string, o client.Options, co grpcrfs.ChannelOptions, cmd command, args []string) error {
	if err := cmd.checkArgs(args); err != nil {
		return err
	}

	cc, err := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer cc.Close()

	ch, err := grpcrfs.NewChannel(ctx, log.With(l, "component", "link"), cc, co)
	if err != nil {
		return err
	}
	fsys, err := client.Mount(ctx, l, ch, o)
	if err != nil {
		return err
	}

	cmdErr := cmd.run(ctx, fsys, args, os.Stdout)
	if err := fsys.Unmount(ctx); err != nil && cmdErr == nil {
		return err
	}
	return cmdErr
}
