package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"text/tabwriter"

	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/rfs/internal/rfs"
	"github.com/rfratto/rfs/internal/rfs/cache"
	"github.com/rfratto/rfs/internal/rfs/client"
)

type command struct {
	name    string
	usage   string
	help    string
	minArgs int
	maxArgs int
	run     func(ctx context.Context, fsys *client.FS, args []string, out io.Writer) error
}

func (c command) checkArgs(args []string) error {
	if len(args) < c.minArgs || len(args) > c.maxArgs {
		return fmt.Errorf("usage: %s", c.usage)
	}
	return nil
}

var commands = []command{
	{name: "ls", usage: "ls [dir]", help: "list a directory", maxArgs: 1, run: runLs},
	{name: "stat", usage: "stat <path>", help: "print attributes of a file", minArgs: 1, maxArgs: 1, run: runStat},
	{name: "cat", usage: "cat <file>", help: "print a file", minArgs: 1, maxArgs: 1, run: runCat},
	{name: "put", usage: "put <local file> <remote file>", help: "copy a local file to the volume", minArgs: 2, maxArgs: 2, run: runPut},
	{name: "mkdir", usage: "mkdir <dir>", help: "create a directory", minArgs: 1, maxArgs: 1, run: runMkdir},
	{name: "rm", usage: "rm <file>", help: "remove a file", minArgs: 1, maxArgs: 1, run: runRm},
	{name: "rmdir", usage: "rmdir <dir>", help: "remove an empty directory", minArgs: 1, maxArgs: 1, run: runRmdir},
	{name: "mv", usage: "mv <old> <new>", help: "rename a file or directory", minArgs: 2, maxArgs: 2, run: runMv},
	{name: "touch", usage: "touch <file>", help: "create a file or update its modification time", minArgs: 1, maxArgs: 1, run: runTouch},
	{name: "statfs", usage: "statfs", help: "print volume usage", run: runStatfs},
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// walkParent resolves the parent directory of p, returning it with the
// final path element.
func walkParent(ctx context.Context, fsys *client.FS, p string) (*cache.Dentry, string, error) {
	p = path.Clean("/" + p)
	dir, name := path.Split(p)
	if name == "" {
		return nil, "", fmt.Errorf("%s: %w", p, rfs.ErrorInvalid)
	}
	parent, err := fsys.Walk(ctx, dir)
	if err != nil {
		return nil, "", err
	}
	return parent, name, nil
}

func runLs(ctx context.Context, fsys *client.FS, args []string, out io.Writer) (err error) {
	p := "/"
	if len(args) > 0 {
		p = args[0]
	}
	d, err := fsys.Walk(ctx, p)
	if err != nil {
		return err
	}
	dir, err := fsys.OpenDir(ctx, d)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := dir.Close(); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
	}()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	err = dir.Readdir(ctx, func(ent client.DirEntry) bool {
		in, err := fsys.Inode(ent.Ino)
		if err != nil {
			fmt.Fprintf(tw, "?\t?\t?\t%s\n", ent.Name)
			return true
		}
		attr := in.Attr()
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", attr.Mode, attr.Size, attr.Mtime.Format("2006-01-02 15:04:05"), ent.Name)
		return true
	})
	if err != nil {
		return err
	}
	return tw.Flush()
}

func runStat(ctx context.Context, fsys *client.FS, args []string, out io.Writer) error {
	d, err := fsys.Walk(ctx, args[0])
	if err != nil {
		return err
	}
	attr, err := fsys.Getattr(ctx, d.Inode())
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "  Path: %s\n", fsys.Path(d))
	fmt.Fprintf(out, "  Type: %s\n", attr.Type)
	fmt.Fprintf(out, "  Mode: %s\n", attr.Mode)
	fmt.Fprintf(out, "  Size: %d\n", attr.Size)
	fmt.Fprintf(out, " Links: %d\n", attr.Nlink)
	fmt.Fprintf(out, "Access: %s\n", attr.Atime)
	fmt.Fprintf(out, "Modify: %s\n", attr.Mtime)
	fmt.Fprintf(out, "Change: %s\n", attr.Ctime)
	return nil
}

func runCat(ctx context.Context, fsys *client.FS, args []string, out io.Writer) (err error) {
	d, err := fsys.Walk(ctx, args[0])
	if err != nil {
		return err
	}
	f, err := fsys.Open(ctx, d, os.O_RDONLY)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(ctx); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
	}()

	buf := make([]byte, rfs.MaxBatchPages*rfs.PageSize)
	for off := int64(0); ; {
		n, err := f.ReadAt(ctx, buf, off)
		if _, werr := out.Write(buf[:n]); werr != nil {
			return werr
		}
		off += int64(n)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}
	}
}

func runPut(ctx context.Context, fsys *client.FS, args []string, _ io.Writer) (err error) {
	src, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer src.Close()

	parent, name, err := walkParent(ctx, fsys, args[1])
	if err != nil {
		return err
	}
	d, err := fsys.Lookup(ctx, parent, name)
	if errors.Is(err, rfs.ErrorNotExist) {
		d, err = fsys.Create(ctx, parent, name, 0644)
	}
	if err != nil {
		return err
	}

	f, err := fsys.Open(ctx, d, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(ctx); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
	}()

	buf := make([]byte, rfs.MaxBatchPages*rfs.PageSize)
	for off := int64(0); ; {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := f.WriteAt(ctx, buf[:n], off); err != nil {
				return err
			}
			off += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		} else if rerr != nil {
			return rerr
		}
	}
}

func runMkdir(ctx context.Context, fsys *client.FS, args []string, _ io.Writer) error {
	parent, name, err := walkParent(ctx, fsys, args[0])
	if err != nil {
		return err
	}
	_, err = fsys.Mkdir(ctx, parent, name, 0755)
	return err
}

func runRm(ctx context.Context, fsys *client.FS, args []string, _ io.Writer) error {
	parent, name, err := walkParent(ctx, fsys, args[0])
	if err != nil {
		return err
	}
	return fsys.Unlink(ctx, parent, name)
}

func runRmdir(ctx context.Context, fsys *client.FS, args []string, _ io.Writer) error {
	parent, name, err := walkParent(ctx, fsys, args[0])
	if err != nil {
		return err
	}
	return fsys.Rmdir(ctx, parent, name)
}

func runMv(ctx context.Context, fsys *client.FS, args []string, _ io.Writer) error {
	oldParent, oldName, err := walkParent(ctx, fsys, args[0])
	if err != nil {
		return err
	}
	newParent, newName, err := walkParent(ctx, fsys, args[1])
	if err != nil {
		return err
	}
	return fsys.Rename(ctx, oldParent, oldName, newParent, newName, 0)
}

func runTouch(ctx context.Context, fsys *client.FS, args []string, _ io.Writer) error {
	parent, name, err := walkParent(ctx, fsys, args[0])
	if err != nil {
		return err
	}
	d, err := fsys.Lookup(ctx, parent, name)
	if errors.Is(err, rfs.ErrorNotExist) {
		_, err = fsys.Create(ctx, parent, name, 0644)
		return err
	} else if err != nil {
		return err
	}
	_, err = fsys.Setattr(ctx, d.Inode(), client.SetattrRequest{UpdateMask: client.AttrMaskAtimeNow | client.AttrMaskMtimeNow})
	return err
}

func runStatfs(ctx context.Context, fsys *client.FS, _ []string, out io.Writer) error {
	st, err := fsys.Statfs(ctx)
	if err != nil {
		return err
	}

	typ := "FAT"
	if st.Type == rfs.FSTypeExFAT {
		typ = "exFAT"
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Type\tBlock size\tBlocks\tFree\tAvailable\tName max\n")
	fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", typ, st.BlockSize, st.Blocks, st.Free, st.Avail, st.NameLen)
	return tw.Flush()
}
