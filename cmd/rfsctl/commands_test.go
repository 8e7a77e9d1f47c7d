package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rfratto/rfs/internal/rfs"
	"github.com/rfratto/rfs/internal/rfs/client"
	"github.com/rfratto/rfs/internal/rfs/remote"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T, dir string) *client.FS {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	ch, ep := rfs.Pipe()
	srv, err := remote.New(nil, remote.Options{
		Endpoint: ep,
		Handler:  remote.Passthrough(nil, dir, "C:"),
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()

	fsys, err := client.Mount(ctx, nil, ch, client.DefaultOptions)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = fsys.Unmount(context.Background())
		cancel()
		<-done
	})
	return fsys
}

func runCommand(t *testing.T, fsys *client.FS, args ...string) (string, error) {
	t.Helper()

	cmd, ok := lookupCommand(args[0])
	require.True(t, ok, args[0])
	if err := cmd.checkArgs(args[1:]); err != nil {
		return "", err
	}

	var out bytes.Buffer
	err := cmd.run(context.Background(), fsys, args[1:], &out)
	return out.String(), err
}

func TestCommands(t *testing.T) {
	var (
		dir   = t.TempDir()
		local = filepath.Join(t.TempDir(), "local.txt")
		fsys  = newTestFS(t, dir)
	)
	require.NoError(t, os.WriteFile(local, []byte("some local content"), 0644))

	_, err := runCommand(t, fsys, "mkdir", "docs")
	require.NoError(t, err)
	_, err = runCommand(t, fsys, "put", local, "docs/readme.txt")
	require.NoError(t, err)

	out, err := runCommand(t, fsys, "cat", "docs/readme.txt")
	require.NoError(t, err)
	require.Equal(t, "some local content", out)

	out, err = runCommand(t, fsys, "ls", "docs")
	require.NoError(t, err)
	require.Contains(t, out, "readme.txt")
	require.Contains(t, out, "18")

	_, err = runCommand(t, fsys, "mv", "docs/readme.txt", "readme.txt")
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dir, "readme.txt"))

	out, err = runCommand(t, fsys, "stat", "readme.txt")
	require.NoError(t, err)
	require.Contains(t, out, "Path: C:/readme.txt")

	_, err = runCommand(t, fsys, "touch", "empty")
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dir, "empty"))
	_, err = runCommand(t, fsys, "touch", "empty")
	require.NoError(t, err)

	_, err = runCommand(t, fsys, "rm", "empty")
	require.NoError(t, err)
	_, err = runCommand(t, fsys, "rmdir", "docs")
	require.NoError(t, err)
	require.NoDirExists(t, filepath.Join(dir, "docs"))

	out, err = runCommand(t, fsys, "statfs")
	require.NoError(t, err)
	require.Contains(t, out, "exFAT")
}

func TestCommands_Errors(t *testing.T) {
	fsys := newTestFS(t, t.TempDir())

	_, err := runCommand(t, fsys, "cat", "missing")
	require.ErrorIs(t, err, rfs.ErrorNotExist)

	_, err = runCommand(t, fsys, "mv", "only-one")
	require.Error(t, err)

	_, err = runCommand(t, fsys, "rm", "/")
	require.ErrorIs(t, err, rfs.ErrorInvalid)

	_, ok := lookupCommand("format")
	require.False(t, ok)
}
