package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rfratto/rfs/internal/rfs"
	"github.com/rfratto/rfs/internal/rfs/remote"
	"github.com/stretchr/testify/require"
)

func TestDir_Readdir_PauseResume(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
	)
	for i := 0; i < 38; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("file%02d", i)), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub0"), 0755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub1"), 0755))

	fs := newTestFS(t, dir, nil)
	dh, err := fs.OpenDir(ctx, fs.Root())
	require.NoError(t, err)
	defer dh.Close()

	var (
		names []string
		calls int
	)
	// Accept a few entries per call so enumeration has to pause and resume,
	// including across batch boundaries.
	for {
		accepted := 0
		before := len(names)
		err := dh.Readdir(ctx, func(ent DirEntry) bool {
			if accepted == 7 {
				return false
			}
			accepted++
			names = append(names, ent.Name)
			require.Equal(t, int64(len(names)), ent.Offset)
			return true
		})
		require.NoError(t, err)
		calls++
		if len(names) == before {
			break
		}
	}

	require.Len(t, names, 40)
	require.NotContains(t, names, ".")
	require.NotContains(t, names, "..")
	require.Equal(t, "file00", names[0])
	require.Equal(t, "sub1", names[39])

	seen := make(map[string]bool)
	for _, name := range names {
		require.False(t, seen[name], "%s emitted twice", name)
		seen[name] = true
	}

	// ".", "..", and the two subdirectories.
	require.Equal(t, uint32(4), fs.Root().Inode().Nlink())

	// Every entry was instantiated from the listing.
	for _, name := range []string{"file13", "sub0"} {
		d := fs.cache.Lookup(fs.Root(), name)
		require.NotNil(t, d, name)
		require.NotNil(t, d.Inode(), name)
	}
	require.Equal(t, rfs.StatDir, fs.cache.Lookup(fs.Root(), "sub0").Inode().Type())
}

func TestDir_Readdir_PauseOnDirectory(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
	)
	for i := 0; i < 10; i++ {
		require.NoError(t, os.Mkdir(filepath.Join(dir, fmt.Sprintf("sub%d", i)), 0755))
	}

	fs := newTestFS(t, dir, nil)
	dh, err := fs.OpenDir(ctx, fs.Root())
	require.NoError(t, err)
	defer dh.Close()

	var (
		names  []string
		pauses int
	)
	for {
		accepted := 0
		before := len(names)
		err := dh.Readdir(ctx, func(ent DirEntry) bool {
			if accepted == 3 {
				require.Equal(t, rfs.StatDir, ent.Type)
				pauses++
				return false
			}
			accepted++
			names = append(names, ent.Name)
			return true
		})
		require.NoError(t, err)
		if len(names) == before {
			break
		}
	}

	require.Len(t, names, 10)
	require.Equal(t, 3, pauses)

	// Directories which were seen when enumeration paused are only counted
	// once.
	require.Equal(t, uint32(12), fs.Root().Inode().Nlink())
}

func TestDir_Readdir_Empty(t *testing.T) {
	var (
		ctx = context.Background()
		fs  = newTestFS(t, t.TempDir(), nil)
	)

	dh, err := fs.OpenDir(ctx, fs.Root())
	require.NoError(t, err)

	var emitted int
	require.NoError(t, dh.Readdir(ctx, func(DirEntry) bool { emitted++; return true }))
	require.Zero(t, emitted)
	require.Equal(t, uint32(2), fs.Root().Inode().Nlink())

	// Exhausted listings stay exhausted.
	require.NoError(t, dh.Readdir(ctx, func(DirEntry) bool { emitted++; return true }))
	require.Zero(t, emitted)

	require.NoError(t, dh.Close())
	require.ErrorIs(t, dh.Readdir(ctx, func(DirEntry) bool { return true }), rfs.ErrorInvalid)
}

func TestDir_OpenDir_NotDirectory(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
	)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), nil, 0644))

	fs := newTestFS(t, dir, nil)
	d, err := fs.Walk(ctx, "file")
	require.NoError(t, err)

	_, err = fs.OpenDir(ctx, d)
	require.ErrorIs(t, err, rfs.ErrorNotDirectory)
}

func TestDir_Readdir_Failed(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
	)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "gone"), 0755))

	fs := newTestFS(t, dir, nil)
	d, err := fs.Walk(ctx, "gone")
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, "gone")))

	dh, err := fs.OpenDir(ctx, d)
	require.NoError(t, err)
	err = dh.Readdir(ctx, func(DirEntry) bool { return true })
	require.ErrorIs(t, err, rfs.ErrorIO)
}

// listFailer opens a cursor and then fails every listing.
type listFailer struct {
	remote.Handler
	exits chan uint64
}

func (listFailer) ListInit(context.Context, *remote.RequestHeader, *rfs.ListInitRequest) (*rfs.ListReply, error) {
	return &rfs.ListReply{Cursor: 7, Failed: true}, nil
}

func (lf listFailer) ListExit(_ context.Context, _ *remote.RequestHeader, req *rfs.ListExitRequest) {
	lf.exits <- req.Cursor
}

func TestDir_Readdir_FailedInitEndsListing(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
		h   = listFailer{Handler: remote.Passthrough(nil, dir, "C:"), exits: make(chan uint64, 1)}
		fs  = newTestFS(t, dir, h)
	)

	dh, err := fs.OpenDir(ctx, fs.Root())
	require.NoError(t, err)
	err = dh.Readdir(ctx, func(DirEntry) bool { return true })
	require.ErrorIs(t, err, rfs.ErrorIO)

	select {
	case cursor := <-h.exits:
		require.Equal(t, uint64(7), cursor)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "listing was never ended")
	}
	require.NoError(t, dh.Close())
}
