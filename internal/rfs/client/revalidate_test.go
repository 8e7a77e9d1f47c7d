package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rfratto/rfs/internal/rfs"
	"github.com/rfratto/rfs/internal/rfs/remote"
	"github.com/stretchr/testify/require"
)

func TestRevalidate(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
	)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), nil, 0644))

	fs := newTestFS(t, dir, nil)
	require.NotNil(t, fs.mem, "pipes provide shared memory")

	sub, err := fs.Walk(ctx, "sub")
	require.NoError(t, err)
	file, err := fs.Walk(ctx, "file")
	require.NoError(t, err)

	require.True(t, fs.Revalidate(ctx, fs.Root()))
	require.Eventually(t, func() bool {
		return fs.Revalidate(ctx, sub)
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, fs.Revalidate(ctx, file), "files are never checked")

	// Replace the directory with a file.
	require.NoError(t, os.Remove(filepath.Join(dir, "sub")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub"), nil, 0644))
	require.False(t, fs.Revalidate(ctx, sub))

	require.NoError(t, os.Remove(filepath.Join(dir, "sub")))
	require.False(t, fs.Revalidate(ctx, sub))
}

// quickStatIgnorer never answers quick stats.
type quickStatIgnorer struct{ remote.Handler }

func (quickStatIgnorer) QuickStat(context.Context, *remote.RequestHeader, *rfs.QuickStatRequest) (*rfs.QuickStatRecord, error) {
	return nil, nil
}

func TestRevalidate_NoAnswer(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
	)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	fs := newTestFS(t, dir, quickStatIgnorer{Handler: remote.Passthrough(nil, dir, "C:")})
	sub, err := fs.Walk(ctx, "sub")
	require.NoError(t, err)

	require.False(t, fs.Revalidate(ctx, sub), "a missing answer must invalidate the dentry")

	// Walking falls back to a full lookup, which still finds the directory.
	again, err := fs.Walk(ctx, "sub")
	require.NoError(t, err)
	require.Equal(t, rfs.StatDir, again.Inode().Type())
}

func TestRevalidate_StaleTag(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
	)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	fs := newTestFS(t, dir, nil)
	region, err := fs.mem.Alloc()
	require.NoError(t, err)
	defer region.Free()

	// A record for another request must not be accepted.
	rec := rfs.QuickStatRecord{Type: rfs.StatDir, Tag: 1234}
	b, err := rec.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, fs.mem.Write(region.Addr, b))

	_, ok := pollQuickStat(ctx, region, 1)
	require.False(t, ok)
	got, ok := pollQuickStat(ctx, region, 1234)
	require.True(t, ok)
	require.Equal(t, rfs.StatDir, got.Type)
}
