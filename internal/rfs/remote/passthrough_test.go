package remote

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rfratto/rfs/internal/rfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPassthrough(t *testing.T) (*passthroughHandler, string) {
	t.Helper()
	dir := t.TempDir()
	h := Passthrough(nil, dir, "C:").(*passthroughHandler)
	t.Cleanup(func() { require.NoError(t, h.Close()) })
	return h, dir
}

func TestPassthrough_HostPath(t *testing.T) {
	h, dir := newTestPassthrough(t)

	tt := []struct {
		path   string
		expect string
	}{
		{"C:", dir},
		{"C:/", dir},
		{"C:/a/b", filepath.Join(dir, "a", "b")},
		{"C:/../../etc", filepath.Join(dir, "etc")},
	}
	for _, tc := range tt {
		actual, err := h.hostPath(tc.path)
		require.NoError(t, err, tc.path)
		require.Equal(t, tc.expect, actual, tc.path)
	}

	_, err := h.hostPath("D:/a")
	require.ErrorIs(t, err, rfs.ErrorNotExist)
}

func TestPassthrough_Listing(t *testing.T) {
	var (
		ctx    = context.Background()
		h, dir = newTestPassthrough(t)
	)
	for i := 0; i < 40; i++ {
		name := filepath.Join(dir, fmt.Sprintf("file%02d", i))
		require.NoError(t, os.WriteFile(name, nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	first, err := h.ListInit(ctx, nil, &rfs.ListInitRequest{Path: "C:/*", Batch: 16})
	require.NoError(t, err)
	require.Len(t, first.Records, 16)
	require.Equal(t, ".", first.Records[0].Name)
	require.Equal(t, "..", first.Records[1].Name)
	require.Equal(t, rfs.StatDir, first.Records[0].Type)

	var (
		all   = append([]rfs.StatRecord(nil), first.Records...)
		calls int
	)
	for {
		next, err := h.ListNext(ctx, nil, &rfs.ListNextRequest{Cursor: first.Cursor, Batch: 16})
		require.NoError(t, err)
		if len(next.Records) == 0 {
			break
		}
		all = append(all, next.Records...)
		calls++
	}
	require.Len(t, all, 43)
	require.Equal(t, 2, calls)

	var dirs int
	for _, rec := range all {
		if rec.Type == rfs.StatDir {
			dirs++
		}
	}
	require.Equal(t, 3, dirs)

	h.ListExit(ctx, nil, &rfs.ListExitRequest{Cursor: first.Cursor})
	_, err = h.ListNext(ctx, nil, &rfs.ListNextRequest{Cursor: first.Cursor, Batch: 16})
	require.ErrorIs(t, err, rfs.ErrorInvalid)
}

func TestPassthrough_ListingNotDirectory(t *testing.T) {
	h, dir := newTestPassthrough(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), nil, 0644))

	_, err := h.ListInit(context.Background(), nil, &rfs.ListInitRequest{Path: "C:/file/*"})
	require.ErrorIs(t, err, rfs.ErrorNotDirectory)
}

func TestPassthrough_ReadWrite(t *testing.T) {
	var (
		ctx  = context.Background()
		h, _ = newTestPassthrough(t)
	)

	opened, err := h.Open(ctx, nil, &rfs.OpenRequest{Mode: rfs.OpenWriteCreate, Path: "C:/data"})
	require.NoError(t, err)
	require.NotZero(t, opened.Handle)

	var (
		page1 = bytes.Repeat([]byte{'a'}, rfs.PageSize)
		page2 = []byte("tail")
	)
	written, err := h.Write(ctx, nil, &rfs.IORequest{
		Handle: opened.Handle,
		Extents: []rfs.Extent{
			{Offset: 0, Len: rfs.PageSize},
			{Offset: rfs.PageSize, Len: int32(len(page2))},
		},
		Data: append(append([]byte(nil), page1...), page2...),
	})
	require.NoError(t, err)
	require.True(t, written.OK)

	read, err := h.Read(ctx, nil, &rfs.IORequest{
		Handle: opened.Handle,
		Extents: []rfs.Extent{
			{Offset: 0, Len: rfs.PageSize},
			{Offset: rfs.PageSize, Len: rfs.PageSize},
			{Offset: 2 * rfs.PageSize, Len: rfs.PageSize},
		},
	})
	require.NoError(t, err)
	require.True(t, read.OK)
	require.Equal(t, []rfs.Extent{
		{Offset: 0, Len: rfs.PageSize},
		{Offset: rfs.PageSize, Len: int32(len(page2))},
		{Offset: 2 * rfs.PageSize, Len: 0},
	}, read.Extents)
	require.Equal(t, append(page1, page2...), read.Data)

	require.NoError(t, h.Release(ctx, nil, &rfs.HandleRequest{Handle: opened.Handle}))
	err = h.Release(ctx, nil, &rfs.HandleRequest{Handle: opened.Handle})
	require.ErrorIs(t, err, rfs.ErrorStale)
}

func TestPassthrough_WriteReadOnly(t *testing.T) {
	var (
		ctx    = context.Background()
		h, dir = newTestPassthrough(t)
	)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ro"), []byte("x"), 0644))

	opened, err := h.Open(ctx, nil, &rfs.OpenRequest{Mode: rfs.OpenRead, Path: "C:/ro"})
	require.NoError(t, err)

	_, err = h.Write(ctx, nil, &rfs.IORequest{
		Handle:  opened.Handle,
		Extents: []rfs.Extent{{Len: 1}},
		Data:    []byte("y"),
	})
	require.ErrorIs(t, err, rfs.ErrorNotPermitted)
}

func TestPassthrough_Namespace(t *testing.T) {
	var (
		ctx    = context.Background()
		h, dir = newTestPassthrough(t)
	)

	created, err := h.Create(ctx, nil, &rfs.PathRequest{Path: "C:/file"})
	require.NoError(t, err)
	require.Equal(t, rfs.StatFile, created.Stat.Type)

	made, err := h.Mkdir(ctx, nil, &rfs.PathRequest{Path: "C:/dir"})
	require.NoError(t, err)
	require.Equal(t, rfs.StatDir, made.Stat.Type)

	err = h.Delete(ctx, nil, &rfs.PathRequest{Path: "C:/dir"})
	require.ErrorIs(t, err, rfs.ErrorIsDirectory)
	err = h.Rmdir(ctx, nil, &rfs.PathRequest{Path: "C:/file"})
	require.ErrorIs(t, err, rfs.ErrorNotDirectory)

	err = h.Rename(ctx, nil, &rfs.RenameRequest{NewPath: "C:/dir/moved", OldPath: "C:/file"})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "dir", "moved"))
	assert.NoFileExists(t, filepath.Join(dir, "file"))

	require.NoError(t, h.Delete(ctx, nil, &rfs.PathRequest{Path: "C:/dir/moved"}))
	require.NoError(t, h.Rmdir(ctx, nil, &rfs.PathRequest{Path: "C:/dir"}))
	assert.NoDirExists(t, filepath.Join(dir, "dir"))
}

func TestPassthrough_SetTime(t *testing.T) {
	var (
		ctx    = context.Background()
		h, dir = newTestPassthrough(t)
	)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), nil, 0644))

	mtime := time.Date(2020, time.January, 2, 3, 4, 5, 0, time.UTC)
	err := h.SetTime(ctx, nil, &rfs.SetTimeRequest{
		Atime: rfs.CalendarOf(mtime),
		Mtime: rfs.CalendarOf(mtime),
		Path:  "C:/file",
	})
	require.NoError(t, err)

	stat, err := h.Stat(ctx, nil, &rfs.PathRequest{Path: "C:/file"})
	require.NoError(t, err)
	require.True(t, stat.Found)
	require.True(t, mtime.Equal(stat.Stat.Mtime), "got mtime %s", stat.Stat.Mtime)
}

func TestPassthrough_Mount(t *testing.T) {
	var (
		ctx    = context.Background()
		h, dir = newTestPassthrough(t)
	)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), nil, 0644))

	require.NoError(t, h.Mount(ctx, nil, &rfs.PathRequest{Path: "C:/*"}))
	err := h.Mount(ctx, nil, &rfs.PathRequest{Path: "C:/file/*"})
	require.ErrorIs(t, err, rfs.ErrorNoDevice)
	err = h.Mount(ctx, nil, &rfs.PathRequest{Path: "D:/*"})
	require.ErrorIs(t, err, rfs.ErrorNotExist)
}

func TestPassthrough_VolSize(t *testing.T) {
	h, _ := newTestPassthrough(t)

	vol, err := h.VolSize(context.Background(), nil, &rfs.PathRequest{Path: "C:"})
	require.NoError(t, err)
	require.True(t, vol.OK)
	require.NotZero(t, vol.Info.BlockSize)
	require.Equal(t, rfs.FSTypeExFAT, vol.Info.Type)
}
