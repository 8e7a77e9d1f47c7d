package rfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemory_QuickStat(t *testing.T) {
	mem := NewMemory(2)
	r, err := mem.Alloc()
	require.NoError(t, err)
	defer r.Free()

	require.False(t, r.QuickStatReady())

	mtime := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := QuickStatRecord{Type: StatDir, Tag: 5, Size: 4096, Mtime: mtime}
	buf, err := rec.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, QuickStatSize)

	require.NoError(t, mem.Write(r.Addr, buf))
	require.True(t, r.QuickStatReady())

	got, err := r.QuickStat()
	require.NoError(t, err)
	require.Equal(t, StatDir, got.Type)
	require.Equal(t, uint32(5), got.Tag)
	require.True(t, mtime.Equal(got.Mtime))

	r.Clear()
	require.False(t, r.QuickStatReady())
}

func TestMemory_Alloc_Exhausted(t *testing.T) {
	mem := NewMemory(1)
	r, err := mem.Alloc()
	require.NoError(t, err)

	_, err = mem.Alloc()
	require.ErrorIs(t, err, ErrorNoMemory)

	r.Free()
	r, err = mem.Alloc()
	require.NoError(t, err)
	r.Free()
}

func TestMemory_Write_Bounds(t *testing.T) {
	mem := NewMemory(2)
	r, err := mem.Alloc()
	require.NoError(t, err)
	defer r.Free()

	require.ErrorIs(t, mem.Write(0, []byte{1}), ErrorInvalid, "address 0 is never valid")
	require.ErrorIs(t, mem.Write(r.Addr+1, []byte{1}), ErrorInvalid, "unaligned")
	require.ErrorIs(t, mem.Write(r.Addr+RegionSize-4, make([]byte, 8)), ErrorInvalid, "crosses a region")
	require.ErrorIs(t, mem.Write(r.Addr+4*RegionSize, []byte{1}), ErrorInvalid, "out of range")
	require.NoError(t, mem.Write(r.Addr+RegionSize-4, []byte{1, 2, 3}))
}
