package emu

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryReadWrite(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Mmap(0x1000, 0x2000, permRead|permWrite))

	m.setUnaligned(0x1004, []byte{1, 2, 3, 4})
	var out [4]byte
	m.getUnaligned(0x1004, out[:])
	require.Equal(t, []byte{1, 2, 3, 4}, out[:])

	// unwritten mapped memory reads as zeroes
	m.getUnaligned(0x2F00, out[:])
	require.Equal(t, []byte{0, 0, 0, 0}, out[:])
}

func TestMemoryPageCrossing(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Mmap(0x1000, 0x2000, permRead|permWrite))

	dat := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	m.setUnaligned(0x1FFC, dat)
	var out [8]byte
	m.getUnaligned(0x1FFC, out[:])
	require.Equal(t, dat, out[:])
	require.Equal(t, 2, m.PageCount())
}

func TestMemoryPermissions(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Mmap(0x1000, 0x1000, permRead))

	require.True(t, m.Mapped(0x1000, 8, permRead))
	require.False(t, m.Mapped(0x1000, 8, permWrite))
	require.False(t, m.Mapped(0x0800, 8, permRead))
	require.False(t, m.Mapped(0x1FFC, 8, permRead), "range runs off the region end")

	require.PanicsWithError(t,
		(&SegFault{Addr: 0x1000, Width: 8, Perm: permWrite}).Error(),
		func() { m.checkRange(0x1000, 8, permWrite) },
	)
}

func TestMemoryProtect(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Mmap(0x1000, 0x3000, permRead|permWrite))
	require.NoError(t, m.Protect(0x2000, 0x1000, permRead))

	require.True(t, m.Mapped(0x1000, 8, permWrite))
	require.False(t, m.Mapped(0x2000, 8, permWrite))
	require.True(t, m.Mapped(0x2000, 8, permRead))
	require.True(t, m.Mapped(0x3000, 8, permWrite))

	require.Error(t, m.Protect(0x8000, 0x1000, permRead), "unmapped range")
}

func TestMemoryRegionMerge(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Mmap(0x1000, 0x1000, permRead|permWrite))
	require.NoError(t, m.Mmap(0x2000, 0x1000, permRead|permWrite))
	// adjacent equal-perm regions merge, so a span across both is valid
	require.True(t, m.Mapped(0x1800, 0x1000, permRead))
}

func TestMemoryRangeStreaming(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Mmap(0x1000, 0x2000, permRead|permWrite))

	src := strings.Repeat("rivulet", 1000) // crosses pages
	require.NoError(t, m.SetMemoryRange(0x1000, strings.NewReader(src)))

	var buf bytes.Buffer
	_, err := io.Copy(&buf, m.ReadMemoryRange(0x1000, uint64(len(src))))
	require.NoError(t, err)
	require.Equal(t, src, buf.String())
}

func TestMemoryJSONRoundTrip(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Mmap(0x1000, 0x1000, permRead|permExec))
	require.NoError(t, m.Mmap(0x4000, 0x2000, permRead|permWrite))
	m.setUnaligned(0x1008, []byte{0xAA, 0xBB})
	m.setUnaligned(0x4FFE, []byte{1, 2, 3, 4}) // straddles a page

	dat, err := json.Marshal(m)
	require.NoError(t, err)

	var restored Memory
	require.NoError(t, json.Unmarshal(dat, &restored))

	var out [2]byte
	restored.getUnaligned(0x1008, out[:])
	require.Equal(t, []byte{0xAA, 0xBB}, out[:])
	var out4 [4]byte
	restored.getUnaligned(0x4FFE, out4[:])
	require.Equal(t, []byte{1, 2, 3, 4}, out4[:])
	require.True(t, restored.Mapped(0x1000, 8, permExec))
	require.False(t, restored.Mapped(0x1000, 8, permWrite))
	require.Equal(t, m.PageCount(), restored.PageCount())
}

func TestMemoryUsage(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Mmap(0x1000, 0x1000, permRead|permWrite))
	require.Equal(t, "0 B", m.Usage(), "pages are lazy: mapping alone allocates nothing")
	m.setUnaligned(0x1000, []byte{1})
	require.Equal(t, "4.0 KiB", m.Usage())
}
