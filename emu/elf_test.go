package emu

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rivulet-emu/rivulet/riscv"
)

// elfImage builds a minimal static riscv64 executable: a 64-byte ELF header,
// one R+X PT_LOAD program header, and the code bytes at file offset 128.
func elfImage(entry uint64, code []byte, memsz uint64) []byte {
	buf := make([]byte, 128+len(code))
	copy(buf, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	le := binary.LittleEndian
	le.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	le.PutUint16(buf[18:], uint16(elf.EM_RISCV))
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], entry)
	le.PutUint64(buf[32:], 64) // phoff
	le.PutUint16(buf[52:], 64) // ehsize
	le.PutUint16(buf[54:], 56) // phentsize
	le.PutUint16(buf[56:], 1)  // phnum

	ph := buf[64:]
	le.PutUint32(ph[0:], uint32(elf.PT_LOAD))
	le.PutUint32(ph[4:], uint32(elf.PF_R|elf.PF_X))
	le.PutUint64(ph[8:], 128) // offset
	le.PutUint64(ph[16:], entry)
	le.PutUint64(ph[24:], entry)
	le.PutUint64(ph[32:], uint64(len(code)))
	le.PutUint64(ph[40:], memsz)
	le.PutUint64(ph[48:], PageSize)

	copy(buf[128:], code)
	return buf
}

func parseELF(t *testing.T, img []byte) *elf.File {
	t.Helper()
	f, err := elf.NewFile(bytes.NewReader(img))
	require.NoError(t, err)
	return f
}

func TestLoadELFMapsSegments(t *testing.T) {
	const entry = uint64(0x10000)
	code := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	f := parseELF(t, elfImage(entry, code, 0x100))

	s, err := LoadELF(f, "/bin/prog", []string{"prog"}, nil)
	require.NoError(t, err)

	require.Equal(t, entry, s.PC)

	got, err := io.ReadAll(s.Memory.ReadMemoryRange(entry, uint64(len(code))))
	require.NoError(t, err)
	require.Equal(t, code, got)

	require.True(t, s.Memory.Mapped(entry, 8, permRead|permExec))
	require.False(t, s.Memory.Mapped(entry, 8, permWrite), "text is not writable")

	require.Equal(t, uint64(0x11000), s.Brk, "break starts at the page-aligned segment end")
	require.Equal(t, s.Brk+heapGap, s.Heap)
}

func TestLoadELFStackLayout(t *testing.T) {
	const entry = uint64(0x10000)
	argv := []string{"prog", "alpha", "beta"}
	envp := []string{"TERM=dumb", "HOME=/"}
	f := parseELF(t, elfImage(entry, []byte{1, 2, 3, 4}, 0x10))

	s, err := LoadELF(f, "/bin/prog", argv, envp)
	require.NoError(t, err)

	sp := s.Registers[2]
	require.Zero(t, sp%16, "stack pointer is 16-byte aligned")
	require.Equal(t, uint64(len(argv)), s.loadMem(sp, 8, false), "argc")

	for i, want := range argv {
		ptr := s.loadMem(sp+8+uint64(i)*8, 8, false)
		require.Equal(t, want, readCString(s, ptr), "argv[%d]", i)
	}
	require.Zero(t, s.loadMem(sp+8+uint64(len(argv))*8, 8, false), "argv terminator")

	envBase := sp + 8 + uint64(len(argv)+1)*8
	for i, want := range envp {
		ptr := s.loadMem(envBase+uint64(i)*8, 8, false)
		require.Equal(t, want, readCString(s, ptr), "envp[%d]", i)
	}
	require.Zero(t, s.loadMem(envBase+uint64(len(envp))*8, 8, false), "envp terminator")

	auxv := map[uint64]uint64{}
	for pos := envBase + uint64(len(envp)+1)*8; ; pos += 16 {
		key := s.loadMem(pos, 8, false)
		auxv[key] = s.loadMem(pos+8, 8, false)
		if key == riscv.AuxNull {
			break
		}
	}
	require.Equal(t, uint64(PageSize), auxv[riscv.AuxPagesz])
	require.Equal(t, entry, auxv[riscv.AuxEntry])
	require.Equal(t, uint64(56), auxv[riscv.AuxPhent])
	require.Equal(t, uint64(1), auxv[riscv.AuxPhnum])
	require.Equal(t, entry+ehdrSize, auxv[riscv.AuxPhdr], "no PT_PHDR: phdrs follow the ELF header")
	require.Equal(t, "/bin/prog", readCString(s, auxv[riscv.AuxExecfn]))

	random := auxv[riscv.AuxRandom]
	require.NotZero(t, random)
	require.Equal(t, uint64(0xbebafecaefbeadde), s.loadMem(random, 8, false))
}

func TestLoadELFRejectsForeignBinaries(t *testing.T) {
	img := elfImage(0x10000, []byte{1, 2, 3, 4}, 0x10)
	binary.LittleEndian.PutUint16(img[18:], uint16(elf.EM_X86_64))
	_, err := LoadELF(parseELF(t, img), "/bin/prog", nil, nil)
	require.ErrorIs(t, err, ErrInvalidELF)

	img = elfImage(0x10000, []byte{1, 2, 3, 4}, 0x10)
	binary.LittleEndian.PutUint16(img[16:], uint16(elf.ET_DYN))
	_, err = LoadELF(parseELF(t, img), "/bin/prog", nil, nil)
	require.ErrorIs(t, err, ErrInvalidELF)
}

func TestLoadELFRejectsBadSegments(t *testing.T) {
	// filesz larger than memsz
	img := elfImage(0x10000, []byte{1, 2, 3, 4}, 0x10)
	binary.LittleEndian.PutUint64(img[64+40:], 2)
	_, err := LoadELF(parseELF(t, img), "/bin/prog", nil, nil)
	require.ErrorIs(t, err, ErrInvalidELF)

	// segment landing inside the stack
	img = elfImage(stackTop-stackSize+0x1000, []byte{1, 2, 3, 4}, 0x10)
	_, err = LoadELF(parseELF(t, img), "/bin/prog", nil, nil)
	require.ErrorIs(t, err, ErrInvalidELF)

	// no loadable segment at all
	img = elfImage(0x10000, []byte{1, 2, 3, 4}, 0x10)
	binary.LittleEndian.PutUint32(img[64:], uint32(elf.PT_NOTE))
	_, err = LoadELF(parseELF(t, img), "/bin/prog", nil, nil)
	require.ErrorIs(t, err, ErrInvalidELF)
}
