package emu

import (
	"debug/elf"
	"fmt"

	"github.com/rivulet-emu/rivulet/riscv"
)

const (
	// stackTop is the highest guest stack address; the stack grows down from
	// here and program segments must stay below it.
	stackTop  = uint64(0x3FFF_0000)
	stackSize = uint64(8 * 1024 * 1024)

	// heapGap separates the program break from the first hint-less mmap, so
	// a growing brk heap never runs into handed-out mappings.
	heapGap = uint64(0x1000_0000)
)

// ehdrSize is where program headers conventionally sit when the binary
// carries no PT_PHDR: directly after the 64-byte ELF header.
const ehdrSize = 64

// LoadELF validates and maps a static riscv64 executable, then builds the
// initial process image: program segments, the brk heap base, the stack with
// the Linux argv/envp/auxv protocol, and the entry PC.
func LoadELF(f *elf.File, execFn string, argv, envp []string) (*VMState, error) {
	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%w: data is not 64-bit", ErrInvalidELF)
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: data is not little-endian", ErrInvalidELF)
	}
	if f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("%w: machine is %s, not RISC-V", ErrInvalidELF, f.Machine)
	}
	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("%w: type is %s, only static executables are supported", ErrInvalidELF, f.Type)
	}

	s := NewVMState()

	var brk uint64
	var phdrAddr uint64
	var firstLoadVaddr uint64
	hasLoad := false

	for _, p := range f.Progs {
		if p.Type == elf.PT_PHDR {
			phdrAddr = p.Vaddr
		}
		if p.Type != elf.PT_LOAD {
			continue
		}
		if !hasLoad {
			firstLoadVaddr = p.Vaddr
		}
		hasLoad = true

		if p.Filesz > p.Memsz {
			return nil, fmt.Errorf("%w: segment at 0x%x has filesz %d > memsz %d", ErrInvalidELF, p.Vaddr, p.Filesz, p.Memsz)
		}
		alignedStart := p.Vaddr &^ uint64(PageAddrMask)
		alignedEnd := pageAlignUp(p.Vaddr + p.Memsz)
		if alignedEnd > stackTop-stackSize {
			return nil, fmt.Errorf("%w: segment [0x%x, 0x%x) overlaps the stack", ErrInvalidELF, alignedStart, alignedEnd)
		}

		// map writable first so the file contents can be streamed in, then
		// drop to the segment's own permissions
		if err := s.Memory.Mmap(alignedStart, alignedEnd-alignedStart, permRead|permWrite); err != nil {
			return nil, fmt.Errorf("%w: mapping segment at 0x%x: %v", ErrInvalidELF, p.Vaddr, err)
		}
		if p.Filesz > 0 {
			if err := s.Memory.SetMemoryRange(p.Vaddr, p.Open()); err != nil {
				return nil, fmt.Errorf("%w: copying segment at 0x%x: %v", ErrInvalidELF, p.Vaddr, err)
			}
		}
		if perms := elfProgPerms(p.Flags); perms != permRead|permWrite {
			if err := s.Memory.Protect(alignedStart, alignedEnd-alignedStart, perms); err != nil {
				return nil, fmt.Errorf("%w: protecting segment at 0x%x: %v", ErrInvalidELF, p.Vaddr, err)
			}
		}

		if alignedEnd > brk {
			brk = alignedEnd
		}
	}
	if !hasLoad {
		return nil, fmt.Errorf("%w: no loadable segment", ErrInvalidELF)
	}
	if phdrAddr == 0 {
		phdrAddr = firstLoadVaddr + ehdrSize
	}

	s.Brk = brk
	s.Heap = brk + heapGap
	s.PC = f.Entry

	sp, err := setupStack(s, f.Entry, phdrAddr, uint64(len(f.Progs)), argv, envp, execFn)
	if err != nil {
		return nil, err
	}
	s.Registers[2] = sp // x2 is the stack pointer

	return s, nil
}

func elfProgPerms(flags elf.ProgFlag) uint64 {
	var perms uint64
	if flags&elf.PF_R != 0 {
		perms |= permRead
	}
	if flags&elf.PF_W != 0 {
		perms |= permWrite
	}
	if flags&elf.PF_X != 0 {
		perms |= permExec
	}
	return perms
}

// setupStack maps the stack and lays out the execve protocol from the top
// down: AT_RANDOM bytes, the execfn string, env and arg strings, then the
// 16-byte-aligned frame of argc, argv pointers, envp pointers and auxv pairs.
// Returns the initial stack pointer.
func setupStack(s *VMState, entry, phdrAddr, phnum uint64, argv, envp []string, execFn string) (uint64, error) {
	stackBase := stackTop - stackSize
	if err := s.Memory.Mmap(stackBase, stackSize, permRead|permWrite); err != nil {
		return 0, fmt.Errorf("mapping stack: %w", err)
	}

	pos := stackTop

	writeBytes := func(addr uint64, dat []byte) {
		for len(dat) > 0 {
			n := len(dat)
			if n > 32 {
				n = 32
			}
			s.Memory.setUnaligned(addr, dat[:n])
			addr += uint64(n)
			dat = dat[n:]
		}
	}
	pushString := func(str string) uint64 {
		pos -= uint64(len(str)) + 1 // NUL terminator is the mapping's zero fill
		writeBytes(pos, []byte(str))
		return pos
	}

	// fixed bytes behind AT_RANDOM: the guest seeds stack guards and hash
	// maps from these, and runs stay reproducible
	randomData := []byte{
		0xde, 0xad, 0xbe, 0xef, 0xca, 0xfe, 0xba, 0xbe,
		0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
	}
	pos -= 16
	randomAddr := pos
	writeBytes(randomAddr, randomData)

	execFnAddr := pushString(execFn)

	envpAddrs := make([]uint64, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		envpAddrs[i] = pushString(envp[i])
	}
	argvAddrs := make([]uint64, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		argvAddrs[i] = pushString(argv[i])
	}

	pos &^= 15

	auxv := [][2]uint64{
		{riscv.AuxPhdr, phdrAddr},
		{riscv.AuxPhent, 56}, // sizeof(Elf64_Phdr)
		{riscv.AuxPhnum, phnum},
		{riscv.AuxPagesz, PageSize},
		{riscv.AuxEntry, entry},
		{riscv.AuxRandom, randomAddr},
		{riscv.AuxExecfn, execFnAddr},
		{riscv.AuxNull, 0},
	}

	// argc + argv ptrs + NULL + envp ptrs + NULL + auxv pairs
	frameWords := 1 + len(argv) + 1 + len(envp) + 1 + len(auxv)*2
	pos -= uint64(frameWords) * 8
	pos &^= 15

	sp := pos
	cur := sp
	push := func(v uint64) {
		s.storeMem(cur, 8, v)
		cur += 8
	}

	push(uint64(len(argv)))
	for _, addr := range argvAddrs {
		push(addr)
	}
	push(0)
	for _, addr := range envpAddrs {
		push(addr)
	}
	push(0)
	for _, kv := range auxv {
		push(kv[0])
		push(kv[1])
	}

	return sp, nil
}
