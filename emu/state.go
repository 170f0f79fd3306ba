package emu

import (
	"encoding/binary"

	"github.com/rivulet-emu/rivulet/riscv"
)

// VMState is the full architectural state of one guest hart plus the
// process-level bookkeeping (brk, mmap cursor) the syscall layer needs.
// It serializes to JSON for snapshots.
type VMState struct {
	Memory *Memory `json:"memory"`

	PC uint64 `json:"pc"`

	ExitCode uint8 `json:"exit"`
	Exited   bool  `json:"exited"`

	StepCount uint64 `json:"step"`

	// Brk is the current program break; Heap is the cursor for hint-less
	// mmap allocations, kept well above Brk so the two never collide.
	Brk  uint64 `json:"brk"`
	Heap uint64 `json:"heap"`

	LoadReservation uint64 `json:"loadReservation"`

	Registers  [32]uint64 `json:"registers"`
	FRegisters [32]uint64 `json:"fRegisters"`

	FFlags uint64 `json:"fflags"`
	FRM    uint64 `json:"frm"`
}

func NewVMState() *VMState {
	return &VMState{
		Memory: NewMemory(),
	}
}

func (s *VMState) loadRegister(reg uint64) uint64 {
	return s.Registers[reg&31]
}

// writeRegister discards writes to x0; callers never special-case it.
func (s *VMState) writeRegister(reg uint64, v uint64) {
	if reg&31 == 0 {
		return
	}
	s.Registers[reg&31] = v
}

func (s *VMState) loadFRegister(reg uint64) uint64 {
	return s.FRegisters[reg&31]
}

func (s *VMState) writeFRegister(reg uint64, v uint64) {
	s.FRegisters[reg&31] = v
}

// writeFRegisterS NaN-boxes a single-precision result into the 64-bit
// register slot. Every f32-producing instruction goes through here.
func (s *VMState) writeFRegisterS(reg uint64, bits uint32) {
	s.FRegisters[reg&31] = nanboxF32(bits)
}

// loadMem reads a size-byte little-endian value, optionally sign-extending
// it to 64 bits. Panics with *SegFault when the span is not readable.
func (s *VMState) loadMem(addr uint64, size uint64, signed bool) uint64 {
	s.Memory.checkRange(addr, size, permRead)
	return s.loadMemUnchecked(addr, size, signed)
}

func (s *VMState) loadMemUnchecked(addr uint64, size uint64, signed bool) uint64 {
	var out [8]byte
	s.Memory.getUnaligned(addr, out[:size])
	v := binary.LittleEndian.Uint64(out[:])
	if signed {
		v = signExtend64(v, size*8-1)
	}
	return v
}

// storeMem writes the low size bytes of value, little-endian. Panics with
// *SegFault when the span is not writable.
func (s *VMState) storeMem(addr uint64, size uint64, value uint64) {
	s.Memory.checkRange(addr, size, permWrite)
	var bytez [8]byte
	binary.LittleEndian.PutUint64(bytez[:], value)
	s.Memory.setUnaligned(addr, bytez[:size])
}

// loadInsn fetches an instruction word. Execution requires the X permission
// on the fetch address; the upper halfword of a compressed instruction at
// the end of a region is not required to be mapped.
func (s *VMState) loadInsn(addr uint64) uint32 {
	s.Memory.checkRange(addr, 2, permExec)
	var out [4]byte
	s.Memory.getUnaligned(addr, out[:])
	return binary.LittleEndian.Uint32(out[:])
}

func (s *VMState) setLoadReservation(addr uint64) {
	s.LoadReservation = addr
}

func (s *VMState) getLoadReservation() uint64 {
	return s.LoadReservation
}

func (s *VMState) getPC() uint64 { return s.PC }

func (s *VMState) setPC(pc uint64) { s.PC = pc }

// readCSR implements the user-visible CSR subset: the FP accrued-exception
// registers and the read-only counters. Everything else reads as zero.
func (s *VMState) readCSR(num uint64) uint64 {
	switch num {
	case riscv.CSRFflags:
		return s.FFlags & riscv.FflagsMask
	case riscv.CSRFrm:
		return s.FRM & riscv.FrmMask
	case riscv.CSRFcsr:
		return (s.FFlags & riscv.FflagsMask) | ((s.FRM & riscv.FrmMask) << 5)
	case riscv.CSRCycle, riscv.CSRInstret:
		return s.StepCount
	case riscv.CSRTime:
		return s.StepCount
	default:
		return 0
	}
}

func (s *VMState) writeCSR(num uint64, v uint64) {
	switch num {
	case riscv.CSRFflags:
		s.FFlags = v & riscv.FflagsMask
	case riscv.CSRFrm:
		s.FRM = v & riscv.FrmMask
	case riscv.CSRFcsr:
		s.FFlags = v & riscv.FflagsMask
		s.FRM = (v >> 5) & riscv.FrmMask
	default:
		// read-only or unimplemented: writes are dropped
	}
}

// Instr returns the raw word at PC, for logging.
func (s *VMState) Instr() uint32 {
	var out [4]byte
	s.Memory.getUnaligned(s.PC, out[:])
	return binary.LittleEndian.Uint32(out[:])
}
