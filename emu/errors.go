package emu

import (
	"errors"
	"fmt"
)

// ErrInvalidELF wraps every load-time validation failure.
var ErrInvalidELF = errors.New("invalid ELF")

// SegFault is an out-of-bounds or permission-violating guest memory access.
// The whole [Addr, Addr+Width) span must be mapped with Perm for an access
// to succeed.
type SegFault struct {
	Addr  uint64
	Width uint64
	Perm  uint64
}

func (e *SegFault) Error() string {
	return fmt.Sprintf("segmentation fault: %d-byte access at 0x%016x (perm %s)", e.Width, e.Addr, permString(e.Perm))
}

// IllegalInstruction is an undecodable or reserved instruction encoding.
// PC is zero when raised by the decoder alone and filled in by the machine.
type IllegalInstruction struct {
	PC  uint64
	Raw uint32
}

func (e *IllegalInstruction) Error() string {
	return fmt.Sprintf("illegal instruction 0x%08x at pc=0x%016x", e.Raw, e.PC)
}

// Breakpoint is an ebreak trap. With no debugger attached there is nowhere
// to deliver it, so the run terminates.
type Breakpoint struct {
	PC uint64
}

func (e *Breakpoint) Error() string {
	return fmt.Sprintf("ebreak at pc=0x%016x", e.PC)
}

// UnsupportedSyscall is a syscall number with no table entry. Never silently
// answered: an invented success/failure would corrupt guest state invisibly.
type UnsupportedSyscall struct {
	Number uint64
}

func (e *UnsupportedSyscall) Error() string {
	return fmt.Sprintf("unsupported syscall %d", e.Number)
}

func permString(perm uint64) string {
	out := [3]byte{'-', '-', '-'}
	if perm&permRead != 0 {
		out[0] = 'r'
	}
	if perm&permWrite != 0 {
		out[1] = 'w'
	}
	if perm&permExec != 0 {
		out[2] = 'x'
	}
	return string(out[:])
}
