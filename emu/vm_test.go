package emu

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rivulet-emu/rivulet/riscv"
)

const (
	testCodeBase = uint64(0x1000)
	testDataBase = uint64(0x2000)
)

// testVM maps a small code window at testCodeBase and a data window at
// testDataBase, with the PC at the start of the code.
func testVM(t *testing.T) *VMState {
	t.Helper()
	s := NewVMState()
	require.NoError(t, s.Memory.Mmap(testCodeBase, 0x1000, permRead|permExec))
	require.NoError(t, s.Memory.Mmap(testDataBase, 0x2000, permRead|permWrite))
	s.PC = testCodeBase
	return s
}

func writeWords(t *testing.T, s *VMState, addr uint64, words ...U64) {
	t.Helper()
	for i, w := range words {
		var b [4]byte
		b[0] = byte(w)
		b[1] = byte(w >> 8)
		b[2] = byte(w >> 16)
		b[3] = byte(w >> 24)
		s.Memory.setUnaligned(addr+uint64(i)*4, b[:])
	}
}

func writeHalfwords(t *testing.T, s *VMState, addr uint64, halfwords ...U64) {
	t.Helper()
	for i, w := range halfwords {
		var b [2]byte
		b[0] = byte(w)
		b[1] = byte(w >> 8)
		s.Memory.setUnaligned(addr+uint64(i)*2, b[:])
	}
}

func stepOK(t *testing.T, s *VMState, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, Step(s, nil, nil))
	}
}

func TestWritesToX0AreDiscarded(t *testing.T) {
	s := testVM(t)
	writeWords(t, s, testCodeBase, encodeIType(0x13, 0, 0, 0, 5)) // addi x0, x0, 5
	stepOK(t, s, 1)
	require.Equal(t, uint64(0), s.Registers[0])
	require.Equal(t, testCodeBase+4, s.PC)
}

func TestIntegerArithmetic(t *testing.T) {
	s := testVM(t)
	writeWords(t, s, testCodeBase,
		encodeIType(0x13, 5, 0, 0, 7),         // addi x5, x0, 7
		encodeIType(0x13, 6, 0, 0, 3),         // addi x6, x0, 3
		encodeRType(0x33, 7, 0, 5, 6, 0),      // add x7, x5, x6
		encodeRType(0x33, 8, 0, 5, 6, 0x20),   // sub x8, x5, x6
		encodeRType(0x33, 9, 0, 5, 6, 1),      // mul x9, x5, x6
		encodeIType(0x13, 10, 1, 5, 2),        // slli x10, x5, 2
		encodeRType(0x33, 11, 2, 6, 5, 0),     // slt x11, x6, x5
	)
	stepOK(t, s, 7)
	require.Equal(t, uint64(10), s.Registers[7])
	require.Equal(t, uint64(4), s.Registers[8])
	require.Equal(t, uint64(21), s.Registers[9])
	require.Equal(t, uint64(28), s.Registers[10])
	require.Equal(t, uint64(1), s.Registers[11])
}

func TestDivisionByZero(t *testing.T) {
	s := testVM(t)
	s.Registers[5] = 123
	s.Registers[6] = 0
	writeWords(t, s, testCodeBase,
		encodeRType(0x33, 7, 4, 5, 6, 1),  // div x7, x5, x6
		encodeRType(0x33, 8, 5, 5, 6, 1),  // divu x8, x5, x6
		encodeRType(0x33, 9, 6, 5, 6, 1),  // rem x9, x5, x6
		encodeRType(0x33, 10, 7, 5, 6, 1), // remu x10, x5, x6
	)
	stepOK(t, s, 4)
	require.Equal(t, u64Mask(), s.Registers[7], "signed div by zero yields all ones")
	require.Equal(t, u64Mask(), s.Registers[8], "unsigned div by zero yields all ones")
	require.Equal(t, uint64(123), s.Registers[9], "rem by zero yields the dividend")
	require.Equal(t, uint64(123), s.Registers[10], "remu by zero yields the dividend")
}

func TestSignedDivisionOverflow(t *testing.T) {
	s := testVM(t)
	s.Registers[5] = 1 << 63 // most negative int64
	s.Registers[6] = u64Mask()
	writeWords(t, s, testCodeBase,
		encodeRType(0x33, 7, 4, 5, 6, 1), // div x7, x5, x6
		encodeRType(0x33, 8, 6, 5, 6, 1), // rem x8, x5, x6
	)
	stepOK(t, s, 2)
	require.Equal(t, uint64(1<<63), s.Registers[7])
	require.Equal(t, uint64(0), s.Registers[8])
}

func TestMulhUpperBits(t *testing.T) {
	s := testVM(t)
	s.Registers[5] = u64Mask() // -1 signed
	s.Registers[6] = u64Mask()
	writeWords(t, s, testCodeBase,
		encodeRType(0x33, 7, 1, 5, 6, 1), // mulh x7: (-1)*(-1) -> upper 0
		encodeRType(0x33, 8, 3, 5, 6, 1), // mulhu x8: max*max -> upper max-1
		encodeRType(0x33, 9, 2, 5, 6, 1), // mulhsu x9: (-1)*max
	)
	stepOK(t, s, 3)
	require.Equal(t, uint64(0), s.Registers[7])
	require.Equal(t, u64Mask()-1, s.Registers[8])
	require.Equal(t, u64Mask(), s.Registers[9])
}

func TestBranching(t *testing.T) {
	s := testVM(t)
	s.Registers[5] = 1
	s.Registers[6] = 1
	// beq x5, x6, +8 -> skips the addi
	writeWords(t, s, testCodeBase,
		encodeBType(0x63, 0, 5, 6, 8),
		encodeIType(0x13, 7, 0, 0, 99), // must be skipped
		encodeIType(0x13, 8, 0, 0, 42),
	)
	stepOK(t, s, 2)
	require.Equal(t, uint64(0), s.Registers[7])
	require.Equal(t, uint64(42), s.Registers[8])
}

func TestJalAndJalr(t *testing.T) {
	s := testVM(t)
	writeWords(t, s, testCodeBase,
		encodeJType(0x6F, 1, 8), // jal x1, +8
	)
	writeWords(t, s, testCodeBase+8,
		encodeIType(0x67, 0, 0, 1, 1), // jalr x0, 1(x1): odd target, lsb cleared
	)
	stepOK(t, s, 2)
	require.Equal(t, testCodeBase+4, s.Registers[1])
	// (x1 + 1) &^ 1 == x1
	require.Equal(t, testCodeBase+4, s.PC)
}

func TestLoadStoreRoundTrip(t *testing.T) {
	s := testVM(t)
	s.Registers[5] = testDataBase
	s.Registers[6] = 0xDEAD_BEEF_CAFE_F00D
	writeWords(t, s, testCodeBase,
		encodeSType(0x23, 3, 5, 6, 16),  // sd x6, 16(x5)
		encodeIType(0x03, 7, 3, 5, 16),  // ld x7, 16(x5)
		encodeIType(0x03, 8, 2, 5, 16),  // lw x8, 16(x5): sign-extends
		encodeIType(0x03, 9, 6, 5, 16),  // lwu x9, 16(x5): zero-extends
		encodeIType(0x03, 10, 0, 5, 17), // lb x10, 17(x5)
	)
	stepOK(t, s, 5)
	require.Equal(t, uint64(0xDEAD_BEEF_CAFE_F00D), s.Registers[7])
	require.Equal(t, signExtend64(0xCAFE_F00D, 31), s.Registers[8])
	require.Equal(t, uint64(0xCAFE_F00D), s.Registers[9])
	require.Equal(t, signExtend64(0xF0, 7), s.Registers[10])
}

func TestUnalignedAccessCrossesPages(t *testing.T) {
	s := testVM(t)
	s.Registers[5] = testDataBase + PageSize - 3 // 8-byte store straddles the page boundary
	s.Registers[6] = 0x1122_3344_5566_7788
	writeWords(t, s, testCodeBase,
		encodeSType(0x23, 3, 5, 6, 0),
		encodeIType(0x03, 7, 3, 5, 0),
	)
	stepOK(t, s, 2)
	require.Equal(t, uint64(0x1122_3344_5566_7788), s.Registers[7])
}

func TestSegFaultOnUnmapped(t *testing.T) {
	s := testVM(t)
	s.Registers[5] = 0x8000_0000 // nothing mapped there
	writeWords(t, s, testCodeBase, encodeIType(0x03, 7, 3, 5, 0))
	err := Step(s, nil, nil)
	require.Error(t, err)
	segFault := &SegFault{}
	require.ErrorAs(t, err, &segFault)
	require.Equal(t, uint64(0x8000_0000), segFault.Addr)
}

func TestSegFaultOnWriteToReadOnly(t *testing.T) {
	s := testVM(t)
	s.Registers[5] = testCodeBase // r-x mapping
	s.Registers[6] = 1
	writeWords(t, s, testCodeBase, encodeSType(0x23, 3, 5, 6, 0x100))
	err := Step(s, nil, nil)
	segFault := &SegFault{}
	require.ErrorAs(t, err, &segFault)
	require.Equal(t, uint64(permWrite), segFault.Perm)
}

func TestIllegalOpcode(t *testing.T) {
	s := testVM(t)
	writeWords(t, s, testCodeBase, 0xFFFF_FFFF)
	err := Step(s, nil, nil)
	illegalInsn := &IllegalInstruction{}
	require.ErrorAs(t, err, &illegalInsn)
	require.Equal(t, testCodeBase, illegalInsn.PC)
}

func TestEbreak(t *testing.T) {
	s := testVM(t)
	writeWords(t, s, testCodeBase, encodeIType(0x73, 0, 0, 0, 1))
	err := Step(s, nil, nil)
	breakpoint := &Breakpoint{}
	require.ErrorAs(t, err, &breakpoint)
	require.Equal(t, testCodeBase, breakpoint.PC)
}

func TestCompressedInstructions(t *testing.T) {
	s := testVM(t)
	// c.li a0, 5 ; c.addi a0, 1
	writeHalfwords(t, s, testCodeBase, 0x4515, 0x0505)
	stepOK(t, s, 2)
	require.Equal(t, uint64(6), s.Registers[10])
	require.Equal(t, testCodeBase+4, s.PC, "compressed instructions advance the PC by 2")
}

func TestCompressedAndStandardMix(t *testing.T) {
	s := testVM(t)
	writeHalfwords(t, s, testCodeBase, 0x4515) // c.li a0, 5
	writeWords(t, s, testCodeBase+2, encodeIType(0x13, 11, 0, 10, 10)) // addi a1, a0, 10
	stepOK(t, s, 2)
	require.Equal(t, uint64(15), s.Registers[11])
	require.Equal(t, testCodeBase+6, s.PC)
}

func TestAtomicAdd(t *testing.T) {
	s := testVM(t)
	s.storeMem(testDataBase, 8, 10)
	s.Registers[5] = testDataBase
	s.Registers[6] = 5
	// amoadd.d x7, x6, (x5)
	writeWords(t, s, testCodeBase, encodeRType(0x2F, 7, 3, 5, 6, 0))
	stepOK(t, s, 1)
	require.Equal(t, uint64(10), s.Registers[7], "AMO returns the old value")
	require.Equal(t, uint64(15), s.loadMem(testDataBase, 8, false))
}

func TestLoadReservedStoreConditional(t *testing.T) {
	s := testVM(t)
	s.storeMem(testDataBase, 8, 7)
	s.Registers[5] = testDataBase
	s.Registers[6] = 99
	writeWords(t, s, testCodeBase,
		encodeRType(0x2F, 7, 3, 5, 0, 0x2<<2), // lr.d x7, (x5)
		encodeRType(0x2F, 8, 3, 5, 6, 0x3<<2), // sc.d x8, x6, (x5)
		encodeRType(0x2F, 9, 3, 5, 6, 0x3<<2), // sc.d x9: reservation gone
	)
	stepOK(t, s, 3)
	require.Equal(t, uint64(7), s.Registers[7])
	require.Equal(t, uint64(0), s.Registers[8], "sc succeeds after lr")
	require.Equal(t, uint64(99), s.loadMem(testDataBase, 8, false))
	require.Equal(t, uint64(1), s.Registers[9], "sc fails without a reservation")
}

func TestMisalignedAtomic(t *testing.T) {
	s := testVM(t)
	s.Registers[5] = testDataBase + 2
	writeWords(t, s, testCodeBase, encodeRType(0x2F, 7, 3, 5, 6, 0))
	err := Step(s, nil, nil)
	segFault := &SegFault{}
	require.ErrorAs(t, err, &segFault)
}

func TestCSRFloatingPointFlags(t *testing.T) {
	s := testVM(t)
	s.FFlags = riscv.FflagsNX
	writeWords(t, s, testCodeBase,
		encodeIType(0x73, 5, 2, 0, riscv.CSRFflags),  // csrrs x5, fflags, x0
		encodeIType(0x73, 0, 5, 0x08, riscv.CSRFcsr), // csrrwi x0, fcsr, 8 (DZ)
		encodeIType(0x73, 6, 2, 0, riscv.CSRFflags),  // csrrs x6, fflags, x0
	)
	stepOK(t, s, 3)
	require.Equal(t, uint64(riscv.FflagsNX), s.Registers[5])
	require.Equal(t, uint64(riscv.FflagsDZ), s.Registers[6])
}

func TestEcallUnknownSyscall(t *testing.T) {
	s := testVM(t)
	s.Registers[17] = 9999
	writeWords(t, s, testCodeBase, encodeIType(0x73, 0, 0, 0, 0))
	err := Step(s, DefaultSyscalls(), &SyscallEnv{StdOut: &bytes.Buffer{}, StdErr: &bytes.Buffer{}})
	badSyscall := &UnsupportedSyscall{}
	require.ErrorAs(t, err, &badSyscall)
	require.Equal(t, uint64(9999), badSyscall.Number)
}

func TestStepAfterExitIsNoop(t *testing.T) {
	s := testVM(t)
	s.Exited = true
	s.ExitCode = 7
	require.NoError(t, Step(s, nil, nil))
	require.Equal(t, testCodeBase, s.PC)
}
