package emu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func decompressOK(t *testing.T, halfword U64) U64 {
	t.Helper()
	out, size, err := DecompressInstruction(halfword)
	require.NoError(t, err)
	require.Equal(t, U64(2), size)
	return out
}

func TestDecompressPassThrough(t *testing.T) {
	// a standard 32-bit encoding (addi x10, x0, 1) is untouched
	word := encodeIType(0x13, 10, 0, 0, 1)
	out, size, err := DecompressInstruction(word)
	require.NoError(t, err)
	require.Equal(t, U64(4), size)
	require.Equal(t, word, out)
}

func TestDecompressDefinedIllegal(t *testing.T) {
	_, _, err := DecompressInstruction(0x0000)
	require.Error(t, err)
	require.IsType(t, &IllegalInstruction{}, err)
}

func TestDecompressC1(t *testing.T) {
	// c.li a0, 5
	require.Equal(t, encodeIType(0x13, 10, 0, 0, 5), decompressOK(t, 0x4515))
	// c.li a0, -1
	require.Equal(t, encodeIType(0x13, 10, 0, 0, u64Mask()), decompressOK(t, 0x557D))
	// c.addi a0, 1
	require.Equal(t, encodeIType(0x13, 10, 0, 10, 1), decompressOK(t, 0x0505))
	// c.nop
	require.Equal(t, encodeIType(0x13, 0, 0, 0, 0), decompressOK(t, 0x0001))
	// c.addiw a0, 1
	require.Equal(t, encodeIType(0x1B, 10, 0, 10, 1), decompressOK(t, 0x2505))
	// c.lui a1, 1 -> lui a1, 0x1000
	require.Equal(t, encodeUType(0x37, 11, 0x1000), decompressOK(t, 0x6585))
	// c.addi16sp 16
	require.Equal(t, encodeIType(0x13, 2, 0, 2, 16), decompressOK(t, 0x6141))
	// c.mv a0, a1
	require.Equal(t, encodeRType(0x33, 10, 0, 0, 11, 0), decompressOK(t, 0x852E))
	// c.add a0, a1
	require.Equal(t, encodeRType(0x33, 10, 0, 10, 11, 0), decompressOK(t, 0x952E))
	// c.sub a0, a1 (both in the x8..x15 window)
	require.Equal(t, encodeRType(0x33, 10, 0, 10, 11, 0x20), decompressOK(t, 0x8D0D))
	// c.and a0, a1
	require.Equal(t, encodeRType(0x33, 10, 7, 10, 11, 0), decompressOK(t, 0x8D6D))
	// c.andi a0, 3
	require.Equal(t, encodeIType(0x13, 10, 7, 10, 3), decompressOK(t, 0x890D))
	// c.srli a0, 2
	require.Equal(t, encodeIType(0x13, 10, 5, 10, 2), decompressOK(t, 0x8109))
	// c.srai a0, 2
	require.Equal(t, encodeIType(0x13, 10, 5, 10, 0x402), decompressOK(t, 0x8509))
	// c.slli a0, 2
	require.Equal(t, encodeIType(0x13, 10, 1, 10, 2), decompressOK(t, 0x050A))
}

func TestDecompressMemory(t *testing.T) {
	// c.lw a0, 4(a1)
	require.Equal(t, encodeIType(0x03, 10, 2, 11, 4), decompressOK(t, 0x41C8))
	// c.ld a0, 8(a1)
	require.Equal(t, encodeIType(0x03, 10, 3, 11, 8), decompressOK(t, 0x6588))
	// c.sw a0, 4(a1)
	require.Equal(t, encodeSType(0x23, 2, 11, 10, 4), decompressOK(t, 0xC1C8))
	// c.sd a0, 8(a1)
	require.Equal(t, encodeSType(0x23, 3, 11, 10, 8), decompressOK(t, 0xE588))
	// c.fld fa0, 8(a1)
	require.Equal(t, encodeIType(0x07, 10, 3, 11, 8), decompressOK(t, 0x2588))
	// c.fsd fa0, 8(a1)
	require.Equal(t, encodeSType(0x27, 3, 11, 10, 8), decompressOK(t, 0xA588))
	// c.addi4spn a0, 16
	require.Equal(t, encodeIType(0x13, 10, 0, 2, 16), decompressOK(t, 0x0808))
	// c.lwsp a0, 4
	require.Equal(t, encodeIType(0x03, 10, 2, 2, 4), decompressOK(t, 0x4512))
	// c.ldsp a0, 8
	require.Equal(t, encodeIType(0x03, 10, 3, 2, 8), decompressOK(t, 0x6522))
	// c.swsp a0, 4
	require.Equal(t, encodeSType(0x23, 2, 2, 10, 4), decompressOK(t, 0xC22A))
	// c.sdsp a0, 8
	require.Equal(t, encodeSType(0x23, 3, 2, 10, 8), decompressOK(t, 0xE42A))
	// c.fldsp fa0, 8
	require.Equal(t, encodeIType(0x07, 10, 3, 2, 8), decompressOK(t, 0x2522))
	// c.fsdsp fa0, 8
	require.Equal(t, encodeSType(0x27, 3, 2, 10, 8), decompressOK(t, 0xA42A))
}

func TestDecompressControlFlow(t *testing.T) {
	// c.j +16
	require.Equal(t, encodeJType(0x6F, 0, 16), decompressOK(t, 0xA841))
	// c.j -2
	require.Equal(t, encodeJType(0x6F, 0, sub64(0, 2)), decompressOK(t, 0xBFF5))
	// c.beqz a0, +8
	require.Equal(t, encodeBType(0x63, 0, 10, 0, 8), decompressOK(t, 0xC501))
	// c.bnez a0, +8
	require.Equal(t, encodeBType(0x63, 1, 10, 0, 8), decompressOK(t, 0xE501))
	// c.jr a0
	require.Equal(t, encodeIType(0x67, 0, 0, 10, 0), decompressOK(t, 0x8502))
	// c.jalr a0
	require.Equal(t, encodeIType(0x67, 1, 0, 10, 0), decompressOK(t, 0x9502))
	// c.ebreak
	require.Equal(t, encodeIType(0x73, 0, 0, 0, 1), decompressOK(t, 0x9002))
}

func TestDecompressReserved(t *testing.T) {
	for _, halfword := range []U64{
		0x0000, // defined illegal
		0x2001, // c.addiw with rd=0
		0x6001, // c.lui with nzimm=0
		0x4002, // c.lwsp with rd=0
		0x6002, // c.ldsp with rd=0
		0x9C41, // c.subw/addw group, reserved funct2
	} {
		_, _, err := DecompressInstruction(halfword)
		require.Errorf(t, err, "halfword %04x must be reserved", halfword)
	}
}
