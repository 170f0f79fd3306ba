package emu

// Expansion of the 16-bit `C` extension encodings into their standard 32-bit
// counterparts. Decompression happens at decode time: the executor only ever
// sees standard instructions, compressed forms are pure syntactic sugar.

const (
	// size (in bytes) of a standard instruction, for the PC bump
	decompressedSize = U64(4)
	// size (in bytes) of a `C` extension instruction
	compressedSize = U64(2)
	// offset of the 3-bit register fields: they address x8..x15
	cRegisterOffset = U64(8)
)

// isCompressed: standard 32-bit encodings always have the two low bits set.
func isCompressed(instr U64) bool {
	return and64(instr, toU64(3)) != toU64(3)
}

func mapCompressedRegister(register U64) U64 {
	return register + cRegisterOffset
}

func parseFunct3C(instr U64) U64 {
	return and64(shr64(toU64(13), instr), toU64(7))
}

// standard-encoding assemblers for the expansion targets

func encodeRType(opcode, rd, funct3, rs1, rs2, funct7 U64) U64 {
	return opcode | shl64(toU64(7), rd) | shl64(toU64(12), funct3) |
		shl64(toU64(15), rs1) | shl64(toU64(20), rs2) | shl64(toU64(25), funct7)
}

func encodeIType(opcode, rd, funct3, rs1, imm U64) U64 {
	return opcode | shl64(toU64(7), rd) | shl64(toU64(12), funct3) |
		shl64(toU64(15), rs1) | shl64(toU64(20), and64(imm, shortToU64(0xFFF)))
}

func encodeSType(opcode, funct3, rs1, rs2, imm U64) U64 {
	return opcode | shl64(toU64(7), and64(imm, toU64(0x1F))) | shl64(toU64(12), funct3) |
		shl64(toU64(15), rs1) | shl64(toU64(20), rs2) |
		shl64(toU64(25), and64(shr64(toU64(5), imm), toU64(0x7F)))
}

func encodeBType(opcode, funct3, rs1, rs2, imm U64) U64 {
	return opcode |
		shl64(toU64(7), and64(shr64(toU64(11), imm), toU64(1))) |
		shl64(toU64(8), and64(shr64(toU64(1), imm), toU64(0xF))) |
		shl64(toU64(12), funct3) |
		shl64(toU64(15), rs1) | shl64(toU64(20), rs2) |
		shl64(toU64(25), and64(shr64(toU64(5), imm), toU64(0x3F))) |
		shl64(toU64(31), and64(shr64(toU64(12), imm), toU64(1)))
}

func encodeJType(opcode, rd, imm U64) U64 {
	return opcode | shl64(toU64(7), rd) |
		shl64(toU64(12), and64(shr64(toU64(12), imm), toU64(0xFF))) |
		shl64(toU64(20), and64(shr64(toU64(11), imm), toU64(1))) |
		shl64(toU64(21), and64(shr64(toU64(1), imm), shortToU64(0x3FF))) |
		shl64(toU64(31), and64(shr64(toU64(20), imm), toU64(1)))
}

func encodeUType(opcode, rd, imm31to12 U64) U64 {
	return opcode | shl64(toU64(7), rd) | and64(imm31to12, 0xFFFFF000)
}

// sign-extended 6-bit CI immediate: bit 12 ++ bits 6:2
func immCI(instr U64) U64 {
	return signExtend64(
		or64(
			shl64(toU64(5), and64(shr64(toU64(12), instr), toU64(1))),
			and64(shr64(toU64(2), instr), toU64(0x1F)),
		),
		toU64(5),
	)
}

// 6-bit shift amount: same bits as CI, zero-extended
func shamtC(instr U64) U64 {
	return or64(
		shl64(toU64(5), and64(shr64(toU64(12), instr), toU64(1))),
		and64(shr64(toU64(2), instr), toU64(0x1F)),
	)
}

// DecompressInstruction expands a compressed instruction halfword into its
// 32-bit standard counterpart. Standard instructions pass through as-is.
// Reserved compressed encodings (including the all-zero halfword) return an
// *IllegalInstruction.
func DecompressInstruction(instr U64) (instrOut U64, pcBump U64, err error) {
	if !isCompressed(instr) {
		return instr, decompressedSize, nil
	}

	// The fetch reads a full word; only the low halfword belongs to a
	// compressed instruction.
	instr = and64(instr, shortToU64(0xFFFF))

	// The all-zero halfword is defined illegal, which also disambiguates it
	// from C.ADDI4SPN with a zero immediate.
	if instr == 0 {
		return 0, 0, &IllegalInstruction{Raw: uint32(instr)}
	}

	op := and64(instr, toU64(3))
	funct := parseFunct3C(instr)
	rdFull := and64(shr64(toU64(7), instr), toU64(0x1F))
	rs2Full := and64(shr64(toU64(2), instr), toU64(0x1F))
	rdP := mapCompressedRegister(and64(shr64(toU64(2), instr), toU64(7)))
	rs1P := mapCompressedRegister(and64(shr64(toU64(7), instr), toU64(7)))

	switch op {
	case 0x00: // C0: stack-pointer-relative and register-relative memory
		switch funct {
		case 0x00: // C.ADDI4SPN: addi rd', x2, nzuimm
			imm := or64(
				or64(
					shl64(toU64(4), and64(shr64(toU64(11), instr), toU64(3))),
					shl64(toU64(6), and64(shr64(toU64(7), instr), toU64(0xF))),
				),
				or64(
					shl64(toU64(2), and64(shr64(toU64(6), instr), toU64(1))),
					shl64(toU64(3), and64(shr64(toU64(5), instr), toU64(1))),
				),
			)
			if imm == 0 { // reserved
				return 0, 0, &IllegalInstruction{Raw: uint32(instr)}
			}
			return encodeIType(0x13, rdP, 0, 2, imm), compressedSize, nil
		case 0x01: // C.FLD: fld rd', uimm(rs1')
			imm := immCLD(instr)
			return encodeIType(0x07, rdP, 3, rs1P, imm), compressedSize, nil
		case 0x02: // C.LW: lw rd', uimm(rs1')
			imm := immCLW(instr)
			return encodeIType(0x03, rdP, 2, rs1P, imm), compressedSize, nil
		case 0x03: // C.LD: ld rd', uimm(rs1')
			imm := immCLD(instr)
			return encodeIType(0x03, rdP, 3, rs1P, imm), compressedSize, nil
		case 0x05: // C.FSD: fsd rs2', uimm(rs1')
			imm := immCLD(instr)
			return encodeSType(0x27, 3, rs1P, rdP, imm), compressedSize, nil
		case 0x06: // C.SW: sw rs2', uimm(rs1')
			imm := immCLW(instr)
			return encodeSType(0x23, 2, rs1P, rdP, imm), compressedSize, nil
		case 0x07: // C.SD: sd rs2', uimm(rs1')
			imm := immCLD(instr)
			return encodeSType(0x23, 3, rs1P, rdP, imm), compressedSize, nil
		}
	case 0x01: // C1: immediates, control flow
		switch funct {
		case 0x00: // C.NOP / C.ADDI: addi rd, rd, nzimm
			return encodeIType(0x13, rdFull, 0, rdFull, immCI(instr)), compressedSize, nil
		case 0x01: // C.ADDIW: addiw rd, rd, imm (rd != 0)
			if rdFull == 0 {
				return 0, 0, &IllegalInstruction{Raw: uint32(instr)}
			}
			return encodeIType(0x1B, rdFull, 0, rdFull, immCI(instr)), compressedSize, nil
		case 0x02: // C.LI: addi rd, x0, imm
			return encodeIType(0x13, rdFull, 0, 0, immCI(instr)), compressedSize, nil
		case 0x03:
			if rdFull == 2 { // C.ADDI16SP: addi x2, x2, nzimm
				imm := signExtend64(
					or64(
						or64(
							shl64(toU64(9), and64(shr64(toU64(12), instr), toU64(1))),
							shl64(toU64(4), and64(shr64(toU64(6), instr), toU64(1))),
						),
						or64(
							or64(
								shl64(toU64(6), and64(shr64(toU64(5), instr), toU64(1))),
								shl64(toU64(7), and64(shr64(toU64(3), instr), toU64(3))),
							),
							shl64(toU64(5), and64(shr64(toU64(2), instr), toU64(1))),
						),
					),
					toU64(9),
				)
				if imm == 0 { // reserved
					return 0, 0, &IllegalInstruction{Raw: uint32(instr)}
				}
				return encodeIType(0x13, 2, 0, 2, imm), compressedSize, nil
			}
			// C.LUI: lui rd, nzimm (rd != 0, rd != 2)
			imm := immCI(instr)
			if imm == 0 { // reserved
				return 0, 0, &IllegalInstruction{Raw: uint32(instr)}
			}
			return encodeUType(0x37, rdFull, shl64(toU64(12), imm)), compressedSize, nil
		case 0x04: // shifts, ANDI, and the register-register group
			switch and64(shr64(toU64(10), instr), toU64(3)) {
			case 0: // C.SRLI: srli rd', rd', shamt
				return encodeIType(0x13, rs1P, 5, rs1P, shamtC(instr)), compressedSize, nil
			case 1: // C.SRAI: srai rd', rd', shamt
				return encodeIType(0x13, rs1P, 5, rs1P, or64(shamtC(instr), shortToU64(0x400))), compressedSize, nil
			case 2: // C.ANDI: andi rd', rd', imm
				return encodeIType(0x13, rs1P, 7, rs1P, immCI(instr)), compressedSize, nil
			case 3:
				sel := and64(shr64(toU64(5), instr), toU64(3))
				if iszero64(and64(shr64(toU64(12), instr), toU64(1))) {
					switch sel {
					case 0: // C.SUB
						return encodeRType(0x33, rs1P, 0, rs1P, rdP, 0x20), compressedSize, nil
					case 1: // C.XOR
						return encodeRType(0x33, rs1P, 4, rs1P, rdP, 0), compressedSize, nil
					case 2: // C.OR
						return encodeRType(0x33, rs1P, 6, rs1P, rdP, 0), compressedSize, nil
					case 3: // C.AND
						return encodeRType(0x33, rs1P, 7, rs1P, rdP, 0), compressedSize, nil
					}
				}
				switch sel {
				case 0: // C.SUBW
					return encodeRType(0x3B, rs1P, 0, rs1P, rdP, 0x20), compressedSize, nil
				case 1: // C.ADDW
					return encodeRType(0x3B, rs1P, 0, rs1P, rdP, 0), compressedSize, nil
				default: // reserved
					return 0, 0, &IllegalInstruction{Raw: uint32(instr)}
				}
			}
		case 0x05: // C.J: jal x0, imm
			return encodeJType(0x6F, 0, immCJ(instr)), compressedSize, nil
		case 0x06: // C.BEQZ: beq rs1', x0, imm
			return encodeBType(0x63, 0, rs1P, 0, immCB(instr)), compressedSize, nil
		case 0x07: // C.BNEZ: bne rs1', x0, imm
			return encodeBType(0x63, 1, rs1P, 0, immCB(instr)), compressedSize, nil
		}
	case 0x02: // C2: sp-relative memory, jumps, register moves
		switch funct {
		case 0x00: // C.SLLI: slli rd, rd, shamt
			return encodeIType(0x13, rdFull, 1, rdFull, shamtC(instr)), compressedSize, nil
		case 0x01: // C.FLDSP: fld rd, uimm(x2)
			return encodeIType(0x07, rdFull, 3, 2, immCLDSP(instr)), compressedSize, nil
		case 0x02: // C.LWSP: lw rd, uimm(x2) (rd != 0)
			if rdFull == 0 {
				return 0, 0, &IllegalInstruction{Raw: uint32(instr)}
			}
			imm := or64(
				or64(
					shl64(toU64(5), and64(shr64(toU64(12), instr), toU64(1))),
					shl64(toU64(2), and64(shr64(toU64(4), instr), toU64(7))),
				),
				shl64(toU64(6), and64(shr64(toU64(2), instr), toU64(3))),
			)
			return encodeIType(0x03, rdFull, 2, 2, imm), compressedSize, nil
		case 0x03: // C.LDSP: ld rd, uimm(x2) (rd != 0)
			if rdFull == 0 {
				return 0, 0, &IllegalInstruction{Raw: uint32(instr)}
			}
			return encodeIType(0x03, rdFull, 3, 2, immCLDSP(instr)), compressedSize, nil
		case 0x04:
			if iszero64(and64(shr64(toU64(12), instr), toU64(1))) {
				if rs2Full == 0 { // C.JR: jalr x0, rs1, 0 (rs1 != 0)
					if rdFull == 0 {
						return 0, 0, &IllegalInstruction{Raw: uint32(instr)}
					}
					return encodeIType(0x67, 0, 0, rdFull, 0), compressedSize, nil
				}
				// C.MV: add rd, x0, rs2
				return encodeRType(0x33, rdFull, 0, 0, rs2Full, 0), compressedSize, nil
			}
			if rs2Full == 0 {
				if rdFull == 0 { // C.EBREAK
					return encodeIType(0x73, 0, 0, 0, 1), compressedSize, nil
				}
				// C.JALR: jalr x1, rs1, 0
				return encodeIType(0x67, 1, 0, rdFull, 0), compressedSize, nil
			}
			// C.ADD: add rd, rd, rs2
			return encodeRType(0x33, rdFull, 0, rdFull, rs2Full, 0), compressedSize, nil
		case 0x05: // C.FSDSP: fsd rs2, uimm(x2)
			return encodeSType(0x27, 3, 2, rs2Full, immCSDSP(instr)), compressedSize, nil
		case 0x06: // C.SWSP: sw rs2, uimm(x2)
			imm := or64(
				shl64(toU64(2), and64(shr64(toU64(9), instr), toU64(0xF))),
				shl64(toU64(6), and64(shr64(toU64(7), instr), toU64(3))),
			)
			return encodeSType(0x23, 2, 2, rs2Full, imm), compressedSize, nil
		case 0x07: // C.SDSP: sd rs2, uimm(x2)
			return encodeSType(0x23, 3, 2, rs2Full, immCSDSP(instr)), compressedSize, nil
		}
	}
	return 0, 0, &IllegalInstruction{Raw: uint32(instr)}
}

// CL/CS doubleword immediate: bits 12:10 -> uimm[5:3], bits 6:5 -> uimm[7:6]
func immCLD(instr U64) U64 {
	return or64(
		shl64(toU64(3), and64(shr64(toU64(10), instr), toU64(7))),
		shl64(toU64(6), and64(shr64(toU64(5), instr), toU64(3))),
	)
}

// CL/CS word immediate: bits 12:10 -> uimm[5:3], bit 6 -> uimm[2], bit 5 -> uimm[6]
func immCLW(instr U64) U64 {
	return or64(
		or64(
			shl64(toU64(3), and64(shr64(toU64(10), instr), toU64(7))),
			shl64(toU64(2), and64(shr64(toU64(6), instr), toU64(1))),
		),
		shl64(toU64(6), and64(shr64(toU64(5), instr), toU64(1))),
	)
}

// CI sp-relative doubleword load immediate: bit 12 -> uimm[5],
// bits 6:5 -> uimm[4:3], bits 4:2 -> uimm[8:6]
func immCLDSP(instr U64) U64 {
	return or64(
		or64(
			shl64(toU64(5), and64(shr64(toU64(12), instr), toU64(1))),
			shl64(toU64(3), and64(shr64(toU64(5), instr), toU64(3))),
		),
		shl64(toU64(6), and64(shr64(toU64(2), instr), toU64(7))),
	)
}

// CSS sp-relative doubleword store immediate: bits 12:10 -> uimm[5:3],
// bits 9:7 -> uimm[8:6]
func immCSDSP(instr U64) U64 {
	return or64(
		shl64(toU64(3), and64(shr64(toU64(10), instr), toU64(7))),
		shl64(toU64(6), and64(shr64(toU64(7), instr), toU64(7))),
	)
}

// CJ immediate, sign-extended byte offset
func immCJ(instr U64) U64 {
	return signExtend64(
		or64(
			or64(
				or64(
					shl64(toU64(11), and64(shr64(toU64(12), instr), toU64(1))),
					shl64(toU64(4), and64(shr64(toU64(11), instr), toU64(1))),
				),
				or64(
					shl64(toU64(8), and64(shr64(toU64(9), instr), toU64(3))),
					shl64(toU64(10), and64(shr64(toU64(8), instr), toU64(1))),
				),
			),
			or64(
				or64(
					shl64(toU64(6), and64(shr64(toU64(7), instr), toU64(1))),
					shl64(toU64(7), and64(shr64(toU64(6), instr), toU64(1))),
				),
				or64(
					shl64(toU64(1), and64(shr64(toU64(3), instr), toU64(7))),
					shl64(toU64(5), and64(shr64(toU64(2), instr), toU64(1))),
				),
			),
		),
		toU64(11),
	)
}

// CB immediate, sign-extended byte offset
func immCB(instr U64) U64 {
	return signExtend64(
		or64(
			or64(
				shl64(toU64(8), and64(shr64(toU64(12), instr), toU64(1))),
				shl64(toU64(3), and64(shr64(toU64(10), instr), toU64(3))),
			),
			or64(
				or64(
					shl64(toU64(6), and64(shr64(toU64(5), instr), toU64(3))),
					shl64(toU64(1), and64(shr64(toU64(3), instr), toU64(3))),
				),
				shl64(toU64(5), and64(shr64(toU64(2), instr), toU64(1))),
			),
		),
		toU64(8),
	)
}
