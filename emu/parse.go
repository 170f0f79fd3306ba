package emu

// Field and immediate parsers for the standard 32-bit instruction formats.
// All immediates come out pre-sign-extended to 64 bits.

func parseOpcode(instr U64) U64 {
	return and64(instr, toU64(0x7F))
}

func parseRd(instr U64) U64 {
	return and64(shr64(toU64(7), instr), toU64(0x1F))
}

func parseFunct3(instr U64) U64 {
	return and64(shr64(toU64(12), instr), toU64(0x7))
}

func parseRs1(instr U64) U64 {
	return and64(shr64(toU64(15), instr), toU64(0x1F))
}

func parseRs2(instr U64) U64 {
	return and64(shr64(toU64(20), instr), toU64(0x1F))
}

func parseRs3(instr U64) U64 {
	return and64(shr64(toU64(27), instr), toU64(0x1F))
}

func parseFunct7(instr U64) U64 {
	return shr64(toU64(25), instr)
}

func parseImmTypeI(instr U64) U64 {
	return signExtend64(shr64(toU64(20), instr), toU64(11))
}

func parseImmTypeS(instr U64) U64 {
	return signExtend64(
		or64(
			shl64(toU64(5), shr64(toU64(25), instr)),
			and64(shr64(toU64(7), instr), toU64(0x1F)),
		),
		toU64(11),
	)
}

func parseImmTypeB(instr U64) U64 {
	return signExtend64(
		or64(
			or64(
				shl64(toU64(1), and64(shr64(toU64(8), instr), toU64(0xF))),
				shl64(toU64(5), and64(shr64(toU64(25), instr), toU64(0x3F))),
			),
			or64(
				shl64(toU64(11), and64(shr64(toU64(7), instr), toU64(1))),
				shl64(toU64(12), shr64(toU64(31), instr)),
			),
		),
		toU64(12),
	)
}

// parseImmTypeU returns the immediate already shifted into bits 31:12.
func parseImmTypeU(instr U64) U64 {
	return signExtend64(and64(instr, shl64(toU64(12), u32Mask())), toU64(31))
}

func parseImmTypeJ(instr U64) U64 {
	return signExtend64(
		or64(
			or64(
				shl64(toU64(1), and64(shr64(toU64(21), instr), shortToU64(0x3FF))),
				shl64(toU64(11), and64(shr64(toU64(20), instr), toU64(1))),
			),
			or64(
				shl64(toU64(12), and64(shr64(toU64(12), instr), toU64(0xFF))),
				shl64(toU64(20), shr64(toU64(31), instr)),
			),
		),
		toU64(20),
	)
}

// parseCSR pulls the 12-bit CSR address out of a SYSTEM instruction.
func parseCSR(instr U64) U64 {
	return and64(shr64(toU64(20), instr), shortToU64(0xFFF))
}
