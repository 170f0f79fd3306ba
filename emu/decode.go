package emu

// DecodedInstruction is a fetched instruction after compressed-form expansion:
// Word always holds a standard 32-bit encoding, Size remembers how many bytes
// the original occupied so the PC advances correctly.
type DecodedInstruction struct {
	Word U64 // standard 32-bit encoding
	Size U64 // 2 for expanded compressed forms, 4 otherwise

	Opcode U64
	Rd     U64
	Funct3 U64
	Rs1    U64
	Rs2    U64
	Funct7 U64
}

// Decode expands a compressed instruction if needed and splits out the fields
// every format shares. Immediates are format-specific and parsed by the
// executor from Word. Reserved encodings return *IllegalInstruction.
func Decode(word uint32) (DecodedInstruction, error) {
	expanded, size, err := DecompressInstruction(U64(word))
	if err != nil {
		return DecodedInstruction{}, err
	}
	return DecodedInstruction{
		Word:   expanded,
		Size:   size,
		Opcode: parseOpcode(expanded),
		Rd:     parseRd(expanded),
		Funct3: parseFunct3(expanded),
		Rs1:    parseRs1(expanded),
		Rs2:    parseRs2(expanded),
		Funct7: parseFunct7(expanded),
	}, nil
}
