package emu

import (
	"fmt"
	"math"

	"github.com/rivulet-emu/rivulet/riscv"
)

var (
	destADD  = toU64(6)
	destSWAP = toU64(7)
	destXOR  = toU64(8)
	destOR   = toU64(9)
	destAND  = toU64(10)
	destMIN  = toU64(11)
	destMAX  = toU64(12)
	destMINU = toU64(13)
	destMAXU = toU64(14)
)

// Step runs a single instruction against the state. Guest faults surface as
// the typed errors of this package (*SegFault, *IllegalInstruction,
// *Breakpoint, *UnsupportedSyscall); anything else is an emulator bug or an
// I/O failure on the host side.
func Step(s *VMState, sys SyscallTable, env *SyscallEnv) (outErr error) {
	if s.Exited {
		return nil
	}

	pc := s.getPC()

	defer func() {
		if r := recover(); r != nil {
			switch e := r.(type) {
			case *SegFault:
				outErr = e
			case *IllegalInstruction:
				if e.PC == 0 {
					e.PC = pc
				}
				outErr = e
			case error:
				outErr = e
			default:
				outErr = fmt.Errorf("unexpected fault at pc=0x%x: %v", pc, r)
			}
		}
	}()

	loadMem := s.loadMem
	storeMem := s.storeMem
	loadRegister := s.loadRegister
	writeRegister := s.writeRegister
	loadFRegister := s.loadFRegister
	writeFRegister := s.writeFRegister
	writeFRegisterS := s.writeFRegisterS
	setLoadReservation := s.setLoadReservation
	getLoadReservation := s.getLoadReservation
	setPC := s.setPC

	inst, err := Decode(s.loadInsn(pc))
	if err != nil {
		panic(err)
	}

	instr := inst.Word
	opcode := inst.Opcode
	rd := inst.Rd
	funct3 := inst.Funct3
	rs1 := inst.Rs1
	rs2 := inst.Rs2
	funct7 := inst.Funct7

	illegal := func() {
		panic(&IllegalInstruction{PC: pc, Raw: uint32(instr)})
	}

	// effective rounding mode out of the rm field (funct3 for OP-FP)
	roundMode := func(rm U64) U64 {
		mode, ok := s.resolveRM(rm)
		if !ok {
			illegal()
		}
		return mode
	}

	// f32 operand, unboxed
	fregS := func(reg U64) uint32 {
		return unboxF32(loadFRegister(reg))
	}

	opMem := func(op U64, addr U64, size U64, value U64) U64 {
		v := loadMem(addr, size, true)
		out := v
		switch op {
		case destADD:
			v = add64(v, value)
		case destSWAP:
			v = value
		case destXOR:
			v = xor64(v, value)
		case destOR:
			v = or64(v, value)
		case destAND:
			v = and64(v, value)
		case destMIN:
			if slt64(value, v) != 0 {
				v = value
			}
		case destMAX:
			if sgt64(value, v) != 0 {
				v = value
			}
		case destMINU:
			if lt64(value, v) != 0 {
				v = value
			}
		case destMAXU:
			if gt64(value, v) != 0 {
				v = value
			}
		default:
			panic(fmt.Errorf("unrecognized mem op: %d", op))
		}
		if eq64(size, toU64(4)) != 0 {
			v = and64(v, u32Mask())
		}
		storeMem(addr, size, v)
		return out
	}

	updateCSR := func(num U64, v U64, mode U64) (out U64) {
		out = s.readCSR(num)
		switch mode {
		case 1: // ?01 = CSRRW(I)
		case 2: // ?10 = CSRRS(I)
			v = or64(out, v)
		case 3: // ?11 = CSRRC(I)
			v = and64(out, not64(v))
		default:
			panic(fmt.Errorf("unknown CSR mode: %d", mode))
		}
		s.writeCSR(num, v)
		return
	}

	switch opcode {
	case 0x03: // 000_0011: memory loading
		// LB, LH, LW, LD, LBU, LHU, LWU
		imm := parseImmTypeI(instr)
		signed := iszero64(and64(funct3, toU64(4)))      // 4 = 100 -> bitflag
		size := shl64(and64(funct3, toU64(3)), toU64(1)) // 3 = 11 -> 1, 2, 4, 8 bytes size
		rs1Value := loadRegister(rs1)
		memIndex := add64(rs1Value, imm)
		rdValue := loadMem(memIndex, size, signed)
		writeRegister(rd, rdValue)
		setPC(add64(pc, inst.Size))
	case 0x23: // 010_0011: memory storing
		// SB, SH, SW, SD
		imm := parseImmTypeS(instr)
		size := shl64(funct3, toU64(1))
		value := loadRegister(rs2)
		rs1Value := loadRegister(rs1)
		memIndex := add64(rs1Value, imm)
		storeMem(memIndex, size, value)
		setPC(add64(pc, inst.Size))
	case 0x63: // 110_0011: branching
		rs1Value := loadRegister(rs1)
		rs2Value := loadRegister(rs2)
		branchHit := toU64(0)
		switch funct3 {
		case 0: // 000 = BEQ
			branchHit = eq64(rs1Value, rs2Value)
		case 1: // 001 = BNE
			branchHit = and64(not64(eq64(rs1Value, rs2Value)), toU64(1))
		case 4: // 100 = BLT
			branchHit = slt64(rs1Value, rs2Value)
		case 5: // 101 = BGE
			branchHit = and64(not64(slt64(rs1Value, rs2Value)), toU64(1))
		case 6: // 110 = BLTU
			branchHit = lt64(rs1Value, rs2Value)
		case 7: // 111 = BGEU
			branchHit = and64(not64(lt64(rs1Value, rs2Value)), toU64(1))
		default:
			illegal()
		}
		switch branchHit {
		case 0:
			pc = add64(pc, inst.Size)
		default:
			// signed offset in multiples of 2 bytes
			pc = add64(pc, parseImmTypeB(instr))
		}
		// nothing to write to rd register, and PC has already changed
		setPC(pc)
	case 0x13: // 001_0011: immediate arithmetic and logic
		rs1Value := loadRegister(rs1)
		imm := parseImmTypeI(instr)
		var rdValue U64
		switch funct3 {
		case 0: // 000 = ADDI
			rdValue = add64(rs1Value, imm)
		case 1: // 001 = SLLI
			rdValue = shl64(and64(imm, toU64(0x3F)), rs1Value) // lower 6 bits in 64 bit mode
		case 2: // 010 = SLTI
			rdValue = slt64(rs1Value, imm)
		case 3: // 011 = SLTIU
			rdValue = lt64(rs1Value, imm)
		case 4: // 100 = XORI
			rdValue = xor64(rs1Value, imm)
		case 5: // 101 = SR~
			switch shr64(toU64(6), and64(imm, shortToU64(0xFFF))) { // the top 6 bits select the shift type
			case 0x00: // 000000 = SRLI
				rdValue = shr64(and64(imm, toU64(0x3F)), rs1Value)
			case 0x10: // 010000 = SRAI
				rdValue = sar64(and64(imm, toU64(0x3F)), rs1Value)
			default:
				illegal()
			}
		case 6: // 110 = ORI
			rdValue = or64(rs1Value, imm)
		case 7: // 111 = ANDI
			rdValue = and64(rs1Value, imm)
		}
		writeRegister(rd, rdValue)
		setPC(add64(pc, inst.Size))
	case 0x1B: // 001_1011: immediate arithmetic and logic signed 32 bit
		rs1Value := loadRegister(rs1)
		imm := parseImmTypeI(instr)
		var rdValue U64
		switch funct3 {
		case 0: // 000 = ADDIW
			rdValue = mask32Signed64(add64(rs1Value, imm))
		case 1: // 001 = SLLIW
			rdValue = mask32Signed64(shl64(and64(imm, toU64(0x1F)), rs1Value))
		case 5: // 101 = SR~
			shamt := and64(imm, toU64(0x1F))
			switch shr64(toU64(6), and64(imm, shortToU64(0xFFF))) {
			case 0x00: // 000000 = SRLIW
				rdValue = signExtend64(shr64(shamt, and64(rs1Value, u32Mask())), toU64(31))
			case 0x10: // 010000 = SRAIW
				rdValue = signExtend64(shr64(shamt, and64(rs1Value, u32Mask())), sub64(toU64(31), shamt))
			default:
				illegal()
			}
		default:
			illegal()
		}
		writeRegister(rd, rdValue)
		setPC(add64(pc, inst.Size))
	case 0x33: // 011_0011: register arithmetic and logic
		rs1Value := loadRegister(rs1)
		rs2Value := loadRegister(rs2)
		var rdValue U64
		switch funct7 {
		case 1: // RV M extension
			switch funct3 {
			case 0: // 000 = MUL: signed x signed
				rdValue = mul64(rs1Value, rs2Value)
			case 1: // 001 = MULH: upper bits of signed x signed
				rdValue = mulh64(rs1Value, rs2Value)
			case 2: // 010 = MULHSU: upper bits of signed x unsigned
				rdValue = mulhsu64(rs1Value, rs2Value)
			case 3: // 011 = MULHU: upper bits of unsigned x unsigned
				rdValue = mulhu64(rs1Value, rs2Value)
			case 4: // 100 = DIV
				switch rs2Value {
				case 0:
					rdValue = u64Mask()
				default:
					rdValue = sdiv64(rs1Value, rs2Value)
				}
			case 5: // 101 = DIVU
				switch rs2Value {
				case 0:
					rdValue = u64Mask()
				default:
					rdValue = div64(rs1Value, rs2Value)
				}
			case 6: // 110 = REM
				switch rs2Value {
				case 0:
					rdValue = rs1Value
				default:
					rdValue = smod64(rs1Value, rs2Value)
				}
			case 7: // 111 = REMU
				switch rs2Value {
				case 0:
					rdValue = rs1Value
				default:
					rdValue = mod64(rs1Value, rs2Value)
				}
			}
		default:
			switch funct3 {
			case 0: // 000 = ADD/SUB
				switch funct7 {
				case 0x00: // 0000000 = ADD
					rdValue = add64(rs1Value, rs2Value)
				case 0x20: // 0100000 = SUB
					rdValue = sub64(rs1Value, rs2Value)
				default:
					illegal()
				}
			case 1: // 001 = SLL
				rdValue = shl64(and64(rs2Value, toU64(0x3F)), rs1Value) // only the low 6 bits are considered
			case 2: // 010 = SLT
				rdValue = slt64(rs1Value, rs2Value)
			case 3: // 011 = SLTU
				rdValue = lt64(rs1Value, rs2Value)
			case 4: // 100 = XOR
				rdValue = xor64(rs1Value, rs2Value)
			case 5: // 101 = SR~
				switch funct7 {
				case 0x00: // 0000000 = SRL
					rdValue = shr64(and64(rs2Value, toU64(0x3F)), rs1Value) // logical: fill with zeroes
				case 0x20: // 0100000 = SRA
					rdValue = sar64(and64(rs2Value, toU64(0x3F)), rs1Value) // arithmetic: sign bit is extended
				default:
					illegal()
				}
			case 6: // 110 = OR
				rdValue = or64(rs1Value, rs2Value)
			case 7: // 111 = AND
				rdValue = and64(rs1Value, rs2Value)
			}
		}
		writeRegister(rd, rdValue)
		setPC(add64(pc, inst.Size))
	case 0x3B: // 011_1011: register arithmetic and logic in 32 bits
		rs1Value := loadRegister(rs1)
		rs2Value := loadRegister(rs2)
		var rdValue U64
		switch funct7 {
		case 1: // RV M extension
			switch funct3 {
			case 0: // 000 = MULW
				rdValue = mask32Signed64(mul64(and64(rs1Value, u32Mask()), and64(rs2Value, u32Mask())))
			case 4: // 100 = DIVW
				switch and64(rs2Value, u32Mask()) {
				case 0:
					rdValue = u64Mask()
				default:
					rdValue = mask32Signed64(sdiv64(mask32Signed64(rs1Value), mask32Signed64(rs2Value)))
				}
			case 5: // 101 = DIVUW
				switch and64(rs2Value, u32Mask()) {
				case 0:
					rdValue = u64Mask()
				default:
					rdValue = mask32Signed64(div64(and64(rs1Value, u32Mask()), and64(rs2Value, u32Mask())))
				}
			case 6: // 110 = REMW
				switch and64(rs2Value, u32Mask()) {
				case 0:
					rdValue = mask32Signed64(rs1Value)
				default:
					rdValue = mask32Signed64(smod64(mask32Signed64(rs1Value), mask32Signed64(rs2Value)))
				}
			case 7: // 111 = REMUW
				switch and64(rs2Value, u32Mask()) {
				case 0:
					rdValue = mask32Signed64(rs1Value)
				default:
					rdValue = mask32Signed64(mod64(and64(rs1Value, u32Mask()), and64(rs2Value, u32Mask())))
				}
			default:
				illegal()
			}
		default:
			switch funct3 {
			case 0: // 000 = ADDW/SUBW
				switch funct7 {
				case 0x00: // 0000000 = ADDW
					rdValue = mask32Signed64(add64(and64(rs1Value, u32Mask()), and64(rs2Value, u32Mask())))
				case 0x20: // 0100000 = SUBW
					rdValue = mask32Signed64(sub64(and64(rs1Value, u32Mask()), and64(rs2Value, u32Mask())))
				default:
					illegal()
				}
			case 1: // 001 = SLLW
				rdValue = mask32Signed64(shl64(and64(rs2Value, toU64(0x1F)), rs1Value))
			case 5: // 101 = SR~
				shamt := and64(rs2Value, toU64(0x1F))
				switch funct7 {
				case 0x00: // 0000000 = SRLW
					rdValue = signExtend64(shr64(shamt, and64(rs1Value, u32Mask())), toU64(31))
				case 0x20: // 0100000 = SRAW
					rdValue = signExtend64(shr64(shamt, and64(rs1Value, u32Mask())), sub64(toU64(31), shamt))
				default:
					illegal()
				}
			default:
				illegal()
			}
		}
		writeRegister(rd, rdValue)
		setPC(add64(pc, inst.Size))
	case 0x37: // 011_0111: LUI = Load upper immediate
		writeRegister(rd, parseImmTypeU(instr))
		setPC(add64(pc, inst.Size))
	case 0x17: // 001_0111: AUIPC = Add upper immediate to PC
		writeRegister(rd, add64(pc, parseImmTypeU(instr)))
		setPC(add64(pc, inst.Size))
	case 0x6F: // 110_1111: JAL = Jump and link
		writeRegister(rd, add64(pc, inst.Size))
		setPC(add64(pc, parseImmTypeJ(instr))) // signed offset in multiples of 2 bytes
	case 0x67: // 110_0111: JALR = Jump and link register
		rs1Value := loadRegister(rs1)
		imm := parseImmTypeI(instr)
		writeRegister(rd, add64(pc, inst.Size))
		setPC(and64(add64(rs1Value, imm), xor64(u64Mask(), toU64(1)))) // least significant bit is set to 0
	case 0x73: // 111_0011: environment things
		switch funct3 {
		case 0: // 000 = ECALL/EBREAK
			switch shr64(toU64(20), instr) { // I-type, top 12 bits
			case 0: // imm12 = 000000000000 ECALL
				if err := sys.Invoke(s, env); err != nil {
					panic(err)
				}
				// the kernel returns past the ecall, unless the call exited
				setPC(add64(pc, inst.Size))
			case 1: // imm12 = 000000000001 EBREAK
				panic(&Breakpoint{PC: pc})
			default:
				illegal()
			}
		case 4:
			illegal()
		default: // CSR instructions
			num := parseCSR(instr)
			value := rs1
			if iszero64(and64(funct3, toU64(4))) {
				value = loadRegister(rs1)
			}
			mode := and64(funct3, toU64(3))
			rdValue := updateCSR(num, value, mode)
			writeRegister(rd, rdValue)
			setPC(add64(pc, inst.Size))
		}
	case 0x2F: // 010_1111: RV32A and RV64A atomic operations extension
		// The aq/rl ordering bits are no-ops here: a single in-order hart has
		// nothing to acquire or release against.

		// 0b010 == W variants, 0b011 == D variants
		size := shl64(funct3, toU64(1))
		if lt64(size, toU64(4)) != 0 || gt64(size, toU64(8)) != 0 {
			illegal()
		}
		addr := loadRegister(rs1)
		if !iszero64(and64(addr, sub64(size, toU64(1)))) {
			panic(&SegFault{Addr: addr, Width: size, Perm: permRead | permWrite})
		}

		op := shr64(toU64(2), funct7)
		switch op {
		case 0x2: // 00010 = LR = Load Reserved
			v := loadMem(addr, size, true)
			writeRegister(rd, v)
			setLoadReservation(addr)
		case 0x3: // 00011 = SC = Store Conditional
			rdValue := toU64(1)
			if eq64(addr, getLoadReservation()) != 0 {
				rs2Value := loadRegister(rs2)
				storeMem(addr, size, rs2Value)
				rdValue = toU64(0)
			}
			writeRegister(rd, rdValue)
			setLoadReservation(toU64(0))
		default: // AMO: Atomic Memory Operation
			rs2Value := loadRegister(rs2)
			if eq64(size, toU64(4)) != 0 {
				rs2Value = mask32Signed64(rs2Value)
			}
			var dest U64
			switch op {
			case 0x0: // 00000 = AMOADD = add
				dest = destADD
			case 0x1: // 00001 = AMOSWAP
				dest = destSWAP
			case 0x4: // 00100 = AMOXOR = xor
				dest = destXOR
			case 0x8: // 01000 = AMOOR = or
				dest = destOR
			case 0xc: // 01100 = AMOAND = and
				dest = destAND
			case 0x10: // 10000 = AMOMIN = min signed
				dest = destMIN
			case 0x14: // 10100 = AMOMAX = max signed
				dest = destMAX
			case 0x18: // 11000 = AMOMINU = min unsigned
				dest = destMINU
			case 0x1c: // 11100 = AMOMAXU = max unsigned
				dest = destMAXU
			default:
				illegal()
			}
			rdValue := opMem(dest, addr, size, rs2Value)
			writeRegister(rd, rdValue)
		}
		setPC(add64(pc, inst.Size))
	case 0x0F: // 000_1111: fence
		// FENCE / FENCE.TSO / FENCE.I all no-op: one hart, no pipeline,
		// nothing to synchronize.
		setPC(add64(pc, inst.Size))
	case 0x07: // 000_0111: FLW/FLD
		imm := parseImmTypeI(instr)
		addr := add64(loadRegister(rs1), imm)
		switch funct3 {
		case 2: // FLW
			writeFRegisterS(rd, uint32(loadMem(addr, toU64(4), false)))
		case 3: // FLD
			writeFRegister(rd, loadMem(addr, toU64(8), false))
		default:
			illegal()
		}
		setPC(add64(pc, inst.Size))
	case 0x27: // 010_0111: FSW/FSD
		imm := parseImmTypeS(instr)
		addr := add64(loadRegister(rs1), imm)
		switch funct3 {
		case 2: // FSW: the raw low word goes out, boxed or not
			storeMem(addr, toU64(4), and64(loadFRegister(rs2), u32Mask()))
		case 3: // FSD
			storeMem(addr, toU64(8), loadFRegister(rs2))
		default:
			illegal()
		}
		setPC(add64(pc, inst.Size))
	case 0x43, 0x47, 0x4B, 0x4F: // FMADD / FMSUB / FNMSUB / FNMADD
		roundMode(funct3)
		rs3 := parseRs3(instr)
		fused := func(a, b, c float64) float64 {
			switch opcode {
			case 0x43: // a*b + c
				return math.FMA(a, b, c)
			case 0x47: // a*b - c
				return math.FMA(a, b, -c)
			case 0x4B: // -(a*b) + c
				return math.FMA(-a, b, c)
			default: // 0x4F: -(a*b) - c
				return math.FMA(-a, b, -c)
			}
		}
		switch and64(funct7, toU64(3)) {
		case 0: // single
			a, b, c := fregS(rs1), fregS(rs2), fregS(rs3)
			res := float32(fused(
				float64(math.Float32frombits(a)),
				float64(math.Float32frombits(b)),
				float64(math.Float32frombits(c)),
			))
			s.FFlags |= fusedFlagsS(res, a, b, c)
			writeFRegisterS(rd, checkNaN32(res))
		case 1: // double
			a, b, c := loadFRegister(rs1), loadFRegister(rs2), loadFRegister(rs3)
			res := fused(math.Float64frombits(a), math.Float64frombits(b), math.Float64frombits(c))
			s.FFlags |= fusedFlagsD(res, a, b, c)
			writeFRegister(rd, checkNaN64(res))
		default:
			illegal()
		}
		setPC(add64(pc, inst.Size))
	case 0x53: // 101_0011: OP-FP
		switch funct7 {
		case 0x00: // FADD.S
			a, b := fregS(rs1), fregS(rs2)
			roundMode(funct3)
			res := math.Float32frombits(a) + math.Float32frombits(b)
			s.FFlags |= arithFlagsS(res, a, b)
			writeFRegisterS(rd, checkNaN32(res))
		case 0x01: // FADD.D
			a, b := loadFRegister(rs1), loadFRegister(rs2)
			roundMode(funct3)
			res := math.Float64frombits(a) + math.Float64frombits(b)
			s.FFlags |= arithFlagsD(res, a, b)
			writeFRegister(rd, checkNaN64(res))
		case 0x04: // FSUB.S
			a, b := fregS(rs1), fregS(rs2)
			roundMode(funct3)
			res := math.Float32frombits(a) - math.Float32frombits(b)
			s.FFlags |= arithFlagsS(res, a, b)
			writeFRegisterS(rd, checkNaN32(res))
		case 0x05: // FSUB.D
			a, b := loadFRegister(rs1), loadFRegister(rs2)
			roundMode(funct3)
			res := math.Float64frombits(a) - math.Float64frombits(b)
			s.FFlags |= arithFlagsD(res, a, b)
			writeFRegister(rd, checkNaN64(res))
		case 0x08: // FMUL.S
			a, b := fregS(rs1), fregS(rs2)
			roundMode(funct3)
			res := math.Float32frombits(a) * math.Float32frombits(b)
			s.FFlags |= arithFlagsS(res, a, b)
			writeFRegisterS(rd, checkNaN32(res))
		case 0x09: // FMUL.D
			a, b := loadFRegister(rs1), loadFRegister(rs2)
			roundMode(funct3)
			res := math.Float64frombits(a) * math.Float64frombits(b)
			s.FFlags |= arithFlagsD(res, a, b)
			writeFRegister(rd, checkNaN64(res))
		case 0x0C: // FDIV.S
			a, b := fregS(rs1), fregS(rs2)
			roundMode(funct3)
			fa, fb := math.Float32frombits(a), math.Float32frombits(b)
			res := fa / fb
			s.FFlags |= arithFlagsS(res, a, b)
			if fb == 0 && fa == fa && fa != 0 && !math.IsInf(float64(fa), 0) {
				s.FFlags |= riscv.FflagsDZ
			}
			writeFRegisterS(rd, checkNaN32(res))
		case 0x0D: // FDIV.D
			a, b := loadFRegister(rs1), loadFRegister(rs2)
			roundMode(funct3)
			fa, fb := math.Float64frombits(a), math.Float64frombits(b)
			res := fa / fb
			s.FFlags |= arithFlagsD(res, a, b)
			if fb == 0 && fa == fa && fa != 0 && !math.IsInf(fa, 0) {
				s.FFlags |= riscv.FflagsDZ
			}
			writeFRegister(rd, checkNaN64(res))
		case 0x10: // FSGNJ.S / FSGNJN.S / FSGNJX.S
			a, b := fregS(rs1), fregS(rs2)
			var sign uint32
			switch funct3 {
			case 0: // FSGNJ
				sign = b & 0x8000_0000
			case 1: // FSGNJN
				sign = ^b & 0x8000_0000
			case 2: // FSGNJX
				sign = (a ^ b) & 0x8000_0000
			default:
				illegal()
			}
			writeFRegisterS(rd, a&0x7fff_ffff|sign)
		case 0x11: // FSGNJ.D / FSGNJN.D / FSGNJX.D
			a, b := loadFRegister(rs1), loadFRegister(rs2)
			var sign uint64
			switch funct3 {
			case 0:
				sign = b & (1 << 63)
			case 1:
				sign = ^b & (1 << 63)
			case 2:
				sign = (a ^ b) & (1 << 63)
			default:
				illegal()
			}
			writeFRegister(rd, a&^(uint64(1)<<63)|sign)
		case 0x14: // FMIN.S / FMAX.S
			a, b := fregS(rs1), fregS(rs2)
			var res uint32
			var flags uint64
			switch funct3 {
			case 0:
				res, flags = fminS(a, b)
			case 1:
				res, flags = fmaxS(a, b)
			default:
				illegal()
			}
			s.FFlags |= flags
			writeFRegisterS(rd, res)
		case 0x15: // FMIN.D / FMAX.D
			a, b := loadFRegister(rs1), loadFRegister(rs2)
			var res uint64
			var flags uint64
			switch funct3 {
			case 0:
				res, flags = fminD(a, b)
			case 1:
				res, flags = fmaxD(a, b)
			default:
				illegal()
			}
			s.FFlags |= flags
			writeFRegister(rd, res)
		case 0x20: // FCVT.S.D
			if rs2 != 1 {
				illegal()
			}
			roundMode(funct3)
			bits := loadFRegister(rs1)
			if isSNaN64(bits) {
				s.FFlags |= riscv.FflagsNV
			}
			res, flags := fcvtSFromD(math.Float64frombits(bits))
			s.FFlags |= flags
			writeFRegisterS(rd, res)
		case 0x21: // FCVT.D.S
			if rs2 != 0 {
				illegal()
			}
			bits := fregS(rs1)
			if isNaN32(bits) {
				if isSNaN32(bits) {
					s.FFlags |= riscv.FflagsNV
				}
				writeFRegister(rd, canonicalNaN64)
			} else {
				// widening is exact
				writeFRegister(rd, math.Float64bits(float64(math.Float32frombits(bits))))
			}
		case 0x2C: // FSQRT.S
			if rs2 != 0 {
				illegal()
			}
			roundMode(funct3)
			bits := fregS(rs1)
			f := math.Float32frombits(bits)
			if f < 0 || isSNaN32(bits) {
				s.FFlags |= riscv.FflagsNV
			}
			writeFRegisterS(rd, checkNaN32(float32(math.Sqrt(float64(f)))))
		case 0x2D: // FSQRT.D
			if rs2 != 0 {
				illegal()
			}
			roundMode(funct3)
			bits := loadFRegister(rs1)
			f := math.Float64frombits(bits)
			if f < 0 || isSNaN64(bits) {
				s.FFlags |= riscv.FflagsNV
			}
			writeFRegister(rd, checkNaN64(math.Sqrt(f)))
		case 0x50: // FLE.S / FLT.S / FEQ.S
			a, b := fregS(rs1), fregS(rs2)
			fa, fb := math.Float32frombits(a), math.Float32frombits(b)
			var rdValue U64
			switch funct3 {
			case 0: // FLE
				if isNaN32(a) || isNaN32(b) {
					s.FFlags |= riscv.FflagsNV
				} else if fa <= fb {
					rdValue = 1
				}
			case 1: // FLT
				if isNaN32(a) || isNaN32(b) {
					s.FFlags |= riscv.FflagsNV
				} else if fa < fb {
					rdValue = 1
				}
			case 2: // FEQ: quiet, only signaling NaNs raise NV
				if isSNaN32(a) || isSNaN32(b) {
					s.FFlags |= riscv.FflagsNV
				}
				if !isNaN32(a) && !isNaN32(b) && fa == fb {
					rdValue = 1
				}
			default:
				illegal()
			}
			writeRegister(rd, rdValue)
		case 0x51: // FLE.D / FLT.D / FEQ.D
			a, b := loadFRegister(rs1), loadFRegister(rs2)
			fa, fb := math.Float64frombits(a), math.Float64frombits(b)
			var rdValue U64
			switch funct3 {
			case 0:
				if isNaN64(a) || isNaN64(b) {
					s.FFlags |= riscv.FflagsNV
				} else if fa <= fb {
					rdValue = 1
				}
			case 1:
				if isNaN64(a) || isNaN64(b) {
					s.FFlags |= riscv.FflagsNV
				} else if fa < fb {
					rdValue = 1
				}
			case 2:
				if isSNaN64(a) || isSNaN64(b) {
					s.FFlags |= riscv.FflagsNV
				}
				if !isNaN64(a) && !isNaN64(b) && fa == fb {
					rdValue = 1
				}
			default:
				illegal()
			}
			writeRegister(rd, rdValue)
		case 0x60, 0x61: // FCVT.{W,WU,L,LU}.{S,D}
			rm := roundMode(funct3)
			var src float64
			if funct7 == 0x60 {
				src = float64(math.Float32frombits(fregS(rs1)))
			} else {
				src = math.Float64frombits(loadFRegister(rs1))
			}
			var rdValue, flags U64
			switch rs2 {
			case 0:
				rdValue, flags = fcvtW(src, rm)
			case 1:
				rdValue, flags = fcvtWU(src, rm)
			case 2:
				rdValue, flags = fcvtL(src, rm)
			case 3:
				rdValue, flags = fcvtLU(src, rm)
			default:
				illegal()
			}
			s.FFlags |= flags
			writeRegister(rd, rdValue)
		case 0x68: // FCVT.S.{W,WU,L,LU}
			roundMode(funct3)
			v := loadRegister(rs1)
			var res float32
			switch rs2 {
			case 0:
				res = float32(int32(v))
			case 1:
				res = float32(uint32(v))
			case 2:
				res = float32(int64(v))
			case 3:
				res = float32(v)
			default:
				illegal()
			}
			writeFRegisterS(rd, math.Float32bits(res))
		case 0x69: // FCVT.D.{W,WU,L,LU}
			roundMode(funct3)
			v := loadRegister(rs1)
			var res float64
			switch rs2 {
			case 0:
				res = float64(int32(v))
			case 1:
				res = float64(uint32(v))
			case 2:
				res = float64(int64(v))
			case 3:
				res = float64(v)
			default:
				illegal()
			}
			writeFRegister(rd, math.Float64bits(res))
		case 0x70: // FMV.X.W / FCLASS.S
			switch funct3 {
			case 0: // the raw low word, sign-extended, boxed or not
				writeRegister(rd, mask32Signed64(loadFRegister(rs1)))
			case 1:
				writeRegister(rd, fclassS(fregS(rs1)))
			default:
				illegal()
			}
		case 0x71: // FMV.X.D / FCLASS.D
			switch funct3 {
			case 0:
				writeRegister(rd, loadFRegister(rs1))
			case 1:
				writeRegister(rd, fclassD(loadFRegister(rs1)))
			default:
				illegal()
			}
		case 0x78: // FMV.W.X
			if funct3 != 0 {
				illegal()
			}
			writeFRegisterS(rd, uint32(loadRegister(rs1)))
		case 0x79: // FMV.D.X
			if funct3 != 0 {
				illegal()
			}
			writeFRegister(rd, loadRegister(rs1))
		default:
			illegal()
		}
		setPC(add64(pc, inst.Size))
	default:
		illegal()
	}
	return nil
}

// arithFlagsS reports the invalid-operation flag for a single-precision
// arithmetic result: signaling NaN inputs, or a NaN conjured out of non-NaN
// operands (inf-inf, 0*inf, 0/0, inf/inf).
func arithFlagsS(res float32, a, b uint32) uint64 {
	var flags uint64
	if isSNaN32(a) || isSNaN32(b) {
		flags |= riscv.FflagsNV
	}
	if res != res && !isNaN32(a) && !isNaN32(b) {
		flags |= riscv.FflagsNV
	}
	return flags
}

func arithFlagsD(res float64, a, b uint64) uint64 {
	var flags uint64
	if isSNaN64(a) || isSNaN64(b) {
		flags |= riscv.FflagsNV
	}
	if res != res && !isNaN64(a) && !isNaN64(b) {
		flags |= riscv.FflagsNV
	}
	return flags
}

func fusedFlagsS(res float32, a, b, c uint32) uint64 {
	var flags uint64
	if isSNaN32(a) || isSNaN32(b) || isSNaN32(c) {
		flags |= riscv.FflagsNV
	}
	if res != res && !isNaN32(a) && !isNaN32(b) && !isNaN32(c) {
		flags |= riscv.FflagsNV
	}
	return flags
}

func fusedFlagsD(res float64, a, b, c uint64) uint64 {
	var flags uint64
	if isSNaN64(a) || isSNaN64(b) || isSNaN64(c) {
		flags |= riscv.FflagsNV
	}
	if res != res && !isNaN64(a) && !isNaN64(b) && !isNaN64(c) {
		flags |= riscv.FflagsNV
	}
	return flags
}
