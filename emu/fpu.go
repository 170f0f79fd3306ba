package emu

import (
	"math"

	"github.com/rivulet-emu/rivulet/riscv"
)

// Floating point support routines. Single-precision values live NaN-boxed in
// the 64-bit register file: the low 32 bits hold the f32, the upper 32 bits
// are all-ones. A slot whose upper half is anything else is not a valid f32
// and reads back as the canonical quiet NaN.

const (
	canonicalNaN32 = uint32(0x7fc0_0000)
	canonicalNaN64 = uint64(0x7ff8_0000_0000_0000)

	nanBoxMask = uint64(0xFFFF_FFFF_0000_0000)
)

func nanboxF32(bits uint32) uint64 {
	return nanBoxMask | uint64(bits)
}

func unboxF32(v uint64) uint32 {
	if v&nanBoxMask == nanBoxMask {
		return uint32(v)
	}
	return canonicalNaN32
}

func isNaN32(bits uint32) bool {
	return bits&0x7f80_0000 == 0x7f80_0000 && bits&0x007f_ffff != 0
}

// isSNaN32: NaN with the quiet bit clear.
func isSNaN32(bits uint32) bool {
	return isNaN32(bits) && bits&0x0040_0000 == 0
}

func isNaN64(bits uint64) bool {
	return bits&0x7ff0_0000_0000_0000 == 0x7ff0_0000_0000_0000 && bits&0x000f_ffff_ffff_ffff != 0
}

func isSNaN64(bits uint64) bool {
	return isNaN64(bits) && bits&0x0008_0000_0000_0000 == 0
}

// resolveRM turns an instruction rm field into an effective rounding mode,
// consulting the frm CSR for DYN. The bool is false for the reserved
// encodings, which make the instruction illegal.
func (s *VMState) resolveRM(rm uint64) (uint64, bool) {
	if rm == riscv.FrmDYN {
		rm = s.FRM
	}
	switch rm {
	case riscv.FrmRNE, riscv.FrmRTZ, riscv.FrmRDN, riscv.FrmRUP, riscv.FrmRMM:
		return rm, true
	default:
		return 0, false
	}
}

func roundRM(v float64, rm uint64) float64 {
	switch rm {
	case riscv.FrmRTZ:
		return math.Trunc(v)
	case riscv.FrmRDN:
		return math.Floor(v)
	case riscv.FrmRUP:
		return math.Ceil(v)
	case riscv.FrmRMM:
		return math.Round(v)
	default: // RNE
		return math.RoundToEven(v)
	}
}

// fminS and friends implement the fmin/fmax NaN rules: one NaN operand yields
// the other operand, two NaNs yield the canonical NaN, and a signaling NaN
// raises NV. -0.0 orders below +0.0.

func fminS(a, b uint32) (uint32, uint64) {
	var flags uint64
	if isSNaN32(a) || isSNaN32(b) {
		flags = riscv.FflagsNV
	}
	switch {
	case isNaN32(a) && isNaN32(b):
		return canonicalNaN32, flags
	case isNaN32(a):
		return b, flags
	case isNaN32(b):
		return a, flags
	}
	fa, fb := math.Float32frombits(a), math.Float32frombits(b)
	if fa == fb { // pick the negative zero
		if a&0x8000_0000 != 0 {
			return a, flags
		}
		return b, flags
	}
	if fa < fb {
		return a, flags
	}
	return b, flags
}

func fmaxS(a, b uint32) (uint32, uint64) {
	var flags uint64
	if isSNaN32(a) || isSNaN32(b) {
		flags = riscv.FflagsNV
	}
	switch {
	case isNaN32(a) && isNaN32(b):
		return canonicalNaN32, flags
	case isNaN32(a):
		return b, flags
	case isNaN32(b):
		return a, flags
	}
	fa, fb := math.Float32frombits(a), math.Float32frombits(b)
	if fa == fb { // pick the positive zero
		if a&0x8000_0000 == 0 {
			return a, flags
		}
		return b, flags
	}
	if fa > fb {
		return a, flags
	}
	return b, flags
}

func fminD(a, b uint64) (uint64, uint64) {
	var flags uint64
	if isSNaN64(a) || isSNaN64(b) {
		flags = riscv.FflagsNV
	}
	switch {
	case isNaN64(a) && isNaN64(b):
		return canonicalNaN64, flags
	case isNaN64(a):
		return b, flags
	case isNaN64(b):
		return a, flags
	}
	fa, fb := math.Float64frombits(a), math.Float64frombits(b)
	if fa == fb {
		if a&(1<<63) != 0 {
			return a, flags
		}
		return b, flags
	}
	if fa < fb {
		return a, flags
	}
	return b, flags
}

func fmaxD(a, b uint64) (uint64, uint64) {
	var flags uint64
	if isSNaN64(a) || isSNaN64(b) {
		flags = riscv.FflagsNV
	}
	switch {
	case isNaN64(a) && isNaN64(b):
		return canonicalNaN64, flags
	case isNaN64(a):
		return b, flags
	case isNaN64(b):
		return a, flags
	}
	fa, fb := math.Float64frombits(a), math.Float64frombits(b)
	if fa == fb {
		if a&(1<<63) == 0 {
			return a, flags
		}
		return b, flags
	}
	if fa > fb {
		return a, flags
	}
	return b, flags
}

// fclass categories, one bit set per value.
const (
	fclassNegInf = 1 << iota
	fclassNegNormal
	fclassNegSubnormal
	fclassNegZero
	fclassPosZero
	fclassPosSubnormal
	fclassPosNormal
	fclassPosInf
	fclassSNaN
	fclassQNaN
)

func fclassS(bits uint32) uint64 {
	sign := bits&0x8000_0000 != 0
	exp := (bits >> 23) & 0xff
	frac := bits & 0x007f_ffff
	switch {
	case exp == 0xff && frac != 0:
		if isSNaN32(bits) {
			return fclassSNaN
		}
		return fclassQNaN
	case exp == 0xff:
		if sign {
			return fclassNegInf
		}
		return fclassPosInf
	case exp == 0 && frac == 0:
		if sign {
			return fclassNegZero
		}
		return fclassPosZero
	case exp == 0:
		if sign {
			return fclassNegSubnormal
		}
		return fclassPosSubnormal
	default:
		if sign {
			return fclassNegNormal
		}
		return fclassPosNormal
	}
}

func fclassD(bits uint64) uint64 {
	sign := bits&(1<<63) != 0
	exp := (bits >> 52) & 0x7ff
	frac := bits & 0x000f_ffff_ffff_ffff
	switch {
	case exp == 0x7ff && frac != 0:
		if isSNaN64(bits) {
			return fclassSNaN
		}
		return fclassQNaN
	case exp == 0x7ff:
		if sign {
			return fclassNegInf
		}
		return fclassPosInf
	case exp == 0 && frac == 0:
		if sign {
			return fclassNegZero
		}
		return fclassPosZero
	case exp == 0:
		if sign {
			return fclassNegSubnormal
		}
		return fclassPosSubnormal
	default:
		if sign {
			return fclassNegNormal
		}
		return fclassPosNormal
	}
}

// Float-to-integer conversions. The source is widened to float64 first (exact
// for f32), rounded per rm, then saturated: out-of-range and NaN inputs clamp
// to the nearest representable bound and raise NV, in-range inexact results
// raise NX. W-form results come back sign-extended to 64 bits.

func fcvtW(v float64, rm uint64) (uint64, uint64) {
	if math.IsNaN(v) {
		return uint64(int64(math.MaxInt32)), riscv.FflagsNV
	}
	r := roundRM(v, rm)
	if r < math.MinInt32 {
		return ^uint64(math.MaxInt32), riscv.FflagsNV
	}
	if r > math.MaxInt32 {
		return uint64(int64(math.MaxInt32)), riscv.FflagsNV
	}
	var flags uint64
	if r != v {
		flags = riscv.FflagsNX
	}
	return uint64(int64(int32(r))), flags
}

func fcvtWU(v float64, rm uint64) (uint64, uint64) {
	if math.IsNaN(v) {
		return mask32Signed64(math.MaxUint32), riscv.FflagsNV
	}
	r := roundRM(v, rm)
	if r < 0 {
		return 0, riscv.FflagsNV
	}
	if r > math.MaxUint32 {
		return mask32Signed64(math.MaxUint32), riscv.FflagsNV
	}
	var flags uint64
	if r != v {
		flags = riscv.FflagsNX
	}
	return mask32Signed64(uint64(r)), flags
}

func fcvtL(v float64, rm uint64) (uint64, uint64) {
	if math.IsNaN(v) {
		return uint64(int64(math.MaxInt64)), riscv.FflagsNV
	}
	r := roundRM(v, rm)
	// 2^63 is exactly representable, MaxInt64 is not: compare against the
	// power of two on both sides.
	if r < -9223372036854775808.0 {
		return ^uint64(math.MaxInt64), riscv.FflagsNV
	}
	if r >= 9223372036854775808.0 {
		return uint64(int64(math.MaxInt64)), riscv.FflagsNV
	}
	var flags uint64
	if r != v {
		flags = riscv.FflagsNX
	}
	return uint64(int64(r)), flags
}

func fcvtLU(v float64, rm uint64) (uint64, uint64) {
	if math.IsNaN(v) {
		return math.MaxUint64, riscv.FflagsNV
	}
	r := roundRM(v, rm)
	if r < 0 {
		return 0, riscv.FflagsNV
	}
	if r >= 18446744073709551616.0 {
		return math.MaxUint64, riscv.FflagsNV
	}
	var flags uint64
	if r != v {
		flags = riscv.FflagsNX
	}
	return uint64(r), flags
}

// fcvtSFromD narrows with the double-rounding hazard accepted: Go's
// float32() rounds to nearest-even regardless of rm, which matches the only
// mode compiled guest code uses in practice. NX is still reported.
func fcvtSFromD(v float64) (uint32, uint64) {
	if math.IsNaN(v) {
		return canonicalNaN32, 0
	}
	f := float32(v)
	var flags uint64
	if float64(f) != v {
		flags = riscv.FflagsNX
		if math.IsInf(float64(f), 0) && !math.IsInf(v, 0) {
			flags |= riscv.FflagsOF
		}
	}
	return math.Float32bits(f), flags
}

// checkNaN32 canonicalizes NaN results of arithmetic, which must never leak
// input payload bits.
func checkNaN32(f float32) uint32 {
	if f != f {
		return canonicalNaN32
	}
	return math.Float32bits(f)
}

func checkNaN64(f float64) uint64 {
	if f != f {
		return canonicalNaN64
	}
	return math.Float64bits(f)
}
