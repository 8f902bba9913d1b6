package safetensors

import "math"

func float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h & 0x03ff)

	var bits uint32

	switch exp {
	case 0:
		if frac == 0 {
			bits = sign << 31
			break
		}

		e := int32(-14)
		for frac&0x0400 == 0 {
			frac <<= 1
			e--
		}

		frac &= 0x03ff
		bits = (sign << 31) | (uint32(e+127) << 23) | (frac << 13)
	case 0x1f:
		bits = (sign << 31) | 0x7f800000 | (frac << 13)
	default:
		bits = (sign << 31) | ((exp + 127 - 15) << 23) | (frac << 13)
	}

	return math.Float32frombits(bits)
}

// float32ToFloat16 rounds to nearest even. Values past the half range
// become infinity; NaN stays NaN.
func float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32(bits>>23) & 0xff
	frac := bits & 0x007fffff

	if exp == 0xff {
		if frac != 0 {
			return sign | 0x7e00
		}

		return sign | 0x7c00
	}

	e := exp - 127 + 15
	switch {
	case e >= 0x1f:
		return sign | 0x7c00
	case e <= 0:
		if e < -10 {
			return sign
		}

		// Subnormal half: shift the implicit leading one into the mantissa.
		m := frac | 0x00800000
		shift := uint32(14 - e)
		half := uint16(m >> shift)
		rem := m & (1<<shift - 1)
		mid := uint32(1) << (shift - 1)

		if rem > mid || (rem == mid && half&1 == 1) {
			half++
		}

		return sign | half
	}

	half := sign | uint16(e)<<10 | uint16(frac>>13)
	rem := frac & 0x1fff

	if rem > 0x1000 || (rem == 0x1000 && half&1 == 1) {
		// Carry may roll into the exponent, which rounds up to infinity correctly.
		half++
	}

	return half
}
