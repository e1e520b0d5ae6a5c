package protocol

import "math"

// IEEE-754 binary16 conversions with the standard 1/5/10 bit layout.
// Denormals are preserved where representable, overflow saturates to
// infinity, and NaN payloads survive to the extent ten mantissa bits
// allow.

// F32ToF16 converts a float32 to its binary16 bit pattern.
func F32ToF16(v float32) uint16 {
	bits := math.Float32bits(v)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int32((bits>>23)&0xff) - 127
	man := bits & 0x7fffff

	switch {
	case exp == 128: // Inf or NaN
		if man != 0 {
			nan := sign | 0x7c00 | uint16(man>>13)
			if nan&0x03ff == 0 {
				// NaN payload lost entirely in the shift; keep it NaN.
				nan |= 1
			}
			return nan
		}
		return sign | 0x7c00
	case exp > 15: // overflow
		return sign | 0x7c00
	case exp > -15: // normal
		return sign | uint16((exp+15)<<10) | uint16(man>>13)
	case exp >= -24: // denormal
		man |= 0x800000
		return sign | uint16(man>>uint32(-1-exp))
	default: // underflow to signed zero
		return sign
	}
}

// F16ToF32 converts a binary16 bit pattern to float32.
func F16ToF32(v uint16) float32 {
	sign := (uint32(v) & 0x8000) << 16
	exp := uint32(v>>10) & 0x1f
	man := uint32(v) & 0x3ff

	var bits uint32
	switch {
	case exp == 0:
		if man == 0 {
			bits = sign
		} else {
			// Normalise the denormal.
			e := uint32(1)
			for man&0x400 == 0 {
				man <<= 1
				e--
			}
			man &= 0x3ff
			bits = sign | (e+127-15)<<23 | man<<13
		}
	case exp == 31:
		bits = sign | 0x7f800000 | man<<13
	default:
		bits = sign | (exp+127-15)<<23 | man<<13
	}
	return math.Float32frombits(bits)
}
