package bulletin

import "math"

// Published values are quantized to six decimal places as a scaled integer
// mantissa with exponent -6.
const MantissaExponent = -6

// RoundHalfUp rounds to the nearest integer with halves toward +infinity,
// so -0.5 rounds to 0 and 0.5 rounds to 1.
func RoundHalfUp(x float64) float64 {
	return math.Floor(x + 0.5)
}

// Mantissa returns round_half_up(x*1e6) as an int64. Infinities and values
// beyond the int64 range saturate. NaN returns 0, though NaN cells publish
// as blank fields and never reach quantization.
func Mantissa(x float64) int64 {
	if math.IsNaN(x) {
		return 0
	}
	scaled := RoundHalfUp(x * 1e6)
	if scaled >= math.MaxInt64 {
		return math.MaxInt64
	}
	if scaled <= math.MinInt64 {
		return math.MinInt64
	}
	return int64(scaled)
}
