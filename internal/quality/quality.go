package quality

import (
	"math"
	"strings"
)

// Algorithm selects how the encode quality is derived from the file size.
type Algorithm string

const (
	Adaptive Algorithm = "adaptive"
	Linear   Algorithm = "linear"
	Fixed    Algorithm = "fixed"
)

const (
	MinQuality = 1
	MaxQuality = 100

	bytesPerMB = 1024 * 1024

	linearMaxReduction = 30
	linearFloor        = 50
)

// ParseAlgorithm returns the Algorithm named by s and whether it is known.
func ParseAlgorithm(s string) (Algorithm, bool) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case Adaptive:
		return Adaptive, true
	case Linear:
		return Linear, true
	case Fixed:
		return Fixed, true
	default:
		return Adaptive, false
	}
}

// Calculate returns the raw policy output for a file of sizeBytes. The result
// is not clamped; use For when the value goes to an encoder.
//
// Adaptive steps down by 5 per size bracket (<=0.5, <=1, <=2, <=5 MB, above).
// Linear takes 10 points per MB, at most 30, never going below 50.
// Fixed and unknown algorithms return base unchanged.
func Calculate(sizeBytes int64, base int, alg Algorithm) int {
	mb := float64(sizeBytes) / bytesPerMB

	switch alg {
	case Adaptive:
		switch {
		case mb <= 0.5:
			return base
		case mb <= 1:
			return base - 5
		case mb <= 2:
			return base - 10
		case mb <= 5:
			return base - 15
		default:
			return base - 20
		}
	case Linear:
		reduction := int(math.Min(linearMaxReduction, math.Round(mb*10)))
		return max(linearFloor, base-reduction)
	default:
		return base
	}
}

// Clamp limits q to [MinQuality, MaxQuality].
func Clamp(q int) int {
	return min(MaxQuality, max(MinQuality, q))
}

// For returns the encode quality for a file of sizeBytes.
func For(sizeBytes int64, base int, alg Algorithm) int {
	return Clamp(Calculate(sizeBytes, base, alg))
}
