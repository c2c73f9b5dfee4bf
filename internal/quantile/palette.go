package quantile

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"bayesfitness/pkg/fiterr"
)

// CheckPalette verifies that a renderer has a colour for every level.
func CheckPalette(levels []float64, colors []string) error {
	if len(colors) < len(levels) {
		return fmt.Errorf("%w: %d colors for %d quantile levels", fiterr.ErrInsufficientColors, len(colors), len(levels))
	}
	return nil
}

// Ramp returns n shade intensities for levels in the descending order Bands
// uses: the widest band gets the lightest shade.
func Ramp(n int) []float64 {
	switch {
	case n <= 0:
		return nil
	case n == 1:
		return []float64{0.5}
	}
	return floats.Span(make([]float64, n), 0.25, 0.75)
}
