package binance

import (
	"math"
	"strconv"
	"strings"
)

// roundToStep rounds v toward zero to a multiple of step. A zero step leaves
// v unchanged.
func roundToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return math.Trunc(v/step) * step
}

// formatByStep renders v with exactly the number of decimals the step size
// implies, so the exchange never rejects a request for excess precision.
func formatByStep(v, step float64) string {
	return strconv.FormatFloat(v, 'f', decimalsOf(step), 64)
}

// decimalsOf returns the number of decimal places in step (e.g. 0.001 -> 3).
func decimalsOf(step float64) int {
	if step <= 0 {
		return 8
	}
	s := strconv.FormatFloat(step, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

func toFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
