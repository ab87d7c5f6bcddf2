package expr

import (
	"math"
	"strconv"
)

// FormatNumber prints integers without decimals and everything else to one
// decimal place.
func FormatNumber(v float64) string {
	if v == 0 {
		v = 0 // -0 prints as "-0"
	}
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	r := math.Round(v*10) / 10
	if r == 0 {
		r = 0 // avoid "-0.0"
	}
	return strconv.FormatFloat(r, 'f', 1, 64)
}

// FormatWithUnit appends a registry unit. Degree and percent signs attach
// directly; other units are separated by a space.
func FormatWithUnit(v float64, unit string) string {
	s := FormatNumber(v)
	switch unit {
	case "":
		return s
	case "°", "%":
		return s + unit
	}
	return s + " " + unit
}
