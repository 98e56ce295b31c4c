package utils

import (
	"fmt"
)

func Min(x, y int) int {
	if x > y {
		return y
	}
	return x
}

func Max(x, y int) int {
	if x < y {
		return y
	}
	return x
}

// CeilForceInt divides x by y rounding up.
func CeilForceInt(x, y int) int {
	res := x / y
	if x%y != 0 {
		return res + 1
	}
	return res
}

// ByteCountSI renders a byte count with an SI unit suffix.
func ByteCountSI(b int64) string {
	units := []string{"kB", "MB", "GB", "TB", "PB", "EB"}
	if b < 1000 {
		return fmt.Sprintf("%d B", b)
	}
	val := float64(b) / 1000
	for _, unit := range units {
		if val < 1000 {
			return fmt.Sprintf("%.1f %s", val, unit)
		}
		val /= 1000
	}
	return fmt.Sprintf("%.1f EB", val*1000)
}
