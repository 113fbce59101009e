// Package circular implements statistics over compass angles in degrees,
// where 0 and 360 are the same direction.
package circular

import "math"

const degToRad = math.Pi / 180

// Normalize maps any angle into [0, 360).
func Normalize(deg float64) float64 {
	d := math.Mod(deg, 360)
	if d < 0 {
		d += 360
	}
	if d >= 360 {
		d = 0
	}
	return d
}

// Diff returns the signed shortest rotation from b to a, in (-180, 180].
func Diff(a, b float64) float64 {
	d := math.Mod(a-b, 360)
	if d > 180 {
		d -= 360
	} else if d <= -180 {
		d += 360
	}
	return d
}

// Mean returns the vector mean of the angles. ok is false when the input is
// empty or the unit vectors cancel out exactly, leaving no defined direction.
func Mean(angles []float64) (mean float64, ok bool) {
	if len(angles) == 0 {
		return 0, false
	}
	var sinSum, cosSum float64
	for _, a := range angles {
		sinSum += math.Sin(a * degToRad)
		cosSum += math.Cos(a * degToRad)
	}
	n := float64(len(angles))
	s, c := sinSum/n, cosSum/n
	if math.Hypot(s, c) < 1e-9 {
		return 0, false
	}
	return Normalize(math.Atan2(s, c) / degToRad), true
}

// Median returns the input angle closest to the circular mean. Ties keep the
// earliest angle. When the mean is undefined the first angle is returned.
func Median(angles []float64) (float64, bool) {
	if len(angles) == 0 {
		return 0, false
	}
	mean, ok := Mean(angles)
	if !ok {
		return Normalize(angles[0]), true
	}
	best := angles[0]
	bestDev := math.Abs(Diff(best, mean))
	for _, a := range angles[1:] {
		if dev := math.Abs(Diff(a, mean)); dev < bestDev {
			best, bestDev = a, dev
		}
	}
	return Normalize(best), true
}

// WindComponents decomposes a meteorological wind (direction the wind blows
// from) into eastward u and northward v components.
func WindComponents(speed, dirDeg float64) (u, v float64) {
	r := dirDeg * degToRad
	return -speed * math.Sin(r), -speed * math.Cos(r)
}
