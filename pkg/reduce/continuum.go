package reduce

// RemoveContinuum divides a reflectance spectrum by its convex-hull
// envelope across wavelength, flattening illumination and continuum
// effects so that absorption features dominate the fit. wavelengths must
// be strictly increasing and aligned with reflectance; the result is in
// (0, 1] wherever the envelope is positive.
func RemoveContinuum(wavelengths, reflectance []float64) []float64 {
	n := len(reflectance)
	out := make([]float64, n)
	if n < 3 {
		copy(out, reflectance)
		return out
	}

	hull := upperHull(wavelengths, reflectance)

	// Walk the spectrum, interpolating the envelope between consecutive
	// hull vertices.
	seg := 0
	for i := 0; i < n; i++ {
		for seg+1 < len(hull)-1 && wavelengths[hull[seg+1]] <= wavelengths[i] {
			seg++
		}
		a, b := hull[seg], hull[seg+1]
		t := 0.0
		if wavelengths[b] != wavelengths[a] {
			t = (wavelengths[i] - wavelengths[a]) / (wavelengths[b] - wavelengths[a])
		}
		envelope := reflectance[a] + t*(reflectance[b]-reflectance[a])
		if envelope > 0 {
			out[i] = reflectance[i] / envelope
		} else {
			out[i] = 1
		}
	}
	return out
}

// upperHull returns the indices of the upper convex hull of the
// (wavelength, reflectance) points, left to right (monotone chain).
func upperHull(x, y []float64) []int {
	hull := make([]int, 0, len(x))
	for i := range x {
		for len(hull) >= 2 {
			a, b := hull[len(hull)-2], hull[len(hull)-1]
			// Drop b when it falls below the a-i segment.
			cross := (x[b]-x[a])*(y[i]-y[a]) - (y[b]-y[a])*(x[i]-x[a])
			if cross >= 0 {
				hull = hull[:len(hull)-1]
			} else {
				break
			}
		}
		hull = append(hull, i)
	}
	return hull
}
