// Package radiometric masks out pixels that are not usable vegetation
// surface: low-NDVI ground, dark shadow (low NIR) and cloud (high blue).
// The output mask is the intersection of every enabled test with any
// pre-existing mask, and is what every later stage reads through.
package radiometric

import (
	"math"

	"specdiv/pkg/faults"
	"specdiv/pkg/raster"
)

// Thresholds configures the per-pixel tests. A test only applies when its
// enable flag is set.
type Thresholds struct {
	NDVIEnabled bool
	NDVIMin     float64

	NIREnabled bool
	NIRMin     float64

	BlueEnabled bool
	BlueMax     float64
}

// DefaultThresholds mirror the usual reflectance conventions for
// vegetation scenes (reflectance scaled to [0,1]).
func DefaultThresholds() Thresholds {
	return Thresholds{
		NDVIEnabled: true, NDVIMin: 0.5,
		NIREnabled: true, NIRMin: 0.15,
		BlueEnabled: true, BlueMax: 0.25,
	}
}

// Bands are the wavelength targets, in nanometers, used to locate the
// spectral bands the tests read.
type Bands struct {
	NIR  float64
	Red  float64
	Blue float64
}

// DefaultBands returns the standard NIR/red/blue center targets.
func DefaultBands() Bands { return Bands{NIR: 835, Red: 700, Blue: 480} }

// WavelengthTolerance is how far, in nanometers, the nearest declared
// band center may sit from a requested target.
const WavelengthTolerance = 100.0

// NearestBand returns the index of the band whose declared center
// wavelength is closest to target.
func NearestBand(wavelengths []float64, target float64) (int, error) {
	const op = "radiometric.NearestBand"

	if len(wavelengths) == 0 {
		return 0, faults.Configf(op, "raster declares no band wavelengths")
	}
	best, bestDist := -1, math.Inf(1)
	for i, w := range wavelengths {
		if d := math.Abs(w - target); d < bestDist {
			best, bestDist = i, d
		}
	}
	if bestDist > WavelengthTolerance {
		return 0, faults.Configf(op, "no band within %g nm of %g nm (nearest is %g nm)",
			WavelengthTolerance, target, wavelengths[best])
	}
	return best, nil
}

// Apply runs the enabled tests over the raster chunk by chunk and returns
// the filtered mask: input mask AND every enabled test. The input mask is
// not modified; nil means all pixels start retained.
func Apply(r *raster.Raster, input *raster.Mask, th Thresholds, bands Bands, budgetGB float64) (*raster.Mask, error) {
	hdr := r.Header

	var nirIdx, redIdx, blueIdx int
	var err error
	if th.NDVIEnabled || th.NIREnabled {
		if nirIdx, err = NearestBand(hdr.Wavelengths, bands.NIR); err != nil {
			return nil, err
		}
	}
	if th.NDVIEnabled {
		if redIdx, err = NearestBand(hdr.Wavelengths, bands.Red); err != nil {
			return nil, err
		}
	}
	if th.BlueEnabled {
		if blueIdx, err = NearestBand(hdr.Wavelengths, bands.Blue); err != nil {
			return nil, err
		}
	}

	out := raster.NewMask(hdr.Samples, hdr.Lines, false)
	it, err := r.Chunks(input, budgetGB)
	if err != nil {
		return nil, err
	}
	for {
		ch, err := it.Next()
		if err != nil {
			return nil, err
		}
		if ch == nil {
			break
		}
		for i := 0; i < ch.Rows*ch.Samples; i++ {
			if ch.Mask != nil && !ch.Mask[i] {
				continue
			}
			keep := true
			if hdr.HasIgnore {
				for b := range ch.Data {
					if ch.Data[b][i] == hdr.IgnoreValue {
						keep = false
						break
					}
				}
			}
			if keep && th.NDVIEnabled {
				keep = ndvi(ch.Data[nirIdx][i], ch.Data[redIdx][i]) >= th.NDVIMin
			}
			if keep && th.NIREnabled {
				keep = ch.Data[nirIdx][i] >= th.NIRMin
			}
			if keep && th.BlueEnabled {
				keep = ch.Data[blueIdx][i] <= th.BlueMax
			}
			if keep {
				out.Set(ch.Row+i/ch.Samples, i%ch.Samples, true)
			}
		}
	}

	return out, nil
}

func ndvi(nir, red float64) float64 {
	sum := nir + red
	if sum == 0 {
		return 0
	}
	return (nir - red) / sum
}
