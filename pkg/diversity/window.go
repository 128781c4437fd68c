// Package diversity aggregates the spectral-species map into fixed-size
// windows and computes alpha, beta and functional diversity indices over
// them. Windows tile the extent without overlap; trailing partial tiles
// are discarded rather than padded, since partial windows bias the
// abundance estimates.
package diversity

import (
	"math"

	"specdiv/pkg/faults"
	"specdiv/pkg/raster"
)

// NoData marks windows without valid pixels in index rasters.
const NoData = -9999.0

// Grid holds the per-window species-abundance distributions of a
// spectral-species map.
type Grid struct {
	WindowSize int
	Rows, Cols int // window grid dimensions
	Species    int // codebook size

	// Abundance[w] is the count per species id in window w, row-major.
	Abundance [][]float64
	// Valid[w] is the number of valid pixels in window w.
	Valid []int

	// MapInfo is carried from the species map for derived rasters.
	MapInfo string
}

// BuildGrid tiles the species map into windowSize² windows and counts
// species abundances per window, reading one window-row band of the
// raster at a time. Pixels with the no-data id contribute nothing.
func BuildGrid(species *raster.Raster, windowSize, nbSpecies int) (*Grid, error) {
	const op = "diversity.BuildGrid"

	hdr := species.Header
	if windowSize < 1 {
		return nil, faults.Configf(op, "window size %d", windowSize)
	}
	if hdr.Bands != 1 {
		return nil, faults.IOf(op, "species map %s has %d bands", species.Path, hdr.Bands)
	}

	rows := hdr.Lines / windowSize
	cols := hdr.Samples / windowSize
	if rows == 0 || cols == 0 {
		return nil, faults.Configf(op, "window size %d exceeds raster extent %dx%d",
			windowSize, hdr.Lines, hdr.Samples)
	}

	g := &Grid{
		WindowSize: windowSize,
		Rows:       rows,
		Cols:       cols,
		Species:    nbSpecies,
		Abundance:  make([][]float64, rows*cols),
		Valid:      make([]int, rows*cols),
		MapInfo:    hdr.MapInfo,
	}
	for w := range g.Abundance {
		g.Abundance[w] = make([]float64, nbSpecies)
	}

	for wr := 0; wr < rows; wr++ {
		data, err := species.ReadRows(wr*windowSize, windowSize)
		if err != nil {
			return nil, err
		}
		band := data[0]
		for localRow := 0; localRow < windowSize; localRow++ {
			for col := 0; col < cols*windowSize; col++ {
				id := int(band[localRow*hdr.Samples+col])
				if id < 0 || id >= nbSpecies {
					continue
				}
				w := wr*cols + col/windowSize
				g.Abundance[w][id]++
				g.Valid[w]++
			}
		}
	}

	return g, nil
}

// WriteIndexRaster writes per-window index values as a single-band
// float32 raster at window resolution.
func (g *Grid) WriteIndexRaster(path, description string, values []float64) error {
	hdr := &raster.Header{
		Samples:     g.Cols,
		Lines:       g.Rows,
		Bands:       1,
		DataType:    raster.Float32,
		IgnoreValue: NoData,
		HasIgnore:   true,
		Description: description,
	}
	w, err := raster.NewWriter(path, hdr)
	if err != nil {
		return err
	}
	row := make([]float64, g.Cols)
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			v := values[r*g.Cols+c]
			if math.IsNaN(v) {
				v = NoData
			}
			row[c] = v
		}
		if err := w.WriteRows(r, [][]float64{row}); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}
