package plots

import (
	"fmt"
	"math"
	"os"
	"strconv"

	"specdiv/pkg/diversity"
	"specdiv/pkg/faults"
	"specdiv/pkg/raster"
)

// Stats holds one plot's species-abundance distribution and derived
// indices.
type Stats struct {
	Name      string
	Pixels    int
	Richness  int
	Abundance []float64

	Alpha map[diversity.AlphaIndex]float64
	FRic  float64
	FEve  float64
	FDiv  float64
}

// readPixelValues reads the given band values at scattered pixel
// indices, one raster row at a time. Indices must be sorted ascending.
func readPixelValues(r *raster.Raster, pixels []int, bands []int) ([][]float64, error) {
	hdr := r.Header
	out := make([][]float64, len(pixels))
	for i := range out {
		out[i] = make([]float64, len(bands))
	}

	for i := 0; i < len(pixels); {
		row := pixels[i] / hdr.Samples
		j := i
		for j < len(pixels) && pixels[j]/hdr.Samples == row {
			j++
		}
		data, err := r.ReadRows(row, 1)
		if err != nil {
			return nil, err
		}
		for ; i < j; i++ {
			col := pixels[i] % hdr.Samples
			for k, b := range bands {
				out[i][k] = data[b][col]
			}
		}
	}
	return out, nil
}

// Abundances counts species per plot from the spectral-species map.
// pixels[p] is the rasterized pixel set of plots[p]. Pixels holding the
// no-data species id are skipped; a plot reduced to nothing is a
// configuration error.
func Abundances(species *raster.Raster, plots []Plot, pixels [][]int, nbSpecies int) ([]*Stats, error) {
	const op = "plots.Abundances"

	stats := make([]*Stats, len(plots))
	for p, plot := range plots {
		vals, err := readPixelValues(species, pixels[p], []int{0})
		if err != nil {
			return nil, err
		}
		s := &Stats{
			Name:      plot.Name,
			Abundance: make([]float64, nbSpecies),
		}
		for _, v := range vals {
			id := int(v[0])
			if id < 0 || id >= nbSpecies {
				continue
			}
			s.Abundance[id]++
			s.Pixels++
		}
		if s.Pixels == 0 {
			return nil, faults.Configf(op, "plot %q holds only unclassified pixels", plot.Name)
		}
		for _, c := range s.Abundance {
			if c > 0 {
				s.Richness++
			}
		}
		stats[p] = s
	}
	return stats, nil
}

// FillAlpha computes the requested alpha indices over each plot's
// abundance distribution.
func FillAlpha(stats []*Stats, indices []diversity.AlphaIndex) {
	for _, s := range stats {
		s.Alpha = make(map[diversity.AlphaIndex]float64, len(indices))
		for _, idx := range indices {
			switch idx {
			case diversity.ShannonIndex:
				s.Alpha[idx] = diversity.Shannon(s.Abundance)
			case diversity.SimpsonIndex:
				s.Alpha[idx] = diversity.Simpson(s.Abundance)
			case diversity.FisherIndex:
				s.Alpha[idx] = diversity.FisherAlpha(s.Abundance)
			}
		}
	}
}

// FillFunctional computes FRic, FEve and FDiv over each plot's pixel
// set in the reduced trait space. FRic is normalized by the hull over
// every plot's points together, so plots are comparable to each other.
func FillFunctional(stats []*Stats, reduced *raster.Raster, pixels [][]int, components []int) error {
	const op = "plots.FillFunctional"

	dims := len(components)
	if dims < 1 || dims > 3 {
		return faults.Configf(op, "%d trait components selected, supported range is 1 to 3", dims)
	}
	hdr := reduced.Header

	var all [][]float64
	perPlot := make([][][]float64, len(stats))
	for p := range stats {
		vals, err := readPixelValues(reduced, pixels[p], components)
		if err != nil {
			return err
		}
		pts := vals[:0]
		for _, v := range vals {
			keep := true
			for _, x := range v {
				if hdr.HasIgnore && x == hdr.IgnoreValue {
					keep = false
					break
				}
			}
			if keep {
				pts = append(pts, v)
			}
		}
		perPlot[p] = pts
		all = append(all, pts...)
	}

	global, err := diversity.HullMeasure(all, dims)
	if err != nil {
		return err
	}

	for p, s := range stats {
		pts := perPlot[p]
		if len(pts) < dims+1 {
			s.FRic, s.FEve, s.FDiv = math.NaN(), math.NaN(), math.NaN()
			continue
		}
		raw, err := diversity.HullMeasure(pts, dims)
		if err != nil {
			return err
		}
		if global > 0 {
			s.FRic = raw / global
		} else {
			s.FRic = math.NaN()
		}
		s.FEve, s.FDiv = diversity.MSTIndices(pts)
	}
	return nil
}

// BetaMatrix returns the symmetric pairwise Bray-Curtis matrix over the
// plots' abundance distributions.
func BetaMatrix(stats []*Stats) [][]float64 {
	n := len(stats)
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := diversity.BrayCurtis(stats[i].Abundance, stats[j].Abundance)
			out[i][j] = d
			out[j][i] = d
		}
	}
	return out
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// WriteTable writes the per-plot validation table as TSV: one row per
// plot with pixel count, richness, the requested alpha indices and the
// functional indices.
func WriteTable(path string, stats []*Stats, indices []diversity.AlphaIndex) error {
	const op = "plots.WriteTable"

	f, err := os.Create(path)
	if err != nil {
		return faults.IOf(op, "create %s: %v", path, err)
	}
	defer f.Close()

	fmt.Fprint(f, "plot\tpixels\trichness")
	for _, idx := range indices {
		fmt.Fprintf(f, "\t%s", idx)
	}
	fmt.Fprint(f, "\tfric\tfeve\tfdiv\n")

	for _, s := range stats {
		fmt.Fprintf(f, "%s\t%d\t%d", s.Name, s.Pixels, s.Richness)
		for _, idx := range indices {
			fmt.Fprintf(f, "\t%s", formatValue(s.Alpha[idx]))
		}
		fmt.Fprintf(f, "\t%s\t%s\t%s\n",
			formatValue(s.FRic), formatValue(s.FEve), formatValue(s.FDiv))
	}
	if err := f.Sync(); err != nil {
		return faults.IOf(op, "sync %s: %v", path, err)
	}
	return nil
}

// WriteBetaTable writes the pairwise Bray-Curtis matrix as TSV with
// plot names on both axes.
func WriteBetaTable(path string, stats []*Stats, matrix [][]float64) error {
	const op = "plots.WriteBetaTable"

	f, err := os.Create(path)
	if err != nil {
		return faults.IOf(op, "create %s: %v", path, err)
	}
	defer f.Close()

	fmt.Fprint(f, "plot")
	for _, s := range stats {
		fmt.Fprintf(f, "\t%s", s.Name)
	}
	fmt.Fprintln(f)
	for i, s := range stats {
		fmt.Fprint(f, s.Name)
		for j := range stats {
			fmt.Fprintf(f, "\t%s", formatValue(matrix[i][j]))
		}
		fmt.Fprintln(f)
	}
	if err := f.Sync(); err != nil {
		return faults.IOf(op, "sync %s: %v", path, err)
	}
	return nil
}
