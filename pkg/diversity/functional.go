package diversity

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"

	"specdiv/pkg/faults"
	"specdiv/pkg/raster"
)

// FunctionalResult holds per-window functional diversity indices, NaN
// where a window cannot form a hull (fewer points than traits+1) or has
// no valid pixels.
type FunctionalResult struct {
	FRic []float64
	FEve []float64
	FDiv []float64
}

// Functional computes FRic, FEve and FDiv per window from the selected
// reduced components treated as continuous traits. Between one and three
// trait components are supported: hull measures beyond three dimensions
// are outside numeric scope.
//
// FRic is the window hull measure normalized by the global hull over all
// valid pixels; FEve the evenness of the window MST edge lengths; FDiv
// the mean point distance to the MST vertex centroid normalized by the
// farthest point.
func Functional(reduced *raster.Raster, mask *raster.Mask, components []int, windowSize int) (*FunctionalResult, error) {
	const op = "diversity.Functional"

	dims := len(components)
	if dims < 1 || dims > 3 {
		return nil, faults.Configf(op, "%d trait components selected, supported range is 1 to 3", dims)
	}
	hdr := reduced.Header
	for _, c := range components {
		if c < 0 || c >= hdr.Bands {
			return nil, faults.Configf(op, "trait component %d outside reduced raster with %d bands", c, hdr.Bands)
		}
	}
	rows := hdr.Lines / windowSize
	cols := hdr.Samples / windowSize
	if rows == 0 || cols == 0 {
		return nil, faults.Configf(op, "window size %d exceeds raster extent %dx%d",
			windowSize, hdr.Lines, hdr.Samples)
	}

	res := &FunctionalResult{
		FRic: make([]float64, rows*cols),
		FEve: make([]float64, rows*cols),
		FDiv: make([]float64, rows*cols),
	}

	// Stream one window-row band at a time: compute the raw window
	// measures and fold every valid point into the global hull, keeping
	// only its vertices between bands.
	rawFRic := make([]float64, rows*cols)
	var globalVerts [][]float64
	globalVolume := 0.0

	for wr := 0; wr < rows; wr++ {
		data, err := reduced.ReadRows(wr*windowSize, windowSize)
		if err != nil {
			return nil, err
		}

		windows := make([][][]float64, cols)
		for localRow := 0; localRow < windowSize; localRow++ {
			row := wr*windowSize + localRow
			for col := 0; col < cols*windowSize; col++ {
				if mask != nil && !mask.At(row, col) {
					continue
				}
				p := make([]float64, dims)
				nodata := false
				for j, c := range components {
					v := data[c][localRow*hdr.Samples+col]
					if hdr.HasIgnore && v == hdr.IgnoreValue {
						nodata = true
						break
					}
					p[j] = v
				}
				if nodata {
					continue
				}
				windows[col/windowSize] = append(windows[col/windowSize], p)
			}
		}

		bandPoints := globalVerts
		for wc, pts := range windows {
			w := wr*cols + wc
			if len(pts) < dims+1 {
				rawFRic[w] = math.NaN()
				res.FEve[w] = math.NaN()
				res.FDiv[w] = math.NaN()
				continue
			}
			vol, _ := hullVolume(pts, dims)
			rawFRic[w] = vol
			res.FEve[w], res.FDiv[w] = mstIndices(pts)
			bandPoints = append(bandPoints, pts...)
		}
		globalVolume, globalVerts = hullVolume(bandPoints, dims)
	}

	for w := range rawFRic {
		switch {
		case math.IsNaN(rawFRic[w]):
			res.FRic[w] = math.NaN()
		case globalVolume <= 0:
			res.FRic[w] = math.NaN()
		default:
			res.FRic[w] = rawFRic[w] / globalVolume
		}
	}
	return res, nil
}

// HullMeasure returns the convex-hull measure of a trait point set:
// range for one trait, area for two, volume for three. Other
// dimensionalities are a configuration error.
func HullMeasure(pts [][]float64, dims int) (float64, error) {
	if dims < 1 || dims > 3 {
		return 0, faults.Configf("diversity.HullMeasure", "%d trait dimensions, supported range is 1 to 3", dims)
	}
	v, _ := hullVolume(pts, dims)
	return v, nil
}

// MSTIndices returns FEve and FDiv for an arbitrary trait point set,
// NaN when it holds fewer than three points.
func MSTIndices(pts [][]float64) (feve, fdiv float64) {
	return mstIndices(pts)
}

// mstIndices returns FEve and FDiv for one window's trait points.
//
// FEve follows the Villéger edge-length evenness: with S points and MST
// edge weights EW, FEve = (Σ min(EW/ΣEW, 1/(S−1)) − 1/(S−1)) /
// (1 − 1/(S−1)), in [0,1]. FDiv is the mean distance to the point
// centroid over the farthest distance, in [0,1].
func mstIndices(pts [][]float64) (feve, fdiv float64) {
	s := len(pts)
	if s < 3 {
		return math.NaN(), math.NaN()
	}

	g := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for i := range pts {
		g.AddNode(simple.Node(i))
	}
	for i := 0; i < s; i++ {
		for j := i + 1; j < s; j++ {
			g.SetWeightedEdge(simple.WeightedEdge{
				F: simple.Node(i), T: simple.Node(j), W: dist(pts[i], pts[j]),
			})
		}
	}
	mst := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	path.Prim(mst, g)

	var weights []float64
	it := mst.WeightedEdges()
	for it.Next() {
		weights = append(weights, it.WeightedEdge().Weight())
	}
	// The edge iterator walks graph-internal maps in random order, and
	// every minimum spanning tree shares the same weight multiset, so
	// summing in sorted order makes the result reproducible.
	sort.Float64s(weights)
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if len(weights) != s-1 || total == 0 {
		// All points coincide (or the tree is broken): no spread.
		return 0, 0
	}

	inv := 1.0 / float64(s-1)
	sum := 0.0
	for _, w := range weights {
		sum += math.Min(w/total, inv)
	}
	feve = (sum - inv) / (1 - inv)

	dims := len(pts[0])
	centroid := make([]float64, dims)
	for _, p := range pts {
		for k, v := range p {
			centroid[k] += v / float64(s)
		}
	}
	mean, max := 0.0, 0.0
	for _, p := range pts {
		d := dist(p, centroid)
		mean += d / float64(s)
		max = math.Max(max, d)
	}
	if max == 0 {
		return feve, 0
	}
	return feve, mean / max
}

func dist(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return math.Sqrt(s)
}
