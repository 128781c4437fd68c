package diversity

import (
	"math"
	"math/rand"
	"sort"

	"specdiv/pkg/faults"
)

// BrayCurtis returns the dissimilarity between two abundance vectors:
// 1 − 2·Σ min(a,b) / (Σa + Σb). Symmetric, in [0,1], zero iff all
// species counts are equal. NaN when either vector is empty.
func BrayCurtis(a, b []float64) float64 {
	sumA, sumB, sumMin := 0.0, 0.0, 0.0
	for k := range a {
		sumA += a[k]
		sumB += b[k]
		sumMin += math.Min(a[k], b[k])
	}
	if sumA+sumB == 0 {
		return math.NaN()
	}
	return 1 - 2*sumMin/(sumA+sumB)
}

// BetaAgainst returns each window's Bray-Curtis dissimilarity from the
// reference window. When the requested reference holds no valid pixels
// the first valid window stands in for it, so a masked map corner does
// not abort the run. Empty windows get NaN.
func (g *Grid) BetaAgainst(ref int) ([]float64, error) {
	const op = "diversity.Grid.BetaAgainst"
	if ref < 0 || ref >= len(g.Abundance) {
		return nil, faults.Configf(op, "reference window %d outside grid of %d windows", ref, len(g.Abundance))
	}
	if g.Valid[ref] == 0 {
		ref = -1
		for w := range g.Abundance {
			if g.Valid[w] > 0 {
				ref = w
				break
			}
		}
		if ref < 0 {
			return nil, faults.Numf(op, "no window has valid pixels")
		}
	}

	out := make([]float64, len(g.Abundance))
	for w := range g.Abundance {
		if g.Valid[w] == 0 {
			out[w] = math.NaN()
			continue
		}
		out[w] = BrayCurtis(g.Abundance[w], g.Abundance[ref])
	}
	return out, nil
}

// SampleWindows returns a seeded uniform sample of up to max valid
// windows, ascending. When the grid holds at most max valid windows the
// sample is all of them.
func (g *Grid) SampleWindows(max int, seed int64) []int {
	valid := make([]int, 0, len(g.Abundance))
	for w := range g.Abundance {
		if g.Valid[w] > 0 {
			valid = append(valid, w)
		}
	}
	if max <= 0 || len(valid) <= max {
		return valid
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(valid), func(i, j int) { valid[i], valid[j] = valid[j], valid[i] })
	valid = valid[:max]
	sort.Ints(valid)
	return valid
}

// BetaMatrix returns the symmetric pairwise Bray-Curtis matrix over the
// given window ids (typically a SampleWindows result: full pairwise over
// every window is quadratic in the window count).
func (g *Grid) BetaMatrix(windows []int) [][]float64 {
	n := len(windows)
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := BrayCurtis(g.Abundance[windows[i]], g.Abundance[windows[j]])
			out[i][j] = d
			out[j][i] = d
		}
	}
	return out
}
