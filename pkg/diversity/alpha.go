package diversity

import (
	"math"

	"specdiv/pkg/faults"
)

// AlphaIndex names a within-window diversity index.
type AlphaIndex string

const (
	ShannonIndex AlphaIndex = "shannon"
	SimpsonIndex AlphaIndex = "simpson"
	FisherIndex  AlphaIndex = "fisher"
)

// ParseAlphaIndex validates an index name.
func ParseAlphaIndex(name string) (AlphaIndex, error) {
	switch AlphaIndex(name) {
	case ShannonIndex, SimpsonIndex, FisherIndex:
		return AlphaIndex(name), nil
	}
	return "", faults.Configf("diversity.ParseAlphaIndex", "unknown alpha index %q", name)
}

// Shannon returns −Σ p·ln(p) over the abundance vector, or NaN for an
// empty window. Zero iff a single species is present.
func Shannon(abundance []float64) float64 {
	total := 0.0
	for _, c := range abundance {
		total += c
	}
	if total == 0 {
		return math.NaN()
	}
	h := 0.0
	for _, c := range abundance {
		if c > 0 {
			p := c / total
			h -= p * math.Log(p)
		}
	}
	return h
}

// Simpson returns 1 − Σ p², in [0,1]; zero iff a single species is
// present. NaN for an empty window.
func Simpson(abundance []float64) float64 {
	total := 0.0
	for _, c := range abundance {
		total += c
	}
	if total == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, c := range abundance {
		p := c / total
		sum += p * p
	}
	return 1 - sum
}

// FisherAlpha solves S = α·ln(1+N/α) for α by bisection, where N is the
// total count and S the observed species count. The relation has no
// finite solution when S equals N or when the window is degenerate; those
// cases return NaN.
func FisherAlpha(abundance []float64) float64 {
	n, s := 0.0, 0.0
	for _, c := range abundance {
		n += c
		if c > 0 {
			s++
		}
	}
	if n == 0 || s <= 1 || s >= n {
		return math.NaN()
	}

	f := func(alpha float64) float64 {
		return alpha*math.Log(1+n/alpha) - s
	}

	// f is increasing in alpha, negative near zero, approaching n−s > 0.
	lo, hi := 1e-12, 1.0
	for f(hi) < 0 {
		hi *= 2
		if hi > 1e12 {
			return math.NaN()
		}
	}
	for i := 0; i < 200; i++ {
		mid := (lo + hi) / 2
		if f(mid) < 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}

// Alpha computes the requested indices for every window. Empty windows
// get NaN on every index.
func (g *Grid) Alpha(indices []AlphaIndex) map[AlphaIndex][]float64 {
	out := make(map[AlphaIndex][]float64, len(indices))
	for _, idx := range indices {
		out[idx] = make([]float64, len(g.Abundance))
	}
	for w, ab := range g.Abundance {
		for _, idx := range indices {
			if g.Valid[w] == 0 {
				out[idx][w] = math.NaN()
				continue
			}
			switch idx {
			case ShannonIndex:
				out[idx][w] = Shannon(ab)
			case SimpsonIndex:
				out[idx][w] = Simpson(ab)
			case FisherIndex:
				out[idx][w] = FisherAlpha(ab)
			}
		}
	}
	return out
}
