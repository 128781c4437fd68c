// Package cluster maps reduced-component pixels to spectral species:
// k-means fitted independently on randomized pixel partitions sized to
// the RAM budget, partition centroids merged into one global codebook,
// and every pixel assigned its nearest centroid id.
package cluster

import (
	"math"
	"math/rand"

	"specdiv/pkg/faults"
)

// kmeans runs Lloyd iterations over weighted points and returns the
// centroids and the summed weight captured by each. points is n x d;
// weights may be nil (unit weights).
func kmeans(points [][]float64, weights []float64, k, iterations int, init string, rng *rand.Rand) ([][]float64, []float64, error) {
	const op = "cluster.kmeans"

	n := len(points)
	if n < k {
		return nil, nil, faults.Numf(op, "%d points for %d clusters", n, k)
	}
	d := len(points[0])

	var centroids [][]float64
	if init == "random" {
		perm := rng.Perm(n)
		centroids = make([][]float64, k)
		for c := 0; c < k; c++ {
			centroids[c] = append([]float64(nil), points[perm[c]]...)
		}
	} else {
		centroids = seedPlusPlus(points, weights, k, rng)
	}

	assign := make([]int, n)
	sums := make([][]float64, k)
	wsum := make([]float64, k)
	for c := range sums {
		sums[c] = make([]float64, d)
	}

	for iter := 0; iter < iterations; iter++ {
		changed := false
		for i, p := range points {
			best := nearest(centroids, p)
			if assign[i] != best || iter == 0 {
				changed = changed || assign[i] != best
				assign[i] = best
			}
		}
		if iter > 0 && !changed {
			break
		}

		for c := range sums {
			wsum[c] = 0
			for j := range sums[c] {
				sums[c][j] = 0
			}
		}
		for i, p := range points {
			w := 1.0
			if weights != nil {
				w = weights[i]
			}
			c := assign[i]
			wsum[c] += w
			for j, v := range p {
				sums[c][j] += w * v
			}
		}
		for c := 0; c < k; c++ {
			if wsum[c] == 0 {
				// Re-seed an emptied cluster on the point farthest from
				// its centroid, keeping k clusters alive.
				far, farDist := 0, -1.0
				for i, p := range points {
					if dist := sqDist(centroids[assign[i]], p); dist > farDist {
						far, farDist = i, dist
					}
				}
				copy(centroids[c], points[far])
				continue
			}
			for j := 0; j < d; j++ {
				centroids[c][j] = sums[c][j] / wsum[c]
			}
		}
	}

	// Final capture weights under the final centroids.
	for c := range wsum {
		wsum[c] = 0
	}
	for i, p := range points {
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		wsum[nearest(centroids, p)] += w
	}
	return centroids, wsum, nil
}

// seedPlusPlus is k-means++ seeding: each next centroid is drawn with
// probability proportional to weighted squared distance from the nearest
// chosen centroid.
func seedPlusPlus(points [][]float64, weights []float64, k int, rng *rand.Rand) [][]float64 {
	n := len(points)
	centroids := make([][]float64, 0, k)

	first := rng.Intn(n)
	centroids = append(centroids, append([]float64(nil), points[first]...))

	dists := make([]float64, n)
	for len(centroids) < k {
		total := 0.0
		last := centroids[len(centroids)-1]
		for i, p := range points {
			d := sqDist(last, p)
			if len(centroids) == 1 || d < dists[i] {
				dists[i] = d
			}
			w := 1.0
			if weights != nil {
				w = weights[i]
			}
			total += w * dists[i]
		}
		if total == 0 {
			// Degenerate data: duplicate the first point.
			centroids = append(centroids, append([]float64(nil), points[first]...))
			continue
		}
		target := rng.Float64() * total
		acc := 0.0
		pick := n - 1
		for i := range points {
			w := 1.0
			if weights != nil {
				w = weights[i]
			}
			acc += w * dists[i]
			if acc >= target {
				pick = i
				break
			}
		}
		centroids = append(centroids, append([]float64(nil), points[pick]...))
	}
	return centroids
}

// nearest returns the index of the closest centroid, ties broken by the
// lowest id.
func nearest(centroids [][]float64, p []float64) int {
	best, bestDist := 0, math.Inf(1)
	for c, cent := range centroids {
		if d := sqDist(cent, p); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func sqDist(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		diff := a[i] - b[i]
		s += diff * diff
	}
	return s
}
