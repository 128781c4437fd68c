package cluster

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"specdiv/pkg/faults"
	"specdiv/pkg/raster"
)

// SpeciesNoData marks masked pixels in the spectral-species map.
const SpeciesNoData = -1

// Options configures partitioned clustering.
type Options struct {
	NbClusters int
	Iterations int
	Init       string // "kmeanspp" (default) or "random"
	Seed       int64
	Workers    int
}

// DefaultOptions returns the usual clustering configuration.
func DefaultOptions() Options {
	return Options{NbClusters: 50, Iterations: 50, Init: "kmeanspp", Seed: 42, Workers: 1}
}

// Codebook is the global set of spectral-species centroids. Centroid ids
// are their indices; the codebook is immutable once built.
type Codebook struct {
	Centroids [][]float64
	// Weights is the source population behind each centroid after the
	// merge, carried for diagnostics.
	Weights []float64
}

// PartitionCount derives how many partitions keep one partition's pixel
// working set inside the RAM budget.
func PartitionCount(validPixels, dims int, budgetGB float64) int {
	budget := budgetGB * 1024 * 1024 * 1024
	perPixel := float64(dims * 8)
	perPartition := math.Floor(budget / perPixel)
	if perPartition < 1 {
		perPartition = 1
	}
	n := int(math.Ceil(float64(validPixels) / perPartition))
	if n < 1 {
		n = 1
	}
	return n
}

// Fit randomly partitions the unmasked pixels, fits k-means per partition
// in parallel, and merges the pooled partition centroids into the global
// codebook with population weighting.
func Fit(reduced *raster.Raster, mask *raster.Mask, components []int, opts Options, budgetGB float64) (*Codebook, error) {
	const op = "cluster.Fit"

	hdr := reduced.Header
	dims := len(components)
	if dims == 0 {
		return nil, faults.Configf(op, "no components selected for clustering")
	}
	if opts.NbClusters < 2 {
		return nil, faults.Configf(op, "nbclusters must be at least 2, got %d", opts.NbClusters)
	}

	valid := make([]int64, 0)
	if mask == nil {
		for i := 0; i < hdr.Samples*hdr.Lines; i++ {
			valid = append(valid, int64(i))
		}
	} else {
		for i, keep := range mask.Bits {
			if keep {
				valid = append(valid, int64(i))
			}
		}
	}
	if len(valid) < opts.NbClusters {
		return nil, faults.Numf(op, "%d unmasked pixels for %d clusters", len(valid), opts.NbClusters)
	}

	// Uniform seeded partition assignment.
	rng := rand.New(rand.NewSource(opts.Seed))
	rng.Shuffle(len(valid), func(i, j int) { valid[i], valid[j] = valid[j], valid[i] })
	nbPartitions := PartitionCount(len(valid), dims, budgetGB)
	if len(valid)/nbPartitions < opts.NbClusters {
		return nil, faults.Numf(op, "partitioning %d pixels into %d partitions leaves fewer than %d pixels each",
			len(valid), nbPartitions, opts.NbClusters)
	}

	partitions := make([][]int64, nbPartitions)
	for i, idx := range valid {
		p := i % nbPartitions
		partitions[p] = append(partitions[p], idx)
	}
	for _, part := range partitions {
		sort.Slice(part, func(i, j int) bool { return part[i] < part[j] })
	}

	// Per-partition fits are independent: static stride over workers,
	// first error aborts (no partial continuation).
	type fitResult struct {
		centroids [][]float64
		weights   []float64
	}
	results := make([]fitResult, nbPartitions)
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	errc := make(chan error, workers)
	var wg sync.WaitGroup
	for k := 0; k < workers; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			for p := k; p < nbPartitions; p += workers {
				points, err := gatherPoints(reduced, hdr.Samples, components, partitions[p], budgetGB)
				if err != nil {
					errc <- err
					return
				}
				partRng := rand.New(rand.NewSource(opts.Seed + int64(p) + 1))
				cents, wts, err := kmeans(points, nil, opts.NbClusters, opts.Iterations, opts.Init, partRng)
				if err != nil {
					errc <- err
					return
				}
				results[p] = fitResult{centroids: cents, weights: wts}
			}
		}(k)
	}
	wg.Wait()
	close(errc)
	if err := <-errc; err != nil {
		return nil, err
	}

	// Merge: population-weighted k-means over the pooled centroids.
	var pooled [][]float64
	var weights []float64
	for _, res := range results {
		pooled = append(pooled, res.centroids...)
		weights = append(weights, res.weights...)
	}
	mergeRng := rand.New(rand.NewSource(opts.Seed))
	cents, wts, err := kmeans(pooled, weights, opts.NbClusters, opts.Iterations, opts.Init, mergeRng)
	if err != nil {
		return nil, err
	}
	return &Codebook{Centroids: cents, Weights: wts}, nil
}

// gatherPoints reads the selected components of the given sorted pixel
// indices chunk by chunk.
func gatherPoints(reduced *raster.Raster, samples int, components []int, indices []int64, budgetGB float64) ([][]float64, error) {
	points := make([][]float64, 0, len(indices))
	it, err := reduced.Chunks(nil, budgetGB)
	if err != nil {
		return nil, err
	}
	pos := 0
	for pos < len(indices) {
		ch, err := it.Next()
		if err != nil {
			return nil, err
		}
		if ch == nil {
			break
		}
		lo := int64(ch.Row) * int64(samples)
		hi := lo + int64(ch.Rows)*int64(samples)
		for pos < len(indices) && indices[pos] < hi {
			local := int(indices[pos] - lo)
			p := make([]float64, len(components))
			for j, c := range components {
				p[j] = ch.Data[c][local]
			}
			points = append(points, p)
			pos++
		}
	}
	return points, nil
}

// Assign writes the spectral-species map: every unmasked pixel gets the
// id of its nearest codebook centroid, masked pixels get SpeciesNoData.
// The output is an int32 raster aligned with the input.
func (cb *Codebook) Assign(reduced *raster.Raster, mask *raster.Mask, components []int, outPath string, budgetGB float64, workers int) error {
	hdr := reduced.Header
	outHdr := &raster.Header{
		Samples:     hdr.Samples,
		Lines:       hdr.Lines,
		Bands:       1,
		DataType:    raster.Int32,
		IgnoreValue: SpeciesNoData,
		HasIgnore:   true,
		MapInfo:     hdr.MapInfo,
		Description: "spectral species",
	}
	w, err := raster.NewWriter(outPath, outHdr)
	if err != nil {
		return err
	}

	rowsPer := raster.ChunkRows(hdr, budgetGB)
	var starts []int
	for row := 0; row < hdr.Lines; row += rowsPer {
		starts = append(starts, row)
	}
	if workers < 1 {
		workers = 1
	}

	errc := make(chan error, workers)
	var wg sync.WaitGroup
	for k := 0; k < workers; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			for b := k; b < len(starts); b += workers {
				row0 := starts[b]
				nrows := rowsPer
				if row0+nrows > hdr.Lines {
					nrows = hdr.Lines - row0
				}
				if err := cb.assignBlock(reduced, mask, components, w, row0, nrows); err != nil {
					errc <- err
					return
				}
			}
		}(k)
	}
	wg.Wait()
	close(errc)
	if err := <-errc; err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (cb *Codebook) assignBlock(reduced *raster.Raster, mask *raster.Mask, components []int, w *raster.Writer, row0, nrows int) error {
	hdr := reduced.Header
	data, err := reduced.ReadRows(row0, nrows)
	if err != nil {
		return err
	}

	out := make([]float64, nrows*hdr.Samples)
	p := make([]float64, len(components))
	for i := range out {
		row, col := row0+i/hdr.Samples, i%hdr.Samples
		if mask != nil && !mask.At(row, col) {
			out[i] = SpeciesNoData
			continue
		}
		for j, c := range components {
			p[j] = data[c][i]
		}
		out[i] = float64(nearest(cb.Centroids, p))
	}
	return w.WriteRows(row0, [][]float64{out})
}
