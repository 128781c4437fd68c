// Package reduce fits a linear spectral dimensionality reduction on a
// sample of unmasked pixels and applies it chunk by chunk, so the reduced
// raster is produced under the same RAM budget as every other stage.
package reduce

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"specdiv/pkg/faults"
	"specdiv/pkg/raster"
)

// Type selects the reduction flavor.
type Type string

const (
	PCA  Type = "PCA"
	SPCA Type = "SPCA"
	MNF  Type = "MNF"
)

// NoData marks masked pixels in reduced rasters.
const NoData = -9999.0

// Options configures the fit.
type Options struct {
	Type             Type
	ContinuumRemoval bool
	// ExcludedRanges are [low, high] wavelength windows, in nanometers,
	// whose bands are dropped before fitting (water absorption, sensor
	// edges).
	ExcludedRanges [][2]float64
	// SampleSize caps the number of unmasked pixels drawn for fitting.
	SampleSize int
	Seed       int64
	// SPCAThreshold is the soft-threshold fraction applied to loadings
	// for Type == SPCA.
	SPCAThreshold float64
}

// DefaultOptions returns the usual fit configuration.
func DefaultOptions() Options {
	return Options{
		Type:          PCA,
		SampleSize:    100000,
		Seed:          42,
		SPCAThreshold: 0.25,
	}
}

// Model is a fitted reduction: immutable once returned by Fit, applied to
// every chunk of the run.
type Model struct {
	Type Type

	// BandIdx are the source band indices kept after wavelength
	// exclusion, ascending.
	BandIdx     []int
	Wavelengths []float64 // centers of the kept bands, aligned with BandIdx

	Mean  []float64 // per kept band, of the (possibly continuum-removed) sample
	Scale []float64 // per kept band; all ones for MNF

	// Basis columns are the retained components, ordered by descending
	// eigenvalue. Components() == len(BandIdx).
	Basis *mat.Dense
	// Eigenvalues are the per-component score variances over the fitting
	// sample. For PCA and MNF these are the covariance eigenvalues; for
	// SPCA they are recomputed after sparsification.
	Eigenvalues []float64

	ContinuumRemoval bool
}

// Components returns the number of retained components.
func (m *Model) Components() int { return len(m.Eigenvalues) }

// selectBands returns the band indices whose center wavelength falls
// outside every excluded range.
func selectBands(wavelengths []float64, bands int, excluded [][2]float64) ([]int, error) {
	const op = "reduce.selectBands"

	if len(wavelengths) == 0 {
		if len(excluded) > 0 {
			return nil, faults.Configf(op, "wavelength exclusion requested but raster declares no wavelengths")
		}
		idx := make([]int, bands)
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	}

	var idx []int
	for i, w := range wavelengths {
		drop := false
		for _, r := range excluded {
			if w >= r[0] && w <= r[1] {
				drop = true
				break
			}
		}
		if !drop {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return nil, faults.Configf(op, "excluded ranges drop every band")
	}
	return idx, nil
}

// Fit draws a seeded sample of unmasked pixels and fits the configured
// reduction. For MNF the noise covariance is estimated from horizontal
// neighbor differences within the sample rows.
func Fit(r *raster.Raster, mask *raster.Mask, opts Options, budgetGB float64) (*Model, error) {
	const op = "reduce.Fit"

	hdr := r.Header
	bandIdx, err := selectBands(hdr.Wavelengths, hdr.Bands, opts.ExcludedRanges)
	if err != nil {
		return nil, err
	}
	if opts.ContinuumRemoval && len(hdr.Wavelengths) == 0 {
		return nil, faults.Configf(op, "continuum removal requires band wavelengths")
	}

	m := &Model{
		Type:             opts.Type,
		BandIdx:          bandIdx,
		ContinuumRemoval: opts.ContinuumRemoval,
	}
	if len(hdr.Wavelengths) > 0 {
		m.Wavelengths = make([]float64, len(bandIdx))
		for i, b := range bandIdx {
			m.Wavelengths[i] = hdr.Wavelengths[b]
		}
	}

	d := len(bandIdx)

	// Pass 1: linear indices of every unmasked pixel.
	valid := validIndices(mask, hdr.Samples, hdr.Lines)
	if len(valid) < d {
		return nil, faults.Numf(op, "%d unmasked pixels for %d components", len(valid), d)
	}

	// Seeded uniform sample, sorted back to row order for chunked reads.
	rng := rand.New(rand.NewSource(opts.Seed))
	sampleSize := opts.SampleSize
	if sampleSize <= 0 || sampleSize > len(valid) {
		sampleSize = len(valid)
	}
	rng.Shuffle(len(valid), func(i, j int) { valid[i], valid[j] = valid[j], valid[i] })
	sample := valid[:sampleSize]
	sort.Slice(sample, func(i, j int) bool { return sample[i] < sample[j] })

	spectra, noiseDiffs, err := m.gatherSample(r, mask, sample, opts.Type == MNF, budgetGB)
	if err != nil {
		return nil, err
	}

	n := len(spectra)
	if n < d {
		return nil, faults.Numf(op, "%d sampled pixels for %d components", n, d)
	}

	// Center, and for PCA flavors scale to unit variance.
	m.Mean = make([]float64, d)
	m.Scale = make([]float64, d)
	col := make([]float64, n)
	for j := 0; j < d; j++ {
		for i := 0; i < n; i++ {
			col[i] = spectra[i][j]
		}
		m.Mean[j] = stat.Mean(col, nil)
		if opts.Type == MNF {
			m.Scale[j] = 1
		} else {
			m.Scale[j] = stat.StdDev(col, nil)
			if m.Scale[j] == 0 || math.IsNaN(m.Scale[j]) {
				return nil, faults.Numf(op, "band %d has zero variance in the sample", bandIdx[j])
			}
		}
	}

	centered := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			centered.Set(i, j, (spectra[i][j]-m.Mean[j])/m.Scale[j])
		}
	}
	cov := covarianceOf(centered)

	switch opts.Type {
	case PCA, SPCA:
		if err := m.fitPCA(cov); err != nil {
			return nil, err
		}
		if opts.Type == SPCA {
			m.sparsify(opts.SPCAThreshold)
			m.rescoreVariances(centered)
		}
	case MNF:
		if err := m.fitMNF(cov, noiseDiffs); err != nil {
			return nil, err
		}
	default:
		return nil, faults.Configf(op, "unknown reduction type %q", opts.Type)
	}

	return m, nil
}

func validIndices(mask *raster.Mask, samples, lines int) []int64 {
	total := samples * lines
	var idx []int64
	if mask == nil {
		idx = make([]int64, total)
		for i := range idx {
			idx[i] = int64(i)
		}
		return idx
	}
	for i, keep := range mask.Bits {
		if keep {
			idx = append(idx, int64(i))
		}
	}
	return idx
}

// gatherSample reads the sampled spectra (sorted linear indices) chunk by
// chunk. When withNoise is set it also collects horizontal neighbor
// differences for the noise covariance.
func (m *Model) gatherSample(r *raster.Raster, mask *raster.Mask, sample []int64, withNoise bool, budgetGB float64) ([][]float64, [][]float64, error) {
	hdr := r.Header
	d := len(m.BandIdx)
	spectra := make([][]float64, 0, len(sample))
	var noise [][]float64

	it, err := r.Chunks(mask, budgetGB)
	if err != nil {
		return nil, nil, err
	}
	pos := 0
	for pos < len(sample) {
		ch, err := it.Next()
		if err != nil {
			return nil, nil, err
		}
		if ch == nil {
			break
		}
		lo := int64(ch.Row) * int64(hdr.Samples)
		hi := lo + int64(ch.Rows)*int64(hdr.Samples)
		for pos < len(sample) && sample[pos] < hi {
			local := int(sample[pos] - lo)
			spec := m.extractSpectrum(ch, local)
			spectra = append(spectra, spec)

			if withNoise && (local+1)%hdr.Samples != 0 {
				neighborValid := ch.Mask == nil || ch.Mask[local+1]
				if neighborValid {
					nb := m.extractSpectrum(ch, local+1)
					diff := make([]float64, d)
					for j := 0; j < d; j++ {
						diff[j] = (spec[j] - nb[j]) / math.Sqrt2
					}
					noise = append(noise, diff)
				}
			}
			pos++
		}
	}
	return spectra, noise, nil
}

// extractSpectrum pulls the kept bands of one pixel from a chunk,
// continuum-removed when the model asks for it.
func (m *Model) extractSpectrum(ch *raster.Chunk, local int) []float64 {
	spec := make([]float64, len(m.BandIdx))
	for j, b := range m.BandIdx {
		spec[j] = ch.Data[b][local]
	}
	if m.ContinuumRemoval {
		spec = RemoveContinuum(m.Wavelengths, spec)
	}
	return spec
}

// covarianceOf computes XᵀX/(n-1) for already-centered X.
func covarianceOf(x *mat.Dense) *mat.SymDense {
	n, d := x.Dims()
	var prod mat.Dense
	prod.Mul(x.T(), x)
	cov := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			cov.SetSym(i, j, prod.At(i, j)/float64(n-1))
		}
	}
	return cov
}

func (m *Model) fitPCA(cov *mat.SymDense) error {
	const op = "reduce.Model.fitPCA"

	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		return faults.Numf(op, "covariance eigendecomposition failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// EigenSym orders ascending, so vals[0] is the smallest eigenvalue.
	d := len(vals)
	if vals[d-1] <= 0 || vals[0] <= 1e-12*vals[d-1] {
		return faults.Numf(op, "covariance matrix is singular")
	}

	// EigenSym orders ascending; components are wanted descending.
	m.Eigenvalues = make([]float64, d)
	m.Basis = mat.NewDense(d, d, nil)
	for c := 0; c < d; c++ {
		src := d - 1 - c
		m.Eigenvalues[c] = vals[src]
		for i := 0; i < d; i++ {
			m.Basis.Set(i, c, vecs.At(i, src))
		}
	}
	return nil
}

// rescoreVariances replaces the eigenvalues with the variance of each
// component's scores over the fitting sample. Sparsified loadings no
// longer diagonalize the covariance, so the covariance eigenvalues stop
// describing the score spread.
func (m *Model) rescoreVariances(centered *mat.Dense) {
	var scores mat.Dense
	scores.Mul(centered, m.Basis)
	n, _ := scores.Dims()
	col := make([]float64, n)
	for c := range m.Eigenvalues {
		mat.Col(col, c, &scores)
		m.Eigenvalues[c] = stat.Variance(col, nil)
	}
}

// sparsify soft-thresholds each loading vector at threshold times its
// largest magnitude, then renormalizes, favoring components with few
// non-zero loadings.
func (m *Model) sparsify(threshold float64) {
	d := m.Components()
	for c := 0; c < d; c++ {
		maxAbs := 0.0
		for i := 0; i < d; i++ {
			if a := math.Abs(m.Basis.At(i, c)); a > maxAbs {
				maxAbs = a
			}
		}
		cut := threshold * maxAbs
		norm := 0.0
		for i := 0; i < d; i++ {
			v := m.Basis.At(i, c)
			shrunk := math.Abs(v) - cut
			if shrunk <= 0 {
				m.Basis.Set(i, c, 0)
				continue
			}
			if v < 0 {
				shrunk = -shrunk
			}
			m.Basis.Set(i, c, shrunk)
			norm += shrunk * shrunk
		}
		if norm > 0 {
			norm = math.Sqrt(norm)
			for i := 0; i < d; i++ {
				m.Basis.Set(i, c, m.Basis.At(i, c)/norm)
			}
		}
	}
}

// fitMNF solves the noise-whitened eigenproblem: with noise covariance
// N = LLᵀ, the basis is L⁻ᵀU where U diagonalizes L⁻¹ΣL⁻ᵀ.
func (m *Model) fitMNF(cov *mat.SymDense, noiseDiffs [][]float64) error {
	const op = "reduce.Model.fitMNF"

	d := len(m.BandIdx)
	if len(noiseDiffs) < d {
		return faults.Numf(op, "%d neighbor differences for %d bands", len(noiseDiffs), d)
	}

	noiseX := mat.NewDense(len(noiseDiffs), d, nil)
	for i, diff := range noiseDiffs {
		noiseX.SetRow(i, diff)
	}
	noiseCov := covarianceOf(noiseX)

	var chol mat.Cholesky
	if !chol.Factorize(noiseCov) {
		return faults.Numf(op, "noise covariance is singular")
	}
	var l mat.TriDense
	chol.LTo(&l)

	// A = L⁻¹ Σ L⁻ᵀ, via two triangular solves.
	var lsig mat.Dense
	if err := lsig.Solve(&l, cov); err != nil {
		return faults.Numf(op, "whitening solve failed: %v", err)
	}
	var a mat.Dense
	if err := a.Solve(&l, lsig.T()); err != nil {
		return faults.Numf(op, "whitening solve failed: %v", err)
	}

	sym := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			sym.SetSym(i, j, (a.At(i, j)+a.At(j, i))/2)
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return faults.Numf(op, "whitened eigendecomposition failed")
	}
	vals := eig.Values(nil)
	var u mat.Dense
	eig.VectorsTo(&u)
	if vals[d-1] <= 0 || vals[0] <= 1e-12*vals[d-1] {
		return faults.Numf(op, "whitened covariance is singular")
	}

	// Basis = L⁻ᵀ U, descending eigenvalue order.
	var w mat.Dense
	if err := w.Solve(l.T(), &u); err != nil {
		return faults.Numf(op, "basis solve failed: %v", err)
	}
	m.Eigenvalues = make([]float64, d)
	m.Basis = mat.NewDense(d, d, nil)
	for c := 0; c < d; c++ {
		src := d - 1 - c
		m.Eigenvalues[c] = vals[src]
		for i := 0; i < d; i++ {
			m.Basis.Set(i, c, w.At(i, src))
		}
	}
	return nil
}

// Scores projects one raw spectrum (kept bands, pre continuum removal)
// into component space.
func (m *Model) Scores(spectrum []float64) []float64 {
	spec := spectrum
	if m.ContinuumRemoval {
		spec = RemoveContinuum(m.Wavelengths, spectrum)
	}
	d := len(m.BandIdx)
	out := make([]float64, m.Components())
	for c := 0; c < m.Components(); c++ {
		s := 0.0
		for j := 0; j < d; j++ {
			s += (spec[j] - m.Mean[j]) / m.Scale[j] * m.Basis.At(j, c)
		}
		out[c] = s
	}
	return out
}
