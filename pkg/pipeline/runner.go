// Package pipeline chains the processing stages from reflectance image
// to diversity maps. Every stage reads the artifacts of the previous one
// from disk, so a failed run leaves its completed artifacts behind and
// the component selection can be reviewed and edited between runs.
package pipeline

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"specdiv/pkg/cluster"
	"specdiv/pkg/config"
	"specdiv/pkg/diversity"
	"specdiv/pkg/faults"
	"specdiv/pkg/plots"
	"specdiv/pkg/radiometric"
	"specdiv/pkg/raster"
	"specdiv/pkg/reduce"
)

// Artifact file names under the per-image output directory.
const (
	SelectionFile  = "SELECTED_COMPONENTS.txt"
	SpeciesFile    = "SPECTRAL_SPECIES"
	BetaFile       = "BETA_BC"
	BetaMatrixFile = "BETA_MATRIX.tsv"
	FRicFile       = "FUNCTIONAL_FRIC"
	FEveFile       = "FUNCTIONAL_FEVE"
	FDivFile       = "FUNCTIONAL_FDIV"
	PlotTableFile  = "validation_alpha.tsv"
	PlotBetaFile   = "validation_beta.tsv"
)

// Runner executes the full diversity mapping pipeline for one image.
//
// The pipeline consists of several steps:
// 1. Opening the reflectance image and optional extent mask
// 2. Radiometric filtering of non-vegetation pixels
// 3. Fitting the dimensionality reduction on a pixel sample
// 4. Applying the reduction and filtering component outliers
// 5. Persisting (or reloading) the component selection
// 6. Partitioned k-means clustering into spectral species
// 7. Windowed alpha, beta and functional diversity maps
// 8. Optional validation against field plots
type Runner struct {
	cfg *config.Config

	// outDir is OutputDir/<image name>, created at the start of a run.
	outDir string

	img  *raster.Raster
	mask *raster.Mask
}

// NewRunner creates a runner for a validated configuration.
func NewRunner(cfg *config.Config) *Runner {
	return &Runner{cfg: cfg}
}

// OutputDir returns the per-image artifact directory.
func (r *Runner) OutputDir() string {
	if r.outDir != "" {
		return r.outDir
	}
	base := filepath.Base(r.cfg.Input.Raster)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(r.cfg.Output.Dir, base)
}

// ReducedPath returns the reduced raster artifact path for the
// configured reduction type.
func (r *Runner) ReducedPath() string {
	return filepath.Join(r.OutputDir(), "REDUCED_"+r.cfg.Reduction.Type)
}

// AlphaPath returns the alpha index raster path.
func (r *Runner) AlphaPath(idx diversity.AlphaIndex) string {
	return filepath.Join(r.OutputDir(), "ALPHA_"+strings.ToUpper(string(idx)))
}

// Run executes the complete pipeline.
func (r *Runner) Run() error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	r.outDir = r.OutputDir()
	if err := os.MkdirAll(r.outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %v", err)
	}

	fmt.Println("Step 1: Opening input raster...")
	if err := r.openInputs(); err != nil {
		return err
	}
	defer r.img.Close()

	fmt.Println("Step 2: Applying radiometric filter...")
	if err := r.radiometricFilter(); err != nil {
		return err
	}

	fmt.Println("Step 3: Fitting dimensionality reduction...")
	model, err := reduce.Fit(r.img, r.mask, r.cfg.ReductionOptions(), r.cfg.Processing.MaxRAMGB)
	if err != nil {
		return err
	}
	fmt.Printf("Fitted %s on %d bands, %d components\n",
		r.cfg.Reduction.Type, len(model.BandIdx), model.Components())

	fmt.Println("Step 4: Applying reduction...")
	reduced, err := r.applyReduction(model)
	if err != nil {
		return err
	}
	defer reduced.Close()

	fmt.Println("Step 5: Component selection checkpoint...")
	selection, err := r.componentSelection(model)
	if err != nil {
		return err
	}
	fmt.Printf("Selected components: %v\n", []int(selection))

	fmt.Println("Step 6: Clustering spectral species...")
	species, err := r.clusterSpecies(reduced, selection)
	if err != nil {
		return err
	}
	defer species.Close()

	fmt.Println("Step 7: Mapping diversity indices...")
	grid, err := r.diversityMaps(species, reduced)
	if err != nil {
		return err
	}

	if r.cfg.Plots.GeoJSON != "" {
		fmt.Println("Step 8: Validating against field plots...")
		if err := r.validatePlots(species, reduced); err != nil {
			return err
		}
	}

	fmt.Printf("Done: %d windows mapped under %s\n", len(grid.Abundance), r.outDir)
	return nil
}

// openInputs opens the reflectance image, applies the wavelength
// override and loads the optional extent mask.
func (r *Runner) openInputs() error {
	const op = "pipeline.openInputs"

	img, err := raster.Open(r.cfg.Input.Raster, 0)
	if err != nil {
		return err
	}
	r.img = img
	fmt.Printf("Opened %s: %d x %d pixels, %d bands\n",
		r.cfg.Input.Raster, img.Header.Samples, img.Header.Lines, img.Header.Bands)

	if r.cfg.Input.Wavelengths != "" {
		wl, err := loadWavelengths(r.cfg.Input.Wavelengths)
		if err != nil {
			return err
		}
		if len(wl) != img.Header.Bands {
			return faults.Configf(op, "wavelength file lists %d values for %d bands",
				len(wl), img.Header.Bands)
		}
		img.Header.Wavelengths = wl
	}

	if r.cfg.Input.Mask != "" {
		mask, err := raster.LoadMask(r.cfg.Input.Mask)
		if err != nil {
			return err
		}
		if mask.Samples != img.Header.Samples || mask.Lines != img.Header.Lines {
			return faults.Configf(op, "mask extent %dx%d does not match raster %dx%d",
				mask.Lines, mask.Samples, img.Header.Lines, img.Header.Samples)
		}
		r.mask = mask
	}
	return nil
}

// radiometricFilter intersects the extent mask with the enabled
// reflectance tests. With every test disabled the mask passes through.
func (r *Runner) radiometricFilter() error {
	th := r.cfg.Thresholds()
	if !th.NDVIEnabled && !th.NIREnabled && !th.BlueEnabled {
		fmt.Println("All radiometric tests disabled, skipping")
		return nil
	}
	mask, err := radiometric.Apply(r.img, r.mask, th, radiometric.DefaultBands(), r.cfg.Processing.MaxRAMGB)
	if err != nil {
		return err
	}
	fmt.Printf("Retained %d of %d pixels\n",
		mask.CountValid(), r.img.Header.Samples*r.img.Header.Lines)
	r.mask = mask
	return nil
}

// applyReduction writes the reduced raster and, when enabled, tightens
// the mask by dropping component outliers.
func (r *Runner) applyReduction(model *reduce.Model) (*raster.Raster, error) {
	path := r.ReducedPath()
	if err := model.Apply(r.img, r.mask, path, r.cfg.Processing.MaxRAMGB, r.cfg.Processing.NumCores); err != nil {
		return nil, err
	}
	reduced, err := raster.Open(path, model.Components())
	if err != nil {
		return nil, err
	}

	if r.cfg.Reduction.OutlierFilter {
		mask, err := model.FilterOutliers(reduced, r.mask, r.cfg.Reduction.OutlierSigma, r.cfg.Processing.MaxRAMGB)
		if err != nil {
			reduced.Close()
			return nil, err
		}
		fmt.Printf("Outlier filter retained %d pixels\n", mask.CountValid())
		r.mask = mask
	}
	return reduced, nil
}

// componentSelection reloads an existing selection file so manual edits
// survive, or writes the default selection for later review.
func (r *Runner) componentSelection(model *reduce.Model) (reduce.Selection, error) {
	path := filepath.Join(r.outDir, SelectionFile)

	if _, err := os.Stat(path); err == nil {
		sel, err := reduce.LoadSelection(path)
		if err != nil {
			return nil, err
		}
		if err := sel.Validate(model.Components()); err != nil {
			return nil, err
		}
		fmt.Printf("Loaded existing selection from %s\n", path)
		return sel, nil
	}

	sel := reduce.DefaultSelection(len(r.cfg.Diversity.TraitComponents), model.Components())
	if err := sel.Save(path); err != nil {
		return nil, err
	}
	return sel, nil
}

// clusterSpecies fits the partitioned k-means codebook on the selected
// components and writes the spectral-species map.
func (r *Runner) clusterSpecies(reduced *raster.Raster, selection reduce.Selection) (*raster.Raster, error) {
	opts := r.cfg.ClusterOptions()
	cb, err := cluster.Fit(reduced, r.mask, selection, opts, r.cfg.Processing.MaxRAMGB)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(r.outDir, SpeciesFile)
	if err := cb.Assign(reduced, r.mask, selection, path, r.cfg.Processing.MaxRAMGB, opts.Workers); err != nil {
		return nil, err
	}
	return raster.Open(path, 1)
}

// diversityMaps writes the alpha index rasters, the beta raster and
// matrix, and the functional diversity rasters.
func (r *Runner) diversityMaps(species, reduced *raster.Raster) (*diversity.Grid, error) {
	cfg := r.cfg

	grid, err := diversity.BuildGrid(species, cfg.Diversity.WindowSize, cfg.Cluster.NbClusters)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Tiled %d x %d windows of %d pixels\n",
		grid.Rows, grid.Cols, cfg.Diversity.WindowSize*cfg.Diversity.WindowSize)

	indices := cfg.AlphaIndices()
	alpha := grid.Alpha(indices)
	for _, idx := range indices {
		if err := grid.WriteIndexRaster(r.AlphaPath(idx), string(idx)+" diversity", alpha[idx]); err != nil {
			return nil, err
		}
	}

	beta, err := grid.BetaAgainst(cfg.Diversity.BetaReferenceWindow)
	if err != nil {
		return nil, err
	}
	if err := grid.WriteIndexRaster(filepath.Join(r.outDir, BetaFile), "bray-curtis dissimilarity", beta); err != nil {
		return nil, err
	}

	windows := grid.SampleWindows(cfg.Diversity.BetaPairwiseCap, cfg.Diversity.BetaSampleSeed)
	matrix := grid.BetaMatrix(windows)
	if err := writeBetaMatrix(filepath.Join(r.outDir, BetaMatrixFile), windows, matrix); err != nil {
		return nil, err
	}

	fn, err := diversity.Functional(reduced, r.mask, cfg.Diversity.TraitComponents, cfg.Diversity.WindowSize)
	if err != nil {
		return nil, err
	}
	for _, out := range []struct {
		file string
		desc string
		vals []float64
	}{
		{FRicFile, "functional richness", fn.FRic},
		{FEveFile, "functional evenness", fn.FEve},
		{FDivFile, "functional divergence", fn.FDiv},
	} {
		if err := grid.WriteIndexRaster(filepath.Join(r.outDir, out.file), out.desc, out.vals); err != nil {
			return nil, err
		}
	}
	return grid, nil
}

// validatePlots rasterizes the field plots onto the image grid and
// writes the per-plot index table and pairwise dissimilarity matrix.
func (r *Runner) validatePlots(species, reduced *raster.Raster) error {
	gt, err := plots.ParseMapInfo(r.img.Header.MapInfo)
	if err != nil {
		return err
	}
	plotList, err := plots.Load(r.cfg.Plots.GeoJSON)
	if err != nil {
		return err
	}

	pixels := make([][]int, len(plotList))
	for i, p := range plotList {
		px, err := plots.Rasterize(p, gt, r.img.Header, r.mask)
		if err != nil {
			return err
		}
		pixels[i] = px
	}

	stats, err := plots.Abundances(species, plotList, pixels, r.cfg.Cluster.NbClusters)
	if err != nil {
		return err
	}
	indices := r.cfg.AlphaIndices()
	plots.FillAlpha(stats, indices)
	if err := plots.FillFunctional(stats, reduced, pixels, r.cfg.Diversity.TraitComponents); err != nil {
		return err
	}

	if err := plots.WriteTable(filepath.Join(r.outDir, PlotTableFile), stats, indices); err != nil {
		return err
	}
	matrix := plots.BetaMatrix(stats)
	if err := plots.WriteBetaTable(filepath.Join(r.outDir, PlotBetaFile), stats, matrix); err != nil {
		return err
	}
	fmt.Printf("Validated %d plots\n", len(stats))
	return nil
}

// writeBetaMatrix writes the sampled pairwise dissimilarity matrix as
// TSV keyed by window id.
func writeBetaMatrix(path string, windows []int, matrix [][]float64) error {
	const op = "pipeline.writeBetaMatrix"

	f, err := os.Create(path)
	if err != nil {
		return faults.IOf(op, "create %s: %v", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprint(w, "window")
	for _, id := range windows {
		fmt.Fprintf(w, "\t%d", id)
	}
	fmt.Fprintln(w)
	for i, id := range windows {
		fmt.Fprintf(w, "%d", id)
		for j := range windows {
			fmt.Fprintf(w, "\t%s", strconv.FormatFloat(matrix[i][j], 'f', 6, 64))
		}
		fmt.Fprintln(w)
	}
	if err := w.Flush(); err != nil {
		return faults.IOf(op, "write %s: %v", path, err)
	}
	return nil
}

// loadWavelengths reads a one-value-per-line wavelength file, in
// nanometers. Blank lines and # comments are allowed.
func loadWavelengths(path string) ([]float64, error) {
	const op = "pipeline.loadWavelengths"

	f, err := os.Open(path)
	if err != nil {
		return nil, faults.IOf(op, "opening %s: %v", path, err)
	}
	defer f.Close()

	var out []float64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, faults.IOf(op, "%s: bad wavelength %q", path, line)
		}
		out = append(out, v)
	}
	if err := sc.Err(); err != nil {
		return nil, faults.IOf(op, "reading %s: %v", path, err)
	}
	return out, nil
}
