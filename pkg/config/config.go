// Package config provides configuration loading and management for the
// diversity mapping pipeline. It handles loading configuration from YAML
// files, provides default values and validates the combination once
// before a run starts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"specdiv/pkg/cluster"
	"specdiv/pkg/diversity"
	"specdiv/pkg/faults"
	"specdiv/pkg/radiometric"
	"specdiv/pkg/reduce"
)

// Config represents the pipeline configuration loaded from YAML.
type Config struct {
	// Input rasters
	Input struct {
		// Raster is the path to the reflectance image (flat binary with
		// a text header alongside).
		Raster string `yaml:"raster"`

		// Wavelengths optionally overrides the header wavelengths with a
		// one-value-per-line file, in nanometers.
		Wavelengths string `yaml:"wavelengths"`

		// Mask is an optional single-band 0/1 raster restricting the
		// processed extent.
		Mask string `yaml:"mask"`
	} `yaml:"input"`

	// Output parameters
	Output struct {
		// Dir is the directory all artifacts are written under, in a
		// subdirectory named after the input image.
		Dir string `yaml:"dir"`
	} `yaml:"output"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel stages.
		NumCores int `yaml:"numCores"`

		// MaxRAMGB bounds the pixel data held in memory per chunk, in GiB.
		MaxRAMGB float64 `yaml:"maxRAMGB"`
	} `yaml:"processing"`

	// Radiometric filter parameters
	Filter struct {
		// UseNDVI, UseNIR and UseBlue enable the individual tests.
		UseNDVI bool `yaml:"useNDVI"`
		UseNIR  bool `yaml:"useNIR"`
		UseBlue bool `yaml:"useBlue"`

		// NDVIThreshold keeps pixels with NDVI at or above it.
		NDVIThreshold float64 `yaml:"ndviThreshold"`

		// NIRThreshold keeps pixels with NIR reflectance at or above it.
		NIRThreshold float64 `yaml:"nirThreshold"`

		// BlueThreshold drops pixels with blue reflectance above it.
		BlueThreshold float64 `yaml:"blueThreshold"`
	} `yaml:"filter"`

	// Dimensionality reduction parameters
	Reduction struct {
		// Type selects the transform: PCA, SPCA or MNF.
		Type string `yaml:"type"`

		// ContinuumRemoval normalizes each spectrum by its convex
		// envelope before fitting.
		ContinuumRemoval bool `yaml:"continuumRemoval"`

		// ExcludedRanges lists wavelength intervals [lo, hi] in
		// nanometers dropped before fitting, typically water vapor bands.
		ExcludedRanges [][]float64 `yaml:"excludedRanges"`

		// OutlierFilter drops pixels whose reduced components exceed
		// OutlierSigma standard deviations.
		OutlierFilter bool    `yaml:"outlierFilter"`
		OutlierSigma  float64 `yaml:"outlierSigma"`

		// SampleSize is the number of pixels sampled to fit the model.
		SampleSize int `yaml:"sampleSize"`

		// SPCAThreshold is the loading fraction below which SPCA zeroes
		// a coefficient.
		SPCAThreshold float64 `yaml:"spcaThreshold"`

		// Seed drives the fitting sample draw.
		Seed int64 `yaml:"seed"`
	} `yaml:"reduction"`

	// Clustering parameters
	Cluster struct {
		// NbClusters is the spectral species count.
		NbClusters int `yaml:"nbClusters"`

		// Iterations bounds the refinement iterations per partition.
		Iterations int `yaml:"iterations"`

		// Init selects centroid seeding: kmeanspp or random.
		Init string `yaml:"init"`

		// Seed drives partitioning and seeding.
		Seed int64 `yaml:"seed"`
	} `yaml:"cluster"`

	// Diversity mapping parameters
	Diversity struct {
		// WindowSize is the square window edge in pixels.
		WindowSize int `yaml:"windowSize"`

		// AlphaIndices lists the within-window indices to map:
		// shannon, simpson, fisher.
		AlphaIndices []string `yaml:"alphaIndices"`

		// TraitComponents are the reduced components treated as
		// functional traits, between one and three.
		TraitComponents []int `yaml:"traitComponents"`

		// BetaReferenceWindow is the window the beta raster is computed
		// against.
		BetaReferenceWindow int `yaml:"betaReferenceWindow"`

		// BetaPairwiseCap bounds the pairwise matrix: more valid windows
		// than this and a seeded sample is used instead.
		BetaPairwiseCap int `yaml:"betaPairwiseCap"`

		// BetaSampleSeed drives the window sample above the cap.
		BetaSampleSeed int64 `yaml:"betaSampleSeed"`
	} `yaml:"diversity"`

	// Field-plot validation parameters
	Plots struct {
		// GeoJSON is an optional plot polygon file; empty skips the
		// validation stage.
		GeoJSON string `yaml:"geojson"`
	} `yaml:"plots"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.MaxRAMGB = 0.25

	th := radiometric.DefaultThresholds()
	cfg.Filter.UseNDVI = th.NDVIEnabled
	cfg.Filter.UseNIR = th.NIREnabled
	cfg.Filter.UseBlue = th.BlueEnabled
	cfg.Filter.NDVIThreshold = th.NDVIMin
	cfg.Filter.NIRThreshold = th.NIRMin
	cfg.Filter.BlueThreshold = th.BlueMax

	ropts := reduce.DefaultOptions()
	cfg.Reduction.Type = string(ropts.Type)
	cfg.Reduction.ContinuumRemoval = ropts.ContinuumRemoval
	cfg.Reduction.OutlierFilter = true
	cfg.Reduction.OutlierSigma = 3
	cfg.Reduction.SampleSize = ropts.SampleSize
	cfg.Reduction.SPCAThreshold = ropts.SPCAThreshold
	cfg.Reduction.Seed = ropts.Seed

	copts := cluster.DefaultOptions()
	cfg.Cluster.NbClusters = copts.NbClusters
	cfg.Cluster.Iterations = copts.Iterations
	cfg.Cluster.Init = copts.Init
	cfg.Cluster.Seed = copts.Seed

	cfg.Diversity.WindowSize = 10
	cfg.Diversity.AlphaIndices = []string{"shannon"}
	cfg.Diversity.TraitComponents = []int{0, 1, 2}
	cfg.Diversity.BetaPairwiseCap = 2000
	cfg.Diversity.BetaSampleSeed = copts.Seed

	return cfg
}

// LoadConfig loads configuration from a YAML file. If the file doesn't
// exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks the configuration once before a run. Every problem is
// a Configuration-kind error naming the offending field.
func (cfg *Config) Validate() error {
	const op = "config.Validate"

	if cfg.Input.Raster == "" {
		return faults.Configf(op, "input.raster is required")
	}
	if cfg.Output.Dir == "" {
		return faults.Configf(op, "output.dir is required")
	}
	if cfg.Processing.NumCores < 1 {
		return faults.Configf(op, "processing.numCores = %d, want at least 1", cfg.Processing.NumCores)
	}
	if cfg.Processing.MaxRAMGB <= 0 {
		return faults.Configf(op, "processing.maxRAMGB = %g, want positive", cfg.Processing.MaxRAMGB)
	}

	switch reduce.Type(cfg.Reduction.Type) {
	case reduce.PCA, reduce.SPCA, reduce.MNF:
	default:
		return faults.Configf(op, "reduction.type %q, want PCA, SPCA or MNF", cfg.Reduction.Type)
	}
	for _, r := range cfg.Reduction.ExcludedRanges {
		if len(r) != 2 || r[0] >= r[1] {
			return faults.Configf(op, "reduction.excludedRanges entry %v, want [lo, hi] with lo < hi", r)
		}
	}
	if cfg.Reduction.SampleSize < 2 {
		return faults.Configf(op, "reduction.sampleSize = %d, want at least 2", cfg.Reduction.SampleSize)
	}
	if cfg.Reduction.OutlierFilter && cfg.Reduction.OutlierSigma <= 0 {
		return faults.Configf(op, "reduction.outlierSigma = %g, want positive", cfg.Reduction.OutlierSigma)
	}

	if cfg.Cluster.NbClusters < 2 {
		return faults.Configf(op, "cluster.nbClusters = %d, want at least 2", cfg.Cluster.NbClusters)
	}
	if cfg.Cluster.Iterations < 1 {
		return faults.Configf(op, "cluster.iterations = %d, want at least 1", cfg.Cluster.Iterations)
	}
	switch cfg.Cluster.Init {
	case "kmeanspp", "random":
	default:
		return faults.Configf(op, "cluster.init %q, want kmeanspp or random", cfg.Cluster.Init)
	}

	if cfg.Diversity.WindowSize < 1 {
		return faults.Configf(op, "diversity.windowSize = %d, want at least 1", cfg.Diversity.WindowSize)
	}
	if len(cfg.Diversity.AlphaIndices) == 0 {
		return faults.Configf(op, "diversity.alphaIndices is empty, select at least one index")
	}
	for _, name := range cfg.Diversity.AlphaIndices {
		if _, err := diversity.ParseAlphaIndex(name); err != nil {
			return err
		}
	}
	if n := len(cfg.Diversity.TraitComponents); n < 1 || n > 3 {
		return faults.Configf(op, "diversity.traitComponents lists %d components, supported range is 1 to 3", n)
	}
	for _, c := range cfg.Diversity.TraitComponents {
		if c < 0 {
			return faults.Configf(op, "diversity.traitComponents entry %d, want non-negative", c)
		}
	}
	if cfg.Diversity.BetaReferenceWindow < 0 {
		return faults.Configf(op, "diversity.betaReferenceWindow = %d, want non-negative", cfg.Diversity.BetaReferenceWindow)
	}
	if cfg.Diversity.BetaPairwiseCap < 0 {
		return faults.Configf(op, "diversity.betaPairwiseCap = %d, want non-negative", cfg.Diversity.BetaPairwiseCap)
	}

	return nil
}

// Thresholds returns the radiometric filter settings in the filter
// package's terms.
func (cfg *Config) Thresholds() radiometric.Thresholds {
	return radiometric.Thresholds{
		NDVIEnabled: cfg.Filter.UseNDVI, NDVIMin: cfg.Filter.NDVIThreshold,
		NIREnabled: cfg.Filter.UseNIR, NIRMin: cfg.Filter.NIRThreshold,
		BlueEnabled: cfg.Filter.UseBlue, BlueMax: cfg.Filter.BlueThreshold,
	}
}

// ReductionOptions returns the reduction settings in the reduce
// package's terms. Call Validate first.
func (cfg *Config) ReductionOptions() reduce.Options {
	opts := reduce.Options{
		Type:             reduce.Type(cfg.Reduction.Type),
		ContinuumRemoval: cfg.Reduction.ContinuumRemoval,
		SampleSize:       cfg.Reduction.SampleSize,
		Seed:             cfg.Reduction.Seed,
		SPCAThreshold:    cfg.Reduction.SPCAThreshold,
	}
	for _, r := range cfg.Reduction.ExcludedRanges {
		opts.ExcludedRanges = append(opts.ExcludedRanges, [2]float64{r[0], r[1]})
	}
	return opts
}

// ClusterOptions returns the clustering settings in the cluster
// package's terms.
func (cfg *Config) ClusterOptions() cluster.Options {
	return cluster.Options{
		NbClusters: cfg.Cluster.NbClusters,
		Iterations: cfg.Cluster.Iterations,
		Init:       cfg.Cluster.Init,
		Seed:       cfg.Cluster.Seed,
		Workers:    cfg.Processing.NumCores,
	}
}

// AlphaIndices returns the parsed alpha index selection. Call Validate
// first.
func (cfg *Config) AlphaIndices() []diversity.AlphaIndex {
	out := make([]diversity.AlphaIndex, 0, len(cfg.Diversity.AlphaIndices))
	for _, name := range cfg.Diversity.AlphaIndices {
		idx, err := diversity.ParseAlphaIndex(name)
		if err != nil {
			continue
		}
		out = append(out, idx)
	}
	return out
}
