package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"specdiv/pkg/config"
	"specdiv/pkg/pipeline"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "", "YAML run configuration file")
	inputRaster := flag.String("input", "", "Reflectance raster (overrides config)")
	outputDir := flag.String("output", "", "Output directory (overrides config)")
	maskPath := flag.String("mask", "", "Extent mask raster (overrides config)")
	plotsPath := flag.String("plots", "", "Field plot GeoJSON file (overrides config)")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (default: all available)")
	writeConfig := flag.String("write-config", "", "Write a default configuration file to this path and exit")
	flag.Parse()

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *writeConfig)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Command line flags win over the configuration file.
	if *inputRaster != "" {
		cfg.Input.Raster = *inputRaster
	}
	if *outputDir != "" {
		cfg.Output.Dir = *outputDir
	}
	if *maskPath != "" {
		cfg.Input.Mask = *maskPath
	}
	if *plotsPath != "" {
		cfg.Plots.GeoJSON = *plotsPath
	}
	if *numCores > 0 {
		cfg.Processing.NumCores = *numCores
	}
	if cfg.Processing.NumCores < 1 {
		cfg.Processing.NumCores = runtime.NumCPU()
	}

	if cfg.Input.Raster == "" {
		flag.Usage()
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("SPECTRAL DIVERSITY MAPPING FROM IMAGING SPECTROSCOPY")
	fmt.Println("================================")
	fmt.Printf("Input raster: %s\n", cfg.Input.Raster)
	fmt.Printf("Reduction: %s, %d spectral species, %dpx windows\n",
		cfg.Reduction.Type, cfg.Cluster.NbClusters, cfg.Diversity.WindowSize)

	runner := pipeline.NewRunner(cfg)

	fmt.Println("Starting diversity mapping with parallel processing...")
	startTime := time.Now()
	if err := runner.Run(); err != nil {
		log.Fatalf("Pipeline failed: %v", err)
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nDiversity mapping completed successfully in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("Artifacts saved under: %s\n", runner.OutputDir())
	fmt.Printf("- Used %d cores for processing\n", cfg.Processing.NumCores)
	fmt.Println("\nThe following artifacts were written:")
	fmt.Printf("- REDUCED_%s: reduced components raster\n", cfg.Reduction.Type)
	fmt.Println("- SELECTED_COMPONENTS.txt: component selection (editable, reused on rerun)")
	fmt.Println("- SPECTRAL_SPECIES: spectral species map")
	for _, idx := range cfg.Diversity.AlphaIndices {
		fmt.Printf("- ALPHA_%s: alpha diversity raster\n", strings.ToUpper(idx))
	}
	fmt.Println("- BETA_BC, BETA_MATRIX.tsv: beta diversity against the reference window and sampled pairwise matrix")
	fmt.Println("- FUNCTIONAL_FRIC, FUNCTIONAL_FEVE, FUNCTIONAL_FDIV: functional diversity rasters")
	if cfg.Plots.GeoJSON != "" {
		fmt.Println("- validation_alpha.tsv, validation_beta.tsv: field plot validation tables")
	}
}
