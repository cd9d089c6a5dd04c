package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"gibbstrack/internal/monitoring"
	"gibbstrack/pkg/config"
	"gibbstrack/pkg/fiber"
	"gibbstrack/pkg/phantom"
	"gibbstrack/pkg/sampler"
	"gibbstrack/pkg/tracking"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "gibbstrack.yaml", "YAML configuration file (defaults are used if missing)")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	iterations := flag.Int("iterations", 0, "Override the number of sampler iterations")
	seed := flag.Uint64("seed", 0, "Override the random seed")
	quiet := flag.Bool("quiet", false, "Only print the final report")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *iterations > 0 {
		cfg.Tracking.Iterations = *iterations
	}
	if *seed > 0 {
		cfg.Tracking.Seed = *seed
	}
	verbose := cfg.Output.Verbose && !*quiet
	if !verbose {
		monitoring.SetLogger(nil)
	}

	fmt.Println("================================")
	fmt.Println("GLOBAL FIBER TRACKING BY GIBBS SAMPLING")
	fmt.Println("================================")

	fmt.Println("Step 1: Generating phantom orientation field...")
	field, mask, err := phantom.Generate(cfg.PhantomParams())
	if err != nil {
		log.Fatalf("Failed to generate phantom: %v", err)
	}
	if err := cfg.Resolve(field, mask); err != nil {
		log.Fatalf("Failed to resolve particle parameters: %v", err)
	}

	fmt.Println("Step 2: Preparing tracker...")
	tracker, err := tracking.NewTracker(field, mask, cfg.TrackingParams())
	if err != nil {
		log.Fatalf("Failed to create tracker: %v", err)
	}
	if verbose {
		tracker.SetProgressCallback(func(completed, total int, message string) {
			fmt.Printf("  %6.2f%% %s\n", 100*float64(completed)/float64(total), message)
		})
	}
	p := tracker.Params()
	fmt.Printf("Particle length %.2fmm, width %.2fmm, weight %.3f, curvature %.0f degrees\n",
		p.ParticleLength, p.ParticleWidth, p.ParticleWeight, p.CurvatureThreshold)

	// Ctrl-C stops the run between iterations; the report is still printed
	var abort atomic.Bool
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	go func() {
		<-interrupts
		abort.Store(true)
	}()

	fmt.Printf("Step 3: Running %d iterations (run %s)...\n", p.Iterations, tracker.RunID())
	startTime := time.Now()
	stats := tracker.Run(&abort)
	processingTime := time.Since(startTime)
	signal.Stop(interrupts)

	fmt.Println("Step 4: Extracting fibers...")
	fibers := fiber.Extract(tracker.Grid().Particles())
	kept := fiber.Filter(fibers, cfg.Output.MinFiberLength)
	summary := fiber.Summarize(kept)

	if stats.Aborted {
		fmt.Printf("\nTracking aborted after %d of %d iterations (%.2f seconds)\n", stats.Iterations, p.Iterations, processingTime.Seconds())
	} else {
		fmt.Printf("\nTracking completed successfully in %.2f seconds!\n", processingTime.Seconds())
	}

	fmt.Printf("\nRun Statistics:\n")
	fmt.Printf("=======================================\n")
	fmt.Printf("Acceptance ratio: %.4f\n", stats.AcceptanceRatio)
	fmt.Printf("Particles: %d\n", stats.Particles)
	fmt.Printf("Connections: %d\n", stats.Connections)
	fmt.Printf("Cell overflows: %d\n", stats.Overflows)
	fmt.Printf("Infeasible moves: %d\n", stats.Infeasible)
	fmt.Printf("Final temperature: %.5f\n", stats.Temperature)

	fmt.Println("\nProposals (accepted / proposed):")
	for k := sampler.Proposal(0); k < sampler.NumProposals; k++ {
		fmt.Printf("- %-9s %d / %d\n", k, stats.Proposals.Accepted[k], stats.Proposals.Proposed[k])
	}

	fmt.Printf("\nFibers longer than %.1fmm: %d of %d\n", cfg.Output.MinFiberLength, summary.Count, len(fibers))
	if summary.Count > 0 {
		fmt.Printf("- Particles in fibers: %d\n", summary.Particles)
		fmt.Printf("- Mean length: %.2fmm (std %.2fmm)\n", summary.MeanLength, summary.StdLength)
		fmt.Printf("- Shortest / longest: %.2fmm / %.2fmm\n", summary.MinLength, summary.MaxLength)
	}
}
