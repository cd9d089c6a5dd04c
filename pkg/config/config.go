// Package config provides configuration loading and management for gibbstrack.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"gibbstrack/internal/models"
	"gibbstrack/pkg/odf"
	"gibbstrack/pkg/phantom"
	"gibbstrack/pkg/sampler"
	"gibbstrack/pkg/tracking"
)

// Bundle is a straight phantom fiber bundle in mm.
type Bundle struct {
	Start  [3]float64 `yaml:"start"`
	End    [3]float64 `yaml:"end"`
	Radius float64    `yaml:"radius"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Tracking parameters
	Tracking struct {
		// Iterations is the number of sampler steps
		Iterations int `yaml:"iterations"`

		// StartTemperature and EndTemperature bound the annealing schedule
		StartTemperature float64 `yaml:"startTemperature"`
		EndTemperature   float64 `yaml:"endTemperature"`

		// ParticleLength, ParticleWidth and ParticleWeight are resolved
		// from the field when zero
		ParticleLength float64 `yaml:"particleLength"`
		ParticleWidth  float64 `yaml:"particleWidth"`
		ParticleWeight float64 `yaml:"particleWeight"`

		// CurvatureThreshold is the sharpest allowed bend in degrees
		CurvatureThreshold float64 `yaml:"curvatureThreshold"`

		ChemicalPotential   float64 `yaml:"chemicalPotential"`
		ConnectionPotential float64 `yaml:"connectionPotential"`
		InExBalance         float64 `yaml:"inExBalance"`

		// Seed initialises the random source
		Seed uint64 `yaml:"seed"`

		// ReportInterval is the number of steps between progress reports
		ReportInterval int `yaml:"reportInterval"`
	} `yaml:"tracking"`

	// Proposal frequencies, normalised by the sampler
	Proposals struct {
		Birth    float64 `yaml:"birth"`
		Death    float64 `yaml:"death"`
		Shift    float64 `yaml:"shift"`
		ShiftOpt float64 `yaml:"shiftOpt"`
		Connect  float64 `yaml:"connect"`
	} `yaml:"proposals"`

	// Particle grid parameters
	Grid struct {
		InitialCapacity int `yaml:"initialCapacity"`
		CellCapacity    int `yaml:"cellCapacity"`
	} `yaml:"grid"`

	// Connect proposal parameters
	Track struct {
		StopWeight          float64 `yaml:"stopWeight"`
		DeletionProbability float64 `yaml:"deletionProbability"`
		ProposalTemperature float64 `yaml:"proposalTemperature"`
		MaxProposalLength   int     `yaml:"maxProposalLength"`
	} `yaml:"track"`

	// Energy approximation parameters
	Energy struct {
		BesselCoefficients []float64 `yaml:"besselCoefficients"`
		SampleSteps        int       `yaml:"sampleSteps"`
	} `yaml:"energy"`

	// Synthetic phantom parameters
	Phantom struct {
		Size           [3]int   `yaml:"size"`
		Spacing        float64  `yaml:"spacing"`
		MaskMultiplier int      `yaml:"maskMultiplier"`
		SphereLevel    int      `yaml:"sphereLevel"`
		CrossingAngle  float64  `yaml:"crossingAngle"`
		Bundles        []Bundle `yaml:"bundles"`
	} `yaml:"phantom"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// MinFiberLength drops shorter fibers from the report, in mm
		MinFiberLength float64 `yaml:"minFiberLength"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default tracking parameters
	cfg.Tracking.Iterations = 5000000
	cfg.Tracking.StartTemperature = 0.1
	cfg.Tracking.EndTemperature = 0.001
	cfg.Tracking.CurvatureThreshold = 45
	cfg.Tracking.ChemicalPotential = 0.2
	cfg.Tracking.ConnectionPotential = 10
	cfg.Tracking.Seed = 1

	// Set default proposal frequencies
	w := sampler.DefaultProposalWeights()
	cfg.Proposals.Birth = w.Birth
	cfg.Proposals.Death = w.Death
	cfg.Proposals.Shift = w.Shift
	cfg.Proposals.ShiftOpt = w.ShiftOpt
	cfg.Proposals.Connect = w.Connect

	cfg.Grid.InitialCapacity = 1000
	cfg.Grid.CellCapacity = 64

	tp := sampler.DefaultTrackParams()
	cfg.Track.StopWeight = tp.StopWeight
	cfg.Track.DeletionProbability = tp.DeletionProbability
	cfg.Track.ProposalTemperature = tp.ProposalTemperature
	cfg.Track.MaxProposalLength = tp.MaxProposalLength

	cfg.Energy.SampleSteps = 10

	// Set default phantom parameters
	pp := phantom.DefaultParams()
	cfg.Phantom.Size = pp.Size
	cfg.Phantom.Spacing = pp.Spacing
	cfg.Phantom.MaskMultiplier = pp.MaskMultiplier
	cfg.Phantom.SphereLevel = pp.SphereLevel
	cfg.Phantom.CrossingAngle = 60

	cfg.Output.Verbose = true
	cfg.Output.MinFiberLength = 10

	return cfg
}

// Validate checks values that cannot be resolved later.
func (c *Config) Validate() error {
	t := &c.Tracking
	if t.Iterations < 0 {
		return fmt.Errorf("tracking.iterations must not be negative")
	}
	if !(t.StartTemperature > 0) {
		return fmt.Errorf("tracking.startTemperature must be positive")
	}
	if t.EndTemperature < 0 || t.EndTemperature > t.StartTemperature {
		return fmt.Errorf("tracking.endTemperature must be within [0, startTemperature]")
	}
	if t.ParticleLength < 0 || t.ParticleWidth < 0 || t.ParticleWeight < 0 {
		return fmt.Errorf("particle length, width and weight must not be negative")
	}
	if t.CurvatureThreshold < 0 || t.CurvatureThreshold > 180 {
		return fmt.Errorf("tracking.curvatureThreshold must be within [0, 180] degrees")
	}
	p := &c.Proposals
	for _, w := range []float64{p.Birth, p.Death, p.Shift, p.ShiftOpt, p.Connect} {
		if w < 0 {
			return fmt.Errorf("proposal weights must not be negative")
		}
	}
	if p.Birth+p.Death+p.Shift+p.ShiftOpt+p.Connect == 0 {
		return fmt.Errorf("at least one proposal weight must be positive")
	}
	if c.Grid.CellCapacity <= 0 {
		return fmt.Errorf("grid.cellCapacity must be positive")
	}
	if n := len(c.Energy.BesselCoefficients); n != 0 && n != 4 {
		return fmt.Errorf("energy.besselCoefficients needs 4 values, got %d", n)
	}
	if c.Track.DeletionProbability <= 0 || c.Track.DeletionProbability > 1 {
		return fmt.Errorf("track.deletionProbability must be within (0, 1]")
	}
	return nil
}

// Resolve fills zero particle length, width and weight from the field:
// length 1.5 and width 0.5 times the smallest voxel spacing, weight the
// mean ODF peak over the mask.
func (c *Config) Resolve(field *odf.Field, mask *models.Volume) error {
	t := &c.Tracking
	spacing := field.Volume().MinSpacing()
	if t.ParticleLength == 0 {
		t.ParticleLength = 1.5 * spacing
	}
	if t.ParticleWidth == 0 {
		t.ParticleWidth = 0.5 * spacing
	}
	if t.ParticleWeight == 0 {
		m := 1
		if mask != nil {
			m = mask.Width / field.Volume().Width
		}
		mean, _, err := odf.PeakStats(field.Volume(), mask, m)
		if err != nil {
			return fmt.Errorf("failed to estimate particle weight: %w", err)
		}
		if !(mean > 0) {
			return fmt.Errorf("mean ODF peak is zero, set tracking.particleWeight")
		}
		t.ParticleWeight = mean
	}
	return nil
}

// TrackingParams converts the configuration to tracker parameters.
func (c *Config) TrackingParams() tracking.Params {
	t := &c.Tracking
	p := tracking.Params{
		Iterations:          t.Iterations,
		StartTemperature:    t.StartTemperature,
		EndTemperature:      t.EndTemperature,
		ParticleLength:      t.ParticleLength,
		ParticleWidth:       t.ParticleWidth,
		ParticleWeight:      t.ParticleWeight,
		CurvatureThreshold:  t.CurvatureThreshold,
		ChemicalPotential:   t.ChemicalPotential,
		ConnectionPotential: t.ConnectionPotential,
		InExBalance:         t.InExBalance,
		SampleSteps:         c.Energy.SampleSteps,
		Weights: sampler.ProposalWeights{
			Birth:    c.Proposals.Birth,
			Death:    c.Proposals.Death,
			Shift:    c.Proposals.Shift,
			ShiftOpt: c.Proposals.ShiftOpt,
			Connect:  c.Proposals.Connect,
		},
		Track: sampler.TrackParams{
			StopWeight:          c.Track.StopWeight,
			DeletionProbability: c.Track.DeletionProbability,
			ProposalTemperature: c.Track.ProposalTemperature,
			MaxProposalLength:   c.Track.MaxProposalLength,
		},
		GridCapacity:   c.Grid.InitialCapacity,
		CellCapacity:   c.Grid.CellCapacity,
		Seed:           t.Seed,
		ReportInterval: t.ReportInterval,
	}
	copy(p.BesselCoefficients[:], c.Energy.BesselCoefficients)
	return p
}

// PhantomParams converts the phantom section. Without explicit bundles two
// bundles cross at CrossingAngle in the centre of the volume.
func (c *Config) PhantomParams() phantom.Params {
	ph := &c.Phantom
	p := phantom.DefaultParams()
	p.Size = ph.Size
	p.Spacing = ph.Spacing
	p.MaskMultiplier = ph.MaskMultiplier
	p.SphereLevel = ph.SphereLevel

	if len(ph.Bundles) == 0 {
		radius := 0.2 * math.Min(float64(p.Size[0]), float64(p.Size[1])) * p.Spacing
		p.Bundles = phantom.CrossingBundles(p.Size, p.Spacing, ph.CrossingAngle, radius)
		return p
	}
	p.Bundles = make([]phantom.Bundle, len(ph.Bundles))
	for i, b := range ph.Bundles {
		p.Bundles[i] = phantom.Bundle{
			Start:  r3.Vec{X: b.Start[0], Y: b.Start[1], Z: b.Start[2]},
			End:    r3.Vec{X: b.End[0], Y: b.End[1], Z: b.End[2]},
			Radius: b.Radius,
		}
	}
	return p
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
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

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
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

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
