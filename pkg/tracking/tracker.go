// Package tracking drives a global fiber tracking run: it owns the particle
// grid, the energy model and the sampler for one run, anneals the
// temperature and reports statistics.
package tracking

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/google/uuid"

	"gibbstrack/internal/models"
	"gibbstrack/internal/monitoring"
	"gibbstrack/pkg/energy"
	"gibbstrack/pkg/odf"
	"gibbstrack/pkg/particlegrid"
	"gibbstrack/pkg/sampler"
)

// ProgressCallback is called at every reporting interval and once at the end
// of a run.
type ProgressCallback func(completed, total int, message string)

// Params holds the configuration of a tracking run.
type Params struct {
	// Iterations is the number of sampler steps in a run.
	Iterations int

	// StartTemperature and EndTemperature bound the annealing schedule. An
	// end temperature that is zero or equal to the start keeps the
	// temperature constant.
	StartTemperature float64
	EndTemperature   float64

	// ParticleLength is the full length of a particle in mm. It also sets
	// the grid cell size.
	ParticleLength float64

	// ParticleWidth is the width of the neighbour kernel in mm.
	ParticleWidth float64

	// ParticleWeight normalises the ODF amplitude.
	ParticleWeight float64

	// CurvatureThreshold is the sharpest allowed bend between connected
	// particles, in degrees.
	CurvatureThreshold float64

	// ChemicalPotential controls the equilibrium particle density.
	ChemicalPotential float64

	// ConnectionPotential rewards each connection.
	ConnectionPotential float64

	// InExBalance shifts weight between internal and external energy.
	InExBalance float64

	// ExInRatio gives the external temperature as a multiple of the
	// internal one. Zero means 1.
	ExInRatio float64

	// SampleSteps and BesselCoefficients tune the energy approximations.
	// Zero values select the defaults.
	SampleSteps        int
	BesselCoefficients [4]float64

	// Weights are the relative proposal frequencies.
	Weights sampler.ProposalWeights

	// Track configures the connect proposal walks.
	Track sampler.TrackParams

	// GridCapacity is the initial arena size and CellCapacity the number of
	// particles a grid cell holds.
	GridCapacity int
	CellCapacity int

	// MaxParticles bounds arena growth. Zero means unbounded.
	MaxParticles int

	// Seed initialises the random source.
	Seed uint64

	// ReportInterval is the number of steps between temperature updates and
	// progress reports. Zero selects Iterations/100.
	ReportInterval int
}

// DefaultParams returns parameters for a 2mm particle with the standard
// proposal mix.
func DefaultParams() Params {
	return Params{
		Iterations:          1000000,
		StartTemperature:    0.1,
		EndTemperature:      0.001,
		ParticleLength:      2,
		ParticleWidth:       1,
		ParticleWeight:      0.1,
		CurvatureThreshold:  45,
		ChemicalPotential:   0.2,
		ConnectionPotential: 10,
		Weights:             sampler.DefaultProposalWeights(),
		Track:               sampler.DefaultTrackParams(),
		GridCapacity:        1000,
		CellCapacity:        64,
		Seed:                1,
	}
}

// Stats summarises a run.
type Stats struct {
	// RunID tags the run in log output.
	RunID string

	// Iterations is the number of steps actually executed.
	Iterations int

	// Aborted is set when the abort flag ended the run early.
	Aborted bool

	// Accepted is the number of accepted proposals and AcceptanceRatio
	// that number divided by Iterations.
	Accepted        int
	AcceptanceRatio float64

	// Particles and Connections describe the final configuration.
	Particles   int
	Connections int

	// Overflows counts cell overflows and Infeasible the accepted moves
	// that could not be applied.
	Overflows  int
	Infeasible int

	// Temperature is the internal temperature at the end of the run.
	Temperature float64

	// Proposals holds the per-kind counters.
	Proposals sampler.Stats
}

// Tracker runs the sampler against an orientation field and a mask. A
// Tracker is single-threaded; concurrent runs need separate instances.
type Tracker struct {
	params Params

	field *odf.Field
	mask  *models.Volume

	grid    *particlegrid.Grid
	model   *energy.Model
	sampler *sampler.Sampler

	runID    uuid.UUID
	progress ProgressCallback
	stats    Stats
}

// NewTracker creates a tracker with an empty particle population.
//
// Parameters:
//   - field: the orientation field to track in
//   - mask: the foreground mask; its extent must match the field's
//   - params: run configuration
//
// Returns:
//   - A configured Tracker, or an error if the parameters are invalid
func NewTracker(field *odf.Field, mask *models.Volume, params Params) (*Tracker, error) {
	if field == nil || mask == nil {
		return nil, fmt.Errorf("tracker needs an orientation field and a mask")
	}
	t := &Tracker{
		field: field,
		mask:  mask,
		runID: uuid.New(),
	}
	if err := t.build(params, nil); err != nil {
		return nil, err
	}
	return t, nil
}

// SetProgressCallback installs a progress reporter. nil disables reporting.
func (t *Tracker) SetProgressCallback(cb ProgressCallback) { t.progress = cb }

// Params returns the current configuration.
func (t *Tracker) Params() Params { return t.params }

// Grid returns the particle grid of the current configuration.
func (t *Tracker) Grid() *particlegrid.Grid { return t.grid }

// Model returns the energy model.
func (t *Tracker) Model() *energy.Model { return t.model }

// Sampler returns the RJMCMC sampler.
func (t *Tracker) Sampler() *sampler.Sampler { return t.sampler }

// RunID returns the identifier used in log output.
func (t *Tracker) RunID() string { return t.runID.String() }

// Configure changes the main run settings. The curvature threshold is in
// degrees. Existing particles are carried over into the new configuration.
func (t *Tracker) Configure(temperature float64, iterations int, particleLength, curvatureThreshold, chemicalPotential float64) error {
	p := t.params
	p.StartTemperature = temperature
	p.EndTemperature = temperature
	p.Iterations = iterations
	p.ParticleLength = particleLength
	p.CurvatureThreshold = curvatureThreshold
	p.ChemicalPotential = chemicalPotential
	return t.build(p, t.ExportRecords())
}

func (p *Params) validate() error {
	if p.Iterations < 0 {
		return fmt.Errorf("iteration count must not be negative, got %d", p.Iterations)
	}
	if !(p.StartTemperature > 0) {
		return fmt.Errorf("start temperature must be positive, got %v", p.StartTemperature)
	}
	if p.EndTemperature < 0 {
		return fmt.Errorf("end temperature must not be negative, got %v", p.EndTemperature)
	}
	if p.CurvatureThreshold < 0 || p.CurvatureThreshold > 180 {
		return fmt.Errorf("curvature threshold must be within [0, 180] degrees, got %v", p.CurvatureThreshold)
	}
	if p.GridCapacity < 0 {
		return fmt.Errorf("grid capacity must not be negative, got %d", p.GridCapacity)
	}
	return nil
}

// build replaces grid, model and sampler and loads records into the new
// grid.
func (t *Tracker) build(p Params, records []models.Record) error {
	if err := p.validate(); err != nil {
		return err
	}

	grid, err := particlegrid.New(p.GridCapacity, t.field.Extent(), p.ParticleLength, p.CellCapacity)
	if err != nil {
		return fmt.Errorf("failed to allocate particle grid: %w", err)
	}
	grid.SetMaxParticles(p.MaxParticles)

	model, err := energy.NewModel(t.field, t.mask, grid, energy.Params{
		ParticleLength:      p.ParticleLength,
		ParticleWidth:       p.ParticleWidth,
		ParticleWeight:      p.ParticleWeight,
		CurvatureThreshold:  math.Cos(p.CurvatureThreshold * math.Pi / 180),
		ConnectionPotential: p.ConnectionPotential,
		InExBalance:         p.InExBalance,
		SampleSteps:         p.SampleSteps,
		BesselCoefficients:  p.BesselCoefficients,
	})
	if err != nil {
		return fmt.Errorf("failed to build energy model: %w", err)
	}

	s, err := sampler.New(model, sampler.NewRandomSource(p.Seed), sampler.Params{
		Weights:           p.Weights,
		Temperature:       p.StartTemperature,
		ExInRatio:         p.ExInRatio,
		ChemicalPotential: p.ChemicalPotential,
		Track:             p.Track,
	})
	if err != nil {
		return fmt.Errorf("failed to build sampler: %w", err)
	}

	if err := loadRecords(grid, records, model.HalfLength()); err != nil {
		return err
	}

	t.params = p
	t.grid, t.model, t.sampler = grid, model, s
	return nil
}

// Temperature returns the annealed internal temperature at step i.
func (p *Params) Temperature(i int) float64 {
	t0, t1 := p.StartTemperature, p.EndTemperature
	if t1 <= 0 || t1 == t0 || p.Iterations == 0 {
		return t0
	}
	return t0 * math.Exp(math.Log(t1/t0)*float64(i)/float64(p.Iterations))
}

func (p *Params) reportInterval() int {
	if p.ReportInterval > 0 {
		return p.ReportInterval
	}
	if n := p.Iterations / 100; n > 0 {
		return n
	}
	return 1
}

// Run executes up to Iterations sampler steps. The abort flag, which may be
// nil, is polled between steps. Statistics are returned whether the run
// completes or is aborted.
func (t *Tracker) Run(abort *atomic.Bool) Stats {
	p := &t.params
	total := p.Iterations
	interval := p.reportInterval()
	t.sampler.ResetStats()

	monitoring.Logf("[%s] tracking: %d iterations, T %.4g -> %.4g, %d initial particles",
		t.runID, total, p.StartTemperature, p.EndTemperature, t.grid.NumParticles())

	i := 0
	aborted := false
	for ; i < total; i++ {
		if abort != nil && abort.Load() {
			aborted = true
			break
		}
		if i%interval == 0 {
			if err := t.sampler.SetTemperature(p.Temperature(i)); err != nil {
				monitoring.Logf("[%s] keeping temperature %.4g at iteration %d: %v",
					t.runID, t.sampler.Temperature(), i, err)
			}
			t.report(i, total)
		}
		t.sampler.Step()
	}

	t.stats = t.collect(i, aborted)
	if aborted {
		monitoring.Logf("[%s] tracking aborted after %d of %d iterations", t.runID, i, total)
	}
	monitoring.Logf("[%s] tracking finished: %d particles, %d connections, acceptance %.4f",
		t.runID, t.stats.Particles, t.stats.Connections, t.stats.AcceptanceRatio)
	if t.progress != nil {
		t.progress(i, total, "done")
	}
	return t.stats
}

func (t *Tracker) report(i, total int) {
	if t.progress == nil {
		return
	}
	t.progress(i, total, fmt.Sprintf("T=%.4g particles=%d connections=%d",
		t.sampler.Temperature(), t.grid.NumParticles(), t.grid.Connections()))
}

func (t *Tracker) collect(iterations int, aborted bool) Stats {
	ps := t.sampler.Stats()
	st := Stats{
		RunID:       t.runID.String(),
		Iterations:  iterations,
		Aborted:     aborted,
		Accepted:    ps.TotalAccepted(),
		Particles:   t.grid.NumParticles(),
		Connections: t.grid.Connections(),
		Overflows:   t.grid.Overflows(),
		Infeasible:  ps.Infeasible,
		Temperature: t.sampler.Temperature(),
		Proposals:   ps,
	}
	if iterations > 0 {
		st.AcceptanceRatio = float64(st.Accepted) / float64(iterations)
	}
	return st
}

// Stats returns the statistics of the last run.
func (t *Tracker) Stats() Stats { return t.stats }
