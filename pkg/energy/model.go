// Package energy scores particle configurations for the Gibbs tracker.
//
// The external energy measures how well a particle explains the orientation
// field given its neighbours; the internal energy rewards smooth, short
// connections between particle endpoints. Hard constraints (outside the mask,
// too sharp a bend, too wide a gap) evaluate to negative infinity, which makes
// the corresponding proposal's acceptance probability exactly zero.
package energy

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"gibbstrack/internal/models"
	"gibbstrack/pkg/odf"
	"gibbstrack/pkg/particlegrid"
)

// DefaultSampleSteps is K in the 2K+1 samples taken along a segment.
const DefaultSampleSteps = 10

// Params are the energy hyperparameters. They are fixed once a model is
// configured.
type Params struct {
	// ParticleLength is the full segment length in mm
	ParticleLength float64

	// ParticleWidth is the spatial width of the neighbour kernel in mm
	ParticleWidth float64

	// ParticleWeight divides the ODF amplitude in the data term
	ParticleWeight float64

	// CurvatureThreshold is the cosine of the sharpest allowed bend between
	// connected particles
	CurvatureThreshold float64

	// ConnectionPotential is the energy offset rewarding a connection
	ConnectionPotential float64

	// InExBalance shifts weight between internal (<0) and external (>0)
	// energy
	InExBalance float64

	// SampleSteps is K in the 2K+1 field samples along a segment
	SampleSteps int

	// BesselCoefficients is the orientation kernel polynomial table
	BesselCoefficients [4]float64
}

// RandomSource supplies the uniform variates used for spatial sampling.
type RandomSource interface {
	Float64() float64
}

// Model evaluates energies against an orientation field, a foreground mask
// and the current particle population.
type Model struct {
	field *odf.Field
	mask  *models.Volume
	grid  *particlegrid.Grid

	params Params

	// derived constants
	halfLength    float64
	squaredLength float64
	extStrength   float64
	intStrength   float64
	gammaS        float64
	selfTerm      float64

	// spatial sampler over foreground voxels
	cumulative []float64
	active     []int
	totalMass  float64
}

// NewModel configures a model and builds its spatial sampler from the mask.
// The mask must cover the same physical extent as the field.
func NewModel(field *odf.Field, mask *models.Volume, grid *particlegrid.Grid, params Params) (*Model, error) {
	if field == nil || mask == nil || grid == nil {
		return nil, fmt.Errorf("energy model needs a field, a mask and a particle grid")
	}
	if mask.Channels != 1 {
		return nil, fmt.Errorf("mask must have one channel, got %d", mask.Channels)
	}
	fe, me := field.Extent(), mask.Extent()
	if math.Abs(fe.X-me.X) > 1e-6*fe.X || math.Abs(fe.Y-me.Y) > 1e-6*fe.Y || math.Abs(fe.Z-me.Z) > 1e-6*fe.Z {
		return nil, fmt.Errorf("mask extent %v does not match field extent %v", me, fe)
	}

	m := &Model{field: field, grid: grid}
	if err := m.Configure(params); err != nil {
		return nil, err
	}
	if err := m.BuildSpatialSampler(mask); err != nil {
		return nil, err
	}
	return m, nil
}

// Configure assigns the hyperparameters and caches derived constants.
func (m *Model) Configure(p Params) error {
	if !(p.ParticleLength > 0) {
		return fmt.Errorf("particle length must be positive, got %v", p.ParticleLength)
	}
	if !(p.ParticleWidth > 0) {
		return fmt.Errorf("particle width must be positive, got %v", p.ParticleWidth)
	}
	if !(p.ParticleWeight > 0) {
		return fmt.Errorf("particle weight must be positive, got %v", p.ParticleWeight)
	}
	if p.CurvatureThreshold < -1 || p.CurvatureThreshold > 1 {
		return fmt.Errorf("curvature threshold %v is not a cosine", p.CurvatureThreshold)
	}
	if p.SampleSteps <= 0 {
		p.SampleSteps = DefaultSampleSteps
	}
	if p.BesselCoefficients == ([4]float64{}) {
		p.BesselCoefficients = DefaultBesselCoefficients
	}

	m.params = p
	m.halfLength = p.ParticleLength / 2
	m.squaredLength = p.ParticleLength * p.ParticleLength

	bal := 1 / (1 + math.Exp(-p.InExBalance))
	m.extStrength = 2 * bal
	m.intStrength = 2 * (1 - bal) / m.squaredLength

	m.gammaS = 1 / (p.ParticleWidth * p.ParticleWidth)
	m.selfTerm = mbesseli0(&m.params.BesselCoefficients, 1)
	return nil
}

// Params returns the configured hyperparameters.
func (m *Model) Params() Params { return m.params }

// HalfLength returns the default particle half-length.
func (m *Model) HalfLength() float64 { return m.halfLength }

// Grid returns the particle grid the model reads neighbours from.
func (m *Model) Grid() *particlegrid.Grid { return m.grid }

// EvaluateOrientationField averages the field amplitude in direction dir over
// 2K+1 points spread along the segment centred at pos with half-length
// length. Samples outside the volume contribute zero.
func (m *Model) EvaluateOrientationField(pos, dir r3.Vec, length float64) float64 {
	k := m.params.SampleSteps
	step := r3.Scale(length/float64(k), dir)
	var sum float64
	for i := -k; i <= k; i++ {
		sum += m.field.Evaluate(r3.Add(pos, r3.Scale(float64(i), step)), dir)
	}
	return sum / float64(2*k+1)
}

// ComputeExternalEnergy is the data-fit energy of a particle with the given
// geometry and cap weight. Neighbour exclude (usually the particle itself)
// is left out of the model term. Returns -Inf outside the mask.
func (m *Model) ComputeExternalEnergy(pos, dir r3.Vec, weight, length float64, exclude models.ParticleID) float64 {
	if m.SpatialProbability(pos) == 0 {
		return math.Inf(-1)
	}

	odfVal := m.EvaluateOrientationField(pos, dir, length)

	var modelVal float64
	m.grid.ComputeNeighbors(pos)
	for {
		id, ok := m.grid.NextNeighbor()
		if !ok {
			break
		}
		if id == exclude {
			continue
		}
		q := m.grid.Particle(id)
		dot := math.Abs(r3.Dot(dir, q.Dir))
		w := mexp(r3.Norm2(r3.Sub(q.Pos, pos)) * m.gammaS)
		modelVal += q.Cap * w * mbesseli0(&m.params.BesselCoefficients, dot)
	}

	energy := 2*weight*(odfVal/m.params.ParticleWeight-modelVal) - weight*weight*m.selfTerm
	return energy * m.extStrength
}

// ComputeInternalEnergy sums the connection energies of p's live links. p
// may be a proposal copy carrying the id and links of an indexed particle.
func (m *Model) ComputeInternalEnergy(p *models.Particle) float64 {
	var energy float64
	for _, ep := range []models.Endpoint{models.Plus, models.Minus} {
		id := p.Link(ep)
		if !id.Valid() {
			continue
		}
		q := m.grid.Particle(id)
		qep, ok := q.EndpointToward(p.ID)
		if !ok {
			panic(fmt.Sprintf("energy: partner %d of particle %d does not link back", id, p.ID))
		}
		energy += m.ComputeInternalEnergyConnection(p, ep, q, qep)
	}
	return energy
}

// ComputeInternalEnergyConnection scores joining endpoint epA of a to
// endpoint epB of b. The connection is infeasible (-Inf) when the bend is
// sharper than the curvature threshold, the endpoint gap exceeds the
// particle length, or the midpoint lies outside the mask.
func (m *Model) ComputeInternalEnergyConnection(a *models.Particle, epA models.Endpoint, b *models.Particle, epB models.Endpoint) float64 {
	// facing endpoints of aligned particles give -1; bent chains approach +1
	if r3.Dot(a.Dir, b.Dir)*epA.Sign()*epB.Sign() > -m.params.CurvatureThreshold {
		return math.Inf(-1)
	}

	e1 := a.EndpointPos(epA)
	e2 := b.EndpointPos(epB)
	if r3.Norm2(r3.Sub(e1, e2)) > m.squaredLength {
		return math.Inf(-1)
	}

	mid := r3.Scale(0.5, r3.Add(a.Pos, b.Pos))
	if m.SpatialProbability(mid) == 0 {
		return math.Inf(-1)
	}

	n1 := r3.Norm2(r3.Sub(e1, mid))
	n2 := r3.Norm2(r3.Sub(e2, mid))
	return (m.params.ConnectionPotential - n1 - n2) * m.intStrength
}
