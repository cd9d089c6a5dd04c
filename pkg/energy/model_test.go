package energy

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"gibbstrack/internal/models"
	"gibbstrack/pkg/odf"
	"gibbstrack/pkg/particlegrid"
)

func testParams() Params {
	return Params{
		ParticleLength:      2,
		ParticleWidth:       1,
		ParticleWeight:      1,
		CurvatureThreshold:  math.Cos(math.Pi / 4),
		ConnectionPotential: 10,
	}
}

// newTestModel builds a 10mm cube with a constant field of 1 and a mask
// given by maskFill on a 5x5x5 grid of 2mm voxels.
func newTestModel(t *testing.T, maskFill func(x, y, z int) float64) *Model {
	t.Helper()
	s, err := odf.NewSphere(1)
	require.NoError(t, err)
	ip, err := odf.NewInterpolator(s)
	require.NoError(t, err)

	vol, err := models.NewVolume(5, 5, 5, len(s.Vertices), [3]float64{2, 2, 2})
	require.NoError(t, err)
	for i := range vol.Data {
		vol.Data[i] = 1
	}
	field, err := odf.NewField(vol, ip)
	require.NoError(t, err)

	mask, err := models.NewVolume(5, 5, 5, 1, [3]float64{2, 2, 2})
	require.NoError(t, err)
	for z := 0; z < 5; z++ {
		for y := 0; y < 5; y++ {
			for x := 0; x < 5; x++ {
				mask.Set(x, y, z, 0, maskFill(x, y, z))
			}
		}
	}

	grid, err := particlegrid.New(16, field.Extent(), 2, 8)
	require.NoError(t, err)

	m, err := NewModel(field, mask, grid, testParams())
	require.NoError(t, err)
	return m
}

func fullMask(x, y, z int) float64 { return 1 }

func addParticle(t *testing.T, m *Model, pos, dir r3.Vec) *models.Particle {
	t.Helper()
	id, err := m.Grid().NewParticle(pos)
	require.NoError(t, err)
	p := m.Grid().Particle(id)
	p.Dir = r3.Unit(dir)
	p.Cap = 1
	p.Len = m.HalfLength()
	return p
}

func TestApproximationsMonotone(t *testing.T) {
	coeff := DefaultBesselCoefficients
	prev := mbesseli0(&coeff, 0)
	for x := 0.01; x <= 1.0; x += 0.01 {
		v := mbesseli0(&coeff, x)
		assert.GreaterOrEqual(t, v, prev, "orientation kernel must not decrease at %v", x)
		prev = v
	}

	prev = mexp(0)
	assert.Equal(t, 1.0, prev)
	for x := 0.05; x < 10; x += 0.05 {
		v := mexp(x)
		assert.LessOrEqual(t, v, prev+1e-12, "mexp must not increase at %v", x)
		assert.InDelta(t, math.Exp(-x), v, 0.05)
		prev = v
	}
	assert.Equal(t, 0.0, mexp(7))
	assert.Equal(t, 1.0, mexp(-1))
}

func TestConfigureValidation(t *testing.T) {
	m := &Model{}
	bad := []func(p *Params){
		func(p *Params) { p.ParticleLength = 0 },
		func(p *Params) { p.ParticleWidth = -1 },
		func(p *Params) { p.ParticleWeight = 0 },
		func(p *Params) { p.CurvatureThreshold = 2 },
	}
	for i, mutate := range bad {
		p := testParams()
		mutate(&p)
		assert.Error(t, m.Configure(p), "case %d", i)
	}

	require.NoError(t, m.Configure(testParams()))
	assert.Equal(t, DefaultSampleSteps, m.Params().SampleSteps)
	assert.Equal(t, DefaultBesselCoefficients, m.Params().BesselCoefficients)
	// zero balance splits evenly
	assert.InDelta(t, 1.0, m.extStrength, 1e-12)
	assert.InDelta(t, 0.25, m.intStrength, 1e-12)
}

func TestExternalEnergyInfeasibleOutsideMask(t *testing.T) {
	// foreground only in the lower half along x
	m := newTestModel(t, func(x, y, z int) float64 {
		if x < 2 {
			return 1
		}
		return 0
	})

	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 200; i++ {
		pos := r3.Vec{X: rng.Float64() * 10, Y: rng.Float64() * 10, Z: rng.Float64() * 10}
		dir := r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
		e := m.ComputeExternalEnergy(pos, dir, 1, m.HalfLength(), models.NoParticle)
		if m.SpatialProbability(pos) == 0 {
			assert.True(t, math.IsInf(e, -1), "energy at %v should be -Inf, got %v", pos, e)
		} else {
			assert.False(t, math.IsInf(e, 0) || math.IsNaN(e), "energy at %v should be finite, got %v", pos, e)
		}
	}

	assert.Equal(t, 0.0, m.SpatialProbability(r3.Vec{X: -1, Y: 1, Z: 1}))
	assert.Equal(t, 0.0, m.SpatialProbability(r3.Vec{X: 1, Y: 1, Z: 10}))
}

func TestExternalEnergyNeighbourTerm(t *testing.T) {
	m := newTestModel(t, fullMask)
	pos := r3.Vec{X: 5, Y: 5, Z: 5}
	dir := r3.Vec{X: 1}

	alone := m.ComputeExternalEnergy(pos, dir, 1, m.HalfLength(), models.NoParticle)
	// the data term dominates for an isolated particle in a strong field
	expected := (2*1*1 - mbesseli0(&m.params.BesselCoefficients, 1)) * m.extStrength
	assert.InDelta(t, expected, alone, 1e-9)

	self := addParticle(t, m, pos, dir)
	excluded := m.ComputeExternalEnergy(pos, dir, 1, m.HalfLength(), self.ID)
	assert.InDelta(t, alone, excluded, 1e-12, "excluded particle must not count")

	crowded := m.ComputeExternalEnergy(pos, dir, 1, m.HalfLength(), models.NoParticle)
	assert.Less(t, crowded, alone, "an aligned neighbour explains part of the signal")

	m2 := newTestModel(t, fullMask)
	addParticle(t, m2, pos, r3.Vec{Y: 1})
	orthogonal := m2.ComputeExternalEnergy(pos, dir, 1, m2.HalfLength(), models.NoParticle)
	assert.Greater(t, orthogonal, crowded, "misaligned neighbours compete less")
}

func TestEvaluateOrientationFieldBorder(t *testing.T) {
	m := newTestModel(t, fullMask)
	inside := m.EvaluateOrientationField(r3.Vec{X: 5, Y: 5, Z: 5}, r3.Vec{X: 1}, 1)
	assert.InDelta(t, 1.0, inside, 1e-9)

	// half the samples fall beyond x = 10
	edge := m.EvaluateOrientationField(r3.Vec{X: 9.9999, Y: 5, Z: 5}, r3.Vec{X: 1}, 4)
	assert.Less(t, edge, 1.0)
	assert.Greater(t, edge, 0.0)
}

// Scenario C: co-linear aligned particles exactly one length apart
func TestInternalEnergyColinear(t *testing.T) {
	m := newTestModel(t, fullMask)
	a := addParticle(t, m, r3.Vec{X: 4, Y: 5, Z: 5}, r3.Vec{X: 1})
	b := addParticle(t, m, r3.Vec{X: 6, Y: 5, Z: 5}, r3.Vec{X: 1})

	e := m.ComputeInternalEnergyConnection(a, models.Plus, b, models.Minus)
	require.False(t, math.IsInf(e, 0))
	assert.InDelta(t, m.params.ConnectionPotential*m.intStrength, e, 1e-12)

	// same pair joined at the far ends bends back on itself
	assert.True(t, math.IsInf(m.ComputeInternalEnergyConnection(a, models.Minus, b, models.Minus), -1))
}

// Scenario D: anti-aligned particles exceed any curvature threshold
func TestInternalEnergyAntiAligned(t *testing.T) {
	m := newTestModel(t, fullMask)
	a := addParticle(t, m, r3.Vec{X: 4, Y: 5, Z: 5}, r3.Vec{X: 1})
	b := addParticle(t, m, r3.Vec{X: 6, Y: 5, Z: 5}, r3.Vec{X: -1})

	// joining a's plus end to b's minus end folds the chain back
	assert.True(t, math.IsInf(m.ComputeInternalEnergyConnection(a, models.Plus, b, models.Minus), -1))
	// b's plus end faces a's plus end, so this is a straight chain
	assert.False(t, math.IsInf(m.ComputeInternalEnergyConnection(a, models.Plus, b, models.Plus), 0))

	// a right angle is sharper than the 45 degree threshold
	c := addParticle(t, m, r3.Vec{X: 5, Y: 6, Z: 5}, r3.Vec{Y: 1})
	assert.True(t, math.IsInf(m.ComputeInternalEnergyConnection(a, models.Plus, c, models.Minus), -1))
}

func TestInternalEnergyGapAndMask(t *testing.T) {
	m := newTestModel(t, func(x, y, z int) float64 {
		if x == 2 {
			return 0
		}
		return 1
	})
	a := addParticle(t, m, r3.Vec{X: 1, Y: 5, Z: 5}, r3.Vec{X: 1})
	far := addParticle(t, m, r3.Vec{X: 1, Y: 5, Z: 9}, r3.Vec{X: 1})
	assert.True(t, math.IsInf(m.ComputeInternalEnergyConnection(a, models.Plus, far, models.Minus), -1), "gap too wide")

	// midpoint x = 5 lies in the masked-out slab
	b := addParticle(t, m, r3.Vec{X: 3.5, Y: 5, Z: 5}, r3.Vec{X: 1})
	c := addParticle(t, m, r3.Vec{X: 6.5, Y: 5, Z: 5}, r3.Vec{X: 1})
	assert.True(t, math.IsInf(m.ComputeInternalEnergyConnection(b, models.Plus, c, models.Minus), -1), "midpoint outside mask")
}

func TestComputeInternalEnergySumsLinks(t *testing.T) {
	m := newTestModel(t, fullMask)
	a := addParticle(t, m, r3.Vec{X: 3, Y: 5, Z: 5}, r3.Vec{X: 1})
	b := addParticle(t, m, r3.Vec{X: 5, Y: 5, Z: 5}, r3.Vec{X: 1})
	c := addParticle(t, m, r3.Vec{X: 7, Y: 5, Z: 5}, r3.Vec{X: 1})
	ids := []models.ParticleID{a.ID, b.ID, c.ID}

	g := m.Grid()
	assert.Equal(t, 0.0, m.ComputeInternalEnergy(g.Particle(ids[1])))

	g.CreateConnection(ids[0], models.Plus, ids[1], models.Minus)
	g.CreateConnection(ids[1], models.Plus, ids[2], models.Minus)
	single := m.params.ConnectionPotential * m.intStrength
	assert.InDelta(t, 2*single, m.ComputeInternalEnergy(g.Particle(ids[1])), 1e-12)
	assert.InDelta(t, single, m.ComputeInternalEnergy(g.Particle(ids[0])), 1e-12)
}

func TestDrawSpatialPosition(t *testing.T) {
	m := newTestModel(t, func(x, y, z int) float64 {
		switch {
		case x == 0 && y == 0 && z == 0:
			return 1
		case x == 4 && y == 4 && z == 4:
			return 0.6
		case x == 2:
			return 0.4 // below the foreground threshold
		}
		return 0
	})
	require.Equal(t, 2, m.ActiveVoxels())

	rng := rand.New(rand.NewPCG(3, 5))
	low, high := 0, 0
	const n = 20000
	for i := 0; i < n; i++ {
		pos := m.DrawSpatialPosition(rng)
		require.Greater(t, m.SpatialProbability(pos), 0.0, "draw %v outside foreground", pos)
		if pos.X < 2 {
			low++
		} else {
			high++
		}
	}
	assert.InDelta(t, 1/1.6, float64(low)/n, 0.02)
	assert.InDelta(t, 0.6/1.6, float64(high)/n, 0.02)
}

func TestNewModelRejectsEmptyMask(t *testing.T) {
	s, _ := odf.NewSphere(0)
	ip, _ := odf.NewInterpolator(s)
	vol, _ := models.NewVolume(2, 2, 2, len(s.Vertices), [3]float64{1, 1, 1})
	field, _ := odf.NewField(vol, ip)
	mask, _ := models.NewVolume(2, 2, 2, 1, [3]float64{1, 1, 1})
	grid, _ := particlegrid.New(4, field.Extent(), 1, 4)

	_, err := NewModel(field, mask, grid, testParams())
	assert.Error(t, err)

	wrong, _ := models.NewVolume(3, 3, 3, 1, [3]float64{1, 1, 1})
	_, err = NewModel(field, wrong, grid, testParams())
	assert.Error(t, err)
}
