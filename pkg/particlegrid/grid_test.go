package particlegrid

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"gibbstrack/internal/models"
)

func newTestGrid(t *testing.T, cellCapacity int) *Grid {
	t.Helper()
	g, err := New(4, r3.Vec{X: 10, Y: 10, Z: 10}, 2, cellCapacity)
	require.NoError(t, err)
	return g
}

func mustAdd(t *testing.T, g *Grid, x, y, z float64) models.ParticleID {
	t.Helper()
	id, err := g.NewParticle(r3.Vec{X: x, Y: y, Z: z})
	require.NoError(t, err)
	p := g.Particle(id)
	p.Dir = r3.Vec{X: 1}
	p.Cap = 1
	p.Len = 0.5
	return id
}

func TestGridDims(t *testing.T) {
	testCases := []struct {
		extent, cell float64
		expected     int
	}{
		{10, 2, 5},
		{10, 3, 4},
		{1, 2, 1},
		{0.5, 2, 1},
		{9.999, 2, 5},
	}
	for _, tc := range testCases {
		if got := GridDim(tc.extent, tc.cell); got != tc.expected {
			t.Errorf("GridDim(%v, %v) = %d, want %d", tc.extent, tc.cell, got, tc.expected)
		}
	}
}

// Scenario A: particles at opposite corners land in distant buckets
func TestCellAssignmentCorners(t *testing.T) {
	g := newTestGrid(t, 8)
	assert.Equal(t, [3]int{5, 5, 5}, g.Dims())

	a := mustAdd(t, g, 1, 1, 1)
	b := mustAdd(t, g, 9, 9, 9)

	ca := g.Particle(a).GridIndex / g.CellCapacity()
	cb := g.Particle(b).GridIndex / g.CellCapacity()
	assert.Equal(t, g.CellIndex(0, 0, 0), ca)
	assert.Equal(t, g.CellIndex(4, 4, 4), cb)
	require.NoError(t, g.CheckInvariants())
}

func TestCellBoundaryAssignment(t *testing.T) {
	g := newTestGrid(t, 8)

	id := mustAdd(t, g, 2, 4, 6)
	cell := g.Particle(id).GridIndex / g.CellCapacity()
	assert.Equal(t, g.CellIndex(1, 2, 3), cell)

	total := 0
	for c := 0; c < 125; c++ {
		total += g.Occupancy(c)
	}
	assert.Equal(t, 1, total, "boundary particle must be filed exactly once")
}

func TestCellOfMatchesFloorDivision(t *testing.T) {
	g, err := New(4, r3.Vec{X: 7, Y: 7, Z: 7}, 0.7, 4)
	require.NoError(t, err)

	// x*(1/0.7) rounds down to 6.99..., while x/0.7 is exactly 7
	x := 4.8999999999999995
	require.Equal(t, 7.0, math.Floor(x/0.7))

	cell, err := g.CellOf(r3.Vec{X: x, Y: 0.1, Z: 0.1})
	require.NoError(t, err)
	assert.Equal(t, g.CellIndex(7, 0, 0), cell)

	id, err := g.NewParticle(r3.Vec{X: x, Y: 0.1, Z: 0.1})
	require.NoError(t, err)
	assert.Equal(t, 1, g.Occupancy(g.CellIndex(7, 0, 0)))
	assert.Equal(t, models.ParticleID(0), id)
	require.NoError(t, g.CheckInvariants())
}

func TestNewParticleOutOfBounds(t *testing.T) {
	g := newTestGrid(t, 8)
	for _, pos := range []r3.Vec{
		{X: -0.1, Y: 1, Z: 1},
		{X: 10, Y: 1, Z: 1},
		{X: 1, Y: 1, Z: 12},
	} {
		_, err := g.NewParticle(pos)
		assert.True(t, errors.Is(err, ErrOutOfBounds), "position %v", pos)
	}
	assert.Equal(t, 0, g.NumParticles())
}

func TestCellOverflow(t *testing.T) {
	g := newTestGrid(t, 2)
	mustAdd(t, g, 0.5, 0.5, 0.5)
	mustAdd(t, g, 1.5, 0.5, 0.5)

	_, err := g.NewParticle(r3.Vec{X: 1, Y: 1, Z: 1})
	require.ErrorIs(t, err, ErrCellOverflow)
	assert.Equal(t, 2, g.NumParticles())
	assert.Equal(t, 1, g.Overflows())
}

func TestArenaGrowthAndLimit(t *testing.T) {
	g, err := New(1, r3.Vec{X: 10, Y: 10, Z: 10}, 2, 100)
	require.NoError(t, err)
	g.SetMaxParticles(3)

	for i := 0; i < 3; i++ {
		mustAdd(t, g, float64(i)+0.5, 1, 1)
	}
	_, err = g.NewParticle(r3.Vec{X: 5, Y: 5, Z: 5})
	require.ErrorIs(t, err, ErrArenaFull)
	assert.Equal(t, 3, g.NumParticles())
	require.NoError(t, g.CheckInvariants())
}

// Scenario E: removing a doubly connected particle drops both links
func TestRemoveConnectedParticle(t *testing.T) {
	g := newTestGrid(t, 8)
	a := mustAdd(t, g, 1, 1, 1)
	b := mustAdd(t, g, 2, 1, 1)
	c := mustAdd(t, g, 3, 1, 1)

	g.CreateConnection(a, models.Plus, b, models.Minus)
	g.CreateConnection(b, models.Plus, c, models.Minus)
	require.Equal(t, 2, g.Connections())

	g.Remove(b)
	assert.Equal(t, 0, g.Connections())
	assert.Equal(t, 2, g.NumParticles())
	for _, p := range g.Particles() {
		assert.Equal(t, models.NoParticle, p.PlusID)
		assert.Equal(t, models.NoParticle, p.MinusID)
	}
	require.NoError(t, g.CheckInvariants())
}

func TestRemoveCompactsAndPatchesPartners(t *testing.T) {
	g := newTestGrid(t, 8)
	a := mustAdd(t, g, 1, 1, 1)
	b := mustAdd(t, g, 5, 5, 5)
	c := mustAdd(t, g, 6, 5, 5)
	d := mustAdd(t, g, 7, 5, 5)

	g.CreateConnection(c, models.Plus, d, models.Minus)
	g.CreateConnection(b, models.Plus, d, models.Plus)

	// d is last in the arena and moves into a's slot
	g.Remove(a)
	require.NoError(t, g.CheckInvariants())

	moved := g.Particle(a)
	require.NotNil(t, moved)
	assert.Equal(t, r3.Vec{X: 7, Y: 5, Z: 5}, moved.Pos)
	assert.Equal(t, a, moved.ID)
	assert.Equal(t, a, g.Particle(c).PlusID)
	assert.Equal(t, a, g.Particle(b).PlusID)
	assert.Equal(t, c, moved.MinusID)
	assert.Equal(t, b, moved.PlusID)
	assert.Equal(t, 2, g.Connections())
}

func TestTryRelocate(t *testing.T) {
	g := newTestGrid(t, 2)
	a := mustAdd(t, g, 1, 1, 1)

	t.Run("unmoved particle is a no-op", func(t *testing.T) {
		before := g.Occupancy(g.CellIndex(0, 0, 0))
		assert.True(t, g.TryRelocate(a))
		assert.Equal(t, before, g.Occupancy(g.CellIndex(0, 0, 0)))
	})

	t.Run("move to empty cell", func(t *testing.T) {
		g.Particle(a).Pos = r3.Vec{X: 3, Y: 1, Z: 1}
		assert.True(t, g.TryRelocate(a))
		assert.Equal(t, 0, g.Occupancy(g.CellIndex(0, 0, 0)))
		assert.Equal(t, 1, g.Occupancy(g.CellIndex(1, 0, 0)))
		require.NoError(t, g.CheckInvariants())
	})

	t.Run("full destination leaves grid untouched", func(t *testing.T) {
		mustAdd(t, g, 5, 1, 1)
		mustAdd(t, g, 5.5, 1, 1)
		slot := g.Particle(a).GridIndex
		g.Particle(a).Pos = r3.Vec{X: 5.2, Y: 1, Z: 1}
		assert.False(t, g.TryRelocate(a))
		assert.Equal(t, slot, g.Particle(a).GridIndex)
		assert.Equal(t, 1, g.Occupancy(g.CellIndex(1, 0, 0)))
		assert.Equal(t, 2, g.Occupancy(g.CellIndex(2, 0, 0)))
		g.Particle(a).Pos = r3.Vec{X: 3, Y: 1, Z: 1}
		require.NoError(t, g.CheckInvariants())
	})

	t.Run("out of bounds fails", func(t *testing.T) {
		g.Particle(a).Pos = r3.Vec{X: 11, Y: 1, Z: 1}
		assert.False(t, g.TryRelocate(a))
		g.Particle(a).Pos = r3.Vec{X: 3, Y: 1, Z: 1}
	})
}

func collectNeighbors(g *Grid, pos r3.Vec) map[models.ParticleID]bool {
	out := map[models.ParticleID]bool{}
	g.ComputeNeighbors(pos)
	for {
		id, ok := g.NextNeighbor()
		if !ok {
			break
		}
		out[id] = true
	}
	return out
}

func TestNeighborOctant(t *testing.T) {
	g := newTestGrid(t, 8)
	centre := mustAdd(t, g, 5, 5, 5)   // cell (2,2,2)
	left := mustAdd(t, g, 3.5, 5, 5)   // cell (1,2,2)
	right := mustAdd(t, g, 6.5, 5, 5)  // cell (3,2,2)
	far := mustAdd(t, g, 9, 9, 9)      // cell (4,4,4)
	upper := mustAdd(t, g, 5, 6.5, 5)  // cell (2,3,2)
	corner := mustAdd(t, g, 6.5, 6.5, 6.5)

	// fractional part 0.75 on x leans right, 0.25 on y/z leans down
	got := collectNeighbors(g, r3.Vec{X: 5.5, Y: 4.5, Z: 4.5})
	assert.True(t, got[centre])
	assert.True(t, got[right])
	assert.False(t, got[left])
	assert.False(t, got[far])
	assert.False(t, got[upper])
	assert.False(t, got[corner])

	got = collectNeighbors(g, r3.Vec{X: 5.5, Y: 5.5, Z: 5.5})
	assert.True(t, got[corner])
	assert.True(t, got[upper])
	assert.False(t, got[left])

	// exact half falls to the lower neighbour
	got = collectNeighbors(g, r3.Vec{X: 5, Y: 5, Z: 5})
	assert.True(t, got[left])
	assert.False(t, got[right])
}

func TestNeighborBorderAndSingleCellAxis(t *testing.T) {
	g, err := New(4, r3.Vec{X: 10, Y: 1, Z: 1}, 2, 8)
	require.NoError(t, err)
	require.Equal(t, [3]int{5, 1, 1}, g.Dims())

	a := mustAdd(t, g, 0.2, 0.5, 0.5)
	b := mustAdd(t, g, 2.5, 0.5, 0.5)

	// border cell 0 always pairs with cell 1; y/z contribute a single cell
	got := collectNeighbors(g, r3.Vec{X: 0.2, Y: 0.5, Z: 0.5})
	assert.Len(t, got, 2)
	assert.True(t, got[a] && got[b])

	count := 0
	g.ComputeNeighbors(r3.Vec{X: 0.2, Y: 0.5, Z: 0.5})
	for {
		if _, ok := g.NextNeighbor(); !ok {
			break
		}
		count++
	}
	assert.Equal(t, 2, count, "no particle may be enumerated twice")
}

func TestConnectionConsistencyPanics(t *testing.T) {
	g := newTestGrid(t, 8)
	a := mustAdd(t, g, 1, 1, 1)
	b := mustAdd(t, g, 2, 1, 1)

	assert.Panics(t, func() { g.DestroyConnection(a, models.Plus, b, models.Minus) })
	assert.Panics(t, func() { g.CreateConnection(a, models.Plus, a, models.Minus) })

	g.CreateConnection(a, models.Plus, b, models.Minus)
	assert.Panics(t, func() { g.CreateConnection(a, models.Minus, b, models.Plus) })

	q, qep, ok := g.Partner(a, models.Plus)
	require.True(t, ok)
	assert.Equal(t, b, q)
	assert.Equal(t, models.Minus, qep)
}
