// Package particlegrid stores the particle population of the tracker in a
// compacting arena indexed by a uniform 3D bucket grid.
//
// Insertion, removal, relocation and neighbourhood queries are O(1). Removal
// swap-compacts the arena: the last live particle moves into the freed slot
// and every reference to it (grid slot, partner links) is patched in the same
// call.
package particlegrid

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"gibbstrack/internal/models"
)

var (
	// ErrOutOfBounds is returned for positions outside the grid extent.
	ErrOutOfBounds = errors.New("particle position outside grid")

	// ErrCellOverflow is returned when the target bucket is at capacity.
	ErrCellOverflow = errors.New("grid cell is full")

	// ErrArenaFull is returned when the arena has reached its growth limit.
	ErrArenaFull = errors.New("particle arena is full")
)

// Grid is the spatial particle index. It is not safe for concurrent use;
// independent runs need independent grids.
type Grid struct {
	particles    []models.Particle
	numParticles int
	maxParticles int

	dims         [3]int
	cellSize     float64
	extent       r3.Vec
	cellCapacity int

	// slots holds cellCapacity entries per cell; only the first
	// occupancy[cell] entries of a cell are meaningful
	slots     []models.ParticleID
	occupancy []int

	connections int
	overflows   int

	nb neighborTracker
}

type neighborTracker struct {
	cells [8]int
	n     int
	cell  int
	k     int
}

// New allocates a grid covering [0, extent) with cubic cells of cellSize mm.
// capacity is the initial arena size; the arena grows on demand.
func New(capacity int, extent r3.Vec, cellSize float64, cellCapacity int) (*Grid, error) {
	if capacity < 0 {
		return nil, fmt.Errorf("invalid particle capacity %d", capacity)
	}
	if !(cellSize > 0) || math.IsInf(cellSize, 0) {
		return nil, fmt.Errorf("invalid cell size %v", cellSize)
	}
	if cellCapacity <= 0 {
		return nil, fmt.Errorf("invalid cell capacity %d", cellCapacity)
	}
	if !(extent.X > 0 && extent.Y > 0 && extent.Z > 0) {
		return nil, fmt.Errorf("invalid grid extent %v", extent)
	}

	g := &Grid{
		particles:    make([]models.Particle, capacity),
		cellSize:     cellSize,
		extent:       extent,
		cellCapacity: cellCapacity,
	}
	for i, e := range []float64{extent.X, extent.Y, extent.Z} {
		g.dims[i] = GridDim(e, cellSize)
	}

	numCells := g.dims[0] * g.dims[1] * g.dims[2]
	g.slots = make([]models.ParticleID, numCells*cellCapacity)
	for i := range g.slots {
		g.slots[i] = models.NoParticle
	}
	g.occupancy = make([]int, numCells)
	return g, nil
}

// GridDim returns the number of cells needed to cover extent mm.
func GridDim(extent, cellSize float64) int {
	n := int(math.Ceil(extent / cellSize))
	if n < 1 {
		n = 1
	}
	return n
}

// SetMaxParticles bounds arena growth. Zero means unbounded.
func (g *Grid) SetMaxParticles(n int) { g.maxParticles = n }

// Dims returns the number of cells along each axis.
func (g *Grid) Dims() [3]int { return g.dims }

// CellSize returns the cell edge length in mm.
func (g *Grid) CellSize() float64 { return g.cellSize }

// CellCapacity returns the per-cell particle limit.
func (g *Grid) CellCapacity() int { return g.cellCapacity }

// NumParticles returns the number of live particles.
func (g *Grid) NumParticles() int { return g.numParticles }

// Connections returns the number of live connections.
func (g *Grid) Connections() int { return g.connections }

// Overflows returns how many insertions failed for lack of room.
func (g *Grid) Overflows() int { return g.overflows }

// Particle returns the particle with the given id. The pointer is valid until
// the next insertion or removal.
func (g *Grid) Particle(id models.ParticleID) *models.Particle {
	if int(id) < 0 || int(id) >= g.numParticles {
		return nil
	}
	return &g.particles[id]
}

// Particles returns the live part of the arena.
func (g *Grid) Particles() []models.Particle {
	return g.particles[:g.numParticles]
}

// Occupancy returns the number of particles in a cell.
func (g *Grid) Occupancy(cell int) int { return g.occupancy[cell] }

// CellIndex returns the linear index of cell (x, y, z).
func (g *Grid) CellIndex(x, y, z int) int {
	return x + g.dims[0]*(y+g.dims[1]*z)
}

// CellOf returns the cell containing pos.
func (g *Grid) CellOf(pos r3.Vec) (int, error) {
	if !(pos.X >= 0 && pos.Y >= 0 && pos.Z >= 0) ||
		pos.X >= g.extent.X || pos.Y >= g.extent.Y || pos.Z >= g.extent.Z {
		return 0, ErrOutOfBounds
	}
	// divide rather than multiply by the inverse so the cell is exactly
	// floor(R/cellSize)
	x := int(math.Floor(pos.X / g.cellSize))
	y := int(math.Floor(pos.Y / g.cellSize))
	z := int(math.Floor(pos.Z / g.cellSize))
	if x >= g.dims[0] || y >= g.dims[1] || z >= g.dims[2] {
		return 0, ErrOutOfBounds
	}
	return g.CellIndex(x, y, z), nil
}

// NewParticle appends a particle at pos and files it in its cell. The new
// particle has no connections, zero orientation and zero cap/len; callers set
// those through Particle.
func (g *Grid) NewParticle(pos r3.Vec) (models.ParticleID, error) {
	cell, err := g.CellOf(pos)
	if err != nil {
		return models.NoParticle, err
	}
	if g.occupancy[cell] >= g.cellCapacity {
		g.overflows++
		return models.NoParticle, ErrCellOverflow
	}
	if g.numParticles == len(g.particles) {
		if err := g.grow(); err != nil {
			g.overflows++
			return models.NoParticle, err
		}
	}

	id := models.ParticleID(g.numParticles)
	slot := cell*g.cellCapacity + g.occupancy[cell]
	g.particles[id] = models.Particle{
		Pos:       pos,
		ID:        id,
		PlusID:    models.NoParticle,
		MinusID:   models.NoParticle,
		GridIndex: slot,
	}
	g.slots[slot] = id
	g.occupancy[cell]++
	g.numParticles++
	return id, nil
}

func (g *Grid) grow() error {
	n := len(g.particles)
	if g.maxParticles > 0 && n >= g.maxParticles {
		return ErrArenaFull
	}
	newCap := 2 * n
	if newCap < 64 {
		newCap = 64
	}
	if g.maxParticles > 0 && newCap > g.maxParticles {
		newCap = g.maxParticles
	}
	grown := make([]models.Particle, newCap)
	copy(grown, g.particles[:g.numParticles])
	g.particles = grown
	return nil
}

// Remove destroys the particle's connections, takes it out of its cell and
// compacts the arena. The previously last particle takes over id.
func (g *Grid) Remove(id models.ParticleID) {
	p := g.Particle(id)
	if p == nil {
		panic(fmt.Sprintf("particlegrid: remove of unknown particle %d", id))
	}

	for _, ep := range []models.Endpoint{models.Plus, models.Minus} {
		partner := p.Link(ep)
		if !partner.Valid() {
			continue
		}
		pep, ok := g.particles[partner].EndpointToward(id)
		if !ok {
			panic(fmt.Sprintf("particlegrid: partner %d of %d does not link back", partner, id))
		}
		g.DestroyConnection(id, ep, partner, pep)
	}

	g.unfile(p.GridIndex)

	last := models.ParticleID(g.numParticles - 1)
	if id != last {
		g.particles[id] = g.particles[last]
		moved := &g.particles[id]
		moved.ID = id
		g.slots[moved.GridIndex] = id
		for _, partner := range []models.ParticleID{moved.PlusID, moved.MinusID} {
			if !partner.Valid() {
				continue
			}
			q := &g.particles[partner]
			if q.PlusID == last {
				q.PlusID = id
			}
			if q.MinusID == last {
				q.MinusID = id
			}
		}
	}
	g.particles[last] = models.Particle{}
	g.numParticles--
}

// unfile swap-removes the entry at slot from its cell.
func (g *Grid) unfile(slot int) {
	cell := slot / g.cellCapacity
	g.occupancy[cell]--
	lastSlot := cell*g.cellCapacity + g.occupancy[cell]
	if slot != lastSlot {
		moved := g.slots[lastSlot]
		g.slots[slot] = moved
		g.particles[moved].GridIndex = slot
	}
	g.slots[lastSlot] = models.NoParticle
}

// TryRelocate files the particle under the cell of its current position. It
// reports false, leaving the grid untouched, when the position is out of
// bounds or the destination cell is full.
func (g *Grid) TryRelocate(id models.ParticleID) bool {
	p := g.Particle(id)
	if p == nil {
		return false
	}
	cell, err := g.CellOf(p.Pos)
	if err != nil {
		return false
	}
	if cell == p.GridIndex/g.cellCapacity {
		return true
	}
	if g.occupancy[cell] >= g.cellCapacity {
		return false
	}

	g.unfile(p.GridIndex)
	slot := cell*g.cellCapacity + g.occupancy[cell]
	g.slots[slot] = id
	g.occupancy[cell]++
	p.GridIndex = slot
	return true
}

// CreateConnection links endpoint epA of a with endpoint epB of b. Both
// endpoints must be free and a must differ from b.
func (g *Grid) CreateConnection(a models.ParticleID, epA models.Endpoint, b models.ParticleID, epB models.Endpoint) {
	pa, pb := g.Particle(a), g.Particle(b)
	if pa == nil || pb == nil || a == b {
		panic(fmt.Sprintf("particlegrid: invalid connection %d%v-%d%v", a, epA, b, epB))
	}
	if !pa.Free(epA) || !pb.Free(epB) {
		panic(fmt.Sprintf("particlegrid: connection %d%v-%d%v on occupied endpoint", a, epA, b, epB))
	}
	// a second link between the same pair would make partner lookup ambiguous
	if pa.Link(epA.Opposite()) == b {
		panic(fmt.Sprintf("particlegrid: particles %d and %d are already connected", a, b))
	}
	pa.SetLink(epA, b)
	pb.SetLink(epB, a)
	g.connections++
}

// DestroyConnection removes the link between endpoint epA of a and endpoint
// epB of b. The link must exist in both directions.
func (g *Grid) DestroyConnection(a models.ParticleID, epA models.Endpoint, b models.ParticleID, epB models.Endpoint) {
	pa, pb := g.Particle(a), g.Particle(b)
	if pa == nil || pb == nil || pa.Link(epA) != b || pb.Link(epB) != a {
		panic(fmt.Sprintf("particlegrid: inconsistent connection %d%v-%d%v", a, epA, b, epB))
	}
	pa.SetLink(epA, models.NoParticle)
	pb.SetLink(epB, models.NoParticle)
	g.connections--
}

// Partner returns the particle linked at endpoint ep of id together with the
// partner's endpoint that links back.
func (g *Grid) Partner(id models.ParticleID, ep models.Endpoint) (models.ParticleID, models.Endpoint, bool) {
	p := g.Particle(id)
	if p == nil {
		return models.NoParticle, 0, false
	}
	q := p.Link(ep)
	if !q.Valid() {
		return models.NoParticle, 0, false
	}
	qep, ok := g.particles[q].EndpointToward(id)
	if !ok {
		panic(fmt.Sprintf("particlegrid: partner %d of %d does not link back", q, id))
	}
	return q, qep, true
}

// ComputeNeighbors prepares NextNeighbor to enumerate the particles in the
// cell containing pos and in the adjacent cells on the side each fractional
// coordinate leans towards: up to eight cells in total. Positions outside the
// grid are clamped to the border cells.
func (g *Grid) ComputeNeighbors(pos r3.Vec) {
	var idx [3][2]int
	var cnt [3]int
	for axis, v := range []float64{pos.X, pos.Y, pos.Z} {
		f := v / g.cellSize
		i := int(math.Floor(f))
		d := -1
		if f-float64(i) > 0.5 {
			d = 1
		}
		if i <= 0 {
			i, d = 0, 1
		}
		if i >= g.dims[axis]-1 {
			i, d = g.dims[axis]-1, -1
		}
		idx[axis][0] = i
		cnt[axis] = 1
		if n := i + d; n >= 0 && n < g.dims[axis] {
			idx[axis][1] = n
			cnt[axis] = 2
		}
	}

	nb := &g.nb
	nb.n, nb.cell, nb.k = 0, 0, 0
	for c := 0; c < cnt[2]; c++ {
		for b := 0; b < cnt[1]; b++ {
			for a := 0; a < cnt[0]; a++ {
				nb.cells[nb.n] = g.CellIndex(idx[0][a], idx[1][b], idx[2][c])
				nb.n++
			}
		}
	}
}

// NextNeighbor returns the next particle of the neighbourhood prepared by
// ComputeNeighbors. ok is false when the enumeration is exhausted. The grid
// must not be mutated during an enumeration.
func (g *Grid) NextNeighbor() (id models.ParticleID, ok bool) {
	nb := &g.nb
	for nb.cell < nb.n {
		cell := nb.cells[nb.cell]
		if nb.k < g.occupancy[cell] {
			id = g.slots[cell*g.cellCapacity+nb.k]
			nb.k++
			return id, true
		}
		nb.cell++
		nb.k = 0
	}
	return models.NoParticle, false
}

// CheckInvariants verifies link symmetry, the connection count and the grid
// back-references. It is meant for tests and debugging.
func (g *Grid) CheckInvariants() error {
	links := 0
	for i := 0; i < g.numParticles; i++ {
		p := &g.particles[i]
		id := models.ParticleID(i)
		if p.ID != id {
			return fmt.Errorf("particle %d carries id %d", i, p.ID)
		}
		for _, ep := range []models.Endpoint{models.Plus, models.Minus} {
			q := p.Link(ep)
			if !q.Valid() {
				continue
			}
			links++
			if q == id {
				return fmt.Errorf("particle %d links to itself", i)
			}
			if int(q) >= g.numParticles {
				return fmt.Errorf("particle %d links to dead particle %d", i, q)
			}
			if _, ok := g.particles[q].EndpointToward(id); !ok {
				return fmt.Errorf("particle %d%v links to %d which does not link back", i, ep, q)
			}
		}
		if p.PlusID.Valid() && p.PlusID == p.MinusID {
			return fmt.Errorf("particle %d links both endpoints to %d", i, p.PlusID)
		}

		cell, err := g.CellOf(p.Pos)
		if err != nil {
			return fmt.Errorf("particle %d at %v: %w", i, p.Pos, err)
		}
		if p.GridIndex/g.cellCapacity != cell {
			return fmt.Errorf("particle %d filed in cell %d, position is in cell %d", i, p.GridIndex/g.cellCapacity, cell)
		}
		if g.slots[p.GridIndex] != id {
			return fmt.Errorf("grid slot %d holds %d, want %d", p.GridIndex, g.slots[p.GridIndex], id)
		}
		if p.GridIndex%g.cellCapacity >= g.occupancy[cell] {
			return fmt.Errorf("particle %d filed beyond occupancy of cell %d", i, cell)
		}
	}
	if links != 2*g.connections {
		return fmt.Errorf("connection count %d, links imply %d/2", g.connections, links)
	}

	total := 0
	for _, n := range g.occupancy {
		total += n
	}
	if total != g.numParticles {
		return fmt.Errorf("grid holds %d entries for %d particles", total, g.numParticles)
	}
	return nil
}
