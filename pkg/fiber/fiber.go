// Package fiber turns the tracker's connected particle chains into
// polylines.
package fiber

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"gibbstrack/internal/models"
)

// Fiber is one chain of connected particles.
type Fiber struct {
	// Particles lists the chain in walk order.
	Particles []models.ParticleID

	// Points runs from the free end of the first particle through every
	// centre and joint to the far end of the last one.
	Points []r3.Vec

	// Length is the polyline length in mm.
	Length float64

	// Closed is set for chains that loop back onto themselves.
	Closed bool
}

// Summary describes a set of fibers.
type Summary struct {
	Count      int
	Particles  int
	MeanLength float64
	StdLength  float64
	MinLength  float64
	MaxLength  float64
}

// Extract walks every chain in particles, whose ids must be their indices as
// returned by the particle grid. Open chains start at a free endpoint; loops
// are cut at their lowest id.
func Extract(particles []models.Particle) []Fiber {
	visited := make([]bool, len(particles))
	var fibers []Fiber

	for i := range particles {
		p := &particles[i]
		if visited[i] {
			continue
		}
		switch {
		case p.Free(models.Minus):
			fibers = append(fibers, walk(particles, visited, p.ID, models.Plus))
		case p.Free(models.Plus):
			fibers = append(fibers, walk(particles, visited, p.ID, models.Minus))
		}
	}
	// whatever is left is part of a loop
	for i := range particles {
		if !visited[i] {
			f := walk(particles, visited, particles[i].ID, models.Plus)
			f.Closed = true
			fibers = append(fibers, f)
		}
	}
	return fibers
}

// walk follows links from start, leaving it through exit.
func walk(particles []models.Particle, visited []bool, start models.ParticleID, exit models.Endpoint) Fiber {
	var f Fiber
	cur := &particles[start]
	f.Points = append(f.Points, cur.EndpointPos(exit.Opposite()))

	for {
		visited[cur.ID] = true
		f.Particles = append(f.Particles, cur.ID)
		f.Points = append(f.Points, cur.Pos)

		nextID := cur.Link(exit)
		if !nextID.Valid() || visited[nextID] {
			f.Points = append(f.Points, cur.EndpointPos(exit))
			break
		}
		next := &particles[nextID]
		entry, ok := next.EndpointToward(cur.ID)
		if !ok {
			f.Points = append(f.Points, cur.EndpointPos(exit))
			break
		}
		f.Points = append(f.Points, r3.Scale(0.5, r3.Add(cur.EndpointPos(exit), next.EndpointPos(entry))))
		cur, exit = next, entry.Opposite()
	}

	for i := 1; i < len(f.Points); i++ {
		f.Length += r3.Norm(r3.Sub(f.Points[i], f.Points[i-1]))
	}
	return f
}

// Filter keeps fibers at least minLength mm long.
func Filter(fibers []Fiber, minLength float64) []Fiber {
	out := fibers[:0:0]
	for _, f := range fibers {
		if f.Length >= minLength {
			out = append(out, f)
		}
	}
	return out
}

// Summarize computes length statistics.
func Summarize(fibers []Fiber) Summary {
	s := Summary{Count: len(fibers)}
	if len(fibers) == 0 {
		return s
	}
	lengths := make([]float64, len(fibers))
	for i, f := range fibers {
		lengths[i] = f.Length
		s.Particles += len(f.Particles)
	}
	s.MeanLength, s.StdLength = stat.MeanStdDev(lengths, nil)
	if math.IsNaN(s.StdLength) {
		s.StdLength = 0
	}
	s.MinLength = floats.Min(lengths)
	s.MaxLength = floats.Max(lengths)
	return s
}
