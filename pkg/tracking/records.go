package tracking

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"gibbstrack/internal/models"
	"gibbstrack/pkg/particlegrid"
)

// ImportRecords replaces the particle population with records. Record ids
// index into the list; links must be mutual and may not join a particle to
// itself or join the same pair twice. Orientations are normalised and
// records with a non-positive length get the default half-length.
func (t *Tracker) ImportRecords(records []models.Record) error {
	return t.build(t.params, records)
}

// ImportFlat parses the flat 10-scalar layout and imports it.
func (t *Tracker) ImportFlat(data []float64) error {
	records, err := models.RecordsFromFlat(data)
	if err != nil {
		return err
	}
	return t.ImportRecords(records)
}

// ExportRecords returns the population in record form. Output ids are the
// dense arena indices, so the result can be imported unchanged.
func (t *Tracker) ExportRecords() []models.Record {
	if t.grid == nil {
		return nil
	}
	particles := t.grid.Particles()
	out := make([]models.Record, len(particles))
	for i := range particles {
		p := &particles[i]
		out[i] = models.Record{
			Pos:     [3]float64{p.Pos.X, p.Pos.Y, p.Pos.Z},
			Dir:     [3]float64{p.Dir.X, p.Dir.Y, p.Dir.Z},
			Cap:     p.Cap,
			Len:     p.Len,
			MinusID: int(p.MinusID),
			PlusID:  int(p.PlusID),
		}
	}
	return out
}

// ExportFlat returns the population in the flat 10-scalar layout.
func (t *Tracker) ExportFlat() []float64 {
	return models.FlattenRecords(t.ExportRecords())
}

func validateRecords(records []models.Record) error {
	n := len(records)
	for i, r := range records {
		if r.Dir == ([3]float64{}) {
			return fmt.Errorf("particle %d has no orientation", i)
		}
		for _, link := range [2]int{r.MinusID, r.PlusID} {
			if link == -1 {
				continue
			}
			if link < 0 || link >= n {
				return fmt.Errorf("particle %d links to unknown particle %d", i, link)
			}
			if link == i {
				return fmt.Errorf("particle %d links to itself", i)
			}
			q := records[link]
			back := 0
			if q.MinusID == i {
				back++
			}
			if q.PlusID == i {
				back++
			}
			if back != 1 {
				return fmt.Errorf("link %d -> %d is not mutual", i, link)
			}
		}
		if r.MinusID != -1 && r.MinusID == r.PlusID {
			return fmt.Errorf("particle %d links twice to particle %d", i, r.MinusID)
		}
	}
	return nil
}

// loadRecords fills an empty grid. Arena ids equal record indices.
func loadRecords(grid *particlegrid.Grid, records []models.Record, halfLength float64) error {
	if err := validateRecords(records); err != nil {
		return fmt.Errorf("invalid particle records: %w", err)
	}

	for i, r := range records {
		id, err := grid.NewParticle(r3.Vec{X: r.Pos[0], Y: r.Pos[1], Z: r.Pos[2]})
		if err != nil {
			return fmt.Errorf("failed to insert particle %d: %w", i, err)
		}
		p := grid.Particle(id)
		p.Dir = r3.Vec{X: r.Dir[0], Y: r.Dir[1], Z: r.Dir[2]}
		// unit records are kept bit-exact
		if n := r3.Norm(p.Dir); math.Abs(n-1) > 1e-9 {
			p.Dir = r3.Scale(1/n, p.Dir)
		}
		p.Cap = r.Cap
		p.Len = r.Len
		if !(p.Len > 0) {
			p.Len = halfLength
		}
	}

	for i, r := range records {
		for _, link := range [2]struct {
			ep models.Endpoint
			id int
		}{{models.Minus, r.MinusID}, {models.Plus, r.PlusID}} {
			// each link is created from its lower-indexed end
			if link.id <= i {
				continue
			}
			epB := models.Minus
			if records[link.id].PlusID == i {
				epB = models.Plus
			}
			grid.CreateConnection(models.ParticleID(i), link.ep, models.ParticleID(link.id), epB)
		}
	}
	return nil
}
