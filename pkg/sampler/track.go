package sampler

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"gibbstrack/internal/models"
	"gibbstrack/pkg/energy"
	"gibbstrack/pkg/particlegrid"
)

const (
	// MaxTrackLength bounds the number of elements a track can hold.
	MaxTrackLength = 1000

	// DefaultMaxProposalLength caps the elements of a proposed track.
	DefaultMaxProposalLength = 250
)

// TrackParams control the connect proposal walks.
type TrackParams struct {
	// StopWeight is the simplex weight of ending the walk
	StopWeight float64

	// DeletionProbability is the per-hop chance of ending a tear-down early
	DeletionProbability float64

	// ProposalTemperature scales connection energies into candidate weights
	ProposalTemperature float64

	// MaxProposalLength caps the elements of a proposed track
	MaxProposalLength int
}

// DefaultTrackParams returns the walk settings used when none are given.
func DefaultTrackParams() TrackParams {
	return TrackParams{
		StopWeight:          1,
		DeletionProbability: 0.1,
		ProposalTemperature: 0.1,
		MaxProposalLength:   DefaultMaxProposalLength,
	}
}

func (p *TrackParams) validate() error {
	if !(p.StopWeight > 0) {
		return fmt.Errorf("track stop weight must be positive, got %v", p.StopWeight)
	}
	if !(p.DeletionProbability > 0) || p.DeletionProbability > 1 {
		return fmt.Errorf("track deletion probability must be in (0, 1], got %v", p.DeletionProbability)
	}
	if !(p.ProposalTemperature > 0) {
		return fmt.Errorf("track proposal temperature must be positive, got %v", p.ProposalTemperature)
	}
	if p.MaxProposalLength <= 0 {
		p.MaxProposalLength = DefaultMaxProposalLength
	}
	if p.MaxProposalLength > MaxTrackLength {
		return fmt.Errorf("track proposal length %d exceeds %d", p.MaxProposalLength, MaxTrackLength)
	}
	return nil
}

// EndpointRef names one end of a particle.
type EndpointRef struct {
	ID  models.ParticleID
	End models.Endpoint
}

var stopRef = EndpointRef{ID: models.NoParticle}

// Track is a walk along a chain. Each element stores the endpoint the walk
// left the particle through; element i is linked to element i-1 through its
// opposite endpoint.
type Track struct {
	Steps       []EndpointRef
	Energy      float64
	Probability float64
}

// Len returns the number of particles in the track.
func (t *Track) Len() int { return len(t.Steps) }

// Connections returns the number of links the track describes.
func (t *Track) Connections() int {
	if len(t.Steps) == 0 {
		return 0
	}
	return len(t.Steps) - 1
}

func (t *Track) reset(start EndpointRef) {
	t.Steps = append(t.Steps[:0], start)
	t.Energy = 0
	t.Probability = 1
}

// TrackBuilder tears down and proposes chains for the connect move. Both
// walks score candidates through the same enumeration so forward and reverse
// probabilities agree.
type TrackBuilder struct {
	grid   *particlegrid.Grid
	energy *energy.Model
	rng    RandomSource
	params TrackParams

	maxGap    float64 // squared
	curvature float64

	simplex  SimplexSampler[EndpointRef]
	backup   Track
	proposal Track
}

// NewTrackBuilder returns a builder over the model's grid.
func NewTrackBuilder(model *energy.Model, rng RandomSource, params TrackParams) (*TrackBuilder, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	ep := model.Params()
	return &TrackBuilder{
		grid:      model.Grid(),
		energy:    model,
		rng:       rng,
		params:    params,
		maxGap:    ep.ParticleLength * ep.ParticleLength,
		curvature: ep.CurvatureThreshold,
		backup:    Track{Steps: make([]EndpointRef, 0, 16)},
		proposal:  Track{Steps: make([]EndpointRef, 0, 16)},
	}, nil
}

// Params returns the walk settings.
func (b *TrackBuilder) Params() TrackParams { return b.params }

// Backup returns the track saved by the last RemoveAndSaveTrack.
func (b *TrackBuilder) Backup() *Track { return &b.backup }

// Proposal returns the track built by the last MakeTrackProposal.
func (b *TrackBuilder) Proposal() *Track { return &b.proposal }

// candidates fills the simplex with the stop option and every free endpoint
// the walk could link from.
func (b *TrackBuilder) candidates(from EndpointRef) {
	b.simplex.Reset()
	b.simplex.Add(b.params.StopWeight, stopRef)

	p := b.grid.Particle(from.ID)
	pos := p.EndpointPos(from.End)

	b.grid.ComputeNeighbors(pos)
	for {
		id, ok := b.grid.NextNeighbor()
		if !ok {
			break
		}
		if id == from.ID || id == p.PlusID || id == p.MinusID {
			continue
		}
		q := b.grid.Particle(id)
		if q.Visited {
			continue
		}
		for _, ep := range [2]models.Endpoint{models.Plus, models.Minus} {
			if !q.Free(ep) {
				continue
			}
			if r3.Norm2(r3.Sub(pos, q.EndpointPos(ep))) > b.maxGap {
				continue
			}
			if r3.Dot(p.Dir, q.Dir)*from.End.Sign()*ep.Sign() > -b.curvature {
				continue
			}
			e := b.energy.ComputeInternalEnergyConnection(p, from.End, q, ep)
			if math.IsInf(e, -1) {
				continue
			}
			b.simplex.Add(math.Exp(e/b.params.ProposalTemperature), EndpointRef{ID: id, End: ep})
		}
	}
}

func (b *TrackBuilder) clearVisited(t *Track) {
	for _, s := range t.Steps {
		b.grid.Particle(s.ID).Visited = false
	}
}

// RemoveAndSaveTrack walks outward from start along existing links,
// destroying each one and recording the probability that MakeTrackProposal
// would have rebuilt it. The walk ends at a free endpoint or, with the
// deletion probability per hop, early.
func (b *TrackBuilder) RemoveAndSaveTrack(start EndpointRef) {
	t := &b.backup
	t.reset(start)
	b.grid.Particle(start.ID).Visited = true

	cur := start
	for {
		next, nextEnd, ok := b.grid.Partner(cur.ID, cur.End)
		if !ok {
			b.candidates(cur)
			t.Probability *= b.simplex.ProbabilityOf(0)
			break
		}

		p, q := b.grid.Particle(cur.ID), b.grid.Particle(next)
		t.Energy += b.energy.ComputeInternalEnergyConnection(p, cur.End, q, nextEnd)
		b.grid.DestroyConnection(cur.ID, cur.End, next, nextEnd)

		b.candidates(cur)
		t.Probability *= b.simplex.ProbabilityOf(b.simplex.IndexOf(EndpointRef{ID: next, End: nextEnd}))

		cur = EndpointRef{ID: next, End: nextEnd.Opposite()}
		t.Steps = append(t.Steps, cur)
		q.Visited = true

		if len(t.Steps) >= MaxTrackLength || b.rng.Float64() < b.params.DeletionProbability {
			// a proposal reaching a free end only stops by drawing stop
			if q.Free(cur.End) {
				b.candidates(cur)
				t.Probability *= b.simplex.ProbabilityOf(0)
			}
			break
		}
	}
	b.clearVisited(t)
}

// MakeTrackProposal grows a new chain from start. It stops when the stop
// option is drawn, at the length cap, or after joining a particle whose far
// end is already linked.
func (b *TrackBuilder) MakeTrackProposal(start EndpointRef) {
	t := &b.proposal
	t.reset(start)
	b.grid.Particle(start.ID).Visited = true

	cur := start
	for len(t.Steps) < b.params.MaxProposalLength {
		b.candidates(cur)
		k := b.simplex.Draw(b.rng)
		t.Probability *= b.simplex.ProbabilityOf(k)
		pick := b.simplex.Item(k)
		if !pick.ID.Valid() {
			break
		}

		p, q := b.grid.Particle(cur.ID), b.grid.Particle(pick.ID)
		t.Energy += b.energy.ComputeInternalEnergyConnection(p, cur.End, q, pick.End)

		cur = EndpointRef{ID: pick.ID, End: pick.End.Opposite()}
		t.Steps = append(t.Steps, cur)
		q.Visited = true
		if !q.Free(cur.End) {
			break
		}
	}
	b.clearVisited(t)
}

// ImplementTrack creates the links a track describes.
func (b *TrackBuilder) ImplementTrack(t *Track) {
	for i := 1; i < len(t.Steps); i++ {
		prev, cur := t.Steps[i-1], t.Steps[i]
		b.grid.CreateConnection(prev.ID, prev.End, cur.ID, cur.End.Opposite())
	}
}
