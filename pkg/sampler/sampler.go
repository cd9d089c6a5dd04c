// Package sampler implements the reversible-jump Metropolis-Hastings moves
// that evolve the particle population: birth, death, shift, shift to the
// position implied by connections, and chain reconnection.
package sampler

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"gibbstrack/internal/models"
	"gibbstrack/pkg/energy"
	"gibbstrack/pkg/particlegrid"
)

// Proposal identifies a move kind.
type Proposal int

const (
	Birth Proposal = iota
	Death
	Shift
	ShiftOpt
	Connect
	NumProposals
)

func (p Proposal) String() string {
	switch p {
	case Birth:
		return "birth"
	case Death:
		return "death"
	case Shift:
		return "shift"
	case ShiftOpt:
		return "shift-opt"
	case Connect:
		return "connect"
	}
	return fmt.Sprintf("proposal(%d)", int(p))
}

// ProposalWeights are the relative frequencies of each move. They are
// normalised when the sampler is built.
type ProposalWeights struct {
	Birth    float64
	Death    float64
	Shift    float64
	ShiftOpt float64
	Connect  float64
}

// DefaultProposalWeights returns the standard move mix.
func DefaultProposalWeights() ProposalWeights {
	return ProposalWeights{Birth: 0.25, Death: 0.05, Shift: 0.15, ShiftOpt: 0.10, Connect: 0.45}
}

func (w ProposalWeights) normalized() ([NumProposals]float64, error) {
	raw := [NumProposals]float64{w.Birth, w.Death, w.Shift, w.ShiftOpt, w.Connect}
	var sum float64
	for i, v := range raw {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return raw, fmt.Errorf("%s weight %v is invalid", Proposal(i), v)
		}
		sum += v
	}
	if sum == 0 {
		return raw, errors.New("all proposal weights are zero")
	}
	for i := range raw {
		raw[i] /= sum
	}
	return raw, nil
}

// Params configure a sampler.
type Params struct {
	Weights ProposalWeights

	// Temperature is the internal temperature T_in
	Temperature float64

	// ExInRatio gives the external temperature as T_ex = T_in * ExInRatio
	ExInRatio float64

	// ChemicalPotential sets the birth density exp(-mu/T_in)
	ChemicalPotential float64

	Track TrackParams
}

// Stats count proposals by kind.
type Stats struct {
	Proposed [NumProposals]int
	Accepted [NumProposals]int

	// Infeasible counts moves that passed the acceptance test but could not
	// be applied to the grid.
	Infeasible int
}

// TotalAccepted returns the number of accepted proposals of any kind.
func (s Stats) TotalAccepted() int {
	var n int
	for _, a := range s.Accepted {
		n += a
	}
	return n
}

// TotalProposed returns the number of steps taken.
func (s Stats) TotalProposed() int {
	var n int
	for _, p := range s.Proposed {
		n += p
	}
	return n
}

// Sampler runs one RJMCMC step at a time against an energy model and the
// model's particle grid. It is not safe for concurrent use.
type Sampler struct {
	grid   *particlegrid.Grid
	energy *energy.Model
	rng    RandomSource
	tracks *TrackBuilder

	probs      [NumProposals]float64
	cumulative [NumProposals]float64

	chemicalPotential float64
	exInRatio         float64
	inTemp            float64
	exTemp            float64
	density           float64

	halfLength float64
	sigma      float64
	gamma      float64
	z          float64

	stats Stats
}

// New builds a sampler over model.
func New(model *energy.Model, rng RandomSource, params Params) (*Sampler, error) {
	if model == nil || rng == nil {
		return nil, errors.New("sampler needs an energy model and a random source")
	}
	probs, err := params.Weights.normalized()
	if err != nil {
		return nil, err
	}
	tracks, err := NewTrackBuilder(model, rng, params.Track)
	if err != nil {
		return nil, err
	}
	if params.ExInRatio == 0 {
		params.ExInRatio = 1
	}
	if !(params.ExInRatio > 0) {
		return nil, fmt.Errorf("external/internal temperature ratio must be positive, got %v", params.ExInRatio)
	}

	s := &Sampler{
		grid:              model.Grid(),
		energy:            model,
		rng:               rng,
		tracks:            tracks,
		probs:             probs,
		chemicalPotential: params.ChemicalPotential,
		exInRatio:         params.ExInRatio,
	}
	var acc float64
	for i, p := range probs {
		acc += p
		s.cumulative[i] = acc
	}
	s.cumulative[NumProposals-1] = 1

	length := model.Params().ParticleLength
	s.halfLength = length / 2
	s.sigma = length / 8
	s.gamma = 1 / (2 * s.sigma * s.sigma)
	s.z = math.Pow(2*math.Pi*s.sigma, 1.5) * (math.Pi * s.sigma / s.halfLength)

	if err := s.SetTemperature(params.Temperature); err != nil {
		return nil, err
	}
	return s, nil
}

// SetTemperature sets T_in and derives T_ex and the birth density.
func (s *Sampler) SetTemperature(t float64) error {
	if !(t > 0) || math.IsInf(t, 1) {
		return fmt.Errorf("temperature must be positive, got %v", t)
	}
	s.inTemp = t
	s.exTemp = t * s.exInRatio
	s.density = math.Exp(-s.chemicalPotential / t)
	return nil
}

// Temperature returns the current internal temperature.
func (s *Sampler) Temperature() float64 { return s.inTemp }

// Probabilities returns the normalised move probabilities.
func (s *Sampler) Probabilities() [NumProposals]float64 { return s.probs }

// Stats returns the proposal counters.
func (s *Sampler) Stats() Stats { return s.stats }

// ResetStats clears the proposal counters.
func (s *Sampler) ResetStats() { s.stats = Stats{} }

// Tracks returns the connect move's track builder.
func (s *Sampler) Tracks() *TrackBuilder { return s.tracks }

// Step draws one move and applies it when accepted. It reports whether the
// configuration changed.
func (s *Sampler) Step() bool {
	u := s.rng.Float64()
	kind := Connect
	for i, c := range s.cumulative {
		if u < c {
			kind = Proposal(i)
			break
		}
	}

	s.stats.Proposed[kind]++
	var ok bool
	switch kind {
	case Birth:
		ok = s.birth()
	case Death:
		ok = s.death()
	case Shift:
		ok = s.shift()
	case ShiftOpt:
		ok = s.shiftOpt()
	case Connect:
		ok = s.connect()
	}
	if ok {
		s.stats.Accepted[kind]++
	}
	return ok
}

// accept runs the Metropolis test for acceptance ratio r. -Inf energies give
// r == 0 and are never accepted.
func (s *Sampler) accept(r float64) bool {
	return r > 1 || s.rng.Float64() < r
}

func (s *Sampler) birth() bool {
	return s.proposeBirthAt(s.energy.DrawSpatialPosition(s.rng), randomDirection(s.rng))
}

func (s *Sampler) proposeBirthAt(pos, dir r3.Vec) bool {
	n := float64(s.grid.NumParticles())
	ex := s.energy.ComputeExternalEnergy(pos, dir, 1, s.halfLength, models.NoParticle)

	// a new particle has no links so its internal energy is zero
	r := s.density * s.probs[Death] / (s.probs[Birth] * (n + 1)) * math.Exp(ex/s.exTemp)
	if !s.accept(r) {
		return false
	}

	id, err := s.grid.NewParticle(pos)
	if err != nil {
		s.stats.Infeasible++
		return false
	}
	p := s.grid.Particle(id)
	p.Dir = dir
	p.Cap = 1
	p.Len = s.halfLength
	return true
}

func (s *Sampler) death() bool {
	n := s.grid.NumParticles()
	if n == 0 {
		return false
	}
	id := models.ParticleID(s.rng.IntN(n))
	p := s.grid.Particle(id)
	if p.Connected() {
		return false
	}

	ex := s.energy.ComputeExternalEnergy(p.Pos, p.Dir, p.Cap, p.Len, id)
	r := float64(n) * s.probs[Birth] / (s.density * s.probs[Death]) * math.Exp(-ex/s.exTemp)
	if !s.accept(r) {
		return false
	}
	s.grid.Remove(id)
	return true
}

// energyDelta scores replacing p by the proposal copy prop.
func (s *Sampler) energyDelta(p, prop *models.Particle) float64 {
	id := p.ID
	ex := s.energy.ComputeExternalEnergy(prop.Pos, prop.Dir, prop.Cap, prop.Len, id) -
		s.energy.ComputeExternalEnergy(p.Pos, p.Dir, p.Cap, p.Len, id)
	in := s.energy.ComputeInternalEnergy(prop) - s.energy.ComputeInternalEnergy(p)
	return ex/s.exTemp + in/s.inTemp
}

// moveTo applies an accepted shift, rolling it back when the target cell is
// full or out of bounds.
func (s *Sampler) moveTo(id models.ParticleID, pos, dir r3.Vec) bool {
	p := s.grid.Particle(id)
	oldPos, oldDir := p.Pos, p.Dir
	p.Pos, p.Dir = pos, dir
	if !s.grid.TryRelocate(id) {
		p.Pos, p.Dir = oldPos, oldDir
		s.stats.Infeasible++
		return false
	}
	return true
}

func (s *Sampler) shift() bool {
	n := s.grid.NumParticles()
	if n == 0 {
		return false
	}
	id := models.ParticleID(s.rng.IntN(n))
	p := s.grid.Particle(id)

	prop := *p
	prop.Pos = distort(s.rng, p.Pos, s.sigma)
	dir := distort(s.rng, p.Dir, s.sigma/(2*p.Len))
	norm := r3.Norm(dir)
	if norm == 0 {
		return false
	}
	prop.Dir = r3.Scale(1/norm, dir)

	if !s.accept(math.Exp(s.energyDelta(p, &prop))) {
		return false
	}
	return s.moveTo(id, prop.Pos, prop.Dir)
}

func (s *Sampler) shiftOpt() bool {
	n := s.grid.NumParticles()
	if n == 0 {
		return false
	}
	id := models.ParticleID(s.rng.IntN(n))
	p := s.grid.Particle(id)
	if !p.Connected() {
		return false
	}

	prop := *p
	switch {
	case p.PlusID.Valid() && p.MinusID.Valid():
		plus, minus := s.grid.Particle(p.PlusID), s.grid.Particle(p.MinusID)
		epPlus, _ := plus.EndpointToward(id)
		epMinus, _ := minus.EndpointToward(id)
		prop.Pos = r3.Scale(0.5, r3.Add(plus.EndpointPos(epPlus), minus.EndpointPos(epMinus)))
		prop.Dir = r3.Sub(plus.Pos, minus.Pos)
	case p.PlusID.Valid():
		plus := s.grid.Particle(p.PlusID)
		ep, _ := plus.EndpointToward(id)
		prop.Pos = r3.Add(plus.Pos, r3.Scale(ep.Sign()*(plus.Len+p.Len), plus.Dir))
		prop.Dir = r3.Sub(plus.Pos, prop.Pos)
	default:
		minus := s.grid.Particle(p.MinusID)
		ep, _ := minus.EndpointToward(id)
		prop.Pos = r3.Add(minus.Pos, r3.Scale(ep.Sign()*(minus.Len+p.Len), minus.Dir))
		prop.Dir = r3.Sub(prop.Pos, minus.Pos)
	}
	norm := r3.Norm(prop.Dir)
	if norm == 0 {
		return false
	}
	prop.Dir = r3.Scale(1/norm, prop.Dir)

	// density of reaching p back from prop by a plain shift
	cos := r3.Dot(prop.Dir, p.Dir)
	pRev := math.Exp(-(r3.Norm2(r3.Sub(prop.Pos, p.Pos))+(1-cos*cos))*s.gamma) / s.z

	r := math.Exp(s.energyDelta(p, &prop)) *
		s.probs[Shift] * pRev / (s.probs[ShiftOpt] + s.probs[Shift]*pRev)
	if !s.accept(r) {
		return false
	}
	return s.moveTo(id, prop.Pos, prop.Dir)
}

func (s *Sampler) connect() bool {
	n := s.grid.NumParticles()
	if n == 0 {
		return false
	}
	start := EndpointRef{ID: models.ParticleID(s.rng.IntN(n)), End: models.Minus}
	if s.rng.Float64() < 0.5 {
		start.End = models.Plus
	}

	b := s.tracks
	b.RemoveAndSaveTrack(start)
	old := b.Backup()
	if old.Probability == 0 {
		b.ImplementTrack(old)
		return false
	}

	b.MakeTrackProposal(start)
	prop := b.Proposal()

	del := b.params.DeletionProbability
	r := math.Exp((prop.Energy-old.Energy)/s.inTemp) *
		(old.Probability * math.Pow(del, float64(prop.Len()))) /
		(prop.Probability * math.Pow(del, float64(old.Len())))
	if s.accept(r) {
		b.ImplementTrack(prop)
		return true
	}
	b.ImplementTrack(old)
	return false
}
