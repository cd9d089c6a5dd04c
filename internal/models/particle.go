package models

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// ParticleID is a handle into the particle arena. Handles are dense indices:
// removing a particle moves the last live particle into the freed slot, so an
// id is only stable until the next removal.
type ParticleID int32

// NoParticle marks an endpoint without a connection.
const NoParticle ParticleID = -1

// Valid reports whether the id refers to a particle rather than NoParticle.
func (id ParticleID) Valid() bool { return id >= 0 }

// Endpoint selects one end of a particle segment
type Endpoint int8

const (
	Minus Endpoint = -1
	Plus  Endpoint = 1
)

// Opposite returns the other end of the segment.
func (e Endpoint) Opposite() Endpoint { return -e }

// Sign returns +1 for Plus and -1 for Minus.
func (e Endpoint) Sign() float64 { return float64(e) }

func (e Endpoint) String() string {
	if e == Plus {
		return "+"
	}
	return "-"
}

// Particle is a short oriented line segment hypothesising local fiber
// direction. All particles are owned by the arena of a particle grid; the
// connection fields are handles into that arena, never pointers.
type Particle struct {
	// Pos is the segment centre in mm
	Pos r3.Vec

	// Dir is the unit orientation
	Dir r3.Vec

	// Cap is the confidence weight of the particle in the data term
	Cap float64

	// Len is the half-length; endpoints lie at Pos ± Len·Dir
	Len float64

	// PlusID and MinusID are the partners connected at each endpoint
	PlusID  ParticleID
	MinusID ParticleID

	// ID is the particle's current arena slot
	ID ParticleID

	// GridIndex is the back-reference into the bucket grid slot array
	GridIndex int

	// Visited is transient; only set while a track proposal is being built
	Visited bool
}

// Link returns the partner connected at the given endpoint.
func (p *Particle) Link(ep Endpoint) ParticleID {
	if ep == Plus {
		return p.PlusID
	}
	return p.MinusID
}

// SetLink stores the partner for the given endpoint.
func (p *Particle) SetLink(ep Endpoint, id ParticleID) {
	if ep == Plus {
		p.PlusID = id
	} else {
		p.MinusID = id
	}
}

// Free reports whether the endpoint has no connection.
func (p *Particle) Free(ep Endpoint) bool {
	return !p.Link(ep).Valid()
}

// Connected reports whether either endpoint has a connection.
func (p *Particle) Connected() bool {
	return p.PlusID.Valid() || p.MinusID.Valid()
}

// EndpointPos returns the position of the given end of the segment.
func (p *Particle) EndpointPos(ep Endpoint) r3.Vec {
	return r3.Add(p.Pos, r3.Scale(ep.Sign()*p.Len, p.Dir))
}

// EndpointToward returns the endpoint of p that is linked to partner. The
// second result is false when the two particles are not connected.
func (p *Particle) EndpointToward(partner ParticleID) (Endpoint, bool) {
	switch {
	case p.PlusID == partner && partner.Valid():
		return Plus, true
	case p.MinusID == partner && partner.Valid():
		return Minus, true
	}
	return 0, false
}
