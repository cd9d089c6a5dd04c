package sampler

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r3"
)

// RandomSource is the sampler's only source of randomness. *rand.Rand from
// math/rand/v2 satisfies it.
type RandomSource interface {
	Float64() float64
	IntN(n int) int
	NormFloat64() float64
}

// NewRandomSource returns a deterministic PCG-backed source.
func NewRandomSource(seed uint64) RandomSource {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// randomDirection draws a direction uniformly from the unit sphere.
func randomDirection(rng RandomSource) r3.Vec {
	for {
		v := r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
		if n := r3.Norm(v); n > 1e-9 {
			return r3.Scale(1/n, v)
		}
	}
}

// distort adds isotropic Gaussian noise with standard deviation sigma.
func distort(rng RandomSource, v r3.Vec, sigma float64) r3.Vec {
	return r3.Vec{
		X: v.X + sigma*rng.NormFloat64(),
		Y: v.Y + sigma*rng.NormFloat64(),
		Z: v.Z + sigma*rng.NormFloat64(),
	}
}
