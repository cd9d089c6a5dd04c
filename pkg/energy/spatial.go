package energy

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"gibbstrack/internal/models"
	"gibbstrack/pkg/odf"
)

// BuildSpatialSampler prepares mask-weighted position draws: every voxel
// above the foreground threshold is drawn with probability proportional to
// its mask value.
func (m *Model) BuildSpatialSampler(mask *models.Volume) error {
	m.mask = mask
	m.active = m.active[:0]
	weights := make([]float64, 0, mask.NumVoxels())
	for i, v := range mask.Data {
		if v > odf.ForegroundThreshold {
			m.active = append(m.active, i)
			weights = append(weights, v)
		}
	}
	if len(m.active) == 0 {
		return fmt.Errorf("mask has no foreground voxels")
	}

	m.cumulative = floats.CumSum(make([]float64, len(weights)), weights)
	m.totalMass = m.cumulative[len(m.cumulative)-1]
	return nil
}

// ActiveVoxels returns the number of foreground voxels birth can draw from.
func (m *Model) ActiveVoxels() int { return len(m.active) }

// DrawSpatialPosition picks a foreground voxel by mask weight and returns a
// uniformly jittered position inside it.
func (m *Model) DrawSpatialPosition(rng RandomSource) r3.Vec {
	r := rng.Float64() * m.totalMass
	j := sort.Search(len(m.cumulative), func(i int) bool { return m.cumulative[i] > r })
	if j == len(m.cumulative) {
		j--
	}

	x, y, z := m.mask.Coords(m.active[j])
	return r3.Vec{
		X: m.mask.VoxelSize.X * (float64(x) + rng.Float64()),
		Y: m.mask.VoxelSize.Y * (float64(y) + rng.Float64()),
		Z: m.mask.VoxelSize.Z * (float64(z) + rng.Float64()),
	}
}

// SpatialProbability returns the mask value at pos, or zero outside the
// mask's foreground or the volume.
func (m *Model) SpatialProbability(pos r3.Vec) float64 {
	x, y, z, ok := m.mask.VoxelAt(pos)
	if !ok {
		return 0
	}
	v := m.mask.At(x, y, z, 0)
	if v <= odf.ForegroundThreshold {
		return 0
	}
	return v
}
