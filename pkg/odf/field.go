// Package odf holds the orientation distribution field consumed by the
// tracker: a multi-channel volume with one channel per vertex of a sphere
// tessellation, evaluated with trilinear spatial and barycentric spherical
// interpolation.
package odf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"gibbstrack/internal/models"
)

// Field is an orientation field over a volume. It is read-only once built
// and may be shared between runs.
type Field struct {
	volume *models.Volume
	interp *Interpolator
	extent r3.Vec
}

// NewField wraps an ODF volume. The channel count must equal the number of
// tessellation vertices.
func NewField(volume *models.Volume, interp *Interpolator) (*Field, error) {
	if volume == nil || interp == nil {
		return nil, fmt.Errorf("orientation field needs a volume and an interpolator")
	}
	if n := len(interp.Sphere().Vertices); volume.Channels != n {
		return nil, fmt.Errorf("volume has %d channels, tessellation has %d vertices", volume.Channels, n)
	}
	if len(volume.Data) != volume.NumVoxels()*volume.Channels {
		return nil, fmt.Errorf("volume data length %d does not match %dx%dx%dx%d",
			len(volume.Data), volume.Width, volume.Height, volume.Depth, volume.Channels)
	}
	return &Field{volume: volume, interp: interp, extent: volume.Extent()}, nil
}

// Volume returns the underlying ODF volume.
func (f *Field) Volume() *models.Volume { return f.volume }

// Interpolator returns the spherical interpolator.
func (f *Field) Interpolator() *Interpolator { return f.interp }

// Extent returns the physical size of the field in mm.
func (f *Field) Extent() r3.Vec { return f.extent }

// Evaluate returns the ODF amplitude at pos in direction dir. Positions
// outside the volume evaluate to zero. Between the outermost voxel centres
// and the volume border the nearest centre plane is used.
func (f *Field) Evaluate(pos, dir r3.Vec) float64 {
	if !(pos.X >= 0 && pos.Y >= 0 && pos.Z >= 0) ||
		pos.X >= f.extent.X || pos.Y >= f.extent.Y || pos.Z >= f.extent.Z {
		return 0
	}
	idx, w, ok := f.interp.Weights(dir)
	if !ok {
		return 0
	}

	v := f.volume
	x0, x1, tx := cornerPair(pos.X/v.VoxelSize.X-0.5, v.Width)
	y0, y1, ty := cornerPair(pos.Y/v.VoxelSize.Y-0.5, v.Height)
	z0, z1, tz := cornerPair(pos.Z/v.VoxelSize.Z-0.5, v.Depth)

	sample := func(x, y, z int) float64 {
		base := v.VoxelIndex(x, y, z) * v.Channels
		return w[0]*v.Data[base+idx[0]] + w[1]*v.Data[base+idx[1]] + w[2]*v.Data[base+idx[2]]
	}

	c00 := sample(x0, y0, z0)*(1-tx) + sample(x1, y0, z0)*tx
	c10 := sample(x0, y1, z0)*(1-tx) + sample(x1, y1, z0)*tx
	c01 := sample(x0, y0, z1)*(1-tx) + sample(x1, y0, z1)*tx
	c11 := sample(x0, y1, z1)*(1-tx) + sample(x1, y1, z1)*tx
	c0 := c00*(1-ty) + c10*ty
	c1 := c01*(1-ty) + c11*ty
	return c0*(1-tz) + c1*tz
}

// cornerPair returns the two voxel indices bracketing continuous coordinate
// c (in voxel-centre units) and the interpolation fraction, clamped to the
// valid index range [0, n-1].
func cornerPair(c float64, n int) (lo, hi int, t float64) {
	if n == 1 || c <= 0 {
		return 0, 0, 0
	}
	if c >= float64(n-1) {
		return n - 1, n - 1, 0
	}
	lo = int(c)
	return lo, lo + 1, c - float64(lo)
}

// NormalizeMinMax rescales every voxel's ODF to [0, 1]. Flat voxels become
// zero.
func NormalizeMinMax(volume *models.Volume) {
	for i := 0; i < volume.NumVoxels(); i++ {
		odf := volume.Data[i*volume.Channels : (i+1)*volume.Channels]
		lo, hi := floats.Min(odf), floats.Max(odf)
		if !(hi > lo) {
			for c := range odf {
				odf[c] = 0
			}
			continue
		}
		floats.AddConst(-lo, odf)
		floats.Scale(1/(hi-lo), odf)
	}
}

// PeakStats returns the mean and standard deviation of the per-voxel ODF
// maxima over voxels where the mask (at the given oversampling multiplier)
// is foreground. A nil mask selects all voxels.
func PeakStats(volume, mask *models.Volume, multiplier int) (mean, std float64, err error) {
	if multiplier < 1 {
		multiplier = 1
	}
	peaks := make([]float64, 0, volume.NumVoxels())
	for i := 0; i < volume.NumVoxels(); i++ {
		if mask != nil {
			x, y, z := volume.Coords(i)
			if !anyForeground(mask, x, y, z, multiplier) {
				continue
			}
		}
		peaks = append(peaks, floats.Max(volume.Data[i*volume.Channels:(i+1)*volume.Channels]))
	}
	if len(peaks) == 0 {
		return 0, 0, fmt.Errorf("no foreground voxels")
	}
	mean, std = stat.MeanStdDev(peaks, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return mean, std, nil
}

// anyForeground reports whether any mask voxel covering ODF voxel (x, y, z)
// exceeds the foreground threshold.
func anyForeground(mask *models.Volume, x, y, z, m int) bool {
	for dz := 0; dz < m; dz++ {
		for dy := 0; dy < m; dy++ {
			for dx := 0; dx < m; dx++ {
				mx, my, mz := x*m+dx, y*m+dy, z*m+dz
				if mask.Contains(mx, my, mz) && mask.At(mx, my, mz, 0) > ForegroundThreshold {
					return true
				}
			}
		}
	}
	return false
}

// ForegroundThreshold is the mask value above which a voxel is foreground.
const ForegroundThreshold = 0.5
