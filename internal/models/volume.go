package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Volume is a multi-channel 3D image. Voxel (x, y, z) occupies the box
// [x, x+1)·VoxelSize.X and so on, so its centre is at (x+0.5)·VoxelSize.X.
type Volume struct {
	// Data holds the samples with channels interleaved:
	// ((z*Height + y)*Width + x)*Channels + c
	Data []float64

	// Width, Height, Depth are the dimensions in voxels
	Width  int
	Height int
	Depth  int

	// Channels is the number of samples per voxel (1 for a mask)
	Channels int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}
}

// NewVolume allocates a zero-filled volume.
func NewVolume(width, height, depth, channels int, spacing [3]float64) (*Volume, error) {
	if width <= 0 || height <= 0 || depth <= 0 {
		return nil, fmt.Errorf("invalid volume size %dx%dx%d", width, height, depth)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}
	for i, s := range spacing {
		if !(s > 0) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("invalid spacing %v on axis %d", s, i)
		}
	}

	v := &Volume{
		Data:     make([]float64, width*height*depth*channels),
		Width:    width,
		Height:   height,
		Depth:    depth,
		Channels: channels,
	}
	v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z = spacing[0], spacing[1], spacing[2]
	return v, nil
}

// NumVoxels returns Width*Height*Depth.
func (v *Volume) NumVoxels() int { return v.Width * v.Height * v.Depth }

// Spacing returns the voxel size as an array.
func (v *Volume) Spacing() [3]float64 {
	return [3]float64{v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z}
}

// MinSpacing returns the smallest voxel edge.
func (v *Volume) MinSpacing() float64 {
	return math.Min(v.VoxelSize.X, math.Min(v.VoxelSize.Y, v.VoxelSize.Z))
}

// Extent returns the physical size of the volume in mm.
func (v *Volume) Extent() r3.Vec {
	return r3.Vec{
		X: float64(v.Width) * v.VoxelSize.X,
		Y: float64(v.Height) * v.VoxelSize.Y,
		Z: float64(v.Depth) * v.VoxelSize.Z,
	}
}

// VoxelIndex returns the linear voxel index, ignoring channels.
func (v *Volume) VoxelIndex(x, y, z int) int {
	return (z*v.Height+y)*v.Width + x
}

// Coords is the inverse of VoxelIndex.
func (v *Volume) Coords(idx int) (x, y, z int) {
	x = idx % v.Width
	y = (idx / v.Width) % v.Height
	z = idx / (v.Width * v.Height)
	return
}

// Contains reports whether the voxel coordinates are inside the volume.
func (v *Volume) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < v.Width && y < v.Height && z < v.Depth
}

// Voxel returns the channel samples of one voxel. The slice aliases Data.
func (v *Volume) Voxel(x, y, z int) []float64 {
	i := v.VoxelIndex(x, y, z) * v.Channels
	return v.Data[i : i+v.Channels]
}

// At returns channel c of voxel (x, y, z).
func (v *Volume) At(x, y, z, c int) float64 {
	return v.Data[v.VoxelIndex(x, y, z)*v.Channels+c]
}

// Set stores channel c of voxel (x, y, z).
func (v *Volume) Set(x, y, z, c int, val float64) {
	v.Data[v.VoxelIndex(x, y, z)*v.Channels+c] = val
}

// VoxelAt maps a physical position to voxel coordinates. ok is false outside
// the volume.
func (v *Volume) VoxelAt(pos r3.Vec) (x, y, z int, ok bool) {
	x = int(math.Floor(pos.X / v.VoxelSize.X))
	y = int(math.Floor(pos.Y / v.VoxelSize.Y))
	z = int(math.Floor(pos.Z / v.VoxelSize.Z))
	return x, y, z, v.Contains(x, y, z)
}
