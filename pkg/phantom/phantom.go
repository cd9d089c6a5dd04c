// Package phantom renders synthetic fiber bundles into an orientation field
// and a matching foreground mask. It stands in for real diffusion data in
// the command line tool and in tests.
package phantom

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"gibbstrack/internal/models"
	"gibbstrack/pkg/odf"
)

// Bundle is a straight tube of fibers from Start to End (mm).
type Bundle struct {
	Start  r3.Vec
	End    r3.Vec
	Radius float64
}

// Params describes a phantom.
type Params struct {
	// Size is the ODF volume size in voxels
	Size [3]int

	// Spacing is the isotropic voxel size in mm
	Spacing float64

	// MaskMultiplier is the mask oversampling factor
	MaskMultiplier int

	// SphereLevel selects the tessellation
	SphereLevel int

	// Sharpness is the exponent of the |cos| lobe along each bundle
	Sharpness float64

	// Background is the isotropic ODF value everywhere
	Background float64

	Bundles []Bundle
}

// DefaultParams returns a 20x20x6 phantom with two bundles crossing at 60
// degrees in the middle of the volume.
func DefaultParams() Params {
	p := Params{
		Size:           [3]int{20, 20, 6},
		Spacing:        2,
		MaskMultiplier: 2,
		SphereLevel:    2,
		Sharpness:      20,
		Background:     0.05,
	}
	p.Bundles = CrossingBundles(p.Size, p.Spacing, 60, 4)
	return p
}

// CrossingBundles returns two bundles through the centre of the volume, one
// along x and one rotated by angle degrees in the xy-plane.
func CrossingBundles(size [3]int, spacing, angle, radius float64) []Bundle {
	c := r3.Vec{X: float64(size[0]) * spacing / 2, Y: float64(size[1]) * spacing / 2, Z: float64(size[2]) * spacing / 2}
	half := math.Min(float64(size[0]), float64(size[1])) * spacing / 2
	a := angle * math.Pi / 180
	d1 := r3.Vec{X: half}
	d2 := r3.Vec{X: half * math.Cos(a), Y: half * math.Sin(a)}
	return []Bundle{
		{Start: r3.Sub(c, d1), End: r3.Add(c, d1), Radius: radius},
		{Start: r3.Sub(c, d2), End: r3.Add(c, d2), Radius: radius},
	}
}

func (p *Params) validate() error {
	for _, n := range p.Size {
		if n <= 0 {
			return fmt.Errorf("invalid phantom size %v", p.Size)
		}
	}
	if !(p.Spacing > 0) {
		return fmt.Errorf("invalid phantom spacing %v", p.Spacing)
	}
	if p.MaskMultiplier <= 0 {
		return fmt.Errorf("invalid mask multiplier %d", p.MaskMultiplier)
	}
	if p.Sharpness < 0 || p.Background < 0 {
		return fmt.Errorf("sharpness and background must not be negative")
	}
	if len(p.Bundles) == 0 {
		return fmt.Errorf("phantom has no bundles")
	}
	for i, b := range p.Bundles {
		if !(b.Radius > 0) || r3.Norm2(r3.Sub(b.End, b.Start)) == 0 {
			return fmt.Errorf("bundle %d is degenerate", i)
		}
	}
	return nil
}

// inside reports whether pos lies within the bundle tube, caps excluded.
func (b *Bundle) inside(pos r3.Vec) bool {
	axis := r3.Sub(b.End, b.Start)
	t := r3.Dot(r3.Sub(pos, b.Start), axis) / r3.Norm2(axis)
	if t < 0 || t > 1 {
		return false
	}
	closest := r3.Add(b.Start, r3.Scale(t, axis))
	return r3.Norm2(r3.Sub(pos, closest)) <= b.Radius*b.Radius
}

// Generate renders the phantom. The returned field is min-max normalised per
// voxel; the mask is 1 inside any bundle and 0 elsewhere.
func Generate(p Params) (*odf.Field, *models.Volume, error) {
	if err := p.validate(); err != nil {
		return nil, nil, err
	}
	sphere, err := odf.NewSphere(p.SphereLevel)
	if err != nil {
		return nil, nil, err
	}
	interp, err := odf.NewInterpolator(sphere)
	if err != nil {
		return nil, nil, err
	}

	sp := [3]float64{p.Spacing, p.Spacing, p.Spacing}
	vol, err := models.NewVolume(p.Size[0], p.Size[1], p.Size[2], len(sphere.Vertices), sp)
	if err != nil {
		return nil, nil, err
	}

	dirs := make([]r3.Vec, len(p.Bundles))
	for i, b := range p.Bundles {
		dirs[i] = r3.Unit(r3.Sub(b.End, b.Start))
	}

	for z := 0; z < vol.Depth; z++ {
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				centre := r3.Vec{X: (float64(x) + 0.5) * p.Spacing, Y: (float64(y) + 0.5) * p.Spacing, Z: (float64(z) + 0.5) * p.Spacing}
				voxel := vol.Voxel(x, y, z)
				floats.AddConst(p.Background, voxel)
				for i := range p.Bundles {
					if !p.Bundles[i].inside(centre) {
						continue
					}
					for c, v := range sphere.Vertices {
						voxel[c] += math.Pow(math.Abs(r3.Dot(v, dirs[i])), p.Sharpness)
					}
				}
			}
		}
	}
	odf.NormalizeMinMax(vol)

	field, err := odf.NewField(vol, interp)
	if err != nil {
		return nil, nil, err
	}

	m := p.MaskMultiplier
	msp := p.Spacing / float64(m)
	mask, err := models.NewVolume(p.Size[0]*m, p.Size[1]*m, p.Size[2]*m, 1, [3]float64{msp, msp, msp})
	if err != nil {
		return nil, nil, err
	}
	for z := 0; z < mask.Depth; z++ {
		for y := 0; y < mask.Height; y++ {
			for x := 0; x < mask.Width; x++ {
				centre := r3.Vec{X: (float64(x) + 0.5) * msp, Y: (float64(y) + 0.5) * msp, Z: (float64(z) + 0.5) * msp}
				for i := range p.Bundles {
					if p.Bundles[i].inside(centre) {
						mask.Set(x, y, z, 0, 1)
						break
					}
				}
			}
		}
	}
	return field, mask, nil
}
