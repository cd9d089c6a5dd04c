package odf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// spherePoint is a tessellation vertex stored in the kd-tree
type spherePoint struct {
	X, Y, Z float64
	Index   int
}

// Compare implements the kdtree.Comparable interface
func (p spherePoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(spherePoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p spherePoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p spherePoint) Distance(c kdtree.Comparable) float64 {
	q := c.(spherePoint)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// spherePoints satisfies kdtree.Interface
type spherePoints []spherePoint

func (p spherePoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p spherePoints) Len() int                              { return len(p) }
func (p spherePoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p spherePoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(spherePlane{spherePoints: p, Dim: d}, kdtree.MedianOfRandoms(spherePlane{spherePoints: p, Dim: d}, 100))
}

// spherePlane implements sort.Interface and kdtree.SortSlicer
type spherePlane struct {
	spherePoints
	kdtree.Dim
}

func (p spherePlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.spherePoints[i].X < p.spherePoints[j].X
	case 1:
		return p.spherePoints[i].Y < p.spherePoints[j].Y
	case 2:
		return p.spherePoints[i].Z < p.spherePoints[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p spherePlane) Slice(start, end int) kdtree.SortSlicer {
	return spherePlane{spherePoints: p.spherePoints[start:end], Dim: p.Dim}
}

func (p spherePlane) Swap(i, j int) {
	p.spherePoints[i], p.spherePoints[j] = p.spherePoints[j], p.spherePoints[i]
}

// barycentricTolerance admits directions on a shared edge to either face
const barycentricTolerance = -1e-9

// Interpolator computes barycentric weights of a direction with respect to
// the tessellation face that contains it.
type Interpolator struct {
	sphere      *Sphere
	tree        *kdtree.Tree
	vertexFaces [][]int
	// inverses holds, per face, the row-major inverse of the matrix whose
	// columns are the face's vertices
	inverses [][9]float64
}

// NewInterpolator indexes the sphere's vertices and precomputes the
// per-face barycentric transforms.
func NewInterpolator(s *Sphere) (*Interpolator, error) {
	if s == nil || len(s.Vertices) == 0 || len(s.Faces) == 0 {
		return nil, fmt.Errorf("empty sphere tessellation")
	}

	points := make(spherePoints, len(s.Vertices))
	for i, v := range s.Vertices {
		points[i] = spherePoint{X: v.X, Y: v.Y, Z: v.Z, Index: i}
	}

	ip := &Interpolator{
		sphere:      s,
		tree:        kdtree.New(points, false),
		vertexFaces: make([][]int, len(s.Vertices)),
		inverses:    make([][9]float64, len(s.Faces)),
	}

	var inv mat.Dense
	for fi, f := range s.Faces {
		a, b, c := s.Vertices[f[0]], s.Vertices[f[1]], s.Vertices[f[2]]
		m := mat.NewDense(3, 3, []float64{
			a.X, b.X, c.X,
			a.Y, b.Y, c.Y,
			a.Z, b.Z, c.Z,
		})
		if err := inv.Inverse(m); err != nil {
			return nil, fmt.Errorf("degenerate sphere face %d: %w", fi, err)
		}
		for r := 0; r < 3; r++ {
			for col := 0; col < 3; col++ {
				ip.inverses[fi][r*3+col] = inv.At(r, col)
			}
		}
		for _, v := range f {
			ip.vertexFaces[v] = append(ip.vertexFaces[v], fi)
		}
	}
	return ip, nil
}

// Sphere returns the tessellation being interpolated.
func (ip *Interpolator) Sphere() *Sphere { return ip.sphere }

// Weights returns the vertex indices of the face containing dir and the
// barycentric weights (non-negative, summing to one). dir need not be
// normalised but must be non-zero; ok is false for a zero or non-finite
// direction.
func (ip *Interpolator) Weights(dir r3.Vec) (idx [3]int, w [3]float64, ok bool) {
	n := r3.Norm(dir)
	if !(n > 0) || math.IsInf(n, 0) {
		return idx, w, false
	}

	q := spherePoint{X: dir.X / n, Y: dir.Y / n, Z: dir.Z / n}
	nearest, _ := ip.tree.Nearest(q)
	v := nearest.(spherePoint).Index

	for _, fi := range ip.vertexFaces[v] {
		if ip.faceWeights(fi, q, &w) {
			return ip.sphere.Faces[fi], w, true
		}
	}
	// geodesic faces are close to regular, so the containing face shares the
	// nearest vertex; keep a full scan for numerically awkward directions
	for fi := range ip.sphere.Faces {
		if ip.faceWeights(fi, q, &w) {
			return ip.sphere.Faces[fi], w, true
		}
	}
	// fall back to the nearest vertex alone
	return [3]int{v, v, v}, [3]float64{1, 0, 0}, true
}

func (ip *Interpolator) faceWeights(fi int, q spherePoint, w *[3]float64) bool {
	m := &ip.inverses[fi]
	var sum float64
	for r := 0; r < 3; r++ {
		w[r] = m[r*3]*q.X + m[r*3+1]*q.Y + m[r*3+2]*q.Z
		if w[r] < barycentricTolerance {
			return false
		}
		if w[r] < 0 {
			w[r] = 0
		}
		sum += w[r]
	}
	if sum <= 0 {
		return false
	}
	for r := range w {
		w[r] /= sum
	}
	return true
}
