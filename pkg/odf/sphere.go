package odf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Sphere is a geodesic tessellation of the unit sphere obtained by
// subdividing an icosahedron. Orientation fields sample one channel per
// vertex. The tessellation is centrally symmetric, so v and -v are both
// vertices.
type Sphere struct {
	Vertices []r3.Vec
	Faces    [][3]int
}

// icosahedron vertex coordinates before normalisation
var icosahedronVertices = func() []r3.Vec {
	t := (1 + math.Sqrt(5)) / 2
	return []r3.Vec{
		{X: -1, Y: t}, {X: 1, Y: t}, {X: -1, Y: -t}, {X: 1, Y: -t},
		{Y: -1, Z: t}, {Y: 1, Z: t}, {Y: -1, Z: -t}, {Y: 1, Z: -t},
		{X: t, Z: -1}, {X: t, Z: 1}, {X: -t, Z: -1}, {X: -t, Z: 1},
	}
}()

var icosahedronFaces = [][3]int{
	{0, 11, 5}, {0, 5, 1}, {0, 1, 7}, {0, 7, 10}, {0, 10, 11},
	{1, 5, 9}, {5, 11, 4}, {11, 10, 2}, {10, 7, 6}, {7, 1, 8},
	{3, 9, 4}, {3, 4, 2}, {3, 2, 6}, {3, 6, 8}, {3, 8, 9},
	{4, 9, 5}, {2, 4, 11}, {6, 2, 10}, {8, 6, 7}, {9, 8, 1},
}

// MaxSphereLevel bounds the subdivision depth.
const MaxSphereLevel = 5

// NewSphere tessellates the unit sphere. Level 0 is the icosahedron (12
// vertices); each level splits every face in four, giving 10·4^level+2
// vertices.
func NewSphere(level int) (*Sphere, error) {
	if level < 0 || level > MaxSphereLevel {
		return nil, fmt.Errorf("sphere level %d outside [0, %d]", level, MaxSphereLevel)
	}

	s := &Sphere{
		Vertices: make([]r3.Vec, len(icosahedronVertices)),
		Faces:    append([][3]int(nil), icosahedronFaces...),
	}
	for i, v := range icosahedronVertices {
		s.Vertices[i] = r3.Unit(v)
	}
	for l := 0; l < level; l++ {
		s.subdivide()
	}
	return s, nil
}

// VertexCount returns the number of vertices at the given level.
func VertexCount(level int) int {
	n := 1
	for i := 0; i < level; i++ {
		n *= 4
	}
	return 10*n + 2
}

func (s *Sphere) subdivide() {
	midpoints := make(map[[2]int]int)
	mid := func(a, b int) int {
		key := [2]int{a, b}
		if a > b {
			key = [2]int{b, a}
		}
		if idx, ok := midpoints[key]; ok {
			return idx
		}
		v := r3.Unit(r3.Add(s.Vertices[a], s.Vertices[b]))
		s.Vertices = append(s.Vertices, v)
		idx := len(s.Vertices) - 1
		midpoints[key] = idx
		return idx
	}

	faces := make([][3]int, 0, 4*len(s.Faces))
	for _, f := range s.Faces {
		ab := mid(f[0], f[1])
		bc := mid(f[1], f[2])
		ca := mid(f[2], f[0])
		faces = append(faces,
			[3]int{f[0], ab, ca},
			[3]int{f[1], bc, ab},
			[3]int{f[2], ca, bc},
			[3]int{ab, bc, ca},
		)
	}
	s.Faces = faces
}
