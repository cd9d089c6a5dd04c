package odf

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"gibbstrack/internal/models"
)

// TestSphereTessellation verifies vertex counts, normalisation and central symmetry
func TestSphereTessellation(t *testing.T) {
	for level := 0; level <= 3; level++ {
		s, err := NewSphere(level)
		if err != nil {
			t.Fatalf("NewSphere(%d) failed: %v", level, err)
		}
		if len(s.Vertices) != VertexCount(level) {
			t.Errorf("level %d: expected %d vertices, got %d", level, VertexCount(level), len(s.Vertices))
		}
		if len(s.Faces) != 20*int(math.Pow(4, float64(level))) {
			t.Errorf("level %d: unexpected face count %d", level, len(s.Faces))
		}
		for i, v := range s.Vertices {
			if math.Abs(r3.Norm(v)-1) > 1e-12 {
				t.Fatalf("level %d: vertex %d not on the unit sphere: %v", level, i, v)
			}
		}
		// every vertex has its antipode
		for i, v := range s.Vertices {
			found := false
			for _, u := range s.Vertices {
				if r3.Norm(r3.Add(u, v)) < 1e-9 {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("level %d: vertex %d has no antipode", level, i)
			}
		}
	}

	if _, err := NewSphere(-1); err == nil {
		t.Error("expected error for negative level")
	}
}

// TestInterpolatorWeights checks weights at vertices and for random directions
func TestInterpolatorWeights(t *testing.T) {
	s, _ := NewSphere(2)
	ip, err := NewInterpolator(s)
	if err != nil {
		t.Fatalf("NewInterpolator failed: %v", err)
	}

	for i, v := range s.Vertices {
		idx, w, ok := ip.Weights(r3.Scale(3, v))
		if !ok {
			t.Fatalf("vertex %d rejected", i)
		}
		got := 0.0
		for k := range idx {
			if idx[k] == i {
				got += w[k]
			}
		}
		if math.Abs(got-1) > 1e-6 {
			t.Errorf("vertex %d: expected full weight on itself, got %f", i, got)
		}
	}

	rng := rand.New(rand.NewPCG(1, 2))
	for n := 0; n < 500; n++ {
		d := r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
		idx, w, ok := ip.Weights(d)
		if !ok {
			t.Fatalf("direction %v rejected", d)
		}
		sum := 0.0
		recon := r3.Vec{}
		for k := range w {
			if w[k] < 0 {
				t.Fatalf("negative weight %v for %v", w, d)
			}
			sum += w[k]
			recon = r3.Add(recon, r3.Scale(w[k], s.Vertices[idx[k]]))
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Fatalf("weights sum to %f", sum)
		}
		// the weighted vertices point the same way as the query
		if r3.Cos(recon, d) < 0.95 {
			t.Errorf("face for %v is not around the direction (cos %f)", d, r3.Cos(recon, d))
		}
	}

	if _, _, ok := ip.Weights(r3.Vec{}); ok {
		t.Error("zero direction must be rejected")
	}
}

func newTestField(t *testing.T, w, h, d int, fill func(x, y, z, c int) float64) *Field {
	t.Helper()
	s, _ := NewSphere(1)
	ip, err := NewInterpolator(s)
	if err != nil {
		t.Fatal(err)
	}
	vol, err := models.NewVolume(w, h, d, len(s.Vertices), [3]float64{2, 2, 2})
	if err != nil {
		t.Fatal(err)
	}
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				for c := 0; c < vol.Channels; c++ {
					vol.Set(x, y, z, c, fill(x, y, z, c))
				}
			}
		}
	}
	f, err := NewField(vol, ip)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

// TestFieldEvaluate verifies constant, ramp and out-of-volume behaviour
func TestFieldEvaluate(t *testing.T) {
	constant := newTestField(t, 3, 3, 3, func(x, y, z, c int) float64 { return 0.7 })
	dirs := []r3.Vec{{X: 1}, {Y: 1}, {X: 1, Y: 1, Z: 1}, {X: -0.3, Z: 0.2}}
	for _, d := range dirs {
		if v := constant.Evaluate(r3.Vec{X: 3, Y: 3, Z: 3}, d); math.Abs(v-0.7) > 1e-9 {
			t.Errorf("constant field evaluated to %f for %v", v, d)
		}
	}

	ramp := newTestField(t, 4, 1, 1, func(x, y, z, c int) float64 { return float64(x) })
	testCases := []struct {
		x        float64
		expected float64
	}{
		{1, 0},   // voxel 0 centre
		{3, 1},   // voxel 1 centre
		{4, 1.5}, // between centres
		{0.2, 0}, // clamped below first centre
		{7.9, 3}, // clamped above last centre
	}
	for _, tc := range testCases {
		got := ramp.Evaluate(r3.Vec{X: tc.x, Y: 1, Z: 1}, r3.Vec{Z: 1})
		if math.Abs(got-tc.expected) > 1e-9 {
			t.Errorf("ramp at x=%v: expected %f, got %f", tc.x, tc.expected, got)
		}
	}

	for _, pos := range []r3.Vec{{X: -1, Y: 1, Z: 1}, {X: 8, Y: 1, Z: 1}, {X: 1, Y: 5, Z: 1}} {
		if v := ramp.Evaluate(pos, r3.Vec{X: 1}); v != 0 {
			t.Errorf("outside position %v evaluated to %f", pos, v)
		}
	}
}

func TestNewFieldChannelMismatch(t *testing.T) {
	s, _ := NewSphere(1)
	ip, _ := NewInterpolator(s)
	vol, _ := models.NewVolume(2, 2, 2, 12, [3]float64{1, 1, 1})
	if _, err := NewField(vol, ip); err == nil {
		t.Error("expected channel mismatch error")
	}
}

func TestNormalizeMinMaxAndPeaks(t *testing.T) {
	vol, _ := models.NewVolume(2, 1, 1, 3, [3]float64{1, 1, 1})
	copy(vol.Data, []float64{2, 4, 6, 5, 5, 5})
	NormalizeMinMax(vol)

	expected := []float64{0, 0.5, 1, 0, 0, 0}
	for i := range expected {
		if math.Abs(vol.Data[i]-expected[i]) > 1e-12 {
			t.Fatalf("normalised data %v, want %v", vol.Data, expected)
		}
	}

	mask, _ := models.NewVolume(4, 2, 2, 1, [3]float64{0.5, 0.5, 0.5})
	mask.Set(1, 1, 1, 0, 1) // covers ODF voxel 0 only
	mean, std, err := PeakStats(vol, mask, 2)
	if err != nil {
		t.Fatalf("PeakStats failed: %v", err)
	}
	if mean != 1 || std != 0 {
		t.Errorf("expected peak mean 1 std 0, got %f %f", mean, std)
	}

	empty, _ := models.NewVolume(4, 2, 2, 1, [3]float64{0.5, 0.5, 0.5})
	if _, _, err := PeakStats(vol, empty, 2); err == nil {
		t.Error("expected error for empty mask")
	}
}
