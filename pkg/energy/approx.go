package energy

// DefaultBesselCoefficients approximate the orientation kernel in powers of
// the squared cosine between two particles. The polynomial is increasing on
// [0, 1], so better aligned neighbours always weigh more.
var DefaultBesselCoefficients = [4]float64{-0.1714, 0.5332, -1.4889, 2.0389}

// mbesseli0 evaluates the orientation kernel for |cos| = x.
func mbesseli0(coeff *[4]float64, x float64) float64 {
	y := x * x
	return coeff[0] + y*(coeff[1]+y*(coeff[2]+y*coeff[3]))
}

// mexpKnots and the matching slopes/intercepts give a piecewise linear,
// non-increasing approximation of exp(-x) that reaches zero at 7.
var (
	mexpKnots      = [...]float64{7.0, 5.0, 3.0, 2.0, 1.0, 0.5, 0.0}
	mexpSlopes     = [...]float64{0, -0.0029, -0.0215, -0.0855, -0.2325, -0.4773, -0.7869}
	mexpIntercepts = [...]float64{0, 0.0213, 0.1144, 0.3064, 0.6004, 0.8452, 1.0}
)

// mexp approximates exp(-x) for x >= 0; negative arguments return 1.
func mexp(x float64) float64 {
	for i, k := range mexpKnots {
		if x >= k {
			return mexpSlopes[i]*x + mexpIntercepts[i]
		}
	}
	return 1
}
