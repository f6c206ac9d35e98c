package linalg

import "gonum.org/v1/gonum/mat"

// vec views s as a column vector without copying.
func vec(s []float64) *mat.VecDense {
	return mat.NewVecDense(len(s), s)
}

// MulVec writes a*x into dst. dst must not share storage with x.
func MulVec(a mat.Matrix, x, dst []float64) {
	if len(dst) == 0 {
		return
	}
	vec(dst).MulVec(a, vec(x))
}

// MulVecAdd adds alpha*a*x to dst.
func MulVecAdd(alpha float64, a mat.Matrix, x, dst []float64) {
	if len(dst) == 0 || len(x) == 0 {
		return
	}
	var ax mat.VecDense
	ax.MulVec(a, vec(x))
	d := vec(dst)
	d.AddScaledVec(d, alpha, &ax)
}

// MulTransVecAdd adds alpha*aᵀ*x to dst.
func MulTransVecAdd(alpha float64, a mat.Matrix, x, dst []float64) {
	if len(dst) == 0 || len(x) == 0 {
		return
	}
	var atx mat.VecDense
	atx.MulVec(a.T(), vec(x))
	d := vec(dst)
	d.AddScaledVec(d, alpha, &atx)
}

// Shifted writes m - alpha*j into dst.
func Shifted(dst *mat.Dense, m, j mat.Matrix, alpha float64) {
	dst.Scale(-alpha, j)
	dst.Add(dst, m)
}

// SetBlock copies src scaled by alpha into the (bi, bj) block of dst.
func SetBlock(dst *mat.Dense, bi, bj, n int, alpha float64, src mat.Matrix) {
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			dst.Set(bi*n+i, bj*n+j, alpha*src.At(i, j))
		}
	}
}

// AddBlock adds src scaled by alpha into the (bi, bj) block of dst.
func AddBlock(dst *mat.Dense, bi, bj, n int, alpha float64, src mat.Matrix) {
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			dst.Set(bi*n+i, bj*n+j, dst.At(bi*n+i, bj*n+j)+alpha*src.At(i, j))
		}
	}
}
