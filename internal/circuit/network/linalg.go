package network

import (
	"errors"
	"math/cmplx"
)

var errSingular = errors.New("singular admittance matrix")

// lu is a dense complex LU factorization with partial pivoting.
type lu struct {
	a   [][]complex128
	piv []int
}

func factorize(m [][]complex128) (*lu, error) {
	n := len(m)
	a := make([][]complex128, n)
	for i := range m {
		a[i] = append([]complex128(nil), m[i]...)
	}
	piv := make([]int, n)
	for i := range piv {
		piv[i] = i
	}

	for col := 0; col < n; col++ {
		best := col
		for r := col + 1; r < n; r++ {
			if cmplx.Abs(a[r][col]) > cmplx.Abs(a[best][col]) {
				best = r
			}
		}
		if cmplx.Abs(a[best][col]) < 1e-14 {
			return nil, errSingular
		}
		a[col], a[best] = a[best], a[col]
		piv[col], piv[best] = piv[best], piv[col]

		for r := col + 1; r < n; r++ {
			f := a[r][col] / a[col][col]
			a[r][col] = f
			if f == 0 {
				continue
			}
			for c := col + 1; c < n; c++ {
				a[r][c] -= f * a[col][c]
			}
		}
	}
	return &lu{a: a, piv: piv}, nil
}

func (f *lu) solve(b []complex128) []complex128 {
	n := len(f.a)
	x := make([]complex128, n)
	for i := 0; i < n; i++ {
		x[i] = b[f.piv[i]]
	}
	for i := 0; i < n; i++ {
		for j := 0; j < i; j++ {
			x[i] -= f.a[i][j] * x[j]
		}
	}
	for i := n - 1; i >= 0; i-- {
		for j := i + 1; j < n; j++ {
			x[i] -= f.a[i][j] * x[j]
		}
		x[i] /= f.a[i][i]
	}
	return x
}
