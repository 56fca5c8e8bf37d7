// Copyright ©2025 gergondet. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lexls

import "math"

// Strided vector kernels for column access in the row-major factorization
// workspace. Contiguous (unit stride) operations go through gonum/floats at
// the call sites; these cover only what floats cannot.

// ddot computes the dot product of two strided vectors.
func ddot(n int, dx []float64, incx int, dy []float64, incy int) (dot float64) {
	if n <= 0 {
		return zero
	}
	lx, ly := uint(incx*(n-1)), uint(incy*(n-1))
	if lx >= uint(len(dx)) || ly >= uint(len(dy)) {
		panic("bound check error")
	}
	for ix, iy := uint(0), uint(0); ix <= lx && iy <= ly; {
		dot += dx[ix] * dy[iy]
		ix += uint(incx)
		iy += uint(incy)
	}
	return dot
}

// daxpy performs constant times a strided vector plus a strided vector.
func daxpy(n int, da float64, dx []float64, incx int, dy []float64, incy int) {
	if n <= 0 || da == zero {
		return
	}
	lx, ly := uint(incx*(n-1)), uint(incy*(n-1))
	if lx >= uint(len(dx)) || ly >= uint(len(dy)) {
		panic("bound check error")
	}
	for ix, iy := uint(0), uint(0); ix <= lx && iy <= ly; {
		dy[iy] += da * dx[ix]
		ix += uint(incx)
		iy += uint(incy)
	}
}

// dnrm2 computes the Euclidean norm of a strided vector without overflow.
func dnrm2(n int, x []float64, incx int) float64 {
	if n < 1 || incx < 1 {
		return zero
	}
	last := uint(incx * (n - 1))
	if last >= uint(len(x)) {
		panic("bound check error")
	}
	scale, ssq := zero, one
	for i := uint(0); i <= last; i += uint(incx) {
		if absxi := math.Abs(x[i]); absxi > zero {
			if scale < absxi {
				sxi := scale / absxi
				ssq = one + ssq*sxi*sxi
				scale = absxi
			} else {
				sxi := absxi / scale
				ssq += sxi * sxi
			}
		}
	}
	return scale * math.Sqrt(ssq)
}

// dzero fills a vector with zero.
func dzero(dx []float64) {
	for i := range dx {
		dx[i] = zero
	}
}
