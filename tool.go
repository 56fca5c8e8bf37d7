// Copyright ©2025 gergondet. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lexls

import "math"

// Householder and Givens kernels operating on strided segments of the
// row-major factorization workspace.
//
// C.L. Lawson, R.J. Hanson, 'Solving least squares problems' Prentice Hall, 1974.
// (revised 1995 edition) Chapters 3 and 10.

// house constructs the Householder reflector zeroing components 1..n-1 of
// the n-vector v[off], v[off+inc], ..., v[off+(n-1)*inc] against the pivot
// component v[off].
//
// On return v[off] holds s = -σ‖v‖₂ (the new pivot value) and the remaining
// components hold the reflector vector u. The pivot component uₚ = vₚ - s is
// returned separately; the transformation is 𝐐 = 𝐈 + b⁻¹𝐮𝐮ᵀ with b = s·uₚ.
// If n < 2 or the segment is zero, the identity transformation is returned
// as up = 0.
func house(v []float64, off, inc, n int) (up float64) {
	if n < 2 {
		return
	}
	last := uint(off + (n-1)*inc)
	if inc <= 0 || last >= uint(len(v)) {
		panic("bound check error")
	}

	// Scale by the largest magnitude to avoid overflow.
	maxV := math.Abs(v[off])
	for j := uint(off + inc); j <= last; j += uint(inc) {
		maxV = math.Max(math.Abs(v[j]), maxV)
	}
	if maxV <= zero {
		return
	}
	invV := one / maxV
	sum := math.Pow(v[off]*invV, 2)
	for j := uint(off + inc); j <= last; j += uint(inc) {
		sum += math.Pow(v[j]*invV, 2)
	}

	s := maxV * math.Sqrt(sum)
	if v[off] > zero {
		s = -s
	}
	up = v[off] - s
	v[off] = s
	return
}

// houseApply applies the reflector built by house (stored in the strided
// segment u[uoff:...:uinc] with pivot scalar up) to the strided n-segment
// c[coff:...:cinc], computing 𝐐𝐜 = 𝐜 + b⁻¹(𝐮ᵀ𝐜)𝐮.
func houseApply(u []float64, uoff, uinc int, up float64, c []float64, coff, cinc, n int) {
	if n < 2 {
		return
	}
	b := u[uoff] * up // s·uₚ
	if b >= zero {
		return // identity transformation
	}
	b = one / b

	ulast := uint(uoff + (n-1)*uinc)
	clast := uint(coff + (n-1)*cinc)
	if uinc <= 0 || cinc <= 0 || ulast >= uint(len(u)) || clast >= uint(len(c)) {
		panic("bound check error")
	}

	sm := c[coff] * up
	for iu, ic := uint(uoff+uinc), uint(coff+cinc); iu <= ulast && ic <= clast; {
		sm += c[ic] * u[iu]
		iu += uint(uinc)
		ic += uint(cinc)
	}
	if sm == zero {
		return
	}
	sm *= b
	c[coff] += sm * up
	for iu, ic := uint(uoff+uinc), uint(coff+cinc); iu <= ulast && ic <= clast; {
		c[ic] += sm * u[iu]
		iu += uint(uinc)
		ic += uint(cinc)
	}
}

// givens computes the 2×2 rotation with c·a + s·b = r and -s·a + c·b = 0.
func givens(a, b float64) (c, s, r float64) {
	var xr, yr float64
	if xa, xb := math.Abs(a), math.Abs(b); xa > xb {
		xr = b / a
		yr = math.Sqrt(one + xr*xr)
		c = math.Copysign(one/yr, a)
		s = c * xr
		r = xa * yr
	} else if xb > zero {
		xr = a / b
		yr = math.Sqrt(one + xr*xr)
		s = math.Copysign(one/yr, b)
		c = s * xr
		r = xb * yr
	} else {
		s = one
	}
	return
}

// rot applies the rotation computed by givens to the pair (x, y).
func rot(c, s, x, y float64) (xr, yr float64) {
	xr = c*x + s*y
	yr = -s*x + c*y
	return
}
