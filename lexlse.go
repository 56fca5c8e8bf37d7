// Copyright ©2025 gergondet. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lexls

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// fixedVar is one decision variable pinned to a value by an active simple
// bound of the top-priority objective.
type fixedVar struct {
	idx int
	val float64
	typ ConstraintType
}

// lexLSE solves the lexicographic least-squares problem with equality
// constraints defined by the current active set:
//
//	lex-min ‖𝐀₁𝐱 - 𝐛₁‖₂ , ‖𝐀₂𝐱 - 𝐛₂‖₂ , ··· subject to 𝐱ⱼ = vⱼ (j fixed)
//
// # Hierarchical factorization
//
// The active rows of all levels are stacked into one workspace. Fixed
// variables are eliminated first (their columns are folded into the
// right-hand side). Then, level by level:
//
//  1. A rank-revealing Householder QR with column pivoting is run on the
//     level's rows restricted to the still-free columns. Pivot columns whose
//     norm falls below the linear-dependence tolerance are deferred to lower
//     levels; the number of accepted pivots is the level's rank.
//  2. The reflectors act on the level's rows only, which freezes the range
//     space found at higher levels before lower ones are considered.
//  3. The new pivot columns are eliminated from all lower-level rows by
//     triangular substitution against the level's 𝐑 block; the substitution
//     multipliers are stored in the zeroed slots for later replay.
//
// The result is a global staircase-triangular system over the pivot columns.
// solve back-substitutes it from the last level upward; columns never
// pivoted keep the value of the reference vector seeded at assembly time,
// so the solution changes the current iterate only where the active set
// demands it.
//
// # Sensitivity
//
// For a level L the Lagrange multipliers λ of the active constraints at
// levels k < L satisfy Σ 𝐀ₖᵀλₖ = 𝐀_Lᵀ𝐰_L with 𝐰_L the level-L residual at
// the factorization solution. With the stored factors 𝐑 = 𝚯𝐀𝐏 this becomes
// 𝐑ᵀ𝐳 = 𝐏ᵀ𝐀_Lᵀ𝐰_L followed by λ = 𝚯ᵀ𝐳: a forward substitution over the
// staircase pivots and a reverse-order replay of the stored reflectors and
// elimination multipliers. Level L's own rows carry λ = 𝐰_L and the fixed
// variables receive the gradient residual on their columns.
//
// C.L. Lawson, R.J. Hanson, 'Solving least squares problems', 1974, ch. 14
// (column pivoting, reflector storage and replay).
// D. Dimitrov, A. Sherikov, P.-B. Wieber, 'Efficient resolution of
// potentially conflicting linear constraints in robotics', 2015.
type lexLSE struct {
	nVar, nLev int
	maxDim     []int
	dim        []int
	first      []int
	nCtr       int

	data    *mat.Dense // pristine assembled rows [A | b]
	work    *mat.Dense // factorization workspace
	ctrType []ConstraintType

	fixed    []fixedVar
	maxFixed int

	colPerm []int
	pivRow  []int
	pivUp   []float64
	pivNorm []float64
	levRank []int
	levPiv  []int // first global pivot per level; levPiv[nLev] = nPiv
	nPiv    int

	x, xref []float64
	lambda  []float64
	grad    []float64
	zwork   []float64
	hwork   []float64 // squared column norms
	mwork   []float64 // elimination multipliers
	dwork   []float64 // damping row
	cgY, cgR, cgP, cgQ, cgT []float64

	regFactor []float64
	regType   RegularizationType
	tolPivot  float64
	maxCG     int
	varReg    float64
}

// resize pre-allocates the workspace for the maximum problem shape. All
// later calls reuse this storage; the solve path performs no allocation.
func (e *lexLSE) resize(nVar, nLev int, maxDims []int, maxFixed int) {
	e.nVar, e.nLev = nVar, nLev
	e.maxDim = append([]int(nil), maxDims...)
	e.dim = make([]int, nLev)
	e.first = make([]int, nLev)
	e.maxFixed = maxFixed

	total := 0
	for _, d := range maxDims {
		total += d
	}
	rows := max(total, 1)
	e.data = mat.NewDense(rows, nVar+1, nil)
	e.work = mat.NewDense(rows, nVar+1, nil)
	e.ctrType = make([]ConstraintType, total)
	e.fixed = make([]fixedVar, 0, max(maxFixed, 1))

	e.colPerm = make([]int, nVar)
	e.pivRow = make([]int, nVar)
	e.pivUp = make([]float64, nVar)
	e.pivNorm = make([]float64, nVar)
	e.levRank = make([]int, nLev)
	e.levPiv = make([]int, nLev+1)

	e.x = make([]float64, nVar)
	e.xref = make([]float64, nVar)
	e.lambda = make([]float64, maxFixed+total)
	e.grad = make([]float64, nVar)
	e.zwork = make([]float64, total)
	e.hwork = make([]float64, nVar)
	e.mwork = make([]float64, nVar)
	e.dwork = make([]float64, nVar+1)
	e.cgY = make([]float64, nVar)
	e.cgR = make([]float64, nVar)
	e.cgP = make([]float64, nVar)
	e.cgQ = make([]float64, nVar)
	e.cgT = make([]float64, nVar)

	e.regFactor = make([]float64, max(nLev, 1))
}

// setParameters pushes down the LexLSE subset of the solver parameters.
func (e *lexLSE) setParameters(p Parameters) {
	e.tolPivot = p.TolLinearDependence
	e.regType = p.Regularization
	e.maxCG = p.MaxCGIterations
	e.varReg = p.VariableRegularizationFactor
}

// beginAssembly sets the row counts of the upcoming factorization, clears
// the fixed-variable list and records the reference vector for free columns.
func (e *lexLSE) beginAssembly(dims []int, xref []float64) {
	n := 0
	for l := 0; l < e.nLev; l++ {
		e.dim[l] = dims[l]
		e.first[l] = n
		n += dims[l]
	}
	e.nCtr = n
	e.fixed = e.fixed[:0]
	copy(e.xref, xref)
}

func (e *lexLSE) addFixed(idx int, val float64, typ ConstraintType) {
	e.fixed = append(e.fixed, fixedVar{idx: idx, val: val, typ: typ})
}

// setRow copies one active constraint into the pristine row store.
func (e *lexLSE) setRow(row int, a []float64, rhs float64, typ ConstraintType) {
	d := e.data.RawRowView(row)
	copy(d[:e.nVar], a)
	d[e.nVar] = rhs
	e.ctrType[row] = typ
}

func (e *lexLSE) setRegFactor(level int, f float64) {
	e.regFactor[level] = f
}

func (e *lexLSE) dimAt(level int) int {
	return e.dim[level]
}

func (e *lexLSE) fixedCount() int {
	return len(e.fixed)
}

func (e *lexLSE) getX() []float64 {
	return e.x
}

// factorize runs the hierarchical rank-revealing QR described on the type.
func (e *lexLSE) factorize() error {
	m, nv := e.nCtr, e.nVar
	wr := e.work.RawMatrix()
	dr := e.data.RawMatrix()
	ws, ds := wr.Stride, dr.Stride
	wd, dd := wr.Data, dr.Data

	for i := 0; i < m; i++ {
		copy(wd[i*ws:i*ws+nv+1], dd[i*ds:i*ds+nv+1])
	}

	// Fixed-variable substitution: fold aᵢⱼvⱼ into the right-hand side and
	// clear the column so it can never be pivoted.
	for _, f := range e.fixed {
		for i := 0; i < m; i++ {
			if a := wd[i*ws+f.idx]; a != zero {
				wd[i*ws+nv] -= a * f.val
				wd[i*ws+f.idx] = zero
			}
		}
	}

	for j := range e.colPerm {
		e.colPerm[j] = j
	}

	const factor = 0.001
	h := e.hwork
	e.nPiv = 0
	for l := 0; l < e.nLev; l++ {
		r0, rl := e.first[l], e.dim[l]
		e.levPiv[l] = e.nPiv
		rank := 0
		hmax := zero

		for step := 0; step < rl && e.nPiv < nv; step++ {
			row := r0 + step

			// Update the squared column lengths and find the pivot
			// candidate, recomputing when cancellation has eaten the
			// downdated values.
			lmax := e.nPiv
			if step > 0 {
				v := math.NaN()
				prev := row - 1
				for p := e.nPiv; p < nv; p++ {
					t := wd[prev*ws+p]
					if h[p] -= t * t; !(h[p] <= v) {
						lmax, v = p, h[p]
					}
				}
			}
			if step == 0 || factor*h[lmax] < hmax*eps {
				v := math.NaN()
				for p := e.nPiv; p < nv; p++ {
					col := wd[row*ws+p:]
					if h[p] = ddot(r0+rl-row, col, ws, col, ws); !(h[p] <= v) {
						lmax, v = p, h[p]
					}
				}
				hmax = h[lmax]
			}

			if lmax != e.nPiv {
				for i := 0; i < m; i++ {
					wd[i*ws+lmax], wd[i*ws+e.nPiv] = wd[i*ws+e.nPiv], wd[i*ws+lmax]
				}
				h[lmax] = h[e.nPiv]
				e.colPerm[lmax], e.colPerm[e.nPiv] = e.colPerm[e.nPiv], e.colPerm[lmax]
			}

			// The exact norm decides: downdated column lengths drift, and a
			// column below the tolerance is linearly dependent at this
			// level and deferred to the levels below.
			norm := dnrm2(r0+rl-row, wd[row*ws+e.nPiv:], ws)
			if norm <= e.tolPivot {
				break
			}

			// Reflector on the level's remaining rows; applied level-locally
			// to keep the higher-level range space frozen.
			n := r0 + rl - row
			up := house(wd, row*ws+e.nPiv, ws, n)
			for p := e.nPiv + 1; p <= nv; p++ {
				houseApply(wd, row*ws+e.nPiv, ws, up, wd, row*ws+p, ws, n)
			}
			e.pivRow[e.nPiv] = row
			e.pivUp[e.nPiv] = up
			e.pivNorm[e.nPiv] = norm
			e.nPiv++
			rank++
		}
		e.levRank[l] = rank

		if rank > 0 && e.regFactor[l] > zero &&
			(e.regType == RegularizationTikhonov || e.regType == RegularizationVariableWeighted) {
			e.dampLevel(l, wd, ws)
		}

		// Eliminate the new pivot columns from every lower-level row by
		// substitution against 𝐑; the multipliers land in the zeroed slots.
		p0 := e.levPiv[l]
		mu := e.mwork
		for i := r0 + rl; i < m; i++ {
			nonzero := false
			for k := 0; k < rank; k++ {
				pos := p0 + k
				s := wd[i*ws+pos]
				for j := 0; j < k; j++ {
					s -= mu[j] * wd[e.pivRow[p0+j]*ws+pos]
				}
				mu[k] = s / wd[e.pivRow[p0+k]*ws+pos]
				if mu[k] != zero {
					nonzero = true
				}
			}
			if !nonzero {
				continue
			}
			tail := i*ws + p0 + rank
			for k := 0; k < rank; k++ {
				if mu[k] == zero {
					continue
				}
				src := e.pivRow[p0+k]*ws + p0 + rank
				floats.AddScaled(wd[tail:i*ws+nv+1], -mu[k], wd[src:e.pivRow[p0+k]*ws+nv+1])
			}
			for k := 0; k < rank; k++ {
				wd[i*ws+p0+k] = mu[k]
			}
		}
	}
	e.levPiv[e.nLev] = e.nPiv
	return nil
}

// dampLevel folds μ·𝐞ᵢ damping rows into a level's triangular block with
// Givens rotations, coupling columns and right-hand side included. This is
// the QR of the Tikhonov-augmented system restricted to the level.
func (e *lexLSE) dampLevel(l int, wd []float64, ws int) {
	rank, p0, nv := e.levRank[l], e.levPiv[l], e.nVar
	d := e.dwork[:nv+1-p0]
	for i := 0; i < rank; i++ {
		mu := e.regFactor[l]
		if e.regType == RegularizationVariableWeighted {
			mu *= e.varReg * e.pivNorm[p0+i]
		}
		if mu <= zero {
			continue
		}
		dzero(d)
		d[i] = mu
		for k := i; k < rank; k++ {
			row := e.pivRow[p0+k]
			if d[k] == zero {
				continue
			}
			c, s, r := givens(wd[row*ws+p0+k], d[k])
			wd[row*ws+p0+k] = r
			for q := k + 1; q <= nv-p0; q++ {
				wd[row*ws+p0+q], d[q] = rot(c, s, wd[row*ws+p0+q], d[q])
			}
		}
	}
}

// solve back-substitutes the factorization from the last level upward.
// Fixed variables take their bound value; free columns keep the reference.
func (e *lexLSE) solve() error {
	wr := e.work.RawMatrix()
	wd, ws := wr.Data, wr.Stride
	nv := e.nVar

	copy(e.x, e.xref)
	for _, f := range e.fixed {
		e.x[f.idx] = f.val
	}

	for l := e.nLev - 1; l >= 0; l-- {
		rank, p0 := e.levRank[l], e.levPiv[l]
		if rank == 0 {
			continue
		}
		if e.regType == RegularizationTruncatedCG && e.regFactor[l] > zero {
			e.cgSolveLevel(l, wd, ws)
			continue
		}
		for k := rank - 1; k >= 0; k-- {
			pos := p0 + k
			row := e.pivRow[pos]
			s := wd[row*ws+nv]
			for q := pos + 1; q < nv; q++ {
				if v := wd[row*ws+q]; v != zero {
					s -= v * e.x[e.colPerm[q]]
				}
			}
			diag := wd[row*ws+pos]
			if diag == zero || math.IsNaN(diag) || math.IsInf(diag, 0) {
				return errors.WithMessagef(ErrNumericalFailure, "level %d pivot %d", l, k)
			}
			e.x[e.colPerm[pos]] = s / diag
		}
	}
	return nil
}

// cgSolveLevel solves the level's damped normal equations
// (𝐑ᵀ𝐑 + μ²𝐈)𝐲 = 𝐑ᵀ𝐜 by conjugate gradient, truncated at maxCG iterations.
func (e *lexLSE) cgSolveLevel(l int, wd []float64, ws int) {
	rank, p0, nv := e.levRank[l], e.levPiv[l], e.nVar
	mu2 := e.regFactor[l] * e.regFactor[l]

	// Effective right-hand side: the stored one minus the contribution of
	// the already-solved trailing columns.
	b := e.cgT[:rank]
	for k := 0; k < rank; k++ {
		row := e.pivRow[p0+k]
		s := wd[row*ws+nv]
		for q := p0 + rank; q < nv; q++ {
			if v := wd[row*ws+q]; v != zero {
				s -= v * e.x[e.colPerm[q]]
			}
		}
		b[k] = s
	}

	rmul := func(dst, src []float64) { // dst = 𝐑·src
		for k := 0; k < rank; k++ {
			row := e.pivRow[p0+k]
			s := zero
			for j := k; j < rank; j++ {
				s += wd[row*ws+p0+j] * src[j]
			}
			dst[k] = s
		}
	}
	rtmul := func(dst, src []float64) { // dst = 𝐑ᵀ·src
		for j := 0; j < rank; j++ {
			s := zero
			for k := 0; k <= j; k++ {
				s += wd[e.pivRow[p0+k]*ws+p0+j] * src[k]
			}
			dst[j] = s
		}
	}

	y, r, p, q := e.cgY[:rank], e.cgR[:rank], e.cgP[:rank], e.cgQ[:rank]
	dzero(y)
	rtmul(r, b)
	copy(p, r)
	rho := floats.Dot(r, r)
	for it := 0; it < e.maxCG && rho > eps*eps; it++ {
		t := e.cgT[:rank]
		rmul(t, p)
		rtmul(q, t)
		floats.AddScaled(q, mu2, p)
		pq := floats.Dot(p, q)
		if pq <= zero {
			break
		}
		alpha := rho / pq
		floats.AddScaled(y, alpha, p)
		floats.AddScaled(r, -alpha, q)
		rhoNew := floats.Dot(r, r)
		floats.Scale(rhoNew/rho, p)
		floats.Add(p, r)
		rho = rhoNew
	}
	for k := 0; k < rank; k++ {
		e.x[e.colPerm[p0+k]] = y[k]
	}
}

// sensitivity materializes in the lambda workspace the Lagrange multipliers
// of all active constraints up to and including the given level: the fixed
// block first, then one slot per assembled row.
func (e *lexLSE) sensitivity(level int) {
	nf, nv := len(e.fixed), e.nVar
	dzero(e.lambda[:nf+e.nCtr])
	dzero(e.grad)

	dr := e.data.RawMatrix()
	dd, ds := dr.Data, dr.Stride

	// Residual of the queried level at the factorization solution; its own
	// rows carry λ = w directly.
	r0, rl := e.first[level], e.dim[level]
	for i := 0; i < rl; i++ {
		row := r0 + i
		a := dd[row*ds : row*ds+nv]
		w := floats.Dot(a, e.x) - dd[row*ds+nv]
		e.lambda[nf+row] = w
		if w != zero {
			floats.AddScaled(e.grad, w, a)
		}
	}

	if e.first[level] == 0 && nf == 0 {
		return // nothing above this level
	}

	wr := e.work.RawMatrix()
	wd, ws := wr.Data, wr.Stride

	// Forward substitution 𝐑ᵀ𝐳 = 𝐏ᵀ𝐠 over the pivots of the levels above;
	// rank-deficient rows get z = 0.
	sub := e.first[level]
	z := e.zwork[:sub]
	dzero(z)
	np := e.levPiv[level]
	for p := 0; p < np; p++ {
		row := e.pivRow[p]
		s := e.grad[e.colPerm[p]]
		for j := 0; j < p; j++ {
			if v := wd[e.pivRow[j]*ws+p]; v != zero {
				s -= v * z[e.pivRow[j]]
			}
		}
		z[row] = s / wd[row*ws+p]
	}

	// λ = 𝚯ᵀ𝐳: replay the stored operations transposed, in reverse order.
	for l := level - 1; l >= 0; l-- {
		lEnd := e.first[l] + e.dim[l]
		rank, p0 := e.levRank[l], e.levPiv[l]

		// Transposed eliminations: targets are the rows of the levels
		// between l and the queried one.
		for i := lEnd; i < sub; i++ {
			zi := z[i]
			if zi == zero {
				continue
			}
			for k := 0; k < rank; k++ {
				if muv := wd[i*ws+p0+k]; muv != zero {
					z[e.pivRow[p0+k]] -= muv * zi
				}
			}
		}

		// Transposed (symmetric) reflectors in reverse pivot order.
		for k := rank - 1; k >= 0; k-- {
			pos := p0 + k
			row := e.pivRow[pos]
			up := e.pivUp[pos]
			b := wd[row*ws+pos] * up
			if b >= zero {
				continue
			}
			n := lEnd - row - 1
			sm := z[row] * up
			if n > 0 {
				sm += ddot(n, z[row+1:], 1, wd[(row+1)*ws+pos:], ws)
			}
			if sm == zero {
				continue
			}
			sm /= b
			z[row] += sm * up
			if n > 0 {
				daxpy(n, sm, wd[(row+1)*ws+pos:], ws, z[row+1:], 1)
			}
		}
	}
	for i := 0; i < sub; i++ {
		e.lambda[nf+i] = z[i]
	}

	// Fixed variables: the gradient residual on their (eliminated) columns.
	for j, f := range e.fixed {
		s := e.grad[f.idx]
		for i := 0; i < sub; i++ {
			if z[i] != zero {
				s -= dd[i*ds+f.idx] * z[i]
			}
		}
		e.lambda[j] = s
	}
}

// wrongSign reports whether a multiplier indicates that removing its
// constraint would improve a residual at this or a higher priority.
func wrongSign(typ ConstraintType, lambda, tolWrong, tolCorrect float64) bool {
	if math.Abs(lambda) <= tolCorrect {
		return false
	}
	switch typ {
	case ActiveUpper:
		return lambda > tolWrong
	case ActiveLower:
		return lambda < -tolWrong
	default:
		return false // either sign is acceptable for equalities
	}
}

// findRemoval computes the sensitivity at the given level and reports the
// highest-priority active constraint with a wrong-signed multiplier.
// objIdx = -1 designates the fixed-variable block (the folded simple-bounds
// priority); otherwise it is the LexLSE level of the constraint. ctrIdx is
// the position within the owning working set.
func (e *lexLSE) findRemoval(level int, tolWrong, tolCorrect float64) (found bool, ctrIdx, objIdx int) {
	if e.nCtr == 0 && len(e.fixed) == 0 {
		return false, -1, 0
	}
	e.sensitivity(level)
	nf := len(e.fixed)
	for j, f := range e.fixed {
		if wrongSign(f.typ, e.lambda[j], tolWrong, tolCorrect) {
			return true, j, -1
		}
	}
	for l := 0; l <= level; l++ {
		r0 := e.first[l]
		for i := 0; i < e.dim[l]; i++ {
			if wrongSign(e.ctrType[r0+i], e.lambda[nf+r0+i], tolWrong, tolCorrect) {
				return true, i, l
			}
		}
	}
	return false, -1, 0
}
