// Copyright ©2025 gergondet. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lexls

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// wsEntry is one active constraint in a working set: the constraint index
// within its objective, the bound it is held at, and the bound value that
// was recorded at activation time.
type wsEntry struct {
	ctr  int
	typ  ConstraintType
	bval float64
}

// objective holds one priority level of a LexLSI problem together with its
// working set, residual v and residual step dv.
//
// The residual frame invariant is v[i] = 𝐚ᵢ𝐱 - target[i], where target[i]
// is the activation bound for active rows and the midpoint (or the finite
// bound, or zero) for inactive rows. activate and deactivate re-base v by
// the target delta so the invariant survives working-set changes without
// access to x.
type objective struct {
	dim, nVar int
	typ       ObjectiveType

	// data layout: [A | lb | ub] (dim × nVar+2) for general objectives,
	// [lb | ub] (dim × 2) plus varIdx for simple bounds.
	data   *mat.Dense
	varIdx []int

	ctrType []ConstraintType
	target  []float64
	active  []wsEntry

	v, dv []float64
	v0    []float64
	v0Set bool

	regFactor float64
}

func newObjective(dim, nVar int, typ ObjectiveType) *objective {
	o := &objective{
		dim:     dim,
		nVar:    nVar,
		typ:     typ,
		ctrType: make([]ConstraintType, dim),
		target:  make([]float64, dim),
		active:  make([]wsEntry, 0, dim),
		v:       make([]float64, dim),
		dv:      make([]float64, dim),
		v0:      make([]float64, dim),
	}
	if typ == ObjectiveSimpleBounds {
		o.data = mat.NewDense(dim, 2, nil)
		o.varIdx = make([]int, dim)
	} else {
		o.data = mat.NewDense(dim, nVar+2, nil)
	}
	return o
}

// setData copies validated general-objective data. Validation is done by the
// solver before pre-activating equality rows.
func (o *objective) setData(data *mat.Dense) {
	o.data.Copy(data)
}

// setBoundsData copies validated simple-bounds data.
func (o *objective) setBoundsData(varIdx []int, bounds *mat.Dense) {
	copy(o.varIdx, varIdx)
	o.data.Copy(bounds)
}

func (o *objective) lowerBound(i int) float64 {
	if o.typ == ObjectiveSimpleBounds {
		return o.data.At(i, 0)
	}
	return o.data.At(i, o.nVar)
}

func (o *objective) upperBound(i int) float64 {
	if o.typ == ObjectiveSimpleBounds {
		return o.data.At(i, 1)
	}
	return o.data.At(i, o.nVar+1)
}

// bound returns the value a constraint is held at when activated with typ.
// Equality constraints are held at the (coinciding) lower bound.
func (o *objective) bound(i int, typ ConstraintType) float64 {
	if typ == ActiveUpper {
		return o.upperBound(i)
	}
	return o.lowerBound(i)
}

// inactiveTarget is the residual reference point of an inactive row: the
// bound midpoint, or the finite bound when only one exists, or zero.
func (o *objective) inactiveTarget(i int) float64 {
	l, u := o.lowerBound(i), o.upperBound(i)
	lf, uf := !math.IsInf(l, 0), !math.IsInf(u, 0)
	switch {
	case lf && uf:
		return 0.5 * (l + u)
	case lf:
		return l
	case uf:
		return u
	default:
		return zero
	}
}

func (o *objective) isActive(ctr int) bool {
	return o.ctrType[ctr] != Inactive
}

func (o *objective) activeCount() int {
	return len(o.active)
}

// activeCtrIndex returns the constraint index of working-set position k.
func (o *objective) activeCtrIndex(k int) int {
	return o.active[k].ctr
}

// activeCtrType returns the activation type of working-set position k.
func (o *objective) activeCtrType(k int) ConstraintType {
	return o.active[k].typ
}

// activate appends a constraint to the working set unless it is already
// active, recording the associated bound as its target value.
func (o *objective) activate(ctr int, typ ConstraintType) {
	if o.isActive(ctr) {
		return
	}
	bval := o.bound(ctr, typ)
	o.v[ctr] += o.target[ctr] - bval
	o.target[ctr] = bval
	o.ctrType[ctr] = typ
	o.active = append(o.active, wsEntry{ctr: ctr, typ: typ, bval: bval})
}

// deactivate removes the working-set entry at position activeIdx, preserving
// the order of the remaining entries.
func (o *objective) deactivate(activeIdx int) {
	e := o.active[activeIdx]
	o.active = append(o.active[:activeIdx], o.active[activeIdx+1:]...)
	o.ctrType[e.ctr] = Inactive
	t := o.inactiveTarget(e.ctr)
	o.v[e.ctr] += e.bval - t
	o.target[e.ctr] = t
}

// setV0 records a user-supplied initial residual, used by phase1 in place
// of the computed one.
func (o *objective) setV0(v []float64) {
	copy(o.v0, v)
	o.v0Set = true
}

// phase1 establishes the residual frame from the current iterate.
func (o *objective) phase1(x []float64) {
	for i := 0; i < o.dim; i++ {
		if t := o.ctrType[i]; t != Inactive {
			o.target[i] = o.bound(i, t)
		} else {
			o.target[i] = o.inactiveTarget(i)
		}
		if o.v0Set {
			o.v[i] = o.v0[i]
		} else {
			o.v[i] = o.rowValue(i, x) - o.target[i]
		}
	}
	dzero(o.dv)
}

// rowValue evaluates 𝐚ᵢ𝐱 for constraint i.
func (o *objective) rowValue(i int, x []float64) float64 {
	if o.typ == ObjectiveSimpleBounds {
		return x[o.varIdx[i]]
	}
	return floats.Dot(o.data.RawRowView(i)[:o.nVar], x)
}

// formLexLSE copies the rows of the active constraints into the assembly at
// the given level. A simple-bounds objective at the top priority is passed
// level < 0 and populates the fixed-variable list instead.
func (o *objective) formLexLSE(e *lexLSE, counter *int, level int) {
	if o.typ == ObjectiveSimpleBounds {
		if level < 0 {
			for _, a := range o.active {
				e.addFixed(o.varIdx[a.ctr], a.bval, a.typ)
			}
		}
		return
	}
	e.setRegFactor(level, o.regFactor)
	for _, a := range o.active {
		e.setRow(*counter, o.data.RawRowView(a.ctr)[:o.nVar], a.bval, a.typ)
		*counter++
	}
}

// formStep updates the residual step dv for a decision step dx.
func (o *objective) formStep(dx []float64) {
	for i := 0; i < o.dim; i++ {
		o.dv[i] = o.rowValue(i, dx)
	}
}

// checkBlocking scans the inactive rows for the largest step fraction that
// keeps each row feasible given its residual v and step dv. It returns the
// updated step fraction together with the blocking row and bound, and
// whether this objective lowered alpha. A row already beyond a bound by more
// than tol blocks at alpha = 0 (activation without step). Scan order makes
// ties deterministic by row index.
func (o *objective) checkBlocking(alpha, tol float64) (float64, int, ConstraintType, bool) {
	ctr, typ, hit := -1, Inactive, false
	for i := 0; i < o.dim; i++ {
		if o.ctrType[i] != Inactive {
			continue
		}
		lRel := o.lowerBound(i) - o.target[i]
		uRel := o.upperBound(i) - o.target[i]
		vi, dvi := o.v[i], o.dv[i]

		a, t := one, Inactive
		switch {
		case dvi > zero && vi+dvi > uRel+tol:
			a, t = (uRel-vi)/dvi, ActiveUpper
		case dvi < zero && vi+dvi < lRel-tol:
			a, t = (lRel-vi)/dvi, ActiveLower
		case vi > uRel+tol:
			a, t = zero, ActiveUpper
		case vi < lRel-tol:
			a, t = zero, ActiveLower
		default:
			continue
		}
		if a < zero {
			a = zero
		}
		if a < alpha-tol {
			alpha, ctr, typ, hit = a, i, t, true
		}
	}
	return alpha, ctr, typ, hit
}

// step advances the residual: v ← v + α·dv.
func (o *objective) step(alpha float64) {
	floats.AddScaled(o.v, alpha, o.dv)
}

// relaxBound moves the bound of a constraint outward by step (the cycling
// remedy). The working-set entry and the residual frame follow the bound so
// the invariant v = 𝐚𝐱 - target is preserved.
func (o *objective) relaxBound(ctr int, typ ConstraintType, step float64) {
	lc, uc := o.nVar, o.nVar+1
	if o.typ == ObjectiveSimpleBounds {
		lc, uc = 0, 1
	}
	var delta float64
	switch typ {
	case ActiveUpper:
		o.data.Set(ctr, uc, o.data.At(ctr, uc)+step)
		delta = step
	case ActiveLower:
		o.data.Set(ctr, lc, o.data.At(ctr, lc)-step)
		delta = -step
	default:
		return // equalities are never relaxed
	}
	if o.ctrType[ctr] == typ {
		for k := range o.active {
			if o.active[k].ctr == ctr {
				o.active[k].bval += delta
				break
			}
		}
		o.target[ctr] += delta
		o.v[ctr] -= delta
	}
}
