// Copyright ©2025 gergondet. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lexls

import (
	"slices"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Solver is a lexicographic least-squares problem with inequality
// constraints (LexLSI) and the active-set method that solves it.
//
// All storage is sized at construction; with tracing disabled a solve
// allocates nothing. A Solver
// is single-threaded and should be solved once per data set.
type Solver struct {
	nVar, nObj int
	// nObjOffset is 1 when objective 0 holds simple bounds: that level is
	// folded into LexLSE as fixed variables, not as a LexLSE objective.
	nObjOffset int

	objectives []*objective
	lexlse     *lexLSE
	cycling    cyclingHandler
	params     Parameters

	x, dx   []float64
	nActive []int

	status      TerminationStatus
	stepLength  float64
	x0Specified bool

	nIterations     int
	nActivations    int
	nDeactivations  int
	nFactorizations int
}

// New creates a solver for nVar decision variables and one objective per
// entry of dims/types. A simple-bounds objective is permitted only at the
// top priority.
func New(nVar int, dims []int, types []ObjectiveType) (*Solver, error) {
	switch {
	case nVar <= 0:
		return nil, errors.WithMessage(ErrShapeMismatch, "number of variables must be positive")
	case len(dims) == 0 || len(dims) != len(types):
		return nil, errors.WithMessage(ErrShapeMismatch, "dims and types must be non-empty and equal length")
	}
	for k, d := range dims {
		if d <= 0 {
			return nil, errors.WithMessagef(ErrShapeMismatch, "objective %d has no constraints", k)
		}
		if types[k] == ObjectiveSimpleBounds {
			if k != 0 {
				return nil, errors.WithMessagef(ErrShapeMismatch, "simple bounds permitted only as objective 0, got %d", k)
			}
			if d > nVar {
				return nil, errors.WithMessagef(ErrShapeMismatch, "simple bounds dimension %d exceeds %d variables", d, nVar)
			}
		}
	}

	s := &Solver{
		nVar:       nVar,
		nObj:       len(dims),
		objectives: make([]*objective, len(dims)),
		lexlse:     new(lexLSE),
		x:          make([]float64, nVar),
		dx:         make([]float64, nVar),
		nActive:    make([]int, len(dims)),
		status:     StatusUnknown,
		stepLength: -1,
	}
	if types[0] == ObjectiveSimpleBounds {
		s.nObjOffset = 1
	}
	s.cycling.history = make([]historyEntry, 0, historyLen)
	maxFixed := 0
	if s.nObjOffset == 1 {
		maxFixed = dims[0]
	}
	s.lexlse.resize(nVar, s.nObj-s.nObjOffset, dims[s.nObjOffset:], maxFixed)
	for k := range s.objectives {
		s.objectives[k] = newObjective(dims[k], nVar, types[k])
	}
	s.SetParameters(DefaultParameters())
	return s, nil
}

// SetParameters replaces the solver configuration and pushes the relevant
// subset down to LexLSE and the cycling handler.
func (s *Solver) SetParameters(p Parameters) {
	s.params = p
	s.lexlse.setParameters(p)
	if p.CyclingHandling {
		s.cycling.setMaxCounter(p.CyclingMaxCounter)
		s.cycling.setRelaxStep(p.CyclingRelaxStep)
	}
}

// SetData sets the data of a general objective as [A | lb | ub]. Rows whose
// bounds coincide are pre-activated as equalities and never removed.
func (s *Solver) SetData(objIdx int, data *mat.Dense) error {
	if objIdx < 0 || objIdx >= s.nObj {
		return errors.WithMessagef(ErrIndexOutOfRange, "objective %d of %d", objIdx, s.nObj)
	}
	o := s.objectives[objIdx]
	if o.typ != ObjectiveGeneral {
		return errors.WithMessagef(ErrShapeMismatch, "objective %d does not hold general constraints", objIdx)
	}
	r, c := data.Dims()
	if r != o.dim || c != s.nVar+2 {
		return errors.WithMessagef(ErrShapeMismatch, "objective %d expects %d×%d, got %d×%d", objIdx, o.dim, s.nVar+2, r, c)
	}
	for i := 0; i < r; i++ {
		bl, bu := data.At(i, s.nVar), data.At(i, s.nVar+1)
		if bl > bu {
			return errors.WithMessagef(ErrInvalidBounds, "objective %d row %d: %g > %g", objIdx, i, bl, bu)
		}
	}
	o.setData(data)
	for i := 0; i < r; i++ {
		if bl, bu := data.At(i, s.nVar), data.At(i, s.nVar+1); bu-bl <= epsEquality {
			s.activate(objIdx, i, ActiveEqual, false)
		}
	}
	return nil
}

// SetBoundsData sets the data of a simple-bounds objective: bounds holds
// [lb | ub] and varIndex maps each row to a decision variable.
func (s *Solver) SetBoundsData(objIdx int, varIndex []int, bounds *mat.Dense) error {
	if objIdx < 0 || objIdx >= s.nObj {
		return errors.WithMessagef(ErrIndexOutOfRange, "objective %d of %d", objIdx, s.nObj)
	}
	o := s.objectives[objIdx]
	if o.typ != ObjectiveSimpleBounds {
		return errors.WithMessagef(ErrShapeMismatch, "objective %d does not hold simple bounds", objIdx)
	}
	r, c := bounds.Dims()
	if r != o.dim || c != 2 || len(varIndex) != o.dim {
		return errors.WithMessagef(ErrShapeMismatch, "objective %d expects %d×2 bounds with %d indices", objIdx, o.dim, o.dim)
	}
	for k, vi := range varIndex {
		if vi < 0 || vi >= s.nVar {
			return errors.WithMessagef(ErrIndexOutOfRange, "varIndex[%d] = %d of %d variables", k, vi, s.nVar)
		}
		for j := 0; j < k; j++ {
			if varIndex[j] == vi {
				return errors.WithMessagef(ErrDuplicateVariableIndex, "varIndex[%d] == varIndex[%d] == %d", j, k, vi)
			}
		}
	}
	for i := 0; i < r; i++ {
		bl, bu := bounds.At(i, 0), bounds.At(i, 1)
		if bl > bu {
			return errors.WithMessagef(ErrInvalidBounds, "objective %d row %d: %g > %g", objIdx, i, bl, bu)
		}
	}
	o.setBoundsData(varIndex, bounds)
	for i := 0; i < r; i++ {
		if bl, bu := bounds.At(i, 0), bounds.At(i, 1); bu-bl <= epsEquality {
			s.activate(objIdx, i, ActiveEqual, false)
		}
	}
	return nil
}

// SetRegularizationFactor sets a non-negative regularization factor for one
// objective. Simple-bounds objectives are not regularized.
func (s *Solver) SetRegularizationFactor(objIdx int, factor float64) error {
	if objIdx < 0 || objIdx >= s.nObj {
		return errors.WithMessagef(ErrIndexOutOfRange, "objective %d of %d", objIdx, s.nObj)
	}
	if s.objectives[objIdx].typ != ObjectiveSimpleBounds {
		s.objectives[objIdx].regFactor = factor
	}
	return nil
}

// Activate seeds the initial working set with one constraint held at the
// given bound. Which constraints are equalities is determined internally
// from the data, so an explicit ActiveEqual is rejected with a warning and
// no state change.
func (s *Solver) Activate(objIdx, ctrIdx int, typ ConstraintType) error {
	if objIdx < 0 || objIdx >= s.nObj {
		return errors.WithMessagef(ErrIndexOutOfRange, "objective %d of %d", objIdx, s.nObj)
	}
	o := s.objectives[objIdx]
	if ctrIdx < 0 || ctrIdx >= o.dim {
		return errors.WithMessagef(ErrIndexOutOfRange, "constraint %d of %d", ctrIdx, o.dim)
	}
	if o.isActive(ctrIdx) {
		return nil
	}
	if typ != ActiveLower && typ != ActiveUpper {
		glog.Warning("lexls: the activation type of a constraint cannot be set to ActiveEqual explicitly")
		return nil
	}
	s.activate(objIdx, ctrIdx, typ, false)
	return nil
}

// Deactivate removes the working-set entry at position activeIdx of the
// given objective.
func (s *Solver) Deactivate(objIdx, activeIdx int) error {
	if objIdx < 0 || objIdx >= s.nObj {
		return errors.WithMessagef(ErrIndexOutOfRange, "objective %d of %d", objIdx, s.nObj)
	}
	o := s.objectives[objIdx]
	if activeIdx < 0 || activeIdx >= o.activeCount() {
		return errors.WithMessagef(ErrIndexOutOfRange, "active constraint %d of %d", activeIdx, o.activeCount())
	}
	o.deactivate(activeIdx)
	return nil
}

func (s *Solver) activate(objIdx, ctrIdx int, typ ConstraintType, countIteration bool) {
	s.objectives[objIdx].activate(ctrIdx, typ)
	if countIteration {
		s.nActivations++
	}
}

func (s *Solver) deactivate(objIdx, activeIdx int) {
	s.objectives[objIdx].deactivate(activeIdx)
	s.nDeactivations++
}

// SetX0 sets the initial value of the decision vector.
func (s *Solver) SetX0(x0 []float64) error {
	if len(x0) != s.nVar {
		return errors.WithMessagef(ErrShapeMismatch, "x0 has %d entries, expected %d", len(x0), s.nVar)
	}
	copy(s.x, x0)
	s.x0Specified = true
	return nil
}

// SetV0 sets the initial residual of one objective, used by phase 1 in
// place of the computed residual.
func (s *Solver) SetV0(objIdx int, v []float64) error {
	if objIdx < 0 || objIdx >= s.nObj {
		return errors.WithMessagef(ErrIndexOutOfRange, "objective %d of %d", objIdx, s.nObj)
	}
	o := s.objectives[objIdx]
	if len(v) != o.dim {
		return errors.WithMessagef(ErrShapeMismatch, "v0 has %d entries, expected %d", len(v), o.dim)
	}
	o.setV0(v)
	return nil
}

// Solve runs the active-set method to termination and returns the reason.
// A numerical failure of the factorization is additionally returned as an
// error wrapping ErrNumericalFailure.
func (s *Solver) Solve() (TerminationStatus, error) {
	tw := newTraceWriter(s.params.OutputFileName)

	if err := s.phase1(); err != nil {
		s.status = NumericalProblem
		return s.status, err
	}
	tw.writeBlock(s, opUndefined, true)

	for {
		op, err := s.verifyWorkingSet()
		if err != nil {
			s.status = NumericalProblem
			return s.status, err
		}
		tw.writeBlock(s, op, false)

		if s.status == ProblemSolved || s.status == ProblemSolvedCyclingHandling {
			break
		}
		if s.nFactorizations >= s.params.MaxFactorizations {
			s.status = MaxFactorizationsExceeded
			break
		}
	}
	return s.status, nil
}

// phase1 computes an initial pair (x, v). When an active constraint exists
// (pre-activated equalities included) and no x0 was supplied, the initial
// iterate is the LexLSE solution of the seeded working set; with neither,
// x is set to a small nonzero constant to avoid degenerate residuals.
func (s *Solver) phase1() error {
	activeExist := false
	for _, o := range s.objectives {
		if o.activeCount() > 0 {
			activeExist = true
			break
		}
	}

	if activeExist {
		s.formLexLSE()
		if !s.x0Specified {
			if err := s.lexlse.factorize(); err != nil {
				return err
			}
			if err := s.lexlse.solve(); err != nil {
				return err
			}
			copy(s.x, s.lexlse.getX())
			s.nFactorizations++
		}
	} else if !s.x0Specified {
		for k := range s.x {
			s.x[k] = 0.01
		}
	}

	for _, o := range s.objectives {
		o.phase1(s.x)
	}

	dzero(s.dx)
	for _, o := range s.objectives {
		o.formStep(s.dx)
	}
	return nil
}

// formLexLSE assembles the equality problem defined by the current working
// set, seeding the current iterate as the free-variable reference.
func (s *Solver) formLexLSE() {
	for k, o := range s.objectives {
		s.nActive[k] = o.activeCount()
	}
	s.lexlse.beginAssembly(s.nActive[s.nObjOffset:], s.x)
	counter := 0
	for k, o := range s.objectives {
		o.formLexLSE(s.lexlse, &counter, k-s.nObjOffset)
	}
}

// formStep forms the step (dx, dv) toward the current LexLSE solution.
func (s *Solver) formStep() {
	copy(s.dx, s.lexlse.getX())
	floats.Sub(s.dx, s.x)
	for _, o := range s.objectives {
		o.formStep(s.dx)
	}
}

// checkBlockingConstraints scans all objectives for the smallest feasible
// step fraction.
func (s *Solver) checkBlockingConstraints() (blocked bool, objIdx, ctrIdx int, typ ConstraintType, alpha float64) {
	alpha = one
	objIdx, ctrIdx = -1, -1
	for k, o := range s.objectives {
		if a, c, t, hit := o.checkBlocking(alpha, s.params.TolFeasibility); hit {
			alpha, ctrIdx, typ, objIdx = a, c, t, k
		}
	}
	return alpha < one, objIdx, ctrIdx, typ, alpha
}

// findActiveCtr2Remove walks the LexLSE levels from highest priority down;
// the first level reporting a descent direction yields the constraint to
// remove. An objIdx of -1 from LexLSE designates the folded simple-bounds
// objective and is translated back to LexLSI objective 0.
func (s *Solver) findActiveCtr2Remove() (found bool, objIdx, activeIdx int) {
	for l := 0; l < s.nObj-s.nObjOffset; l++ {
		if ok, ctr, obj := s.lexlse.findRemoval(l, s.params.TolWrongSignLambda, s.params.TolCorrectSignLambda); ok {
			return true, obj + s.nObjOffset, ctr
		}
	}
	return false, -1, -1
}

// verifyWorkingSet performs one iteration of the active-set method.
func (s *Solver) verifyWorkingSet() (operationType, error) {
	op := opUndefined
	normalIteration := true
	alpha := one

	if s.nIterations != 0 {
		s.formLexLSE()
		if err := s.lexlse.factorize(); err != nil {
			return op, err
		}
		if err := s.lexlse.solve(); err != nil {
			return op, err
		}
		s.formStep()
		s.nFactorizations++
	} else if s.x0Specified {
		// The step direction is intentionally not recomputed on the first
		// iteration when x0 was supplied.
		normalIteration = false
	}

	var cid constraintID
	if blocked, bObj, bCtr, bTyp, a := s.checkBlockingConstraints(); blocked {
		alpha = a
		cid = constraintID{obj: bObj, ctr: bCtr, typ: bTyp}
		op = opAdd
		s.activate(bObj, bCtr, bTyp, true)
	} else if normalIteration || s.activeCtrCountInternal() == 0 {
		if found, rObj, rIdx := s.findActiveCtr2Remove(); found {
			cid = constraintID{
				obj: rObj,
				ctr: s.objectives[rObj].activeCtrIndex(rIdx),
				typ: s.objectives[rObj].activeCtrType(rIdx),
			}
			op = opRemove
			s.deactivate(rObj, rIdx)
		} else {
			s.status = ProblemSolved
			if s.params.CyclingHandling && s.cycling.counter > 0 {
				s.status = ProblemSolvedCyclingHandling
			}
		}
	}

	if op == opAdd {
		s.stepLength = alpha
	} else {
		s.stepLength = -1
	}

	if alpha > zero {
		floats.AddScaled(s.x, alpha, s.dx)
		for _, o := range s.objectives {
			o.step(alpha)
		}
	}

	if s.params.CyclingHandling && op != opUndefined {
		if st := s.cycling.update(op, cid, s.objectives, s.nIterations, false); st != StatusUnknown {
			s.status = st
		}
	}

	s.nIterations++
	return op, nil
}

func (s *Solver) activeCtrCountInternal() int {
	n := 0
	for _, o := range s.objectives {
		n += o.activeCount()
	}
	return n
}

// ---------------------------------------------------------------------------
// accessors
// ---------------------------------------------------------------------------

// X returns the current decision vector.
func (s *Solver) X() []float64 {
	return slices.Clone(s.x)
}

// V returns the residual of one objective.
func (s *Solver) V(objIdx int) ([]float64, error) {
	if objIdx < 0 || objIdx >= s.nObj {
		return nil, errors.WithMessagef(ErrIndexOutOfRange, "objective %d of %d", objIdx, s.nObj)
	}
	return slices.Clone(s.objectives[objIdx].v), nil
}

// Lambda returns the Lagrange multipliers of all active constraints, one
// column per objective. Column nObjOffset+k holds the multipliers w.r.t.
// LexLSE level k: the fixed-variable block in the leading rows, then the
// rows of levels 0..k. The simple-bounds column, when present, is zero. It
// returns nil when nothing is active.
func (s *Solver) Lambda() *mat.Dense {
	e := s.lexlse
	nActiveCtr := e.fixedCount()
	for l := 0; l < s.nObj-s.nObjOffset; l++ {
		nActiveCtr += e.dimAt(l)
	}
	if nActiveCtr == 0 {
		return nil
	}
	lm := mat.NewDense(nActiveCtr, s.nObj, nil)
	meaningful := e.fixedCount()
	for l := 0; l < s.nObj-s.nObjOffset; l++ {
		e.sensitivity(l)
		meaningful += e.dimAt(l)
		for i := 0; i < meaningful; i++ {
			lm.Set(i, s.nObjOffset+l, e.lambda[i])
		}
	}
	return lm
}

// Status returns the termination status of the last Solve.
func (s *Solver) Status() TerminationStatus {
	return s.status
}

// StepLength returns the last applied step scaling, or -1 when the last
// iteration did not add a blocking constraint.
func (s *Solver) StepLength() float64 {
	return s.stepLength
}

// IterationsCount returns the number of active-set iterations.
func (s *Solver) IterationsCount() int {
	return s.nIterations
}

// ActivationsCount returns the number of iterations that added a constraint
// to the working set.
func (s *Solver) ActivationsCount() int {
	return s.nActivations
}

// DeactivationsCount returns the number of iterations that removed a
// constraint from the working set.
func (s *Solver) DeactivationsCount() int {
	return s.nDeactivations
}

// FactorizationsCount returns the number of LexLSE factorizations.
func (s *Solver) FactorizationsCount() int {
	return s.nFactorizations
}

// CyclingCount returns the number of cycling bound relaxations.
func (s *Solver) CyclingCount() int {
	return s.cycling.counter
}

// ActiveCtrCount returns the total number of active constraints.
func (s *Solver) ActiveCtrCount() int {
	return s.activeCtrCountInternal()
}

// ActiveCtr returns the activation type of every constraint of one
// objective, indexed by constraint.
func (s *Solver) ActiveCtr(objIdx int) ([]ConstraintType, error) {
	if objIdx < 0 || objIdx >= s.nObj {
		return nil, errors.WithMessagef(ErrIndexOutOfRange, "objective %d of %d", objIdx, s.nObj)
	}
	return slices.Clone(s.objectives[objIdx].ctrType), nil
}

// ObjectivesCount returns the number of objectives.
func (s *Solver) ObjectivesCount() int {
	return s.nObj
}

// ObjDim returns the number of constraints of one objective.
func (s *Solver) ObjDim(objIdx int) (int, error) {
	if objIdx < 0 || objIdx >= s.nObj {
		return 0, errors.WithMessagef(ErrIndexOutOfRange, "objective %d of %d", objIdx, s.nObj)
	}
	return s.objectives[objIdx].dim, nil
}
