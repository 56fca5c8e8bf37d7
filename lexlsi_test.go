// Copyright ©2025 gergondet. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lexls

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// checkFeasible verifies that every general constraint value lies within
// its bounds up to tol, and that active rows sit on their recorded bound.
func checkFeasible(t *testing.T, s *Solver, tol float64) {
	t.Helper()
	x := s.X()
	for k, o := range s.objectives {
		if o.typ != ObjectiveGeneral {
			continue
		}
		for i := 0; i < o.dim; i++ {
			ax := o.rowValue(i, x)
			switch ct := o.ctrType[i]; ct {
			case Inactive:
				assert.LessOrEqual(t, o.lowerBound(i)-tol, ax, "obj %d row %d below lower", k, i)
				assert.LessOrEqual(t, ax, o.upperBound(i)+tol, "obj %d row %d above upper", k, i)
			case ActiveLower, ActiveUpper:
				assert.InDelta(t, o.bound(i, ct), ax, 1e-9, "obj %d row %d off its bound", k, i)
			}
		}
	}
}

// checkMultiplierSigns verifies that no active constraint keeps a
// wrong-signed multiplier after a successful solve.
func checkMultiplierSigns(t *testing.T, s *Solver) {
	t.Helper()
	lm := s.Lambda()
	if lm == nil {
		return
	}
	e := s.lexlse
	nf := e.fixedCount()
	for col := s.nObjOffset; col < s.nObj; col++ {
		l := col - s.nObjOffset
		for j, f := range e.fixed {
			assert.False(t, wrongSign(f.typ, lm.At(j, col), s.params.TolWrongSignLambda, s.params.TolCorrectSignLambda),
				"fixed var %d wrong-signed at level %d", j, l)
		}
		for i := 0; i < e.first[l]+e.dimAt(l); i++ {
			assert.False(t, wrongSign(e.ctrType[i], lm.At(nf+i, col), s.params.TolWrongSignLambda, s.params.TolCorrectSignLambda),
				"row %d wrong-signed at level %d", i, l)
		}
	}
}

// Scenario: one forced equality x0 + x1 = 2.
func TestSolveTrivialEquality(t *testing.T) {
	s, err := New(2, []int{1}, []ObjectiveType{ObjectiveGeneral})
	require.NoError(t, err)
	require.NoError(t, s.SetData(0, mat.NewDense(1, 4, []float64{1, 1, 2, 2})))

	status, err := s.Solve()
	require.NoError(t, err)
	assert.Equal(t, ProblemSolved, status)

	x := s.X()
	assert.InDelta(t, 2, x[0]+x[1], 1e-12)
	v, err := s.V(0)
	require.NoError(t, err)
	assert.InDelta(t, 0, v[0], 1e-12)

	types, err := s.ActiveCtr(0)
	require.NoError(t, err)
	assert.Equal(t, []ConstraintType{ActiveEqual}, types)
	checkMultiplierSigns(t, s)
}

// Scenario: pure simple bounds with a feasible x0 terminate immediately,
// without any factorization.
func TestSolvePureSimpleBounds(t *testing.T) {
	s, err := New(2, []int{2}, []ObjectiveType{ObjectiveSimpleBounds})
	require.NoError(t, err)
	require.NoError(t, s.SetBoundsData(0, []int{0, 1}, mat.NewDense(2, 2, []float64{
		0, 1,
		0, 1,
	})))
	require.NoError(t, s.SetX0([]float64{0.5, 0.5}))

	status, err := s.Solve()
	require.NoError(t, err)
	assert.Equal(t, ProblemSolved, status)
	assert.Equal(t, []float64{0.5, 0.5}, s.X())
	assert.Equal(t, 0, s.FactorizationsCount())
	assert.Equal(t, 0, s.ActivationsCount())
	assert.Equal(t, 0, s.DeactivationsCount())
	assert.Equal(t, 0, s.ActiveCtrCount())
}

// Scenario: a lower-priority equality is blocked by a higher-priority
// upper bound.
func TestSolveInequalityBlocking(t *testing.T) {
	s, err := New(1, []int{1, 1}, []ObjectiveType{ObjectiveGeneral, ObjectiveGeneral})
	require.NoError(t, err)
	require.NoError(t, s.SetData(0, mat.NewDense(1, 3, []float64{1, math.Inf(-1), 1})))
	require.NoError(t, s.SetData(1, mat.NewDense(1, 3, []float64{1, 3, 3})))

	status, err := s.Solve()
	require.NoError(t, err)
	assert.Equal(t, ProblemSolved, status)

	assert.InDelta(t, 1, s.X()[0], 1e-12)

	types, err := s.ActiveCtr(0)
	require.NoError(t, err)
	assert.Equal(t, []ConstraintType{ActiveUpper}, types)

	v, err := s.V(1)
	require.NoError(t, err)
	assert.InDelta(t, 2, math.Abs(v[0]), 1e-12)

	assert.Equal(t, 1, s.ActivationsCount())
	checkFeasible(t, s, s.params.TolFeasibility)
	checkMultiplierSigns(t, s)
}

// Scenario: a seeded working set whose multiplier is wrong-signed issues a
// Remove before any Add.
func TestSolveWrongSignRemoval(t *testing.T) {
	s, err := New(1, []int{1, 1}, []ObjectiveType{ObjectiveGeneral, ObjectiveGeneral})
	require.NoError(t, err)
	require.NoError(t, s.SetData(0, mat.NewDense(1, 3, []float64{1, 0, 5})))
	require.NoError(t, s.SetData(1, mat.NewDense(1, 3, []float64{1, 3, 3})))
	require.NoError(t, s.Activate(0, 0, ActiveUpper))

	status, err := s.Solve()
	require.NoError(t, err)
	assert.Equal(t, ProblemSolved, status)

	assert.InDelta(t, 3, s.X()[0], 1e-12)
	assert.Equal(t, 1, s.DeactivationsCount())
	assert.Equal(t, 0, s.ActivationsCount())

	types, err := s.ActiveCtr(0)
	require.NoError(t, err)
	assert.Equal(t, []ConstraintType{Inactive}, types)
	checkFeasible(t, s, s.params.TolFeasibility)
	checkMultiplierSigns(t, s)
}

// Scenario: the factorization budget cuts the solve short.
func TestSolveMaxFactorizations(t *testing.T) {
	s, err := New(1, []int{1, 1}, []ObjectiveType{ObjectiveGeneral, ObjectiveGeneral})
	require.NoError(t, err)
	require.NoError(t, s.SetData(0, mat.NewDense(1, 3, []float64{1, math.Inf(-1), 1})))
	require.NoError(t, s.SetData(1, mat.NewDense(1, 3, []float64{1, 3, 3})))

	p := DefaultParameters()
	p.MaxFactorizations = 1
	s.SetParameters(p)

	status, err := s.Solve()
	require.NoError(t, err)
	assert.Equal(t, MaxFactorizationsExceeded, status)
	assert.Equal(t, 1, s.FactorizationsCount())
}

// Simple bounds folding: the active bound becomes a fixed variable and its
// wrong-signed multiplier is translated back to objective 0.
func TestSolveFixedVariableRemoval(t *testing.T) {
	s, err := New(2, []int{2, 1}, []ObjectiveType{ObjectiveSimpleBounds, ObjectiveGeneral})
	require.NoError(t, err)
	require.NoError(t, s.SetBoundsData(0, []int{0, 1}, mat.NewDense(2, 2, []float64{
		0, 2,
		0, 2,
	})))
	require.NoError(t, s.SetData(1, mat.NewDense(1, 4, []float64{1, 0, 1, 1})))
	require.NoError(t, s.Activate(0, 0, ActiveUpper))

	status, err := s.Solve()
	require.NoError(t, err)
	assert.Equal(t, ProblemSolved, status)

	assert.InDelta(t, 1, s.X()[0], 1e-12)
	assert.Equal(t, 1, s.DeactivationsCount())
	checkMultiplierSigns(t, s)
}

// Simple bounds folding with a binding equality below.
func TestSolveFixedVariableSubstitution(t *testing.T) {
	s, err := New(2, []int{2, 1}, []ObjectiveType{ObjectiveSimpleBounds, ObjectiveGeneral})
	require.NoError(t, err)
	require.NoError(t, s.SetBoundsData(0, []int{0, 1}, mat.NewDense(2, 2, []float64{
		0, 0, // x0 forced to 0
		-1, 1,
	})))
	require.NoError(t, s.SetData(1, mat.NewDense(1, 4, []float64{1, 1, 4, 4})))

	status, err := s.Solve()
	require.NoError(t, err)
	assert.Equal(t, ProblemSolved, status)

	x := s.X()
	assert.Equal(t, 0.0, x[0])
	// x1 is clamped by its own bound; the level below keeps the residual.
	assert.InDelta(t, 1, x[1], 1e-12)
	v, err := s.V(1)
	require.NoError(t, err)
	assert.InDelta(t, -3, v[0], 1e-12)
	checkMultiplierSigns(t, s)
}

// Disabling cycling handling must not change the solution when no cycling
// occurs.
func TestSolveCyclingOffEquivalence(t *testing.T) {
	run := func(cycling bool) *Solver {
		s, err := New(1, []int{1, 1}, []ObjectiveType{ObjectiveGeneral, ObjectiveGeneral})
		require.NoError(t, err)
		require.NoError(t, s.SetData(0, mat.NewDense(1, 3, []float64{1, math.Inf(-1), 1})))
		require.NoError(t, s.SetData(1, mat.NewDense(1, 3, []float64{1, 3, 3})))
		p := DefaultParameters()
		p.CyclingHandling = cycling
		p.CyclingMaxCounter = 3
		s.SetParameters(p)
		_, err = s.Solve()
		require.NoError(t, err)
		return s
	}

	a, b := run(false), run(true)
	assert.Equal(t, a.X(), b.X())
	assert.Equal(t, ProblemSolved, a.Status())
	assert.Equal(t, ProblemSolved, b.Status()) // no relaxation happened
	assert.Equal(t, 0, b.CyclingCount())
}

// A solve that terminates after the cycling remedy reports the dedicated
// status.
func TestSolveCyclingHandledStatus(t *testing.T) {
	s, err := New(2, []int{1}, []ObjectiveType{ObjectiveGeneral})
	require.NoError(t, err)
	require.NoError(t, s.SetData(0, mat.NewDense(1, 4, []float64{1, 1, 2, 2})))
	p := DefaultParameters()
	p.CyclingHandling = true
	s.SetParameters(p)
	s.cycling.counter = 1 // a relaxation happened earlier in the solve

	status, err := s.Solve()
	require.NoError(t, err)
	assert.Equal(t, ProblemSolvedCyclingHandling, status)
}

func TestActivateEqualityRejected(t *testing.T) {
	s, err := New(1, []int{1}, []ObjectiveType{ObjectiveGeneral})
	require.NoError(t, err)
	require.NoError(t, s.SetData(0, mat.NewDense(1, 3, []float64{1, 0, 1})))

	// Warn-and-ignore: no error, no state change.
	require.NoError(t, s.Activate(0, 0, ActiveEqual))
	assert.Equal(t, 0, s.ActiveCtrCount())

	require.NoError(t, s.Activate(0, 0, ActiveUpper))
	assert.Equal(t, 1, s.ActiveCtrCount())
	// Re-activation of an active constraint is a no-op.
	require.NoError(t, s.Activate(0, 0, ActiveLower))
	types, err := s.ActiveCtr(0)
	require.NoError(t, err)
	assert.Equal(t, []ConstraintType{ActiveUpper}, types)
}

func TestValidationErrors(t *testing.T) {
	_, err := New(0, []int{1}, []ObjectiveType{ObjectiveGeneral})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = New(2, []int{1, 1}, []ObjectiveType{ObjectiveGeneral, ObjectiveSimpleBounds})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	s, err := New(2, []int{2}, []ObjectiveType{ObjectiveGeneral})
	require.NoError(t, err)

	assert.ErrorIs(t, s.SetData(1, mat.NewDense(2, 4, nil)), ErrIndexOutOfRange)
	assert.ErrorIs(t, s.SetData(0, mat.NewDense(1, 4, nil)), ErrShapeMismatch)
	assert.ErrorIs(t, s.SetData(0, mat.NewDense(2, 4, []float64{
		1, 0, 1, 0, // lower > upper
		0, 1, 0, 1,
	})), ErrInvalidBounds)

	sb, err := New(2, []int{2}, []ObjectiveType{ObjectiveSimpleBounds})
	require.NoError(t, err)
	assert.ErrorIs(t, sb.SetBoundsData(0, []int{0, 0}, mat.NewDense(2, 2, []float64{
		0, 1,
		0, 1,
	})), ErrDuplicateVariableIndex)
	assert.ErrorIs(t, sb.SetBoundsData(0, []int{0, 7}, mat.NewDense(2, 2, []float64{
		0, 1,
		0, 1,
	})), ErrIndexOutOfRange)

	assert.ErrorIs(t, s.Activate(0, 5, ActiveUpper), ErrIndexOutOfRange)
	assert.ErrorIs(t, s.Deactivate(0, 0), ErrIndexOutOfRange)
	assert.ErrorIs(t, s.SetX0([]float64{1}), ErrShapeMismatch)
	assert.ErrorIs(t, s.SetV0(0, []float64{1}), ErrShapeMismatch)
}

func TestSetV0OverridesPhase1(t *testing.T) {
	s, err := New(1, []int{1}, []ObjectiveType{ObjectiveGeneral})
	require.NoError(t, err)
	require.NoError(t, s.SetData(0, mat.NewDense(1, 3, []float64{1, 0, 2})))
	require.NoError(t, s.SetX0([]float64{1}))
	require.NoError(t, s.SetV0(0, []float64{0.25}))

	_, err = s.Solve()
	require.NoError(t, err)
	v, err := s.V(0)
	require.NoError(t, err)
	// phase1 adopted the user residual; nothing moved afterwards.
	assert.Equal(t, 0.25, v[0])
}

func TestSolveTraceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.m")

	s, err := New(1, []int{1, 1}, []ObjectiveType{ObjectiveGeneral, ObjectiveGeneral})
	require.NoError(t, err)
	require.NoError(t, s.SetData(0, mat.NewDense(1, 3, []float64{1, math.Inf(-1), 1})))
	require.NoError(t, s.SetData(1, mat.NewDense(1, 3, []float64{1, 3, 3})))
	p := DefaultParameters()
	p.OutputFileName = path
	s.SetParameters(p)

	_, err = s.Solve()
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(raw)
	assert.True(t, strings.HasPrefix(text, "% phase 1"))
	assert.Contains(t, text, "operation_(")
	assert.Contains(t, text, "nFactorizations_(")
	assert.Contains(t, text, "x_(:,")
	assert.Contains(t, text, "a_{1}(:,")
}

func TestCountersMatchOperations(t *testing.T) {
	s, err := New(1, []int{1, 1}, []ObjectiveType{ObjectiveGeneral, ObjectiveGeneral})
	require.NoError(t, err)
	require.NoError(t, s.SetData(0, mat.NewDense(1, 3, []float64{1, 0, 5})))
	require.NoError(t, s.SetData(1, mat.NewDense(1, 3, []float64{1, 3, 3})))
	require.NoError(t, s.Activate(0, 0, ActiveUpper))

	_, err = s.Solve()
	require.NoError(t, err)

	// One Remove of the seeded bound, no Add; the seed itself is not
	// counted as an activation.
	assert.Equal(t, 0, s.ActivationsCount())
	assert.Equal(t, 1, s.DeactivationsCount())
	assert.GreaterOrEqual(t, s.IterationsCount(), 2)
	assert.Equal(t, -1.0, s.StepLength())
}

// Lambda holds one column per objective; column 1 carries the multipliers of
// the active bound and of the level-1 equality w.r.t. level 1.
func TestSolveLambdaMatrix(t *testing.T) {
	s, err := New(1, []int{1, 1}, []ObjectiveType{ObjectiveGeneral, ObjectiveGeneral})
	require.NoError(t, err)
	require.NoError(t, s.SetData(0, mat.NewDense(1, 3, []float64{1, math.Inf(-1), 1})))
	require.NoError(t, s.SetData(1, mat.NewDense(1, 3, []float64{1, 3, 3})))

	_, err = s.Solve()
	require.NoError(t, err)

	lm := s.Lambda()
	require.NotNil(t, lm)
	r, c := lm.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 2, c)
	// The bound's multiplier w.r.t. level 1 is negative: properly active.
	assert.InDelta(t, -2, lm.At(0, 1), 1e-12)
	assert.InDelta(t, -2, lm.At(1, 1), 1e-12)
}
