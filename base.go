// Copyright ©2025 gergondet. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lexls solves lexicographic least-squares problems with two-sided
// inequality constraints (LexLSI) using an active-set method built on a
// hierarchical rank-revealing QR factorization (LexLSE).
//
// A problem is an ordered list of objectives. Each objective is a set of
// linear constraints 𝒍 ≤ 𝐀𝐱 ≤ 𝒖 on a shared decision vector 𝐱 ∈ ℝⁿ whose
// violation 2-norm is minimized lexicographically: the residual of objective
// 0 is minimized first; among all its minimizers the residual of objective 1
// is minimized, and so on.
//
// D. Dimitrov, A. Sherikov, P.-B. Wieber,
// 'Efficient resolution of potentially conflicting linear constraints in robotics', 2015.
package lexls

import (
	"github.com/pkg/errors"
)

const (
	zero = 0.0
	one  = 1.0
	eps  = float64(7)/3 - float64(4)/3 - 1.
)

// epsEquality is the bound gap below which a constraint is treated as an
// equality and pre-activated at setData time.
const epsEquality = 1e-12

// ConstraintType describes the activation state of a single constraint.
type ConstraintType int

const (
	// Inactive constraint (strictly between its bounds).
	Inactive ConstraintType = iota
	// ActiveEqual is assigned internally when lower == upper; such
	// constraints are never removed from the working set.
	ActiveEqual
	// ActiveLower constraint held at its lower bound.
	ActiveLower
	// ActiveUpper constraint held at its upper bound.
	ActiveUpper
	// Correct marks a constraint whose multiplier is a tie (below the
	// correct-sign tolerance).
	Correct
)

// ObjectiveType selects the storage variant of one priority level.
type ObjectiveType int

const (
	// ObjectiveGeneral is a dense matrix with per-row lower/upper bounds.
	ObjectiveGeneral ObjectiveType = iota
	// ObjectiveSimpleBounds stores bounds on a subset of the decision
	// variables. Permitted only as the top priority, where its active
	// bounds fold into LexLSE as fixed variables.
	ObjectiveSimpleBounds
)

// RegularizationType selects the remedy applied to rank-deficient levels.
type RegularizationType int

const (
	RegularizationNone RegularizationType = iota
	// RegularizationTikhonov damps each level's triangular block with
	// uniform μ·𝐈 rows folded in by Givens rotations.
	RegularizationTikhonov
	// RegularizationVariableWeighted scales each damping row by the pivot
	// column norm times VariableRegularizationFactor.
	RegularizationVariableWeighted
	// RegularizationTruncatedCG solves each damped level block iteratively,
	// capped at MaxCGIterations.
	RegularizationTruncatedCG
)

// TerminationStatus is the reason Solve returned.
type TerminationStatus int

const (
	StatusUnknown TerminationStatus = iota
	// ProblemSolved : the removal check found no descent direction.
	ProblemSolved
	// ProblemSolvedCyclingHandling : solved after at least one
	// bound relaxation by the cycling handler.
	ProblemSolvedCyclingHandling
	// MaxFactorizationsExceeded : the factorization budget ran out.
	MaxFactorizationsExceeded
	// NumericalProblem : the factorization could not proceed even with
	// regularization.
	NumericalProblem
)

// operationType records what an active-set iteration did to the working set.
type operationType int

const (
	opUndefined operationType = iota
	opAdd
	opRemove
)

// Parameters holds the recognized configuration options of the solver.
type Parameters struct {
	// MaxFactorizations bounds the number of LexLSE factorizations before
	// Solve returns MaxFactorizationsExceeded.
	MaxFactorizations int
	// TolLinearDependence is the column-pivot magnitude below which a
	// column is considered linearly dependent at its level.
	TolLinearDependence float64
	// TolFeasibility is the slack used when classifying a row as
	// infeasible during the blocking check.
	TolFeasibility float64
	// TolWrongSignLambda is the multiplier magnitude above which its sign
	// is considered decisive.
	TolWrongSignLambda float64
	// TolCorrectSignLambda is the dead zone around zero for multiplier signs.
	TolCorrectSignLambda float64
	// Regularization selects the rank-deficiency remedy.
	Regularization RegularizationType
	// MaxCGIterations caps iterative regularization.
	MaxCGIterations int
	// VariableRegularizationFactor scales variable-weighted damping.
	VariableRegularizationFactor float64
	// CyclingHandling toggles the anti-cycling logic.
	CyclingHandling bool
	// CyclingMaxCounter is the repeat threshold triggering bound relaxation.
	CyclingMaxCounter int
	// CyclingRelaxStep is the amount a violated bound is relaxed outward.
	CyclingRelaxStep float64
	// OutputFileName, when non-empty, is a path the solver writes a
	// per-iteration trace to: the file is truncated at the start of each
	// Solve and one block per iteration is appended.
	OutputFileName string
}

// DefaultParameters returns the default solver configuration.
func DefaultParameters() Parameters {
	return Parameters{
		MaxFactorizations:            200,
		TolLinearDependence:          1e-12,
		TolFeasibility:               1e-13,
		TolWrongSignLambda:           1e-8,
		TolCorrectSignLambda:         1e-12,
		Regularization:               RegularizationNone,
		MaxCGIterations:              10,
		VariableRegularizationFactor: zero,
		CyclingHandling:              false,
		CyclingMaxCounter:            50,
		CyclingRelaxStep:             1e-8,
	}
}

// Input-validation errors. All are fatal for the call that raised them and
// leave the solver state unchanged. Runtime termination reasons are not
// errors; they are reported through TerminationStatus.
var (
	ErrShapeMismatch          = errors.New("data shape inconsistent with declared dimensions")
	ErrInvalidBounds          = errors.New("lower bound is greater than upper bound")
	ErrDuplicateVariableIndex = errors.New("elements of varIndex are not unique")
	ErrIndexOutOfRange        = errors.New("index out of range")
	ErrNumericalFailure       = errors.New("factorization cannot proceed")
)
