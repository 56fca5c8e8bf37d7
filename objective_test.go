// Copyright ©2025 gergondet. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lexls

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestObjectiveResidualFrame(t *testing.T) {
	// v = a·x - target with target = midpoint while inactive.
	o := newObjective(2, 2, ObjectiveGeneral)
	o.setData(mat.NewDense(2, 4, []float64{
		1, 0, 0, 1,
		0, 1, -1, 1,
	}))
	o.phase1([]float64{2, 0.25})

	assert.InDelta(t, 2-0.5, o.v[0], 1e-15)
	assert.InDelta(t, 0.25-0, o.v[1], 1e-15)
	assert.Equal(t, Inactive, o.ctrType[0])
}

func TestObjectiveActivateDeactivate(t *testing.T) {
	o := newObjective(2, 2, ObjectiveGeneral)
	o.setData(mat.NewDense(2, 4, []float64{
		1, 0, 0, 1,
		0, 1, -1, 1,
	}))
	x := []float64{0.5, 0.25}
	o.phase1(x)

	vBefore := append([]float64(nil), o.v...)
	typBefore := append([]ConstraintType(nil), o.ctrType...)

	// Activation re-bases the residual to the bound; the row value a·x is
	// invariant under the frame change.
	o.activate(0, ActiveUpper)
	assert.Equal(t, ActiveUpper, o.ctrType[0])
	assert.Equal(t, 1, o.activeCount())
	assert.InDelta(t, 0.5-1, o.v[0], 1e-15)

	// Deactivating the last entry restores the prior state.
	o.deactivate(o.activeCount() - 1)
	assert.Equal(t, typBefore, o.ctrType)
	assert.InDelta(t, vBefore[0], o.v[0], 1e-15)
	assert.Equal(t, 0, o.activeCount())
}

func TestObjectiveDeactivatePreservesOrder(t *testing.T) {
	o := newObjective(3, 3, ObjectiveGeneral)
	o.setData(mat.NewDense(3, 5, []float64{
		1, 0, 0, 0, 1,
		0, 1, 0, 0, 1,
		0, 0, 1, 0, 1,
	}))
	o.phase1([]float64{0, 0, 0})

	o.activate(0, ActiveLower)
	o.activate(1, ActiveLower)
	o.activate(2, ActiveLower)
	o.deactivate(1)

	assert.Equal(t, 2, o.activeCount())
	assert.Equal(t, 0, o.activeCtrIndex(0))
	assert.Equal(t, 2, o.activeCtrIndex(1))
	assert.Equal(t, Inactive, o.ctrType[1])
}

func TestObjectiveBlockingStep(t *testing.T) {
	// One variable bounded in [0,1]; from the midpoint a full step of +1
	// hits the upper bound at α = 0.5.
	o := newObjective(1, 1, ObjectiveGeneral)
	o.setData(mat.NewDense(1, 3, []float64{1, 0, 1}))
	o.phase1([]float64{0.5})
	o.formStep([]float64{1})

	a, ctr, typ, hit := o.checkBlocking(one, 1e-13)
	assert.True(t, hit)
	assert.Equal(t, 0, ctr)
	assert.Equal(t, ActiveUpper, typ)
	assert.InDelta(t, 0.5, a, 1e-12)

	// The symmetric step blocks at the lower bound.
	o.formStep([]float64{-1})
	a, _, typ, hit = o.checkBlocking(one, 1e-13)
	assert.True(t, hit)
	assert.Equal(t, ActiveLower, typ)
	assert.InDelta(t, 0.5, a, 1e-12)

	// A feasible step does not block.
	o.formStep([]float64{0.25})
	_, _, _, hit = o.checkBlocking(one, 1e-13)
	assert.False(t, hit)
}

func TestObjectiveBlockingViolatedRow(t *testing.T) {
	// A row already beyond its bound blocks at α = 0 even with no step.
	o := newObjective(1, 1, ObjectiveGeneral)
	o.setData(mat.NewDense(1, 3, []float64{1, math.Inf(-1), 1}))
	o.phase1([]float64{3})

	a, ctr, typ, hit := o.checkBlocking(one, 1e-13)
	assert.True(t, hit)
	assert.Equal(t, 0, ctr)
	assert.Equal(t, ActiveUpper, typ)
	assert.Equal(t, 0.0, a)

	// Active rows contribute no blocking.
	o.activate(0, ActiveUpper)
	_, _, _, hit = o.checkBlocking(one, 1e-13)
	assert.False(t, hit)
}

func TestObjectiveSimpleBounds(t *testing.T) {
	o := newObjective(2, 3, ObjectiveSimpleBounds)
	o.setBoundsData([]int{2, 0}, mat.NewDense(2, 2, []float64{
		0, 1,
		-1, 1,
	}))
	x := []float64{0.25, 9, 0.5}
	o.phase1(x)

	assert.InDelta(t, 0.5-0.5, o.v[0], 1e-15) // x2 against midpoint 0.5
	assert.InDelta(t, 0.25-0, o.v[1], 1e-15)  // x0 against midpoint 0

	o.formStep([]float64{1, 0, -2})
	assert.Equal(t, -2.0, o.dv[0])
	assert.Equal(t, 1.0, o.dv[1])

	o.step(0.5)
	assert.InDelta(t, -1, o.v[0], 1e-15)
	assert.InDelta(t, 0.75, o.v[1], 1e-15)
}

func TestObjectiveRelaxBound(t *testing.T) {
	o := newObjective(1, 1, ObjectiveGeneral)
	o.setData(mat.NewDense(1, 3, []float64{1, 0, 1}))
	o.phase1([]float64{1})
	o.activate(0, ActiveUpper)

	o.relaxBound(0, ActiveUpper, 0.25)
	assert.Equal(t, 1.25, o.upperBound(0))
	assert.Equal(t, 1.25, o.active[0].bval)
	// a·x = target + v is invariant under the relaxation.
	assert.InDelta(t, 1, o.target[0]+o.v[0], 1e-15)
}
