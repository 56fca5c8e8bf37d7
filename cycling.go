// Copyright ©2025 gergondet. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lexls

// constraintID identifies one constraint across the whole problem for the
// purpose of cycle detection.
type constraintID struct {
	obj, ctr int
	typ      ConstraintType
}

// historyLen bounds the add/remove history window.
const historyLen = 8

type historyEntry struct {
	op operationType
	id constraintID
}

// cyclingHandler detects repeated add/remove toggles of the same constraint
// across iterations and applies a bound-relaxation remedy. It receives the
// objectives slice on every update and retains no reference between calls.
type cyclingHandler struct {
	maxCounter int
	relaxStep  float64

	counter int // relaxations applied
	repeat  int // re-adds observed since the last relaxation
	history []historyEntry
}

func (c *cyclingHandler) setMaxCounter(n int) {
	c.maxCounter = n
}

func (c *cyclingHandler) setRelaxStep(s float64) {
	c.relaxStep = s
}

// update records one working-set operation. A re-add of a constraint removed
// within the history window increments the repeat count; at the threshold
// the offending bound is relaxed outward by the relax step. With dryRun set
// nothing is recorded or mutated.
func (c *cyclingHandler) update(op operationType, id constraintID, objs []*objective, nIterations int, dryRun bool) TerminationStatus {
	if dryRun {
		return StatusUnknown
	}
	_ = nIterations

	if op == opAdd {
		for _, h := range c.history {
			if h.op == opRemove && h.id == id {
				c.repeat++
				break
			}
		}
		if c.repeat >= c.maxCounter {
			objs[id.obj].relaxBound(id.ctr, id.typ, c.relaxStep)
			c.counter++
			c.repeat = 0
			c.history = c.history[:0] // one toggle pays for one relaxation
		}
	}

	if len(c.history) == historyLen {
		copy(c.history, c.history[1:])
		c.history = c.history[:historyLen-1]
	}
	c.history = append(c.history, historyEntry{op: op, id: id})

	return StatusUnknown
}
