// Copyright ©2025 gergondet. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lexls

import (
	"bufio"
	"fmt"
	"os"

	"github.com/golang/glog"
)

// traceWriter appends one block per active-set iteration to a user file in
// a MATLAB-compatible layout. An empty path disables tracing.
type traceWriter struct {
	path string
}

func newTraceWriter(path string) *traceWriter {
	return &traceWriter{path: path}
}

// writeBlock appends the state of the current iteration. With clear set the
// file is truncated first (the phase-1 block). A failure to open the file is
// logged; write errors are ignored. The solve itself never depends on them.
func (t *traceWriter) writeBlock(s *Solver, op operationType, clear bool) {
	if t.path == "" {
		return
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if clear {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(t.path, flags, 0o644)
	if err != nil {
		glog.Warningf("lexls: cannot open trace file %q: %v", t.path, err)
		return
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	it := s.nIterations
	if clear {
		x0 := 0
		if s.x0Specified {
			x0 = 1
		}
		fmt.Fprintf(w, "%% phase 1 (x0_is_specified = %d) \n", x0)
	}
	if it == 1 {
		fmt.Fprintf(w, "%% here lexlse is not solved\n")
	}

	fmt.Fprintf(w, "%% ---------------------------------------------\n")
	fmt.Fprintf(w, "%% nIterations       = %d\n", it)
	fmt.Fprintf(w, "%% status            = %d\n", int(s.status))
	fmt.Fprintf(w, "%% counter (cycling) = %d\n", s.CyclingCount())
	fmt.Fprintf(w, "operation_(%d)       = %d;\n", it+1, int(op))
	fmt.Fprintf(w, "nFactorizations_(%d) = %d;\n", it+1, s.nFactorizations)
	if !clear {
		fmt.Fprintf(w, "stepLength_(%d)      = %.15g;\n", it+1, s.stepLength)
	}

	if s.nFactorizations > 0 && it != 1 {
		fmt.Fprintf(w, "%% ---------------------------------------------\n")
		fmt.Fprintf(w, "%% solve lexlse with previous active set \n")
		fmt.Fprintf(w, "xStar_(:,%d) = [ ", it+1)
		for _, v := range s.lexlse.getX() {
			fmt.Fprintf(w, "%.15g ", v)
		}
		fmt.Fprintf(w, "]'; \n")
	}

	fmt.Fprintf(w, "%% ---------------------------------------------\n")

	// When x0 is specified by the user, the step direction is not
	// recomputed at nIterations == 1.
	skipStep := s.x0Specified && it == 1

	if !skipStep {
		fmt.Fprintf(w, "dx_(:,%d) = [ ", it+1)
		for _, v := range s.dx {
			fmt.Fprintf(w, "%.15g ", v)
		}
		fmt.Fprintf(w, "]'; \n")
		for k, o := range s.objectives {
			fmt.Fprintf(w, "dw_{%d}(:,%d) = [ ", k+1, it+1)
			for _, v := range o.dv {
				fmt.Fprintf(w, "%.15g ", v)
			}
			fmt.Fprintf(w, "]';\n")
		}
	}

	fmt.Fprintf(w, "x_(:,%d) = [ ", it+1)
	for _, v := range s.x {
		fmt.Fprintf(w, "%.15g ", v)
	}
	fmt.Fprintf(w, "]'; \n")
	for k, o := range s.objectives {
		fmt.Fprintf(w, "w_{%d}(:,%d) = [ ", k+1, it+1)
		for _, v := range o.v {
			fmt.Fprintf(w, "%.15g ", v)
		}
		fmt.Fprintf(w, "]';\n")
	}

	if !skipStep {
		fmt.Fprintf(w, "%% ---------------------------------------------\n")
		for k, o := range s.objectives {
			fmt.Fprintf(w, "a_{%d}(:,%d) = [ ", k+1, it+1)
			for _, ct := range o.ctrType {
				fmt.Fprintf(w, "%d ", int(ct))
			}
			fmt.Fprintf(w, "]';\n")
		}
	}

	fmt.Fprintf(w, "\n")
}
