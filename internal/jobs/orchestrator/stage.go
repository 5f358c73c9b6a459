package orchestrator

import (
	jobrt "github.com/fablecast/fablecast-backend/internal/jobs/runtime"
)

// Stage is one declared pipeline step. The engine walks the stage list in
// order against the step ledger; a stage function reports outcomes through
// the error taxonomy (Transient, Fatal, Pending, ErrInvariant).
type Stage struct {
	Name string

	// StartPct/EndPct bound this stage's slice of job progress.
	StartPct int
	EndPct   int

	StartMsg string
	DoneMsg  string

	// Skip, when set, is evaluated before the stage starts. A true result
	// marks the ledger entry skipped and moves on; the reason lands in the
	// step row.
	Skip func(jc *jobrt.Context) (bool, string, error)

	// Barrier, when set, must pass before Run is entered. It returns the
	// count of inputs still outstanding; the engine re-enters the stage
	// after the poll interval until the barrier reports zero.
	Barrier func(jc *jobrt.Context) (remaining int, err error)

	// Run executes the stage. It must be idempotent: the engine re-enters
	// it after yields, retries and worker crashes.
	Run func(jc *jobrt.Context) error
}
