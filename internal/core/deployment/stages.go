package deployment

import "fmt"

// =============================================================================
// Stages
// =============================================================================

// Stage is a state in the per-run deployment state machine.
type Stage string

const (
	StageValidating    Stage = "validating"
	StageBuilding      Stage = "building"
	StagePushing       Stage = "pushing"
	StageDispatching   Stage = "dispatching"
	StageRemoteCleanup Stage = "remote_cleanup"
	StagePulling       Stage = "pulling"
	StageStarting      Stage = "starting"
	StageDone          Stage = "done"
	StageFailed        Stage = "failed"
)

// stageOrder is the only forward path through a run.
var stageOrder = []Stage{
	StageValidating,
	StageBuilding,
	StagePushing,
	StageDispatching,
	StageRemoteCleanup,
	StagePulling,
	StageStarting,
	StageDone,
}

// IsTerminal reports whether no further transition is possible.
func (s Stage) IsTerminal() bool {
	return s == StageDone || s == StageFailed
}

// Next returns the stage following s on the success path.
func (s Stage) Next() (Stage, bool) {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// CanTransition reports whether moving from one stage to another is allowed.
// Failed is reachable from every non-terminal stage.
func CanTransition(from, to Stage) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}

// =============================================================================
// Tracker
// =============================================================================

// Tracker records the path of a single run through the state machine.
type Tracker struct {
	current Stage
	history []Stage
}

// NewTracker returns a tracker positioned at StageValidating.
func NewTracker() *Tracker {
	return &Tracker{
		current: StageValidating,
		history: []Stage{StageValidating},
	}
}

// Current returns the current stage.
func (t *Tracker) Current() Stage {
	return t.current
}

// History returns every stage visited, in order.
func (t *Tracker) History() []Stage {
	out := make([]Stage, len(t.history))
	copy(out, t.history)
	return out
}

// Advance moves to the given stage.
func (t *Tracker) Advance(to Stage) error {
	if !CanTransition(t.current, to) {
		return fmt.Errorf("invalid stage transition %s -> %s", t.current, to)
	}
	t.current = to
	t.history = append(t.history, to)
	return nil
}

// AdvanceTo walks forward until target is reached.
// It is used when a remote bundle reports where it stopped.
func (t *Tracker) AdvanceTo(target Stage) error {
	for t.current != target {
		next, ok := t.current.Next()
		if !ok {
			return fmt.Errorf("stage %s is not reachable from %s", target, t.current)
		}
		if err := t.Advance(next); err != nil {
			return err
		}
	}
	return nil
}

// Fail moves to StageFailed and returns the stage the run failed in.
func (t *Tracker) Fail() Stage {
	failedIn := t.current
	if !t.current.IsTerminal() {
		t.current = StageFailed
		t.history = append(t.history, StageFailed)
	}
	return failedIn
}
